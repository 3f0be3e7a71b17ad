package models

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCanTransition(t *testing.T) {
	tests := []struct {
		from, to string
		want     bool
	}{
		{OrderStatusAwaitingPayment, OrderStatusProcessing, true},
		{OrderStatusAwaitingPayment, OrderStatusCancelled, true},
		{OrderStatusAwaitingPayment, OrderStatusShipped, false},
		{OrderStatusProcessing, OrderStatusConfirmed, true},
		{OrderStatusProcessing, OrderStatusCancelled, true},
		{OrderStatusConfirmed, OrderStatusAssembling, true},
		{OrderStatusConfirmed, OrderStatusCancelled, false},
		{OrderStatusAssembling, OrderStatusShipped, true},
		{OrderStatusShipped, OrderStatusDelivered, true},
		{OrderStatusShipped, OrderStatusReturned, true},
		{OrderStatusDelivered, OrderStatusReturned, true},
		{OrderStatusDelivered, OrderStatusCancelled, false},
		{OrderStatusCancelled, OrderStatusProcessing, false},
		{OrderStatusReturned, OrderStatusDelivered, false},
		{"unknown", OrderStatusProcessing, false},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.want, CanTransition(tt.from, tt.to), "%s -> %s", tt.from, tt.to)
	}
}

func TestTerminalAndCancellable(t *testing.T) {
	assert.True(t, IsTerminal(OrderStatusCancelled))
	assert.True(t, IsTerminal(OrderStatusReturned))
	assert.False(t, IsTerminal(OrderStatusDelivered))
	assert.False(t, IsTerminal("bogus"))

	assert.True(t, IsCancellable(OrderStatusAwaitingPayment))
	assert.True(t, IsCancellable(OrderStatusProcessing))
	assert.False(t, IsCancellable(OrderStatusConfirmed))
	assert.False(t, IsCancellable(OrderStatusCancelled))
}

func TestIsCompletedStatus(t *testing.T) {
	assert.True(t, IsCompletedStatus(OrderStatusProcessing))
	assert.True(t, IsCompletedStatus(OrderStatusShipped))
	assert.True(t, IsCompletedStatus(OrderStatusDelivered))
	assert.False(t, IsCompletedStatus(OrderStatusConfirmed))
	assert.False(t, IsCompletedStatus(OrderStatusReturned))
}
