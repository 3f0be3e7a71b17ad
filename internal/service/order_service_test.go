package service

import (
	"bytes"
	"context"
	"errors"
	"testing"
	"time"

	"shop-core/internal/apperrors"
	"shop-core/internal/models"
	"shop-core/internal/store"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCreateFromCart_PricesAndDebitsStock(t *testing.T) {
	f := newFixture(t)
	u := f.user(t)
	shirt := f.variant(t, "SHIRT", 5, "10.00")
	hat := f.variant(t, "HAT", 1, "20.00")
	cart := f.cartWith(t, u.ID, map[*models.Variant]int{shirt: 2, hat: 1})

	view, err := f.orders.CreateFromCart(f.ctx, checkoutInput(cart.Cart.ID, u.ID))
	require.NoError(t, err)

	o := view.Order
	assertDecimal(t, "40.00", o.Subtotal)
	assertDecimal(t, "8.00", o.Tax)
	assertDecimal(t, "10.00", o.ShippingCost)
	assertDecimal(t, "58.00", o.Total)
	assert.Equal(t, models.OrderStatusAwaitingPayment, o.Status)
	assert.Equal(t, "ORD000001", o.OrderNumber)
	assert.Len(t, view.Items, 2)

	require.NotNil(t, view.Payment)
	assert.Equal(t, models.PaymentStatusPending, view.Payment.Status)
	assertDecimal(t, "58.00", view.Payment.Amount)

	assert.Equal(t, 3, f.stock(t, shirt.ID))
	assert.Equal(t, 0, f.stock(t, hat.ID))

	history, err := f.orders.ListHistory(f.ctx, o.ID)
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, models.OrderStatusAwaitingPayment, history[0].Status)

	after, err := f.carts.GetCart(f.ctx, cart.Cart.ID)
	require.NoError(t, err)
	assert.Empty(t, after.Lines)
	assert.False(t, after.Cart.Active)

	require.Len(t, f.events.created, 1)
	assert.Equal(t, o.ID, f.events.created[0].OrderID)
	assert.Len(t, f.events.created[0].Items, 2)
}

func TestCreateFromCart_IsAtomic(t *testing.T) {
	f := newFixture(t)
	u := f.user(t)
	shirt := f.variant(t, "SHIRT", 5, "10.00")
	hat := f.variant(t, "HAT", 2, "20.00")
	cart := f.cartWith(t, u.ID, map[*models.Variant]int{shirt: 2, hat: 2})

	// stock sold elsewhere after the item was added
	_, err := f.inventory.DecreaseStock(f.ctx, hat.ID, 1, "walk-in sale", nil)
	require.NoError(t, err)

	_, err = f.orders.CreateFromCart(f.ctx, checkoutInput(cart.Cart.ID, u.ID))
	require.Error(t, err)
	require.True(t, apperrors.Is(err, apperrors.CodeOutOfStock))
	shortages := apperrors.Shortages(err)
	require.Len(t, shortages, 1)
	assert.Equal(t, hat.ID.String(), shortages[0].VariantID)
	assert.Equal(t, 1, shortages[0].Available)

	assert.Equal(t, 5, f.stock(t, shirt.ID))
	assert.Equal(t, 1, f.stock(t, hat.ID))

	history, err := f.inventory.ListStockHistory(f.ctx, shirt.ID, 10)
	require.NoError(t, err)
	assert.Empty(t, history)

	orders, err := f.orders.ListUserOrders(f.ctx, u.ID)
	require.NoError(t, err)
	assert.Empty(t, orders)

	after, err := f.carts.GetCart(f.ctx, cart.Cart.ID)
	require.NoError(t, err)
	assert.Len(t, after.Lines, 2)
	assert.True(t, after.Cart.Active)
	assert.Empty(t, f.events.created)

	_, err = f.inventory.IncreaseStock(f.ctx, hat.ID, 1, "restock", nil)
	require.NoError(t, err)
	view, err := f.orders.CreateFromCart(f.ctx, checkoutInput(cart.Cart.ID, u.ID))
	require.NoError(t, err)
	assert.Equal(t, "ORD000001", view.Order.OrderNumber)
}

func TestCreateFromCart_ForeignCart(t *testing.T) {
	f := newFixture(t)
	owner, other := f.user(t), f.user(t)
	shirt := f.variant(t, "SHIRT", 5, "10.00")
	cart := f.cartWith(t, owner.ID, map[*models.Variant]int{shirt: 1})

	_, err := f.orders.CreateFromCart(f.ctx, checkoutInput(cart.Cart.ID, other.ID))
	assert.True(t, apperrors.Is(err, apperrors.CodeValidation))
	assert.Equal(t, 5, f.stock(t, shirt.ID))
}

func TestCreateFromCart_RejectsBadInput(t *testing.T) {
	f := newFixture(t)
	u := f.user(t)
	shirt := f.variant(t, "SHIRT", 5, "10.00")
	cart := f.cartWith(t, u.ID, map[*models.Variant]int{shirt: 1})

	in := checkoutInput(cart.Cart.ID, u.ID)
	in.ShippingMethod = "teleport"
	in.Email = "not-an-email"
	_, err := f.orders.CreateFromCart(f.ctx, in)
	require.True(t, apperrors.Is(err, apperrors.CodeValidation))
	fields, _ := apperrors.As(err).Details().(map[string]string)
	assert.Contains(t, fields, "ShippingMethod")
	assert.Contains(t, fields, "Email")
	assert.Equal(t, 5, f.stock(t, shirt.ID))

	empty, err := f.carts.GetOrCreateCart(f.ctx, CartOwner{SessionToken: "guest"})
	require.NoError(t, err)
	_, err = f.orders.CreateFromCart(f.ctx, checkoutInput(empty.Cart.ID, u.ID))
	assert.True(t, apperrors.Is(err, apperrors.CodeEmptyCart))
}

func TestCreateFromCart_IdempotencyKey(t *testing.T) {
	f := newFixture(t)
	u := f.user(t)
	shirt := f.variant(t, "SHIRT", 5, "10.00")
	cart := f.cartWith(t, u.ID, map[*models.Variant]int{shirt: 2})

	in := checkoutInput(cart.Cart.ID, u.ID)
	in.IdempotencyKey = "checkout-1"
	first, err := f.orders.CreateFromCart(f.ctx, in)
	require.NoError(t, err)

	second, err := f.orders.CreateFromCart(f.ctx, in)
	require.NoError(t, err)
	assert.Equal(t, first.Order.ID, second.Order.ID)
	assert.Equal(t, 3, f.stock(t, shirt.ID))
	assert.Len(t, f.events.created, 1)
}

func TestCancel_RestocksAndIsFinal(t *testing.T) {
	f := newFixture(t)
	u := f.user(t)
	shirt := f.variant(t, "SHIRT", 5, "10.00")
	hat := f.variant(t, "HAT", 1, "20.00")
	cart := f.cartWith(t, u.ID, map[*models.Variant]int{shirt: 2, hat: 1})

	view, err := f.orders.CreateFromCart(f.ctx, checkoutInput(cart.Cart.ID, u.ID))
	require.NoError(t, err)
	orderID := view.Order.ID

	_, err = f.orders.UpdateStatus(f.ctx, orderID, models.OrderStatusProcessing, "paid offline", nil)
	require.NoError(t, err)

	cancelled, err := f.orders.Cancel(f.ctx, orderID, &u.ID, "customer request")
	require.NoError(t, err)
	assert.Equal(t, models.OrderStatusCancelled, cancelled.Status)
	assert.NotNil(t, cancelled.CancelledAt)
	assert.Equal(t, 5, f.stock(t, shirt.ID))
	assert.Equal(t, 1, f.stock(t, hat.ID))

	history, err := f.orders.ListHistory(f.ctx, orderID)
	require.NoError(t, err)
	require.Len(t, history, 3)
	assert.Equal(t, models.OrderStatusCancelled, history[2].Status)

	got, err := f.orders.GetOrder(f.ctx, orderID)
	require.NoError(t, err)
	assert.Equal(t, models.PaymentStatusCancelled, got.Payment.Status)

	_, err = f.orders.Cancel(f.ctx, orderID, &u.ID, "again")
	assert.True(t, apperrors.Is(err, apperrors.CodeInvalidTransition))
	assert.Equal(t, 5, f.stock(t, shirt.ID))

	require.Len(t, f.events.cancelled, 1)
	assert.Len(t, f.events.cancelled[0].Items, 2)
}

func TestUpdateStatus_Lifecycle(t *testing.T) {
	f := newFixture(t)
	u := f.user(t)
	shirt := f.variant(t, "SHIRT", 5, "10.00")
	cart := f.cartWith(t, u.ID, map[*models.Variant]int{shirt: 2})

	view, err := f.orders.CreateFromCart(f.ctx, checkoutInput(cart.Cart.ID, u.ID))
	require.NoError(t, err)
	id := view.Order.ID

	_, err = f.orders.UpdateStatus(f.ctx, id, models.OrderStatusShipped, "", nil)
	assert.True(t, apperrors.Is(err, apperrors.CodeInvalidTransition))

	_, err = f.orders.UpdateStatus(f.ctx, id, "lost_in_space", "", nil)
	assert.True(t, apperrors.Is(err, apperrors.CodeValidation))

	for _, status := range []string{
		models.OrderStatusProcessing,
		models.OrderStatusConfirmed,
		models.OrderStatusAssembling,
		models.OrderStatusShipped,
		models.OrderStatusDelivered,
	} {
		_, err := f.orders.UpdateStatus(f.ctx, id, status, "", nil)
		require.NoError(t, err, status)
	}

	// same status again is a no-op
	o, err := f.orders.UpdateStatus(f.ctx, id, models.OrderStatusDelivered, "", nil)
	require.NoError(t, err)
	assert.NotNil(t, o.ShippedAt)
	assert.NotNil(t, o.DeliveredAt)

	history, err := f.orders.ListHistory(f.ctx, id)
	require.NoError(t, err)
	assert.Len(t, history, 6)
	assert.Len(t, f.events.statusChanged, 5)

	_, err = f.orders.UpdateStatus(f.ctx, id, models.OrderStatusCancelled, "", nil)
	assert.True(t, apperrors.Is(err, apperrors.CodeInvalidTransition))

	returned, err := f.orders.UpdateStatus(f.ctx, id, models.OrderStatusReturned, "damaged", nil)
	require.NoError(t, err)
	assert.NotNil(t, returned.ReturnedAt)
	assert.Equal(t, 5, f.stock(t, shirt.ID))

	stockLog, err := f.inventory.ListStockHistory(f.ctx, shirt.ID, 1)
	require.NoError(t, err)
	require.Len(t, stockLog, 1)
	assert.Equal(t, "order returned", stockLog[0].Note)
}

// faultyRepo wraps a repository and its transactions. It can fail payment inserts
// and return order items in descending variant order.
type faultyRepo struct {
	store.Repository
	failPayment  bool
	reverseItems bool
}

func (r *faultyRepo) WithTx(ctx context.Context, fn func(tx store.Repository) error) error {
	return r.Repository.WithTx(ctx, func(tx store.Repository) error {
		return fn(&faultyRepo{Repository: tx, failPayment: r.failPayment, reverseItems: r.reverseItems})
	})
}

func (r *faultyRepo) CreatePayment(ctx context.Context, p *models.Payment) error {
	if r.failPayment {
		return errors.New("insert payment: connection reset")
	}
	return r.Repository.CreatePayment(ctx, p)
}

func (r *faultyRepo) ListOrderItems(ctx context.Context, orderID uuid.UUID) ([]models.OrderItem, error) {
	items, err := r.Repository.ListOrderItems(ctx, orderID)
	if err != nil || !r.reverseItems {
		return items, err
	}
	for i, j := 0, len(items)-1; i < j; i, j = i+1, j-1 {
		items[i], items[j] = items[j], items[i]
	}
	return items, nil
}

func (f *fixture) ordersOn(repo store.Repository) *OrderService {
	return NewOrderService(repo, NewInventoryService(repo, f.cache, time.Minute), f.events, DefaultPricing())
}

func TestCreateFromCart_RollsBackAfterStockDebit(t *testing.T) {
	f := newFixture(t)
	u := f.user(t)
	shirt := f.variant(t, "SHIRT", 5, "10.00")
	hat := f.variant(t, "HAT", 2, "20.00")
	cart := f.cartWith(t, u.ID, map[*models.Variant]int{shirt: 2, hat: 1})

	orders := f.ordersOn(&faultyRepo{Repository: f.store, failPayment: true})
	_, err := orders.CreateFromCart(f.ctx, checkoutInput(cart.Cart.ID, u.ID))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to create payment")

	assert.Equal(t, 5, f.stock(t, shirt.ID))
	assert.Equal(t, 2, f.stock(t, hat.ID))
	history, err := f.inventory.ListStockHistory(f.ctx, shirt.ID, 10)
	require.NoError(t, err)
	assert.Empty(t, history)

	placed, err := f.orders.ListUserOrders(f.ctx, u.ID)
	require.NoError(t, err)
	assert.Empty(t, placed)

	after, err := f.carts.GetCart(f.ctx, cart.Cart.ID)
	require.NoError(t, err)
	assert.True(t, after.Cart.Active)
	assert.Len(t, after.Lines, 2)
	assert.Empty(t, f.events.created)

	view, err := f.orders.CreateFromCart(f.ctx, checkoutInput(cart.Cart.ID, u.ID))
	require.NoError(t, err)
	assert.Equal(t, "ORD000001", view.Order.OrderNumber)
}

func TestCancel_RestocksInVariantOrder(t *testing.T) {
	f := newFixture(t)
	u := f.user(t)
	a := f.variant(t, "A", 5, "10.00")
	b := f.variant(t, "B", 5, "10.00")
	c := f.variant(t, "C", 5, "10.00")
	cart := f.cartWith(t, u.ID, map[*models.Variant]int{a: 1, b: 2, c: 3})
	view, err := f.orders.CreateFromCart(f.ctx, checkoutInput(cart.Cart.ID, u.ID))
	require.NoError(t, err)

	orders := f.ordersOn(&faultyRepo{Repository: f.store, reverseItems: true})
	_, err = orders.Cancel(f.ctx, view.Order.ID, &u.ID, "")
	require.NoError(t, err)

	require.Len(t, f.events.cancelled, 1)
	items := f.events.cancelled[0].Items
	require.Len(t, items, 3)
	for i := 1; i < len(items); i++ {
		assert.Negative(t, bytes.Compare(items[i-1].VariantID[:], items[i].VariantID[:]))
	}
	assert.Equal(t, 5, f.stock(t, a.ID))
	assert.Equal(t, 5, f.stock(t, b.ID))
	assert.Equal(t, 5, f.stock(t, c.ID))
}
