// Package memstore is an in-process implementation of store.Repository.
// Transactions are serialized by a single mutex and roll back by restoring a snapshot.
package memstore

import (
	"bytes"
	"context"
	"sort"
	"sync"
	"time"

	"shop-core/internal/apperrors"
	"shop-core/internal/models"
	"shop-core/internal/store"

	"github.com/google/uuid"
)

type Option func(*root)

// WithClock overrides the time source used for generated timestamps.
func WithClock(now func() time.Time) Option {
	return func(r *root) { r.now = now }
}

type Store struct {
	root *root
	inTx bool
}

var _ store.Repository = (*Store)(nil)

type root struct {
	mu   sync.Mutex
	data *state
	seq  int64
	now  func() time.Time
}

type cartLine struct {
	Quantity  int
	CreatedAt time.Time
	UpdatedAt time.Time
}

type reportKey struct {
	Type string
	Date time.Time
}

type performanceKey struct {
	ProductID uuid.UUID
	Date      time.Time
}

type state struct {
	variants      map[uuid.UUID]models.Variant
	stockHistory  []models.StockHistory
	carts         map[uuid.UUID]models.Cart
	cartLines     map[uuid.UUID]map[uuid.UUID]cartLine
	orders        map[uuid.UUID]models.Order
	orderList     []uuid.UUID
	orderItems    map[uuid.UUID][]models.OrderItem
	statusHistory map[uuid.UUID][]models.OrderStatusHistory
	payments      map[uuid.UUID]models.Payment
	users         map[uuid.UUID]models.User
	segments      map[uuid.UUID]models.CustomerSegment
	reports       map[reportKey]models.SalesReport
	performance   map[performanceKey]models.ProductPerformance
	events        map[string]models.ProcessedEvent
}

func newState() *state {
	return &state{
		variants:      map[uuid.UUID]models.Variant{},
		carts:         map[uuid.UUID]models.Cart{},
		cartLines:     map[uuid.UUID]map[uuid.UUID]cartLine{},
		orders:        map[uuid.UUID]models.Order{},
		orderItems:    map[uuid.UUID][]models.OrderItem{},
		statusHistory: map[uuid.UUID][]models.OrderStatusHistory{},
		payments:      map[uuid.UUID]models.Payment{},
		users:         map[uuid.UUID]models.User{},
		segments:      map[uuid.UUID]models.CustomerSegment{},
		reports:       map[reportKey]models.SalesReport{},
		performance:   map[performanceKey]models.ProductPerformance{},
		events:        map[string]models.ProcessedEvent{},
	}
}

func (st *state) clone() *state {
	c := newState()
	for k, v := range st.variants {
		c.variants[k] = v
	}
	c.stockHistory = append([]models.StockHistory(nil), st.stockHistory...)
	for k, v := range st.carts {
		c.carts[k] = v
	}
	for k, lines := range st.cartLines {
		m := make(map[uuid.UUID]cartLine, len(lines))
		for vk, l := range lines {
			m[vk] = l
		}
		c.cartLines[k] = m
	}
	for k, v := range st.orders {
		c.orders[k] = v
	}
	c.orderList = append([]uuid.UUID(nil), st.orderList...)
	for k, v := range st.orderItems {
		c.orderItems[k] = append([]models.OrderItem(nil), v...)
	}
	for k, v := range st.statusHistory {
		c.statusHistory[k] = append([]models.OrderStatusHistory(nil), v...)
	}
	for k, v := range st.payments {
		c.payments[k] = v
	}
	for k, v := range st.users {
		c.users[k] = v
	}
	for k, v := range st.segments {
		c.segments[k] = v
	}
	for k, v := range st.reports {
		c.reports[k] = v
	}
	for k, v := range st.performance {
		c.performance[k] = v
	}
	for k, v := range st.events {
		c.events[k] = v
	}
	return c
}

func New(opts ...Option) *Store {
	r := &root{data: newState(), now: time.Now}
	for _, opt := range opts {
		opt(r)
	}
	return &Store{root: r}
}

func (s *Store) WithTx(ctx context.Context, fn func(tx store.Repository) error) error {
	if s.inTx {
		return fn(s)
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	s.root.mu.Lock()
	defer s.root.mu.Unlock()

	snapshot := s.root.data.clone()
	if err := fn(&Store{root: s.root, inTx: true}); err != nil {
		s.root.data = snapshot
		return err
	}
	return nil
}

// lock guards a single call made outside a transaction.
func (s *Store) lock() func() {
	if s.inTx {
		return func() {}
	}
	s.root.mu.Lock()
	return s.root.mu.Unlock
}

func (s *Store) now() time.Time {
	return s.root.now().UTC()
}

func (s *Store) stamp(t time.Time) time.Time {
	if t.IsZero() {
		return s.now()
	}
	return t
}

func lessUUID(a, b uuid.UUID) bool {
	return bytes.Compare(a[:], b[:]) < 0
}

// AddUser seeds a user account. Users are owned by an external identity provider.
func (s *Store) AddUser(u models.User) models.User {
	defer s.lock()()
	if u.ID == uuid.Nil {
		u.ID = uuid.New()
	}
	u.CreatedAt = s.stamp(u.CreatedAt)
	s.root.data.users[u.ID] = u
	return u
}

func (s *Store) GetUser(ctx context.Context, id uuid.UUID) (*models.User, error) {
	defer s.lock()()
	u, ok := s.root.data.users[id]
	if !ok {
		return nil, apperrors.NotFound("user", id.String())
	}
	return &u, nil
}

func (s *Store) ListActiveUsers(ctx context.Context) ([]models.User, error) {
	defer s.lock()()
	users := []models.User{}
	for _, u := range s.root.data.users {
		if u.Active {
			users = append(users, u)
		}
	}
	sort.Slice(users, func(i, j int) bool {
		if !users[i].CreatedAt.Equal(users[j].CreatedAt) {
			return users[i].CreatedAt.Before(users[j].CreatedAt)
		}
		return lessUUID(users[i].ID, users[j].ID)
	})
	return users, nil
}

func (s *Store) IsEventProcessed(ctx context.Context, eventID string) (bool, error) {
	defer s.lock()()
	_, ok := s.root.data.events[eventID]
	return ok, nil
}

func (s *Store) MarkEventProcessed(ctx context.Context, eventID, eventType string) error {
	defer s.lock()()
	if _, ok := s.root.data.events[eventID]; ok {
		return nil
	}
	s.root.data.events[eventID] = models.ProcessedEvent{EventID: eventID, EventType: eventType, ProcessedAt: s.now()}
	return nil
}
