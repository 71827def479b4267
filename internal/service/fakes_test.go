package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"commerce-service/internal/catalog"
	"commerce-service/internal/gateway"
	"commerce-service/internal/models"
	"commerce-service/internal/store"

	"github.com/shopspring/decimal"
)

type memOrders struct {
	mu      sync.Mutex
	nextID  int64
	orders  map[int64]*models.Order
	history map[int64][]models.OrderStatusHistory
	keys    *memKeys
}

func newMemOrders() *memOrders {
	return &memOrders{orders: map[int64]*models.Order{}, history: map[int64][]models.OrderStatusHistory{}}
}

func (m *memOrders) CreateOrder(_ context.Context, order *models.Order, change models.StatusChange, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.keys.completeWith(key, m.nextID+1); err != nil {
		return err
	}
	m.nextID++
	order.ID = m.nextID
	order.TrackingNumber = models.NewTrackingNumber(order.ID)
	for i := range order.Items {
		order.Items[i].ID = int64(i + 1)
		order.Items[i].OrderID = order.ID
	}
	stored := *order
	m.orders[order.ID] = &stored
	m.appendHistory(order.ID, change)
	return nil
}

func (m *memOrders) appendHistory(id int64, change models.StatusChange) {
	m.history[id] = append(m.history[id], models.OrderStatusHistory{
		ID: int64(len(m.history[id]) + 1), OrderID: id, Status: change.Status, Description: change.Description,
	})
}

func (m *memOrders) GetOrderByID(_ context.Context, id int64) (*models.Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	o, ok := m.orders[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	copied := *o
	return &copied, nil
}

func (m *memOrders) ListOrdersByUserID(_ context.Context, userID int64, page models.Page) ([]models.Order, int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var all []models.Order
	for id := int64(1); id <= m.nextID; id++ {
		if o, ok := m.orders[id]; ok && o.UserID == userID {
			all = append(all, *o)
		}
	}
	start := page.Number * page.Size
	if start > len(all) {
		start = len(all)
	}
	end := start + page.Size
	if end > len(all) {
		end = len(all)
	}
	return all[start:end], len(all), nil
}

func (m *memOrders) GetOrderHistory(_ context.Context, id int64) ([]models.OrderStatusHistory, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]models.OrderStatusHistory(nil), m.history[id]...), nil
}

func (m *memOrders) UpdateOrderLocked(_ context.Context, id int64,
	fn func(order *models.Order) (*models.StatusChange, error)) (*models.Order, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	o, ok := m.orders[id]
	if !ok {
		return nil, false, store.ErrNotFound
	}
	working := *o
	change, err := fn(&working)
	if err != nil {
		return nil, false, err
	}
	if change == nil {
		return &working, false, nil
	}
	working.Status = change.Status
	*o = working
	m.appendHistory(id, *change)
	return &working, true, nil
}

func (m *memOrders) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.orders)
}

type memPayments struct {
	mu       sync.Mutex
	nextID   int64
	payments map[int64]*models.Payment
	history  map[int64][]models.StatusChange
	keys     *memKeys
	// beforeCreate runs ahead of each insert, outside the lock
	beforeCreate func()
}

func newMemPayments() *memPayments {
	return &memPayments{payments: map[int64]*models.Payment{}, history: map[int64][]models.StatusChange{}}
}

func (m *memPayments) CreatePayment(_ context.Context, p *models.Payment, change models.StatusChange, key string) error {
	if m.beforeCreate != nil {
		m.beforeCreate()
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, existing := range m.payments {
		if existing.OrderID == p.OrderID && existing.Status != models.PaymentStatusFailed {
			return fmt.Errorf("%w: uq_payments_active_order", store.ErrDuplicate)
		}
	}
	if err := m.keys.completeWith(key, m.nextID+1); err != nil {
		return err
	}
	m.nextID++
	p.ID = m.nextID
	stored := *p
	m.payments[p.ID] = &stored
	m.history[p.ID] = append(m.history[p.ID], change)
	return nil
}

func (m *memPayments) GetPaymentByID(_ context.Context, id int64) (*models.Payment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.payments[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	copied := *p
	return &copied, nil
}

func (m *memPayments) GetPaymentByOrderID(_ context.Context, orderID int64) (*models.Payment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var latest *models.Payment
	for _, p := range m.payments {
		if p.OrderID == orderID && (latest == nil || p.ID > latest.ID) {
			latest = p
		}
	}
	if latest == nil {
		return nil, store.ErrNotFound
	}
	copied := *latest
	return &copied, nil
}

func (m *memPayments) PaymentExistsForOrder(_ context.Context, orderID int64) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, p := range m.payments {
		if p.OrderID == orderID {
			return true, nil
		}
	}
	return false, nil
}

func (m *memPayments) UpdatePaymentLocked(_ context.Context, id int64,
	fn func(payment *models.Payment) (*models.StatusChange, error)) (*models.Payment, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.payments[id]
	if !ok {
		return nil, false, store.ErrNotFound
	}
	working := *p
	previous := working.Status
	change, err := fn(&working)
	if err != nil {
		return nil, false, err
	}
	if change == nil {
		return &working, false, nil
	}
	*p = working
	if working.Status != previous {
		m.history[id] = append(m.history[id], *change)
	}
	return &working, true, nil
}

func (m *memPayments) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.payments)
}

type memKeys struct {
	mu   sync.Mutex
	rows map[string]*models.IdempotencyKey
}

func newMemKeys() *memKeys {
	return &memKeys{rows: map[string]*models.IdempotencyKey{}}
}

func (k *memKeys) Insert(_ context.Context, rec *models.IdempotencyKey) (bool, error) {
	k.mu.Lock()
	defer k.mu.Unlock()
	if _, ok := k.rows[rec.Key]; ok {
		return false, nil
	}
	copied := *rec
	k.rows[rec.Key] = &copied
	return true, nil
}

func (k *memKeys) Get(_ context.Context, key string) (*models.IdempotencyKey, error) {
	k.mu.Lock()
	defer k.mu.Unlock()
	rec, ok := k.rows[key]
	if !ok {
		return nil, store.ErrNotFound
	}
	copied := *rec
	return &copied, nil
}

func (k *memKeys) Complete(_ context.Context, key string, resourceID int64) error {
	k.mu.Lock()
	defer k.mu.Unlock()
	if rec, ok := k.rows[key]; ok && rec.ResourceID == nil {
		rec.ResourceID = &resourceID
	}
	return nil
}

// completeWith mirrors the store's in-transaction completion: it fails unless
// the record is still pending. A nil store or empty key is not tracked.
func (k *memKeys) completeWith(key string, resourceID int64) error {
	if k == nil || key == "" {
		return nil
	}
	k.mu.Lock()
	defer k.mu.Unlock()
	rec, ok := k.rows[key]
	if !ok || rec.ResourceID != nil {
		return store.ErrKeyAlreadyCompleted
	}
	rec.ResourceID = &resourceID
	return nil
}

func (k *memKeys) Delete(_ context.Context, key string) error {
	k.mu.Lock()
	defer k.mu.Unlock()
	if rec, ok := k.rows[key]; ok && rec.ResourceID == nil {
		delete(k.rows, key)
	}
	return nil
}

type fakeCatalog struct {
	mu       sync.Mutex
	products map[int64]*catalog.ProductSnapshot
	err      error
	delay    time.Duration
	calls    int
}

func (c *fakeCatalog) GetProduct(_ context.Context, id int64) (*catalog.ProductSnapshot, error) {
	time.Sleep(c.delay)
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls++
	if c.err != nil {
		return nil, c.err
	}
	p, ok := c.products[id]
	if !ok {
		return nil, catalog.ErrProductNotFound
	}
	return p, nil
}

func product(id int64, name, price, currency string, stock *int) *catalog.ProductSnapshot {
	return &catalog.ProductSnapshot{
		ID: id, Name: name, Price: decimal.RequireFromString(price),
		Currency: currency, Status: catalog.StatusActive, StockQuantity: stock,
	}
}

type published struct {
	eventType string
	payload   json.RawMessage
}

type capturePublisher struct {
	mu     sync.Mutex
	events []published
	// failures is the number of upcoming publishes that fail
	failures int
}

func (p *capturePublisher) Publish(_ context.Context, eventType string, payload interface{}) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.failures > 0 {
		p.failures--
		return errors.New("broker unavailable")
	}
	p.events = append(p.events, published{eventType: eventType, payload: raw})
	return nil
}

func (p *capturePublisher) types() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, 0, len(p.events))
	for _, e := range p.events {
		out = append(out, e.eventType)
	}
	return out
}

func (p *capturePublisher) last(eventType string, v interface{}) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	for i := len(p.events) - 1; i >= 0; i-- {
		if p.events[i].eventType == eventType {
			return json.Unmarshal(p.events[i].payload, v)
		}
	}
	return errors.New("no " + eventType + " event published")
}

type scriptedGateway struct {
	results []gateway.Result
	errs    []error
	calls   int
}

func (g *scriptedGateway) Name() string { return "scripted" }

func (g *scriptedGateway) Process(_ context.Context, _ *models.Payment) (gateway.Result, error) {
	i := g.calls
	g.calls++
	if i < len(g.errs) && g.errs[i] != nil {
		return gateway.Result{}, g.errs[i]
	}
	if i < len(g.results) {
		return g.results[i], nil
	}
	return g.results[len(g.results)-1], nil
}
