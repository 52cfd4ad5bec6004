package service

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"sync"
	"testing"
	"time"

	"fulfillment-service/internal/models"
	"fulfillment-service/internal/payment"
	"fulfillment-service/internal/pipeline"
	"fulfillment-service/internal/warehouse"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
)

type testClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *testClock) Set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = t
}

type stockKey struct {
	product   int64
	warehouse int64
}

// fakeRepo keeps orders, stock and customers in memory. Every method holds
// the lock for its whole body, which stands in for a transaction.
type fakeRepo struct {
	mu         sync.Mutex
	now        func() time.Time
	nextID     int64
	orders     map[int64]*models.Order
	users      map[int64]*models.User
	addresses  map[int64]*models.Address
	carts      map[int64][]models.CartLine
	warehouses map[int64]*models.Warehouse
	stock      map[stockKey]int
	popularity map[int64]int64
	processed  map[string]bool
	writes     int
}

func newFakeRepo(now func() time.Time) *fakeRepo {
	return &fakeRepo{
		now:        now,
		orders:     map[int64]*models.Order{},
		users:      map[int64]*models.User{},
		addresses:  map[int64]*models.Address{},
		carts:      map[int64][]models.CartLine{},
		warehouses: map[int64]*models.Warehouse{},
		stock:      map[stockKey]int{},
		popularity: map[int64]int64{},
		processed:  map[string]bool{},
	}
}

func cloneOrder(o *models.Order) *models.Order {
	c := *o
	c.Items = append([]models.OrderItem(nil), o.Items...)
	return &c
}

func (r *fakeRepo) stockOf(productID, warehouseID int64) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.stock[stockKey{productID, warehouseID}]
}

func (r *fakeRepo) writeCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.writes
}

func (r *fakeRepo) order(id int64) *models.Order {
	r.mu.Lock()
	defer r.mu.Unlock()
	return cloneOrder(r.orders[id])
}

func (r *fakeRepo) CreateOrder(ctx context.Context, order *models.Order) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if order.IdempotencyKey != nil {
		for _, o := range r.orders {
			if o.UserID == order.UserID && o.IdempotencyKey != nil && *o.IdempotencyKey == *order.IdempotencyKey {
				return models.ErrDuplicateOrder
			}
		}
	}

	reqs := order.StockRequests()
	sort.Slice(reqs, func(i, j int) bool { return reqs[i].ProductID < reqs[j].ProductID })
	for _, req := range reqs {
		if r.stock[stockKey{req.ProductID, order.WarehouseID}] < req.Quantity {
			return &models.InsufficientStockError{
				ProductID:   req.ProductID,
				WarehouseID: order.WarehouseID,
				Requested:   req.Quantity,
			}
		}
	}
	for _, req := range reqs {
		r.stock[stockKey{req.ProductID, order.WarehouseID}] -= req.Quantity
	}

	r.nextID++
	order.ID = r.nextID
	order.CreatedAt = r.now()
	order.UpdatedAt = order.CreatedAt
	for i := range order.Items {
		order.Items[i].ID = int64(i + 1)
		order.Items[i].OrderID = order.ID
	}
	r.orders[order.ID] = cloneOrder(order)
	delete(r.carts, order.UserID)
	r.writes++
	return nil
}

func (r *fakeRepo) load(o *models.Order) *models.Order {
	c := cloneOrder(o)
	if u, ok := r.users[o.UserID]; ok {
		c.Email = u.Email
	}
	return c
}

func (r *fakeRepo) GetOrderByID(ctx context.Context, id int64) (*models.Order, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	o, ok := r.orders[id]
	if !ok {
		return nil, fmt.Errorf("order %d: %w", id, models.ErrNotFound)
	}
	return r.load(o), nil
}

func (r *fakeRepo) GetOrderByIdempotencyKey(ctx context.Context, userID int64, key string) (*models.Order, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, o := range r.orders {
		if o.UserID == userID && o.IdempotencyKey != nil && *o.IdempotencyKey == key {
			return r.load(o), nil
		}
	}
	return nil, nil
}

func (r *fakeRepo) GetOrderByPaymentReference(ctx context.Context, reference string) (*models.Order, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, o := range r.orders {
		if o.PaymentReference != nil && *o.PaymentReference == reference {
			return r.load(o), nil
		}
	}
	return nil, fmt.Errorf("order %s: %w", reference, models.ErrNotFound)
}

func (r *fakeRepo) GetOrdersByUserID(ctx context.Context, userID int64, limit int) ([]*models.Order, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*models.Order
	for _, o := range r.orders {
		if o.UserID == userID {
			out = append(out, r.load(o))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID > out[j].ID })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (r *fakeRepo) ListOrdersByStatus(ctx context.Context, statuses []models.OrderStatus, limit int) ([]*models.Order, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	wanted := map[models.OrderStatus]bool{}
	for _, s := range statuses {
		wanted[s] = true
	}
	var out []*models.Order
	for _, o := range r.orders {
		if wanted[o.Status] {
			out = append(out, r.load(o))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (r *fakeRepo) TransitionStatus(ctx context.Context, t models.StatusTransition) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	o, ok := r.orders[t.OrderID]
	if !ok || o.Status != t.From {
		return false, nil
	}
	o.Status = t.To
	o.ExpectedDeliveryAt = t.ExpectedDeliveryAt
	if t.PaymentStatus != "" {
		o.PaymentStatus = t.PaymentStatus
	}
	if t.PaymentID != "" {
		id := t.PaymentID
		o.PaymentID = &id
	}
	o.UpdatedAt = r.now()
	r.writes++
	return true, nil
}

func (r *fakeRepo) CancelOrder(ctx context.Context, c models.Cancellation) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	o, ok := r.orders[c.OrderID]
	if !ok || o.Status != c.From {
		return false, nil
	}
	o.Status = models.OrderStatusCancelled
	if c.PaymentStatus != "" {
		o.PaymentStatus = c.PaymentStatus
	}
	reason := c.Reason
	o.CancelReason = &reason
	o.ExpectedDeliveryAt = nil
	o.UpdatedAt = r.now()
	for _, req := range o.StockRequests() {
		r.stock[stockKey{req.ProductID, o.WarehouseID}] += req.Quantity
	}
	r.writes++
	return true, nil
}

func (r *fakeRepo) CompleteDelivery(ctx context.Context, orderID int64) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	o, ok := r.orders[orderID]
	if !ok || o.Status != models.OrderStatusReachedDestination {
		return false, nil
	}
	o.Status = models.OrderStatusDelivered
	o.PaymentStatus = models.PaymentStatusPaid
	o.ExpectedDeliveryAt = nil
	o.UpdatedAt = r.now()
	for _, req := range o.StockRequests() {
		r.popularity[req.ProductID]++
	}
	r.writes++
	return true, nil
}

func (r *fakeRepo) RecordLateCapture(ctx context.Context, orderID int64, paymentID string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	o, ok := r.orders[orderID]
	if !ok || o.Status != models.OrderStatusCancelled ||
		(o.PaymentStatus != models.PaymentStatusPending && o.PaymentStatus != models.PaymentStatusFailed) {
		return false, nil
	}
	o.PaymentStatus = models.PaymentStatusRefunded
	id := paymentID
	o.PaymentID = &id
	o.UpdatedAt = r.now()
	r.writes++
	return true, nil
}

func (r *fakeRepo) IsEventProcessed(ctx context.Context, eventID string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.processed[eventID], nil
}

func (r *fakeRepo) MarkEventProcessed(ctx context.Context, eventID, eventType string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.processed[eventID] = true
	return nil
}

func (r *fakeRepo) GetUserByID(ctx context.Context, id int64) (*models.User, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	u, ok := r.users[id]
	if !ok {
		return nil, fmt.Errorf("user %d: %w", id, models.ErrNotFound)
	}
	c := *u
	return &c, nil
}

func (r *fakeRepo) GetAddressByID(ctx context.Context, id int64) (*models.Address, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	a, ok := r.addresses[id]
	if !ok {
		return nil, fmt.Errorf("address %d: %w", id, models.ErrNotFound)
	}
	c := *a
	return &c, nil
}

func (r *fakeRepo) GetCartLines(ctx context.Context, userID int64) ([]models.CartLine, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]models.CartLine(nil), r.carts[userID]...), nil
}

func (r *fakeRepo) GetWarehouseByID(ctx context.Context, id int64) (*models.Warehouse, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	w, ok := r.warehouses[id]
	if !ok {
		return nil, fmt.Errorf("warehouse %d: %w", id, models.ErrNotFound)
	}
	c := *w
	return &c, nil
}

func (r *fakeRepo) GetDefaultWarehouse(ctx context.Context) (*models.Warehouse, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, w := range r.warehouses {
		if w.IsDefault {
			c := *w
			return &c, nil
		}
	}
	return nil, fmt.Errorf("default warehouse: %w", models.ErrNotFound)
}

func (r *fakeRepo) FindNearestWarehouse(ctx context.Context, lat, lng, maxKm float64) (*models.Warehouse, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var best *models.Warehouse
	bestKm := math.Inf(1)
	for _, w := range r.warehouses {
		d := haversineKm(lat, lng, w.Latitude, w.Longitude)
		if d <= maxKm && d < bestKm {
			best, bestKm = w, d
		}
	}
	if best == nil {
		return nil, fmt.Errorf("no warehouse within %.0f km: %w", maxKm, models.ErrNotFound)
	}
	c := *best
	return &c, nil
}

func haversineKm(lat1, lng1, lat2, lng2 float64) float64 {
	rad := math.Pi / 180
	dLat := (lat2 - lat1) * rad
	dLng := (lng2 - lng1) * rad
	a := math.Pow(math.Sin(dLat/2), 2) + math.Cos(lat1*rad)*math.Cos(lat2*rad)*math.Pow(math.Sin(dLng/2), 2)
	return 2 * 6371 * math.Asin(math.Sqrt(a))
}

func (r *fakeRepo) GetStock(ctx context.Context, productID, warehouseID int64) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	q, ok := r.stock[stockKey{productID, warehouseID}]
	if !ok {
		return 0, fmt.Errorf("stock of product %d: %w", productID, models.ErrNotFound)
	}
	return q, nil
}

func (r *fakeRepo) AddStock(ctx context.Context, productID, warehouseID int64, delta int) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.stock[stockKey{productID, warehouseID}] += delta
	return r.stock[stockKey{productID, warehouseID}], nil
}

// fakeScheduler remembers every key it accepted, like the completion markers
// of the real queue.
type fakeScheduler struct {
	mu   sync.Mutex
	jobs map[string]*models.Job
	ran  map[string]bool
	err  error
}

func newFakeScheduler() *fakeScheduler {
	return &fakeScheduler{jobs: map[string]*models.Job{}, ran: map[string]bool{}}
}

func (s *fakeScheduler) Schedule(ctx context.Context, job *models.Job) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return false, s.err
	}
	if err := job.Validate(); err != nil {
		return false, err
	}
	if _, ok := s.jobs[job.Key]; ok {
		return false, nil
	}
	s.jobs[job.Key] = job
	return true, nil
}

func (s *fakeScheduler) pending() []*models.Job {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*models.Job
	for key, job := range s.jobs {
		if !s.ran[key] {
			out = append(out, job)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].RunAt.Before(out[j].RunAt) })
	return out
}

func (s *fakeScheduler) job(key string) *models.Job {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.jobs[key]
}

func (s *fakeScheduler) markRan(key string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ran[key] = true
}

func (s *fakeScheduler) forget(key string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.jobs, key)
	delete(s.ran, key)
}

type fakeNotifier struct {
	mu     sync.Mutex
	events []*models.OrderNotificationEvent
	err    error
}

func (n *fakeNotifier) PublishNotification(ctx context.Context, event *models.OrderNotificationEvent) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.err != nil {
		return n.err
	}
	n.events = append(n.events, event)
	return nil
}

func (n *fakeNotifier) statuses(orderID int64) []models.OrderStatus {
	n.mu.Lock()
	defer n.mu.Unlock()
	var out []models.OrderStatus
	for _, e := range n.events {
		if e.OrderID == orderID {
			out = append(out, e.Status)
		}
	}
	return out
}

type refundCall struct {
	paymentID string
	amount    int64
}

type fakeGateway struct {
	mu        sync.Mutex
	intents   int
	refunds   []refundCall
	intentErr error
}

func (g *fakeGateway) CreateIntent(ctx context.Context, amount int64) (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.intentErr != nil {
		return "", g.intentErr
	}
	g.intents++
	return fmt.Sprintf("intent_%d", g.intents), nil
}

func (g *fakeGateway) Refund(ctx context.Context, paymentID string, amount int64) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.refunds = append(g.refunds, refundCall{paymentID: paymentID, amount: amount})
	return nil
}

type fakeCache struct {
	mu  sync.Mutex
	ids []int64
}

func (c *fakeCache) InvalidateProducts(ctx context.Context, productIDs []int64) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.ids = append(c.ids, productIDs...)
	return nil
}

const (
	testWebhookSecret = "whsec_test"
	testGrace         = 2 * time.Minute
	testRadiusKm      = 50

	keyboardID = int64(100)
	mouseID    = int64(200)
	lastUnitID = int64(300)

	centralWarehouse = int64(1)
	northWarehouse   = int64(2)
)

var testStart = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

type testEnv struct {
	clock     *testClock
	repo      *fakeRepo
	sched     *fakeScheduler
	notifier  *fakeNotifier
	gateway   *fakeGateway
	cache     *fakeCache
	codec     *warehouse.TokenCodec
	ledger    *StockLedger
	resolver  *WarehouseResolver
	canceller *Canceller
	pipeline  *PipelineService
	orders    *OrderService
	payments  *PaymentService
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	clock := &testClock{t: testStart}
	repo := newFakeRepo(clock.Now)

	repo.warehouses[centralWarehouse] = &models.Warehouse{ID: centralWarehouse, Name: "Central", Latitude: 12.97, Longitude: 77.59, IsDefault: true}
	repo.warehouses[northWarehouse] = &models.Warehouse{ID: northWarehouse, Name: "North", Latitude: 28.61, Longitude: 77.20}
	repo.users[1] = &models.User{ID: 1, Name: "Alice", Email: "alice@example.com"}
	repo.users[2] = &models.User{ID: 2, Name: "Bob", Email: "bob@example.com"}
	repo.addresses[10] = &models.Address{ID: 10, UserID: 1, StreetAddress: "1 Main St", City: "Bengaluru", State: "KA", ZipCode: "560001"}
	repo.addresses[20] = &models.Address{ID: 20, UserID: 2, StreetAddress: "2 Ring Rd", City: "Delhi", State: "DL", ZipCode: "110001"}
	repo.stock[stockKey{keyboardID, centralWarehouse}] = 5
	repo.stock[stockKey{mouseID, centralWarehouse}] = 5
	repo.stock[stockKey{keyboardID, northWarehouse}] = 5
	repo.stock[stockKey{mouseID, northWarehouse}] = 5

	codec, err := warehouse.NewTokenCodec("warehouse-secret", 15*time.Minute)
	require.NoError(t, err)

	env := &testEnv{
		clock:    clock,
		repo:     repo,
		sched:    newFakeScheduler(),
		notifier: &fakeNotifier{},
		gateway:  &fakeGateway{},
		cache:    &fakeCache{},
		codec:    codec,
	}
	env.ledger = NewStockLedger(repo, env.cache)
	env.resolver = NewWarehouseResolver(repo, codec, testRadiusKm, 0)
	env.canceller = NewCanceller(repo, env.ledger, env.gateway, env.notifier)
	env.pipeline = NewPipelineService(repo, env.sched, env.canceller, env.notifier, pipeline.DefaultTable, testGrace)
	env.orders = NewOrderService(repo, repo, env.resolver, env.ledger, env.pipeline, env.canceller, env.gateway, env.notifier)
	env.payments = NewPaymentService(repo, env.pipeline, env.canceller, env.notifier, testWebhookSecret)

	env.pipeline.now = clock.Now
	env.orders.now = clock.Now
	env.payments.now = clock.Now

	env.fillCart(1)
	env.fillCart(2)
	return env
}

// fillCart puts two keyboards and a mouse in the user's cart
func (e *testEnv) fillCart(userID int64) {
	e.repo.mu.Lock()
	defer e.repo.mu.Unlock()
	e.repo.carts[userID] = []models.CartLine{
		{ProductID: keyboardID, ProductName: "Keyboard", Quantity: 2, Price: 2500},
		{ProductID: mouseID, ProductName: "Mouse", Quantity: 1, Price: 1200},
	}
}

func addressOf(userID int64) int64 {
	return userID * 10
}

func (e *testEnv) placeOrder(t *testing.T, userID int64, method models.PaymentMethod) *models.Order {
	t.Helper()
	resp, err := e.orders.CreateOrder(context.Background(), &CreateOrderRequest{
		UserID:         userID,
		AddressID:      addressOf(userID),
		PaymentMethod:  string(method),
		IdempotencyKey: uuid.New().String(),
	})
	require.NoError(t, err)
	return resp.Order
}

// runNext advances the clock to the earliest pending job and handles it
func (e *testEnv) runNext(t *testing.T) *models.Job {
	t.Helper()
	jobs := e.sched.pending()
	require.NotEmpty(t, jobs, "no pending job")
	job := jobs[0]
	e.clock.Set(job.RunAt)
	e.sched.markRan(job.Key)
	require.NoError(t, e.pipeline.HandleJob(context.Background(), job))
	return job
}

// driveToDestination runs the pipeline until the order awaits the customer
func (e *testEnv) driveToDestination(t *testing.T, orderID int64) {
	t.Helper()
	for e.repo.order(orderID).Status != models.OrderStatusReachedDestination {
		e.runNext(t)
	}
}

func signedWebhook(t *testing.T, event models.PaymentWebhookEvent) ([]byte, string) {
	t.Helper()
	body, err := json.Marshal(event)
	require.NoError(t, err)
	return body, signBody(body)
}

func signBody(body []byte) string {
	return payment.Sign(testWebhookSecret, body)
}
