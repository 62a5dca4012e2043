// Package gateway routes order requests to the backend instance that owns
// the customer on the hash ring and runs the order saga against it.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/jcmexdev/ringsaga/internal/backend"
	"github.com/jcmexdev/ringsaga/internal/coordinator"
	"github.com/jcmexdev/ringsaga/internal/metrics"
	"github.com/jcmexdev/ringsaga/internal/ring"
)

var (
	ErrInvalidRequest = errors.New("gateway: invalid order request")

	// ErrInstanceUnavailable is returned when the ring routes to a node whose
	// instance left between the lookup and the call.
	ErrInstanceUnavailable = errors.New("gateway: backend instance unavailable")
)

type OrderRequest struct {
	CustomerID string        `json:"customer_id"`
	Items      []ItemRequest `json:"items"`
}

type ItemRequest struct {
	ProductID string  `json:"product_id"`
	Quantity  int32   `json:"quantity"`
	Price     float64 `json:"price"`
}

func (r OrderRequest) Validate() error {
	if r.CustomerID == "" || len(r.Items) == 0 {
		return fmt.Errorf("%w: customer_id and items are required", ErrInvalidRequest)
	}
	for _, it := range r.Items {
		if it.ProductID == "" || it.Quantity <= 0 || it.Price <= 0 {
			return fmt.Errorf("%w: product_id, quantity, and price must be valid", ErrInvalidRequest)
		}
	}
	return nil
}

// Placement is the outcome of PlaceOrder.
type Placement struct {
	Node      ring.NodeID
	Order     *backend.Order
	Execution *coordinator.SagaExecution
}

type Option func(*Gateway)

func WithLogger(l *slog.Logger) Option {
	return func(g *Gateway) { g.logger = l }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(g *Gateway) { g.metrics = m }
}

// Gateway owns the ring and one backend instance per ring node.
type Gateway struct {
	mu        sync.RWMutex
	ring      *ring.Ring
	instances map[ring.NodeID]*backend.Instance
	factory   backend.Factory
	saga      *coordinator.Orchestrator
	logger    *slog.Logger
	metrics   *metrics.Metrics
}

func New(r *ring.Ring, saga *coordinator.Orchestrator, factory backend.Factory, opts ...Option) *Gateway {
	g := &Gateway{
		ring:      r,
		instances: make(map[ring.NodeID]*backend.Instance),
		factory:   factory,
		saga:      saga,
		logger:    slog.Default(),
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// AddNode starts an instance for id and places it on the ring.
func (g *Gateway) AddNode(id ring.NodeID) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	if err := g.ring.AddNode(id); err != nil {
		return err
	}
	g.instances[id] = g.factory(id)
	g.observeRing()
	g.logger.Info("backend joined", "node", string(id), "nodes", len(g.instances))
	return nil
}

// RemoveNode takes id off the ring and drops its instance.
func (g *Gateway) RemoveNode(id ring.NodeID) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	if err := g.ring.RemoveNode(id); err != nil {
		return err
	}
	delete(g.instances, id)
	g.observeRing()
	g.logger.Info("backend left", "node", string(id), "nodes", len(g.instances))
	return nil
}

func (g *Gateway) Nodes() []ring.NodeID {
	return g.ring.Nodes()
}

// Instance returns the instance running for id.
func (g *Gateway) Instance(id ring.NodeID) (*backend.Instance, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	inst, ok := g.instances[id]
	return inst, ok
}

// Route returns the instance owning key.
func (g *Gateway) Route(key string) (*backend.Instance, error) {
	id, err := g.ring.LookupString(key)
	if err != nil {
		g.metrics.RecordLookup("empty")
		return nil, err
	}
	inst, ok := g.Instance(id)
	if !ok {
		g.metrics.RecordLookup("unavailable")
		return nil, fmt.Errorf("%w: %s", ErrInstanceUnavailable, id)
	}
	g.metrics.RecordLookup("hit")
	return inst, nil
}

// PlaceOrder creates a PENDING order on the customer's instance and runs the
// reserve, charge and confirm saga with the order id as saga id. When the
// saga does not complete the order is cancelled and the returned error is
// the saga's; the Placement is returned either way once routing succeeded.
func (g *Gateway) PlaceOrder(ctx context.Context, req OrderRequest) (*Placement, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}

	inst, err := g.Route(req.CustomerID)
	if err != nil {
		return nil, err
	}

	items := make([]backend.OrderItem, len(req.Items))
	for i, it := range req.Items {
		items[i] = backend.OrderItem{ProductID: it.ProductID, Quantity: it.Quantity, UnitPrice: it.Price}
	}

	order, err := inst.Orders.Create(ctx, req.CustomerID, items)
	if err != nil {
		return nil, fmt.Errorf("order service error: %w", err)
	}
	logger := g.logger.With("order_id", order.ID, "node", string(inst.ID))
	logger.InfoContext(ctx, "order created, starting saga", "customer_id", req.CustomerID)

	exec := g.saga.ExecuteWithID(ctx, order.ID, orderSteps(inst, order))

	// The order must reach a final state even if the caller went away.
	bg := context.WithoutCancel(ctx)
	if exec.Status != coordinator.StatusCompleted {
		logger.ErrorContext(bg, "saga failed, cancelling order", "status", exec.Status, "error", exec.Err())
		if err := inst.Orders.UpdateStatus(bg, order.ID, backend.StatusCancelled); err != nil {
			logger.ErrorContext(bg, "CRITICAL: failed to cancel order after saga failure",
				"saga_error", exec.Err(),
				"cancel_error", err,
			)
		}
	}

	final, err := inst.Orders.Get(bg, order.ID)
	if err != nil {
		final = order
	}
	return &Placement{Node: inst.ID, Order: final, Execution: exec}, exec.Err()
}

// GetOrder looks an order up on the instance that owns customerID.
func (g *Gateway) GetOrder(ctx context.Context, customerID, orderID string) (*backend.Order, error) {
	inst, err := g.Route(customerID)
	if err != nil {
		return nil, err
	}
	return inst.Orders.Get(ctx, orderID)
}

func orderSteps(inst *backend.Instance, order *backend.Order) []coordinator.Step {
	stock := make([]backend.StockItem, len(order.Items))
	for i, it := range order.Items {
		stock[i] = backend.StockItem{ProductID: it.ProductID, Quantity: it.Quantity}
	}
	return []coordinator.Step{
		NewInventoryStep(inst, order.ID, stock),
		NewPaymentStep(inst, order.ID, order.TotalAmount),
		NewConfirmOrderStep(inst, order.ID),
	}
}

func (g *Gateway) observeRing() {
	g.metrics.ObserveRing(g.ring.Len(), g.ring.Len()*g.ring.ReplicationFactor())
}
