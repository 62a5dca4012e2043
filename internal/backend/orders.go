package backend

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/jcmexdev/ringsaga/internal/pkg/interceptors"
	"github.com/jcmexdev/ringsaga/internal/pkg/interceptors/constants"
)

// Orders stores orders in memory.
type Orders struct {
	mu     sync.RWMutex
	orders map[string]*Order
	// byKey maps idempotency keys to order ids.
	byKey  map[string]string
	logger *slog.Logger
}

func NewOrders(logger *slog.Logger) *Orders {
	return &Orders{
		orders: make(map[string]*Order),
		byKey:  make(map[string]string),
		logger: logger,
	}
}

// Create stores a PENDING order. A repeated call carrying the same
// idempotency key returns the order created the first time.
func (s *Orders) Create(ctx context.Context, customerID string, items []OrderItem) (*Order, error) {
	if customerID == "" || len(items) == 0 {
		return nil, status.Error(codes.InvalidArgument, "customer_id and items are required")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	idempKey := interceptors.GetMetadataValue(ctx, constants.HeaderXIdempotencyKey)
	if id, ok := s.byKey[idempKey]; ok && idempKey != "" {
		return cloneOrder(s.orders[id]), nil
	}

	var total float64
	for _, item := range items {
		total += item.Subtotal()
	}

	now := time.Now().UTC()
	order := &Order{
		ID:             uuid.NewString(),
		CustomerID:     customerID,
		Items:          append([]OrderItem(nil), items...),
		TotalAmount:    total,
		Status:         StatusPending,
		IdempotencyKey: idempKey,
		RequestID:      interceptors.GetMetadataValue(ctx, constants.HeaderXRequestId),
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	s.orders[order.ID] = order
	if idempKey != "" {
		s.byKey[idempKey] = order.ID
	}

	s.logger.InfoContext(ctx, "order created", "order_id", order.ID, "customer_id", customerID, "total", total)
	return cloneOrder(order), nil
}

func (s *Orders) Get(_ context.Context, id string) (*Order, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	order, ok := s.orders[id]
	if !ok {
		return nil, status.Errorf(codes.NotFound, "order %s not found", id)
	}
	return cloneOrder(order), nil
}

func (s *Orders) UpdateStatus(ctx context.Context, id string, st OrderStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	order, ok := s.orders[id]
	if !ok {
		return status.Errorf(codes.NotFound, "order %s not found", id)
	}
	order.Status = st
	order.UpdatedAt = time.Now().UTC()

	s.logger.InfoContext(ctx, "order status updated", "order_id", id, "status", st)
	return nil
}

// Len returns the number of stored orders.
func (s *Orders) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.orders)
}

func cloneOrder(o *Order) *Order {
	c := *o
	c.Items = append([]OrderItem(nil), o.Items...)
	return &c
}
