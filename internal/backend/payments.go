package backend

import (
	"context"
	"log/slog"
	"sync"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/jcmexdev/ringsaga/internal/pkg/interceptors"
	"github.com/jcmexdev/ringsaga/internal/pkg/interceptors/constants"
)

// Payments captures and refunds charges.
type Payments struct {
	mu       sync.Mutex
	limit    float64
	payments map[string]Charge
	// seen holds the idempotency keys of captured charges.
	seen   map[string]string
	logger *slog.Logger
}

// NewPayments declines any charge above limit. A zero limit accepts all.
func NewPayments(limit float64, logger *slog.Logger) *Payments {
	return &Payments{
		limit:    limit,
		payments: make(map[string]Charge),
		seen:     make(map[string]string),
		logger:   logger,
	}
}

// Charge captures amount for orderID. A retry with the same idempotency key
// returns the original charge without capturing again.
func (s *Payments) Charge(ctx context.Context, orderID string, amount float64) (Charge, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := interceptors.GetMetadataValue(ctx, constants.HeaderXIdempotencyKey)
	if key == "" {
		key = orderID
	}
	if prev, ok := s.seen[key]; ok {
		if c, ok := s.payments[prev]; ok {
			return c, nil
		}
	}

	if s.limit > 0 && amount > s.limit {
		s.logger.WarnContext(ctx, "charge declined", "order_id", orderID, "amount", amount, "limit", s.limit)
		return Charge{}, status.Errorf(codes.FailedPrecondition, "payment of %.2f declined: exceeds limit %.2f", amount, s.limit)
	}

	c := Charge{OrderID: orderID, Amount: amount, IdempotencyKey: key}
	s.payments[orderID] = c
	s.seen[key] = orderID

	s.logger.InfoContext(ctx, "charge captured", "order_id", orderID, "amount", amount)
	return c, nil
}

// Refund reverses the charge of orderID. Refunding an order that was never
// charged, or was already refunded, succeeds without effect.
func (s *Payments) Refund(ctx context.Context, orderID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, exists := s.payments[orderID]
	if !exists {
		s.logger.WarnContext(ctx, "no payment to refund", "order_id", orderID)
		return false
	}
	delete(s.payments, orderID)
	delete(s.seen, c.IdempotencyKey)

	s.logger.InfoContext(ctx, "charge refunded", "order_id", orderID, "amount", c.Amount)
	return true
}

// Charged returns the captured amount for orderID.
func (s *Payments) Charged(orderID string) (float64, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.payments[orderID]
	return c.Amount, ok
}
