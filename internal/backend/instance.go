package backend

import (
	"context"
	"log/slog"

	"google.golang.org/grpc"

	"github.com/jcmexdev/ringsaga/internal/pkg/interceptors"
	"github.com/jcmexdev/ringsaga/internal/ring"
)

// Config seeds every instance built by a Factory.
type Config struct {
	ChargeLimit float64
	Stock       map[string]int32
}

// Instance is the set of collaborators owned by one ring node.
type Instance struct {
	ID        ring.NodeID
	Orders    *Orders
	Inventory *Inventory
	Payments  *Payments

	interceptor grpc.UnaryServerInterceptor
}

func NewInstance(id ring.NodeID, cfg Config, logger *slog.Logger) *Instance {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("backend", string(id))
	return &Instance{
		ID:        id,
		Orders:    NewOrders(logger.With("service", "orders")),
		Inventory: NewInventory(cfg.Stock, logger.With("service", "inventory")),
		Payments:  NewPayments(cfg.ChargeLimit, logger.With("service", "payments")),

		interceptor: interceptors.UnaryServerInterceptor(logger),
	}
}

// Serve runs call the way the instance's server side would handle method,
// so the collaborators read saga headers from their context.
func (in *Instance) Serve(ctx context.Context, method string, call func(ctx context.Context) (any, error)) (any, error) {
	return interceptors.ServeInProcess(ctx, in.interceptor, method, call)
}

// Factory builds the instance for a node joining the ring.
type Factory func(id ring.NodeID) *Instance

func NewFactory(cfg Config, logger *slog.Logger) Factory {
	return func(id ring.NodeID) *Instance {
		return NewInstance(id, cfg, logger)
	}
}
