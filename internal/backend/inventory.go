package backend

import (
	"context"
	"log/slog"
	"sync"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// Inventory holds per-product stock and the reservations made against it.
type Inventory struct {
	mu           sync.Mutex
	stock        map[string]int32
	reservations map[string][]StockItem
	logger       *slog.Logger
}

func NewInventory(stock map[string]int32, logger *slog.Logger) *Inventory {
	s := make(map[string]int32, len(stock))
	for k, v := range stock {
		s[k] = v
	}
	return &Inventory{
		stock:        s,
		reservations: make(map[string][]StockItem),
		logger:       logger,
	}
}

// Reserve takes all items out of stock for orderID or none of them.
// Reserving twice for the same order is a no-op.
func (i *Inventory) Reserve(ctx context.Context, orderID string, items []StockItem) error {
	i.mu.Lock()
	defer i.mu.Unlock()

	if _, ok := i.reservations[orderID]; ok {
		i.logger.InfoContext(ctx, "reservation already held", "order_id", orderID)
		return nil
	}

	for _, item := range items {
		current, exists := i.stock[item.ProductID]
		if !exists {
			return status.Errorf(codes.NotFound, "product %s does not exist", item.ProductID)
		}
		if current < item.Quantity {
			return status.Errorf(codes.FailedPrecondition,
				"insufficient stock for %s: available %d, requested %d", item.ProductID, current, item.Quantity)
		}
	}

	for _, item := range items {
		i.stock[item.ProductID] -= item.Quantity
	}
	i.reservations[orderID] = append([]StockItem(nil), items...)

	i.logger.InfoContext(ctx, "stock reserved", "order_id", orderID, "items", len(items))
	return nil
}

// Release returns a reservation to stock. It reports whether anything was
// released; releasing an unknown order is not an error.
func (i *Inventory) Release(ctx context.Context, orderID string) bool {
	i.mu.Lock()
	defer i.mu.Unlock()

	items, exists := i.reservations[orderID]
	if !exists {
		i.logger.WarnContext(ctx, "no reservation to release", "order_id", orderID)
		return false
	}

	for _, item := range items {
		i.stock[item.ProductID] += item.Quantity
	}
	delete(i.reservations, orderID)

	i.logger.InfoContext(ctx, "reservation released", "order_id", orderID)
	return true
}

// Stock returns the available quantity of a product.
func (i *Inventory) Stock(productID string) int32 {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.stock[productID]
}
