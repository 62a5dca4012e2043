package gateway

import (
	"context"
	"fmt"

	"github.com/jcmexdev/ringsaga/internal/backend"
)

const (
	StepInventory = "inventory_reservation"
	StepPayment   = "payment_charge"
	StepConfirm   = "confirm_order"
)

// Full method names the backend calls are served under.
const (
	methodReserve      = "/inventory.v1.Inventory/Reserve"
	methodRelease      = "/inventory.v1.Inventory/Release"
	methodCharge       = "/payments.v1.Payments/Charge"
	methodRefund       = "/payments.v1.Payments/Refund"
	methodUpdateStatus = "/orders.v1.Orders/UpdateStatus"
)

// --- InventoryStep ---

type InventoryStep struct {
	backend *backend.Instance
	orderID string
	items   []backend.StockItem
}

func NewInventoryStep(inst *backend.Instance, orderID string, items []backend.StockItem) *InventoryStep {
	return &InventoryStep{
		backend: inst,
		orderID: orderID,
		items:   items,
	}
}

func (s *InventoryStep) Name() string { return StepInventory }

func (s *InventoryStep) Execute(ctx context.Context) (any, error) {
	_, err := s.backend.Serve(ctx, methodReserve, func(ctx context.Context) (any, error) {
		return nil, s.backend.Inventory.Reserve(ctx, s.orderID, s.items)
	})
	if err != nil {
		return nil, fmt.Errorf("inventory service error: %w", err)
	}
	return s.items, nil
}

func (s *InventoryStep) Compensate(ctx context.Context, _ any) error {
	_, err := s.backend.Serve(ctx, methodRelease, func(ctx context.Context) (any, error) {
		return s.backend.Inventory.Release(ctx, s.orderID), nil
	})
	return err
}

// --- PaymentStep ---

type PaymentStep struct {
	backend *backend.Instance
	orderID string
	amount  float64
}

func NewPaymentStep(inst *backend.Instance, orderID string, amount float64) *PaymentStep {
	return &PaymentStep{
		backend: inst,
		orderID: orderID,
		amount:  amount,
	}
}

func (s *PaymentStep) Name() string { return StepPayment }

func (s *PaymentStep) Execute(ctx context.Context) (any, error) {
	c, err := s.backend.Serve(ctx, methodCharge, func(ctx context.Context) (any, error) {
		return s.backend.Payments.Charge(ctx, s.orderID, s.amount)
	})
	if err != nil {
		return nil, fmt.Errorf("payment service error: %w", err)
	}
	return c, nil
}

func (s *PaymentStep) Compensate(ctx context.Context, _ any) error {
	_, err := s.backend.Serve(ctx, methodRefund, func(ctx context.Context) (any, error) {
		return s.backend.Payments.Refund(ctx, s.orderID), nil
	})
	return err
}

// --- ConfirmOrderStep ---

type ConfirmOrderStep struct {
	backend *backend.Instance
	orderID string
}

func NewConfirmOrderStep(inst *backend.Instance, orderID string) *ConfirmOrderStep {
	return &ConfirmOrderStep{
		backend: inst,
		orderID: orderID,
	}
}

func (s *ConfirmOrderStep) Name() string { return StepConfirm }

func (s *ConfirmOrderStep) Execute(ctx context.Context) (any, error) {
	if err := s.setStatus(ctx, backend.StatusConfirmed); err != nil {
		return nil, fmt.Errorf("failed to confirm order: %w", err)
	}
	return backend.StatusConfirmed, nil
}

// Compensate puts the order back to PENDING; the gateway cancels orders of
// failed sagas afterwards.
func (s *ConfirmOrderStep) Compensate(ctx context.Context, _ any) error {
	return s.setStatus(ctx, backend.StatusPending)
}

func (s *ConfirmOrderStep) setStatus(ctx context.Context, st backend.OrderStatus) error {
	_, err := s.backend.Serve(ctx, methodUpdateStatus, func(ctx context.Context) (any, error) {
		return nil, s.backend.Orders.UpdateStatus(ctx, s.orderID, st)
	})
	return err
}
