package postgres

import (
	"context"
	"errors"
	"fmt"
	"os"
	"testing"
	"time"

	"smartsisapa/backend/internal/domain"
	"smartsisapa/backend/internal/store"
)

func TestCheckoutDecrementsStockAtomically(t *testing.T) {
	databaseURL := os.Getenv("SMARTSISAPA_TEST_DATABASE_URL")
	if databaseURL == "" {
		t.Skip("set SMARTSISAPA_TEST_DATABASE_URL to run postgres integration test")
	}

	ctx := context.Background()
	s, err := New(ctx, databaseURL)
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	t.Cleanup(func() {
		_ = s.Close()
	})

	stamp := time.Now().UnixNano()
	productID := fmt.Sprintf("prd-checkout-it-%d", stamp)
	saleID := fmt.Sprintf("sal-checkout-it-%d", stamp)
	invoice := fmt.Sprintf("INV-IT-%d", stamp)

	t.Cleanup(func() {
		_, _ = s.db.ExecContext(ctx, `DELETE FROM purchase_history WHERE sale_id = $1`, saleID)
		_, _ = s.db.ExecContext(ctx, `DELETE FROM inventory_movements WHERE reference_id = $1`, saleID)
		_, _ = s.db.ExecContext(ctx, `DELETE FROM payments WHERE sale_id = $1`, saleID)
		_, _ = s.db.ExecContext(ctx, `DELETE FROM sale_items WHERE sale_id = $1`, saleID)
		_, _ = s.db.ExecContext(ctx, `DELETE FROM sales WHERE id = $1`, saleID)
		_, _ = s.db.ExecContext(ctx, `DELETE FROM products WHERE id = $1`, productID)
	})

	if _, err := s.db.ExecContext(ctx, `
		INSERT INTO products (id, name, category, price, cost_price, stock_quantity, min_stock_level, active)
		VALUES ($1, 'Produk Checkout IT', 'snack', 12000, 8000, 10, 2, true)
	`, productID); err != nil {
		t.Fatalf("insert product: %v", err)
	}

	at := time.Now().UTC()
	sale := domain.Sale{
		ID:          saleID,
		InvoiceCode: invoice,
		UserID:      "cashier",
		TotalAmount: 24000,
		FinalAmount: 24000,
		Status:      domain.SaleStatusPending,
		CreatedAt:   at,
		Items: []domain.SaleItem{
			{SaleID: saleID, ProductID: productID, Quantity: 2, UnitPrice: 12000, Subtotal: 24000},
		},
	}
	payment := domain.Payment{
		ID:        fmt.Sprintf("pay-checkout-it-%d", stamp),
		SaleID:    saleID,
		Method:    domain.PaymentMethodCash,
		Amount:    24000,
		Status:    domain.PaymentStatusCompleted,
		CreatedAt: at,
	}

	completed, err := s.Checkout(ctx, sale, payment, at)
	if err != nil {
		t.Fatalf("checkout: %v", err)
	}
	if completed.Status != domain.SaleStatusCompleted || completed.PaymentStatus != domain.PaymentStatusPaid {
		t.Fatalf("unexpected sale state: %s / %s", completed.Status, completed.PaymentStatus)
	}

	var qty int
	if err := s.db.QueryRowContext(ctx, `
		SELECT stock_quantity FROM products WHERE id = $1
	`, productID).Scan(&qty); err != nil {
		t.Fatalf("query stock: %v", err)
	}
	if qty != 8 {
		t.Fatalf("expected stock 8 after checkout, got %d", qty)
	}

	var movements int
	if err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM inventory_movements WHERE reference_id = $1 AND type = $2
	`, saleID, domain.MovementTypeSale).Scan(&movements); err != nil {
		t.Fatalf("query movements: %v", err)
	}
	if movements != 1 {
		t.Fatalf("expected 1 sale movement, got %d", movements)
	}

	// An over-stocked checkout must leave no trace.
	oversized := sale
	oversized.ID = saleID + "-over"
	oversized.InvoiceCode = invoice + "-OVER"
	oversized.Items = []domain.SaleItem{
		{SaleID: oversized.ID, ProductID: productID, Quantity: 100, UnitPrice: 12000, Subtotal: 1200000},
	}
	overPayment := payment
	overPayment.ID = payment.ID + "-over"
	overPayment.SaleID = oversized.ID
	if _, err := s.Checkout(ctx, oversized, overPayment, at); !errors.Is(err, store.ErrInsufficientStock) {
		t.Fatalf("expected ErrInsufficientStock, got %v", err)
	}
	if _, err := s.GetSaleByID(ctx, oversized.ID); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expected no sale persisted, got %v", err)
	}
}
