package service

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"smartsisapa/backend/internal/domain"
	"smartsisapa/backend/internal/store"
	"smartsisapa/backend/internal/store/memory"
)

func newTestService(t *testing.T) (*Service, *memory.Store, context.Context) {
	t.Helper()
	repo := memory.NewSeeded()
	svc := New(repo, zerolog.Nop(), "SmartSISAPA", "Jl. Contoh No. 123, Jakarta")
	ctx := WithActor(context.Background(), domain.Actor{UserID: "usr-test", Username: "cashier", Role: "cashier"})
	return svc, repo, ctx
}

func setStock(t *testing.T, ctx context.Context, repo *memory.Store, productID string, qty int) {
	t.Helper()
	if _, err := repo.AdjustStock(ctx, productID, qty, "recount", "tester", time.Now().UTC()); err != nil {
		t.Fatalf("set stock %s=%d: %v", productID, qty, err)
	}
}

func TestCreateSaleTotals(t *testing.T) {
	svc, _, ctx := newTestService(t)

	sale, err := svc.CreateSale(ctx, domain.CreateSaleRequest{
		Items: []domain.CartItem{
			{ProductID: "prd-mie-01", Quantity: 2, UnitPrice: 5000},
			{ProductID: "prd-roti-01", Quantity: 1, UnitPrice: 15000},
		},
	})
	if err != nil {
		t.Fatalf("create sale: %v", err)
	}
	if sale.TotalAmount != 25000 {
		t.Fatalf("total_amount = %d, want 25000", sale.TotalAmount)
	}
	if sale.FinalAmount != 25000 {
		t.Fatalf("final_amount = %d, want 25000", sale.FinalAmount)
	}
	if sale.Status != domain.SaleStatusPending {
		t.Fatalf("status = %s, want pending", sale.Status)
	}
	if sale.PaymentStatus != domain.PaymentStatusUnpaid {
		t.Fatalf("payment_status = %s, want unpaid", sale.PaymentStatus)
	}

	sumSubtotals := int64(0)
	for _, item := range sale.Items {
		sumSubtotals += item.Subtotal
	}
	if sumSubtotals != sale.TotalAmount {
		t.Fatalf("sum(subtotals) = %d, total_amount = %d", sumSubtotals, sale.TotalAmount)
	}
}

func TestCreateSaleFinalAmountArithmetic(t *testing.T) {
	svc, _, ctx := newTestService(t)

	sale, err := svc.CreateSale(ctx, domain.CreateSaleRequest{
		Items:          []domain.CartItem{{ProductID: "prd-mie-01", Quantity: 4, UnitPrice: 5000}},
		DiscountAmount: 3000,
		TaxAmount:      2000,
	})
	if err != nil {
		t.Fatalf("create sale: %v", err)
	}
	if want := sale.TotalAmount + sale.TaxAmount - sale.DiscountAmount; sale.FinalAmount != want {
		t.Fatalf("final_amount = %d, want %d", sale.FinalAmount, want)
	}
}

func TestCreateSaleHonorsZeroUnitPrice(t *testing.T) {
	svc, _, ctx := newTestService(t)

	// A zero unit price is a real price (promo giveaway), not a request
	// for catalog pricing.
	sale, err := svc.CreateSale(ctx, domain.CreateSaleRequest{
		Items: []domain.CartItem{
			{ProductID: "prd-mie-01", Quantity: 2, UnitPrice: 0},
			{ProductID: "prd-roti-01", Quantity: 1, UnitPrice: 15000},
		},
	})
	if err != nil {
		t.Fatalf("create sale: %v", err)
	}
	if sale.TotalAmount != 15000 {
		t.Fatalf("total_amount = %d, want 15000", sale.TotalAmount)
	}
	if sale.Items[0].UnitPrice != 0 || sale.Items[0].Subtotal != 0 {
		t.Fatalf("zero-priced line repriced: %+v", sale.Items[0])
	}
}

func TestCreateSaleRejectsEmptyCart(t *testing.T) {
	svc, _, ctx := newTestService(t)
	if _, err := svc.CreateSale(ctx, domain.CreateSaleRequest{}); !errors.Is(err, store.ErrValidation) {
		t.Fatalf("expected ErrValidation, got %v", err)
	}
}

func TestCreateSaleInsufficientStock(t *testing.T) {
	svc, repo, ctx := newTestService(t)
	setStock(t, ctx, repo, "prd-roti-01", 1)

	_, err := svc.CreateSale(ctx, domain.CreateSaleRequest{
		Items: []domain.CartItem{{ProductID: "prd-roti-01", Quantity: 2, UnitPrice: 17800}},
	})
	if !errors.Is(err, store.ErrInsufficientStock) {
		t.Fatalf("expected ErrInsufficientStock, got %v", err)
	}
}

func TestCreateSaleAtomicAcrossItems(t *testing.T) {
	svc, repo, ctx := newTestService(t)
	setStock(t, ctx, repo, "prd-sabun-01", 1)

	_, err := svc.CreateSale(ctx, domain.CreateSaleRequest{
		Items: []domain.CartItem{
			{ProductID: "prd-mie-01", Quantity: 1, UnitPrice: 3500},
			{ProductID: "prd-sabun-01", Quantity: 5, UnitPrice: 7400},
		},
	})
	if !errors.Is(err, store.ErrInsufficientStock) {
		t.Fatalf("expected ErrInsufficientStock, got %v", err)
	}

	sales, err := svc.ListSales(ctx, domain.SaleFilter{})
	if err != nil {
		t.Fatalf("list sales: %v", err)
	}
	if len(sales) != 0 {
		t.Fatalf("expected no persisted sales, got %d", len(sales))
	}
	movements, _ := repo.ListInventoryMovements(ctx, "prd-mie-01", 10)
	if len(movements) != 0 {
		t.Fatalf("expected no movements for untouched product, got %d", len(movements))
	}
}

func TestRecordPaymentFullThenOverpayment(t *testing.T) {
	svc, _, ctx := newTestService(t)

	sale, err := svc.CreateSale(ctx, domain.CreateSaleRequest{
		Items: []domain.CartItem{
			{ProductID: "prd-mie-01", Quantity: 2, UnitPrice: 5000},
			{ProductID: "prd-roti-01", Quantity: 1, UnitPrice: 15000},
		},
	})
	if err != nil {
		t.Fatalf("create sale: %v", err)
	}

	paid, err := svc.RecordPayment(ctx, sale.ID, domain.RecordPaymentRequest{Method: domain.PaymentMethodCash, Amount: 25000})
	if err != nil {
		t.Fatalf("record payment: %v", err)
	}
	if paid.PaymentStatus != domain.PaymentStatusPaid {
		t.Fatalf("payment_status = %s, want paid", paid.PaymentStatus)
	}

	_, err = svc.RecordPayment(ctx, sale.ID, domain.RecordPaymentRequest{Method: domain.PaymentMethodCash, Amount: 100})
	if !errors.Is(err, store.ErrOverpayment) {
		t.Fatalf("expected ErrOverpayment, got %v", err)
	}
}

func TestRecordPaymentPartial(t *testing.T) {
	svc, _, ctx := newTestService(t)

	sale, err := svc.CreateSale(ctx, domain.CreateSaleRequest{
		Items: []domain.CartItem{{ProductID: "prd-mie-01", Quantity: 2, UnitPrice: 5000}},
	})
	if err != nil {
		t.Fatalf("create sale: %v", err)
	}

	partial, err := svc.RecordPayment(ctx, sale.ID, domain.RecordPaymentRequest{Method: domain.PaymentMethodCash, Amount: 4000})
	if err != nil {
		t.Fatalf("record partial payment: %v", err)
	}
	if partial.PaymentStatus != domain.PaymentStatusPartial {
		t.Fatalf("payment_status = %s, want partial", partial.PaymentStatus)
	}

	full, err := svc.RecordPayment(ctx, sale.ID, domain.RecordPaymentRequest{Method: domain.PaymentMethodCard, Amount: 6000})
	if err != nil {
		t.Fatalf("record remaining payment: %v", err)
	}
	if full.PaymentStatus != domain.PaymentStatusPaid {
		t.Fatalf("payment_status = %s, want paid", full.PaymentStatus)
	}
}

func TestRecordPaymentRejectsBadInput(t *testing.T) {
	svc, _, ctx := newTestService(t)
	sale, err := svc.CreateSale(ctx, domain.CreateSaleRequest{
		Items: []domain.CartItem{{ProductID: "prd-mie-01", Quantity: 1, UnitPrice: 3500}},
	})
	if err != nil {
		t.Fatalf("create sale: %v", err)
	}
	if _, err := svc.RecordPayment(ctx, sale.ID, domain.RecordPaymentRequest{Method: "barter", Amount: 1000}); !errors.Is(err, store.ErrValidation) {
		t.Fatalf("expected ErrValidation for unknown method, got %v", err)
	}
	if _, err := svc.RecordPayment(ctx, sale.ID, domain.RecordPaymentRequest{Method: domain.PaymentMethodCash, Amount: 0}); !errors.Is(err, store.ErrValidation) {
		t.Fatalf("expected ErrValidation for zero amount, got %v", err)
	}
}

func TestCompleteSaleDecrementsStockWithMovement(t *testing.T) {
	svc, repo, ctx := newTestService(t)
	setStock(t, ctx, repo, "prd-mie-01", 2)

	sale, err := svc.CreateSale(ctx, domain.CreateSaleRequest{
		Items: []domain.CartItem{{ProductID: "prd-mie-01", Quantity: 2, UnitPrice: 5000}},
	})
	if err != nil {
		t.Fatalf("create sale: %v", err)
	}

	completed, err := svc.CompleteSale(ctx, sale.ID)
	if err != nil {
		t.Fatalf("complete sale: %v", err)
	}
	if completed.Status != domain.SaleStatusCompleted || completed.CompletedAt == nil {
		t.Fatalf("sale not completed: %+v", completed)
	}

	product, err := svc.GetProduct(ctx, "prd-mie-01")
	if err != nil {
		t.Fatalf("get product: %v", err)
	}
	if product.StockQuantity != 0 {
		t.Fatalf("stock = %d, want 0", product.StockQuantity)
	}

	movements, err := repo.ListInventoryMovements(ctx, "prd-mie-01", 10)
	if err != nil {
		t.Fatalf("list movements: %v", err)
	}
	var saleMovements []domain.InventoryMovement
	for _, m := range movements {
		if m.Type == domain.MovementTypeSale {
			saleMovements = append(saleMovements, m)
		}
	}
	if len(saleMovements) != 1 {
		t.Fatalf("expected exactly one sale movement, got %d", len(saleMovements))
	}
	m := saleMovements[0]
	if m.PreviousStock != 2 || m.NewStock != 0 || m.Quantity != 2 || m.ReferenceID != sale.ID {
		t.Fatalf("unexpected movement: %+v", m)
	}
}

func TestCompleteSaleTwiceFails(t *testing.T) {
	svc, _, ctx := newTestService(t)
	sale, err := svc.CreateSale(ctx, domain.CreateSaleRequest{
		Items: []domain.CartItem{{ProductID: "prd-mie-01", Quantity: 1, UnitPrice: 3500}},
	})
	if err != nil {
		t.Fatalf("create sale: %v", err)
	}
	if _, err := svc.CompleteSale(ctx, sale.ID); err != nil {
		t.Fatalf("first completion: %v", err)
	}
	if _, err := svc.CompleteSale(ctx, sale.ID); !errors.Is(err, store.ErrInvalidState) {
		t.Fatalf("expected ErrInvalidState, got %v", err)
	}
}

func TestCompleteSaleRevalidatesStock(t *testing.T) {
	svc, repo, ctx := newTestService(t)
	setStock(t, ctx, repo, "prd-mie-01", 3)

	sale, err := svc.CreateSale(ctx, domain.CreateSaleRequest{
		Items: []domain.CartItem{{ProductID: "prd-mie-01", Quantity: 3, UnitPrice: 3500}},
	})
	if err != nil {
		t.Fatalf("create sale: %v", err)
	}

	// Stock depleted by someone else between creation and completion.
	setStock(t, ctx, repo, "prd-mie-01", 1)

	if _, err := svc.CompleteSale(ctx, sale.ID); !errors.Is(err, store.ErrInsufficientStock) {
		t.Fatalf("expected ErrInsufficientStock, got %v", err)
	}
	got, _ := svc.GetSale(ctx, sale.ID)
	if got.Status != domain.SaleStatusPending {
		t.Fatalf("failed completion must leave sale pending, got %s", got.Status)
	}
}

func TestCompleteSaleAccruesLoyalty(t *testing.T) {
	svc, _, ctx := newTestService(t)

	before, err := svc.GetCustomer(ctx, "cst-andi-01")
	if err != nil {
		t.Fatalf("get customer: %v", err)
	}

	sale, err := svc.CreateSale(ctx, domain.CreateSaleRequest{
		CustomerID: "cst-andi-01",
		Items:      []domain.CartItem{{ProductID: "prd-susu-01", Quantity: 3, UnitPrice: 18900}},
	})
	if err != nil {
		t.Fatalf("create sale: %v", err)
	}
	if _, err := svc.CompleteSale(ctx, sale.ID); err != nil {
		t.Fatalf("complete sale: %v", err)
	}

	after, err := svc.GetCustomer(ctx, "cst-andi-01")
	if err != nil {
		t.Fatalf("get customer: %v", err)
	}
	if after.TotalSpent != before.TotalSpent+sale.FinalAmount {
		t.Fatalf("total_spent = %d, want %d", after.TotalSpent, before.TotalSpent+sale.FinalAmount)
	}
	if want := before.Points + sale.FinalAmount/10000; after.Points != want {
		t.Fatalf("points = %d, want %d", after.Points, want)
	}
}

func TestUpdateSaleCancelAndImmutability(t *testing.T) {
	svc, _, ctx := newTestService(t)

	sale, err := svc.CreateSale(ctx, domain.CreateSaleRequest{
		Items: []domain.CartItem{{ProductID: "prd-mie-01", Quantity: 1, UnitPrice: 3500}},
	})
	if err != nil {
		t.Fatalf("create sale: %v", err)
	}

	cancelled := domain.SaleStatusCancelled
	updated, err := svc.UpdateSale(ctx, sale.ID, domain.UpdateSaleRequest{Status: &cancelled})
	if err != nil {
		t.Fatalf("cancel sale: %v", err)
	}
	if updated.Status != domain.SaleStatusCancelled {
		t.Fatalf("status = %s, want cancelled", updated.Status)
	}

	// Cancellation performs no inventory rollback because nothing was
	// decremented on the pay-later path.
	product, _ := svc.GetProduct(ctx, "prd-mie-01")
	if product.StockQuantity != 120 {
		t.Fatalf("cancelled sale touched stock: %d", product.StockQuantity)
	}
	notes := "edited later"
	if _, err := svc.UpdateSale(ctx, sale.ID, domain.UpdateSaleRequest{Notes: &notes}); !errors.Is(err, store.ErrImmutableSale) {
		t.Fatalf("expected ErrImmutableSale, got %v", err)
	}
}

func TestUpdateSaleCompletedViaStatus(t *testing.T) {
	svc, _, ctx := newTestService(t)
	sale, err := svc.CreateSale(ctx, domain.CreateSaleRequest{
		Items: []domain.CartItem{{ProductID: "prd-mie-01", Quantity: 1, UnitPrice: 3500}},
	})
	if err != nil {
		t.Fatalf("create sale: %v", err)
	}
	completed := domain.SaleStatusCompleted
	updated, err := svc.UpdateSale(ctx, sale.ID, domain.UpdateSaleRequest{Status: &completed})
	if err != nil {
		t.Fatalf("update to completed: %v", err)
	}
	if updated.Status != domain.SaleStatusCompleted {
		t.Fatalf("status = %s, want completed", updated.Status)
	}
}

func TestInvoiceCodesSequentialAndDailyReset(t *testing.T) {
	_, repo, ctx := newTestService(t)

	day1 := time.Date(2025, 1, 1, 9, 0, 0, 0, time.UTC)
	first, err := repo.NextInvoiceCode(ctx, day1)
	if err != nil {
		t.Fatalf("next invoice: %v", err)
	}
	second, err := repo.NextInvoiceCode(ctx, day1)
	if err != nil {
		t.Fatalf("next invoice: %v", err)
	}
	if first != "INV-20250101-0001" || second != "INV-20250101-0002" {
		t.Fatalf("same-day sequence broken: %s, %s", first, second)
	}

	day2 := day1.Add(24 * time.Hour)
	reset, err := repo.NextInvoiceCode(ctx, day2)
	if err != nil {
		t.Fatalf("next invoice: %v", err)
	}
	if reset != "INV-20250102-0001" {
		t.Fatalf("new day should reset sequence, got %s", reset)
	}
}

func TestDirectPayCompletesAtomically(t *testing.T) {
	svc, repo, ctx := newTestService(t)
	setStock(t, ctx, repo, "prd-kopi-01", 10)

	resp, err := svc.DirectPay(ctx, domain.DirectPayRequest{
		Items:      []domain.CartItem{{ProductID: "prd-kopi-01", Quantity: 4, UnitPrice: 2600}},
		Method:     domain.PaymentMethodCash,
		AmountPaid: 15000,
	})
	if err != nil {
		t.Fatalf("direct pay: %v", err)
	}
	if resp.Sale.Status != domain.SaleStatusCompleted {
		t.Fatalf("status = %s, want completed", resp.Sale.Status)
	}
	if resp.Sale.PaymentStatus != domain.PaymentStatusPaid {
		t.Fatalf("payment_status = %s, want paid", resp.Sale.PaymentStatus)
	}
	if want := int64(15000 - 10400); resp.Change != want {
		t.Fatalf("change = %d, want %d", resp.Change, want)
	}
	product, _ := svc.GetProduct(ctx, "prd-kopi-01")
	if product.StockQuantity != 6 {
		t.Fatalf("stock = %d, want 6", product.StockQuantity)
	}
}

func TestDirectPayRejectsShortPayment(t *testing.T) {
	svc, _, ctx := newTestService(t)
	_, err := svc.DirectPay(ctx, domain.DirectPayRequest{
		Items:      []domain.CartItem{{ProductID: "prd-kopi-01", Quantity: 4, UnitPrice: 2600}},
		Method:     domain.PaymentMethodCash,
		AmountPaid: 10000,
	})
	if !errors.Is(err, store.ErrValidation) {
		t.Fatalf("expected ErrValidation, got %v", err)
	}
}

func TestDirectPayInsufficientStockLeavesNothing(t *testing.T) {
	svc, repo, ctx := newTestService(t)
	setStock(t, ctx, repo, "prd-kopi-01", 2)

	_, err := svc.DirectPay(ctx, domain.DirectPayRequest{
		Items:      []domain.CartItem{{ProductID: "prd-kopi-01", Quantity: 5, UnitPrice: 2600}},
		Method:     domain.PaymentMethodCash,
		AmountPaid: 20000,
	})
	if !errors.Is(err, store.ErrInsufficientStock) {
		t.Fatalf("expected ErrInsufficientStock, got %v", err)
	}
	sales, _ := svc.ListSales(ctx, domain.SaleFilter{})
	if len(sales) != 0 {
		t.Fatalf("failed direct pay persisted %d sales", len(sales))
	}
}

func TestReceiptShape(t *testing.T) {
	svc, _, ctx := newTestService(t)

	sale, err := svc.CreateSale(ctx, domain.CreateSaleRequest{
		CustomerID: "cst-budi-01",
		Items:      []domain.CartItem{{ProductID: "prd-mie-01", Quantity: 2, UnitPrice: 5000}},
	})
	if err != nil {
		t.Fatalf("create sale: %v", err)
	}
	if _, err := svc.RecordPayment(ctx, sale.ID, domain.RecordPaymentRequest{Method: domain.PaymentMethodCash, Amount: 10000}); err != nil {
		t.Fatalf("record payment: %v", err)
	}

	receipt, err := svc.Receipt(ctx, sale.ID)
	if err != nil {
		t.Fatalf("receipt: %v", err)
	}
	if receipt.InvoiceID != sale.InvoiceCode {
		t.Fatalf("invoice = %s, want %s", receipt.InvoiceID, sale.InvoiceCode)
	}
	if receipt.Customer != "Budi Santoso" {
		t.Fatalf("customer = %q", receipt.Customer)
	}
	if receipt.StoreName != "SmartSISAPA" {
		t.Fatalf("store name = %q", receipt.StoreName)
	}
	if len(receipt.Items) != 1 || receipt.Items[0].Name != "Mie Goreng Instan" {
		t.Fatalf("receipt lines wrong: %+v", receipt.Items)
	}
	if receipt.Payment != 10000 || receipt.PaymentMethod != domain.PaymentMethodCash {
		t.Fatalf("payment section wrong: %+v", receipt)
	}
}

func TestReceiptWalkInCustomer(t *testing.T) {
	svc, _, ctx := newTestService(t)
	sale, err := svc.CreateSale(ctx, domain.CreateSaleRequest{
		Items: []domain.CartItem{{ProductID: "prd-mie-01", Quantity: 1, UnitPrice: 3500}},
	})
	if err != nil {
		t.Fatalf("create sale: %v", err)
	}
	receipt, err := svc.Receipt(ctx, sale.ID)
	if err != nil {
		t.Fatalf("receipt: %v", err)
	}
	if receipt.Customer != "Walk-in Customer" {
		t.Fatalf("customer = %q, want Walk-in Customer", receipt.Customer)
	}
}

func TestUsePointsInsufficient(t *testing.T) {
	svc, _, ctx := newTestService(t)
	if _, err := svc.UsePoints(ctx, "cst-andi-01", 1000); !errors.Is(err, store.ErrInsufficientPoints) {
		t.Fatalf("expected ErrInsufficientPoints, got %v", err)
	}
	customer, err := svc.UsePoints(ctx, "cst-sari-01", 10)
	if err != nil {
		t.Fatalf("use points: %v", err)
	}
	if customer.Points != 200 {
		t.Fatalf("points = %d, want 200", customer.Points)
	}
}

func TestDailyReport(t *testing.T) {
	svc, _, ctx := newTestService(t)
	fixed := time.Date(2025, 3, 10, 14, 0, 0, 0, time.UTC)
	svc.WithClock(func() time.Time { return fixed })

	resp, err := svc.DirectPay(ctx, domain.DirectPayRequest{
		Items:      []domain.CartItem{{ProductID: "prd-mie-01", Quantity: 3, UnitPrice: 3500}},
		Method:     domain.PaymentMethodCash,
		AmountPaid: 10500,
	})
	if err != nil {
		t.Fatalf("direct pay: %v", err)
	}

	report, err := svc.DailyReport(ctx, "2025-03-10")
	if err != nil {
		t.Fatalf("daily report: %v", err)
	}
	if report.TotalSales != 1 || report.TotalRevenue != resp.Sale.FinalAmount {
		t.Fatalf("report totals wrong: %+v", report)
	}
	if report.TotalItemsSold != 3 {
		t.Fatalf("items sold = %d, want 3", report.TotalItemsSold)
	}
	if report.PaymentMethods[domain.PaymentMethodCash] != resp.Sale.FinalAmount {
		t.Fatalf("payment methods wrong: %+v", report.PaymentMethods)
	}
	if len(report.TopProducts) != 1 || report.TopProducts[0].Name != "Mie Goreng Instan" {
		t.Fatalf("top products wrong: %+v", report.TopProducts)
	}
}

func TestDailyReportRejectsBadDate(t *testing.T) {
	svc, _, ctx := newTestService(t)
	if _, err := svc.DailyReport(ctx, "10-03-2025"); !errors.Is(err, store.ErrValidation) {
		t.Fatalf("expected ErrValidation, got %v", err)
	}
}

func TestDashboardStats(t *testing.T) {
	svc, _, ctx := newTestService(t)

	if _, err := svc.CreateSale(ctx, domain.CreateSaleRequest{
		Items: []domain.CartItem{{ProductID: "prd-mie-01", Quantity: 1, UnitPrice: 3500}},
	}); err != nil {
		t.Fatalf("create sale: %v", err)
	}
	stats, err := svc.DashboardStats(ctx)
	if err != nil {
		t.Fatalf("dashboard stats: %v", err)
	}
	if stats.TotalProducts == 0 || stats.TotalCustomers == 0 {
		t.Fatalf("catalog counts missing: %+v", stats)
	}
	if stats.PendingPayments != 1 {
		t.Fatalf("pending payments = %d, want 1", stats.PendingPayments)
	}
}
