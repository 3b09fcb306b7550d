package service

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"smartsisapa/backend/internal/domain"
	"smartsisapa/backend/internal/store"
	"smartsisapa/backend/internal/xid"
)

type actorContextKey struct{}

func WithActor(ctx context.Context, actor domain.Actor) context.Context {
	return context.WithValue(ctx, actorContextKey{}, actor)
}

func ActorFromContext(ctx context.Context) (domain.Actor, bool) {
	actor, ok := ctx.Value(actorContextKey{}).(domain.Actor)
	return actor, ok
}

// Service carries checkout, settlement, inventory and loyalty use-cases
// on top of the repository. Clock is injectable for tests.
type Service struct {
	repo         store.Repository
	log          zerolog.Logger
	storeName    string
	storeAddress string
	now          func() time.Time
}

func New(repo store.Repository, logger zerolog.Logger, storeName, storeAddress string) *Service {
	if storeName == "" {
		storeName = "SmartSISAPA"
	}
	return &Service{
		repo:         repo,
		log:          logger.With().Str("component", "service").Logger(),
		storeName:    storeName,
		storeAddress: storeAddress,
		now:          time.Now,
	}
}

// WithClock overrides the service clock. Intended for tests.
func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	return s
}

func (s *Service) ListProducts(ctx context.Context) ([]domain.Product, error) {
	return s.repo.ListProducts(ctx)
}

func (s *Service) GetProduct(ctx context.Context, id string) (domain.Product, error) {
	p, err := s.repo.GetProductByID(ctx, id)
	if err != nil {
		return domain.Product{}, err
	}
	return *p, nil
}

// buildSaleItems validates the cart against current catalog state and
// returns priced line items plus the running total. No mutation happens
// here; stock is re-validated inside the repository's atomic unit.
func (s *Service) buildSaleItems(ctx context.Context, saleID string, items []domain.CartItem) ([]domain.SaleItem, int64, error) {
	if len(items) == 0 {
		return nil, 0, fmt.Errorf("%w: sale requires at least one item", store.ErrValidation)
	}

	ids := make([]string, 0, len(items))
	needed := make(map[string]int)
	for _, item := range items {
		if item.ProductID == "" {
			return nil, 0, fmt.Errorf("%w: item missing product_id", store.ErrValidation)
		}
		if item.Quantity < 1 {
			return nil, 0, fmt.Errorf("%w: quantity must be at least 1", store.ErrValidation)
		}
		if item.UnitPrice < 0 {
			return nil, 0, fmt.Errorf("%w: unit price cannot be negative", store.ErrValidation)
		}
		if item.Discount < 0 {
			return nil, 0, fmt.Errorf("%w: item discount cannot be negative", store.ErrValidation)
		}
		if _, seen := needed[item.ProductID]; !seen {
			ids = append(ids, item.ProductID)
		}
		needed[item.ProductID] += item.Quantity
	}

	products, err := s.repo.GetProductsByIDs(ctx, ids)
	if err != nil {
		return nil, 0, err
	}
	for _, id := range ids {
		p, ok := products[id]
		if !ok || !p.Active {
			return nil, 0, fmt.Errorf("%w: product %s", store.ErrNotFound, id)
		}
		if p.StockQuantity < needed[id] {
			return nil, 0, fmt.Errorf("%w: product %s has %d, need %d", store.ErrInsufficientStock, id, p.StockQuantity, needed[id])
		}
	}

	saleItems := make([]domain.SaleItem, 0, len(items))
	total := int64(0)
	for _, item := range items {
		// The submitted unit price is authoritative, zero included:
		// promo lines legitimately sell at 0.
		unitPrice := item.UnitPrice
		gross := unitPrice * int64(item.Quantity)
		if item.Discount > gross {
			return nil, 0, fmt.Errorf("%w: item discount exceeds line total", store.ErrValidation)
		}
		subtotal := gross - item.Discount
		saleItems = append(saleItems, domain.SaleItem{
			SaleID:    saleID,
			ProductID: item.ProductID,
			Quantity:  item.Quantity,
			UnitPrice: unitPrice,
			Discount:  item.Discount,
			Subtotal:  subtotal,
		})
		total += subtotal
	}
	return saleItems, total, nil
}

// assembleSale prices the cart, allocates the next invoice code and
// returns a pending sale ready for persistence.
func (s *Service) assembleSale(ctx context.Context, customerID string, items []domain.CartItem, discount, tax int64, notes string, at time.Time) (domain.Sale, error) {
	if discount < 0 || tax < 0 {
		return domain.Sale{}, fmt.Errorf("%w: discount and tax cannot be negative", store.ErrValidation)
	}
	actor, ok := ActorFromContext(ctx)
	if !ok {
		return domain.Sale{}, fmt.Errorf("%w: missing authenticated actor", store.ErrValidation)
	}

	saleID := xid.New("sal")
	saleItems, total, err := s.buildSaleItems(ctx, saleID, items)
	if err != nil {
		return domain.Sale{}, err
	}
	final := total + tax - discount
	if final < 0 {
		return domain.Sale{}, fmt.Errorf("%w: discount exceeds sale total", store.ErrValidation)
	}

	invoice, err := s.repo.NextInvoiceCode(ctx, at)
	if err != nil {
		return domain.Sale{}, err
	}

	return domain.Sale{
		ID:             saleID,
		InvoiceCode:    invoice,
		CustomerID:     strings.TrimSpace(customerID),
		UserID:         actor.Username,
		TotalAmount:    total,
		DiscountAmount: discount,
		TaxAmount:      tax,
		FinalAmount:    final,
		Status:         domain.SaleStatusPending,
		PaymentStatus:  domain.PaymentStatusUnpaid,
		Notes:          strings.TrimSpace(notes),
		CreatedAt:      at,
		Items:          saleItems,
	}, nil
}

// CreateSale opens a pay-later sale: pending status, no inventory effect
// until completion.
func (s *Service) CreateSale(ctx context.Context, req domain.CreateSaleRequest) (domain.Sale, error) {
	at := s.now().UTC()
	sale, err := s.assembleSale(ctx, req.CustomerID, req.Items, req.DiscountAmount, req.TaxAmount, req.Notes, at)
	if err != nil {
		return domain.Sale{}, err
	}
	created, err := s.repo.CreateSale(ctx, sale)
	if err != nil {
		return domain.Sale{}, err
	}
	s.log.Info().Str("invoice", created.InvoiceCode).Int64("final_amount", created.FinalAmount).Msg("sale created")
	return *created, nil
}

func (s *Service) GetSale(ctx context.Context, id string) (domain.Sale, error) {
	sale, err := s.repo.GetSaleByID(ctx, id)
	if err != nil {
		return domain.Sale{}, err
	}
	return *sale, nil
}

func (s *Service) ListSales(ctx context.Context, filter domain.SaleFilter) ([]domain.Sale, error) {
	if filter.Limit <= 0 || filter.Limit > 200 {
		filter.Limit = 50
	}
	return s.repo.ListSales(ctx, filter)
}

// CompleteSale finalizes a pending sale: stock decrement, movement and
// purchase-history records, and loyalty accrual run in one atomic unit
// with the status transition.
func (s *Service) CompleteSale(ctx context.Context, id string) (domain.Sale, error) {
	sale, err := s.repo.CompleteSale(ctx, id, s.now().UTC())
	if err != nil {
		return domain.Sale{}, err
	}
	s.log.Info().Str("invoice", sale.InvoiceCode).Msg("sale completed")
	return *sale, nil
}

func (s *Service) UpdateSale(ctx context.Context, id string, req domain.UpdateSaleRequest) (domain.Sale, error) {
	if req.Status != nil && *req.Status == domain.SaleStatusCompleted {
		return s.CompleteSale(ctx, id)
	}
	sale, err := s.repo.UpdateSale(ctx, id, req)
	if err != nil {
		return domain.Sale{}, err
	}
	return *sale, nil
}

// RecordPayment settles part or all of a sale's balance. Overpayment is
// rejected as a whole; the payment status is recomputed from completed
// payments only.
func (s *Service) RecordPayment(ctx context.Context, saleID string, req domain.RecordPaymentRequest) (domain.Sale, error) {
	if !domain.IsValidPaymentMethod(req.Method) {
		return domain.Sale{}, fmt.Errorf("%w: unknown payment method %q", store.ErrValidation, req.Method)
	}
	if req.Amount <= 0 {
		return domain.Sale{}, fmt.Errorf("%w: payment amount must be positive", store.ErrValidation)
	}
	payment := domain.Payment{
		ID:              xid.New("pay"),
		SaleID:          saleID,
		Method:          req.Method,
		Amount:          req.Amount,
		ReferenceNumber: strings.TrimSpace(req.ReferenceNumber),
		Status:          domain.PaymentStatusCompleted,
		PaymentData:     req.PaymentData,
		CreatedAt:       s.now().UTC(),
	}
	sale, err := s.repo.RecordPayment(ctx, saleID, payment)
	if err != nil {
		return domain.Sale{}, err
	}
	s.log.Info().Str("invoice", sale.InvoiceCode).Str("method", req.Method).Int64("amount", req.Amount).Str("payment_status", sale.PaymentStatus).Msg("payment recorded")
	return *sale, nil
}

// DirectPay is the pay-now path: the sale is created, paid and completed
// in a single atomic unit. AmountPaid must cover the final amount; the
// recorded payment is capped at the amount due and the surplus is
// returned as change.
func (s *Service) DirectPay(ctx context.Context, req domain.DirectPayRequest) (domain.DirectPayResponse, error) {
	if !domain.IsValidPaymentMethod(req.Method) {
		return domain.DirectPayResponse{}, fmt.Errorf("%w: unknown payment method %q", store.ErrValidation, req.Method)
	}
	at := s.now().UTC()
	sale, err := s.assembleSale(ctx, req.CustomerID, req.Items, req.DiscountAmount, req.TaxAmount, req.Notes, at)
	if err != nil {
		return domain.DirectPayResponse{}, err
	}
	if req.AmountPaid < sale.FinalAmount {
		return domain.DirectPayResponse{}, fmt.Errorf("%w: paid %d, due %d", store.ErrValidation, req.AmountPaid, sale.FinalAmount)
	}

	payment := domain.Payment{
		ID:              xid.New("pay"),
		SaleID:          sale.ID,
		Method:          req.Method,
		Amount:          sale.FinalAmount,
		ReferenceNumber: strings.TrimSpace(req.Reference),
		Status:          domain.PaymentStatusCompleted,
		CreatedAt:       at,
	}
	created, err := s.repo.Checkout(ctx, sale, payment, at)
	if err != nil {
		return domain.DirectPayResponse{}, err
	}
	change := req.AmountPaid - created.FinalAmount
	s.log.Info().Str("invoice", created.InvoiceCode).Str("method", req.Method).Int64("change", change).Msg("direct checkout completed")
	return domain.DirectPayResponse{Sale: *created, Change: change}, nil
}

// Receipt renders the printable view of a sale.
func (s *Service) Receipt(ctx context.Context, saleID string) (domain.Receipt, error) {
	sale, err := s.repo.GetSaleByID(ctx, saleID)
	if err != nil {
		return domain.Receipt{}, err
	}

	customerName := "Walk-in Customer"
	if sale.CustomerID != "" {
		if customer, err := s.repo.GetCustomerByID(ctx, sale.CustomerID); err == nil {
			customerName = customer.Name
		}
	}

	ids := make([]string, 0, len(sale.Items))
	for _, item := range sale.Items {
		ids = append(ids, item.ProductID)
	}
	products, err := s.repo.GetProductsByIDs(ctx, ids)
	if err != nil {
		return domain.Receipt{}, err
	}

	lines := make([]domain.ReceiptLine, 0, len(sale.Items))
	for _, item := range sale.Items {
		name := item.ProductID
		if p, ok := products[item.ProductID]; ok {
			name = p.Name
		}
		lines = append(lines, domain.ReceiptLine{
			Name:     name,
			Qty:      item.Quantity,
			Price:    item.UnitPrice,
			Subtotal: item.Subtotal,
		})
	}

	paid := sale.PaidAmount()
	change := int64(0)
	if paid > sale.FinalAmount {
		change = paid - sale.FinalAmount
	}
	method := "-"
	if n := len(sale.Payments); n > 0 {
		method = sale.Payments[n-1].Method
	}

	return domain.Receipt{
		InvoiceID:     sale.InvoiceCode,
		StoreName:     s.storeName,
		StoreAddress:  s.storeAddress,
		PrintedAt:     s.now().UTC().Format(time.RFC3339),
		Items:         lines,
		Total:         sale.TotalAmount,
		Discount:      sale.DiscountAmount,
		Tax:           sale.TaxAmount,
		FinalTotal:    sale.FinalAmount,
		Payment:       paid,
		Change:        change,
		PaymentMethod: method,
		Cashier:       sale.UserID,
		Customer:      customerName,
	}, nil
}

// AdjustStock sets a product's absolute stock level and records the
// movement under the acting user.
func (s *Service) AdjustStock(ctx context.Context, productID string, newQuantity int, reason string) (domain.InventoryMovement, error) {
	actor, ok := ActorFromContext(ctx)
	if !ok {
		return domain.InventoryMovement{}, fmt.Errorf("%w: missing authenticated actor", store.ErrValidation)
	}
	movement, err := s.repo.AdjustStock(ctx, productID, newQuantity, strings.TrimSpace(reason), actor.Username, s.now().UTC())
	if err != nil {
		return domain.InventoryMovement{}, err
	}
	s.log.Info().Str("product", productID).Int("previous", movement.PreviousStock).Int("new", movement.NewStock).Msg("stock adjusted")
	return *movement, nil
}

func (s *Service) ListInventoryMovements(ctx context.Context, productID string, limit int) ([]domain.InventoryMovement, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	return s.repo.ListInventoryMovements(ctx, productID, limit)
}

func (s *Service) GetCustomer(ctx context.Context, id string) (domain.Customer, error) {
	customer, err := s.repo.GetCustomerByID(ctx, id)
	if err != nil {
		return domain.Customer{}, err
	}
	return *customer, nil
}

func (s *Service) AddPoints(ctx context.Context, customerID string, points int64) (domain.Customer, error) {
	customer, err := s.repo.AddCustomerPoints(ctx, customerID, points)
	if err != nil {
		return domain.Customer{}, err
	}
	return *customer, nil
}

func (s *Service) UsePoints(ctx context.Context, customerID string, points int64) (domain.Customer, error) {
	customer, err := s.repo.UseCustomerPoints(ctx, customerID, points)
	if err != nil {
		return domain.Customer{}, err
	}
	s.log.Info().Str("customer", customerID).Int64("points", points).Msg("loyalty points redeemed")
	return *customer, nil
}

func (s *Service) DailyReport(ctx context.Context, date string) (domain.DailyReport, error) {
	if date == "" {
		date = s.now().UTC().Format("2006-01-02")
	}
	if _, err := time.Parse("2006-01-02", date); err != nil {
		return domain.DailyReport{}, fmt.Errorf("%w: date must be YYYY-MM-DD", store.ErrValidation)
	}
	report, err := s.repo.GetDailyReport(ctx, date)
	if err != nil {
		return domain.DailyReport{}, err
	}
	return *report, nil
}

func (s *Service) DashboardStats(ctx context.Context) (domain.DashboardStats, error) {
	stats, err := s.repo.GetDashboardStats(ctx, s.now().UTC().Format("2006-01-02"))
	if err != nil {
		return domain.DashboardStats{}, err
	}
	return *stats, nil
}
