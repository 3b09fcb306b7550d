package memory

import (
	"context"
	"fmt"
	"log"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	"golang.org/x/crypto/bcrypt"

	"smartsisapa/backend/internal/domain"
	"smartsisapa/backend/internal/store"
	"smartsisapa/backend/internal/xid"
)

type Store struct {
	mu              sync.RWMutex
	products        map[string]domain.Product
	customers       map[string]domain.Customer
	salesByID       map[string]*domain.Sale
	salesByInvoice  map[string]string
	movements       []domain.InventoryMovement
	purchaseHistory []domain.PurchaseHistory
	invoiceSeq      map[string]int
	usersByUsername map[string]domain.UserAccount
}

// seedUsers builds the initial in-memory user accounts for dev/demo mode.
// Credentials are read from SEED_ADMIN_PASSWORD and SEED_CASHIER_PASSWORD
// environment variables. If unset, hardcoded dev defaults are used with a
// warning printed to stdout. These credentials are never used in production
// (the backend uses PostgreSQL when DATABASE_URL is set).
func seedUsers() map[string]domain.UserAccount {
	adminPwd := envOr("SEED_ADMIN_PASSWORD", "admin123")
	cashierPwd := envOr("SEED_CASHIER_PASSWORD", "cashier123")
	if os.Getenv("SEED_ADMIN_PASSWORD") == "" || os.Getenv("SEED_CASHIER_PASSWORD") == "" {
		log.Println("[memory-store] WARNING: using default dev credentials. Set SEED_ADMIN_PASSWORD and SEED_CASHIER_PASSWORD to override.")
	}

	now := time.Now().UTC()
	users := map[string]domain.UserAccount{}
	for _, u := range []struct {
		username string
		name     string
		password string
		role     string
	}{
		{"admin", "Administrator", adminPwd, "admin"},
		{"cashier", "Kasir Utama", cashierPwd, "cashier"},
	} {
		hash, err := bcrypt.GenerateFromPassword([]byte(u.password), bcrypt.DefaultCost)
		if err != nil {
			log.Fatalf("[memory-store] failed to hash seed password for %s: %v", u.username, err)
		}
		users[u.username] = domain.UserAccount{
			ID:        xid.New("usr"),
			Username:  u.username,
			Name:      u.name,
			Password:  string(hash),
			Role:      u.role,
			Active:    true,
			CreatedAt: now,
		}
	}
	return users
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func NewSeeded() *Store {
	products := []domain.Product{
		{ID: "prd-mie-01", Name: "Mie Goreng Instan", Barcode: "8991234500011", Category: "grocery", Price: 3500, CostPrice: 2800, StockQuantity: 120, MinStockLevel: 20, Active: true},
		{ID: "prd-telur-01", Name: "Telur 10 Butir", Barcode: "8991234500028", Category: "grocery", Price: 26500, CostPrice: 23000, StockQuantity: 60, MinStockLevel: 10, Active: true},
		{ID: "prd-susu-01", Name: "Susu UHT 1L", Barcode: "8991234500035", Category: "dairy", Price: 18900, CostPrice: 14700, StockQuantity: 80, MinStockLevel: 15, Active: true},
		{ID: "prd-roti-01", Name: "Roti Tawar", Barcode: "8991234500042", Category: "bakery", Price: 17800, CostPrice: 12400, StockQuantity: 40, MinStockLevel: 8, Active: true},
		{ID: "prd-kopi-01", Name: "Kopi Sachet", Barcode: "8991234500059", Category: "beverage", Price: 2600, CostPrice: 1700, StockQuantity: 200, MinStockLevel: 40, Active: true},
		{ID: "prd-gula-01", Name: "Gula 1kg", Barcode: "8991234500066", Category: "grocery", Price: 17400, CostPrice: 15300, StockQuantity: 90, MinStockLevel: 15, Active: true},
		{ID: "prd-teh-01", Name: "Teh Celup", Barcode: "8991234500073", Category: "beverage", Price: 9800, CostPrice: 7200, StockQuantity: 110, MinStockLevel: 20, Active: true},
		{ID: "prd-air-01", Name: "Air Mineral 600ml", Barcode: "8991234500080", Category: "beverage", Price: 3900, CostPrice: 3200, StockQuantity: 300, MinStockLevel: 50, Active: true},
		{ID: "prd-keripik-01", Name: "Keripik Singkong", Barcode: "8991234500097", Category: "snack", Price: 12800, CostPrice: 8000, StockQuantity: 70, MinStockLevel: 12, Active: true},
		{ID: "prd-sabun-01", Name: "Sabun Mandi", Barcode: "8991234500103", Category: "household", Price: 7400, CostPrice: 5000, StockQuantity: 150, MinStockLevel: 25, Active: true},
	}

	customers := []domain.Customer{
		{ID: "cst-budi-01", Name: "Budi Santoso", Email: "budi@example.com", Phone: "081234567001", MembershipID: "MBR-0001", Points: 52, TotalSpent: 520_000, CreatedAt: time.Now().UTC()},
		{ID: "cst-sari-01", Name: "Sari Lestari", Email: "sari@example.com", Phone: "081234567002", MembershipID: "MBR-0002", Points: 210, TotalSpent: 2_150_000, CreatedAt: time.Now().UTC()},
		{ID: "cst-andi-01", Name: "Andi Wijaya", Phone: "081234567003", MembershipID: "MBR-0003", Points: 3, TotalSpent: 38_000, CreatedAt: time.Now().UTC()},
	}

	productMap := make(map[string]domain.Product, len(products))
	for _, p := range products {
		productMap[p.ID] = p
	}
	customerMap := make(map[string]domain.Customer, len(customers))
	for _, c := range customers {
		customerMap[c.ID] = c
	}

	return &Store{
		products:        productMap,
		customers:       customerMap,
		salesByID:       make(map[string]*domain.Sale),
		salesByInvoice:  make(map[string]string),
		invoiceSeq:      make(map[string]int),
		usersByUsername: seedUsers(),
	}
}

func (s *Store) ListProducts(ctx context.Context) ([]domain.Product, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]domain.Product, 0, len(s.products))
	for _, p := range s.products {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (s *Store) GetProductByID(ctx context.Context, id string) (*domain.Product, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.products[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	out := p
	return &out, nil
}

func (s *Store) GetProductsByIDs(ctx context.Context, ids []string) (map[string]domain.Product, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]domain.Product, len(ids))
	for _, id := range ids {
		if p, ok := s.products[id]; ok {
			out[id] = p
		}
	}
	return out, nil
}

func (s *Store) AdjustStock(ctx context.Context, productID string, newQuantity int, reason string, userID string, at time.Time) (*domain.InventoryMovement, error) {
	if newQuantity < 0 {
		return nil, fmt.Errorf("%w: stock cannot go negative", store.ErrInsufficientStock)
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.products[productID]
	if !ok {
		return nil, store.ErrNotFound
	}
	previous := p.StockQuantity
	if newQuantity == previous {
		return nil, fmt.Errorf("%w: quantity unchanged", store.ErrValidation)
	}

	// Direction is carried by the in/out type so the stock delta invariant
	// stays checkable from the movement row alone.
	movementType := domain.MovementTypeIn
	delta := newQuantity - previous
	if delta < 0 {
		movementType = domain.MovementTypeOut
		delta = -delta
	}

	p.StockQuantity = newQuantity
	s.products[productID] = p

	movement := domain.InventoryMovement{
		ID:            xid.New("mov"),
		ProductID:     productID,
		Type:          movementType,
		Quantity:      delta,
		PreviousStock: previous,
		NewStock:      newQuantity,
		Reason:        reason,
		UserID:        userID,
		CreatedAt:     at,
	}
	s.movements = append(s.movements, movement)
	return &movement, nil
}

func (s *Store) ListInventoryMovements(ctx context.Context, productID string, limit int) ([]domain.InventoryMovement, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]domain.InventoryMovement, 0, limit)
	for i := len(s.movements) - 1; i >= 0; i-- {
		m := s.movements[i]
		if productID != "" && m.ProductID != productID {
			continue
		}
		out = append(out, m)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

func (s *Store) GetCustomerByID(ctx context.Context, id string) (*domain.Customer, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.customers[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	out := c
	return &out, nil
}

func (s *Store) AddCustomerPoints(ctx context.Context, customerID string, points int64) (*domain.Customer, error) {
	if points <= 0 {
		return nil, fmt.Errorf("%w: points must be positive", store.ErrValidation)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.customers[customerID]
	if !ok {
		return nil, store.ErrNotFound
	}
	c.Points += points
	s.customers[customerID] = c
	out := c
	return &out, nil
}

func (s *Store) UseCustomerPoints(ctx context.Context, customerID string, points int64) (*domain.Customer, error) {
	if points <= 0 {
		return nil, fmt.Errorf("%w: points must be positive", store.ErrValidation)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.customers[customerID]
	if !ok {
		return nil, store.ErrNotFound
	}
	if points > c.Points {
		return nil, fmt.Errorf("%w: have %d, want %d", store.ErrInsufficientPoints, c.Points, points)
	}
	c.Points -= points
	s.customers[customerID] = c
	out := c
	return &out, nil
}

func (s *Store) NextInvoiceCode(ctx context.Context, at time.Time) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.nextInvoiceLocked(at), nil
}

func (s *Store) nextInvoiceLocked(at time.Time) string {
	day := at.Format("20060102")
	s.invoiceSeq[day]++
	return fmt.Sprintf("INV-%s-%04d", day, s.invoiceSeq[day])
}

// validateItemsLocked checks product existence, active flag and stock for
// every line before any mutation; aggregates quantities across lines that
// reference the same product.
func (s *Store) validateItemsLocked(items []domain.SaleItem) error {
	if len(items) == 0 {
		return fmt.Errorf("%w: sale requires at least one item", store.ErrValidation)
	}
	needed := make(map[string]int)
	for _, item := range items {
		if item.Quantity < 1 {
			return fmt.Errorf("%w: quantity must be at least 1", store.ErrValidation)
		}
		if item.UnitPrice < 0 {
			return fmt.Errorf("%w: unit price cannot be negative", store.ErrValidation)
		}
		needed[item.ProductID] += item.Quantity
	}
	for productID, qty := range needed {
		p, ok := s.products[productID]
		if !ok || !p.Active {
			return fmt.Errorf("%w: product %s", store.ErrNotFound, productID)
		}
		if p.StockQuantity < qty {
			return fmt.Errorf("%w: product %s has %d, need %d", store.ErrInsufficientStock, productID, p.StockQuantity, qty)
		}
	}
	return nil
}

func (s *Store) CreateSale(ctx context.Context, sale domain.Sale) (*domain.Sale, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.validateItemsLocked(sale.Items); err != nil {
		return nil, err
	}
	if sale.CustomerID != "" {
		if _, ok := s.customers[sale.CustomerID]; !ok {
			return nil, fmt.Errorf("%w: customer %s", store.ErrNotFound, sale.CustomerID)
		}
	}
	if _, exists := s.salesByInvoice[sale.InvoiceCode]; exists {
		return nil, fmt.Errorf("%w: invoice %s already exists", store.ErrValidation, sale.InvoiceCode)
	}

	stored := sale
	s.salesByID[stored.ID] = &stored
	s.salesByInvoice[stored.InvoiceCode] = stored.ID
	out := stored
	return &out, nil
}

// completeSaleLocked applies inventory, purchase-history and loyalty
// effects and flips the status. Stock is re-validated first so the whole
// unit either applies or nothing does.
func (s *Store) completeSaleLocked(sale *domain.Sale, at time.Time) error {
	if sale.Status != domain.SaleStatusPending {
		return fmt.Errorf("%w: sale is %s", store.ErrInvalidState, sale.Status)
	}
	if err := s.validateItemsLocked(sale.Items); err != nil {
		return err
	}

	needed := make(map[string]int)
	order := make([]string, 0, len(sale.Items))
	for _, item := range sale.Items {
		if _, seen := needed[item.ProductID]; !seen {
			order = append(order, item.ProductID)
		}
		needed[item.ProductID] += item.Quantity
	}
	for _, productID := range order {
		qty := needed[productID]
		p := s.products[productID]
		previous := p.StockQuantity
		p.StockQuantity = previous - qty
		s.products[productID] = p
		s.movements = append(s.movements, domain.InventoryMovement{
			ID:            xid.New("mov"),
			ProductID:     productID,
			Type:          domain.MovementTypeSale,
			Quantity:      qty,
			PreviousStock: previous,
			NewStock:      p.StockQuantity,
			Reason:        "sale " + sale.InvoiceCode,
			ReferenceID:   sale.ID,
			UserID:        sale.UserID,
			CreatedAt:     at,
		})
	}

	purchaseDate := at.Format("2006-01-02")
	for _, item := range sale.Items {
		s.purchaseHistory = append(s.purchaseHistory, domain.PurchaseHistory{
			ID:           xid.New("phs"),
			CustomerID:   sale.CustomerID,
			ProductID:    item.ProductID,
			SaleID:       sale.ID,
			Quantity:     item.Quantity,
			UnitPrice:    item.UnitPrice,
			PurchaseDate: purchaseDate,
			CreatedAt:    at,
		})
	}

	if sale.CustomerID != "" {
		c := s.customers[sale.CustomerID]
		c.TotalSpent += sale.FinalAmount
		c.Points += sale.FinalAmount / 10000
		s.customers[sale.CustomerID] = c
	}

	completedAt := at
	sale.Status = domain.SaleStatusCompleted
	sale.CompletedAt = &completedAt
	return nil
}

func (s *Store) CompleteSale(ctx context.Context, id string, at time.Time) (*domain.Sale, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sale, ok := s.salesByID[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	if err := s.completeSaleLocked(sale, at); err != nil {
		return nil, err
	}
	out := *sale
	return &out, nil
}

func (s *Store) Checkout(ctx context.Context, sale domain.Sale, payment domain.Payment, at time.Time) (*domain.Sale, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.validateItemsLocked(sale.Items); err != nil {
		return nil, err
	}
	if sale.CustomerID != "" {
		if _, ok := s.customers[sale.CustomerID]; !ok {
			return nil, fmt.Errorf("%w: customer %s", store.ErrNotFound, sale.CustomerID)
		}
	}
	if payment.Amount <= 0 {
		return nil, fmt.Errorf("%w: payment amount must be positive", store.ErrValidation)
	}
	if payment.Amount > sale.FinalAmount {
		return nil, fmt.Errorf("%w: amount %d exceeds %d", store.ErrOverpayment, payment.Amount, sale.FinalAmount)
	}
	if _, exists := s.salesByInvoice[sale.InvoiceCode]; exists {
		return nil, fmt.Errorf("%w: invoice %s already exists", store.ErrValidation, sale.InvoiceCode)
	}

	stored := sale
	stored.Payments = append(stored.Payments, payment)
	stored.PaymentStatus = domain.DerivePaymentStatus(stored.PaidAmount(), stored.FinalAmount)
	if err := s.completeSaleLocked(&stored, at); err != nil {
		return nil, err
	}
	s.salesByID[stored.ID] = &stored
	s.salesByInvoice[stored.InvoiceCode] = stored.ID
	out := stored
	return &out, nil
}

func (s *Store) CreateSettledSale(ctx context.Context, sale domain.Sale) (*domain.Sale, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.salesByInvoice[sale.InvoiceCode]; exists {
		return nil, fmt.Errorf("%w: invoice %s already exists", store.ErrValidation, sale.InvoiceCode)
	}
	stored := sale
	s.salesByID[stored.ID] = &stored
	s.salesByInvoice[stored.InvoiceCode] = stored.ID
	out := stored
	return &out, nil
}

func (s *Store) GetSaleByID(ctx context.Context, id string) (*domain.Sale, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sale, ok := s.salesByID[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	out := *sale
	return &out, nil
}

func (s *Store) GetSaleByInvoice(ctx context.Context, invoiceCode string) (*domain.Sale, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.salesByInvoice[invoiceCode]
	if !ok {
		return nil, store.ErrNotFound
	}
	out := *s.salesByID[id]
	return &out, nil
}

func (s *Store) ListSales(ctx context.Context, filter domain.SaleFilter) ([]domain.Sale, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]domain.Sale, 0, len(s.salesByID))
	for _, sale := range s.salesByID {
		if filter.Status != "" && sale.Status != filter.Status {
			continue
		}
		if filter.PaymentStatus != "" && sale.PaymentStatus != filter.PaymentStatus {
			continue
		}
		if filter.UserID != "" && sale.UserID != filter.UserID {
			continue
		}
		day := sale.CreatedAt.Format("2006-01-02")
		if filter.StartDate != "" && day < filter.StartDate {
			continue
		}
		if filter.EndDate != "" && day > filter.EndDate {
			continue
		}
		out = append(out, *sale)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

func (s *Store) UpdateSale(ctx context.Context, id string, update domain.UpdateSaleRequest) (*domain.Sale, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sale, ok := s.salesByID[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	if sale.Status != domain.SaleStatusPending {
		return nil, fmt.Errorf("%w: sale is %s", store.ErrImmutableSale, sale.Status)
	}
	if update.Status != nil {
		next := strings.TrimSpace(*update.Status)
		switch next {
		case domain.SaleStatusCancelled, domain.SaleStatusRefunded:
			sale.Status = next
		case domain.SaleStatusPending:
			// no-op
		default:
			return nil, fmt.Errorf("%w: cannot set status %q here", store.ErrValidation, next)
		}
	}
	if update.Notes != nil {
		sale.Notes = *update.Notes
	}
	out := *sale
	return &out, nil
}

func (s *Store) RecordPayment(ctx context.Context, saleID string, payment domain.Payment) (*domain.Sale, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sale, ok := s.salesByID[saleID]
	if !ok {
		return nil, store.ErrNotFound
	}
	if sale.Status == domain.SaleStatusCancelled || sale.Status == domain.SaleStatusRefunded {
		return nil, fmt.Errorf("%w: sale is %s", store.ErrInvalidState, sale.Status)
	}
	if payment.Amount <= 0 {
		return nil, fmt.Errorf("%w: payment amount must be positive", store.ErrValidation)
	}
	remaining := sale.FinalAmount - sale.PaidAmount()
	if payment.Amount > remaining {
		return nil, fmt.Errorf("%w: amount %d exceeds remaining %d", store.ErrOverpayment, payment.Amount, remaining)
	}

	sale.Payments = append(sale.Payments, payment)
	sale.PaymentStatus = domain.DerivePaymentStatus(sale.PaidAmount(), sale.FinalAmount)
	out := *sale
	return &out, nil
}

func (s *Store) GetDailyReport(ctx context.Context, date string) (*domain.DailyReport, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	report := domain.DailyReport{
		Date:           date,
		PaymentMethods: make(map[string]int64),
	}
	productQty := make(map[string]int)
	productRevenue := make(map[string]int64)

	for _, sale := range s.salesByID {
		if sale.Status != domain.SaleStatusCompleted || sale.CompletedAt == nil {
			continue
		}
		if sale.CompletedAt.Format("2006-01-02") != date {
			continue
		}
		report.TotalSales++
		report.TotalRevenue += sale.FinalAmount
		for _, item := range sale.Items {
			report.TotalItemsSold += int64(item.Quantity)
			productQty[item.ProductID] += item.Quantity
			productRevenue[item.ProductID] += item.Subtotal
		}
		for _, payment := range sale.Payments {
			if payment.Status == domain.PaymentStatusCompleted {
				report.PaymentMethods[payment.Method] += payment.Amount
			}
		}
	}

	type ranked struct {
		productID string
		qty       int
	}
	rankings := make([]ranked, 0, len(productQty))
	for id, qty := range productQty {
		rankings = append(rankings, ranked{id, qty})
	}
	sort.Slice(rankings, func(i, j int) bool {
		if rankings[i].qty != rankings[j].qty {
			return rankings[i].qty > rankings[j].qty
		}
		return rankings[i].productID < rankings[j].productID
	})
	for i, r := range rankings {
		if i >= 5 {
			break
		}
		name := r.productID
		if p, ok := s.products[r.productID]; ok {
			name = p.Name
		}
		report.TopProducts = append(report.TopProducts, domain.DailyReportProduct{
			Name:     name,
			Quantity: r.qty,
			Revenue:  productRevenue[r.productID],
		})
	}
	return &report, nil
}

func (s *Store) GetDashboardStats(ctx context.Context, date string) (*domain.DashboardStats, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	stats := domain.DashboardStats{
		TotalProducts:  int64(len(s.products)),
		TotalCustomers: int64(len(s.customers)),
	}
	for _, p := range s.products {
		if p.IsLowStock() {
			stats.LowStockProducts++
		}
	}
	for _, sale := range s.salesByID {
		if sale.Status == domain.SaleStatusCompleted && sale.CompletedAt != nil && sale.CompletedAt.Format("2006-01-02") == date {
			stats.TodaySales++
			stats.TodayRevenue += sale.FinalAmount
		}
		if sale.Status == domain.SaleStatusPending && sale.PaymentStatus != domain.PaymentStatusPaid {
			stats.PendingPayments++
		}
	}
	return &stats, nil
}

func (s *Store) CreateUser(ctx context.Context, user domain.UserAccount) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.usersByUsername[user.Username]; exists {
		return fmt.Errorf("%w: username taken", store.ErrValidation)
	}
	s.usersByUsername[user.Username] = user
	return nil
}

func (s *Store) GetUserByUsername(ctx context.Context, username string) (*domain.UserAccount, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	u, ok := s.usersByUsername[username]
	if !ok {
		return nil, store.ErrNotFound
	}
	out := u
	return &out, nil
}
