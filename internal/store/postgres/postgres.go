package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"

	"smartsisapa/backend/internal/domain"
	"smartsisapa/backend/internal/store"
	"smartsisapa/backend/internal/xid"
)

type Store struct {
	db *sql.DB
}

// querier is satisfied by both *sql.DB and *sql.Tx so sale loading can run
// inside or outside a transaction.
type querier interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func New(ctx context.Context, databaseURL string) (*Store, error) {
	db, err := sql.Open("pgx", databaseURL)
	if err != nil {
		return nil, err
	}

	db.SetMaxIdleConns(8)
	db.SetMaxOpenConns(30)
	db.SetConnMaxLifetime(30 * time.Minute)

	pingCtx, cancel := context.WithTimeout(ctx, 6*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, err
	}

	s := &Store{db: db}
	if err := s.initSchema(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("init schema: %w", err)
	}
	return s, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) initSchema(ctx context.Context) error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS products (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL,
			barcode TEXT NOT NULL DEFAULT '',
			category TEXT NOT NULL DEFAULT '',
			price BIGINT NOT NULL,
			cost_price BIGINT NOT NULL DEFAULT 0,
			stock_quantity INT NOT NULL DEFAULT 0,
			min_stock_level INT NOT NULL DEFAULT 0,
			active BOOLEAN NOT NULL DEFAULT true,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
			updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)`,
		`CREATE TABLE IF NOT EXISTS customers (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL,
			email TEXT NOT NULL DEFAULT '',
			phone TEXT NOT NULL DEFAULT '',
			membership_id TEXT NOT NULL DEFAULT '',
			points BIGINT NOT NULL DEFAULT 0,
			total_spent BIGINT NOT NULL DEFAULT 0,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)`,
		`CREATE TABLE IF NOT EXISTS sales (
			id TEXT PRIMARY KEY,
			invoice_code TEXT NOT NULL UNIQUE,
			customer_id TEXT,
			user_id TEXT NOT NULL DEFAULT '',
			total_amount BIGINT NOT NULL,
			discount_amount BIGINT NOT NULL DEFAULT 0,
			tax_amount BIGINT NOT NULL DEFAULT 0,
			final_amount BIGINT NOT NULL,
			status TEXT NOT NULL,
			payment_status TEXT NOT NULL,
			notes TEXT NOT NULL DEFAULT '',
			created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
			completed_at TIMESTAMPTZ
		)`,
		`CREATE TABLE IF NOT EXISTS sale_items (
			sale_id TEXT NOT NULL REFERENCES sales(id),
			product_id TEXT NOT NULL,
			quantity INT NOT NULL,
			unit_price BIGINT NOT NULL,
			discount BIGINT NOT NULL DEFAULT 0,
			subtotal BIGINT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS payments (
			id TEXT PRIMARY KEY,
			sale_id TEXT NOT NULL REFERENCES sales(id),
			method TEXT NOT NULL,
			amount BIGINT NOT NULL,
			reference_number TEXT,
			status TEXT NOT NULL,
			payment_data JSONB,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)`,
		`CREATE TABLE IF NOT EXISTS inventory_movements (
			id TEXT PRIMARY KEY,
			product_id TEXT NOT NULL,
			type TEXT NOT NULL,
			quantity INT NOT NULL,
			previous_stock INT NOT NULL,
			new_stock INT NOT NULL,
			reason TEXT NOT NULL DEFAULT '',
			reference_id TEXT,
			user_id TEXT NOT NULL DEFAULT '',
			created_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)`,
		`CREATE TABLE IF NOT EXISTS purchase_history (
			id TEXT PRIMARY KEY,
			customer_id TEXT,
			product_id TEXT NOT NULL,
			sale_id TEXT NOT NULL,
			quantity INT NOT NULL,
			unit_price BIGINT NOT NULL,
			purchase_date TEXT NOT NULL,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)`,
		`CREATE TABLE IF NOT EXISTS invoice_counters (
			day TEXT PRIMARY KEY,
			seq INT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS app_users (
			username TEXT PRIMARY KEY,
			id TEXT NOT NULL,
			name TEXT NOT NULL DEFAULT '',
			password TEXT NOT NULL,
			role TEXT NOT NULL,
			active BOOLEAN NOT NULL DEFAULT true,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
			updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)`,
		`CREATE INDEX IF NOT EXISTS idx_sales_created_at ON sales (created_at)`,
		`CREATE INDEX IF NOT EXISTS idx_sale_items_sale ON sale_items (sale_id)`,
		`CREATE INDEX IF NOT EXISTS idx_movements_product ON inventory_movements (product_id, created_at)`,
		`CREATE INDEX IF NOT EXISTS idx_purchase_history_customer ON purchase_history (customer_id, purchase_date)`,
	}
	for _, statement := range statements {
		if _, err := s.db.ExecContext(ctx, statement); err != nil {
			return err
		}
	}
	return nil
}

func (s *Store) ListProducts(ctx context.Context) ([]domain.Product, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, name, barcode, category, price, cost_price, stock_quantity, min_stock_level, active
		FROM products
		WHERE active = true
		ORDER BY name
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	products := make([]domain.Product, 0, 128)
	for rows.Next() {
		var p domain.Product
		if err := rows.Scan(&p.ID, &p.Name, &p.Barcode, &p.Category, &p.Price, &p.CostPrice, &p.StockQuantity, &p.MinStockLevel, &p.Active); err != nil {
			return nil, err
		}
		products = append(products, p)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return products, nil
}

func (s *Store) GetProductByID(ctx context.Context, id string) (*domain.Product, error) {
	var p domain.Product
	err := s.db.QueryRowContext(ctx, `
		SELECT id, name, barcode, category, price, cost_price, stock_quantity, min_stock_level, active
		FROM products
		WHERE id = $1
	`, id).Scan(&p.ID, &p.Name, &p.Barcode, &p.Category, &p.Price, &p.CostPrice, &p.StockQuantity, &p.MinStockLevel, &p.Active)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	return &p, nil
}

func (s *Store) GetProductsByIDs(ctx context.Context, ids []string) (map[string]domain.Product, error) {
	result := make(map[string]domain.Product, len(ids))
	if len(ids) == 0 {
		return result, nil
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, name, barcode, category, price, cost_price, stock_quantity, min_stock_level, active
		FROM products
		WHERE id = ANY($1)
	`, ids)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		var p domain.Product
		if err := rows.Scan(&p.ID, &p.Name, &p.Barcode, &p.Category, &p.Price, &p.CostPrice, &p.StockQuantity, &p.MinStockLevel, &p.Active); err != nil {
			return nil, err
		}
		result[p.ID] = p
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return result, nil
}

func (s *Store) AdjustStock(ctx context.Context, productID string, newQuantity int, reason string, userID string, at time.Time) (*domain.InventoryMovement, error) {
	if newQuantity < 0 {
		return nil, fmt.Errorf("%w: stock cannot go negative", store.ErrInsufficientStock)
	}

	pgTx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return nil, err
	}
	defer func() { _ = pgTx.Rollback() }()

	var previous int
	err = pgTx.QueryRowContext(ctx, `
		SELECT stock_quantity
		FROM products
		WHERE id = $1
		FOR UPDATE
	`, productID).Scan(&previous)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	if newQuantity == previous {
		return nil, fmt.Errorf("%w: quantity unchanged", store.ErrValidation)
	}

	movementType := domain.MovementTypeIn
	delta := newQuantity - previous
	if delta < 0 {
		movementType = domain.MovementTypeOut
		delta = -delta
	}

	if _, err := pgTx.ExecContext(ctx, `
		UPDATE products
		SET stock_quantity = $2, updated_at = now()
		WHERE id = $1
	`, productID, newQuantity); err != nil {
		return nil, err
	}

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
	if err := insertMovement(ctx, pgTx, movement); err != nil {
		return nil, err
	}

	if err := pgTx.Commit(); err != nil {
		return nil, err
	}
	return &movement, nil
}

func insertMovement(ctx context.Context, q querier, movement domain.InventoryMovement) error {
	_, err := q.ExecContext(ctx, `
		INSERT INTO inventory_movements (
			id, product_id, type, quantity, previous_stock, new_stock, reason, reference_id, user_id, created_at
		)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)
	`, movement.ID, movement.ProductID, movement.Type, movement.Quantity, movement.PreviousStock,
		movement.NewStock, movement.Reason, nullIfEmpty(movement.ReferenceID), movement.UserID, movement.CreatedAt)
	return err
}

func (s *Store) ListInventoryMovements(ctx context.Context, productID string, limit int) ([]domain.InventoryMovement, error) {
	if limit < 1 {
		limit = 50
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, product_id, type, quantity, previous_stock, new_stock, reason, reference_id, user_id, created_at
		FROM inventory_movements
		WHERE ($1 = '' OR product_id = $1)
		ORDER BY created_at DESC
		LIMIT $2
	`, productID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	movements := make([]domain.InventoryMovement, 0, limit)
	for rows.Next() {
		var m domain.InventoryMovement
		var referenceID sql.NullString
		if err := rows.Scan(&m.ID, &m.ProductID, &m.Type, &m.Quantity, &m.PreviousStock, &m.NewStock, &m.Reason, &referenceID, &m.UserID, &m.CreatedAt); err != nil {
			return nil, err
		}
		if referenceID.Valid {
			m.ReferenceID = referenceID.String
		}
		m.CreatedAt = m.CreatedAt.UTC()
		movements = append(movements, m)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return movements, nil
}

func (s *Store) GetCustomerByID(ctx context.Context, id string) (*domain.Customer, error) {
	return getCustomer(ctx, s.db, id)
}

func getCustomer(ctx context.Context, q querier, id string) (*domain.Customer, error) {
	var c domain.Customer
	err := q.QueryRowContext(ctx, `
		SELECT id, name, email, phone, membership_id, points, total_spent, created_at
		FROM customers
		WHERE id = $1
	`, id).Scan(&c.ID, &c.Name, &c.Email, &c.Phone, &c.MembershipID, &c.Points, &c.TotalSpent, &c.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	c.CreatedAt = c.CreatedAt.UTC()
	return &c, nil
}

func (s *Store) AddCustomerPoints(ctx context.Context, customerID string, points int64) (*domain.Customer, error) {
	if points <= 0 {
		return nil, fmt.Errorf("%w: points must be positive", store.ErrValidation)
	}

	var c domain.Customer
	err := s.db.QueryRowContext(ctx, `
		UPDATE customers
		SET points = points + $2
		WHERE id = $1
		RETURNING id, name, email, phone, membership_id, points, total_spent, created_at
	`, customerID, points).Scan(&c.ID, &c.Name, &c.Email, &c.Phone, &c.MembershipID, &c.Points, &c.TotalSpent, &c.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	c.CreatedAt = c.CreatedAt.UTC()
	return &c, nil
}

func (s *Store) UseCustomerPoints(ctx context.Context, customerID string, points int64) (*domain.Customer, error) {
	if points <= 0 {
		return nil, fmt.Errorf("%w: points must be positive", store.ErrValidation)
	}

	pgTx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return nil, err
	}
	defer func() { _ = pgTx.Rollback() }()

	var balance int64
	err = pgTx.QueryRowContext(ctx, `
		SELECT points
		FROM customers
		WHERE id = $1
		FOR UPDATE
	`, customerID).Scan(&balance)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	if points > balance {
		return nil, fmt.Errorf("%w: have %d, want %d", store.ErrInsufficientPoints, balance, points)
	}

	var c domain.Customer
	err = pgTx.QueryRowContext(ctx, `
		UPDATE customers
		SET points = points - $2
		WHERE id = $1
		RETURNING id, name, email, phone, membership_id, points, total_spent, created_at
	`, customerID, points).Scan(&c.ID, &c.Name, &c.Email, &c.Phone, &c.MembershipID, &c.Points, &c.TotalSpent, &c.CreatedAt)
	if err != nil {
		return nil, err
	}

	if err := pgTx.Commit(); err != nil {
		return nil, err
	}
	c.CreatedAt = c.CreatedAt.UTC()
	return &c, nil
}

func (s *Store) NextInvoiceCode(ctx context.Context, at time.Time) (string, error) {
	day := at.Format("20060102")
	var seq int
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO invoice_counters (day, seq)
		VALUES ($1, 1)
		ON CONFLICT (day)
		DO UPDATE SET seq = invoice_counters.seq + 1
		RETURNING seq
	`, day).Scan(&seq)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("INV-%s-%04d", day, seq), nil
}

// lockAndValidateItems locks the product rows for this sale, checks
// existence, active flag and stock, and returns the aggregated quantity
// per product in first-seen order. Nothing is mutated.
func lockAndValidateItems(ctx context.Context, pgTx *sql.Tx, items []domain.SaleItem) ([]string, map[string]int, map[string]int, error) {
	if len(items) == 0 {
		return nil, nil, nil, fmt.Errorf("%w: sale requires at least one item", store.ErrValidation)
	}

	needed := make(map[string]int, len(items))
	order := make([]string, 0, len(items))
	for _, item := range items {
		if item.Quantity < 1 {
			return nil, nil, nil, fmt.Errorf("%w: quantity must be at least 1", store.ErrValidation)
		}
		if item.UnitPrice < 0 {
			return nil, nil, nil, fmt.Errorf("%w: unit price cannot be negative", store.ErrValidation)
		}
		if _, seen := needed[item.ProductID]; !seen {
			order = append(order, item.ProductID)
		}
		needed[item.ProductID] += item.Quantity
	}

	ids := make([]string, 0, len(needed))
	for id := range needed {
		ids = append(ids, id)
	}
	sort.Strings(ids) // stable lock order keeps concurrent checkouts from deadlocking

	rows, err := pgTx.QueryContext(ctx, `
		SELECT id, stock_quantity, active
		FROM products
		WHERE id = ANY($1)
		ORDER BY id
		FOR UPDATE
	`, ids)
	if err != nil {
		return nil, nil, nil, err
	}
	stock := make(map[string]int, len(ids))
	active := make(map[string]bool, len(ids))
	for rows.Next() {
		var id string
		var qty int
		var isActive bool
		if err := rows.Scan(&id, &qty, &isActive); err != nil {
			_ = rows.Close()
			return nil, nil, nil, err
		}
		stock[id] = qty
		active[id] = isActive
	}
	if err := rows.Err(); err != nil {
		_ = rows.Close()
		return nil, nil, nil, err
	}
	_ = rows.Close()

	for _, productID := range order {
		qty := needed[productID]
		if !active[productID] {
			return nil, nil, nil, fmt.Errorf("%w: product %s", store.ErrNotFound, productID)
		}
		if stock[productID] < qty {
			return nil, nil, nil, fmt.Errorf("%w: product %s has %d, need %d", store.ErrInsufficientStock, productID, stock[productID], qty)
		}
	}
	return order, needed, stock, nil
}

func customerExists(ctx context.Context, pgTx *sql.Tx, customerID string) error {
	if customerID == "" {
		return nil
	}
	var one int
	err := pgTx.QueryRowContext(ctx, `SELECT 1 FROM customers WHERE id = $1`, customerID).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%w: customer %s", store.ErrNotFound, customerID)
	}
	return err
}

func insertSaleRow(ctx context.Context, pgTx *sql.Tx, sale domain.Sale) error {
	_, err := pgTx.ExecContext(ctx, `
		INSERT INTO sales (
			id, invoice_code, customer_id, user_id, total_amount, discount_amount,
			tax_amount, final_amount, status, payment_status, notes, created_at, completed_at
		)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13)
	`, sale.ID, sale.InvoiceCode, nullIfEmpty(sale.CustomerID), sale.UserID, sale.TotalAmount,
		sale.DiscountAmount, sale.TaxAmount, sale.FinalAmount, sale.Status, sale.PaymentStatus,
		sale.Notes, sale.CreatedAt, nullTime(sale.CompletedAt))
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("%w: invoice %s already exists", store.ErrValidation, sale.InvoiceCode)
		}
		return err
	}

	for _, item := range sale.Items {
		if _, err := pgTx.ExecContext(ctx, `
			INSERT INTO sale_items (sale_id, product_id, quantity, unit_price, discount, subtotal)
			VALUES ($1,$2,$3,$4,$5,$6)
		`, sale.ID, item.ProductID, item.Quantity, item.UnitPrice, item.Discount, item.Subtotal); err != nil {
			return err
		}
	}
	return nil
}

func insertPayment(ctx context.Context, q querier, payment domain.Payment) error {
	var paymentData any
	if len(payment.PaymentData) > 0 {
		data, err := json.Marshal(payment.PaymentData)
		if err != nil {
			return err
		}
		paymentData = data
	}
	_, err := q.ExecContext(ctx, `
		INSERT INTO payments (id, sale_id, method, amount, reference_number, status, payment_data, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
	`, payment.ID, payment.SaleID, payment.Method, payment.Amount,
		nullIfEmpty(payment.ReferenceNumber), payment.Status, paymentData, payment.CreatedAt)
	return err
}

func (s *Store) CreateSale(ctx context.Context, sale domain.Sale) (*domain.Sale, error) {
	pgTx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return nil, err
	}
	defer func() { _ = pgTx.Rollback() }()

	if _, _, _, err := lockAndValidateItems(ctx, pgTx, sale.Items); err != nil {
		return nil, err
	}
	if err := customerExists(ctx, pgTx, sale.CustomerID); err != nil {
		return nil, err
	}
	if err := insertSaleRow(ctx, pgTx, sale); err != nil {
		return nil, err
	}

	if err := pgTx.Commit(); err != nil {
		return nil, err
	}
	created := sale
	return &created, nil
}

// completeSaleTx applies inventory, purchase-history and loyalty effects
// and flips the sale row to completed. Product rows must already be
// locked and validated by the caller.
func completeSaleTx(ctx context.Context, pgTx *sql.Tx, sale *domain.Sale, order []string, needed map[string]int, stock map[string]int, at time.Time) error {
	for _, productID := range order {
		qty := needed[productID]
		previous := stock[productID]
		next := previous - qty
		if _, err := pgTx.ExecContext(ctx, `
			UPDATE products
			SET stock_quantity = $2, updated_at = now()
			WHERE id = $1
		`, productID, next); err != nil {
			return err
		}
		if err := insertMovement(ctx, pgTx, domain.InventoryMovement{
			ID:            xid.New("mov"),
			ProductID:     productID,
			Type:          domain.MovementTypeSale,
			Quantity:      qty,
			PreviousStock: previous,
			NewStock:      next,
			Reason:        "sale " + sale.InvoiceCode,
			ReferenceID:   sale.ID,
			UserID:        sale.UserID,
			CreatedAt:     at,
		}); err != nil {
			return err
		}
	}

	purchaseDate := at.Format("2006-01-02")
	for _, item := range sale.Items {
		if _, err := pgTx.ExecContext(ctx, `
			INSERT INTO purchase_history (id, customer_id, product_id, sale_id, quantity, unit_price, purchase_date, created_at)
			VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
		`, xid.New("phs"), nullIfEmpty(sale.CustomerID), item.ProductID, sale.ID, item.Quantity, item.UnitPrice, purchaseDate, at); err != nil {
			return err
		}
	}

	if sale.CustomerID != "" {
		if _, err := pgTx.ExecContext(ctx, `
			UPDATE customers
			SET total_spent = total_spent + $2, points = points + $3
			WHERE id = $1
		`, sale.CustomerID, sale.FinalAmount, sale.FinalAmount/10000); err != nil {
			return err
		}
	}

	completedAt := at
	sale.Status = domain.SaleStatusCompleted
	sale.CompletedAt = &completedAt
	if _, err := pgTx.ExecContext(ctx, `
		UPDATE sales
		SET status = $2, completed_at = $3
		WHERE id = $1
	`, sale.ID, sale.Status, completedAt); err != nil {
		return err
	}
	return nil
}

func (s *Store) CompleteSale(ctx context.Context, id string, at time.Time) (*domain.Sale, error) {
	pgTx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return nil, err
	}
	defer func() { _ = pgTx.Rollback() }()

	sale, err := loadSaleForUpdate(ctx, pgTx, id)
	if err != nil {
		return nil, err
	}
	if sale.Status != domain.SaleStatusPending {
		return nil, fmt.Errorf("%w: sale is %s", store.ErrInvalidState, sale.Status)
	}

	order, needed, stock, err := lockAndValidateItems(ctx, pgTx, sale.Items)
	if err != nil {
		return nil, err
	}
	if err := completeSaleTx(ctx, pgTx, sale, order, needed, stock, at); err != nil {
		return nil, err
	}

	if err := pgTx.Commit(); err != nil {
		return nil, err
	}
	return sale, nil
}

func (s *Store) Checkout(ctx context.Context, sale domain.Sale, payment domain.Payment, at time.Time) (*domain.Sale, error) {
	pgTx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return nil, err
	}
	defer func() { _ = pgTx.Rollback() }()

	order, needed, stock, err := lockAndValidateItems(ctx, pgTx, sale.Items)
	if err != nil {
		return nil, err
	}
	if err := customerExists(ctx, pgTx, sale.CustomerID); err != nil {
		return nil, err
	}
	if payment.Amount <= 0 {
		return nil, fmt.Errorf("%w: payment amount must be positive", store.ErrValidation)
	}
	if payment.Amount > sale.FinalAmount {
		return nil, fmt.Errorf("%w: amount %d exceeds %d", store.ErrOverpayment, payment.Amount, sale.FinalAmount)
	}

	sale.Payments = append(sale.Payments, payment)
	sale.PaymentStatus = domain.DerivePaymentStatus(sale.PaidAmount(), sale.FinalAmount)
	if err := insertSaleRow(ctx, pgTx, sale); err != nil {
		return nil, err
	}
	if err := insertPayment(ctx, pgTx, payment); err != nil {
		return nil, err
	}
	if err := completeSaleTx(ctx, pgTx, &sale, order, needed, stock, at); err != nil {
		return nil, err
	}

	if err := pgTx.Commit(); err != nil {
		return nil, err
	}
	created := sale
	return &created, nil
}

func (s *Store) CreateSettledSale(ctx context.Context, sale domain.Sale) (*domain.Sale, error) {
	pgTx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return nil, err
	}
	defer func() { _ = pgTx.Rollback() }()

	if err := insertSaleRow(ctx, pgTx, sale); err != nil {
		return nil, err
	}
	for _, payment := range sale.Payments {
		if err := insertPayment(ctx, pgTx, payment); err != nil {
			return nil, err
		}
	}

	if err := pgTx.Commit(); err != nil {
		return nil, err
	}
	created := sale
	return &created, nil
}

func (s *Store) GetSaleByID(ctx context.Context, id string) (*domain.Sale, error) {
	return loadSale(ctx, s.db, "id", id)
}

func (s *Store) GetSaleByInvoice(ctx context.Context, invoiceCode string) (*domain.Sale, error) {
	return loadSale(ctx, s.db, "invoice_code", invoiceCode)
}

func loadSale(ctx context.Context, q querier, column string, value string) (*domain.Sale, error) {
	query := fmt.Sprintf(`
		SELECT id, invoice_code, customer_id, user_id, total_amount, discount_amount,
			tax_amount, final_amount, status, payment_status, notes, created_at, completed_at
		FROM sales
		WHERE %s = $1
	`, column)

	sale, err := scanSaleRow(q.QueryRowContext(ctx, query, value))
	if err != nil {
		return nil, err
	}
	if err := attachSaleChildren(ctx, q, []*domain.Sale{sale}); err != nil {
		return nil, err
	}
	return sale, nil
}

func loadSaleForUpdate(ctx context.Context, pgTx *sql.Tx, id string) (*domain.Sale, error) {
	sale, err := scanSaleRow(pgTx.QueryRowContext(ctx, `
		SELECT id, invoice_code, customer_id, user_id, total_amount, discount_amount,
			tax_amount, final_amount, status, payment_status, notes, created_at, completed_at
		FROM sales
		WHERE id = $1
		FOR UPDATE
	`, id))
	if err != nil {
		return nil, err
	}
	if err := attachSaleChildren(ctx, pgTx, []*domain.Sale{sale}); err != nil {
		return nil, err
	}
	return sale, nil
}

func scanSaleRow(row *sql.Row) (*domain.Sale, error) {
	var sale domain.Sale
	var customerID sql.NullString
	var completedAt sql.NullTime
	err := row.Scan(&sale.ID, &sale.InvoiceCode, &customerID, &sale.UserID, &sale.TotalAmount,
		&sale.DiscountAmount, &sale.TaxAmount, &sale.FinalAmount, &sale.Status, &sale.PaymentStatus,
		&sale.Notes, &sale.CreatedAt, &completedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	if customerID.Valid {
		sale.CustomerID = customerID.String
	}
	if completedAt.Valid {
		at := completedAt.Time.UTC()
		sale.CompletedAt = &at
	}
	sale.CreatedAt = sale.CreatedAt.UTC()
	sale.Items = make([]domain.SaleItem, 0, 4)
	return &sale, nil
}

// attachSaleChildren bulk-loads items and payments for the given sales.
func attachSaleChildren(ctx context.Context, q querier, sales []*domain.Sale) error {
	if len(sales) == 0 {
		return nil
	}
	byID := make(map[string]*domain.Sale, len(sales))
	ids := make([]string, 0, len(sales))
	for _, sale := range sales {
		byID[sale.ID] = sale
		ids = append(ids, sale.ID)
	}

	itemRows, err := q.QueryContext(ctx, `
		SELECT sale_id, product_id, quantity, unit_price, discount, subtotal
		FROM sale_items
		WHERE sale_id = ANY($1)
	`, ids)
	if err != nil {
		return err
	}
	for itemRows.Next() {
		var item domain.SaleItem
		if err := itemRows.Scan(&item.SaleID, &item.ProductID, &item.Quantity, &item.UnitPrice, &item.Discount, &item.Subtotal); err != nil {
			_ = itemRows.Close()
			return err
		}
		if sale, ok := byID[item.SaleID]; ok {
			sale.Items = append(sale.Items, item)
		}
	}
	if err := itemRows.Err(); err != nil {
		_ = itemRows.Close()
		return err
	}
	_ = itemRows.Close()

	paymentRows, err := q.QueryContext(ctx, `
		SELECT id, sale_id, method, amount, reference_number, status, payment_data, created_at
		FROM payments
		WHERE sale_id = ANY($1)
		ORDER BY created_at ASC
	`, ids)
	if err != nil {
		return err
	}
	for paymentRows.Next() {
		var payment domain.Payment
		var reference sql.NullString
		var paymentData []byte
		if err := paymentRows.Scan(&payment.ID, &payment.SaleID, &payment.Method, &payment.Amount, &reference, &payment.Status, &paymentData, &payment.CreatedAt); err != nil {
			_ = paymentRows.Close()
			return err
		}
		if reference.Valid {
			payment.ReferenceNumber = reference.String
		}
		if len(paymentData) > 0 {
			_ = json.Unmarshal(paymentData, &payment.PaymentData)
		}
		payment.CreatedAt = payment.CreatedAt.UTC()
		if sale, ok := byID[payment.SaleID]; ok {
			sale.Payments = append(sale.Payments, payment)
		}
	}
	if err := paymentRows.Err(); err != nil {
		_ = paymentRows.Close()
		return err
	}
	_ = paymentRows.Close()
	return nil
}

func (s *Store) ListSales(ctx context.Context, filter domain.SaleFilter) ([]domain.Sale, error) {
	limit := filter.Limit
	if limit < 1 {
		limit = 50
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, invoice_code, customer_id, user_id, total_amount, discount_amount,
			tax_amount, final_amount, status, payment_status, notes, created_at, completed_at
		FROM sales
		WHERE ($1 = '' OR status = $1)
			AND ($2 = '' OR payment_status = $2)
			AND ($3 = '' OR user_id = $3)
			AND ($4 = '' OR to_char(created_at AT TIME ZONE 'UTC', 'YYYY-MM-DD') >= $4)
			AND ($5 = '' OR to_char(created_at AT TIME ZONE 'UTC', 'YYYY-MM-DD') <= $5)
		ORDER BY created_at DESC
		LIMIT $6
	`, filter.Status, filter.PaymentStatus, filter.UserID, filter.StartDate, filter.EndDate, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	sales := make([]*domain.Sale, 0, limit)
	for rows.Next() {
		var sale domain.Sale
		var customerID sql.NullString
		var completedAt sql.NullTime
		if err := rows.Scan(&sale.ID, &sale.InvoiceCode, &customerID, &sale.UserID, &sale.TotalAmount,
			&sale.DiscountAmount, &sale.TaxAmount, &sale.FinalAmount, &sale.Status, &sale.PaymentStatus,
			&sale.Notes, &sale.CreatedAt, &completedAt); err != nil {
			return nil, err
		}
		if customerID.Valid {
			sale.CustomerID = customerID.String
		}
		if completedAt.Valid {
			at := completedAt.Time.UTC()
			sale.CompletedAt = &at
		}
		sale.CreatedAt = sale.CreatedAt.UTC()
		sale.Items = make([]domain.SaleItem, 0, 4)
		copied := sale
		sales = append(sales, &copied)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	if err := attachSaleChildren(ctx, s.db, sales); err != nil {
		return nil, err
	}
	out := make([]domain.Sale, 0, len(sales))
	for _, sale := range sales {
		out = append(out, *sale)
	}
	return out, nil
}

func (s *Store) UpdateSale(ctx context.Context, id string, update domain.UpdateSaleRequest) (*domain.Sale, error) {
	pgTx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return nil, err
	}
	defer func() { _ = pgTx.Rollback() }()

	sale, err := loadSaleForUpdate(ctx, pgTx, id)
	if err != nil {
		return nil, err
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

	if _, err := pgTx.ExecContext(ctx, `
		UPDATE sales
		SET status = $2, notes = $3
		WHERE id = $1
	`, sale.ID, sale.Status, sale.Notes); err != nil {
		return nil, err
	}

	if err := pgTx.Commit(); err != nil {
		return nil, err
	}
	return sale, nil
}

func (s *Store) RecordPayment(ctx context.Context, saleID string, payment domain.Payment) (*domain.Sale, error) {
	pgTx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return nil, err
	}
	defer func() { _ = pgTx.Rollback() }()

	sale, err := loadSaleForUpdate(ctx, pgTx, saleID)
	if err != nil {
		return nil, err
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

	if err := insertPayment(ctx, pgTx, payment); err != nil {
		return nil, err
	}
	sale.Payments = append(sale.Payments, payment)
	sale.PaymentStatus = domain.DerivePaymentStatus(sale.PaidAmount(), sale.FinalAmount)
	if _, err := pgTx.ExecContext(ctx, `
		UPDATE sales
		SET payment_status = $2
		WHERE id = $1
	`, sale.ID, sale.PaymentStatus); err != nil {
		return nil, err
	}

	if err := pgTx.Commit(); err != nil {
		return nil, err
	}
	return sale, nil
}

func (s *Store) GetDailyReport(ctx context.Context, date string) (*domain.DailyReport, error) {
	report := domain.DailyReport{
		Date:           date,
		PaymentMethods: make(map[string]int64),
	}

	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*)::bigint, COALESCE(SUM(final_amount),0)::bigint
		FROM sales
		WHERE status = $1
			AND completed_at IS NOT NULL
			AND to_char(completed_at AT TIME ZONE 'UTC', 'YYYY-MM-DD') = $2
	`, domain.SaleStatusCompleted, date).Scan(&report.TotalSales, &report.TotalRevenue)
	if err != nil {
		return nil, err
	}

	err = s.db.QueryRowContext(ctx, `
		SELECT COALESCE(SUM(si.quantity),0)::bigint
		FROM sale_items si
		JOIN sales s ON s.id = si.sale_id
		WHERE s.status = $1
			AND s.completed_at IS NOT NULL
			AND to_char(s.completed_at AT TIME ZONE 'UTC', 'YYYY-MM-DD') = $2
	`, domain.SaleStatusCompleted, date).Scan(&report.TotalItemsSold)
	if err != nil {
		return nil, err
	}

	paymentRows, err := s.db.QueryContext(ctx, `
		SELECT p.method, COALESCE(SUM(p.amount),0)::bigint
		FROM payments p
		JOIN sales s ON s.id = p.sale_id
		WHERE p.status = $1
			AND s.status = $2
			AND s.completed_at IS NOT NULL
			AND to_char(s.completed_at AT TIME ZONE 'UTC', 'YYYY-MM-DD') = $3
		GROUP BY p.method
	`, domain.PaymentStatusCompleted, domain.SaleStatusCompleted, date)
	if err != nil {
		return nil, err
	}
	for paymentRows.Next() {
		var method string
		var total int64
		if err := paymentRows.Scan(&method, &total); err != nil {
			_ = paymentRows.Close()
			return nil, err
		}
		report.PaymentMethods[method] = total
	}
	if err := paymentRows.Err(); err != nil {
		_ = paymentRows.Close()
		return nil, err
	}
	_ = paymentRows.Close()

	productRows, err := s.db.QueryContext(ctx, `
		SELECT si.product_id, COALESCE(pr.name, si.product_id), SUM(si.quantity)::int, SUM(si.subtotal)::bigint
		FROM sale_items si
		JOIN sales s ON s.id = si.sale_id
		LEFT JOIN products pr ON pr.id = si.product_id
		WHERE s.status = $1
			AND s.completed_at IS NOT NULL
			AND to_char(s.completed_at AT TIME ZONE 'UTC', 'YYYY-MM-DD') = $2
		GROUP BY si.product_id, pr.name
		ORDER BY SUM(si.quantity) DESC, si.product_id ASC
		LIMIT 5
	`, domain.SaleStatusCompleted, date)
	if err != nil {
		return nil, err
	}
	defer productRows.Close()
	for productRows.Next() {
		var productID string
		var product domain.DailyReportProduct
		if err := productRows.Scan(&productID, &product.Name, &product.Quantity, &product.Revenue); err != nil {
			return nil, err
		}
		report.TopProducts = append(report.TopProducts, product)
	}
	if err := productRows.Err(); err != nil {
		return nil, err
	}

	return &report, nil
}

func (s *Store) GetDashboardStats(ctx context.Context, date string) (*domain.DashboardStats, error) {
	var stats domain.DashboardStats

	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*)::bigint, COUNT(*) FILTER (WHERE stock_quantity <= min_stock_level)::bigint
		FROM products
	`).Scan(&stats.TotalProducts, &stats.LowStockProducts)
	if err != nil {
		return nil, err
	}

	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*)::bigint FROM customers`).Scan(&stats.TotalCustomers); err != nil {
		return nil, err
	}

	err = s.db.QueryRowContext(ctx, `
		SELECT COUNT(*)::bigint, COALESCE(SUM(final_amount),0)::bigint
		FROM sales
		WHERE status = $1
			AND completed_at IS NOT NULL
			AND to_char(completed_at AT TIME ZONE 'UTC', 'YYYY-MM-DD') = $2
	`, domain.SaleStatusCompleted, date).Scan(&stats.TodaySales, &stats.TodayRevenue)
	if err != nil {
		return nil, err
	}

	err = s.db.QueryRowContext(ctx, `
		SELECT COUNT(*)::bigint
		FROM sales
		WHERE status = $1 AND payment_status <> $2
	`, domain.SaleStatusPending, domain.PaymentStatusPaid).Scan(&stats.PendingPayments)
	if err != nil {
		return nil, err
	}

	return &stats, nil
}

func (s *Store) CreateUser(ctx context.Context, user domain.UserAccount) error {
	user.Username = strings.ToLower(strings.TrimSpace(user.Username))
	if user.Username == "" || strings.TrimSpace(user.Password) == "" {
		return fmt.Errorf("%w: username and password required", store.ErrValidation)
	}
	if user.Role == "" {
		user.Role = "cashier"
	}
	if user.ID == "" {
		user.ID = xid.New("usr")
	}
	if user.CreatedAt.IsZero() {
		user.CreatedAt = time.Now().UTC()
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO app_users (username, id, name, password, role, active, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,now())
	`, user.Username, user.ID, user.Name, user.Password, user.Role, user.Active, user.CreatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("%w: username taken", store.ErrValidation)
		}
		return err
	}
	return nil
}

func (s *Store) GetUserByUsername(ctx context.Context, username string) (*domain.UserAccount, error) {
	var user domain.UserAccount
	err := s.db.QueryRowContext(ctx, `
		SELECT username, id, name, password, role, active, created_at
		FROM app_users
		WHERE username = $1
	`, strings.ToLower(strings.TrimSpace(username))).Scan(
		&user.Username, &user.ID, &user.Name, &user.Password, &user.Role, &user.Active, &user.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	user.CreatedAt = user.CreatedAt.UTC()
	return &user, nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505"
	}
	return false
}

func nullIfEmpty(val string) any {
	if val == "" {
		return nil
	}
	return val
}

func nullTime(val *time.Time) any {
	if val == nil {
		return nil
	}
	return *val
}
