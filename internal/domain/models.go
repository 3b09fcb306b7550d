package domain

import "time"

type Product struct {
	ID            string `json:"id"`
	Name          string `json:"name"`
	Barcode       string `json:"barcode,omitempty"`
	Category      string `json:"category"`
	Price         int64  `json:"price"`
	CostPrice     int64  `json:"cost_price"`
	StockQuantity int    `json:"stock_quantity"`
	MinStockLevel int    `json:"min_stock_level"`
	Active        bool   `json:"is_active"`
}

func (p Product) IsLowStock() bool {
	return p.StockQuantity <= p.MinStockLevel
}

type Customer struct {
	ID           string    `json:"id"`
	Name         string    `json:"name"`
	Email        string    `json:"email,omitempty"`
	Phone        string    `json:"phone,omitempty"`
	MembershipID string    `json:"membership_id,omitempty"`
	Points       int64     `json:"points"`
	TotalSpent   int64     `json:"total_spent"`
	CreatedAt    time.Time `json:"created_at"`
}

// MembershipTier derives the loyalty tier from cumulative spend.
func (c Customer) MembershipTier() string {
	switch {
	case c.TotalSpent >= 5_000_000:
		return "Platinum"
	case c.TotalSpent >= 2_000_000:
		return "Gold"
	case c.TotalSpent >= 500_000:
		return "Silver"
	default:
		return "Bronze"
	}
}

type Sale struct {
	ID             string     `json:"id"`
	InvoiceCode    string     `json:"invoice_code"`
	CustomerID     string     `json:"customer_id,omitempty"`
	UserID         string     `json:"user_id"`
	TotalAmount    int64      `json:"total_amount"`
	DiscountAmount int64      `json:"discount_amount"`
	TaxAmount      int64      `json:"tax_amount"`
	FinalAmount    int64      `json:"final_amount"`
	Status         string     `json:"status"`
	PaymentStatus  string     `json:"payment_status"`
	Notes          string     `json:"notes,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
	CompletedAt    *time.Time `json:"completed_at,omitempty"`
	Items          []SaleItem `json:"items"`
	Payments       []Payment  `json:"payments,omitempty"`
}

// PaidAmount sums completed payments against the sale.
func (s Sale) PaidAmount() int64 {
	total := int64(0)
	for _, payment := range s.Payments {
		if payment.Status == PaymentStatusCompleted {
			total += payment.Amount
		}
	}
	return total
}

// SaleItem is owned exclusively by its Sale and immutable after creation.
type SaleItem struct {
	SaleID    string `json:"sale_id"`
	ProductID string `json:"product_id"`
	Quantity  int    `json:"quantity"`
	UnitPrice int64  `json:"unit_price"`
	Discount  int64  `json:"discount"`
	Subtotal  int64  `json:"subtotal"`
}

type Payment struct {
	ID              string            `json:"id"`
	SaleID          string            `json:"sale_id"`
	Method          string            `json:"method"`
	Amount          int64             `json:"amount"`
	ReferenceNumber string            `json:"reference_number,omitempty"`
	Status          string            `json:"status"`
	PaymentData     map[string]string `json:"payment_data,omitempty"`
	CreatedAt       time.Time         `json:"created_at"`
}

// PaymentToken is the ephemeral reservation backing one QR payment attempt.
// It lives in the token store, never in the repository.
type PaymentToken struct {
	Token     string    `json:"payment_token"`
	InvoiceID string    `json:"invoice_id"`
	Method    string    `json:"method"`
	Amount    int64     `json:"amount"`
	Status    string    `json:"status"`
	CreatedAt time.Time `json:"created_at"`
	ExpiresAt time.Time `json:"expires_at"`
}

// InventoryMovement is the append-only audit record of one stock change.
type InventoryMovement struct {
	ID            string    `json:"id"`
	ProductID     string    `json:"product_id"`
	Type          string    `json:"type"`
	Quantity      int       `json:"quantity"`
	PreviousStock int       `json:"previous_stock"`
	NewStock      int       `json:"new_stock"`
	Reason        string    `json:"reason,omitempty"`
	ReferenceID   string    `json:"reference_id,omitempty"`
	UserID        string    `json:"user_id"`
	CreatedAt     time.Time `json:"created_at"`
}

// PurchaseHistory is the per-line purchase fact recorded when a sale
// completes, keyed by purchase date for reporting.
type PurchaseHistory struct {
	ID           string    `json:"id"`
	CustomerID   string    `json:"customer_id,omitempty"`
	ProductID    string    `json:"product_id"`
	SaleID       string    `json:"sale_id"`
	Quantity     int       `json:"quantity"`
	UnitPrice    int64     `json:"unit_price"`
	PurchaseDate string    `json:"purchase_date"`
	CreatedAt    time.Time `json:"created_at"`
}

type CartItem struct {
	ProductID string `json:"product_id"`
	Quantity  int    `json:"quantity"`
	UnitPrice int64  `json:"unit_price"`
	Discount  int64  `json:"discount"`
}

type CreateSaleRequest struct {
	CustomerID     string     `json:"customer_id,omitempty"`
	Items          []CartItem `json:"items"`
	DiscountAmount int64      `json:"discount_amount"`
	TaxAmount      int64      `json:"tax_amount"`
	Notes          string     `json:"notes,omitempty"`
}

type UpdateSaleRequest struct {
	Status *string `json:"status,omitempty"`
	Notes  *string `json:"notes,omitempty"`
}

type RecordPaymentRequest struct {
	Method          string            `json:"method"`
	Amount          int64             `json:"amount"`
	ReferenceNumber string            `json:"reference_number,omitempty"`
	PaymentData     map[string]string `json:"payment_data,omitempty"`
}

// DirectPayRequest is the pay-now path: sale creation, payment and
// completion collapse into one atomic unit.
type DirectPayRequest struct {
	CustomerID     string     `json:"customer_id,omitempty"`
	Items          []CartItem `json:"items"`
	DiscountAmount int64      `json:"discount_amount"`
	TaxAmount      int64      `json:"tax_amount"`
	Notes          string     `json:"notes,omitempty"`
	Method         string     `json:"method"`
	AmountPaid     int64      `json:"amount_paid"`
	Reference      string     `json:"reference_number,omitempty"`
}

type DirectPayResponse struct {
	Sale   Sale  `json:"sale"`
	Change int64 `json:"change"`
}

type QrInitiateRequest struct {
	InvoiceID string `json:"invoice_id"`
	Method    string `json:"method"`
	Amount    int64  `json:"amount"`
}

type QrInitiateResponse struct {
	QrString     string    `json:"qr_string"`
	PaymentToken string    `json:"payment_token"`
	ExpiresAt    time.Time `json:"expires_at"`
}

type QrStatusResponse struct {
	InvoiceID string `json:"invoice_id"`
	Status    string `json:"status"`
}

type QrSettleRequest struct {
	InvoiceID    string `json:"invoice_id"`
	PaymentToken string `json:"payment_token"`
	Method       string `json:"method"`
	Amount       int64  `json:"amount"`
}

type TokenValidationResponse struct {
	Valid     bool   `json:"valid"`
	InvoiceID string `json:"invoice_id,omitempty"`
	Amount    int64  `json:"amount,omitempty"`
	Method    string `json:"method,omitempty"`
	Reason    string `json:"reason,omitempty"`
}

type SaleFilter struct {
	StartDate     string
	EndDate       string
	Status        string
	PaymentStatus string
	UserID        string
	Limit         int
}

type ReceiptLine struct {
	Name     string `json:"name"`
	Qty      int    `json:"qty"`
	Price    int64  `json:"price"`
	Subtotal int64  `json:"subtotal"`
}

type Receipt struct {
	InvoiceID     string        `json:"invoice_id"`
	StoreName     string        `json:"store_name"`
	StoreAddress  string        `json:"store_address"`
	PrintedAt     string        `json:"printed_at"`
	Items         []ReceiptLine `json:"items"`
	Total         int64         `json:"total"`
	Discount      int64         `json:"discount"`
	Tax           int64         `json:"tax"`
	FinalTotal    int64         `json:"final_total"`
	Payment       int64         `json:"payment"`
	Change        int64         `json:"change"`
	PaymentMethod string        `json:"payment_method"`
	Cashier       string        `json:"cashier"`
	Customer      string        `json:"customer"`
}

type DailyReportProduct struct {
	Name     string `json:"name"`
	Quantity int    `json:"quantity"`
	Revenue  int64  `json:"revenue"`
}

type DailyReport struct {
	Date           string               `json:"date"`
	TotalSales     int64                `json:"total_sales"`
	TotalRevenue   int64                `json:"total_revenue"`
	TotalItemsSold int64                `json:"total_items_sold"`
	PaymentMethods map[string]int64     `json:"payment_methods"`
	TopProducts    []DailyReportProduct `json:"top_products"`
}

type DashboardStats struct {
	TodaySales       int64 `json:"today_sales"`
	TodayRevenue     int64 `json:"today_revenue"`
	TotalProducts    int64 `json:"total_products"`
	LowStockProducts int64 `json:"low_stock_products"`
	TotalCustomers   int64 `json:"total_customers"`
	PendingPayments  int64 `json:"pending_payments"`
}

type LoginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type LoginResponse struct {
	AccessToken string `json:"access_token"`
	Role        string `json:"role"`
	ExpiresAt   string `json:"expires_at"`
}

type Actor struct {
	UserID   string
	Username string
	Role     string
}

type PointsRequest struct {
	Points int64 `json:"points"`
}

// UserAccount holds auth credentials; Password is a bcrypt hash.
type UserAccount struct {
	ID        string
	Username  string
	Name      string
	Password  string
	Role      string
	Active    bool
	CreatedAt time.Time
}

const (
	SaleStatusPending   = "pending"
	SaleStatusCompleted = "completed"
	SaleStatusCancelled = "cancelled"
	SaleStatusRefunded  = "refunded"
)

const (
	PaymentStatusUnpaid  = "unpaid"
	PaymentStatusPartial = "partial"
	PaymentStatusPaid    = "paid"
)

const (
	PaymentStatusPending   = "pending"
	PaymentStatusCompleted = "completed"
	PaymentStatusFailed    = "failed"
)

const (
	PaymentMethodCash   = "cash"
	PaymentMethodQris   = "qris"
	PaymentMethodEMoney = "e_money"
	PaymentMethodCard   = "card"
)

const (
	TokenStatusPending = "PENDING"
	TokenStatusPaid    = "PAID"
)

const (
	MovementTypeIn         = "in"
	MovementTypeOut        = "out"
	MovementTypeAdjustment = "adjustment"
	MovementTypeSale       = "sale"
)

// IsTerminalSaleStatus reports whether no further transition is permitted
// from the given sale status.
func IsTerminalSaleStatus(status string) bool {
	return status == SaleStatusCompleted || status == SaleStatusCancelled || status == SaleStatusRefunded
}

func IsValidPaymentMethod(method string) bool {
	switch method {
	case PaymentMethodCash, PaymentMethodQris, PaymentMethodEMoney, PaymentMethodCard:
		return true
	}
	return false
}

// DerivePaymentStatus maps the paid total against the amount due.
func DerivePaymentStatus(paid, due int64) string {
	switch {
	case paid >= due && due > 0:
		return PaymentStatusPaid
	case paid > 0:
		return PaymentStatusPartial
	case due == 0:
		return PaymentStatusPaid
	default:
		return PaymentStatusUnpaid
	}
}
