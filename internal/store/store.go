package store

import (
	"context"
	"errors"
	"time"

	"smartsisapa/backend/internal/domain"
)

var (
	ErrNotFound            = errors.New("not found")
	ErrValidation          = errors.New("validation failed")
	ErrInsufficientStock   = errors.New("insufficient stock")
	ErrInsufficientPoints  = errors.New("insufficient points")
	ErrOverpayment         = errors.New("payment amount exceeds remaining balance")
	ErrInvalidState        = errors.New("invalid state transition")
	ErrImmutableSale       = errors.New("completed sale cannot be modified")
	ErrInvalidToken        = errors.New("invalid payment token")
	ErrTokenExpired        = errors.New("payment token expired")
	ErrPaymentNotCompleted = errors.New("payment not completed")
)

// Repository is the persistence boundary for checkout, settlement,
// inventory and loyalty state. Implementations must make each method an
// atomic unit: validation happens before any mutation, and a returned
// error means nothing changed.
type Repository interface {
	ListProducts(ctx context.Context) ([]domain.Product, error)
	GetProductByID(ctx context.Context, id string) (*domain.Product, error)
	GetProductsByIDs(ctx context.Context, ids []string) (map[string]domain.Product, error)
	AdjustStock(ctx context.Context, productID string, newQuantity int, reason string, userID string, at time.Time) (*domain.InventoryMovement, error)
	ListInventoryMovements(ctx context.Context, productID string, limit int) ([]domain.InventoryMovement, error)

	GetCustomerByID(ctx context.Context, id string) (*domain.Customer, error)
	AddCustomerPoints(ctx context.Context, customerID string, points int64) (*domain.Customer, error)
	UseCustomerPoints(ctx context.Context, customerID string, points int64) (*domain.Customer, error)

	NextInvoiceCode(ctx context.Context, at time.Time) (string, error)
	CreateSale(ctx context.Context, sale domain.Sale) (*domain.Sale, error)
	Checkout(ctx context.Context, sale domain.Sale, payment domain.Payment, at time.Time) (*domain.Sale, error)
	CreateSettledSale(ctx context.Context, sale domain.Sale) (*domain.Sale, error)
	GetSaleByID(ctx context.Context, id string) (*domain.Sale, error)
	GetSaleByInvoice(ctx context.Context, invoiceCode string) (*domain.Sale, error)
	ListSales(ctx context.Context, filter domain.SaleFilter) ([]domain.Sale, error)
	UpdateSale(ctx context.Context, id string, update domain.UpdateSaleRequest) (*domain.Sale, error)
	CompleteSale(ctx context.Context, id string, at time.Time) (*domain.Sale, error)
	RecordPayment(ctx context.Context, saleID string, payment domain.Payment) (*domain.Sale, error)

	GetDailyReport(ctx context.Context, date string) (*domain.DailyReport, error)
	GetDashboardStats(ctx context.Context, date string) (*domain.DashboardStats, error)

	CreateUser(ctx context.Context, user domain.UserAccount) error
	GetUserByUsername(ctx context.Context, username string) (*domain.UserAccount, error)
}
