package service

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"time"

	"github.com/rs/zerolog"

	"smartsisapa/backend/internal/domain"
	"smartsisapa/backend/internal/qris"
	"smartsisapa/backend/internal/store"
	"smartsisapa/backend/internal/tokenstore"
	"smartsisapa/backend/internal/xid"
)

const minQrAmount = 1000

// Gateway drives the QR payment lifecycle: initiate issues a token and
// payload, the external gateway (or the built-in simulator) flips it to
// PAID, and settle consumes the token exactly once while recording the
// resulting sale.
type Gateway struct {
	repo    store.Repository
	tokens  tokenstore.Store
	builder qris.Builder
	ttl     time.Duration
	log     zerolog.Logger
	now     func() time.Time

	// simulateChance > 0 enables the demo gateway: each poll of a
	// PENDING token flips it to PAID with this probability.
	simulateChance float64
}

func NewGateway(repo store.Repository, tokens tokenstore.Store, builder qris.Builder, ttl time.Duration, logger zerolog.Logger) *Gateway {
	if ttl <= 0 {
		ttl = 15 * time.Minute
	}
	return &Gateway{
		repo:    repo,
		tokens:  tokens,
		builder: builder,
		ttl:     ttl,
		log:     logger.With().Str("component", "qr-gateway").Logger(),
		now:     time.Now,
	}
}

// WithClock overrides the gateway clock. Intended for tests.
func (g *Gateway) WithClock(now func() time.Time) *Gateway {
	g.now = now
	return g
}

// WithSimulator enables the demo settlement stub. Not for production:
// real deployments settle through OnGatewayNotification.
func (g *Gateway) WithSimulator(chance float64) *Gateway {
	g.simulateChance = chance
	return g
}

// Initiate issues a payment token and the matching QR payload.
func (g *Gateway) Initiate(ctx context.Context, req domain.QrInitiateRequest) (domain.QrInitiateResponse, error) {
	if req.InvoiceID == "" {
		return domain.QrInitiateResponse{}, fmt.Errorf("%w: invoice_id required", store.ErrValidation)
	}
	if req.Method != domain.PaymentMethodQris && req.Method != domain.PaymentMethodEMoney {
		return domain.QrInitiateResponse{}, fmt.Errorf("%w: method must be qris or e_money", store.ErrValidation)
	}
	if req.Amount < minQrAmount {
		return domain.QrInitiateResponse{}, fmt.Errorf("%w: minimum amount is %d", store.ErrValidation, minQrAmount)
	}

	at := g.now().UTC()
	token := domain.PaymentToken{
		Token:     xid.PaymentToken(at),
		InvoiceID: req.InvoiceID,
		Method:    req.Method,
		Amount:    req.Amount,
		Status:    domain.TokenStatusPending,
		CreatedAt: at,
		ExpiresAt: at.Add(g.ttl),
	}

	var payload string
	if req.Method == domain.PaymentMethodQris {
		payload = g.builder.BuildQris(req.InvoiceID, req.Amount)
	} else {
		payload = qris.BuildEMoney(req.InvoiceID, req.Amount, at)
	}

	if err := g.tokens.Put(ctx, token); err != nil {
		return domain.QrInitiateResponse{}, err
	}
	g.log.Info().Str("invoice", req.InvoiceID).Str("method", req.Method).Int64("amount", req.Amount).Time("expires_at", token.ExpiresAt).Msg("qr payment initiated")

	return domain.QrInitiateResponse{
		QrString:     payload,
		PaymentToken: token.Token,
		ExpiresAt:    token.ExpiresAt,
	}, nil
}

// PollStatus reports the current token state for an invoice. Unknown
// invoices report PENDING so a caller racing the initiate round-trip
// sees a retryable state rather than an error.
func (g *Gateway) PollStatus(ctx context.Context, invoiceID string) (domain.QrStatusResponse, error) {
	if invoiceID == "" {
		return domain.QrStatusResponse{}, fmt.Errorf("%w: invoice_id required", store.ErrValidation)
	}
	record, err := g.tokens.GetByInvoice(ctx, invoiceID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return domain.QrStatusResponse{InvoiceID: invoiceID, Status: domain.TokenStatusPending}, nil
		}
		return domain.QrStatusResponse{}, err
	}

	if !g.now().UTC().Before(record.ExpiresAt) {
		return domain.QrStatusResponse{InvoiceID: invoiceID, Status: "EXPIRED"}, nil
	}

	if record.Status == domain.TokenStatusPending && g.simulateChance > 0 && rand.Float64() < g.simulateChance {
		updated, err := g.tokens.MarkPaidByInvoice(ctx, invoiceID)
		if err == nil {
			record = updated
			g.log.Info().Str("invoice", invoiceID).Msg("simulated gateway marked token paid")
		}
	}

	return domain.QrStatusResponse{InvoiceID: invoiceID, Status: record.Status}, nil
}

// OnGatewayNotification is the external settlement callback: the payment
// provider reports a terminal status for an invoice's token.
func (g *Gateway) OnGatewayNotification(ctx context.Context, invoiceID string, status string) (domain.QrStatusResponse, error) {
	if invoiceID == "" {
		return domain.QrStatusResponse{}, fmt.Errorf("%w: invoice_id required", store.ErrValidation)
	}
	if status != domain.TokenStatusPaid {
		return domain.QrStatusResponse{}, fmt.Errorf("%w: unsupported gateway status %q", store.ErrValidation, status)
	}

	record, err := g.tokens.GetByInvoice(ctx, invoiceID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return domain.QrStatusResponse{}, store.ErrInvalidToken
		}
		return domain.QrStatusResponse{}, err
	}
	if !g.now().UTC().Before(record.ExpiresAt) {
		return domain.QrStatusResponse{}, store.ErrTokenExpired
	}

	updated, err := g.tokens.MarkPaidByInvoice(ctx, invoiceID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return domain.QrStatusResponse{}, store.ErrInvalidToken
		}
		return domain.QrStatusResponse{}, err
	}
	g.log.Info().Str("invoice", invoiceID).Msg("gateway notification accepted")
	return domain.QrStatusResponse{InvoiceID: invoiceID, Status: updated.Status}, nil
}

// Settle consumes a PAID token and records the settled sale. Token
// deletion is the consumption point: of two concurrent attempts, only
// the one that wins the delete proceeds; the loser observes not-found.
func (g *Gateway) Settle(ctx context.Context, req domain.QrSettleRequest) (domain.Sale, error) {
	record, err := g.tokens.Get(ctx, req.PaymentToken)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return domain.Sale{}, store.ErrInvalidToken
		}
		return domain.Sale{}, err
	}
	if record.InvoiceID != req.InvoiceID {
		return domain.Sale{}, store.ErrInvalidToken
	}
	// Expiry outranks the PAID flag: a late settle loses even when the
	// gateway already confirmed.
	if !g.now().UTC().Before(record.ExpiresAt) {
		return domain.Sale{}, store.ErrTokenExpired
	}
	if record.Status != domain.TokenStatusPaid {
		return domain.Sale{}, store.ErrPaymentNotCompleted
	}
	if req.Method != "" && req.Method != record.Method {
		return domain.Sale{}, fmt.Errorf("%w: method mismatch", store.ErrValidation)
	}
	if req.Amount != 0 && req.Amount != record.Amount {
		return domain.Sale{}, fmt.Errorf("%w: amount mismatch", store.ErrValidation)
	}

	consumed, err := g.tokens.Consume(ctx, req.PaymentToken)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return domain.Sale{}, store.ErrInvalidToken
		}
		return domain.Sale{}, err
	}

	actor, _ := ActorFromContext(ctx)
	at := g.now().UTC()

	// The settled sale gets its own invoice code from the daily counter.
	// The gateway-side invoice may already belong to a cart sale, and
	// invoice codes are unique; the original reference survives in the
	// payment data for reconciliation.
	invoiceCode, err := g.repo.NextInvoiceCode(ctx, at)
	if err != nil {
		g.restoreToken(ctx, *consumed)
		return domain.Sale{}, err
	}

	saleID := xid.New("sal")
	sale := domain.Sale{
		ID:            saleID,
		InvoiceCode:   invoiceCode,
		UserID:        actor.Username,
		TotalAmount:   consumed.Amount,
		FinalAmount:   consumed.Amount,
		Status:        domain.SaleStatusCompleted,
		PaymentStatus: domain.PaymentStatusPaid,
		Notes:         "qr settlement for " + consumed.InvoiceID,
		CreatedAt:     at,
		CompletedAt:   &at,
		Payments: []domain.Payment{{
			ID:              xid.New("pay"),
			SaleID:          saleID,
			Method:          consumed.Method,
			Amount:          consumed.Amount,
			ReferenceNumber: consumed.Token,
			Status:          domain.PaymentStatusCompleted,
			PaymentData: map[string]string{
				"gateway_invoice": consumed.InvoiceID,
			},
			CreatedAt: at,
		}},
	}

	created, err := g.repo.CreateSettledSale(ctx, sale)
	if err != nil {
		g.restoreToken(ctx, *consumed)
		return domain.Sale{}, err
	}
	g.log.Info().Str("invoice", created.InvoiceCode).Str("gateway_invoice", consumed.InvoiceID).Str("method", consumed.Method).Int64("amount", consumed.Amount).Msg("qr payment settled")
	return *created, nil
}

// restoreToken puts a consumed token back so a failed settlement stays
// retryable instead of dropping a gateway-confirmed payment.
func (g *Gateway) restoreToken(ctx context.Context, token domain.PaymentToken) {
	if err := g.tokens.Put(ctx, token); err != nil {
		g.log.Error().Err(err).Str("invoice", token.InvoiceID).Str("token", token.Token).Msg("could not restore payment token after settlement failure")
	}
}

// ValidateToken mirrors the settle checks without mutating anything.
func (g *Gateway) ValidateToken(ctx context.Context, token string) (domain.TokenValidationResponse, error) {
	record, err := g.tokens.Get(ctx, token)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return domain.TokenValidationResponse{Valid: false, Reason: "token not found"}, nil
		}
		return domain.TokenValidationResponse{}, err
	}

	resp := domain.TokenValidationResponse{
		InvoiceID: record.InvoiceID,
		Amount:    record.Amount,
		Method:    record.Method,
	}
	switch {
	case !g.now().UTC().Before(record.ExpiresAt):
		resp.Reason = "token expired"
	case record.Status != domain.TokenStatusPaid:
		resp.Reason = "payment not completed"
	default:
		resp.Valid = true
	}
	return resp, nil
}
