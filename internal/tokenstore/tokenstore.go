// Package tokenstore holds ephemeral payment-token reservations. Tokens
// are time-bounded state, kept apart from the durable repository.
package tokenstore

import (
	"context"
	"sync"

	"smartsisapa/backend/internal/domain"
	"smartsisapa/backend/internal/store"
)

// Store is a keyed payment-token holder with TTL semantics. Get may
// return a record whose ExpiresAt has passed; callers decide how stale
// entries surface. Consume atomically removes and returns the record so
// that exactly one settlement attempt can win.
type Store interface {
	Put(ctx context.Context, token domain.PaymentToken) error
	Get(ctx context.Context, token string) (*domain.PaymentToken, error)
	GetByInvoice(ctx context.Context, invoiceID string) (*domain.PaymentToken, error)
	MarkPaidByInvoice(ctx context.Context, invoiceID string) (*domain.PaymentToken, error)
	Consume(ctx context.Context, token string) (*domain.PaymentToken, error)
}

// MemoryStore keeps tokens in process memory. Expired records stay
// visible until consumed, which lets callers distinguish an expired
// token from one that never existed.
type MemoryStore struct {
	mu        sync.Mutex
	byToken   map[string]domain.PaymentToken
	byInvoice map[string]string
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		byToken:   make(map[string]domain.PaymentToken),
		byInvoice: make(map[string]string),
	}
}

func (m *MemoryStore) Put(ctx context.Context, token domain.PaymentToken) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if prev, ok := m.byInvoice[token.InvoiceID]; ok {
		delete(m.byToken, prev)
	}
	m.byToken[token.Token] = token
	m.byInvoice[token.InvoiceID] = token.Token
	return nil
}

func (m *MemoryStore) Get(ctx context.Context, token string) (*domain.PaymentToken, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	record, ok := m.byToken[token]
	if !ok {
		return nil, store.ErrNotFound
	}
	out := record
	return &out, nil
}

func (m *MemoryStore) GetByInvoice(ctx context.Context, invoiceID string) (*domain.PaymentToken, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	token, ok := m.byInvoice[invoiceID]
	if !ok {
		return nil, store.ErrNotFound
	}
	record, ok := m.byToken[token]
	if !ok {
		return nil, store.ErrNotFound
	}
	out := record
	return &out, nil
}

func (m *MemoryStore) MarkPaidByInvoice(ctx context.Context, invoiceID string) (*domain.PaymentToken, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	token, ok := m.byInvoice[invoiceID]
	if !ok {
		return nil, store.ErrNotFound
	}
	record, ok := m.byToken[token]
	if !ok {
		return nil, store.ErrNotFound
	}
	record.Status = domain.TokenStatusPaid
	m.byToken[token] = record
	out := record
	return &out, nil
}

func (m *MemoryStore) Consume(ctx context.Context, token string) (*domain.PaymentToken, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	record, ok := m.byToken[token]
	if !ok {
		return nil, store.ErrNotFound
	}
	delete(m.byToken, token)
	if current, ok := m.byInvoice[record.InvoiceID]; ok && current == token {
		delete(m.byInvoice, record.InvoiceID)
	}
	out := record
	return &out, nil
}
