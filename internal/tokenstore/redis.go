package tokenstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"smartsisapa/backend/internal/domain"
	"smartsisapa/backend/internal/store"
)

// RedisStore keeps tokens in Redis with the key TTL matching the
// token's expiry; an expired token becomes indistinguishable from an
// unknown one once Redis evicts it.
type RedisStore struct {
	client *redis.Client
}

func NewRedisStore(client *redis.Client) *RedisStore {
	return &RedisStore{client: client}
}

func tokenKey(token string) string {
	return "payment_" + token
}

func invoiceKey(invoiceID string) string {
	return "payment_invoice_" + invoiceID
}

func (r *RedisStore) Put(ctx context.Context, token domain.PaymentToken) error {
	data, err := json.Marshal(token)
	if err != nil {
		return fmt.Errorf("marshal payment token: %w", err)
	}
	ttl := time.Until(token.ExpiresAt)
	if ttl <= 0 {
		return store.ErrTokenExpired
	}
	if err := r.client.Set(ctx, tokenKey(token.Token), data, ttl).Err(); err != nil {
		return fmt.Errorf("store payment token: %w", err)
	}
	if err := r.client.Set(ctx, invoiceKey(token.InvoiceID), token.Token, ttl).Err(); err != nil {
		return fmt.Errorf("store token invoice index: %w", err)
	}
	return nil
}

func (r *RedisStore) Get(ctx context.Context, token string) (*domain.PaymentToken, error) {
	return r.fetch(ctx, tokenKey(token))
}

func (r *RedisStore) GetByInvoice(ctx context.Context, invoiceID string) (*domain.PaymentToken, error) {
	token, err := r.client.Get(ctx, invoiceKey(invoiceID)).Result()
	if errors.Is(err, redis.Nil) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("lookup token by invoice: %w", err)
	}
	return r.fetch(ctx, tokenKey(token))
}

func (r *RedisStore) MarkPaidByInvoice(ctx context.Context, invoiceID string) (*domain.PaymentToken, error) {
	record, err := r.GetByInvoice(ctx, invoiceID)
	if err != nil {
		return nil, err
	}
	record.Status = domain.TokenStatusPaid
	data, err := json.Marshal(record)
	if err != nil {
		return nil, fmt.Errorf("marshal payment token: %w", err)
	}
	// KeepTTL preserves the original expiry window across the status flip.
	if err := r.client.Set(ctx, tokenKey(record.Token), data, redis.KeepTTL).Err(); err != nil {
		return nil, fmt.Errorf("update payment token: %w", err)
	}
	return record, nil
}

func (r *RedisStore) Consume(ctx context.Context, token string) (*domain.PaymentToken, error) {
	data, err := r.client.GetDel(ctx, tokenKey(token)).Result()
	if errors.Is(err, redis.Nil) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("consume payment token: %w", err)
	}
	var record domain.PaymentToken
	if err := json.Unmarshal([]byte(data), &record); err != nil {
		return nil, fmt.Errorf("decode payment token: %w", err)
	}
	_ = r.client.Del(ctx, invoiceKey(record.InvoiceID)).Err()
	return &record, nil
}

func (r *RedisStore) fetch(ctx context.Context, key string) (*domain.PaymentToken, error) {
	data, err := r.client.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("fetch payment token: %w", err)
	}
	var record domain.PaymentToken
	if err := json.Unmarshal([]byte(data), &record); err != nil {
		return nil, fmt.Errorf("decode payment token: %w", err)
	}
	return &record, nil
}
