package httpapi

import (
	"context"
	"testing"
	"time"

	"golang.org/x/crypto/bcrypt"

	"smartsisapa/backend/internal/domain"
	"smartsisapa/backend/internal/store"
)

type userStoreStub struct {
	users map[string]domain.UserAccount
}

func (s *userStoreStub) GetUserByUsername(_ context.Context, username string) (*domain.UserAccount, error) {
	user, ok := s.users[username]
	if !ok {
		return nil, store.ErrNotFound
	}
	return &user, nil
}

func hashPassword(t *testing.T, plain string) string {
	t.Helper()
	hash, err := bcrypt.GenerateFromPassword([]byte(plain), bcrypt.DefaultCost)
	if err != nil {
		t.Fatalf("hash password: %v", err)
	}
	return string(hash)
}

func newStubManager(t *testing.T) *AuthManager {
	t.Helper()
	users := &userStoreStub{
		users: map[string]domain.UserAccount{
			"admin": {
				ID:       "usr-admin",
				Username: "admin",
				Password: hashPassword(t, "admin123"),
				Role:     "admin",
				Active:   true,
			},
			"dormant": {
				ID:       "usr-dormant",
				Username: "dormant",
				Password: hashPassword(t, "dormant123"),
				Role:     "cashier",
				Active:   false,
			},
		},
	}
	return NewAuthManager("test-secret", time.Hour, users)
}

func TestLoginIssuesParsableToken(t *testing.T) {
	manager := newStubManager(t)

	resp, err := manager.Login(context.Background(), domain.LoginRequest{Username: "Admin", Password: "admin123"})
	if err != nil {
		t.Fatalf("login failed: %v", err)
	}
	if resp.Role != "admin" {
		t.Fatalf("role = %s, want admin", resp.Role)
	}
	if _, err := time.Parse(time.RFC3339, resp.ExpiresAt); err != nil {
		t.Fatalf("expires_at not RFC3339: %v", err)
	}

	actor, err := manager.ParseToken(resp.AccessToken)
	if err != nil {
		t.Fatalf("parse token: %v", err)
	}
	if actor.Username != "admin" || actor.Role != "admin" || actor.UserID != "usr-admin" {
		t.Fatalf("unexpected actor: %+v", actor)
	}
}

func TestLoginRejections(t *testing.T) {
	manager := newStubManager(t)
	ctx := context.Background()

	if _, err := manager.Login(ctx, domain.LoginRequest{Username: "admin", Password: "wrong"}); err == nil {
		t.Fatalf("expected error for wrong password")
	}
	if _, err := manager.Login(ctx, domain.LoginRequest{Username: "ghost", Password: "whatever"}); err == nil {
		t.Fatalf("expected error for unknown user")
	}
	if _, err := manager.Login(ctx, domain.LoginRequest{Username: "dormant", Password: "dormant123"}); err == nil {
		t.Fatalf("expected error for inactive account")
	}
	if _, err := manager.Login(ctx, domain.LoginRequest{Username: "", Password: "admin123"}); err == nil {
		t.Fatalf("expected error for empty username")
	}
}

func TestParseTokenRejectsBadTokens(t *testing.T) {
	manager := newStubManager(t)

	if _, err := manager.ParseToken("not-a-jwt"); err == nil {
		t.Fatalf("expected error for malformed token")
	}

	other := NewAuthManager("different-secret", time.Hour, &userStoreStub{})
	resp, err := manager.Login(context.Background(), domain.LoginRequest{Username: "admin", Password: "admin123"})
	if err != nil {
		t.Fatalf("login failed: %v", err)
	}
	if _, err := other.ParseToken(resp.AccessToken); err == nil {
		t.Fatalf("expected error for token signed with another secret")
	}
}

func TestParseTokenRejectsExpired(t *testing.T) {
	manager := newStubManager(t)

	token, err := manager.sign(domain.UserAccount{ID: "usr-admin", Username: "admin", Role: "admin"}, time.Now().UTC().Add(-time.Minute))
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	if _, err := manager.ParseToken(token); err == nil {
		t.Fatalf("expected error for expired token")
	}
}

func TestWebhookSignature(t *testing.T) {
	manager := newStubManager(t)
	path := "/api/v1/payments/qr/notify"

	sig := manager.WebhookSignature(path)
	if !manager.VerifyWebhookSignature(sig, path) {
		t.Fatalf("expected valid signature to verify")
	}
	if manager.VerifyWebhookSignature(sig, "/api/v1/other") {
		t.Fatalf("signature must be bound to the path")
	}
	if manager.VerifyWebhookSignature("", path) {
		t.Fatalf("empty signature must fail")
	}
	if manager.VerifyWebhookSignature("deadbeef", path) {
		t.Fatalf("forged signature must fail")
	}
}

func TestVerifyPasswordRequiresHash(t *testing.T) {
	// A plain-text stored credential never validates, even on exact match.
	if verifyPassword("admin123", "admin123") {
		t.Fatalf("plain-text stored password must not validate")
	}
	if verifyPassword("", "admin123") {
		t.Fatalf("empty stored password must not validate")
	}
}
