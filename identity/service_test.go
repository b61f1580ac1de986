package identity

import (
	"context"
	"errors"
	"testing"
)

func newTestService() *Service {
	return NewService(NewMemoryRepository(), "test-secret")
}

func TestRegisterValidation(t *testing.T) {
	svc := newTestService()
	ctx := context.Background()

	if _, err := svc.Register(ctx, RegisterRequest{Address: "a1", DisplayName: "Alice", Secret: "short"}); !errors.Is(err, ErrWeakSecret) {
		t.Errorf("expected ErrWeakSecret, got %v", err)
	}
	if _, err := svc.Register(ctx, RegisterRequest{Secret: "long-enough"}); err == nil {
		t.Errorf("expected error for missing address")
	}

	account, err := svc.Register(ctx, RegisterRequest{Address: "a1", DisplayName: "Alice", Secret: "long-enough"})
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	if account.SecretHash == "long-enough" {
		t.Errorf("secret stored in clear")
	}

	if _, err := svc.Register(ctx, RegisterRequest{Address: "a1", DisplayName: "Alice", Secret: "long-enough"}); !errors.Is(err, ErrDuplicateAddress) {
		t.Errorf("expected ErrDuplicateAddress, got %v", err)
	}
}

func TestLoginAndVerify(t *testing.T) {
	svc := newTestService()
	ctx := context.Background()

	if _, err := svc.Register(ctx, RegisterRequest{Address: "a1", DisplayName: "Alice", Secret: "long-enough"}); err != nil {
		t.Fatalf("register: %v", err)
	}

	if _, err := svc.Login(ctx, LoginRequest{Address: "a1", Secret: "wrong-secret"}); !errors.Is(err, ErrInvalidCredentials) {
		t.Errorf("wrong secret: expected ErrInvalidCredentials, got %v", err)
	}
	if _, err := svc.Login(ctx, LoginRequest{Address: "ghost", Secret: "long-enough"}); !errors.Is(err, ErrInvalidCredentials) {
		t.Errorf("unknown account: expected ErrInvalidCredentials, got %v", err)
	}

	token, err := svc.Login(ctx, LoginRequest{Address: "a1", Secret: "long-enough"})
	if err != nil {
		t.Fatalf("login: %v", err)
	}

	address, err := svc.Verify(token)
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if address != "a1" {
		t.Errorf("expected address a1, got %s", address)
	}
}

func TestVerifyRejectsForgedToken(t *testing.T) {
	svc := newTestService()
	ctx := context.Background()
	if _, err := svc.Register(ctx, RegisterRequest{Address: "a1", DisplayName: "Alice", Secret: "long-enough"}); err != nil {
		t.Fatalf("register: %v", err)
	}
	token, err := svc.Login(ctx, LoginRequest{Address: "a1", Secret: "long-enough"})
	if err != nil {
		t.Fatalf("login: %v", err)
	}

	other := NewService(NewMemoryRepository(), "different-secret")
	if _, err := other.Verify(token); err == nil {
		t.Errorf("expected verification failure across secrets")
	}
	if _, err := svc.Verify("not-a-token"); err == nil {
		t.Errorf("expected failure for malformed token")
	}
}
