package app

import (
	"context"
	"errors"
	"testing"
)

func TestSetPinValidatesFormat(t *testing.T) {
	e := newTestEngine(t)
	user := e.ledger.addUser("+255700123456")

	for _, pin := range []string{"", "123", "1234567", "12a4", " 1234"} {
		if err := e.svc.SetPin(context.Background(), user, pin, ""); !errors.Is(err, ErrInvalidPinFormat) {
			t.Errorf("pin %q: expected ErrInvalidPinFormat, got %v", pin, err)
		}
	}
}

func TestVerifyPinLockout(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()
	user := e.ledger.addUser("+255700123456")

	if err := e.svc.VerifyPin(ctx, user, "1234"); !errors.Is(err, ErrPinNotSet) {
		t.Fatalf("expected ErrPinNotSet, got %v", err)
	}
	if err := e.svc.SetPin(ctx, user, "1234", ""); err != nil {
		t.Fatalf("set pin: %v", err)
	}
	if err := e.svc.VerifyPin(ctx, user, "1234"); err != nil {
		t.Fatalf("correct pin rejected: %v", err)
	}

	for i := 0; i < 2; i++ {
		if err := e.svc.VerifyPin(ctx, user, "9999"); !errors.Is(err, ErrPinIncorrect) {
			t.Fatalf("attempt %d: expected ErrPinIncorrect, got %v", i+1, err)
		}
	}
	if err := e.svc.VerifyPin(ctx, user, "9999"); !errors.Is(err, ErrPinLocked) {
		t.Fatalf("expected lockout on third failure, got %v", err)
	}
	if err := e.svc.VerifyPin(ctx, user, "1234"); !errors.Is(err, ErrPinLocked) {
		t.Fatalf("correct pin must be refused while locked, got %v", err)
	}
	if !errors.Is(ErrPinLocked, ErrUnauthorized) {
		t.Fatal("lockout must be an unauthorized error")
	}
}

func TestVerifyPinSuccessResetsFailures(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()
	user := e.ledger.addUser("+255700123456")
	if err := e.svc.SetPin(ctx, user, "4321", ""); err != nil {
		t.Fatalf("set pin: %v", err)
	}

	for i := 0; i < 2; i++ {
		_ = e.svc.VerifyPin(ctx, user, "0000")
	}
	if err := e.svc.VerifyPin(ctx, user, "4321"); err != nil {
		t.Fatalf("correct pin rejected: %v", err)
	}
	cred, err := e.ledger.GetPinCredential(ctx, user)
	if err != nil {
		t.Fatalf("credential: %v", err)
	}
	if cred.FailedAttempts != 0 || cred.LockedUntil != nil {
		t.Fatalf("expected failures cleared, got %+v", cred)
	}
}

func TestChangePinRequiresCurrentPin(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()
	user := e.ledger.addUser("+255700123456")
	if err := e.svc.SetPin(ctx, user, "1111", ""); err != nil {
		t.Fatalf("set pin: %v", err)
	}

	if err := e.svc.SetPin(ctx, user, "2222", "0000"); !errors.Is(err, ErrPinIncorrect) {
		t.Fatalf("expected ErrPinIncorrect, got %v", err)
	}
	if err := e.svc.SetPin(ctx, user, "2222", "1111"); err != nil {
		t.Fatalf("change pin: %v", err)
	}
	if err := e.svc.VerifyPin(ctx, user, "2222"); err != nil {
		t.Fatalf("new pin rejected: %v", err)
	}
}
