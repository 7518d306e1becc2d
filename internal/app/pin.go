package app

import (
	"context"
	"errors"
	"fmt"
	"regexp"

	"github.com/chamalink/chama-service/internal/store"
	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"
)

var pinPattern = regexp.MustCompile(`^[0-9]{4,6}$`)

// SetPin stores a new transaction PIN. Changing an existing PIN requires the current one.
func (s *Service) SetPin(ctx context.Context, userID uuid.UUID, pin, currentPin string) error {
	if !pinPattern.MatchString(pin) {
		return ErrInvalidPinFormat
	}

	_, err := s.repo.GetPinCredential(ctx, userID)
	switch {
	case err == nil:
		if err := s.VerifyPin(ctx, userID, currentPin); err != nil {
			return err
		}
	case errors.Is(err, store.ErrPinNotSet):
	default:
		return fmt.Errorf("failed to load pin: %w", err)
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(pin), bcrypt.DefaultCost)
	if err != nil {
		return fmt.Errorf("failed to hash pin: %w", err)
	}
	if err := s.repo.UpsertPinHash(ctx, userID, string(hash)); err != nil {
		return fmt.Errorf("failed to store pin: %w", err)
	}
	s.logger.Info("transaction pin set", "user_id", userID)
	return nil
}

// VerifyPin checks a transaction PIN. Each mismatch counts toward the lockout; a match
// clears the counter.
func (s *Service) VerifyPin(ctx context.Context, userID uuid.UUID, pin string) error {
	credential, err := s.repo.GetPinCredential(ctx, userID)
	if err != nil {
		if errors.Is(err, store.ErrPinNotSet) {
			return ErrPinNotSet
		}
		return fmt.Errorf("failed to load pin: %w", err)
	}
	now := s.now()
	if credential.LockedUntil != nil && credential.LockedUntil.After(now) {
		return ErrPinLocked
	}

	if err := bcrypt.CompareHashAndPassword([]byte(credential.PinHash), []byte(pin)); err != nil {
		updated, recordErr := s.repo.RecordFailedPinAttempt(ctx, userID, s.pins.MaxAttempts, int(s.pins.Lockout.Seconds()))
		if recordErr != nil {
			return fmt.Errorf("failed to record pin attempt: %w", recordErr)
		}
		if updated.LockedUntil != nil && updated.LockedUntil.After(now) {
			s.logger.Warn("transaction pin locked", "user_id", userID, "locked_until", *updated.LockedUntil)
			return ErrPinLocked
		}
		return ErrPinIncorrect
	}

	if credential.FailedAttempts > 0 || credential.LockedUntil != nil {
		if err := s.repo.ResetPinFailures(ctx, userID); err != nil {
			s.logger.Warn("failed to reset pin failures", "user_id", userID, "error", err)
		}
	}
	return nil
}
