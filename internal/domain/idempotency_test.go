package domain_test

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/vladislavdragonenkov/chicplay/internal/domain"
)

func TestIdempotencyStatus_Valid(t *testing.T) {
	for _, s := range []domain.IdempotencyStatus{
		domain.IdempotencyStatusProcessing,
		domain.IdempotencyStatusDone,
		domain.IdempotencyStatusFailed,
	} {
		require.True(t, s.Valid(), s)
	}
	require.False(t, domain.IdempotencyStatus("expired").Valid())
	require.False(t, domain.IdempotencyStatus("").Valid())
}

func TestIsIdempotencyConflict(t *testing.T) {
	require.True(t, domain.IsIdempotencyConflict(domain.ErrIdempotencyKeyAlreadyExists))
	require.True(t, domain.IsIdempotencyConflict(fmt.Errorf("place order: %w", domain.ErrIdempotencyHashMismatch)))
	require.False(t, domain.IsIdempotencyConflict(domain.ErrIdempotencyKeyNotFound))
	require.False(t, domain.IsIdempotencyConflict(domain.ErrIdempotencyKeyRequired))
	require.False(t, domain.IsIdempotencyConflict(nil))
}

func TestIdempotencyRecord_Normalize(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	rec, err := domain.IdempotencyRecord{
		Key:         "key-1",
		Method:      "/chicplay.v1.CheckoutService/PlaceOrder",
		RequestHash: "abc",
		Status:      domain.IdempotencyStatusDone,
		Response:    []byte("stale"),
	}.Normalize(now, time.Hour)
	require.NoError(t, err)
	require.Equal(t, domain.IdempotencyStatusProcessing, rec.Status)
	require.Nil(t, rec.Response)
	require.Equal(t, now.Add(time.Hour), rec.ExpiresAt)
	require.Equal(t, now, rec.CreatedAt)

	explicit := now.Add(5 * time.Minute)
	rec, err = domain.IdempotencyRecord{Key: "k", RequestHash: "h", ExpiresAt: explicit}.Normalize(now, time.Hour)
	require.NoError(t, err)
	require.Equal(t, explicit, rec.ExpiresAt)

	_, err = domain.IdempotencyRecord{RequestHash: "h"}.Normalize(now, time.Hour)
	require.ErrorIs(t, err, domain.ErrIdempotencyKeyRequired)
	_, err = domain.IdempotencyRecord{Key: "k"}.Normalize(now, time.Hour)
	require.ErrorIs(t, err, domain.ErrIdempotencyRequestHashRequired)
}

func TestIdempotencyRecord_Expired(t *testing.T) {
	now := time.Now()
	require.True(t, domain.IdempotencyRecord{ExpiresAt: now}.Expired(now))
	require.False(t, domain.IdempotencyRecord{ExpiresAt: now.Add(time.Second)}.Expired(now))
}

func TestIdempotencyOutcome_Validate(t *testing.T) {
	require.NoError(t, domain.IdempotencyOutcome{Status: domain.IdempotencyStatusDone}.Validate())
	require.NoError(t, domain.IdempotencyOutcome{Status: domain.IdempotencyStatusFailed, Code: 9}.Validate())
	require.ErrorIs(t, domain.IdempotencyOutcome{Status: domain.IdempotencyStatusProcessing}.Validate(), domain.ErrIdempotencyOutcomeInvalid)
	require.ErrorIs(t, domain.IdempotencyOutcome{}.Validate(), domain.ErrIdempotencyOutcomeInvalid)
}
