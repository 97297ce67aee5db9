package core

import (
	"context"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/edvin/controlplane/internal/model"
)

func TestAPIKeyService_Verify_KnownKey(t *testing.T) {
	db := &mockDB{}
	svc := NewAPIKeyService(db)
	ctx := context.Background()

	created := time.Now().Truncate(time.Microsecond)
	db.On("QueryRow", ctx, mock.AnythingOfType("string"), mock.Anything).
		Return(&mockRow{scanFunc: func(dest ...any) error {
			*(dest[0].(*string)) = "key-1"
			*(dest[1].(*string)) = "ops laptop"
			*(dest[2].(*time.Time)) = created
			*(dest[3].(**time.Time)) = nil
			return nil
		}})

	key, err := svc.Verify(ctx, "cp_deadbeef")
	require.NoError(t, err)
	assert.Equal(t, "key-1", key.ID)
	assert.Equal(t, "ops laptop", key.Description)
	db.AssertExpectations(t)
}

func TestAPIKeyService_Verify_UnknownOrRevokedKey(t *testing.T) {
	db := &mockDB{}
	svc := NewAPIKeyService(db)
	ctx := context.Background()

	// Revoked keys are filtered out by the lookup itself, so they surface
	// exactly like unknown keys.
	db.On("QueryRow", ctx, mock.AnythingOfType("string"), mock.Anything).
		Return(&mockRow{scanFunc: func(dest ...any) error { return pgx.ErrNoRows }})

	_, err := svc.Verify(ctx, "cp_bogus")
	assert.ErrorIs(t, err, model.ErrNotFound)
	db.AssertExpectations(t)
}

func TestAPIKeyService_Revoke_UnknownKey(t *testing.T) {
	db := &mockDB{}
	svc := NewAPIKeyService(db)
	ctx := context.Background()

	db.On("Exec", ctx, mock.AnythingOfType("string"), []any{"key-gone"}).
		Return(pgconn.NewCommandTag("UPDATE 0"), nil)

	assert.ErrorIs(t, svc.Revoke(ctx, "key-gone"), model.ErrNotFound)
	db.AssertExpectations(t)
}
