package activity

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.temporal.io/sdk/temporal"

	"github.com/edvin/controlplane/internal/model"
)

// ---------- Mock DB ----------

type mockDB struct {
	mock.Mock
}

func (m *mockDB) Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error) {
	args := m.Called(ctx, sql, arguments)
	return args.Get(0).(pgconn.CommandTag), args.Error(1)
}

func (m *mockDB) Query(ctx context.Context, sql string, arguments ...any) (pgx.Rows, error) {
	args := m.Called(ctx, sql, arguments)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(pgx.Rows), args.Error(1)
}

func (m *mockDB) QueryRow(ctx context.Context, sql string, arguments ...any) pgx.Row {
	args := m.Called(ctx, sql, arguments)
	return args.Get(0).(pgx.Row)
}

// ---------- Mock Row / Rows ----------

type mockRow struct {
	scanFunc func(dest ...any) error
}

func (m mockRow) Scan(dest ...any) error {
	return m.scanFunc(dest...)
}

type mockRows struct {
	callIndex int
	scanFuncs []func(dest ...any) error
	err       error
}

func newMockRows(scanFuncs ...func(dest ...any) error) *mockRows {
	return &mockRows{scanFuncs: scanFuncs}
}

func newEmptyMockRows() *mockRows {
	return &mockRows{}
}

func (m *mockRows) Next() bool {
	return m.callIndex < len(m.scanFuncs)
}

func (m *mockRows) Scan(dest ...any) error {
	if m.callIndex < len(m.scanFuncs) {
		fn := m.scanFuncs[m.callIndex]
		m.callIndex++
		return fn(dest...)
	}
	return nil
}

func (m *mockRows) Err() error                                    { return m.err }
func (m *mockRows) Close()                                        {}
func (m *mockRows) CommandTag() pgconn.CommandTag                 { return pgconn.CommandTag{} }
func (m *mockRows) FieldDescriptions() []pgconn.FieldDescription  { return nil }
func (m *mockRows) RawValues() [][]byte                           { return nil }
func (m *mockRows) Values() ([]any, error)                        { return nil, nil }
func (m *mockRows) Conn() *pgx.Conn                               { return nil }

// ---------- helpers ----------

func sqlContains(substr string) interface{} {
	return mock.MatchedBy(func(sql string) bool {
		return strings.Contains(sql, substr)
	})
}

func noRow() mockRow {
	return mockRow{scanFunc: func(dest ...any) error { return pgx.ErrNoRows }}
}

func allocationRow(id, instanceID, serverID string) mockRow {
	now := time.Now().Truncate(time.Microsecond)
	return mockRow{scanFunc: func(dest ...any) error {
		*(dest[0].(*string)) = id
		*(dest[1].(*string)) = instanceID
		*(dest[2].(*string)) = serverID
		*(dest[3].(*string)) = "db_abc"
		*(dest[4].(*string)) = "u_abc"
		*(dest[5].(*string)) = "pw"
		*(dest[6].(*time.Time)) = now
		*(dest[7].(**time.Time)) = nil
		return nil
	}}
}

func candidateRow(id, host string, port int) func(dest ...any) error {
	return func(dest ...any) error {
		*(dest[0].(*string)) = id
		*(dest[1].(*string)) = host
		*(dest[2].(*int)) = port
		return nil
	}
}

// ---------- AllocateDbServer ----------

func TestCoreDB_AllocateDbServer_LostRaceFallsThrough(t *testing.T) {
	db := &mockDB{}
	a := NewCoreDB(db)
	ctx := context.Background()

	db.On("QueryRow", ctx, sqlContains("i.allocation_id = a.id"), mock.Anything).Return(noRow())
	db.On("Query", ctx, sqlContains("current_count < max_instances"), mock.Anything).Return(newMockRows(
		candidateRow("srv-1", "host-1", 5432),
		candidateRow("srv-2", "host-2", 5432),
	), nil)

	// The least-loaded candidate is claimed by a concurrent allocator; the
	// compare-and-increment affects zero rows and the next one is tried.
	db.On("Exec", ctx, sqlContains("current_count + 1"), []any{"srv-1", model.DbServerHealthy}).
		Return(pgconn.NewCommandTag("UPDATE 0"), nil)
	db.On("Exec", ctx, sqlContains("current_count + 1"), []any{"srv-2", model.DbServerHealthy}).
		Return(pgconn.NewCommandTag("UPDATE 1"), nil)

	db.On("QueryRow", ctx, sqlContains("INSERT INTO allocations"), mock.Anything).Return(mockRow{
		scanFunc: func(dest ...any) error {
			*(dest[0].(*time.Time)) = time.Now()
			return nil
		},
	})
	db.On("Exec", ctx, sqlContains("SET allocation_id"), mock.Anything).
		Return(pgconn.NewCommandTag("UPDATE 1"), nil)

	alloc, err := a.AllocateDbServer(ctx, AllocateDbServerParams{
		InstanceID: "inst-1", Role: model.DbServerRoleSharedPool,
	})
	require.NoError(t, err)
	assert.Equal(t, "srv-2", alloc.DbServerID)
	assert.Equal(t, "inst-1", alloc.InstanceID)
	db.AssertExpectations(t)
}

func TestCoreDB_AllocateDbServer_InsertFailureReturnsSlot(t *testing.T) {
	db := &mockDB{}
	a := NewCoreDB(db)
	ctx := context.Background()

	db.On("QueryRow", ctx, sqlContains("i.allocation_id = a.id"), mock.Anything).Return(noRow())
	db.On("Query", ctx, sqlContains("current_count < max_instances"), mock.Anything).Return(newMockRows(
		candidateRow("srv-1", "host-1", 5432),
	), nil)
	db.On("Exec", ctx, sqlContains("current_count + 1"), mock.Anything).
		Return(pgconn.NewCommandTag("UPDATE 1"), nil)
	db.On("QueryRow", ctx, sqlContains("INSERT INTO allocations"), mock.Anything).Return(mockRow{
		scanFunc: func(dest ...any) error { return errors.New("connection lost") },
	})

	// The claimed slot is handed back before the error surfaces.
	db.On("Exec", ctx, sqlContains("current_count - 1"), []any{"srv-1"}).
		Return(pgconn.NewCommandTag("UPDATE 1"), nil)

	_, err := a.AllocateDbServer(ctx, AllocateDbServerParams{
		InstanceID: "inst-1", Role: model.DbServerRoleSharedPool,
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "insert allocation")
	db.AssertExpectations(t)
}

func TestCoreDB_AllocateDbServer_CapacityExhausted(t *testing.T) {
	db := &mockDB{}
	a := NewCoreDB(db)
	ctx := context.Background()

	db.On("QueryRow", ctx, sqlContains("i.allocation_id = a.id"), mock.Anything).Return(noRow())
	db.On("Query", ctx, sqlContains("current_count < max_instances"), mock.Anything).
		Return(newEmptyMockRows(), nil)

	_, err := a.AllocateDbServer(ctx, AllocateDbServerParams{
		InstanceID: "inst-1", Role: model.DbServerRoleSharedPool,
	})
	require.Error(t, err)

	var appErr *temporal.ApplicationError
	require.True(t, errors.As(err, &appErr))
	assert.Equal(t, model.ErrTypeCapacityExhausted, appErr.Type())
	db.AssertExpectations(t)
}

func TestCoreDB_AllocateDbServer_ExistingAllocationReturned(t *testing.T) {
	db := &mockDB{}
	a := NewCoreDB(db)
	ctx := context.Background()

	db.On("QueryRow", ctx, sqlContains("i.allocation_id = a.id"), mock.Anything).
		Return(allocationRow("alloc-1", "inst-1", "srv-1"))

	alloc, err := a.AllocateDbServer(ctx, AllocateDbServerParams{
		InstanceID: "inst-1", Role: model.DbServerRoleSharedPool,
	})
	require.NoError(t, err)
	assert.Equal(t, "alloc-1", alloc.ID)

	// No new slot is claimed for a resumed run.
	db.AssertNotCalled(t, "Exec", mock.Anything, mock.Anything, mock.Anything)
	db.AssertNotCalled(t, "Query", mock.Anything, mock.Anything, mock.Anything)
	db.AssertExpectations(t)
}

func TestCoreDB_AllocateDbServer_MigrationRetryReusesPendingAllocation(t *testing.T) {
	db := &mockDB{}
	a := NewCoreDB(db)
	ctx := context.Background()

	// An earlier delivery of the same claim committed but its result was
	// lost; the unreleased not-yet-switched allocation is handed back
	// instead of claiming a second slot.
	db.On("QueryRow", ctx, sqlContains("IS DISTINCT FROM i.allocation_id"), mock.Anything).
		Return(allocationRow("alloc-tgt", "inst-1", "srv-2"))

	alloc, err := a.AllocateDbServer(ctx, AllocateDbServerParams{
		InstanceID: "inst-1", Role: model.DbServerRoleSharedPool, ForMigration: true,
	})
	require.NoError(t, err)
	assert.Equal(t, "alloc-tgt", alloc.ID)
	assert.Equal(t, "srv-2", alloc.DbServerID)

	db.AssertNotCalled(t, "Exec", mock.Anything, mock.Anything, mock.Anything)
	db.AssertNotCalled(t, "Query", mock.Anything, mock.Anything, mock.Anything)
	db.AssertExpectations(t)
}

func TestCoreDB_AllocateDbServer_MigrationClaimSkipsRebind(t *testing.T) {
	db := &mockDB{}
	a := NewCoreDB(db)
	ctx := context.Background()

	db.On("QueryRow", ctx, sqlContains("IS DISTINCT FROM i.allocation_id"), mock.Anything).Return(noRow())
	db.On("Query", ctx, sqlContains("current_count < max_instances"), mock.Anything).Return(newMockRows(
		candidateRow("srv-2", "host-2", 5432),
	), nil)
	db.On("Exec", ctx, sqlContains("current_count + 1"), mock.Anything).
		Return(pgconn.NewCommandTag("UPDATE 1"), nil)
	db.On("QueryRow", ctx, sqlContains("INSERT INTO allocations"), mock.Anything).Return(mockRow{
		scanFunc: func(dest ...any) error {
			*(dest[0].(*time.Time)) = time.Now()
			return nil
		},
	})

	alloc, err := a.AllocateDbServer(ctx, AllocateDbServerParams{
		InstanceID: "inst-1", Role: model.DbServerRoleDedicated, ForMigration: true,
	})
	require.NoError(t, err)
	assert.Equal(t, "srv-2", alloc.DbServerID)

	// The binding switch belongs to the migration workflow, not the claim.
	db.AssertNotCalled(t, "Exec", mock.Anything, sqlContains("SET allocation_id"), mock.Anything)
	db.AssertExpectations(t)
}

// ---------- ReleaseAllocation ----------

func TestCoreDB_ReleaseAllocation_RepeatIsNoop(t *testing.T) {
	db := &mockDB{}
	a := NewCoreDB(db)
	ctx := context.Background()

	db.On("Exec", ctx, sqlContains("SET released_at = now()"), []any{"alloc-1"}).
		Return(pgconn.NewCommandTag("UPDATE 1"), nil).Once()
	db.On("Exec", ctx, sqlContains("SET allocation_id = NULL"), []any{"alloc-1"}).
		Return(pgconn.NewCommandTag("UPDATE 1"), nil).Once()

	require.NoError(t, a.ReleaseAllocation(ctx, "alloc-1"))

	// The second release finds the row already released and decrements
	// nothing.
	db.On("Exec", ctx, sqlContains("SET released_at = now()"), []any{"alloc-1"}).
		Return(pgconn.NewCommandTag("UPDATE 0"), nil).Once()
	db.On("Exec", ctx, sqlContains("SET allocation_id = NULL"), []any{"alloc-1"}).
		Return(pgconn.NewCommandTag("UPDATE 0"), nil).Once()

	require.NoError(t, a.ReleaseAllocation(ctx, "alloc-1"))
	db.AssertExpectations(t)
}

// ---------- ReportDbServerHealth ----------

func TestCoreDB_ReportDbServerHealth_HealthyResetsStreak(t *testing.T) {
	db := &mockDB{}
	a := NewCoreDB(db)
	ctx := context.Background()

	db.On("Exec", ctx, sqlContains("consecutive_failures = 0"),
		[]any{model.DbServerHealthy, "srv-1"}).
		Return(pgconn.NewCommandTag("UPDATE 1"), nil)

	err := a.ReportDbServerHealth(ctx, ReportDbServerHealthParams{
		DbServerID: "srv-1", Healthy: true, FailureThreshold: 3,
	})
	require.NoError(t, err)
	db.AssertExpectations(t)
}

func TestCoreDB_ReportDbServerHealth_FailureDegradesUntilThreshold(t *testing.T) {
	db := &mockDB{}
	a := NewCoreDB(db)
	ctx := context.Background()

	// One statement carries both outcomes: degraded below the threshold,
	// unreachable at it.
	db.On("Exec", ctx, sqlContains("consecutive_failures + 1"),
		[]any{3, model.DbServerUnreachable, model.DbServerDegraded, "srv-1"}).
		Return(pgconn.NewCommandTag("UPDATE 1"), nil)

	err := a.ReportDbServerHealth(ctx, ReportDbServerHealthParams{
		DbServerID: "srv-1", Healthy: false, FailureThreshold: 3,
	})
	require.NoError(t, err)
	db.AssertExpectations(t)
}
