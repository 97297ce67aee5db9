package core

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	temporalmocks "go.temporal.io/sdk/mocks"

	"github.com/edvin/controlplane/internal/api/request"
	"github.com/edvin/controlplane/internal/model"
)

// instanceScan writes in's fields into scan destinations in column order.
func instanceScan(in model.Instance) func(dest ...any) error {
	return func(dest ...any) error {
		*dest[0].(*string) = in.ID
		*dest[1].(*string) = in.TenantID
		*dest[2].(*string) = in.Name
		*dest[3].(*string) = in.Tier
		*dest[4].(*string) = in.SubscriptionID
		*dest[5].(*string) = in.BusinessStatus
		*dest[6].(*string) = in.ProvisioningStatus
		*dest[7].(*string) = in.BillingStatus
		*dest[8].(**string) = in.ErrorMessage
		*dest[9].(**string) = in.AllocationID
		*dest[10].(**string) = in.InternalEndpoint
		*dest[11].(**string) = in.ExternalEndpoint
		*dest[12].(*time.Time) = in.CreatedAt
		*dest[13].(*time.Time) = in.UpdatedAt
		*dest[14].(**time.Time) = in.TerminatedAt
		return nil
	}
}

func storedInstance(id, businessStatus, provisioningStatus, billingStatus string) model.Instance {
	return model.Instance{
		ID:                 id,
		TenantID:           "tenant-1",
		Name:               "shop",
		Tier:               model.TierStarter,
		SubscriptionID:     "sub-1",
		BusinessStatus:     businessStatus,
		ProvisioningStatus: provisioningStatus,
		BillingStatus:      billingStatus,
		CreatedAt:          time.Now(),
		UpdatedAt:          time.Now(),
	}
}

// ---------- Create ----------

func TestInstanceService_Create_TrialWaitsInPending(t *testing.T) {
	db := &mockDB{}
	tc := &temporalmocks.Client{}
	svc := NewInstanceService(db, tc)
	ctx := context.Background()

	stored := storedInstance("inst-1", model.BusinessCreating, model.ProvisioningPending, model.BillingTrial)
	db.On("QueryRow", ctx, mock.AnythingOfType("string"), mock.MatchedBy(func(args []any) bool {
		return args[6] == model.ProvisioningPending && args[7] == model.BillingTrial
	})).Return(&mockRow{scanFunc: instanceScan(stored)})

	in, err := svc.Create(ctx, CreateInstanceParams{
		TenantID:       "tenant-1",
		Name:           "shop",
		Tier:           model.TierStarter,
		SubscriptionID: "sub-1",
		TrialEligible:  true,
	})
	require.NoError(t, err)
	assert.Equal(t, model.ProvisioningPending, in.ProvisioningStatus)
	assert.Equal(t, model.BillingTrial, in.BillingStatus)

	// Creation never starts a pipeline: only the billing gate does.
	tc.AssertNotCalled(t, "ExecuteWorkflow", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
	db.AssertExpectations(t)
}

func TestInstanceService_Create_PaidWaitsForBilling(t *testing.T) {
	db := &mockDB{}
	tc := &temporalmocks.Client{}
	svc := NewInstanceService(db, tc)
	ctx := context.Background()

	stored := storedInstance("inst-1", model.BusinessCreating, model.ProvisioningAwaitingBilling, model.BillingPendingPayment)
	db.On("QueryRow", ctx, mock.AnythingOfType("string"), mock.MatchedBy(func(args []any) bool {
		return args[6] == model.ProvisioningAwaitingBilling && args[7] == model.BillingPendingPayment
	})).Return(&mockRow{scanFunc: instanceScan(stored)})

	in, err := svc.Create(ctx, CreateInstanceParams{
		TenantID:       "tenant-1",
		Name:           "shop",
		Tier:           model.TierStandard,
		SubscriptionID: "sub-1",
		TrialEligible:  false,
	})
	require.NoError(t, err)
	assert.Equal(t, model.ProvisioningAwaitingBilling, in.ProvisioningStatus)
	tc.AssertNotCalled(t, "ExecuteWorkflow", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
	db.AssertExpectations(t)
}

// ---------- GetByID ----------

func TestInstanceService_GetByID_NotFound(t *testing.T) {
	db := &mockDB{}
	tc := &temporalmocks.Client{}
	svc := NewInstanceService(db, tc)
	ctx := context.Background()

	db.On("QueryRow", ctx, mock.AnythingOfType("string"), mock.Anything).
		Return(&mockRow{scanFunc: func(dest ...any) error { return pgx.ErrNoRows }})

	_, err := svc.GetByID(ctx, "missing")
	require.ErrorIs(t, err, model.ErrNotFound)
}

// ---------- List ----------

func TestInstanceService_List_Pagination(t *testing.T) {
	db := &mockDB{}
	tc := &temporalmocks.Client{}
	svc := NewInstanceService(db, tc)
	ctx := context.Background()

	rows := newMockRows(
		instanceScan(storedInstance("inst-1", model.BusinessRunning, model.ProvisioningProvisioned, model.BillingPaid)),
		instanceScan(storedInstance("inst-2", model.BusinessRunning, model.ProvisioningProvisioned, model.BillingPaid)),
		instanceScan(storedInstance("inst-3", model.BusinessRunning, model.ProvisioningProvisioned, model.BillingPaid)),
	)
	db.On("Query", ctx, mock.AnythingOfType("string"), mock.Anything).Return(rows, nil)

	instances, hasMore, err := svc.List(ctx, request.ListParams{Limit: 2})
	require.NoError(t, err)
	assert.Len(t, instances, 2)
	assert.True(t, hasMore)
}

// ---------- Lifecycle actions ----------

func TestInstanceService_Start_FromStopped(t *testing.T) {
	db := &mockDB{}
	tc := &temporalmocks.Client{}
	svc := NewInstanceService(db, tc)
	ctx := context.Background()

	stored := storedInstance("inst-1", model.BusinessStopped, model.ProvisioningProvisioned, model.BillingPaid)
	db.On("QueryRow", ctx, mock.AnythingOfType("string"), mock.Anything).
		Return(&mockRow{scanFunc: instanceScan(stored)})

	wfRun := &temporalmocks.WorkflowRun{}
	tc.On("ExecuteWorkflow", ctx, mock.Anything, "StartInstanceWorkflow", mock.Anything).Return(wfRun, nil)

	require.NoError(t, svc.Start(ctx, "inst-1"))
	tc.AssertExpectations(t)
}

func TestInstanceService_Start_InvalidFromCreating(t *testing.T) {
	db := &mockDB{}
	tc := &temporalmocks.Client{}
	svc := NewInstanceService(db, tc)
	ctx := context.Background()

	stored := storedInstance("inst-1", model.BusinessCreating, model.ProvisioningPending, model.BillingTrial)
	db.On("QueryRow", ctx, mock.AnythingOfType("string"), mock.Anything).
		Return(&mockRow{scanFunc: instanceScan(stored)})

	err := svc.Start(ctx, "inst-1")
	require.ErrorIs(t, err, model.ErrInvalidTransition)
	tc.AssertNotCalled(t, "ExecuteWorkflow", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
}

func TestInstanceService_Terminate_AlreadyTerminated(t *testing.T) {
	db := &mockDB{}
	tc := &temporalmocks.Client{}
	svc := NewInstanceService(db, tc)
	ctx := context.Background()

	stored := storedInstance("inst-1", model.BusinessTerminated, model.ProvisioningProvisioned, model.BillingPaid)
	db.On("QueryRow", ctx, mock.AnythingOfType("string"), mock.Anything).
		Return(&mockRow{scanFunc: instanceScan(stored)})

	err := svc.Terminate(ctx, "inst-1")
	require.ErrorIs(t, err, model.ErrInvalidTransition)
	tc.AssertNotCalled(t, "ExecuteWorkflow", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
}

func TestInstanceService_Terminate_Running(t *testing.T) {
	db := &mockDB{}
	tc := &temporalmocks.Client{}
	svc := NewInstanceService(db, tc)
	ctx := context.Background()

	stored := storedInstance("inst-1", model.BusinessRunning, model.ProvisioningProvisioned, model.BillingPaid)
	db.On("QueryRow", ctx, mock.AnythingOfType("string"), mock.Anything).
		Return(&mockRow{scanFunc: instanceScan(stored)})

	wfRun := &temporalmocks.WorkflowRun{}
	tc.On("ExecuteWorkflow", ctx, mock.Anything, "TerminateInstanceWorkflow", mock.Anything).Return(wfRun, nil)

	require.NoError(t, svc.Terminate(ctx, "inst-1"))
	tc.AssertExpectations(t)
}

// ---------- Reprovision ----------

func TestInstanceService_Reprovision_OnlyFromFailed(t *testing.T) {
	db := &mockDB{}
	tc := &temporalmocks.Client{}
	svc := NewInstanceService(db, tc)
	ctx := context.Background()

	stored := storedInstance("inst-1", model.BusinessRunning, model.ProvisioningProvisioned, model.BillingPaid)
	db.On("QueryRow", ctx, mock.AnythingOfType("string"), mock.Anything).
		Return(&mockRow{scanFunc: instanceScan(stored)})

	err := svc.Reprovision(ctx, "inst-1")
	require.ErrorIs(t, err, model.ErrInvalidTransition)
	tc.AssertNotCalled(t, "ExecuteWorkflow", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
}

func TestInstanceService_Reprovision_Failed(t *testing.T) {
	db := &mockDB{}
	tc := &temporalmocks.Client{}
	svc := NewInstanceService(db, tc)
	ctx := context.Background()

	stored := storedInstance("inst-1", model.BusinessError, model.ProvisioningFailed, model.BillingPaid)
	db.On("QueryRow", ctx, mock.AnythingOfType("string"), mock.Anything).
		Return(&mockRow{scanFunc: instanceScan(stored)})

	wfRun := &temporalmocks.WorkflowRun{}
	tc.On("ExecuteWorkflow", ctx, mock.Anything, "ProvisionInstanceWorkflow", mock.Anything).Return(wfRun, nil)

	require.NoError(t, svc.Reprovision(ctx, "inst-1"))
	tc.AssertExpectations(t)
}

func TestInstanceService_Reprovision_WorkflowError(t *testing.T) {
	db := &mockDB{}
	tc := &temporalmocks.Client{}
	svc := NewInstanceService(db, tc)
	ctx := context.Background()

	stored := storedInstance("inst-1", model.BusinessError, model.ProvisioningFailed, model.BillingPaid)
	db.On("QueryRow", ctx, mock.AnythingOfType("string"), mock.Anything).
		Return(&mockRow{scanFunc: instanceScan(stored)})
	tc.On("ExecuteWorkflow", ctx, mock.Anything, "ProvisionInstanceWorkflow", mock.Anything).
		Return(nil, errors.New("temporal down"))

	err := svc.Reprovision(ctx, "inst-1")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "start ProvisionInstanceWorkflow")
}
