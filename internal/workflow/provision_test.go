package workflow

import (
	"testing"

	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/suite"
	"go.temporal.io/sdk/temporal"
	"go.temporal.io/sdk/testsuite"

	"github.com/edvin/controlplane/internal/activity"
	"github.com/edvin/controlplane/internal/model"
)

type ProvisionInstanceWorkflowTestSuite struct {
	suite.Suite
	testsuite.WorkflowTestSuite
	env *testsuite.TestWorkflowEnvironment
}

func (s *ProvisionInstanceWorkflowTestSuite) SetupTest() {
	s.env = s.NewTestWorkflowEnvironment()
	registerActivities(s.env)
	s.env.RegisterWorkflow(ProvisionPoolWorkflow)
	s.env.RegisterWorkflow(ProvisionDedicatedWorkflow)
}

func (s *ProvisionInstanceWorkflowTestSuite) AfterTest(suiteName, testName string) {
	s.env.AssertExpectations(s.T())
}

func (s *ProvisionInstanceWorkflowTestSuite) expectFinalize(in *model.Instance) {
	s.env.OnActivity("TransitionProvisioningStatus", mock.Anything, activity.TransitionProvisioningStatusParams{
		InstanceID: in.ID, To: model.ProvisioningProvisioned,
	}).Return(nil)
	s.env.OnActivity("TransitionBusinessStatus", mock.Anything, activity.TransitionBusinessStatusParams{
		InstanceID: in.ID, To: model.BusinessRunning,
	}).Return(nil)
	s.env.OnActivity("ClearInstanceError", mock.Anything, in.ID).Return(nil)
	s.env.OnActivity("RecordProvisioningEvent", mock.Anything,
		matchStepEvent(in.ID, model.StepFinalize, model.OutcomeCompleted)).Return(nil)
	s.env.OnActivity("SendNotification", mock.Anything, mock.Anything).Return(nil)
}

func (s *ProvisionInstanceWorkflowTestSuite) TestSuccess() {
	in := testInstance("inst-1", model.TierStarter)
	server := testDbServer("srv-1", model.DbServerRoleSharedPool)
	alloc := testAllocation("alloc-1", in.ID, server.ID)

	s.env.OnActivity("TransitionProvisioningStatus", mock.Anything, activity.TransitionProvisioningStatusParams{
		InstanceID: in.ID, To: model.ProvisioningInProgress,
	}).Return(nil)
	s.env.OnActivity("GetInstanceByID", mock.Anything, in.ID).Return(in, nil)
	s.env.OnActivity("ListCompletedSteps", mock.Anything, in.ID).Return(nil, nil)

	s.env.OnActivity("TierRole", mock.Anything, in.Tier).Return(model.DbServerRoleSharedPool, nil)
	s.env.OnActivity("AllocateDbServer", mock.Anything, activity.AllocateDbServerParams{
		InstanceID: in.ID, Role: model.DbServerRoleSharedPool,
	}).Return(alloc, nil)
	s.env.OnActivity("RecordProvisioningEvent", mock.Anything,
		matchStepEvent(in.ID, model.StepAllocateDatabase, model.OutcomeCompleted)).Return(nil)

	s.env.OnActivity("GetDbServerByID", mock.Anything, server.ID).Return(server, nil)
	s.env.OnActivity("CreateTenantDatabase", mock.Anything, activity.CreateTenantDatabaseParams{
		AdminDSN: server.AdminDSN, DbName: alloc.DbName, DbUser: alloc.DbUser, DbPassword: alloc.DbPassword,
	}).Return(nil)
	s.env.OnActivity("RecordProvisioningEvent", mock.Anything,
		matchStepEvent(in.ID, model.StepProvisionTenantDB, model.OutcomeCompleted)).Return(nil)

	s.env.OnActivity("DeployInstance", mock.Anything, mock.Anything).Return(&activity.DeployInstanceResult{
		InternalEndpoint: "http://instance-inst-1:8080",
		ExternalEndpoint: "http://edge:32768",
	}, nil)
	s.env.OnActivity("SetInstanceEndpoints", mock.Anything, activity.SetInstanceEndpointsParams{
		InstanceID: in.ID,
		Internal:   "http://instance-inst-1:8080",
		External:   "http://edge:32768",
	}).Return(nil)
	s.env.OnActivity("RecordProvisioningEvent", mock.Anything,
		matchStepEvent(in.ID, model.StepDeployInstance, model.OutcomeCompleted)).Return(nil)

	s.env.OnActivity("AwaitInstanceReady", mock.Anything, mock.Anything).Return(nil)
	s.env.OnActivity("RecordProvisioningEvent", mock.Anything,
		matchStepEvent(in.ID, model.StepAwaitReadiness, model.OutcomeCompleted)).Return(nil)

	s.expectFinalize(in)

	s.env.ExecuteWorkflow(ProvisionInstanceWorkflow, in.ID)
	s.True(s.env.IsWorkflowCompleted())
	s.NoError(s.env.GetWorkflowError())
}

func (s *ProvisionInstanceWorkflowTestSuite) TestDedicatedTierUsesDedicatedRole() {
	in := testInstance("inst-prem", model.TierPremium)
	server := testDbServer("srv-ded", model.DbServerRoleDedicated)
	alloc := testAllocation("alloc-ded", in.ID, server.ID)

	s.env.OnActivity("TransitionProvisioningStatus", mock.Anything, mock.Anything).Return(nil)
	s.env.OnActivity("GetInstanceByID", mock.Anything, in.ID).Return(in, nil)
	s.env.OnActivity("ListCompletedSteps", mock.Anything, in.ID).Return(nil, nil)
	// The tier catalog, not a hardcoded tier name, decides the role.
	s.env.OnActivity("TierRole", mock.Anything, in.Tier).Return(model.DbServerRoleDedicated, nil)
	s.env.OnActivity("AllocateDbServer", mock.Anything, activity.AllocateDbServerParams{
		InstanceID: in.ID, Role: model.DbServerRoleDedicated,
	}).Return(alloc, nil)
	s.env.OnActivity("RecordProvisioningEvent", mock.Anything, mock.Anything).Return(nil)
	s.env.OnActivity("GetDbServerByID", mock.Anything, server.ID).Return(server, nil)
	s.env.OnActivity("CreateTenantDatabase", mock.Anything, mock.Anything).Return(nil)
	s.env.OnActivity("DeployInstance", mock.Anything, mock.Anything).Return(&activity.DeployInstanceResult{}, nil)
	s.env.OnActivity("SetInstanceEndpoints", mock.Anything, mock.Anything).Return(nil)
	s.env.OnActivity("AwaitInstanceReady", mock.Anything, mock.Anything).Return(nil)
	s.env.OnActivity("TransitionBusinessStatus", mock.Anything, mock.Anything).Return(nil)
	s.env.OnActivity("ClearInstanceError", mock.Anything, in.ID).Return(nil)
	s.env.OnActivity("SendNotification", mock.Anything, mock.Anything).Return(nil)

	s.env.ExecuteWorkflow(ProvisionInstanceWorkflow, in.ID)
	s.True(s.env.IsWorkflowCompleted())
	s.NoError(s.env.GetWorkflowError())
}

func (s *ProvisionInstanceWorkflowTestSuite) TestReadinessTimeout_ReleasesAllocation() {
	in := testInstance("inst-2", model.TierStarter)
	server := testDbServer("srv-1", model.DbServerRoleSharedPool)
	alloc := testAllocation("alloc-2", in.ID, server.ID)

	s.env.OnActivity("TransitionProvisioningStatus", mock.Anything, activity.TransitionProvisioningStatusParams{
		InstanceID: in.ID, To: model.ProvisioningInProgress,
	}).Return(nil)
	s.env.OnActivity("GetInstanceByID", mock.Anything, in.ID).Return(in, nil)
	s.env.OnActivity("ListCompletedSteps", mock.Anything, in.ID).Return(nil, nil)
	s.env.OnActivity("TierRole", mock.Anything, in.Tier).Return(model.DbServerRoleSharedPool, nil)
	s.env.OnActivity("AllocateDbServer", mock.Anything, mock.Anything).Return(alloc, nil)
	s.env.OnActivity("GetDbServerByID", mock.Anything, server.ID).Return(server, nil)
	s.env.OnActivity("CreateTenantDatabase", mock.Anything, mock.Anything).Return(nil)
	s.env.OnActivity("DeployInstance", mock.Anything, mock.Anything).Return(&activity.DeployInstanceResult{}, nil)
	s.env.OnActivity("SetInstanceEndpoints", mock.Anything, mock.Anything).Return(nil)

	s.env.OnActivity("AwaitInstanceReady", mock.Anything, mock.Anything).Return(
		temporal.NewNonRetryableApplicationError("instance inst-2 not ready after 5m0s",
			model.ErrTypeReadinessTimeout, nil))

	// Completed steps, the failed readiness step, and the rollback rows.
	s.env.OnActivity("RecordProvisioningEvent", mock.Anything, mock.Anything).Return(nil)

	// Compensation: tear down the container, drop the tenant database, and
	// give the slot back.
	s.env.OnActivity("DeleteInstance", mock.Anything, in.ID).Return(nil)
	s.env.OnActivity("GetActiveAllocation", mock.Anything, in.ID).Return(alloc, nil)
	s.env.OnActivity("DropTenantDatabase", mock.Anything, activity.DropTenantDatabaseParams{
		AdminDSN: server.AdminDSN, DbName: alloc.DbName, DbUser: alloc.DbUser,
	}).Return(nil)
	s.env.OnActivity("ReleaseAllocation", mock.Anything, alloc.ID).Return(nil)
	s.env.OnActivity("SetInstanceError", mock.Anything, matchInstanceFailed(in.ID)).Return(nil)
	s.env.OnActivity("SendNotification", mock.Anything, mock.Anything).Return(nil)

	s.env.ExecuteWorkflow(ProvisionInstanceWorkflow, in.ID)
	s.True(s.env.IsWorkflowCompleted())
	s.Error(s.env.GetWorkflowError())
}

func (s *ProvisionInstanceWorkflowTestSuite) TestResume_SkipsCompletedSteps() {
	in := testInstance("inst-3", model.TierStarter)
	server := testDbServer("srv-1", model.DbServerRoleSharedPool)
	alloc := testAllocation("alloc-3", in.ID, server.ID)

	s.env.OnActivity("TransitionProvisioningStatus", mock.Anything, activity.TransitionProvisioningStatusParams{
		InstanceID: in.ID, To: model.ProvisioningInProgress,
	}).Return(nil)
	s.env.OnActivity("GetInstanceByID", mock.Anything, in.ID).Return(in, nil)
	s.env.OnActivity("ListCompletedSteps", mock.Anything, in.ID).Return([]string{
		model.StepAllocateDatabase,
		model.StepProvisionTenantDB,
		model.StepDeployInstance,
	}, nil)

	// The allocation activity is idempotent and hands back the claim made
	// by the earlier run. CreateTenantDatabase and DeployInstance must not
	// run again; no mocks exist for them.
	s.env.OnActivity("TierRole", mock.Anything, in.Tier).Return(model.DbServerRoleSharedPool, nil)
	s.env.OnActivity("AllocateDbServer", mock.Anything, mock.Anything).Return(alloc, nil)
	s.env.OnActivity("GetDbServerByID", mock.Anything, server.ID).Return(server, nil)

	s.env.OnActivity("AwaitInstanceReady", mock.Anything, mock.Anything).Return(nil)
	s.env.OnActivity("RecordProvisioningEvent", mock.Anything,
		matchStepEvent(in.ID, model.StepAwaitReadiness, model.OutcomeCompleted)).Return(nil)

	s.expectFinalize(in)

	s.env.ExecuteWorkflow(ProvisionInstanceWorkflow, in.ID)
	s.True(s.env.IsWorkflowCompleted())
	s.NoError(s.env.GetWorkflowError())
}

func (s *ProvisionInstanceWorkflowTestSuite) TestCapacityExhausted_GrowsPoolAndRetries() {
	in := testInstance("inst-4", model.TierStarter)
	server := testDbServer("srv-new", model.DbServerRoleSharedPool)
	alloc := testAllocation("alloc-4", in.ID, server.ID)

	s.env.OnActivity("TransitionProvisioningStatus", mock.Anything, activity.TransitionProvisioningStatusParams{
		InstanceID: in.ID, To: model.ProvisioningInProgress,
	}).Return(nil)
	s.env.OnActivity("GetInstanceByID", mock.Anything, in.ID).Return(in, nil)
	s.env.OnActivity("ListCompletedSteps", mock.Anything, in.ID).Return(nil, nil)

	// First attempt finds every pool full; the pipeline grows the pool and
	// the retry succeeds.
	s.env.OnActivity("TierRole", mock.Anything, in.Tier).Return(model.DbServerRoleSharedPool, nil)
	s.env.OnActivity("AllocateDbServer", mock.Anything, mock.Anything).Return(nil,
		temporal.NewApplicationError("no shared_pool server with spare capacity",
			model.ErrTypeCapacityExhausted, model.ErrCapacityExhausted)).Once()
	s.env.OnWorkflow(ProvisionPoolWorkflow, mock.Anything, 0).Return(nil)
	s.env.OnActivity("AllocateDbServer", mock.Anything, mock.Anything).Return(alloc, nil).Once()

	s.env.OnActivity("RecordProvisioningEvent", mock.Anything, mock.Anything).Return(nil)
	s.env.OnActivity("GetDbServerByID", mock.Anything, server.ID).Return(server, nil)
	s.env.OnActivity("CreateTenantDatabase", mock.Anything, mock.Anything).Return(nil)
	s.env.OnActivity("DeployInstance", mock.Anything, mock.Anything).Return(&activity.DeployInstanceResult{}, nil)
	s.env.OnActivity("SetInstanceEndpoints", mock.Anything, mock.Anything).Return(nil)
	s.env.OnActivity("AwaitInstanceReady", mock.Anything, mock.Anything).Return(nil)
	s.env.OnActivity("TransitionProvisioningStatus", mock.Anything, activity.TransitionProvisioningStatusParams{
		InstanceID: in.ID, To: model.ProvisioningProvisioned,
	}).Return(nil)
	s.env.OnActivity("TransitionBusinessStatus", mock.Anything, mock.Anything).Return(nil)
	s.env.OnActivity("ClearInstanceError", mock.Anything, in.ID).Return(nil)
	s.env.OnActivity("SendNotification", mock.Anything, mock.Anything).Return(nil)

	s.env.ExecuteWorkflow(ProvisionInstanceWorkflow, in.ID)
	s.True(s.env.IsWorkflowCompleted())
	s.NoError(s.env.GetWorkflowError())
}

func TestProvisionInstanceWorkflow(t *testing.T) {
	suite.Run(t, new(ProvisionInstanceWorkflowTestSuite))
}
