package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	temporalclient "go.temporal.io/sdk/client"
	"go.temporal.io/sdk/worker"

	"github.com/edvin/controlplane/internal/activity"
	"github.com/edvin/controlplane/internal/config"
	"github.com/edvin/controlplane/internal/db"
	"github.com/edvin/controlplane/internal/logging"
	"github.com/edvin/controlplane/internal/metrics"
	"github.com/edvin/controlplane/internal/runtime"
	"github.com/edvin/controlplane/internal/workflow"
)

const taskQueue = "controlplane"

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	if err := cfg.Validate("worker"); err != nil {
		fmt.Fprintf(os.Stderr, "invalid config: %v\n", err)
		os.Exit(1)
	}

	logger := logging.NewLogger(cfg)

	tiers, err := config.LoadTiers(cfg.TiersFile)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to load tier catalog")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	corePool, err := db.NewCorePool(ctx, cfg.CoreDatabaseURL)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to connect to core database")
	}
	defer corePool.Close()

	tc, err := temporalclient.Dial(temporalclient.Options{HostPort: cfg.TemporalAddress})
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to connect to temporal")
	}
	defer tc.Close()

	w := worker.New(tc, taskQueue, worker.Options{})

	// Register activities
	coreDBActivities := activity.NewCoreDB(corePool)
	w.RegisterActivity(coreDBActivities)

	tenantDBActivities := activity.NewTenantDB(cfg.DumpBucket, cfg.S3Endpoint, cfg.S3AccessKey, cfg.S3SecretKey)
	w.RegisterActivity(tenantDBActivities)

	dockerRuntime := runtime.NewDockerRuntime(cfg.DockerHost, cfg.DockerNetwork, cfg.ExternalHost)
	runtimeActivities := activity.NewRuntime(dockerRuntime, tiers, cfg.InstanceImage, cfg.DbServerImage,
		time.Duration(cfg.ReadinessTimeoutSecs)*time.Second)
	w.RegisterActivity(runtimeActivities)

	notifyActivities := activity.NewNotify(cfg.NotifyWebhookURL)
	w.RegisterActivity(notifyActivities)

	// Register workflows
	w.RegisterWorkflow(workflow.ProvisionInstanceWorkflow)
	w.RegisterWorkflow(workflow.ProvisionPoolWorkflow)
	w.RegisterWorkflow(workflow.ProvisionDedicatedWorkflow)
	w.RegisterWorkflow(workflow.StartInstanceWorkflow)
	w.RegisterWorkflow(workflow.StopInstanceWorkflow)
	w.RegisterWorkflow(workflow.SuspendInstanceWorkflow)
	w.RegisterWorkflow(workflow.ResumeInstanceWorkflow)
	w.RegisterWorkflow(workflow.TerminateInstanceWorkflow)
	w.RegisterWorkflow(workflow.MigrateInstanceWorkflow)
	w.RegisterWorkflow(workflow.ReconcileInstancesWorkflow)
	w.RegisterWorkflow(workflow.DbServerHealthWorkflow)
	w.RegisterWorkflow(workflow.CapacityWatchdogWorkflow)

	if cfg.MetricsAddr != "" {
		metricsSrv := metrics.NewServer(cfg.MetricsAddr)
		go func() {
			logger.Info().Str("addr", cfg.MetricsAddr).Msg("starting metrics server")
			if err := metricsSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				logger.Error().Err(err).Msg("metrics server failed")
			}
		}()
	}

	go func() {
		logger.Info().Str("taskQueue", taskQueue).Msg("starting temporal worker")
		if err := w.Run(worker.InterruptCh()); err != nil {
			logger.Fatal().Err(err).Msg("worker failed")
		}
	}()

	// Register cron schedules. Errors for already-existing schedules are
	// ignored so that re-deploys do not fail.
	registerCronSchedules(ctx, tc, taskQueue, cfg, logger)

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info().Msg("shutting down worker")
	cancel()
}

type cronSchedule struct {
	id       string
	cron     string
	workflow interface{}
	args     []interface{}
}

func registerCronSchedules(ctx context.Context, tc temporalclient.Client, taskQueue string, cfg *config.Config, logger zerolog.Logger) {
	schedules := []cronSchedule{
		{
			id:       "instance-reconcile-cron",
			cron:     "*/5 * * * *",
			workflow: workflow.ReconcileInstancesWorkflow,
		},
		{
			id:       "db-server-health-cron",
			cron:     "*/2 * * * *",
			workflow: workflow.DbServerHealthWorkflow,
			args:     []interface{}{cfg.HealthFailureThreshold},
		},
		{
			id:       "capacity-watchdog-cron",
			cron:     "*/10 * * * *",
			workflow: workflow.CapacityWatchdogWorkflow,
			args:     []interface{}{cfg.PoolSpareThreshold, cfg.PoolMaxInstances},
		},
	}

	scheduleClient := tc.ScheduleClient()

	for _, s := range schedules {
		_, err := scheduleClient.Create(ctx, temporalclient.ScheduleOptions{
			ID: s.id,
			Spec: temporalclient.ScheduleSpec{
				CronExpressions: []string{s.cron},
			},
			Action: &temporalclient.ScheduleWorkflowAction{
				ID:        s.id,
				Workflow:  s.workflow,
				Args:      s.args,
				TaskQueue: taskQueue,
			},
		})
		if err != nil {
			if strings.Contains(err.Error(), "already exists") || strings.Contains(err.Error(), "AlreadyExists") || strings.Contains(err.Error(), "already registered") {
				logger.Info().Str("id", s.id).Msg("cron schedule already exists, skipping")
			} else {
				logger.Fatal().Err(err).Str("id", s.id).Msg("failed to create cron schedule")
			}
		} else {
			logger.Info().Str("id", s.id).Str("cron", s.cron).Msg("created cron schedule")
		}
	}
}
