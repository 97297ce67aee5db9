package core

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/rs/zerolog"
	temporalclient "go.temporal.io/sdk/client"

	"github.com/edvin/controlplane/internal/metrics"
	"github.com/edvin/controlplane/internal/model"
)

// BillingGateService is the only path from a paid (or trial-eligible)
// subscription to a provisioned instance. Webhook deliveries are an
// at-least-once stream; the unique claim row on event_id collapses
// redeliveries into one effect.
type BillingGateService struct {
	db     DB
	tc     temporalclient.Client
	logger zerolog.Logger
}

func NewBillingGateService(db DB, tc temporalclient.Client, logger zerolog.Logger) *BillingGateService {
	return &BillingGateService{db: db, tc: tc, logger: logger}
}

// HandleEvent processes one billing webhook delivery. Returning an error
// tells the billing provider to redeliver; the claim row is released first
// so the retry is not mistaken for a duplicate.
func (s *BillingGateService) HandleEvent(ctx context.Context, ev model.BillingEvent) error {
	switch ev.EventType {
	case model.EventSubscriptionCreated, model.EventPaymentSuccess,
		model.EventPaymentFailed, model.EventSubscriptionCancelled:
	default:
		metrics.WebhookEventsTotal.WithLabelValues(ev.EventType, "rejected").Inc()
		return fmt.Errorf("unknown billing event type %q", ev.EventType)
	}

	tag, err := s.db.Exec(ctx,
		`INSERT INTO webhook_events (event_id, event_type, external_key, subscription_id, processed_at)
		 VALUES ($1, $2, $3, $4, now())
		 ON CONFLICT (event_id) DO NOTHING`,
		ev.EventID, ev.EventType, ev.ExternalKey, ev.SubscriptionID,
	)
	if err != nil {
		return fmt.Errorf("claim webhook event %s: %w", ev.EventID, err)
	}
	if tag.RowsAffected() == 0 {
		s.logger.Info().Str("event_id", ev.EventID).Str("event_type", ev.EventType).
			Msg("duplicate billing webhook delivery ignored")
		metrics.WebhookEventsTotal.WithLabelValues(ev.EventType, "duplicate").Inc()
		return nil
	}

	if err := s.process(ctx, ev); err != nil {
		// Release the claim so the provider's redelivery gets another shot.
		if _, delErr := s.db.Exec(ctx,
			`DELETE FROM webhook_events WHERE event_id = $1`, ev.EventID); delErr != nil {
			s.logger.Error().Err(delErr).Str("event_id", ev.EventID).
				Msg("failed to release webhook event claim")
		}
		metrics.WebhookEventsTotal.WithLabelValues(ev.EventType, "error").Inc()
		return err
	}

	metrics.WebhookEventsTotal.WithLabelValues(ev.EventType, "processed").Inc()
	return nil
}

func (s *BillingGateService) process(ctx context.Context, ev model.BillingEvent) error {
	in, err := s.instanceBySubscription(ctx, ev.SubscriptionID)
	if err != nil {
		return err
	}

	switch ev.EventType {
	case model.EventSubscriptionCreated:
		return s.onSubscriptionCreated(ctx, in)
	case model.EventPaymentSuccess:
		return s.onPaymentSuccess(ctx, in)
	case model.EventPaymentFailed:
		return s.onPaymentFailed(ctx, in)
	case model.EventSubscriptionCancelled:
		return s.onSubscriptionCancelled(ctx, in)
	}
	return nil
}

func (s *BillingGateService) instanceBySubscription(ctx context.Context, subscriptionID string) (*model.Instance, error) {
	in, err := scanInstance(s.db.QueryRow(ctx,
		`SELECT `+instanceColumns+` FROM instances WHERE subscription_id = $1`, subscriptionID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("no instance for subscription %s: %w", subscriptionID, model.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get instance for subscription %s: %w", subscriptionID, err)
	}
	return in, nil
}

// onSubscriptionCreated authorizes provisioning for trial instances: their
// zero-amount invoice is the only payment they will ever see. A paid
// instance stays gated until PAYMENT_SUCCESS.
func (s *BillingGateService) onSubscriptionCreated(ctx context.Context, in *model.Instance) error {
	if in.BillingStatus != model.BillingTrial {
		s.logger.Info().Str("instance_id", in.ID).Str("billing_status", in.BillingStatus).
			Msg("subscription created for non-trial instance, provisioning still gated")
		return nil
	}
	return s.authorizeProvisioning(ctx, in)
}

// onPaymentSuccess marks the instance paid and authorizes provisioning if
// it was waiting on the payment. A payment for an already-paid suspended
// instance is a reinstatement.
func (s *BillingGateService) onPaymentSuccess(ctx context.Context, in *model.Instance) error {
	if in.BillingStatus == model.BillingPendingPayment {
		_, err := s.db.Exec(ctx,
			`UPDATE instances SET billing_status = $1, updated_at = now() WHERE id = $2`,
			model.BillingPaid, in.ID)
		if err != nil {
			return fmt.Errorf("mark instance %s paid: %w", in.ID, err)
		}
		return s.authorizeProvisioning(ctx, in)
	}

	if in.BusinessStatus == model.BusinessSuspended {
		_, err := s.tc.ExecuteWorkflow(ctx, temporalclient.StartWorkflowOptions{
			ID:        fmt.Sprintf("resume-instance-%s", in.ID),
			TaskQueue: taskQueue,
		}, "ResumeInstanceWorkflow", in.ID, model.BusinessRunning)
		if err != nil {
			return fmt.Errorf("start ResumeInstanceWorkflow: %w", err)
		}
	}
	return nil
}

func (s *BillingGateService) onPaymentFailed(ctx context.Context, in *model.Instance) error {
	if !model.CanTransitionBusiness(in.BusinessStatus, model.BusinessSuspended) {
		s.logger.Info().Str("instance_id", in.ID).Str("business_status", in.BusinessStatus).
			Msg("payment failed for instance that cannot be suspended")
		return nil
	}

	_, err := s.tc.ExecuteWorkflow(ctx, temporalclient.StartWorkflowOptions{
		ID:        fmt.Sprintf("suspend-instance-%s", in.ID),
		TaskQueue: taskQueue,
	}, "SuspendInstanceWorkflow", in.ID)
	if err != nil {
		return fmt.Errorf("start SuspendInstanceWorkflow: %w", err)
	}
	return nil
}

func (s *BillingGateService) onSubscriptionCancelled(ctx context.Context, in *model.Instance) error {
	if in.BusinessStatus == model.BusinessTerminated {
		return nil
	}

	_, err := s.tc.ExecuteWorkflow(ctx, temporalclient.StartWorkflowOptions{
		ID:        fmt.Sprintf("terminate-instance-%s", in.ID),
		TaskQueue: taskQueue,
	}, "TerminateInstanceWorkflow", in.ID)
	if err != nil {
		return fmt.Errorf("start TerminateInstanceWorkflow: %w", err)
	}
	return nil
}

// authorizeProvisioning moves the instance into provisioning and starts
// exactly one pipeline. The optimistic status guard plus the deterministic
// workflow ID mean a race between two authorizing events still yields a
// single pipeline run.
func (s *BillingGateService) authorizeProvisioning(ctx context.Context, in *model.Instance) error {
	switch in.ProvisioningStatus {
	case model.ProvisioningPending, model.ProvisioningAwaitingBilling:
	default:
		s.logger.Info().Str("instance_id", in.ID).Str("provisioning_status", in.ProvisioningStatus).
			Msg("billing authorization for instance already past the gate")
		return nil
	}

	tag, err := s.db.Exec(ctx,
		`UPDATE instances SET provisioning_status = $1, updated_at = now()
		 WHERE id = $2 AND provisioning_status = $3`,
		model.ProvisioningInProgress, in.ID, in.ProvisioningStatus)
	if err != nil {
		return fmt.Errorf("authorize provisioning for instance %s: %w", in.ID, err)
	}
	if tag.RowsAffected() == 0 {
		// Lost the race against another authorizing event.
		return nil
	}

	_, err = s.tc.ExecuteWorkflow(ctx, temporalclient.StartWorkflowOptions{
		ID:        fmt.Sprintf("provision-instance-%s", in.ID),
		TaskQueue: taskQueue,
	}, "ProvisionInstanceWorkflow", in.ID)
	if err != nil {
		return fmt.Errorf("start ProvisionInstanceWorkflow: %w", err)
	}
	return nil
}
