// Package credits connects the wizard's entitlement checks to the store: balance
// reads, atomic debits, and durable refunds for submissions that failed after a debit.
package credits

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/traumfunke/storyflow/internal/models"
	"github.com/traumfunke/storyflow/internal/store"
	"github.com/traumfunke/storyflow/internal/wizard"
)

// Ledger is the part of store.Backend that holds balances.
type Ledger interface {
	GetBalance(userID string) (models.Balance, error)
	DebitCredits(userID string, amount int) (models.DebitResult, error)
	GrantCredits(userID string, amount int) error
	store.GrantRepo
}

// Gateway implements wizard.EntitlementGateway over a Ledger.
type Gateway struct {
	ledger Ledger
}

var _ wizard.EntitlementGateway = (*Gateway)(nil)

// NewGateway creates a Gateway.
func NewGateway(ledger Ledger) *Gateway {
	return &Gateway{ledger: ledger}
}

func (g *Gateway) GetBalance(ctx context.Context, userID string) (models.Balance, error) {
	if err := ctx.Err(); err != nil {
		return models.Balance{}, err
	}
	return g.ledger.GetBalance(userID)
}

func (g *Gateway) Debit(ctx context.Context, userID string, amount int) (models.DebitResult, error) {
	if err := ctx.Err(); err != nil {
		return models.DebitResult{}, err
	}
	res, err := g.ledger.DebitCredits(userID, amount)
	if err != nil {
		return models.DebitResult{}, err
	}
	if !res.OK {
		slog.Warn("Gateway.Debit: refused", "userID", userID, "amount", amount)
	}
	return res, nil
}

// RefundPayload is the JSON payload of refund_credits jobs.
type RefundPayload struct {
	UserID         string `json:"user_id"`
	Amount         int    `json:"amount"`
	IdempotencyKey string `json:"idempotency_key"`
	Reason         string `json:"reason,omitempty"`
}

// Compensator schedules refunds as durable jobs. It implements wizard.Compensator.
type Compensator struct {
	jobs store.JobRepo
	now  func() time.Time
}

var _ wizard.Compensator = (*Compensator)(nil)

// NewCompensator creates a Compensator that enqueues onto jobs.
func NewCompensator(jobs store.JobRepo) *Compensator {
	return &Compensator{jobs: jobs, now: time.Now}
}

// ScheduleRefund enqueues one refund per idempotency key; repeated calls return the same job.
func (c *Compensator) ScheduleRefund(ctx context.Context, userID string, amount int, idempotencyKey string, cause error) (string, error) {
	if amount <= 0 {
		return "", fmt.Errorf("refund amount must be positive, got %d", amount)
	}
	p := RefundPayload{UserID: userID, Amount: amount, IdempotencyKey: idempotencyKey}
	if cause != nil {
		p.Reason = cause.Error()
	}
	data, err := json.Marshal(p)
	if err != nil {
		return "", fmt.Errorf("marshal refund payload: %w", err)
	}
	id, err := c.jobs.EnqueueJob(store.JobKindRefundCredits, c.now(), string(data), RefundGrantID(idempotencyKey))
	if err != nil {
		slog.Error("Compensator.ScheduleRefund: enqueue failed", "error", err, "userID", userID, "amount", amount)
		return "", err
	}
	slog.Info("Compensator.ScheduleRefund: refund scheduled", "jobID", id, "userID", userID, "amount", amount)
	return id, nil
}

// RefundGrantID is the ledger grant id of the refund for an idempotency key. A job
// that runs more than once applies the refund only once.
func RefundGrantID(idempotencyKey string) string {
	return "refund:" + idempotencyKey
}

// RefundHandler returns the job handler that grants refunded credits back.
func RefundHandler(ledger Ledger) store.JobHandler {
	return func(ctx context.Context, payload string) error {
		var p RefundPayload
		if err := json.Unmarshal([]byte(payload), &p); err != nil {
			return fmt.Errorf("invalid refund_credits payload: %w", err)
		}
		if p.UserID == "" || p.Amount <= 0 {
			slog.Warn("JobHandler.refund_credits: dropping malformed refund", "payload", payload)
			return nil
		}
		slog.Info("JobHandler.refund_credits: executing", "userID", p.UserID, "amount", p.Amount, "key", p.IdempotencyKey)
		if p.IdempotencyKey == "" {
			slog.Warn("JobHandler.refund_credits: refund without idempotency key is not deduplicated", "userID", p.UserID)
			return ledger.GrantCredits(p.UserID, p.Amount)
		}
		applied, err := ledger.ApplyGrant(store.Grant{ID: RefundGrantID(p.IdempotencyKey), UserID: p.UserID, Credits: p.Amount})
		if err != nil {
			return err
		}
		if !applied {
			slog.Info("JobHandler.refund_credits: refund already applied", "userID", p.UserID, "key", p.IdempotencyKey)
		}
		return nil
	}
}
