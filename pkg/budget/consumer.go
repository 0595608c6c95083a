package budget

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/caracal-sh/caracal/pkg/caracalerr"
	"github.com/caracal-sh/caracal/pkg/eventbus"
)

// Consumer folds metering.events into the legacy spend totals. It runs
// under its own consumer group, downstream of and independent from the
// ledger writer; falling behind here delays dashboards, never decisions.
type Consumer struct {
	recorder Recorder
}

func NewConsumer(recorder Recorder) *Consumer {
	return &Consumer{recorder: recorder}
}

// Handle implements the bus Handler contract for metering.events.
func (c *Consumer) Handle(ctx context.Context, msg eventbus.Message) error {
	var ev struct {
		PrincipalID         string  `json:"principal_id"`
		Cost                int64   `json:"cost"`
		Currency            string  `json:"currency"`
		ProvisionalChargeID string  `json:"provisional_charge_id"`
		ResourceType        string  `json:"resource_type"`
		Timestamp           time.Time `json:"timestamp"`
	}
	if err := json.Unmarshal(msg.Value, &ev); err != nil {
		return caracalerr.Validation("payload", fmt.Sprintf("malformed metering event: %v", err))
	}
	if ev.PrincipalID == "" {
		return caracalerr.Validation("principal_id", "metering event without principal")
	}

	if ev.ProvisionalChargeID != "" {
		// The real cost arrived for a reservation made at forward time.
		if err := c.recorder.ReconcileProvisionalCharge(ctx, ev.ProvisionalChargeID, ev.Cost); err == nil {
			return nil
		}
		// An unknown or already-reconciled charge falls through to a
		// plain spend record rather than losing the cost.
	}

	_, err := c.recorder.RecordSpend(ctx, ev.PrincipalID, Cost{
		Amount:   ev.Cost,
		Currency: ev.Currency,
		Reason:   ev.ResourceType,
	})
	if err != nil {
		return caracalerr.DependencyUnavailable("budget: spend record failed", err)
	}
	return nil
}
