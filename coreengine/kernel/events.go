package kernel

import (
	"context"

	"github.com/jeeves-cluster-organization/leadflow/commbus"
	"github.com/jeeves-cluster-organization/leadflow/coreengine/envelope"
	"github.com/jeeves-cluster-organization/leadflow/coreengine/routing"
)

// eventBuffer collects routing events while the pipeline runs. They are
// published only after the turn commits, so an aborted turn emits nothing.
type eventBuffer struct {
	events []commbus.Message
}

func (b *eventBuffer) OnHandoff(env *envelope.TurnEnvelope, from, to, reason string) {
	if from == "" {
		return
	}
	b.events = append(b.events, &commbus.RoleHandoff{
		SessionID: env.SessionID,
		TurnID:    env.TurnID,
		From:      from,
		To:        to,
		Reason:    reason,
	})
}

func (b *eventBuffer) OnEscalation(env *envelope.TurnEnvelope, req routing.EscalationRequest, d routing.Directive) {
	if !d.Rejected {
		return
	}
	b.events = append(b.events, &commbus.EscalationRejected{
		SessionID:    env.SessionID,
		TurnID:       env.TurnID,
		From:         req.From,
		Reason:       string(req.Reason),
		AttemptCount: env.State.Escalation.AttemptCount,
	})
}

// publishTurn emits the events of a committed turn in order: stage change,
// routing events, manual follow-up, and finally TurnCompleted.
func (o *Orchestrator) publishTurn(ctx context.Context, env *envelope.TurnEnvelope, buf *eventBuffer, out *Outcome) {
	if o.bus == nil {
		return
	}

	if env.IsLive() && env.PreviousStage != env.State.Stage {
		o.publish(ctx, &commbus.StageTransition{
			SessionID: env.SessionID,
			TurnID:    env.TurnID,
			FromStage: string(env.PreviousStage),
			ToStage:   string(env.State.Stage),
		})
	}
	for _, ev := range buf.events {
		o.publish(ctx, ev)
	}
	if out.Flagged() {
		reason := string(out.TerminalReason)
		if !out.TerminalReason.IsFlagged() {
			reason = "delivery_failed"
		}
		o.publish(ctx, &commbus.ManualFollowUpRequired{
			SessionID: env.SessionID,
			TurnID:    env.TurnID,
			Role:      out.Role,
			Reason:    reason,
		})
	}
	o.publish(ctx, &commbus.TurnCompleted{
		SessionID:         out.SessionID,
		TurnID:            out.TurnID,
		Provenance:        string(out.Provenance),
		Role:              out.Role,
		Stage:             string(out.Stage),
		Score:             out.Score,
		Outcome:           out.RoleOutcome,
		TerminalReason:    string(out.TerminalReason),
		BatchCount:        out.BatchCount,
		RoleHops:          out.RoleHops,
		EscalationLimited: out.EscalationLimited,
		ManualFollowUp:    out.ManualFollowUp,
		Delivered:         out.Delivered,
		DurationMS:        out.DurationMS,
	})
}

func (o *Orchestrator) publish(ctx context.Context, msg commbus.Message) {
	if o.bus == nil {
		return
	}
	if err := o.bus.Publish(ctx, msg); err != nil {
		o.logger.Warn("event_publish_failed",
			"message_type", commbus.GetMessageType(msg),
			"error", err.Error(),
		)
	}
}
