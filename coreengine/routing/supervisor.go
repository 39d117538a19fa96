package routing

import (
	"context"
	"fmt"
	"time"

	"github.com/jeeves-cluster-organization/leadflow/coreengine/facts"
	"github.com/jeeves-cluster-organization/leadflow/coreengine/scoring"
	"github.com/jeeves-cluster-organization/leadflow/coreengine/stage"
)

const (
	DefaultMaxAttempts = 3

	engagementBandMax    = 4
	qualificationBandMax = 7
)

// Targets names the roles the supervisor routes to.
type Targets struct {
	Engagement    string `json:"engagement"`
	Qualification string `json:"qualification"`
	Closing       string `json:"closing"`
	Fallback      string `json:"fallback"`
}

// DefaultTargets returns the default role names.
func DefaultTargets() Targets {
	return Targets{
		Engagement:    "engagement",
		Qualification: "qualification",
		Closing:       "closing",
		Fallback:      "support",
	}
}

// Supervisor selects the active role for a turn. Route and Escalate are pure;
// Commit delegates persistence once per turn id.
type Supervisor struct {
	targets     Targets
	maxAttempts int
	scorer      *scoring.Scorer
	guard       *IdempotencyGuard
}

// NewSupervisor creates a Supervisor. maxAttempts <= 0 selects the default.
func NewSupervisor(targets Targets, maxAttempts int, scorer *scoring.Scorer) *Supervisor {
	if maxAttempts <= 0 {
		maxAttempts = DefaultMaxAttempts
	}
	if scorer == nil {
		scorer = scoring.NewScorer(0)
	}
	return &Supervisor{
		targets:     targets,
		maxAttempts: maxAttempts,
		scorer:      scorer,
		guard:       NewIdempotencyGuard(),
	}
}

// Targets returns the configured role names.
func (s *Supervisor) Targets() Targets { return s.targets }

// MaxAttempts returns the escalation cap.
func (s *Supervisor) MaxAttempts() int { return s.maxAttempts }

// Route picks the role for a turn from the score band and stage. Once the
// escalation cap is reached every route resolves to the fallback role.
func (s *Supervisor) Route(score int, st stage.Stage, fs facts.FactSet, esc EscalationContext) Directive {
	if esc.AttemptCount >= s.maxAttempts {
		return s.limitDirective(esc, ReasonEscalationLimit)
	}
	if st == stage.Escalating {
		return Directive{
			Target:       s.targets.Fallback,
			Reason:       ReasonStageEscalating,
			TaskSummary:  taskSummary(st, fs),
			AttemptCount: esc.AttemptCount,
		}
	}
	target, reason := s.bandTarget(score, fs)
	return Directive{
		Target:       target,
		Reason:       reason,
		TaskSummary:  taskSummary(st, fs),
		AttemptCount: esc.AttemptCount,
	}
}

// Escalate resolves a role's escalation request. It never routes back to the
// requesting role. An escalation arriving with the attempt count already at
// the cap is rejected, forced to the fallback role and made terminal; the
// count stays frozen.
func (s *Supervisor) Escalate(req EscalationRequest, score int, fs facts.FactSet, esc EscalationContext) (Directive, EscalationContext) {
	next := esc.Clone()
	if !req.Reason.Valid() {
		req.Reason = WrongAgent
	}

	if esc.AttemptCount >= s.maxAttempts {
		next.Limited = true
		next.History = append(next.History, EscalationRecord{
			From:      req.From,
			To:        s.targets.Fallback,
			Reason:    req.Reason,
			Accepted:  false,
			Timestamp: time.Now().UTC(),
		})
		d := s.limitDirective(next, ReasonEscalationRejected)
		d.Rejected = true
		d.Escalation = &req
		return d, next
	}

	target := s.preferredTarget(req.Reason, score, fs)
	if target == req.From {
		target = s.nextBest(req.From, score, fs)
	}

	next.AttemptCount++
	next.History = append(next.History, EscalationRecord{
		From:      req.From,
		To:        target,
		Reason:    req.Reason,
		Accepted:  true,
		Timestamp: time.Now().UTC(),
	})

	summary := req.Summary
	if summary == "" {
		summary = fmt.Sprintf("%s escalated: %s", req.From, req.Reason)
	}
	return Directive{
		Target:       target,
		Reason:       ReasonEscalated,
		TaskSummary:  summary,
		AttemptCount: next.AttemptCount,
		Escalation:   &req,
	}, next
}

// HopLimit returns the terminal directive used when a turn exceeds its role
// hop budget.
func (s *Supervisor) HopLimit(esc EscalationContext) Directive {
	return s.limitDirective(esc, ReasonHopLimit)
}

// Commit runs fn at most once per turn id. It reports whether fn ran; a
// failed fn may be retried with the same turn id.
func (s *Supervisor) Commit(ctx context.Context, turnID string, fn func(context.Context) error) (bool, error) {
	return s.guard.Once(ctx, turnID, fn)
}

// Committed reports whether turnID has been committed.
func (s *Supervisor) Committed(turnID string) bool {
	return s.guard.Done(turnID)
}

// PruneCommits drops commit records older than maxAge.
func (s *Supervisor) PruneCommits(maxAge time.Duration) int {
	return s.guard.Prune(maxAge)
}

// Qualified reports whether name, email and a budget at or above the
// threshold are all known.
func (s *Supervisor) Qualified(fs facts.FactSet) bool {
	return fs.Has(facts.KeyName) && fs.Has(facts.KeyEmail) && s.scorer.MeetsThreshold(fs)
}

func (s *Supervisor) limitDirective(esc EscalationContext, reason RouteReason) Directive {
	return Directive{
		Target:       s.targets.Fallback,
		Reason:       reason,
		TaskSummary:  "hand the conversation to the support team",
		AttemptCount: esc.AttemptCount,
		Terminal:     true,
	}
}

func (s *Supervisor) bandTarget(score int, fs facts.FactSet) (string, RouteReason) {
	switch {
	case score <= engagementBandMax:
		if fs.IsSpecificBusiness() && fs.Has(facts.KeyGoal) {
			return s.targets.Qualification, ReasonBusinessAndGoal
		}
		return s.targets.Engagement, ReasonScoreBand
	case score <= qualificationBandMax:
		return s.targets.Qualification, ReasonScoreBand
	case s.Qualified(fs):
		return s.targets.Closing, ReasonQualified
	default:
		return s.targets.Qualification, ReasonQualificationRequired
	}
}

func (s *Supervisor) preferredTarget(reason EscalationReason, score int, fs facts.FactSet) string {
	switch reason {
	case NeedsAppointment:
		if s.Qualified(fs) {
			return s.targets.Closing
		}
		return s.targets.Qualification
	case NeedsQualification:
		return s.targets.Qualification
	case NeedsSupport:
		return s.targets.Fallback
	case CustomerConfused:
		return s.targets.Engagement
	default:
		target, _ := s.bandTarget(score, fs)
		return target
	}
}

// nextBest returns the best candidate by score band other than from.
func (s *Supervisor) nextBest(from string, score int, fs facts.FactSet) string {
	band, _ := s.bandTarget(score, fs)
	candidates := []string{band}
	if score > qualificationBandMax && s.Qualified(fs) {
		candidates = append(candidates, s.targets.Closing)
	}
	if score > engagementBandMax {
		candidates = append(candidates, s.targets.Qualification, s.targets.Engagement)
	} else {
		candidates = append(candidates, s.targets.Engagement, s.targets.Qualification)
	}
	candidates = append(candidates, s.targets.Fallback)

	for _, c := range candidates {
		if c != "" && c != from {
			return c
		}
	}
	return s.targets.Fallback
}

func taskSummary(st stage.Stage, fs facts.FactSet) string {
	known := fs.Summary()
	if known == "" {
		known = "nothing yet"
	}
	return fmt.Sprintf("stage %s, next %s; known: %s", st, stage.NextActionFor(st), known)
}
