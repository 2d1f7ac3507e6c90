// Package guards enforces the runtime invariants that protect the audit
// trail. A guard violation is not a recoverable error: it panics with a
// *Violation, and nothing in the engine recovers it. The process halts
// rather than persist corrupt reasoning output.
package guards

import (
	"fmt"
	"log/slog"
)

// Violation is a fatal invariant breach.
type Violation struct {
	Kind    string
	Subject string
	Detail  string
}

func (v *Violation) Error() string {
	return fmt.Sprintf("guard violation %s on %s: %s", v.Kind, v.Subject, v.Detail)
}

// Guard violation kinds.
const (
	KindEvidenceRequired      = "EvidenceRequired"
	KindAgentCannotEmitEvents = "AgentCannotEmitEvents"
	KindIsolationViolation    = "IsolationViolation"
	KindEventMustBeRawFact    = "EventMustBeRawFact"
)

// Fail logs the violation and halts via panic. It never returns.
func Fail(kind, subject, detail string) {
	v := &Violation{Kind: kind, Subject: subject, Detail: detail}
	slog.Error("fatal guard violation", "kind", kind, "subject", subject, "detail", detail)
	panic(v)
}

// RequireEvidence halts unless ids is non-empty and every ID is
// non-blank.
func RequireEvidence(subject string, ids []string) {
	if len(ids) == 0 {
		Fail(KindEvidenceRequired, subject, "finding carries no evidence")
	}
	for _, id := range ids {
		if id == "" {
			Fail(KindEvidenceRequired, subject, "finding carries a blank evidence id")
		}
	}
}

// RejectSeverityOnIngest halts when a raw event arrives already carrying
// a severity judgment. Events are facts; severity is computed later.
func RejectSeverityOnIngest(eventID string, metadata map[string]interface{}) {
	if metadata == nil {
		return
	}
	if _, ok := metadata["severity"]; ok {
		Fail(KindEventMustBeRawFact, eventID, "ingested event carries a severity field")
	}
}
