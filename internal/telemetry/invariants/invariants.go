package invariants

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync/atomic"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

const (
	// InvariantStateTransitionLegal requires connection lifecycle transitions to follow the deterministic state machine.
	InvariantStateTransitionLegal = "state_transition_legal"
	// InvariantSingleConnection requires at most one live server subprocess per supervisor.
	InvariantSingleConnection = "single_connection"
	// InvariantSessionReleased requires sessions to be released through explicit cleanup, not garbage collection.
	InvariantSessionReleased = "session_released"
	// InvariantRecoveryProduced requires the result pipeline to always produce a structured result.
	InvariantRecoveryProduced = "recovery_produced"
	// InvariantCleanupIdempotent requires repeated cleanup calls to remain safe.
	InvariantCleanupIdempotent = "cleanup_idempotent"
)

const (
	// SeverityWarn is used for non-fatal invariant violations.
	SeverityWarn = "warn"
	// SeverityError is used for fatal invariant violations.
	SeverityError = "error"
)

var invariantChecksEnabled atomic.Bool

func init() {
	invariantChecksEnabled.Store(true)
}

// ViolationDetails captures invariant violation context for telemetry events.
type ViolationDetails struct {
	WhatInvariant string
	WhereDetected string
	WhyViolated   string
	StackTrace    string
	Additional    map[string]string
}

// SetEnabled globally enables or disables invariant checks.
func SetEnabled(enabled bool) {
	invariantChecksEnabled.Store(enabled)
}

// Enabled reports whether invariant checks are currently enabled.
func Enabled() bool {
	return invariantChecksEnabled.Load()
}

// InvariantViolation emits an invariant.violation telemetry event on the active span.
// If the context has no active span, a short synthetic span is created for observability.
func InvariantViolation(
	ctx context.Context,
	invariantName string,
	severity string,
	details ViolationDetails,
) {
	if !Enabled() {
		return
	}
	if ctx == nil {
		ctx = context.Background()
	}

	invariantName = strings.TrimSpace(invariantName)
	if invariantName == "" {
		invariantName = "unknown_invariant"
	}
	severity = normalizeSeverity(severity)

	attrs := []attribute.KeyValue{
		attribute.String("invariant_name", invariantName),
		attribute.String("severity", severity),
		attribute.String("what_invariant", strings.TrimSpace(details.WhatInvariant)),
		attribute.String("where_detected", strings.TrimSpace(details.WhereDetected)),
		attribute.String("why_violated", strings.TrimSpace(details.WhyViolated)),
	}
	if stack := strings.TrimSpace(details.StackTrace); stack != "" {
		attrs = append(attrs, attribute.String("stack_trace", stack))
	}

	if len(details.Additional) > 0 {
		keys := make([]string, 0, len(details.Additional))
		for key := range details.Additional {
			keys = append(keys, key)
		}
		sort.Strings(keys)
		for _, key := range keys {
			value := strings.TrimSpace(details.Additional[key])
			if value == "" {
				continue
			}
			attrs = append(attrs, attribute.String("context."+key, value))
		}
	}

	span := trace.SpanFromContext(ctx)
	if span != nil && span.SpanContext().IsValid() {
		span.AddEvent("invariant.violation", trace.WithAttributes(attrs...))
		return
	}

	tracedCtx, temporarySpan := otel.Tracer("graphbridge/invariants").Start(ctx, "invariant.violation")
	defer temporarySpan.End()
	temporarySpan.AddEvent("invariant.violation", trace.WithAttributes(attrs...))
	_ = tracedCtx
}

// CheckStateTransitionLegal validates the state_transition_legal invariant.
func CheckStateTransitionLegal(
	ctx context.Context,
	whereDetected string,
	entityType string,
	fromState string,
	toState string,
	legal bool,
) bool {
	if legal {
		return true
	}
	InvariantViolation(ctx, InvariantStateTransitionLegal, SeverityError, ViolationDetails{
		WhatInvariant: "state machine transition is legal",
		WhereDetected: whereDetected,
		WhyViolated:   fmt.Sprintf("illegal transition for entity=%s from=%s to=%s", entityType, fromState, toState),
		Additional: map[string]string{
			"entity_type": strings.TrimSpace(entityType),
			"from_state":  strings.TrimSpace(fromState),
			"to_state":    strings.TrimSpace(toState),
		},
	})
	return false
}

// CheckSingleConnection validates the single_connection invariant.
func CheckSingleConnection(ctx context.Context, whereDetected string, liveConnections int) bool {
	if liveConnections <= 1 {
		return true
	}
	InvariantViolation(ctx, InvariantSingleConnection, SeverityError, ViolationDetails{
		WhatInvariant: "at most one live server subprocess per supervisor",
		WhereDetected: whereDetected,
		WhyViolated:   fmt.Sprintf("live_connections=%d exceeds 1", liveConnections),
		Additional: map[string]string{
			"live_connections": fmt.Sprintf("%d", liveConnections),
		},
	})
	return false
}

// CheckSessionReleased validates the session_released invariant.
func CheckSessionReleased(ctx context.Context, whereDetected string, released bool) bool {
	if released {
		return true
	}
	InvariantViolation(ctx, InvariantSessionReleased, SeverityWarn, ViolationDetails{
		WhatInvariant: "sessions are released by explicit cleanup before collection",
		WhereDetected: whereDetected,
		WhyViolated:   "live session reached the garbage collector without cleanup",
	})
	return false
}

// CheckRecoveryProduced validates the recovery_produced invariant.
func CheckRecoveryProduced(ctx context.Context, whereDetected string, produced bool, why string) bool {
	if produced {
		return true
	}
	InvariantViolation(ctx, InvariantRecoveryProduced, SeverityError, ViolationDetails{
		WhatInvariant: "result pipeline always yields a structured result",
		WhereDetected: whereDetected,
		WhyViolated:   firstNonEmpty(why, "pipeline returned no result"),
	})
	return false
}

// CheckCleanupIdempotent validates the cleanup_idempotent invariant.
func CheckCleanupIdempotent(ctx context.Context, whereDetected string, safe bool, why string) bool {
	if safe {
		return true
	}
	InvariantViolation(ctx, InvariantCleanupIdempotent, SeverityWarn, ViolationDetails{
		WhatInvariant: "repeated cleanup calls are safe no-ops",
		WhereDetected: whereDetected,
		WhyViolated:   firstNonEmpty(why, "cleanup attempted work on released handles"),
	})
	return false
}

func normalizeSeverity(value string) string {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case SeverityWarn:
		return SeverityWarn
	case SeverityError:
		return SeverityError
	default:
		return SeverityError
	}
}

func firstNonEmpty(values ...string) string {
	for _, value := range values {
		if trimmed := strings.TrimSpace(value); trimmed != "" {
			return trimmed
		}
	}
	return ""
}
