package state

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/docresearch/graphbridge/internal/events"
	"github.com/docresearch/graphbridge/internal/telemetry/invariants"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// ConnectionState is one phase of the knowledge-server connection lifecycle.
type ConnectionState string

const (
	// StateAbsent means no live connection handle exists.
	StateAbsent ConnectionState = "absent"
	// StateConnecting means a connect attempt holds the in-flight marker.
	StateConnecting ConnectionState = "connecting"
	// StateReady means a verified session is available for reuse.
	StateReady ConnectionState = "ready"
)

var allowedTransitions = map[ConnectionState]map[ConnectionState]struct{}{
	StateAbsent: {
		StateConnecting: {},
	},
	StateConnecting: {
		StateReady:  {},
		StateAbsent: {},
	},
	StateReady: {
		StateAbsent: {},
	},
}

// Recorder receives successful transition records, typically for event publication.
type Recorder interface {
	RecordTransition(record TransitionRecord) error
}

// Option configures Machine construction.
type Option func(*Machine)

// WithTracer configures the tracer used for state transition spans.
func WithTracer(tracer trace.Tracer) Option {
	return func(machine *Machine) {
		if tracer == nil {
			return
		}
		machine.tracer = tracer
	}
}

// TransitionRecord stores transition metadata for local history.
type TransitionRecord struct {
	ConnectionID string
	FromState    ConnectionState
	ToState      ConnectionState
	Reason       string
	Timestamp    time.Time
}

// IllegalTransitionError is returned for a disallowed transition.
type IllegalTransitionError struct {
	ConnectionID string
	FromState    ConnectionState
	ToState      ConnectionState
	Reason       string
}

func (e *IllegalTransitionError) Error() string {
	reason := strings.TrimSpace(e.Reason)
	if reason == "" {
		reason = "illegal transition for connection lifecycle"
	}
	return fmt.Sprintf(
		"cannot transition connection %q from %q to %q: %s",
		e.ConnectionID,
		e.FromState,
		e.ToState,
		reason,
	)
}

// Is enables errors.Is checks for illegal transition failures.
func (e *IllegalTransitionError) Is(target error) bool {
	_, ok := target.(*IllegalTransitionError)
	return ok
}

// Machine validates and records deterministic connection lifecycle transitions.
type Machine struct {
	recorder Recorder
	tracer   trace.Tracer
	now      func() time.Time

	mu      sync.Mutex
	current map[string]ConnectionState
	history []TransitionRecord
}

// NewMachine builds a deterministic connection state machine.
func NewMachine(recorder Recorder, options ...Option) (*Machine, error) {
	if recorder == nil {
		return nil, errors.New("recorder is required")
	}

	machine := &Machine{
		recorder: recorder,
		tracer:   otel.Tracer("graphbridge/state"),
		now:      time.Now,
		current:  map[string]ConnectionState{},
		history:  []TransitionRecord{},
	}
	for _, option := range options {
		if option == nil {
			continue
		}
		option(machine)
	}
	if machine.tracer == nil {
		machine.tracer = otel.Tracer("graphbridge/state")
	}

	return machine, nil
}

// Transition validates and records one connection lifecycle transition.
func (m *Machine) Transition(ctx context.Context, connectionID string, fromState, toState ConnectionState, reason string) error {
	if m == nil {
		return errors.New("machine is nil")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	started := time.Now()
	normalizedReason := strings.TrimSpace(reason)

	ctx, span := m.tracer.Start(ctx, "state.transition")
	defer func() {
		span.SetAttributes(attribute.Int64("duration_ms", time.Since(started).Milliseconds()))
		span.End()
	}()

	connectionID = strings.TrimSpace(connectionID)
	span.SetAttributes(
		attribute.String("connection_id", connectionID),
		attribute.String("from_state", string(fromState)),
		attribute.String("to_state", string(toState)),
		attribute.String("reason", normalizedReason),
	)

	if connectionID == "" {
		err := errors.New("connection id must not be empty")
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}
	if fromState == "" || toState == "" {
		err := errors.New("from and to states must not be empty")
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}

	if !IsLegal(fromState, toState) {
		invariants.CheckStateTransitionLegal(
			ctx,
			"state.machine.transition",
			"connection",
			string(fromState),
			string(toState),
			false,
		)
		err := &IllegalTransitionError{
			ConnectionID: connectionID,
			FromState:    fromState,
			ToState:      toState,
			Reason:       "illegal transition for connection lifecycle",
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}

	timestamp := m.now().UTC()
	record := TransitionRecord{
		ConnectionID: connectionID,
		FromState:    fromState,
		ToState:      toState,
		Reason:       normalizedReason,
		Timestamp:    timestamp,
	}

	if err := m.recorder.RecordTransition(record); err != nil {
		wrapped := fmt.Errorf("record state transition for %s: %w", connectionID, err)
		span.RecordError(wrapped)
		span.SetStatus(codes.Error, wrapped.Error())
		return wrapped
	}

	m.mu.Lock()
	m.current[connectionID] = toState
	m.history = append(m.history, record)
	m.mu.Unlock()
	span.SetStatus(codes.Ok, "state transition recorded")

	_ = ctx
	return nil
}

// Current returns the last recorded state for a connection, defaulting to absent.
func (m *Machine) Current(connectionID string) ConnectionState {
	if m == nil {
		return StateAbsent
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if current, ok := m.current[strings.TrimSpace(connectionID)]; ok {
		return current
	}
	return StateAbsent
}

// History returns transition records captured by this machine.
func (m *Machine) History() []TransitionRecord {
	if m == nil {
		return nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]TransitionRecord, len(m.history))
	copy(out, m.history)
	return out
}

// IsLegal reports whether a lifecycle transition is allowed.
func IsLegal(fromState, toState ConnectionState) bool {
	nextStates, ok := allowedTransitions[fromState]
	if !ok {
		return false
	}
	_, ok = nextStates[toState]
	return ok
}

// BusRecorder publishes transition records as state transition events.
type BusRecorder struct {
	Bus events.Bus
}

// RecordTransition publishes one StateTransition event.
func (r *BusRecorder) RecordTransition(record TransitionRecord) error {
	if r == nil || r.Bus == nil {
		return errors.New("event bus is required")
	}
	r.Bus.Publish(events.Event{
		Type:       events.EventTypeStateTransition,
		Timestamp:  record.Timestamp,
		EntityType: "connection",
		EntityID:   record.ConnectionID,
		Payload: map[string]string{
			"from":   string(record.FromState),
			"to":     string(record.ToState),
			"reason": record.Reason,
		},
		Severity: events.SeverityInfo,
	})
	return nil
}

var _ Recorder = (*BusRecorder)(nil)
