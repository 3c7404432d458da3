package statemachine

import (
	"context"
	"log/slog"
	"sync"

	"github.com/VictoriaMetrics/metrics"
	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/pkg/errors"

	"pushpay-service/internal/logcontext"
	"pushpay-service/internal/model"
)

var ErrVerificationNotPending = errors.New("manual verification is not pending")

var (
	appliedCounter   = metrics.GetOrCreateCounter(`state_machine_events_total{result="applied"}`)
	ignoredCounter   = metrics.GetOrCreateCounter(`state_machine_events_total{result="ignored"}`)
	unknownCounter   = metrics.GetOrCreateCounter(`state_machine_events_total{result="unknown_state"}`)
	duplicateCounter = metrics.GetOrCreateCounter(`state_machine_events_total{result="duplicate"}`)
	refusedCounter   = metrics.GetOrCreateCounter(`state_machine_events_total{result="refused"}`)

	emitErrorCounter   = metrics.GetOrCreateCounter(`state_machine_settlements_total{result="emit_failed"}`)
	emitSuccessCounter = metrics.GetOrCreateCounter(`state_machine_settlements_total{result="emitted"}`)
)

// Source is the entry point an event arrived through.
type Source string

const (
	SourceWebhook Source = "webhook"
	SourcePoll    Source = "poll"
	SourceManual  Source = "manual"
	// SourceAPI is the synchronous answer to an outbound call.
	SourceAPI Source = "api"
	// SourceTimeout is a local decision; it never overwrites RemoteState.
	SourceTimeout Source = "timeout"
)

// Event is one observation of the network-side state of a transaction.
type Event struct {
	Source           Source
	RemoteState      model.RemoteState
	EventID          string
	NetworkReference string
	CancelReason     model.CancelReason
	// Verification is set by manual verification only.
	Verification model.ManualVerification
}

// Repository serialises mutations per transaction. fn runs while the
// transaction is locked; the result is persisted only when fn returns true.
type Repository interface {
	Get(ctx context.Context, localReference string) (*model.Transaction, error)
	Update(ctx context.Context, localReference string, fn func(tx *model.Transaction) (bool, error)) (*model.Transaction, error)
}

// Emitter publishes settlement events for downstream accounting.
type Emitter interface {
	Emit(ctx context.Context, event model.SettlementEvent) error
}

// TerminalHook is called once a transaction reaches DONE, CANCELLED or ERROR.
type TerminalHook func(ctx context.Context, tx *model.Transaction)

type Result struct {
	Previous    model.LocalState
	Current     model.LocalState
	Outcome     Outcome
	Duplicate   bool
	Refused     bool
	Transaction *model.Transaction
}

func (r Result) Changed() bool {
	return r.Previous != r.Current
}

// EnteredTerminal reports whether this event closed the transaction.
func (r Result) EnteredTerminal() bool {
	return !r.Previous.Terminal() && r.Current.Terminal()
}

type Machine struct {
	repo    Repository
	emitter Emitter
	clock   clockwork.Clock
	logger  *slog.Logger

	mu    sync.RWMutex
	hooks []TerminalHook
}

func New(repo Repository, emitter Emitter, clock clockwork.Clock, logger *slog.Logger) *Machine {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Machine{repo: repo, emitter: emitter, clock: clock, logger: logger}
}

func (m *Machine) OnTerminal(hook TerminalHook) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.hooks = append(m.hooks, hook)
}

// Apply runs ev through the transition table for the transaction identified
// by localReference.
func (m *Machine) Apply(ctx context.Context, localReference string, ev Event) (Result, error) {
	ctx = logcontext.AppendCtx(ctx, slog.String("reference", localReference))

	var result Result
	updated, err := m.repo.Update(ctx, localReference, func(tx *model.Transaction) (bool, error) {
		result = Result{Previous: tx.LocalState, Current: tx.LocalState}
		return m.apply(ctx, tx, ev, &result)
	})
	if err != nil {
		return Result{}, err
	}
	result.Transaction = updated

	m.record(ctx, ev, result)

	if result.EnteredTerminal() {
		m.settle(ctx, updated)
	}
	return result, nil
}

func (m *Machine) apply(ctx context.Context, tx *model.Transaction, ev Event, result *Result) (bool, error) {
	if ev.EventID != "" && tx.HasProcessed(ev.EventID) {
		result.Duplicate = true
		return false, nil
	}

	if ev.Source == SourceManual {
		if tx.LocalState.Terminal() {
			result.Refused = true
			return false, nil
		}
		if tx.ManualVerification != model.VerificationPending {
			return false, errors.Wrapf(ErrVerificationNotPending, "verification is %s", tx.ManualVerification)
		}
	}

	now := m.clock.Now()
	next, outcome := Transition(tx.LocalState, ev.RemoteState)
	result.Outcome = outcome

	if next == model.StateDone && tx.ManualVerification == model.VerificationPending && ev.Source == SourceWebhook {
		// only an operator or a corroborating poll may complete a manual payment
		result.Refused = true
		result.Outcome = OutcomeIgnored
		next = tx.LocalState
	}

	if ev.Source != SourceTimeout {
		tx.RemoteState = ev.RemoteState
	}
	if ev.EventID != "" {
		tx.MarkProcessed(ev.EventID)
	}
	if tx.NetworkReference == "" && ev.NetworkReference != "" {
		tx.NetworkReference = ev.NetworkReference
	}
	if ev.Source == SourcePoll {
		tx.LastStatusCheckedAt = &now
	}

	if tx.ManualVerification == model.VerificationPending && !result.Refused {
		switch {
		case ev.Source == SourceManual:
			tx.ManualVerification = ev.Verification
		case ev.Source == SourcePoll && (next == model.StateAuthorized || next == model.StateDone):
			tx.ManualVerification = model.VerificationVerified
		case ev.Source == SourceTimeout && next == model.StateCancelled:
			tx.ManualVerification = model.VerificationFailed
		}
	}

	if next == model.StateCancelled && next != tx.LocalState {
		tx.CancelReason = ev.CancelReason
		if tx.CancelReason == model.CancelReasonNone {
			tx.CancelReason = model.CancelReasonNetwork
		}
	}

	tx.LocalState = next
	tx.UpdatedAt = now
	tx.Version++
	result.Current = next

	m.logger.DebugContext(ctx, "Transition evaluated",
		"source", ev.Source, "remoteState", ev.RemoteState, "from", result.Previous, "to", next, "outcome", outcome)
	return true, nil
}

func (m *Machine) record(ctx context.Context, ev Event, result Result) {
	attrs := []any{"source", ev.Source, "remoteState", ev.RemoteState, "eventId", ev.EventID,
		"from", result.Previous, "to", result.Current}

	switch {
	case result.Duplicate:
		duplicateCounter.Inc()
		m.logger.InfoContext(ctx, "Event already applied, skipping", attrs...)
	case result.Refused:
		refusedCounter.Inc()
		m.logger.WarnContext(ctx, "Event refused for transaction state", attrs...)
	case result.Outcome == OutcomeUnknownState:
		unknownCounter.Inc()
		m.logger.WarnContext(ctx, "Unknown remote state recorded without transition", attrs...)
	case result.Outcome == OutcomeIgnored:
		ignoredCounter.Inc()
		m.logger.InfoContext(ctx, "Remote state does not apply to local state, ignored", attrs...)
	default:
		appliedCounter.Inc()
		m.logger.InfoContext(ctx, "Applied remote state", attrs...)
	}
}

func (m *Machine) settle(ctx context.Context, tx *model.Transaction) {
	event := model.SettlementEvent{
		ID:                   uuid.NewString(),
		LocalReference:       tx.LocalReference,
		NetworkReference:     tx.NetworkReference,
		MerchantSerialNumber: tx.MerchantSerialNumber,
		AmountMinorUnits:     tx.AmountMinorUnits,
		Currency:             tx.Currency,
		LocalState:           tx.LocalState,
		RemoteState:          tx.RemoteState,
		Flow:                 tx.Flow,
		CancelReason:         string(tx.CancelReason),
		OccurredAt:           m.clock.Now(),
	}

	if m.emitter != nil {
		if err := m.emitter.Emit(ctx, event); err != nil {
			emitErrorCounter.Inc()
			m.logger.ErrorContext(ctx, "Error emitting settlement event", "error", err, "localState", tx.LocalState)
		} else {
			emitSuccessCounter.Inc()
		}
	}

	m.mu.RLock()
	hooks := append([]TerminalHook(nil), m.hooks...)
	m.mu.RUnlock()

	for _, hook := range hooks {
		hook(ctx, tx)
	}
}

// Get returns the current snapshot of a transaction.
func (m *Machine) Get(ctx context.Context, localReference string) (*model.Transaction, error) {
	return m.repo.Get(ctx, localReference)
}
