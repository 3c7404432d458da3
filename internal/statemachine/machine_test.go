package statemachine

import (
	"context"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pushpay-service/internal/memstore"
	"pushpay-service/internal/model"
)

type recordingEmitter struct {
	mu     sync.Mutex
	events []model.SettlementEvent
	err    error
}

func (e *recordingEmitter) Emit(_ context.Context, event model.SettlementEvent) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.events = append(e.events, event)
	return e.err
}

func (e *recordingEmitter) count() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.events)
}

func setup(t *testing.T, tx *model.Transaction) (*Machine, *memstore.TransactionStore, *recordingEmitter) {
	t.Helper()
	store := memstore.NewTransactionStore()
	require.NoError(t, store.Create(context.Background(), tx))
	emitter := &recordingEmitter{}
	clock := clockwork.NewFakeClockAt(time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC))
	return New(store, emitter, clock, slog.Default()), store, emitter
}

func pendingQR(ref string) *model.Transaction {
	return &model.Transaction{
		LocalReference:       ref,
		NetworkReference:     "net-" + ref,
		MerchantSerialNumber: "123456",
		AmountMinorUnits:     10000,
		Currency:             "NOK",
		LocalState:           model.StatePending,
		Flow:                 model.FlowCustomerQR,
		ManualVerification:   model.VerificationNone,
	}
}

func webhook(remote model.RemoteState, eventID string) Event {
	return Event{Source: SourceWebhook, RemoteState: remote, EventID: eventID}
}

func TestMachine_HappyPathQR(t *testing.T) {
	ctx := context.Background()
	machine, store, emitter := setup(t, pendingQR("order-1"))

	for _, ev := range []Event{
		webhook(model.RemoteCreated, "evt-1"),
		webhook(model.RemoteAuthorized, "evt-2"),
		webhook(model.RemoteCaptured, "evt-3"),
	} {
		_, err := machine.Apply(ctx, "order-1", ev)
		require.NoError(t, err)
	}

	tx, err := store.Get(ctx, "order-1")
	require.NoError(t, err)
	assert.Equal(t, model.StateDone, tx.LocalState)
	assert.Equal(t, model.RemoteCaptured, tx.RemoteState)
	assert.Equal(t, int64(3), tx.Version)
	assert.Len(t, tx.ProcessedEventIDs, 3)

	require.Equal(t, 1, emitter.count())
	settlement := emitter.events[0]
	assert.Equal(t, "order-1", settlement.LocalReference)
	assert.Equal(t, int64(10000), settlement.AmountMinorUnits)
	assert.Equal(t, "NOK", settlement.Currency)
	assert.Equal(t, model.StateDone, settlement.LocalState)
}

func TestMachine_ReorderingReachesDone(t *testing.T) {
	permutations := [][]model.RemoteState{
		{model.RemoteCreated, model.RemoteAuthorized, model.RemoteCaptured},
		{model.RemoteCreated, model.RemoteCaptured, model.RemoteAuthorized},
		{model.RemoteAuthorized, model.RemoteCreated, model.RemoteCaptured},
		{model.RemoteAuthorized, model.RemoteCaptured, model.RemoteCreated},
		{model.RemoteCaptured, model.RemoteCreated, model.RemoteAuthorized},
		{model.RemoteCaptured, model.RemoteAuthorized, model.RemoteCreated},
	}

	for _, order := range permutations {
		t.Run(string(order[0])+"-"+string(order[1])+"-"+string(order[2]), func(t *testing.T) {
			ctx := context.Background()
			machine, store, emitter := setup(t, pendingQR("order-1"))

			for i, remote := range order {
				_, err := machine.Apply(ctx, "order-1", webhook(remote, string(rune('a'+i))))
				require.NoError(t, err)
			}

			tx, err := store.Get(ctx, "order-1")
			require.NoError(t, err)
			assert.Equal(t, model.StateDone, tx.LocalState)
			assert.Equal(t, 1, emitter.count())
		})
	}
}

func TestMachine_DuplicateEventIsNoop(t *testing.T) {
	ctx := context.Background()
	machine, store, _ := setup(t, pendingQR("order-1"))

	first, err := machine.Apply(ctx, "order-1", webhook(model.RemoteAuthorized, "evt-1"))
	require.NoError(t, err)
	assert.False(t, first.Duplicate)
	assert.True(t, first.Changed())

	second, err := machine.Apply(ctx, "order-1", webhook(model.RemoteAuthorized, "evt-1"))
	require.NoError(t, err)
	assert.True(t, second.Duplicate)
	assert.False(t, second.Changed())

	tx, err := store.Get(ctx, "order-1")
	require.NoError(t, err)
	assert.Equal(t, int64(1), tx.Version)
}

func TestMachine_UnknownRemoteStateIsRecorded(t *testing.T) {
	ctx := context.Background()
	machine, store, _ := setup(t, pendingQR("order-1"))

	result, err := machine.Apply(ctx, "order-1", webhook("RESERVED", "evt-1"))
	require.NoError(t, err)
	assert.Equal(t, OutcomeUnknownState, result.Outcome)

	tx, err := store.Get(ctx, "order-1")
	require.NoError(t, err)
	assert.Equal(t, model.StatePending, tx.LocalState)
	assert.Equal(t, model.RemoteState("RESERVED"), tx.RemoteState)
}

func TestMachine_CancelReason(t *testing.T) {
	ctx := context.Background()
	machine, store, emitter := setup(t, pendingQR("order-1"))

	_, err := machine.Apply(ctx, "order-1", Event{Source: SourcePoll, RemoteState: model.RemoteCancelled, CancelReason: model.CancelReasonTimeout})
	require.NoError(t, err)

	tx, err := store.Get(ctx, "order-1")
	require.NoError(t, err)
	assert.Equal(t, model.StateCancelled, tx.LocalState)
	assert.Equal(t, model.CancelReasonTimeout, tx.CancelReason)
	assert.NotNil(t, tx.LastStatusCheckedAt)
	require.Equal(t, 1, emitter.count())
	assert.Equal(t, "timeout", emitter.events[0].CancelReason)

	machine, store, _ = setup(t, pendingQR("order-2"))
	_, err = machine.Apply(ctx, "order-2", webhook(model.RemoteExpired, "evt-1"))
	require.NoError(t, err)
	tx, err = store.Get(ctx, "order-2")
	require.NoError(t, err)
	assert.Equal(t, model.CancelReasonNetwork, tx.CancelReason)
}

func TestMachine_FillsNetworkReference(t *testing.T) {
	ctx := context.Background()
	pending := pendingQR("order-1")
	pending.NetworkReference = ""
	machine, store, _ := setup(t, pending)

	_, err := machine.Apply(ctx, "order-1", Event{Source: SourceWebhook, RemoteState: model.RemoteCreated, NetworkReference: "psp-1"})
	require.NoError(t, err)
	_, err = machine.Apply(ctx, "order-1", Event{Source: SourceWebhook, RemoteState: model.RemoteAuthorized, NetworkReference: "psp-2"})
	require.NoError(t, err)

	tx, err := store.Get(ctx, "order-1")
	require.NoError(t, err)
	assert.Equal(t, "psp-1", tx.NetworkReference)
}

func manualPending(ref string) *model.Transaction {
	tx := pendingQR(ref)
	tx.Flow = model.FlowManualShopNumber
	tx.ManualVerification = model.VerificationPending
	return tx
}

func TestMachine_ManualPendingRefusesWebhookCompletion(t *testing.T) {
	ctx := context.Background()
	machine, store, emitter := setup(t, manualPending("order-1"))

	result, err := machine.Apply(ctx, "order-1", webhook(model.RemoteCaptured, "evt-1"))
	require.NoError(t, err)
	assert.True(t, result.Refused)
	assert.Equal(t, OutcomeIgnored, result.Outcome)

	tx, err := store.Get(ctx, "order-1")
	require.NoError(t, err)
	assert.Equal(t, model.StatePending, tx.LocalState)
	assert.Equal(t, model.RemoteCaptured, tx.RemoteState)
	assert.Equal(t, model.VerificationPending, tx.ManualVerification)
	assert.Equal(t, 0, emitter.count())

	_, err = machine.Apply(ctx, "order-1", Event{Source: SourcePoll, RemoteState: model.RemoteCaptured})
	require.NoError(t, err)

	tx, err = store.Get(ctx, "order-1")
	require.NoError(t, err)
	assert.Equal(t, model.StateDone, tx.LocalState)
	assert.Equal(t, model.VerificationVerified, tx.ManualVerification)
	assert.Equal(t, 1, emitter.count())
}

func TestMachine_ManualVerification(t *testing.T) {
	ctx := context.Background()

	t.Run("verified authorizes", func(t *testing.T) {
		machine, store, _ := setup(t, manualPending("order-1"))
		_, err := machine.Apply(ctx, "order-1", Event{Source: SourceManual, RemoteState: model.RemoteAuthorized, Verification: model.VerificationVerified})
		require.NoError(t, err)

		tx, err := store.Get(ctx, "order-1")
		require.NoError(t, err)
		assert.Equal(t, model.StateAuthorized, tx.LocalState)
		assert.Equal(t, model.VerificationVerified, tx.ManualVerification)
	})

	t.Run("failed cancels", func(t *testing.T) {
		machine, store, emitter := setup(t, manualPending("order-1"))
		_, err := machine.Apply(ctx, "order-1", Event{Source: SourceManual, RemoteState: model.RemoteCancelled,
			Verification: model.VerificationFailed, CancelReason: model.CancelReasonOperator})
		require.NoError(t, err)

		tx, err := store.Get(ctx, "order-1")
		require.NoError(t, err)
		assert.Equal(t, model.StateCancelled, tx.LocalState)
		assert.Equal(t, model.VerificationFailed, tx.ManualVerification)
		assert.Equal(t, model.CancelReasonOperator, tx.CancelReason)
		assert.Equal(t, 1, emitter.count())
	})

	t.Run("not pending", func(t *testing.T) {
		machine, _, _ := setup(t, pendingQR("order-1"))
		_, err := machine.Apply(ctx, "order-1", Event{Source: SourceManual, RemoteState: model.RemoteAuthorized, Verification: model.VerificationVerified})
		assert.True(t, errors.Is(err, ErrVerificationNotPending))
	})

	t.Run("terminal is a no-op", func(t *testing.T) {
		tx := manualPending("order-1")
		tx.LocalState = model.StateCancelled
		machine, store, _ := setup(t, tx)

		result, err := machine.Apply(ctx, "order-1", Event{Source: SourceManual, RemoteState: model.RemoteAuthorized, Verification: model.VerificationVerified})
		require.NoError(t, err)
		assert.False(t, result.Changed())

		stored, err := store.Get(ctx, "order-1")
		require.NoError(t, err)
		assert.Equal(t, model.StateCancelled, stored.LocalState)
		assert.Equal(t, model.VerificationPending, stored.ManualVerification)
		assert.Equal(t, int64(0), stored.Version)
	})
}

func TestMachine_TerminalHooksAndEmitFailure(t *testing.T) {
	ctx := context.Background()
	machine, store, emitter := setup(t, pendingQR("order-1"))
	emitter.err = errors.New("broker unavailable")

	var hooked []string
	machine.OnTerminal(func(_ context.Context, tx *model.Transaction) {
		hooked = append(hooked, tx.LocalReference)
	})

	_, err := machine.Apply(ctx, "order-1", webhook(model.RemoteFailed, "evt-1"))
	require.NoError(t, err)
	_, err = machine.Apply(ctx, "order-1", webhook(model.RemoteCancelled, "evt-2"))
	require.NoError(t, err)

	tx, err := store.Get(ctx, "order-1")
	require.NoError(t, err)
	assert.Equal(t, model.StateError, tx.LocalState)
	assert.Equal(t, []string{"order-1"}, hooked)
	assert.Equal(t, 1, emitter.count())
}

func TestMachine_NotFound(t *testing.T) {
	machine, _, _ := setup(t, pendingQR("order-1"))
	_, err := machine.Apply(context.Background(), "missing", webhook(model.RemoteCreated, "evt-1"))
	assert.True(t, errors.Is(err, model.ErrTransactionNotFound))
}
