package manual

import (
	"context"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/VictoriaMetrics/metrics"
	"github.com/jonboulle/clockwork"
	"github.com/pkg/errors"

	"pushpay-service/internal/config"
	"pushpay-service/internal/logcontext"
	"pushpay-service/internal/model"
	"pushpay-service/internal/network"
	"pushpay-service/internal/statemachine"
)

var (
	ErrNotManualFlow       = errors.New("flow does not require manual verification")
	ErrManualFlowsDisabled = errors.New("manual flows are disabled for merchant")
)

var (
	timeoutCancelledCounter  = metrics.GetOrCreateCounter(`manual_timeouts_total{result="cancelled"}`)
	timeoutReconciledCounter = metrics.GetOrCreateCounter(`manual_timeouts_total{result="reconciled"}`)
	timeoutRescheduleCounter = metrics.GetOrCreateCounter(`manual_timeouts_total{result="rescheduled"}`)
	timeoutAbandonedCounter  = metrics.GetOrCreateCounter(`manual_timeouts_total{result="left_open"}`)
	verifyCounter            = metrics.GetOrCreateCounter(`manual_verifications_total{result="applied"}`)
	verifyNoopCounter        = metrics.GetOrCreateCounter(`manual_verifications_total{result="noop"}`)
)

// Network is the part of the network client the controller needs.
type Network interface {
	GetPayment(ctx context.Context, cred model.Credential, reference string) (*network.PaymentStatus, error)
	CancelPayment(ctx context.Context, cred model.Credential, reference string, idempotencyKey string) (*network.PaymentStatus, error)
}

type Credentials interface {
	Get(merchantSerialNumber string) (model.Credential, error)
}

type Repository interface {
	Create(ctx context.Context, tx *model.Transaction) error
	Get(ctx context.Context, localReference string) (*model.Transaction, error)
}

type Options struct {
	Timeouts map[model.Flow]time.Duration
	// ReconcileRetryDelay is the first delay after a failed status check. It
	// doubles per attempt up to ReconcileMaxDelay.
	ReconcileRetryDelay time.Duration
	ReconcileMaxDelay   time.Duration
}

func OptionsFromConfig(cfg config.Timeouts) Options {
	sec := func(n int) time.Duration { return time.Duration(n) * time.Second }
	return Options{
		Timeouts: map[model.Flow]time.Duration{
			model.FlowCustomerQR:       sec(cfg.CustomerQRSec),
			model.FlowCustomerPhone:    sec(cfg.CustomerPhoneSec),
			model.FlowEcommerce:        sec(cfg.EcommerceSec),
			model.FlowManualShopNumber: sec(cfg.ManualShopNumberSec),
			model.FlowManualShopQR:     sec(cfg.ManualShopQRSec),
		},
		ReconcileRetryDelay: time.Duration(cfg.ReconcileRetryDelayMs) * time.Millisecond,
		ReconcileMaxDelay:   time.Duration(cfg.ReconcileMaxDelayMs) * time.Millisecond,
	}
}

var defaultTimeouts = map[model.Flow]time.Duration{
	model.FlowCustomerQR:       180 * time.Second,
	model.FlowCustomerPhone:    180 * time.Second,
	model.FlowEcommerce:        300 * time.Second,
	model.FlowManualShopNumber: 600 * time.Second,
	model.FlowManualShopQR:     600 * time.Second,
}

type tracked struct {
	timer   clockwork.Timer
	attempt int
}

// Controller owns the payment timeouts and the operator verification of
// manual in-store flows. A timeout is advisory: a transaction known to the
// network is cancelled only after a successful status check shows it is
// still open there.
type Controller struct {
	machine *statemachine.Machine
	repo    Repository
	network Network
	creds   Credentials
	clock   clockwork.Clock
	logger  *slog.Logger
	opts    Options

	mu      sync.Mutex
	pending map[string]*tracked
}

func NewController(machine *statemachine.Machine, repo Repository, net Network, creds Credentials,
	opts Options, clock clockwork.Clock, logger *slog.Logger) *Controller {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	if opts.ReconcileRetryDelay <= 0 {
		opts.ReconcileRetryDelay = 15 * time.Second
	}
	if opts.ReconcileMaxDelay < opts.ReconcileRetryDelay {
		opts.ReconcileMaxDelay = opts.ReconcileRetryDelay
	}
	c := &Controller{
		machine: machine,
		repo:    repo,
		network: net,
		creds:   creds,
		clock:   clock,
		logger:  logger,
		opts:    opts,
		pending: make(map[string]*tracked),
	}
	machine.OnTerminal(func(_ context.Context, tx *model.Transaction) {
		c.release(tx.LocalReference)
	})
	return c
}

func (c *Controller) timeout(flow model.Flow) time.Duration {
	if d, ok := c.opts.Timeouts[flow]; ok && d > 0 {
		return d
	}
	return defaultTimeouts[flow]
}

// Initiate stores a manual-flow transaction awaiting operator verification and
// starts its timeout.
func (c *Controller) Initiate(ctx context.Context, tx *model.Transaction) (*model.Transaction, error) {
	if !tx.Flow.Manual() {
		return nil, errors.Wrapf(ErrNotManualFlow, "flow %s", tx.Flow)
	}
	cred, err := c.creds.Get(tx.MerchantSerialNumber)
	if err != nil {
		return nil, err
	}
	if !cred.ManualFlowsEnabled {
		return nil, errors.Wrapf(ErrManualFlowsDisabled, "merchant %s", cred.MerchantSerialNumber)
	}

	now := c.clock.Now()
	tx.LocalState = model.StatePending
	tx.ManualVerification = model.VerificationPending
	if tx.CreatedAt.IsZero() {
		tx.CreatedAt = now
	}
	tx.UpdatedAt = now

	if err := c.repo.Create(ctx, tx); err != nil {
		return nil, err
	}
	c.Track(tx.LocalReference, tx.Flow)

	c.logger.InfoContext(ctx, "Manual payment initiated", "reference", tx.LocalReference, "flow", tx.Flow)
	return tx, nil
}

// Track starts, or restarts, the timeout of a transaction.
func (c *Controller) Track(localReference string, flow model.Flow) {
	c.schedule(localReference, c.timeout(flow), 0)
}

func (c *Controller) schedule(localReference string, after time.Duration, attempt int) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if existing, ok := c.pending[localReference]; ok {
		existing.timer.Stop()
	}
	entry := &tracked{attempt: attempt}
	entry.timer = c.clock.AfterFunc(after, func() {
		go c.handleTimeout(localReference, entry)
	})
	c.pending[localReference] = entry
}

func (c *Controller) release(localReference string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if entry, ok := c.pending[localReference]; ok {
		entry.timer.Stop()
		delete(c.pending, localReference)
	}
}

// Tracked reports whether a timeout is armed for the transaction.
func (c *Controller) Tracked(localReference string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.pending[localReference]
	return ok
}

// Stop disarms every timeout.
func (c *Controller) Stop() {
	c.mu.Lock()
	defer c.mu.Unlock()

	for ref, entry := range c.pending {
		entry.timer.Stop()
		delete(c.pending, ref)
	}
}

// Verify records the operator's decision. Transactions that already reached
// a terminal state are returned unchanged.
func (c *Controller) Verify(ctx context.Context, localReference string, success bool) (*model.Transaction, error) {
	ctx = logcontext.AppendCtx(ctx, slog.String("reference", localReference))

	tx, err := c.repo.Get(ctx, localReference)
	if err != nil {
		return nil, err
	}
	if tx.LocalState.Terminal() {
		verifyNoopCounter.Inc()
		c.logger.InfoContext(ctx, "Verification ignored for closed transaction", "localState", tx.LocalState)
		return tx, nil
	}

	ev := statemachine.Event{
		Source:       statemachine.SourceManual,
		RemoteState:  model.RemoteAuthorized,
		Verification: model.VerificationVerified,
	}
	if !success {
		ev.RemoteState = model.RemoteCancelled
		ev.Verification = model.VerificationFailed
		ev.CancelReason = model.CancelReasonOperator
	}

	result, err := c.machine.Apply(ctx, localReference, ev)
	if err != nil {
		return nil, err
	}
	if !result.Changed() && result.Transaction.LocalState.Terminal() {
		verifyNoopCounter.Inc()
		return result.Transaction, nil
	}

	verifyCounter.Inc()
	if result.Current == model.StateAuthorized {
		c.release(localReference)
	}
	c.logger.InfoContext(ctx, "Manual verification applied", "success", success, "localState", result.Current)
	return result.Transaction, nil
}

func (c *Controller) handleTimeout(localReference string, entry *tracked) {
	c.mu.Lock()
	current, ok := c.pending[localReference]
	c.mu.Unlock()
	if !ok || current != entry {
		return
	}

	ctx := logcontext.AppendCtx(context.Background(), slog.String("reference", localReference))
	c.logger.InfoContext(ctx, "Payment timeout reached", "attempt", entry.attempt+1)

	tx, err := c.repo.Get(ctx, localReference)
	if err != nil {
		c.logger.ErrorContext(ctx, "Error loading timed out transaction", "error", err)
		c.release(localReference)
		return
	}
	if tx.LocalState.Terminal() || tx.LocalState == model.StateAuthorized {
		c.release(localReference)
		return
	}

	var cred model.Credential
	if tx.NetworkReference != "" {
		cred, err = c.creds.Get(tx.MerchantSerialNumber)
		if err != nil {
			timeoutAbandonedCounter.Inc()
			c.logger.ErrorContext(ctx, "Error loading credential for timed out transaction, leaving it open", "error", err)
			c.release(localReference)
			return
		}
		if done := c.reconcile(ctx, tx, cred, entry); done {
			return
		}
	}

	result, err := c.machine.Apply(ctx, localReference, statemachine.Event{
		Source:       statemachine.SourceTimeout,
		RemoteState:  model.RemoteCancelled,
		CancelReason: model.CancelReasonTimeout,
	})
	if err != nil {
		c.logger.ErrorContext(ctx, "Error cancelling timed out transaction", "error", err)
		c.release(localReference)
		return
	}
	timeoutCancelledCounter.Inc()
	c.release(localReference)

	if result.EnteredTerminal() && tx.NetworkReference != "" {
		if _, err := c.network.CancelPayment(ctx, cred, tx.NetworkReference, network.NewIdempotencyKey()); err != nil {
			c.logger.WarnContext(ctx, "Network cancel after timeout failed", "error", err)
		}
	}
}

// reconcile asks the network for the current status before cancelling. It
// reports true when no local cancel should follow. A failed check never
// leads to a cancel, except when the network does not know the payment.
func (c *Controller) reconcile(ctx context.Context, tx *model.Transaction, cred model.Credential, entry *tracked) bool {
	status, err := c.network.GetPayment(ctx, cred, tx.NetworkReference)
	if err != nil {
		var invalid *network.InvalidRequestError
		if errors.As(err, &invalid) && invalid.Status == http.StatusNotFound {
			c.logger.WarnContext(ctx, "Payment unknown to network, cancelling", "error", err)
			return false
		}
		c.logger.WarnContext(ctx, "Status check failed, rescheduling timeout", "error", err,
			"retryable", network.Retryable(err))
		c.retryLater(tx.LocalReference, entry)
		return true
	}

	result, err := c.machine.Apply(ctx, tx.LocalReference, statemachine.Event{
		Source:           statemachine.SourcePoll,
		RemoteState:      status.RemoteState(),
		NetworkReference: status.Reference,
	})
	if err != nil {
		c.logger.ErrorContext(ctx, "Error applying status after timeout, rescheduling", "error", err)
		c.retryLater(tx.LocalReference, entry)
		return true
	}
	if result.Current == model.StateAuthorized || result.Current.Terminal() {
		timeoutReconciledCounter.Inc()
		c.release(tx.LocalReference)
		return true
	}
	return false
}

func (c *Controller) retryLater(localReference string, entry *tracked) {
	timeoutRescheduleCounter.Inc()
	c.schedule(localReference, c.retryDelay(entry.attempt), entry.attempt+1)
}

func (c *Controller) retryDelay(attempt int) time.Duration {
	delay := c.opts.ReconcileRetryDelay
	for i := 0; i < attempt && delay < c.opts.ReconcileMaxDelay; i++ {
		delay *= 2
	}
	return min(delay, c.opts.ReconcileMaxDelay)
}
