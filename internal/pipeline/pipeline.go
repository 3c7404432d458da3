package pipeline

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/VictoriaMetrics/metrics"
	"github.com/jonboulle/clockwork"
	"github.com/pkg/errors"

	"pushpay-service/internal/guard"
	"pushpay-service/internal/logcontext"
	"pushpay-service/internal/model"
	"pushpay-service/internal/statemachine"
	"pushpay-service/internal/webhook"
)

type Status string

const (
	StatusAccepted   Status = "Accepted"
	StatusDuplicate  Status = "Duplicate"
	StatusRejected   Status = "Rejected"
	StatusBadRequest Status = "BadRequest"
	StatusNotFound   Status = "NotFound"
	StatusFailed     Status = "Failed"
)

const (
	ReasonUnauthorizedSource = "UnauthorizedSource"
	ReasonRateLimited        = "RateLimited"
	ReasonUnknownMerchant    = "UnknownMerchant"
)

var (
	acceptedCounter   = metrics.GetOrCreateCounter(`webhook_pipeline_total{result="accepted"}`)
	duplicateCounter  = metrics.GetOrCreateCounter(`webhook_pipeline_total{result="duplicate"}`)
	rejectedCounter   = metrics.GetOrCreateCounter(`webhook_pipeline_total{result="rejected"}`)
	badRequestCounter = metrics.GetOrCreateCounter(`webhook_pipeline_total{result="bad_request"}`)
	notFoundCounter   = metrics.GetOrCreateCounter(`webhook_pipeline_total{result="not_found"}`)
	failedCounter     = metrics.GetOrCreateCounter(`webhook_pipeline_total{result="failed"}`)

	pipelineDurationHistogram = metrics.GetOrCreateHistogram(`webhook_pipeline_duration_milliseconds`)
)

// Inbound is one webhook delivery as received on the wire.
type Inbound struct {
	MerchantSerialNumber string
	ClientIP             string
	UserAgent            string
	Header               http.Header
	Host                 string
	Body                 []byte
}

type Result struct {
	Status     Status
	Reason     string
	Transition *statemachine.Result
}

type Credentials interface {
	Get(merchantSerialNumber string) (model.Credential, error)
}

type Verifier interface {
	Verify(req webhook.Request, cred model.Credential) error
}

type Machine interface {
	Apply(ctx context.Context, localReference string, ev statemachine.Event) (statemachine.Result, error)
}

// Pipeline authenticates a webhook delivery and applies it to the payment it
// refers to. No state changes before the sender, signature and replay checks
// pass.
type Pipeline struct {
	guard    *guard.Guard
	creds    Credentials
	verifier Verifier
	machine  Machine
	clock    clockwork.Clock
	logger   *slog.Logger
}

func New(g *guard.Guard, creds Credentials, verifier Verifier, machine Machine, clock clockwork.Clock, logger *slog.Logger) *Pipeline {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Pipeline{guard: g, creds: creds, verifier: verifier, machine: machine, clock: clock, logger: logger}
}

func (p *Pipeline) Handle(ctx context.Context, in Inbound) Result {
	start := p.clock.Now()
	defer func() {
		pipelineDurationHistogram.Update(float64(p.clock.Since(start).Milliseconds()))
	}()

	ctx = logcontext.AppendCtx(ctx, slog.String("merchant", in.MerchantSerialNumber))
	ctx = logcontext.AppendCtx(ctx, slog.String("clientIp", in.ClientIP))

	result := p.handle(ctx, in)
	switch result.Status {
	case StatusAccepted:
		acceptedCounter.Inc()
	case StatusDuplicate:
		duplicateCounter.Inc()
	case StatusRejected:
		rejectedCounter.Inc()
		p.logger.WarnContext(ctx, "Webhook rejected", "reason", result.Reason, "userAgent", in.UserAgent)
	case StatusBadRequest:
		badRequestCounter.Inc()
		p.logger.WarnContext(ctx, "Webhook payload invalid", "reason", result.Reason)
	case StatusNotFound:
		notFoundCounter.Inc()
	case StatusFailed:
		failedCounter.Inc()
	}
	return result
}

func (p *Pipeline) handle(ctx context.Context, in Inbound) Result {
	source := guard.SourceKey{IP: in.ClientIP, UserAgent: in.UserAgent}
	if err := p.guard.CheckSource(source); err != nil {
		if errors.Is(err, guard.ErrUnauthorizedSource) {
			return Result{Status: StatusRejected, Reason: ReasonUnauthorizedSource}
		}
		return Result{Status: StatusRejected, Reason: ReasonRateLimited}
	}

	cred, err := p.creds.Get(in.MerchantSerialNumber)
	if err != nil {
		return Result{Status: StatusRejected, Reason: ReasonUnknownMerchant}
	}

	if err := p.verifier.Verify(webhook.Request{Header: in.Header, Host: in.Host, Body: in.Body}, cred); err != nil {
		reason, _ := webhook.ReasonOf(err)
		return Result{Status: StatusRejected, Reason: string(reason)}
	}

	n, err := DecodeNotification(in.Body)
	if err != nil {
		return Result{Status: StatusBadRequest, Reason: err.Error()}
	}

	ctx = logcontext.AppendCtx(ctx, slog.String("reference", n.Reference))
	ctx = logcontext.AppendCtx(ctx, slog.String("eventId", n.Key()))

	fresh, err := p.guard.Claim(ctx, model.WebhookEventRecord{
		EventID:        n.Key(),
		EventName:      string(n.RemoteState()),
		LocalReference: n.Reference,
		ClientIP:       in.ClientIP,
		UserAgent:      in.UserAgent,
		ReceivedAt:     p.clock.Now(),
	})
	if err != nil {
		p.logger.ErrorContext(ctx, "Error recording webhook event", "error", err)
		return Result{Status: StatusFailed, Reason: err.Error()}
	}
	if !fresh {
		p.logger.InfoContext(ctx, "Webhook event already received")
		return Result{Status: StatusDuplicate}
	}

	transition, err := p.machine.Apply(ctx, n.Reference, statemachine.Event{
		Source:           statemachine.SourceWebhook,
		RemoteState:      n.RemoteState(),
		EventID:          n.Key(),
		NetworkReference: n.PspReference,
	})
	if err != nil {
		if releaseErr := p.guard.Release(ctx, n.Key()); releaseErr != nil {
			p.logger.ErrorContext(ctx, "Error releasing webhook event", "error", releaseErr)
		}
		if errors.Is(err, model.ErrTransactionNotFound) {
			p.logger.WarnContext(ctx, "Webhook for unknown transaction")
			return Result{Status: StatusNotFound, Reason: err.Error()}
		}
		p.logger.ErrorContext(ctx, "Error applying webhook event", "error", err)
		return Result{Status: StatusFailed, Reason: err.Error()}
	}

	if tx := transition.Transaction; n.Amount != nil && tx != nil &&
		(n.Amount.Value != tx.AmountMinorUnits || n.Amount.Currency != tx.Currency) {
		p.logger.WarnContext(ctx, "Webhook amount differs from transaction",
			"webhookAmount", n.Amount.Value, "webhookCurrency", n.Amount.Currency,
			"amount", tx.AmountMinorUnits, "currency", tx.Currency)
	}

	return Result{Status: StatusAccepted, Transition: &transition}
}
