package service

import (
	"context"
	"log/slog"

	"github.com/jonboulle/clockwork"
	"github.com/pkg/errors"

	"pushpay-service/internal/logcontext"
	"pushpay-service/internal/model"
	"pushpay-service/internal/network"
	"pushpay-service/internal/statemachine"
)

var (
	ErrInvalidState   = errors.New("operation not allowed in current state")
	ErrInvalidRequest = errors.New("invalid payment request")
)

type Repository interface {
	Create(ctx context.Context, tx *model.Transaction) error
	Get(ctx context.Context, localReference string) (*model.Transaction, error)
}

type Network interface {
	CreatePayment(ctx context.Context, cred model.Credential, req network.CreatePaymentRequest, idempotencyKey string) (*network.CreatePaymentResponse, error)
	GetPayment(ctx context.Context, cred model.Credential, reference string) (*network.PaymentStatus, error)
	CapturePayment(ctx context.Context, cred model.Credential, reference string, amount network.Amount, idempotencyKey string) (*network.PaymentStatus, error)
	CancelPayment(ctx context.Context, cred model.Credential, reference string, idempotencyKey string) (*network.PaymentStatus, error)
	RefundPayment(ctx context.Context, cred model.Credential, reference string, amount network.Amount, idempotencyKey string) (*network.PaymentStatus, error)
}

type Credentials interface {
	Get(merchantSerialNumber string) (model.Credential, error)
}

type Machine interface {
	Apply(ctx context.Context, localReference string, ev statemachine.Event) (statemachine.Result, error)
}

type ManualFlows interface {
	Initiate(ctx context.Context, tx *model.Transaction) (*model.Transaction, error)
	Track(localReference string, flow model.Flow)
	Verify(ctx context.Context, localReference string, success bool) (*model.Transaction, error)
}

type InitiateRequest struct {
	Reference            string
	MerchantSerialNumber string
	AmountMinorUnits     int64
	Currency             string
	Flow                 model.Flow
	PhoneNumber          string
	ReturnURL            string
	Description          string
}

// PaymentService runs the merchant-initiated payment operations. Every state
// change goes through the state machine.
type PaymentService struct {
	repo    Repository
	network Network
	creds   Credentials
	machine Machine
	manual  ManualFlows
	clock   clockwork.Clock
	logger  *slog.Logger
}

func NewPaymentService(repo Repository, net Network, creds Credentials, machine Machine, manual ManualFlows,
	clock clockwork.Clock, logger *slog.Logger) *PaymentService {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &PaymentService{
		repo:    repo,
		network: net,
		creds:   creds,
		machine: machine,
		manual:  manual,
		clock:   clock,
		logger:  logger,
	}
}

func (s *PaymentService) Get(ctx context.Context, localReference string) (*model.Transaction, error) {
	return s.repo.Get(ctx, localReference)
}

// Initiate creates a payment. Manual flows wait for operator verification;
// all other flows are created at the network right away.
func (s *PaymentService) Initiate(ctx context.Context, req InitiateRequest) (*model.Transaction, error) {
	ctx = logcontext.AppendCtx(ctx, slog.String("reference", req.Reference))

	now := s.clock.Now()
	tx := &model.Transaction{
		LocalReference:       req.Reference,
		MerchantSerialNumber: req.MerchantSerialNumber,
		AmountMinorUnits:     req.AmountMinorUnits,
		Currency:             req.Currency,
		Flow:                 req.Flow,
		LocalState:           model.StateDraft,
		ManualVerification:   model.VerificationNone,
		CreatedAt:            now,
		UpdatedAt:            now,
	}
	if err := tx.Validate(); err != nil {
		return nil, errors.Wrapf(ErrInvalidRequest, "%v", err)
	}

	cred, err := s.creds.Get(tx.MerchantSerialNumber)
	if err != nil {
		return nil, errors.Wrapf(ErrInvalidRequest, "%v", err)
	}

	if tx.Flow.Manual() {
		return s.manual.Initiate(ctx, tx)
	}

	tx.IdempotencyKey = network.NewIdempotencyKey()
	if err := s.repo.Create(ctx, tx); err != nil {
		return nil, err
	}

	createReq := network.CreatePaymentRequest{
		Amount:             network.Amount{Currency: tx.Currency, Value: tx.AmountMinorUnits},
		PaymentMethod:      network.PaymentMethod{Type: "WALLET"},
		Reference:          tx.LocalReference,
		UserFlow:           network.UserFlow(tx.Flow),
		ReturnURL:          req.ReturnURL,
		PaymentDescription: req.Description,
	}
	if req.PhoneNumber != "" {
		createReq.Customer = &network.Customer{PhoneNumber: req.PhoneNumber}
	}

	resp, err := s.network.CreatePayment(ctx, cred, createReq, tx.IdempotencyKey)
	if err != nil {
		if !network.Retryable(err) {
			if _, applyErr := s.machine.Apply(ctx, tx.LocalReference, statemachine.Event{
				Source:      statemachine.SourceAPI,
				RemoteState: model.RemoteFailed,
			}); applyErr != nil {
				s.logger.ErrorContext(ctx, "Error recording failed payment creation", "error", applyErr)
			}
		}
		s.logger.ErrorContext(ctx, "Error creating payment at network", "error", err)
		return nil, err
	}

	result, err := s.machine.Apply(ctx, tx.LocalReference, statemachine.Event{
		Source:           statemachine.SourceAPI,
		RemoteState:      model.RemoteCreated,
		NetworkReference: resp.Reference,
	})
	if err != nil {
		return nil, err
	}
	s.manual.Track(tx.LocalReference, tx.Flow)

	s.logger.InfoContext(ctx, "Payment created", "networkReference", resp.Reference, "flow", tx.Flow)
	return result.Transaction, nil
}

func (s *PaymentService) load(ctx context.Context, localReference string) (*model.Transaction, model.Credential, error) {
	tx, err := s.repo.Get(ctx, localReference)
	if err != nil {
		return nil, model.Credential{}, err
	}
	cred, err := s.creds.Get(tx.MerchantSerialNumber)
	if err != nil {
		return nil, model.Credential{}, err
	}
	return tx, cred, nil
}

func (s *PaymentService) Capture(ctx context.Context, localReference string) (*model.Transaction, error) {
	tx, cred, err := s.load(ctx, localReference)
	if err != nil {
		return nil, err
	}
	if tx.LocalState != model.StateAuthorized {
		return nil, errors.Wrapf(ErrInvalidState, "capture in state %s", tx.LocalState)
	}
	if tx.NetworkReference == "" {
		// verified in-store payments are never created at the network
		if !tx.Flow.Manual() || tx.ManualVerification != model.VerificationVerified {
			return nil, errors.Wrap(ErrInvalidState, "capture without network reference")
		}
		s.logger.InfoContext(ctx, "Completing verified manual payment", "reference", localReference)
		return s.apply(ctx, localReference, statemachine.Event{Source: statemachine.SourceAPI, RemoteState: model.RemoteCaptured})
	}

	amount := network.Amount{Currency: tx.Currency, Value: tx.AmountMinorUnits}
	if _, err := s.network.CapturePayment(ctx, cred, tx.NetworkReference, amount, network.NewIdempotencyKey()); err != nil {
		return nil, err
	}
	return s.apply(ctx, localReference, statemachine.Event{Source: statemachine.SourceAPI, RemoteState: model.RemoteCaptured})
}

func (s *PaymentService) Cancel(ctx context.Context, localReference string) (*model.Transaction, error) {
	tx, cred, err := s.load(ctx, localReference)
	if err != nil {
		return nil, err
	}
	if tx.LocalState.Terminal() {
		return nil, errors.Wrapf(ErrInvalidState, "cancel in state %s", tx.LocalState)
	}

	if tx.NetworkReference != "" {
		if _, err := s.network.CancelPayment(ctx, cred, tx.NetworkReference, network.NewIdempotencyKey()); err != nil {
			return nil, err
		}
	}
	return s.apply(ctx, localReference, statemachine.Event{
		Source:       statemachine.SourceAPI,
		RemoteState:  model.RemoteCancelled,
		CancelReason: model.CancelReasonOperator,
	})
}

func (s *PaymentService) Refund(ctx context.Context, localReference string, amountMinorUnits int64) (*model.Transaction, error) {
	tx, cred, err := s.load(ctx, localReference)
	if err != nil {
		return nil, err
	}
	if tx.LocalState != model.StateDone || tx.NetworkReference == "" {
		return nil, errors.Wrapf(ErrInvalidState, "refund in state %s", tx.LocalState)
	}
	if amountMinorUnits <= 0 || amountMinorUnits > tx.AmountMinorUnits {
		amountMinorUnits = tx.AmountMinorUnits
	}

	amount := network.Amount{Currency: tx.Currency, Value: amountMinorUnits}
	if _, err := s.network.RefundPayment(ctx, cred, tx.NetworkReference, amount, network.NewIdempotencyKey()); err != nil {
		return nil, err
	}
	return s.apply(ctx, localReference, statemachine.Event{Source: statemachine.SourceAPI, RemoteState: model.RemoteRefunded})
}

// Refresh polls the network for the current status of one transaction.
func (s *PaymentService) Refresh(ctx context.Context, localReference string) (*model.Transaction, error) {
	tx, cred, err := s.load(ctx, localReference)
	if err != nil {
		return nil, err
	}
	if tx.NetworkReference == "" {
		return tx, nil
	}

	status, err := s.network.GetPayment(ctx, cred, tx.NetworkReference)
	if err != nil {
		return nil, err
	}
	return s.apply(ctx, localReference, statemachine.Event{
		Source:           statemachine.SourcePoll,
		RemoteState:      status.RemoteState(),
		NetworkReference: status.Reference,
	})
}

func (s *PaymentService) Verify(ctx context.Context, localReference string, success bool) (*model.Transaction, error) {
	return s.manual.Verify(ctx, localReference, success)
}

func (s *PaymentService) apply(ctx context.Context, localReference string, ev statemachine.Event) (*model.Transaction, error) {
	result, err := s.machine.Apply(ctx, localReference, ev)
	if err != nil {
		return nil, err
	}
	return result.Transaction, nil
}
