package service

import (
	"context"
	"log/slog"

	"github.com/pkg/errors"

	"pushpay-service/internal/credential"
	"pushpay-service/internal/model"
)

// CredentialPersistence keeps credentials beyond the config file.
type CredentialPersistence interface {
	Upsert(ctx context.Context, cred model.Credential) error
	Delete(ctx context.Context, merchantSerialNumber string) error
}

type MerchantService struct {
	store   *credential.Store
	persist CredentialPersistence
	counter credential.OpenTransactionCounter
	logger  *slog.Logger
}

// NewMerchantService manages merchant credentials. persist may be nil, in
// which case changes only live until restart.
func NewMerchantService(store *credential.Store, persist CredentialPersistence, counter credential.OpenTransactionCounter,
	logger *slog.Logger) *MerchantService {
	return &MerchantService{store: store, persist: persist, counter: counter, logger: logger}
}

func (s *MerchantService) List() []model.Credential {
	return s.store.List()
}

// Register adds or replaces a credential. Nothing is persisted unless the
// credential is valid.
func (s *MerchantService) Register(ctx context.Context, cred model.Credential, encodedSecret string) error {
	secret, err := credential.DecodeSecret(encodedSecret)
	if err != nil {
		return errors.Wrapf(err, "merchant %s", cred.MerchantSerialNumber)
	}
	cred.WebhookSecret = secret
	if cred.Environment == "" {
		cred.Environment = model.EnvironmentTest
	}

	if err := credential.Validate(cred); err != nil {
		return err
	}
	if s.persist != nil {
		if err := s.persist.Upsert(ctx, cred); err != nil {
			return errors.Wrap(err, "persist credential")
		}
	}
	if err := s.store.Put(cred); err != nil {
		return err
	}

	s.logger.InfoContext(ctx, "Merchant credential registered", "merchant", cred.MerchantSerialNumber,
		"environment", cred.Environment)
	return nil
}

func (s *MerchantService) Remove(ctx context.Context, merchantSerialNumber string) error {
	if err := s.store.Remove(ctx, merchantSerialNumber, s.counter); err != nil {
		return err
	}
	if s.persist != nil {
		if err := s.persist.Delete(ctx, merchantSerialNumber); err != nil {
			return errors.Wrap(err, "delete persisted credential")
		}
	}

	s.logger.InfoContext(ctx, "Merchant credential removed", "merchant", merchantSerialNumber)
	return nil
}
