package credential

import (
	"context"
	"encoding/base64"
	"sort"
	"sync"

	"github.com/pkg/errors"
	"github.com/samber/lo"

	"pushpay-service/internal/config"
	"pushpay-service/internal/model"
)

var (
	ErrUnknownMerchant   = errors.New("unknown merchant")
	ErrCredentialInUse   = errors.New("credential referenced by open transactions")
	ErrInvalidSecret     = errors.New("webhook shared secret is not valid base64")
	ErrInvalidCredential = errors.New("invalid credential")
)

// Source supplies credentials kept outside the config file, e.g. in Postgres.
type Source interface {
	ListCredentials(ctx context.Context) ([]model.Credential, error)
}

// OpenTransactionCounter reports how many non-terminal transactions reference
// a merchant.
type OpenTransactionCounter interface {
	CountOpen(ctx context.Context, merchantSerialNumber string) (int, error)
}

// Store is the read-mostly registry of merchant credentials shared by the
// webhook pipeline, token cache and API client.
type Store struct {
	mu    sync.RWMutex
	byMSN map[string]model.Credential
}

func NewStore() *Store {
	return &Store{byMSN: make(map[string]model.Credential)}
}

func FromConfig(merchants []config.Merchant) (*Store, error) {
	s := NewStore()
	for _, m := range merchants {
		secret, err := DecodeSecret(m.WebhookSharedSecret)
		if err != nil {
			return nil, errors.Wrapf(err, "merchant %s", m.MerchantSerialNumber)
		}
		env := model.Environment(m.Environment)
		if env == "" {
			env = model.EnvironmentTest
		}
		cred := model.Credential{
			Environment:          env,
			MerchantSerialNumber: m.MerchantSerialNumber,
			ClientID:             m.ClientID,
			ClientSecret:         m.ClientSecret,
			SubscriptionKey:      m.SubscriptionKey,
			WebhookSecret:        secret,
			WebhookID:            m.WebhookID,
			ManualFlowsEnabled:   m.ManualFlowsEnabled,
			PollingEnabled:       m.PollingEnabled,
		}
		if err := s.Put(cred); err != nil {
			return nil, err
		}
	}
	return s, nil
}

// DecodeSecret decodes the base64 form of a webhook shared secret.
func DecodeSecret(encoded string) ([]byte, error) {
	if encoded == "" {
		return nil, ErrInvalidSecret
	}
	secret, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, errors.Wrap(ErrInvalidSecret, err.Error())
	}
	if len(secret) == 0 {
		return nil, ErrInvalidSecret
	}
	return secret, nil
}

func EncodeSecret(secret []byte) string {
	return base64.StdEncoding.EncodeToString(secret)
}

// Load merges credentials from src into the store. Entries from src replace
// config entries with the same merchant serial number.
func (s *Store) Load(ctx context.Context, src Source) error {
	creds, err := src.ListCredentials(ctx)
	if err != nil {
		return errors.Wrap(err, "list credentials")
	}
	for _, c := range creds {
		if err := s.Put(c); err != nil {
			return err
		}
	}
	return nil
}

func Validate(cred model.Credential) error {
	if cred.MerchantSerialNumber == "" {
		return errors.Wrap(ErrInvalidCredential, "merchant serial number is required")
	}
	if len(cred.WebhookSecret) == 0 {
		return errors.Wrapf(ErrInvalidSecret, "merchant %s", cred.MerchantSerialNumber)
	}
	if cred.Environment != model.EnvironmentTest && cred.Environment != model.EnvironmentProduction {
		return errors.Wrapf(ErrInvalidCredential, "merchant %s: unknown environment %q", cred.MerchantSerialNumber, cred.Environment)
	}
	return nil
}

func (s *Store) Put(cred model.Credential) error {
	if err := Validate(cred); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.byMSN[cred.MerchantSerialNumber] = cred
	return nil
}

func (s *Store) Get(merchantSerialNumber string) (model.Credential, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	cred, ok := s.byMSN[merchantSerialNumber]
	if !ok {
		return model.Credential{}, errors.Wrap(ErrUnknownMerchant, merchantSerialNumber)
	}
	return cred, nil
}

// List returns all credentials ordered by merchant serial number.
func (s *Store) List() []model.Credential {
	s.mu.RLock()
	creds := lo.Values(s.byMSN)
	s.mu.RUnlock()

	sort.Slice(creds, func(i, j int) bool {
		return creds[i].MerchantSerialNumber < creds[j].MerchantSerialNumber
	})
	return creds
}

// Remove deletes a credential unless open transactions still reference it.
func (s *Store) Remove(ctx context.Context, merchantSerialNumber string, counter OpenTransactionCounter) error {
	open, err := counter.CountOpen(ctx, merchantSerialNumber)
	if err != nil {
		return errors.Wrap(err, "count open transactions")
	}
	if open > 0 {
		return errors.Wrapf(ErrCredentialInUse, "merchant %s has %d open transactions", merchantSerialNumber, open)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.byMSN[merchantSerialNumber]; !ok {
		return errors.Wrap(ErrUnknownMerchant, merchantSerialNumber)
	}
	delete(s.byMSN, merchantSerialNumber)
	return nil
}
