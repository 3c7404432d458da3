package db

import (
	"context"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pkg/errors"

	"pushpay-service/internal/credential"
	"pushpay-service/internal/model"
)

type CredentialRepository struct {
	pool *pgxpool.Pool
}

func NewCredentialRepository(pool *pgxpool.Pool) *CredentialRepository {
	return &CredentialRepository{pool: pool}
}

// ListCredentials loads every merchant credential. Shared secrets are kept
// base64 encoded at rest and decoded here.
func (r *CredentialRepository) ListCredentials(ctx context.Context) ([]model.Credential, error) {
	query := `SELECT merchant_serial_number, environment, client_id, client_secret, subscription_key,
	                 webhook_shared_secret, webhook_id, manual_flows_enabled, polling_enabled
	          FROM merchant_credentials ORDER BY merchant_serial_number`
	rows, err := r.pool.Query(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var creds []model.Credential
	for rows.Next() {
		var (
			c      model.Credential
			secret string
		)
		err := rows.Scan(&c.MerchantSerialNumber, &c.Environment, &c.ClientID, &c.ClientSecret, &c.SubscriptionKey,
			&secret, &c.WebhookID, &c.ManualFlowsEnabled, &c.PollingEnabled)
		if err != nil {
			return nil, err
		}
		c.WebhookSecret, err = credential.DecodeSecret(secret)
		if err != nil {
			return nil, errors.Wrapf(err, "merchant %s", c.MerchantSerialNumber)
		}
		creds = append(creds, c)
	}
	return creds, rows.Err()
}

func (r *CredentialRepository) Upsert(ctx context.Context, c model.Credential) error {
	query := `INSERT INTO merchant_credentials (merchant_serial_number, environment, client_id, client_secret,
	              subscription_key, webhook_shared_secret, webhook_id, manual_flows_enabled, polling_enabled)
	          VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	          ON CONFLICT (merchant_serial_number) DO UPDATE
	          SET environment = EXCLUDED.environment, client_id = EXCLUDED.client_id,
	              client_secret = EXCLUDED.client_secret, subscription_key = EXCLUDED.subscription_key,
	              webhook_shared_secret = EXCLUDED.webhook_shared_secret, webhook_id = EXCLUDED.webhook_id,
	              manual_flows_enabled = EXCLUDED.manual_flows_enabled, polling_enabled = EXCLUDED.polling_enabled`
	_, err := r.pool.Exec(ctx, query, c.MerchantSerialNumber, c.Environment, c.ClientID, c.ClientSecret,
		c.SubscriptionKey, credential.EncodeSecret(c.WebhookSecret), c.WebhookID, c.ManualFlowsEnabled, c.PollingEnabled)
	return err
}

func (r *CredentialRepository) Delete(ctx context.Context, merchantSerialNumber string) error {
	_, err := r.pool.Exec(ctx, `DELETE FROM merchant_credentials WHERE merchant_serial_number = $1`, merchantSerialNumber)
	return err
}
