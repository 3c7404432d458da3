package service

import (
	"context"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pushpay-service/internal/credential"
	"pushpay-service/internal/memstore"
	"pushpay-service/internal/model"
)

type recordingPersistence struct {
	upserted []string
	deleted  []string
}

func (p *recordingPersistence) Upsert(_ context.Context, cred model.Credential) error {
	p.upserted = append(p.upserted, cred.MerchantSerialNumber)
	return nil
}

func (p *recordingPersistence) Delete(_ context.Context, msn string) error {
	p.deleted = append(p.deleted, msn)
	return nil
}

func TestMerchantService_RegisterAndRemove(t *testing.T) {
	store := credential.NewStore()
	persist := &recordingPersistence{}
	transactions := memstore.NewTransactionStore()
	svc := NewMerchantService(store, persist, transactions, slog.Default())
	ctx := context.Background()

	err := svc.Register(ctx, model.Credential{MerchantSerialNumber: "123456"}, credential.EncodeSecret([]byte("s3cret")))
	require.NoError(t, err)

	cred, err := store.Get("123456")
	require.NoError(t, err)
	assert.Equal(t, []byte("s3cret"), cred.WebhookSecret)
	assert.Equal(t, model.EnvironmentTest, cred.Environment)
	assert.Equal(t, []string{"123456"}, persist.upserted)

	require.NoError(t, transactions.Create(ctx, &model.Transaction{
		LocalReference:       "order-1",
		MerchantSerialNumber: "123456",
		AmountMinorUnits:     100,
		Currency:             "NOK",
		Flow:                 model.FlowCustomerQR,
		LocalState:           model.StatePending,
	}))
	require.ErrorIs(t, svc.Remove(ctx, "123456"), credential.ErrCredentialInUse)
	assert.Empty(t, persist.deleted)

	_, err = transactions.Update(ctx, "order-1", func(tx *model.Transaction) (bool, error) {
		tx.LocalState = model.StateCancelled
		return true, nil
	})
	require.NoError(t, err)

	require.NoError(t, svc.Remove(ctx, "123456"))
	assert.Equal(t, []string{"123456"}, persist.deleted)
	assert.Empty(t, svc.List())
}

func TestMerchantService_RejectsInvalidCredential(t *testing.T) {
	persist := &recordingPersistence{}
	svc := NewMerchantService(credential.NewStore(), persist, memstore.NewTransactionStore(), slog.Default())

	err := svc.Register(context.Background(), model.Credential{MerchantSerialNumber: "123456"}, "not base64!")
	require.ErrorIs(t, err, credential.ErrInvalidSecret)

	err = svc.Register(context.Background(), model.Credential{MerchantSerialNumber: "123456", Environment: "staging"},
		credential.EncodeSecret([]byte("s3cret")))
	require.ErrorIs(t, err, credential.ErrInvalidCredential)
	assert.Empty(t, persist.upserted)
}
