package model

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestTransaction_Validate(t *testing.T) {
	valid := func() *Transaction {
		return &Transaction{
			LocalReference:       "order-1",
			MerchantSerialNumber: "123456",
			AmountMinorUnits:     10000,
			Currency:             "NOK",
			Flow:                 FlowCustomerQR,
		}
	}

	tests := []struct {
		name    string
		mutate  func(*Transaction)
		wantErr bool
	}{
		{name: "valid", mutate: func(*Transaction) {}},
		{name: "zero amount allowed", mutate: func(tx *Transaction) { tx.AmountMinorUnits = 0 }},
		{name: "missing reference", mutate: func(tx *Transaction) { tx.LocalReference = "" }, wantErr: true},
		{name: "negative amount", mutate: func(tx *Transaction) { tx.AmountMinorUnits = -1 }, wantErr: true},
		{name: "lower case currency", mutate: func(tx *Transaction) { tx.Currency = "nok" }, wantErr: true},
		{name: "unknown flow", mutate: func(tx *Transaction) { tx.Flow = "carrier_pigeon" }, wantErr: true},
		{name: "missing merchant", mutate: func(tx *Transaction) { tx.MerchantSerialNumber = "" }, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tx := valid()
			tt.mutate(tx)
			if tt.wantErr {
				assert.Error(t, tx.Validate())
			} else {
				assert.NoError(t, tx.Validate())
			}
		})
	}
}

func TestTransaction_CloneIsDeep(t *testing.T) {
	tx := &Transaction{LocalReference: "order-1"}
	tx.MarkProcessed("evt-1")

	c := tx.Clone()
	c.MarkProcessed("evt-2")

	assert.True(t, tx.HasProcessed("evt-1"))
	assert.False(t, tx.HasProcessed("evt-2"))
	assert.True(t, c.HasProcessed("evt-2"))
}

func TestLocalState_Terminal(t *testing.T) {
	assert.True(t, StateDone.Terminal())
	assert.True(t, StateCancelled.Terminal())
	assert.True(t, StateError.Terminal())
	assert.False(t, StateAuthorized.Terminal())
	assert.False(t, StatePending.Terminal())
	assert.False(t, StateDraft.Terminal())
}

func TestFlow_Manual(t *testing.T) {
	assert.True(t, FlowManualShopNumber.Manual())
	assert.True(t, FlowManualShopQR.Manual())
	assert.False(t, FlowCustomerQR.Manual())
	assert.False(t, FlowEcommerce.Manual())
}
