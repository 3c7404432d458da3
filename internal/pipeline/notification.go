package pipeline

import (
	"encoding/json"
	"strings"

	"github.com/pkg/errors"
	"github.com/xeipuuv/gojsonschema"

	"pushpay-service/internal/model"
)

const notificationSchema = `{
  "$schema": "http://json-schema.org/draft-07/schema#",
  "type": "object",
  "required": ["reference"],
  "properties": {
    "reference": { "type": "string", "minLength": 1 },
    "eventId": { "type": "string", "minLength": 1 },
    "idempotencyKey": { "type": "string", "minLength": 1 },
    "name": { "type": "string", "minLength": 1 },
    "state": { "type": "string", "minLength": 1 },
    "pspReference": { "type": "string" },
    "amount": {
      "type": "object",
      "required": ["value", "currency"],
      "properties": {
        "value": { "type": "integer", "minimum": 0 },
        "currency": { "type": "string", "pattern": "^[A-Z]{3}$" }
      }
    }
  },
  "allOf": [
    { "anyOf": [ { "required": ["eventId"] }, { "required": ["idempotencyKey"] } ] },
    { "anyOf": [ { "required": ["name"] }, { "required": ["state"] } ] }
  ]
}`

var notificationLoader = gojsonschema.NewStringLoader(notificationSchema)

var ErrInvalidNotification = errors.New("invalid notification payload")

type NotificationAmount struct {
	Value    int64  `json:"value"`
	Currency string `json:"currency"`
}

// Notification is the body of a payment webhook.
type Notification struct {
	Reference      string              `json:"reference"`
	EventID        string              `json:"eventId,omitempty"`
	IdempotencyKey string              `json:"idempotencyKey,omitempty"`
	Name           string              `json:"name,omitempty"`
	State          string              `json:"state,omitempty"`
	PspReference   string              `json:"pspReference,omitempty"`
	Amount         *NotificationAmount `json:"amount,omitempty"`
}

// Key is the identifier used for replay detection.
func (n Notification) Key() string {
	if n.EventID != "" {
		return n.EventID
	}
	return n.IdempotencyKey
}

func (n Notification) RemoteState() model.RemoteState {
	if n.Name != "" {
		return model.RemoteState(n.Name)
	}
	return model.RemoteState(n.State)
}

// DecodeNotification validates body against the notification schema before
// decoding it.
func DecodeNotification(body []byte) (Notification, error) {
	result, err := gojsonschema.Validate(notificationLoader, gojsonschema.NewBytesLoader(body))
	if err != nil {
		return Notification{}, errors.Wrap(ErrInvalidNotification, err.Error())
	}
	if !result.Valid() {
		var sb strings.Builder
		for i, e := range result.Errors() {
			if i > 0 {
				sb.WriteString("; ")
			}
			sb.WriteString(e.String())
		}
		return Notification{}, errors.Wrap(ErrInvalidNotification, sb.String())
	}

	var n Notification
	if err := json.Unmarshal(body, &n); err != nil {
		return Notification{}, errors.Wrap(ErrInvalidNotification, err.Error())
	}
	return n, nil
}
