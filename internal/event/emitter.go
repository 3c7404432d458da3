package event

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/VictoriaMetrics/metrics"
	"github.com/pkg/errors"
	"github.com/segmentio/kafka-go"

	"pushpay-service/internal/model"
)

var (
	emitterSuccessCounter = metrics.GetOrCreateCounter(`settlement_emitter_total{result="published"}`)
	emitterErrorCounter   = metrics.GetOrCreateCounter(`settlement_emitter_total{result="publish_failed"}`)
)

// MessageWriter is satisfied by *kafka.Writer.
type MessageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
}

// KafkaEmitter publishes settlement events keyed by local reference.
type KafkaEmitter struct {
	writer MessageWriter
	logger *slog.Logger
}

func NewKafkaEmitter(writer MessageWriter, logger *slog.Logger) *KafkaEmitter {
	return &KafkaEmitter{writer: writer, logger: logger}
}

func (e *KafkaEmitter) Emit(ctx context.Context, event model.SettlementEvent) error {
	value, err := json.Marshal(event)
	if err != nil {
		return errors.Wrap(err, "marshal settlement event")
	}

	msg := kafka.Message{
		Key:   []byte(event.LocalReference),
		Value: value,
	}

	e.logger.DebugContext(ctx, "Writing settlement event to Kafka", "id", event.ID)
	if err := e.writer.WriteMessages(ctx, msg); err != nil {
		emitterErrorCounter.Inc()
		return errors.Wrapf(err, "publish settlement %s", event.ID)
	}

	emitterSuccessCounter.Inc()
	e.logger.InfoContext(ctx, "Settlement event published", "id", event.ID, "localState", event.LocalState)
	return nil
}

// LogEmitter writes settlement events to the log when no broker is configured.
type LogEmitter struct {
	logger *slog.Logger
}

func NewLogEmitter(logger *slog.Logger) *LogEmitter {
	return &LogEmitter{logger: logger}
}

func (e *LogEmitter) Emit(ctx context.Context, event model.SettlementEvent) error {
	e.logger.InfoContext(ctx, "Settlement", "value", event)
	return nil
}
