// Package consumer reads percolator registration events from Kafka and
// registers their queries through the percolator engine.
package consumer

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/Adithya-Monish-Kumar-K/percolator/internal/percolator/index"
	apperrors "github.com/Adithya-Monish-Kumar-K/percolator/pkg/errors"
	"github.com/Adithya-Monish-Kumar-K/percolator/pkg/kafka"
	"github.com/Adithya-Monish-Kumar-K/percolator/pkg/logger"
)

// RegisterEvent asks for Source to be registered under ID.
type RegisterEvent struct {
	ID     string          `json:"id"`
	Source json.RawMessage `json:"source"`
}

// Registrar registers percolator documents. *percolator.Engine implements it.
type Registrar interface {
	Register(ctx context.Context, id string, source []byte) (index.Record, error)
}

// RegisterConsumer wraps a Kafka consumer to drive registrations.
type RegisterConsumer struct {
	consumer *kafka.Consumer
	logger   *slog.Logger
}

func New(kafkaConsumer *kafka.Consumer) *RegisterConsumer {
	return &RegisterConsumer{
		consumer: kafkaConsumer,
		logger:   logger.WithComponent("register-consumer"),
	}
}

// Start begins consuming Kafka messages. It blocks until ctx is cancelled.
func (rc *RegisterConsumer) Start(ctx context.Context) error {
	rc.logger.Info("register consumer starting")
	return rc.consumer.Start(ctx)
}

// HandleMessage returns a Kafka MessageHandler registering every event with
// r. Events that can never be accepted (undecodable, malformed query,
// duplicate query, unmapped field) are logged and committed; other failures
// are returned so the message is not committed.
func HandleMessage(r Registrar) kafka.MessageHandler {
	return func(ctx context.Context, key []byte, value []byte) error {
		log := logger.FromContext(ctx).With("component", "register-consumer")
		event, err := kafka.DecodeJSON[RegisterEvent](value)
		if err != nil {
			log.Error("failed to decode register event",
				"error", err,
				"key", string(key),
			)
			return nil
		}
		if event.ID == "" {
			event.ID = string(key)
		}
		log.Debug("processing register event", "doc_id", event.ID)

		rec, err := r.Register(ctx, event.ID, event.Source)
		if err != nil {
			if apperrors.IsClientError(err) {
				log.Warn("percolator query rejected",
					"doc_id", event.ID,
					"error", err,
				)
				return nil
			}
			return fmt.Errorf("registering percolator query %s: %w", event.ID, err)
		}
		log.Info("percolator query registered",
			"doc_id", rec.ID,
			"terms", len(rec.Terms),
			"unknown", rec.Unknown,
		)
		return nil
	}
}
