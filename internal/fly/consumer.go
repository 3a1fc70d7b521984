// Copyright (C) 2025 CardinalHQ, Inc
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as
// published by the Free Software Foundation, version 3.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program. If not, see <http://www.gnu.org/licenses/>.

package fly

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/segmentio/kafka-go/sasl"

	"github.com/cardinalhq/confkeeper/internal/logctx"
)

// MessageHandler processes one consumed message. A returned error stops
// consumption without committing the message.
type MessageHandler func(ctx context.Context, message ConsumedMessage) error

// Consumer reads a topic as part of a consumer group.
type Consumer interface {
	Consume(ctx context.Context, handler MessageHandler) error
	Close() error
}

// ConsumerConfig contains configuration for the Kafka consumer
type ConsumerConfig struct {
	Brokers     []string
	Topic       string
	GroupID     string
	MinBytes    int
	MaxBytes    int
	MaxWait     time.Duration
	StartOffset int64

	SASLMechanism     sasl.Mechanism
	TLSConfig         *tls.Config
	ConnectionTimeout time.Duration
}

type kafkaConsumer struct {
	config ConsumerConfig
	reader *kafka.Reader
}

// NewConsumer creates a consumer that commits each message after its
// handler succeeded.
func NewConsumer(config ConsumerConfig) Consumer {
	timeout := config.ConnectionTimeout
	if timeout == 0 {
		timeout = 10 * time.Second
	}
	return &kafkaConsumer{
		config: config,
		reader: kafka.NewReader(kafka.ReaderConfig{
			Brokers:     config.Brokers,
			Topic:       config.Topic,
			GroupID:     config.GroupID,
			MinBytes:    config.MinBytes,
			MaxBytes:    config.MaxBytes,
			MaxWait:     config.MaxWait,
			StartOffset: config.StartOffset,
			Dialer: &kafka.Dialer{
				Timeout:       timeout,
				SASLMechanism: config.SASLMechanism,
				TLS:           config.TLSConfig,
			},
		}),
	}
}

// Consume blocks until ctx is done or the handler fails.
func (c *kafkaConsumer) Consume(ctx context.Context, handler MessageHandler) error {
	logctx.FromContext(ctx).Debug("Starting Kafka consumer",
		slog.String("topic", c.config.Topic),
		slog.String("consumerGroup", c.config.GroupID))

	for {
		km, err := c.reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if errors.Is(err, context.Canceled) {
				return err
			}
			return fmt.Errorf("failed to fetch message: %w", err)
		}
		if err := handler(ctx, fromKafka(km)); err != nil {
			return fmt.Errorf("handler failed: %w", err)
		}
		if err := c.reader.CommitMessages(ctx, km); err != nil {
			return fmt.Errorf("failed to commit message: %w", err)
		}
	}
}

func (c *kafkaConsumer) Close() error {
	return c.reader.Close()
}
