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

package notify

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/cardinalhq/confkeeper/internal/fly"
	"github.com/cardinalhq/confkeeper/internal/logctx"
)

// KafkaBus publishes events to a Kafka topic and consumes them with a
// consumer group of its own, so every node sees every event.
type KafkaBus struct {
	topic    string
	producer fly.Producer
	consumer fly.Consumer
}

var _ Bus = (*KafkaBus)(nil)

func NewKafkaBus(factory *fly.Factory, node string) (*KafkaBus, error) {
	topic := factory.GetConfig().Topic
	if topic == "" {
		topic = fly.DefaultChangesTopic
	}
	producer, err := factory.CreateProducer()
	if err != nil {
		return nil, fmt.Errorf("create change event producer: %w", err)
	}
	consumer, err := factory.CreateNodeConsumer(topic, node)
	if err != nil {
		_ = producer.Close()
		return nil, fmt.Errorf("create change event consumer: %w", err)
	}
	return newKafkaBus(topic, producer, consumer), nil
}

func newKafkaBus(topic string, producer fly.Producer, consumer fly.Consumer) *KafkaBus {
	return &KafkaBus{topic: topic, producer: producer, consumer: consumer}
}

func (b *KafkaBus) Publish(ctx context.Context, ev ChangeEvent) error {
	value, err := ev.Marshal()
	if err != nil {
		return err
	}
	return b.producer.Send(ctx, b.topic, fly.Message{
		Key:     []byte(ev.OriginNode),
		Value:   value,
		Headers: map[string]string{SendingNodeHeader: ev.OriginNode},
	})
}

// Run feeds consumed events to r until ctx is done. Malformed messages are
// logged and skipped; a failing receiver stops the loop.
func (b *KafkaBus) Run(ctx context.Context, r Receiver) error {
	err := b.consumer.Consume(ctx, func(ctx context.Context, m fly.ConsumedMessage) error {
		ev, err := UnmarshalEvent(m.Value)
		if err != nil {
			logctx.FromContext(ctx).Warn("Dropping malformed change event",
				slog.Int64("offset", m.Offset),
				slog.Any("error", err))
			return nil
		}
		return r.Receive(ctx, m.Headers[SendingNodeHeader], ev)
	})
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func (b *KafkaBus) Close() error {
	return errors.Join(b.producer.Close(), b.consumer.Close())
}
