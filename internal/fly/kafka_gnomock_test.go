//go:build kafkatest

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
	"fmt"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/orlangure/gnomock"
	kafkapreset "github.com/orlangure/gnomock/preset/kafka"
	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var sharedBroker string

func TestMain(m *testing.M) {
	container, err := gnomock.Start(kafkapreset.Preset())
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to start Kafka container: %v\n", err)
		os.Exit(1)
	}
	sharedBroker = container.Address(kafkapreset.BrokerPort)

	code := m.Run()

	if err := gnomock.Stop(container); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to stop Kafka container: %v\n", err)
	}
	os.Exit(code)
}

func createTopic(t *testing.T, topic string) {
	t.Helper()
	conn, err := kafka.Dial("tcp", sharedBroker)
	require.NoError(t, err)
	defer conn.Close()

	err = conn.CreateTopics(kafka.TopicConfig{Topic: topic, NumPartitions: 1, ReplicationFactor: 1})
	if err != nil && !strings.Contains(err.Error(), "Topic already exists") {
		require.NoError(t, err)
	}

	require.Eventually(t, func() bool {
		partitions, err := conn.ReadPartitions(topic)
		return err == nil && len(partitions) > 0
	}, 10*time.Second, 100*time.Millisecond)
}

func TestProducerConsumerRoundTrip(t *testing.T) {
	topic := fmt.Sprintf("changes-%d", time.Now().UnixNano())
	createTopic(t, topic)

	cfg := DefaultConfig()
	cfg.Brokers = []string{sharedBroker}
	cfg.ConsumerMaxWait = 100 * time.Millisecond
	factory := NewFactory(cfg)

	consumer := NewConsumer(ConsumerConfig{
		Brokers:     cfg.Brokers,
		Topic:       topic,
		GroupID:     cfg.GetConsumerGroup("node-b"),
		MinBytes:    1,
		MaxBytes:    1 << 20,
		MaxWait:     100 * time.Millisecond,
		StartOffset: kafka.FirstOffset,
	})
	defer consumer.Close()

	producer, err := factory.CreateProducer()
	require.NoError(t, err)
	defer producer.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	require.NoError(t, producer.Send(ctx, topic, Message{
		Value:   []byte(`{"id":"e1"}`),
		Headers: map[string]string{"sending-node": "node-a"},
	}))

	received := make(chan ConsumedMessage, 1)
	go func() {
		_ = consumer.Consume(ctx, func(_ context.Context, m ConsumedMessage) error {
			received <- m
			cancel()
			return nil
		})
	}()

	select {
	case m := <-received:
		assert.Equal(t, "node-a", m.Headers["sending-node"])
		assert.JSONEq(t, `{"id":"e1"}`, string(m.Value))
	case <-time.After(30 * time.Second):
		t.Fatal("message not received")
	}
}
