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
	"log/slog"
	"time"

	"github.com/cardinalhq/kafka-sync/kafkasync"

	"github.com/cardinalhq/confkeeper/internal/logctx"
)

// TopicSyncer creates or checks the topics confkeeper needs.
type TopicSyncer struct {
	factory *Factory
}

func NewTopicSyncer(factory *Factory) *TopicSyncer {
	return &TopicSyncer{factory: factory}
}

// SyncTopics compares the broker with topicsConfig. With fix set, missing
// topics are created and drifted settings are corrected.
func (ts *TopicSyncer) SyncTopics(ctx context.Context, topicsConfig *kafkasync.Config, fix bool) error {
	mechanism, tlsConfig, err := ts.factory.security()
	if err != nil {
		return err
	}
	syncer, err := kafkasync.NewSyncer(kafkasync.ConnectionConfig{
		BootstrapServers: ts.factory.config.Brokers,
		SASLMechanism:    mechanism,
		TLS:              tlsConfig,
	}, topicsConfig)
	if err != nil {
		return fmt.Errorf("failed to create syncer: %w", err)
	}

	mode, modeStr := kafkasync.SyncModeInfo, "info"
	if fix {
		mode, modeStr = kafkasync.SyncModeFix, "fix"
	}

	logger := logctx.FromContext(ctx)
	logger.Info("Starting Kafka topic synchronization",
		slog.String("mode", modeStr),
		slog.Int("topic_count", len(topicsConfig.Topics)))

	if err := syncer.Sync(ctx, mode); err != nil {
		return fmt.Errorf("failed to sync topics: %w", err)
	}
	logger.Info("Kafka topic synchronization completed")
	return nil
}

// LoadTopicsConfig loads a kafkasync configuration from a file
func LoadTopicsConfig(filename string) (*kafkasync.Config, error) {
	return kafkasync.LoadConfigFromFile(filename)
}

// DefaultTopicsConfig describes the change topic. A single partition keeps
// events in commit order.
func DefaultTopicsConfig(topic string) *kafkasync.Config {
	return &kafkasync.Config{
		Defaults: kafkasync.Defaults{
			PartitionCount:    1,
			ReplicationFactor: 3,
			TopicConfig: map[string]string{
				"retention.ms": "86400000",
			},
		},
		Topics:           []kafkasync.Topic{{Name: topic}},
		OperationTimeout: time.Minute,
	}
}
