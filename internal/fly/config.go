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

// Package fly is the Kafka transport used to spread configuration change
// events across the cluster.
package fly

import (
	"time"
)

// DefaultChangesTopic carries configuration change events.
const DefaultChangesTopic = "confkeeper.config.changes"

// Config holds the Kafka configuration
type Config struct {
	Enabled bool     `mapstructure:"enabled"`
	Brokers []string `mapstructure:"brokers"`

	// Topic receives one message per committed modifying transaction.
	Topic string `mapstructure:"topic"`

	SASLEnabled   bool   `mapstructure:"sasl_enabled"`
	SASLMechanism string `mapstructure:"sasl_mechanism"` // "SCRAM-SHA-256", "SCRAM-SHA-512" or "PLAIN"
	SASLUsername  string `mapstructure:"sasl_username"`
	SASLPassword  string `mapstructure:"sasl_password"`

	TLSEnabled    bool `mapstructure:"tls_enabled"`
	TLSSkipVerify bool `mapstructure:"tls_skip_verify"`

	ProducerBatchTimeout time.Duration `mapstructure:"producer_batch_timeout"`
	ProducerCompression  string        `mapstructure:"producer_compression"`

	// Every node consumes all events, so each one needs its own group.
	ConsumerGroupPrefix string        `mapstructure:"consumer_group_prefix"`
	ConsumerMaxWait     time.Duration `mapstructure:"consumer_max_wait"`
	ConsumerMinBytes    int           `mapstructure:"consumer_min_bytes"`
	ConsumerMaxBytes    int           `mapstructure:"consumer_max_bytes"`

	ConnectionTimeout time.Duration `mapstructure:"connection_timeout"`
}

// DefaultConfig returns a default configuration
func DefaultConfig() *Config {
	return &Config{
		Enabled: false,
		Brokers: []string{"localhost:9092"},
		Topic:   DefaultChangesTopic,

		SASLMechanism: "SCRAM-SHA-256",

		ProducerBatchTimeout: 10 * time.Millisecond,
		ProducerCompression:  "snappy",

		ConsumerGroupPrefix: "confkeeper",
		ConsumerMaxWait:     500 * time.Millisecond,
		ConsumerMinBytes:    1,
		ConsumerMaxBytes:    1024 * 1024,

		ConnectionTimeout: 10 * time.Second,
	}
}

// GetConsumerGroup returns the consumer group of the given node.
func (c *Config) GetConsumerGroup(node string) string {
	return c.ConsumerGroupPrefix + "." + node
}
