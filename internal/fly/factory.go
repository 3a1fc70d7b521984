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
	"crypto/tls"
	"fmt"
	"strings"

	"github.com/segmentio/kafka-go"
	"github.com/segmentio/kafka-go/sasl"
	"github.com/segmentio/kafka-go/sasl/plain"
	"github.com/segmentio/kafka-go/sasl/scram"
)

// Factory creates producers and consumers from one Config.
type Factory struct {
	config *Config
}

func NewFactory(cfg *Config) *Factory {
	return &Factory{config: cfg}
}

func (f *Factory) GetConfig() *Config {
	return f.config
}

func compression(name string) (kafka.Compression, error) {
	switch strings.ToLower(name) {
	case "", "none", "uncompressed":
		return 0, nil
	case "gzip":
		return kafka.Gzip, nil
	case "snappy":
		return kafka.Snappy, nil
	case "lz4":
		return kafka.Lz4, nil
	case "zstd":
		return kafka.Zstd, nil
	default:
		return 0, fmt.Errorf("unsupported compression: %s", name)
	}
}

// security returns the SASL mechanism and TLS settings, either may be nil.
func (f *Factory) security() (sasl.Mechanism, *tls.Config, error) {
	var mechanism sasl.Mechanism
	if f.config.SASLEnabled {
		var err error
		mechanism, err = f.saslMechanism()
		if err != nil {
			return nil, nil, fmt.Errorf("failed to create SASL mechanism: %w", err)
		}
	}
	var tlsConfig *tls.Config
	if f.config.TLSEnabled {
		tlsConfig = &tls.Config{InsecureSkipVerify: f.config.TLSSkipVerify}
	}
	return mechanism, tlsConfig, nil
}

func (f *Factory) saslMechanism() (sasl.Mechanism, error) {
	switch f.config.SASLMechanism {
	case "SCRAM-SHA-256":
		return scram.Mechanism(scram.SHA256, f.config.SASLUsername, f.config.SASLPassword)
	case "SCRAM-SHA-512":
		return scram.Mechanism(scram.SHA512, f.config.SASLUsername, f.config.SASLPassword)
	case "PLAIN":
		return plain.Mechanism{
			Username: f.config.SASLUsername,
			Password: f.config.SASLPassword,
		}, nil
	default:
		return nil, fmt.Errorf("unsupported SASL mechanism: %s", f.config.SASLMechanism)
	}
}

func (f *Factory) CreateProducer() (Producer, error) {
	comp, err := compression(f.config.ProducerCompression)
	if err != nil {
		return nil, err
	}
	mechanism, tlsConfig, err := f.security()
	if err != nil {
		return nil, err
	}
	return NewProducer(ProducerConfig{
		Brokers:       f.config.Brokers,
		BatchTimeout:  f.config.ProducerBatchTimeout,
		RequiredAcks:  kafka.RequireOne,
		Compression:   comp,
		SASLMechanism: mechanism,
		TLSConfig:     tlsConfig,
	}), nil
}

// CreateNodeConsumer creates a consumer of topic in the group of node.
// It starts at the newest offset: events older than the node's startup
// are already reflected in the state it loaded.
func (f *Factory) CreateNodeConsumer(topic, node string) (Consumer, error) {
	mechanism, tlsConfig, err := f.security()
	if err != nil {
		return nil, err
	}
	return NewConsumer(ConsumerConfig{
		Brokers:           f.config.Brokers,
		Topic:             topic,
		GroupID:           f.config.GetConsumerGroup(node),
		MinBytes:          f.config.ConsumerMinBytes,
		MaxBytes:          f.config.ConsumerMaxBytes,
		MaxWait:           f.config.ConsumerMaxWait,
		StartOffset:       kafka.LastOffset,
		SASLMechanism:     mechanism,
		TLSConfig:         tlsConfig,
		ConnectionTimeout: f.config.ConnectionTimeout,
	}), nil
}

func (f *Factory) CreateTopicSyncer() *TopicSyncer {
	return NewTopicSyncer(f)
}
