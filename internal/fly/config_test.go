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
	"testing"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	assert.False(t, cfg.Enabled)
	assert.Equal(t, []string{"localhost:9092"}, cfg.Brokers)
	assert.Equal(t, DefaultChangesTopic, cfg.Topic)
	assert.False(t, cfg.SASLEnabled)
	assert.Equal(t, "SCRAM-SHA-256", cfg.SASLMechanism)
	assert.Equal(t, "snappy", cfg.ProducerCompression)
	assert.Equal(t, "confkeeper", cfg.ConsumerGroupPrefix)
	assert.Equal(t, 500*time.Millisecond, cfg.ConsumerMaxWait)
}

func TestGetConsumerGroup(t *testing.T) {
	cfg := &Config{ConsumerGroupPrefix: "confkeeper"}

	tests := []struct {
		node     string
		expected string
	}{
		{"archive-0", "confkeeper.archive-0"},
		{"archive-1", "confkeeper.archive-1"},
		{"", "confkeeper."},
	}
	for _, tt := range tests {
		t.Run(tt.node, func(t *testing.T) {
			assert.Equal(t, tt.expected, cfg.GetConsumerGroup(tt.node))
		})
	}
}

func TestCompression(t *testing.T) {
	tests := []struct {
		name    string
		want    kafka.Compression
		wantErr bool
	}{
		{"", 0, false},
		{"none", 0, false},
		{"GZIP", kafka.Gzip, false},
		{"snappy", kafka.Snappy, false},
		{"lz4", kafka.Lz4, false},
		{"zstd", kafka.Zstd, false},
		{"brotli", 0, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := compression(tt.name)
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestDefaultTopicsConfig(t *testing.T) {
	cfg := DefaultTopicsConfig("changes")
	require.Len(t, cfg.Topics, 1)
	assert.Equal(t, "changes", cfg.Topics[0].Name)
	assert.Equal(t, 1, cfg.Defaults.PartitionCount)
}
