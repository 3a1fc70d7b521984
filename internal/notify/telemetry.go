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
	"log"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
)

var (
	eventsPublished metric.Int64Counter
	eventsReceived  metric.Int64Counter
)

func init() {
	meter := otel.Meter("github.com/cardinalhq/confkeeper/internal/notify")

	var err error

	eventsPublished, err = meter.Int64Counter(
		"confkeeper.notify.events.published",
		metric.WithDescription("Number of change events published to the cluster bus"),
	)
	if err != nil {
		log.Fatalf("failed to create events.published counter: %v", err)
	}

	eventsReceived, err = meter.Int64Counter(
		"confkeeper.notify.events.received",
		metric.WithDescription("Number of change events received from the cluster bus"),
	)
	if err != nil {
		log.Fatalf("failed to create events.received counter: %v", err)
	}
}
