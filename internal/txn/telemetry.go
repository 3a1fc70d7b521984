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

package txn

import (
	"log"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
)

var (
	txCommits   metric.Int64Counter
	txRollbacks metric.Int64Counter
)

func init() {
	meter := otel.Meter("github.com/cardinalhq/confkeeper/internal/txn")

	var err error

	txCommits, err = meter.Int64Counter(
		"confkeeper.tx.commits",
		metric.WithDescription("Number of committed configuration transactions"),
	)
	if err != nil {
		log.Fatalf("failed to create tx.commits counter: %v", err)
	}

	txRollbacks, err = meter.Int64Counter(
		"confkeeper.tx.rollbacks",
		metric.WithDescription("Number of rolled back configuration transactions"),
	)
	if err != nil {
		log.Fatalf("failed to create tx.rollbacks counter: %v", err)
	}
}
