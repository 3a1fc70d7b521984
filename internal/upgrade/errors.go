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


package upgrade

import (
	"fmt"
	"time"
)

// UpgradeError is a failed upgrade. Step names the step that failed.
type UpgradeError struct {
	Step string
	Err  error
}

func (e *UpgradeError) Error() string {
	if e.Step == "" {
		return fmt.Sprintf("configuration upgrade failed: %v", e.Err)
	}
	return fmt.Sprintf("configuration upgrade failed at %s: %v", e.Step, e.Err)
}

func (e *UpgradeError) Unwrap() error { return e.Err }

// VersionWaitTimeoutError is returned by a follower that never saw the
// target version.
type VersionWaitTimeoutError struct {
	Expected string
	Observed string
	Waited   time.Duration
}

func (e *VersionWaitTimeoutError) Error() string {
	observed := e.Observed
	if observed == "" {
		observed = NoVersion
	}
	return fmt.Sprintf("waited %s for configuration version %q but found %q; configuration will not be initialized",
		e.Waited, e.Expected, observed)
}
