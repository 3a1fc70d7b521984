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
	"sync"
)

// LocalBus delivers events synchronously to receivers in the same
// process. It connects brokers of several stores sharing one backend.
type LocalBus struct {
	mu        sync.RWMutex
	receivers []Receiver
}

var _ Bus = (*LocalBus)(nil)

func NewLocalBus() *LocalBus {
	return &LocalBus{}
}

func (b *LocalBus) Attach(r Receiver) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.receivers = append(b.receivers, r)
}

// Publish delivers ev to every attached receiver, the sender included.
func (b *LocalBus) Publish(ctx context.Context, ev ChangeEvent) error {
	b.mu.RLock()
	receivers := append([]Receiver(nil), b.receivers...)
	b.mu.RUnlock()

	var errs []error
	for _, r := range receivers {
		errs = append(errs, r.Receive(ctx, ev.OriginNode, ev))
	}
	return errors.Join(errs...)
}

func (b *LocalBus) Close() error { return nil }
