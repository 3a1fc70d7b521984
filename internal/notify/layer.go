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
	"log/slog"
	"slices"

	mapset "github.com/deckarep/golang-set/v2"

	"github.com/cardinalhq/confkeeper/internal/logctx"
	"github.com/cardinalhq/confkeeper/internal/nodes"
	"github.com/cardinalhq/confkeeper/internal/storage"
	"github.com/cardinalhq/confkeeper/internal/txn"
)

// Sender publishes a change event to the cluster.
type Sender interface {
	SendClusterScoped(ctx context.Context, ev ChangeEvent) error
}

// Layer records the paths written through it and sends them as one event
// once the transaction commits. A rolled back transaction sends nothing.
type Layer struct {
	storage.Configuration
	sender Sender
}

var _ storage.Configuration = (*Layer)(nil)

func NewLayer(inner storage.Configuration, sender Sender) *Layer {
	return &Layer{Configuration: inner, sender: sender}
}

func (l *Layer) PersistNode(ctx context.Context, path nodes.Path, node any) error {
	if err := l.Configuration.PersistNode(ctx, path, node); err != nil {
		return err
	}
	return l.record(ctx, path)
}

func (l *Layer) RemoveNode(ctx context.Context, path nodes.Path) error {
	if err := l.Configuration.RemoveNode(ctx, path); err != nil {
		return err
	}
	return l.record(ctx, path)
}

func (l *Layer) record(ctx context.Context, path nodes.Path) error {
	tx := txn.Active(ctx)
	if tx == nil {
		l.send(ctx, []string{path.String()})
		return nil
	}

	changed, ok := tx.Resource(l).(mapset.Set[string])
	if !ok {
		changed = mapset.NewSet[string]()
		err := tx.RegisterSynchronization(txn.SyncFuncs{
			After: func(ctx context.Context, committed bool) {
				if committed && changed.Cardinality() > 0 {
					paths := changed.ToSlice()
					slices.Sort(paths)
					l.send(ctx, paths)
				}
			},
		})
		if err != nil {
			return storage.WrapError("register notification", path, err)
		}
		tx.PutResource(l, changed)
	}
	changed.Add(path.String())
	return nil
}

// send never fails the caller: the change is already durable.
func (l *Layer) send(ctx context.Context, paths []string) {
	ev := ChangeEvent{ChangedPaths: paths, Context: ContextConfigChange}
	if err := l.sender.SendClusterScoped(ctx, ev); err != nil {
		logctx.FromContext(ctx).Error("Failed to send config change notification",
			slog.Any("changedPaths", paths),
			slog.Any("error", err))
	}
}
