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
	"runtime/debug"
	"sync"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/cardinalhq/confkeeper/internal/idgen"
	"github.com/cardinalhq/confkeeper/internal/logctx"
	"github.com/cardinalhq/confkeeper/internal/nodes"
)

// SendingNodeHeader carries the identity of the publishing node.
const SendingNodeHeader = "sending-node"

// Handler receives change events. It runs on the goroutine that committed
// the change or received it from the bus.
type Handler func(ctx context.Context, ev ChangeEvent)

// Bus spreads events to the other nodes of the cluster.
type Bus interface {
	Publish(ctx context.Context, ev ChangeEvent) error
	Close() error
}

// Receiver handles events published by any node, including this one.
type Receiver interface {
	Receive(ctx context.Context, sender string, ev ChangeEvent) error
}

// Refresher reloads a subtree that another node changed.
type Refresher interface {
	RefreshNode(ctx context.Context, path nodes.Path) error
}

type subscription struct {
	scope nodes.Path
	fn    Handler
}

// Broker is the node-local hub for change events.
type Broker struct {
	node string
	bus  Bus

	mu        sync.RWMutex
	subs      map[int]subscription
	nextSub   int
	refresher Refresher
}

var _ Receiver = (*Broker)(nil)

// NewBroker creates a broker for node. bus may be nil for a single node.
func NewBroker(node string, bus Bus) *Broker {
	return &Broker{node: node, bus: bus, subs: map[int]subscription{}}
}

func (b *Broker) Node() string { return b.node }

// SetRefresher sets what reloads state changed by other nodes.
func (b *Broker) SetRefresher(r Refresher) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.refresher = r
}

// Subscribe calls fn for every event that affects scope. An empty scope
// matches everything. The returned function cancels the subscription.
func (b *Broker) Subscribe(scope nodes.Path, fn Handler) func() {
	b.mu.Lock()
	defer b.mu.Unlock()
	id := b.nextSub
	b.nextSub++
	b.subs[id] = subscription{scope: scope, fn: fn}
	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		delete(b.subs, id)
	}
}

// SendClusterScoped notifies this node's subscribers and then the rest of
// the cluster. Subscribers see the event even if publishing fails.
func (b *Broker) SendClusterScoped(ctx context.Context, ev ChangeEvent) error {
	if ev.ID == "" {
		ev.ID = idgen.NewEventID()
	}
	if ev.OriginNode == "" {
		ev.OriginNode = b.node
	}
	if ev.Context == "" {
		ev.Context = ContextConfigChange
	}

	b.SendLocalScoped(ctx, ev)

	if b.bus == nil {
		return nil
	}
	logctx.FromContext(ctx).Info("Sending cluster-wide config change notification",
		slog.String("event", ev.ID),
		slog.Any("changedPaths", ev.ChangedPaths))
	if err := b.bus.Publish(ctx, ev); err != nil {
		eventsPublished.Add(ctx, 1, metric.WithAttributes(attribute.Bool("success", false)))
		return err
	}
	eventsPublished.Add(ctx, 1, metric.WithAttributes(attribute.Bool("success", true)))
	return nil
}

// SendLocalScoped notifies this node's subscribers only.
func (b *Broker) SendLocalScoped(ctx context.Context, ev ChangeEvent) {
	b.mu.RLock()
	matched := make([]Handler, 0, len(b.subs))
	for _, s := range b.subs {
		if s.scope.IsRoot() || ev.Affects(s.scope) {
			matched = append(matched, s.fn)
		}
	}
	b.mu.RUnlock()

	for _, fn := range matched {
		b.dispatch(ctx, fn, ev)
	}
}

func (b *Broker) dispatch(ctx context.Context, fn Handler, ev ChangeEvent) {
	defer func() {
		if p := recover(); p != nil {
			logctx.FromContext(ctx).Error("Change subscriber panicked",
				slog.String("event", ev.ID),
				slog.Any("panic", p),
				slog.String("stack", string(debug.Stack())))
		}
	}()
	fn(ctx, ev)
}

// Receive handles an event from the bus. Events this node sent were
// already dispatched when they were committed and are dropped. Foreign
// events first refresh the changed subtrees, so subscribers reading the
// store observe the new state.
func (b *Broker) Receive(ctx context.Context, sender string, ev ChangeEvent) error {
	if sender == "" {
		sender = ev.OriginNode
	}
	if sender == b.node {
		eventsReceived.Add(ctx, 1, metric.WithAttributes(attribute.Bool("own", true)))
		return nil
	}
	eventsReceived.Add(ctx, 1, metric.WithAttributes(attribute.Bool("own", false)))

	logger := logctx.FromContext(ctx).With(slog.String("event", ev.ID), slog.String("sender", sender))
	logger.Debug("Received config change notification", slog.Any("changedPaths", ev.ChangedPaths))

	b.mu.RLock()
	refresher := b.refresher
	b.mu.RUnlock()

	if refresher != nil {
		if err := b.refresh(ctx, refresher, ev); err != nil {
			logger.Error("Failed to refresh changed configuration, reloading everything", slog.Any("error", err))
			if err := refresher.RefreshNode(ctx, nil); err != nil {
				return err
			}
		}
	}

	b.SendLocalScoped(ctx, ev)
	return nil
}

func (b *Broker) refresh(ctx context.Context, r Refresher, ev ChangeEvent) error {
	paths, err := ev.Paths()
	if err != nil {
		return err
	}
	for _, p := range Collapse(paths) {
		if err := r.RefreshNode(ctx, p); err != nil {
			return err
		}
	}
	return nil
}

// Close closes the bus.
func (b *Broker) Close() error {
	if b.bus == nil {
		return nil
	}
	return b.bus.Close()
}
