// Package membership keeps a ring in step with a backend registry, either
// from a feed of join/leave events or by reconciling against snapshots of
// the desired member set.
package membership

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/jcmexdev/ringsaga/internal/metrics"
	"github.com/jcmexdev/ringsaga/internal/ring"
)

// Target is the member set being maintained: *ring.Ring or *gateway.Gateway.
type Target interface {
	AddNode(id ring.NodeID) error
	RemoveNode(id ring.NodeID) error
	Nodes() []ring.NodeID
}

type EventType string

const (
	EventJoin  EventType = "join"
	EventLeave EventType = "leave"
)

// Event is one registry notification.
type Event struct {
	Type EventType   `json:"type"`
	Node ring.NodeID `json:"node"`
}

var ErrUnknownEvent = errors.New("membership: unknown event type")

// Source returns the desired member set.
type Source interface {
	Members(ctx context.Context) ([]ring.NodeID, error)
}

// SourceFunc adapts a func to Source.
type SourceFunc func(ctx context.Context) ([]ring.NodeID, error)

func (f SourceFunc) Members(ctx context.Context) ([]ring.NodeID, error) { return f(ctx) }

// Diff is what a reconciliation changed.
type Diff struct {
	Joined []ring.NodeID
	Left   []ring.NodeID
}

func (d Diff) Empty() bool { return len(d.Joined) == 0 && len(d.Left) == 0 }

type Option func(*Syncer)

func WithLogger(l *slog.Logger) Option {
	return func(s *Syncer) { s.logger = l }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Syncer) { s.metrics = m }
}

// Syncer applies membership changes to a Target one at a time.
type Syncer struct {
	mu      sync.Mutex
	target  Target
	logger  *slog.Logger
	metrics *metrics.Metrics
}

func NewSyncer(target Target, opts ...Option) *Syncer {
	s := &Syncer{
		target: target,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Apply handles one event. Registries redeliver, so a join of a present node
// or a leave of an absent one is logged and ignored.
func (s *Syncer) Apply(ctx context.Context, ev Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.apply(ctx, ev)
}

func (s *Syncer) apply(ctx context.Context, ev Event) error {
	var err error
	switch ev.Type {
	case EventJoin:
		err = s.target.AddNode(ev.Node)
		if errors.Is(err, ring.ErrDuplicateNode) {
			s.ignored(ctx, ev, err)
			return nil
		}
	case EventLeave:
		err = s.target.RemoveNode(ev.Node)
		if errors.Is(err, ring.ErrNodeNotFound) {
			s.ignored(ctx, ev, err)
			return nil
		}
	default:
		s.metrics.RecordMembershipChange(string(ev.Type), "rejected")
		return fmt.Errorf("%w: %q", ErrUnknownEvent, ev.Type)
	}

	if err != nil {
		s.metrics.RecordMembershipChange(string(ev.Type), "rejected")
		s.logger.WarnContext(ctx, "membership change rejected", "event", ev.Type, "node", string(ev.Node), "error", err)
		return err
	}
	s.metrics.RecordMembershipChange(string(ev.Type), "applied")
	s.logger.InfoContext(ctx, "membership change applied", "event", ev.Type, "node", string(ev.Node))
	return nil
}

func (s *Syncer) ignored(ctx context.Context, ev Event, err error) {
	s.metrics.RecordMembershipChange(string(ev.Type), "ignored")
	s.logger.DebugContext(ctx, "membership change ignored", "event", ev.Type, "node", string(ev.Node), "reason", err)
}

// Reconcile joins the desired nodes that are missing and removes the members
// that are not desired. Joins run before leaves so the ring never empties
// while the sets overlap. Every change is attempted; the errors are joined.
func (s *Syncer) Reconcile(ctx context.Context, desired []ring.NodeID) (Diff, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	want := make(map[ring.NodeID]struct{}, len(desired))
	for _, id := range desired {
		want[id] = struct{}{}
	}
	have := make(map[ring.NodeID]struct{})
	for _, id := range s.target.Nodes() {
		have[id] = struct{}{}
	}

	var diff Diff
	var errs []error
	for _, id := range sortedKeys(want) {
		if _, ok := have[id]; ok {
			continue
		}
		if err := s.apply(ctx, Event{Type: EventJoin, Node: id}); err != nil {
			errs = append(errs, err)
			continue
		}
		diff.Joined = append(diff.Joined, id)
	}
	for _, id := range sortedKeys(have) {
		if _, ok := want[id]; ok {
			continue
		}
		if err := s.apply(ctx, Event{Type: EventLeave, Node: id}); err != nil {
			errs = append(errs, err)
			continue
		}
		diff.Left = append(diff.Left, id)
	}

	if !diff.Empty() {
		s.logger.InfoContext(ctx, "membership reconciled", "joined", len(diff.Joined), "left", len(diff.Left))
	}
	return diff, errors.Join(errs...)
}

// Run applies events until ctx ends or events is closed. Failed events are
// logged and skipped.
func (s *Syncer) Run(ctx context.Context, events <-chan Event) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-events:
			if !ok {
				return nil
			}
			if err := s.Apply(ctx, ev); err != nil {
				s.logger.ErrorContext(ctx, "failed to apply membership event", "event", ev.Type, "node", string(ev.Node), "error", err)
			}
		}
	}
}

// Poll reconciles against src right away and then every interval until ctx
// ends.
func (s *Syncer) Poll(ctx context.Context, interval time.Duration, src Source) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		s.pollOnce(ctx, src)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

func (s *Syncer) pollOnce(ctx context.Context, src Source) {
	members, err := src.Members(ctx)
	if err != nil {
		s.logger.WarnContext(ctx, "membership source unavailable", "error", err)
		return
	}
	if _, err := s.Reconcile(ctx, members); err != nil {
		s.logger.ErrorContext(ctx, "membership reconcile incomplete", "error", err)
	}
}

func sortedKeys(m map[ring.NodeID]struct{}) []ring.NodeID {
	out := make([]ring.NodeID, 0, len(m))
	for id := range m {
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
