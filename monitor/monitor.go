// Package monitor follows player state over time. It records bounded
// per-player snapshot histories from hub events, surfaces announcement
// start and end edges, and answers "is the announcement done yet" by
// polling the hub's player cache.
package monitor

import (
	"context"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"

	"heraldcast.app/herald/hub"
)

const (
	// DefaultHistoryLimit bounds how many snapshots are kept per player.
	DefaultHistoryLimit = 100
	// DefaultPollInterval is the cadence of completion checks.
	DefaultPollInterval = 500 * time.Millisecond
	// DefaultCompletionTimeout caps how long WaitForCompletion blocks
	// when the caller gives no budget.
	DefaultCompletionTimeout = 5 * time.Minute
)

// ErrPlayerVanished reports that a player dropped off the hub while we
// were waiting on it.
var ErrPlayerVanished = errors.New("player disappeared from the hub")

// StateSource is the slice of the hub client the monitor needs.
type StateSource interface {
	CachedPlayer(playerID string) (hub.Player, bool)
	Subscribe(fn func(hub.Event)) func()
}

// Monitor records player snapshots and detects announcement edges.
// Zero values for the knobs select the package defaults.
type Monitor struct {
	HistoryLimit int
	PollInterval time.Duration

	Logger      zerolog.Logger
	LogOutput   io.Writer
	initLogOnce sync.Once

	src StateSource

	mu      sync.Mutex
	tracked map[string]*tracking

	closeOnce sync.Once
	unsub     func()
}

type tracking struct {
	history  []Snapshot
	nextID   int
	watchers map[int]watcher
}

type watcher struct {
	onState func(Snapshot)
	onEdge  func(Edge)
}

// New builds a Monitor and subscribes it to src's event stream.
func New(src StateSource) *Monitor {
	m := &Monitor{
		src:     src,
		tracked: make(map[string]*tracking),
	}
	m.unsub = src.Subscribe(m.handleEvent)

	return m
}

func (m *Monitor) Log() *zerolog.Logger {
	if m.LogOutput != nil {
		m.initLogOnce.Do(func() {
			m.Logger = zerolog.New(m.LogOutput).With().Timestamp().Logger()
		})
	}

	return &m.Logger
}

// Track starts recording snapshots for playerID. Either callback may be
// nil. If the player is already known, the new onState callback gets a
// synthetic snapshot of the current state right away. The returned func
// stops this subscription; the history is dropped once the last
// watcher detaches.
func (m *Monitor) Track(playerID string, onState func(Snapshot), onEdge func(Edge)) func() {
	current, known := m.src.CachedPlayer(playerID)

	m.mu.Lock()
	tr := m.tracked[playerID]
	if tr == nil {
		tr = &tracking{watchers: make(map[int]watcher)}
		m.tracked[playerID] = tr
	}
	id := tr.nextID
	tr.nextID++
	tr.watchers[id] = watcher{onState: onState, onEdge: onEdge}

	var seed *Snapshot
	if known {
		snap := snapshotOf(current, time.Now())
		if len(tr.history) == 0 {
			tr.history = append(tr.history, snap)
		}
		seed = &snap
	}
	m.mu.Unlock()

	if seed != nil && onState != nil {
		onState(*seed)
	}

	return func() {
		m.mu.Lock()
		defer m.mu.Unlock()

		tr, ok := m.tracked[playerID]
		if !ok {
			return
		}
		delete(tr.watchers, id)
		if len(tr.watchers) == 0 {
			delete(m.tracked, playerID)
		}
	}
}

// WaitForCompletion blocks until the player's announcement flag clears.
// It returns (true, nil) on completion, (false, nil) when timeout runs
// out with the announcement still marked in progress, and (false, err)
// when ctx is cancelled or the player vanishes from the hub. A zero
// timeout selects DefaultCompletionTimeout.
func (m *Monitor) WaitForCompletion(ctx context.Context, playerID string, timeout time.Duration) (bool, error) {
	if timeout <= 0 {
		timeout = DefaultCompletionTimeout
	}
	interval := m.PollInterval
	if interval <= 0 {
		interval = DefaultPollInterval
	}

	done, err := m.completionState(playerID)
	if done || err != nil {
		return done, err
	}

	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return false, ctx.Err()
		case <-deadline.C:
			m.Log().Warn().
				Str("player_id", playerID).
				Dur("timeout", timeout).
				Msg("gave up waiting for announcement completion")
			return false, nil
		case <-ticker.C:
			done, err := m.completionState(playerID)
			if done || err != nil {
				return done, err
			}
		}
	}
}

func (m *Monitor) completionState(playerID string) (bool, error) {
	p, ok := m.src.CachedPlayer(playerID)
	if !ok {
		return false, fmt.Errorf("wait for completion on %q: %w", playerID, ErrPlayerVanished)
	}

	return !p.AnnouncementInProgress, nil
}

// History returns a copy of the recorded snapshots for playerID,
// oldest first.
func (m *Monitor) History(playerID string) []Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()

	tr := m.tracked[playerID]
	if tr == nil {
		return nil
	}

	out := make([]Snapshot, len(tr.history))
	copy(out, tr.history)

	return out
}

// LastSnapshot returns the most recent recorded snapshot for playerID.
func (m *Monitor) LastSnapshot(playerID string) (Snapshot, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	tr := m.tracked[playerID]
	if tr == nil || len(tr.history) == 0 {
		return Snapshot{}, false
	}

	return tr.history[len(tr.history)-1], true
}

// Close detaches the monitor from its event source. Recorded histories
// stay readable but stop growing.
func (m *Monitor) Close() {
	m.closeOnce.Do(func() {
		if m.unsub != nil {
			m.unsub()
		}
	})
}

func (m *Monitor) handleEvent(ev hub.Event) {
	switch ev.Type {
	case hub.EventPlayerUpdated, hub.EventPlayerAdded:
		if ev.Player == nil {
			return
		}
		m.record(*ev.Player)
	case hub.EventPlayerRemoved:
		m.mu.Lock()
		_, isTracked := m.tracked[ev.PlayerID]
		m.mu.Unlock()

		if isTracked {
			m.Log().Warn().Str("player_id", ev.PlayerID).Msg("tracked player removed from hub")
		}
	}
}

// record appends a snapshot to the player's history, trims it to the
// limit and fans the snapshot plus any announcement edge out to the
// watchers. Callbacks run without the monitor lock held.
func (m *Monitor) record(p hub.Player) {
	snap := snapshotOf(p, time.Now())

	m.mu.Lock()
	tr := m.tracked[p.ID]
	if tr == nil {
		m.mu.Unlock()
		return
	}

	var started, ended bool
	if n := len(tr.history); n > 0 {
		started, ended = announcementEdge(tr.history[n-1], snap)
	}

	tr.history = append(tr.history, snap)
	if limit := m.historyLimit(); len(tr.history) > limit {
		tr.history = append(tr.history[:0], tr.history[len(tr.history)-limit:]...)
	}

	watchers := make([]watcher, 0, len(tr.watchers))
	for _, w := range tr.watchers {
		watchers = append(watchers, w)
	}
	m.mu.Unlock()

	for _, w := range watchers {
		if w.onState != nil {
			w.onState(snap)
		}
	}

	if !started && !ended {
		return
	}

	edge := Edge{PlayerID: p.ID, Started: started, Ended: ended, At: snap.At}
	m.Log().Debug().
		Str("player_id", p.ID).
		Bool("started", started).
		Bool("ended", ended).
		Msg("announcement edge")

	for _, w := range watchers {
		if w.onEdge != nil {
			w.onEdge(edge)
		}
	}
}

func (m *Monitor) historyLimit() int {
	if m.HistoryLimit > 0 {
		return m.HistoryLimit
	}

	return DefaultHistoryLimit
}
