// Package monitor exposes a read-only view of the decision loop.
package monitor

import (
	"sync"
	"time"

	"github.com/tathienbao/execbot/internal/id"
	"github.com/tathienbao/execbot/internal/types"
)

// DefaultLimit bounds each recent-items list.
const DefaultLimit = 50

// SignalEntry is a signal as seen by the loop.
type SignalEntry struct {
	ID     string       `json:"id"`
	SeenAt time.Time    `json:"seen_at"`
	Signal types.Signal `json:"signal"`
}

// Action is one decision taken by the loop.
type Action struct {
	ID         string    `json:"id"`
	At         time.Time `json:"at"`
	Kind       string    `json:"kind"`
	Instrument string    `json:"instrument"`
	Target     int       `json:"target"`
	OK         bool      `json:"ok"`
	Reason     string    `json:"reason,omitempty"`
}

// Trade is one accepted entry.
type Trade struct {
	ID         string    `json:"id"`
	At         time.Time `json:"at"`
	Instrument string    `json:"instrument"`
	ScheduleID string    `json:"schedule_id,omitempty"`
	Position   int       `json:"position"`
	Quantity   int       `json:"quantity"`
	TPLots     int       `json:"tp_lots"`
	OrderID    *int64    `json:"order_id,omitempty"`
	FillPrice  string    `json:"fill_price,omitempty"`
	TPPrice    string    `json:"tp_price,omitempty"`
	TPPlaced   bool      `json:"tp_placed"`
}

// Snapshot is a point-in-time copy of the loop's state.
type Snapshot struct {
	Instrument      string        `json:"instrument"`
	CurrentPosition int           `json:"current_position"`
	Signals         []SignalEntry `json:"signals"`
	Actions         []Action      `json:"actions"`
	Trades          []Trade       `json:"trades"`
	LastUpdate      time.Time     `json:"last_update"`
	Version         uint64        `json:"version"`
}

// State holds the snapshot behind one mutex. The decision loop writes;
// readers only ever get deep copies. A nil *State ignores writes.
type State struct {
	mu    sync.Mutex
	limit int
	now   func() time.Time
	snap  Snapshot
	subs  map[chan struct{}]struct{}
}

// NewState creates a state keeping at most limit items per list.
func NewState(limit int) *State {
	if limit <= 0 {
		limit = DefaultLimit
	}
	return &State{
		limit: limit,
		now:   time.Now,
		subs:  make(map[chan struct{}]struct{}),
	}
}

// WithClock replaces the state's time source.
func (s *State) WithClock(now func() time.Time) *State {
	s.now = now
	return s
}

// SetPosition records the loop's current position.
func (s *State) SetPosition(instrument string, position int) {
	s.update(func(snap *Snapshot, _ time.Time) {
		snap.Instrument = instrument
		snap.CurrentPosition = position
	})
}

// AddSignals appends signals to the recent list.
func (s *State) AddSignals(sigs ...types.Signal) {
	if len(sigs) == 0 {
		return
	}
	s.update(func(snap *Snapshot, now time.Time) {
		for _, sig := range sigs {
			snap.Signals = push(snap.Signals, SignalEntry{ID: id.At(now), SeenAt: now, Signal: sig}, s.limit)
		}
	})
}

// AddAction appends a decision. ID and time are filled in when empty.
func (s *State) AddAction(a Action) {
	s.update(func(snap *Snapshot, now time.Time) {
		if a.At.IsZero() {
			a.At = now
		}
		if a.ID == "" {
			a.ID = id.At(a.At)
		}
		snap.Actions = push(snap.Actions, a, s.limit)
	})
}

// AddTrade appends an accepted entry. ID and time are filled in when empty.
func (s *State) AddTrade(t Trade) {
	s.update(func(snap *Snapshot, now time.Time) {
		if t.At.IsZero() {
			t.At = now
		}
		if t.ID == "" {
			t.ID = id.At(t.At)
		}
		snap.Trades = push(snap.Trades, t, s.limit)
	})
}

// Touch refreshes the last update time without other changes.
func (s *State) Touch() {
	s.update(func(*Snapshot, time.Time) {})
}

// Snapshot returns a deep copy of the current state.
func (s *State) Snapshot() Snapshot {
	if s == nil {
		return Snapshot{}
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	out := s.snap
	out.Signals = append([]SignalEntry(nil), s.snap.Signals...)
	out.Actions = append([]Action(nil), s.snap.Actions...)
	out.Trades = make([]Trade, len(s.snap.Trades))
	for i, t := range s.snap.Trades {
		if t.OrderID != nil {
			oid := *t.OrderID
			t.OrderID = &oid
		}
		out.Trades[i] = t
	}
	return out
}

// Subscribe returns a channel that receives a tick after every change,
// coalescing bursts, and a func to unsubscribe.
func (s *State) Subscribe() (<-chan struct{}, func()) {
	ch := make(chan struct{}, 1)
	s.mu.Lock()
	s.subs[ch] = struct{}{}
	s.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			s.mu.Lock()
			delete(s.subs, ch)
			s.mu.Unlock()
		})
	}
}

func (s *State) update(fn func(snap *Snapshot, now time.Time)) {
	if s == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now().UTC()
	fn(&s.snap, now)
	s.snap.LastUpdate = now
	s.snap.Version++

	for ch := range s.subs {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
}

func push[T any](list []T, v T, limit int) []T {
	list = append(list, v)
	if over := len(list) - limit; over > 0 {
		list = append(list[:0:0], list[over:]...)
	}
	return list
}
