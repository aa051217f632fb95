package live

import (
	"sort"
	"sync"

	"autotrader/internal/domain"
)

// Mirror is a client-side copy of the engine's live trades, kept current by
// applying streamed events.
type Mirror struct {
	mu     sync.RWMutex
	trades map[string]*domain.Trade
	last   domain.Event
	count  int
}

// NewMirror creates an empty Mirror.
func NewMirror() *Mirror {
	return &Mirror{trades: make(map[string]*domain.Trade)}
}

// Apply folds one event into the mirror. Events without a trade snapshot
// only update the last-event marker; terminal trades are dropped.
func (m *Mirror) Apply(ev domain.Event) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.last = ev
	m.count++
	if ev.Trade == nil {
		return
	}
	if ev.Trade.Status.Terminal() {
		delete(m.trades, ev.Trade.ID)
		return
	}
	m.trades[ev.Trade.ID] = ev.Trade.Clone()
}

// Trades returns copies of the mirrored live trades ordered by symbol.
func (m *Mirror) Trades() []*domain.Trade {
	m.mu.RLock()
	out := make([]*domain.Trade, 0, len(m.trades))
	for _, t := range m.trades {
		out = append(out, t.Clone())
	}
	m.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool {
		if out[i].Symbol != out[j].Symbol {
			return out[i].Symbol < out[j].Symbol
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// Last returns the most recent event and the number applied so far.
func (m *Mirror) Last() (domain.Event, int) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.last, m.count
}
