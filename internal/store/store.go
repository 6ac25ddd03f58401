// Package store owns the shared mutable trading state: open positions, the
// recent trade ledger, per-symbol cooldown and analysis stamps, and daily
// trade counts. All position mutation goes through per-symbol exclusive
// sections so two tasks can never interleave a partial open/close on the
// same symbol; status reads only take the read lock and observe fully
// applied state.
package store

import (
	"sync"
	"time"

	"tradepilot/internal/types"
)

const ledgerCap = 1000 // most recent trades kept in memory

type Store struct {
	mu          sync.RWMutex
	positions   map[string]*types.Position
	trades      []types.Trade
	symbolLocks map[string]*sync.Mutex

	lastAnalysis  map[string]time.Time
	cooldownUntil map[string]time.Time
	analyses      map[string]types.AnalysisResult

	tradeDay   string
	tradeCount int

	realizedPnL float64
}

func New() *Store {
	return &Store{
		positions:     make(map[string]*types.Position),
		symbolLocks:   make(map[string]*sync.Mutex),
		lastAnalysis:  make(map[string]time.Time),
		cooldownUntil: make(map[string]time.Time),
		analyses:      make(map[string]types.AnalysisResult),
	}
}

// symbolLock returns the exclusive section for one symbol, creating it on
// first use.
func (s *Store) symbolLock(symbol string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.symbolLocks[symbol]
	if !ok {
		l = &sync.Mutex{}
		s.symbolLocks[symbol] = l
	}
	return l
}

// WithSymbol runs fn while holding the symbol's exclusive section. Every
// open/close mutation for a symbol goes through here, making the mutation a
// single atomic step from the point of view of other tasks.
func (s *Store) WithSymbol(symbol string, fn func()) {
	l := s.symbolLock(symbol)
	l.Lock()
	defer l.Unlock()
	fn()
}

// Position returns a copy of the symbol's position, if any.
func (s *Store) Position(symbol string) (types.Position, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.positions[symbol]
	if !ok {
		return types.Position{}, false
	}
	return *p, true
}

// SetPosition installs or replaces the symbol's position.
func (s *Store) SetPosition(p types.Position) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := p
	s.positions[p.Symbol] = &cp
}

// RemovePosition deletes the symbol's position and starts its post-close
// cooldown.
func (s *Store) RemovePosition(symbol string, cooldown time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.positions, symbol)
	if cooldown > 0 {
		s.cooldownUntil[symbol] = time.Now().Add(cooldown)
	}
}

// MarkClosing flips an OPEN position to CLOSING so a second closer backs
// off. Returns false when the position is absent or already closing.
func (s *Store) MarkClosing(symbol string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.positions[symbol]
	if !ok || p.Status != types.PositionOpen {
		return false
	}
	p.Status = types.PositionClosing
	return true
}

// ReopenClosing reverts a CLOSING position back to OPEN after a failed close.
func (s *Store) ReopenClosing(symbol string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if p, ok := s.positions[symbol]; ok && p.Status == types.PositionClosing {
		p.Status = types.PositionOpen
	}
}

// UpdateTrailing persists the monitor's trailing state for a position.
func (s *Store) UpdateTrailing(symbol string, armed bool, peak float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if p, ok := s.positions[symbol]; ok {
		p.TrailingArmed = armed
		p.TrailingPeakPnL = peak
	}
}

// OpenPositions returns copies of all current positions.
func (s *Store) OpenPositions() []types.Position {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]types.Position, 0, len(s.positions))
	for _, p := range s.positions {
		out = append(out, *p)
	}
	return out
}

func (s *Store) OpenPositionCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.positions)
}

// RecordTrade appends a trade to the in-memory ledger, counts filled
// entries against the daily cap, and accumulates realized PnL on closes.
func (s *Store) RecordTrade(t types.Trade) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.trades = append(s.trades, t)
	if len(s.trades) > ledgerCap {
		s.trades = s.trades[len(s.trades)-ledgerCap:]
	}
	if t.Status == types.TradeFilled && !t.Reduce {
		day := t.Timestamp.UTC().Format("2006-01-02")
		if day != s.tradeDay {
			s.tradeDay = day
			s.tradeCount = 0
		}
		s.tradeCount++
	}
	if t.Status == types.TradeFilled && t.Reduce {
		s.realizedPnL += t.RealizedPnL
	}
}

// TradesToday returns the number of filled entries recorded today (UTC).
func (s *Store) TradesToday() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.tradeDay != time.Now().UTC().Format("2006-01-02") {
		return 0
	}
	return s.tradeCount
}

// RecentTrades returns up to limit trades, newest last.
func (s *Store) RecentTrades(limit int) []types.Trade {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n := len(s.trades)
	if limit <= 0 || limit > n {
		limit = n
	}
	out := make([]types.Trade, limit)
	copy(out, s.trades[n-limit:])
	return out
}

func (s *Store) RealizedPnL() float64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.realizedPnL
}

// MarkAnalyzed stamps the symbol's last analysis time and caches the result
// for status queries.
func (s *Store) MarkAnalyzed(res types.AnalysisResult) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastAnalysis[res.Symbol] = res.Timestamp
	s.analyses[res.Symbol] = res
}

// LastAnalysis returns the cached result of the symbol's most recent
// analysis cycle.
func (s *Store) LastAnalysis(symbol string) (types.AnalysisResult, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	res, ok := s.analyses[symbol]
	return res, ok
}

// InReanalysisCooldown reports whether the symbol was analyzed less than
// window ago.
func (s *Store) InReanalysisCooldown(symbol string, window time.Duration) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ts, ok := s.lastAnalysis[symbol]
	return ok && time.Since(ts) < window
}

// InCooldown reports whether the symbol is still in its post-close cooldown.
func (s *Store) InCooldown(symbol string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	until, ok := s.cooldownUntil[symbol]
	return ok && time.Now().Before(until)
}
