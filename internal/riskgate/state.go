package riskgate

import (
	"encoding/json"
	"time"

	"github.com/pkg/errors"
	"github.com/vadiminshakov/execguard/internal/domain"
	"go.uber.org/zap"
)

// StateFileName is the gate snapshot file under the state directory.
const StateFileName = "futures_safety_state.json"

// Eligibility latest backtest classification of a symbol.
type Eligibility struct {
	Symbol       string    `json:"symbol"`
	Eligible     bool      `json:"eligible"`
	WinRatePct   float64   `json:"win_rate_pct"`
	ProfitFactor float64   `json:"profit_factor"`
	Trades       int       `json:"trades"`
	GeneratedAt  time.Time `json:"generated_at"`
}

// IndicatorSnapshot cached regime indicators of a symbol.
type IndicatorSnapshot struct {
	Symbol string    `json:"symbol"`
	ATRPct float64   `json:"atr_pct"`
	ADX    float64   `json:"adx"`
	TS     time.Time `json:"ts"`
}

// Meta bookkeeping of background work.
type Meta struct {
	UpdatedAt          time.Time `json:"updated_at"`
	BacktestInProgress bool      `json:"backtest_in_progress"`
	BacktestStartedAt  time.Time `json:"backtest_started_at,omitempty"`
	BacktestFinishedAt time.Time `json:"backtest_finished_at,omitempty"`
	LastBacktestSymbol string    `json:"last_backtest_symbol,omitempty"`
	BacktestProcessed  int       `json:"backtest_processed"`
	BacktestTotal      int       `json:"backtest_total"`
	BacktestErrors     int       `json:"backtest_errors"`
}

// State whole gate state, persisted as one JSON document.
type State struct {
	Meta         Meta                         `json:"meta"`
	Backtest     map[string]Eligibility       `json:"backtest"`
	Indicators   map[string]IndicatorSnapshot `json:"indicators"`
	SymbolLimits map[string]SymbolLimits      `json:"symbol_limits"`
}

func newState() State {
	return State{
		Backtest:     make(map[string]Eligibility),
		Indicators:   make(map[string]IndicatorSnapshot),
		SymbolLimits: make(map[string]SymbolLimits),
	}
}

func (s State) clone() State {
	out := State{
		Meta:         s.Meta,
		Backtest:     make(map[string]Eligibility, len(s.Backtest)),
		Indicators:   make(map[string]IndicatorSnapshot, len(s.Indicators)),
		SymbolLimits: make(map[string]SymbolLimits, len(s.SymbolLimits)),
	}
	for k, v := range s.Backtest {
		out.Backtest[k] = v
	}
	for k, v := range s.Indicators {
		out.Indicators[k] = v
	}
	for k, v := range s.SymbolLimits {
		out.SymbolLimits[k] = v
	}
	return out
}

// Load replaces the in-memory state with the persisted snapshot. A missing or
// unreadable file leaves the gate with empty state.
func (g *Gate) Load() {
	if g.file == nil {
		return
	}

	payload, err := g.file.Read()
	if err != nil {
		g.l.Warn("failed to read risk gate state, starting empty", zap.String("path", g.file.Path()), zap.Error(err))
		return
	}
	if payload == nil {
		return
	}

	st := newState()
	if err := json.Unmarshal(payload, &st); err != nil {
		g.l.Warn("corrupt risk gate state, starting empty", zap.String("path", g.file.Path()), zap.Error(err))
		return
	}
	if st.Backtest == nil {
		st.Backtest = make(map[string]Eligibility)
	}
	if st.Indicators == nil {
		st.Indicators = make(map[string]IndicatorSnapshot)
	}
	if st.SymbolLimits == nil {
		st.SymbolLimits = make(map[string]SymbolLimits)
	}
	// a crashed run cannot still be in progress
	st.Meta.BacktestInProgress = false

	g.mu.Lock()
	g.state = st
	g.mu.Unlock()

	g.l.Info("risk gate state loaded",
		zap.Int("backtest", len(st.Backtest)),
		zap.Int("symbol_limits", len(st.SymbolLimits)))
}

// Persist writes the current state. Failures are logged and returned; callers on the
// trading path ignore them.
func (g *Gate) Persist() error {
	if g.file == nil {
		return nil
	}

	g.mu.Lock()
	g.state.Meta.UpdatedAt = g.now().UTC()
	g.version++
	version := g.version
	payload, err := json.MarshalIndent(g.state, "", "  ")
	g.mu.Unlock()

	if err == nil {
		_, err = g.file.Write(version, payload)
	}
	if err != nil {
		perr := &domain.PersistenceError{Path: g.file.Path(), Err: errors.WithStack(err)}
		g.l.Warn("failed to persist risk gate state", zap.Error(perr))
		if g.metrics != nil {
			g.metrics.ObservePersistError("risk_gate")
		}
		return perr
	}

	return nil
}

// Snapshot returns a copy of the whole gate state for status pages.
func (g *Gate) Snapshot() State {
	g.mu.Lock()
	defer g.mu.Unlock()

	st := g.state.clone()
	now := g.now()
	for sym, l := range st.SymbolLimits {
		if l.rollover(now) {
			st.SymbolLimits[sym] = l
		}
	}
	return st
}
