package engine

import (
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/stratoslab/perpengine/internal/config"
	"github.com/stratoslab/perpengine/internal/logger"
	"github.com/stratoslab/perpengine/internal/notify"
	"github.com/stratoslab/perpengine/internal/types"
)

// dateLayout is the UTC day key stored in DailyStats.
const dateLayout = "2006-01-02"

// RiskDecision is the governor's verdict for one cycle.
type RiskDecision struct {
	// Proceed permits signal evaluation this cycle.
	Proceed bool
	// Halt requests a transition to HALTED. Emitted exactly once per breach.
	Halt bool
	// Flatten requires open positions to be force-closed during the halt.
	Flatten bool
	Reason  string
}

// Governor tracks daily realized PnL and trade count against the configured
// profit target and loss budget, and requests a halt when either is breached.
// It owns DailyStats; stats reset exactly once per UTC calendar day.
type Governor struct {
	settings *config.Store
	notifier notify.Notifier
	log      *logger.Logger

	mu     sync.Mutex
	stats  types.DailyStats
	halted bool
}

// NewGovernor creates a governor with stats for the day containing now.
func NewGovernor(startBalance float64, now time.Time, settings *config.Store, notifier notify.Notifier, log *logger.Logger) *Governor {
	g := &Governor{
		settings: settings,
		notifier: notifier,
		log:      log,
	}
	g.stats = g.newDayStats(startBalance, now)

	return g
}

// CheckLimits rolls the stats over on a UTC date change, then compares the
// day's PnL to the target and the loss budget. The halt request is emitted
// exactly once per breach; subsequent checks report Proceed=false without a
// second halt.
func (g *Governor) CheckLimits(now time.Time) RiskDecision {
	g.mu.Lock()
	defer g.mu.Unlock()

	g.rollOverLocked(now)

	if g.halted {
		return RiskDecision{Proceed: false, Reason: "trading is halted"}
	}

	// A non-positive start balance makes both limits degenerate (the target
	// check would trip at PnL 0). Halt with its own reason instead.
	if g.stats.StartBalance <= 0 {
		g.halted = true
		g.notifier.Notify(fmt.Sprintf("Account balance depleted: start balance %.4f, halting", g.stats.StartBalance))
		g.log.Warn("Account balance depleted",
			zap.Float64("start_balance", g.stats.StartBalance),
		)

		return RiskDecision{Halt: true, Flatten: true, Reason: "account balance depleted"}
	}

	if g.stats.PnL >= g.stats.TargetProfit {
		g.halted = true
		g.notifier.Notify(fmt.Sprintf("Daily profit target reached: PnL %.4f >= %.4f, halting", g.stats.PnL, g.stats.TargetProfit))
		g.log.Info("Daily profit target reached",
			zap.Float64("pnl", g.stats.PnL),
			zap.Float64("target_profit", g.stats.TargetProfit),
		)

		return RiskDecision{Halt: true, Flatten: true, Reason: "daily profit target reached"}
	}

	if g.stats.PnL <= -g.stats.MaxLossBudget {
		g.halted = true
		g.notifier.Notify(fmt.Sprintf("Daily loss limit breached: PnL %.4f <= -%.4f, halting and flattening", g.stats.PnL, g.stats.MaxLossBudget))
		g.log.Warn("Daily loss limit breached",
			zap.Float64("pnl", g.stats.PnL),
			zap.Float64("max_loss_budget", g.stats.MaxLossBudget),
		)

		return RiskDecision{Halt: true, Flatten: true, Reason: "daily loss limit breached"}
	}

	return RiskDecision{Proceed: true}
}

// AllowEntry reports whether a new entry may be taken right now. Separate
// from CheckLimits so the per-day trade cap gates entries without halting.
func (g *Governor) AllowEntry(now time.Time) (bool, string) {
	g.mu.Lock()
	defer g.mu.Unlock()

	g.rollOverLocked(now)

	if g.halted {
		return false, "trading is halted"
	}

	maxTrades := g.settings.Current().Settings.MaxTradesPerDay
	if maxTrades > 0 && g.stats.Trades >= maxTrades {
		return false, fmt.Sprintf("daily trade cap reached (%d)", maxTrades)
	}

	return true, ""
}

// RecordClose adds a confirmed close to the day's stats.
func (g *Governor) RecordClose(trade ClosedTrade) {
	g.mu.Lock()
	defer g.mu.Unlock()

	g.stats.PnL += trade.PnL
	g.stats.Trades++
}

// Stats returns a copy of the current daily stats.
func (g *Governor) Stats() types.DailyStats {
	g.mu.Lock()
	defer g.mu.Unlock()

	return g.stats
}

// Halted reports whether a limit breach has been recorded.
func (g *Governor) Halted() bool {
	g.mu.Lock()
	defer g.mu.Unlock()

	return g.halted
}

// rollOverLocked resets the stats when the UTC date has changed, carrying the
// day's closing balance forward as the new start balance. The halted flag is
// not cleared; a halt ends only with an explicit restart.
func (g *Governor) rollOverLocked(now time.Time) {
	date := now.UTC().Format(dateLayout)
	if date == g.stats.Date {
		return
	}

	balance := g.stats.StartBalance + g.stats.PnL
	previous := g.stats
	g.stats = g.newDayStats(balance, now)

	g.log.Info("Daily stats reset",
		zap.String("date", date),
		zap.Float64("start_balance", balance),
		zap.Float64("previous_pnl", previous.PnL),
		zap.Int("previous_trades", previous.Trades),
	)
}

// newDayStats builds fresh stats with limits recomputed from the configured
// percentages of the start balance.
func (g *Governor) newDayStats(startBalance float64, now time.Time) types.DailyStats {
	settings := g.settings.Current().Settings

	return types.DailyStats{
		Date:          now.UTC().Format(dateLayout),
		StartBalance:  startBalance,
		TargetProfit:  startBalance * settings.TargetProfitPercent / 100,
		MaxLossBudget: startBalance * settings.MaxLossPercent / 100,
	}
}
