package types

// DailyStats tracks realized performance for one UTC calendar day.
// Owned by the risk governor; reset exactly once per day.
type DailyStats struct {
	// Date is the UTC day in 2006-01-02 form.
	Date string `yaml:"date" json:"date"`
	// PnL is the sum of realized PnL of all positions closed today.
	PnL float64 `yaml:"pnl" json:"pnl"`
	// Trades is the number of positions closed today.
	Trades int `yaml:"trades" json:"trades"`
	// StartBalance is the account balance at the start of the day.
	StartBalance float64 `yaml:"start_balance" json:"start_balance"`
	// TargetProfit halts trading for the day once PnL reaches it.
	TargetProfit float64 `yaml:"target_profit" json:"target_profit"`
	// MaxLossBudget halts and flattens once PnL falls to its negation.
	MaxLossBudget float64 `yaml:"max_loss_budget" json:"max_loss_budget"`
}

// EngineStatus is the coarse operating state of the engine.
type EngineStatus string

const (
	EngineStatusStopped EngineStatus = "STOPPED"
	EngineStatusRunning EngineStatus = "RUNNING"
	EngineStatusHalted  EngineStatus = "HALTED"
)
