package config

import (
	"os"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/stratoslab/perpengine/pkg/errors"
)

// Settings holds every tunable of the engine. A Settings value is immutable
// once published; updates go through Store and produce a new snapshot.
type Settings struct {
	// Symbols are trading symbols, e.g. BTCUSDT.
	Symbols []string `yaml:"symbols" validate:"required,min=1,dive,required"`
	// Interval is the kline interval, e.g. 1m, 5m, 1h.
	Interval string `yaml:"interval" validate:"required"`
	// TickIntervalSeconds is the scheduler cycle interval.
	TickIntervalSeconds int `yaml:"tick_interval_seconds" validate:"required,gt=0"`
	// CandleCacheSize is the per-symbol ring buffer capacity.
	CandleCacheSize int `yaml:"candle_cache_size" validate:"required,gte=50"`

	// Entry rule thresholds.
	RSIPeriod         int     `yaml:"rsi_period" validate:"required,gt=1"`
	RSILongThreshold  float64 `yaml:"rsi_long_threshold" validate:"required,gt=0,lt=100"`
	RSIShortThreshold float64 `yaml:"rsi_short_threshold" validate:"required,gt=0,lt=100,gtfield=RSILongThreshold"`

	// Indicator periods.
	EMAFastPeriod    int `yaml:"ema_fast_period" validate:"required,gt=1"`
	EMASlowPeriod    int `yaml:"ema_slow_period" validate:"required,gtfield=EMAFastPeriod"`
	BBPeriod         int `yaml:"bb_period" validate:"required,gt=1"`
	StochasticPeriod int `yaml:"stochastic_period" validate:"required,gt=1"`
	VolumePeriod     int `yaml:"volume_period" validate:"required,gt=1"`

	// Filter chain.
	TrendFilterEnabled    bool    `yaml:"trend_filter_enabled"`
	BandFilterEnabled     bool    `yaml:"band_filter_enabled"`
	VolumeFilterEnabled   bool    `yaml:"volume_filter_enabled"`
	BlackoutFilterEnabled bool    `yaml:"blackout_filter_enabled"`
	BandLongMax           float64 `yaml:"band_long_max" validate:"gt=0,lte=1"`
	BandShortMin          float64 `yaml:"band_short_min" validate:"gte=0,lt=1"`
	MinVolumeRatio        float64 `yaml:"min_volume_ratio" validate:"gte=0"`
	// BlackoutHours are UTC hours during which no new entries are taken.
	BlackoutHours []int `yaml:"blackout_hours" validate:"dive,gte=0,lte=23"`

	// Position sizing and bracket.
	QtyUSDT           float64 `yaml:"qty_usdt" validate:"required,gt=0"`
	Leverage          int     `yaml:"leverage" validate:"required,gte=1,lte=125"`
	MarginType        string  `yaml:"margin_type" validate:"required,oneof=ISOLATED CROSSED"`
	TakeProfitPercent float64 `yaml:"take_profit_percent" validate:"required,gt=0"`
	StopLossPercent   float64 `yaml:"stop_loss_percent" validate:"required,gt=0"`

	// Daily risk limits, as percentages of the day's start balance.
	TargetProfitPercent float64 `yaml:"target_profit_percent" validate:"required,gt=0"`
	MaxLossPercent      float64 `yaml:"max_loss_percent" validate:"required,gt=0"`
	MaxTradesPerDay     int     `yaml:"max_trades_per_day" validate:"gte=0"`
}

// DefaultSettings returns a settings value with conservative defaults.
// The zero value of Settings does not validate; start from here.
func DefaultSettings() Settings {
	return Settings{
		Symbols:               []string{"BTCUSDT"},
		Interval:              "5m",
		TickIntervalSeconds:   10,
		CandleCacheSize:       500,
		RSIPeriod:             14,
		RSILongThreshold:      30,
		RSIShortThreshold:     70,
		EMAFastPeriod:         9,
		EMASlowPeriod:         21,
		BBPeriod:              20,
		StochasticPeriod:      14,
		VolumePeriod:          20,
		TrendFilterEnabled:    true,
		BandFilterEnabled:     true,
		VolumeFilterEnabled:   true,
		BlackoutFilterEnabled: true,
		BandLongMax:           0.8,
		BandShortMin:          0.2,
		MinVolumeRatio:        1.2,
		BlackoutHours:         []int{},
		QtyUSDT:               50,
		Leverage:              5,
		MarginType:            "ISOLATED",
		TakeProfitPercent:     0.6,
		StopLossPercent:       0.3,
		TargetProfitPercent:   2.0,
		MaxLossPercent:        3.0,
		MaxTradesPerDay:       20,
	}
}

// Validate checks the settings against the struct constraints.
func (s Settings) Validate() error {
	validate := validator.New()
	if err := validate.Struct(s); err != nil {
		return errors.Wrap(errors.ErrCodeInvalidConfiguration, "invalid settings", err)
	}

	return nil
}

// IsBlackoutHour reports whether the given UTC hour is in the blackout set.
func (s Settings) IsBlackoutHour(hour int) bool {
	for _, h := range s.BlackoutHours {
		if h == hour {
			return true
		}
	}

	return false
}

// LoadSettings reads settings from a YAML file, layered over defaults.
func LoadSettings(path string) (Settings, error) {
	settings := DefaultSettings()

	data, err := os.ReadFile(path)
	if err != nil {
		return Settings{}, errors.Wrap(errors.ErrCodeInvalidConfiguration, "failed to read config file", err)
	}

	if err := yaml.Unmarshal(data, &settings); err != nil {
		return Settings{}, errors.Wrap(errors.ErrCodeInvalidConfiguration, "failed to parse config file", err)
	}

	if err := settings.Validate(); err != nil {
		return Settings{}, err
	}

	return settings, nil
}
