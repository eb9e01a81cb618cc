package strategy

import (
	"fmt"
	"time"

	"github.com/stratoslab/perpengine/internal/config"
	"github.com/stratoslab/perpengine/internal/indicator"
	"github.com/stratoslab/perpengine/internal/types"
)

// Gate is one veto stage in the filter chain. A gate that cannot evaluate
// its inputs (indicator still warming up) vetoes rather than admits: an
// unverifiable entry condition is treated as unmet.
type Gate interface {
	// Name identifies the gate in logs and veto reasons.
	Name() string
	// Enabled reports whether the gate is active under the given settings.
	Enabled(settings config.Settings) bool
	// Admit returns false with a reason to veto the signal.
	Admit(signal types.Signal, snapshot indicator.Snapshot, settings config.Settings, now time.Time) (bool, string)
}

// Verdict is the outcome of running a signal through the chain.
type Verdict struct {
	Admitted bool
	// Gate is the name of the vetoing gate when Admitted is false.
	Gate string
	// Reason explains the veto.
	Reason string
}

// Chain applies gates in fixed order, short-circuiting on the first veto.
// Disabled gates always admit.
type Chain struct {
	gates []Gate
}

// NewChain creates the standard filter chain: trend, band position,
// volume, then time blackout.
func NewChain() *Chain {
	return &Chain{
		gates: []Gate{
			&TrendGate{},
			&BandPositionGate{},
			&VolumeGate{},
			&BlackoutGate{},
		},
	}
}

// Admit runs the signal through every enabled gate in order.
func (c *Chain) Admit(signal types.Signal, snapshot indicator.Snapshot, settings config.Settings, now time.Time) Verdict {
	for _, gate := range c.gates {
		if !gate.Enabled(settings) {
			continue
		}

		if ok, reason := gate.Admit(signal, snapshot, settings, now); !ok {
			return Verdict{Admitted: false, Gate: gate.Name(), Reason: reason}
		}
	}

	return Verdict{Admitted: true}
}

// TrendGate vetoes entries against the EMA trend direction.
type TrendGate struct{}

func (g *TrendGate) Name() string { return "trend" }

func (g *TrendGate) Enabled(settings config.Settings) bool { return settings.TrendFilterEnabled }

func (g *TrendGate) Admit(signal types.Signal, snapshot indicator.Snapshot, _ config.Settings, _ time.Time) (bool, string) {
	if snapshot.EMAFast.IsNone() || snapshot.EMASlow.IsNone() {
		return false, "EMA trend not yet available"
	}

	fast := snapshot.EMAFast.Unwrap()
	slow := snapshot.EMASlow.Unwrap()

	if signal.Action == types.SignalActionLong && fast <= slow {
		return false, fmt.Sprintf("EMA fast %.2f <= slow %.2f, no uptrend", fast, slow)
	}

	if signal.Action == types.SignalActionShort && fast >= slow {
		return false, fmt.Sprintf("EMA fast %.2f >= slow %.2f, no downtrend", fast, slow)
	}

	return true, ""
}

// BandPositionGate vetoes entries too close to the opposing Bollinger band.
type BandPositionGate struct{}

func (g *BandPositionGate) Name() string { return "band_position" }

func (g *BandPositionGate) Enabled(settings config.Settings) bool { return settings.BandFilterEnabled }

func (g *BandPositionGate) Admit(signal types.Signal, snapshot indicator.Snapshot, settings config.Settings, _ time.Time) (bool, string) {
	position := snapshot.BandPosition()
	if position.IsNone() {
		return false, "Bollinger Bands not yet available"
	}

	bbPosition := position.Unwrap()

	if signal.Action == types.SignalActionLong && bbPosition > settings.BandLongMax {
		return false, fmt.Sprintf("price at %.2f of band range, too high for long", bbPosition)
	}

	if signal.Action == types.SignalActionShort && bbPosition < settings.BandShortMin {
		return false, fmt.Sprintf("price at %.2f of band range, too low for short", bbPosition)
	}

	return true, ""
}

// VolumeGate vetoes entries on thin volume.
type VolumeGate struct{}

func (g *VolumeGate) Name() string { return "volume" }

func (g *VolumeGate) Enabled(settings config.Settings) bool { return settings.VolumeFilterEnabled }

func (g *VolumeGate) Admit(_ types.Signal, snapshot indicator.Snapshot, settings config.Settings, _ time.Time) (bool, string) {
	if snapshot.VolumeRatio.IsNone() {
		return false, "volume ratio not yet available"
	}

	ratio := snapshot.VolumeRatio.Unwrap()
	if ratio < settings.MinVolumeRatio {
		return false, fmt.Sprintf("volume ratio %.2f below minimum %.2f", ratio, settings.MinVolumeRatio)
	}

	return true, ""
}

// BlackoutGate vetoes entries during configured UTC hours.
type BlackoutGate struct{}

func (g *BlackoutGate) Name() string { return "blackout" }

func (g *BlackoutGate) Enabled(settings config.Settings) bool { return settings.BlackoutFilterEnabled }

func (g *BlackoutGate) Admit(_ types.Signal, _ indicator.Snapshot, settings config.Settings, now time.Time) (bool, string) {
	hour := now.UTC().Hour()
	if settings.IsBlackoutHour(hour) {
		return false, fmt.Sprintf("UTC hour %d is in the blackout set", hour)
	}

	return true, ""
}
