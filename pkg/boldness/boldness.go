// Copyright (C) 2024 The FrankenSQLite Authors.
// See LICENSE for copying information.

// Package boldness carries the repair-aggressiveness policy (§3.6.7) that
// gates native-index repair and the emergency linear-scan fallback: how far
// the system is permitted to go to answer a read when the fast paths have
// failed.
package boldness

// DefaultMaxRepairSymbolLossRate is the fraction of repair symbols tolerated
// as lost before aggressive ECS repair is blocked outright.
const DefaultMaxRepairSymbolLossRate = 0.25

// Constraint governs how aggressively the system may attempt repair or
// fall back to an emergency linear scan.
type Constraint struct {
	// AllowEmergencyLinearScan permits emergency_linear_scan_lookup when the
	// native index is unavailable. Disabled by default: a linear scan over
	// the full marker stream is the slowest possible read path.
	AllowEmergencyLinearScan bool
	// MaxRepairSymbolLossRate is the maximum tolerated symbol-loss estimate
	// before repair_index_segments_from_ecs refuses to run.
	MaxRepairSymbolLossRate float64
}

// Strict is the default policy: no emergency scans, conservative repair.
func Strict() Constraint {
	return Constraint{
		AllowEmergencyLinearScan: false,
		MaxRepairSymbolLossRate:  DefaultMaxRepairSymbolLossRate,
	}
}

// Emergency enables the linear-scan fallback, for use once an operator has
// confirmed the native index and its repair paths are both unavailable.
func Emergency() Constraint {
	return Constraint{
		AllowEmergencyLinearScan: true,
		MaxRepairSymbolLossRate:  DefaultMaxRepairSymbolLossRate,
	}
}

// PermitsRepair reports whether an estimated symbol-loss rate is within this
// constraint's tolerance.
func (c Constraint) PermitsRepair(symbolLossRateEstimate float64) bool {
	return symbolLossRateEstimate <= c.MaxRepairSymbolLossRate
}
