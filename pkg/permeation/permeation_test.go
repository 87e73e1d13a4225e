// Copyright (C) 2024 The FrankenSQLite Authors.
// See LICENSE for copying information.

package permeation

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestCanonicalMapPassesAudit(t *testing.T) {
	failures := AuditPermeationMap(nil)
	require.Empty(t, failures)
}

func TestAuditDetectsMissingRequiredSubsystem(t *testing.T) {
	entries := Map[1:] // drop "Commits/CapsuleProof"
	failures := AuditPermeationEntries(entries, RequiredSubsystemsV1, 4096, DefaultPolicyResolutionDefaults(), nil)
	require.NotEmpty(t, failures)

	var found bool
	for _, f := range failures {
		if f.Kind == AuditMissingEntry && f.Subsystem == "Commits/CapsuleProof" {
			found = true
		}
	}
	require.True(t, found, "missing subsystem must be flagged")
}

func TestAuditDetectsDuplicateSubsystemInPlane(t *testing.T) {
	entries := append([]Entry(nil), Map...)
	entries = append(entries, entries[0])
	failures := AuditPermeationEntries(entries, nil, 4096, DefaultPolicyResolutionDefaults(), nil)

	var found bool
	for _, f := range failures {
		if f.Kind == AuditDuplicateSubsystemInPlane {
			found = true
		}
	}
	require.True(t, found)
}

func TestAuditDetectsEmptyField(t *testing.T) {
	entries := []Entry{{Subsystem: "X", ObjectType: "", SymbolSizePolicy: "T=page_size, R=0%", RepairStory: "r"}}
	failures := AuditPermeationEntries(entries, nil, 4096, DefaultPolicyResolutionDefaults(), nil)

	var found bool
	for _, f := range failures {
		if f.Kind == AuditEmptyField && f.Detail == "object_type is empty" {
			found = true
		}
	}
	require.True(t, found)
}

func TestAuditDetectsInvalidSymbolPolicy(t *testing.T) {
	entries := []Entry{{Subsystem: "X", ObjectType: "Y", SymbolSizePolicy: "garbage", RepairStory: "r"}}
	failures := AuditPermeationEntries(entries, nil, 4096, DefaultPolicyResolutionDefaults(), nil)

	var found bool
	for _, f := range failures {
		if f.Kind == AuditInvalidSymbolPolicy {
			found = true
		}
	}
	require.True(t, found)
}

func TestParseSymbolPolicyFixed(t *testing.T) {
	parsed, err := ParseSymbolPolicy("fixed:88B record stream (no fountain)")
	require.NoError(t, err)
	require.Equal(t, SymbolSizeFixedBytes, parsed.SymbolSize.Kind)
	require.Equal(t, uint32(88), parsed.SymbolSize.Fixed)
	require.False(t, parsed.FountainCoded)
	require.Equal(t, RedundancyPercentBps, parsed.Redundancy.Kind)
	require.Equal(t, uint16(0), parsed.Redundancy.PercentBps)
}

func TestParseSymbolPolicyMinPageSize(t *testing.T) {
	parsed, err := ParseSymbolPolicy("T=min(page_size,4096), R=20%")
	require.NoError(t, err)
	require.Equal(t, SymbolSizeMinPageSize, parsed.SymbolSize.Kind)
	require.Equal(t, uint32(4096), parsed.SymbolSize.CapBytes)
	require.True(t, parsed.FountainCoded)

	resolved := parsed.Resolve(512, DefaultPolicyResolutionDefaults())
	require.Equal(t, uint32(512), resolved.SymbolSizeBytes)
	require.Equal(t, uint16(2000), resolved.RedundancyBps)
}

func TestParseSymbolPolicyRangeBytesClampsToPageSize(t *testing.T) {
	parsed, err := ParseSymbolPolicy("T=1280-4096B, R=policy-driven")
	require.NoError(t, err)
	resolved := parsed.Resolve(8192, DefaultPolicyResolutionDefaults())
	require.Equal(t, uint32(4096), resolved.SymbolSizeBytes)
	require.Equal(t, uint16(2000), resolved.RedundancyBps)

	resolvedSmall := parsed.Resolve(100, DefaultPolicyResolutionDefaults())
	require.Equal(t, uint32(1280), resolvedSmall.SymbolSizeBytes)
}

func TestParseSymbolPolicyPageSizeAndPerGroup(t *testing.T) {
	parsed, err := ParseSymbolPolicy("T=page_size, R=per-group")
	require.NoError(t, err)
	resolved := parsed.Resolve(4096, DefaultPolicyResolutionDefaults())
	require.Equal(t, uint32(4096), resolved.SymbolSizeBytes)
	require.Equal(t, uint16(2000), resolved.RedundancyBps)
}

func TestParseSymbolPolicyTransportPolicy(t *testing.T) {
	parsed, err := ParseSymbolPolicy("T=1280-4096B, R=transport-policy")
	require.NoError(t, err)
	resolved := parsed.Resolve(2048, DefaultPolicyResolutionDefaults())
	require.Equal(t, uint16(1500), resolved.RedundancyBps)
}

func TestParseSymbolPolicyFractionalPercent(t *testing.T) {
	parsed, err := ParseSymbolPolicy("T=1024B, R=12.5%")
	require.NoError(t, err)
	require.Equal(t, uint16(1250), parsed.Redundancy.PercentBps)
}

func TestParseSymbolPolicyRejectsMissingRedundancyClause(t *testing.T) {
	_, err := ParseSymbolPolicy("T=1024B")
	require.Error(t, err)
}

func TestParseSymbolPolicyRejectsInvertedRange(t *testing.T) {
	_, err := ParseSymbolPolicy("T=4096-1280B, R=0%")
	require.Error(t, err)
}

func TestParseSymbolPolicyRejectsOverflowingPercent(t *testing.T) {
	_, err := ParseSymbolPolicy("T=1024B, R=150%")
	require.Error(t, err)
}
