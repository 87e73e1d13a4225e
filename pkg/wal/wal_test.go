// Copyright (C) 2024 The FrankenSQLite Authors.
// See LICENSE for copying information.

package wal

import (
	"testing"

	"github.com/stretchr/testify/require"

	"fsqlite.io/core/pkg/ids"
)

func pageN(n uint32) ids.PageNumber {
	p, err := ids.NewPageNumber(n)
	if err != nil {
		panic(err)
	}
	return p
}

func buildChain(t *testing.T, pages []uint32, commitAt int) []Frame {
	t.Helper()
	var frames []Frame
	var prev uint64
	for i, p := range pages {
		isCommit := i == commitAt
		f := NewFrame(pageN(p), isCommit, 0, []byte{byte(p)}, prev)
		frames = append(frames, f)
		prev = f.FrameChecksum
	}
	return frames
}

func TestFrameVerifyIntegrity(t *testing.T) {
	f := NewFrame(pageN(1), false, 0, []byte("page-bytes"), 0)
	require.True(t, f.VerifyIntegrity())

	tampered := f
	tampered.PageData = []byte("tampered!!")
	require.False(t, tampered.VerifyIntegrity())
}

func TestValidateChainAcceptsWellFormedChain(t *testing.T) {
	frames := buildChain(t, []uint32{1, 2, 3}, 2)
	result := ValidateChain(frames)
	require.True(t, result.Valid)
	require.Equal(t, 3, result.TotalFrames)
	require.Equal(t, 3, result.ReplayableFrames)
	require.Nil(t, result.FirstInvalidFrame)
	require.Nil(t, result.Reason)
}

func TestValidateChainDetectsFrameChecksumMismatch(t *testing.T) {
	frames := buildChain(t, []uint32{1, 2, 3}, 2)
	frames[1].PageData = []byte{0xFF}

	result := ValidateChain(frames)
	require.False(t, result.Valid)
	require.NotNil(t, result.FirstInvalidFrame)
	require.Equal(t, 1, *result.FirstInvalidFrame)
	require.NotNil(t, result.Reason)
	require.Equal(t, ReasonFrameChecksumMismatch, *result.Reason)
}

func TestValidateChainDetectsBrokenLink(t *testing.T) {
	frames := buildChain(t, []uint32{1, 2, 3}, 2)
	frames[2].PrevChecksum ^= 0xDEADBEEF
	frames[2].FrameChecksum = frames[2].computeChecksum()

	result := ValidateChain(frames)
	require.False(t, result.Valid)
	require.NotNil(t, result.FirstInvalidFrame)
	require.Equal(t, 2, *result.FirstInvalidFrame)
	require.Equal(t, ReasonChainBroken, *result.Reason)
}

func TestValidateChainDetectsTornTail(t *testing.T) {
	frames := buildChain(t, []uint32{1, 2, 3}, -1) // no commit frame at all
	result := ValidateChain(frames)
	require.False(t, result.Valid)
	require.Equal(t, ReasonTornTail, *result.Reason)
	require.Equal(t, 0, result.ReplayableFrames)
}

func TestValidateChainEmptyIsValid(t *testing.T) {
	result := ValidateChain(nil)
	require.True(t, result.Valid)
	require.Equal(t, 0, result.TotalFrames)
}

func TestRingBufferObserverRetainsMostRecent(t *testing.T) {
	rb := NewRingBufferObserver(3)
	for i := 0; i < 5; i++ {
		rb.OnEvent(NewFrameAppended(uint32(i), 0, false, uint64(i)))
	}
	require.Equal(t, 3, rb.Len())
	events := rb.Drain()
	require.Len(t, events, 3)
	require.Equal(t, uint64(2), events[0].TimestampNs)
	require.Equal(t, uint64(3), events[1].TimestampNs)
	require.Equal(t, uint64(4), events[2].TimestampNs)
}

func TestRingBufferObserverUnderCapacity(t *testing.T) {
	rb := NewRingBufferObserver(10)
	rb.OnEvent(NewWalReset(1, 100))
	rb.OnEvent(NewChainValidated(ChainValidationResult{Valid: true, TotalFrames: 2}, 200))

	events := rb.Drain()
	require.Len(t, events, 2)
	require.Equal(t, EventWalReset, events[0].Kind)
	require.Equal(t, EventChainValidated, events[1].Kind)
}

func TestNoOpObserverDoesNotPanic(t *testing.T) {
	var obs TelemetryObserver = NoOpObserver{}
	require.NotPanics(t, func() {
		obs.OnEvent(NewFecRepairAttempted(FecRepairOutcomeInsufficientSymbols, 3, 10, 42))
	})
}

func TestEventConstructorsPopulateKind(t *testing.T) {
	require.Equal(t, EventReplayStarted, NewReplayStarted(5, 5, 0).Kind)
	require.Equal(t, EventReplayCompleted, NewReplayCompleted(5, 100, 0).Kind)
	require.Equal(t, EventCheckpointStarted, NewCheckpointStarted(CheckpointModePassive, 10, 0).Kind)
	require.Equal(t, EventCheckpointCompleted, NewCheckpointCompleted(CheckpointModeFull, 10, true, 500, 0).Kind)
	require.Equal(t, EventChecksumFailure, NewChecksumFailure(3, ChecksumFailureChainBroken, RecoveryActionAttemptFecRepair, 0).Kind)
	require.Equal(t, EventGroupCommitFlushed, NewGroupCommitFlushed(8, 8, 250, 0).Kind)
}

func TestMonkitObserverDoesNotPanic(t *testing.T) {
	var obs TelemetryObserver = MonkitObserver{}
	require.NotPanics(t, func() {
		obs.OnEvent(NewFrameAppended(1, 4096, false, 0))
		obs.OnEvent(NewFecRepairAttempted(FecRepairOutcomeRepaired, 6, 10, 0))
		obs.OnEvent(NewChecksumFailure(0, ChecksumFailureFrameChecksumMismatch, RecoveryActionDiscardTail, 0))
	})
}

func TestCheckpointModeStrings(t *testing.T) {
	require.Equal(t, "passive", CheckpointModePassive.String())
	require.Equal(t, "full", CheckpointModeFull.String())
	require.Equal(t, "restart", CheckpointModeRestart.String())
	require.Equal(t, "truncate", CheckpointModeTruncate.String())
}
