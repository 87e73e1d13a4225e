// Copyright (C) 2024 The FrankenSQLite Authors.
// See LICENSE for copying information.

// Package wal implements the WAL-side durability glue the ECS durability
// plane hangs off of (§6.4): hash-chained frame append/validation, FEC
// repair outcomes for corrupted commit groups, and the non-blocking
// telemetry observer contract the rest of the WAL/checkpoint machinery
// reports through.
package wal

import (
	"encoding/binary"
	"sync"

	"github.com/zeebo/errs"
	"github.com/zeebo/xxh3"
	monkit "gopkg.in/spacemonkeygo/monkit.v2"

	"fsqlite.io/core/pkg/ids"
)

// Error is the error class for the wal package.
var Error = errs.Class("wal")

var mon = monkit.Package()

const frameHeaderBytes = 4 + 1 + 4 + 8 // page_number + is_commit + db_size_after_commit + prev_checksum

// Frame is one hash-chained WAL frame: a page image plus the commit flag
// and chain-checksum fields needed to validate the frame sequence.
type Frame struct {
	PageNumber        ids.PageNumber
	IsCommit          bool
	DBSizeAfterCommit uint32 // meaningful only when IsCommit
	PageData          []byte
	PrevChecksum      uint64
	FrameChecksum     uint64
}

// NewFrame builds a frame chained off prevChecksum (0 for the first frame
// in a WAL), with FrameChecksum computed over the header and page bytes.
func NewFrame(pageNumber ids.PageNumber, isCommit bool, dbSizeAfterCommit uint32, pageData []byte, prevChecksum uint64) Frame {
	f := Frame{
		PageNumber:        pageNumber,
		IsCommit:          isCommit,
		DBSizeAfterCommit: dbSizeAfterCommit,
		PageData:          pageData,
		PrevChecksum:      prevChecksum,
	}
	f.FrameChecksum = f.computeChecksum()
	return f
}

func (f Frame) computeChecksum() uint64 {
	h := xxh3.New()
	var hdr [frameHeaderBytes]byte
	binary.LittleEndian.PutUint32(hdr[0:4], f.PageNumber.Get())
	if f.IsCommit {
		hdr[4] = 1
	}
	binary.LittleEndian.PutUint32(hdr[5:9], f.DBSizeAfterCommit)
	binary.LittleEndian.PutUint64(hdr[9:17], f.PrevChecksum)
	_, _ = h.Write(hdr[:])
	_, _ = h.Write(f.PageData)
	return h.Sum64()
}

// VerifyIntegrity reports whether the frame's own checksum matches its
// fields — it does not check chaining against a neighbor; use ValidateChain
// for that.
func (f Frame) VerifyIntegrity() bool {
	return f.FrameChecksum == f.computeChecksum()
}

// ChecksumFailureKind classifies how a chain validation failure was
// detected.
type ChecksumFailureKind uint8

const (
	// ChecksumFailureFrameChecksumMismatch means one frame's own checksum
	// didn't match its header+page bytes.
	ChecksumFailureFrameChecksumMismatch ChecksumFailureKind = iota
	// ChecksumFailureChainBroken means a frame's PrevChecksum didn't match
	// its predecessor's FrameChecksum.
	ChecksumFailureChainBroken
)

func (k ChecksumFailureKind) String() string {
	switch k {
	case ChecksumFailureFrameChecksumMismatch:
		return "frame_checksum_mismatch"
	case ChecksumFailureChainBroken:
		return "chain_broken"
	default:
		return "unknown"
	}
}

// RecoveryAction is the action selected in response to a checksum failure.
type RecoveryAction uint8

const (
	// RecoveryActionDiscardTail truncates the chain at the first invalid
	// frame and proceeds with the valid prefix.
	RecoveryActionDiscardTail RecoveryAction = iota
	// RecoveryActionAttemptFecRepair tries ECS-backed FEC repair of the
	// corrupted commit group before giving up.
	RecoveryActionAttemptFecRepair
	// RecoveryActionAbort means neither truncation nor repair is safe and
	// the caller must surface a hard failure.
	RecoveryActionAbort
)

func (a RecoveryAction) String() string {
	switch a {
	case RecoveryActionDiscardTail:
		return "discard_tail"
	case RecoveryActionAttemptFecRepair:
		return "attempt_fec_repair"
	case RecoveryActionAbort:
		return "abort"
	default:
		return "unknown"
	}
}

// WalChainInvalidReason explains why ValidateChain found the chain invalid.
type WalChainInvalidReason uint8

const (
	// ReasonFrameChecksumMismatch: a frame's own checksum failed.
	ReasonFrameChecksumMismatch WalChainInvalidReason = iota
	// ReasonChainBroken: a frame's prev_checksum didn't match.
	ReasonChainBroken
	// ReasonTornTail: the chain ends mid-write with no commit frame.
	ReasonTornTail
)

func (r WalChainInvalidReason) String() string {
	switch r {
	case ReasonFrameChecksumMismatch:
		return "frame_checksum_mismatch"
	case ReasonChainBroken:
		return "chain_broken"
	case ReasonTornTail:
		return "torn_tail"
	default:
		return "unknown"
	}
}

// ChainValidationResult is the outcome of ValidateChain.
type ChainValidationResult struct {
	TotalFrames      int
	Valid            bool
	FirstInvalidFrame *int
	Reason           *WalChainInvalidReason
	// ReplayableFrames is the frame count up to (and including) the last
	// commit frame in the valid prefix — the unit of work ReplayStarted
	// reports as eligible for replay.
	ReplayableFrames int
}

// ValidateChain walks frames in order, verifying each frame's own checksum
// and its link to its predecessor. It never panics on malformed input; any
// failure is reported in the result, not via error.
func ValidateChain(frames []Frame) ChainValidationResult {
	replayable := 0
	for i, f := range frames {
		if !f.VerifyIntegrity() {
			idx := i
			reason := ReasonFrameChecksumMismatch
			return ChainValidationResult{TotalFrames: len(frames), Valid: false, FirstInvalidFrame: &idx, Reason: &reason, ReplayableFrames: replayable}
		}
		if i > 0 && f.PrevChecksum != frames[i-1].FrameChecksum {
			idx := i
			reason := ReasonChainBroken
			return ChainValidationResult{TotalFrames: len(frames), Valid: false, FirstInvalidFrame: &idx, Reason: &reason, ReplayableFrames: replayable}
		}
		if f.IsCommit {
			replayable = i + 1
		}
	}
	if len(frames) > 0 && replayable != len(frames) {
		idx := replayable
		reason := ReasonTornTail
		return ChainValidationResult{TotalFrames: len(frames), Valid: false, FirstInvalidFrame: &idx, Reason: &reason, ReplayableFrames: replayable}
	}
	return ChainValidationResult{TotalFrames: len(frames), Valid: true, ReplayableFrames: replayable}
}

// FecRepairOutcome summarizes the result of attempting ECS-backed FEC
// repair on a corrupted commit group.
type FecRepairOutcome uint8

const (
	// FecRepairOutcomeRepaired: the group was fully reconstructed.
	FecRepairOutcomeRepaired FecRepairOutcome = iota
	// FecRepairOutcomeInsufficientSymbols: fewer than k surviving symbols,
	// repair impossible.
	FecRepairOutcomeInsufficientSymbols
	// FecRepairOutcomeSkipped: repair was not attempted (e.g. no FEC
	// symbols exist for this commit group).
	FecRepairOutcomeSkipped
)

func (o FecRepairOutcome) String() string {
	switch o {
	case FecRepairOutcomeRepaired:
		return "repaired"
	case FecRepairOutcomeInsufficientSymbols:
		return "insufficient_symbols"
	case FecRepairOutcomeSkipped:
		return "skipped"
	default:
		return "unknown"
	}
}

// CheckpointMode mirrors SQLite's own checkpoint modes.
type CheckpointMode uint8

const (
	CheckpointModePassive CheckpointMode = iota
	CheckpointModeFull
	CheckpointModeRestart
	CheckpointModeTruncate
)

func (m CheckpointMode) String() string {
	switch m {
	case CheckpointModePassive:
		return "passive"
	case CheckpointModeFull:
		return "full"
	case CheckpointModeRestart:
		return "restart"
	case CheckpointModeTruncate:
		return "truncate"
	default:
		return "unknown"
	}
}

// EventKind identifies the variant of a telemetry Event.
type EventKind uint8

const (
	EventFrameAppended EventKind = iota
	EventReplayStarted
	EventReplayCompleted
	EventCheckpointStarted
	EventCheckpointCompleted
	EventWalReset
	EventChecksumFailure
	EventChainValidated
	EventFecRepairAttempted
	EventGroupCommitFlushed
)

func (k EventKind) String() string {
	switch k {
	case EventFrameAppended:
		return "frame_appended"
	case EventReplayStarted:
		return "replay_started"
	case EventReplayCompleted:
		return "replay_completed"
	case EventCheckpointStarted:
		return "checkpoint_started"
	case EventCheckpointCompleted:
		return "checkpoint_completed"
	case EventWalReset:
		return "wal_reset"
	case EventChecksumFailure:
		return "checksum_failure"
	case EventChainValidated:
		return "chain_validated"
	case EventFecRepairAttempted:
		return "fec_repair_attempted"
	case EventGroupCommitFlushed:
		return "group_commit_flushed"
	default:
		return "unknown"
	}
}

// Event is a structured WAL telemetry event. Every variant carries
// TimestampNs; the remaining fields are populated according to Kind, with
// one struct shared across variants rather than a closed sum type.
type Event struct {
	Kind        EventKind
	TimestampNs uint64

	// FrameAppended
	FrameCount   uint32
	BytesWritten uint64
	IsCommit     bool

	// ReplayStarted / ReplayCompleted / ChainValidated
	ValidFrames      int
	ReplayableFrames int
	FramesReplayed   int
	TotalFrames      int
	Valid            bool
	FirstInvalidFrame *int
	ChainInvalidReason *WalChainInvalidReason

	// CheckpointStarted / CheckpointCompleted
	Mode             CheckpointMode
	FramesToBackfill uint32
	FramesBackfilled uint32
	WalWasReset      bool

	// WalReset
	NewCheckpointSeq uint32

	// ChecksumFailure
	FrameIndex  int
	FailureKind ChecksumFailureKind
	Action      RecoveryAction

	// FecRepairAttempted
	Outcome           FecRepairOutcome
	SymbolsAvailable  int

	// GroupCommitFlushed
	BatchSize    uint32
	TotalFramesWritten uint32
	LatencyUs    uint64

	// Shared duration field (ReplayCompleted/CheckpointCompleted/FecRepairAttempted)
	DurationUs uint64
}

// NewFrameAppended builds a FrameAppended event.
func NewFrameAppended(frameCount uint32, bytesWritten uint64, isCommit bool, timestampNs uint64) Event {
	return Event{Kind: EventFrameAppended, TimestampNs: timestampNs, FrameCount: frameCount, BytesWritten: bytesWritten, IsCommit: isCommit}
}

// NewReplayStarted builds a ReplayStarted event.
func NewReplayStarted(validFrames, replayableFrames int, timestampNs uint64) Event {
	return Event{Kind: EventReplayStarted, TimestampNs: timestampNs, ValidFrames: validFrames, ReplayableFrames: replayableFrames}
}

// NewReplayCompleted builds a ReplayCompleted event.
func NewReplayCompleted(framesReplayed int, durationUs, timestampNs uint64) Event {
	return Event{Kind: EventReplayCompleted, TimestampNs: timestampNs, FramesReplayed: framesReplayed, DurationUs: durationUs}
}

// NewCheckpointStarted builds a CheckpointStarted event.
func NewCheckpointStarted(mode CheckpointMode, framesToBackfill uint32, timestampNs uint64) Event {
	return Event{Kind: EventCheckpointStarted, TimestampNs: timestampNs, Mode: mode, FramesToBackfill: framesToBackfill}
}

// NewCheckpointCompleted builds a CheckpointCompleted event.
func NewCheckpointCompleted(mode CheckpointMode, framesBackfilled uint32, walReset bool, durationUs, timestampNs uint64) Event {
	return Event{Kind: EventCheckpointCompleted, TimestampNs: timestampNs, Mode: mode, FramesBackfilled: framesBackfilled, WalWasReset: walReset, DurationUs: durationUs}
}

// NewWalReset builds a WalReset event.
func NewWalReset(newCheckpointSeq uint32, timestampNs uint64) Event {
	return Event{Kind: EventWalReset, TimestampNs: timestampNs, NewCheckpointSeq: newCheckpointSeq}
}

// NewChecksumFailure builds a ChecksumFailure event.
func NewChecksumFailure(frameIndex int, kind ChecksumFailureKind, action RecoveryAction, timestampNs uint64) Event {
	return Event{Kind: EventChecksumFailure, TimestampNs: timestampNs, FrameIndex: frameIndex, FailureKind: kind, Action: action}
}

// NewChainValidated builds a ChainValidated event from a ChainValidationResult.
func NewChainValidated(result ChainValidationResult, timestampNs uint64) Event {
	return Event{
		Kind:               EventChainValidated,
		TimestampNs:        timestampNs,
		TotalFrames:        result.TotalFrames,
		Valid:              result.Valid,
		FirstInvalidFrame:  result.FirstInvalidFrame,
		ChainInvalidReason: result.Reason,
	}
}

// NewFecRepairAttempted builds a FecRepairAttempted event.
func NewFecRepairAttempted(outcome FecRepairOutcome, symbolsAvailable int, durationUs, timestampNs uint64) Event {
	return Event{Kind: EventFecRepairAttempted, TimestampNs: timestampNs, Outcome: outcome, SymbolsAvailable: symbolsAvailable, DurationUs: durationUs}
}

// NewGroupCommitFlushed builds a GroupCommitFlushed event.
func NewGroupCommitFlushed(batchSize, totalFrames uint32, latencyUs, timestampNs uint64) Event {
	return Event{Kind: EventGroupCommitFlushed, TimestampNs: timestampNs, BatchSize: batchSize, TotalFramesWritten: totalFrames, LatencyUs: latencyUs}
}

// TelemetryObserver receives structured WAL telemetry events. Implementations
// must not block, acquire page locks, or perform I/O from OnEvent.
type TelemetryObserver interface {
	OnEvent(event Event)
}

// NoOpObserver discards every event; used when telemetry is disabled.
type NoOpObserver struct{}

// OnEvent implements TelemetryObserver.
func (NoOpObserver) OnEvent(Event) {}

// RingBufferObserver retains the most recent N events for diagnostic
// queries, overwriting the oldest entry once capacity is reached.
type RingBufferObserver struct {
	mu       sync.Mutex
	buf      []Event
	capacity int
	writePos int
	count    int
}

// NewRingBufferObserver constructs a ring buffer observer with the given
// capacity.
func NewRingBufferObserver(capacity int) *RingBufferObserver {
	if capacity < 1 {
		capacity = 1
	}
	return &RingBufferObserver{capacity: capacity}
}

// OnEvent implements TelemetryObserver.
func (r *RingBufferObserver) OnEvent(event Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.buf) < r.capacity {
		r.buf = append(r.buf, event)
	} else {
		r.buf[r.writePos] = event
	}
	r.writePos = (r.writePos + 1) % r.capacity
	r.count++
}

// Drain returns the retained events in chronological order.
func (r *RingBufferObserver) Drain() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := r.count
	if n > r.capacity {
		n = r.capacity
	}
	if n == 0 {
		return nil
	}
	start := 0
	if r.count >= r.capacity {
		start = r.writePos
	}
	out := make([]Event, n)
	for i := 0; i < n; i++ {
		out[i] = r.buf[(start+i)%r.capacity]
	}
	return out
}

// Len reports the number of events currently retained.
func (r *RingBufferObserver) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.count > r.capacity {
		return r.capacity
	}
	return r.count
}

// MonkitObserver records one counter per EventKind plus a FecRepairAttempted
// breakdown by outcome and a ChecksumFailure breakdown by failure kind, on
// the process's default monkit registry — the same
// registry the teacher's telemetry package drains and ships off-host.
type MonkitObserver struct{}

// OnEvent implements TelemetryObserver.
func (MonkitObserver) OnEvent(event Event) {
	mon.Counter("wal_event_" + event.Kind.String()).Inc(1)
	if event.Kind == EventFecRepairAttempted {
		mon.Counter("wal_fec_repair_" + event.Outcome.String()).Inc(1)
	}
	if event.Kind == EventChecksumFailure {
		mon.Counter("wal_checksum_failure_" + event.FailureKind.String()).Inc(1)
	}
}
