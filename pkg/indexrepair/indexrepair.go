// Copyright (C) 2024 The FrankenSQLite Authors.
// See LICENSE for copying information.

// Package indexrepair implements native-index preflight, repair, rebuild,
// and emergency linear scan (§3.6.7): the escalation ladder run when the
// fast native-index read path can't resolve a page version on its own.
package indexrepair

import (
	"sort"

	"github.com/zeebo/errs"
	"go.uber.org/zap"

	"fsqlite.io/core/pkg/boldness"
	"fsqlite.io/core/pkg/ids"
	"fsqlite.io/core/pkg/markerstream"
	"fsqlite.io/core/pkg/nativeindex"
)

// Error is the error class for the indexrepair package.
var Error = errs.Class("indexrepair")

// NativeIndexSegmentStore loads one persisted index segment object by id.
type NativeIndexSegmentStore interface {
	FetchIndexSegment(objectID ids.ObjectId) (nativeindex.PageVersionIndexSegment, error)
}

// CommitCapsuleIndexSource returns the page updates encoded by one commit
// capsule, recoverable from the commit marker stream.
type CommitCapsuleIndexSource interface {
	UpdatesForCommit(commitSeq uint64, capsuleObjectID ids.ObjectId) ([]nativeindex.SegmentEntry, error)
}

// NativeIndexSegmentRef is a manifest entry naming one native index segment
// object and the commit range it covers.
type NativeIndexSegmentRef struct {
	StartSeq uint64
	EndSeq   uint64
	ObjectID ids.ObjectId
}

// IndexRepairReport summarizes a repair_index_segments_from_ecs run.
type IndexRepairReport struct {
	Segments          []nativeindex.PageVersionIndexSegment
	RepairedFromLocal uint64
	RepairedFromRemote uint64
}

// IndexRebuildReport summarizes a rebuild_index_from_marker_stream run.
type IndexRebuildReport struct {
	Markers  []markerstream.CommitMarkerRecord
	Segments []nativeindex.BuiltIndexSegment
}

// PreflightNativeIndexIntegrity is the critical preflight check run before
// any repair/rebuild attempt: if the marker stream proves commits happened
// but neither repair nor rebuild can recover them, this is an unrebuildable
// index and the caller must stop before attempting anything destructive.
func PreflightNativeIndexIntegrity(markerSegmentBlobs [][]byte, repairAvailable, rebuildAvailable bool, logger *zap.Logger) error {
	if logger == nil {
		logger = zap.NewNop()
	}
	markers, err := markerstream.ScanCommitMarkersBytes(markerSegmentBlobs)
	if err != nil {
		return Error.Wrap(err)
	}
	if len(markers) > 0 && !repairAvailable && !rebuildAvailable {
		logger.Error("critical integrity failure detected before repair attempt",
			zap.String("reason_code", "index_unrebuildable_with_markers"),
			zap.Int("marker_count", len(markers)),
			zap.Bool("repair_available", repairAvailable),
			zap.Bool("rebuild_available", rebuildAvailable))
		return Error.New("reason_code=index_unrebuildable_with_markers marker_count=%d repair_available=%v rebuild_available=%v",
			len(markers), repairAvailable, rebuildAvailable)
	}
	return nil
}

// RepairIndexSegmentsFromEcs repairs index segments from surviving ECS
// symbols, trying the local store first and falling back to remote. Blocked
// outright by the boldness constraint when the estimated symbol-loss rate
// is too high to trust a repair attempt.
func RepairIndexSegmentsFromEcs(
	segmentRefs []NativeIndexSegmentRef,
	localStore, remoteStore NativeIndexSegmentStore,
	symbolLossRateEstimate float64,
	constraint boldness.Constraint,
	logger *zap.Logger,
) (IndexRepairReport, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if !constraint.PermitsRepair(symbolLossRateEstimate) {
		logger.Warn("repair blocked by boldness constraint",
			zap.String("reason_code", "boldness_violation_blocked_repair"),
			zap.Float64("symbol_loss_rate_estimate", symbolLossRateEstimate),
			zap.Float64("max_repair_symbol_loss_rate", constraint.MaxRepairSymbolLossRate))
		return IndexRepairReport{}, Error.New(
			"reason_code=boldness_violation_blocked_repair symbol_loss_rate_estimate=%.6f max_repair_symbol_loss_rate=%.6f",
			symbolLossRateEstimate, constraint.MaxRepairSymbolLossRate)
	}

	ordered := append([]NativeIndexSegmentRef(nil), segmentRefs...)
	sort.Slice(ordered, func(i, j int) bool {
		if ordered[i].StartSeq != ordered[j].StartSeq {
			return ordered[i].StartSeq < ordered[j].StartSeq
		}
		if ordered[i].EndSeq != ordered[j].EndSeq {
			return ordered[i].EndSeq < ordered[j].EndSeq
		}
		return ordered[i].ObjectID.Compare(ordered[j].ObjectID) < 0
	})

	var segments []nativeindex.PageVersionIndexSegment
	var repairedFromLocal, repairedFromRemote uint64
	var missing []ids.ObjectId

	for _, ref := range ordered {
		if segment, err := localStore.FetchIndexSegment(ref.ObjectID); err == nil {
			repairedFromLocal++
			segments = append(segments, segment)
			continue
		} else {
			logger.Warn("local segment fetch failed; trying remote recovery path",
				zap.String("object_id", ref.ObjectID.String()),
				zap.Uint64("start_seq", ref.StartSeq),
				zap.Uint64("end_seq", ref.EndSeq),
				zap.Error(err))
		}

		if segment, err := remoteStore.FetchIndexSegment(ref.ObjectID); err == nil {
			repairedFromRemote++
			segments = append(segments, segment)
		} else {
			logger.Error("segment irrecoverable from both local and remote symbols",
				zap.String("reason_code", "index_repair_segment_irrecoverable"),
				zap.String("object_id", ref.ObjectID.String()),
				zap.Uint64("start_seq", ref.StartSeq),
				zap.Uint64("end_seq", ref.EndSeq),
				zap.Error(err))
			missing = append(missing, ref.ObjectID)
		}
	}

	if len(missing) > 0 {
		return IndexRepairReport{}, Error.New(
			"reason_code=index_repair_incomplete irrecoverable_segments=%d first_irrecoverable_object=%s",
			len(missing), missing[0].String())
	}

	sort.Slice(segments, func(i, j int) bool { return segments[i].EndSeq < segments[j].EndSeq })

	logger.Info("native index repair complete",
		zap.Uint64("repaired_from_local", repairedFromLocal),
		zap.Uint64("repaired_from_remote", repairedFromRemote),
		zap.Int("segments_repaired", len(segments)))

	return IndexRepairReport{
		Segments:           segments,
		RepairedFromLocal:  repairedFromLocal,
		RepairedFromRemote: repairedFromRemote,
	}, nil
}

// RebuildIndexFromMarkerStream replays the commit marker stream and
// recovers each commit's page updates from its commit capsule, rebuilding
// native index segments deterministically.
func RebuildIndexFromMarkerStream(
	markerSegmentBlobs [][]byte,
	capsuleSource CommitCapsuleIndexSource,
	maxEntries int,
	logger *zap.Logger,
) (IndexRebuildReport, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	markers, err := markerstream.ScanCommitMarkersBytes(markerSegmentBlobs)
	if err != nil {
		return IndexRebuildReport{}, Error.Wrap(err)
	}
	if len(markers) == 0 {
		return IndexRebuildReport{Markers: markers}, nil
	}

	builder, err := nativeindex.NewSegmentBuilder(maxEntries)
	if err != nil {
		return IndexRebuildReport{}, err
	}

	var built []nativeindex.BuiltIndexSegment
	for _, marker := range markers {
		updates, err := capsuleSource.UpdatesForCommit(marker.CommitSeq, marker.CapsuleObjectID)
		if err != nil {
			logger.Error("marker stream exists but commit capsule updates are unrecoverable",
				zap.String("reason_code", "index_unrebuildable_with_markers"),
				zap.Uint64("commit_seq", marker.CommitSeq),
				zap.String("capsule_object_id", marker.CapsuleObjectID.String()),
				zap.Error(err))
			return IndexRebuildReport{}, Error.New(
				"reason_code=index_unrebuildable_with_markers commit_seq=%d capsule_object_id=%s source_error=%v",
				marker.CommitSeq, marker.CapsuleObjectID.String(), err)
		}

		segment, err := builder.IngestCommit(marker.CommitSeq, updates)
		if err != nil {
			return IndexRebuildReport{}, err
		}
		if segment != nil {
			built = append(built, *segment)
		}
	}

	if segment, err := builder.Flush(); err != nil {
		return IndexRebuildReport{}, err
	} else if segment != nil {
		built = append(built, *segment)
	}

	logger.Info("native index rebuild complete",
		zap.Int("markers_replayed", len(markers)),
		zap.Int("segments_built", len(built)))

	return IndexRebuildReport{Markers: markers, Segments: built}, nil
}

// EmergencyLinearScanLookup is the last-resort read path: a linear,
// descending scan over commit markers, fetching each capsule's updates and
// returning the newest visible pointer for page. Blocked unless the
// boldness constraint explicitly allows it.
func EmergencyLinearScanLookup(
	page ids.PageNumber,
	snapshotHigh uint64,
	markerSegmentBlobs [][]byte,
	capsuleSource CommitCapsuleIndexSource,
	constraint boldness.Constraint,
	evidenceState string,
	logger *zap.Logger,
) (*nativeindex.VersionPointer, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if !constraint.AllowEmergencyLinearScan {
		logger.Warn("boldness violation attempt blocked",
			zap.String("reason_code", "boldness_violation_blocked_linear_scan"),
			zap.Uint32("attempted_page", page.Get()),
			zap.Uint64("attempted_snapshot_high", snapshotHigh),
			zap.String("evidence_state", evidenceState))
		return nil, Error.New(
			"reason_code=boldness_violation_blocked_linear_scan attempted_page=%d attempted_snapshot_high=%d evidence_state=%s",
			page.Get(), snapshotHigh, evidenceState)
	}

	markers, err := markerstream.ScanCommitMarkersBytes(markerSegmentBlobs)
	if err != nil {
		return nil, Error.Wrap(err)
	}

	for i := len(markers) - 1; i >= 0; i-- {
		marker := markers[i]
		if marker.CommitSeq > snapshotHigh {
			continue
		}
		updates, err := capsuleSource.UpdatesForCommit(marker.CommitSeq, marker.CapsuleObjectID)
		if err != nil {
			return nil, Error.Wrap(err)
		}
		for _, update := range updates {
			if update.Page == page && update.Pointer.CommitSeq <= snapshotHigh {
				pointer := update.Pointer
				logger.Info("native index emergency linear scan resolved version pointer",
					zap.Uint32("page", page.Get()),
					zap.Uint64("snapshot_high", snapshotHigh),
					zap.Uint64("resolved_commit_seq", pointer.CommitSeq))
				return &pointer, nil
			}
		}
	}
	return nil, nil
}
