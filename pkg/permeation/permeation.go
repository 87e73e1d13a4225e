// Copyright (C) 2024 The FrankenSQLite Authors.
// See LICENSE for copying information.

// Package permeation enforces the rule that every subsystem that persists
// or ships bytes through the ECS declares an object type, a symbol-size and
// redundancy policy, and a repair story. The canonical V1 map lives here as
// a static table; AuditPermeationEntries checks it (or any candidate table)
// for missing subsystems, duplicate declarations, empty fields, and
// unparseable symbol-policy grammar.
package permeation

import (
	"strconv"
	"strings"

	"github.com/zeebo/errs"
	"go.uber.org/zap"
)

// Error is the error class for the permeation package.
var Error = errs.Class("permeation")

// Plane is an ECS permeation architecture plane.
type Plane int

const (
	PlaneDurability Plane = iota
	PlaneConcurrency
	PlaneReplication
	PlaneObservability
)

// String renders the plane's canonical name.
func (p Plane) String() string {
	switch p {
	case PlaneDurability:
		return "Durability"
	case PlaneConcurrency:
		return "Concurrency"
	case PlaneReplication:
		return "Replication"
	default:
		return "Observability"
	}
}

// Entry is one permeation-map declaration: a subsystem's ECS object type,
// symbol-size/redundancy policy string, repair story, and plane.
type Entry struct {
	Subsystem        string
	ObjectType       string
	SymbolSizePolicy string
	RepairStory      string
	Plane            Plane
}

// RequiredSubsystemsV1 lists every subsystem the V1 permeation map must declare.
var RequiredSubsystemsV1 = []string{
	"Commits/CapsuleProof",
	"Commits/MarkerStream",
	"Checkpoints",
	"Indices",
	"Page storage",
	"MVCC page history",
	"Conflict reduction",
	"SSI witness plane",
	"Symbol streaming",
	"Anti-entropy",
	"Bootstrap",
	"Multipath",
	"Repair auditing",
	"Schedule exploration",
	"Invariant monitoring",
	"Model checking",
}

// Map is the canonical V1 permeation map.
var Map = []Entry{
	{"Commits/CapsuleProof", "CommitCapsule+CommitProof", "T=min(page_size,4096), R=20%", "decode from surviving symbols", PlaneDurability},
	{"Commits/MarkerStream", "CommitMarkerRecord", "fixed:88B record stream (no fountain)", "torn-tail ignore + record_xxh3 + hash-chain audit", PlaneDurability},
	{"Checkpoints", "CheckpointChunk", "T=1024-4096B, R=policy-driven", "chunked snapshot objects; rebuild from marker stream if lost", PlaneDurability},
	{"Indices", "IndexSegment", "T=1280-4096B, R=20%", "decode or rebuild-from-marker-scan", PlaneDurability},
	{"Page storage", "PageHistory", "T=page_size, R=per-group", "decode from group symbols; on-the-fly repair on read", PlaneDurability},
	{"MVCC page history", "PageHistoryPatchChain", "T=page_size, R=per-group", "bounded by GC horizon; repair through patch replay", PlaneConcurrency},
	{"Conflict reduction", "IntentLog", "T=256-1024B, R=policy-driven", "replayed deterministically for rebase merge", PlaneConcurrency},
	{"SSI witness plane", "ReadWitness+WriteWitness+WitnessIndexSegment+DependencyEdge+CommitProof", "T=1280-4096B, R=policy-driven", "decode witness stream and rebuild serialization graph", PlaneConcurrency},
	{"Symbol streaming", "SymbolSink/SymbolStream", "T=1280-4096B, R=transport-policy", "symbol-native transport; recover with any K symbols", PlaneReplication},
	{"Anti-entropy", "ObjectIdSetIBLT", "fixed:16B object-id atoms (IBLT), R=0%", "peel IBLT; fallback to segment hash scan on overflow", PlaneReplication},
	{"Bootstrap", "CheckpointChunk", "T=1024-4096B, R=policy-driven", "late join by collecting K checkpoint symbols", PlaneReplication},
	{"Multipath", "MultipathAggregator", "T=1280-4096B, R=transport-policy", "any K symbols from any path reconstructs object", PlaneReplication},
	{"Repair auditing", "DecodeProof", "T=1024-4096B, R=0%", "attach decode proof artifacts to deterministic traces", PlaneObservability},
	{"Schedule exploration", "LabRuntimeTrace", "T=1024-4096B, R=0%", "deterministic replay from seed and event stream", PlaneObservability},
	{"Invariant monitoring", "EProcessMonitorEvent", "T=256-1024B, R=0%", "stream invariant events and enforce corruption budgets", PlaneObservability},
	{"Model checking", "TlaExportTrace", "T=1024-4096B, R=0%", "export traces for bounded TLA+ model checking", PlaneObservability},
}

// SymbolSizeKind discriminates the symbol-size policy grammar.
type SymbolSizeKind int

const (
	SymbolSizeMinPageSize SymbolSizeKind = iota
	SymbolSizePageSize
	SymbolSizeRangeBytes
	SymbolSizeFixedBytes
)

// SymbolSizePolicy is a parsed `T=...` declaration.
type SymbolSizePolicy struct {
	Kind     SymbolSizeKind
	CapBytes uint32 // MinPageSize
	MinBytes uint32 // RangeBytes
	MaxBytes uint32 // RangeBytes
	Fixed    uint32 // FixedBytes
}

// RedundancyKind discriminates the redundancy policy grammar.
type RedundancyKind int

const (
	RedundancyPercentBps RedundancyKind = iota
	RedundancyPolicyDriven
	RedundancyPerGroup
	RedundancyTransportPolicy
)

// RedundancyPolicy is a parsed `R=...` declaration.
type RedundancyPolicy struct {
	Kind       RedundancyKind
	PercentBps uint16 // RedundancyPercentBps
}

// ParsedSymbolPolicy is the full parse of one symbol-size-policy string.
type ParsedSymbolPolicy struct {
	SymbolSize    SymbolSizePolicy
	Redundancy    RedundancyPolicy
	FountainCoded bool
}

// ResolvedSymbolPolicy is a ParsedSymbolPolicy resolved against a concrete
// page size and a set of non-numeric-redundancy defaults.
type ResolvedSymbolPolicy struct {
	SymbolSizeBytes uint32
	RedundancyBps   uint16
	FountainCoded   bool
}

// PolicyResolutionDefaults supplies basis-points values for the
// non-numeric redundancy grammar tokens (policy-driven, per-group,
// transport-policy).
type PolicyResolutionDefaults struct {
	PolicyDrivenBps    uint16
	PerGroupBps        uint16
	TransportPolicyBps uint16
}

// DefaultPolicyResolutionDefaults matches the spec's resolution defaults.
func DefaultPolicyResolutionDefaults() PolicyResolutionDefaults {
	return PolicyResolutionDefaults{
		PolicyDrivenBps:    2000,
		PerGroupBps:        2000,
		TransportPolicyBps: 1500,
	}
}

// Resolve turns a parsed policy into concrete symbol size and redundancy
// given a page size and resolution defaults.
func (p ParsedSymbolPolicy) Resolve(pageSize uint32, defaults PolicyResolutionDefaults) ResolvedSymbolPolicy {
	var symbolSize uint32
	switch p.SymbolSize.Kind {
	case SymbolSizeMinPageSize:
		symbolSize = minU32(pageSize, p.SymbolSize.CapBytes)
	case SymbolSizePageSize:
		symbolSize = pageSize
	case SymbolSizeRangeBytes:
		symbolSize = clampU32(pageSize, p.SymbolSize.MinBytes, p.SymbolSize.MaxBytes)
	default:
		symbolSize = p.SymbolSize.Fixed
	}

	var redundancyBps uint16
	switch p.Redundancy.Kind {
	case RedundancyPercentBps:
		redundancyBps = p.Redundancy.PercentBps
	case RedundancyPolicyDriven:
		redundancyBps = defaults.PolicyDrivenBps
	case RedundancyPerGroup:
		redundancyBps = defaults.PerGroupBps
	default:
		redundancyBps = defaults.TransportPolicyBps
	}

	return ResolvedSymbolPolicy{
		SymbolSizeBytes: symbolSize,
		RedundancyBps:   redundancyBps,
		FountainCoded:   p.FountainCoded,
	}
}

func minU32(a, b uint32) uint32 {
	if a < b {
		return a
	}
	return b
}

func clampU32(v, lo, hi uint32) uint32 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// ParseSymbolPolicy parses one permeation symbol-size-policy declaration,
// e.g. "T=min(page_size,4096), R=20%" or "fixed:88B record stream (no fountain)".
func ParseSymbolPolicy(raw string) (ParsedSymbolPolicy, error) {
	if bytes, redundancyRaw, ok := parseFixedPolicy(raw); ok {
		redundancy, err := parseRedundancyPolicy(redundancyRaw)
		if err != nil {
			return ParsedSymbolPolicy{}, err
		}
		return ParsedSymbolPolicy{
			SymbolSize:    SymbolSizePolicy{Kind: SymbolSizeFixedBytes, Fixed: bytes},
			Redundancy:    redundancy,
			FountainCoded: false,
		}, nil
	}

	symbolRaw, redundancyRaw, ok := strings.Cut(raw, ", R=")
	if !ok {
		return ParsedSymbolPolicy{}, Error.New("policy missing ', R=' clause: %s", raw)
	}

	symbolSize, err := parseSymbolSizePolicy(strings.TrimSpace(symbolRaw))
	if err != nil {
		return ParsedSymbolPolicy{}, err
	}
	redundancy, err := parseRedundancyPolicy(strings.TrimSpace(redundancyRaw))
	if err != nil {
		return ParsedSymbolPolicy{}, err
	}
	return ParsedSymbolPolicy{SymbolSize: symbolSize, Redundancy: redundancy, FountainCoded: true}, nil
}

func parseSymbolSizePolicy(raw string) (SymbolSizePolicy, error) {
	if raw == "T=page_size" {
		return SymbolSizePolicy{Kind: SymbolSizePageSize}, nil
	}

	if inner, ok := strings.CutPrefix(raw, "T=min(page_size,"); ok {
		if inner, ok := strings.CutSuffix(inner, ")"); ok {
			cap, err := strconv.ParseUint(inner, 10, 32)
			if err != nil {
				return SymbolSizePolicy{}, Error.New("invalid min() cap: %s", raw)
			}
			return SymbolSizePolicy{Kind: SymbolSizeMinPageSize, CapBytes: uint32(cap)}, nil
		}
	}

	if bytesRaw, ok := strings.CutPrefix(raw, "T="); ok {
		if bytesRaw, ok := strings.CutSuffix(bytesRaw, "B"); ok {
			if lo, hi, found := strings.Cut(bytesRaw, "-"); found {
				minBytes, err := strconv.ParseUint(lo, 10, 32)
				if err != nil {
					return SymbolSizePolicy{}, Error.New("invalid range lower bound: %s", raw)
				}
				maxBytes, err := strconv.ParseUint(hi, 10, 32)
				if err != nil {
					return SymbolSizePolicy{}, Error.New("invalid range upper bound: %s", raw)
				}
				if minBytes > maxBytes {
					return SymbolSizePolicy{}, Error.New("range lower bound exceeds upper bound: %s", raw)
				}
				return SymbolSizePolicy{Kind: SymbolSizeRangeBytes, MinBytes: uint32(minBytes), MaxBytes: uint32(maxBytes)}, nil
			}

			fixed, err := strconv.ParseUint(bytesRaw, 10, 32)
			if err != nil {
				return SymbolSizePolicy{}, Error.New("invalid fixed symbol size: %s", raw)
			}
			return SymbolSizePolicy{Kind: SymbolSizeFixedBytes, Fixed: uint32(fixed)}, nil
		}
	}

	return SymbolSizePolicy{}, Error.New("unsupported symbol-size policy: %s", raw)
}

func parseRedundancyPolicy(raw string) (RedundancyPolicy, error) {
	normalized := raw
	if trimmed, ok := strings.CutSuffix(raw, " default"); ok {
		normalized = trimmed
	}
	normalized = strings.TrimSpace(normalized)

	switch normalized {
	case "policy-driven":
		return RedundancyPolicy{Kind: RedundancyPolicyDriven}, nil
	case "per-group":
		return RedundancyPolicy{Kind: RedundancyPerGroup}, nil
	case "transport-policy":
		return RedundancyPolicy{Kind: RedundancyTransportPolicy}, nil
	default:
		bps, ok := parsePercentBps(normalized)
		if !ok {
			return RedundancyPolicy{}, Error.New("invalid redundancy policy: %s", raw)
		}
		return RedundancyPolicy{Kind: RedundancyPercentBps, PercentBps: bps}, nil
	}
}

func parsePercentBps(raw string) (uint16, bool) {
	percent, ok := strings.CutSuffix(raw, "%")
	if !ok {
		return 0, false
	}
	wholeRaw, fracRaw, hasFrac := strings.Cut(percent, ".")
	if !hasFrac {
		wholeRaw, fracRaw = percent, ""
	}
	whole, err := strconv.ParseUint(wholeRaw, 10, 16)
	if err != nil {
		return 0, false
	}

	var fracBps uint64
	switch len(fracRaw) {
	case 0:
		fracBps = 0
	case 1:
		digit, err := strconv.ParseUint(fracRaw, 10, 16)
		if err != nil {
			return 0, false
		}
		fracBps = digit * 10
	case 2:
		digit, err := strconv.ParseUint(fracRaw, 10, 16)
		if err != nil {
			return 0, false
		}
		fracBps = digit
	default:
		return 0, false
	}

	bps := whole*100 + fracBps
	if bps > 10000 {
		return 0, false
	}
	return uint16(bps), true
}

func parseFixedPolicy(raw string) (bytes uint32, redundancy string, ok bool) {
	fixed, ok := strings.CutPrefix(raw, "fixed:")
	if !ok {
		return 0, "", false
	}
	bytesRaw, rest, found := strings.Cut(fixed, "B")
	if !found {
		return 0, "", false
	}
	parsed, err := strconv.ParseUint(bytesRaw, 10, 32)
	if err != nil {
		return 0, "", false
	}
	redundancy = "0%"
	if _, r, found := strings.Cut(rest, ", R="); found {
		redundancy = strings.TrimSpace(r)
	}
	return uint32(parsed), redundancy, true
}

// AuditFailureKind classifies why AuditPermeationEntries flagged an entry.
type AuditFailureKind int

const (
	AuditMissingEntry AuditFailureKind = iota
	AuditDuplicateSubsystemInPlane
	AuditEmptyField
	AuditInvalidSymbolPolicy
)

// AuditFailure is one finding from AuditPermeationEntries.
type AuditFailure struct {
	Kind      AuditFailureKind
	Subsystem string
	Plane     *Plane
	Detail    string
}

// AuditPermeationMap runs the audit against the canonical V1 map with a
// 4096-byte reference page size.
func AuditPermeationMap(logger *zap.Logger) []AuditFailure {
	return AuditPermeationEntries(Map, RequiredSubsystemsV1, 4096, DefaultPolicyResolutionDefaults(), logger)
}

// AuditPermeationEntries checks entries for: missing required subsystems,
// duplicate (plane, subsystem) pairs, empty declaration fields, and
// unparseable symbol-policy grammar. It never panics — every failure mode
// is reported as an AuditFailure, never an error return, so callers can run
// this as a non-blocking CI/startup check.
func AuditPermeationEntries(entries []Entry, requiredSubsystems []string, pageSize uint32, defaults PolicyResolutionDefaults, logger *zap.Logger) []AuditFailure {
	if logger == nil {
		logger = zap.NewNop()
	}
	logger.Debug("starting permeation-map audit",
		zap.Int("entry_count", len(entries)),
		zap.Int("required_count", len(requiredSubsystems)))

	var failures []AuditFailure
	seen := make(map[string]bool, len(entries))
	bySubsystem := make(map[string]int, len(entries))

	for _, entry := range entries {
		bySubsystem[entry.Subsystem]++
		failures = append(failures, emptyFieldFailures(entry)...)

		key := entry.Plane.String() + "\x00" + entry.Subsystem
		if seen[key] {
			plane := entry.Plane
			failures = append(failures, AuditFailure{
				Kind:      AuditDuplicateSubsystemInPlane,
				Subsystem: entry.Subsystem,
				Plane:     &plane,
				Detail:    "duplicate subsystem '" + entry.Subsystem + "' in plane " + entry.Plane.String(),
			})
		}
		seen[key] = true

		if failure, bad := validateSymbolPolicyEntry(entry, pageSize, defaults, logger); bad {
			failures = append(failures, failure)
		}
	}

	for _, required := range requiredSubsystems {
		if bySubsystem[required] == 0 {
			failures = append(failures, AuditFailure{
				Kind:      AuditMissingEntry,
				Subsystem: required,
				Detail:    "required subsystem missing from permeation map",
			})
		}
	}

	if len(failures) == 0 {
		logger.Info("permeation-map audit complete: no gaps", zap.Int("entry_count", len(entries)))
	} else {
		logger.Error("permeation-map audit detected failures",
			zap.Int("entry_count", len(entries)),
			zap.Int("failure_count", len(failures)))
	}

	return failures
}

func emptyFieldFailures(entry Entry) []AuditFailure {
	var failures []AuditFailure
	plane := entry.Plane
	check := func(field, name string) {
		if strings.TrimSpace(field) == "" {
			failures = append(failures, AuditFailure{
				Kind:      AuditEmptyField,
				Subsystem: entry.Subsystem,
				Plane:     &plane,
				Detail:    name + " is empty",
			})
		}
	}
	check(entry.Subsystem, "subsystem")
	check(entry.ObjectType, "object_type")
	check(entry.SymbolSizePolicy, "symbol_size_policy")
	check(entry.RepairStory, "repair_story")
	return failures
}

func validateSymbolPolicyEntry(entry Entry, pageSize uint32, defaults PolicyResolutionDefaults, logger *zap.Logger) (AuditFailure, bool) {
	parsed, err := ParseSymbolPolicy(entry.SymbolSizePolicy)
	if err != nil {
		logger.Error("invalid permeation symbol policy",
			zap.String("subsystem", entry.Subsystem),
			zap.String("plane", entry.Plane.String()),
			zap.String("policy", entry.SymbolSizePolicy),
			zap.Error(err))
		plane := entry.Plane
		return AuditFailure{
			Kind:      AuditInvalidSymbolPolicy,
			Subsystem: entry.Subsystem,
			Plane:     &plane,
			Detail:    err.Error(),
		}, true
	}

	resolved := parsed.Resolve(pageSize, defaults)
	logger.Debug("validated symbol policy declaration",
		zap.String("subsystem", entry.Subsystem),
		zap.String("plane", entry.Plane.String()),
		zap.Uint32("symbol_size_bytes", resolved.SymbolSizeBytes),
		zap.Uint16("redundancy_bps", resolved.RedundancyBps),
		zap.Bool("fountain_coded", resolved.FountainCoded))
	return AuditFailure{}, false
}
