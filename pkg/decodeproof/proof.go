// Copyright (C) 2024 The FrankenSQLite Authors.
// See LICENSE for copying information.

// Package decodeproof implements EcsDecodeProof, the auditable witness every
// ECS repair decode must produce: a deterministic, canonicalized record of
// which symbols were received, accepted, and rejected, and why the decode
// succeeded or failed. Proofs replay-verify bit-for-bit across independent
// replicas given the same symbol evidence.
package decodeproof

import (
	"encoding/binary"
	"sort"

	"github.com/zeebo/errs"

	"fsqlite.io/core/pkg/ids"
)

// Error is the error class for the decodeproof package.
var Error = errs.Class("decodeproof")

// SchemaVersionV1 is the stable schema version for EcsDecodeProof.
const SchemaVersionV1 uint16 = 1

// DefaultPolicyID is the default policy identifier for proof emission.
const DefaultPolicyID uint32 = 1

// DefaultSlack is the default minimum symbol-count slack required above
// k_source for a successful decode to pass verification.
const DefaultSlack uint32 = 2

// SymbolRejectionReason classifies why one candidate symbol never reached
// the decoder.
type SymbolRejectionReason int

const (
	RejectionHashMismatch SymbolRejectionReason = iota
	RejectionInvalidAuthTag
	RejectionDuplicateEsi
	RejectionFormatViolation
)

// String renders the canonical snake_case token used in reports and logs.
func (r SymbolRejectionReason) String() string {
	switch r {
	case RejectionHashMismatch:
		return "hash_mismatch"
	case RejectionInvalidAuthTag:
		return "invalid_auth_tag"
	case RejectionDuplicateEsi:
		return "duplicate_esi"
	default:
		return "format_violation"
	}
}

func (r SymbolRejectionReason) code() byte {
	switch r {
	case RejectionHashMismatch:
		return 1
	case RejectionInvalidAuthTag:
		return 2
	case RejectionDuplicateEsi:
		return 3
	default:
		return 4
	}
}

// RejectedSymbol is one piece of rejected-symbol evidence attached to a proof.
type RejectedSymbol struct {
	ESI    uint32
	Reason SymbolRejectionReason
}

// DecodeFailureReason classifies why decode_success is false.
type DecodeFailureReason int

const (
	FailureInsufficientSymbols DecodeFailureReason = iota
	FailureRankDeficiency
	FailureIntegrityMismatch
	FailureUnknown
)

// String renders the canonical snake_case token.
func (r DecodeFailureReason) String() string {
	switch r {
	case FailureInsufficientSymbols:
		return "insufficient_symbols"
	case FailureRankDeficiency:
		return "rank_deficiency"
	case FailureIntegrityMismatch:
		return "integrity_mismatch"
	default:
		return "unknown"
	}
}

func (r DecodeFailureReason) code() byte {
	switch r {
	case FailureInsufficientSymbols:
		return 1
	case FailureRankDeficiency:
		return 2
	case FailureIntegrityMismatch:
		return 3
	default:
		return 255
	}
}

// PayloadMode is the redaction policy for proof payload material.
type PayloadMode int

const (
	// PayloadModeHashesOnly persists only metadata and hashes.
	PayloadModeHashesOnly PayloadMode = iota
	// PayloadModeIncludeBytesLabOnly embeds raw symbol payload bytes;
	// never used outside tests and lab tooling.
	PayloadModeIncludeBytesLabOnly
)

// SymbolDigest is a replay-verification digest of one accepted symbol.
type SymbolDigest struct {
	ESI        uint32
	DigestXxh3 uint64
}

// ProofInputHashes is the deterministic digest summary used for replay
// verification and cheap equality checks across replicas.
type ProofInputHashes struct {
	MetadataXxh3        uint64
	SourceEsisXxh3       uint64
	RepairEsisXxh3       uint64
	RejectedSymbolsXxh3  uint64
	SymbolDigestsXxh3    uint64
}

// EcsDecodeProof records the outcome and metadata of one ECS decode
// operation: a mathematical witness, not a log line. Every field feeds the
// deterministic input-hash summary in InputHashes, so two independently
// produced proofs over identical evidence always hash identically.
type EcsDecodeProof struct {
	SchemaVersion      uint16
	PolicyID           uint32
	ObjectID           ids.ObjectId
	ChangesetID        *[16]byte
	KSource            uint32
	RepairCount        uint32
	SymbolSize         uint32
	Oti                *uint64
	SymbolsReceived    []uint32
	SourceEsis         []uint32
	RepairEsis         []uint32
	RejectedSymbols    []RejectedSymbol
	SymbolDigests      []SymbolDigest
	DecodeSuccess      bool
	FailureReason      *DecodeFailureReason
	IntermediateRank   *uint32
	TimingNs           uint64
	Seed               uint64
	PayloadMode        PayloadMode
	DebugSymbolPayloads [][]byte
	InputHashes        ProofInputHashes
}

// Success builds a proof for a decode that reconstructed the payload.
func Success(objectID ids.ObjectId, kSource uint32, symbolsReceived, sourceEsis, repairEsis []uint32, intermediateRank *uint32, timingNs, seed uint64) EcsDecodeProof {
	return fromParts(objectID, nil, kSource, symbolsReceived, sourceEsis, repairEsis, nil, nil, true, nil, intermediateRank, timingNs, seed)
}

// Failure builds a proof for a decode that did not reconstruct the payload.
func Failure(objectID ids.ObjectId, kSource uint32, symbolsReceived, sourceEsis, repairEsis []uint32, intermediateRank *uint32, timingNs, seed uint64) EcsDecodeProof {
	reason := FailureUnknown
	return fromParts(objectID, nil, kSource, symbolsReceived, sourceEsis, repairEsis, nil, nil, false, &reason, intermediateRank, timingNs, seed)
}

// FromESIs partitions a flat list of received ESIs into source (< kSource)
// and repair (>= kSource) and builds the corresponding proof.
func FromESIs(objectID ids.ObjectId, kSource uint32, allEsis []uint32, decodeSuccess bool, intermediateRank *uint32, timingNs, seed uint64) EcsDecodeProof {
	var source, repair []uint32
	for _, esi := range allEsis {
		if esi < kSource {
			source = append(source, esi)
		} else {
			repair = append(repair, esi)
		}
	}
	var failureReason *DecodeFailureReason
	if !decodeSuccess {
		reason := FailureUnknown
		failureReason = &reason
	}
	return fromParts(objectID, nil, kSource, append([]uint32(nil), allEsis...), source, repair, nil, nil, decodeSuccess, failureReason, intermediateRank, timingNs, seed)
}

func fromParts(objectID ids.ObjectId, changesetID *[16]byte, kSource uint32, symbolsReceived, sourceEsis, repairEsis []uint32, rejectedSymbols []RejectedSymbol, symbolDigests []SymbolDigest, decodeSuccess bool, failureReason *DecodeFailureReason, intermediateRank *uint32, timingNs, seed uint64) EcsDecodeProof {
	repair := canonicalizeESIs(repairEsis)
	proof := EcsDecodeProof{
		SchemaVersion:    SchemaVersionV1,
		PolicyID:         DefaultPolicyID,
		ObjectID:         objectID,
		ChangesetID:      changesetID,
		KSource:          kSource,
		RepairCount:      uint32(len(repair)),
		SymbolSize:       0,
		Oti:              nil,
		SymbolsReceived:  canonicalizeESIs(symbolsReceived),
		SourceEsis:       canonicalizeESIs(sourceEsis),
		RepairEsis:       repair,
		RejectedSymbols:  canonicalizeRejectedSymbols(rejectedSymbols),
		SymbolDigests:    canonicalizeSymbolDigests(symbolDigests),
		DecodeSuccess:    decodeSuccess,
		FailureReason:    failureReason,
		IntermediateRank: intermediateRank,
		TimingNs:         timingNs,
		Seed:             seed,
		PayloadMode:      PayloadModeHashesOnly,
	}
	proof.InputHashes = proof.computeInputHashes()
	return proof
}

// IsRepair reports whether this proof records a repair (any repair symbols used).
func (p EcsDecodeProof) IsRepair() bool {
	return len(p.RepairEsis) > 0
}

// IsMinimumDecode reports whether decode used exactly k_source symbols
// (a fragile recovery with zero slack).
func (p EcsDecodeProof) IsMinimumDecode() bool {
	return uint32(len(p.SymbolsReceived)) == p.KSource
}

// IsConsistent verifies internal consistency: source_esis + repair_esis
// partition symbols_received exactly, every collection is sorted and
// deduplicated, ESI ranges respect k_source, and the recorded input hashes
// match a fresh recomputation.
func (p EcsDecodeProof) IsConsistent() bool {
	if p.SchemaVersion != SchemaVersionV1 {
		return false
	}
	if p.DecodeSuccess && p.FailureReason != nil {
		return false
	}
	if !p.DecodeSuccess && p.FailureReason == nil {
		return false
	}
	if p.PayloadMode == PayloadModeHashesOnly && p.DebugSymbolPayloads != nil {
		return false
	}
	if p.RepairCount != uint32(len(p.RepairEsis)) {
		return false
	}

	if !isSortedUniqueU32(p.SymbolsReceived) || !isSortedUniqueU32(p.SourceEsis) || !isSortedUniqueU32(p.RepairEsis) {
		return false
	}
	if !isSortedUniqueRejected(p.RejectedSymbols) || !isSortedUniqueDigests(p.SymbolDigests) {
		return false
	}

	union := append([]uint32(nil), p.SourceEsis...)
	union = append(union, p.RepairEsis...)
	union = canonicalizeESIs(union)
	if !equalU32(union, p.SymbolsReceived) {
		return false
	}

	for _, esi := range p.SourceEsis {
		if esi >= p.KSource {
			return false
		}
	}
	for _, esi := range p.RepairEsis {
		if esi < p.KSource {
			return false
		}
	}

	received := make(map[uint32]bool, len(p.SymbolsReceived))
	for _, esi := range p.SymbolsReceived {
		received[esi] = true
	}
	for _, digest := range p.SymbolDigests {
		if !received[digest.ESI] {
			return false
		}
	}

	return p.InputHashes == p.computeInputHashes()
}

// WithChangesetID attaches replication changeset identity and recomputes hashes.
func (p EcsDecodeProof) WithChangesetID(changesetID [16]byte) EcsDecodeProof {
	p.ChangesetID = &changesetID
	p.InputHashes = p.computeInputHashes()
	return p
}

// WithRejectedSymbols attaches rejected-symbol evidence and recomputes hashes.
func (p EcsDecodeProof) WithRejectedSymbols(rejectedSymbols []RejectedSymbol) EcsDecodeProof {
	p.RejectedSymbols = canonicalizeRejectedSymbols(rejectedSymbols)
	p.InputHashes = p.computeInputHashes()
	return p
}

// WithSymbolDigests attaches accepted-symbol digests and recomputes hashes.
func (p EcsDecodeProof) WithSymbolDigests(symbolDigests []SymbolDigest) EcsDecodeProof {
	p.SymbolDigests = canonicalizeSymbolDigests(symbolDigests)
	p.InputHashes = p.computeInputHashes()
	return p
}

// WithDebugSymbolPayloads switches to lab-only debug payload mode and embeds
// raw symbol bytes. Never call this outside tests and lab tooling.
func (p EcsDecodeProof) WithDebugSymbolPayloads(payloads [][]byte) EcsDecodeProof {
	p.PayloadMode = PayloadModeIncludeBytesLabOnly
	p.DebugSymbolPayloads = payloads
	p.InputHashes = p.computeInputHashes()
	return p
}

// ReplayVerifies checks that independently supplied digest/rejection
// evidence matches this proof's recorded canonical collections and hashes.
func (p EcsDecodeProof) ReplayVerifies(symbolDigests []SymbolDigest, rejectedSymbols []RejectedSymbol) bool {
	expectedDigests := canonicalizeSymbolDigests(symbolDigests)
	expectedRejected := canonicalizeRejectedSymbols(rejectedSymbols)
	if !equalDigests(p.SymbolDigests, expectedDigests) {
		return false
	}
	if !equalRejected(p.RejectedSymbols, expectedRejected) {
		return false
	}
	return p.InputHashes.SymbolDigestsXxh3 == hashSymbolDigests(expectedDigests) &&
		p.InputHashes.RejectedSymbolsXxh3 == hashRejectedSymbols(expectedRejected)
}

// DecodeProofVerificationConfig controls proof verification thresholds.
type DecodeProofVerificationConfig struct {
	ExpectedSchemaVersion uint16
	ExpectedPolicyID      uint32
	DecodeSuccessSlack    uint32
}

// DefaultVerificationConfig mirrors the package defaults.
func DefaultVerificationConfig() DecodeProofVerificationConfig {
	return DecodeProofVerificationConfig{
		ExpectedSchemaVersion: SchemaVersionV1,
		ExpectedPolicyID:      DefaultPolicyID,
		DecodeSuccessSlack:    DefaultSlack,
	}
}

// DecodeProofVerificationIssue is one stable, machine-readable verifier finding.
type DecodeProofVerificationIssue struct {
	Code   string
	Detail string
}

// DecodeProofVerificationReport is the deterministic, structured output of
// proof verification: every individual check plus the aggregated issue list.
type DecodeProofVerificationReport struct {
	Ok                                bool
	ExpectedSchemaVersion             uint16
	ExpectedPolicyID                  uint32
	DecodeSuccessSlack                uint32
	SchemaVersionOk                   bool
	PolicyIDOk                        bool
	InternalConsistencyOk             bool
	MetadataHashOk                    bool
	SourceHashOk                      bool
	RepairHashOk                      bool
	RejectedHashOk                    bool
	SymbolDigestsHashOk               bool
	ReplayVerifies                    bool
	DecodeSuccessBudgetOk             bool
	DecodeSuccessExpectedMinSymbols   uint32
	DecodeSuccessObservedSymbols      uint32
	RejectedReasonsHashOrAuthOnly     bool
	Issues                            []DecodeProofVerificationIssue
}

// VerificationReport verifies this proof's integrity against externally
// supplied digest/rejection evidence and emits a deterministic report. The
// report's issue list is always in the same fixed check order, so two
// verifiers examining the same proof emit byte-identical reports.
func (p EcsDecodeProof) VerificationReport(config DecodeProofVerificationConfig, symbolDigests []SymbolDigest, rejectedSymbols []RejectedSymbol) DecodeProofVerificationReport {
	expectedDigests := canonicalizeSymbolDigests(symbolDigests)
	expectedRejected := canonicalizeRejectedSymbols(rejectedSymbols)

	schemaVersionOk := p.SchemaVersion == config.ExpectedSchemaVersion
	policyIDOk := p.PolicyID == config.ExpectedPolicyID
	internalConsistencyOk := p.IsConsistent()
	metadataHashOk := p.InputHashes.MetadataXxh3 == hashMetadata(p)
	sourceHashOk := p.InputHashes.SourceEsisXxh3 == hashU32List("source_esis", p.SourceEsis)
	repairHashOk := p.InputHashes.RepairEsisXxh3 == hashU32List("repair_esis", p.RepairEsis)
	rejectedHashOk := p.InputHashes.RejectedSymbolsXxh3 == hashRejectedSymbols(expectedRejected)
	symbolDigestsHashOk := p.InputHashes.SymbolDigestsXxh3 == hashSymbolDigests(expectedDigests)
	replayVerifies := p.ReplayVerifies(expectedDigests, expectedRejected)

	minSymbols := p.KSource + config.DecodeSuccessSlack
	observed := uint32(len(p.SymbolsReceived))
	budgetOk := !p.DecodeSuccess || observed >= minSymbols

	reasonsOk := true
	for _, entry := range p.RejectedSymbols {
		if entry.Reason != RejectionHashMismatch && entry.Reason != RejectionInvalidAuthTag {
			reasonsOk = false
			break
		}
	}

	var issues []DecodeProofVerificationIssue
	if !schemaVersionOk {
		issues = append(issues, DecodeProofVerificationIssue{
			Code:   "schema_version_mismatch",
			Detail: errs.New("expected %d, got %d", config.ExpectedSchemaVersion, p.SchemaVersion).Error(),
		})
	}
	if !policyIDOk {
		issues = append(issues, DecodeProofVerificationIssue{
			Code:   "policy_id_mismatch",
			Detail: errs.New("expected %d, got %d", config.ExpectedPolicyID, p.PolicyID).Error(),
		})
	}
	if !internalConsistencyOk {
		issues = append(issues, DecodeProofVerificationIssue{
			Code:   "internal_consistency_failed",
			Detail: "proof failed internal consistency checks",
		})
	}
	if !metadataHashOk || !sourceHashOk || !repairHashOk || !rejectedHashOk || !symbolDigestsHashOk {
		issues = append(issues, DecodeProofVerificationIssue{
			Code: "hash_mismatch",
			Detail: errs.New(
				"metadata=%t source=%t repair=%t rejected=%t symbol_digests=%t",
				metadataHashOk, sourceHashOk, repairHashOk, rejectedHashOk, symbolDigestsHashOk,
			).Error(),
		})
	}
	if !replayVerifies {
		issues = append(issues, DecodeProofVerificationIssue{
			Code:   "replay_verification_failed",
			Detail: "provided digest/rejection evidence did not match proof",
		})
	}
	if !budgetOk {
		issues = append(issues, DecodeProofVerificationIssue{
			Code: "decode_success_budget_failed",
			Detail: errs.New(
				"success proof had %d symbols, required >= %d", observed, minSymbols,
			).Error(),
		})
	}
	if !reasonsOk {
		issues = append(issues, DecodeProofVerificationIssue{
			Code:   "rejected_reason_unsupported",
			Detail: "rejected-symbol reasons must be hash/auth mismatch for this verifier",
		})
	}

	return DecodeProofVerificationReport{
		Ok:                              len(issues) == 0,
		ExpectedSchemaVersion:           config.ExpectedSchemaVersion,
		ExpectedPolicyID:                config.ExpectedPolicyID,
		DecodeSuccessSlack:              config.DecodeSuccessSlack,
		SchemaVersionOk:                 schemaVersionOk,
		PolicyIDOk:                      policyIDOk,
		InternalConsistencyOk:           internalConsistencyOk,
		MetadataHashOk:                  metadataHashOk,
		SourceHashOk:                    sourceHashOk,
		RepairHashOk:                    repairHashOk,
		RejectedHashOk:                  rejectedHashOk,
		SymbolDigestsHashOk:             symbolDigestsHashOk,
		ReplayVerifies:                  replayVerifies,
		DecodeSuccessBudgetOk:           budgetOk,
		DecodeSuccessExpectedMinSymbols: minSymbols,
		DecodeSuccessObservedSymbols:    observed,
		RejectedReasonsHashOrAuthOnly:   reasonsOk,
		Issues:                          issues,
	}
}

func (p EcsDecodeProof) computeInputHashes() ProofInputHashes {
	return ProofInputHashes{
		MetadataXxh3:        hashMetadata(p),
		SourceEsisXxh3:      hashU32List("source_esis", p.SourceEsis),
		RepairEsisXxh3:      hashU32List("repair_esis", p.RepairEsis),
		RejectedSymbolsXxh3: hashRejectedSymbols(p.RejectedSymbols),
		SymbolDigestsXxh3:   hashSymbolDigests(p.SymbolDigests),
	}
}

func canonicalizeESIs(values []uint32) []uint32 {
	if values == nil {
		return nil
	}
	out := append([]uint32(nil), values...)
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return dedupU32(out)
}

func dedupU32(sorted []uint32) []uint32 {
	if len(sorted) == 0 {
		return sorted
	}
	out := sorted[:1]
	for _, v := range sorted[1:] {
		if v != out[len(out)-1] {
			out = append(out, v)
		}
	}
	return out
}

func canonicalizeRejectedSymbols(values []RejectedSymbol) []RejectedSymbol {
	if values == nil {
		return nil
	}
	out := append([]RejectedSymbol(nil), values...)
	sort.Slice(out, func(i, j int) bool { return lessRejected(out[i], out[j]) })
	return dedupRejected(out)
}

func lessRejected(a, b RejectedSymbol) bool {
	if a.ESI != b.ESI {
		return a.ESI < b.ESI
	}
	return a.Reason < b.Reason
}

func dedupRejected(sorted []RejectedSymbol) []RejectedSymbol {
	if len(sorted) == 0 {
		return sorted
	}
	out := sorted[:1]
	for _, v := range sorted[1:] {
		last := out[len(out)-1]
		if v != last {
			out = append(out, v)
		}
	}
	return out
}

func canonicalizeSymbolDigests(values []SymbolDigest) []SymbolDigest {
	if values == nil {
		return nil
	}
	out := append([]SymbolDigest(nil), values...)
	sort.Slice(out, func(i, j int) bool { return lessDigest(out[i], out[j]) })
	return dedupDigests(out)
}

func lessDigest(a, b SymbolDigest) bool {
	if a.ESI != b.ESI {
		return a.ESI < b.ESI
	}
	return a.DigestXxh3 < b.DigestXxh3
}

func dedupDigests(sorted []SymbolDigest) []SymbolDigest {
	if len(sorted) == 0 {
		return sorted
	}
	out := sorted[:1]
	for _, v := range sorted[1:] {
		last := out[len(out)-1]
		if v != last {
			out = append(out, v)
		}
	}
	return out
}

func isSortedUniqueU32(values []uint32) bool {
	for i := 1; i < len(values); i++ {
		if !(values[i-1] < values[i]) {
			return false
		}
	}
	return true
}

func isSortedUniqueRejected(values []RejectedSymbol) bool {
	for i := 1; i < len(values); i++ {
		if !lessRejected(values[i-1], values[i]) {
			return false
		}
	}
	return true
}

func isSortedUniqueDigests(values []SymbolDigest) bool {
	for i := 1; i < len(values); i++ {
		if !lessDigest(values[i-1], values[i]) {
			return false
		}
	}
	return true
}

func equalU32(a, b []uint32) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func equalRejected(a, b []RejectedSymbol) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func equalDigests(a, b []SymbolDigest) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func le32(v uint32) []byte {
	var b [4]byte
	binary.LittleEndian.PutUint32(b[:], v)
	return b[:]
}

func le64(v uint64) []byte {
	var b [8]byte
	binary.LittleEndian.PutUint64(b[:], v)
	return b[:]
}

func hashU32List(domain string, values []uint32) uint64 {
	buf := make([]byte, 0, len(values)*4)
	for _, v := range values {
		buf = append(buf, le32(v)...)
	}
	return ids.DomainHash(domain, buf)
}

func hashRejectedSymbols(values []RejectedSymbol) uint64 {
	buf := make([]byte, 0, len(values)*5)
	for _, v := range values {
		buf = append(buf, le32(v.ESI)...)
		buf = append(buf, v.Reason.code())
	}
	return ids.DomainHash("rejected", buf)
}

func hashSymbolDigests(values []SymbolDigest) uint64 {
	buf := make([]byte, 0, len(values)*12)
	for _, v := range values {
		buf = append(buf, le32(v.ESI)...)
		buf = append(buf, le64(v.DigestXxh3)...)
	}
	return ids.DomainHash("symbol_digests", buf)
}

func hashDebugPayloads(payloads [][]byte) uint64 {
	if payloads == nil {
		return 0
	}
	buf := make([]byte, 0)
	for _, payload := range payloads {
		buf = append(buf, le64(uint64(len(payload)))...)
		buf = append(buf, le64(ids.DomainHash("", payload))...)
	}
	return ids.DomainHash("debug_payloads", buf)
}

func hashMetadata(p EcsDecodeProof) uint64 {
	buf := make([]byte, 0, 96)
	buf = append(buf, []byte{byte(p.SchemaVersion), byte(p.SchemaVersion >> 8)}...)
	buf = append(buf, le32(p.PolicyID)...)
	buf = append(buf, p.ObjectID[:]...)
	if p.ChangesetID != nil {
		buf = append(buf, 1)
		buf = append(buf, p.ChangesetID[:]...)
	} else {
		buf = append(buf, 0)
	}
	buf = append(buf, le32(p.KSource)...)
	buf = append(buf, le32(p.RepairCount)...)
	buf = append(buf, le32(p.SymbolSize)...)
	buf = append(buf, le64(p.Seed)...)
	if p.Oti != nil {
		buf = append(buf, 1)
		buf = append(buf, le64(*p.Oti)...)
	} else {
		buf = append(buf, 0)
	}
	if p.DecodeSuccess {
		buf = append(buf, 1)
	} else {
		buf = append(buf, 0)
	}
	if p.FailureReason != nil {
		buf = append(buf, 1, p.FailureReason.code())
	} else {
		buf = append(buf, 0)
	}
	if p.IntermediateRank != nil {
		buf = append(buf, 1)
		buf = append(buf, le32(*p.IntermediateRank)...)
	} else {
		buf = append(buf, 0)
	}
	buf = append(buf, le64(p.TimingNs)...)
	switch p.PayloadMode {
	case PayloadModeHashesOnly:
		buf = append(buf, 0)
	default:
		buf = append(buf, 1)
	}
	buf = append(buf, le64(hashDebugPayloads(p.DebugSymbolPayloads))...)
	return ids.DomainHash("decode_proof_metadata", buf)
}
