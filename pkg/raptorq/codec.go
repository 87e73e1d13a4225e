// Copyright (C) 2024 The FrankenSQLite Authors.
// See LICENSE for copying information.

package raptorq

import (
	"sort"

	"github.com/klauspost/reedsolomon"

	"fsqlite.io/core/pkg/ids"
)

// DomainSeed is the domain tag for deterministic repair-seed derivation.
const DomainSeed = "fsqlite.raptorq.seed.v1"

// DeriveRepairSeed computes the deterministic seed used to tag an object's
// encode/decode operations for auditability. The current GF(256) backend's
// Encode is itself a pure function of shard bytes (no RNG), so the seed is
// carried for forward compatibility with a true fountain-coded backend and
// recorded verbatim in decode proofs.
func DeriveRepairSeed(objectID ids.ObjectId) uint64 {
	return ids.DomainHash(DomainSeed, objectID[:])
}

// RedundancyPolicy determines how many repair symbols to produce for a
// given source symbol count K.
type RedundancyPolicy struct {
	// PercentOfK is the fraction of K to add as repair symbols (e.g. 0.5
	// for 50%).
	PercentOfK float64
	// MinRepair is the floor on repair symbol count (never below 1 when K > 0).
	MinRepair uint32
}

// RepairCount returns R, the number of repair symbols for source count k.
func (p RedundancyPolicy) RepairCount(k uint32) uint32 {
	if k == 0 {
		return 0
	}
	r := uint32(float64(k)*p.PercentOfK + 0.999999)
	if r < p.MinRepair {
		r = p.MinRepair
	}
	if r == 0 {
		r = 1
	}
	return r
}

// DecodeFailureReason classifies why Decode failed to reconstruct a payload.
type DecodeFailureReason int

const (
	// DecodeFailureNone indicates success (no failure).
	DecodeFailureNone DecodeFailureReason = iota
	// DecodeFailureInsufficientSymbols means fewer than K valid symbols were supplied.
	DecodeFailureInsufficientSymbols
	// DecodeFailureRankDeficiency means the supplied symbols were linearly dependent.
	DecodeFailureRankDeficiency
	// DecodeFailureIntegrityMismatch means symbols failed checksum/auth validation.
	DecodeFailureIntegrityMismatch
	// DecodeFailureUnknown is a catch-all for backend errors not otherwise classified.
	DecodeFailureUnknown
)

// String renders the failure reason as the spec's canonical token.
func (r DecodeFailureReason) String() string {
	switch r {
	case DecodeFailureNone:
		return "None"
	case DecodeFailureInsufficientSymbols:
		return "InsufficientSymbols"
	case DecodeFailureRankDeficiency:
		return "RankDeficiency"
	case DecodeFailureIntegrityMismatch:
		return "IntegrityMismatch"
	default:
		return "Unknown"
	}
}

// RejectedSymbolReason classifies why one candidate symbol was excluded
// from a decode attempt before reconstruction was tried.
type RejectedSymbolReason int

const (
	// RejectedHashMismatch means the frame checksum did not verify.
	RejectedHashMismatch RejectedSymbolReason = iota
	// RejectedInvalidAuthTag means the keyed MAC did not verify.
	RejectedInvalidAuthTag
	// RejectedDuplicateEsi means the same ESI appeared more than once.
	RejectedDuplicateEsi
	// RejectedFormatViolation means the symbol failed to parse or had a
	// structurally invalid object id / oti / size.
	RejectedFormatViolation
)

// String renders the rejection reason as the spec's canonical token.
func (r RejectedSymbolReason) String() string {
	switch r {
	case RejectedHashMismatch:
		return "HashMismatch"
	case RejectedInvalidAuthTag:
		return "InvalidAuthTag"
	case RejectedDuplicateEsi:
		return "DuplicateEsi"
	default:
		return "FormatViolation"
	}
}

// RejectedSymbol pairs an ESI with why it was excluded from a decode attempt.
type RejectedSymbol struct {
	ESI    uint32
	Reason RejectedSymbolReason
}

// DecodeOutcome carries everything a caller needs to build an EcsDecodeProof
// from one decode attempt, success or failure.
type DecodeOutcome struct {
	Payload          []byte
	Success          bool
	FailureReason    DecodeFailureReason
	IntermediateRank *int
	SymbolsReceived  []uint32
	SourceESIs       []uint32
	RepairESIs       []uint32
	Rejected         []RejectedSymbol
}

// Encode produces K source symbols (ESI 0..K-1, zero-padded payload split
// into T-byte shards) plus R repair symbols (ESI K..K+R-1) per policy,
// deterministically derived from (objectID, payload, oti).
func Encode(objectID ids.ObjectId, payload []byte, oti Oti, policy RedundancyPolicy) ([]SymbolRecord, error) {
	k, err := SourceSymbolCount(oti)
	if err != nil {
		return nil, Error.Wrap(err)
	}
	if k == 0 {
		return nil, nil
	}
	r := policy.RepairCount(k)

	t := int(oti.T)
	padded := make([]byte, int(k)*t)
	copy(padded, payload)

	shards := make([][]byte, int(k)+int(r))
	for i := uint32(0); i < k; i++ {
		shards[i] = padded[int(i)*t : (int(i)+1)*t]
	}
	for i := uint32(0); i < r; i++ {
		shards[k+i] = make([]byte, t)
	}

	if r > 0 {
		enc, err := reedsolomon.New(int(k), int(r))
		if err != nil {
			return nil, Error.Wrap(err)
		}
		if err := enc.Encode(shards); err != nil {
			return nil, Error.Wrap(err)
		}
	}

	records := make([]SymbolRecord, 0, int(k)+int(r))
	for i := uint32(0); i < k; i++ {
		flags := SymbolRecordFlags(0)
		if i == 0 {
			flags = FlagSystematicRunStart
		}
		records = append(records, NewSymbolRecord(objectID, oti, i, shards[i], flags))
	}
	for i := uint32(0); i < r; i++ {
		records = append(records, NewSymbolRecord(objectID, oti, k+i, shards[k+i], 0))
	}
	return records, nil
}

// Decode reconstructs payload from any K valid symbols among the supplied
// candidates, given the original repair symbol count R the object was
// encoded with (R is not recoverable from Oti alone, so callers must track
// it alongside the object — mirroring how EcsDecodeProof always carries
// repair_count explicitly).
func Decode(objectID ids.ObjectId, oti Oti, repairCount uint32, candidates []SymbolRecord, authEpochKey *[32]byte) DecodeOutcome {
	k, err := SourceSymbolCount(oti)
	if err != nil || k == 0 {
		return DecodeOutcome{Success: false, FailureReason: DecodeFailureUnknown}
	}
	total := int(k) + int(repairCount)

	shards := make([][]byte, total)
	seen := make(map[uint32]bool, len(candidates))
	var sourceESIs, repairESIs, symbolsReceived []uint32
	var rejected []RejectedSymbol

	sorted := append([]SymbolRecord(nil), candidates...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].ESI < sorted[j].ESI })

	for _, sym := range sorted {
		if sym.ObjectID != objectID || !sym.Oti.Equal(oti) {
			rejected = append(rejected, RejectedSymbol{ESI: sym.ESI, Reason: RejectedFormatViolation})
			continue
		}
		if seen[sym.ESI] {
			rejected = append(rejected, RejectedSymbol{ESI: sym.ESI, Reason: RejectedDuplicateEsi})
			continue
		}
		if int(sym.ESI) >= total {
			rejected = append(rejected, RejectedSymbol{ESI: sym.ESI, Reason: RejectedFormatViolation})
			continue
		}
		if !sym.VerifyIntegrity() {
			rejected = append(rejected, RejectedSymbol{ESI: sym.ESI, Reason: RejectedHashMismatch})
			continue
		}
		if sym.AuthTag != [16]byte{} {
			if authEpochKey == nil || !sym.VerifyAuth(*authEpochKey) {
				rejected = append(rejected, RejectedSymbol{ESI: sym.ESI, Reason: RejectedInvalidAuthTag})
				continue
			}
		}

		seen[sym.ESI] = true
		shards[sym.ESI] = append([]byte(nil), sym.SymbolData...)
		symbolsReceived = append(symbolsReceived, sym.ESI)
		if sym.ESI < k {
			sourceESIs = append(sourceESIs, sym.ESI)
		} else {
			repairESIs = append(repairESIs, sym.ESI)
		}
	}

	sort.Slice(symbolsReceived, func(i, j int) bool { return symbolsReceived[i] < symbolsReceived[j] })

	if len(symbolsReceived) < int(k) {
		rank := len(symbolsReceived)
		return DecodeOutcome{
			Success:          false,
			FailureReason:    DecodeFailureInsufficientSymbols,
			IntermediateRank:  &rank,
			SymbolsReceived:  symbolsReceived,
			SourceESIs:       sourceESIs,
			RepairESIs:       repairESIs,
			Rejected:         rejected,
		}
	}

	if int(repairCount) > 0 {
		enc, err := reedsolomon.New(int(k), int(repairCount))
		if err != nil {
			return DecodeOutcome{
				Success:         false,
				FailureReason:   DecodeFailureUnknown,
				SymbolsReceived: symbolsReceived,
				SourceESIs:      sourceESIs,
				RepairESIs:      repairESIs,
				Rejected:        rejected,
			}
		}
		if err := enc.Reconstruct(shards); err != nil {
			reason := DecodeFailureRankDeficiency
			if err == reedsolomon.ErrTooFewShards {
				reason = DecodeFailureInsufficientSymbols
			}
			return DecodeOutcome{
				Success:         false,
				FailureReason:   reason,
				SymbolsReceived: symbolsReceived,
				SourceESIs:      sourceESIs,
				RepairESIs:      repairESIs,
				Rejected:        rejected,
			}
		}
	} else {
		for i := uint32(0); i < k; i++ {
			if shards[i] == nil {
				rank := len(symbolsReceived)
				return DecodeOutcome{
					Success:          false,
					FailureReason:    DecodeFailureInsufficientSymbols,
					IntermediateRank:  &rank,
					SymbolsReceived:  symbolsReceived,
					SourceESIs:       sourceESIs,
					RepairESIs:       repairESIs,
					Rejected:         rejected,
				}
			}
		}
	}

	payload := make([]byte, 0, int(k)*int(oti.T))
	for i := uint32(0); i < k; i++ {
		payload = append(payload, shards[i]...)
	}
	if uint64(len(payload)) > oti.F {
		payload = payload[:oti.F]
	}

	return DecodeOutcome{
		Payload:         payload,
		Success:         true,
		FailureReason:   DecodeFailureNone,
		SymbolsReceived: symbolsReceived,
		SourceESIs:      sourceESIs,
		RepairESIs:      repairESIs,
		Rejected:        rejected,
	}
}
