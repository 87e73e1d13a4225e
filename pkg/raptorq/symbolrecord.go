// Copyright (C) 2024 The FrankenSQLite Authors.
// See LICENSE for copying information.

package raptorq

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/binary"

	"github.com/zeebo/xxh3"

	"fsqlite.io/core/pkg/ids"
)

// SymbolRecordFlags is a bitflag set carried on every SymbolRecord.
type SymbolRecordFlags uint8

const (
	// FlagSystematicRunStart marks ESI=0 of a contiguous source-symbol run,
	// enabling the symbol log's systematic fast path.
	FlagSystematicRunStart SymbolRecordFlags = 1 << 0
)

// Contains reports whether flags has the given bit set.
func (f SymbolRecordFlags) Contains(bit SymbolRecordFlags) bool {
	return f&bit != 0
}

// Wire layout constants (spec §6.1 / §4.3).
const (
	// HeaderBytes is the fixed-size header preceding the T-byte payload.
	HeaderBytes = 51
	// TrailerBytes follows the payload.
	TrailerBytes = 25
	// SymbolSizeFieldOffset is the offset of the little-endian u32 symbol
	// size field within the header.
	SymbolSizeFieldOffset = 47

	offsetObjectID = 0
	offsetOtiF     = 16
	offsetOtiAl    = 24
	offsetOtiZ     = 28
	offsetOtiN     = 29
	offsetESI      = 30
	offsetFlags    = 34
	// bytes 35..47 reserved, zero-filled.

	offsetFrameXxh3 = 0 // relative to trailer start
	offsetAuthTag   = 8
	offsetReserved  = 24
)

// SymbolRecord is one source or repair symbol for an ECS object.
type SymbolRecord struct {
	ObjectID   ids.ObjectId
	Oti        Oti
	ESI        uint32
	Flags      SymbolRecordFlags
	SymbolData []byte
	FrameXxh3  uint64
	// AuthTag is a keyed MAC over header+data; the zero value means no tag
	// is present and verify_auth is not required for trust.
	AuthTag [16]byte
}

// NewSymbolRecord builds a SymbolRecord and computes its frame checksum.
func NewSymbolRecord(objectID ids.ObjectId, oti Oti, esi uint32, data []byte, flags SymbolRecordFlags) SymbolRecord {
	rec := SymbolRecord{
		ObjectID:   objectID,
		Oti:        oti,
		ESI:        esi,
		Flags:      flags,
		SymbolData: data,
	}
	rec.FrameXxh3 = rec.computeFrameXxh3()
	return rec
}

// WithAuthTag returns a copy of the record with an HMAC-SHA256-derived
// 16-byte auth tag computed under epochKey.
func (r SymbolRecord) WithAuthTag(epochKey [32]byte) SymbolRecord {
	out := r
	out.AuthTag = computeAuthTag(epochKey, r.headerAndDataForAuth())
	return out
}

// VerifyIntegrity checks the frame checksum against the record's current
// contents.
func (r SymbolRecord) VerifyIntegrity() bool {
	return r.FrameXxh3 == r.computeFrameXxh3()
}

// VerifyAuth checks the keyed MAC auth tag against epochKey. Callers must
// only invoke this when AuthTag is non-zero.
func (r SymbolRecord) VerifyAuth(epochKey [32]byte) bool {
	expected := computeAuthTag(epochKey, r.headerAndDataForAuth())
	return hmac.Equal(expected[:], r.AuthTag[:])
}

func (r SymbolRecord) computeFrameXxh3() uint64 {
	h := xxh3.New()
	_, _ = h.Write(r.ObjectID[:])
	_, _ = h.Write(encodeOtiAndESI(r.Oti, r.ESI, r.Flags))
	_, _ = h.Write(r.SymbolData)
	return h.Sum64()
}

func (r SymbolRecord) headerAndDataForAuth() []byte {
	out := make([]byte, 0, ids.Size+len(r.SymbolData)+16)
	out = append(out, r.ObjectID[:]...)
	out = append(out, encodeOtiAndESI(r.Oti, r.ESI, r.Flags)...)
	out = append(out, r.SymbolData...)
	return out
}

func computeAuthTag(epochKey [32]byte, message []byte) [16]byte {
	mac := hmac.New(sha256.New, epochKey[:])
	mac.Write(message)
	sum := mac.Sum(nil)
	var tag [16]byte
	copy(tag[:], sum[:16])
	return tag
}

func encodeOtiAndESI(oti Oti, esi uint32, flags SymbolRecordFlags) []byte {
	buf := make([]byte, 24)
	binary.LittleEndian.PutUint64(buf[0:8], oti.F)
	binary.LittleEndian.PutUint32(buf[8:12], oti.Al)
	buf[12] = oti.Z
	buf[13] = oti.N
	binary.LittleEndian.PutUint32(buf[14:18], oti.T)
	binary.LittleEndian.PutUint32(buf[18:22], esi)
	buf[22] = byte(flags)
	return buf[:23]
}

// ToBytes encodes the record to its exact wire representation:
// HeaderBytes + len(SymbolData) + TrailerBytes.
func (r SymbolRecord) ToBytes() []byte {
	size := len(r.SymbolData)
	out := make([]byte, HeaderBytes+size+TrailerBytes)

	copy(out[offsetObjectID:offsetObjectID+ids.Size], r.ObjectID[:])
	binary.LittleEndian.PutUint64(out[offsetOtiF:offsetOtiF+8], r.Oti.F)
	binary.LittleEndian.PutUint32(out[offsetOtiAl:offsetOtiAl+4], r.Oti.Al)
	out[offsetOtiZ] = r.Oti.Z
	out[offsetOtiN] = r.Oti.N
	binary.LittleEndian.PutUint32(out[offsetESI:offsetESI+4], r.ESI)
	out[offsetFlags] = byte(r.Flags)
	// bytes 35..47 stay zero (reserved)
	binary.LittleEndian.PutUint32(out[SymbolSizeFieldOffset:SymbolSizeFieldOffset+4], uint32(size))

	copy(out[HeaderBytes:HeaderBytes+size], r.SymbolData)

	trailer := out[HeaderBytes+size:]
	binary.LittleEndian.PutUint64(trailer[offsetFrameXxh3:offsetFrameXxh3+8], r.FrameXxh3)
	copy(trailer[offsetAuthTag:offsetAuthTag+16], r.AuthTag[:])
	trailer[offsetReserved] = 0

	return out
}

// FromBytes decodes a record from its exact wire bytes (no trailing or
// leading slack permitted — callers slice exactly HeaderBytes+T+TrailerBytes).
func FromBytes(b []byte) (SymbolRecord, error) {
	if len(b) < HeaderBytes+TrailerBytes {
		return SymbolRecord{}, Error.New("symbol record too short: %d bytes", len(b))
	}

	symbolSize := binary.LittleEndian.Uint32(b[SymbolSizeFieldOffset : SymbolSizeFieldOffset+4])
	expected := HeaderBytes + int(symbolSize) + TrailerBytes
	if len(b) != expected {
		return SymbolRecord{}, Error.New("symbol record length mismatch: have %d, want %d", len(b), expected)
	}

	var objectID ids.ObjectId
	copy(objectID[:], b[offsetObjectID:offsetObjectID+ids.Size])

	oti := Oti{
		F:  binary.LittleEndian.Uint64(b[offsetOtiF : offsetOtiF+8]),
		Al: binary.LittleEndian.Uint32(b[offsetOtiAl : offsetOtiAl+4]),
		Z:  b[offsetOtiZ],
		N:  b[offsetOtiN],
		T:  symbolSize,
	}
	esi := binary.LittleEndian.Uint32(b[offsetESI : offsetESI+4])
	flags := SymbolRecordFlags(b[offsetFlags])

	data := make([]byte, symbolSize)
	copy(data, b[HeaderBytes:HeaderBytes+int(symbolSize)])

	trailer := b[HeaderBytes+int(symbolSize):]
	frameXxh3 := binary.LittleEndian.Uint64(trailer[offsetFrameXxh3 : offsetFrameXxh3+8])
	var authTag [16]byte
	copy(authTag[:], trailer[offsetAuthTag:offsetAuthTag+16])

	return SymbolRecord{
		ObjectID:   objectID,
		Oti:        oti,
		ESI:        esi,
		Flags:      flags,
		SymbolData: data,
		FrameXxh3:  frameXxh3,
		AuthTag:    authTag,
	}, nil
}
