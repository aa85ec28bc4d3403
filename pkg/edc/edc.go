// Package edc implements the Enc-Dec Container format.
//
// EDC is a single-file, memory-mappable container for converted
// encoder-decoder checkpoints. It carries the remapped weights, the derived
// model configuration and the tokenizer vocabulary; it describes structure
// and data only and never implies runtime behaviour.
package edc

import "encoding/binary"

// EDC global constants must never change.
const (
	// MagicEDC is the file magic for all EDC containers.
	// It is encoded as "EDC\0".
	MagicEDC = "EDC\x00"

	// Current Major Version: any change indicates a breaking format change.
	CurrentMajor uint16 = 1

	// Current Minor Version: versions may add new optional sections or fields.
	CurrentMinor uint16 = 0

	// FlagTensorDataAligned64 marks files whose tensor payloads are 64-byte
	// aligned inside SectionTensorData.
	FlagTensorDataAligned64 uint64 = 1 << 0
)

type SectionType uint32

const (
	SectionModelInfo      SectionType = 0x0001
	SectionConfigYAML     SectionType = 0x0002
	SectionTokenizerModel SectionType = 0x0003
	SectionTensorIndex    SectionType = 0x0004
	SectionTensorData     SectionType = 0x0005
)

const (
	edcHeaderSize  = 40
	edcSectionSize = 24
	edcAlign       = 8
)

type Header struct {
	Magic            [4]byte
	Major            uint16
	Minor            uint16
	HeaderSize       uint32
	SectionCount     uint32
	SectionDirOffset uint64
	FileSize         uint64
	Flags            uint64
}

func (h *Header) Valid() bool {
	if string(h.Magic[:]) != MagicEDC {
		return false
	}
	if h.HeaderSize < edcHeaderSize {
		return false
	}
	if h.SectionCount == 0 {
		return false
	}
	return true
}

func (h *Header) Compatible() bool {
	return h.Major == CurrentMajor
}

type Section struct {
	Type    uint32
	Version uint32
	Offset  uint64
	Size    uint64
}

func (s *Section) End() uint64 {
	return s.Offset + s.Size
}

// encodeHeader writes the fixed header into dst using explicit little-endian
// field order. dst must be at least edcHeaderSize bytes.
func encodeHeader(dst []byte, h Header) bool {
	if len(dst) < edcHeaderSize {
		return false
	}
	copy(dst[0:4], h.Magic[:])
	binary.LittleEndian.PutUint16(dst[4:6], h.Major)
	binary.LittleEndian.PutUint16(dst[6:8], h.Minor)
	binary.LittleEndian.PutUint32(dst[8:12], h.HeaderSize)
	binary.LittleEndian.PutUint32(dst[12:16], h.SectionCount)
	binary.LittleEndian.PutUint64(dst[16:24], h.SectionDirOffset)
	binary.LittleEndian.PutUint64(dst[24:32], h.FileSize)
	binary.LittleEndian.PutUint64(dst[32:40], h.Flags)
	return true
}

func decodeHeader(src []byte) (Header, bool) {
	var h Header
	if len(src) < edcHeaderSize {
		return h, false
	}
	copy(h.Magic[:], src[0:4])
	h.Major = binary.LittleEndian.Uint16(src[4:6])
	h.Minor = binary.LittleEndian.Uint16(src[6:8])
	h.HeaderSize = binary.LittleEndian.Uint32(src[8:12])
	h.SectionCount = binary.LittleEndian.Uint32(src[12:16])
	h.SectionDirOffset = binary.LittleEndian.Uint64(src[16:24])
	h.FileSize = binary.LittleEndian.Uint64(src[24:32])
	h.Flags = binary.LittleEndian.Uint64(src[32:40])
	return h, true
}

func encodeSection(dst []byte, s Section) bool {
	if len(dst) < edcSectionSize {
		return false
	}
	binary.LittleEndian.PutUint32(dst[0:4], s.Type)
	binary.LittleEndian.PutUint32(dst[4:8], s.Version)
	binary.LittleEndian.PutUint64(dst[8:16], s.Offset)
	binary.LittleEndian.PutUint64(dst[16:24], s.Size)
	return true
}

func decodeSection(src []byte) (Section, bool) {
	var s Section
	if len(src) < edcSectionSize {
		return s, false
	}
	s.Type = binary.LittleEndian.Uint32(src[0:4])
	s.Version = binary.LittleEndian.Uint32(src[4:8])
	s.Offset = binary.LittleEndian.Uint64(src[8:16])
	s.Size = binary.LittleEndian.Uint64(src[16:24])
	return s, true
}

// rangesOverlap reports whether the half-open ranges [a0,a1) and [b0,b1)
// intersect.
func rangesOverlap(a0, a1, b0, b1 uint64) bool {
	return a0 < b1 && b0 < a1
}
