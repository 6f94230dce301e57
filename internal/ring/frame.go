package ring

import "encoding/binary"

// Frame layout in the peer's ring (little-endian), per the wire format:
//
//	+---------+---------+---------+
//	| length  | payload | footer  |
//	|  (4B)   | (lenB)  |  (4B)   |
//	+---------+---------+---------+
//	footer == length XOR ValidityMask
//
// A message occupies FrameOverhead+length bytes of counter space but
// only frameWireSize+length bytes of ring memory; the slack past the
// footer is never written and stays zero, so the next frame's header is
// always preceded by zeroed memory.
//
// If a frame would straddle the ring's wrap point, the tail is left as
// padding (counted in the cursors) and the message starts fresh at the
// next wrap boundary. A tail too short for even an empty frame is
// skipped on geometry alone: the consumer sees a zero header where no
// header could fit and advances. A longer tail is announced with an
// 8-byte pad marker (a header carrying padHeaderFlag plus the tail
// size, with the footer immediately after), since a zero header there
// would be indistinguishable from "no data yet".

func encodeHeader(length uint32) [frameHeaderSize]byte {
	var b [frameHeaderSize]byte
	binary.LittleEndian.PutUint32(b[:], length)
	return b
}

func encodeFooter(length uint32) [frameFooterSize]byte {
	var b [frameFooterSize]byte
	binary.LittleEndian.PutUint32(b[:], length^ValidityMask)
	return b
}

func decodeLength(b []byte) uint32 { return binary.LittleEndian.Uint32(b) }

// encodePadMarker returns the 8 wire bytes announcing a wrap pad of
// tail counter bytes: flagged header, footer immediately after.
func encodePadMarker(tail uint64) [frameWireSize]byte {
	var b [frameWireSize]byte
	h := padHeaderFlag | uint32(tail)
	binary.LittleEndian.PutUint32(b[:frameHeaderSize], h)
	binary.LittleEndian.PutUint32(b[frameHeaderSize:], h^ValidityMask)
	return b
}

func footerMatches(footer []byte, length uint32) bool {
	return binary.LittleEndian.Uint32(footer) == length^ValidityMask
}

// wrapPadding returns the number of padding bytes that must be
// accounted for in counter space if a message of the given length were
// started at writePos under the wrap policy. It is zero when the
// message fits before the physical end of the ring.
func wrapPadding(g geometry, writePos uint64, length uint32) uint64 {
	pos := g.offset(writePos)
	need := uint64(FrameOverhead) + uint64(length)
	if pos+need <= g.capacity {
		return 0
	}
	return g.capacity - pos
}

// detectionKind classifies what was found at the consumer's current
// read cursor.
type detectionKind int

const (
	detectNoData detectionKind = iota
	detectWrapPad
	detectPartial
	detectMessage
)

type detection struct {
	kind   detectionKind
	length uint32
	// padding is the number of counter-space bytes to skip before the
	// real header, valid only when kind == detectWrapPad. marker is
	// true when the pad was announced by an 8-byte pad marker that the
	// consumer must zero before advancing past it.
	padding uint64
	marker  bool
}

// detect classifies what sits at the consumer's current readPos. It
// never mutates ring state; callers decide whether to advance, copy,
// or zero based on the result.
func detect(rb *ringBuffer, readPos uint64) (detection, error) {
	pos := rb.offset(readPos)

	var hdr [frameHeaderSize]byte
	rb.readAt(pos, hdr[:])
	length := decodeLength(hdr[:])

	if length == 0 {
		// Either genuinely no data yet, or the zero bytes of a tail too
		// short to carry a pad marker: distinguish on ring geometry.
		if pos+FrameOverhead > rb.capacity {
			return detection{kind: detectWrapPad, padding: rb.capacity - pos}, nil
		}
		return detection{kind: detectNoData}, nil
	}

	if length&padHeaderFlag != 0 {
		tail := uint64(length &^ padHeaderFlag)
		if tail != rb.capacity-pos {
			return detection{}, ErrProtocolError
		}
		var footer [frameFooterSize]byte
		rb.readAt(pos+frameHeaderSize, footer[:])
		if !footerMatches(footer[:], length) {
			return detection{kind: detectPartial}, nil
		}
		return detection{kind: detectWrapPad, padding: tail, marker: true}, nil
	}

	if uint64(length) > rb.capacity-FrameOverhead {
		return detection{}, ErrProtocolError
	}

	footerOff := (readPos + frameHeaderSize + uint64(length)) & rb.mask
	var footer [frameFooterSize]byte
	rb.readAt(footerOff, footer[:])
	if !footerMatches(footer[:], length) {
		// Header landed, footer pending: delivery is in flight. The
		// queue pair writes header before footer within one work
		// request, so this clears as soon as the frame finishes
		// landing.
		return detection{kind: detectPartial}, nil
	}

	return detection{kind: detectMessage, length: length}, nil
}
