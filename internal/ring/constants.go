package ring

import "time"

// ValidityMask combines with a message's length to produce the footer
// value that signals the message has fully landed. Both endpoints must
// agree on it; it has no other meaning.
const ValidityMask uint32 = 0xDEADBEEF

// FrameOverhead is the fixed per-message counter-space cost: a 4-byte
// length header, a 4-byte validity footer, and 4 bytes of alignment
// slack that are accounted in the cursors but never written (so they
// stay zero between consecutive frames).
const FrameOverhead = 12

// frameWireSize is the portion of FrameOverhead that actually lands in
// the ring: header plus footer. The remaining slack bytes are cursor
// accounting only.
const (
	frameHeaderSize = 4
	frameFooterSize = 4
	frameWireSize   = frameHeaderSize + frameFooterSize
)

// padHeaderFlag marks a header as a wrap-pad marker rather than a
// message. The flagged length is the full tail being skipped, and the
// footer follows the header immediately: a pad marker is always
// exactly frameWireSize bytes on the wire. Real lengths are bounded by
// the ring capacity, so the flag bit can never collide with one.
const padHeaderFlag uint32 = 1 << 31

// Tuning defaults. All are overridable via Config.
const (
	// DefaultInlineThreshold is the default cutoff, in counter-space
	// frame bytes (FrameOverhead+payload), at or below which a send is
	// posted inline. Clamped at construction time to the hardware's actual
	// max_inline_data.
	DefaultInlineThreshold = 256

	// DefaultPublishDivisor sets the default readPos-publish interval:
	// the receiver publishes once the unpublished delta reaches
	// capacity/DefaultPublishDivisor.
	DefaultPublishDivisor = 2

	// DefaultPrimeReceives is the default number of receive work
	// requests posted before the queue pair leaves INIT.
	DefaultPrimeReceives = 4

	// DefaultTornFooterTimeout is how long Receive waits out a frame
	// whose header landed but whose footer never validates before
	// treating it as stuck.
	DefaultTornFooterTimeout = 3 * time.Second
)
