package ring

import (
	"context"
	"fmt"
	"runtime"
	"sync/atomic"
	"time"
	"unsafe"
)

// tornFooterCheckInterval is how many spin iterations pass between
// clock reads while a partially-landed frame is being waited out.
const tornFooterCheckInterval = 4096

// ReceivePath polls the local receive ring for a fully landed message,
// copies it out, zeroes the consumed bytes, and periodically publishes
// its read cursor to the peer's read-position slot. Only the local
// read-position slot is ever written here: per the handshake, that
// slot is memory this endpoint registered, and the peer learns its
// value by RDMA-reading it from SendPath, not by anything posted here.
type ReceivePath struct {
	rb   *ringBuffer
	slot MemoryRegion

	yieldOnSpin      bool
	publishThreshold uint64
	tornTimeout      time.Duration

	readPos          uint64 // only the Receive goroutine touches this (SPSC)
	publishedReadPos uint64

	publishes uint64
}

func newReceivePath(rb *ringBuffer, slot MemoryRegion, cfg Config) *ReceivePath {
	return &ReceivePath{
		rb:               rb,
		slot:             slot,
		yieldOnSpin:      cfg.YieldOnSpin,
		publishThreshold: cfg.publishThreshold(),
		tornTimeout:      cfg.TornFooterTimeout,
	}
}

// detectCurrent runs the detection algorithm at the current readPos,
// transparently skipping any wrap-padding region (which carries no
// data and costs only a cursor advance).
func (r *ReceivePath) detectCurrent() (detection, error) {
	for {
		d, err := detect(r.rb, r.readPos)
		if err != nil {
			return detection{}, err
		}
		if d.kind == detectWrapPad {
			// A marker-announced pad leaves 8 wire bytes to clear so
			// the producer finds zeroed memory when it laps.
			if d.marker {
				r.rb.zeroAt(r.rb.offset(r.readPos), frameWireSize)
			}
			r.readPos += d.padding
			continue
		}
		return d, nil
	}
}

// HasData reports whether a complete message is currently visible at
// the read cursor. It never blocks and never copies payload out; a
// malformed frame is treated as "no data" rather than surfaced here;
// Receive is what returns ErrProtocolError.
func (r *ReceivePath) HasData() bool {
	d, err := r.detectCurrent()
	if err != nil {
		return false
	}
	return d.kind == detectMessage
}

// Receive blocks until exactly one message is available, copies up to
// len(dst) payload bytes into dst, and returns the number of bytes
// copied. If dst is smaller than the message, ErrBufferTooSmall is
// returned and the message remains unread.
func (r *ReceivePath) Receive(ctx context.Context, dst []byte) (int, error) {
	var d detection
	var tornSince time.Time
	spins := 0
	for {
		var err error
		d, err = r.detectCurrent()
		if err != nil {
			return 0, fmt.Errorf("ring: detecting message at readPos %d: %w", r.readPos, err)
		}
		if d.kind == detectMessage {
			break
		}

		// A header with no footer is a frame mid-landing; one that
		// stays that way past the timeout is a stuck footer.
		if d.kind == detectPartial {
			spins++
			if spins%tornFooterCheckInterval == 0 && r.tornTimeout > 0 {
				now := time.Now()
				if tornSince.IsZero() {
					tornSince = now
				} else if now.Sub(tornSince) > r.tornTimeout {
					return 0, fmt.Errorf("ring: footer at readPos %d stuck for %v: %w", r.readPos, r.tornTimeout, ErrProtocolError)
				}
			}
		} else {
			tornSince = time.Time{}
			spins = 0
			// About to idle with nothing to consume: publish any
			// unpublished progress now, or a sender waiting on more
			// than the publish threshold of free space could stall
			// against a receiver with nothing left to read.
			if r.readPos != r.publishedReadPos {
				r.publish()
			}
		}

		select {
		case <-ctx.Done():
			return 0, fmt.Errorf("ring: receive canceled: %w", ErrConnectionLost)
		default:
		}
		if r.yieldOnSpin {
			runtime.Gosched()
		}
	}

	if uint64(len(dst)) < uint64(d.length) {
		return 0, fmt.Errorf("ring: message is %d bytes, destination is %d: %w", d.length, len(dst), ErrBufferTooSmall)
	}

	payloadOff := (r.readPos + frameHeaderSize) & r.rb.mask
	r.rb.readAt(payloadOff, dst[:d.length])

	// Zero the wire bytes (header+payload+footer); the cursor slack
	// past the footer was never written and is already zero.
	r.rb.zeroAt(r.rb.offset(r.readPos), uint64(frameWireSize)+uint64(d.length))
	r.readPos += uint64(FrameOverhead) + uint64(d.length)

	r.maybePublish()
	return int(d.length), nil
}

func (r *ReceivePath) maybePublish() {
	if r.readPos-r.publishedReadPos >= r.publishThreshold {
		r.publish()
	}
}

// publish stores the current read cursor into the local read-position
// slot. This is a plain atomic store into memory this endpoint itself
// registered and shared during the handshake; see DESIGN.md for why
// this is not a posted RDMA operation.
func (r *ReceivePath) publish() {
	b := r.slot.Bytes()
	atomic.StoreUint64((*uint64)(unsafe.Pointer(&b[0])), r.readPos)
	r.publishedReadPos = r.readPos
	r.publishes++
}

// Flush publishes the read cursor unconditionally, bypassing the
// publish threshold. Used by MessageRing.Close so the peer observes
// the final cursor before the slot is deregistered.
func (r *ReceivePath) Flush() {
	if r.readPos != r.publishedReadPos {
		r.publish()
	}
}
