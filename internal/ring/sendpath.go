package ring

import (
	"context"
	"encoding/binary"
	"fmt"
	"runtime"
	"sync"
	"sync/atomic"
)

// SendPath serialises outgoing messages into the peer's receive ring
// via one RDMA write per message. It owns the local write cursor and a
// cached view of the peer's read cursor, refreshed by RDMA read only
// when free space looks exhausted.
type SendPath struct {
	qp   QueuePair
	peer PeerEndpoint
	g    geometry

	inlineThreshold uint32
	yieldOnSpin     bool

	writePos    uint64 // only the Send goroutine touches this; no lock needed (SPSC)
	peerReadPos uint64

	// staging is a registered region of ring size plus 8 bytes.
	// Non-inline payloads are copied into its first capacity bytes (at
	// the same wrapped offset they will occupy in the peer's ring, so a
	// slot is only reused once the peer has provably consumed the work
	// request that last referenced it), and the trailing 8 bytes are
	// the RDMA-read landing slot for the peer's read cursor.
	staging MemoryRegion

	refreshes uint64

	brokenOnce sync.Once
	brokenErr  atomic.Value // error
}

func newSendPath(qp QueuePair, peer PeerEndpoint, capacity uint64, staging MemoryRegion, cfg Config) *SendPath {
	return &SendPath{
		qp:              qp,
		peer:            peer,
		g:               geometry{capacity: capacity, mask: capacity - 1},
		inlineThreshold: cfg.inlineThreshold(qp),
		yieldOnSpin:     cfg.YieldOnSpin,
		staging:         staging,
	}
}

func (s *SendPath) broken() error {
	if v := s.brokenErr.Load(); v != nil {
		return v.(error)
	}
	return nil
}

func (s *SendPath) fail(err error) error {
	s.brokenOnce.Do(func() { s.brokenErr.Store(err) })
	return s.broken()
}

// Send blocks until p has been serialised into the peer's ring and the
// originating work request has been posted. It does not wait for the
// peer to observe the message; the queue pair's reliable delivery
// guarantees in-order arrival. A payload that can never fit the ring
// blocks forever (or until ctx is canceled), the same as one the peer
// never makes room for.
func (s *SendPath) Send(ctx context.Context, p []byte) error {
	if err := s.broken(); err != nil {
		return err
	}
	length := uint32(len(p))
	if length == 0 {
		return ErrEmptyMessage
	}

	// Padding and message are claimed as two separate cursor advances:
	// the receiver skips the padding on its own, so the sender need not
	// hold pad+frame free space at once.
	if padding := wrapPadding(s.g, s.writePos, length); padding > 0 {
		if err := s.waitFree(ctx, padding); err != nil {
			return err
		}
		// A tail long enough for a frame must carry a pad marker; the
		// receiver cannot tell bare zeroes there from absent data. A
		// shorter tail is skipped on geometry alone and stays unwritten.
		if padding >= FrameOverhead {
			offset := s.g.offset(s.writePos)
			remote := RemoteDescriptor{Addr: s.peer.Ring.Addr + offset, Key: s.peer.Ring.Key}
			marker := encodePadMarker(padding)
			seg := marker[:]
			inline := frameWireSize <= s.inlineThreshold
			if !inline {
				seg = s.staging.Bytes()[offset : offset+frameWireSize]
				copy(seg, marker[:])
			}
			if err := s.qp.PostWrite([][]byte{seg}, remote, inline); err != nil {
				return s.fail(fmt.Errorf("ring: posting pad marker: %w: %v", ErrPostSendFailed, err))
			}
		}
		s.writePos += padding
	}
	total := uint64(FrameOverhead) + uint64(length)
	if err := s.waitFree(ctx, total); err != nil {
		return err
	}

	offset := s.g.offset(s.writePos)
	remote := RemoteDescriptor{Addr: s.peer.Ring.Addr + offset, Key: s.peer.Ring.Key}

	hdr := encodeHeader(length)
	ftr := encodeFooter(length)

	if total <= uint64(s.inlineThreshold) {
		// Inline: the provider copies all three segments into the
		// descriptor synchronously, no source registration needed.
		segments := [][]byte{hdr[:], p, ftr[:]}
		if err := s.qp.PostWrite(segments, remote, true); err != nil {
			return s.fail(fmt.Errorf("ring: posting inline write for %d-byte message: %w: %v", length, ErrPostSendFailed, err))
		}
	} else {
		// Non-inline: the source must be registered memory, so the
		// frame is staged at the same wrapped offset it occupies in
		// the peer's ring and posted as one work request from there.
		frame := s.stageFrame(offset, hdr, p, ftr)
		if err := s.qp.PostWrite([][]byte{frame}, remote, false); err != nil {
			return s.fail(fmt.Errorf("ring: posting write for %d-byte message: %w: %v", length, ErrPostSendFailed, err))
		}
	}

	// Send completions are signaled but reaped lazily; an error
	// completion surfacing here means the queue pair left RTS.
	if err := s.qp.Reap(); err != nil {
		return s.fail(fmt.Errorf("ring: reaping send completions: %w: %v", ErrConnectionLost, err))
	}

	s.writePos += total
	return nil
}

// stageFrame copies header, payload, and footer contiguously into the
// staging region starting at offset and returns the staged slice. The
// padding policy guarantees offset+frameWireSize+len(p) never exceeds
// capacity, so the frame is always physically contiguous.
func (s *SendPath) stageFrame(offset uint64, hdr [frameHeaderSize]byte, p []byte, ftr [frameFooterSize]byte) []byte {
	buf := s.staging.Bytes()
	end := offset + frameHeaderSize
	copy(buf[offset:end], hdr[:])
	end += uint64(copy(buf[end:], p))
	end += uint64(copy(buf[end:], ftr[:]))
	return buf[offset:end]
}

// waitFree blocks until at least need bytes of counter space are free.
// Each blocked cycle refreshes the cached peer read cursor once by RDMA
// read; if the shortage persists the peer is genuinely behind and the
// sender spins, yielding only when configured to.
func (s *SendPath) waitFree(ctx context.Context, need uint64) error {
	for {
		if s.g.capacity-(s.writePos-s.peerReadPos) >= need {
			return nil
		}
		if err := s.refreshPeerReadPos(ctx); err != nil {
			return s.fail(fmt.Errorf("ring: refreshing peer read cursor: %w: %v", ErrConnectionLost, err))
		}
		if s.g.capacity-(s.writePos-s.peerReadPos) >= need {
			return nil
		}
		if s.yieldOnSpin {
			runtime.Gosched()
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("ring: send canceled while waiting for ring space: %w", ErrConnectionLost)
		default:
		}
	}
}

// refreshPeerReadPos posts an RDMA read of the peer's read-position
// slot into the staging region's trailing 8 bytes and waits for it to
// complete, updating the cached cursor.
func (s *SendPath) refreshPeerReadPos(ctx context.Context) error {
	slot := s.readSlot()
	if err := s.qp.PostRead(slot, s.peer.ReadPosSlot); err != nil {
		return err
	}
	if err := s.qp.WaitSendCompletion(ctx); err != nil {
		return err
	}
	pos := binary.LittleEndian.Uint64(slot)
	// The cache is a lower bound on the peer's true cursor; a stale
	// read must never move it backwards.
	if pos > s.peerReadPos {
		s.peerReadPos = pos
	}
	s.refreshes++
	return nil
}

func (s *SendPath) readSlot() []byte {
	buf := s.staging.Bytes()
	return buf[len(buf)-8:]
}
