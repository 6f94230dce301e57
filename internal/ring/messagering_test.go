package ring

import (
	"bytes"
	"errors"
	"fmt"
	"testing"
	"time"
)

func TestSendReceiveHello(t *testing.T) {
	ringA, ringB, _, _ := newRingPair(t, DefaultConfig(4096))

	if err := ringA.Send([]byte("hello")); err != nil {
		t.Fatalf("Send: %v", err)
	}

	dst := make([]byte, 16)
	n, err := ringB.Receive(dst)
	if err != nil {
		t.Fatalf("Receive: %v", err)
	}
	if n != 5 {
		t.Fatalf("Receive returned %d bytes, want 5", n)
	}
	if !bytes.Equal(dst[:5], []byte{0x68, 0x65, 0x6c, 0x6c, 0x6f}) {
		t.Fatalf("payload = % x, want hello", dst[:5])
	}
}

func TestRoundTripPreservesBytes(t *testing.T) {
	ringA, ringB, _, _ := newRingPair(t, DefaultConfig(4096))

	for _, size := range []int{1, 2, 7, 100, 244, 245, 1000, 4096 - FrameOverhead} {
		msg := make([]byte, size)
		for i := range msg {
			msg[i] = byte(i * 7)
		}

		done := make(chan error, 1)
		go func() { done <- ringA.Send(msg) }()

		dst := make([]byte, size)
		n, err := ringB.Receive(dst)
		if err != nil {
			t.Fatalf("size %d: Receive: %v", size, err)
		}
		if err := <-done; err != nil {
			t.Fatalf("size %d: Send: %v", size, err)
		}
		if n != size {
			t.Fatalf("size %d: received %d bytes", size, n)
		}
		if !bytes.Equal(dst, msg) {
			t.Fatalf("size %d: payload corrupted", size)
		}
	}
}

func TestOrderPreserved(t *testing.T) {
	ringA, ringB, _, _ := newRingPair(t, DefaultConfig(256))

	const count = 200
	done := make(chan error, 1)
	go func() {
		for i := 0; i < count; i++ {
			size := 1 + (i*13)%100
			msg := make([]byte, size)
			for j := range msg {
				msg[j] = byte(i)
			}
			if err := ringA.Send(msg); err != nil {
				done <- fmt.Errorf("send %d: %w", i, err)
				return
			}
		}
		done <- nil
	}()

	dst := make([]byte, 256)
	for i := 0; i < count; i++ {
		size := 1 + (i*13)%100
		n, err := ringB.Receive(dst)
		if err != nil {
			t.Fatalf("receive %d: %v", i, err)
		}
		if n != size {
			t.Fatalf("receive %d: got %d bytes, want %d", i, n, size)
		}
		for j := 0; j < n; j++ {
			if dst[j] != byte(i) {
				t.Fatalf("receive %d: byte %d is %#x, want %#x", i, j, dst[j], byte(i))
			}
		}
	}
	if err := <-done; err != nil {
		t.Fatal(err)
	}
}

func TestInlinePathTaken(t *testing.T) {
	ringA, ringB, qpA, _ := newRingPair(t, DefaultConfig(4096))

	// 200 payload bytes plus overhead is under the 256 default, so the
	// write must go inline.
	if err := ringA.Send(make([]byte, 200)); err != nil {
		t.Fatalf("Send: %v", err)
	}
	if !qpA.lastInline {
		t.Errorf("200-byte message posted non-inline")
	}

	dst := make([]byte, 256)
	n, err := ringB.Receive(dst)
	if err != nil {
		t.Fatalf("Receive: %v", err)
	}
	if n != 200 {
		t.Fatalf("received %d bytes, want 200", n)
	}
	for i := 0; i < n; i++ {
		if dst[i] != 0 {
			t.Fatalf("byte %d is %#x, want 0", i, dst[i])
		}
	}

	// Over the threshold the payload must be staged and DMA-read.
	if err := ringA.Send(make([]byte, 300)); err != nil {
		t.Fatalf("Send: %v", err)
	}
	if qpA.lastInline {
		t.Errorf("300-byte message posted inline")
	}
	dst = make([]byte, 300)
	if _, err := ringB.Receive(dst); err != nil {
		t.Fatalf("Receive: %v", err)
	}
}

func TestInlineThresholdClampedToHardware(t *testing.T) {
	fab := newFakeFabric()
	qp := fab.newQP(1, 1, 64) // hardware max below the configured default
	staging, _ := fab.register(4096 + 8)
	sp := newSendPath(qp, PeerEndpoint{}, 4096, staging, DefaultConfig(4096).withDefaults())
	if sp.inlineThreshold != 64 {
		t.Fatalf("inline threshold = %d, want clamped to 64", sp.inlineThreshold)
	}
}

func TestWrapAndPadding(t *testing.T) {
	// Three 20-byte messages through a 64-byte ring: each costs 32
	// counter bytes, so the third forces the sender to wait for the
	// receiver and wraps to the start of the ring. The frames tile the
	// ring exactly, so no padding is needed here;
	// TestPaddingConsumedTransparently covers a padded wrap.
	ringA, ringB, _, _ := newRingPair(t, DefaultConfig(64))

	fills := []byte{0xAA, 0xBB, 0xCC}
	done := make(chan error, 1)
	go func() {
		for _, fill := range fills {
			msg := bytes.Repeat([]byte{fill}, 20)
			if err := ringA.Send(msg); err != nil {
				done <- err
				return
			}
		}
		done <- nil
	}()

	dst := make([]byte, 32)
	for _, fill := range fills {
		n, err := ringB.Receive(dst)
		if err != nil {
			t.Fatalf("Receive %#x: %v", fill, err)
		}
		if n != 20 {
			t.Fatalf("Receive %#x: %d bytes, want 20", fill, n)
		}
		for i := 0; i < n; i++ {
			if dst[i] != fill {
				t.Fatalf("message %#x corrupted at byte %d: %#x", fill, i, dst[i])
			}
		}
	}
	if err := <-done; err != nil {
		t.Fatalf("Send: %v", err)
	}
}

func TestPaddingConsumedTransparently(t *testing.T) {
	// A 24-byte message at physical offset 32 needs 36 counter bytes
	// but only 32 remain before the wrap, so the sender pads the tail
	// with a pad marker and the receiver skips it.
	ringA, ringB, _, _ := newRingPair(t, DefaultConfig(64))

	first := bytes.Repeat([]byte{0x11}, 20) // ends at counter 32
	second := bytes.Repeat([]byte{0x22}, 24)

	done := make(chan error, 1)
	go func() {
		if err := ringA.Send(first); err != nil {
			done <- err
			return
		}
		done <- ringA.Send(second)
	}()

	dst := make([]byte, 32)
	n, err := ringB.Receive(dst)
	if err != nil || n != 20 {
		t.Fatalf("first Receive = %d, %v", n, err)
	}
	n, err = ringB.Receive(dst)
	if err != nil || n != 24 {
		t.Fatalf("second Receive = %d, %v", n, err)
	}
	for i := 0; i < n; i++ {
		if dst[i] != 0x22 {
			t.Fatalf("padded message corrupted at byte %d: %#x", i, dst[i])
		}
	}
	if err := <-done; err != nil {
		t.Fatalf("Send: %v", err)
	}

	// The pad plus both frames must have been consumed in counter
	// space: 32 + 32 (pad) + 36 = 100.
	if got := ringB.Stats().ReadPos; got != 100 {
		t.Fatalf("readPos = %d, want 100", got)
	}
}

func TestReceiveZeroesConsumedBytes(t *testing.T) {
	cfg := DefaultConfig(64)
	fab := newFakeFabric()
	qpA := fab.newQP(101, 11, 512)
	qpB := fab.newQP(102, 12, 512)
	connA, connB := tcpPair(t)

	reg := &fakeRegistrar{fab}
	// Register B's regions through a recording registrar so the test
	// can inspect B's ring memory after the fact.
	var ringRegionB *fakeRegion
	recording := registrarFunc(func(size uint64) (MemoryRegion, error) {
		r, err := fab.register(size)
		if err == nil && size == cfg.Capacity && ringRegionB == nil {
			ringRegionB = r
		}
		return r, err
	})

	errCh := make(chan error, 1)
	var ringA *MessageRing
	go func() {
		var err error
		ringA, err = NewMessageRing(connA, reg, qpA, cfg)
		errCh <- err
	}()
	ringB, err := NewMessageRing(connB, recording, qpB, cfg)
	if err != nil {
		t.Fatalf("NewMessageRing B: %v", err)
	}
	if err := <-errCh; err != nil {
		t.Fatalf("NewMessageRing A: %v", err)
	}
	defer ringA.Close()
	defer ringB.Close()

	done := make(chan error, 1)
	go func() {
		for _, size := range []int{20, 24, 20} {
			if err := ringA.Send(bytes.Repeat([]byte{0xEE}, size)); err != nil {
				done <- err
				return
			}
		}
		done <- nil
	}()

	dst := make([]byte, 32)
	for i := 0; i < 3; i++ {
		if _, err := ringB.Receive(dst); err != nil {
			t.Fatalf("Receive %d: %v", i, err)
		}
	}
	if err := <-done; err != nil {
		t.Fatalf("Send: %v", err)
	}

	for i, b := range ringRegionB.buf {
		if b != 0 {
			t.Fatalf("ring byte %d is %#x after consuming all messages, want 0", i, b)
		}
	}
}

func TestCursorsMonotonic(t *testing.T) {
	ringA, ringB, _, _ := newRingPair(t, DefaultConfig(256))

	var lastWrite, lastRead uint64
	dst := make([]byte, 64)
	for i := 0; i < 50; i++ {
		done := make(chan error, 1)
		go func() { done <- ringA.Send(make([]byte, 40)) }()
		if _, err := ringB.Receive(dst); err != nil {
			t.Fatalf("Receive: %v", err)
		}
		if err := <-done; err != nil {
			t.Fatalf("Send: %v", err)
		}

		sa, sb := ringA.Stats(), ringB.Stats()
		if sa.WritePos < lastWrite {
			t.Fatalf("writePos went backwards: %d -> %d", lastWrite, sa.WritePos)
		}
		if sb.ReadPos < lastRead {
			t.Fatalf("readPos went backwards: %d -> %d", lastRead, sb.ReadPos)
		}
		lastWrite, lastRead = sa.WritePos, sb.ReadPos
	}
}

func TestBackpressureBlocksThenCompletes(t *testing.T) {
	ringA, ringB, _, _ := newRingPair(t, DefaultConfig(64))

	// Two 20-byte messages fill all 64 counter bytes; the third can
	// only proceed once the receiver frees space and the sender's
	// cursor refresh observes it.
	sent := make(chan error, 3)
	go func() {
		for i := 0; i < 3; i++ {
			sent <- ringA.Send(make([]byte, 20))
		}
	}()

	for i := 0; i < 2; i++ {
		if err := <-sent; err != nil {
			t.Fatalf("Send %d: %v", i, err)
		}
	}
	select {
	case err := <-sent:
		t.Fatalf("third Send completed with a full ring: %v", err)
	case <-time.After(100 * time.Millisecond):
	}

	dst := make([]byte, 32)
	if _, err := ringB.Receive(dst); err != nil {
		t.Fatalf("Receive: %v", err)
	}

	select {
	case err := <-sent:
		if err != nil {
			t.Fatalf("third Send: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("third Send still blocked after receiver freed space")
	}

	if refreshes := ringA.Stats().PeerRefreshes; refreshes == 0 {
		t.Errorf("sender completed a blocked send without refreshing the peer cursor")
	}
	if publishes := ringB.Stats().CursorPublishes; publishes == 0 {
		t.Errorf("receiver never published its cursor")
	}
}

func TestOversizedSendBlocksUntilClose(t *testing.T) {
	// 1020 payload bytes need 1032 counter bytes, more than the ring
	// will ever have: the send can never complete. Teardown is the only
	// way out and surfaces as ErrConnectionLost.
	ringA, _, _, _ := newRingPair(t, DefaultConfig(1024))

	done := make(chan error, 1)
	go func() { done <- ringA.Send(make([]byte, 1020)) }()

	select {
	case err := <-done:
		t.Fatalf("oversized Send returned early: %v", err)
	case <-time.After(100 * time.Millisecond):
	}

	ringA.Close()
	select {
	case err := <-done:
		if !errors.Is(err, ErrConnectionLost) {
			t.Fatalf("Send after Close returned %v, want ErrConnectionLost", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("Send did not observe teardown")
	}
}

func TestBufferTooSmallLeavesMessageUnread(t *testing.T) {
	ringA, ringB, _, _ := newRingPair(t, DefaultConfig(4096))

	if err := ringA.Send(make([]byte, 10)); err != nil {
		t.Fatalf("Send: %v", err)
	}

	if _, err := ringB.Receive(make([]byte, 4)); !errors.Is(err, ErrBufferTooSmall) {
		t.Fatalf("Receive(cap=4) returned %v, want ErrBufferTooSmall", err)
	}

	// Retryable: the message is still there in full.
	n, err := ringB.Receive(make([]byte, 16))
	if err != nil {
		t.Fatalf("retry Receive: %v", err)
	}
	if n != 10 {
		t.Fatalf("retry Receive returned %d bytes, want 10", n)
	}
}

func TestHasData(t *testing.T) {
	ringA, ringB, _, _ := newRingPair(t, DefaultConfig(4096))

	if ringB.HasData() {
		t.Fatalf("HasData true on empty ring")
	}

	if err := ringA.Send([]byte("ping")); err != nil {
		t.Fatalf("Send: %v", err)
	}

	// Eventual visibility: the write is already delivered by the fake,
	// but poll rather than assume.
	waitUntil := deadline(t)
	for !ringB.HasData() {
		if time.Now().After(waitUntil) {
			t.Fatalf("HasData never became true with a message in flight")
		}
	}

	dst := make([]byte, 16)
	if n, err := ringB.Receive(dst); err != nil || n != 4 {
		t.Fatalf("Receive after HasData = %d, %v", n, err)
	}
	if ringB.HasData() {
		t.Fatalf("HasData true after the only message was consumed")
	}
}

func TestErrorCompletionBreaksRing(t *testing.T) {
	ringA, _, qpA, _ := newRingPair(t, DefaultConfig(4096))

	qpA.failCompletions(errors.New("work completion status 12"))

	err := ringA.Send([]byte("doomed"))
	if !errors.Is(err, ErrConnectionLost) {
		t.Fatalf("Send with error completion returned %v, want ErrConnectionLost", err)
	}

	// Broken is terminal: every later call fails the same way.
	for i := 0; i < 3; i++ {
		if err := ringA.Send([]byte("still doomed")); !errors.Is(err, ErrConnectionLost) {
			t.Fatalf("Send %d after break returned %v, want ErrConnectionLost", i, err)
		}
	}
}

func TestPostFailureIsPostSendFailed(t *testing.T) {
	ringA, _, qpA, _ := newRingPair(t, DefaultConfig(4096))

	qpA.mu.Lock()
	qpA.postErr = errors.New("provider rejected work request")
	qpA.mu.Unlock()

	err := ringA.Send([]byte("rejected"))
	if !errors.Is(err, ErrPostSendFailed) {
		t.Fatalf("Send with failing post returned %v, want ErrPostSendFailed", err)
	}
	if err := ringA.Send([]byte("again")); !errors.Is(err, ErrPostSendFailed) {
		t.Fatalf("second Send returned %v, want the recorded ErrPostSendFailed", err)
	}
}

func TestCloseReleasesResources(t *testing.T) {
	ringA, _, qpA, _ := newRingPair(t, DefaultConfig(4096))

	if err := ringA.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if !qpA.closed {
		t.Errorf("queue pair not closed")
	}
	if !ringA.local.Ring.(*fakeRegion).closed {
		t.Errorf("ring region not deregistered")
	}
	if !ringA.local.ReadPosSlot.(*fakeRegion).closed {
		t.Errorf("read-position slot not deregistered")
	}
	if !ringA.staging.(*fakeRegion).closed {
		t.Errorf("staging region not deregistered")
	}

	if err := ringA.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}
	if err := ringA.Send([]byte("late")); !errors.Is(err, ErrConnectionLost) {
		t.Fatalf("Send after Close returned %v, want ErrConnectionLost", err)
	}
}

func TestZeroLengthSendRejected(t *testing.T) {
	ringA, _, _, _ := newRingPair(t, DefaultConfig(4096))
	if err := ringA.Send(nil); !errors.Is(err, ErrEmptyMessage) {
		t.Fatalf("Send(nil) returned %v, want ErrEmptyMessage", err)
	}
}

// registrarFunc adapts a function to the Registrar interface.
type registrarFunc func(size uint64) (MemoryRegion, error)

func (f registrarFunc) Register(size uint64) (MemoryRegion, error) { return f(size) }
