package ring

import (
	"context"
	"fmt"
	"net"
	"sync"
	"testing"
	"time"
)

// deadline bounds a blocking test step so a regression fails instead
// of hanging the suite.
func deadline(t *testing.T) time.Time {
	t.Helper()
	return time.Now().Add(2 * time.Second)
}

// The fakes below stand in for internal/verbs: a fabric is a process-wide
// address space of registered regions, and a fakeQP loops one-sided
// writes and reads back through it. This lets every ring algorithm run
// against plain Go slices, the same way the shm transport tests run
// against a plain mmapped segment instead of a live peer.

type fakeFabric struct {
	mu       sync.Mutex
	regions  map[uint32]*fakeRegion
	nextKey  uint32
	nextAddr uint64
}

func newFakeFabric() *fakeFabric {
	return &fakeFabric{
		regions:  make(map[uint32]*fakeRegion),
		nextKey:  1,
		nextAddr: 0x10000,
	}
}

func (f *fakeFabric) register(size uint64) (*fakeRegion, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	r := &fakeRegion{
		addr: f.nextAddr,
		key:  f.nextKey,
		buf:  make([]byte, size),
	}
	f.regions[r.key] = r
	f.nextKey++
	f.nextAddr += (size + 0xfff) &^ 0xfff
	return r, nil
}

// resolve maps a remote descriptor plus length onto the backing bytes
// of the region it names.
func (f *fakeFabric) resolve(rd RemoteDescriptor, n uint64) ([]byte, error) {
	f.mu.Lock()
	r, ok := f.regions[rd.Key]
	f.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("no region with key %d", rd.Key)
	}
	if rd.Addr < r.addr {
		return nil, fmt.Errorf("address %#x below region base %#x", rd.Addr, r.addr)
	}
	off := rd.Addr - r.addr
	if off+n > uint64(len(r.buf)) {
		return nil, fmt.Errorf("range [%d,%d) outside region of %d bytes", off, off+n, len(r.buf))
	}
	return r.buf[off : off+n], nil
}

type fakeRegion struct {
	addr   uint64
	key    uint32
	buf    []byte
	closed bool
}

func (r *fakeRegion) Bytes() []byte            { return r.buf }
func (r *fakeRegion) Remote() RemoteDescriptor { return RemoteDescriptor{Addr: r.addr, Key: r.key} }
func (r *fakeRegion) LocalKey() uint32         { return r.key }
func (r *fakeRegion) Close() error {
	r.closed = true
	return nil
}

type fakeRegistrar struct {
	fab *fakeFabric
}

func (fr *fakeRegistrar) Register(size uint64) (MemoryRegion, error) {
	return fr.fab.register(size)
}

type fakeQP struct {
	fab       *fakeFabric
	qpn       uint32
	lid       uint16
	maxInline uint32

	mu          sync.Mutex
	transitions []string
	recvPosted  int
	remoteQPN   uint32
	remoteLID   uint16

	// postErr fails every subsequent post; completionErr surfaces from
	// Reap/WaitSendCompletion, modelling an error completion.
	postErr       error
	completionErr error

	writes       int
	inlineWrites int
	lastInline   bool

	closed bool
}

func (f *fakeFabric) newQP(qpn uint32, lid uint16, maxInline uint32) *fakeQP {
	return &fakeQP{fab: f, qpn: qpn, lid: lid, maxInline: maxInline}
}

func (q *fakeQP) QPN() uint32           { return q.qpn }
func (q *fakeQP) LID() uint16           { return q.lid }
func (q *fakeQP) MaxInlineData() uint32 { return q.maxInline }

func (q *fakeQP) Init() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.transitions = append(q.transitions, "init")
	return nil
}

func (q *fakeQP) ReadyToReceive(remoteLID uint16, remoteQPN uint32) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.recvPosted == 0 {
		return fmt.Errorf("receive queue not armed")
	}
	q.transitions = append(q.transitions, "rtr")
	q.remoteLID = remoteLID
	q.remoteQPN = remoteQPN
	return nil
}

func (q *fakeQP) ReadyToSend() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.transitions = append(q.transitions, "rts")
	return nil
}

func (q *fakeQP) PostReceive() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.recvPosted++
	return nil
}

func (q *fakeQP) PostWrite(segments [][]byte, remote RemoteDescriptor, inline bool) error {
	q.mu.Lock()
	if q.postErr != nil {
		err := q.postErr
		q.mu.Unlock()
		return err
	}
	q.writes++
	q.lastInline = inline
	if inline {
		q.inlineWrites++
	}
	q.mu.Unlock()

	var total uint64
	for _, s := range segments {
		total += uint64(len(s))
	}
	dst, err := q.fab.resolve(remote, total)
	if err != nil {
		return err
	}
	off := 0
	for _, s := range segments {
		off += copy(dst[off:], s)
	}
	return nil
}

func (q *fakeQP) PostRead(dst []byte, remote RemoteDescriptor) error {
	q.mu.Lock()
	if q.postErr != nil {
		err := q.postErr
		q.mu.Unlock()
		return err
	}
	q.mu.Unlock()
	src, err := q.fab.resolve(remote, uint64(len(dst)))
	if err != nil {
		return err
	}
	copy(dst, src)
	return nil
}

func (q *fakeQP) WaitSendCompletion(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.completionErr
}

func (q *fakeQP) Reap() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.completionErr
}

func (q *fakeQP) Close() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.closed = true
	return nil
}

// failCompletions makes every subsequent completion surface as an
// error completion, the way a queue pair that dropped out of RTS does.
func (q *fakeQP) failCompletions(err error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.completionErr = err
}

// tcpPair returns two ends of a loopback TCP connection. net.Pipe is
// unusable here: the handshake has both sides write their record before
// either reads, which deadlocks without a socket buffer.
func tcpPair(t *testing.T) (net.Conn, net.Conn) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()

	type accepted struct {
		conn net.Conn
		err  error
	}
	ch := make(chan accepted, 1)
	go func() {
		c, err := ln.Accept()
		ch <- accepted{c, err}
	}()

	client, err := net.Dial("tcp", ln.Addr().String())
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	a := <-ch
	if a.err != nil {
		client.Close()
		t.Fatalf("accept: %v", a.err)
	}
	t.Cleanup(func() {
		client.Close()
		a.conn.Close()
	})
	return client, a.conn
}

// newRingPair builds two fully handshaked MessageRings over a shared
// fabric and a loopback TCP control connection.
func newRingPair(t *testing.T, cfg Config) (*MessageRing, *MessageRing, *fakeQP, *fakeQP) {
	t.Helper()
	fab := newFakeFabric()
	qpA := fab.newQP(101, 11, 512)
	qpB := fab.newQP(102, 12, 512)
	connA, connB := tcpPair(t)

	var (
		ringA, ringB *MessageRing
		errA, errB   error
		wg           sync.WaitGroup
	)
	wg.Add(1)
	go func() {
		defer wg.Done()
		ringA, errA = NewMessageRing(connA, &fakeRegistrar{fab}, qpA, cfg)
	}()
	ringB, errB = NewMessageRing(connB, &fakeRegistrar{fab}, qpB, cfg)
	wg.Wait()
	if errA != nil {
		t.Fatalf("NewMessageRing A: %v", errA)
	}
	if errB != nil {
		t.Fatalf("NewMessageRing B: %v", errB)
	}
	t.Cleanup(func() {
		ringA.Close()
		ringB.Close()
	})
	return ringA, ringB, qpA, qpB
}
