package ring

import (
	"context"
	"fmt"
	"net"
	"sync"

	"github.com/sirupsen/logrus"
)

// Stats is a point-in-time snapshot of a MessageRing's cursors and
// traffic counters, for diagnostics only.
type Stats struct {
	WritePos        uint64
	ReadPos         uint64
	PeerReadPos     uint64
	BytesSent       uint64
	BytesReceived   uint64
	PeerRefreshes   uint64
	CursorPublishes uint64
}

// MessageRing is the reliable single-connection message ring: one
// Handshake plus the SendPath/ReceivePath pair it establishes. Only
// one goroutine may call Send at a time, and only one goroutine may
// call Receive at a time (SPSC per direction), though the same ring
// may have one of each running concurrently.
type MessageRing struct {
	send *SendPath
	recv *ReceivePath

	sendMu sync.Mutex
	recvMu sync.Mutex

	// ctx is canceled by Close so a Send or Receive spinning for ring
	// space or data observes teardown and returns ErrConnectionLost.
	ctx    context.Context
	cancel context.CancelFunc

	closeOnce sync.Once
	closeErr  error

	qp      QueuePair
	local   RingEndpoint
	staging MemoryRegion
	log     *logrus.Entry

	bytesSent     uint64
	bytesReceived uint64
}

// NewMessageRing registers the ring memory, runs the handshake over
// conn, and constructs the send and receive paths over the given queue
// pair. conn is not retained beyond the handshake; on failure it is
// left intact and usable for plain TCP.
func NewMessageRing(conn net.Conn, reg Registrar, qp QueuePair, cfg Config) (*MessageRing, error) {
	cfg = cfg.withDefaults()
	if _, err := newGeometry(cfg.Capacity); err != nil {
		return nil, err
	}

	ringMR, err := reg.Register(cfg.Capacity)
	if err != nil {
		return nil, fmt.Errorf("ring: registering receive ring: %w: %v", ErrRdmaSetupFailed, err)
	}
	slotMR, err := reg.Register(8)
	if err != nil {
		_ = ringMR.Close()
		return nil, fmt.Errorf("ring: registering read-position slot: %w: %v", ErrRdmaSetupFailed, err)
	}
	// Staging carries non-inline frames at their ring offsets plus the
	// 8-byte landing slot for RDMA reads of the peer's cursor.
	stagingMR, err := reg.Register(cfg.Capacity + 8)
	if err != nil {
		_ = slotMR.Close()
		_ = ringMR.Close()
		return nil, fmt.Errorf("ring: registering send staging region: %w: %v", ErrRdmaSetupFailed, err)
	}

	local := RingEndpoint{Ring: ringMR, ReadPosSlot: slotMR}
	peer, err := Handshake(conn, local, qp, cfg)
	if err != nil {
		_ = stagingMR.Close()
		_ = slotMR.Close()
		_ = ringMR.Close()
		return nil, err
	}

	rb, err := newRingBuffer(ringMR, cfg.Capacity)
	if err != nil {
		_ = stagingMR.Close()
		_ = slotMR.Close()
		_ = ringMR.Close()
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())
	m := &MessageRing{
		ctx:     ctx,
		cancel:  cancel,
		qp:      qp,
		local:   local,
		staging: stagingMR,
		send:    newSendPath(qp, peer, cfg.Capacity, stagingMR, cfg),
		recv:    newReceivePath(rb, slotMR, cfg),
		log: logrus.WithFields(logrus.Fields{
			"component": "ring.MessageRing",
			"qpn":       qp.QPN(),
		}),
	}
	return m, nil
}

// Send blocks until p has been serialised into the peer's ring. Only
// one goroutine may call Send on a given MessageRing at a time.
func (m *MessageRing) Send(p []byte) error {
	m.sendMu.Lock()
	defer m.sendMu.Unlock()
	if err := m.closed(); err != nil {
		return err
	}
	if err := m.send.Send(m.ctx, p); err != nil {
		return err
	}
	m.bytesSent += uint64(len(p))
	return nil
}

// Receive blocks until exactly one message is available, copying up to
// len(p) payload bytes into p. Only one goroutine may call Receive on
// a given MessageRing at a time.
func (m *MessageRing) Receive(p []byte) (int, error) {
	m.recvMu.Lock()
	defer m.recvMu.Unlock()
	if err := m.closed(); err != nil {
		return 0, err
	}
	n, err := m.recv.Receive(m.ctx, p)
	if err != nil {
		return n, err
	}
	m.bytesReceived += uint64(n)
	return n, nil
}

// HasData reports whether a complete message is currently available
// without blocking.
func (m *MessageRing) HasData() bool {
	m.recvMu.Lock()
	defer m.recvMu.Unlock()
	if m.closed() != nil {
		return false
	}
	return m.recv.HasData()
}

// Stats returns a best-effort snapshot of cursor positions and traffic
// counters. It takes no locks, so it stays usable while a Send or
// Receive is blocked; values may be mid-update.
func (m *MessageRing) Stats() Stats {
	return Stats{
		WritePos:        m.send.writePos,
		ReadPos:         m.recv.readPos,
		PeerReadPos:     m.send.peerReadPos,
		BytesSent:       m.bytesSent,
		BytesReceived:   m.bytesReceived,
		PeerRefreshes:   m.send.refreshes,
		CursorPublishes: m.recv.publishes,
	}
}

func (m *MessageRing) closed() error {
	select {
	case <-m.ctx.Done():
		return ErrConnectionLost
	default:
		return nil
	}
}

// Close flushes the final read cursor, drains outstanding send
// completions, tears down the queue pair, and only then deregisters
// the ring memory; registered regions must outlive every work request
// and every possible peer write into them. Safe to call more than
// once; later calls return the first call's result.
func (m *MessageRing) Close() error {
	m.closeOnce.Do(func() {
		// Cancel first so an in-flight Send or Receive stops spinning
		// and releases its mutex; it observes ErrConnectionLost.
		m.cancel()
		m.sendMu.Lock()
		m.recvMu.Lock()
		defer m.sendMu.Unlock()
		defer m.recvMu.Unlock()

		m.recv.Flush()
		if rerr := m.qp.Reap(); rerr != nil {
			m.log.WithError(rerr).Warn("error draining completions before close")
		}
		if cerr := m.qp.Close(); cerr != nil {
			m.closeErr = fmt.Errorf("ring: closing queue pair: %w", cerr)
		}
		for _, mr := range []MemoryRegion{m.staging, m.local.ReadPosSlot, m.local.Ring} {
			if derr := mr.Close(); derr != nil && m.closeErr == nil {
				m.closeErr = fmt.Errorf("ring: deregistering memory: %w", derr)
			}
		}
		m.log.Info("message ring closed")
	})
	return m.closeErr
}
