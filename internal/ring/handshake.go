package ring

import (
	"encoding/binary"
	"fmt"
	"io"
	"net"

	"github.com/sirupsen/logrus"
)

// Wire layout of the handshake record, little-endian, 41 meaningful
// bytes padded to recordSize for alignment in transit.
//
//	offset  size  field
//	0       4     local QPN
//	4       2     local LID
//	6       2     padding
//	8       8     receive-ring remote address
//	16      4     receive-ring remote key
//	20      4     padding
//	24      8     read-position-slot remote address
//	32      4     read-position-slot remote key
//	36      4     padding
//	40      1     barrier byte
//	41      7     padding
const (
	recordSize       = 48
	recordMeaningful = 41
	barrierOffset    = 40
)

type handshakeRecord struct {
	qpn     uint32
	lid     uint16
	ring    RemoteDescriptor
	readPos RemoteDescriptor
}

func (r handshakeRecord) encode() [recordSize]byte {
	var b [recordSize]byte
	binary.LittleEndian.PutUint32(b[0:4], r.qpn)
	binary.LittleEndian.PutUint16(b[4:6], r.lid)
	binary.LittleEndian.PutUint64(b[8:16], r.ring.Addr)
	binary.LittleEndian.PutUint32(b[16:20], r.ring.Key)
	binary.LittleEndian.PutUint64(b[24:32], r.readPos.Addr)
	binary.LittleEndian.PutUint32(b[32:36], r.readPos.Key)
	b[barrierOffset] = 0x00
	return b
}

func decodeHandshakeRecord(b []byte) handshakeRecord {
	return handshakeRecord{
		qpn: binary.LittleEndian.Uint32(b[0:4]),
		lid: binary.LittleEndian.Uint16(b[4:6]),
		ring: RemoteDescriptor{
			Addr: binary.LittleEndian.Uint64(b[8:16]),
			Key:  binary.LittleEndian.Uint32(b[16:20]),
		},
		readPos: RemoteDescriptor{
			Addr: binary.LittleEndian.Uint64(b[24:32]),
			Key:  binary.LittleEndian.Uint32(b[32:36]),
		},
	}
}

// Handshake exchanges a fixed-size record over conn, drives qp through
// the verbs state machine, and returns the peer's ring/read-position
// descriptors once both sides have confirmed ready-to-send via the
// trailing barrier byte. conn is retained by the caller and otherwise
// unused once Handshake returns.
func Handshake(conn net.Conn, local RingEndpoint, qp QueuePair, cfg Config) (PeerEndpoint, error) {
	cfg = cfg.withDefaults()
	log := logrus.WithFields(logrus.Fields{
		"component": "ring.handshake",
		"local_qpn": qp.QPN(),
		"local_lid": qp.LID(),
	})

	for i := 0; i < cfg.PrimeReceives; i++ {
		if err := qp.PostReceive(); err != nil {
			return PeerEndpoint{}, fmt.Errorf("ring: priming receive %d/%d: %w: %v", i+1, cfg.PrimeReceives, ErrRdmaSetupFailed, err)
		}
	}

	rec := handshakeRecord{
		qpn:     qp.QPN(),
		lid:     qp.LID(),
		ring:    local.Ring.Remote(),
		readPos: local.ReadPosSlot.Remote(),
	}

	remote, err := exchangeRecords(conn, rec)
	if err != nil {
		return PeerEndpoint{}, err
	}
	log = log.WithFields(logrus.Fields{"remote_qpn": remote.qpn, "remote_lid": remote.lid})

	if err := qp.Init(); err != nil {
		log.WithError(err).Error("queue pair init failed")
		return PeerEndpoint{}, fmt.Errorf("ring: qp init: %w: %v", ErrRdmaSetupFailed, err)
	}
	if err := qp.ReadyToReceive(remote.lid, remote.qpn); err != nil {
		log.WithError(err).Error("queue pair ready-to-receive failed")
		return PeerEndpoint{}, fmt.Errorf("ring: qp ready-to-receive: %w: %v", ErrRdmaSetupFailed, err)
	}
	if err := qp.ReadyToSend(); err != nil {
		log.WithError(err).Error("queue pair ready-to-send failed")
		return PeerEndpoint{}, fmt.Errorf("ring: qp ready-to-send: %w: %v", ErrRdmaSetupFailed, err)
	}

	if err := barrier(conn); err != nil {
		return PeerEndpoint{}, err
	}

	log.Info("handshake complete, queue pair ready-to-send")
	return PeerEndpoint{Ring: remote.ring, ReadPosSlot: remote.readPos}, nil
}

// exchangeRecords writes the local record and reads the peer's, using
// full-write/full-read loops since TCP makes no framing guarantee.
func exchangeRecords(conn net.Conn, local handshakeRecord) (handshakeRecord, error) {
	out := local.encode()
	if err := fullWrite(conn, out[:]); err != nil {
		return handshakeRecord{}, fmt.Errorf("ring: writing handshake record: %w: %v", ErrHandshakeFailed, err)
	}

	var in [recordSize]byte
	if _, err := io.ReadFull(conn, in[:]); err != nil {
		return handshakeRecord{}, fmt.Errorf("ring: reading handshake record: %w: %v", ErrHandshakeFailed, err)
	}
	return decodeHandshakeRecord(in[:]), nil
}

// barrier performs the final single-byte ping/pong both sides use to
// confirm ready-to-send before the data path is trusted.
func barrier(conn net.Conn) error {
	if err := fullWrite(conn, []byte{0x01}); err != nil {
		return fmt.Errorf("ring: barrier send: %w: %v", ErrHandshakeFailed, err)
	}
	var ack [1]byte
	if _, err := io.ReadFull(conn, ack[:]); err != nil {
		return fmt.Errorf("ring: barrier recv: %w: %v", ErrHandshakeFailed, err)
	}
	return nil
}

// fullWrite repeats net.Conn.Write until all of p is written or an
// error occurs; Write may legally return a short count.
func fullWrite(conn net.Conn, p []byte) error {
	for len(p) > 0 {
		n, err := conn.Write(p)
		if err != nil {
			return err
		}
		p = p[n:]
	}
	return nil
}
