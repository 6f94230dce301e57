package verbs

/*
#include <stdlib.h>
#include <string.h>
#include <infiniband/verbs.h>
*/
import "C"
import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"runtime"
	"sync"
	"unsafe"

	"github.com/sirupsen/logrus"

	"github.com/rdmashim/msgring/internal/ring"
)

// maxSendSegments is the scatter-gather depth requested for the send
// queue: header, payload, footer of one frame.
const maxSendSegments = 3

var _ ring.QueuePair = (*QueuePair)(nil)

// QueuePair is one reliable-connected ibv_qp wired to the context's
// shared completion queues. It implements ring.QueuePair.
type QueuePair struct {
	owner *Context
	qp    *C.struct_ibv_qp

	maxInline uint32

	// Work-request scratch lives in C memory: the verbs library must
	// never see a Go pointer, and ibv_post_send copies the descriptor
	// before returning, so one set per queue pair suffices. postMu
	// serialises its reuse across the send path and teardown.
	postMu sync.Mutex
	sendWr *C.struct_ibv_send_wr
	recvWr *C.struct_ibv_recv_wr
	sge    *C.struct_ibv_sge
	bounce unsafe.Pointer // inline staging, maxInline bytes
	nextID uint64

	// outstanding counts posted-but-unreaped signaled send-queue work
	// requests, for the drain-before-teardown accounting.
	outstanding int

	log *logrus.Entry
}

// NewQueuePair creates an RC queue pair on the context's protection
// domain and shared completion queues, requesting maxInline bytes of
// inline capacity. The provider may grant more or less; MaxInlineData
// reports what was actually granted.
func NewQueuePair(c *Context, maxInline uint32) (*QueuePair, error) {
	var initAttr C.struct_ibv_qp_init_attr
	initAttr.send_cq = c.sendCQ.cq
	initAttr.recv_cq = c.recvCQ.cq
	initAttr.cap.max_send_wr = C.uint32_t(c.sendCQ.cqe)
	initAttr.cap.max_recv_wr = C.uint32_t(c.recvCQ.cqe)
	initAttr.cap.max_send_sge = maxSendSegments
	initAttr.cap.max_recv_sge = 1
	initAttr.cap.max_inline_data = C.uint32_t(maxInline)
	initAttr.qp_type = C.IBV_QPT_RC

	qpC, err := C.ibv_create_qp(c.pd, &initAttr)
	if qpC == nil {
		if err != nil {
			return nil, fmt.Errorf("verbs: creating queue pair: %w", err)
		}
		return nil, errors.New("verbs: creating queue pair")
	}

	granted := uint32(initAttr.cap.max_inline_data)
	q := &QueuePair{
		owner:     c,
		qp:        qpC,
		maxInline: granted,
		sendWr:    (*C.struct_ibv_send_wr)(C.malloc(C.size_t(unsafe.Sizeof(C.struct_ibv_send_wr{})))),
		recvWr:    (*C.struct_ibv_recv_wr)(C.malloc(C.size_t(unsafe.Sizeof(C.struct_ibv_recv_wr{})))),
		sge:       (*C.struct_ibv_sge)(C.malloc(C.size_t(unsafe.Sizeof(C.struct_ibv_sge{})) * maxSendSegments)),
		log: logrus.WithFields(logrus.Fields{
			"component": "verbs.QueuePair",
			"qpn":       uint32(qpC.qp_num),
		}),
	}
	if granted > 0 {
		q.bounce = C.malloc(C.size_t(granted))
	}
	q.log.WithField("max_inline", granted).Debug("queue pair created")
	return q, nil
}

func (q *QueuePair) QPN() uint32           { return uint32(q.qp.qp_num) }
func (q *QueuePair) LID() uint16           { return q.owner.lid }
func (q *QueuePair) MaxInlineData() uint32 { return q.maxInline }

func (q *QueuePair) modify(attr *C.struct_ibv_qp_attr, mask C.int) error {
	if errno := C.ibv_modify_qp(q.qp, attr, mask); errno != 0 {
		return fmt.Errorf("verbs: ibv_modify_qp: errno %d", errno)
	}
	return nil
}

// Init moves the queue pair to INIT with remote read/write access, the
// first step of the verbs state machine.
func (q *QueuePair) Init() error {
	var attr C.struct_ibv_qp_attr
	attr.qp_state = C.IBV_QPS_INIT
	attr.pkey_index = 0
	attr.port_num = C.uint8_t(q.owner.port)
	attr.qp_access_flags = C.IBV_ACCESS_LOCAL_WRITE | C.IBV_ACCESS_REMOTE_READ | C.IBV_ACCESS_REMOTE_WRITE
	return q.modify(&attr, C.IBV_QP_STATE|C.IBV_QP_PKEY_INDEX|C.IBV_QP_PORT|C.IBV_QP_ACCESS_FLAGS)
}

// ReadyToReceive moves INIT -> RTR, pointing the queue pair at the
// peer learned from the handshake. LID-routed addressing only; the
// handshake does not carry a GID, per the homogeneous-subnet
// assumption.
func (q *QueuePair) ReadyToReceive(remoteLID uint16, remoteQPN uint32) error {
	var attr C.struct_ibv_qp_attr
	attr.qp_state = C.IBV_QPS_RTR
	attr.path_mtu = C.IBV_MTU_4096
	attr.dest_qp_num = C.uint32_t(remoteQPN)
	attr.rq_psn = 0
	// must be > 0 or RDMA reads complete with IBV_WC_REM_INV_REQ_ERR
	attr.max_dest_rd_atomic = 1
	attr.min_rnr_timer = 12
	attr.ah_attr.is_global = 0
	attr.ah_attr.dlid = C.uint16_t(remoteLID)
	attr.ah_attr.sl = 0
	attr.ah_attr.src_path_bits = 0
	attr.ah_attr.port_num = C.uint8_t(q.owner.port)
	return q.modify(&attr,
		C.IBV_QP_STATE|C.IBV_QP_AV|C.IBV_QP_PATH_MTU|C.IBV_QP_DEST_QPN|
			C.IBV_QP_RQ_PSN|C.IBV_QP_MAX_DEST_RD_ATOMIC|C.IBV_QP_MIN_RNR_TIMER)
}

// ReadyToSend moves RTR -> RTS.
func (q *QueuePair) ReadyToSend() error {
	var attr C.struct_ibv_qp_attr
	attr.qp_state = C.IBV_QPS_RTS
	attr.timeout = 14
	attr.retry_cnt = 6
	attr.rnr_retry = 6
	attr.sq_psn = 0
	attr.max_rd_atomic = 1
	return q.modify(&attr,
		C.IBV_QP_STATE|C.IBV_QP_TIMEOUT|C.IBV_QP_RETRY_CNT|C.IBV_QP_RNR_RETRY|
			C.IBV_QP_SQ_PSN|C.IBV_QP_MAX_QP_RD_ATOMIC)
}

// PostReceive arms the receive queue with one empty work request. The
// ring posts no two-sided messages, but RTR requires the queue armed.
func (q *QueuePair) PostReceive() error {
	q.postMu.Lock()
	defer q.postMu.Unlock()

	C.memset(unsafe.Pointer(q.recvWr), 0, C.size_t(unsafe.Sizeof(C.struct_ibv_recv_wr{})))
	q.nextID++
	q.recvWr.wr_id = C.uint64_t(q.nextID)
	q.recvWr.sg_list = nil
	q.recvWr.num_sge = 0

	var bad *C.struct_ibv_recv_wr
	if errno := C.ibv_post_recv(q.qp, q.recvWr, &bad); errno != 0 {
		return fmt.Errorf("verbs: ibv_post_recv: errno %d", errno)
	}
	return nil
}

// setRemote stores the RDMA address and rkey into the send work
// request's wr.rdma union, which cgo exposes as raw bytes.
func setRemote(wr *C.struct_ibv_send_wr, remote ring.RemoteDescriptor) {
	u := (*[16]byte)(unsafe.Pointer(&wr.wr))
	binary.LittleEndian.PutUint64(u[0:8], remote.Addr)
	binary.LittleEndian.PutUint32(u[8:12], remote.Key)
}

// PostWrite posts one RDMA write delivering the segments, in order,
// to the remote descriptor. Inline writes are bounced through C memory
// so the provider never sees a Go pointer; non-inline segments must
// lie in registered regions, whose lkeys are resolved by address.
func (q *QueuePair) PostWrite(segments [][]byte, remote ring.RemoteDescriptor, inline bool) error {
	if len(segments) == 0 || len(segments) > maxSendSegments {
		return fmt.Errorf("verbs: %d segments, want 1..%d", len(segments), maxSendSegments)
	}

	q.postMu.Lock()
	defer q.postMu.Unlock()

	C.memset(unsafe.Pointer(q.sendWr), 0, C.size_t(unsafe.Sizeof(C.struct_ibv_send_wr{})))
	sges := unsafe.Slice(q.sge, maxSendSegments)

	if inline {
		var total uint32
		for _, s := range segments {
			total += uint32(len(s))
		}
		if total > q.maxInline {
			return fmt.Errorf("verbs: %d inline bytes exceed provider limit %d", total, q.maxInline)
		}
		dst := unsafe.Slice((*byte)(q.bounce), q.maxInline)
		off := 0
		for _, s := range segments {
			off += copy(dst[off:], s)
		}
		sges[0].addr = C.uint64_t(uintptr(q.bounce))
		sges[0].length = C.uint32_t(total)
		sges[0].lkey = 0
		q.sendWr.num_sge = 1
		q.sendWr.send_flags = C.IBV_SEND_SIGNALED | C.IBV_SEND_INLINE
	} else {
		for i, s := range segments {
			lkey, err := q.owner.lookupKey(s)
			if err != nil {
				return err
			}
			sges[i].addr = C.uint64_t(uintptr(unsafe.Pointer(&s[0])))
			sges[i].length = C.uint32_t(len(s))
			sges[i].lkey = C.uint32_t(lkey)
		}
		q.sendWr.num_sge = C.int(len(segments))
		q.sendWr.send_flags = C.IBV_SEND_SIGNALED
	}

	q.nextID++
	q.sendWr.wr_id = C.uint64_t(q.nextID)
	q.sendWr.opcode = C.IBV_WR_RDMA_WRITE
	q.sendWr.sg_list = q.sge
	q.sendWr.next = nil
	setRemote(q.sendWr, remote)

	var bad *C.struct_ibv_send_wr
	if errno := C.ibv_post_send(q.qp, q.sendWr, &bad); errno != 0 {
		return fmt.Errorf("verbs: ibv_post_send (rdma write): errno %d", errno)
	}
	q.outstanding++
	return nil
}

// PostRead posts one RDMA read of len(dst) bytes from the remote
// descriptor into dst, which must lie in a registered region.
func (q *QueuePair) PostRead(dst []byte, remote ring.RemoteDescriptor) error {
	lkey, err := q.owner.lookupKey(dst)
	if err != nil {
		return err
	}

	q.postMu.Lock()
	defer q.postMu.Unlock()

	C.memset(unsafe.Pointer(q.sendWr), 0, C.size_t(unsafe.Sizeof(C.struct_ibv_send_wr{})))
	sges := unsafe.Slice(q.sge, maxSendSegments)
	sges[0].addr = C.uint64_t(uintptr(unsafe.Pointer(&dst[0])))
	sges[0].length = C.uint32_t(len(dst))
	sges[0].lkey = C.uint32_t(lkey)

	q.nextID++
	q.sendWr.wr_id = C.uint64_t(q.nextID)
	q.sendWr.opcode = C.IBV_WR_RDMA_READ
	q.sendWr.send_flags = C.IBV_SEND_SIGNALED
	q.sendWr.sg_list = q.sge
	q.sendWr.num_sge = 1
	q.sendWr.next = nil
	setRemote(q.sendWr, remote)

	var bad *C.struct_ibv_send_wr
	if errno := C.ibv_post_send(q.qp, q.sendWr, &bad); errno != 0 {
		return fmt.Errorf("verbs: ibv_post_send (rdma read): errno %d", errno)
	}
	q.outstanding++
	return nil
}

// WaitSendCompletion busy-polls the shared send completion queue until
// one completion for any ring on it is reaped, surfacing error
// completions.
func (q *QueuePair) WaitSendCompletion(ctx context.Context) error {
	for {
		got, err := q.owner.sendCQ.pollOne()
		if got {
			q.postMu.Lock()
			q.outstanding--
			q.postMu.Unlock()
			return err
		}
		if err != nil {
			return err
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
		runtime.Gosched()
	}
}

// Reap drains currently available send completions without blocking.
// The first error completion is returned after the drain finishes.
func (q *QueuePair) Reap() error {
	var firstErr error
	for {
		got, err := q.owner.sendCQ.pollOne()
		if err != nil && firstErr == nil {
			firstErr = err
		}
		if !got {
			return firstErr
		}
		q.postMu.Lock()
		q.outstanding--
		q.postMu.Unlock()
	}
}

// Close transitions the queue pair to the error state, drains the
// flush completions for anything still outstanding, and destroys it.
// Memory regions must only be deregistered after this returns.
func (q *QueuePair) Close() error {
	if q.qp == nil {
		return nil
	}

	var attr C.struct_ibv_qp_attr
	attr.qp_state = C.IBV_QPS_ERR
	if err := q.modify(&attr, C.IBV_QP_STATE); err != nil {
		q.log.WithError(err).Warn("transition to error state failed")
	}

	// Outstanding work requests flush with IBV_WC_WR_FLUSH_ERR once
	// the queue pair is in error; those are expected here.
	for {
		q.postMu.Lock()
		remaining := q.outstanding
		q.postMu.Unlock()
		if remaining <= 0 {
			break
		}
		got, _ := q.owner.sendCQ.pollOne()
		if !got {
			break
		}
		q.postMu.Lock()
		q.outstanding--
		q.postMu.Unlock()
	}

	if errno := C.ibv_destroy_qp(q.qp); errno != 0 {
		return fmt.Errorf("verbs: ibv_destroy_qp: errno %d", errno)
	}
	q.qp = nil

	q.postMu.Lock()
	C.free(unsafe.Pointer(q.sendWr))
	C.free(unsafe.Pointer(q.recvWr))
	C.free(unsafe.Pointer(q.sge))
	if q.bounce != nil {
		C.free(q.bounce)
	}
	q.sendWr, q.recvWr, q.sge, q.bounce = nil, nil, nil, nil
	q.postMu.Unlock()

	q.log.Debug("queue pair destroyed")
	return nil
}
