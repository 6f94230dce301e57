package ring

import "context"

// The interfaces below are the core's entire view of RDMA: QP state
// transitions, posted writes and reads, receive priming, completion
// reaping, and nothing else. internal/verbs implements these over real
// libibverbs; tests implement them over a plain Go slice and an
// in-process loopback so the ring algorithms in this package are
// verified without a NIC.

// RemoteDescriptor names a registered memory region on the peer: the
// (address, key) pair RDMA one-sided operations target.
type RemoteDescriptor struct {
	Addr uint64
	Key  uint32
}

// MemoryRegion is a registered, pinned region of local memory a
// QueuePair can source sends/writes from or land receives/writes into.
type MemoryRegion interface {
	// Bytes returns the region's backing memory. Callers may read and
	// write it directly; the region is pinned for the lifetime of any
	// work request that references it.
	Bytes() []byte

	// Remote returns the (address, key) pair a peer uses to target this
	// region with a one-sided RDMA write or read.
	Remote() RemoteDescriptor

	// LocalKey returns the key used when this region is the source of a
	// locally-posted send or the source/sink of a locally-posted
	// RDMA write/read.
	LocalKey() uint32

	// Close deregisters the region and releases its backing memory.
	// The caller must ensure no work request referencing the region is
	// outstanding.
	Close() error
}

// Registrar is the memory-region registrar: it allocates pinned,
// registered memory a QueuePair can operate on. internal/verbs
// implements it over mmap + ibv_reg_mr on a protection domain; tests
// implement it over plain Go slices.
type Registrar interface {
	Register(size uint64) (MemoryRegion, error)
}

// RingEndpoint is one endpoint's local receive ring plus the 8-byte
// read-position slot the peer learns progress from: the two memory
// regions a Handshake exchanges descriptors for.
type RingEndpoint struct {
	Ring        MemoryRegion
	ReadPosSlot MemoryRegion
}

// PeerEndpoint is the remote descriptors learned for a peer's
// RingEndpoint during the handshake.
type PeerEndpoint struct {
	Ring        RemoteDescriptor
	ReadPosSlot RemoteDescriptor
}

// QueuePair is the reliable-connected queue pair the message ring is
// built on. Callers drive it through the verbs state machine during
// the handshake, then only post sends/writes/reads on the data path.
type QueuePair interface {
	// QPN and LID name this queue pair within a subnet; exchanged over
	// TCP during the handshake.
	QPN() uint32
	LID() uint16

	// MaxInlineData returns the hardware's inline send limit, queried
	// at queue-pair creation, used to clamp the configured inline
	// threshold.
	MaxInlineData() uint32

	// Init, ReadyToReceive, and ReadyToSend drive the INIT -> RTR -> RTS
	// transitions using the peer's LID/QPN learned from the handshake.
	Init() error
	ReadyToReceive(remoteLID uint16, remoteQPN uint32) error
	ReadyToSend() error

	// PostReceive primes the receive queue. The basic ring posts no
	// two-sided messages on the data path, but the RTR transition
	// requires at least one receive work request outstanding.
	PostReceive() error

	// PostWrite posts a single RDMA write work request: segments are
	// delivered, in order, to remote starting at remote.Addr. inline
	// requests the provider copy the segments into the descriptor
	// rather than DMA-read them from a registered region.
	PostWrite(segments [][]byte, remote RemoteDescriptor, inline bool) error

	// PostRead posts an RDMA read of length len(dst) from remote into
	// dst, which must be (part of) a registered MemoryRegion's backing
	// array.
	PostRead(dst []byte, remote RemoteDescriptor) error

	// WaitSendCompletion blocks for the next signaled send-queue
	// completion and returns an error if it completed with a non-success
	// status (ErrConnectionLost territory) or ctx was canceled first.
	WaitSendCompletion(ctx context.Context) error

	// Reap drains any outstanding send completions without blocking;
	// used during teardown, per the required drain-before-deregister
	// order.
	Reap() error

	// Close transitions the queue pair to the error state and destroys
	// it. The caller must have drained outstanding completions first.
	Close() error
}
