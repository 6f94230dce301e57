// Package ring implements the reliable single-connection message ring:
// a lock-free producer/consumer byte ring carried over one RDMA
// reliable-connected queue pair, with a TCP-based handshake to bootstrap
// it and stream-exact message framing on top.
//
// The package never touches libibverbs directly. It consumes a small
// set of interfaces (Registrar, QueuePair, MemoryRegion) that a real
// cgo/verbs backend (see internal/verbs) or a test fake can satisfy.
package ring
