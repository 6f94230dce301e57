// Package verbs is the cgo binding over libibverbs that backs
// internal/ring in production: device and protection-domain setup,
// registered memory regions, reliable-connected queue pairs, and
// completion-queue reaping. It implements ring.Registrar, ring.QueuePair,
// and ring.MemoryRegion; everything protocol-shaped lives in
// internal/ring and is tested there without this package.
package verbs
