package ring

import "time"

// Config tunes a MessageRing's policy knobs. The zero value is invalid;
// use DefaultConfig and override only what differs.
type Config struct {
	// Capacity is the ring size N in bytes. Must be a power of two and
	// larger than the largest message this ring will ever carry, plus
	// FrameOverhead.
	Capacity uint64

	// InlineThreshold is the frame's counter-space size
	// (FrameOverhead+payload) at or below which SendPath posts inline. It is clamped at
	// construction time to the queue pair's MaxInlineData().
	InlineThreshold uint32

	// PublishDivisor controls how often ReceivePath publishes its read
	// cursor: once the unpublished delta exceeds Capacity/PublishDivisor.
	PublishDivisor uint64

	// YieldOnSpin calls runtime.Gosched() between busy-wait retries in
	// SendPath.Send when set. Off by default, matching a tight spin.
	YieldOnSpin bool

	// PrimeReceives is the number of receive work requests posted
	// before the queue pair leaves the INIT state.
	PrimeReceives int

	// TornFooterTimeout bounds how long Receive waits on a frame whose
	// header has landed but whose footer never validates before
	// reporting ErrProtocolError. Zero selects DefaultTornFooterTimeout;
	// a negative value disables the check.
	TornFooterTimeout time.Duration
}

// DefaultConfig returns a Config with every knob at its documented
// default, for the given ring capacity.
func DefaultConfig(capacity uint64) Config {
	return Config{
		Capacity:          capacity,
		InlineThreshold:   DefaultInlineThreshold,
		PublishDivisor:    DefaultPublishDivisor,
		YieldOnSpin:       false,
		PrimeReceives:     DefaultPrimeReceives,
		TornFooterTimeout: DefaultTornFooterTimeout,
	}
}

func (c Config) withDefaults() Config {
	if c.InlineThreshold == 0 {
		c.InlineThreshold = DefaultInlineThreshold
	}
	if c.PublishDivisor == 0 {
		c.PublishDivisor = DefaultPublishDivisor
	}
	if c.PrimeReceives <= 0 {
		c.PrimeReceives = DefaultPrimeReceives
	}
	if c.TornFooterTimeout == 0 {
		c.TornFooterTimeout = DefaultTornFooterTimeout
	}
	return c
}

// publishThreshold returns the byte delta, in counter space, that must
// accumulate before ReceivePath publishes readPos.
func (c Config) publishThreshold() uint64 {
	return c.Capacity / c.PublishDivisor
}

// inlineThreshold returns the configured threshold clamped to what the
// queue pair actually supports inline. A provider reporting zero
// disables inline posting outright.
func (c Config) inlineThreshold(qp QueuePair) uint32 {
	t := c.InlineThreshold
	if max := qp.MaxInlineData(); t > max {
		t = max
	}
	return t
}
