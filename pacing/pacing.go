// Package pacing computes the future time offset at which a send may be
// issued, so that a connection converges to a configured byte rate, or
// alternates bursts of sends with fixed delays.
//
// A scheduler belongs to one connection and is called under that connection's
// lock; it is not safe for concurrent use.
package pacing

import (
	"github.com/benbjohnson/clock"
)

// A SendScheduler decides how long the next send of n bytes must wait before
// the executor may issue it.  Zero means "send now".
type SendScheduler interface {
	NextSendDelay(n uint32) int64
}

// Unpaced admits every send immediately.
type Unpaced struct{}

// NextSendDelay always returns zero.
func (Unpaced) NextSendDelay(n uint32) int64 { return 0 }

// RateLimiter budgets bytes into fixed time quanta.  Sends are admitted
// immediately while the current quantum has budget; once the quantum is
// over-subscribed the next send is pushed into the first quantum with room.
type RateLimiter struct {
	clk clock.Clock

	bytesPerQuantum int64
	periodMs        int64

	bytesSendingThisQuantum int64
	quantumStartMs          int64
}

// NewRateLimiter returns a rate limiter budgeting bytesPerSecond over quanta
// of periodMs milliseconds.  The caller must have validated that the derived
// bytes-per-quantum is at least one.
func NewRateLimiter(clk clock.Clock, bytesPerSecond, periodMs int64) *RateLimiter {
	// (bytes/sec) * (1 sec/1000 ms) * (x ms/quantum) == (bytes/quantum)
	return &RateLimiter{
		clk:             clk,
		bytesPerQuantum: bytesPerSecond * periodMs / 1000,
		periodMs:        periodMs,
		quantumStartMs:  clk.Now().UnixMilli(),
	}
}

// NextSendDelay accounts n bytes against the quantum budget and returns the
// delay the send must honour.
func (r *RateLimiter) NextSendDelay(n uint32) int64 {
	nowMs := r.clk.Now().UnixMilli()

	if r.bytesSendingThisQuantum < r.bytesPerQuantum {
		r.bytesSendingThisQuantum += int64(n)

		// No need to move the quantum start unless we skipped into a new
		// quantum (meaning the previous quantum had not filled its budget).
		if nowMs > r.quantumStartMs+r.periodMs {
			skipped := (nowMs - r.quantumStartMs) / r.periodMs
			r.quantumStartMs += skipped * r.periodMs

			// The bytes counted against the skipped quanta are forgiven, but
			// the residual can be smaller than the forgiveness.
			forgiven := r.bytesPerQuantum * skipped
			if forgiven > r.bytesSendingThisQuantum {
				r.bytesSendingThisQuantum = 0
			} else {
				r.bytesSendingThisQuantum -= forgiven
			}
		}
		return 0
	}

	// This quantum is full, and possibly future quanta as well.
	quantumsAhead := r.bytesSendingThisQuantum / r.bytesPerQuantum

	// Quanta beyond the current one that are already fully booked.
	skipMs := (quantumsAhead - 1) * r.periodMs

	// Carry forward the residual bytes, then book the new send.
	r.bytesSendingThisQuantum -= r.bytesPerQuantum * quantumsAhead
	r.bytesSendingThisQuantum += int64(n)

	// Delay to the end of the current quantum, unless time already left it.
	var delayMs int64
	if nowMs < r.quantumStartMs+r.periodMs {
		delayMs = r.quantumStartMs + r.periodMs - nowMs
	}
	delayMs += skipMs

	// The quantum this send will actually land in.
	r.quantumStartMs += skipMs + r.periodMs

	return delayMs
}

// Burst admits count-1 consecutive sends immediately and delays the count-th
// send by delayMs, repeating.
type Burst struct {
	count     uint32
	delayMs   int64
	remaining uint32
}

// NewBurst returns a burst scheduler.
func NewBurst(count uint32, delayMs int64) *Burst {
	return &Burst{count: count, delayMs: delayMs, remaining: count}
}

// NextSendDelay decrements the burst counter; the send that exhausts the
// burst is delayed and the counter rearms.
func (b *Burst) NextSendDelay(n uint32) int64 {
	if b.remaining == 0 {
		b.remaining = b.count
	}
	b.remaining--
	if b.remaining == 0 {
		return b.delayMs
	}
	return 0
}
