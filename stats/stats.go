// Package stats holds the lock-free counters tracked for every connection,
// and the process-wide aggregates that status reporting snaps deltas from.
//
// All counters are 64-bit atomics.  Writers are the per-connection engine
// goroutines; the single reader is whoever calls SnapView.
package stats

import (
	"sync/atomic"

	"github.com/rs/xid"
)

// ConnectionIDLength is the wire length of the connection identifier
// exchanged at the start of every connection.
const ConnectionIDLength = 4

// NewConnectionID returns a fresh 4-byte ASCII token.  The value is opaque to
// the peer; it only needs to be stable for the life of one connection so the
// two sides' log entries can be correlated.  The token is the tail of an xid,
// which encodes its per-process counter, so consecutive calls differ.
func NewConnectionID() string {
	id := xid.New().String()
	return id[len(id)-ConnectionIDLength:]
}

// A Counter is a 64-bit integer that admits concurrent lock-free updates.
// The zero value is ready to use.
type Counter struct {
	v atomic.Int64
}

// Add adds delta and returns the new value.
func (c *Counter) Add(delta int64) int64 {
	return c.v.Add(delta)
}

// Subtract subtracts delta and returns the new value.
func (c *Counter) Subtract(delta int64) int64 {
	return c.v.Add(-delta)
}

// Increment adds one and returns the new value.
func (c *Counter) Increment() int64 {
	return c.v.Add(1)
}

// Decrement subtracts one and returns the new value.
func (c *Counter) Decrement() int64 {
	return c.v.Add(-1)
}

// Value returns the current value.
func (c *Counter) Value() int64 {
	return c.v.Load()
}

// Set stores value unconditionally.
func (c *Counter) Set(value int64) {
	c.v.Store(value)
}

// SetConditionally stores value only if the counter currently holds ifEqual,
// and returns the prior value.  Callers use the prior value to detect whether
// they were the one writer that performed the transition.
func (c *Counter) SetConditionally(value, ifEqual int64) int64 {
	for {
		prior := c.v.Load()
		if prior != ifEqual {
			return prior
		}
		if c.v.CompareAndSwap(prior, value) {
			return prior
		}
	}
}

// Snap reads the counter and, when clear is set, atomically resets it so the
// next Snap returns only the delta since this one.
func (c *Counter) Snap(clear bool) int64 {
	if clear {
		return c.v.Swap(0)
	}
	return c.v.Load()
}

// TcpStatistics are the counters kept for one TCP connection.
type TcpStatistics struct {
	ConnectionID string

	BytesSent Counter
	BytesRecv Counter
	StartTime Counter // milliseconds; zero until the first InitiateIo
	EndTime   Counter // milliseconds; zero until the pattern terminates
}

// NewTcpStatistics returns per-connection TCP counters with a fresh
// connection identifier.
func NewTcpStatistics() *TcpStatistics {
	return &TcpStatistics{ConnectionID: NewConnectionID()}
}

// Start records the start time once; later calls are no-ops.
func (s *TcpStatistics) Start(nowMs int64) {
	s.StartTime.SetConditionally(nowMs, 0)
}

// End records the end time once.  It returns true for exactly one caller,
// which is then responsible for publishing the connection to the aggregates.
func (s *TcpStatistics) End(nowMs int64) bool {
	return s.EndTime.SetConditionally(nowMs, 0) == 0
}

// UdpStatistics are the counters kept for one UDP media-stream connection.
type UdpStatistics struct {
	ConnectionID string

	BitsReceived     Counter
	SuccessfulFrames Counter
	DroppedFrames    Counter
	DuplicateFrames  Counter
	ErrorFrames      Counter
	StartTime        Counter
	EndTime          Counter
}

// NewUdpStatistics returns per-connection UDP counters with a fresh
// connection identifier.
func NewUdpStatistics() *UdpStatistics {
	return &UdpStatistics{ConnectionID: NewConnectionID()}
}

// Start records the start time once; later calls are no-ops.
func (s *UdpStatistics) Start(nowMs int64) {
	s.StartTime.SetConditionally(nowMs, 0)
}

// End records the end time once, returning true for exactly one caller.
func (s *UdpStatistics) End(nowMs int64) bool {
	return s.EndTime.SetConditionally(nowMs, 0) == 0
}

// TcpStatusDetails aggregates TCP byte counts across all connections.
type TcpStatusDetails struct {
	BytesSent Counter
	BytesRecv Counter
}

// TcpSnapshot is one SnapView of the TCP aggregate.
type TcpSnapshot struct {
	BytesSent int64
	BytesRecv int64
}

// SnapView reads the aggregate, optionally zeroing the window since the last
// snap.
func (d *TcpStatusDetails) SnapView(clear bool) TcpSnapshot {
	return TcpSnapshot{
		BytesSent: d.BytesSent.Snap(clear),
		BytesRecv: d.BytesRecv.Snap(clear),
	}
}

// UdpStatusDetails aggregates UDP frame classification across all
// connections.
type UdpStatusDetails struct {
	BitsReceived     Counter
	SuccessfulFrames Counter
	DroppedFrames    Counter
	DuplicateFrames  Counter
	ErrorFrames      Counter
}

// UdpSnapshot is one SnapView of the UDP aggregate.
type UdpSnapshot struct {
	BitsReceived     int64
	SuccessfulFrames int64
	DroppedFrames    int64
	DuplicateFrames  int64
	ErrorFrames      int64
}

// SnapView reads the aggregate, optionally zeroing the window since the last
// snap.
func (d *UdpStatusDetails) SnapView(clear bool) UdpSnapshot {
	return UdpSnapshot{
		BitsReceived:     d.BitsReceived.Snap(clear),
		SuccessfulFrames: d.SuccessfulFrames.Snap(clear),
		DroppedFrames:    d.DroppedFrames.Snap(clear),
		DuplicateFrames:  d.DuplicateFrames.Snap(clear),
		ErrorFrames:      d.ErrorFrames.Snap(clear),
	}
}

// ConnectionStatusDetails counts connection outcomes across the process.
type ConnectionStatusDetails struct {
	ActiveConnections     Counter
	TotalConnections      Counter
	SuccessfulCompletions Counter
	ConnectionErrors      Counter // connections ended by a transport error
	ProtocolErrors        Counter // connections ended by a pattern violation
}

// ConnectionSnapshot is one SnapView of the connection outcome aggregate.
// ActiveConnections is a gauge and is never cleared.
type ConnectionSnapshot struct {
	ActiveConnections     int64
	TotalConnections      int64
	SuccessfulCompletions int64
	ConnectionErrors      int64
	ProtocolErrors        int64
}

// SnapView reads the aggregate, optionally zeroing the cleared window.
func (d *ConnectionStatusDetails) SnapView(clear bool) ConnectionSnapshot {
	return ConnectionSnapshot{
		ActiveConnections:     d.ActiveConnections.Value(),
		TotalConnections:      d.TotalConnections.Snap(clear),
		SuccessfulCompletions: d.SuccessfulCompletions.Snap(clear),
		ConnectionErrors:      d.ConnectionErrors.Snap(clear),
		ProtocolErrors:        d.ProtocolErrors.Snap(clear),
	}
}

// The process-wide aggregates.  These are package state by design: they are
// created once at load time and configuration can never re-create them.
var (
	Tcp         = &TcpStatusDetails{}
	Udp         = &UdpStatusDetails{}
	Connections = &ConnectionStatusDetails{}
)
