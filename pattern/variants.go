package pattern

import (
	"log"
	"math"
)

// maxTaskBytes caps a single task so 64-bit budgets survive the cast to the
// task's 32-bit length.
const maxTaskBytes = math.MaxInt32

func clampTaskBytes(v uint64) uint32 {
	if v > maxTaskBytes {
		return maxTaskBytes
	}
	return uint32(v)
}

// oneWayFlow is the data phase shared by Pull and Push: one side streams,
// the other keeps recvNeeded receives outstanding.  Which side is which is
// fixed at construction from the listening role.
type oneWayFlow struct {
	p       *Pattern
	sending bool

	recvNeeded uint32
}

func (f *oneWayFlow) nextTask() Task {
	if f.sending {
		length := f.p.nextTransferLength(0)
		if f.p.sendBytesInFlight+uint64(length) > f.p.idealSendBacklog {
			return Task{}
		}
		t := f.p.createTrackedTask(Send, 0)
		f.p.sendBytesInFlight += uint64(t.BufferLength)
		return t
	}
	if f.recvNeeded == 0 {
		return Task{}
	}
	f.recvNeeded--
	return f.p.createTrackedTask(Recv, 0)
}

func (f *oneWayFlow) completedTask(t *Task, completedBytes uint32) patternError {
	switch t.Action {
	case Send:
		f.p.tcpStats.BytesSent.Add(int64(completedBytes))
		f.p.sendBytesInFlight -= uint64(t.BufferLength)
	case Recv:
		f.p.tcpStats.BytesRecv.Add(int64(completedBytes))
		f.recvNeeded++
	}
	return patternNoError
}

// pullPattern: the server sends data, the client receives it.
type pullPattern struct {
	oneWayFlow
}

// pushPattern: the client sends data, the server receives it.
type pushPattern struct {
	oneWayFlow
}

// pushPullPattern alternates fixed-size segments between the directions.
// Exactly one task is outstanding at a time, so the flip from send to recv
// is precise.
type pushPullPattern struct {
	p       *Pattern
	sending bool

	intraSegmentTransfer uint32
	ioOutstanding        bool
}

// segmentSize is the active segment's length: the server's role is the
// inverse of the client's.
func (v *pushPullPattern) segmentSize() uint32 {
	if v.p.cfg.Listening != v.sending {
		return v.p.cfg.PushBytes
	}
	return v.p.cfg.PullBytes
}

func (v *pushPullPattern) nextTask() Task {
	segment := v.segmentSize()
	if v.intraSegmentTransfer >= segment {
		log.Panicf("pattern: pushpull intra-segment transfer %d at or past the segment size %d",
			v.intraSegmentTransfer, segment)
	}
	if v.ioOutstanding {
		return Task{}
	}
	v.ioOutstanding = true
	action := Recv
	if v.sending {
		action = Send
	}
	return v.p.createTrackedTask(action, segment-v.intraSegmentTransfer)
}

func (v *pushPullPattern) completedTask(t *Task, completedBytes uint32) patternError {
	switch t.Action {
	case Send:
		v.p.tcpStats.BytesSent.Add(int64(completedBytes))
	case Recv:
		v.p.tcpStats.BytesRecv.Add(int64(completedBytes))
	}

	v.ioOutstanding = false
	v.intraSegmentTransfer += completedBytes

	segment := v.segmentSize()
	if v.intraSegmentTransfer > segment {
		log.Panicf("pattern: pushpull intra-segment transfer %d past the segment size %d",
			v.intraSegmentTransfer, segment)
	}
	if v.intraSegmentTransfer == segment {
		v.sending = !v.sending
		v.intraSegmentTransfer = 0
	}
	return patternNoError
}

// duplexPattern runs both directions concurrently, each against half the
// budget.
type duplexPattern struct {
	p *Pattern

	remainingSendBytes uint64
	remainingRecvBytes uint64
	recvNeeded         uint32
}

func (v *duplexPattern) nextTask() Task {
	// Receives get priority so the peer's concurrent sends never stall.
	if v.remainingRecvBytes > 0 && v.recvNeeded > 0 {
		t := v.p.createTrackedTask(Recv, clampTaskBytes(v.remainingRecvBytes))
		// Assume the recv might fill its whole buffer; completion restores
		// the difference from the actual byte count.
		v.remainingRecvBytes -= uint64(t.BufferLength)
		v.recvNeeded--
		return t
	}

	if v.remainingSendBytes > 0 {
		length := v.p.nextTransferLength(clampTaskBytes(v.remainingSendBytes))
		if v.p.sendBytesInFlight+uint64(length) <= v.p.idealSendBacklog {
			t := v.p.createTrackedTask(Send, clampTaskBytes(v.remainingSendBytes))
			v.remainingSendBytes -= uint64(t.BufferLength)
			v.p.sendBytesInFlight += uint64(t.BufferLength)
			return t
		}
	}
	return Task{}
}

func (v *duplexPattern) completedTask(t *Task, completedBytes uint32) patternError {
	switch t.Action {
	case Send:
		v.p.tcpStats.BytesSent.Add(int64(completedBytes))
		v.p.sendBytesInFlight -= uint64(t.BufferLength)
		// Restore the over-subscription guard, then charge the actual.
		v.remainingSendBytes += uint64(t.BufferLength)
		v.remainingSendBytes -= uint64(completedBytes)
	case Recv:
		v.p.tcpStats.BytesRecv.Add(int64(completedBytes))
		v.recvNeeded++
		v.remainingRecvBytes += uint64(t.BufferLength)
		v.remainingRecvBytes -= uint64(completedBytes)
	}
	return patternNoError
}
