package pattern

import (
	"github.com/m-lab/trafficgen/stats"
	"github.com/m-lab/trafficgen/wire"
)

// serverStreamState sequences the media-stream server: announce the
// connection id, stamp the stream's base time, then emit frames on schedule.
type serverStreamState int

const (
	streamNotStarted = serverStreamState(iota)
	streamIdSent
	streamIoStarted
)

// mediaStreamServer emits one frame of frameSizeBytes every 1000/fps
// milliseconds, as Send tasks scheduled against the stream's base time.
// Frames larger than the connection's buffer size go out in multiple sends.
type mediaStreamServer struct {
	p *Pattern

	state      serverStreamState
	baseTimeMs int64

	currentFrame          uint32
	currentFrameRequested uint32
	currentFrameCompleted uint32
}

func (v *mediaStreamServer) nextTask() Task {
	switch v.state {
	case streamNotStarted:
		// Borrow the one writable recv slot and rewrite it into the START
		// message announcing our connection id; the executor sends it.
		t := v.p.createUntrackedTask(Recv, uint32(wire.StartMessageLength))
		t.Action = Send
		t.BufferType = UdpConnectionIdBuffer
		t.BufferLength = uint32(wire.PutStartMessage(t.Buffer, v.p.ConnectionID()))
		v.state = streamIdSent
		return t

	case streamIdSent:
		v.baseTimeMs = v.p.clk.Now().UnixMilli()
		v.state = streamIoStarted
		fallthrough

	case streamIoStarted:
		if v.currentFrameRequested < v.p.cfg.FrameSizeBytes {
			t := v.p.createTrackedTask(Send, v.p.cfg.FrameSizeBytes-v.currentFrameRequested)
			// Each frame is due a fixed interval after the stream started;
			// anything already past due goes out immediately.
			due := v.baseTimeMs + int64(v.currentFrame)*1000/int64(v.p.cfg.FramesPerSecond)
			if offset := due - v.p.clk.Now().UnixMilli(); offset > 0 {
				t.TimeOffsetMs = offset
			}
			v.currentFrameRequested += t.BufferLength
			return t
		}
	}
	return Task{}
}

func (v *mediaStreamServer) completedTask(t *Task, completedBytes uint32) patternError {
	if t.BufferType == UdpConnectionIdBuffer {
		return patternNoError
	}

	bits := int64(completedBytes) * 8
	stats.Udp.BitsReceived.Add(bits)
	v.p.udpStats.BitsReceived.Add(bits)

	v.currentFrameCompleted += completedBytes
	if v.currentFrameCompleted == v.p.cfg.FrameSizeBytes {
		v.currentFrame++
		v.currentFrameRequested = 0
		v.currentFrameCompleted = 0
	}
	return patternNoError
}
