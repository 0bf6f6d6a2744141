package pattern

import (
	"github.com/m-lab/trafficgen/stats"
	"github.com/m-lab/trafficgen/wire"
)

// patternType is the abstract next action the state machine wants issued.
type patternType int

const (
	patternMoreIo = patternType(iota)
	patternNoIo
	patternSendConnectionId
	patternRecvConnectionId
	patternSendCompletion
	patternRecvCompletion
	patternGracefulShutdown
	patternHardShutdown
	patternRequestFin
)

// patternError is the state machine's verdict on one completed task.
type patternError int

const (
	patternNoError = patternError(iota)
	patternSuccessfullyCompleted
	patternTooFewBytes
	patternTooManyBytes
)

// phase is the position within the per-connection protocol.  The *Pending
// phases have decided what must be issued next; the *Outstanding phases are
// waiting for that task's completion.
type phase int

const (
	phaseInitialize = phase(iota)
	phaseIdOutstanding
	phaseDataTransfer
	phaseCompletionPending
	phaseCompletionOutstanding
	phaseShutdownPending
	phaseShutdownOutstanding
	phaseFinPending
	phaseFinOutstanding
	phaseCompleted
	phaseErrored
)

// stateMachine tracks the protocol handshake, the data phase, and the
// shutdown phase for one connection.  It is driven entirely by the engine
// under the connection lock and does its accounting in whole tasks: bytes
// are reserved when a tracked task is issued and reconciled when it
// completes.
type stateMachine struct {
	server       bool
	udp          bool
	hardShutdown bool // client discipline; servers always await the FIN

	maxTransfer uint64
	confirmed   uint64 // tracked bytes completed
	inflight    uint64 // tracked bytes issued but not yet completed

	phase phase
}

func newStateMachine(server, udp, hardShutdown bool, maxTransfer uint64) stateMachine {
	m := stateMachine{
		server:       server,
		udp:          udp,
		hardShutdown: hardShutdown,
		maxTransfer:  maxTransfer,
		phase:        phaseInitialize,
	}
	// The media stream has no up-front id exchange in the TCP sense; its
	// variant opens the conversation itself.
	if udp {
		m.phase = phaseDataTransfer
	}
	return m
}

// remainingTransfer is the tracked byte budget still unissued.
func (m *stateMachine) remainingTransfer() uint64 {
	return m.maxTransfer - m.confirmed - m.inflight
}

// isCompleted reports successful completion.
func (m *stateMachine) isCompleted() bool {
	return m.phase == phaseCompleted
}

// isTerminal reports that no further IO will be requested, success or not.
func (m *stateMachine) isTerminal() bool {
	return m.phase == phaseCompleted || m.phase == phaseErrored
}

// markErrored stops all further task generation.
func (m *stateMachine) markErrored() {
	m.phase = phaseErrored
}

// nextPatternType returns what InitiateIo must produce right now.  It does
// not change state; notifyNextTask records the issue.
func (m *stateMachine) nextPatternType() patternType {
	switch m.phase {
	case phaseInitialize:
		if m.server {
			return patternSendConnectionId
		}
		return patternRecvConnectionId
	case phaseDataTransfer:
		if m.confirmed+m.inflight < m.maxTransfer {
			return patternMoreIo
		}
		return patternNoIo
	case phaseCompletionPending:
		if m.server {
			return patternSendCompletion
		}
		return patternRecvCompletion
	case phaseShutdownPending:
		if m.hardShutdown {
			return patternHardShutdown
		}
		return patternGracefulShutdown
	case phaseFinPending:
		return patternRequestFin
	}
	// All *Outstanding phases and the terminal phases.
	return patternNoIo
}

// notifyNextTask records that a task built from nextPatternType was handed to
// the executor.
func (m *stateMachine) notifyNextTask(t *Task) {
	if t.TrackIo {
		m.inflight += uint64(t.BufferLength)
	}
	switch m.phase {
	case phaseInitialize:
		if t.BufferType == TcpConnectionIdBuffer {
			m.phase = phaseIdOutstanding
		}
	case phaseCompletionPending:
		if t.BufferType == CompletionMessageBuffer {
			m.phase = phaseCompletionOutstanding
		}
	case phaseShutdownPending:
		if t.Action == GracefulShutdown || t.Action == HardShutdown {
			m.phase = phaseShutdownOutstanding
		}
	case phaseFinPending:
		if t.Action == Recv {
			m.phase = phaseFinOutstanding
		}
	}
}

// completedTask reconciles one successful completion against the protocol.
// OS failures never reach here; the engine latches those directly.
func (m *stateMachine) completedTask(t *Task, completedBytes uint32) patternError {
	switch m.phase {
	case phaseIdOutstanding:
		if completedBytes != stats.ConnectionIDLength {
			m.phase = phaseErrored
			return patternTooFewBytes
		}
		m.phase = phaseDataTransfer
		return patternNoError

	case phaseDataTransfer:
		if !t.TrackIo {
			return patternNoError
		}
		m.inflight -= uint64(t.BufferLength)
		if completedBytes == 0 {
			// The peer closed or stalled before the transfer finished.
			m.phase = phaseErrored
			return patternTooFewBytes
		}
		if completedBytes > t.BufferLength {
			m.phase = phaseErrored
			return patternTooManyBytes
		}
		m.confirmed += uint64(completedBytes)
		if m.confirmed > m.maxTransfer {
			m.phase = phaseErrored
			return patternTooManyBytes
		}
		if m.confirmed == m.maxTransfer && m.inflight == 0 {
			if m.udp {
				m.phase = phaseCompleted
				return patternSuccessfullyCompleted
			}
			m.phase = phaseCompletionPending
		}
		return patternNoError

	case phaseCompletionOutstanding:
		if completedBytes > uint32(wire.CompletionMessageLength) {
			m.phase = phaseErrored
			return patternTooManyBytes
		}
		if completedBytes < uint32(wire.CompletionMessageLength) {
			m.phase = phaseErrored
			return patternTooFewBytes
		}
		if m.server {
			m.phase = phaseFinPending
		} else {
			m.phase = phaseShutdownPending
		}
		return patternNoError

	case phaseShutdownOutstanding:
		if m.hardShutdown {
			m.phase = phaseCompleted
			return patternSuccessfullyCompleted
		}
		m.phase = phaseFinPending
		return patternNoError

	case phaseFinOutstanding:
		if completedBytes != 0 {
			// Anything riding on the FIN is data past the protocol's end.
			m.phase = phaseErrored
			return patternTooManyBytes
		}
		m.phase = phaseCompleted
		return patternSuccessfullyCompleted

	case phaseCompleted:
		return patternSuccessfullyCompleted
	}
	return patternNoError
}
