package pattern

import (
	"testing"
)

// White-box tests for the protocol state machine, driving it directly with
// synthetic tasks.

func trackedTask(length uint32) *Task {
	return &Task{Action: Send, BufferLength: length, TrackIo: true}
}

func TestStateMachineClientSequence(t *testing.T) {
	m := newStateMachine(false, false, false, 100)

	if got := m.nextPatternType(); got != patternRecvConnectionId {
		t.Fatal("client must start by receiving the id:", got)
	}
	id := &Task{Action: Recv, BufferType: TcpConnectionIdBuffer, BufferLength: 4}
	m.notifyNextTask(id)
	if got := m.nextPatternType(); got != patternNoIo {
		t.Fatal("nothing to issue while the id is outstanding:", got)
	}
	if perr := m.completedTask(id, 4); perr != patternNoError {
		t.Fatal("id completion:", perr)
	}

	if got := m.nextPatternType(); got != patternMoreIo {
		t.Fatal("data phase should want IO:", got)
	}
	data := trackedTask(100)
	m.notifyNextTask(data)
	if got := m.nextPatternType(); got != patternNoIo {
		t.Fatal("budget is fully in flight:", got)
	}
	if perr := m.completedTask(data, 100); perr != patternNoError {
		t.Fatal("data completion:", perr)
	}

	if got := m.nextPatternType(); got != patternRecvCompletion {
		t.Fatal("client receives the completion message:", got)
	}
	done := &Task{Action: Recv, BufferType: CompletionMessageBuffer, BufferLength: 4}
	m.notifyNextTask(done)
	m.completedTask(done, 4)

	if got := m.nextPatternType(); got != patternGracefulShutdown {
		t.Fatal("graceful client shuts down gracefully:", got)
	}
	gs := &Task{Action: GracefulShutdown}
	m.notifyNextTask(gs)
	m.completedTask(gs, 0)

	if got := m.nextPatternType(); got != patternRequestFin {
		t.Fatal("graceful client awaits the FIN:", got)
	}
	fin := &Task{Action: Recv}
	m.notifyNextTask(fin)
	if perr := m.completedTask(fin, 0); perr != patternSuccessfullyCompleted {
		t.Fatal("zero-byte FIN should complete:", perr)
	}
	if !m.isCompleted() {
		t.Error("state machine not completed")
	}
}

func TestStateMachineServerSendsIdFirst(t *testing.T) {
	m := newStateMachine(true, false, false, 10)
	if got := m.nextPatternType(); got != patternSendConnectionId {
		t.Fatal("server must start by sending the id:", got)
	}
}

func TestStateMachineShortId(t *testing.T) {
	m := newStateMachine(false, false, false, 10)
	id := &Task{Action: Recv, BufferType: TcpConnectionIdBuffer, BufferLength: 4}
	m.nextPatternType()
	m.notifyNextTask(id)
	if perr := m.completedTask(id, 2); perr != patternTooFewBytes {
		t.Error("truncated id should be too few bytes:", perr)
	}
	if !m.isTerminal() {
		t.Error("short id should be terminal")
	}
}

func TestStateMachineBudgetAccounting(t *testing.T) {
	m := newStateMachine(false, false, true, 1000)
	id := &Task{Action: Recv, BufferType: TcpConnectionIdBuffer, BufferLength: 4}
	m.nextPatternType()
	m.notifyNextTask(id)
	m.completedTask(id, 4)

	if m.remainingTransfer() != 1000 {
		t.Fatal("untracked tasks must not consume budget")
	}
	a := trackedTask(600)
	m.notifyNextTask(a)
	if m.remainingTransfer() != 400 {
		t.Fatal("issue must reserve the full task length:", m.remainingTransfer())
	}
	b := trackedTask(400)
	m.notifyNextTask(b)
	if got := m.nextPatternType(); got != patternNoIo {
		t.Fatal("whole budget reserved; nothing to issue:", got)
	}

	// A short completion releases the difference back into the budget.
	m.completedTask(a, 500)
	if m.remainingTransfer() != 100 {
		t.Fatal("short completion should release budget:", m.remainingTransfer())
	}
	m.completedTask(b, 400)
	if got := m.nextPatternType(); got != patternMoreIo {
		t.Fatal("100 bytes still to transfer:", got)
	}

	c := trackedTask(100)
	m.notifyNextTask(c)
	m.completedTask(c, 100)
	if got := m.nextPatternType(); got != patternRecvCompletion {
		t.Fatal("transfer complete; client should recv completion:", got)
	}
}

func TestStateMachineRejectsOverdelivery(t *testing.T) {
	m := newStateMachine(false, false, false, 10)
	id := &Task{Action: Recv, BufferType: TcpConnectionIdBuffer, BufferLength: 4}
	m.nextPatternType()
	m.notifyNextTask(id)
	m.completedTask(id, 4)

	data := trackedTask(10)
	m.notifyNextTask(data)
	if perr := m.completedTask(data, 11); perr != patternTooManyBytes {
		t.Error("over-delivery should be too many bytes:", perr)
	}
}

func TestStateMachineZeroByteDataRecv(t *testing.T) {
	m := newStateMachine(true, false, false, 10)
	id := &Task{Action: Send, BufferType: TcpConnectionIdBuffer, BufferLength: 4}
	m.nextPatternType()
	m.notifyNextTask(id)
	m.completedTask(id, 4)

	data := &Task{Action: Recv, BufferLength: 10, TrackIo: true}
	m.notifyNextTask(data)
	if perr := m.completedTask(data, 0); perr != patternTooFewBytes {
		t.Error("a data-phase EOF is too few bytes:", perr)
	}
}

func TestStateMachineUdpSkipsIdExchange(t *testing.T) {
	m := newStateMachine(true, true, false, 100)
	if got := m.nextPatternType(); got != patternMoreIo {
		t.Fatal("udp starts directly in the data phase:", got)
	}
	data := trackedTask(100)
	m.notifyNextTask(data)
	if perr := m.completedTask(data, 100); perr != patternSuccessfullyCompleted {
		t.Fatal("udp completes with the last data byte:", perr)
	}
}
