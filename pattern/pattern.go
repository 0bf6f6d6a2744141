package pattern

import (
	"errors"
	"log"
	"math/rand"
	"sync"

	"github.com/benbjohnson/clock"
	"github.com/m-lab/trafficgen/config"
	"github.com/m-lab/trafficgen/metrics"
	"github.com/m-lab/trafficgen/pacing"
	"github.com/m-lab/trafficgen/payload"
	"github.com/m-lab/trafficgen/stats"
	"github.com/m-lab/trafficgen/wire"
)

// Errors returned by New.
var (
	ErrMediaStreamClient = errors.New("the media stream client pattern is not implemented")
)

// A variant supplies the data-phase behaviour that differs between IO
// patterns.  Both methods run under the connection lock.
type variant interface {
	// nextTask returns the next data-phase task, or a zero Task (action
	// None) when nothing can be issued right now.
	nextTask() Task
	// completedTask is the variant's bookkeeping for one successful
	// completion of a task it previously returned.
	completedTask(t *Task, completedBytes uint32) patternError
}

// Pattern is the engine for one connection.  It is passive: it never spawns
// goroutines, performs IO, or blocks.  All public methods serialise on an
// internal per-connection lock; across connections instances are fully
// independent.
type Pattern struct {
	mu  sync.Mutex
	clk clock.Clock
	cfg *config.Settings

	state   stateMachine
	variant variant

	tcpStats *stats.TcpStatistics
	udpStats *stats.UdpStatistics

	scheduler pacing.SendScheduler

	// connectionID doubles as the send source and recv destination for the
	// id exchange; completionBuf likewise for the completion message and
	// the final FIN probe.
	connectionID  []byte
	completionBuf []byte

	recvFree   [][]byte
	bufferSize uint32

	sendPatternOffset uint32
	recvPatternOffset uint32

	idealSendBacklog  uint64
	sendBytesInFlight uint64

	lastError       uint32 // statusIoRunning until something latches
	started         bool
	outcomeRecorded bool
}

// New builds the pattern instance for one connection from validated
// settings.
func New(cfg *config.Settings) (*Pattern, error) {
	return NewWithClock(cfg, clock.New())
}

// NewWithClock is New with an injected time source, for tests and for
// executors that already own a clock.
func NewWithClock(cfg *config.Settings, clk clock.Clock) (*Pattern, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	payload.Init(cfg.MaxBufferSize())

	seed := cfg.Seed
	if seed == 0 {
		seed = clk.Now().UnixNano()
	}
	rng := rand.New(rand.NewSource(seed))

	p := &Pattern{
		clk:              clk,
		cfg:              cfg,
		bufferSize:       cfg.SampleBufferSize(rng),
		scheduler:        pacing.Unpaced{},
		idealSendBacklog: uint64(cfg.IdealSendBacklog),
		lastError:        statusIoRunning,
	}
	if p.idealSendBacklog == 0 {
		p.idealSendBacklog = config.DefaultIdealSendBacklog
	}
	if cfg.BytesPerSecond > 0 {
		p.scheduler = pacing.NewRateLimiter(clk, cfg.BytesPerSecond, cfg.RatePeriodMs)
	} else if cfg.BurstCount > 0 {
		p.scheduler = pacing.NewBurst(cfg.BurstCount, cfg.BurstDelayMs)
	}

	transfer := cfg.SampleTransferSize(rng)
	hardShutdown := cfg.ResolveShutdown(rng) == config.Hard

	var recvCount uint32
	switch cfg.Pattern {
	case config.Pull:
		if !cfg.Listening {
			recvCount = cfg.PrePostRecvs
		}
		p.variant = &pullPattern{oneWayFlow{p: p, sending: cfg.Listening, recvNeeded: recvCount}}
	case config.Push:
		if cfg.Listening {
			recvCount = cfg.PrePostRecvs
		}
		p.variant = &pushPattern{oneWayFlow{p: p, sending: !cfg.Listening, recvNeeded: recvCount}}
	case config.PushPull:
		p.variant = &pushPullPattern{p: p, sending: !cfg.Listening}
		recvCount = 1
	case config.Duplex:
		// Split the budget evenly; an odd total rounds up so both halves
		// balance.
		if transfer%2 != 0 {
			transfer++
		}
		p.variant = &duplexPattern{
			p:                  p,
			remainingSendBytes: transfer / 2,
			remainingRecvBytes: transfer / 2,
			recvNeeded:         cfg.PrePostRecvs,
		}
		recvCount = cfg.PrePostRecvs
	case config.MediaStream:
		if !cfg.Listening {
			return nil, ErrMediaStreamClient
		}
		transfer = cfg.StreamTransferSize()
		p.variant = &mediaStreamServer{p: p}
		recvCount = 1
	}

	p.state = newStateMachine(cfg.Listening, cfg.Protocol == config.UDP, hardShutdown, transfer)

	if cfg.Protocol == config.UDP {
		p.udpStats = stats.NewUdpStatistics()
		p.connectionID = []byte(p.udpStats.ConnectionID)
	} else {
		p.tcpStats = stats.NewTcpStatistics()
		p.connectionID = []byte(p.tcpStats.ConnectionID)
	}
	p.completionBuf = []byte(wire.CompletionMessage)

	p.createRecvBuffers(recvCount)
	return p, nil
}

// createRecvBuffers builds the per-connection receive slot pool.  With
// -sharedbuffer every slot aliases the process-wide scratch region and
// verification must already have been rejected at config time.
func (p *Pattern) createRecvBuffers(recvCount uint32) {
	if recvCount == 0 {
		return
	}
	p.recvFree = make([][]byte, 0, recvCount)
	maxBuffer := payload.MaxBufferSize()
	if p.cfg.UseSharedBuffer {
		shared := payload.ReceiverPool()[:maxBuffer]
		for i := uint32(0); i < recvCount; i++ {
			p.recvFree = append(p.recvFree, shared)
		}
		return
	}
	container := make([]byte, uint64(maxBuffer)*uint64(recvCount))
	for i := uint32(0); i < recvCount; i++ {
		slot := container[uint64(i)*uint64(maxBuffer):]
		p.recvFree = append(p.recvFree, slot[:maxBuffer:maxBuffer])
	}
}

// AccessSharedBuffer exposes the shared send pool for executors that post
// sends referencing engine-owned memory directly.
func AccessSharedBuffer() []byte {
	return payload.SenderPool()
}

// ConnectionID returns this connection's 4-byte identifier.
func (p *Pattern) ConnectionID() string {
	return string(p.connectionID)
}

// TcpStatistics returns the per-connection TCP counters, or nil for UDP.
func (p *Pattern) TcpStatistics() *stats.TcpStatistics {
	return p.tcpStats
}

// UdpStatistics returns the per-connection UDP counters, or nil for TCP.
func (p *Pattern) UdpStatistics() *stats.UdpStatistics {
	return p.udpStats
}

// SetIdealSendBacklog updates the send-credit cap from a transport hint.
// When the configuration pinned a cap, hints are ignored.  A hint below the
// bytes already in flight simply stops new sends until in-flight drains
// below the new cap; nothing is cancelled.
func (p *Pattern) SetIdealSendBacklog(bytes uint64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.cfg.IdealSendBacklog == 0 && bytes > 0 {
		p.idealSendBacklog = bytes
	}
}

// LastPatternError returns the latched error: zero for a clean or still
// running connection, an OS status as reported by the executor, or one of
// the StatusError protocol codes.
func (p *Pattern) LastPatternError() uint32 {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.lastError == statusIoRunning {
		return 0
	}
	return p.lastError
}

// InitiateIo returns the next task for this connection.  A task with action
// None means nothing can be issued right now; the executor should call again
// after reporting a completion.
func (p *Pattern) InitiateIo() Task {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.startStatistics()

	var t Task
	switch p.state.nextPatternType() {
	case patternMoreIo:
		t = p.variant.nextTask()

	case patternNoIo:
		// Nothing to issue until a completion arrives.

	case patternSendConnectionId:
		t = Task{
			Action:       Send,
			Buffer:       p.connectionID,
			BufferLength: stats.ConnectionIDLength,
			BufferType:   TcpConnectionIdBuffer,
		}

	case patternRecvConnectionId:
		t = Task{
			Action:       Recv,
			Buffer:       p.connectionID,
			BufferLength: stats.ConnectionIDLength,
			BufferType:   TcpConnectionIdBuffer,
		}

	case patternSendCompletion:
		// End the time window as early as possible after the data IO.
		p.endStatistics()
		t = Task{
			Action:       Send,
			Buffer:       p.completionBuf,
			BufferLength: uint32(wire.CompletionMessageLength),
			BufferType:   CompletionMessageBuffer,
		}

	case patternRecvCompletion:
		p.endStatistics()
		t = Task{
			Action:       Recv,
			Buffer:       p.completionBuf,
			BufferLength: uint32(wire.CompletionMessageLength),
			BufferType:   CompletionMessageBuffer,
		}

	case patternHardShutdown:
		p.endStatistics()
		t = Task{Action: HardShutdown}

	case patternGracefulShutdown:
		p.endStatistics()
		t = Task{Action: GracefulShutdown}

	case patternRequestFin:
		// One final recv to observe the peer's zero-byte FIN.
		p.endStatistics()
		t = Task{
			Action:       Recv,
			Buffer:       p.completionBuf,
			BufferLength: uint32(wire.CompletionMessageLength),
			BufferType:   StaticBuffer,
		}
	}

	p.state.notifyNextTask(&t)
	metrics.TasksIssued.WithLabelValues(t.Action.String()).Inc()
	return t
}

// CompleteIo accepts the outcome of a previously issued task.  osStatus is
// zero for success or a transport-defined error code.  The return value
// tells the executor whether to keep driving the connection.
func (p *Pattern) CompleteIo(t Task, completedBytes uint32, osStatus uint32) IoStatus {
	p.mu.Lock()
	defer p.mu.Unlock()

	// Whether the task being completed was requested during the data phase;
	// only those completions are handed back to the variant.
	wasDataPhase := p.state.phase == phaseDataTransfer

	// Return a borrowed recv slot before anything can fail.
	if t.BufferType == DynamicBuffer && t.Action == Recv {
		p.recvFree = append(p.recvFree, t.Buffer)
	}

	switch t.Action {
	case None:
		// Completions of None tasks carry no information.

	case Abort:
		// Deliberate teardown with nothing to record.

	case FatalAbort:
		p.latch(StatusErrorNotAllDataTransferred)

	case GracefulShutdown, HardShutdown, Recv, Send:
		p.completeIoTask(&t, completedBytes, osStatus)
	}

	if t.Action != None && osStatus == 0 {
		p.accountBytes(&t, completedBytes)
		if wasDataPhase {
			p.latchPattern(p.variant.completedTask(&t, completedBytes))
		}
	}

	// Once the state machine verifies completion, latch success unless an
	// error got there first.
	if p.state.isCompleted() {
		p.latch(0)
		p.endStatistics()
	}
	if p.state.isTerminal() {
		p.recordOutcome()
	}
	return p.currentStatus()
}

// completeIoTask is the send/recv arm of CompleteIo.
func (p *Pattern) completeIoTask(t *Task, completedBytes uint32, osStatus uint32) {
	if t.BufferType == TcpConnectionIdBuffer || t.BufferType == CompletionMessageBuffer {
		// Control-plane exchange: never pattern-verified, never counted, but
		// the protocol state must advance, and a received completion message
		// must read DONE.
		if osStatus != 0 {
			p.latch(osStatus)
			return
		}
		perr := p.state.completedTask(t, completedBytes)
		p.latchPattern(perr)
		if perr == patternNoError &&
			t.BufferType == CompletionMessageBuffer &&
			t.Action == Recv &&
			string(t.Buffer[:wire.CompletionMessageLength]) != wire.CompletionMessage {
			metrics.ValidationFailures.Inc()
			p.latch(StatusErrorDataDidNotMatchBitPattern)
		}
		return
	}

	if osStatus != 0 {
		// A recv failing after the pattern finished is the cancellation of
		// the extra FIN probe; ignore it.
		if t.Action == Recv && p.state.isTerminal() {
			return
		}
		p.latch(osStatus)
		return
	}

	perr := p.state.completedTask(t, completedBytes)
	p.latchPattern(perr)

	if p.cfg.Protocol == config.TCP &&
		p.cfg.ShouldVerifyBuffers &&
		t.Action == Recv &&
		t.TrackIo &&
		(perr == patternNoError || perr == patternSuccessfullyCompleted) {
		if t.ExpectedPatternOffset != p.recvPatternOffset {
			log.Panicf("pattern: task expected offset %d does not match the connection's recv offset %d",
				t.ExpectedPatternOffset, p.recvPatternOffset)
		}
		received := t.Buffer[t.BufferOffset : t.BufferOffset+completedBytes]
		if idx, ok := payload.VerifyAt(p.recvPatternOffset, received); !ok {
			log.Printf("pattern: data corruption on connection %s: mismatch from expected pattern at offset %d of %d bytes",
				p.ConnectionID(), idx, completedBytes)
			metrics.ValidationFailures.Inc()
			p.latch(StatusErrorDataDidNotMatchBitPattern)
		}
		p.recvPatternOffset = (p.recvPatternOffset + completedBytes) % payload.PatternSize
	}
}

// accountBytes feeds the process-wide byte counters and prometheus with the
// bytes of tracked data tasks; control-plane exchanges are not counted.
func (p *Pattern) accountBytes(t *Task, completedBytes uint32) {
	if p.cfg.Protocol != config.TCP || !t.TrackIo {
		return
	}
	switch t.Action {
	case Send:
		stats.Tcp.BytesSent.Add(int64(completedBytes))
		metrics.BytesTransferred.WithLabelValues("sent").Add(float64(completedBytes))
	case Recv:
		stats.Tcp.BytesRecv.Add(int64(completedBytes))
		metrics.BytesTransferred.WithLabelValues("recv").Add(float64(completedBytes))
	}
}

// createTrackedTask returns a data task whose bytes count toward the
// transfer budget.  maxTransfer, when nonzero, caps the task below the
// connection's buffer size.
func (p *Pattern) createTrackedTask(action Action, maxTransfer uint32) Task {
	t := p.createNewTask(action, maxTransfer)
	t.TrackIo = true
	return t
}

// createUntrackedTask returns a data-shaped task excluded from the budget
// and from verification.
func (p *Pattern) createUntrackedTask(action Action, maxTransfer uint32) Task {
	t := p.createNewTask(action, maxTransfer)
	t.TrackIo = false
	return t
}

// nextTransferLength is the size the next data task would get: the buffer
// size, clipped to the remaining budget and the variant's cap.
func (p *Pattern) nextTransferLength(maxTransfer uint32) uint32 {
	next := uint64(p.bufferSize)
	if remaining := p.state.remainingTransfer(); remaining < next {
		next = remaining
	}
	if maxTransfer > 0 && uint64(maxTransfer) < next {
		next = uint64(maxTransfer)
	}
	return uint32(next)
}

func (p *Pattern) createNewTask(action Action, maxTransfer uint32) Task {
	length := p.nextTransferLength(maxTransfer)

	var t Task
	if action == Send {
		t.TimeOffsetMs = p.scheduler.NextSendDelay(length)
		if t.TimeOffsetMs > 0 {
			metrics.DelayedSends.Inc()
		}
		t.Action = Send
		t.BufferType = StaticBuffer
		t.Buffer = payload.SenderPool()
		t.BufferOffset = p.sendPatternOffset
		t.BufferLength = length

		// The offset advances at issue time so concurrent sends tile the
		// pattern contiguously on the wire.
		p.sendPatternOffset = (p.sendPatternOffset + length) % payload.PatternSize
		return t
	}

	t.Action = Recv
	t.BufferType = DynamicBuffer
	t.BufferOffset = 0 // always recv to the beginning of the slot
	t.BufferLength = length
	t.ExpectedPatternOffset = p.recvPatternOffset

	if len(p.recvFree) == 0 {
		log.Panicf("pattern: recv slot pool exhausted on connection %s", p.ConnectionID())
	}
	t.Buffer = p.recvFree[len(p.recvFree)-1]
	p.recvFree = p.recvFree[:len(p.recvFree)-1]
	return t
}

// latch records the first terminal status; later statuses are dropped.  A
// nonzero status also stops task generation.
func (p *Pattern) latch(status uint32) {
	if p.lastError != statusIoRunning {
		return
	}
	p.lastError = status
	if status != 0 {
		p.state.markErrored()
	}
}

// latchPattern maps a state-machine verdict onto the error band.
func (p *Pattern) latchPattern(perr patternError) {
	switch perr {
	case patternTooFewBytes:
		p.latch(StatusErrorNotAllDataTransferred)
	case patternTooManyBytes:
		p.latch(StatusErrorTooMuchDataTransferred)
	}
}

func (p *Pattern) currentStatus() IoStatus {
	switch {
	case p.lastError == statusIoRunning:
		return ContinueIo
	case p.lastError == 0:
		return CompletedIo
	default:
		return FailedIo
	}
}

// startStatistics stamps the start time at the first InitiateIo.
func (p *Pattern) startStatistics() {
	if p.started {
		return
	}
	p.started = true
	now := p.clk.Now().UnixMilli()
	if p.tcpStats != nil {
		p.tcpStats.Start(now)
	} else {
		p.udpStats.Start(now)
	}
	stats.Connections.ActiveConnections.Increment()
	stats.Connections.TotalConnections.Increment()
	metrics.ConnectionsStarted.WithLabelValues(p.cfg.Protocol.String()).Inc()
}

// endStatistics stamps the end time once; the winning caller publishes the
// connection's totals.
func (p *Pattern) endStatistics() {
	now := p.clk.Now().UnixMilli()
	if p.tcpStats != nil {
		if p.tcpStats.End(now) {
			p.publish(p.tcpStats.StartTime.Value(), now,
				p.tcpStats.BytesSent.Value()+p.tcpStats.BytesRecv.Value())
		}
	} else {
		if p.udpStats.End(now) {
			p.publish(p.udpStats.StartTime.Value(), now, p.udpStats.BitsReceived.Value()/8)
		}
	}
}

func (p *Pattern) publish(startMs, endMs, transferred int64) {
	metrics.ConnectionDurationHistogram.Observe(float64(endMs-startMs) / 1000)
	metrics.TransferSizeHistogram.Observe(float64(transferred))
}

// recordOutcome buckets the terminal state into the process aggregates,
// exactly once per connection.
func (p *Pattern) recordOutcome() {
	if p.outcomeRecorded {
		return
	}
	p.outcomeRecorded = true

	stats.Connections.ActiveConnections.Decrement()
	switch {
	case p.lastError == 0 || p.lastError == statusIoRunning:
		stats.Connections.SuccessfulCompletions.Increment()
		metrics.ConnectionsCompleted.WithLabelValues("success").Inc()
	case IsProtocolError(p.lastError):
		stats.Connections.ProtocolErrors.Increment()
		metrics.ConnectionsCompleted.WithLabelValues("protocol_error").Inc()
	default:
		stats.Connections.ConnectionErrors.Increment()
		metrics.ConnectionsCompleted.WithLabelValues("os_error").Inc()
	}
}
