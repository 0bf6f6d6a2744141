// Package executor drives pattern engines over real sockets.  It owns all
// blocking and timing: the engine only ever describes tasks, and the
// executor performs them and reports completions back.
//
//  1. One dispatcher goroutine per connection pulls tasks from InitiateIo.
//  2. Dedicated send and recv workers perform the IO, so receives complete
//     in issue order as the pattern accounting requires.
//  3. Deferred tasks (timeOffsetMs > 0) sleep on the executor's clock
//     before being issued.
package executor

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"net"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/m-lab/trafficgen/config"
	"github.com/m-lab/trafficgen/pattern"
)

// statusGenericFailure reports transport errors that carry no errno.
const statusGenericFailure = uint32(1)

// isbSampleInterval is how many dispatcher rounds pass between TCP_INFO
// probes feeding the ideal-send-backlog hint.
const isbSampleInterval = 64

func statusFromError(err error) uint32 {
	if err == nil {
		return 0
	}
	var errno syscall.Errno
	if errors.As(err, &errno) {
		return uint32(errno)
	}
	return statusGenericFailure
}

// Run drives one TCP connection to completion.  It returns nil when the
// pattern reports CompletedIo and an error describing the latched failure
// otherwise.
func Run(nc *net.TCPConn, p *pattern.Pattern, clk clock.Clock) error {
	sendCh := make(chan pattern.Task, 64)
	recvCh := make(chan pattern.Task, 64)
	wake := make(chan struct{}, 1)

	// 0 = running, 1 = completed, 2 = failed.
	var final atomic.Int32
	signal := func(st pattern.IoStatus) {
		switch st {
		case pattern.CompletedIo:
			final.CompareAndSwap(0, 1)
		case pattern.FailedIo:
			final.CompareAndSwap(0, 2)
		}
		select {
		case wake <- struct{}{}:
		default:
		}
	}

	var workers sync.WaitGroup
	workers.Add(2)
	go func() {
		defer workers.Done()
		for t := range sendCh {
			if t.TimeOffsetMs > 0 {
				clk.Sleep(time.Duration(t.TimeOffsetMs) * time.Millisecond)
			}
			n, err := nc.Write(t.Buffer[t.BufferOffset : t.BufferOffset+t.BufferLength])
			signal(p.CompleteIo(t, uint32(n), statusFromError(err)))
		}
	}()
	go func() {
		defer workers.Done()
		for t := range recvCh {
			n, err := nc.Read(t.Buffer[t.BufferOffset : t.BufferOffset+t.BufferLength])
			if err == io.EOF {
				// The peer's FIN: report the zero-byte completion and let
				// the pattern decide whether it was expected.
				err = nil
			}
			signal(p.CompleteIo(t, uint32(n), statusFromError(err)))
		}
	}()

	sampleBacklog(nc, p)
	for rounds := 0; final.Load() == 0; rounds++ {
		if rounds%isbSampleInterval == isbSampleInterval-1 {
			sampleBacklog(nc, p)
		}
		t := p.InitiateIo()
		switch t.Action {
		case pattern.None:
			// Nothing to issue until some outstanding IO completes.
			<-wake

		case pattern.Send:
			sendCh <- t

		case pattern.Recv:
			recvCh <- t

		case pattern.GracefulShutdown:
			err := nc.CloseWrite()
			signal(p.CompleteIo(t, 0, statusFromError(err)))

		case pattern.HardShutdown:
			nc.SetLinger(0)
			err := nc.Close()
			signal(p.CompleteIo(t, 0, statusFromError(err)))

		case pattern.Abort, pattern.FatalAbort:
			nc.Close()
			signal(p.CompleteIo(t, 0, 0))
		}
	}

	// Unblock any worker still parked in a read or write, then drain.
	close(sendCh)
	close(recvCh)
	nc.Close()
	workers.Wait()

	if final.Load() == 2 {
		return patternFailure(p)
	}
	return nil
}

// sampleBacklog feeds the transport's send-queue hint to the engine where
// the platform can provide one.
func sampleBacklog(nc *net.TCPConn, p *pattern.Pattern) {
	if isb, err := idealSendBacklog(nc); err == nil && isb > 0 {
		p.SetIdealSendBacklog(isb)
	}
}

func patternFailure(p *pattern.Pattern) error {
	status := p.LastPatternError()
	if pattern.IsProtocolError(status) {
		return fmt.Errorf("connection %s: protocol error %s", p.ConnectionID(), pattern.ProtocolErrorString(status))
	}
	return fmt.Errorf("connection %s: transport error %d", p.ConnectionID(), status)
}

// RunClient dials the target and drives one client connection.  The pattern
// instance is returned for result reporting whether or not the run failed.
func RunClient(addr string, cfg *config.Settings, clk clock.Clock) (*pattern.Pattern, error) {
	p, err := pattern.NewWithClock(cfg, clk)
	if err != nil {
		return nil, err
	}
	nc, err := net.Dial("tcp", addr)
	if err != nil {
		return p, err
	}
	return p, Run(nc.(*net.TCPConn), p, clk)
}

// Serve accepts TCP connections until the context is canceled, driving each
// with a server-role pattern in its own goroutine.  onStart, when non-nil,
// is called as each connection begins; onDone with every finished one.
func Serve(ctx context.Context, lis *net.TCPListener, cfg *config.Settings, clk clock.Clock,
	onStart func(p *pattern.Pattern, remote net.Addr),
	onDone func(p *pattern.Pattern, remote net.Addr, err error)) error {
	// Settle defaults now so per-connection validation is read-only.
	if err := cfg.Validate(); err != nil {
		return err
	}
	go func() {
		<-ctx.Done()
		lis.Close()
	}()
	var handlers sync.WaitGroup
	defer handlers.Wait()
	for {
		nc, err := lis.AcceptTCP()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		handlers.Add(1)
		go func() {
			defer handlers.Done()
			p, err := pattern.NewWithClock(cfg, clk)
			if err != nil {
				log.Println("Could not build a pattern for", nc.RemoteAddr(), err)
				nc.Close()
				return
			}
			if onStart != nil {
				onStart(p, nc.RemoteAddr())
			}
			runErr := Run(nc, p, clk)
			if onDone != nil {
				onDone(p, nc.RemoteAddr(), runErr)
			}
		}()
	}
}
