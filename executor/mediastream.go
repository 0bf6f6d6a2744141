package executor

import (
	"context"
	"log"
	"net"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/m-lab/trafficgen/config"
	"github.com/m-lab/trafficgen/pattern"
	"github.com/m-lab/trafficgen/wire"
)

// ServeMediaStream answers START messages on the UDP socket and streams
// frames back to each caller at the configured rate.  Each stream runs in
// its own goroutine with its own pattern instance.  onStart, when non-nil,
// is called as each stream begins; onDone with every finished one.
func ServeMediaStream(ctx context.Context, pc *net.UDPConn, cfg *config.Settings, clk clock.Clock,
	onStart func(p *pattern.Pattern, remote net.Addr),
	onDone func(p *pattern.Pattern, remote net.Addr, err error)) error {
	// Settle defaults now so per-connection validation is read-only.
	if err := cfg.Validate(); err != nil {
		return err
	}
	go func() {
		<-ctx.Done()
		pc.Close()
	}()

	buf := make([]byte, cfg.MaxBufferSize())
	for {
		n, raddr, err := pc.ReadFromUDP(buf)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		flag, _, clientID, err := wire.ParseDatagram(buf[:n])
		if err != nil || flag != wire.Start {
			log.Println("Ignoring a non-START datagram from", raddr, err)
			continue
		}
		go func(raddr *net.UDPAddr, clientID string) {
			p, err := pattern.NewWithClock(cfg, clk)
			if err != nil {
				log.Println("Could not build a stream pattern for", raddr, err)
				return
			}
			if onStart != nil {
				onStart(p, raddr)
			}
			streamErr := stream(pc, raddr, p, cfg, clk)
			log.Println("Stream for client", clientID, "to", raddr, "finished:", streamErr)
			if onDone != nil {
				onDone(p, raddr, streamErr)
			}
		}(raddr, clientID)
	}
}

// stream drives one media-stream pattern, translating its send tasks into
// sequenced datagrams.  Sends happen in task order on one goroutine; the
// schedule in each task's time offset provides the frame pacing.
func stream(pc *net.UDPConn, raddr *net.UDPAddr, p *pattern.Pattern, cfg *config.Settings, clk clock.Clock) error {
	datagram := make([]byte, uint32(wire.DataHeaderLength)+cfg.MaxBufferSize())
	var sentBytes uint64

	for {
		t := p.InitiateIo()
		switch t.Action {
		case pattern.None:
			// The server side of a stream only ever waits on its own sends,
			// so None means the pattern has nothing left to do.
			return nil

		case pattern.Send:
			if t.TimeOffsetMs > 0 {
				clk.Sleep(time.Duration(t.TimeOffsetMs) * time.Millisecond)
			}
			payload := t.Buffer[t.BufferOffset : t.BufferOffset+t.BufferLength]
			var n int
			if t.BufferType == pattern.UdpConnectionIdBuffer {
				n = copy(datagram, payload)
			} else {
				// Stamp the frame index this send belongs to.
				seq := uint32(sentBytes / uint64(cfg.FrameSizeBytes))
				n = wire.PutDataHeader(datagram, seq)
				n += copy(datagram[n:], payload)
			}
			_, err := pc.WriteToUDP(datagram[:n], raddr)
			if err == nil && t.TrackIo {
				sentBytes += uint64(t.BufferLength)
			}
			st := p.CompleteIo(t, t.BufferLength, statusFromError(err))
			if st == pattern.CompletedIo {
				return nil
			}
			if st == pattern.FailedIo {
				return patternFailure(p)
			}

		default:
			// The media-stream server issues only sends.
			if st := p.CompleteIo(t, 0, 0); st == pattern.FailedIo {
				return patternFailure(p)
			}
		}
	}
}
