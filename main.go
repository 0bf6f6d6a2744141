// The trafficgen binary drives many concurrent connections between a client
// and a server, producing data at configurable rates and verifying the
// integrity of every byte transferred.
package main

import (
	"context"
	"flag"
	"log"
	"net"
	"os"
	"os/signal"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/m-lab/go/flagx"
	"github.com/m-lab/go/prometheusx"
	"github.com/m-lab/go/rtx"

	"github.com/m-lab/trafficgen/config"
	"github.com/m-lab/trafficgen/eventsocket"
	"github.com/m-lab/trafficgen/executor"
	"github.com/m-lab/trafficgen/pattern"
	"github.com/m-lab/trafficgen/results"
	"github.com/m-lab/trafficgen/stats"
)

func init() {
	// Always prepend the filename and line number.
	log.SetFlags(log.LstdFlags | log.Lshortfile)
}

var (
	listenAddr  = flag.String("listen", "", "Run as a server on this address, e.g. ':4433'.")
	target      = flag.String("target", "", "Run as a client against this server address.")
	connections = flag.Int("connections", 1, "Concurrent client connections to drive.")

	protocolName = flag.String("protocol", "tcp", "tcp or udp")
	patternName  = flag.String("pattern", "push", "pull, push, pushpull, duplex or mediastream")
	shutdownName = flag.String("shutdown", "graceful", "graceful, hard or random client shutdown")

	bufferSize     = flag.Uint("buffer", 1<<16, "Bytes per IO.")
	bufferSizeHigh = flag.Uint("buffer.high", 0, "If set, bytes per IO are drawn from [buffer, buffer.high] per connection.")
	transferSize   = flag.Uint64("transfer", 0x40000000, "Total bytes per connection.")
	transferHigh   = flag.Uint64("transfer.high", 0, "If set, total bytes are drawn from [transfer, transfer.high] per connection.")
	prePostRecvs   = flag.Uint("prepostrecvs", 0, "Receives to keep outstanding (default 1 for tcp, 2 for udp).")
	sendBacklog    = flag.Uint("idealsendbacklog", 0, "Cap on outstanding send bytes (0 follows the transport hint).")
	pushBytes      = flag.Uint("pushbytes", 0, "PushPull push segment size.")
	pullBytes      = flag.Uint("pullbytes", 0, "PushPull pull segment size.")
	burstCount     = flag.Uint("burstcount", 0, "Sends admitted per burst.")
	burstDelay     = flag.Int64("burstdelay", 0, "Milliseconds between bursts.")
	bytesPerSecond = flag.Int64("rate", 0, "Send rate limit in bytes per second.")
	ratePeriod     = flag.Int64("rateperiod", 100, "Rate-limit quantum in milliseconds.")
	verifyBuffers  = flag.Bool("verify", true, "Verify received data against the canonical pattern.")
	sharedBuffer   = flag.Bool("sharedbuffer", false, "All receives share one buffer (requires -verify=false).")
	seed           = flag.Int64("seed", 0, "Seed for per-connection randomness (0 = time-based).")

	framesPerSecond = flag.Uint("mediastream.fps", 60, "UDP frames per second.")
	frameSize       = flag.Uint("mediastream.framesize", 1400, "UDP frame size in bytes.")
	streamLength    = flag.Uint("mediastream.seconds", 60, "UDP stream length in seconds.")
	bufferDepth     = flag.Uint("mediastream.bufferdepth", 1, "Client-side buffering in seconds.")

	resultsFile    = flag.String("results", "", "Write per-connection results CSV to this file.")
	statusInterval = flag.Duration("status.interval", 5*time.Second, "Interval between status lines (0 disables).")

	mainCtx, mainCancel = signal.NotifyContext(context.Background(), os.Interrupt)
)

func settingsFromFlags() *config.Settings {
	cfg := &config.Settings{
		Listening:           *listenAddr != "",
		BufferSize:          uint32(*bufferSize),
		BufferSizeHigh:      uint32(*bufferSizeHigh),
		TransferSize:        *transferSize,
		TransferSizeHigh:    *transferHigh,
		PrePostRecvs:        uint32(*prePostRecvs),
		IdealSendBacklog:    uint32(*sendBacklog),
		PushBytes:           uint32(*pushBytes),
		PullBytes:           uint32(*pullBytes),
		BurstCount:          uint32(*burstCount),
		BurstDelayMs:        *burstDelay,
		BytesPerSecond:      *bytesPerSecond,
		RatePeriodMs:        *ratePeriod,
		ShouldVerifyBuffers: *verifyBuffers,
		UseSharedBuffer:     *sharedBuffer,
		Seed:                *seed,
		FramesPerSecond:     uint32(*framesPerSecond),
		FrameSizeBytes:      uint32(*frameSize),
		StreamLengthSeconds: uint32(*streamLength),
		BufferDepthSeconds:  uint32(*bufferDepth),
	}
	switch *protocolName {
	case "tcp":
		cfg.Protocol = config.TCP
	case "udp":
		cfg.Protocol = config.UDP
	default:
		log.Fatal("Unknown protocol ", *protocolName)
	}
	var err error
	cfg.Pattern, err = config.ParseIOPattern(*patternName)
	rtx.Must(err, "Bad -pattern")
	cfg.Shutdown, err = config.ParseShutdown(*shutdownName)
	rtx.Must(err, "Bad -shutdown")
	rtx.Must(cfg.Validate(), "Bad configuration")
	return cfg
}

// printStatus logs one line per interval with the delta since the last one.
func printStatus(ctx context.Context, cfg *config.Settings) {
	ticker := time.NewTicker(*statusInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		conns := stats.Connections.SnapView(true)
		if cfg.Protocol == config.UDP {
			udp := stats.Udp.SnapView(true)
			log.Printf("status: %d active conns; %d bits streamed; frames ok/drop/dup/err %d/%d/%d/%d",
				conns.ActiveConnections, udp.BitsReceived,
				udp.SuccessfulFrames, udp.DroppedFrames, udp.DuplicateFrames, udp.ErrorFrames)
			continue
		}
		tcp := stats.Tcp.SnapView(true)
		log.Printf("status: %d active conns (%d done, %d failed); sent %d bytes, recv %d bytes",
			conns.ActiveConnections,
			conns.SuccessfulCompletions, conns.ConnectionErrors+conns.ProtocolErrors,
			tcp.BytesSent, tcp.BytesRecv)
	}
}

func main() {
	flag.Parse()
	rtx.Must(flagx.ArgsFromEnv(flag.CommandLine), "Could not get args from environment variables")
	defer mainCancel()

	if (*listenAddr == "") == (*target == "") {
		log.Fatal("Exactly one of -listen and -target is required.")
	}
	cfg := settingsFromFlags()
	clk := clock.New()

	promSrv := prometheusx.MustServeMetrics()
	defer promSrv.Shutdown(mainCtx)

	// Optional per-connection results CSV.
	var writer *results.Writer
	if *resultsFile != "" {
		f, err := os.Create(*resultsFile)
		rtx.Must(err, "Could not create the results file %q", *resultsFile)
		writer = results.NewWriter(f)
		defer func() {
			rtx.Must(writer.Close(), "Could not flush results")
			f.Close()
		}()
	}

	// Optional connection event feed.
	events := eventsocket.NullServer()
	if *eventsocket.Filename != "" {
		events = eventsocket.New(*eventsocket.Filename)
		rtx.Must(events.Listen(), "Could not listen on the event socket")
		go events.Serve(mainCtx)
	}

	if *statusInterval > 0 {
		go printStatus(mainCtx, cfg)
	}

	finish := func(p *pattern.Pattern, local, remote string, err error) {
		if err != nil {
			log.Println("Connection error:", err)
		}
		record := results.FromPattern(p, cfg, local, remote)
		record.Log()
		if writer != nil {
			writer.Write(record)
		}
		events.ConnectionFinished(time.Now(), eventsocket.TrafficEvent{
			ConnectionID: record.ConnectionID,
			Local:        record.Local,
			Remote:       record.Remote,
			BytesSent:    record.BytesSent,
			BytesRecv:    record.BytesRecv,
			Error:        record.Error,
		})
	}

	if cfg.Listening {
		started := func(p *pattern.Pattern, remote net.Addr) {
			events.ConnectionStarted(time.Now(), p.ConnectionID(), *listenAddr, remote.String())
		}
		if cfg.Protocol == config.UDP {
			addr, err := net.ResolveUDPAddr("udp", *listenAddr)
			rtx.Must(err, "Could not resolve %q", *listenAddr)
			pc, err := net.ListenUDP("udp", addr)
			rtx.Must(err, "Could not listen on %q", *listenAddr)
			log.Println("Streaming to clients from", pc.LocalAddr())
			rtx.Must(executor.ServeMediaStream(mainCtx, pc, cfg, clk, started, func(p *pattern.Pattern, remote net.Addr, err error) {
				finish(p, pc.LocalAddr().String(), remote.String(), err)
			}), "Media stream server failed")
			return
		}
		addr, err := net.ResolveTCPAddr("tcp", *listenAddr)
		rtx.Must(err, "Could not resolve %q", *listenAddr)
		lis, err := net.ListenTCP("tcp", addr)
		rtx.Must(err, "Could not listen on %q", *listenAddr)
		log.Println("Serving connections on", lis.Addr())
		rtx.Must(executor.Serve(mainCtx, lis, cfg, clk, started, func(p *pattern.Pattern, remote net.Addr, err error) {
			finish(p, lis.Addr().String(), remote.String(), err)
		}), "Server failed")
		return
	}

	// Client: drive the requested number of concurrent connections.
	var wg sync.WaitGroup
	for i := 0; i < *connections; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			p, err := executor.RunClient(*target, cfg, clk)
			if p == nil {
				log.Println("Could not start a connection:", err)
				return
			}
			finish(p, "", *target, err)
		}()
	}
	wg.Wait()
}
