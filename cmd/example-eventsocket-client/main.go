// example-eventsocket-client is a minimal reference implementation of a
// trafficgen eventsocket client.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"

	"github.com/m-lab/go/flagx"
	"github.com/m-lab/go/rtx"
	"github.com/m-lab/trafficgen/eventsocket"
)

var (
	mainCtx, mainCancel = context.WithCancel(context.Background())
)

// handler implements the eventsocket.Handler interface.
type handler struct {
	events chan eventsocket.TrafficEvent
}

// Started is called synchronously and blocks for every connection start.
func (h *handler) Started(ctx context.Context, event eventsocket.TrafficEvent) {
	log.Println("started ", event.ConnectionID, event.Local, "->", event.Remote)
	h.events <- event
}

// Finished is called single-threaded and blocking for every finished
// connection.
func (h *handler) Finished(ctx context.Context, event eventsocket.TrafficEvent) {
	log.Println("finished", event.ConnectionID, event.BytesSent, "sent", event.BytesRecv, "recv", event.Error)
}

// ProcessStartEvents reads and processes events received by the started
// handler.
func (h *handler) ProcessStartEvents(ctx context.Context) {
	for {
		select {
		case e := <-h.events:
			log.Println("processing", e)
		case <-ctx.Done():
			log.Println("shutdown")
			return
		}
	}
}

func main() {
	flag.Parse()
	rtx.Must(flagx.ArgsFromEnv(flag.CommandLine), "Could not get args from environment variables")
	defer mainCancel()

	if *eventsocket.Filename == "" {
		panic("-trafficgen.eventsocket path is required")
	}

	h := &handler{events: make(chan eventsocket.TrafficEvent)}

	// Process events received by the eventsocket handler. The goroutine will
	// block until a start event occurs.
	go h.ProcessStartEvents(mainCtx)

	// Begin listening on the eventsocket for new events, and dispatch them to
	// the given handler.
	go eventsocket.MustRun(mainCtx, *eventsocket.Filename, h)

	<-mainCtx.Done()
	fmt.Println("ok")
}
