package eventsocket

import (
	"bufio"
	"context"
	"encoding/json"
	"log"
	"net"
	"os"
	"testing"
	"time"

	"github.com/go-test/deep"
	"github.com/m-lab/go/rtx"
)

func TestServer(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	dir, err := os.MkdirTemp("", "TestEventSocketServer")
	rtx.Must(err, "Could not create tempdir")
	defer os.RemoveAll(dir)

	srv := New(dir + "/trafficevents.sock").(*server)
	srv.Listen()
	go srv.Serve(ctx)
	log.Println("About to dial")
	c, err := net.Dial("unix", dir+"/trafficevents.sock")
	rtx.Must(err, "Could not open UNIX domain socket")

	// Busy wait until the server has registered the client.
	for {
		srv.mutex.Lock()
		length := len(srv.clients)
		srv.mutex.Unlock()
		if length > 0 {
			break
		}
	}

	// Send an event on the server, to cause the client to be notified by the server.
	before := time.Now()
	srv.ConnectionStarted(time.Now(), "ab3f", "127.0.0.1:5000", "127.0.0.1:6000")
	r := bufio.NewScanner(c)
	if !r.Scan() {
		t.Error("Should have been able to scan until the next newline, but couldn't")
	}
	var event TrafficEvent
	rtx.Must(json.Unmarshal(r.Bytes(), &event), "Could not unmarshall")
	after := time.Now()
	if before.After(event.Timestamp) || after.Before(event.Timestamp) {
		t.Error("It should be true that", before, "<", event.Timestamp, "<", after)
	}
	event.Timestamp = time.Time{}
	want := TrafficEvent{
		Event:        Started,
		ConnectionID: "ab3f",
		Local:        "127.0.0.1:5000",
		Remote:       "127.0.0.1:6000",
	}
	if diff := deep.Equal(event, want); diff != nil {
		t.Error("Event differed from expected:", diff)
	}

	// A finished event carries the connection's result.
	srv.ConnectionFinished(time.Now(), TrafficEvent{
		ConnectionID: "ab3f",
		BytesSent:    1024,
		Error:        "NotAllDataTransferred",
	})
	if !r.Scan() {
		t.Error("Should have been able to scan until the next newline, but couldn't")
	}
	rtx.Must(json.Unmarshal(r.Bytes(), &event), "Could not unmarshall")
	if event.Event != Finished || event.BytesSent != 1024 || event.Error != "NotAllDataTransferred" {
		t.Error("Wrong finished event:", event)
	}

	// Close down the client. When the server next tries to send something to
	// the client, the client should get removed from the set of active
	// clients.
	c.Close()

	// Now verify some internal error handling:
	srv.eventC <- nil
	srv.removeClient(nil)
	// No SIGSEGV == success!
	srv.sendToAllListeners("this should trigger the client removal machinery")
}

func TestNullServer(t *testing.T) {
	srv := NullServer()
	rtx.Must(srv.Listen(), "Null server could not listen")
	rtx.Must(srv.Serve(context.Background()), "Null server could not serve")
	srv.ConnectionStarted(time.Now(), "0000", "", "")
	srv.ConnectionFinished(time.Now(), TrafficEvent{})
	// No-ops all succeeded.
}
