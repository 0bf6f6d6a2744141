package results_test

import (
	"bytes"
	"strings"
	"testing"

	"github.com/benbjohnson/clock"
	"github.com/go-test/deep"
	"github.com/m-lab/go/rtx"
	"github.com/m-lab/trafficgen/config"
	"github.com/m-lab/trafficgen/pattern"
	"github.com/m-lab/trafficgen/results"
)

func TestWriterRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	w := results.NewWriter(&buf)
	want := []results.Record{
		{ConnectionID: "ab12", Protocol: "tcp", Pattern: "push", Local: "1.1.1.1:1", Remote: "2.2.2.2:2", BytesSent: 100},
		{ConnectionID: "cd34", Protocol: "tcp", Pattern: "pull", BytesRecv: 200, Error: "NotAllDataTransferred"},
	}
	for _, r := range want {
		w.Write(r)
	}
	rtx.Must(w.Close(), "Could not close the writer")

	got, err := results.Load(strings.NewReader(buf.String()))
	rtx.Must(err, "Could not load records back")
	if len(got) != len(want) {
		t.Fatal("wrong record count:", len(got))
	}
	for i := range want {
		if diff := deep.Equal(*got[i], want[i]); diff != nil {
			t.Errorf("record %d: %v", i, diff)
		}
	}
	if got[0].Failed() || !got[1].Failed() {
		t.Error("Failed() misclassifies records")
	}
}

func TestFromPattern(t *testing.T) {
	cfg := &config.Settings{
		Protocol:            config.TCP,
		Pattern:             config.Push,
		BufferSize:          10,
		TransferSize:        10,
		ShouldVerifyBuffers: true,
		Shutdown:            config.Hard,
		Seed:                1,
	}
	p, err := pattern.NewWithClock(cfg, clock.NewMock())
	rtx.Must(err, "Could not build a pattern")

	// Drive the full hard-shutdown client exchange.
	id := p.InitiateIo()
	p.CompleteIo(id, 4, 0)
	data := p.InitiateIo()
	p.CompleteIo(data, 10, 0)
	done := p.InitiateIo()
	p.CompleteIo(done, 4, 0)
	hs := p.InitiateIo()
	if st := p.CompleteIo(hs, 0, 0); st != pattern.CompletedIo {
		t.Fatal("connection did not complete:", st)
	}

	r := results.FromPattern(p, cfg, "1.2.3.4:100", "5.6.7.8:200")
	if r.ConnectionID != p.ConnectionID() {
		t.Error("wrong connection id:", r.ConnectionID)
	}
	if r.BytesSent != 10 || r.BytesRecv != 0 {
		t.Error("wrong byte counts:", r.BytesSent, r.BytesRecv)
	}
	if r.Failed() {
		t.Error("clean connection reported as failed:", r.Error)
	}
}
