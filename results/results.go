// Package results records one row per finished connection.
//  1. Sets up a channel that accepts Records from connection handlers.
//  2. A single writer goroutine marshals them to CSV, so handlers never
//     block on file IO and rows are never interleaved.
//  3. Every connection also gets one human-readable log line; failed ones
//     carry the error.
package results

import (
	"encoding/csv"
	"io"
	"log"
	"sync"

	"github.com/gocarina/gocsv"
	"github.com/m-lab/trafficgen/config"
	"github.com/m-lab/trafficgen/pattern"
)

// Record is one connection's outcome, one CSV row.
type Record struct {
	ConnectionID string `csv:"connection_id"`
	Protocol     string `csv:"protocol"`
	Pattern      string `csv:"pattern"`
	Local        string `csv:"local"`
	Remote       string `csv:"remote"`
	StartTimeMs  int64  `csv:"start_time_ms"`
	EndTimeMs    int64  `csv:"end_time_ms"`
	BytesSent    int64  `csv:"bytes_sent"`
	BytesRecv    int64  `csv:"bytes_recv"`
	Error        string `csv:"error"`
}

// Failed reports whether the connection ended in any error.
func (r *Record) Failed() bool {
	return r.Error != ""
}

// FromPattern summarises a finished pattern instance.
func FromPattern(p *pattern.Pattern, cfg *config.Settings, local, remote string) Record {
	r := Record{
		ConnectionID: p.ConnectionID(),
		Protocol:     cfg.Protocol.String(),
		Pattern:      cfg.Pattern.String(),
		Local:        local,
		Remote:       remote,
	}
	if tcp := p.TcpStatistics(); tcp != nil {
		r.StartTimeMs = tcp.StartTime.Value()
		r.EndTimeMs = tcp.EndTime.Value()
		r.BytesSent = tcp.BytesSent.Value()
		r.BytesRecv = tcp.BytesRecv.Value()
	} else if udp := p.UdpStatistics(); udp != nil {
		r.StartTimeMs = udp.StartTime.Value()
		r.EndTimeMs = udp.EndTime.Value()
		r.BytesSent = udp.BitsReceived.Value() / 8
	}
	if status := p.LastPatternError(); status != 0 {
		r.Error = pattern.ProtocolErrorString(status)
	}
	return r
}

// Log emits the one-per-connection result line; failures carry the error.
func (r *Record) Log() {
	if r.Failed() {
		log.Printf("Connection %s [%s -> %s] FAILED after %d sent / %d received bytes: %s",
			r.ConnectionID, r.Local, r.Remote, r.BytesSent, r.BytesRecv, r.Error)
		return
	}
	log.Printf("Connection %s [%s -> %s] completed: %d sent / %d received bytes",
		r.ConnectionID, r.Local, r.Remote, r.BytesSent, r.BytesRecv)
}

// Writer serialises Records to CSV from many connection handlers.
type Writer struct {
	// gocsv's channel marshaller wants a channel of interface{}.
	recordC chan interface{}
	done    sync.WaitGroup
	err     error
}

// NewWriter starts the writer goroutine.  Close flushes and reports any
// marshalling error.
func NewWriter(w io.Writer) *Writer {
	wr := &Writer{recordC: make(chan interface{}, 100)}
	wr.done.Add(1)
	go func() {
		defer wr.done.Done()
		wr.err = gocsv.MarshalChan(wr.recordC, gocsv.NewSafeCSVWriter(csv.NewWriter(w)))
	}()
	return wr
}

// Write queues one record.
func (w *Writer) Write(r Record) {
	w.recordC <- &r
}

// Close flushes all queued records and returns the first write error.
func (w *Writer) Close() error {
	close(w.recordC)
	w.done.Wait()
	return w.err
}

// Load reads back a results CSV, for summary tooling.
func Load(r io.Reader) ([]*Record, error) {
	var records []*Record
	if err := gocsv.Unmarshal(r, &records); err != nil {
		return nil, err
	}
	return records, nil
}
