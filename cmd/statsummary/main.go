// Main package in statsummary implements a command line tool that reads a
// connection results CSV and prints an aggregate summary.
package main

import (
	"fmt"
	"io"
	"log"
	"os"

	"github.com/m-lab/go/rtx"
	"github.com/m-lab/trafficgen/results"
)

func init() {
	// Always prepend the filename and line number.
	log.SetFlags(log.LstdFlags | log.Lshortfile)
}

var (
	// A variable to enable mocking for testing.
	logFatal = log.Fatal
)

type summary struct {
	Connections int
	Failed      int
	BytesSent   int64
	BytesRecv   int64
	Errors      map[string]int
}

func summarize(records []*results.Record) summary {
	s := summary{Errors: make(map[string]int)}
	for _, r := range records {
		s.Connections++
		s.BytesSent += r.BytesSent
		s.BytesRecv += r.BytesRecv
		if r.Failed() {
			s.Failed++
			s.Errors[r.Error]++
		}
	}
	return s
}

func printSummary(s summary, w io.Writer) {
	fmt.Fprintf(w, "connections: %d (%d failed)\n", s.Connections, s.Failed)
	fmt.Fprintf(w, "bytes sent:  %d\n", s.BytesSent)
	fmt.Fprintf(w, "bytes recv:  %d\n", s.BytesRecv)
	for err, count := range s.Errors {
		fmt.Fprintf(w, "  %4d x %s\n", count, err)
	}
}

func main() {
	args := os.Args[1:]

	var source io.ReadCloser
	var err error
	source = os.Stdin
	if len(args) == 1 {
		source, err = os.Open(args[0])
		rtx.Must(err, "Could not open file %q", args[0])
	} else if len(args) > 1 {
		logFatal("Too many command-line arguments.")
	}
	defer source.Close()

	records, err := results.Load(source)
	rtx.Must(err, "Could not read results")
	printSummary(summarize(records), os.Stdout)
}
