// Package wire defines the small amount of framing the traffic protocol puts
// on the wire: the fixed control tokens every TCP connection exchanges, and
// the datagram header used by the UDP media stream.
//
// Datagram header layout (little-endian):
//
//	flag(2)  0x0001=START  0x0002=DATA
//	seq(4)   frame index, DATA only
//
// A START message carries the sender's connection identifier instead of a
// sequence number.
package wire

import (
	"encoding/binary"
	"errors"
)

// CompletionMessage is the token the server emits after the last payload byte
// of a TCP connection.
const CompletionMessage = "DONE"

// CompletionMessageLength is the wire length of the completion message.
const CompletionMessageLength = len(CompletionMessage)

// DatagramType distinguishes classes of media-stream datagrams.
type DatagramType uint16

const (
	// Start opens a media-stream conversation and carries a connection id.
	Start DatagramType = 0x0001
	// Data carries one sequenced slice of a frame.
	Data DatagramType = 0x0002
)

// DataHeaderLength is the length of the header preceding every DATA payload.
const DataHeaderLength = 2 + 4

// StartMessageLength is the full length of a START message: the flag plus a
// 4-byte connection identifier.
const StartMessageLength = 2 + 4

// Errors returned by datagram parsing.
var (
	ErrShortDatagram = errors.New("datagram shorter than its header")
	ErrUnknownFlag   = errors.New("unknown datagram flag")
)

// PutStartMessage writes a START message carrying connectionID into b and
// returns the bytes written.  The connection id must be exactly 4 bytes.
func PutStartMessage(b []byte, connectionID string) int {
	binary.LittleEndian.PutUint16(b[0:2], uint16(Start))
	copy(b[2:6], connectionID)
	return StartMessageLength
}

// PutDataHeader writes a DATA header with the given frame sequence number
// into b and returns the bytes written.
func PutDataHeader(b []byte, sequence uint32) int {
	binary.LittleEndian.PutUint16(b[0:2], uint16(Data))
	binary.LittleEndian.PutUint32(b[2:6], sequence)
	return DataHeaderLength
}

// ParseDatagram reads the header of b.  For START it returns the connection
// id in id; for DATA it returns the frame sequence number.
func ParseDatagram(b []byte) (flag DatagramType, sequence uint32, id string, err error) {
	if len(b) < 2 {
		return 0, 0, "", ErrShortDatagram
	}
	flag = DatagramType(binary.LittleEndian.Uint16(b[0:2]))
	switch flag {
	case Start:
		if len(b) < StartMessageLength {
			return flag, 0, "", ErrShortDatagram
		}
		return flag, 0, string(b[2:6]), nil
	case Data:
		if len(b) < DataHeaderLength {
			return flag, 0, "", ErrShortDatagram
		}
		return flag, binary.LittleEndian.Uint32(b[2:6]), "", nil
	default:
		return flag, 0, "", ErrUnknownFlag
	}
}
