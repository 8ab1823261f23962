// Package rtpheader decodes the fixed 12-byte RTP header at bit level.
//
// Only the fixed fields are extracted. CSRC identifiers, header extensions
// and payload bytes are never inspected.
package rtpheader

import (
	"errors"
	"fmt"
	"time"
)

// HeaderSize is the length of the fixed RTP header in bytes.
const HeaderSize = 12

const dumpTimeLayout = "2006-01-02 15:04:05"

// ErrShortHeader is matched by every DecodeError.
var ErrShortHeader = errors.New("datagram shorter than rtp header")

// DecodeError reports a datagram that cannot hold a fixed header.
type DecodeError struct {
	Length int
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("decode rtp header: %d bytes, need %d", e.Length, HeaderSize)
}

func (e *DecodeError) Unwrap() error {
	return ErrShortHeader
}

// Header holds the fixed RTP header fields. Single-bit flags are kept as
// 0/1 values because the packet dump prints them numerically.
type Header struct {
	Version        uint8
	Padding        uint8
	Extension      uint8
	CSRCCount      uint8
	Marker         uint8
	PayloadType    uint8
	SequenceNumber uint16
	Timestamp      uint32
	SSRC           uint32
}

// Decode extracts the fixed header fields from datagram.
func Decode(datagram []byte) (Header, error) {
	if len(datagram) < HeaderSize {
		return Header{}, &DecodeError{Length: len(datagram)}
	}
	return Header{
		Version:        uint8(bits(datagram, 0, 1)),
		Padding:        uint8(bits(datagram, 2, 2)),
		Extension:      uint8(bits(datagram, 3, 3)),
		CSRCCount:      uint8(bits(datagram, 4, 7)),
		Marker:         uint8(bits(datagram, 8, 8)),
		PayloadType:    uint8(bits(datagram, 9, 15)),
		SequenceNumber: uint16(bits(datagram, 16, 31)),
		Timestamp:      uint32(bits(datagram, 32, 63)),
		SSRC:           uint32(bits(datagram, 64, 95)),
	}, nil
}

// bits reads the inclusive bit range [start,end] of a big-endian bit stream.
// The caller guarantees that end/8 is within data.
func bits(data []byte, start, end int) uint64 {
	var value uint64
	for i := start; i <= end; i++ {
		bit := (data[i/8] >> (7 - uint(i%8))) & 1
		value |= uint64(bit) << uint(end-i)
	}
	return value
}

func (h Header) String() string {
	return fmt.Sprintf("Version: %d Padding: %d Extension: %d CSR: %d Marker: %d PayloadType: %d SequenceNumber:%d TimeStamp: %d SsrcId: %d",
		h.Version, h.Padding, h.Extension, h.CSRCCount, h.Marker, h.PayloadType, h.SequenceNumber, h.Timestamp, h.SSRC)
}

// FormatDump renders the per-packet dump line stamped with t in UTC.
func FormatDump(t time.Time, h Header) string {
	return "[" + t.UTC().Format(dumpTimeLayout) + "] " + h.String()
}
