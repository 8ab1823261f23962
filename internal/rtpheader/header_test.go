package rtpheader

import (
	"errors"
	"testing"
	"time"

	"github.com/pion/rtp"
)

func TestDecodeVersionBits(t *testing.T) {
	data := make([]byte, HeaderSize)
	data[0] = 0b1000_0000
	h, err := Decode(data)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if h.Version != 2 {
		t.Fatalf("expected version 2, got %d", h.Version)
	}
}

func TestDecodeHandComputed(t *testing.T) {
	data := []byte{
		0b1011_0101, // V=2 P=1 X=1 CC=5
		0b1110_0000, // M=1 PT=96
		0x12, 0x34, // seq
		0xDE, 0xAD, 0xBE, 0xEF, // ts
		0x01, 0x02, 0x03, 0x04, // ssrc
	}
	h, err := Decode(data)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	want := Header{
		Version:        2,
		Padding:        1,
		Extension:      1,
		CSRCCount:      5,
		Marker:         1,
		PayloadType:    96,
		SequenceNumber: 0x1234,
		Timestamp:      0xDEADBEEF,
		SSRC:           0x01020304,
	}
	if h != want {
		t.Fatalf("decoded %+v, want %+v", h, want)
	}
}

func TestDecodeMatchesPionMarshal(t *testing.T) {
	pkt := rtp.Packet{
		Header: rtp.Header{
			Version:        2,
			Marker:         true,
			PayloadType:    33,
			SequenceNumber: 65535,
			Timestamp:      4_000_000_000,
			SSRC:           0xCAFEBABE,
		},
		Payload: []byte{1, 2, 3, 4},
	}
	raw, err := pkt.Marshal()
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	h, err := Decode(raw)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if h.Version != 2 || h.Marker != 1 || h.PayloadType != 33 {
		t.Fatalf("unexpected flags: %+v", h)
	}
	if h.SequenceNumber != 65535 || h.Timestamp != 4_000_000_000 || h.SSRC != 0xCAFEBABE {
		t.Fatalf("unexpected numbers: %+v", h)
	}
}

func TestDecodeShortDatagram(t *testing.T) {
	for n := 0; n < HeaderSize; n++ {
		_, err := Decode(make([]byte, n))
		if err == nil {
			t.Fatalf("expected error for %d bytes", n)
		}
		if !errors.Is(err, ErrShortHeader) {
			t.Fatalf("expected ErrShortHeader, got %v", err)
		}
		var decErr *DecodeError
		if !errors.As(err, &decErr) || decErr.Length != n {
			t.Fatalf("expected DecodeError with length %d, got %v", n, err)
		}
	}
}

func TestFormatDump(t *testing.T) {
	ts := time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)
	h := Header{Version: 2, PayloadType: 96, SequenceNumber: 7, Timestamp: 90000, SSRC: 42}
	got := FormatDump(ts, h)
	want := "[2024-01-02 03:04:05] Version: 2 Padding: 0 Extension: 0 CSR: 0 Marker: 0 PayloadType: 96 SequenceNumber:7 TimeStamp: 90000 SsrcId: 42"
	if got != want {
		t.Fatalf("FormatDump =\n%q\nwant\n%q", got, want)
	}
}
