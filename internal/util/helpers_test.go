package util

import (
	"log/slog"
	"testing"
	"time"
)

func TestBoolValue(t *testing.T) {
	if got := BoolValue(nil, true); got != true {
		t.Fatalf("BoolValue(nil, true) = %v, want true", got)
	}
	if got := BoolValue(nil, false); got != false {
		t.Fatalf("BoolValue(nil, false) = %v, want false", got)
	}
	val := true
	if got := BoolValue(&val, false); got != true {
		t.Fatalf("BoolValue(true, false) = %v, want true", got)
	}
	val = false
	if got := BoolValue(&val, true); got != false {
		t.Fatalf("BoolValue(false, true) = %v, want false", got)
	}
}

func TestParseLevel(t *testing.T) {
	if got := ParseLevel("DEBUG"); got != slog.LevelDebug {
		t.Fatalf("ParseLevel(DEBUG) = %v, want debug", got)
	}
	if got := ParseLevel("warning"); got != slog.LevelWarn {
		t.Fatalf("ParseLevel(warning) = %v, want warn", got)
	}
	if got := ParseLevel("bogus"); got != slog.LevelInfo {
		t.Fatalf("ParseLevel(bogus) = %v, want info", got)
	}
}

func TestFileStampUsesUTC(t *testing.T) {
	loc := time.FixedZone("UTC+3", 3*60*60)
	ts := time.Date(2024, 5, 6, 10, 4, 5, 0, loc)
	if got := FileStamp(ts); got != "2024-05-06_070405" {
		t.Fatalf("FileStamp = %q, want 2024-05-06_070405", got)
	}
}
