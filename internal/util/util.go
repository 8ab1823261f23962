package util

import (
	"net"
	"strconv"
	"time"
)

const fileStampLayout = "2006-01-02_150405"

func NetJoin(host string, port int) string {
	return net.JoinHostPort(host, strconv.Itoa(port))
}

// FileStamp renders t in UTC for use inside log file names.
func FileStamp(t time.Time) string {
	return t.UTC().Format(fileStampLayout)
}
