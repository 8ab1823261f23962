//go:build linux

package receiver

import (
	"fmt"
	"net"
	"syscall"

	"github.com/vishvananda/netlink"
	"golang.org/x/sys/unix"
)

// listenConfig sets SO_REUSEADDR and SO_REUSEPORT so several receivers can
// share a group port.
func listenConfig() net.ListenConfig {
	return net.ListenConfig{
		Control: func(network, address string, c syscall.RawConn) error {
			var sockErr error
			if err := c.Control(func(fd uintptr) {
				if err := unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_REUSEADDR, 1); err != nil {
					sockErr = fmt.Errorf("setsockopt SO_REUSEADDR: %w", err)
					return
				}
				if err := unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_REUSEPORT, 1); err != nil {
					sockErr = fmt.Errorf("setsockopt SO_REUSEPORT: %w", err)
				}
			}); err != nil {
				return fmt.Errorf("control syscall: %w", err)
			}
			return sockErr
		},
	}
}

// lookupInterface resolves the join interface by name. An empty name
// returns nil, leaving the choice to the kernel routing table.
func lookupInterface(name string) (*net.Interface, error) {
	if name == "" {
		return nil, nil
	}
	link, err := netlink.LinkByName(name)
	if err != nil {
		return nil, fmt.Errorf("link %s: %w", name, err)
	}
	attrs := link.Attrs()
	if attrs.Flags&net.FlagUp == 0 {
		return nil, fmt.Errorf("link %s is down", name)
	}
	if attrs.Flags&net.FlagMulticast == 0 {
		return nil, fmt.Errorf("link %s has multicast disabled", name)
	}
	return net.InterfaceByIndex(attrs.Index)
}
