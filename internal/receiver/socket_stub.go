//go:build !linux

package receiver

import (
	"fmt"
	"net"
)

func listenConfig() net.ListenConfig {
	return net.ListenConfig{}
}

func lookupInterface(name string) (*net.Interface, error) {
	if name == "" {
		return nil, nil
	}
	ifi, err := net.InterfaceByName(name)
	if err != nil {
		return nil, fmt.Errorf("interface %s: %w", name, err)
	}
	if ifi.Flags&net.FlagUp == 0 {
		return nil, fmt.Errorf("interface %s is down", name)
	}
	return ifi, nil
}
