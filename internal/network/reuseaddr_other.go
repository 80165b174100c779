//go:build !linux && !windows

package network

import "net"

// ReuseAddrListenConfig returns a plain net.ListenConfig on platforms where
// the address reuse option is not wired up.
func ReuseAddrListenConfig() net.ListenConfig {
	return net.ListenConfig{}
}
