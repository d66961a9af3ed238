// Package netutils derives externally reachable addresses from bind
// configuration.
package netutils

import (
	"net"
)

// IsInAddrAny reports whether addr asks the system to bind every interface.
func IsInAddrAny(addr string) bool {
	return addr == "" || addr == "0.0.0.0" || addr == "::" || addr == "::/0"
}

// GetOutboundIP finds the local address the system would route external
// traffic through. The dial is UDP, so no packets actually leave the host.
func GetOutboundIP() (net.IP, error) {
	conn, err := net.Dial("udp", "8.8.8.8:80")
	if err != nil {
		return nil, err
	}

	localAddr := conn.LocalAddr().(*net.UDPAddr)

	_ = conn.Close()

	return localAddr.IP, nil
}

// GetAdvertiseAddress picks the address peers should be told to reach us
// on. A concrete bind address is used as-is; an any-interface bind falls
// back to the system's outbound route.
func GetAdvertiseAddress(bindAddress string) (string, error) {
	if !IsInAddrAny(bindAddress) {
		return bindAddress, nil
	}

	outboundIP, err := GetOutboundIP()
	if err != nil {
		return "", err
	}

	return outboundIP.String(), nil
}
