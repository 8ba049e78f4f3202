package tftp

import "net"

// BindEphemeral opens a UDP socket on ip with an OS-chosen ephemeral port.
// The client front uses this for its handshake socket (the server front
// dials its per-transfer socket with net.DialUDP instead); letting the kernel pick the port is the Go idiom for "platform-appropriate
// ephemeral range" and avoids the bind-retry loop a hardcoded minimum port
// number would require.
func BindEphemeral(ip net.IP) (*net.UDPConn, error) {
	return net.ListenUDP("udp", &net.UDPAddr{IP: ip, Port: 0})
}
