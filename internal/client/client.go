// Package client implements the TFTP request handshake: sending the
// initial Rrq/Wrq, latching the server's transfer-ID, and handing the
// connected socket off to the transfer engine.
package client

import (
	"fmt"
	"io"
	"net"

	"github.com/Merith-TK/tftpd/internal/packet"
	"github.com/Merith-TK/tftpd/internal/tftp"
)

// Client performs one-shot Get/Put transfers against a single TFTP server
// address.
type Client struct {
	serverAddr *net.UDPAddr
	cfg        tftp.Config
}

// New resolves addr (host:port) and returns a Client configured with cfg.
func New(addr string, cfg tftp.Config) (*Client, error) {
	serverAddr, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return nil, fmt.Errorf("resolve server address: %w", err)
	}
	return &Client{serverAddr: serverAddr, cfg: cfg}, nil
}

// Get performs the Read-Request handshake of §4.3 and streams the file's
// contents into w.
func (c *Client) Get(filename string, mode packet.Mode, w io.Writer) error {
	conn, err := tftp.BindEphemeral(c.serverAddr.IP)
	if err != nil {
		return fmt.Errorf("bind local socket: %w", err)
	}
	defer conn.Close()

	req, err := packet.EncodeRequest(true, filename, mode)
	if err != nil {
		return fmt.Errorf("encode RRQ: %w", err)
	}
	if _, err := conn.WriteToUDP(req, c.serverAddr); err != nil {
		return fmt.Errorf("send RRQ: %w", err)
	}

	buf := make([]byte, packet.MaxPacketSize)
	n, from, err := conn.ReadFromUDP(buf)
	if err != nil {
		return fmt.Errorf("await server reply: %w", err)
	}

	// Latch the server's transfer-ID: connect this socket to the address
	// the first reply actually came from, then feed the datagram already
	// read into the engine as its first receive. The client's own TID
	// (its local port) must stay the same one the RRQ was sent from, so
	// the handshake socket is closed and redialed on that exact port
	// rather than a fresh ephemeral one.
	localAddr := conn.LocalAddr().(*net.UDPAddr)
	if err := conn.Close(); err != nil {
		return fmt.Errorf("close handshake socket: %w", err)
	}
	connected, err := net.DialUDP("udp", localAddr, from)
	if err != nil {
		return fmt.Errorf("connect to server transfer-ID: %w", err)
	}
	defer connected.Close()

	engine := tftp.New(connected, c.cfg)
	return engine.ReceiveSeeded(buf[:n], w)
}

// Put performs the Write-Request handshake of §4.3 and streams r's
// contents to the server.
func (c *Client) Put(filename string, mode packet.Mode, r io.Reader) error {
	conn, err := tftp.BindEphemeral(c.serverAddr.IP)
	if err != nil {
		return fmt.Errorf("bind local socket: %w", err)
	}
	defer conn.Close()

	req, err := packet.EncodeRequest(false, filename, mode)
	if err != nil {
		return fmt.Errorf("encode WRQ: %w", err)
	}
	if _, err := conn.WriteToUDP(req, c.serverAddr); err != nil {
		return fmt.Errorf("send WRQ: %w", err)
	}

	buf := make([]byte, packet.MaxPacketSize)
	n, from, err := conn.ReadFromUDP(buf)
	if err != nil {
		return fmt.Errorf("await server ack: %w", err)
	}

	ack, err := packet.DecodeAck(buf[:n])
	if err != nil {
		if perr, derr := packet.DecodeError(buf[:n]); derr == nil {
			return perr
		}
		return fmt.Errorf("%w: expected initial Ack(0)", tftp.ErrIllegalOperation)
	}
	if ack.Block != 0 {
		return fmt.Errorf("%w: expected Ack(0), got Ack(%d)", tftp.ErrIllegalOperation, ack.Block)
	}

	localAddr := conn.LocalAddr().(*net.UDPAddr)
	if err := conn.Close(); err != nil {
		return fmt.Errorf("close handshake socket: %w", err)
	}
	connected, err := net.DialUDP("udp", localAddr, from)
	if err != nil {
		return fmt.Errorf("connect to server transfer-ID: %w", err)
	}
	defer connected.Close()

	engine := tftp.New(connected, c.cfg)
	return engine.Send(r)
}
