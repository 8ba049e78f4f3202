package client_test

import (
	"bytes"
	"net"
	"testing"
	"time"

	"github.com/Merith-TK/tftpd/internal/client"
	"github.com/Merith-TK/tftpd/internal/packet"
	"github.com/Merith-TK/tftpd/internal/tftp"
)

// fakeServer answers one Rrq with a single Data packet, from a freshly
// bound ephemeral socket, mirroring the handshake in §4.3.
func fakeServer(t *testing.T, listen *net.UDPConn, payload []byte) {
	t.Helper()
	buf := make([]byte, packet.MaxPacketSize)
	listen.SetReadDeadline(time.Now().Add(2 * time.Second))
	n, clientAddr, err := listen.ReadFromUDP(buf)
	if err != nil {
		t.Errorf("server read request: %v", err)
		return
	}
	if _, err := packet.DecodeRequest(true, buf[:n]); err != nil {
		t.Errorf("server decode RRQ: %v", err)
		return
	}

	transferConn, err := net.DialUDP("udp", nil, clientAddr)
	if err != nil {
		t.Errorf("server dial transfer socket: %v", err)
		return
	}
	defer transferConn.Close()

	engine := tftp.New(transferConn, tftp.Config{Timeout: 2 * time.Second})
	if err := engine.Send(bytes.NewReader(payload)); err != nil {
		t.Errorf("server Send: %v", err)
	}
}

// fakeWriteServer answers one Wrq with Ack(0), then receives the transfer
// into received, mirroring the server side of the §4.3/§4.4 handshake.
func fakeWriteServer(t *testing.T, listen *net.UDPConn, received *bytes.Buffer) {
	t.Helper()
	buf := make([]byte, packet.MaxPacketSize)
	listen.SetReadDeadline(time.Now().Add(2 * time.Second))
	n, clientAddr, err := listen.ReadFromUDP(buf)
	if err != nil {
		t.Errorf("server read request: %v", err)
		return
	}
	if _, err := packet.DecodeRequest(false, buf[:n]); err != nil {
		t.Errorf("server decode WRQ: %v", err)
		return
	}

	transferConn, err := net.DialUDP("udp", nil, clientAddr)
	if err != nil {
		t.Errorf("server dial transfer socket: %v", err)
		return
	}
	defer transferConn.Close()

	if _, err := transferConn.Write(packet.EncodeAck(0)); err != nil {
		t.Errorf("server ack(0): %v", err)
		return
	}

	engine := tftp.New(transferConn, tftp.Config{Timeout: 2 * time.Second})
	if err := engine.Receive(received); err != nil {
		t.Errorf("server Receive: %v", err)
	}
}

func TestClientPut(t *testing.T) {
	listen, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer listen.Close()

	var received bytes.Buffer
	go fakeWriteServer(t, listen, &received)

	c, err := client.New(listen.LocalAddr().String(), tftp.Config{Timeout: 2 * time.Second})
	if err != nil {
		t.Fatalf("client.New: %v", err)
	}

	payload := []byte("uploaded contents\n")
	if err := c.Put("upload.txt", packet.ModeOctet, bytes.NewReader(payload)); err != nil {
		t.Fatalf("Put: %v", err)
	}
	if !bytes.Equal(received.Bytes(), payload) {
		t.Fatalf("got %q, want %q", received.Bytes(), payload)
	}
}

func TestClientGet(t *testing.T) {
	listen, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer listen.Close()

	payload := []byte("hello from the server\n")
	go fakeServer(t, listen, payload)

	c, err := client.New(listen.LocalAddr().String(), tftp.Config{Timeout: 2 * time.Second})
	if err != nil {
		t.Fatalf("client.New: %v", err)
	}

	var out bytes.Buffer
	if err := c.Get("greeting.txt", packet.ModeOctet, &out); err != nil {
		t.Fatalf("Get: %v", err)
	}
	if !bytes.Equal(out.Bytes(), payload) {
		t.Fatalf("got %q, want %q", out.Bytes(), payload)
	}
}
