package tftp

import (
	"bytes"
	"net"
	"testing"
	"time"

	"github.com/Merith-TK/tftpd/internal/packet"
)

// udpPair binds two loopback UDP sockets and connects each to the other's
// address, mirroring how a client and server transfer-ID connect in
// production. It takes testing.TB so both Test and Benchmark functions can
// share it.
func udpPair(tb testing.TB) (a, b *net.UDPConn) {
	tb.Helper()
	la, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	if err != nil {
		tb.Fatalf("listen a: %v", err)
	}
	lb, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	if err != nil {
		tb.Fatalf("listen b: %v", err)
	}
	if err := la.Close(); err != nil {
		tb.Fatalf("close a: %v", err)
	}
	if err := lb.Close(); err != nil {
		tb.Fatalf("close b: %v", err)
	}

	aConn, err := net.DialUDP("udp", la.LocalAddr().(*net.UDPAddr), lb.LocalAddr().(*net.UDPAddr))
	if err != nil {
		tb.Fatalf("dial a->b: %v", err)
	}
	bConn, err := net.DialUDP("udp", lb.LocalAddr().(*net.UDPAddr), la.LocalAddr().(*net.UDPAddr))
	if err != nil {
		tb.Fatalf("dial b->a: %v", err)
	}
	tb.Cleanup(func() {
		aConn.Close()
		bConn.Close()
	})
	return aConn, bConn
}

// TestHappyGetSmallFile is the scenario from §8 item 1: server sends
// Data(1, "hello\n"), client acks, both terminate.
func TestHappyGetSmallFile(t *testing.T) {
	serverConn, clientConn := udpPair(t)

	serverSide := New(serverConn, Config{})
	clientSide := New(clientConn, Config{})

	done := make(chan error, 1)
	go func() {
		done <- serverSide.Send(bytes.NewReader([]byte("hello\n")))
	}()

	var out bytes.Buffer
	if err := clientSide.Receive(&out); err != nil {
		t.Fatalf("Receive: %v", err)
	}
	if err := <-done; err != nil {
		t.Fatalf("Send: %v", err)
	}
	if out.String() != "hello\n" {
		t.Fatalf("got %q, want %q", out.String(), "hello\n")
	}
}

// TestGetExactly512Bytes is §8 item 2: a 512-byte file requires a
// trailing zero-length Data block to signal completion.
func TestGetExactly512Bytes(t *testing.T) {
	serverConn, clientConn := udpPair(t)
	serverSide := New(serverConn, Config{})
	clientSide := New(clientConn, Config{})

	payload := bytes.Repeat([]byte{'h'}, 512)

	done := make(chan error, 1)
	go func() {
		done <- serverSide.Send(bytes.NewReader(payload))
	}()

	var out bytes.Buffer
	if err := clientSide.Receive(&out); err != nil {
		t.Fatalf("Receive: %v", err)
	}
	if err := <-done; err != nil {
		t.Fatalf("Send: %v", err)
	}
	if !bytes.Equal(out.Bytes(), payload) {
		t.Fatalf("got %d bytes, want %d matching bytes", out.Len(), len(payload))
	}
}

// TestRetransmissionOnAckLoss is §8 item 3: the receiver's Ack is lost
// once; the sender's read deadline expires and it resends the same Data
// block without re-reading from its input.
func TestRetransmissionOnAckLoss(t *testing.T) {
	serverConn, clientConn := udpPair(t)
	serverSide := New(serverConn, Config{Timeout: 200 * time.Millisecond})

	payload := append(bytes.Repeat([]byte{'h'}, 512), 'i')

	done := make(chan error, 1)
	go func() {
		done <- serverSide.Send(bytes.NewReader(payload))
	}()

	buf := make([]byte, packet.MaxPacketSize)

	// First Data(1, 512x'h') arrives; drop it (do not Ack) to force a
	// retransmission once the server's deadline expires.
	n, err := clientConn.Read(buf)
	if err != nil {
		t.Fatalf("read data1 (original): %v", err)
	}
	d1, err := packet.DecodeData(buf[:n])
	if err != nil || d1.Block != 1 {
		t.Fatalf("decode data1: %+v, %v", d1, err)
	}

	// Retransmitted Data(1, ...) — now Ack it.
	n, err = clientConn.Read(buf)
	if err != nil {
		t.Fatalf("read data1 (retransmit): %v", err)
	}
	d1b, err := packet.DecodeData(buf[:n])
	if err != nil || d1b.Block != 1 {
		t.Fatalf("decode retransmitted data1: %+v, %v", d1b, err)
	}
	if _, err := clientConn.Write(packet.EncodeAck(1)); err != nil {
		t.Fatalf("ack1: %v", err)
	}

	n, err = clientConn.Read(buf)
	if err != nil {
		t.Fatalf("read data2: %v", err)
	}
	d2, err := packet.DecodeData(buf[:n])
	if err != nil || d2.Block != 2 || !bytes.Equal(d2.Payload, []byte{'i'}) {
		t.Fatalf("decode data2: %+v, %v", d2, err)
	}
	if _, err := clientConn.Write(packet.EncodeAck(2)); err != nil {
		t.Fatalf("ack2: %v", err)
	}

	if err := <-done; err != nil {
		t.Fatalf("Send: %v", err)
	}
}

// TestRetryExhaustion is §8 item 4, exercised from Send's side: the peer
// never acks Data(1), so the sender retransmits it until its
// retransmission budget is spent and reports ErrRetransmissionsExceeded,
// which wraps ErrTimeout.
func TestRetryExhaustion(t *testing.T) {
	serverConn, clientConn := udpPair(t)
	limit := 2
	serverSide := New(serverConn, Config{Timeout: 50 * time.Millisecond, MaxRetransmissions: &limit})

	done := make(chan error, 1)
	go func() {
		done <- serverSide.Send(bytes.NewReader(bytes.Repeat([]byte{'h'}, 512)))
	}()

	buf := make([]byte, packet.MaxPacketSize)
	// Drain every retransmitted Data(1, ...) without ever acking.
	seen := 0
	for {
		clientConn.SetReadDeadline(time.Now().Add(500 * time.Millisecond))
		n, err := clientConn.Read(buf)
		if err != nil {
			break
		}
		if _, derr := packet.DecodeData(buf[:n]); derr == nil {
			seen++
		}
	}
	if seen < 1 {
		t.Fatalf("expected at least one Data(1) observed, got %d", seen)
	}

	err := <-done
	if err != ErrRetransmissionsExceeded {
		t.Fatalf("got %v, want ErrRetransmissionsExceeded", err)
	}
}

// TestInvalidPacketIsIllegalOperation is §8 item 5.
func TestInvalidPacketIsIllegalOperation(t *testing.T) {
	serverConn, clientConn := udpPair(t)
	serverSide := New(serverConn, Config{Timeout: time.Second})

	if _, err := clientConn.Write([]byte("this is an invalid packet. hopefully.")); err != nil {
		t.Fatalf("write garbage: %v", err)
	}

	var out bytes.Buffer
	err := serverSide.Receive(&out)
	if err == nil {
		t.Fatal("expected illegal-operation error")
	}

	buf := make([]byte, packet.MaxPacketSize)
	clientConn.SetReadDeadline(time.Now().Add(time.Second))
	n, rerr := clientConn.Read(buf)
	if rerr != nil {
		t.Fatalf("read error reply: %v", rerr)
	}
	perr, derr := packet.DecodeError(buf[:n])
	if derr != nil {
		t.Fatalf("decode error reply: %v", derr)
	}
	if perr.Code != packet.ErrIllegalOperation {
		t.Fatalf("got code %v, want ErrIllegalOperation", perr.Code)
	}
}

// BenchmarkConnectionSendReceive drives a full Send/Receive pair over a
// loopback socket, the throughput counterpart to the original's
// benchmarks/stress2 binary (see SPEC_FULL.md's supplemented features).
func BenchmarkConnectionSendReceive(b *testing.B) {
	payload := bytes.Repeat([]byte{'x'}, 64*packet.MaxPayloadSize)
	b.SetBytes(int64(len(payload)))
	b.ResetTimer()

	for i := 0; i < b.N; i++ {
		serverConn, clientConn := udpPair(b)
		serverSide := New(serverConn, Config{Timeout: time.Second})
		clientSide := New(clientConn, Config{Timeout: time.Second})

		done := make(chan error, 1)
		go func() {
			done <- serverSide.Send(bytes.NewReader(payload))
		}()

		var out bytes.Buffer
		out.Grow(len(payload))
		if err := clientSide.Receive(&out); err != nil {
			b.Fatalf("Receive: %v", err)
		}
		if err := <-done; err != nil {
			b.Fatalf("Send: %v", err)
		}
		serverConn.Close()
		clientConn.Close()
	}
}

// BenchmarkConnectionRetransmission measures the cost of the retry path
// itself: the receiver never acks, forcing every Data block to be
// retransmitted up to its configured ceiling before the sender gives up.
func BenchmarkConnectionRetransmission(b *testing.B) {
	for i := 0; i < b.N; i++ {
		serverConn, clientConn := udpPair(b)
		limit := 3
		serverSide := New(serverConn, Config{Timeout: 5 * time.Millisecond, MaxRetransmissions: &limit})

		done := make(chan error, 1)
		go func() {
			done <- serverSide.Send(bytes.NewReader(bytes.Repeat([]byte{'x'}, packet.MaxPayloadSize)))
		}()

		buf := make([]byte, packet.MaxPacketSize)
		clientConn.SetReadDeadline(time.Now().Add(time.Second))
		for {
			if _, err := clientConn.Read(buf); err != nil {
				break
			}
		}

		if err := <-done; err != ErrRetransmissionsExceeded {
			b.Fatalf("got %v, want ErrRetransmissionsExceeded", err)
		}
		serverConn.Close()
		clientConn.Close()
	}
}
