// Package tftp implements the per-transfer state machine that drives a
// lock-step Data/Ack exchange over a connected UDP socket: block
// sequencing, retransmission on timeout, termination detection, and
// error-packet emission on unrecoverable failures.
package tftp

import (
	"errors"
	"fmt"
	"io"
	"net"
	"time"

	"github.com/Merith-TK/tftpd/internal/packet"
	"github.com/Merith-TK/tftpd/internal/utils"
)

// ErrTimeout reports a receive deadline that expired with nothing left to
// retransmit. It is returned as-is when no Ack has been sent yet to
// retransmit; when the retransmission policy has run out of retries,
// ErrRetransmissionsExceeded, which wraps ErrTimeout, is returned instead.
var ErrTimeout = errors.New("tftp: timed out waiting for peer")

// ErrIllegalOperation is returned when a peer sends bytes that do not
// decode as the expected packet type, or an unexpected block number is
// observed.
var ErrIllegalOperation = errors.New("tftp: illegal operation")

// ErrRetransmissionsExceeded is returned once the retransmission policy has
// run out of retries permitted by Config.MaxRetransmissions. It wraps
// ErrTimeout, so errors.Is(err, ErrTimeout) holds for it.
var ErrRetransmissionsExceeded = fmt.Errorf("%w: exceeded max retransmissions", ErrTimeout)

// Config controls timeout and retransmission behavior for a Connection.
//
// Timeout, when the zero value (0), blocks indefinitely on receive and
// disables retransmission entirely — there is never a deadline to miss.
// MaxRetransmissions, when nil, permits unbounded retransmission; a
// pointer to 0 means fail on the very first timeout.
type Config struct {
	Timeout            time.Duration
	MaxRetransmissions *int

	// Logger, if non-nil, receives a Debug line per block acknowledged or
	// sent, tagged with the block number — the per-block counterpart to
	// the per-transfer peer/filename fields the server dispatch attaches
	// before handing a request off to a Connection.
	Logger *utils.Logger
}

// Connection drives a single transfer to completion on a connected UDP
// socket. The socket is exclusively owned by the Connection for the
// duration of the call.
type Connection struct {
	conn *net.UDPConn
	cfg  Config
}

// New wraps a connected UDP socket with the given transfer configuration.
func New(conn *net.UDPConn, cfg Config) *Connection {
	return &Connection{conn: conn, cfg: cfg}
}

// blockLogger returns cfg.Logger narrowed to one block, or nil if no
// logger was configured.
func (c *Connection) blockLogger(block uint16) *utils.Logger {
	if c.cfg.Logger == nil {
		return nil
	}
	return c.cfg.Logger.WithFields(utils.Fields{"block": block})
}

// retransmitter tracks how many retransmissions have been permitted so far
// for one phase of a transfer (receive or send).
type retransmitter struct {
	retries int
	cfg     Config
}

// allow applies the retransmission policy of §4.2.3: increment retries,
// then decide whether another retransmission is permitted.
func (r *retransmitter) allow() bool {
	r.retries++
	if r.cfg.MaxRetransmissions == nil {
		return true
	}
	return r.retries <= *r.cfg.MaxRetransmissions
}

func (c *Connection) setDeadline() error {
	if c.cfg.Timeout <= 0 {
		return c.conn.SetReadDeadline(time.Time{})
	}
	return c.conn.SetReadDeadline(time.Now().Add(c.cfg.Timeout))
}

func isTimeout(err error) bool {
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

// sendBestEffort writes b to the peer, discarding any error — per §4.2.4,
// sending an Error packet on the way out is best-effort and never
// overrides the original error being surfaced.
func (c *Connection) sendBestEffort(b []byte) {
	_, _ = c.conn.Write(b)
}

func (c *Connection) sendError(code packet.ErrorCode, message string) {
	enc, err := packet.EncodeError(code, message)
	if err != nil {
		return
	}
	c.sendBestEffort(enc)
}

// decodeDataOrError attempts to decode b as a Data packet; on failure it
// tries Error, and on failure of both sends IllegalOperation back and
// reports the illegal-operation error, per §4.2.1 step 2.
func (c *Connection) decodeDataOrError(b []byte) (packet.Data, error) {
	d, err := packet.DecodeData(b)
	if err == nil {
		return d, nil
	}
	if perr, decErr := packet.DecodeError(b); decErr == nil {
		return packet.Data{}, perr
	}
	c.sendError(packet.ErrIllegalOperation, "Illegal TFTP operation")
	return packet.Data{}, fmt.Errorf("%w: %v", ErrIllegalOperation, err)
}

// decodeAckOrError is the Ack-side counterpart of decodeDataOrError, used
// by Send in §4.2.2 step 4.
func (c *Connection) decodeAckOrError(b []byte) (packet.Ack, error) {
	a, err := packet.DecodeAck(b)
	if err == nil {
		return a, nil
	}
	if perr, decErr := packet.DecodeError(b); decErr == nil {
		return packet.Ack{}, perr
	}
	c.sendError(packet.ErrIllegalOperation, "Illegal TFTP operation")
	return packet.Ack{}, fmt.Errorf("%w: %v", ErrIllegalOperation, err)
}

// Receive implements §4.2.1: pull Data blocks from the peer and write
// their payloads to w, acknowledging each one. Used by an RRQ requester
// (client Get) and by the server side of a WRQ.
func (c *Connection) Receive(w io.Writer) error {
	return c.receive(w, nil)
}

// ReceiveSeeded behaves like Receive, but treats seed as the first
// datagram already read off the wire instead of issuing an initial read.
// The client handshake uses this because latching the server's
// transfer-ID requires consuming its first reply before the socket can be
// connected, by which point the engine would otherwise have missed it.
func (c *Connection) ReceiveSeeded(seed []byte, w io.Writer) error {
	return c.receive(w, seed)
}

func (c *Connection) receive(w io.Writer, seed []byte) error {
	buf := make([]byte, packet.MaxPacketSize)
	var lastAcked *uint16
	rt := &retransmitter{cfg: c.cfg}
	first := seed

	for {
		var n int
		if first != nil {
			n = copy(buf, first)
			first = nil
		} else {
			if err := c.setDeadline(); err != nil {
				return err
			}
			var err error
			n, err = c.conn.Read(buf)
			if err != nil {
				if isTimeout(err) {
					if lastAcked == nil {
						return ErrTimeout
					}
					if !rt.allow() {
						c.sendError(packet.ErrNotDefined, "exceeded max retransmissions")
						return ErrRetransmissionsExceeded
					}
					c.sendBestEffort(packet.EncodeAck(*lastAcked))
					continue
				}
				return err
			}
		}

		data, err := c.decodeDataOrError(buf[:n])
		if err != nil {
			return err
		}

		if _, err := w.Write(data.Payload); err != nil {
			c.sendError(packet.MapOSError(err), err.Error())
			return err
		}

		c.sendBestEffort(packet.EncodeAck(data.Block))
		if l := c.blockLogger(data.Block); l != nil {
			l.Debug("acked block, %d byte payload", len(data.Payload))
		}
		block := data.Block
		lastAcked = &block
		rt.retries = 0

		if len(data.Payload) < packet.MaxPayloadSize {
			return nil
		}
	}
}

// Send implements §4.2.2: read bytes from r, break them into at-most
// 512-byte blocks, and push them to the peer, awaiting an Ack for each.
// Used by a WRQ requester (client Put) and by the server side of an RRQ.
func (c *Connection) Send(r io.Reader) error {
	currentBlock := uint16(1)
	buf := make([]byte, packet.MaxPacketSize)
	payload := make([]byte, packet.MaxPayloadSize)

	for {
		n, readErr := io.ReadFull(r, payload)
		if readErr == io.ErrUnexpectedEOF {
			readErr = nil
		}
		if readErr != nil && readErr != io.EOF {
			c.sendError(packet.MapOSError(readErr), readErr.Error())
			return readErr
		}

		dataPacket, err := packet.EncodeData(currentBlock, payload[:n])
		if err != nil {
			return err
		}

		rt := &retransmitter{cfg: c.cfg}
		for {
			c.sendBestEffort(dataPacket)

			if err := c.setDeadline(); err != nil {
				return err
			}
			m, err := c.conn.Read(buf)
			if err != nil {
				if isTimeout(err) {
					if !rt.allow() {
						c.sendError(packet.ErrNotDefined, "exceeded max retransmissions")
						return ErrRetransmissionsExceeded
					}
					continue
				}
				return err
			}

			ack, err := c.decodeAckOrError(buf[:m])
			if err != nil {
				return err
			}
			if ack.Block != currentBlock {
				c.sendError(packet.ErrIllegalOperation, "unexpected block number")
				return fmt.Errorf("%w: got ack for block %d, want %d", ErrIllegalOperation, ack.Block, currentBlock)
			}
			if l := c.blockLogger(ack.Block); l != nil {
				l.Debug("sent block, %d byte payload", n)
			}
			break
		}

		if n < packet.MaxPayloadSize {
			return nil
		}
		currentBlock++
	}
}
