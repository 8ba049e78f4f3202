package server

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/Merith-TK/tftpd/internal/config"
	"github.com/Merith-TK/tftpd/internal/fs"
	"github.com/Merith-TK/tftpd/internal/packet"
	"github.com/Merith-TK/tftpd/internal/tftp"
	"github.com/Merith-TK/tftpd/internal/utils"
)

// TFTPServer listens on a well-known UDP port, demultiplexes incoming
// requests, and hands each accepted transfer off to its own connection
// engine on a freshly bound socket, per §4.4 and the concurrency model of
// §5.
type TFTPServer struct {
	cfg    *config.Config
	logger *utils.Logger
	root   *fs.Root
	conn   *net.UDPConn
	done   chan struct{}

	// active is the mutex-protected admission set of §5: a peer address
	// may have at most one transfer in flight. The mutex is held only
	// across set mutation, never across I/O.
	activeMu sync.Mutex
	active   map[string]struct{}

	wg sync.WaitGroup
}

// NewTFTPServer creates a TFTP server that serves files from the
// configured data directory.
func NewTFTPServer(cfg *config.Config, logger *utils.Logger) (*TFTPServer, error) {
	root, err := fs.NewRoot(cfg.Data)
	if err != nil {
		return nil, fmt.Errorf("tftp server: %w", err)
	}
	return &TFTPServer{
		cfg:    cfg,
		logger: logger,
		root:   root,
		done:   make(chan struct{}),
		active: make(map[string]struct{}),
	}, nil
}

// Start binds the listening socket and dispatches requests until ctx is
// canceled.
func (s *TFTPServer) Start(ctx context.Context) error {
	addr, err := net.ResolveUDPAddr("udp", s.cfg.Bind)
	if err != nil {
		return fmt.Errorf("resolve bind address: %w", err)
	}

	conn, err := net.ListenUDP("udp", addr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", s.cfg.Bind, err)
	}
	s.conn = conn

	s.logger.Info("TFTP server listening on %s, serving %s", conn.LocalAddr(), s.cfg.Data)

	go func() {
		buf := make([]byte, packet.MaxPacketSize)
		for {
			select {
			case <-s.done:
				return
			case <-ctx.Done():
				return
			default:
			}

			s.conn.SetReadDeadline(time.Now().Add(time.Second))
			n, clientAddr, err := s.conn.ReadFromUDP(buf)
			if err != nil {
				if netErr, ok := err.(net.Error); ok && netErr.Timeout() {
					continue
				}
				select {
				case <-s.done:
					return
				default:
					s.logger.Error("read from listening socket: %v", err)
					continue
				}
			}

			datagram := make([]byte, n)
			copy(datagram, buf[:n])

			s.wg.Add(1)
			go func() {
				defer s.wg.Done()
				s.dispatch(datagram, clientAddr)
			}()
		}
	}()

	<-ctx.Done()
	return nil
}

// Stop closes the listening socket and waits for in-flight transfers to
// finish.
func (s *TFTPServer) Stop() error {
	close(s.done)
	var err error
	if s.conn != nil {
		err = s.conn.Close()
	}
	s.wg.Wait()
	return err
}

func (s *TFTPServer) Name() string { return "TFTP" }

func (s *TFTPServer) Port() int {
	if s.conn == nil {
		return 0
	}
	if addr, ok := s.conn.LocalAddr().(*net.UDPAddr); ok {
		return addr.Port
	}
	return 0
}

// dispatch implements §4.4's per-datagram algorithm: decode the request,
// admit the transfer-ID, bind a fresh socket, open the file, and hand off
// to the transfer engine.
func (s *TFTPServer) dispatch(datagram []byte, clientAddr *net.UDPAddr) {
	isRead, req, err := decodeRequest(datagram)
	if err != nil {
		s.logger.Debug("discarding unparseable request from %s: %v", clientAddr, err)
		reply, encErr := packet.EncodeError(packet.ErrIllegalOperation, "Illegal TFTP operation")
		if encErr == nil {
			s.conn.WriteToUDP(reply, clientAddr)
		}
		return
	}

	key := clientAddr.String()
	if !s.admit(key) {
		s.logger.Debug("rejecting duplicate transfer-ID %s", key)
		reply, _ := packet.EncodeError(packet.ErrNotDefined, "address not available")
		s.conn.WriteToUDP(reply, clientAddr)
		return
	}
	defer s.release(key)

	transferConn, err := net.DialUDP("udp", &net.UDPAddr{IP: localIP(s.conn)}, clientAddr)
	if err != nil {
		s.logger.Error("bind transfer socket for %s: %v", clientAddr, err)
		return
	}
	defer transferConn.Close()

	transferLogger := s.logger.WithFields(utils.Fields{
		"peer":     clientAddr.String(),
		"filename": req.Filename,
	})

	transferCfg := s.cfg.TransferConfig()
	transferCfg.Logger = transferLogger
	engine := tftp.New(transferConn, transferCfg)

	if isRead {
		s.serveRead(engine, transferConn, req, transferLogger)
	} else {
		s.serveWrite(engine, transferConn, req, transferLogger)
	}
}

func (s *TFTPServer) serveRead(engine *tftp.Connection, conn *net.UDPConn, req packet.Request, logger *utils.Logger) {
	f, err := s.root.Open(req.Filename)
	if err != nil {
		logger.Debug("RRQ open failed: %v", err)
		reply, _ := packet.EncodeError(packet.MapOSError(err), err.Error())
		conn.Write(reply)
		return
	}
	defer f.Close()

	logger.Debug("starting RRQ")
	if err := engine.Send(f); err != nil {
		logger.Debug("RRQ failed: %v", err)
	}
}

func (s *TFTPServer) serveWrite(engine *tftp.Connection, conn *net.UDPConn, req packet.Request, logger *utils.Logger) {
	f, err := s.root.Create(req.Filename)
	if err != nil {
		logger.Debug("WRQ create failed: %v", err)
		reply, _ := packet.EncodeError(packet.MapOSError(err), err.Error())
		conn.Write(reply)
		return
	}
	defer f.Close()

	conn.Write(packet.EncodeAck(0))

	logger.Debug("starting WRQ")
	if err := engine.Receive(f); err != nil {
		logger.Debug("WRQ failed: %v", err)
	}
}

func (s *TFTPServer) admit(key string) bool {
	s.activeMu.Lock()
	defer s.activeMu.Unlock()
	if _, exists := s.active[key]; exists {
		return false
	}
	s.active[key] = struct{}{}
	return true
}

func (s *TFTPServer) release(key string) {
	s.activeMu.Lock()
	defer s.activeMu.Unlock()
	delete(s.active, key)
}

// decodeRequest tries Rrq then Wrq, matching the "wrong opcode is just
// another decode failure" contract of §4.1.
func decodeRequest(b []byte) (isRead bool, req packet.Request, err error) {
	if req, err = packet.DecodeRequest(true, b); err == nil {
		return true, req, nil
	}
	if req, err = packet.DecodeRequest(false, b); err == nil {
		return false, req, nil
	}
	return false, packet.Request{}, err
}

func localIP(conn *net.UDPConn) net.IP {
	if addr, ok := conn.LocalAddr().(*net.UDPAddr); ok {
		return addr.IP
	}
	return nil
}
