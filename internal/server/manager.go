package server

import (
	"context"
	"fmt"
	"sync"

	"github.com/Merith-TK/tftpd/internal/config"
	"github.com/Merith-TK/tftpd/internal/utils"
)

// Server is the lifecycle interface a protocol server implements; Manager
// is written against this interface rather than a concrete TFTPServer so
// that a future sibling protocol can be added without touching Manager.
type Server interface {
	Start(ctx context.Context) error
	Stop() error
	Name() string
	Port() int
}

// Manager owns the lifecycle of the server(s) a tftpd process runs.
type Manager struct {
	logger  *utils.Logger
	servers []Server
	wg      sync.WaitGroup
}

// NewManager builds a Manager running a TFTP server configured by cfg.
func NewManager(cfg *config.Config, logger *utils.Logger) (*Manager, error) {
	tftpServer, err := NewTFTPServer(cfg, logger)
	if err != nil {
		return nil, err
	}
	return &Manager{
		logger:  logger,
		servers: []Server{tftpServer},
	}, nil
}

// Start starts every managed server in its own goroutine.
func (m *Manager) Start(ctx context.Context) error {
	if len(m.servers) == 0 {
		return fmt.Errorf("no servers configured")
	}

	for _, srv := range m.servers {
		m.wg.Add(1)
		go func(s Server) {
			defer m.wg.Done()
			m.logger.Info("starting %s server", s.Name())
			if err := s.Start(ctx); err != nil {
				m.logger.Error("%s server stopped: %v", s.Name(), err)
			}
		}(srv)
	}
	return nil
}

// Stop stops every managed server and waits for their goroutines to exit.
func (m *Manager) Stop() error {
	for _, srv := range m.servers {
		if err := srv.Stop(); err != nil {
			m.logger.Error("failed to stop %s server: %v", srv.Name(), err)
		}
	}
	m.wg.Wait()
	return nil
}
