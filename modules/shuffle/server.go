package shuffle

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/grafana/dskit/services"
	"github.com/pkg/errors"
	"go.uber.org/atomic"
	"golang.org/x/sync/semaphore"

	"github.com/yeeunshim/pullserver/pkg/chunk"
)

// Server is the shuffle pull server: it serves intermediate partitioned task
// output from local disk to downstream tasks over HTTP GET. It runs as a
// dskit service; StartAsync/StopAsync (or the services helpers) drive the
// lifecycle.
type Server struct {
	services.Service

	cfg      *Config
	logger   log.Logger
	registry *Registry
	engine   *chunk.Engine

	tlsConfig *tls.Config
	listener  net.Listener
	adminLn   net.Listener
	adminSrv  *http.Server

	boundPort  atomic.Int32
	liveConns  atomic.Int32
	conns      sync.Map
	sem        *semaphore.Weighted
	handlersWG sync.WaitGroup
}

func New(cfg *Config, logger log.Logger) (*Server, error) {
	if err := cfg.Validate(); err != nil {
		return nil, errors.Wrap(err, "invalid shuffle config")
	}

	s := &Server{
		cfg:      cfg,
		logger:   log.With(logger, "component", "shuffle"),
		registry: NewRegistry(),
		sem:      semaphore.NewWeighted(int64(cfg.MaxConcurrentRequests)),
	}
	s.engine = chunk.NewEngine(cfg.ManageOSCache, cfg.ReadaheadBytes, cfg.SSLFileBufferSize, s.logger)

	if cfg.TLS.Enabled {
		cert, err := tls.LoadX509KeyPair(cfg.TLS.CertFile, cfg.TLS.KeyFile)
		if err != nil {
			return nil, errors.Wrap(err, "loading shuffle tls key pair")
		}
		s.tlsConfig = &tls.Config{Certificates: []tls.Certificate{cert}}
	}

	s.Service = services.NewBasicService(s.starting, s.running, s.stopping)
	return s, nil
}

// Registry returns the application→user registry owned by this server.
func (s *Server) Registry() *Registry { return s.registry }

// BoundPort returns the resolved listen port. Valid once the service is
// running; this is the port upstream hands to downstream tasks when the
// configured port was 0.
func (s *Server) BoundPort() int { return int(s.boundPort.Load()) }

// PortMeta returns the versioned serialized form of the bound port for
// inter-process handoff.
func (s *Server) PortMeta() ([]byte, error) { return SerializePortMeta(s.BoundPort()) }

// AdminPort returns the resolved admin port, or 0 when disabled.
func (s *Server) AdminPort() int {
	if s.adminLn == nil {
		return 0
	}
	return s.adminLn.Addr().(*net.TCPAddr).Port
}

func (s *Server) starting(_ context.Context) error {
	ln, err := net.Listen("tcp", fmt.Sprintf(":%d", s.cfg.ListenPort))
	if err != nil {
		return errors.Wrapf(err, "binding shuffle port %d", s.cfg.ListenPort)
	}
	s.boundPort.Store(int32(ln.Addr().(*net.TCPAddr).Port))

	if s.tlsConfig != nil {
		ln = tls.NewListener(ln, s.tlsConfig)
	}
	s.listener = ln

	level.Info(s.logger).Log("msg", "shuffle server listening",
		"port", s.BoundPort(), "tls", s.tlsConfig != nil, "base_dir", s.cfg.BaseDir)

	if s.cfg.AdminListenPort > 0 {
		adminLn, err := net.Listen("tcp", fmt.Sprintf(":%d", s.cfg.AdminListenPort))
		if err != nil {
			_ = s.listener.Close()
			return errors.Wrapf(err, "binding admin port %d", s.cfg.AdminListenPort)
		}
		s.adminLn = adminLn
		s.adminSrv = &http.Server{Handler: s.adminMux()}
		go func() {
			if err := s.adminSrv.Serve(adminLn); err != nil && !errors.Is(err, http.ErrServerClosed) {
				level.Error(s.logger).Log("msg", "admin server exited", "err", err)
			}
		}()
		level.Info(s.logger).Log("msg", "admin endpoint listening", "port", s.AdminPort())
	}
	return nil
}

func (s *Server) running(ctx context.Context) error {
	// Accept does not honor ctx; close the listener to unblock it when the
	// service is told to stop.
	go func() {
		<-ctx.Done()
		_ = s.listener.Close()
	}()

	for {
		conn, err := s.listener.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			return errors.Wrap(err, "accepting shuffle connection")
		}

		n := s.liveConns.Inc()
		level.Debug(s.logger).Log("msg", "accepted shuffle connection", "live", n)

		s.handlersWG.Add(1)
		go s.handleConn(ctx, conn)
	}
}

func (s *Server) stopping(_ error) error {
	_ = s.listener.Close()
	if s.adminSrv != nil {
		_ = s.adminSrv.Close()
	}

	// close tracked connections and give their handlers a bounded grace
	// period to finish
	s.conns.Range(func(key, _ any) bool {
		_ = key.(net.Conn).Close()
		return true
	})

	done := make(chan struct{})
	go func() {
		s.handlersWG.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(s.cfg.ShutdownGrace):
		level.Warn(s.logger).Log("msg", "shutdown grace expired with handlers still live", "live", s.liveConns.Load())
	}

	level.Info(s.logger).Log("msg", "shuffle server stopped")
	return nil
}
