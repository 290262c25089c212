package main

import (
	"context"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/puzpuzpuz/xsync/v3"
	"github.com/rs/zerolog"
	"github.com/valyala/fasthttp/reuseport"
)

const (
	defaultAddr           = ":8080"
	defaultServerName     = "sndbox-httpd"
	defaultReadTimeout    = 5 * time.Second
	defaultWriteTimeout   = 5 * time.Second
	defaultMaxHeaderBytes = 8 << 10
	defaultMaxBodyBytes   = 1 << 20
	defaultGracePeriod    = 3 * time.Second
)

type Config struct {
	Addr           string
	ServerName     string
	ReadTimeout    time.Duration
	WriteTimeout   time.Duration
	MaxHeaderBytes int
	MaxBodyBytes   int
	// Reuseport binds with SO_REUSEPORT so several processes can share
	// the port.
	Reuseport   bool
	GracePeriod time.Duration
	Logger      zerolog.Logger
}

// Stats are process-wide counters, safe for concurrent update from
// every worker.
type Stats struct {
	Accepted *xsync.Counter
	Active   *xsync.Counter
	Served   *xsync.Counter
}

func newStats() *Stats {
	return &Stats{
		Accepted: xsync.NewCounter(),
		Active:   xsync.NewCounter(),
		Served:   xsync.NewCounter(),
	}
}

// Server binds a port and hands every accepted connection to a fresh
// Worker goroutine. There is no pool and no cap: thousands of slow
// clients mean thousands of goroutines, an accepted trade-off.
type Server struct {
	config   Config
	resolver *Resolver
	log      zerolog.Logger
	listener net.Listener
	conns    *xsync.MapOf[uint64, net.Conn]
	stats    *Stats
	wg       sync.WaitGroup
	stopping atomic.Bool
	connSeq  atomic.Uint64
}

func NewServer(config Config, source ContentSource) *Server {
	if config.Addr == "" {
		config.Addr = defaultAddr
	}
	if config.ServerName == "" {
		config.ServerName = defaultServerName
	}
	if config.ReadTimeout <= 0 {
		config.ReadTimeout = defaultReadTimeout
	}
	if config.WriteTimeout <= 0 {
		config.WriteTimeout = defaultWriteTimeout
	}
	if config.MaxHeaderBytes <= 0 {
		config.MaxHeaderBytes = defaultMaxHeaderBytes
	}
	if config.MaxBodyBytes <= 0 {
		config.MaxBodyBytes = defaultMaxBodyBytes
	}
	if config.GracePeriod <= 0 {
		config.GracePeriod = defaultGracePeriod
	}
	return &Server{
		config:   config,
		resolver: NewResolver(source, config.ServerName),
		log:      config.Logger,
		conns:    xsync.NewMapOf[uint64, net.Conn](),
		stats:    newStats(),
	}
}

// Start binds the listening socket and launches the accept loop. Bind
// failure is fatal for startup and is returned; accept failures are
// logged and the loop continues.
func (s *Server) Start(ctx context.Context) error {
	ln, err := s.listen()
	if err != nil {
		return err
	}
	s.listener = ln
	s.log.Info().Str("addr", ln.Addr().String()).Msg("server started")

	go func() {
		<-ctx.Done()
		s.stopping.Store(true)
		ln.Close()
	}()

	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				if s.stopping.Load() {
					return
				}
				s.log.Error().Err(err).Msg("accept error")
				continue
			}
			s.wg.Add(1)
			go s.handle(conn)
		}
	}()
	return nil
}

func (s *Server) listen() (net.Listener, error) {
	if s.config.Reuseport {
		return reuseport.Listen("tcp4", s.config.Addr)
	}
	return net.Listen("tcp", s.config.Addr)
}

// Addr reports the bound address, useful when Config.Addr used port 0.
func (s *Server) Addr() net.Addr {
	return s.listener.Addr()
}

func (s *Server) Stats() *Stats {
	return s.stats
}

func (s *Server) handle(conn net.Conn) {
	s.stats.Accepted.Inc()
	s.stats.Active.Inc()

	id := s.connSeq.Add(1)
	log := s.log.With().
		Uint64("conn", id).
		Str("remote", conn.RemoteAddr().String()).
		Logger()
	worker := NewWorker(s.resolver, WorkerConfig{
		ReadTimeout:    s.config.ReadTimeout,
		WriteTimeout:   s.config.WriteTimeout,
		MaxHeaderBytes: s.config.MaxHeaderBytes,
		MaxBodyBytes:   s.config.MaxBodyBytes,
	}, log, s.stats)
	s.conns.Store(id, conn)

	defer func() {
		s.conns.Delete(id)
		s.stats.Active.Dec()
		s.wg.Done()
	}()
	worker.Start(conn) // worker takes the ownership of |conn|
}

// Stop closes the listener, waits up to the grace period for workers
// to drain, then force-closes whatever connections remain.
func (s *Server) Stop() {
	s.stopping.Store(true)
	if s.listener != nil {
		s.listener.Close()
	}

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(s.config.GracePeriod):
		s.log.Warn().Msg("grace period exceeded, closing connections")
		s.conns.Range(func(id uint64, conn net.Conn) bool {
			conn.Close()
			return true
		})
		<-done
	}
	s.log.Info().
		Int64("accepted", s.stats.Accepted.Value()).
		Int64("served", s.stats.Served.Value()).
		Msg("server stopped")
}
