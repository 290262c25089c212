package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
)

var (
	addr         = flag.String("addr", defaultAddr, "listen address")
	root         = flag.String("root", ".", "root directory for files")
	readTimeout  = flag.Duration("read-timeout", defaultReadTimeout, "per-request read timeout")
	writeTimeout = flag.Duration("write-timeout", defaultWriteTimeout, "per-response write timeout")
	maxHeader    = flag.Int("max-header-bytes", defaultMaxHeaderBytes, "request line + header size cap")
	maxBody      = flag.Int("max-body-bytes", defaultMaxBodyBytes, "request body size cap")
	useReuseport = flag.Bool("reuseport", false, "bind with SO_REUSEPORT")
	debug        = flag.Bool("debug", false, "log every request")
)

func main() {
	flag.Parse()

	zerolog.TimeFieldFormat = time.RFC3339
	level := zerolog.InfoLevel
	if *debug {
		level = zerolog.DebugLevel
	}
	log := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).
		Level(level).
		With().Timestamp().Logger()

	source, err := NewDirSource(*root)
	if err != nil {
		log.Fatal().Err(err).Str("root", *root).Msg("bad root directory")
	}

	server := NewServer(Config{
		Addr:           *addr,
		ReadTimeout:    *readTimeout,
		WriteTimeout:   *writeTimeout,
		MaxHeaderBytes: *maxHeader,
		MaxBodyBytes:   *maxBody,
		Reuseport:      *useReuseport,
		Logger:         log,
	}, source)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := server.Start(ctx); err != nil {
		log.Fatal().Err(err).Str("addr", *addr).Msg("bind failed")
	}
	<-ctx.Done()
	server.Stop()
}
