package main

import (
	"bufio"
	"errors"
	"io"
	"net"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// WorkerConfig bounds one connection's appetite for time and bytes.
type WorkerConfig struct {
	ReadTimeout    time.Duration
	WriteTimeout   time.Duration
	MaxHeaderBytes int
	MaxBodyBytes   int
}

// Worker owns one accepted connection end-to-end: it parses requests
// off the wire, resolves them, writes responses, and decides between
// keep-alive and close. Nothing else touches the connection while the
// worker lives.
type Worker struct {
	conn      net.Conn
	reader    *bufio.Reader
	resolver  *Resolver
	config    WorkerConfig
	log       zerolog.Logger
	stats     *Stats
	req       *Request
	res       *Response
	keepAlive bool
	served    int
	done      chan struct{}
	cancel    sync.Once
}

type stateFunc func(*Worker) stateFunc

func NewWorker(resolver *Resolver, config WorkerConfig, log zerolog.Logger, stats *Stats) *Worker {
	return &Worker{
		resolver: resolver,
		config:   config,
		log:      log,
		stats:    stats,
		done:     make(chan struct{}),
	}
}

// Start runs the state machine until the connection ends. The worker
// takes the ownership of |conn|.
func (w *Worker) Start(conn net.Conn) {
	w.conn = conn
	w.reader = bufio.NewReader(conn)

	for state := waitForRequest; state != nil; {
		state = state(w)
	}
}

// Cancel asks a running worker to stop after its current state. Safe
// to call more than once.
func (w *Worker) Cancel() {
	w.cancel.Do(func() { close(w.done) })
}

func (w *Worker) requestReceived(req *Request) stateFunc {
	w.req = req
	w.keepAlive = shouldKeepAlive(req)

	res := w.resolver.Resolve(req)
	res.SetHeader("Connection", connectionToken(w.keepAlive))
	w.res = res
	return sendResponse
}

// readFailed sorts out why the wait for a request ended: malformed
// input earns an error response, everything else just ends the
// connection.
func (w *Worker) readFailed(err error) stateFunc {
	var pe *ParseError
	if errors.As(err, &pe) {
		w.log.Debug().Err(pe).Msg("malformed request")
		w.keepAlive = false
		res := errorResponse(pe.Status())
		res.SetHeader("Connection", "close")
		w.res = res
		return sendResponse
	}

	var ne net.Error
	switch {
	case errors.As(err, &ne) && ne.Timeout():
		w.log.Debug().Int("served", w.served).Msg("idle timeout, closing")
	case errors.Is(err, io.EOF), errors.Is(err, io.ErrUnexpectedEOF), errors.Is(err, net.ErrClosed):
		w.log.Debug().Int("served", w.served).Msg("peer closed connection")
	default:
		w.log.Warn().Err(err).Msg("read failed")
	}
	return finishWorker
}

func shouldKeepAlive(req *Request) bool {
	token := lowerASCII(req.Headers["connection"])
	if req.Version == "HTTP/1.0" {
		return token == "keep-alive"
	}
	return token != "close"
}

func connectionToken(keepAlive bool) string {
	if keepAlive {
		return "keep-alive"
	}
	return "close"
}

// state funcs

func waitForRequest(w *Worker) stateFunc {
	if w.config.ReadTimeout > 0 {
		w.conn.SetReadDeadline(time.Now().Add(w.config.ReadTimeout))
	}
	r := NewRequestReader(w.reader, w.config.MaxHeaderBytes, w.config.MaxBodyBytes)
	r.Start()
	select {
	case req := <-r.RequestReceived():
		return w.requestReceived(req)
	case err := <-r.ErrorOccurred():
		return w.readFailed(err)
	case <-w.done:
		return finishWorker
	}
}

func sendResponse(w *Worker) stateFunc {
	if w.config.WriteTimeout > 0 {
		w.conn.SetWriteDeadline(time.Now().Add(w.config.WriteTimeout))
	}
	n, err := WriteResponse(w.conn, w.res)
	if err != nil {
		w.log.Warn().Err(err).Int("written", n).Msg("write failed")
		return finishWorker
	}
	w.served++
	w.stats.Served.Inc()

	method, uri := "", ""
	if w.req != nil {
		method, uri = w.req.Method, w.req.RawURI
	}
	w.log.Debug().
		Str("method", method).
		Str("uri", uri).
		Int("status", w.res.Status).
		Int("bytes", n).
		Msg("response sent")

	if !w.keepAlive {
		return finishWorker
	}
	w.req, w.res = nil, nil
	return waitForRequest
}

func finishWorker(w *Worker) stateFunc {
	if w.conn != nil {
		w.conn.Close()
	}
	w.log.Debug().Int("served", w.served).Msg("worker finished")
	return nil
}
