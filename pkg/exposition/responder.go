// Copyright 2025 UMH Systems GmbH
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package exposition serves the metrics store to scrapers. It reads only the
// request line of each connection, answers once and closes the socket.
package exposition

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/united-manufacturing-hub/rdma-metric-collector/pkg/constants"
	"github.com/united-manufacturing-hub/rdma-metric-collector/pkg/metrics"
)

// ContentType is the content type of a successful scrape.
const ContentType = "text/plain; version=0.0.4; charset=utf-8"

const errorContentType = "text/plain; charset=utf-8"

// Renderer produces the exposition body.
type Renderer interface {
	Render() ([]byte, error)
}

// Config configures the responder.
type Config struct {
	Addr          string
	Path          string
	MaxConcurrent int
	ReadTimeout   time.Duration
}

// DefaultConfig returns the default listen address, path and worker bound.
func DefaultConfig() Config {
	return Config{
		Addr:          constants.DefaultExpositionAddr,
		Path:          constants.DefaultExpositionPath,
		MaxConcurrent: constants.DefaultExpositionWorkers,
		ReadTimeout:   constants.ExpositionReadTimeout,
	}
}

// Responder is the scrape endpoint.
type Responder struct {
	cfg      Config
	renderer Renderer
	logger   *zap.SugaredLogger
	workers  *semaphore.Weighted

	mu       sync.Mutex
	listener net.Listener
	wg       sync.WaitGroup
}

// New creates a responder. Listen binds it; Serve answers requests.
func New(cfg Config, renderer Renderer, log *zap.SugaredLogger) *Responder {
	def := DefaultConfig()
	if cfg.Path == "" {
		cfg.Path = def.Path
	}
	if cfg.MaxConcurrent < 1 {
		cfg.MaxConcurrent = 1
	}
	if cfg.ReadTimeout <= 0 {
		cfg.ReadTimeout = def.ReadTimeout
	}

	return &Responder{
		cfg:      cfg,
		renderer: renderer,
		logger:   log,
		workers:  semaphore.NewWeighted(int64(cfg.MaxConcurrent)),
	}
}

// Listen binds the configured TCP address.
func (r *Responder) Listen() error {
	l, err := net.Listen("tcp", r.cfg.Addr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", r.cfg.Addr, err)
	}

	r.mu.Lock()
	r.listener = l
	r.mu.Unlock()

	r.logger.Infof("Serving %s on %s", r.cfg.Path, l.Addr())

	return nil
}

// Addr returns the bound address, nil before Listen.
func (r *Responder) Addr() net.Addr {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.listener == nil {
		return nil
	}

	return r.listener.Addr()
}

// Run binds if needed and serves until ctx is cancelled.
func (r *Responder) Run(ctx context.Context) error {
	if r.Addr() == nil {
		if err := r.Listen(); err != nil {
			return err
		}
	}

	return r.Serve(ctx)
}

// Serve accepts connections until ctx is cancelled. At most MaxConcurrent
// connections are answered at once; with one the responder is sequential.
func (r *Responder) Serve(ctx context.Context) error {
	r.mu.Lock()
	l := r.listener
	r.mu.Unlock()

	if l == nil {
		return errors.New("responder is not listening")
	}

	stop := context.AfterFunc(ctx, func() { _ = l.Close() })
	defer stop()
	defer r.wg.Wait()

	var delay time.Duration

	for {
		if err := r.workers.Acquire(ctx, 1); err != nil {
			return nil
		}

		conn, err := l.Accept()
		if err != nil {
			r.workers.Release(1)

			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				r.logger.Info("Exposition responder stopped")

				return nil
			}

			// out of file descriptors, aborted handshakes: keep serving
			delay = nextAcceptDelay(delay)
			r.logger.Warnf("Accepting scrape connection failed, retrying in %s: %v", delay, err)

			select {
			case <-ctx.Done():
				return nil
			case <-time.After(delay):
			}

			continue
		}
		delay = 0

		r.wg.Add(1)

		go func() {
			defer r.wg.Done()
			defer r.workers.Release(1)

			r.serveConn(conn)
		}()
	}
}

func nextAcceptDelay(delay time.Duration) time.Duration {
	if delay == 0 {
		return constants.AcceptRetryDelay
	}

	delay *= 2
	if delay > constants.MaxAcceptRetryDelay {
		delay = constants.MaxAcceptRetryDelay
	}

	return delay
}

func (r *Responder) serveConn(conn net.Conn) {
	defer func() { _ = conn.Close() }()

	_ = conn.SetReadDeadline(time.Now().Add(r.cfg.ReadTimeout))

	reader := bufio.NewReaderSize(conn, constants.MaxRequestLine)

	line, err := reader.ReadSlice('\n')
	switch {
	case err == nil:
	case errors.Is(err, io.EOF) && len(line) > 0:
	case errors.Is(err, bufio.ErrBufferFull):
		r.respond(conn, false, http.StatusBadRequest, nil, nil)

		return
	default:
		r.logger.Debugf("No request line from %s: %v", conn.RemoteAddr(), err)

		return
	}

	method, path, err := ParseRequestLine(string(line))
	if err != nil {
		r.logger.Debugf("Bad request from %s: %q", conn.RemoteAddr(), line)
		r.respond(conn, false, http.StatusBadRequest, nil, nil)

		return
	}

	head := method == http.MethodHead

	switch {
	case path != r.cfg.Path:
		r.respond(conn, head, http.StatusNotFound, nil, nil)
	case method != http.MethodGet && !head:
		r.respond(conn, false, http.StatusMethodNotAllowed, map[string]string{"Allow": "GET, HEAD"}, nil)
	default:
		body, err := r.renderer.Render()
		if err != nil {
			r.logger.Warnf("Rendering metrics failed: %v", err)
			metrics.IncErrorCount(metrics.ComponentExposition)
			r.respond(conn, head, http.StatusInternalServerError, nil, nil)

			return
		}

		r.respond(conn, head, http.StatusOK, map[string]string{"Content-Type": ContentType}, body)
	}
}

// respond writes one complete response. Error responses carry the status
// text as body. Without a body (HEAD) the headers still describe it.
func (r *Responder) respond(conn net.Conn, head bool, code int, headers map[string]string, body []byte) {
	metrics.IncExpositionResponse(code)

	if code != http.StatusOK {
		body = []byte(http.StatusText(code) + "\n")
	}

	w := bufio.NewWriter(conn)
	fmt.Fprintf(w, "HTTP/1.1 %d %s\r\n", code, http.StatusText(code))

	contentType := errorContentType
	if ct, ok := headers["Content-Type"]; ok {
		contentType = ct
	}
	fmt.Fprintf(w, "Content-Type: %s\r\n", contentType)
	if allow, ok := headers["Allow"]; ok {
		fmt.Fprintf(w, "Allow: %s\r\n", allow)
	}
	fmt.Fprintf(w, "Content-Length: %s\r\n", strconv.Itoa(len(body)))
	fmt.Fprint(w, "Connection: close\r\n\r\n")

	if !head {
		_, _ = w.Write(body)
	}

	if err := w.Flush(); err != nil {
		r.logger.Debugf("Writing response to %s: %v", conn.RemoteAddr(), err)

		return
	}

	lingerClose(conn)
}

// lingerClose shuts the write side and discards what the client still sends
// (its remaining headers), so closing does not reset the connection before
// the client has read the response.
func lingerClose(conn net.Conn) {
	hc, ok := conn.(interface{ CloseWrite() error })
	if !ok {
		return
	}
	if err := hc.CloseWrite(); err != nil {
		return
	}

	_ = conn.SetReadDeadline(time.Now().Add(500 * time.Millisecond))
	_, _ = io.Copy(io.Discard, io.LimitReader(conn, 64<<10))
}
