// Package tnfs assembles the dispatcher, session manager, VFS adapter, and
// network listeners into a runnable daemon, the way rclone's cmd/serve/*
// packages wrap a protocol implementation behind an Options/Server pair.
package tnfs

import (
	"context"
	"fmt"
	"net"
	"os"
	"strconv"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/kgbplus/tnfsd/internal/dispatcher"
	"github.com/kgbplus/tnfsd/internal/log"
	"github.com/kgbplus/tnfsd/internal/metrics"
	"github.com/kgbplus/tnfsd/internal/session"
	"github.com/kgbplus/tnfsd/internal/transport"
	"github.com/kgbplus/tnfsd/internal/vfs"
)

// Options configures one daemon instance.
type Options struct {
	Root        string
	Host        string
	Port        int
	Verbose     bool
	IdleTimeout time.Duration
	MetricsAddr string // empty disables the /metrics endpoint
}

// DefaultOpt matches spec.md §6's CLI defaults.
var DefaultOpt = Options{
	Host:        "0.0.0.0",
	Port:        16384,
	IdleTimeout: session.DefaultIdleTimeout,
}

// Server is a constructed, not-yet-running daemon instance.
type Server struct {
	opt       *Options
	sessions  *session.Manager
	metrics   *metrics.Recorder
	transport *transport.Server
}

// NewServer validates opt and wires up the dispatcher, returning a Server
// ready for Serve. It does not open any sockets yet.
func NewServer(opt *Options) (*Server, error) {
	info, err := os.Stat(opt.Root)
	if err != nil {
		return nil, fmt.Errorf("export root %q: %w", opt.Root, err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("export root %q is not a directory", opt.Root)
	}

	var rec *metrics.Recorder
	if opt.MetricsAddr != "" {
		rec = metrics.NewRecorder()
	}

	sessions := session.NewManager(opt.IdleTimeout)
	disp := &dispatcher.Dispatcher{
		Root:     opt.Root,
		FS:       vfs.NewLocal(),
		Sessions: sessions,
		Metrics:  rec,
	}
	srv := &transport.Server{
		Addr:       net.JoinHostPort(opt.Host, strconv.Itoa(opt.Port)),
		Dispatcher: disp,
		Sessions:   sessions,
	}

	return &Server{opt: opt, sessions: sessions, metrics: rec, transport: srv}, nil
}

// Serve runs the daemon until ctx is cancelled.
func (s *Server) Serve(ctx context.Context) error {
	log.Logf("tnfsd", "exporting %q on %s", s.opt.Root, s.transport.Addr)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return s.transport.Run(gctx) })
	if s.metrics != nil {
		g.Go(func() error { return s.metrics.Serve(gctx, s.opt.MetricsAddr) })
	}
	return g.Wait()
}
