// Package transport drives the daemon's network listeners: the UDP socket
// TNFS actually speaks, and a TCP listener stubbed at the interface
// boundary (SPEC_FULL.md §13). The UDP loop, the TCP accept loop and the
// expiry sweep run as separate goroutines under one errgroup, so the process
// is not a single-threaded event loop: each loop polls with a bounded
// deadline, UDP requests are dispatched one at a time on the UDP goroutine,
// and the sweep runs concurrently with that dispatch on its own ticker.
package transport

import (
	"context"
	"io"
	"net"
	"time"

	"github.com/jpillora/backoff"
	"golang.org/x/sync/errgroup"

	"github.com/kgbplus/tnfsd/internal/dispatcher"
	"github.com/kgbplus/tnfsd/internal/log"
	"github.com/kgbplus/tnfsd/internal/session"
	"github.com/kgbplus/tnfsd/internal/wire"
)

// MaxDatagram is the largest UDP datagram read or written, matching the
// wire codec's MAXMSGSZ.
const MaxDatagram = wire.MaxDatagram

// pollDeadline bounds each socket poll so the expiry sweep runs on a steady
// cadence even when idle (spec.md §4.9).
const pollDeadline = 1 * time.Second

// Server drives the UDP and TCP listeners against one Dispatcher.
type Server struct {
	Addr       string // host:port, shared by UDP and TCP
	Dispatcher *dispatcher.Dispatcher
	Sessions   *session.Manager
}

// Run listens on Addr over UDP and TCP until ctx is cancelled, running the
// session expiry sweep on every poll tick. It returns once every listener
// goroutine has stopped.
func (s *Server) Run(ctx context.Context) error {
	udpAddr, err := net.ResolveUDPAddr("udp", s.Addr)
	if err != nil {
		return err
	}
	udpConn, err := net.ListenUDP("udp", udpAddr)
	if err != nil {
		return err
	}
	defer udpConn.Close()

	tcpListener, err := net.Listen("tcp", s.Addr)
	if err != nil {
		return err
	}
	defer tcpListener.Close()

	log.Logf(s.Addr, "listening (udp+tcp)")

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return s.runUDP(gctx, udpConn) })
	g.Go(func() error { return s.runTCP(gctx, tcpListener.(*net.TCPListener)) })
	g.Go(func() error { return s.runSweep(gctx) })

	err = g.Wait()
	if ctx.Err() != nil {
		return nil // clean shutdown, not a failure
	}
	return err
}

func (s *Server) runSweep(ctx context.Context) error {
	ticker := time.NewTicker(pollDeadline)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			s.Sessions.Sweep()
		}
	}
}

func (s *Server) runUDP(ctx context.Context, conn *net.UDPConn) error {
	buf := make([]byte, MaxDatagram)
	retry := &backoff.Backoff{Min: 10 * time.Millisecond, Max: time.Second, Factor: 2}
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
		if err := conn.SetReadDeadline(time.Now().Add(pollDeadline)); err != nil {
			return err
		}
		n, addr, err := conn.ReadFromUDP(buf)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				continue
			}
			log.Errorf(s.Addr, "udp read error: %v", err)
			time.Sleep(retry.Duration())
			continue
		}
		retry.Reset()

		req := append([]byte(nil), buf[:n]...)
		resp := s.Dispatcher.Dispatch(addr, session.TransportUDP, req)
		if resp == nil {
			continue
		}
		if _, err := conn.WriteToUDP(resp, addr); err != nil {
			log.Errorf(addr, "udp write error: %v", err)
		}
	}
}

func (s *Server) runTCP(ctx context.Context, listener *net.TCPListener) error {
	retry := &backoff.Backoff{Min: 10 * time.Millisecond, Max: time.Second, Factor: 2}
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
		if err := listener.SetDeadline(time.Now().Add(pollDeadline)); err != nil {
			return err
		}
		conn, err := listener.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				continue
			}
			log.Errorf(s.Addr, "tcp accept error: %v", err)
			time.Sleep(retry.Duration())
			continue
		}
		retry.Reset()
		go s.serveTCPConn(conn)
	}
}

// serveTCPConn implements SPEC_FULL.md §13: read the 16-bit length prefix,
// answer whatever command follows with ENOSYS (treating the connection as
// session-less), then close. This matches the reference daemon's TCP
// boundary, which accepts and logs a connection but never reads from it.
func (s *Server) serveTCPConn(conn net.Conn) {
	defer conn.Close()
	addr := conn.RemoteAddr()
	log.Debugf(addr, "tcp connection accepted")

	var lenBuf [2]byte
	if _, err := io.ReadFull(conn, lenBuf[:]); err != nil {
		log.Debugf(addr, "tcp: no length prefix: %v", err)
		return
	}
	n := int(lenBuf[0]) | int(lenBuf[1])<<8
	if n <= 0 || n > MaxDatagram {
		return
	}
	body := make([]byte, n)
	if _, err := io.ReadFull(conn, body); err != nil {
		log.Debugf(addr, "tcp: short body: %v", err)
		return
	}

	hdr, _, err := wire.DecodeRequestHeader(body)
	if err != nil {
		return
	}
	resp := wire.EncodeResponse(hdr.SID, hdr.Seq, hdr.Cmd, wire.ENOSYS, nil)
	_, _ = conn.Write(resp)
}
