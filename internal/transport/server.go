package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/net/netutil"

	"github.com/zboralski/seemu/internal/log"
	"github.com/zboralski/seemu/internal/syscalls"
)

// outboundQueue is the number of unsolicited frames buffered per client.
const outboundQueue = 16

// Exchanger delivers a command APDU and returns the firmware's response.
type Exchanger interface {
	Exchange(ctx context.Context, apdu []byte) ([]byte, error)
}

// Server accepts one client at a time. Every inbound frame is exchanged
// with the firmware and the response is written back. A new client may
// connect once the previous one left.
type Server struct {
	ex  Exchanger
	log *log.Logger

	mu  sync.Mutex
	out chan []byte // unsolicited frames for the attached client
	ln  net.Listener
}

// NewServer returns a server exchanging frames with ex.
func NewServer(ex Exchanger, l *log.Logger) *Server {
	if l == nil {
		l = log.NewNop()
	}
	return &Server{ex: ex, log: l.WithCategory("apdu")}
}

// Send queues a frame the firmware produced outside an exchange. It never
// blocks: without a client, or with a full queue, the error wraps
// syscalls.ErrTransport.
func (s *Server) Send(frame []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.out == nil {
		return fmt.Errorf("apdu: no client: %w", syscalls.ErrTransport)
	}
	select {
	case s.out <- frame:
		return nil
	default:
		return fmt.Errorf("apdu: client not reading: %w", syscalls.ErrTransport)
	}
}

// Addr returns the listening address once Serve runs.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ln == nil {
		return nil
	}
	return s.ln.Addr()
}

// ListenAndServe listens on addr and serves until ctx is cancelled.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("apdu listen: %w", err)
	}
	return s.Serve(ctx, ln)
}

// Serve accepts clients on ln until ctx is cancelled. It returns nil on
// cancellation.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	ln = netutil.LimitListener(ln, 1)
	s.mu.Lock()
	s.ln = ln
	s.mu.Unlock()
	stop := context.AfterFunc(ctx, func() { ln.Close() })
	defer stop()
	defer ln.Close()

	s.log.Info("listening", zap.Stringer("addr", ln.Addr()))
	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("apdu accept: %w", err)
		}
		s.serveConn(ctx, conn)
	}
}

// serveConn runs one client to completion.
func (s *Server) serveConn(ctx context.Context, conn net.Conn) {
	peer := conn.RemoteAddr().String()
	s.log.Info("client attached", zap.String("peer", peer))

	ctx, cancel := context.WithCancel(ctx)
	stop := context.AfterFunc(ctx, func() { conn.Close() })
	out := make(chan []byte, outboundQueue)
	s.mu.Lock()
	s.out = out
	s.mu.Unlock()

	var wmu sync.Mutex
	write := func(p []byte) error {
		wmu.Lock()
		defer wmu.Unlock()
		return WriteFrame(conn, p)
	}

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for {
			select {
			case <-ctx.Done():
				return
			case frame := <-out:
				if err := write(frame); err != nil {
					s.log.Transport("write", err)
					cancel()
					return
				}
			}
		}
	}()

	err := s.readLoop(ctx, conn, write)
	switch {
	case err == nil, errors.Is(err, io.EOF), ctx.Err() != nil:
	default:
		s.log.Transport("read", err)
	}

	s.mu.Lock()
	s.out = nil
	s.mu.Unlock()
	cancel()
	stop()
	conn.Close()
	wg.Wait()
	s.log.Info("client detached", zap.String("peer", peer))
}

func (s *Server) readLoop(ctx context.Context, conn net.Conn, write func([]byte) error) error {
	for {
		cmd, err := ReadFrame(conn, MaxFrame)
		if err != nil {
			return err
		}
		s.log.Debug("command", zap.Binary("apdu", cmd))
		resp, err := s.ex.Exchange(ctx, cmd)
		if err != nil {
			return fmt.Errorf("exchange: %w", err)
		}
		s.log.Debug("response", zap.Binary("apdu", resp))
		if err := write(resp); err != nil {
			return err
		}
	}
}

// Client is a minimal APDU client over the same framing.
type Client struct {
	conn net.Conn
}

// Dial connects to a server at addr.
func Dial(ctx context.Context, addr string) (*Client, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, err
	}
	return &Client{conn: conn}, nil
}

// Exchange sends apdu and reads one response frame.
func (c *Client) Exchange(apdu []byte) ([]byte, error) {
	if err := WriteFrame(c.conn, apdu); err != nil {
		return nil, err
	}
	return ReadFrame(c.conn, MaxFrame)
}

// Receive reads one frame.
func (c *Client) Receive() ([]byte, error) { return ReadFrame(c.conn, MaxFrame) }

// Close closes the connection.
func (c *Client) Close() error { return c.conn.Close() }
