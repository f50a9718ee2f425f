package firmware

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"sync/atomic"

	"github.com/omnifleet/robot-bridge/internal/metrics"
	"go.uber.org/zap"
)

// otaChunkSize is the read/write unit for streaming an image.
const otaChunkSize = 1024

// Server is the always-on OTA TCP listener. It runs from startup
// regardless of whether an image is armed; connections that do not
// match the arm are closed without writing a byte.
type Server struct {
	mgr    *Manager
	ln     net.Listener
	ready  atomic.Bool
	logger *zap.Logger
}

func NewServer(mgr *Manager, logger *zap.Logger) *Server {
	return &Server{mgr: mgr, logger: logger}
}

// Start binds the listener and launches the accept loop. The loop runs
// until Shutdown closes the listener.
func (s *Server) Start(addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("firmware: binding OTA listener on %s: %w", addr, err)
	}
	s.ln = ln
	s.ready.Store(true)
	s.logger.Info("OTA server listening", zap.String("addr", addr))

	go s.acceptLoop()
	return nil
}

// Ready reports whether the listener is accepting.
func (s *Server) Ready() bool { return s.ready.Load() }

func (s *Server) acceptLoop() {
	for {
		conn, err := s.ln.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return
			}
			s.logger.Error("OTA accept error", zap.Error(err))
			continue
		}
		go s.handle(conn)
	}
}

// Shutdown closes the listener. In-flight transfers finish on their
// own; a firmware stream is short and not worth draining.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.ln == nil {
		return nil
	}
	s.ready.Store(false)
	return s.ln.Close()
}

func (s *Server) handle(conn net.Conn) {
	defer conn.Close()

	ip, _, err := net.SplitHostPort(conn.RemoteAddr().String())
	if err != nil {
		s.logger.Error("OTA client with unparseable address",
			zap.String("remote", conn.RemoteAddr().String()),
			zap.Error(err),
		)
		return
	}
	s.logger.Info("OTA client connected", zap.String("robot_ip", ip))

	armed, ok := s.mgr.Consume(ip)
	if !ok {
		if target := s.mgr.ArmedTarget(); target != "" {
			s.logger.Warn("OTA client does not match armed target",
				zap.String("robot_ip", ip),
				zap.String("target", target),
			)
			metrics.OTATransfersTotal.WithLabelValues("wrong_target").Inc()
		} else {
			s.logger.Warn("OTA client connected with no firmware armed",
				zap.String("robot_ip", ip),
			)
			metrics.OTATransfersTotal.WithLabelValues("no_arm").Inc()
		}
		return
	}

	if err := s.stream(conn, armed); err != nil {
		// The arm was already consumed, so a failed image is not
		// retried on the next connection.
		s.logger.Error("OTA transfer failed",
			zap.String("robot_ip", ip),
			zap.String("file", armed.Path),
			zap.Error(err),
		)
		metrics.OTATransfersTotal.WithLabelValues("io_error").Inc()
		return
	}

	metrics.OTATransfersTotal.WithLabelValues("sent").Inc()
	s.logger.Info("OTA transfer complete",
		zap.String("robot_ip", ip),
		zap.String("file", armed.Path),
		zap.Int64("size", armed.Size),
	)

	if err := os.Remove(armed.Path); err != nil {
		s.logger.Error("removing delivered firmware file",
			zap.String("file", armed.Path),
			zap.Error(err),
		)
	}
}

func (s *Server) stream(conn net.Conn, armed *Armed) error {
	f, err := os.Open(armed.Path)
	if err != nil {
		return fmt.Errorf("opening %s: %w", armed.Path, err)
	}
	defer f.Close()

	buf := make([]byte, otaChunkSize)
	for {
		n, err := f.Read(buf)
		if n > 0 {
			if _, werr := conn.Write(buf[:n]); werr != nil {
				return fmt.Errorf("writing to robot: %w", werr)
			}
			metrics.OTABytesSentTotal.Add(float64(n))
		}
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return fmt.Errorf("reading %s: %w", armed.Path, err)
		}
	}
}
