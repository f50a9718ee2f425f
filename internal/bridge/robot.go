package bridge

import (
	"bufio"
	"encoding/json"
	"errors"
	"io"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/omnifleet/robot-bridge/internal/frame"
	"github.com/omnifleet/robot-bridge/internal/metrics"
	"github.com/omnifleet/robot-bridge/internal/pid"
	"github.com/omnifleet/robot-bridge/internal/pose"
	"github.com/omnifleet/robot-bridge/internal/registry"
	"go.uber.org/zap"
)

// lockedWriter serializes writes to one robot socket. The connect-time
// PID push and UI command relays write concurrently with each other.
type lockedWriter struct {
	mu   sync.Mutex
	conn net.Conn
}

func (w *lockedWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.conn.Write(p)
}

func (b *Bridge) startTCP(addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	b.tcpLn = ln
	b.tcpReady.Store(true)
	b.logger.Info("robot TCP server listening", zap.String("addr", addr))

	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				if errors.Is(err, net.ErrClosed) {
					return
				}
				b.logger.Error("robot accept error", zap.Error(err))
				continue
			}
			go b.handleRobot(conn)
		}
	}()
	return nil
}

func (b *Bridge) handleRobot(conn net.Conn) {
	defer conn.Close()

	ip, portStr, err := net.SplitHostPort(conn.RemoteAddr().String())
	if err != nil {
		b.logger.Error("robot with unparseable address",
			zap.String("remote", conn.RemoteAddr().String()),
			zap.Error(err),
		)
		return
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		b.logger.Error("robot with non-numeric port",
			zap.String("remote", conn.RemoteAddr().String()),
			zap.Error(err),
		)
		return
	}

	writer := &lockedWriter{conn: conn}
	alias, err := b.registry.Register(ip, port, writer)
	if err != nil {
		b.logger.Warn("rejecting robot connection",
			zap.String("remote", conn.RemoteAddr().String()),
			zap.String("existing_alias", alias),
			zap.Error(err),
		)
		return
	}
	key := registry.Key(ip, port)
	log := b.logger.With(zap.String("alias", alias), zap.String("unique_key", key))
	log.Info("robot connected")

	// Two acks in order: the minimal status line the firmware gates its
	// registration on, then the full connection_ack.
	if err := writeJSONLine(writer, map[string]any{"status": "success"}); err != nil {
		log.Error("sending status ack", zap.Error(err))
	}
	if err := writeJSONLine(writer, map[string]any{
		"type":        "connection_ack",
		"robot_alias": alias,
		"status":      "success",
	}); err != nil {
		log.Error("sending connection ack", zap.Error(err))
	}

	b.announceRobot("add", registry.RobotInfo{
		IP: ip, Alias: alias, UniqueKey: key, Status: "connected",
	})

	if err := b.pushPID(writer); err != nil {
		log.Error("pushing cached PID config", zap.Error(err))
	}

	b.readLoop(conn, log, ip, alias, key)

	b.registry.Unregister(ip, port)
	b.tracker.Close(key)
	b.sink.Close(key)
	b.announceRobot("remove", registry.RobotInfo{
		IP: ip, Alias: alias, UniqueKey: key, Status: "disconnected",
	})
	log.Info("robot disconnected")
}

func (b *Bridge) readLoop(conn net.Conn, log *zap.Logger, ip, alias, key string) {
	reader := bufio.NewReader(conn)
	for {
		if err := conn.SetReadDeadline(time.Now().Add(b.idleTimeout)); err != nil {
			log.Error("setting read deadline", zap.Error(err))
			return
		}
		line, err := reader.ReadBytes('\n')
		if len(line) > 0 {
			b.processLine(line, log, ip, alias, key)
		}
		if err != nil {
			var nerr net.Error
			if errors.As(err, &nerr) && nerr.Timeout() {
				log.Warn("robot idle timeout, closing session")
			} else if err != io.EOF {
				log.Warn("robot read error", zap.Error(err))
			}
			return
		}
	}
}

// processLine parses, normalizes, stamps, logs, integrates and fans out
// one NDJSON line from the robot. A parse error drops the line only.
func (b *Bridge) processLine(line []byte, log *zap.Logger, ip, alias, key string) {
	msg, err := frame.ParseLine(line)
	if err != nil {
		metrics.ParseErrorsTotal.WithLabelValues("robot").Inc()
		log.Error("invalid JSON from robot", zap.Error(err), zap.ByteString("line", line))
		return
	}

	env := frame.Normalize(msg)
	env.Stamp(ip, alias)
	metrics.RobotFramesTotal.WithLabelValues(env.Type).Inc()

	b.sink.Log(key, env)
	b.router.Broadcast(env)

	var res *pose.Result
	switch env.Type {
	case frame.TypeIMU:
		if data, ok := env.Data.(map[string]any); ok {
			res = b.tracker.UpdateIMU(key, data)
		}
	case frame.TypeEncoder:
		rpms, ok := rpmTriplet(env.Data)
		if !ok {
			log.Warn("encoder frame without an RPM triplet")
			return
		}
		res = b.tracker.UpdateEncoder(key, rpms, env.Timestamp)
	default:
		return
	}
	if res == nil {
		return
	}

	ts := nowUnix()
	b.sink.LogPose(key, ts, res.Position)
	b.router.Broadcast(&frame.Envelope{
		Type:       frame.TypeTrajectory,
		RobotIP:    ip,
		RobotAlias: alias,
		Timestamp:  ts,
		Position:   res.Position,
		Path:       res.Path,
	})
}

// pushPID sends every cached PID entry as a plain-text command line with
// the inter-motor spacing the firmware needs to apply each one.
func (b *Bridge) pushPID(w io.Writer) error {
	entries := b.pid.Entries()
	for i, e := range entries {
		if i > 0 {
			time.Sleep(b.pidPushDelay)
		}
		if _, err := io.WriteString(w, pid.Command(e.Motor, e.Gains)); err != nil {
			return err
		}
	}
	return nil
}

func writeJSONLine(w io.Writer, v any) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return err
	}
	_, err = w.Write(append(payload, '\n'))
	return err
}

func rpmTriplet(data any) ([]float64, bool) {
	raw, ok := data.([]any)
	if !ok || len(raw) < 3 {
		return nil, false
	}
	rpms := make([]float64, 3)
	for i := 0; i < 3; i++ {
		v, ok := raw[i].(float64)
		if !ok {
			return nil, false
		}
		rpms[i] = v
	}
	return rpms, true
}
