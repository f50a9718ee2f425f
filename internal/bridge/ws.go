package bridge

import (
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"sync"

	"github.com/gorilla/websocket"
	"github.com/omnifleet/robot-bridge/internal/metrics"
	"github.com/omnifleet/robot-bridge/internal/pid"
	"github.com/omnifleet/robot-bridge/internal/registry"
	"github.com/omnifleet/robot-bridge/internal/router"
	"go.uber.org/zap"
)

// wsClient is one UI WebSocket connection. It satisfies router.Sender;
// the write mutex serializes router fan-out with direct command replies.
type wsClient struct {
	id   string
	conn *websocket.Conn
	mu   sync.Mutex
}

func (c *wsClient) Send(payload []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn.WriteMessage(websocket.TextMessage, payload)
}

func (c *wsClient) reply(log *zap.Logger, v any) {
	payload, err := json.Marshal(v)
	if err != nil {
		log.Error("encoding UI reply", zap.Error(err))
		return
	}
	if err := c.Send(payload); err != nil {
		// The read loop or the router's next broadcast finishes the
		// client off; nothing more to do here.
		log.Debug("UI reply send failed", zap.Error(err))
	}
}

func (b *Bridge) startWS(addr string) error {
	upgrader := &websocket.Upgrader{
		CheckOrigin: func(r *http.Request) bool {
			origin := r.Header.Get("Origin")
			return origin == "" || origin == b.cfg.Service.FrontendOrigin
		},
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", b.cfg.Service.FrontendOrigin)
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			b.logger.Warn("WebSocket upgrade failed",
				zap.String("remote", r.RemoteAddr),
				zap.Error(err),
			)
			return
		}
		go b.handleUI(conn)
	})

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	b.wsLn = ln
	b.wsSrv = &http.Server{Addr: addr, Handler: mux}
	b.wsReady.Store(true)
	b.logger.Info("WebSocket server listening", zap.String("addr", addr))

	go func() {
		if err := b.wsSrv.Serve(ln); err != nil && err != http.ErrServerClosed {
			b.logger.Error("WebSocket server error", zap.Error(err))
		}
	}()
	return nil
}

func (b *Bridge) handleUI(conn *websocket.Conn) {
	client := &wsClient{id: conn.RemoteAddr().String(), conn: conn}
	log := b.logger.With(zap.String("client", client.id))
	log.Info("UI client connected")

	b.router.AddClient(client.id, client)
	defer func() {
		b.router.RemoveClient(client.id)
		conn.Close()
		log.Info("UI client disconnected")
	}()

	client.reply(log, map[string]any{
		"type":      "initial_robot_list",
		"robots":    b.registry.Snapshot(),
		"timestamp": nowUnix(),
	})

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				log.Warn("UI read error", zap.Error(err))
			}
			return
		}

		var payload map[string]any
		if err := json.Unmarshal(raw, &payload); err != nil {
			metrics.ParseErrorsTotal.WithLabelValues("ui").Inc()
			log.Error("invalid JSON from UI", zap.Error(err))
			client.reply(log, map[string]any{"type": "error", "message": "Invalid JSON payload"})
			continue
		}
		b.dispatchUI(client, log, payload)
	}
}

func (b *Bridge) dispatchUI(c *wsClient, log *zap.Logger, payload map[string]any) {
	command := strVal(payload, "command")
	msgType := strVal(payload, "type")

	// Firmware verbs and the robot-list request predate the command
	// field; old UI widgets send them as a bare type.
	effective := command
	if effective == "" {
		switch msgType {
		case "get_available_robots", "upload_firmware_start", "firmware_data_chunk", "upload_firmware_end":
			effective = msgType
		}
	}

	if effective != "" {
		metrics.RobotCommandsTotal.WithLabelValues(effective).Inc()
	}

	switch effective {
	case "get_available_robots":
		c.reply(log, map[string]any{
			"type":      "connected_robots_list",
			"robots":    b.registry.Snapshot(),
			"timestamp": nowUnix(),
		})

	case "subscribe":
		b.handleSubscribe(c, log, payload)

	case "unsubscribe":
		b.handleUnsubscribe(c, log, payload)

	case "direct_subscribe":
		b.handleDirectSubscribe(c, log, payload)

	case "direct_unsubscribe":
		b.handleDirectUnsubscribe(c, log, payload)

	case "send_to_robot":
		b.handleSendToRobot(c, log, payload)

	case "upgrade_signal":
		b.relayLiteral(c, log, payload, "upgrade_signal", "Upgrade")

	case "trigger_robot_pid_task":
		b.relayLiteral(c, log, payload, "trigger_robot_pid_task", "Set PID")

	case "load_pid_config":
		b.handleLoadPID(c, log, payload)

	case "request_trajectory":
		b.handleRequestTrajectory(c, log, payload)

	case "upload_firmware_start":
		b.handleFirmwareStart(c, log, payload)

	case "firmware_data_chunk":
		b.handleFirmwareChunk(c, log, payload)

	case "upload_firmware_end":
		b.handleFirmwareEnd(c, log, payload)

	case "":
		// Type-only messages from legacy widgets are harmless noise.
		log.Warn("UI message without a recognized command", zap.String("type", msgType))

	default:
		log.Warn("unknown UI command", zap.String("command", command))
		c.reply(log, map[string]any{
			"type":    "error",
			"message": fmt.Sprintf("Unknown command: %s", command),
		})
	}
}

func (b *Bridge) handleSubscribe(c *wsClient, log *zap.Logger, payload map[string]any) {
	dataType := strVal(payload, "type")
	alias := strVal(payload, "robot_alias")
	if dataType == "" {
		c.reply(log, map[string]any{"type": "error", "command": "subscribe", "message": "Missing 'type' (data_type) for subscription"})
		return
	}
	if alias == "" {
		c.reply(log, map[string]any{"type": "error", "command": "subscribe", "message": "Missing 'robot_alias' for subscription"})
		return
	}
	if !b.registry.HasAlias(alias) {
		c.reply(log, map[string]any{
			"type": "error", "command": "subscribe",
			"message": fmt.Sprintf("Unknown robot_alias '%s' for subscription.", alias),
		})
		return
	}

	b.router.Subscribe(c.id, alias, dataType)
	log.Info("UI subscribed", zap.String("data_type", dataType), zap.String("entity", alias))
	c.reply(log, map[string]any{
		"type": "ack", "command": "subscribe", "status": "success",
		"data_type": dataType, "subscribed_key": alias, "robot_alias": alias,
	})
}

func (b *Bridge) handleUnsubscribe(c *wsClient, log *zap.Logger, payload map[string]any) {
	dataType := strVal(payload, "type")
	alias := strVal(payload, "robot_alias")
	if dataType == "" {
		c.reply(log, map[string]any{"type": "error", "command": "unsubscribe", "message": "Missing 'type' (data_type) for unsubscription"})
		return
	}
	if alias == "" {
		c.reply(log, map[string]any{"type": "error", "command": "unsubscribe", "message": "Missing 'robot_alias' for unsubscription"})
		return
	}

	if b.router.Unsubscribe(c.id, alias, dataType) {
		c.reply(log, map[string]any{
			"type": "ack", "command": "unsubscribe", "status": "success",
			"data_type": dataType, "unsubscribed_key": alias, "robot_alias": alias,
		})
	} else {
		c.reply(log, map[string]any{
			"type": "ack", "command": "unsubscribe", "status": "not_subscribed",
			"data_type": dataType, "robot_alias": alias,
		})
	}
}

// handleDirectSubscribe resolves the subscription entity: a known alias,
// the alias behind a known IP, or the global sentinel when the target is
// absent or unknown (warn-and-default).
func (b *Bridge) handleDirectSubscribe(c *wsClient, log *zap.Logger, payload map[string]any) {
	dataType := strVal(payload, "type")
	if dataType == "" {
		c.reply(log, map[string]any{"type": "error", "command": "direct_subscribe", "message": "Missing 'type' (data_type) for subscription"})
		return
	}

	alias := strVal(payload, "robot_alias")
	ip := strVal(payload, "robot_ip")
	entity := router.GlobalKey
	switch {
	case alias != "":
		if b.registry.HasAlias(alias) {
			entity = alias
		} else {
			log.Warn("direct_subscribe for unknown alias, defaulting to global",
				zap.String("robot_alias", alias), zap.String("data_type", dataType))
		}
	case ip != "":
		if sess := b.registry.LookupByIP(ip); sess != nil {
			entity = sess.Alias
		} else {
			log.Warn("direct_subscribe for unknown IP, defaulting to global",
				zap.String("robot_ip", ip), zap.String("data_type", dataType))
		}
	}

	b.router.Subscribe(c.id, entity, dataType)
	log.Info("UI subscribed", zap.String("data_type", dataType), zap.String("entity", entity))
	c.reply(log, map[string]any{
		"type": "ack", "command": "direct_subscribe", "status": "success",
		"data_type": dataType, "subscribed_key": entity,
	})
}

func (b *Bridge) handleDirectUnsubscribe(c *wsClient, log *zap.Logger, payload map[string]any) {
	dataType := strVal(payload, "type")
	if dataType == "" {
		c.reply(log, map[string]any{"type": "error", "command": "direct_unsubscribe", "message": "Missing 'type' (data_type) for unsubscription"})
		return
	}

	alias := strVal(payload, "robot_alias")
	ip := strVal(payload, "robot_ip")
	entity := router.GlobalKey
	switch {
	case alias != "":
		entity = alias
	case ip != "":
		if sess := b.registry.LookupByIP(ip); sess != nil {
			entity = sess.Alias
		}
	}

	b.router.Unsubscribe(c.id, entity, dataType)
	c.reply(log, map[string]any{
		"type": "ack", "command": "direct_unsubscribe", "status": "success",
		"data_type": dataType, "unsubscribed_key": entity,
	})
}

// resolveTarget finds the live session a UI command addresses. Alias
// wins over IP when both are present.
func (b *Bridge) resolveTarget(payload map[string]any) (*registry.Session, string, string) {
	alias := strVal(payload, "robot_alias")
	ip := strVal(payload, "robot_ip")
	sess := b.registry.Resolve(alias, ip)
	if sess != nil {
		return sess, sess.Alias, sess.IP
	}
	return nil, alias, ip
}

func (b *Bridge) handleSendToRobot(c *wsClient, log *zap.Logger, payload map[string]any) {
	robotPayload, ok := payload["payload"].(map[string]any)
	if !ok || len(robotPayload) == 0 {
		c.reply(log, map[string]any{
			"type": "command_response", "original_command": "send_to_robot",
			"status": "error", "message": "Invalid or missing payload content",
		})
		return
	}

	sess, alias, ip := b.resolveTarget(payload)
	if sess == nil {
		c.reply(log, map[string]any{
			"type": "command_response", "original_command": "send_to_robot",
			"status":  "error",
			"message": fmt.Sprintf("Robot IP '%s' or alias '%s' not found/connected.", ip, alias),
		})
		return
	}

	payloadType := strVal(robotPayload, "type")
	var wire []byte
	if payloadType == "pid_values" {
		motor, okM := floatVal(robotPayload, "motor")
		kp, okP := floatVal(robotPayload, "kp")
		ki, okI := floatVal(robotPayload, "ki")
		kd, okD := floatVal(robotPayload, "kd")
		if !okM || !okP || !okI || !okD {
			c.reply(log, map[string]any{
				"type": "command_response", "original_command": "send_to_robot",
				"payload_type_sent_to_robot": payloadType,
				"status":                     "error",
				"message":                    "Missing motor, Kp, Ki, or Kd in pid_values payload",
				"robot_ip":                   ip, "robot_alias": alias,
			})
			return
		}
		wire = []byte(pid.Command(int(motor), pid.Gains{Kp: kp, Ki: ki, Kd: kd}))
	} else {
		encoded, err := json.Marshal(robotPayload)
		if err != nil {
			c.reply(log, map[string]any{
				"type": "command_response", "original_command": "send_to_robot",
				"status": "error", "message": "Unserializable payload",
			})
			return
		}
		wire = append(encoded, '\n')
	}

	if _, err := sess.Writer.Write(wire); err != nil {
		log.Error("relaying command to robot", zap.String("robot_alias", alias), zap.Error(err))
		c.reply(log, map[string]any{
			"type": "command_response", "original_command": "send_to_robot",
			"payload_type_sent_to_robot": payloadType,
			"status":                     "error",
			"message":                    fmt.Sprintf("Error sending to robot: %v", err),
			"robot_ip":                   ip, "robot_alias": alias,
		})
		return
	}

	log.Info("relayed command to robot",
		zap.String("robot_alias", alias),
		zap.String("payload_type", payloadType),
	)
	c.reply(log, map[string]any{
		"type": "command_response", "original_command": "send_to_robot",
		"payload_type_sent_to_robot": payloadType,
		"status":                     "sent_to_robot",
		"message":                    fmt.Sprintf("Command '%s' sent to robot %s.", payloadType, alias),
		"robot_ip":                   ip, "robot_alias": alias,
	})
}

// relayLiteral writes a bare ASCII control word to the robot; the ESP32
// firmware matches these without framing.
func (b *Bridge) relayLiteral(c *wsClient, log *zap.Logger, payload map[string]any, command, literal string) {
	sess, alias, ip := b.resolveTarget(payload)
	if alias == "" && ip == "" {
		c.reply(log, map[string]any{
			"type": "error", "command": command,
			"message": fmt.Sprintf("Missing 'robot_ip' or 'robot_alias' for %s.", command),
		})
		return
	}
	if sess == nil {
		c.reply(log, map[string]any{
			"type": "command_response", "original_command": command,
			"status":  "error",
			"message": fmt.Sprintf("Robot not found for IP '%s' or alias '%s'.", ip, alias),
		})
		return
	}

	if _, err := sess.Writer.Write([]byte(literal)); err != nil {
		log.Error("sending control word to robot",
			zap.String("robot_alias", alias),
			zap.String("control", literal),
			zap.Error(err),
		)
		c.reply(log, map[string]any{
			"type": "command_response", "original_command": command,
			"status":   "error",
			"message":  fmt.Sprintf("Error sending '%s' command: %v", literal, err),
			"robot_ip": ip, "robot_alias": alias,
		})
		return
	}

	log.Info("sent control word to robot", zap.String("robot_alias", alias), zap.String("control", literal))
	c.reply(log, map[string]any{
		"type": "command_response", "original_command": command,
		"status":   "success",
		"message":  fmt.Sprintf("'%s' command sent to robot %s.", literal, alias),
		"robot_ip": ip, "robot_alias": alias,
	})
}

func (b *Bridge) handleLoadPID(c *wsClient, log *zap.Logger, payload map[string]any) {
	sess, alias, ip := b.resolveTarget(payload)
	if alias == "" && ip == "" {
		c.reply(log, map[string]any{
			"type": "error", "command": "load_pid_config",
			"message": "Target robot IP or alias must be specified.",
		})
		return
	}
	if sess == nil {
		c.reply(log, map[string]any{
			"type": "command_response", "original_command": "load_pid_config",
			"status":  "error",
			"message": fmt.Sprintf("Robot not found for IP '%s' or alias '%s'.", ip, alias),
		})
		return
	}

	if err := b.pid.Reload(); err != nil {
		log.Error("reloading PID config", zap.Error(err))
		c.reply(log, map[string]any{
			"type": "command_response", "original_command": "load_pid_config",
			"status":   "error",
			"message":  fmt.Sprintf("Failed to load PID config: %v", err),
			"robot_ip": ip, "robot_alias": alias,
		})
		return
	}
	if err := b.pushPID(sess.Writer); err != nil {
		log.Error("pushing PID config to robot", zap.String("robot_alias", alias), zap.Error(err))
		c.reply(log, map[string]any{
			"type": "command_response", "original_command": "load_pid_config",
			"status":   "error",
			"message":  fmt.Sprintf("Error sending PID config to robot: %v", err),
			"robot_ip": ip, "robot_alias": alias,
		})
		return
	}

	c.reply(log, map[string]any{
		"type": "command_response", "original_command": "load_pid_config",
		"status":   "success",
		"message":  fmt.Sprintf("PID configuration sent to robot %s.", alias),
		"robot_ip": ip, "robot_alias": alias,
	})
}

func (b *Bridge) handleRequestTrajectory(c *wsClient, log *zap.Logger, payload map[string]any) {
	sess, alias, ip := b.resolveTarget(payload)
	if sess == nil {
		c.reply(log, map[string]any{
			"type": "error", "command": "request_trajectory",
			"message": "Robot not found for trajectory request.",
		})
		return
	}

	limit := b.cfg.Pose.MaxPathPoints
	if v, ok := floatVal(payload, "limit"); ok && v > 0 {
		limit = int(v)
	}

	res := b.tracker.Snapshot(sess.UniqueKey(), limit)
	if res == nil {
		c.reply(log, map[string]any{
			"type": "error", "command": "request_trajectory",
			"message": "No trajectory data for robot.",
		})
		return
	}
	c.reply(log, map[string]any{
		"type":        "trajectory_data",
		"robot_alias": alias,
		"robot_ip":    ip,
		"trajectory":  res,
		"timestamp":   nowUnix(),
	})
}

func (b *Bridge) handleFirmwareStart(c *wsClient, log *zap.Logger, payload map[string]any) {
	ip := strVal(payload, "robot_ip")
	filename := strVal(payload, "filename")
	filesize, okSize := floatVal(payload, "filesize")
	if ip == "" || filename == "" || !okSize {
		c.reply(log, map[string]any{
			"type": "error", "stage": "upload_start", "robot_ip": ip,
			"message": "Missing robot_ip, filename or filesize",
		})
		return
	}

	if err := b.firmware.StartUpload(ip, filename, int64(filesize)); err != nil {
		log.Error("starting firmware upload", zap.String("robot_ip", ip), zap.Error(err))
		c.reply(log, map[string]any{
			"type": "error", "stage": "upload_start", "robot_ip": ip,
			"message": err.Error(),
		})
		return
	}
	c.reply(log, map[string]any{"type": "ack", "stage": "upload_started", "robot_ip": ip})
}

func (b *Bridge) handleFirmwareChunk(c *wsClient, log *zap.Logger, payload map[string]any) {
	ip := strVal(payload, "robot_ip")
	b64 := strVal(payload, "data")

	received, err := b.firmware.AddChunk(ip, b64)
	if err != nil {
		log.Error("appending firmware chunk", zap.String("robot_ip", ip), zap.Error(err))
		c.reply(log, map[string]any{
			"type": "error", "stage": "upload_chunk", "robot_ip": ip,
			"message": err.Error(),
		})
		return
	}
	c.reply(log, map[string]any{
		"type":     "firmware_chunk_ack",
		"robot_ip": ip,
		"received": received,
	})
}

func (b *Bridge) handleFirmwareEnd(c *wsClient, log *zap.Logger, payload map[string]any) {
	ip := strVal(payload, "robot_ip")

	armed, err := b.firmware.FinishUpload(ip)
	if err != nil {
		log.Error("finalizing firmware upload", zap.String("robot_ip", ip), zap.Error(err))
		c.reply(log, map[string]any{
			"type": "error", "stage": "upload_finish", "robot_ip": ip,
			"message": "Firmware file incomplete",
		})
		return
	}
	c.reply(log, map[string]any{
		"type":          "firmware_prepared_for_ota",
		"robot_ip":      ip,
		"firmware_size": armed.Size,
		"status":        "success",
	})
}

func strVal(m map[string]any, key string) string {
	if v, ok := m[key].(string); ok {
		return v
	}
	return ""
}

func floatVal(m map[string]any, key string) (float64, bool) {
	switch v := m[key].(type) {
	case float64:
		return v, true
	case json.Number:
		f, err := v.Float64()
		return f, err == nil
	}
	return 0, false
}
