// Package bridge ties the robot-facing TCP listener and the UI-facing
// WebSocket listener to the shared services: registry, normalizer, pose
// tracker, log sink, subscription router, PID cache and firmware
// staging.
package bridge

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/omnifleet/robot-bridge/internal/config"
	"github.com/omnifleet/robot-bridge/internal/firmware"
	"github.com/omnifleet/robot-bridge/internal/logsink"
	"github.com/omnifleet/robot-bridge/internal/pid"
	"github.com/omnifleet/robot-bridge/internal/pose"
	"github.com/omnifleet/robot-bridge/internal/registry"
	"github.com/omnifleet/robot-bridge/internal/router"
	"go.uber.org/zap"
)

type Bridge struct {
	cfg      *config.Config
	registry *registry.Registry
	tracker  *pose.Tracker
	sink     *logsink.Sink
	router   *router.Router
	pid      *pid.Cache
	firmware *firmware.Manager
	logger   *zap.Logger

	tcpLn net.Listener
	wsLn  net.Listener
	wsSrv *http.Server

	tcpReady atomic.Bool
	wsReady  atomic.Bool

	idleTimeout  time.Duration
	pidPushDelay time.Duration
}

func New(
	cfg *config.Config,
	reg *registry.Registry,
	tracker *pose.Tracker,
	sink *logsink.Sink,
	rt *router.Router,
	pidCache *pid.Cache,
	fw *firmware.Manager,
	logger *zap.Logger,
) *Bridge {
	return &Bridge{
		cfg:          cfg,
		registry:     reg,
		tracker:      tracker,
		sink:         sink,
		router:       rt,
		pid:          pidCache,
		firmware:     fw,
		logger:       logger,
		idleTimeout:  time.Duration(cfg.Listen.RobotIdleTimeoutSeconds) * time.Second,
		pidPushDelay: 50 * time.Millisecond,
	}
}

// Start binds the robot TCP listener and the UI WebSocket listener and
// launches their accept loops.
func (b *Bridge) Start() error {
	if err := b.startTCP(fmt.Sprintf(":%d", b.cfg.Listen.TCPPort)); err != nil {
		return err
	}
	if err := b.startWS(fmt.Sprintf(":%d", b.cfg.Listen.WSPort)); err != nil {
		b.tcpLn.Close()
		return err
	}
	return nil
}

// Shutdown closes both listeners; live sessions drain through their own
// cleanup paths when their sockets close.
func (b *Bridge) Shutdown(ctx context.Context) error {
	var firstErr error
	if b.tcpLn != nil {
		b.tcpReady.Store(false)
		if err := b.tcpLn.Close(); err != nil {
			firstErr = err
		}
	}
	if b.wsSrv != nil {
		b.wsReady.Store(false)
		if err := b.wsSrv.Shutdown(ctx); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// TCPReady reports whether the robot listener is accepting.
func (b *Bridge) TCPReady() bool { return b.tcpReady.Load() }

// WSReady reports whether the WebSocket listener is accepting.
func (b *Bridge) WSReady() bool { return b.wsReady.Load() }

func nowUnix() float64 {
	return float64(time.Now().UnixNano()) / 1e9
}

// announceRobot pushes an available_robot_update event to every UI
// client regardless of subscriptions.
func (b *Bridge) announceRobot(action string, info registry.RobotInfo) {
	payload, err := json.Marshal(map[string]any{
		"type":      "available_robot_update",
		"action":    action,
		"robot":     info,
		"timestamp": nowUnix(),
	})
	if err != nil {
		b.logger.Error("encoding robot announcement", zap.Error(err))
		return
	}
	b.router.BroadcastAll(payload)
}
