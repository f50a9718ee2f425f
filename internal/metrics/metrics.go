package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	RobotsConnected = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "robotbridge_robots_connected",
			Help: "Robot TCP sessions currently registered.",
		},
	)

	UIClientsConnected = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "robotbridge_ui_clients_connected",
			Help: "UI WebSocket clients currently connected.",
		},
	)

	RobotFramesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "robotbridge_robot_frames_total",
			Help: "Frames received from robots by normalized type.",
		},
		[]string{"type"},
	)

	ParseErrorsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "robotbridge_parse_errors_total",
			Help: "Parse failures by stage.",
		},
		[]string{"stage"},
	)

	RouterSendsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "robotbridge_router_sends_total",
			Help: "Frames delivered to UI subscribers by type.",
		},
		[]string{"type"},
	)

	RouterSendFailuresTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "robotbridge_router_send_failures_total",
			Help: "UI sends that failed and evicted the client.",
		},
	)

	PoseIntegrationsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "robotbridge_pose_integrations_total",
			Help: "Encoder frames integrated into a pose update.",
		},
	)

	RobotCommandsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "robotbridge_robot_commands_total",
			Help: "UI-originated commands relayed to robots by verb.",
		},
		[]string{"command"},
	)

	FirmwareBytesReceivedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "robotbridge_firmware_bytes_received_total",
			Help: "Decoded firmware bytes staged from the UI.",
		},
	)

	OTATransfersTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "robotbridge_ota_transfers_total",
			Help: "OTA accept outcomes (sent, no_arm, wrong_target, io_error).",
		},
		[]string{"outcome"},
	)

	OTABytesSentTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "robotbridge_ota_bytes_sent_total",
			Help: "Firmware bytes streamed to robots over OTA.",
		},
	)
)

var registerOnce sync.Once

func Register() {
	registerOnce.Do(register)
}

func register() {
	prometheus.MustRegister(
		RobotsConnected,
		UIClientsConnected,
		RobotFramesTotal,
		ParseErrorsTotal,
		RouterSendsTotal,
		RouterSendFailuresTotal,
		PoseIntegrationsTotal,
		RobotCommandsTotal,
		FirmwareBytesReceivedTotal,
		OTATransfersTotal,
		OTABytesSentTotal,
	)
}
