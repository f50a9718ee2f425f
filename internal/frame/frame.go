// Package frame defines the canonical envelope emitted by the bridge and
// the pure normalization from raw robot JSON into that envelope.
package frame

import (
	"encoding/json"
	"fmt"
	"time"
)

// Data types carried by envelopes.
const (
	TypeIMU          = "imu_data"
	TypeEncoder      = "encoder_data"
	TypeLog          = "log"
	TypeRegistration = "registration"
	TypeUnknown      = "unknown_json_data"
	TypeTrajectory   = "realtime_trajectory"
)

// Envelope is the normalized frame shape consumed by the router and the
// log sink and delivered to UI subscribers. RobotIP, RobotAlias and
// Timestamp are stamped by the session handler after normalization.
type Envelope struct {
	Type            string  `json:"type"`
	RobotIP         string  `json:"robot_ip,omitempty"`
	RobotAlias      string  `json:"robot_alias,omitempty"`
	Timestamp       float64 `json:"timestamp"`
	Data            any     `json:"data,omitempty"`
	Message         string  `json:"message,omitempty"`
	Level           string  `json:"level,omitempty"`
	RobotReportedID string  `json:"robot_reported_id,omitempty"`

	// Pose payload, present on realtime_trajectory envelopes only.
	Position any `json:"position,omitempty"`
	Path     any `json:"path,omitempty"`
}

// Stamp overwrites the connection-derived fields.
func (e *Envelope) Stamp(ip, alias string) {
	e.RobotIP = ip
	e.RobotAlias = alias
}

// Encode renders the envelope as a single JSON object.
func (e *Envelope) Encode() ([]byte, error) {
	b, err := json.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("frame: encoding envelope: %w", err)
	}
	return b, nil
}

// Normalize transforms a parsed robot JSON object into the canonical
// envelope. It is deterministic and stateless; unrecognized shapes pass
// through under a generic_<type> or unknown_json_data wrapper.
func Normalize(msg map[string]any) *Envelope {
	env := &Envelope{
		Timestamp: floatField(msg, "timestamp", float64(time.Now().UnixNano())/1e9),
	}

	reported := stringField(msg, "id")

	rawType, hasType := msg["type"].(string)
	switch {
	case rawType == "bno055":
		if data, ok := msg["data"].(map[string]any); ok {
			env.Type = TypeIMU
			imu := map[string]any{
				"time":       data["time"],
				"euler":      data["euler"],
				"quaternion": data["quaternion"],
			}
			if reported != "" {
				imu["robot_reported_id"] = reported
			}
			env.Data = imu
			return env
		}

	case rawType == "encoder":
		if data, ok := msg["data"].([]any); ok {
			env.Type = TypeEncoder
			env.Data = data
			env.RobotReportedID = reported
			return env
		}

	case rawType == "log":
		env.Type = TypeLog
		env.Message = stringField(msg, "message")
		env.Level = stringField(msg, "level")
		if env.Level == "" {
			env.Level = "debug"
		}
		env.RobotReportedID = reported
		return env

	case rawType == "registration":
		env.Type = TypeRegistration
		id := stringField(msg, "robot_id")
		if id == "" {
			id = reported
		}
		env.Data = map[string]any{
			"capabilities":      msg["capabilities"],
			"robot_reported_id": id,
		}
		return env
	}

	if hasType && rawType != "" {
		env.Type = "generic_" + rawType
	} else {
		env.Type = TypeUnknown
	}
	env.Data = copyMap(msg)
	return env
}

// ParseLine decodes one NDJSON line from a robot.
func ParseLine(line []byte) (map[string]any, error) {
	var msg map[string]any
	if err := json.Unmarshal(line, &msg); err != nil {
		return nil, fmt.Errorf("frame: invalid JSON: %w", err)
	}
	return msg, nil
}

func copyMap(m map[string]any) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

func stringField(m map[string]any, key string) string {
	if v, ok := m[key].(string); ok {
		return v
	}
	return ""
}

func floatField(m map[string]any, key string, fallback float64) float64 {
	switch v := m[key].(type) {
	case float64:
		return v
	case json.Number:
		f, err := v.Float64()
		if err == nil {
			return f
		}
	}
	return fallback
}
