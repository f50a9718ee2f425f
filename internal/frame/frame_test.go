package frame

import (
	"encoding/json"
	"reflect"
	"testing"
)

func TestNormalize_IMU(t *testing.T) {
	msg := map[string]any{
		"type": "bno055",
		"data": map[string]any{
			"time":       1.5,
			"euler":      []any{0.0, 0.1, 0.2},
			"quaternion": []any{1.0, 0.0, 0.0, 0.0},
		},
		"timestamp": 100.0,
	}

	env := Normalize(msg)
	if env.Type != TypeIMU {
		t.Fatalf("expected %s, got %s", TypeIMU, env.Type)
	}
	if env.Timestamp != 100.0 {
		t.Errorf("expected timestamp 100.0, got %g", env.Timestamp)
	}
	data, ok := env.Data.(map[string]any)
	if !ok {
		t.Fatalf("expected map data, got %T", env.Data)
	}
	if !reflect.DeepEqual(data["euler"], []any{0.0, 0.1, 0.2}) {
		t.Errorf("euler not carried through: %v", data["euler"])
	}
}

func TestNormalize_IMUWithReportedID(t *testing.T) {
	msg := map[string]any{
		"type": "bno055",
		"id":   "esp32-7",
		"data": map[string]any{"time": 1.0, "euler": []any{0.0, 0.0, 0.0}, "quaternion": nil},
	}

	env := Normalize(msg)
	data := env.Data.(map[string]any)
	if data["robot_reported_id"] != "esp32-7" {
		t.Errorf("expected robot_reported_id in data, got %v", data["robot_reported_id"])
	}
}

func TestNormalize_Encoder(t *testing.T) {
	msg := map[string]any{
		"type":      "encoder",
		"data":      []any{60.0, 61.0, 62.0},
		"timestamp": 42.0,
	}

	env := Normalize(msg)
	if env.Type != TypeEncoder {
		t.Fatalf("expected %s, got %s", TypeEncoder, env.Type)
	}
	if !reflect.DeepEqual(env.Data, []any{60.0, 61.0, 62.0}) {
		t.Errorf("rpm triplet not carried through: %v", env.Data)
	}
}

func TestNormalize_EncoderBadShapeFallsToGeneric(t *testing.T) {
	// Encoder with a dict payload is not an encoder frame.
	msg := map[string]any{"type": "encoder", "data": map[string]any{"rpm": 60.0}}
	env := Normalize(msg)
	if env.Type != "generic_encoder" {
		t.Errorf("expected generic_encoder, got %s", env.Type)
	}
}

func TestNormalize_Log(t *testing.T) {
	env := Normalize(map[string]any{"type": "log", "message": "motor stall"})
	if env.Type != TypeLog {
		t.Fatalf("expected %s, got %s", TypeLog, env.Type)
	}
	if env.Message != "motor stall" {
		t.Errorf("message not carried: %q", env.Message)
	}
	if env.Level != "debug" {
		t.Errorf("expected default level debug, got %q", env.Level)
	}

	env = Normalize(map[string]any{"type": "log", "message": "hot", "level": "warn"})
	if env.Level != "warn" {
		t.Errorf("explicit level lost: %q", env.Level)
	}
}

func TestNormalize_Registration(t *testing.T) {
	msg := map[string]any{
		"type":         "registration",
		"robot_id":     "omni-3",
		"capabilities": []any{"encoder", "bno055"},
	}

	env := Normalize(msg)
	if env.Type != TypeRegistration {
		t.Fatalf("expected %s, got %s", TypeRegistration, env.Type)
	}
	data := env.Data.(map[string]any)
	if data["robot_reported_id"] != "omni-3" {
		t.Errorf("robot_reported_id not carried: %v", data["robot_reported_id"])
	}
	if !reflect.DeepEqual(data["capabilities"], []any{"encoder", "bno055"}) {
		t.Errorf("capabilities not carried: %v", data["capabilities"])
	}
}

func TestNormalize_GenericType(t *testing.T) {
	msg := map[string]any{"type": "battery", "voltage": 11.7}
	env := Normalize(msg)
	if env.Type != "generic_battery" {
		t.Fatalf("expected generic_battery, got %s", env.Type)
	}
	data := env.Data.(map[string]any)
	if data["voltage"] != 11.7 {
		t.Errorf("payload not copied: %v", data)
	}
}

func TestNormalize_NoType(t *testing.T) {
	msg := map[string]any{"foo": "bar"}
	env := Normalize(msg)
	if env.Type != TypeUnknown {
		t.Fatalf("expected %s, got %s", TypeUnknown, env.Type)
	}
	data := env.Data.(map[string]any)
	if data["foo"] != "bar" {
		t.Errorf("payload not copied: %v", data)
	}
}

func TestNormalize_TimestampFallback(t *testing.T) {
	env := Normalize(map[string]any{"type": "log", "message": "x"})
	if env.Timestamp <= 0 {
		t.Errorf("expected wall-clock fallback timestamp, got %g", env.Timestamp)
	}
}

func TestNormalize_EnvelopeShapeFixedByFirstApplication(t *testing.T) {
	// Normalizing an already-normalized payload wraps it generically
	// instead of re-interpreting it: the envelope shape is fixed once.
	first := Normalize(map[string]any{"type": "encoder", "data": []any{1.0, 2.0, 3.0}})

	raw, err := first.Encode()
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	reparsed, err := ParseLine(raw)
	if err != nil {
		t.Fatalf("reparse: %v", err)
	}
	second := Normalize(reparsed)
	if second.Type != "generic_encoder_data" {
		t.Errorf("expected generic wrap on second application, got %s", second.Type)
	}
}

func TestParseLine_Invalid(t *testing.T) {
	if _, err := ParseLine([]byte("{not json")); err == nil {
		t.Fatal("expected error for invalid JSON")
	}
}

func TestEnvelope_EncodeRoundTrip(t *testing.T) {
	env := Normalize(map[string]any{"type": "encoder", "data": []any{60.0, 60.0, 60.0}, "timestamp": 7.0})
	env.Stamp("10.0.0.5", "robot1")

	raw, err := env.Encode()
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	var decoded map[string]any
	if err := json.Unmarshal(raw, &decoded); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if decoded["robot_ip"] != "10.0.0.5" || decoded["robot_alias"] != "robot1" {
		t.Errorf("stamped fields missing: %v", decoded)
	}
	if decoded["type"] != TypeEncoder {
		t.Errorf("type missing: %v", decoded["type"])
	}
}
