// Package logsink appends normalized frames to per-session text files,
// one file per (session, robot, data type). File names and record shapes
// are an external contract consumed by offline analysis scripts.
package logsink

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/omnifleet/robot-bridge/internal/frame"
	"github.com/omnifleet/robot-bridge/internal/pose"
	"go.uber.org/zap"
)

// TypePositionUpdate is the data type used for pose log files.
const TypePositionUpdate = "position_update"

var headers = map[string]string{
	frame.TypeEncoder:  "Time RPM1 RPM2 RPM3\n",
	frame.TypeIMU:      "Time Heading Pitch Roll W X Y Z AccelX AccelY AccelZ GravityX GravityY GravityZ\n",
	frame.TypeLog:      "Time Message\n",
	TypePositionUpdate: "Time X Y Theta\n",
}

type Sink struct {
	mu           sync.Mutex
	dir          string
	sessionStamp string
	files        map[string]map[string]*os.File // robot key -> data type -> file
	logger       *zap.Logger
}

// New creates a sink writing under dir. The session stamp is fixed at
// construction and embedded in every file name.
func New(dir string, logger *zap.Logger) *Sink {
	return &Sink{
		dir:          dir,
		sessionStamp: time.Now().Format("20060102_150405"),
		files:        make(map[string]map[string]*os.File),
		logger:       logger,
	}
}

// SessionStamp returns the YYYYMMDD_HHMMSS stamp fixed at startup.
func (s *Sink) SessionStamp() string {
	return s.sessionStamp
}

// Log appends one normalized frame for the robot session identified by
// uniqueKey. Failures are logged and swallowed: telemetry logging never
// disturbs the session.
func (s *Sink) Log(uniqueKey string, env *frame.Envelope) {
	line := formatRecord(env)
	if line == "" {
		return
	}
	s.append(uniqueKey, env.Type, line)
}

// LogPose appends a position_update record for the robot session.
func (s *Sink) LogPose(uniqueKey string, ts float64, p pose.Point) {
	s.append(uniqueKey, TypePositionUpdate,
		fmt.Sprintf("%.3f %.3f %.3f %.3f\n", ts, p.X, p.Y, p.Theta))
}

func (s *Sink) append(uniqueKey, dataType, line string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	f, err := s.fileLocked(uniqueKey, dataType)
	if err != nil {
		s.logger.Error("opening telemetry log file",
			zap.String("unique_key", uniqueKey),
			zap.String("data_type", dataType),
			zap.Error(err),
		)
		return
	}
	if _, err := f.WriteString(line); err != nil {
		s.logger.Error("writing telemetry log record",
			zap.String("unique_key", uniqueKey),
			zap.String("data_type", dataType),
			zap.Error(err),
		)
	}
}

func (s *Sink) fileLocked(uniqueKey, dataType string) (*os.File, error) {
	byType, ok := s.files[uniqueKey]
	if !ok {
		byType = make(map[string]*os.File)
		s.files[uniqueKey] = byType
	}
	if f, ok := byType[dataType]; ok {
		return f, nil
	}

	name := fmt.Sprintf("%s_%s_%s.txt", dataType, safeKey(uniqueKey), s.sessionStamp)
	path := filepath.Join(s.dir, name)
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, err
	}

	if info, err := f.Stat(); err == nil && info.Size() == 0 {
		if header, ok := headers[dataType]; ok {
			if _, err := f.WriteString(header); err != nil {
				f.Close()
				return nil, err
			}
		}
	}

	byType[dataType] = f
	s.logger.Info("logging telemetry",
		zap.String("unique_key", uniqueKey),
		zap.String("data_type", dataType),
		zap.String("file", path),
	)
	return f, nil
}

// Close flushes and closes all files belonging to one robot session.
func (s *Sink) Close(uniqueKey string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for dataType, f := range s.files[uniqueKey] {
		if err := f.Close(); err != nil {
			s.logger.Error("closing telemetry log file",
				zap.String("unique_key", uniqueKey),
				zap.String("data_type", dataType),
				zap.Error(err),
			)
		}
	}
	delete(s.files, uniqueKey)
}

// CloseAll closes every open file.
func (s *Sink) CloseAll() {
	s.mu.Lock()
	keys := make([]string, 0, len(s.files))
	for k := range s.files {
		keys = append(keys, k)
	}
	s.mu.Unlock()
	for _, k := range keys {
		s.Close(k)
	}
}

func safeKey(uniqueKey string) string {
	r := strings.NewReplacer(":", "_", ".", "_")
	return r.Replace(uniqueKey)
}

func formatRecord(env *frame.Envelope) string {
	ts := env.Timestamp

	switch env.Type {
	case frame.TypeEncoder:
		rpms := [3]float64{}
		if data, ok := env.Data.([]any); ok {
			for i := 0; i < 3 && i < len(data); i++ {
				if v, ok := data[i].(float64); ok {
					rpms[i] = v
				}
			}
		}
		return fmt.Sprintf("%.3f %g %g %g\n", ts, rpms[0], rpms[1], rpms[2])

	case frame.TypeIMU:
		var heading, pitch, roll float64
		quat := [4]float64{1, 0, 0, 0}
		if data, ok := env.Data.(map[string]any); ok {
			if euler, ok := data["euler"].([]any); ok && len(euler) == 3 {
				roll, _ = euler[0].(float64)
				pitch, _ = euler[1].(float64)
				heading, _ = euler[2].(float64)
			}
			if q, ok := data["quaternion"].([]any); ok && len(q) == 4 {
				for i := range quat {
					if v, ok := q[i].(float64); ok {
						quat[i] = v
					}
				}
			}
		}
		// Acceleration and gravity channels are not present in the
		// normalized envelope; the columns stay zero-filled.
		return fmt.Sprintf("%.3f %.2f %.2f %.2f %.4f %.4f %.4f %.4f 0.00 0.00 0.00 0.00 0.00 0.00\n",
			ts, heading, pitch, roll, quat[0], quat[1], quat[2], quat[3])

	case frame.TypeLog:
		return fmt.Sprintf("%.3f %s\n", ts, env.Message)

	default:
		payload, err := json.Marshal(env.Data)
		if err != nil {
			return ""
		}
		return fmt.Sprintf("%.3f %s\n", ts, payload)
	}
}
