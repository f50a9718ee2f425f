// Package pose fuses encoder RPM with IMU yaw into a dead-reckoned 2-D
// pose per robot. The three-wheel omni kinematics are collapsed to a
// forward-only model; the IMU supplies absolute heading so encoder drift
// in θ does not accumulate.
package pose

import (
	"math"
	"sync"
	"time"

	"github.com/omnifleet/robot-bridge/internal/metrics"
)

const (
	// DefaultWheelRadius is the omni wheel radius in meters.
	DefaultWheelRadius = 0.0325
	// DefaultMaxPathPoints caps the retained pose history.
	DefaultMaxPathPoints = 1000
	// DefaultMaxDataAge is the freshness window for fusing the two
	// sensor streams, in seconds.
	DefaultMaxDataAge = 5.0
)

// Point is one pose sample.
type Point struct {
	X     float64 `json:"x"`
	Y     float64 `json:"y"`
	Theta float64 `json:"theta"`
}

// Result is the pose output after an update or snapshot request.
type Result struct {
	Position Point   `json:"position"`
	Path     []Point `json:"path"`
}

type state struct {
	x, y, theta float64
	path        []Point

	lastEncoderTS    *float64 // from the encoder payload, not wall clock
	pendingEncoderTS float64  // payload timestamp of latestRPM
	latestRPM        []float64
	latestYaw        *float64
	encoderArrival   float64 // wall clock
	imuArrival       float64 // wall clock
}

// Tracker holds the pose state machines for all robots, keyed by the
// session unique key (ip:port).
type Tracker struct {
	mu     sync.Mutex
	robots map[string]*state

	wheelRadius   float64
	maxPathPoints int
	maxDataAge    float64
	now           func() float64
}

func NewTracker(wheelRadius float64, maxPathPoints int, maxDataAge float64) *Tracker {
	return &Tracker{
		robots:        make(map[string]*state),
		wheelRadius:   wheelRadius,
		maxPathPoints: maxPathPoints,
		maxDataAge:    maxDataAge,
		now:           func() float64 { return float64(time.Now().UnixNano()) / 1e9 },
	}
}

// Yaw extracts the heading from a normalized IMU data payload: an
// explicit "yaw" field, else euler[2].
func Yaw(data map[string]any) (float64, bool) {
	if v, ok := data["yaw"].(float64); ok {
		return v, true
	}
	if euler, ok := data["euler"].([]any); ok && len(euler) == 3 {
		if v, ok := euler[2].(float64); ok {
			return v, true
		}
	}
	return 0, false
}

// UpdateIMU records an IMU frame for key and attempts integration.
func (t *Tracker) UpdateIMU(key string, data map[string]any) *Result {
	t.mu.Lock()
	defer t.mu.Unlock()

	s := t.ensure(key)
	if yaw, ok := Yaw(data); ok {
		s.theta = yaw
		s.latestYaw = &yaw
	}
	s.imuArrival = t.now()
	return t.integrate(s)
}

// UpdateEncoder records an encoder frame (RPM triplet plus its payload
// timestamp) for key and attempts integration.
func (t *Tracker) UpdateEncoder(key string, rpms []float64, payloadTS float64) *Result {
	t.mu.Lock()
	defer t.mu.Unlock()

	s := t.ensure(key)
	s.latestRPM = rpms
	s.encoderArrival = t.now()
	s.pendingEncoderTS = payloadTS
	return t.integrate(s)
}

// Snapshot returns the current pose and up to limit trailing path points
// for key, or nil if the robot has no pose state. limit <= 0 means the
// full retained path.
func (t *Tracker) Snapshot(key string, limit int) *Result {
	t.mu.Lock()
	defer t.mu.Unlock()

	s, ok := t.robots[key]
	if !ok {
		return nil
	}
	res := s.result()
	if limit > 0 && len(res.Path) > limit {
		res.Path = res.Path[len(res.Path)-limit:]
	}
	return res
}

// Close discards the pose state for key.
func (t *Tracker) Close(key string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.robots, key)
}

func (t *Tracker) ensure(key string) *state {
	s, ok := t.robots[key]
	if !ok {
		s = &state{}
		t.robots[key] = s
	}
	return s
}

// integrate advances the pose state after a sensor update.
// Caller holds the tracker lock.
func (t *Tracker) integrate(s *state) *Result {
	if s.latestRPM == nil || s.latestYaw == nil {
		return s.result()
	}

	now := t.now()
	if now-s.imuArrival > t.maxDataAge || now-s.encoderArrival > t.maxDataAge {
		return s.result()
	}

	if len(s.latestRPM) < 3 {
		return s.result()
	}

	yaw := *s.latestYaw
	te := s.pendingEncoderTS

	// First encoder frame only seeds the clock and heading.
	if s.lastEncoderTS == nil {
		ts := te
		s.lastEncoderTS = &ts
		s.theta = yaw
		if len(s.path) == 0 {
			s.path = append(s.path, Point{s.x, s.y, s.theta})
		}
		return s.result()
	}

	dt := te - *s.lastEncoderTS
	if dt <= 0 {
		s.theta = yaw
		return s.result()
	}

	thetaPrev := s.theta
	var sum float64
	for _, rpm := range s.latestRPM[:3] {
		sum += rpm * 2 * math.Pi / 60
	}
	vBody := t.wheelRadius * sum / 3

	s.x += vBody * math.Cos(thetaPrev) * dt
	s.y += vBody * math.Sin(thetaPrev) * dt
	s.theta = yaw
	*s.lastEncoderTS = te
	metrics.PoseIntegrationsTotal.Inc()

	s.path = append(s.path, Point{s.x, s.y, s.theta})
	if len(s.path) > t.maxPathPoints {
		s.path = s.path[len(s.path)-t.maxPathPoints:]
	}
	return s.result()
}

func (s *state) result() *Result {
	path := make([]Point, len(s.path))
	copy(path, s.path)
	return &Result{
		Position: Point{s.x, s.y, s.theta},
		Path:     path,
	}
}
