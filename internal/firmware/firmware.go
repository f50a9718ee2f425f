// Package firmware stages browser-uploaded firmware images on disk and
// serves them to robots over the always-on OTA TCP port. Exactly one
// image can be armed for delivery at a time; the arm is consumed by the
// first matching robot connection.
package firmware

import (
	"encoding/base64"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/omnifleet/robot-bridge/internal/metrics"
	"go.uber.org/zap"
)

// Armed describes the single staged image awaiting OTA delivery.
type Armed struct {
	IP   string
	Path string
	Size int64
}

type upload struct {
	file     *os.File
	path     string
	expected int64
	received int64
}

// Manager accumulates base64 upload chunks into per-robot staging files
// and holds the single OTA arm slot. Uploads for different robots may
// run concurrently; a second upload for the same IP replaces the first.
type Manager struct {
	mu      sync.Mutex
	dir     string
	uploads map[string]*upload // keyed by robot IP
	armed   *Armed
	logger  *zap.Logger

	now func() time.Time
}

func NewManager(dir string, logger *zap.Logger) *Manager {
	return &Manager{
		dir:     dir,
		uploads: make(map[string]*upload),
		logger:  logger,
		now:     time.Now,
	}
}

// StartUpload opens a fresh staging file for the robot. Any in-progress
// upload for the same IP is discarded along with its partial file.
func (m *Manager) StartUpload(ip, filename string, filesize int64) error {
	if err := os.MkdirAll(m.dir, 0o755); err != nil {
		return fmt.Errorf("firmware: creating staging dir %s: %w", m.dir, err)
	}

	name := fmt.Sprintf("%s_%d_%s", ip, m.now().Unix(), filepath.Base(filename))
	path := filepath.Join(m.dir, name)
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("firmware: creating staging file %s: %w", path, err)
	}

	m.mu.Lock()
	if prev, ok := m.uploads[ip]; ok {
		prev.file.Close()
		os.Remove(prev.path)
		m.logger.Warn("discarding superseded firmware upload",
			zap.String("robot_ip", ip),
			zap.String("file", prev.path),
		)
	}
	m.uploads[ip] = &upload{file: f, path: path, expected: filesize}
	m.mu.Unlock()

	m.logger.Info("firmware upload started",
		zap.String("robot_ip", ip),
		zap.String("filename", filename),
		zap.Int64("filesize", filesize),
		zap.String("staging", path),
	)
	return nil
}

// AddChunk decodes one base64 chunk and appends it to the robot's
// staging file, returning the cumulative byte count.
func (m *Manager) AddChunk(ip, b64 string) (int64, error) {
	raw, err := base64.StdEncoding.DecodeString(b64)
	if err != nil {
		return 0, fmt.Errorf("firmware: decoding chunk for %s: %w", ip, err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	up, ok := m.uploads[ip]
	if !ok {
		return 0, fmt.Errorf("firmware: no upload in progress for %s", ip)
	}
	if _, err := up.file.Write(raw); err != nil {
		return up.received, fmt.Errorf("firmware: writing chunk for %s: %w", ip, err)
	}
	up.received += int64(len(raw))
	metrics.FirmwareBytesReceivedTotal.Add(float64(len(raw)))
	return up.received, nil
}

// Received returns the bytes staged so far for the robot.
func (m *Manager) Received(ip string) int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	if up, ok := m.uploads[ip]; ok {
		return up.received
	}
	return 0
}

// FinishUpload closes the staging file, verifies the byte count against
// the announced size, and on success arms the image for OTA delivery to
// the uploading robot. A short image is deleted and reported as an
// error; the arm slot holds at most one image, latest wins.
func (m *Manager) FinishUpload(ip string) (*Armed, error) {
	m.mu.Lock()
	up, ok := m.uploads[ip]
	if ok {
		delete(m.uploads, ip)
	}
	m.mu.Unlock()

	if !ok {
		return nil, fmt.Errorf("firmware: no upload in progress for %s", ip)
	}
	if err := up.file.Close(); err != nil {
		os.Remove(up.path)
		return nil, fmt.Errorf("firmware: closing staging file %s: %w", up.path, err)
	}
	if up.received != up.expected {
		os.Remove(up.path)
		return nil, fmt.Errorf("firmware: incomplete upload for %s: %d of %d bytes", ip, up.received, up.expected)
	}

	armed := &Armed{IP: ip, Path: up.path, Size: up.received}
	m.mu.Lock()
	m.armed = armed
	m.mu.Unlock()

	m.logger.Info("firmware armed for OTA",
		zap.String("robot_ip", ip),
		zap.String("file", up.path),
		zap.Int64("size", up.received),
	)
	return armed, nil
}

// Consume atomically claims the armed image if it targets ip. The slot
// is cleared whether the subsequent transfer succeeds or not, so a bad
// image is never retried.
func (m *Manager) Consume(ip string) (*Armed, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.armed == nil || m.armed.IP != ip {
		return nil, false
	}
	a := m.armed
	m.armed = nil
	return a, true
}

// ArmedTarget returns the IP the current arm targets, or "" when idle.
func (m *Manager) ArmedTarget() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.armed == nil {
		return ""
	}
	return m.armed.IP
}

// Abort drops any in-progress upload for the robot and its partial
// file. Used when the uploading UI client disconnects mid-transfer.
func (m *Manager) Abort(ip string) {
	m.mu.Lock()
	up, ok := m.uploads[ip]
	if ok {
		delete(m.uploads, ip)
	}
	m.mu.Unlock()
	if !ok {
		return
	}
	up.file.Close()
	os.Remove(up.path)
	m.logger.Info("firmware upload aborted",
		zap.String("robot_ip", ip),
		zap.String("file", up.path),
	)
}
