// Package registry is the process-wide directory of live robot sessions.
// It owns alias allocation ("robot1", "robot2", …) and the bidirectional
// (ip,port)↔alias indexes, plus the ip→primary-alias shortcut used when
// the UI addresses a robot by IP alone.
package registry

import (
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/omnifleet/robot-bridge/internal/metrics"
	"go.uber.org/zap"
)

// Session is one live robot TCP connection.
type Session struct {
	IP          string
	Port        int
	Alias       string
	Writer      io.Writer
	ConnectedAt time.Time
}

// UniqueKey is the "<ip>:<port>" primary key of the session.
func (s *Session) UniqueKey() string {
	return Key(s.IP, s.Port)
}

// Key builds the "<ip>:<port>" unique key.
func Key(ip string, port int) string {
	return fmt.Sprintf("%s:%d", ip, port)
}

// RobotInfo is the snapshot shape sent to UI clients.
type RobotInfo struct {
	IP        string `json:"ip"`
	Alias     string `json:"alias"`
	UniqueKey string `json:"unique_key"`
	Status    string `json:"status"`
}

// ErrConflict is returned when a second session races an existing live
// (ip,port). The loser must close its connection.
var ErrConflict = fmt.Errorf("registry: session already active for address")

type Registry struct {
	mu sync.Mutex

	sessions map[string]*Session // unique key -> live session
	// aliasByKey remembers every alias ever minted for a key so a robot
	// reconnecting from the same (ip,port) keeps its name. Never cleared;
	// the counter is monotonic so entries stay unique.
	aliasByKey map[string]string
	liveAlias  map[string]string // alias -> unique key, live sessions only
	ipPrimary  map[string]string // ip -> first alias minted for that ip
	nextNumber int

	logger *zap.Logger
}

func New(logger *zap.Logger) *Registry {
	return &Registry{
		sessions:   make(map[string]*Session),
		aliasByKey: make(map[string]string),
		liveAlias:  make(map[string]string),
		ipPrimary:  make(map[string]string),
		nextNumber: 1,
		logger:     logger,
	}
}

// Register adds a session for (ip,port) and returns its alias. The alias
// is freshly minted unless this exact (ip,port) has held one before, in
// which case that alias is reused. Registering over a live session
// returns ErrConflict along with the existing alias.
func (r *Registry) Register(ip string, port int, w io.Writer) (string, error) {
	key := Key(ip, port)

	r.mu.Lock()
	defer r.mu.Unlock()

	if existing, ok := r.sessions[key]; ok {
		return existing.Alias, ErrConflict
	}

	alias, known := r.aliasByKey[key]
	if !known {
		alias = fmt.Sprintf("robot%d", r.nextNumber)
		r.nextNumber++
		r.aliasByKey[key] = alias
		r.logger.Info("assigned alias",
			zap.String("alias", alias),
			zap.String("unique_key", key),
		)
	} else {
		r.logger.Info("re-established session",
			zap.String("alias", alias),
			zap.String("unique_key", key),
		)
	}
	r.liveAlias[alias] = key
	if _, ok := r.ipPrimary[ip]; !ok {
		r.ipPrimary[ip] = alias
	}

	r.sessions[key] = &Session{
		IP:          ip,
		Port:        port,
		Alias:       alias,
		Writer:      w,
		ConnectedAt: time.Now(),
	}
	metrics.RobotsConnected.Set(float64(len(r.sessions)))
	return alias, nil
}

// Unregister removes the live mappings for (ip,port). If the removed
// alias was the primary alias for its IP, the primary entry is cleared;
// later aliases for the same IP do not auto-promote.
func (r *Registry) Unregister(ip string, port int) {
	key := Key(ip, port)

	r.mu.Lock()
	defer r.mu.Unlock()

	sess, ok := r.sessions[key]
	if !ok {
		return
	}
	delete(r.sessions, key)
	delete(r.liveAlias, sess.Alias)
	if r.ipPrimary[ip] == sess.Alias {
		delete(r.ipPrimary, ip)
	}
	metrics.RobotsConnected.Set(float64(len(r.sessions)))
	r.logger.Info("removed session",
		zap.String("alias", sess.Alias),
		zap.String("unique_key", key),
	)
}

// LookupByAlias returns the live session for an alias, or nil.
func (r *Registry) LookupByAlias(alias string) *Session {
	r.mu.Lock()
	defer r.mu.Unlock()
	key, ok := r.liveAlias[alias]
	if !ok {
		return nil
	}
	return r.sessions[key]
}

// LookupByIP returns the live session behind the primary alias for ip,
// or nil if the IP is unknown or its primary alias has disconnected.
func (r *Registry) LookupByIP(ip string) *Session {
	r.mu.Lock()
	defer r.mu.Unlock()
	alias, ok := r.ipPrimary[ip]
	if !ok {
		return nil
	}
	key, ok := r.liveAlias[alias]
	if !ok {
		return nil
	}
	return r.sessions[key]
}

// Resolve finds a session, preferring alias over IP when both are given.
func (r *Registry) Resolve(alias, ip string) *Session {
	if alias != "" {
		return r.LookupByAlias(alias)
	}
	if ip != "" {
		return r.LookupByIP(ip)
	}
	return nil
}

// HasAlias reports whether alias belongs to a live session.
func (r *Registry) HasAlias(alias string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.liveAlias[alias]
	return ok
}

// Snapshot returns a consistent copy of all live sessions.
func (r *Registry) Snapshot() []RobotInfo {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]RobotInfo, 0, len(r.sessions))
	for key, sess := range r.sessions {
		out = append(out, RobotInfo{
			IP:        sess.IP,
			Alias:     sess.Alias,
			UniqueKey: key,
			Status:    "connected",
		})
	}
	return out
}
