// Package pid loads the plain-text PID config file, caches it, and
// renders the ASCII command lines the robot firmware parses.
package pid

import (
	"bufio"
	"fmt"
	"os"
	"sort"
	"strconv"
	"strings"
	"sync"

	"go.uber.org/zap"
)

// Gains is one motor's PID triplet.
type Gains struct {
	Kp float64 `json:"kp"`
	Ki float64 `json:"ki"`
	Kd float64 `json:"kd"`
}

// Command renders the ASCII line sent to the robot for one motor. No
// trailing newline; the firmware reads fixed-prefix lines.
func Command(motor int, g Gains) string {
	return fmt.Sprintf("MOTOR:%d Kp:%s Ki:%s Kd:%s",
		motor, formatFloat(g.Kp), formatFloat(g.Ki), formatFloat(g.Kd))
}

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'g', -1, 64)
}

// Cache holds the per-motor gains loaded from the config file.
type Cache struct {
	mu     sync.Mutex
	path   string
	gains  map[int]Gains
	logger *zap.Logger
}

func NewCache(path string, logger *zap.Logger) *Cache {
	return &Cache{
		path:   path,
		gains:  make(map[int]Gains),
		logger: logger,
	}
}

// Reload re-reads the config file into the cache. On read error the
// previous cache is kept.
func (c *Cache) Reload() error {
	gains, err := ParseFile(c.path, c.logger)
	if err != nil {
		return err
	}
	c.mu.Lock()
	c.gains = gains
	c.mu.Unlock()
	return nil
}

// Entries returns the cached gains sorted by motor id.
func (c *Cache) Entries() []MotorGains {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]MotorGains, 0, len(c.gains))
	for motor, g := range c.gains {
		out = append(out, MotorGains{Motor: motor, Gains: g})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Motor < out[j].Motor })
	return out
}

// MotorGains pairs a motor id with its gains.
type MotorGains struct {
	Motor int
	Gains Gains
}

// Save writes the cache back out in Motor<n>:<kp>,<ki>,<kd> form.
func (c *Cache) Save() error {
	entries := c.Entries()
	var b strings.Builder
	for _, e := range entries {
		fmt.Fprintf(&b, "Motor%d:%s,%s,%s\n",
			e.Motor, formatFloat(e.Gains.Kp), formatFloat(e.Gains.Ki), formatFloat(e.Gains.Kd))
	}
	if err := os.WriteFile(c.path, []byte(b.String()), 0o644); err != nil {
		return fmt.Errorf("pid: saving config %s: %w", c.path, err)
	}
	return nil
}

// ParseFile reads a PID config file. Records are either
// "Motor<n>:<kp>,<ki>,<kd>" or "<n>,<kp>,<ki>,<kd>"; blank lines and
// "#" comments are ignored; malformed lines are skipped with a warning.
func ParseFile(path string, logger *zap.Logger) (map[int]Gains, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("pid: opening config %s: %w", path, err)
	}
	defer f.Close()

	gains := make(map[int]Gains)
	scanner := bufio.NewScanner(f)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		motor, g, err := parseLine(line)
		if err != nil {
			logger.Warn("skipping malformed PID entry",
				zap.String("file", path),
				zap.Int("line", lineNo),
				zap.String("entry", line),
				zap.Error(err),
			)
			continue
		}
		gains[motor] = g
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("pid: reading config %s: %w", path, err)
	}
	return gains, nil
}

func parseLine(line string) (int, Gains, error) {
	var motorPart string
	var values []string

	if idx := strings.Index(line, ":"); idx >= 0 {
		motorPart = line[:idx]
		values = strings.Split(line[idx+1:], ",")
	} else {
		parts := strings.Split(line, ",")
		if len(parts) != 4 {
			return 0, Gains{}, fmt.Errorf("expected 4 comma-separated fields, got %d", len(parts))
		}
		motorPart = parts[0]
		values = parts[1:]
	}
	if len(values) != 3 {
		return 0, Gains{}, fmt.Errorf("expected 3 gain values, got %d", len(values))
	}

	motorPart = strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(motorPart), "Motor"))
	motor, err := strconv.Atoi(motorPart)
	if err != nil {
		return 0, Gains{}, fmt.Errorf("motor id: %w", err)
	}

	var vals [3]float64
	for i, raw := range values {
		v, err := strconv.ParseFloat(strings.TrimSpace(raw), 64)
		if err != nil {
			return 0, Gains{}, fmt.Errorf("gain %d: %w", i+1, err)
		}
		vals[i] = v
	}
	return motor, Gains{Kp: vals[0], Ki: vals[1], Kd: vals[2]}, nil
}
