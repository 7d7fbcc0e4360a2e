// Package heartbeat provides periodic per-worker liveness files. Each
// long-running component writes <name>.heartbeat.json under the data root
// on an interval; the status endpoint reads them all and flags the stale
// ones.
package heartbeat

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// Status is a component's self-reported health.
type Status string

const (
	StatusOnline   Status = "online"
	StatusDegraded Status = "degraded"
)

// Heartbeat is the payload written per beat.
type Heartbeat struct {
	Component string    `json:"component"`
	Status    Status    `json:"status"`
	PID       int       `json:"pid"`
	Timestamp time.Time `json:"timestamp"`
}

// Sender periodically writes one component's heartbeat file.
type Sender struct {
	dir       string
	component string
	interval  time.Duration
	statusFn  func() Status
	logger    *slog.Logger
}

// NewSender creates a sender. statusFn may be nil (always online).
func NewSender(dir, component string, interval time.Duration, statusFn func() Status, logger *slog.Logger) *Sender {
	if interval <= 0 {
		interval = 15 * time.Second
	}
	return &Sender{dir: dir, component: component, interval: interval, statusFn: statusFn, logger: logger}
}

// Run writes a beat immediately and then on every interval tick until ctx
// is canceled. The final write marks the component offline by removing
// its file.
func (s *Sender) Run(ctx context.Context) {
	s.beat()
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			_ = os.Remove(s.path())
			return
		case <-ticker.C:
			s.beat()
		}
	}
}

func (s *Sender) path() string {
	return filepath.Join(s.dir, s.component+".heartbeat.json")
}

func (s *Sender) beat() {
	status := StatusOnline
	if s.statusFn != nil {
		status = s.statusFn()
	}
	hb := Heartbeat{
		Component: s.component,
		Status:    status,
		PID:       os.Getpid(),
		Timestamp: time.Now().UTC(),
	}
	data, err := json.Marshal(hb)
	if err != nil {
		return
	}
	tmp := s.path() + ".tmp"
	if err := os.WriteFile(tmp, data, 0600); err != nil {
		if s.logger != nil {
			s.logger.Warn("heartbeat write failed", slog.String("error", err.Error()))
		}
		return
	}
	if err := os.Rename(tmp, s.path()); err != nil && s.logger != nil {
		s.logger.Warn("heartbeat rename failed", slog.String("error", err.Error()))
	}
}

// ComponentStatus is one component's state as read back for /status.
type ComponentStatus struct {
	Status string  `json:"status"` // "online", "degraded", or "stale"
	AgeS   float64 `json:"age_s"`
}

// ReadAll reads every heartbeat file under dir, marking components whose
// beat is older than staleAfter as stale.
func ReadAll(dir string, staleAfter time.Duration) (map[string]ComponentStatus, error) {
	matches, err := filepath.Glob(filepath.Join(dir, "*.heartbeat.json"))
	if err != nil {
		return nil, fmt.Errorf("globbing heartbeat files: %w", err)
	}

	out := make(map[string]ComponentStatus, len(matches))
	now := time.Now()
	for _, path := range matches {
		data, err := os.ReadFile(path)
		if err != nil {
			continue
		}
		var hb Heartbeat
		if err := json.Unmarshal(data, &hb); err != nil {
			continue
		}
		name := hb.Component
		if name == "" {
			name = strings.TrimSuffix(filepath.Base(path), ".heartbeat.json")
		}
		age := now.Sub(hb.Timestamp)
		status := string(hb.Status)
		if age > staleAfter {
			status = "stale"
		}
		out[name] = ComponentStatus{Status: status, AgeS: age.Seconds()}
	}
	return out, nil
}
