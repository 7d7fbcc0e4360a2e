// Package promotion implements the promotion/demotion loop: insights that
// cross the reliability bar get their formatted line appended to an
// external guidance file, and promoted insights whose reliability degrades
// are demoted and scrubbed from the file on the next pass.
//
// The loop shape follows a ticker-driven tick with bounded-concurrency
// fan-out, an audit entry around every transition, and optional operator
// notification when a whole tick fails.
package promotion

import (
	"bufio"
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/kaitd/kaitd/internal/cognitive"
	"github.com/kaitd/kaitd/internal/domain"
	"github.com/kaitd/kaitd/internal/notification"
)

// Thresholds are the promotion contract: reliability >= 0.80 with at
// least 5 validations promotes; a promoted insight dropping below 0.65
// demotes with reason "reliability_degraded".
const (
	DefaultPromoteReliability = 0.80
	DefaultPromoteValidations = 5
	DefaultDemoteReliability  = 0.65
)

// GuidanceFileFor maps an insight category to its target guidance file.
func GuidanceFileFor(category domain.InsightCategory) string {
	switch category {
	case domain.CategoryUserUnderstanding:
		return "AGENTS.md"
	case domain.CategoryMetaLearning:
		return "TOOLS.md"
	case domain.CategorySelfAwareness:
		return "SOUL.md"
	}
	return "CLAUDE.md"
}

// Ledger receives PromotionRecord entries as newline-delimited JSON.
type Ledger interface {
	Append(record any) error
}

// Metrics is the counter surface the Loop reports to, satisfied by
// internal/observability.
type Metrics interface {
	TickObserved(duration time.Duration)
	Promoted()
	Demoted()
	TickFailed()
}

// Config bundles the loop tunables.
type Config struct {
	Interval           time.Duration // tick interval (default 1h)
	GuidanceDir        string        // directory holding the guidance files
	PromoteReliability float64
	PromoteValidations int
	DemoteReliability  float64
	MaxConcurrent      int
}

func (c *Config) setDefaults() {
	if c.Interval <= 0 {
		c.Interval = time.Hour
	}
	if c.PromoteReliability <= 0 {
		c.PromoteReliability = DefaultPromoteReliability
	}
	if c.PromoteValidations <= 0 {
		c.PromoteValidations = DefaultPromoteValidations
	}
	if c.DemoteReliability <= 0 {
		c.DemoteReliability = DefaultDemoteReliability
	}
	if c.MaxConcurrent <= 0 {
		c.MaxConcurrent = 4
	}
}

// Loop periodically scans the cognitive store and applies promotions and
// demotions. One tick runs at a time, guarded by a singleton lock.
type Loop struct {
	store      *cognitive.Store
	ledger     Ledger
	cfg        Config
	metrics    Metrics
	logger     *slog.Logger
	dispatcher *notification.Dispatcher
	channels   []string

	tickMu sync.Mutex
	now    func() time.Time
}

// New creates a promotion Loop.
func New(store *cognitive.Store, ledger Ledger, cfg Config, metrics Metrics, logger *slog.Logger) *Loop {
	cfg.setDefaults()
	return &Loop{
		store:   store,
		ledger:  ledger,
		cfg:     cfg,
		metrics: metrics,
		logger:  logger,
		now:     time.Now,
	}
}

// WithNotifications enables operator notification when a tick fails
// outright (a store or file write failure, not an insight missing its
// threshold).
func (l *Loop) WithNotifications(d *notification.Dispatcher, channels []string) *Loop {
	l.dispatcher = d
	l.channels = channels
	return l
}

// Start begins the promotion loop in a background goroutine and returns a
// cancel function.
func (l *Loop) Start(ctx context.Context) func() {
	ctx, cancel := context.WithCancel(ctx)

	go func() {
		l.logger.InfoContext(ctx, "promotion loop started",
			slog.String("interval", l.cfg.Interval.String()),
			slog.String("guidance_dir", l.cfg.GuidanceDir),
		)

		ticker := time.NewTicker(l.cfg.Interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				l.logger.Info("promotion loop stopped")
				return
			case <-ticker.C:
				if err := l.Tick(ctx); err != nil {
					l.notifyFailure(ctx, err)
				}
			}
		}
	}()

	return cancel
}

// Tick runs one promotion pass: demotions first (so their lines are
// scrubbed), then promotions. Exposed for the CLI's force-promote command.
func (l *Loop) Tick(ctx context.Context) error {
	l.tickMu.Lock()
	defer l.tickMu.Unlock()

	start := l.now()
	defer func() {
		if l.metrics != nil {
			l.metrics.TickObserved(time.Since(start))
		}
	}()

	insights := l.store.Snapshot()

	var firstErr error
	record := func(err error) {
		if err != nil && firstErr == nil {
			firstErr = err
		}
	}

	// Demotions are serial: each touches a guidance file.
	demoted := make(map[string]struct{})
	for _, in := range insights {
		if !in.Promoted || in.Reliability() >= l.cfg.DemoteReliability {
			continue
		}
		record(l.demote(ctx, in))
		demoted[in.Key] = struct{}{}
	}

	// Scrub demoted lines from every guidance file in one pass.
	if len(demoted) > 0 {
		record(l.scrub(demoted))
	}

	// Promotions fan out, bounded, one file append each under the file
	// lock below.
	sem := make(chan struct{}, l.cfg.MaxConcurrent)
	var wg sync.WaitGroup
	var mu sync.Mutex
	for _, in := range insights {
		in := in
		if in.Promoted || in.Reliability() < l.cfg.PromoteReliability || in.Validations < l.cfg.PromoteValidations {
			continue
		}
		sem <- struct{}{}
		wg.Add(1)
		go func() {
			defer wg.Done()
			defer func() { <-sem }()
			if err := l.promote(ctx, in); err != nil {
				mu.Lock()
				record(err)
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if firstErr != nil && l.metrics != nil {
		l.metrics.TickFailed()
	}
	return firstErr
}

var fileMu sync.Mutex

// promote appends the insight's formatted line to its guidance file and
// flips the store flag.
func (l *Loop) promote(ctx context.Context, in domain.Insight) error {
	file := GuidanceFileFor(in.Category)
	path := filepath.Join(l.cfg.GuidanceDir, file)

	fileMu.Lock()
	err := appendLine(path, FormatLine(in))
	fileMu.Unlock()
	if err != nil {
		return fmt.Errorf("appending to %s: %w", file, err)
	}

	if err := l.store.MarkPromoted(in.Key, file); err != nil {
		return fmt.Errorf("marking %s promoted: %w", in.Key, err)
	}
	if l.metrics != nil {
		l.metrics.Promoted()
	}
	l.logger.InfoContext(ctx, "insight promoted",
		slog.String("key", in.Key),
		slog.String("file", file),
		slog.Float64("reliability", in.Reliability()),
	)
	return l.append(domain.PromotionRecord{
		TS:          l.now().UTC(),
		Key:         in.Key,
		Action:      "promoted",
		File:        file,
		Reliability: in.Reliability(),
		Validations: in.Validations,
	})
}

func (l *Loop) demote(ctx context.Context, in domain.Insight) error {
	if err := l.store.Demote(in.Key); err != nil {
		return fmt.Errorf("demoting %s: %w", in.Key, err)
	}
	if l.metrics != nil {
		l.metrics.Demoted()
	}
	l.logger.InfoContext(ctx, "insight demoted",
		slog.String("key", in.Key),
		slog.Float64("reliability", in.Reliability()),
	)
	return l.append(domain.PromotionRecord{
		TS:          l.now().UTC(),
		Key:         in.Key,
		Action:      "demoted",
		File:        in.PromotedTo,
		Reason:      "reliability_degraded",
		Reliability: in.Reliability(),
		Validations: in.Validations,
	})
}

func (l *Loop) append(rec domain.PromotionRecord) error {
	if l.ledger == nil {
		return nil
	}
	if err := l.ledger.Append(rec); err != nil {
		return fmt.Errorf("writing promotion log: %w", err)
	}
	return nil
}

func (l *Loop) notifyFailure(ctx context.Context, err error) {
	l.logger.ErrorContext(ctx, "promotion tick failed", slog.String("error", err.Error()))
	if l.dispatcher == nil || len(l.channels) == 0 {
		return
	}
	msg := &notification.Message{
		Subject: "[kaitd] promotion tick failed",
		Body:    fmt.Sprintf("Promotion tick encountered an error: %v", err),
	}
	_ = l.dispatcher.Notify(ctx, l.channels, msg)
}

// lineMarker tags promoted lines so a later pass can find and remove
// them without parsing the surrounding document.
const lineMarker = "<!-- kait:"

// FormatLine renders an insight as a guidance-file bullet with its key
// marker.
func FormatLine(in domain.Insight) string {
	return fmt.Sprintf("- %s %s%s -->", in.Statement, lineMarker, in.Key)
}

// MarkerKey extracts the insight key from a promoted line, or "".
func MarkerKey(line string) string {
	i := strings.Index(line, lineMarker)
	if i < 0 {
		return ""
	}
	rest := line[i+len(lineMarker):]
	j := strings.Index(rest, " -->")
	if j < 0 {
		return ""
	}
	return rest[:j]
}

// scrub removes demoted insights' lines from every guidance file via
// temp-file rename.
func (l *Loop) scrub(demoted map[string]struct{}) error {
	fileMu.Lock()
	defer fileMu.Unlock()

	for _, file := range []string{"CLAUDE.md", "AGENTS.md", "TOOLS.md", "SOUL.md"} {
		path := filepath.Join(l.cfg.GuidanceDir, file)
		if err := removeMarkedLines(path, demoted); err != nil {
			return fmt.Errorf("scrubbing %s: %w", file, err)
		}
	}
	return nil
}

func appendLine(path, line string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0750); err != nil {
		return err
	}
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return err
	}
	defer f.Close()
	_, err = f.WriteString(line + "\n")
	return err
}

func removeMarkedLines(path string, keys map[string]struct{}) error {
	f, err := os.Open(path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return err
	}

	var kept []string
	var removed bool
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1<<20)
	for scanner.Scan() {
		line := scanner.Text()
		if key := MarkerKey(line); key != "" {
			if _, drop := keys[key]; drop {
				removed = true
				continue
			}
		}
		kept = append(kept, line)
	}
	if err := scanner.Err(); err != nil {
		_ = f.Close()
		return err
	}
	_ = f.Close()

	if !removed {
		return nil
	}
	tmp := path + ".tmp"
	content := strings.Join(kept, "\n")
	if len(kept) > 0 {
		content += "\n"
	}
	if err := os.WriteFile(tmp, []byte(content), 0644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}
