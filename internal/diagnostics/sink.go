// internal/diagnostics/sink.go
package diagnostics

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	jsoniter "github.com/json-iterator/go"
	"github.com/mitchellh/go-homedir"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/xkilldash9x/slotwatch/internal/browser"
	"github.com/xkilldash9x/slotwatch/internal/config"
)

// Checkpoint labels used across the engine.
const (
	LabelPreLogin      = "pre_login"
	LabelPostLogin     = "post_login"
	LabelLoginFailure  = "login_failure"
	LabelVerifyFailed  = "verify_failed"
	LabelPreDismissal  = "pre_dismissal"
	LabelPostDismissal = "post_dismissal"
	LabelPreScan       = "pre_scan"
	LabelPostScan      = "post_scan"
	LabelScanError     = "scan_error"
	LabelAvailability  = "availability"
)

const manifestName = "manifest.jsonl"

// Capture is the outcome of a diagnostic checkpoint. Ref is empty when nothing was stored.
type Capture struct {
	Ref     string
	Label   string
	Image   []byte
	TakenAt time.Time
}

// Sink records page state for post-hoc debugging. Implementations must never fail the caller;
// problems are logged and an empty Capture is returned.
type Sink interface {
	Capture(ctx context.Context, label string) Capture
}

// Nop discards every checkpoint.
type Nop struct{}

func (Nop) Capture(_ context.Context, label string) Capture {
	return Capture{Label: label, TakenAt: time.Now()}
}

type manifestEntry struct {
	ID      string    `json:"id"`
	Label   string    `json:"label"`
	File    string    `json:"file"`
	URL     string    `json:"url,omitempty"`
	Bytes   int       `json:"bytes"`
	TakenAt time.Time `json:"taken_at"`
}

// FileSink stores PNG screenshots of the live page in a directory, with a JSON-lines manifest.
// Captures are throttled and the directory is pruned to the newest MaxFiles images.
type FileSink struct {
	dir      string
	maxFiles int
	provider browser.PageProvider
	limiter  *rate.Limiter
	logger   *zap.Logger
	now      func() time.Time

	mu sync.Mutex
}

// NewFileSink prepares the capture directory.
func NewFileSink(cfg config.DiagnosticsConfig, provider browser.PageProvider, logger *zap.Logger) (*FileSink, error) {
	dir, err := homedir.Expand(cfg.Dir)
	if err != nil {
		return nil, fmt.Errorf("failed to expand diagnostics directory %q: %w", cfg.Dir, err)
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create diagnostics directory: %w", err)
	}

	limit := rate.Inf
	if cfg.RatePerMin > 0 {
		limit = rate.Limit(cfg.RatePerMin / 60.0)
	}
	burst := cfg.Burst
	if burst <= 0 {
		burst = 1
	}

	return &FileSink{
		dir:      dir,
		maxFiles: cfg.MaxFiles,
		provider: provider,
		limiter:  rate.NewLimiter(limit, burst),
		logger:   logger.Named("diagnostics"),
		now:      time.Now,
	}, nil
}

// Dir returns the expanded capture directory.
func (s *FileSink) Dir() string { return s.dir }

func (s *FileSink) Capture(ctx context.Context, label string) Capture {
	taken := s.now()
	out := Capture{Label: label, TakenAt: taken}

	if !s.limiter.Allow() {
		s.logger.Debug("Diagnostic capture throttled.", zap.String("label", label))
		return out
	}

	page := s.provider.Page()
	if page == nil {
		return out
	}
	img, err := page.Screenshot(ctx)
	if err != nil {
		s.logger.Warn("Diagnostic screenshot failed.", zap.String("label", label), zap.Error(err))
		return out
	}
	out.Image = img

	id := uuid.NewString()
	name := fmt.Sprintf("%s_%s_%s.png", taken.UTC().Format("20060102T150405.000"), sanitizeLabel(label), id[:8])
	path := filepath.Join(s.dir, name)

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := os.WriteFile(path, img, 0o644); err != nil {
		s.logger.Warn("Failed to store diagnostic screenshot.", zap.String("label", label), zap.Error(err))
		return out
	}
	out.Ref = path

	entry := manifestEntry{ID: id, Label: label, File: name, Bytes: len(img), TakenAt: taken}
	if url, err := page.CurrentURL(ctx); err == nil {
		entry.URL = url
	}
	if err := s.appendManifest(entry); err != nil {
		s.logger.Warn("Failed to update diagnostics manifest.", zap.Error(err))
	}
	s.prune()

	s.logger.Debug("Diagnostic captured.", zap.String("label", label), zap.String("file", name))
	return out
}

func (s *FileSink) appendManifest(entry manifestEntry) error {
	line, err := jsoniter.ConfigCompatibleWithStandardLibrary.Marshal(entry)
	if err != nil {
		return err
	}
	f, err := os.OpenFile(filepath.Join(s.dir, manifestName), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()
	_, err = f.Write(append(line, '\n'))
	return err
}

// prune removes the oldest images beyond maxFiles. File names sort chronologically.
func (s *FileSink) prune() {
	if s.maxFiles <= 0 {
		return
	}
	images, err := filepath.Glob(filepath.Join(s.dir, "*.png"))
	if err != nil || len(images) <= s.maxFiles {
		return
	}
	sort.Strings(images)
	for _, old := range images[:len(images)-s.maxFiles] {
		if err := os.Remove(old); err != nil {
			s.logger.Debug("Failed to prune diagnostic.", zap.String("file", old), zap.Error(err))
		}
	}
}

func sanitizeLabel(label string) string {
	label = strings.ToLower(strings.TrimSpace(label))
	if label == "" {
		return "capture"
	}
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '_':
			return r
		}
		return '-'
	}, label)
}

// Recorder keeps checkpoints in memory.
type Recorder struct {
	mu     sync.Mutex
	labels []string
	Image  []byte
}

func (r *Recorder) Capture(_ context.Context, label string) Capture {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.labels = append(r.labels, label)
	return Capture{Ref: fmt.Sprintf("memory:%d", len(r.labels)), Label: label, Image: r.Image, TakenAt: time.Now()}
}

// Labels returns the checkpoints seen so far, in order.
func (r *Recorder) Labels() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.labels...)
}

// Count returns how many times label was captured.
func (r *Recorder) Count(label string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, l := range r.labels {
		if l == label {
			n++
		}
	}
	return n
}
