// internal/scheduler/scheduler.go
package scheduler

import (
	"context"
	"errors"
	mrand "math/rand"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/xkilldash9x/slotwatch/internal/availability"
	"github.com/xkilldash9x/slotwatch/internal/browser"
	"github.com/xkilldash9x/slotwatch/internal/config"
	"github.com/xkilldash9x/slotwatch/internal/diagnostics"
	"github.com/xkilldash9x/slotwatch/internal/notify"
	"github.com/xkilldash9x/slotwatch/internal/session"
)

// SessionManager is the part of session.Manager the loop drives.
type SessionManager interface {
	Login(ctx context.Context) (session.Session, error)
	Verify(ctx context.Context) bool
	Expire()
	Repair(ctx context.Context) (session.Session, error)
}

// Scanner produces one ScanResult per call.
type Scanner interface {
	Scan(ctx context.Context) (availability.ScanResult, error)
}

// Scheduler runs the poll loop. It owns the notification state and is the only caller of the
// session manager, scanner and sender, so nothing here runs concurrently.
type Scheduler struct {
	cfg      config.ScheduleConfig
	sessions SessionManager
	scanner  Scanner
	pages    browser.PageProvider
	gate     notify.Gate
	sender   notify.Sender
	diag     diagnostics.Sink
	logger   *zap.Logger

	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error

	rngMu sync.Mutex
	rng   *mrand.Rand
}

// New assembles a Scheduler. pages supplies the alert screenshot and may be nil. sender may
// be nil, in which case alerts are only logged.
func New(cfg *config.Config, pages browser.PageProvider, sessions SessionManager, scanner Scanner, sender notify.Sender, diag diagnostics.Sink, logger *zap.Logger) *Scheduler {
	if diag == nil {
		diag = diagnostics.Nop{}
	}
	return &Scheduler{
		cfg:      cfg.Schedule,
		sessions: sessions,
		scanner:  scanner,
		pages:    pages,
		gate:     notify.Gate{Rearm: cfg.Notify.Rearm},
		sender:   sender,
		diag:     diag,
		logger:   logger.Named("scheduler"),
		now:      time.Now,
		sleep:    browser.Sleep,
		rng:      mrand.New(mrand.NewSource(time.Now().UnixNano())),
	}
}

// NextDelay returns the interval shifted by a uniform jitter in [-jitter, +jitter], never less
// than the configured minimum.
func (s *Scheduler) NextDelay() time.Duration {
	d := s.cfg.Interval
	if j := s.cfg.Jitter; j > 0 {
		s.rngMu.Lock()
		offset := time.Duration(s.rng.Int63n(2*int64(j)+1)) - j
		s.rngMu.Unlock()
		d += offset
	}
	if d < s.cfg.MinDelay {
		d = s.cfg.MinDelay
	}
	return d
}

// Run logs in and polls until ctx is cancelled or the session becomes unrecoverable. It returns
// nil on cancellation and the fatal error otherwise.
func (s *Scheduler) Run(ctx context.Context) error {
	s.logger.Info("Starting monitoring loop.",
		zap.Duration("interval", s.cfg.Interval),
		zap.Duration("jitter", s.cfg.Jitter),
		zap.Bool("rearm", s.gate.Rearm))

	if _, err := s.sessions.Login(ctx); err != nil {
		if ctx.Err() != nil {
			s.logger.Info("Monitoring loop cancelled during login.")
			return nil
		}
		s.logger.Error("Initial login failed.", zap.Error(err))
		return err
	}

	var state notify.State
	for cycle := 1; ; cycle++ {
		var err error
		state, _, err = s.Cycle(ctx, cycle, state)
		if err != nil {
			if ctx.Err() != nil {
				break
			}
			return err
		}

		delay := s.NextDelay()
		s.logger.Info("Waiting for next check.", zap.Int("cycle", cycle), zap.Duration("delay", delay),
			zap.Time("next_check_at", s.now().Add(delay)))
		if err := s.sleep(ctx, delay); err != nil {
			break
		}
	}

	s.logger.Info("Monitoring loop stopped.")
	return nil
}

// Cycle runs a single verify, scan and notify pass and returns the updated notification state.
// Only session.ErrSessionUnrecoverable and context errors are returned; everything else is
// absorbed and logged.
func (s *Scheduler) Cycle(ctx context.Context, cycle int, state notify.State) (notify.State, availability.ScanResult, error) {
	metricPolls.Inc()
	defer func() { metricLastPoll.Set(float64(s.now().Unix())) }()
	logger := s.logger.With(zap.Int("cycle", cycle))
	logger.Info("Checking for slots.", zap.Time("at", s.now()))

	if !s.sessions.Verify(ctx) {
		if err := s.repair(ctx, logger); err != nil {
			return state, availability.ScanResult{}, err
		}
	}

	result, err := s.scanner.Scan(ctx)
	var scanErr *availability.ScanError
	switch {
	case err == nil:
	case ctx.Err() != nil:
		return state, result, ctx.Err()
	case errors.Is(err, availability.ErrSessionExpiredDuringScan):
		logger.Warn("Session expired during scan; repairing before the next cycle.")
		if err := s.repair(ctx, logger); err != nil {
			return state, result, err
		}
		return state, result, nil
	case errors.As(err, &scanErr):
		metricScanErrors.WithLabelValues(scanErr.Stage).Inc()
		logger.Warn("Scan failed; treating this cycle as inconclusive.", zap.Error(err))
	default:
		metricScanErrors.WithLabelValues("unknown").Inc()
		logger.Warn("Scan failed; treating this cycle as inconclusive.", zap.Error(err))
	}
	metricSlots.Set(float64(result.SlotCount()))

	fire := s.gate.ShouldNotify(result, state)
	if fire {
		s.alert(ctx, logger, result)
	} else if result.HasAvailability {
		logger.Info("Slots still available; already notified.",
			zap.Int("slots", result.SlotCount()), zap.Time("notified_at", state.NotifiedAt))
	}

	next := s.gate.Record(state, result, fire, s.now())
	if state.Notified && !next.Notified {
		logger.Info("Availability gone; notification re-armed.")
	}
	return next, result, nil
}

func (s *Scheduler) repair(ctx context.Context, logger *zap.Logger) error {
	s.sessions.Expire()
	_, err := s.sessions.Repair(ctx)
	switch {
	case err == nil:
		recordRepair(true)
		return nil
	case ctx.Err() != nil:
		return ctx.Err()
	}
	recordRepair(false)
	logger.Error("Session repair failed.", zap.Error(err))
	return err
}

// alert captures the booking page and hands it to the sender. A failed delivery is logged and
// not retried; the gate still records the attempt.
func (s *Scheduler) alert(ctx context.Context, logger *zap.Logger, result availability.ScanResult) {
	logger.Info("Slots found.", zap.Int("slots", result.SlotCount()),
		zap.Strings("days", result.MatchedDays), zap.Strings("times", result.MatchedTimes))

	var images [][]byte
	if shot := s.screenshot(ctx, logger); len(shot) > 0 {
		images = append(images, shot)
	}
	s.diag.Capture(ctx, diagnostics.LabelAvailability)
	if s.sender == nil {
		logger.Info("No notification sink configured; alert logged only.")
		return
	}
	err := s.sender.Send(ctx, result.SlotCount(), images)
	recordNotification(err)
	if err != nil {
		logger.Error("Notification delivery failed; not retrying.", zap.Error(err))
	}
}

// screenshot takes the alert image straight from the page, outside the diagnostics throttle.
// A failure only costs the attachment.
func (s *Scheduler) screenshot(ctx context.Context, logger *zap.Logger) []byte {
	if s.pages == nil {
		return nil
	}
	shot, err := s.pages.Page().Screenshot(ctx)
	if err != nil {
		logger.Warn("Failed to capture the booking page for the alert.", zap.Error(err))
		return nil
	}
	return shot
}
