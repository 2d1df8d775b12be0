package notify

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"
)

// DefaultReminderTime is the default daily reminder time
const DefaultReminderTime = "07:00"

// DefaultRetryDelay re-arms a failed reminder
const DefaultRetryDelay = 5 * time.Minute

// Shower shows one notification
type Shower interface {
	Show(ctx context.Context, source, body string) (Notification, error)
}

// SchedulerConfig holds the reminder configuration
type SchedulerConfig struct {
	// At is the local time of day, HH:MM
	At         string
	RetryDelay time.Duration
	Shower     Shower
	Clock      clock.Clock
	Logger     *zap.Logger
}

// Scheduler fires the daily reminder
type Scheduler struct {
	hour, minute int
	retry        time.Duration
	shower       Shower
	clock        clock.Clock
	logger       *zap.Logger

	mu      sync.Mutex
	next    time.Time
	cancel  context.CancelFunc
	done    chan struct{}
	running bool
}

// ParseTimeOfDay parses HH:MM
func ParseTimeOfDay(s string) (hour, minute int, err error) {
	t, err := time.Parse("15:04", s)
	if err != nil {
		return 0, 0, fmt.Errorf("invalid time of day %q: %w", s, err)
	}
	return t.Hour(), t.Minute(), nil
}

// NextOccurrence returns the first hour:minute strictly after now, in the
// location of now
func NextOccurrence(now time.Time, hour, minute int) time.Time {
	next := time.Date(now.Year(), now.Month(), now.Day(), hour, minute, 0, 0, now.Location())
	if !next.After(now) {
		next = time.Date(now.Year(), now.Month(), now.Day()+1, hour, minute, 0, 0, now.Location())
	}
	return next
}

// NewScheduler validates the configuration
func NewScheduler(cfg SchedulerConfig) (*Scheduler, error) {
	if cfg.Shower == nil {
		return nil, errors.New("scheduler needs a notifier")
	}
	if cfg.At == "" {
		cfg.At = DefaultReminderTime
	}
	hour, minute, err := ParseTimeOfDay(cfg.At)
	if err != nil {
		return nil, err
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = DefaultRetryDelay
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.New()
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	return &Scheduler{
		hour:   hour,
		minute: minute,
		retry:  cfg.RetryDelay,
		shower: cfg.Shower,
		clock:  cfg.Clock,
		logger: cfg.Logger.Named("reminder"),
	}, nil
}

// Start arms the reminder; it runs until Stop or ctx is done
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return
	}
	ctx, s.cancel = context.WithCancel(ctx)
	s.done = make(chan struct{})
	s.running = true
	go s.loop(ctx, s.done)
}

// Next returns when the reminder fires next, zero when not armed
func (s *Scheduler) Next() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.next
}

// Stop disarms the reminder and waits for the loop to exit
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	cancel, done := s.cancel, s.done
	s.mu.Unlock()

	cancel()
	<-done
}

func (s *Scheduler) arm(at time.Time) *clock.Timer {
	timer := s.clock.Timer(at.Sub(s.clock.Now()))
	s.mu.Lock()
	s.next = at
	s.mu.Unlock()
	return timer
}

func (s *Scheduler) loop(ctx context.Context, done chan struct{}) {
	defer close(done)
	defer func() {
		s.mu.Lock()
		s.next = time.Time{}
		s.mu.Unlock()
	}()

	at := NextOccurrence(s.clock.Now(), s.hour, s.minute)
	for {
		timer := s.arm(at)
		s.logger.Debug("Reminder armed", zap.Time("at", at))

		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}

		_, err := s.shower.Show(ctx, SourceReminder, ReminderBody)
		switch {
		case err == nil, errors.Is(err, ErrPermissionDenied):
			// denied reminders are not retried
			at = NextOccurrence(s.clock.Now(), s.hour, s.minute)
		default:
			s.logger.Warn("Reminder failed, retrying", zap.Duration("delay", s.retry), zap.Error(err))
			at = s.clock.Now().Add(s.retry)
		}
	}
}
