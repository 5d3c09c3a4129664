package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/soaringjerry/Cohort/internal/models"
)

// DefaultForwardingInterval is the tick period of the forwarding job.
const DefaultForwardingInterval = 5 * time.Minute

// ForwardingStore is what the forwarding job reads and stamps.
type ForwardingStore interface {
	ListForwardingConfigs() ([]*models.ForwardingConfig, error)
	GetForwardingConfig(container string) (*models.ForwardingConfig, error)
	GetStudyByContainer(container string) (*models.Study, error)
	// ListUnforwardedResponses returns Processed rows without forwardedAt, oldest first.
	ListUnforwardedResponses(container string, limit int) ([]*models.SurveyResponse, error)
	MarkForwarded(rowID int64, at time.Time) error
}

// ForwardingDelivery is the body posted to a partner endpoint. ResponseID is
// stable across retries so receivers can drop duplicates.
type ForwardingDelivery struct {
	ResponseID    int64           `json:"responseId"`
	StudyID       string          `json:"studyId"`
	ActivityID    string          `json:"activityId"`
	Version       string          `json:"version"`
	Language      string          `json:"language"`
	ParticipantID int64           `json:"participantId"`
	SubmittedAt   time.Time       `json:"submittedAt"`
	Data          json.RawMessage `json:"data"`
}

// ForwardingClient delivers one response under the container's mode.
type ForwardingClient interface {
	Forward(ctx context.Context, cfg *models.ForwardingConfig, d *ForwardingDelivery) error
}

// TickReport summarises one run of the forwarding job.
type TickReport struct {
	Forwarded map[string]int
	Failed    map[string]error
}

// ForwardingScheduler owns the enabled-container set and the periodic job.
// The set is a cache of the stored configs, refreshed by Schedule.
type ForwardingScheduler struct {
	store     ForwardingStore
	client    ForwardingClient
	interval  time.Duration
	batchSize int
	logger    *zap.Logger
	now       func() time.Time

	mu      sync.RWMutex
	enabled map[string]struct{}

	runMu  sync.Mutex
	stop   chan struct{}
	done   chan struct{}
	tickMu sync.Mutex
}

func NewForwardingScheduler(store ForwardingStore, client ForwardingClient, interval time.Duration, logger *zap.Logger) *ForwardingScheduler {
	if interval <= 0 {
		interval = DefaultForwardingInterval
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ForwardingScheduler{
		store:     store,
		client:    client,
		interval:  interval,
		batchSize: 100,
		logger:    logger,
		now:       func() time.Time { return time.Now().UTC() },
		enabled:   map[string]struct{}{},
	}
}

// Schedule recomputes the enabled set and starts the timer if it is not
// already running. Calling it again after a config change only refreshes.
func (s *ForwardingScheduler) Schedule(ctx context.Context) error {
	if err := s.Refresh(); err != nil {
		return err
	}
	s.runMu.Lock()
	defer s.runMu.Unlock()
	if s.stop != nil {
		return nil
	}
	s.stop = make(chan struct{})
	s.done = make(chan struct{})
	go s.loop(ctx, s.stop, s.done)
	s.logger.Info("forwarding scheduler started", zap.Duration("interval", s.interval), zap.Int("enabled_containers", len(s.EnabledContainers())))
	return nil
}

// Unschedule stops the timer. An in-flight tick completes before it
// returns, and no tick starts afterwards.
func (s *ForwardingScheduler) Unschedule() {
	s.runMu.Lock()
	stop, done := s.stop, s.done
	s.stop, s.done = nil, nil
	s.runMu.Unlock()
	if stop == nil {
		return
	}
	close(stop)
	<-done
	s.logger.Info("forwarding scheduler stopped")
}

func (s *ForwardingScheduler) loop(ctx context.Context, stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			// A stop that raced the tick wins.
			select {
			case <-stop:
				return
			default:
			}
			s.RunOnce(context.WithoutCancel(ctx))
		}
	}
}

// Refresh clears the set and reloads it from stored configs.
func (s *ForwardingScheduler) Refresh() error {
	cfgs, err := s.store.ListForwardingConfigs()
	if err != nil {
		return fmt.Errorf("load forwarding configs: %w", err)
	}
	next := make(map[string]struct{}, len(cfgs))
	for _, c := range cfgs {
		if c != nil && c.Mode.Enabled() {
			next[c.Container] = struct{}{}
		}
	}
	s.mu.Lock()
	s.enabled = next
	s.mu.Unlock()
	return nil
}

func (s *ForwardingScheduler) EnableContainer(container string) {
	s.mu.Lock()
	s.enabled[container] = struct{}{}
	s.mu.Unlock()
}

func (s *ForwardingScheduler) DisableContainer(container string) {
	s.mu.Lock()
	delete(s.enabled, container)
	s.mu.Unlock()
}

func (s *ForwardingScheduler) IsEnabled(container string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.enabled[container]
	return ok
}

// EnabledContainers returns a sorted snapshot of the set.
func (s *ForwardingScheduler) EnabledContainers() []string {
	s.mu.RLock()
	out := make([]string, 0, len(s.enabled))
	for c := range s.enabled {
		out = append(out, c)
	}
	s.mu.RUnlock()
	sort.Strings(out)
	return out
}

// RunOnce performs one tick. A failing container is logged and skipped;
// its remaining rows are retried on the next tick.
func (s *ForwardingScheduler) RunOnce(ctx context.Context) TickReport {
	s.tickMu.Lock()
	defer s.tickMu.Unlock()

	report := TickReport{Forwarded: map[string]int{}, Failed: map[string]error{}}
	for _, c := range s.EnabledContainers() {
		n, err := s.forwardContainer(ctx, c)
		if n > 0 {
			report.Forwarded[c] = n
		}
		if err != nil {
			report.Failed[c] = err
			s.logger.Error("forwarding failed for container",
				zap.String("container", c),
				zap.Int("forwarded", n),
				zap.Error(err),
			)
		}
	}
	return report
}

var errForwardingDisabled = errors.New("forwarding disabled for container")

func (s *ForwardingScheduler) forwardContainer(ctx context.Context, container string) (int, error) {
	cfg, err := s.store.GetForwardingConfig(container)
	if err != nil {
		return 0, err
	}
	if cfg == nil || !cfg.Mode.Enabled() {
		s.logger.Debug("container in enabled set without active config", zap.String("container", container))
		return 0, nil
	}
	st, err := s.store.GetStudyByContainer(container)
	if err != nil {
		return 0, err
	}
	if st == nil {
		return 0, fmt.Errorf("no study configured for container %s", container)
	}
	rows, err := s.store.ListUnforwardedResponses(container, s.batchSize)
	if err != nil {
		return 0, err
	}
	sent := 0
	for _, r := range rows {
		d := &ForwardingDelivery{
			ResponseID:    r.RowID,
			StudyID:       st.ShortName,
			ActivityID:    r.ActivityID,
			Version:       r.Version,
			Language:      r.Language,
			ParticipantID: r.ParticipantID,
			SubmittedAt:   r.SubmittedAt,
			Data:          r.Payload,
		}
		if err := s.client.Forward(ctx, cfg, d); err != nil {
			return sent, fmt.Errorf("forward response %d: %w", r.RowID, err)
		}
		if err := s.store.MarkForwarded(r.RowID, s.now()); err != nil {
			return sent, err
		}
		sent++
	}
	return sent, nil
}
