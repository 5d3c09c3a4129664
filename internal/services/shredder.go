package services

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/soaringjerry/Cohort/internal/models"
	"github.com/soaringjerry/Cohort/internal/queue"
)

// StatusUpdate carries the columns written with a status transition.
type StatusUpdate struct {
	ErrorMessage string
	ProcessedBy  string
	ProcessedAt  *time.Time
	LeasedUntil  *time.Time
}

// ShredStore exposes the status compare-and-swap used by the shredder.
type ShredStore interface {
	GetResponse(rowID int64) (*models.SurveyResponse, error)
	GetStudyByContainer(container string) (*models.Study, error)
	// TransitionResponse sets status to `to` only if it is currently `from`.
	TransitionResponse(rowID int64, from, to models.ResponseStatus, u StatusUpdate) (bool, error)
	ListResponsesByStatus(status models.ResponseStatus, limit int) ([]*models.SurveyResponse, error)
	// ListExpiredLeases returns Processing rows leased until before t.
	ListExpiredLeases(t time.Time, limit int) ([]*models.SurveyResponse, error)
}

// ResponseSink is the downstream store of shredded rows. WriteResponseRows
// replaces any rows already written for the response.
type ResponseSink interface {
	WriteResponseRows(responseID int64, rows []*models.ResponseRow) error
}

type ReprocessResult struct {
	CountReprocessed int     `json:"countReprocessed"`
	NotReprocessed   []int64 `json:"notReprocessed"`
}

// ResponseShredder turns raw payloads into question/answer rows. Status
// transitions are compare-and-swap guarded so one row has a single writer.
type ResponseShredder struct {
	store   ShredStore
	sink    ResponseSink
	queue   Enqueuer
	designs SurveyDesignProvider
	logger  *zap.Logger
	lease   time.Duration
	now     func() time.Time
	locks   rowLocks
}

// NewResponseShredder builds a shredder. designs may be nil, in which case
// result keys are not checked against an activity design.
func NewResponseShredder(store ShredStore, sink ResponseSink, q Enqueuer, designs SurveyDesignProvider, lease time.Duration, logger *zap.Logger) *ResponseShredder {
	if logger == nil {
		logger = zap.NewNop()
	}
	if lease <= 0 {
		lease = 10 * time.Minute
	}
	return &ResponseShredder{
		store:   store,
		sink:    sink,
		queue:   q,
		designs: designs,
		logger:  logger,
		lease:   lease,
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// Process shreds one row. Parse and sink failures end in the Error status
// and are not returned; only store failures are.
func (s *ResponseShredder) Process(ctx context.Context, rowID int64, actor string) error {
	unlock := s.locks.lock(rowID)
	defer unlock()

	resp, err := s.store.GetResponse(rowID)
	if err != nil {
		return err
	}
	if resp == nil {
		s.logger.Warn("shred task for unknown response", zap.Int64("row_id", rowID))
		return nil
	}
	if _, err := resp.Status.Advance(models.ResponseProcessing); err != nil {
		// Already claimed or finished by an earlier delivery of the task.
		s.logger.Debug("skipping response", zap.Int64("row_id", rowID), zap.String("status", string(resp.Status)))
		return nil
	}
	leased := s.now().Add(s.lease)
	ok, err := s.store.TransitionResponse(rowID, models.ResponsePending, models.ResponseProcessing, StatusUpdate{LeasedUntil: &leased})
	if err != nil {
		return err
	}
	if !ok {
		return nil
	}

	final := models.ResponseProcessed
	var msg string
	rows, perr := s.shred(ctx, resp)
	if perr == nil {
		perr = s.sink.WriteResponseRows(rowID, rows)
	}
	if perr != nil {
		final = models.ResponseError
		msg = perr.Error()
		s.logger.Info("response shredding failed", zap.Int64("row_id", rowID), zap.String("error", msg))
	}
	if _, err := models.ResponseProcessing.Advance(final); err != nil {
		return err
	}
	done := s.now()
	ok, err = s.store.TransitionResponse(rowID, models.ResponseProcessing, final, StatusUpdate{ErrorMessage: msg, ProcessedBy: actor, ProcessedAt: &done})
	if err != nil {
		return err
	}
	if !ok {
		s.logger.Warn("lost processing lease", zap.Int64("row_id", rowID))
	}
	return nil
}

// Reprocess resets non-Processed rows to Pending and queues them again.
// Processed, unknown and actively leased rows are reported back untouched.
func (s *ResponseShredder) Reprocess(ctx context.Context, rowIDs []int64, actor string) (*ReprocessResult, error) {
	ids := dedupeIDs(rowIDs)
	if len(ids) == 0 {
		return nil, NewInvalidError("No responses to reprocess")
	}
	res := &ReprocessResult{NotReprocessed: []int64{}}
	for _, id := range ids {
		reset, err := s.resetRow(id)
		if err != nil {
			return nil, err
		}
		if !reset {
			res.NotReprocessed = append(res.NotReprocessed, id)
			continue
		}
		res.CountReprocessed++
		s.enqueue(ctx, id, actor)
	}
	return res, nil
}

func (s *ResponseShredder) resetRow(id int64) (bool, error) {
	unlock := s.locks.lock(id)
	defer unlock()

	resp, err := s.store.GetResponse(id)
	if err != nil {
		return false, err
	}
	if resp == nil {
		return false, nil
	}
	next, err := resp.Status.Reset()
	if errors.Is(err, models.ErrIllegalTransition) && resp.Status == models.ResponseProcessing && s.leaseExpired(resp) {
		next, err = resp.Status.Reclaim()
	}
	if err != nil {
		return false, nil
	}
	return s.store.TransitionResponse(id, resp.Status, next, StatusUpdate{})
}

func (s *ResponseShredder) leaseExpired(r *models.SurveyResponse) bool {
	return r.LeasedUntil == nil || !r.LeasedUntil.After(s.now())
}

// Recover reclaims rows whose Processing lease expired and queues every
// Pending row. It is run at startup.
func (s *ResponseShredder) Recover(ctx context.Context) (int, error) {
	return s.RecoverOlderThan(ctx, 0)
}

// RecoverOlderThan is Recover restricted to Pending rows submitted at least
// age ago. The periodic sweep uses it so rows still queued by Submit are not
// queued twice.
func (s *ResponseShredder) RecoverOlderThan(ctx context.Context, age time.Duration) (int, error) {
	const page = 500
	stale, err := s.store.ListExpiredLeases(s.now(), page)
	if err != nil {
		return 0, err
	}
	for _, r := range stale {
		ok, err := s.store.TransitionResponse(r.RowID, models.ResponseProcessing, models.ResponsePending, StatusUpdate{})
		if err != nil {
			return 0, err
		}
		if ok {
			s.logger.Info("reclaimed expired processing lease", zap.Int64("row_id", r.RowID))
		}
	}
	pending, err := s.store.ListResponsesByStatus(models.ResponsePending, page)
	if err != nil {
		return 0, err
	}
	cutoff := s.now().Add(-age)
	queued := 0
	for _, r := range pending {
		if age > 0 && r.SubmittedAt.After(cutoff) {
			continue
		}
		s.enqueue(ctx, r.RowID, "recovery")
		queued++
	}
	return queued, nil
}

func (s *ResponseShredder) enqueue(ctx context.Context, id int64, actor string) {
	if s.queue == nil {
		return
	}
	if err := s.queue.Enqueue(ctx, queue.Task{RowID: id, Actor: actor}); err != nil {
		s.logger.Warn("failed to enqueue shred task", zap.Int64("row_id", id), zap.Error(err))
	}
}

type payloadResult struct {
	Key        string          `json:"key"`
	ResultType string          `json:"resultType"`
	Skipped    bool            `json:"skipped"`
	StartTime  string          `json:"startTime"`
	EndTime    string          `json:"endTime"`
	Value      json.RawMessage `json:"value"`
}

type payloadDoc struct {
	Start   string           `json:"start"`
	End     string           `json:"end"`
	Results *[]payloadResult `json:"results"`
}

func (s *ResponseShredder) shred(ctx context.Context, resp *models.SurveyResponse) ([]*models.ResponseRow, error) {
	var doc payloadDoc
	dec := json.NewDecoder(bytes.NewReader(resp.Payload))
	if err := dec.Decode(&doc); err != nil {
		return nil, fmt.Errorf("Unable to parse response: %v", err)
	}
	if doc.Results == nil {
		return nil, errors.New("Response has no results array")
	}

	var known map[string]struct{}
	if s.designs != nil {
		st, err := s.store.GetStudyByContainer(resp.Container)
		if err != nil {
			return nil, err
		}
		if st == nil {
			return nil, fmt.Errorf("No study configured for container %s", resp.Container)
		}
		design, err := s.designs.GetSurveyDesign(ctx, st.ShortName, resp.ActivityID, resp.Version)
		if err != nil {
			return nil, fmt.Errorf("Unable to retrieve survey design: %v", err)
		}
		known = design.StepKeys()
	}

	var rows []*models.ResponseRow
	for _, r := range *doc.Results {
		if r.Key == "" {
			return nil, errors.New("Result is missing a key")
		}
		if known != nil {
			if _, ok := known[r.Key]; !ok {
				return nil, fmt.Errorf("Unknown question key '%s' for activity %s version %s", r.Key, resp.ActivityID, resp.Version)
			}
		}
		row, err := toRow(resp.RowID, r)
		if err != nil {
			return nil, err
		}
		if r.ResultType != "grouped" {
			rows = append(rows, row)
			continue
		}
		groups, err := shredGroup(resp.RowID, r, known)
		if err != nil {
			return nil, err
		}
		rows = append(rows, groups...)
	}
	return rows, nil
}

// shredGroup flattens a form result whose value is a list of result lists.
func shredGroup(responseID int64, parent payloadResult, known map[string]struct{}) ([]*models.ResponseRow, error) {
	if isEmptyJSON(parent.Value) {
		return nil, nil
	}
	var groups [][]payloadResult
	if err := json.Unmarshal(parent.Value, &groups); err != nil {
		return nil, fmt.Errorf("Unable to parse grouped result '%s': %v", parent.Key, err)
	}
	var rows []*models.ResponseRow
	for i, g := range groups {
		for _, r := range g {
			if known != nil {
				if _, ok := known[parent.Key+"."+r.Key]; !ok {
					return nil, fmt.Errorf("Unknown question key '%s.%s'", parent.Key, r.Key)
				}
			}
			row, err := toRow(responseID, r)
			if err != nil {
				return nil, err
			}
			row.GroupKey = parent.Key
			row.GroupIndex = i
			rows = append(rows, row)
		}
	}
	return rows, nil
}

func toRow(responseID int64, r payloadResult) (*models.ResponseRow, error) {
	row := &models.ResponseRow{ResponseID: responseID, Key: r.Key, ResultType: r.ResultType, Skipped: r.Skipped}
	if r.ResultType != "grouped" && !isEmptyJSON(r.Value) {
		row.Value = append(json.RawMessage(nil), r.Value...)
	}
	var err error
	if row.StartTime, err = parseResultTime(r.StartTime); err != nil {
		return nil, fmt.Errorf("Invalid startTime for '%s': %v", r.Key, err)
	}
	if row.EndTime, err = parseResultTime(r.EndTime); err != nil {
		return nil, fmt.Errorf("Invalid endTime for '%s': %v", r.Key, err)
	}
	return row, nil
}

var resultTimeLayouts = []string{
	"2006-01-02T15:04:05.000-0700",
	"2006-01-02T15:04:05-0700",
	time.RFC3339Nano,
}

func parseResultTime(s string) (*time.Time, error) {
	if s == "" {
		return nil, nil
	}
	var lastErr error
	for _, layout := range resultTimeLayouts {
		t, err := time.Parse(layout, s)
		if err == nil {
			t = t.UTC()
			return &t, nil
		}
		lastErr = err
	}
	return nil, lastErr
}

func dedupeIDs(ids []int64) []int64 {
	seen := make(map[int64]struct{}, len(ids))
	out := make([]int64, 0, len(ids))
	for _, id := range ids {
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// rowLocks serialises work on the same rowId within this process.
type rowLocks struct {
	mu    sync.Mutex
	inUse map[int64]*rowLock
}

type rowLock struct {
	mu   sync.Mutex
	refs int
}

func (l *rowLocks) lock(id int64) func() {
	l.mu.Lock()
	if l.inUse == nil {
		l.inUse = map[int64]*rowLock{}
	}
	rl, ok := l.inUse[id]
	if !ok {
		rl = &rowLock{}
		l.inUse[id] = rl
	}
	rl.refs++
	l.mu.Unlock()

	rl.mu.Lock()
	return func() {
		rl.mu.Unlock()
		l.mu.Lock()
		rl.refs--
		if rl.refs == 0 {
			delete(l.inUse, id)
		}
		l.mu.Unlock()
	}
}
