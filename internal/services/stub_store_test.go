package services

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/soaringjerry/Cohort/internal/models"
	"github.com/soaringjerry/Cohort/internal/queue"
)

// stubStore is a single in-memory implementation of every store interface
// the services declare.
type stubStore struct {
	mu           sync.Mutex
	studies      []*models.Study
	batches      []*models.EnrollmentTokenBatch
	tokens       []*models.EnrollmentToken
	participants []*models.Participant
	responses    []*models.SurveyResponse
	rows         map[int64][]*models.ResponseRow
	forwarding   map[string]*models.ForwardingConfig
	audit        []models.AuditEntry
	nextID       int64

	failInsertBatch error
	sinkErr         error
	getResponseErr  error
}

func newStubStore() *stubStore {
	return &stubStore{rows: map[int64][]*models.ResponseRow{}, forwarding: map[string]*models.ForwardingConfig{}}
}

func (s *stubStore) id() int64 {
	s.nextID++
	return s.nextID
}

func (s *stubStore) addStudy(shortName, container string, collection bool) *models.Study {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := &models.Study{RowID: s.id(), ShortName: shortName, Container: container, CollectionEnabled: collection}
	s.studies = append(s.studies, st)
	return st
}

func (s *stubStore) GetStudyByContainer(container string) (*models.Study, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, st := range s.studies {
		if st.Container == container {
			cp := *st
			return &cp, nil
		}
	}
	return nil, nil
}

func (s *stubStore) FindStudiesByShortName(shortName string) ([]*models.Study, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*models.Study
	for _, st := range s.studies {
		if st.ShortName == shortName {
			cp := *st
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (s *stubStore) UpsertStudy(st *models.Study) (*models.Study, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, cur := range s.studies {
		if cur.Container == st.Container {
			cp := *st
			cp.RowID = cur.RowID
			s.studies[i] = &cp
			return &cp, nil
		}
	}
	cp := *st
	cp.RowID = s.id()
	s.studies = append(s.studies, &cp)
	return &cp, nil
}

func (s *stubStore) CountParticipants(container string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, p := range s.participants {
		if p.Container == container {
			n++
		}
	}
	return n, nil
}

func (s *stubStore) GetForwardingConfig(container string) (*models.ForwardingConfig, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if c, ok := s.forwarding[container]; ok {
		cp := *c
		return &cp, nil
	}
	return nil, nil
}

func (s *stubStore) SaveForwardingConfig(cfg *models.ForwardingConfig) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *cfg
	s.forwarding[cfg.Container] = &cp
	return nil
}

func (s *stubStore) ListForwardingConfigs() ([]*models.ForwardingConfig, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*models.ForwardingConfig
	for _, c := range s.forwarding {
		cp := *c
		out = append(out, &cp)
	}
	return out, nil
}

func (s *stubStore) AddAudit(entry models.AuditEntry) {
	s.mu.Lock()
	s.audit = append(s.audit, entry)
	s.mu.Unlock()
}

func (s *stubStore) CreateTokenBatch(b *models.EnrollmentTokenBatch, tokens []*models.EnrollmentToken) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failInsertBatch != nil {
		err := s.failInsertBatch
		s.failInsertBatch = nil
		return err
	}
	for _, t := range tokens {
		for _, cur := range s.tokens {
			if cur.Container == t.Container && cur.Token == t.Token {
				return ErrTokenCollision
			}
		}
	}
	cb := *b
	s.batches = append(s.batches, &cb)
	for _, t := range tokens {
		ct := *t
		s.tokens = append(s.tokens, &ct)
	}
	return nil
}

func (s *stubStore) findTokenLocked(container, token string) *models.EnrollmentToken {
	for _, t := range s.tokens {
		if t.Container == container && t.Token == token {
			return t
		}
	}
	return nil
}

func (s *stubStore) TokenExists(container, token string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.findTokenLocked(container, token) != nil, nil
}

func (s *stubStore) FindToken(container, token string) (*models.EnrollmentToken, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if t := s.findTokenLocked(container, token); t != nil {
		cp := *t
		return &cp, nil
	}
	return nil, nil
}

func (s *stubStore) FindTokensByValue(token string) ([]*models.EnrollmentToken, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*models.EnrollmentToken
	for _, t := range s.tokens {
		if t.Token == token {
			cp := *t
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (s *stubStore) markLocked(container, token string) models.MarkResult {
	t := s.findTokenLocked(container, token)
	if t == nil {
		return models.MarkNotFound
	}
	if t.Used {
		return models.MarkAlreadyUsed
	}
	t.Used = true
	return models.MarkOK
}

func (s *stubStore) MarkTokenUsed(container, token string) (models.MarkResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.markLocked(container, token), nil
}

func (s *stubStore) SetTokenProperties(container, token string, props map[string]string) (models.MarkResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t := s.findTokenLocked(container, token)
	if t == nil {
		return models.MarkNotFound, nil
	}
	if t.Used {
		return models.MarkAlreadyUsed, nil
	}
	t.Properties = props
	return models.MarkOK, nil
}

func (s *stubStore) HasTokenBatches(container string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, b := range s.batches {
		if b.Container == container {
			return true, nil
		}
	}
	return false, nil
}

func (s *stubStore) GetTokenBatch(id string) (*models.EnrollmentTokenBatch, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, b := range s.batches {
		if b.ID == id {
			cp := *b
			return &cp, nil
		}
	}
	return nil, nil
}

func (s *stubStore) ListTokenBatches(container string) ([]*models.EnrollmentTokenBatch, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*models.EnrollmentTokenBatch
	for _, b := range s.batches {
		if b.Container == container {
			cp := *b
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (s *stubStore) ListTokens(batchID string) ([]*models.EnrollmentToken, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*models.EnrollmentToken
	for _, t := range s.tokens {
		if t.BatchID == batchID {
			cp := *t
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (s *stubStore) EnrollParticipant(p *models.Participant) (models.MarkResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if p.Token != "" {
		if res := s.markLocked(p.Container, p.Token); res != models.MarkOK {
			return res, nil
		}
	}
	cp := *p
	cp.RowID = s.id()
	p.RowID = cp.RowID
	s.participants = append(s.participants, &cp)
	return models.MarkOK, nil
}

func (s *stubStore) GetParticipantByAppToken(appToken string) (*models.Participant, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, p := range s.participants {
		if p.AppToken == appToken {
			cp := *p
			return &cp, nil
		}
	}
	return nil, nil
}

func (s *stubStore) SetParticipantStatus(rowID int64, status models.ParticipantStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, p := range s.participants {
		if p.RowID == rowID {
			p.Status = status
		}
	}
	return nil
}

func (s *stubStore) DeleteParticipantResponses(participantID int64) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	kept := s.responses[:0]
	n := 0
	for _, r := range s.responses {
		if r.ParticipantID == participantID {
			delete(s.rows, r.RowID)
			n++
			continue
		}
		kept = append(kept, r)
	}
	s.responses = kept
	return n, nil
}

func (s *stubStore) InsertResponse(r *models.SurveyResponse) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *r
	cp.RowID = s.id()
	s.responses = append(s.responses, &cp)
	return cp.RowID, nil
}

func (s *stubStore) ListResponsesByParticipant(participantID int64) ([]*models.SurveyResponse, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*models.SurveyResponse
	for _, r := range s.responses {
		if r.ParticipantID == participantID {
			cp := *r
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (s *stubStore) ListResponsesByContainer(container string, status models.ResponseStatus, limit int) ([]*models.SurveyResponse, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*models.SurveyResponse
	for _, r := range s.responses {
		if r.Container == container && (status == "" || r.Status == status) && len(out) < limit {
			cp := *r
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (s *stubStore) GetResponse(rowID int64) (*models.SurveyResponse, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.getResponseErr != nil {
		return nil, s.getResponseErr
	}
	for _, r := range s.responses {
		if r.RowID == rowID {
			cp := *r
			return &cp, nil
		}
	}
	return nil, nil
}

func (s *stubStore) TransitionResponse(rowID int64, from, to models.ResponseStatus, u StatusUpdate) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, r := range s.responses {
		if r.RowID != rowID {
			continue
		}
		if r.Status != from {
			return false, nil
		}
		r.Status = to
		r.ErrorMessage = u.ErrorMessage
		r.ProcessedBy = u.ProcessedBy
		r.ProcessedAt = u.ProcessedAt
		r.LeasedUntil = u.LeasedUntil
		return true, nil
	}
	return false, nil
}

func (s *stubStore) ListResponsesByStatus(status models.ResponseStatus, limit int) ([]*models.SurveyResponse, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*models.SurveyResponse
	for _, r := range s.responses {
		if r.Status == status && len(out) < limit {
			cp := *r
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (s *stubStore) ListExpiredLeases(t time.Time, limit int) ([]*models.SurveyResponse, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*models.SurveyResponse
	for _, r := range s.responses {
		if r.Status == models.ResponseProcessing && r.LeasedUntil != nil && r.LeasedUntil.Before(t) && len(out) < limit {
			cp := *r
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (s *stubStore) WriteResponseRows(responseID int64, rows []*models.ResponseRow) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sinkErr != nil {
		return s.sinkErr
	}
	s.rows[responseID] = rows
	return nil
}

func (s *stubStore) ListUnforwardedResponses(container string, limit int) ([]*models.SurveyResponse, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*models.SurveyResponse
	for _, r := range s.responses {
		if r.Container == container && r.Status == models.ResponseProcessed && r.ForwardedAt == nil && len(out) < limit {
			cp := *r
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].RowID < out[j].RowID })
	return out, nil
}

func (s *stubStore) MarkForwarded(rowID int64, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, r := range s.responses {
		if r.RowID == rowID {
			t := at
			r.ForwardedAt = &t
		}
	}
	return nil
}

func (s *stubStore) response(rowID int64) *models.SurveyResponse {
	r, _ := s.GetResponse(rowID)
	return r
}

// recordingQueue captures enqueued tasks.
type recordingQueue struct {
	mu    sync.Mutex
	tasks []queue.Task
	err   error
}

func (q *recordingQueue) Enqueue(_ context.Context, t queue.Task) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.err != nil {
		return q.err
	}
	q.tasks = append(q.tasks, t)
	return nil
}

func (q *recordingQueue) rowIDs() []int64 {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]int64, 0, len(q.tasks))
	for _, t := range q.tasks {
		out = append(out, t.RowID)
	}
	return out
}

var (
	_ StudyConfigStore = (*stubStore)(nil)
	_ TokenStore       = (*stubStore)(nil)
	_ ParticipantStore = (*stubStore)(nil)
	_ ResponseStore    = (*stubStore)(nil)
	_ ShredStore       = (*stubStore)(nil)
	_ ResponseSink     = (*stubStore)(nil)
	_ ForwardingStore  = (*stubStore)(nil)
)
