package api

import (
	"sort"
	"sync"
	"time"

	"github.com/soaringjerry/Cohort/internal/models"
	"github.com/soaringjerry/Cohort/internal/services"
)

type tokenKey struct {
	container string
	token     string
}

// memoryStore keeps everything in process. It is used when no sqlite path is
// configured and by the router tests.
type memoryStore struct {
	mu           sync.RWMutex
	studies      map[string]*models.Study // by container
	studyOrder   []string
	batches      map[string]*models.EnrollmentTokenBatch
	batchOrder   []string
	tokens       map[tokenKey]*models.EnrollmentToken
	participants map[string]*models.Participant // by appToken
	responses    map[int64]*models.SurveyResponse
	rows         map[int64][]*models.ResponseRow
	forwarding   map[string]*models.ForwardingConfig
	adminsByMail map[string]*models.AdminUser
	audit        []models.AuditEntry
	seq          int64
}

// NewMemoryStore returns an empty in-memory Store.
func NewMemoryStore() Store {
	return newMemoryStore()
}

func newMemoryStore() *memoryStore {
	return &memoryStore{
		studies:      map[string]*models.Study{},
		batches:      map[string]*models.EnrollmentTokenBatch{},
		tokens:       map[tokenKey]*models.EnrollmentToken{},
		participants: map[string]*models.Participant{},
		responses:    map[int64]*models.SurveyResponse{},
		rows:         map[int64][]*models.ResponseRow{},
		forwarding:   map[string]*models.ForwardingConfig{},
		adminsByMail: map[string]*models.AdminUser{},
	}
}

func (s *memoryStore) nextID() int64 {
	s.seq++
	return s.seq
}

// Studies

func (s *memoryStore) GetStudyByContainer(container string) (*models.Study, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if st, ok := s.studies[container]; ok {
		cp := *st
		return &cp, nil
	}
	return nil, nil
}

func (s *memoryStore) FindStudiesByShortName(shortName string) ([]*models.Study, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*models.Study
	for _, c := range s.studyOrder {
		if st := s.studies[c]; st.ShortName == shortName {
			cp := *st
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (s *memoryStore) UpsertStudy(st *models.Study) (*models.Study, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *st
	if cur, ok := s.studies[st.Container]; ok {
		cp.RowID = cur.RowID
		cp.CreatedAt = cur.CreatedAt
		cp.CreatedBy = cur.CreatedBy
	} else {
		cp.RowID = s.nextID()
		s.studyOrder = append(s.studyOrder, st.Container)
	}
	s.studies[st.Container] = &cp
	out := cp
	return &out, nil
}

func (s *memoryStore) CountParticipants(container string) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n := 0
	for _, p := range s.participants {
		if p.Container == container {
			n++
		}
	}
	return n, nil
}

// Tokens

func (s *memoryStore) CreateTokenBatch(b *models.EnrollmentTokenBatch, tokens []*models.EnrollmentToken) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	seen := make(map[tokenKey]struct{}, len(tokens))
	for _, t := range tokens {
		k := tokenKey{t.Container, t.Token}
		if _, dup := s.tokens[k]; dup {
			return services.ErrTokenCollision
		}
		if _, dup := seen[k]; dup {
			return services.ErrTokenCollision
		}
		seen[k] = struct{}{}
	}
	cb := *b
	s.batches[b.ID] = &cb
	s.batchOrder = append(s.batchOrder, b.ID)
	for _, t := range tokens {
		ct := *t
		ct.BatchID = b.ID
		s.tokens[tokenKey{t.Container, t.Token}] = &ct
	}
	return nil
}

func (s *memoryStore) TokenExists(container, token string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.tokens[tokenKey{container, token}]
	return ok, nil
}

func (s *memoryStore) FindToken(container, token string) (*models.EnrollmentToken, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if t, ok := s.tokens[tokenKey{container, token}]; ok {
		return copyToken(t), nil
	}
	return nil, nil
}

func copyToken(t *models.EnrollmentToken) *models.EnrollmentToken {
	cp := *t
	if t.Properties != nil {
		cp.Properties = make(map[string]string, len(t.Properties))
		for k, v := range t.Properties {
			cp.Properties[k] = v
		}
	}
	return &cp
}

func (s *memoryStore) FindTokensByValue(token string) ([]*models.EnrollmentToken, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*models.EnrollmentToken
	for _, id := range s.batchOrder {
		if t, ok := s.tokens[tokenKey{s.batches[id].Container, token}]; ok && t.BatchID == id {
			out = append(out, copyToken(t))
		}
	}
	return out, nil
}

func (s *memoryStore) markLocked(container, token string) models.MarkResult {
	t, ok := s.tokens[tokenKey{container, token}]
	switch {
	case !ok:
		return models.MarkNotFound
	case t.Used:
		return models.MarkAlreadyUsed
	}
	t.Used = true
	return models.MarkOK
}

func (s *memoryStore) MarkTokenUsed(container, token string) (models.MarkResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.markLocked(container, token), nil
}

func (s *memoryStore) SetTokenProperties(container, token string, props map[string]string) (models.MarkResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tokens[tokenKey{container, token}]
	switch {
	case !ok:
		return models.MarkNotFound, nil
	case t.Used:
		return models.MarkAlreadyUsed, nil
	}
	t.Properties = props
	return models.MarkOK, nil
}

func (s *memoryStore) HasTokenBatches(container string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, b := range s.batches {
		if b.Container == container {
			return true, nil
		}
	}
	return false, nil
}

func (s *memoryStore) batchLocked(b *models.EnrollmentTokenBatch) *models.EnrollmentTokenBatch {
	cp := *b
	cp.UsedCount = 0
	for _, t := range s.tokens {
		if t.BatchID == b.ID && t.Used {
			cp.UsedCount++
		}
	}
	return &cp
}

func (s *memoryStore) GetTokenBatch(id string) (*models.EnrollmentTokenBatch, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if b, ok := s.batches[id]; ok {
		return s.batchLocked(b), nil
	}
	return nil, nil
}

func (s *memoryStore) ListTokenBatches(container string) ([]*models.EnrollmentTokenBatch, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := []*models.EnrollmentTokenBatch{}
	for _, id := range s.batchOrder {
		if b := s.batches[id]; b.Container == container {
			out = append(out, s.batchLocked(b))
		}
	}
	return out, nil
}

func (s *memoryStore) ListTokens(batchID string) ([]*models.EnrollmentToken, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*models.EnrollmentToken
	for _, t := range s.tokens {
		if t.BatchID == batchID {
			out = append(out, copyToken(t))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Token < out[j].Token })
	return out, nil
}

// Participants

func (s *memoryStore) EnrollParticipant(p *models.Participant) (models.MarkResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if p.Token != "" {
		if res := s.markLocked(p.Container, p.Token); res != models.MarkOK {
			return res, nil
		}
	}
	p.RowID = s.nextID()
	cp := *p
	s.participants[p.AppToken] = &cp
	return models.MarkOK, nil
}

func (s *memoryStore) GetParticipantByAppToken(appToken string) (*models.Participant, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if p, ok := s.participants[appToken]; ok {
		cp := *p
		return &cp, nil
	}
	return nil, nil
}

func (s *memoryStore) SetParticipantStatus(rowID int64, status models.ParticipantStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, p := range s.participants {
		if p.RowID == rowID {
			p.Status = status
			return nil
		}
	}
	return nil
}

func (s *memoryStore) DeleteParticipantResponses(participantID int64) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for id, r := range s.responses {
		if r.ParticipantID == participantID {
			delete(s.responses, id)
			delete(s.rows, id)
			n++
		}
	}
	return n, nil
}

// Responses

func (s *memoryStore) InsertResponse(r *models.SurveyResponse) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *r
	cp.RowID = s.nextID()
	s.responses[cp.RowID] = &cp
	return cp.RowID, nil
}

func (s *memoryStore) GetResponse(rowID int64) (*models.SurveyResponse, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if r, ok := s.responses[rowID]; ok {
		cp := *r
		return &cp, nil
	}
	return nil, nil
}

// filterResponses returns copies of matching rows ordered by rowId.
func (s *memoryStore) filterResponses(limit int, keep func(*models.SurveyResponse) bool) []*models.SurveyResponse {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := []*models.SurveyResponse{}
	for _, r := range s.responses {
		if keep(r) {
			cp := *r
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].RowID < out[j].RowID })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}

func (s *memoryStore) ListResponsesByParticipant(participantID int64) ([]*models.SurveyResponse, error) {
	return s.filterResponses(0, func(r *models.SurveyResponse) bool { return r.ParticipantID == participantID }), nil
}

func (s *memoryStore) ListResponsesByContainer(container string, status models.ResponseStatus, limit int) ([]*models.SurveyResponse, error) {
	return s.filterResponses(limit, func(r *models.SurveyResponse) bool {
		return r.Container == container && (status == "" || r.Status == status)
	}), nil
}

func (s *memoryStore) ListResponsesByStatus(status models.ResponseStatus, limit int) ([]*models.SurveyResponse, error) {
	return s.filterResponses(limit, func(r *models.SurveyResponse) bool { return r.Status == status }), nil
}

func (s *memoryStore) ListExpiredLeases(t time.Time, limit int) ([]*models.SurveyResponse, error) {
	return s.filterResponses(limit, func(r *models.SurveyResponse) bool {
		return r.Status == models.ResponseProcessing && (r.LeasedUntil == nil || r.LeasedUntil.Before(t))
	}), nil
}

func (s *memoryStore) TransitionResponse(rowID int64, from, to models.ResponseStatus, u services.StatusUpdate) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.responses[rowID]
	if !ok || r.Status != from {
		return false, nil
	}
	r.Status = to
	r.ErrorMessage = u.ErrorMessage
	r.ProcessedBy = u.ProcessedBy
	r.ProcessedAt = u.ProcessedAt
	r.LeasedUntil = u.LeasedUntil
	return true, nil
}

func (s *memoryStore) WriteResponseRows(responseID int64, rows []*models.ResponseRow) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rows[responseID] = append([]*models.ResponseRow(nil), rows...)
	return nil
}

// ListResponseRows returns the shredded rows of a response.
func (s *memoryStore) ListResponseRows(responseID int64) ([]*models.ResponseRow, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]*models.ResponseRow(nil), s.rows[responseID]...), nil
}

func (s *memoryStore) ListUnforwardedResponses(container string, limit int) ([]*models.SurveyResponse, error) {
	return s.filterResponses(limit, func(r *models.SurveyResponse) bool {
		return r.Container == container && r.Status == models.ResponseProcessed && r.ForwardedAt == nil
	}), nil
}

func (s *memoryStore) MarkForwarded(rowID int64, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if r, ok := s.responses[rowID]; ok {
		r.ForwardedAt = &at
	}
	return nil
}

// Forwarding configuration

func (s *memoryStore) GetForwardingConfig(container string) (*models.ForwardingConfig, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if c, ok := s.forwarding[container]; ok {
		cp := *c
		return &cp, nil
	}
	return nil, nil
}

func (s *memoryStore) SaveForwardingConfig(cfg *models.ForwardingConfig) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *cfg
	s.forwarding[cfg.Container] = &cp
	return nil
}

func (s *memoryStore) ListForwardingConfigs() ([]*models.ForwardingConfig, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*models.ForwardingConfig, 0, len(s.forwarding))
	for _, c := range s.forwarding {
		cp := *c
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Container < out[j].Container })
	return out, nil
}

// Admins and audit

func (s *memoryStore) FindAdminByEmail(email string) (*models.AdminUser, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if u, ok := s.adminsByMail[email]; ok {
		cp := *u
		return &cp, nil
	}
	return nil, nil
}

func (s *memoryStore) AddAdmin(u *models.AdminUser) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.adminsByMail[u.Email]; ok {
		return services.NewConflictError("email already registered")
	}
	cp := *u
	s.adminsByMail[u.Email] = &cp
	return nil
}

func (s *memoryStore) AddAudit(e models.AuditEntry) {
	s.mu.Lock()
	s.audit = append(s.audit, e)
	s.mu.Unlock()
}
