package services

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/soaringjerry/Cohort/internal/models"
)

// ParticipantStore persists participants created by enrollment.
type ParticipantStore interface {
	// EnrollParticipant inserts p. When p.Token is set, the token is marked
	// used in the same transaction with a conditional update; a lost race
	// returns MarkAlreadyUsed and inserts nothing.
	EnrollParticipant(p *models.Participant) (models.MarkResult, error)
	GetParticipantByAppToken(appToken string) (*models.Participant, error)
	SetParticipantStatus(rowID int64, status models.ParticipantStatus) error
	DeleteParticipantResponses(participantID int64) (int, error)
	AddAudit(entry models.AuditEntry)
}

// AttemptState tracks one enrollment attempt:
// NotStarted -> Validating -> {Rejected | Enrolled}.
type AttemptState int

const (
	AttemptNotStarted AttemptState = iota
	AttemptValidating
	AttemptRejected
	AttemptEnrolled
)

// EnrollmentAttempt is the outcome of validation and, for Enroll, allocation.
type EnrollmentAttempt struct {
	State  AttemptState
	Reason error
	Study  *models.Study
	Token  *models.EnrollmentToken
}

func (a *EnrollmentAttempt) reject(err error) *EnrollmentAttempt {
	a.State = AttemptRejected
	a.Reason = err
	return a
}

type EnrollmentRequest struct {
	StudyID          string
	Token            string
	AllowDataSharing string
	Language         string
}

type EnrollResult struct {
	AppToken string `json:"appToken"`
}

// EnrollmentService validates and executes enrollment, validation-only,
// resolution and withdrawal requests.
type EnrollmentService struct {
	studies      StudyStore
	tokens       TokenStore
	participants ParticipantStore
	designs      SurveyDesignProvider
	now          func() time.Time
	appTokenGen  func() string
}

// NewEnrollmentService builds the service. designs may be nil.
func NewEnrollmentService(studies StudyStore, tokens TokenStore, participants ParticipantStore, designs SurveyDesignProvider) *EnrollmentService {
	return &EnrollmentService{
		studies:      studies,
		tokens:       tokens,
		participants: participants,
		designs:      designs,
		now:          func() time.Time { return time.Now().UTC() },
		appTokenGen:  defaultAppToken,
	}
}

func defaultAppToken() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")
}

// validate runs the shared checks, stopping at the first failure.
func (s *EnrollmentService) validate(req EnrollmentRequest) (*EnrollmentAttempt, error) {
	a := &EnrollmentAttempt{State: AttemptValidating}
	shortName := NormalizeShortName(req.StudyID)
	if shortName == "" {
		return a.reject(NewInvalidError("StudyId is required")), nil
	}
	studies, err := s.studies.FindStudiesByShortName(shortName)
	if err != nil {
		return nil, err
	}
	if len(studies) == 0 {
		return a.reject(NewInvalidError(fmt.Sprintf("Study with StudyId '%s' does not exist", shortName))), nil
	}

	token := NormalizeToken(req.Token)
	if token == "" {
		required := false
		for _, st := range studies {
			has, err := s.tokens.HasTokenBatches(st.Container)
			if err != nil {
				return nil, err
			}
			if has {
				required = true
				break
			}
		}
		if required {
			return a.reject(NewInvalidError(LookupLanguage(req.Language).TokenRequiredMessage())), nil
		}
		a.Study = studies[0]
		return a, nil
	}

	if !ValidateChecksum(token) {
		return a.reject(NewInvalidError(fmt.Sprintf("Invalid token: '%s'", token))), nil
	}
	byContainer := make(map[string]*models.Study, len(studies))
	for _, st := range studies {
		byContainer[st.Container] = st
	}
	matches, err := s.tokens.FindTokensByValue(token)
	if err != nil {
		return nil, err
	}
	var candidate *models.EnrollmentToken
	for _, m := range matches {
		if _, ok := byContainer[m.Container]; !ok {
			continue
		}
		if m.Used {
			return a.reject(NewInvalidError("Token already in use")), nil
		}
		if candidate == nil {
			candidate = m
		}
	}
	if candidate == nil {
		return a.reject(NewInvalidError(fmt.Sprintf("Unknown token: '%s'", token))), nil
	}
	a.Study = byContainer[candidate.Container]
	a.Token = candidate
	return a, nil
}

// Enroll validates the request, consumes the token if supplied and creates an
// Enrolled participant. The returned appToken is the participant's credential.
func (s *EnrollmentService) Enroll(req EnrollmentRequest) (*EnrollResult, error) {
	a, err := s.validate(req)
	if err != nil {
		return nil, err
	}
	if a.State == AttemptRejected {
		return nil, a.Reason
	}
	if strings.TrimSpace(req.AllowDataSharing) == "" {
		return nil, NewInvalidError("allowDataSharing is required")
	}
	if !models.ValidDataSharing(req.AllowDataSharing) {
		return nil, NewInvalidError(fmt.Sprintf("Invalid allowDataSharing value: '%s'", req.AllowDataSharing))
	}

	p := &models.Participant{
		AppToken:         s.appTokenGen(),
		StudyID:          a.Study.RowID,
		Container:        a.Study.Container,
		Status:           models.ParticipantEnrolled,
		AllowDataSharing: req.AllowDataSharing,
		EnrolledAt:       s.now(),
	}
	if a.Token != nil {
		p.Token = a.Token.Token
	}
	res, err := s.participants.EnrollParticipant(p)
	if err != nil {
		return nil, err
	}
	switch res {
	case models.MarkAlreadyUsed:
		return nil, NewInvalidError("Token already in use")
	case models.MarkNotFound:
		return nil, NewInvalidError(fmt.Sprintf("Unknown token: '%s'", p.Token))
	}
	a.State = AttemptEnrolled
	s.participants.AddAudit(models.AuditEntry{Time: p.EnrolledAt, Actor: "participant", Action: "enroll", Target: a.Study.ShortName, Note: a.Study.Container})
	return &EnrollResult{AppToken: p.AppToken}, nil
}

// ValidateOnly runs the enrollment checks without consuming the token and
// returns the pre-enrollment participant properties tied to it.
func (s *EnrollmentService) ValidateOnly(ctx context.Context, req EnrollmentRequest) ([]models.ParticipantProperty, error) {
	a, err := s.validate(req)
	if err != nil {
		return nil, err
	}
	if a.State == AttemptRejected {
		return nil, a.Reason
	}
	props := []models.ParticipantProperty{}
	if a.Token == nil {
		return props, nil
	}
	values := a.Token.Properties
	if s.designs == nil {
		keys := make([]string, 0, len(values))
		for k := range values {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			props = append(props, models.ParticipantProperty{PropertyID: k, PropertyType: PropertyTypePreEnrollment, Value: values[k]})
		}
		return props, nil
	}
	defs, err := s.designs.GetParticipantProperties(ctx, a.Study.ShortName)
	if err != nil {
		return nil, err
	}
	for _, d := range defs {
		if d.PropertyType != PropertyTypePreEnrollment {
			continue
		}
		props = append(props, models.ParticipantProperty{PropertyID: d.PropertyID, PropertyType: d.PropertyType, Value: values[d.PropertyID]})
	}
	return props, nil
}

// ResolveStudy returns the short name of the study owning token, whether or
// not the token was consumed. Shared short names resolve to the first match.
func (s *EnrollmentService) ResolveStudy(token string) (string, error) {
	token = NormalizeToken(token)
	if token == "" {
		return "", NewInvalidError(LookupLanguage("").TokenRequiredMessage())
	}
	if !ValidateChecksum(token) {
		return "", NewInvalidError(fmt.Sprintf("Invalid token: '%s'", token))
	}
	matches, err := s.tokens.FindTokensByValue(token)
	if err != nil {
		return "", err
	}
	for _, m := range matches {
		st, err := s.studies.GetStudyByContainer(m.Container)
		if err != nil {
			return "", err
		}
		if st != nil {
			return st.ShortName, nil
		}
	}
	return "", NewNotFoundError("Token is not associated with a study ID")
}

// Withdraw moves the participant to Withdrawn. With deleteData the
// participant's responses and shredded rows are removed as well.
func (s *EnrollmentService) Withdraw(appToken string, deleteData bool) error {
	appToken = strings.TrimSpace(appToken)
	if appToken == "" {
		return NewInvalidError("ParticipantId not included in request")
	}
	p, err := s.participants.GetParticipantByAppToken(appToken)
	if err != nil {
		return err
	}
	if p == nil {
		return NewInvalidError("Invalid ParticipantId.")
	}
	next, err := p.Status.Withdraw()
	if err != nil {
		return err
	}
	if next != p.Status {
		if err := s.participants.SetParticipantStatus(p.RowID, next); err != nil {
			return err
		}
	}
	note := "keep"
	if deleteData {
		n, err := s.participants.DeleteParticipantResponses(p.RowID)
		if err != nil {
			return err
		}
		note = fmt.Sprintf("deleted %d responses", n)
	}
	s.participants.AddAudit(models.AuditEntry{Time: s.now(), Actor: "participant", Action: "withdraw", Target: p.Container, Note: note})
	return nil
}
