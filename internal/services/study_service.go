package services

import (
	"fmt"
	"path"
	"strings"
	"time"

	validator "github.com/go-playground/validator/v10"

	"github.com/soaringjerry/Cohort/internal/models"
)

// StudyStore is the study registry: short name to container lookups.
type StudyStore interface {
	GetStudyByContainer(container string) (*models.Study, error)
	// FindStudiesByShortName returns every container using shortName, oldest first.
	FindStudiesByShortName(shortName string) ([]*models.Study, error)
	UpsertStudy(st *models.Study) (*models.Study, error)
	CountParticipants(container string) (int, error)
}

// StudyConfigStore adds what admin configuration needs on top of the registry.
type StudyConfigStore interface {
	StudyStore
	GetForwardingConfig(container string) (*models.ForwardingConfig, error)
	SaveForwardingConfig(cfg *models.ForwardingConfig) error
	AddAudit(entry models.AuditEntry)
}

// ForwardingToggle is notified when a container's forwarding mode changes.
type ForwardingToggle interface {
	EnableContainer(container string)
	DisableContainer(container string)
}

type StudyConfigRequest struct {
	StudyID           string `json:"studyId" validate:"required"`
	CollectionEnabled bool   `json:"collectionEnabled"`
}

type ForwardingSettingsRequest struct {
	ForwardingType  string `json:"forwardingType"`
	BasicURL        string `json:"basicURL"`
	Username        string `json:"username"`
	Password        string `json:"password"`
	TokenRequestURL string `json:"tokenRequestURL"`
	TokenField      string `json:"tokenField"`
	Header          string `json:"header"`
	OAuthURL        string `json:"oauthURL"`
}

type basicSettings struct {
	BasicURL string `json:"basicURL" validate:"required,http_url"`
	Username string `json:"username" validate:"required"`
	Password string `json:"password" validate:"required"`
}

type oauthSettings struct {
	TokenRequestURL string `json:"tokenRequestURL" validate:"required,http_url"`
	TokenField      string `json:"tokenField" validate:"required"`
	Header          string `json:"header" validate:"required"`
	OAuthURL        string `json:"oauthURL" validate:"required,http_url"`
}

// StudyService handles per-container study and forwarding configuration.
type StudyService struct {
	store    StudyConfigStore
	toggle   ForwardingToggle
	validate *validator.Validate
	now      func() time.Time
}

func NewStudyService(store StudyConfigStore, toggle ForwardingToggle) *StudyService {
	return &StudyService{
		store:    store,
		toggle:   toggle,
		validate: newValidator(),
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// NormalizeShortName trims and upper-cases a study short name.
func NormalizeShortName(s string) string {
	return strings.ToUpper(strings.TrimSpace(s))
}

func (s *StudyService) GetStudy(container string) (*models.Study, error) {
	if strings.TrimSpace(container) == "" {
		return nil, NewInvalidError("container required")
	}
	st, err := s.store.GetStudyByContainer(container)
	if err != nil {
		return nil, err
	}
	if st == nil {
		return nil, NewNotFoundError("No study configured for this container")
	}
	return st, nil
}

// ConfigureStudy inserts or updates the container's study. Submitting the
// current values again returns the stored study untouched.
func (s *StudyService) ConfigureStudy(container string, req StudyConfigRequest, actor string) (*models.Study, error) {
	if strings.TrimSpace(container) == "" {
		return nil, NewInvalidError("container required")
	}
	req.StudyID = NormalizeShortName(req.StudyID)
	if err := s.validate.Struct(req); err != nil {
		return nil, NewInvalidError("StudyId must be provided.")
	}
	shortName := req.StudyID

	siblings, err := s.store.FindStudiesByShortName(shortName)
	if err != nil {
		return nil, err
	}
	parent := path.Dir(container)
	for _, sib := range siblings {
		if sib.Container != container && path.Dir(sib.Container) == parent {
			return nil, NewInvalidError(fmt.Sprintf("StudyId '%s' is already associated with a different container within this folder. Each study can be associated with only one container per folder.", shortName))
		}
	}

	existing, err := s.store.GetStudyByContainer(container)
	if err != nil {
		return nil, err
	}
	if existing != nil && existing.ShortName != shortName {
		n, err := s.store.CountParticipants(container)
		if err != nil {
			return nil, err
		}
		if n > 0 {
			return nil, NewInvalidError("This container already has a study with participant data associated with it.  Each container can be configured with only one study and cannot be reconfigured once participant data is present.")
		}
	}
	if existing != nil && existing.ShortName == shortName && existing.CollectionEnabled == req.CollectionEnabled {
		return existing, nil
	}

	now := s.now()
	st := &models.Study{ShortName: shortName, Container: container, CollectionEnabled: req.CollectionEnabled, CreatedBy: actor, CreatedAt: now, ModifiedAt: now}
	if existing != nil {
		st.RowID = existing.RowID
		st.CreatedBy = existing.CreatedBy
		st.CreatedAt = existing.CreatedAt
	}
	saved, err := s.store.UpsertStudy(st)
	if err != nil {
		return nil, err
	}
	s.store.AddAudit(models.AuditEntry{Time: now, Actor: actor, Action: "configure_study", Target: container, Note: fmt.Sprintf("%s collection=%t", shortName, req.CollectionEnabled)})
	return saved, nil
}

func (s *StudyService) GetForwarding(container string) (*models.ForwardingConfig, error) {
	if strings.TrimSpace(container) == "" {
		return nil, NewInvalidError("container required")
	}
	cfg, err := s.store.GetForwardingConfig(container)
	if err != nil {
		return nil, err
	}
	if cfg == nil {
		cfg = &models.ForwardingConfig{Container: container, Mode: models.ForwardingDisabled}
	}
	return cfg, nil
}

// UpdateForwarding validates and stores settings, then updates the
// scheduler's enabled set without a full refresh.
func (s *StudyService) UpdateForwarding(container string, req ForwardingSettingsRequest, actor string) (*models.ForwardingConfig, error) {
	if strings.TrimSpace(container) == "" {
		return nil, NewInvalidError("container required")
	}
	mode, err := models.ParseForwardingMode(strings.TrimSpace(req.ForwardingType))
	if err != nil {
		return nil, NewInvalidError(err.Error())
	}
	cfg := &models.ForwardingConfig{Container: container, Mode: mode}
	switch mode {
	case models.ForwardingBasic:
		b := basicSettings{BasicURL: strings.TrimSpace(req.BasicURL), Username: req.Username, Password: req.Password}
		if err := s.validate.Struct(b); err != nil {
			return nil, validationError(err)
		}
		cfg.BasicURL, cfg.Username, cfg.Password = b.BasicURL, b.Username, b.Password
	case models.ForwardingOAuth:
		o := oauthSettings{
			TokenRequestURL: strings.TrimSpace(req.TokenRequestURL),
			TokenField:      strings.TrimSpace(req.TokenField),
			Header:          strings.TrimSpace(req.Header),
			OAuthURL:        strings.TrimSpace(req.OAuthURL),
		}
		if err := s.validate.Struct(o); err != nil {
			return nil, validationError(err)
		}
		cfg.TokenRequestURL, cfg.TokenField, cfg.Header, cfg.OAuthURL = o.TokenRequestURL, o.TokenField, o.Header, o.OAuthURL
		// Token endpoint credentials are optional for OAuth.
		cfg.Username, cfg.Password = req.Username, req.Password
	}
	if err := s.store.SaveForwardingConfig(cfg); err != nil {
		return nil, err
	}
	if s.toggle != nil {
		if mode.Enabled() {
			s.toggle.EnableContainer(container)
		} else {
			s.toggle.DisableContainer(container)
		}
	}
	s.store.AddAudit(models.AuditEntry{Time: s.now(), Actor: actor, Action: "update_forwarding", Target: container, Note: string(mode)})
	return cfg, nil
}
