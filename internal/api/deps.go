package api

import (
	"time"

	"go.uber.org/zap"

	mw "github.com/soaringjerry/Cohort/internal/middleware"
	"github.com/soaringjerry/Cohort/internal/services"
)

// Options are the collaborators NewDeps wires the services from. Designs and
// Toggle may be nil.
type Options struct {
	Store      Store
	Queue      services.Enqueuer
	Designs    services.SurveyDesignProvider
	Toggle     services.ForwardingToggle
	JWT        *mw.JWT
	ShredLease time.Duration
	Logger     *zap.Logger
}

// NewDeps builds every service over a single store.
func NewDeps(o Options) Deps {
	if o.Logger == nil {
		o.Logger = zap.NewNop()
	}
	if o.JWT == nil {
		o.JWT = mw.NewJWT("")
	}
	return Deps{
		Studies:    services.NewStudyService(o.Store, o.Toggle),
		Tokens:     services.NewEnrollmentTokenService(o.Store, o.Store),
		Enrollment: services.NewEnrollmentService(o.Store, o.Store, o.Store, o.Designs),
		Responses:  services.NewResponseService(o.Store, o.Queue, o.Logger.Named("ingest")),
		Shredder:   services.NewResponseShredder(o.Store, o.Store, o.Queue, o.Designs, o.ShredLease, o.Logger.Named("shredder")),
		Metadata:   services.NewActivityMetadataService(o.Designs),
		Auth:       services.NewAuthService(o.Store, o.JWT.Sign),
		JWT:        o.JWT,
		Logger:     o.Logger,
	}
}
