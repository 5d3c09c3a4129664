package api

import (
	"net/http"

	mw "github.com/soaringjerry/Cohort/internal/middleware"
	"github.com/soaringjerry/Cohort/internal/models"
	"github.com/soaringjerry/Cohort/internal/services"
)

type enrollRequest struct {
	StudyID          string `json:"studyId"`
	Token            string `json:"token"`
	AllowDataSharing string `json:"allowDataSharing"`
	Language         string `json:"language"`
}

// toService falls back to the negotiated request locale when the body names
// no language.
func (e enrollRequest) toService(r *http.Request) services.EnrollmentRequest {
	lang := e.Language
	if lang == "" {
		lang = mw.LocaleFromContext(r.Context())
	}
	return services.EnrollmentRequest{StudyID: e.StudyID, Token: e.Token, AllowDataSharing: e.AllowDataSharing, Language: lang}
}

// POST /api/v1/enroll
func (rt *Router) handleEnroll(w http.ResponseWriter, r *http.Request) {
	var req enrollRequest
	if !decodeBody(w, r, &req) {
		return
	}
	res, err := rt.deps.Enrollment.Enroll(req.toService(r))
	if err != nil {
		rt.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "appToken": res.AppToken})
}

// POST /api/v1/validateenrollmenttoken
func (rt *Router) handleValidateToken(w http.ResponseWriter, r *http.Request) {
	var req enrollRequest
	if !decodeBody(w, r, &req) {
		return
	}
	props, err := rt.deps.Enrollment.ValidateOnly(r.Context(), req.toService(r))
	if err != nil {
		rt.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "preEnrollmentParticipantProperties": props})
}

// POST /api/v1/resolveenrollmenttoken
//
// An unassociated token answers 404 with a message field rather than the
// regular failure body.
func (rt *Router) handleResolveToken(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Token string `json:"token"`
	}
	if !decodeBody(w, r, &req) {
		return
	}
	studyID, err := rt.deps.Enrollment.ResolveStudy(req.Token)
	if services.IsCode(err, services.ErrorNotFound) {
		writeJSON(w, http.StatusNotFound, map[string]any{"success": false, "message": err.Error()})
		return
	}
	if err != nil {
		rt.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "studyId": studyID})
}

// POST /api/v1/withdrawfromstudy
func (rt *Router) handleWithdraw(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ParticipantID string `json:"participantId"`
		Delete        bool   `json:"delete"`
	}
	if !decodeBody(w, r, &req) {
		return
	}
	if err := rt.deps.Enrollment.Withdraw(req.ParticipantID, req.Delete); err != nil {
		rt.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true})
}

// POST /api/v1/processresponse
func (rt *Router) handleProcessResponse(w http.ResponseWriter, r *http.Request) {
	var req services.SubmissionRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if _, err := rt.deps.Responses.Submit(r.Context(), req); err != nil {
		rt.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true})
}

// GET /api/v1/responses?participantId=
func (rt *Router) handleListOwnResponses(w http.ResponseWriter, r *http.Request) {
	list, err := rt.deps.Responses.ListOwnResponses(r.URL.Query().Get("participantId"))
	if err != nil {
		rt.writeError(w, r, err)
		return
	}
	if list == nil {
		list = []*models.SurveyResponse{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "responses": list})
}

// GET /api/v1/activitymetadata?studyId=&activityId=&activityVersion=
func (rt *Router) handleActivityMetadata(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	d, err := rt.deps.Metadata.GetActivityMetadata(r.Context(), q.Get("studyId"), q.Get("activityId"), q.Get("activityVersion"))
	if err != nil {
		rt.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "activity": d})
}

// POST /api/v1/auth/login
func (rt *Router) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Email    string `json:"email"`
		Password string `json:"password"`
	}
	if !decodeBody(w, r, &req) {
		return
	}
	res, err := rt.deps.Auth.Login(req.Email, req.Password)
	if err != nil {
		rt.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "token": res.Token, "userId": res.UserID})
}
