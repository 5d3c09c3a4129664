package api

import (
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	mw "github.com/soaringjerry/Cohort/internal/middleware"
	"github.com/soaringjerry/Cohort/internal/models"
	"github.com/soaringjerry/Cohort/internal/services"
)

func container(r *http.Request) string {
	return r.URL.Query().Get("container")
}

// GET /api/v1/admin/study?container=
func (rt *Router) handleGetStudy(w http.ResponseWriter, r *http.Request) {
	st, err := rt.deps.Studies.GetStudy(container(r))
	if err != nil {
		rt.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, studyBody(st))
}

// POST /api/v1/admin/study?container=
func (rt *Router) handleConfigureStudy(w http.ResponseWriter, r *http.Request) {
	var req services.StudyConfigRequest
	if !decodeBody(w, r, &req) {
		return
	}
	st, err := rt.deps.Studies.ConfigureStudy(container(r), req, mw.ActorFromContext(r.Context()))
	if err != nil {
		rt.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, studyBody(st))
}

func studyBody(st *models.Study) map[string]any {
	return map[string]any{
		"success":           true,
		"rowId":             st.RowID,
		"studyId":           st.ShortName,
		"collectionEnabled": st.CollectionEnabled,
	}
}

// POST /api/v1/admin/tokens?container=
func (rt *Router) handleCreateTokens(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Count int `json:"count"`
	}
	if !decodeBody(w, r, &req) {
		return
	}
	b, err := rt.deps.Tokens.CreateBatch(container(r), req.Count, mw.ActorFromContext(r.Context()))
	if err != nil {
		rt.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "batchId": b.ID})
}

// GET /api/v1/admin/tokens/batches?container=
func (rt *Router) handleListBatches(w http.ResponseWriter, r *http.Request) {
	list, err := rt.deps.Tokens.ListBatches(container(r))
	if err != nil {
		rt.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "batches": list})
}

// GET /api/v1/admin/tokens/batches/{batchId}?container=
func (rt *Router) handleListBatchTokens(w http.ResponseWriter, r *http.Request) {
	list, err := rt.deps.Tokens.ListTokens(container(r), chi.URLParam(r, "batchId"))
	if err != nil {
		rt.writeError(w, r, err)
		return
	}
	if list == nil {
		list = []*models.EnrollmentToken{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "tokens": list})
}

// PUT /api/v1/admin/tokens/{token}/properties?container=
func (rt *Router) handleSetTokenProperties(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Properties map[string]string `json:"properties"`
	}
	if !decodeBody(w, r, &req) {
		return
	}
	if err := rt.deps.Tokens.SetProperties(container(r), chi.URLParam(r, "token"), req.Properties, mw.ActorFromContext(r.Context())); err != nil {
		rt.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true})
}

// GET /api/v1/admin/forwarding?container=
func (rt *Router) handleGetForwarding(w http.ResponseWriter, r *http.Request) {
	cfg, err := rt.deps.Studies.GetForwarding(container(r))
	if err != nil {
		rt.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, forwardingBody(cfg))
}

// PUT /api/v1/admin/forwarding?container=
func (rt *Router) handleUpdateForwarding(w http.ResponseWriter, r *http.Request) {
	var req services.ForwardingSettingsRequest
	if !decodeBody(w, r, &req) {
		return
	}
	cfg, err := rt.deps.Studies.UpdateForwarding(container(r), req, mw.ActorFromContext(r.Context()))
	if err != nil {
		rt.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, forwardingBody(cfg))
}

// forwardingBody never echoes the stored password.
func forwardingBody(cfg *models.ForwardingConfig) map[string]any {
	out := *cfg
	if out.Password != "" {
		out.Password = "********"
	}
	return map[string]any{"success": true, "forwarding": out}
}

// GET /api/v1/admin/responses?container=&status=&limit=
func (rt *Router) handleListResponses(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	limit, _ := strconv.Atoi(q.Get("limit"))
	list, err := rt.deps.Responses.ListResponses(container(r), q.Get("status"), limit)
	if err != nil {
		rt.writeError(w, r, err)
		return
	}
	if list == nil {
		list = []*models.SurveyResponse{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "responses": list})
}

// POST /api/v1/admin/responses/reprocess
func (rt *Router) handleReprocess(w http.ResponseWriter, r *http.Request) {
	var req struct {
		RowIDs []int64 `json:"rowIds"`
	}
	if !decodeBody(w, r, &req) {
		return
	}
	res, err := rt.deps.Shredder.Reprocess(r.Context(), req.RowIDs, mw.ActorFromContext(r.Context()))
	if err != nil {
		rt.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"success":          true,
		"countReprocessed": res.CountReprocessed,
		"notReprocessed":   res.NotReprocessed,
	})
}
