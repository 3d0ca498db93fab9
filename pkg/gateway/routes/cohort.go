package routes

import (
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/gorilla/mux"
	"github.com/synaptica-ai/cohortfilter/pkg/analytics/cohort"
	"github.com/synaptica-ai/cohortfilter/pkg/analytics/filter"
	"github.com/synaptica-ai/cohortfilter/pkg/common/logger"
	"github.com/synaptica-ai/cohortfilter/pkg/common/models"
)

type CohortHandler struct {
	service *cohort.Service
}

func NewCohortHandler(service *cohort.Service) *CohortHandler {
	return &CohortHandler{service: service}
}

func (h *CohortHandler) Register(r *mux.Router) {
	r.HandleFunc("/cohort/query", h.handleQuery).Methods(http.MethodPost)
	r.HandleFunc("/cohort/validate", h.handleValidate).Methods(http.MethodPost)
	r.HandleFunc("/cohort/parse", h.handleParse).Methods(http.MethodPost)
	r.HandleFunc("/cohort/templates", h.handleListTemplates).Methods(http.MethodGet)
	r.HandleFunc("/cohort/templates", h.handleCreateTemplate).Methods(http.MethodPost)
	r.HandleFunc("/cohort/templates/{id}", h.handleGetTemplate).Methods(http.MethodGet)
	r.HandleFunc("/cohort/templates/{id}/run", h.handleRunTemplate).Methods(http.MethodPost)
	r.HandleFunc("/modalities", h.handleModalities).Methods(http.MethodGet)
	r.HandleFunc("/modalities/{modality}/variables", h.handleVariables).Methods(http.MethodGet)
}

func (h *CohortHandler) handleQuery(w http.ResponseWriter, r *http.Request) {
	var req cohort.QueryRequest
	if err := decode(r, &req); err != nil {
		writeJSONStatus(w, http.StatusBadRequest, errorResponse{Error: "invalid cohort query: " + err.Error()})
		return
	}

	resp, err := h.service.Execute(r.Context(), req)
	if err != nil {
		writeError(w, err)
		return
	}

	logger.Log.WithFields(map[string]interface{}{
		"query_id": resp.QueryID,
		"status":   resp.Status,
		"filters":  len(resp.Results),
		"cached":   resp.Cached,
	}).Info("Cohort query evaluated")
	writeJSON(w, resp)
}

type validateResponse struct {
	Valid   bool             `json:"valid"`
	Errors  []string         `json:"errors,omitempty"`
	Filters filter.FilterSet `json:"filters,omitempty"`
}

func (h *CohortHandler) handleValidate(w http.ResponseWriter, r *http.Request) {
	var req cohort.QueryRequest
	if err := decode(r, &req); err != nil {
		writeJSONStatus(w, http.StatusBadRequest, errorResponse{Error: "invalid request: " + err.Error()})
		return
	}
	set, err := h.service.Resolve(req)
	if err != nil {
		writeError(w, err)
		return
	}

	resp := validateResponse{Valid: true, Filters: set}
	if err := h.service.Validate(set); err != nil {
		var verrs filter.ValidationErrors
		if !errors.As(err, &verrs) {
			writeError(w, err)
			return
		}
		resp.Valid = false
		resp.Errors = verrs.Messages()
	}
	writeJSON(w, resp)
}

func (h *CohortHandler) handleParse(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Expression string `json:"expression"`
	}
	if err := decode(r, &req); err != nil || req.Expression == "" {
		writeJSONStatus(w, http.StatusBadRequest, errorResponse{Error: "expression is required"})
		return
	}
	set, err := h.service.Resolve(cohort.QueryRequest{Expression: req.Expression})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, map[string]interface{}{"filters": set})
}

func (h *CohortHandler) handleListTemplates(w http.ResponseWriter, r *http.Request) {
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	templates, err := h.service.ListTemplates(r.Context(), limit)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, map[string]interface{}{"templates": templates})
}

func (h *CohortHandler) handleCreateTemplate(w http.ResponseWriter, r *http.Request) {
	var req cohort.TemplateRequest
	if err := decode(r, &req); err != nil {
		writeJSONStatus(w, http.StatusBadRequest, errorResponse{Error: "invalid template: " + err.Error()})
		return
	}
	tmpl, err := h.service.SaveTemplate(r.Context(), req)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSONStatus(w, http.StatusCreated, tmpl)
}

func (h *CohortHandler) handleGetTemplate(w http.ResponseWriter, r *http.Request) {
	tmpl, err := h.service.GetTemplate(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, tmpl)
}

func (h *CohortHandler) handleRunTemplate(w http.ResponseWriter, r *http.Request) {
	var opts cohort.QueryRequest
	if err := decode(r, &opts); err != nil {
		writeJSONStatus(w, http.StatusBadRequest, errorResponse{Error: "invalid run options: " + err.Error()})
		return
	}
	resp, err := h.service.RunTemplate(r.Context(), mux.Vars(r)["id"], opts)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, resp)
}

func (h *CohortHandler) handleModalities(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, map[string]interface{}{"modalities": h.service.Modalities()})
}

func (h *CohortHandler) handleVariables(w http.ResponseWriter, r *http.Request) {
	modality := models.Modality(strings.ToLower(mux.Vars(r)["modality"]))
	cohortName := r.URL.Query().Get("cohort")
	variables, err := h.service.Variables(modality, cohortName)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, map[string]interface{}{
		"modality":  modality,
		"cohort":    cohortName,
		"variables": variables,
	})
}
