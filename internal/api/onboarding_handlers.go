package api

import (
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/BTreeMap/StudyPipe/internal/models"
	"github.com/BTreeMap/StudyPipe/internal/onboarding"
	"github.com/go-chi/chi/v5"
)

func (s *Server) healthHandler(w http.ResponseWriter, r *http.Request) {
	_, configured := s.provider.Driver()
	healthData := map[string]any{
		"status":                "healthy",
		"timestamp":             s.now().UTC().Format(time.RFC3339),
		"onboarding_configured": configured,
	}
	if s.uploader != nil {
		st := s.uploader.Status()
		healthData["device_uploader_running"] = st.Running
		healthData["archived_buffers"] = st.ArchivedBuffers
	}
	writeJSONResponse(w, http.StatusOK, healthData)
}

func (s *Server) sectionsHandler(w http.ResponseWriter, r *http.Request) {
	d, ok := s.provider.Driver()
	if !ok {
		writeError(w, http.StatusServiceUnavailable, "Onboarding sections not configured")
		return
	}
	writeJSONResponse(w, http.StatusOK, models.Success(sectionsResult(d)))
}

func sectionsResult(d onboarding.Driver) models.SectionsResult {
	res := models.SectionsResult{
		Groups:                d.Groups(),
		Sequence:              d.Sequence(),
		HasUserConsentSection: d.HasUserConsentSection(),
	}
	if res.Groups == nil {
		res.Groups = []onboarding.SectionGroup{}
	}
	if res.Sequence == nil {
		res.Sequence = []onboarding.Section{}
	}
	return res
}

func (s *Server) firstSectionHandler(w http.ResponseWriter, r *http.Request) {
	first, ok := s.provider.First()
	if !ok {
		writeError(w, http.StatusNotFound, "No onboarding section configured")
		return
	}
	writeJSONResponse(w, http.StatusOK, models.Success(models.SectionResult{Section: first}))
}

func (s *Server) nextSectionHandler(w http.ResponseWriter, r *http.Request) {
	section := r.URL.Query().Get("section")
	if section == "" {
		writeError(w, http.StatusBadRequest, "Missing required query parameter: section")
		return
	}
	next, ok := s.provider.Next(onboarding.Section(section))
	if !ok {
		writeError(w, http.StatusNotFound, "No next section")
		return
	}
	writeJSONResponse(w, http.StatusOK, models.Success(models.SectionResult{Section: next}))
}

func (s *Server) setGroupsHandler(w http.ResponseWriter, r *http.Request) {
	var req models.SectionGroupsRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if err := req.Validate(); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	s.provider.Initialize(req.SectionGroups())
	d, _ := s.provider.Driver()
	slog.Info("Server.setGroupsHandler: onboarding sections reconfigured", "groups", d.Groups())
	writeJSONResponse(w, http.StatusOK, models.SuccessWithMessage("Onboarding sections updated", sectionsResult(d)))
}

func (s *Server) startOnboardingHandler(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	prog, err := s.tracker.Start(id)
	if err != nil {
		s.writeTrackerError(w, err)
		return
	}
	writeJSONResponse(w, http.StatusOK, models.Success(prog))
}

func (s *Server) completeSectionHandler(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	var req models.CompleteSectionRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if err := req.Validate(); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	prog, err := s.tracker.Complete(id, onboarding.Section(req.Section))
	if err != nil {
		s.writeTrackerError(w, err)
		return
	}
	writeJSONResponse(w, http.StatusOK, models.Success(prog))
}

func (s *Server) getProgressHandler(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	prog, ok, err := s.tracker.Progress(id)
	if err != nil {
		s.writeTrackerError(w, err)
		return
	}
	if !ok {
		writeError(w, http.StatusNotFound, "Participant has not started onboarding")
		return
	}
	writeJSONResponse(w, http.StatusOK, models.Success(prog))
}

func (s *Server) resetProgressHandler(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := s.tracker.Reset(id); err != nil {
		s.writeTrackerError(w, err)
		return
	}
	writeJSONResponse(w, http.StatusOK, models.SuccessWithMessage("Onboarding progress reset", nil))
}

func (s *Server) writeTrackerError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, onboarding.ErrNotInitialized):
		writeError(w, http.StatusServiceUnavailable, "Onboarding sections not configured")
	case errors.Is(err, onboarding.ErrNotStarted):
		writeError(w, http.StatusNotFound, "Participant has not started onboarding")
	case errors.Is(err, onboarding.ErrSectionMismatch):
		writeError(w, http.StatusConflict, err.Error())
	default:
		slog.Error("Server.writeTrackerError: onboarding tracker failed", "error", err)
		writeError(w, http.StatusInternalServerError, "Failed to update onboarding progress")
	}
}
