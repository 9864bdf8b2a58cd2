package api

import (
	"log/slog"
	"net/http"

	"github.com/BTreeMap/StudyPipe/internal/models"
)

func (s *Server) requireUploader(w http.ResponseWriter) bool {
	if s.uploader == nil {
		writeError(w, http.StatusServiceUnavailable, "Device data uploader not configured")
		return false
	}
	return true
}

func (s *Server) addDeviceRecordHandler(w http.ResponseWriter, r *http.Request) {
	if !s.requireUploader(w) {
		return
	}
	var req models.DeviceRecordRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	rec := req.Record()
	if err := rec.Validate(); err != nil {
		slog.Warn("Server.addDeviceRecordHandler: invalid record", "error", err)
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := s.uploader.AddRecord(rec); err != nil {
		slog.Error("Server.addDeviceRecordHandler: failed to add record", "error", err)
		writeError(w, http.StatusInternalServerError, "Failed to store device record")
		return
	}
	writeJSONResponse(w, http.StatusAccepted, models.Recorded())
}

func (s *Server) setRecordIntervalHandler(w http.ResponseWriter, r *http.Request) {
	if !s.requireUploader(w) {
		return
	}
	var req models.RecordIntervalRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if err := req.Validate(); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := s.uploader.SetRecordInterval(req.Interval()); err != nil {
		slog.Error("Server.setRecordIntervalHandler: failed to set record interval", "error", err)
		writeError(w, http.StatusInternalServerError, "Failed to set record interval")
		return
	}
	writeJSONResponse(w, http.StatusOK, models.SuccessWithMessage("Record interval updated", s.uploader.Status()))
}

func (s *Server) deviceStatusHandler(w http.ResponseWriter, r *http.Request) {
	if !s.requireUploader(w) {
		return
	}
	writeJSONResponse(w, http.StatusOK, models.Success(s.uploader.Status()))
}
