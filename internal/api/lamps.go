package api

import (
	"context"
	"errors"
	"net/http"
	"net/url"

	"github.com/go-chi/chi/v5"

	"github.com/nerrad567/meshlamp-bridge/internal/lamp"
)

// Form field names used by the configuration pages.
const (
	fieldLampName     = "lamp_name"
	fieldLampAddress  = "lamp_address"
	fieldOriginalName = "original_name"
)

// handleOverview renders the lamp table. A failed operation from the
// previous redirect is shown from the error query parameter.
func (s *Server) handleOverview(w http.ResponseWriter, r *http.Request) {
	data := overviewPage{
		Lamps:    s.registry.Snapshot(),
		Error:    r.URL.Query().Get("error"),
		Count:    s.registry.Count(),
		Capacity: s.registry.Capacity(),
		Version:  s.version,
	}
	s.renderPage(w, r, http.StatusOK, pageOverview, data)
}

func (s *Server) handleAddLampPage(w http.ResponseWriter, r *http.Request) {
	s.renderPage(w, r, http.StatusOK, pageAddLamp, newLampFormPage(lamp.Record{}))
}

func (s *Server) handleEditLampPage(w http.ResponseWriter, r *http.Request) {
	name := r.URL.Query().Get(fieldLampName)
	rec, err := s.registry.FindByName(name)
	if err != nil {
		s.renderPage(w, r, http.StatusNotFound, pageNotFound, struct{ Name string }{name})
		return
	}
	s.renderPage(w, r, http.StatusOK, pageEditLamp, newLampFormPage(rec))
}

func (s *Server) handleAddLamp(w http.ResponseWriter, r *http.Request) {
	if !s.parseForm(w, r) {
		return
	}

	rec := lamp.Record{
		Name:    r.PostFormValue(fieldLampName),
		Address: r.PostFormValue(fieldLampAddress),
	}
	err := s.registry.Add(r.Context(), rec)
	s.finishMutation(w, r, "add", err, "lamp", rec.Name, "address", rec.Address)
}

func (s *Server) handleRemoveLamp(w http.ResponseWriter, r *http.Request) {
	if !s.parseForm(w, r) {
		return
	}

	name := r.PostFormValue(fieldLampName)
	err := s.registry.RemoveByName(r.Context(), name)
	s.finishMutation(w, r, "remove", err, "lamp", name)
}

func (s *Server) handleUpdateLamp(w http.ResponseWriter, r *http.Request) {
	if !s.parseForm(w, r) {
		return
	}

	original := r.PostFormValue(fieldOriginalName)
	rec := lamp.Record{
		Name:    r.PostFormValue(fieldLampName),
		Address: r.PostFormValue(fieldLampAddress),
	}
	err := s.registry.UpdateByName(r.Context(), original, rec)
	s.finishMutation(w, r, "update", err, "original", original, "lamp", rec.Name, "address", rec.Address)
}

// handleRestart answers before restarting; the restart hook must not
// block because shutdown waits for this handler to return.
func (s *Server) handleRestart(w http.ResponseWriter, r *http.Request) {
	s.logger.Info("restart requested", "request_id", requestIDFrom(r.Context()))
	http.Redirect(w, r, "/", http.StatusSeeOther)
	if f, ok := w.(http.Flusher); ok {
		f.Flush()
	}
	if s.restart != nil {
		s.restart()
	}
}

// handleListLamps returns the registry snapshot.
func (s *Server) handleListLamps(w http.ResponseWriter, _ *http.Request) {
	lamps := s.registry.Snapshot()
	writeJSON(w, http.StatusOK, map[string]any{
		"lamps":    lamps,
		"count":    len(lamps),
		"capacity": s.registry.Capacity(),
	})
}

func (s *Server) handleGetLamp(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	rec, err := s.registry.FindByName(name)
	if err != nil {
		writeNotFound(w, "lamp not found")
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

// parseForm answers 400 when the body cannot be parsed.
func (s *Server) parseForm(w http.ResponseWriter, r *http.Request) bool {
	if err := r.ParseForm(); err != nil {
		s.logger.Warn("unparseable form", "path", r.URL.Path, "error", err)
		http.Error(w, "malformed form body", http.StatusBadRequest)
		return false
	}
	return true
}

// finishMutation logs the outcome, resyncs the bridge when memory changed
// and redirects to the overview.
//
// A persist failure still changed the in-memory registry, so it resyncs
// and also reports the error.
func (s *Server) finishMutation(w http.ResponseWriter, r *http.Request, op string, err error, kv ...any) {
	target := "/"
	args := append([]any{"op", op, "request_id", requestIDFrom(r.Context())}, kv...)

	if err != nil {
		s.logger.Warn("lamp "+op+" failed", append(args, "error", err)...)
		target = "/?error=" + url.QueryEscape(err.Error())
	} else {
		s.logger.Info("lamp "+op, args...)
	}

	if err == nil || errors.Is(err, lamp.ErrPersist) {
		s.resync(r.Context())
	}

	http.Redirect(w, r, target, http.StatusSeeOther)
}

func (s *Server) resync(ctx context.Context) {
	if s.bridge == nil {
		return
	}
	if err := s.bridge.Resync(ctx); err != nil {
		s.logger.Warn("resync after registry change incomplete", "error", err)
	}
}

func (s *Server) renderPage(w http.ResponseWriter, r *http.Request, status int, name string, data any) {
	if err := s.pages.render(w, status, name, data); err != nil {
		s.logger.Error("page render failed", "page", name, "error", err, "request_id", requestIDFrom(r.Context()))
		http.Error(w, "internal server error", http.StatusInternalServerError)
	}
}
