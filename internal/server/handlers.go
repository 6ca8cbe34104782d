package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"pii-engine/internal/engine"
	"pii-engine/internal/template"
)

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// decode reads a JSON body into dst, rejecting unknown fields.
func decode(w http.ResponseWriter, r *http.Request, dst any) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return fmt.Errorf("invalid request body: %w", err)
	}
	return nil
}

// statusFor maps engine and store errors to HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, engine.ErrInvalidAction), errors.Is(err, engine.ErrInvalidConfidence):
		return http.StatusBadRequest
	case errors.Is(err, template.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, engine.ErrTemplateRequired):
		return http.StatusBadRequest
	case errors.Is(err, template.ErrConflict):
		return http.StatusConflict
	}
	return http.StatusInternalServerError
}

func (s *Server) fail(w http.ResponseWriter, r *http.Request, action string, err error) {
	status := statusFor(err)
	if status >= 500 {
		s.log.Errorf(action, "req=%s %v", middleware.GetReqID(r.Context()), err)
		writeError(w, status, "internal error")
		return
	}
	writeError(w, status, err.Error())
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status": "ok",
		"uptime": time.Since(s.startTime).Round(time.Second).String(),
	})
}

func (s *Server) handleMetrics(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.metrics.Snapshot())
}

func (s *Server) handleProcessText(w http.ResponseWriter, r *http.Request) {
	var req engine.TextRequest
	if err := decode(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	res, err := s.engine.ProcessText(r.Context(), req)
	if err != nil {
		s.fail(w, r, "process_text", err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleProcessFiles(w http.ResponseWriter, r *http.Request) {
	var req engine.FilesRequest
	if err := decode(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if len(req.Files) == 0 {
		writeError(w, http.StatusBadRequest, "files must not be empty")
		return
	}
	if s.root != "" {
		for i, path := range req.Files {
			confined, err := confine(s.root, path)
			if err != nil {
				s.log.Warnf("process_files", "req=%s %v", middleware.GetReqID(r.Context()), err)
				writeError(w, http.StatusForbidden, err.Error())
				return
			}
			req.Files[i] = confined
		}
	}
	res, err := s.engine.ProcessFiles(r.Context(), req)
	if err != nil {
		s.fail(w, r, "process_files", err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleDeanonymize(w http.ResponseWriter, r *http.Request) {
	var req engine.DeanonymizeRequest
	if err := decode(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	res, err := s.engine.Deanonymize(r.Context(), req)
	if err != nil {
		s.fail(w, r, "deanonymize", err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleTemplates(w http.ResponseWriter, r *http.Request) {
	ts, err := s.engine.Templates(r.Context())
	if err != nil {
		s.fail(w, r, "templates", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"templates": ts})
}

func (s *Server) handleTemplate(w http.ResponseWriter, r *http.Request) {
	t, err := s.engine.Template(r.Context(), template.Ref{ID: chi.URLParam(r, "id")})
	if err != nil {
		s.fail(w, r, "templates", err)
		return
	}
	writeJSON(w, http.StatusOK, t)
}

var errOutsideRoot = errors.New("path outside the file root")

// confine resolves path under root, following symlinks, and rejects it if
// the result leaves root.
func confine(root, path string) (string, error) {
	if !filepath.IsAbs(path) {
		path = filepath.Join(root, path)
	}
	resolved := resolvePath(path)
	rel, err := filepath.Rel(root, resolved)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("%w: %s", errOutsideRoot, path)
	}
	return resolved, nil
}

// resolvePath returns the absolute, symlink-free form of path. A path that
// does not exist yet is resolved through its parent directory.
func resolvePath(path string) string {
	abs, err := filepath.Abs(path)
	if err != nil {
		return filepath.Clean(path)
	}
	if target, err := filepath.EvalSymlinks(abs); err == nil {
		return target
	}
	if dir, err := filepath.EvalSymlinks(filepath.Dir(abs)); err == nil {
		return filepath.Join(dir, filepath.Base(abs))
	}
	return abs
}
