package web

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"

	"github.com/andresmejia3/facematch/internal/matcher"
	"github.com/andresmejia3/facematch/internal/overlay"
	"github.com/andresmejia3/facematch/internal/session"
	"github.com/andresmejia3/facematch/internal/types"
	"github.com/andresmejia3/facematch/internal/utils"
	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"
)

// Error codes returned in the JSON error body.
const (
	CodeInvalidInput     = "InvalidInputElement"
	CodeMissingTarget    = "MissingTargetElement"
	CodeNoReferenceFace  = "NoReferenceFaceDetected"
	CodeNoReference      = "NoReferenceLoaded"
	CodeSuperseded       = "Superseded"
	CodeInvalidImage     = "InvalidImage"
	CodeInternal         = "InternalError"
	CodeMalformedRequest = "MalformedRequest"
)

// referenceResponse is returned after a reference upload.
type referenceResponse struct {
	Faces  int      `json:"faces"`
	Labels []string `json:"labels"`
}

// respondJSON sends a JSON response.
func respondJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if data != nil {
		json.NewEncoder(w).Encode(data)
	}
}

// respondError sends an error response.
func respondError(w http.ResponseWriter, status int, code, message string) {
	respondJSON(w, status, types.ErrorResult{Error: message, Code: code})
}

// respondSessionError maps typed session and matcher errors to HTTP statuses.
func (s *Server) respondSessionError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, session.ErrInvalidInput):
		respondError(w, http.StatusBadRequest, CodeInvalidInput, err.Error())
	case errors.Is(err, session.ErrMissingTarget):
		respondError(w, http.StatusNotFound, CodeMissingTarget, err.Error())
	case errors.Is(err, matcher.ErrNoReferenceFace):
		respondError(w, http.StatusUnprocessableEntity, CodeNoReferenceFace, err.Error())
	case errors.Is(err, session.ErrNoReference):
		respondError(w, http.StatusConflict, CodeNoReference, err.Error())
	case errors.Is(err, session.ErrSuperseded):
		respondError(w, http.StatusConflict, CodeSuperseded, err.Error())
	case errors.Is(err, utils.ErrNotAnImage):
		respondError(w, http.StatusBadRequest, CodeInvalidImage, err.Error())
	case errors.Is(err, utils.ErrImageTooLarge):
		respondError(w, http.StatusBadRequest, CodeMalformedRequest, err.Error())
	default:
		s.logger.Error("request failed", zap.String("path", r.URL.Path), zap.Error(err))
		respondError(w, http.StatusInternalServerError, CodeInternal, "internal error")
	}
}

// HealthCheck reports liveness.
func HealthCheck(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]string{
		"status": "ok",
	})
}

// Upload handles POST /inputs/{inputID}. The image is the multipart "file"
// field; optional "width" and "height" fields give the display size.
func (s *Server) Upload(w http.ResponseWriter, r *http.Request) {
	inputID := chi.URLParam(r, "inputID")
	if err := session.ValidateInput(inputID); err != nil {
		s.respondSessionError(w, r, err)
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, MaxUploadSize)
	if err := r.ParseMultipartForm(MaxUploadSize); err != nil {
		respondError(w, http.StatusBadRequest, CodeMalformedRequest, "failed to parse multipart form")
		return
	}
	file, _, err := r.FormFile("file")
	if err != nil {
		respondError(w, http.StatusBadRequest, CodeMalformedRequest, "file is required")
		return
	}
	defer file.Close()
	data, err := io.ReadAll(file)
	if err != nil {
		respondError(w, http.StatusBadRequest, CodeMalformedRequest, "failed to read file")
		return
	}

	if inputID == session.InputReference {
		n, err := s.session.SetReference(r.Context(), data)
		if err != nil {
			s.respondSessionError(w, r, err)
			return
		}
		respondJSON(w, http.StatusOK, referenceResponse{Faces: n, Labels: s.session.Matcher().Labels()})
		return
	}

	display, err := parseDisplay(r)
	if err != nil {
		respondError(w, http.StatusBadRequest, CodeMalformedRequest, err.Error())
		return
	}
	report, err := s.session.Run(r.Context(), data, display)
	if err != nil {
		s.respondSessionError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, report)
}

func parseDisplay(r *http.Request) (overlay.Size, error) {
	var size overlay.Size
	for _, f := range []struct {
		key string
		dst *int
	}{{"width", &size.Width}, {"height", &size.Height}} {
		v := r.FormValue(f.key)
		if v == "" {
			continue
		}
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			return overlay.Size{}, errors.New("invalid " + f.key)
		}
		*f.dst = n
	}
	if err := utils.CheckDimensions(size.Width, size.Height); err != nil {
		return overlay.Size{}, err
	}
	return size, nil
}

// Target handles GET /targets/{targetID} and streams the image as PNG.
func (s *Server) Target(w http.ResponseWriter, r *http.Request) {
	img, err := s.session.Target(chi.URLParam(r, "targetID"))
	if err != nil {
		s.respondSessionError(w, r, err)
		return
	}
	w.Header().Set("Content-Type", "image/png")
	w.Header().Set("Cache-Control", "no-store")
	if err := overlay.EncodePNG(w, img); err != nil {
		s.logger.Warn("failed to stream target", zap.Error(err))
	}
}

// Report handles GET /report with the last mounted run.
func (s *Server) Report(w http.ResponseWriter, r *http.Request) {
	report, err := s.session.Last()
	if err != nil {
		s.respondSessionError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, report)
}
