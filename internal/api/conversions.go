package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/seantiz/anvil/internal/backend"
	"github.com/seantiz/anvil/internal/bridge"
	"github.com/seantiz/anvil/internal/conversion"
	"github.com/seantiz/anvil/internal/engine"
	"github.com/seantiz/anvil/internal/model"
	"github.com/seantiz/anvil/internal/store"
)

const (
	defaultListLimit = 20
	maxListLimit     = 100
	maxFormMemory    = 32 << 20

	// maxDocumentSize is the largest document a worker bridge can carry.
	maxDocumentSize = bridge.MaxDocumentSize
	// maxUploadSize leaves room for multipart headers and form fields.
	maxUploadSize = maxDocumentSize + 1<<20
)

var errDocumentTooLarge = fmt.Errorf("document exceeds the %d byte limit", maxDocumentSize)

// listConversionsResponse wraps the paginated list response.
type listConversionsResponse struct {
	Conversions []*model.Conversion `json:"conversions"`
	Total       int                 `json:"total"`
	Limit       int                 `json:"limit"`
	Offset      int                 `json:"offset"`
}

// readUpload parses a multipart conversion upload: the document in the
// "data" part, the target format in the "format" field unless given by the
// route, and optional "filter" export options.
func (s *Server) readUpload(w http.ResponseWriter, r *http.Request) (engine.Request, error) {
	r.Body = http.MaxBytesReader(w, r.Body, maxUploadSize)
	if err := r.ParseMultipartForm(maxFormMemory); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return engine.Request{}, errDocumentTooLarge
		}
		return engine.Request{}, fmt.Errorf("invalid multipart body: %w", err)
	}

	file, header, err := r.FormFile("data")
	if err != nil {
		return engine.Request{}, errors.New("missing document in form field \"data\"")
	}
	defer file.Close()

	if header.Size > maxDocumentSize {
		return engine.Request{}, errDocumentTooLarge
	}
	input, err := io.ReadAll(file)
	if err != nil {
		return engine.Request{}, fmt.Errorf("read upload: %w", err)
	}

	uploadBytes.WithLabelValues(routePattern(r)).Observe(float64(len(input)))

	format := chi.URLParam(r, "format")
	if format == "" {
		format = r.FormValue("format")
	}
	if format == "" {
		return engine.Request{}, errors.New("target format is required")
	}

	return engine.Request{
		Filename:      filepath.Base(header.Filename),
		SourceFormat:  r.FormValue("source_format"),
		TargetFormat:  format,
		FilterOptions: r.FormValue("filter"),
		Input:         input,
	}, nil
}

// uploadStatus maps a readUpload error onto an HTTP status code.
func uploadStatus(err error) int {
	if errors.Is(err, errDocumentTooLarge) {
		return http.StatusRequestEntityTooLarge
	}
	return http.StatusBadRequest
}

// failConversion answers a conversion request with err and counts the
// failure against the route.
func (s *Server) failConversion(w http.ResponseWriter, r *http.Request, status int, err error) {
	conversionFailures.WithLabelValues(routePattern(r), failureReason(status)).Inc()
	if status == http.StatusInternalServerError {
		s.logger.Error("conversion request failed", "route", routePattern(r), "error", err)
	}
	s.writeError(w, status, err.Error())
}

func (s *Server) handleCreateConversion(w http.ResponseWriter, r *http.Request) {
	req, err := s.readUpload(w, r)
	if err != nil {
		s.failConversion(w, r, uploadStatus(err), err)
		return
	}

	c, err := s.engine.Submit(r.Context(), req)
	if err != nil {
		s.failConversion(w, r, errorStatus(err), err)
		return
	}

	s.writeJSON(w, http.StatusAccepted, c)
}

func (s *Server) handleGetConversion(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	c, err := s.store.GetConversion(r.Context(), id)
	if errors.Is(err, store.ErrNotFound) {
		s.writeError(w, http.StatusNotFound, "conversion not found")
		return
	}
	if err != nil {
		s.logger.Error("get conversion", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to get conversion")
		return
	}

	s.writeJSON(w, http.StatusOK, c)
}

func (s *Server) handleGetConversionOutput(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	c, err := s.store.GetConversion(r.Context(), id)
	if errors.Is(err, store.ErrNotFound) {
		s.writeError(w, http.StatusNotFound, "conversion not found")
		return
	}
	if err != nil {
		s.logger.Error("get conversion", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to get conversion")
		return
	}
	if c.Status != model.StatusCompleted {
		s.writeError(w, http.StatusConflict, "conversion is "+c.Status)
		return
	}

	out, err := s.store.GetConversionOutput(r.Context(), id)
	if err != nil {
		s.logger.Error("get conversion output", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to get output")
		return
	}

	s.writeDocument(w, c.Filename, c.TargetFormat, out)
}

func (s *Server) handleListConversions(w http.ResponseWriter, r *http.Request) {
	limit := parseIntQuery(r, "limit", defaultListLimit)
	offset := parseIntQuery(r, "offset", 0)

	if limit <= 0 || limit > maxListLimit {
		limit = defaultListLimit
	}
	if offset < 0 {
		offset = 0
	}

	conversions, total, err := s.store.ListConversions(r.Context(), limit, offset)
	if err != nil {
		s.logger.Error("list conversions", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to list conversions")
		return
	}

	if conversions == nil {
		conversions = []*model.Conversion{}
	}

	s.writeJSON(w, http.StatusOK, listConversionsResponse{
		Conversions: conversions,
		Total:       total,
		Limit:       limit,
		Offset:      offset,
	})
}

// errorStatus maps a conversion error onto an HTTP status code.
func errorStatus(err error) int {
	switch {
	case errors.Is(err, engine.ErrUnsupportedFormat):
		return http.StatusBadRequest
	case errors.Is(err, backend.ErrRejected), errors.Is(err, backend.ErrNoWorkersAvailable),
		errors.Is(err, backend.ErrTaskCancelled):
		return http.StatusServiceUnavailable
	case errors.Is(err, backend.ErrTaskTimeout):
		return http.StatusGatewayTimeout
	case errors.Is(err, backend.ErrTaskExecution):
		return http.StatusUnprocessableEntity
	default:
		return http.StatusInternalServerError
	}
}

// writeDocument writes a converted document named after the source file.
func (s *Server) writeDocument(w http.ResponseWriter, filename, format string, data []byte) {
	mediaType := "application/octet-stream"
	if f, ok := conversion.ByExtension(format); ok {
		mediaType = f.MediaType
	}
	name := strings.TrimSuffix(filename, filepath.Ext(filename))
	if name == "" {
		name = "document"
	}

	w.Header().Set("Content-Type", mediaType)
	w.Header().Set("Content-Length", strconv.Itoa(len(data)))
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", name+"."+format))
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write(data); err != nil {
		s.logger.Warn("write document", "error", err)
	}
}

// writeJSON writes a JSON response with the given status code.
func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error("encode response", "error", err)
	}
}

// writeError writes a JSON error response.
func (s *Server) writeError(w http.ResponseWriter, status int, message string) {
	if status == http.StatusServiceUnavailable {
		w.Header().Set("Retry-After", "5")
	}
	s.writeJSON(w, status, map[string]string{"error": message})
}

// parseIntQuery parses an integer query parameter with a default value.
func parseIntQuery(r *http.Request, key string, defaultVal int) int {
	s := r.URL.Query().Get(key)
	if s == "" {
		return defaultVal
	}
	v, err := strconv.Atoi(s)
	if err != nil {
		return defaultVal
	}
	return v
}
