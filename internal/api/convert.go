package api

import (
	"net/http"
	"strings"
	"time"
)

// handleConvertTo converts a document synchronously and returns the result,
// speaking the LibreOffice Online convert-to protocol so one server can act
// as another's remote backend.
func (s *Server) handleConvertTo(w http.ResponseWriter, r *http.Request) {
	req, err := s.readUpload(w, r)
	if err != nil {
		s.failConversion(w, r, uploadStatus(err), err)
		return
	}

	// Conversions can outlast the server's write timeout.
	rc := http.NewResponseController(w)
	if err := rc.SetWriteDeadline(time.Time{}); err != nil {
		s.logger.Warn("clear write deadline for conversion", "error", err)
	}

	res, err := s.engine.Convert(r.Context(), req)
	if err != nil {
		s.failConversion(w, r, errorStatus(err), err)
		return
	}

	s.writeDocument(w, req.Filename, strings.ToLower(req.TargetFormat), res.Output)
}
