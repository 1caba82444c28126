package server

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"github.com/clearpath-health/vigil/internal/risk"
	"github.com/clearpath-health/vigil/pkg/provider/stt"
)

// maxUploadBytes caps /transcribe uploads. Matches the cloud providers'
// pre-recorded file limit.
const maxUploadBytes = 25 << 20

// restDeps carries the collaborators behind the ad-hoc REST endpoints.
// Both endpoints are registered only when their collaborator is set.
type restDeps struct {
	transcriber   stt.Provider
	tempDir       string
	guardrail     *risk.Guardrail
	riskThreshold float64
}

// WithTranscriber enables POST /transcribe, batch-transcribing uploaded audio
// files through the given provider. tempDir is the scratch directory; empty
// means the system temp dir.
func WithTranscriber(p stt.Provider, tempDir string) Option {
	return func(s *Server) {
		s.rest.transcriber = p
		s.rest.tempDir = tempDir
	}
}

// WithGuardrail enables POST /assess, running ad-hoc text risk assessments.
// threshold is the score at which immediate action is flagged.
func WithGuardrail(g *risk.Guardrail, threshold float64) Option {
	return func(s *Server) {
		s.rest.guardrail = g
		s.rest.riskThreshold = threshold
	}
}

// errorBody is the REST error response shape.
type errorBody struct {
	Error string `json:"error"`
}

// transcriptionResult is the POST /transcribe response body.
type transcriptionResult struct {
	Text       string  `json:"text"`
	HasSpeech  bool    `json:"has_speech"`
	Confidence float64 `json:"confidence"`
	WordCount  int     `json:"word_count"`
	Duration   float64 `json:"duration"`
	Provider   string  `json:"provider"`
}

// handleTranscribe accepts a multipart audio upload and runs it through the
// batch transcription path.
func (s *Server) handleTranscribe(w http.ResponseWriter, r *http.Request) {
	if !s.rest.transcriber.Available() {
		writeJSON(w, http.StatusServiceUnavailable, errorBody{Error: "No STT service available"})
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, maxUploadBytes)
	file, header, err := r.FormFile("audio")
	if err != nil {
		status := http.StatusBadRequest
		msg := "No audio file provided"
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			status = http.StatusRequestEntityTooLarge
			msg = "File too large (max 25MB)"
		}
		writeJSON(w, status, errorBody{Error: msg})
		return
	}
	defer file.Close()

	tmp, err := os.CreateTemp(s.rest.tempDir, "upload-*"+filepath.Ext(header.Filename))
	if err != nil {
		s.logger.Error("create upload scratch file", "error", err)
		writeJSON(w, http.StatusInternalServerError, errorBody{Error: "Transcription service error"})
		return
	}
	defer os.Remove(tmp.Name())

	if _, err := io.Copy(tmp, file); err != nil {
		tmp.Close()
		status := http.StatusInternalServerError
		msg := "Transcription service error"
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			status = http.StatusRequestEntityTooLarge
			msg = "File too large (max 25MB)"
		}
		writeJSON(w, status, errorBody{Error: msg})
		return
	}
	tmp.Close()

	tr, err := s.rest.transcriber.TranscribeFile(r.Context(), tmp.Name())
	if err != nil {
		s.logger.Warn("upload transcription failed", "file", header.Filename, "error", err)
		writeJSON(w, http.StatusInternalServerError, errorBody{Error: "Transcription failed"})
		return
	}

	s.logger.Info("upload transcribed",
		"file", header.Filename, "provider", tr.Provider, "word_count", tr.WordCount())
	writeJSON(w, http.StatusOK, transcriptionResult{
		Text:       tr.Text,
		HasSpeech:  tr.HasSpeech(),
		Confidence: tr.Confidence,
		WordCount:  tr.WordCount(),
		Duration:   tr.Duration.Seconds(),
		Provider:   tr.Provider,
	})
}

// assessRequest is the POST /assess request body.
type assessRequest struct {
	Text    string `json:"text"`
	Context string `json:"context"`
}

// assessResult is the POST /assess response body.
type assessResult struct {
	RiskScore               float64  `json:"risk_score"`
	RiskLevel               string   `json:"risk_level"`
	Explanation             string   `json:"explanation"`
	Recommendations         []string `json:"recommendations"`
	ImmediateActionRequired bool     `json:"immediate_action_required"`
}

// handleAssess runs one ad-hoc risk assessment over the posted text.
func (s *Server) handleAssess(w http.ResponseWriter, r *http.Request) {
	var req assessRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20)).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "Invalid request body"})
		return
	}
	if strings.TrimSpace(req.Text) == "" {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "Text cannot be empty"})
		return
	}

	text := req.Text
	if req.Context != "" {
		text = req.Context + "\n\n" + req.Text
	}

	a := s.rest.guardrail.Assess(r.Context(), text)
	if a.Score >= s.rest.riskThreshold {
		s.logger.Warn("high risk detected in ad-hoc assessment",
			"risk_score", a.Score, "risk_level", a.Level)
	}

	writeJSON(w, http.StatusOK, assessResult{
		RiskScore:               a.Score,
		RiskLevel:               string(a.Level),
		Explanation:             a.Explanation,
		Recommendations:         a.Recommendations,
		ImmediateActionRequired: a.Score >= s.rest.riskThreshold,
	})
}
