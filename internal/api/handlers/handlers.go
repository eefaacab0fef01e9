package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog/log"

	"github.com/agentoven/analyst/internal/conversation"
	"github.com/agentoven/analyst/internal/executor"
	"github.com/agentoven/analyst/pkg/models"
)

// Conversations is the turn service as the HTTP layer uses it.
type Conversations interface {
	HandleTurn(ctx context.Context, t conversation.Turn) (*conversation.Reply, error)
	Session(ctx context.Context, senderID string) (*models.Session, bool)
	Reset(ctx context.Context, senderID string)
}

// Handlers serves the analysis API.
type Handlers struct {
	conv            Conversations
	maxDatasetBytes int64
}

// New creates handlers. maxDatasetBytes <= 0 means 20 MiB.
func New(conv Conversations, maxDatasetBytes int64) *Handlers {
	if maxDatasetBytes <= 0 {
		maxDatasetBytes = 20 << 20
	}
	return &Handlers{conv: conv, maxDatasetBytes: maxDatasetBytes}
}

var errDatasetTooLarge = errors.New("dataset too large")

// ── Analyses ────────────────────────────────────────────────

type analysisRequest struct {
	SenderID    string `json:"sender_id"`
	Instruction string `json:"instruction"`
}

type artifactResponse struct {
	Ordinal    int    `json:"ordinal"`
	Round      int    `json:"round"`
	ToolCallID string `json:"tool_call_id"`
	MIMEType   string `json:"mime_type"`
	Data       []byte `json:"data"`
}

type analysisResponse struct {
	RunID           string             `json:"run_id"`
	SenderID        string             `json:"sender_id"`
	Narrative       string             `json:"narrative"`
	Preview         string             `json:"preview"`
	Outcome         models.RunOutcome  `json:"outcome"`
	RoundCount      int                `json:"round_count"`
	ArtifactCount   int                `json:"artifact_count"`
	QuotaMet        bool               `json:"quota_met"`
	ExternalContext string             `json:"external_context,omitempty"`
	Artifacts       []artifactResponse `json:"artifacts"`
}

// CreateAnalysis handles POST /api/v1/analyses. It accepts multipart form
// data (sender_id, instruction, dataset file) or a JSON body for follow-up
// turns that reuse the session's dataset.
func (h *Handlers) CreateAnalysis(w http.ResponseWriter, r *http.Request) {
	turn, err := h.parseTurn(w, r)
	if err != nil {
		if errors.Is(err, errDatasetTooLarge) {
			respondError(w, http.StatusRequestEntityTooLarge, fmt.Sprintf("dataset exceeds %d bytes", h.maxDatasetBytes))
			return
		}
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	if turn.SenderID == "" {
		respondError(w, http.StatusBadRequest, "sender_id is required")
		return
	}

	reply, err := h.conv.HandleTurn(r.Context(), turn)
	switch {
	case errors.Is(err, conversation.ErrNoDataset):
		respondJSON(w, http.StatusUnprocessableEntity, map[string]string{
			"error":   "no_dataset",
			"message": conversation.WelcomeText,
		})
		return
	case executor.IsFatal(err):
		respondJSON(w, http.StatusBadGateway, map[string]string{"error": conversation.ApologyText})
		return
	case err != nil:
		log.Error().Err(err).Str("sender", turn.SenderID).Msg("Turn failed")
		respondJSON(w, http.StatusInternalServerError, map[string]string{"error": conversation.ApologyText})
		return
	}

	res := reply.Result
	out := analysisResponse{
		RunID:           res.RunID,
		SenderID:        reply.SenderID,
		Narrative:       res.Narrative,
		Preview:         reply.Preview,
		Outcome:         res.Outcome,
		RoundCount:      res.RoundCount,
		ArtifactCount:   res.ArtifactCount,
		QuotaMet:        res.QuotaMet,
		ExternalContext: res.ExternalContext,
		Artifacts:       make([]artifactResponse, 0, len(res.Artifacts)),
	}
	for _, a := range res.Artifacts {
		out.Artifacts = append(out.Artifacts, artifactResponse{
			Ordinal:    a.Ordinal,
			Round:      a.Round,
			ToolCallID: a.ToolCallID,
			MIMEType:   a.MIMEType,
			Data:       a.Data,
		})
	}
	respondJSON(w, http.StatusOK, out)
}

func (h *Handlers) parseTurn(w http.ResponseWriter, r *http.Request) (conversation.Turn, error) {
	var turn conversation.Turn
	mediaType, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))

	if mediaType == "application/json" {
		var req analysisRequest
		if err := json.NewDecoder(io.LimitReader(r.Body, 1<<20)).Decode(&req); err != nil {
			return turn, fmt.Errorf("invalid request body: %w", err)
		}
		turn.SenderID = strings.TrimSpace(req.SenderID)
		turn.Instruction = req.Instruction
		return turn, nil
	}

	// Leave room for the other form fields around the file.
	r.Body = http.MaxBytesReader(w, r.Body, h.maxDatasetBytes+1<<20)
	if err := r.ParseMultipartForm(32 << 20); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return turn, errDatasetTooLarge
		}
		return turn, fmt.Errorf("invalid form: %w", err)
	}
	turn.SenderID = strings.TrimSpace(r.FormValue("sender_id"))
	turn.Instruction = r.FormValue("instruction")

	file, header, err := r.FormFile("dataset")
	switch {
	case errors.Is(err, http.ErrMissingFile):
		return turn, nil
	case err != nil:
		return turn, fmt.Errorf("read dataset: %w", err)
	}
	defer file.Close()

	if header.Size > h.maxDatasetBytes {
		return turn, errDatasetTooLarge
	}
	data, err := io.ReadAll(io.LimitReader(file, h.maxDatasetBytes+1))
	if err != nil {
		return turn, fmt.Errorf("read dataset: %w", err)
	}
	if int64(len(data)) > h.maxDatasetBytes {
		return turn, errDatasetTooLarge
	}
	turn.Dataset = data
	turn.DatasetName = header.Filename
	return turn, nil
}

// ── Sessions ────────────────────────────────────────────────

type sessionResponse struct {
	SenderID     string                  `json:"sender_id"`
	DatasetName  string                  `json:"dataset_name,omitempty"`
	HasDataset   bool                    `json:"has_dataset"`
	Messages     []models.Message        `json:"messages"`
	Analysis     *models.AnalysisSummary `json:"analysis,omitempty"`
	CreatedAt    time.Time               `json:"created_at"`
	LastActivity time.Time               `json:"last_activity"`
}

// GetSession handles GET /api/v1/sessions/{senderID}.
func (h *Handlers) GetSession(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "senderID")
	sess, ok := h.conv.Session(r.Context(), id)
	if !ok {
		respondError(w, http.StatusNotFound, "session not found")
		return
	}
	respondJSON(w, http.StatusOK, sessionResponse{
		SenderID:     sess.UserID,
		DatasetName:  sess.DatasetName,
		HasDataset:   sess.HasDataset(),
		Messages:     sess.Messages,
		Analysis:     sess.Analysis,
		CreatedAt:    sess.CreatedAt,
		LastActivity: sess.LastActivity,
	})
}

// DeleteSession handles DELETE /api/v1/sessions/{senderID}.
func (h *Handlers) DeleteSession(w http.ResponseWriter, r *http.Request) {
	h.conv.Reset(r.Context(), chi.URLParam(r, "senderID"))
	w.WriteHeader(http.StatusNoContent)
}

func respondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func respondError(w http.ResponseWriter, status int, message string) {
	respondJSON(w, status, map[string]string{"error": message})
}
