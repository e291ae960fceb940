package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/castforge/castforge/internal/control"
	"github.com/castforge/castforge/internal/episode"
	"github.com/castforge/castforge/internal/queue"
	"github.com/castforge/castforge/internal/task"
)

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleCreateEpisode(w http.ResponseWriter, r *http.Request) {
	var req CreateEpisodeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid request body: %v", err), "invalid_request")
		return
	}
	if err := s.validate.Struct(req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error(), "invalid_request")
		return
	}

	ep := &episode.Episode{
		Podcast:     req.Podcast,
		Title:       req.Title,
		AudioURL:    req.AudioURL,
		PublishedAt: req.PublishedAt,
	}
	if err := s.episodes.Create(r.Context(), ep); err != nil {
		s.writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, ep)
}

func (s *Server) handleListEpisodes(w http.ResponseWriter, r *http.Request) {
	eps, err := s.episodes.List(r.Context())
	if err != nil {
		s.writeErr(w, err)
		return
	}
	if eps == nil {
		eps = []*episode.Episode{}
	}
	writeJSON(w, http.StatusOK, eps)
}

func (s *Server) handleGetEpisode(w http.ResponseWriter, r *http.Request) {
	ep, err := s.episodes.Get(r.Context(), chi.URLParam(r, "episodeID"))
	if err != nil {
		s.writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, ep)
}

func (s *Server) handleEpisodeTasks(w http.ResponseWriter, r *http.Request) {
	tasks, err := s.control.EpisodeTasks(r.Context(), chi.URLParam(r, "episodeID"))
	if err != nil {
		s.writeErr(w, err)
		return
	}
	if tasks == nil {
		tasks = []*task.Task{}
	}
	writeJSON(w, http.StatusOK, tasks)
}

func (s *Server) handleEpisodeFailure(w http.ResponseWriter, r *http.Request) {
	ep, err := s.episodes.Get(r.Context(), chi.URLParam(r, "episodeID"))
	if err != nil {
		s.writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, EpisodeFailureResponse{
		EpisodeID:     ep.ID,
		Failed:        ep.FailedAtStage != "",
		FailedAtStage: ep.FailedAtStage,
		FailureReason: ep.FailureReason,
		FailureType:   ep.FailureType,
		FailedAt:      ep.FailedAt,
	})
}

func (s *Server) handleRetryEpisode(w http.ResponseWriter, r *http.Request) {
	t, err := s.control.RetryEpisode(r.Context(), chi.URLParam(r, "episodeID"))
	if err != nil {
		s.writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, RetryEpisodeResponse{Task: t})
}

func (s *Server) handleEnqueueStage(w http.ResponseWriter, r *http.Request) {
	var req EnqueueStageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid request body: %v", err), "invalid_request")
		return
	}
	if err := s.validate.Struct(req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error(), "invalid_request")
		return
	}

	t, err := s.control.EnqueueStage(r.Context(), chi.URLParam(r, "episodeID"), req.Stage, req.InitiatedBy)
	if err != nil {
		s.writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, t)
}

func (s *Server) handleRunPipeline(w http.ResponseWriter, r *http.Request) {
	// An empty body means the full pipeline with defaults.
	var req RunPipelineRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid request body: %v", err), "invalid_request")
		return
	}

	t, err := s.control.RunPipeline(r.Context(), chi.URLParam(r, "episodeID"), req.TargetState, req.InitiatedBy)
	if err != nil {
		s.writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, t)
}

func (s *Server) handleCancelPipeline(w http.ResponseWriter, r *http.Request) {
	n, err := s.control.CancelPipeline(r.Context(), chi.URLParam(r, "episodeID"))
	if err != nil {
		s.writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, CancelPipelineResponse{Cancelled: n, Status: "cancelling"})
}

func (s *Server) handleGetTask(w http.ResponseWriter, r *http.Request) {
	t, err := s.control.Task(r.Context(), chi.URLParam(r, "taskID"))
	if err != nil {
		s.writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, t)
}

func (s *Server) handleBumpTask(w http.ResponseWriter, r *http.Request) {
	bumped, err := s.control.Bump(r.Context(), chi.URLParam(r, "taskID"))
	if err != nil {
		s.writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, BumpResponse{Bumped: bumped})
}

func (s *Server) handleTaskProgress(w http.ResponseWriter, r *http.Request) {
	ev, err := s.control.CurrentProgress(r.Context(), chi.URLParam(r, "taskID"))
	if err != nil {
		s.writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, ev)
}

func (s *Server) handleTaskProgressStream(w http.ResponseWriter, r *http.Request) {
	s.streamProgress(w, r, chi.URLParam(r, "taskID"))
}

func (s *Server) handleQueueSnapshot(w http.ResponseWriter, r *http.Request) {
	snap, err := s.control.QueueSnapshot(r.Context())
	if err != nil {
		s.writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

func (s *Server) handleListDLQ(w http.ResponseWriter, r *http.Request) {
	dead, err := s.control.DLQ(r.Context())
	if err != nil {
		s.writeErr(w, err)
		return
	}
	if dead == nil {
		dead = []*task.Task{}
	}
	writeJSON(w, http.StatusOK, dead)
}

func (s *Server) handleRetryDLQ(w http.ResponseWriter, r *http.Request) {
	t, err := s.control.RetryDLQ(r.Context(), chi.URLParam(r, "taskID"))
	if err != nil {
		s.writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, t)
}

func (s *Server) handleSkipDLQ(w http.ResponseWriter, r *http.Request) {
	t, err := s.control.SkipDLQ(r.Context(), chi.URLParam(r, "taskID"))
	if err != nil {
		s.writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, t)
}

func (s *Server) handleRetryAllDLQ(w http.ResponseWriter, r *http.Request) {
	n, err := s.control.RetryAllDLQ(r.Context())
	if err != nil {
		s.writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, RetryAllResponse{Retried: n})
}

// writeErr maps domain errors to HTTP statuses: validation errors are 4xx
// with their code, not-found sentinels are 404, DLQ misuse is 409, and
// anything else is a 500 with the detail kept out of the response.
func (s *Server) writeErr(w http.ResponseWriter, err error) {
	if v := control.AsValidation(err); v != nil {
		status := http.StatusConflict
		switch v.Code {
		case control.CodeUnknownStage:
			status = http.StatusBadRequest
		case control.CodeUnknownEpisode:
			status = http.StatusNotFound
		}
		writeError(w, status, v.Detail, v.Code)
		return
	}
	switch {
	case errors.Is(err, queue.ErrNotFound), errors.Is(err, episode.ErrNotFound):
		writeError(w, http.StatusNotFound, err.Error(), "")
	case errors.Is(err, queue.ErrNotDead):
		writeError(w, http.StatusConflict, err.Error(), "")
	default:
		s.log.Error("request failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "internal error", "")
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg, code string) {
	writeJSON(w, status, ErrorResponse{Error: msg, Code: code})
}
