package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/3leaps/viamerun/internal/dispatch"
	apperrors "github.com/3leaps/viamerun/internal/errors"
	"github.com/3leaps/viamerun/pkg/jobs"
	"github.com/3leaps/viamerun/pkg/manifest"
	"github.com/3leaps/viamerun/pkg/viame"
)

// maxRequestBytes bounds run request bodies.
const maxRequestBytes = 1 << 20

// Toolkit is the read-only side of the VIAME backend.
type Toolkit interface {
	DiscoverPipelines() (*viame.Catalog, error)
	NvidiaSMI(ctx context.Context) viame.GPUReport
	CheckMedia(ctx context.Context, file string) (*viame.MediaInfo, error)
}

type Dispatcher interface {
	Dispatch(ctx context.Context, req *manifest.RunRequest, updater jobs.Updater) (*dispatch.Run, error)
}

type JobStore interface {
	List() ([]jobs.Job, error)
	Find(input string) (*jobs.Job, error)
}

// API serves /api/v1.
type API struct {
	Toolkit    Toolkit
	Dispatcher Dispatcher
	Jobs       JobStore
	Hub        *Hub
	Logger     *zap.Logger

	// ReadOnly rejects run requests with 403.
	ReadOnly bool
}

type JobsResponse struct {
	Jobs []jobs.Job `json:"jobs"`
}

// RunResponse acknowledges a started run.
type RunResponse struct {
	Job         jobs.Job `json:"job"`
	Destination string   `json:"destination,omitempty"`
}

type MediaCheckRequest struct {
	Path string `json:"path"`
}

// Routes mounts the API on r.
func (a *API) Routes(r chi.Router) {
	if a.Logger == nil {
		a.Logger = zap.NewNop()
	}
	if a.Hub == nil {
		a.Hub = NewHub(a.Logger)
	}

	r.Get("/jobs", a.ListJobs)
	r.Get("/jobs/updates", a.Hub.ServeWS)
	r.Get("/jobs/{key}", a.GetJob)
	r.Post("/pipelines/run", a.runHandler(manifest.KindPipeline))
	r.Post("/training/run", a.runHandler(manifest.KindTraining))
	r.Get("/pipelines", a.ListPipelines)
	r.Get("/system/gpu", a.GPU)
	r.Post("/media/check", a.CheckMedia)
}

func (a *API) ListJobs(w http.ResponseWriter, r *http.Request) {
	list, err := a.Jobs.List()
	if err != nil {
		respondWithError(w, r, apperrors.WrapInternal(r.Context(), err, "list jobs"))
		return
	}
	if list == nil {
		list = []jobs.Job{}
	}
	apperrors.WriteJSON(w, http.StatusOK, JobsResponse{Jobs: list})
}

// GetJob prefers the live state of jobs started by this server over the
// persisted manifest.
func (a *API) GetJob(w http.ResponseWriter, r *http.Request) {
	key := chi.URLParam(r, "key")
	if j, ok := a.Hub.Latest(key); ok {
		apperrors.WriteJSON(w, http.StatusOK, j)
		return
	}
	j, err := a.Jobs.Find(key)
	if err != nil {
		respondWithError(w, r, err)
		return
	}
	apperrors.WriteJSON(w, http.StatusOK, j)
}

func (a *API) runHandler(kind manifest.Kind) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if a.ReadOnly {
			respondWithError(w, r, apperrors.NewForbidden("server is in readonly mode"))
			return
		}
		body, err := io.ReadAll(io.LimitReader(r.Body, maxRequestBytes+1))
		if err != nil {
			respondWithError(w, r, apperrors.NewBadRequest("read request body"))
			return
		}
		if len(body) > maxRequestBytes {
			respondWithError(w, r, apperrors.NewBadRequest("request body too large"))
			return
		}

		req, err := manifest.LoadFromBytes(body, "request.json")
		if err != nil {
			respondWithError(w, r, badRequest(err))
			return
		}
		if req.Kind != kind {
			respondWithError(w, r, apperrors.NewBadRequest(fmt.Sprintf("expected a %s run request, got %q", kind, req.Kind)))
			return
		}

		run, err := a.Dispatcher.Dispatch(r.Context(), req, a.Hub.Updater(nil))
		if err != nil {
			respondWithError(w, r, err)
			return
		}

		a.Logger.Info("run started",
			zap.String("key", run.Job.Key),
			zap.String("kind", string(kind)),
			zap.String("request_id", apperrors.RequestIDFromContext(r.Context())))
		apperrors.WriteJSON(w, http.StatusAccepted, RunResponse{Job: *run.Job, Destination: run.Destination})
	}
}

func (a *API) ListPipelines(w http.ResponseWriter, r *http.Request) {
	cat, err := a.Toolkit.DiscoverPipelines()
	if err != nil {
		respondWithError(w, r, apperrors.WrapInternal(r.Context(), err, "discover pipelines"))
		return
	}
	apperrors.WriteJSON(w, http.StatusOK, cat)
}

func (a *API) GPU(w http.ResponseWriter, r *http.Request) {
	apperrors.WriteJSON(w, http.StatusOK, a.Toolkit.NvidiaSMI(r.Context()))
}

func (a *API) CheckMedia(w http.ResponseWriter, r *http.Request) {
	var req MediaCheckRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, maxRequestBytes)).Decode(&req); err != nil {
		respondWithError(w, r, apperrors.NewBadRequest("invalid JSON body"))
		return
	}
	if strings.TrimSpace(req.Path) == "" {
		respondWithError(w, r, apperrors.NewBadRequest("path is required"))
		return
	}

	info, err := a.Toolkit.CheckMedia(r.Context(), req.Path)
	if err != nil {
		respondWithError(w, r, err)
		return
	}
	apperrors.WriteJSON(w, http.StatusOK, info)
}

// badRequest keeps schema details in the envelope.
func badRequest(err error) *apperrors.HTTPError {
	e := apperrors.NewBadRequest(err.Error())
	var verrs manifest.ValidationErrors
	if errors.As(err, &verrs) {
		problems := make([]string, 0, len(verrs))
		for _, v := range verrs {
			problems = append(problems, v.Error())
		}
		e.WithDetails("problems", problems)
	}
	e.Err = err
	return e
}
