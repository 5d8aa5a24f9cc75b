package node

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"sync"

	"github.com/go-chi/chi"
	chimiddleware "github.com/go-chi/chi/middleware"
	"go.uber.org/zap"

	"github.com/dreamware/sift/internal/cluster"
	"github.com/dreamware/sift/internal/search"
	"github.com/dreamware/sift/internal/shard"
	"github.com/dreamware/sift/internal/storage"
)

// errCollectorGone stops a task whose collector no longer exists.
var errCollectorGone = errors.New("node: collector gone")

// API serves a node's HTTP endpoints. Tasks run on the API's own lifetime
// context, not on the request that submitted them.
type API struct {
	node   *Node
	logger *zap.Logger
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewAPI creates the HTTP API of a node.
func NewAPI(n *Node, logger *zap.Logger) *API {
	if logger == nil {
		logger = zap.NewNop()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &API{node: n, logger: logger, ctx: ctx, cancel: cancel}
}

// Close cancels running tasks and waits for them to return.
func (a *API) Close() {
	a.cancel()
	a.wg.Wait()
}

// Routes returns the node's router.
func (a *API) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(chimiddleware.Recoverer)
	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("ok"))
	})
	r.Get("/info", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, a.node.Info())
	})
	r.Post("/search", a.handleSearch)
	r.Post("/search/cancel", a.handleCancel)
	r.Route("/shard/{shardID}/records/{dataSource}/{key}", func(r chi.Router) {
		r.Get("/", a.handleGetRecord)
		r.Put("/", a.handlePutRecord)
		r.Delete("/", a.handleDeleteRecord)
	})
	return r
}

func (a *API) handleSearch(w http.ResponseWriter, r *http.Request) {
	var req cluster.SearchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httpError(w, http.StatusBadRequest, "bad json")
		return
	}
	if req.Task.ID == "" || req.ResultsURL == "" {
		httpError(w, http.StatusBadRequest, "missing task id or results url")
		return
	}

	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		a.run(req)
	}()
	w.WriteHeader(http.StatusAccepted)
}

// run executes a task and posts its result stream in order.
func (a *API) run(req cluster.SearchRequest) {
	log := a.logger.With(zap.String("task_id", req.Task.ID))
	send := func(env cluster.ResultEnvelope) error {
		env.TaskID, env.Node = req.Task.ID, a.node.ID
		err := cluster.PostJSON(a.ctx, req.ResultsURL, env, nil)
		var se *cluster.StatusError
		if errors.As(err, &se) && se.Status == http.StatusGone {
			return errCollectorGone
		}
		return err
	}

	err := a.node.Executor().Run(a.ctx, req.Task, func(res *search.NodeResult) error {
		return send(cluster.ResultEnvelope{Result: res})
	})
	switch {
	case err == nil:
		log.Debug("task finished")
	case errors.Is(err, context.Canceled), errors.Is(err, errCollectorGone):
		log.Debug("task stopped", zap.Error(err))
	default:
		log.Warn("task failed", zap.Error(err))
		if sendErr := send(cluster.ResultEnvelope{Error: err.Error()}); sendErr != nil {
			log.Warn("could not report failure", zap.Error(sendErr))
		}
	}
}

func (a *API) handleCancel(w http.ResponseWriter, r *http.Request) {
	var req cluster.CancelRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httpError(w, http.StatusBadRequest, "bad json")
		return
	}
	ok := a.node.Executor().Cancel(req.TaskID)
	a.logger.Debug("cancel requested", zap.String("task_id", req.TaskID), zap.Bool("running", ok))
	writeJSON(w, http.StatusOK, cluster.CancelResponse{Cancelled: ok})
}

func (a *API) shardFor(w http.ResponseWriter, r *http.Request, create bool) *shard.Shard {
	id, err := strconv.Atoi(chi.URLParam(r, "shardID"))
	if err != nil || id < 0 {
		httpError(w, http.StatusBadRequest, "invalid shard id")
		return nil
	}
	if create {
		return a.node.EnsureShard(id)
	}
	s := a.node.GetShard(id)
	if s == nil {
		httpError(w, http.StatusNotFound, "shard not found")
	}
	return s
}

func (a *API) handlePutRecord(w http.ResponseWriter, r *http.Request) {
	s := a.shardFor(w, r, true)
	if s == nil {
		return
	}
	dec := json.NewDecoder(r.Body)
	dec.UseNumber()
	var rec shard.Record
	if err := dec.Decode(&rec); err != nil || rec == nil {
		httpError(w, http.StatusBadRequest, "record must be a JSON object")
		return
	}
	if err := s.Put(chi.URLParam(r, "dataSource"), chi.URLParam(r, "key"), rec); err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, shard.ErrInvalidKey) {
			status = http.StatusBadRequest
		}
		httpError(w, status, err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) handleGetRecord(w http.ResponseWriter, r *http.Request) {
	s := a.shardFor(w, r, false)
	if s == nil {
		return
	}
	rec, err := s.Get(chi.URLParam(r, "dataSource"), chi.URLParam(r, "key"))
	switch {
	case errors.Is(err, storage.ErrKeyNotFound):
		httpError(w, http.StatusNotFound, "record not found")
	case err != nil:
		httpError(w, http.StatusInternalServerError, err.Error())
	default:
		writeJSON(w, http.StatusOK, rec)
	}
}

func (a *API) handleDeleteRecord(w http.ResponseWriter, r *http.Request) {
	s := a.shardFor(w, r, false)
	if s == nil {
		return
	}
	if err := s.Delete(chi.URLParam(r, "dataSource"), chi.URLParam(r, "key")); err != nil {
		httpError(w, http.StatusBadRequest, err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func httpError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
