package offlineworker

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"slices"
	"time"

	"github.com/always-cache/offline-worker/cache"
	cachekey "github.com/always-cache/offline-worker/pkg/cache-key"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/hlog"
)

// AdminPrefix is the path under which the worker's own endpoints live.
const AdminPrefix = "/.offline-worker"

// Reloader creates a worker version from the current deployment configuration.
type Reloader func(ctx context.Context) (*Worker, error)

type workerStatus struct {
	Generation string `json:"generation"`
	State      string `json:"state"`
}

type status struct {
	Controller  *workerStatus `json:"controller"`
	Active      *workerStatus `json:"active"`
	Waiting     *workerStatus `json:"waiting"`
	Installing  *workerStatus `json:"installing"`
	Generations []string      `json:"generations"`
	Keys        int           `json:"keys"`
	// GET URLs stored in the active generation
	URLs []string `json:"urls"`
}

func newWorkerStatus(w *Worker) *workerStatus {
	if w == nil {
		return nil
	}
	return &workerStatus{Generation: w.Generation(), State: w.State().String()}
}

// Router serves the admin endpoints and hands every other request to reg.
func Router(reg *Registration, store cache.Store, reload Reloader, logger zerolog.Logger) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RealIP)
	r.Use(hlog.NewHandler(logger))
	r.Use(hlog.RequestIDHandler("req_id", "Request-Id"))
	r.Use(hlog.AccessHandler(func(r *http.Request, status, size int, duration time.Duration) {
		hlog.FromRequest(r).Trace().
			Str("method", r.Method).
			Stringer("url", r.URL).
			Int("status", status).
			Int("size", size).
			Dur("duration", duration).
			Msg("")
	}))

	r.Route(AdminPrefix, func(r chi.Router) {
		r.Use(middleware.Recoverer)
		r.Get("/status", statusHandler(reg, store))
		if reload != nil {
			r.Post("/update", updateHandler(reg, reload))
		}
		r.Delete("/generations/{name}", purgeHandler(reg, store))
	})
	r.Handle("/*", reg)
	return r
}

func statusHandler(reg *Registration, store cache.Store) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		names, err := store.Names(ctx)
		if err != nil {
			hlog.FromRequest(r).Error().Err(err).Msg("Could not list generations")
			http.Error(w, "Could not list generations", http.StatusInternalServerError)
			return
		}
		s := status{
			Controller:  newWorkerStatus(reg.Controller()),
			Active:      newWorkerStatus(reg.Active()),
			Waiting:     newWorkerStatus(reg.Waiting()),
			Installing:  newWorkerStatus(reg.Installing()),
			Generations: names,
		}
		if s.Generations == nil {
			s.Generations = []string{}
		}
		s.URLs = []string{}
		if active := reg.Active(); active != nil && slices.Contains(names, active.Generation()) {
			gen, err := store.Open(ctx, active.Generation())
			if err == nil {
				keys, _ := gen.Keys(ctx)
				s.Keys = len(keys)
				s.URLs = storedURLs(reg, keys)
			}
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(s)
	}
}

// storedURLs turns cache keys back into the URLs they were stored for.
func storedURLs(reg *Registration, keys []string) []string {
	urls := make([]string, 0, len(keys))
	for _, key := range keys {
		req, err := reg.keyer.GetRequestFromKey(key)
		if errors.Is(err, cachekey.ErrorMethodNotSupported) {
			continue
		} else if err != nil {
			reg.log.Warn().Err(err).Str("key", key).Msg("Could not parse cache key")
			continue
		}
		urls = append(urls, req.URL.String())
	}
	return urls
}

func updateHandler(reg *Registration, reload Reloader) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		logger := hlog.FromRequest(r)
		// the update outlives the admin request
		ctx := context.WithoutCancel(r.Context())
		worker, err := reload(ctx)
		if err != nil {
			logger.Error().Err(err).Msg("Could not load deployment")
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		if active := reg.Active(); active != nil && active.Generation() == worker.Generation() {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		if err := reg.Register(ctx, worker); err != nil {
			http.Error(w, err.Error(), http.StatusBadGateway)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(newWorkerStatus(worker))
	}
}

func purgeHandler(reg *Registration, store cache.Store) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		name := chi.URLParam(r, "name")
		if active := reg.Active(); active != nil && active.Generation() == name {
			http.Error(w, "Generation is in use", http.StatusConflict)
			return
		}
		deleted, err := store.Delete(r.Context(), name)
		if err != nil {
			hlog.FromRequest(r).Error().Err(err).Str("name", name).Msg("Could not delete generation")
			http.Error(w, "Could not delete generation", http.StatusInternalServerError)
			return
		}
		if !deleted {
			http.NotFound(w, r)
			return
		}
		hlog.FromRequest(r).Info().Str("name", name).Msg("Deleted generation")
		w.WriteHeader(http.StatusNoContent)
	}
}
