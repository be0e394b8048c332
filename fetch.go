package offlineworker

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/always-cache/offline-worker/cache"
	serializer "github.com/always-cache/offline-worker/pkg/response-serializer"
)

// Mode is how a request is handled by the worker.
type Mode int

const (
	ModeSubresource Mode = iota
	ModeNavigate
)

func (m Mode) String() string {
	if m == ModeNavigate {
		return "navigate"
	}
	return "subresource"
}

// Classify tells navigations (top-level page loads) apart from subresource requests.
// Fetch metadata headers are used when present, otherwise the Accept header of a GET.
func Classify(r *http.Request) Mode {
	if mode := r.Header.Get("Sec-Fetch-Mode"); mode != "" {
		if mode == "navigate" {
			return ModeNavigate
		}
		return ModeSubresource
	}
	if r.Method != http.MethodGet {
		return ModeSubresource
	}
	if r.Header.Get("Sec-Fetch-Dest") == "document" {
		return ModeNavigate
	}
	if strings.Contains(r.Header.Get("Accept"), "text/html") {
		return ModeNavigate
	}
	return ModeSubresource
}

// Fetch answers r the way the worker answers requests of the pages it controls:
// navigations go to the network first and fall back to the cached shell,
// everything else is served from the cache first.
// The request URL must be absolute.
func (a *Worker) Fetch(ctx context.Context, r *http.Request) (serializer.Response, error) {
	var cs CacheStatus
	return a.fetch(ctx, r, &cs)
}

func (a *Worker) fetch(ctx context.Context, r *http.Request, cs *CacheStatus) (serializer.Response, error) {
	if Classify(r) == ModeNavigate {
		return a.networkFirst(ctx, r, cs)
	}
	return a.cacheFirst(ctx, r, cs)
}

func (a *Worker) networkFirst(ctx context.Context, r *http.Request, cs *CacheStatus) (serializer.Response, error) {
	cs.Forward(CacheStatusFwdRequest)
	res, err := a.network.Fetch(ctx, r)
	if err == nil {
		cs.Detail("network-first")
		return res, nil
	}

	a.log.Debug().Err(err).Str("url", r.URL.String()).Msg("Navigation failed, trying shell")
	if shell, ok := a.match(ctx, a.shellKey); ok {
		cs.Hit()
		cs.Detail("shell")
		return shell, nil
	}
	return serializer.Response{}, err
}

func (a *Worker) cacheFirst(ctx context.Context, r *http.Request, cs *CacheStatus) (serializer.Response, error) {
	key := a.keyer.GetKey(r)
	if r.Method == http.MethodGet {
		if res, ok := a.match(ctx, key); ok {
			cs.Hit()
			return res, nil
		}
		cs.Forward(CacheStatusFwdUriMiss)
	} else {
		cs.Forward(CacheStatusFwdMethod)
	}

	res, err := a.network.Fetch(ctx, r)
	if err != nil {
		return serializer.Response{}, err
	}
	if r.Method == http.MethodGet && res.OK() {
		clone := res.Clone()
		a.scheduler.WaitUntil("cache-put", func(ctx context.Context) error {
			return a.put(ctx, key, clone)
		})
		cs.Store()
	}
	return res, nil
}

// match looks key up in every generation of the store.
// Store errors are logged and treated as a miss.
func (a *Worker) match(ctx context.Context, key string) (serializer.Response, bool) {
	b, ok, err := a.store.Match(ctx, key)
	if err != nil {
		a.log.Warn().Err(err).Str("key", key).Msg("Could not read from cache")
		return serializer.Response{}, false
	}
	if !ok {
		a.log.Trace().Str("key", key).Msg("Cache miss")
		return serializer.Response{}, false
	}
	res, err := serializer.Decode(b)
	if err != nil {
		a.log.Warn().Err(err).Str("key", key).Msg("Could not decode cached response")
		return serializer.Response{}, false
	}
	a.log.Trace().Str("key", key).Msg("Cache hit")
	return res, true
}

// put writes res to the worker's own generation.
// Nothing is written once the worker has been superseded or before it was installed.
// The read lock is held for the whole write, so retire waits for writes in flight.
func (a *Worker) put(ctx context.Context, key string, res serializer.Response) error {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if a.state == StateRedundant || a.current == nil {
		a.log.Debug().Str("key", key).Str("state", a.state.String()).Msg("Not storing response")
		return nil
	}
	b, err := serializer.Encode(res)
	if err != nil {
		return err
	}
	if err := a.current.Put(ctx, key, b); errors.Is(err, cache.ErrGenerationDeleted) {
		a.log.Debug().Str("key", key).Msg("Generation was deleted, not storing response")
		return nil
	} else if err != nil {
		return err
	}
	a.log.Trace().Str("key", key).Msg("Stored response")
	return nil
}
