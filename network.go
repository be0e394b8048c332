package offlineworker

import (
	"context"
	"net/http"
	"time"

	serializer "github.com/always-cache/offline-worker/pkg/response-serializer"
	tee "github.com/always-cache/offline-worker/pkg/response-writer-tee"
)

// Network performs requests that the cache could not (or should not) answer.
// An error means no response at all was received (offline, DNS failure, timeout);
// error statuses are returned as responses.
type Network interface {
	Fetch(ctx context.Context, r *http.Request) (serializer.Response, error)
}

// HTTPNetwork fetches over the real network.
// Redirects are not followed, so the client sees them.
type HTTPNetwork struct {
	client http.Client
}

func NewHTTPNetwork(timeout time.Duration) *HTTPNetwork {
	return &HTTPNetwork{
		client: http.Client{
			Timeout: timeout,
			// do not follow redirects
			CheckRedirect: func(req *http.Request, via []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
	}
}

func (n *HTTPNetwork) Fetch(ctx context.Context, r *http.Request) (serializer.Response, error) {
	// need to specifically set body to nil on the outgoing request if content is zero length
	// see https://github.com/golang/go/issues/16036
	body := r.Body
	if r.ContentLength == 0 {
		body = nil
	}
	req, err := http.NewRequestWithContext(ctx, r.Method, r.URL.String(), body)
	if err != nil {
		return serializer.Response{}, err
	}
	req.ContentLength = r.ContentLength
	copyHeader(req.Header, r.Header)
	// do not forward connection header, this causes trouble
	req.Header.Del("Connection")

	res, err := n.client.Do(req)
	if err != nil {
		return serializer.Response{}, err
	}
	return serializer.FromHTTP(res)
}

// HandlerNetwork answers requests with an in-process handler.
// Use it to put the worker in front of an application as a middleware.
type HandlerNetwork struct {
	Handler http.Handler
}

func (n HandlerNetwork) Fetch(ctx context.Context, r *http.Request) (serializer.Response, error) {
	if err := ctx.Err(); err != nil {
		return serializer.Response{}, err
	}
	rw := tee.NewResponseSaver(nil)
	n.Handler.ServeHTTP(rw, r.WithContext(ctx))
	return rw.Response(), nil
}
