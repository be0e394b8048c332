package cachekey

import (
	"fmt"
	"net/http"
	"net/url"
	"strings"
)

var ErrorMethodNotSupported = fmt.Errorf("Method not supported")

const methodSeparator = ":"

// CacheKeyer derives cache keys for requests made on behalf of a worker scope.
// Relative URLs (e.g. "./index.html" in an asset list, or the request URI of an
// incoming proxied request) are resolved against the scope first, so the same
// resource always maps to the same key.
type CacheKeyer struct {
	// Base URL all relative URLs are resolved against.
	Scope *url.URL
}

func NewCacheKeyer(scope string) (CacheKeyer, error) {
	u, err := url.Parse(scope)
	if err != nil {
		return CacheKeyer{}, err
	}
	if !u.IsAbs() {
		return CacheKeyer{}, fmt.Errorf("Scope must be an absolute URL: %s", scope)
	}
	return CacheKeyer{Scope: u}, nil
}

// Resolve returns the absolute form of a possibly relative URL.
func (c CacheKeyer) Resolve(raw string) (*url.URL, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return nil, err
	}
	return c.Scope.ResolveReference(u), nil
}

// NewRequest creates a request for the given (possibly relative) URL.
func (c CacheKeyer) NewRequest(method, raw string) (*http.Request, error) {
	u, err := c.Resolve(raw)
	if err != nil {
		return nil, err
	}
	return http.NewRequest(method, u.String(), nil)
}

// GetKey returns the cache key for a request.
// The key depends on the method and the absolute URL, without the fragment.
func (c CacheKeyer) GetKey(r *http.Request) string {
	u := c.Scope.ResolveReference(r.URL)
	u.Fragment = ""
	u.RawFragment = ""
	return r.Method + methodSeparator + u.String()
}

// GetRequestFromKey generates a request equal (caching-wise) to the request
// that resulted in the provided key.
func (c CacheKeyer) GetRequestFromKey(key string) (*http.Request, error) {
	method, uri, found := strings.Cut(key, methodSeparator)
	if !found {
		return nil, fmt.Errorf("Malformed key: %s", key)
	}
	if method != http.MethodGet {
		return nil, ErrorMethodNotSupported
	}
	return http.NewRequest(method, uri, nil)
}
