package offlineworker

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/always-cache/offline-worker/cache"
)

func TestRouterStatus(t *testing.T) {
	store := cache.NewMemStore()
	network := newTestNetwork(defaultAssets())
	reg := newTestRegistration(t, network)
	w := newTestWorker(t, store, network, "v1", "./index.html", "./app.js")
	if err := reg.Register(context.Background(), w.Worker); err != nil {
		t.Fatal(err)
	}
	router := Router(reg, store, nil, testLogger)

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest("GET", AdminPrefix+"/status", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("Status code is %d", rec.Code)
	}
	var s status
	if err := json.Unmarshal(rec.Body.Bytes(), &s); err != nil {
		t.Fatal(err)
	}
	if s.Controller == nil || s.Controller.Generation != "v1" || s.Controller.State != "activated" {
		t.Fatalf("Controller is %+v", s.Controller)
	}
	if s.Waiting != nil || s.Installing != nil {
		t.Fatalf("Status is %+v", s)
	}
	if fmt.Sprint(s.Generations) != "[v1]" || s.Keys != 2 {
		t.Fatalf("Status is %+v", s)
	}
	if fmt.Sprint(s.URLs) != "[https://app.example.com/app.js https://app.example.com/index.html]" {
		t.Fatalf("URLs are %v", s.URLs)
	}
}

func TestRouterUpdate(t *testing.T) {
	ctx := context.Background()
	store := cache.NewMemStore()
	network := newTestNetwork(defaultAssets())
	reg := newTestRegistration(t, network)
	v1 := newTestWorker(t, store, network, "v1", "./index.html")
	if err := reg.Register(ctx, v1.Worker); err != nil {
		t.Fatal(err)
	}

	generation := "v1"
	reload := func(ctx context.Context) (*Worker, error) {
		return newTestWorker(t, store, network, generation, "./index.html").Worker, nil
	}
	router := Router(reg, store, reload, testLogger)

	// same generation is a no-op
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest("POST", AdminPrefix+"/update", nil))
	if rec.Code != http.StatusNoContent {
		t.Fatalf("Status code is %d", rec.Code)
	}

	generation = "v2"
	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest("POST", AdminPrefix+"/update", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("Status code is %d", rec.Code)
	}
	if c := reg.Controller(); c == nil || c.Generation() != "v2" {
		t.Fatal("New version is not in control")
	}
	if v1.State() != StateRedundant {
		t.Fatalf("Old state is %s", v1.State())
	}
	names, _ := store.Names(ctx)
	if fmt.Sprint(names) != "[v2]" {
		t.Fatalf("Names are %v", names)
	}
}

func TestRouterPurge(t *testing.T) {
	ctx := context.Background()
	store := cache.NewMemStore()
	network := newTestNetwork(defaultAssets())
	reg := newTestRegistration(t, network)
	w := newTestWorker(t, store, network, "v1", "./index.html")
	if err := reg.Register(ctx, w.Worker); err != nil {
		t.Fatal(err)
	}
	// a generation no version owns
	store.Open(ctx, "v2")
	router := Router(reg, store, nil, testLogger)

	purge := func(name string) int {
		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, httptest.NewRequest("DELETE", AdminPrefix+"/generations/"+name, nil))
		return rec.Code
	}
	if code := purge("v1"); code != http.StatusConflict {
		t.Fatalf("Status code is %d", code)
	}
	if code := purge("v2"); code != http.StatusNoContent {
		t.Fatalf("Status code is %d", code)
	}
	if code := purge("v2"); code != http.StatusNotFound {
		t.Fatalf("Status code is %d", code)
	}
	names, _ := store.Names(ctx)
	if fmt.Sprint(names) != "[v1]" {
		t.Fatalf("Names are %v", names)
	}
}

func TestRouterDispatchesToRegistration(t *testing.T) {
	store := cache.NewMemStore()
	network := newTestNetwork(defaultAssets())
	reg := newTestRegistration(t, network)
	router := Router(reg, store, nil, testLogger)

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest("GET", "/app.js", nil))
	if rec.Body.String() != "app" {
		t.Fatalf("Body is %s", rec.Body.String())
	}
	if rec.Header().Get("Request-Id") == "" {
		t.Fatal("Missing request id")
	}

	// admin routes without a reloader
	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest("POST", AdminPrefix+"/update", nil))
	if rec.Code == http.StatusOK {
		t.Fatal("Update without reloader succeeded")
	}
}
