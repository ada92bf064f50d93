package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"crowdease/internal/config"
	"crowdease/internal/directory"
	"crowdease/internal/engine"
	"crowdease/internal/feed"
	"crowdease/internal/geocode"
	"crowdease/internal/metrics"
	"crowdease/internal/model"
	"crowdease/internal/storage"
)

type fakeGeocoder struct {
	res geocode.Result
	err error
}

func (f fakeGeocoder) Geocode(context.Context, string) (geocode.Result, error) {
	return f.res, f.err
}

type brokenStore struct {
	storage.Store
}

func (brokenStore) AppendReport(context.Context, model.CrowdReport) error {
	return model.Unavailable("append report", errors.New("disk full"))
}

type testEnv struct {
	handler http.Handler
	engine  *engine.Engine
	now     time.Time
}

func newTestEnv(t *testing.T, store storage.Store, geo Geocoder) *testEnv {
	t.Helper()
	cfg := config.DefaultConfig()
	cfg.Timezone = "UTC"
	cfg.Storage.Driver = "memory"
	cfg.API.MaxBodyBytes = 1024
	dir, err := directory.New([]model.Store{
		{ID: "colruyt-gent", Name: "Colruyt Gent", Type: "supermarkt", Coordinates: model.Coordinates{Lat: 51.0543, Lng: 3.7174}},
		{ID: "bakker-gent", Name: "Bakker Gent", Type: "bakkerij", Coordinates: model.Coordinates{Lat: 51.0500, Lng: 3.7200}},
		{ID: "delhaize-brussel", Name: "Delhaize Brussel", Type: "supermarkt", Coordinates: model.Coordinates{Lat: 50.8503, Lng: 4.3517}},
	})
	if err != nil {
		t.Fatalf("directory: %v", err)
	}
	now := time.Date(2024, 1, 17, 14, 5, 0, 0, time.UTC)
	recent := feed.New(100)
	m := metrics.NewStore(100)
	eng := engine.NewEngine(cfg, nil, m, recent, store, engine.WithClock(func() time.Time { return now }))
	deps := Deps{Engine: eng, Directory: dir, Feed: recent, Metrics: m}
	if geo != nil {
		deps.Geocoder = geo
	}
	h := NewHandler(config.NewStaticManager(cfg), deps, nil, "test", nil)
	return &testEnv{handler: h, engine: eng, now: now}
}

func (e *testEnv) do(t *testing.T, method, path, body string, header map[string]string) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	for k, v := range header {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	e.handler.ServeHTTP(rec, req)
	var out map[string]any
	if rec.Body.Len() > 0 {
		if err := json.Unmarshal(rec.Body.Bytes(), &out); err != nil {
			t.Fatalf("decode %s %s: %v (%s)", method, path, err, rec.Body.String())
		}
	}
	return rec, out
}

const validReport = `{"storeId":"colruyt-gent","level":"moderate","location":{"lat":51.0543,"lng":3.7174}}`

func TestSubmitReport(t *testing.T) {
	env := newTestEnv(t, storage.NewMemory(), nil)
	rec, body := env.do(t, http.MethodPost, "/crowd-reports", validReport, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	if body["success"] != true {
		t.Fatalf("expected success, got %v", body)
	}
	report, ok := body["report"].(map[string]any)
	if !ok || report["id"] == "" || report["storeId"] != "colruyt-gent" {
		t.Fatalf("unexpected report %v", body["report"])
	}
}

func TestSubmitValidationProblem(t *testing.T) {
	env := newTestEnv(t, storage.NewMemory(), nil)
	cases := []struct {
		name     string
		body     string
		category string
	}{
		{"missing store", `{"level":"quiet","location":{"lat":51,"lng":3.7}}`, model.CategoryMissingFields},
		{"bad level", `{"storeId":"S","level":"packed","location":{"lat":51,"lng":3.7}}`, model.CategoryInvalidCrowdLevel},
		{"bad coords", `{"storeId":"S","level":"quiet","location":{"lat":91,"lng":3.7}}`, model.CategoryInvalidCoords},
		{"numeric level", `{"storeId":"S","level":5,"location":{"lat":51,"lng":3.7}}`, model.CategoryInvalidCrowdLevel},
		{"string coords", `{"storeId":"S","level":"quiet","location":{"lat":"51","lng":3.7}}`, model.CategoryInvalidCoords},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rec, body := env.do(t, http.MethodPost, "/crowd-reports", tc.body, nil)
			if rec.Code != http.StatusBadRequest {
				t.Fatalf("expected 400, got %d", rec.Code)
			}
			if ct := rec.Header().Get("Content-Type"); ct != "application/problem+json" {
				t.Fatalf("unexpected content type %q", ct)
			}
			meta, _ := body["meta"].(map[string]any)
			if meta["category"] != tc.category {
				t.Fatalf("expected category %q, got %v", tc.category, body)
			}
		})
	}
}

func TestSubmitMalformedJSON(t *testing.T) {
	env := newTestEnv(t, storage.NewMemory(), nil)
	rec, _ := env.do(t, http.MethodPost, "/crowd-reports", `{"storeId":`, nil)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
}

func TestSubmitBodyTooLarge(t *testing.T) {
	env := newTestEnv(t, storage.NewMemory(), nil)
	big := `{"storeId":"` + strings.Repeat("x", 2048) + `"}`
	rec, _ := env.do(t, http.MethodPost, "/crowd-reports", big, nil)
	if rec.Code != http.StatusRequestEntityTooLarge {
		t.Fatalf("expected 413, got %d", rec.Code)
	}
}

func TestSubmitCooldown(t *testing.T) {
	env := newTestEnv(t, storage.NewMemory(), nil)
	hdr := map[string]string{"X-Client-ID": "phone-1"}
	if rec, _ := env.do(t, http.MethodPost, "/crowd-reports", validReport, hdr); rec.Code != http.StatusOK {
		t.Fatalf("first report: %d", rec.Code)
	}
	rec, _ := env.do(t, http.MethodPost, "/crowd-reports", validReport, hdr)
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429, got %d", rec.Code)
	}
	other := map[string]string{"X-Client-ID": "phone-2"}
	if rec, _ := env.do(t, http.MethodPost, "/crowd-reports", validReport, other); rec.Code != http.StatusOK {
		t.Fatalf("other client should not be limited, got %d", rec.Code)
	}
}

func TestSubmitStoreUnavailable(t *testing.T) {
	env := newTestEnv(t, brokenStore{Store: storage.NewMemory()}, nil)
	rec, _ := env.do(t, http.MethodPost, "/crowd-reports", validReport, nil)
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", rec.Code)
	}
}

func TestStoreCrowd(t *testing.T) {
	env := newTestEnv(t, storage.NewMemory(), nil)
	_, body := env.do(t, http.MethodGet, "/stores/colruyt-gent/crowd", "", nil)
	if body["source"] != string(model.SourceNone) || body["level"] != nil || body["message"] != "No crowd information available" {
		t.Fatalf("expected no data, got %v", body)
	}
	env.do(t, http.MethodPost, "/crowd-reports", validReport, nil)
	rec, body := env.do(t, http.MethodGet, "/stores/colruyt-gent/crowd", "", nil)
	if rec.Code != http.StatusOK || body["source"] != string(model.SourceRealTime) {
		t.Fatalf("expected real-time data, got %d %v", rec.Code, body)
	}
	if body["message"] != "Moderate - 0 seconds ago" {
		t.Fatalf("unexpected message %v", body["message"])
	}
	if rec, _ := env.do(t, http.MethodGet, "/stores/unknown/crowd", "", nil); rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
}

func TestStoreByID(t *testing.T) {
	env := newTestEnv(t, storage.NewMemory(), nil)
	rec, body := env.do(t, http.MethodGet, "/stores/bakker-gent", "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if body["id"] != "bakker-gent" || body["openingHours"] == nil || body["todayHours"] == "" {
		t.Fatalf("unexpected store view %v", body)
	}
	if _, ok := body["distanceKm"]; ok {
		t.Fatalf("distance only applies to nearby lookups")
	}
}

func TestNearby(t *testing.T) {
	env := newTestEnv(t, storage.NewMemory(), nil)
	rec, body := env.do(t, http.MethodGet, "/stores/nearby?lat=51.0543&lng=3.7174", "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	stores, _ := body["stores"].([]any)
	if len(stores) != 2 {
		t.Fatalf("expected 2 stores within 5 km, got %d", len(stores))
	}
	first := stores[0].(map[string]any)
	if first["id"] != "colruyt-gent" || first["distanceKm"] != 0.0 {
		t.Fatalf("nearest store first, got %v", first)
	}
	for _, key := range []string{"crowdData", "openingHours", "isOpen", "todayHours"} {
		if _, ok := first[key]; !ok {
			t.Fatalf("missing %s in %v", key, first)
		}
	}
	_, body = env.do(t, http.MethodGet, "/stores/nearby?lat=51.0543&lng=3.7174&radius=100", "", nil)
	if stores, _ := body["stores"].([]any); len(stores) != 3 {
		t.Fatalf("expected 3 stores within 100 km, got %d", len(stores))
	}
}

func TestNearbyRejectsBadParameters(t *testing.T) {
	env := newTestEnv(t, storage.NewMemory(), nil)
	queries := []string{
		"", "?lat=51", "?lat=abc&lng=3.7", "?lat=51&lng=3.7&radius=-1",
		"?lat=NaN&lng=3.7", "?lat=51&lng=NaN", "?lat=51&lng=3.7&radius=NaN", "?lat=51&lng=3.7&radius=Inf",
	}
	for _, q := range queries {
		rec, _ := env.do(t, http.MethodGet, "/stores/nearby"+q, "", nil)
		if rec.Code != http.StatusBadRequest {
			t.Fatalf("query %q: expected 400, got %d", q, rec.Code)
		}
	}
}

func TestGeocode(t *testing.T) {
	ok := newTestEnv(t, storage.NewMemory(), fakeGeocoder{res: geocode.Result{Lat: 51.05, Lng: 3.72, DisplayName: "Gent", Confidence: 0.7}})
	rec, body := ok.do(t, http.MethodGet, "/geocode?address=Gent", "", nil)
	if rec.Code != http.StatusOK || body["displayName"] != "Gent" || body["lat"] != 51.05 {
		t.Fatalf("unexpected geocode response %d %v", rec.Code, body)
	}
	if rec, _ := ok.do(t, http.MethodGet, "/geocode", "", nil); rec.Code != http.StatusBadRequest {
		t.Fatalf("missing address: expected 400, got %d", rec.Code)
	}

	missing := newTestEnv(t, storage.NewMemory(), fakeGeocoder{err: model.ErrNotFound})
	if rec, _ := missing.do(t, http.MethodGet, "/geocode?address=nowhere", "", nil); rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}

	down := newTestEnv(t, storage.NewMemory(), fakeGeocoder{err: model.Unavailable("geocode", errors.New("timeout"))})
	if rec, _ := down.do(t, http.MethodGet, "/geocode?address=Gent", "", nil); rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", rec.Code)
	}

	disabled := newTestEnv(t, storage.NewMemory(), nil)
	if rec, _ := disabled.do(t, http.MethodGet, "/geocode?address=Gent", "", nil); rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("disabled geocoder: expected 503, got %d", rec.Code)
	}
}

func TestRecentReportsAndAdmin(t *testing.T) {
	env := newTestEnv(t, storage.NewMemory(), nil)
	env.do(t, http.MethodPost, "/crowd-reports", validReport, nil)
	_, body := env.do(t, http.MethodGet, "/reports/recent?limit=10", "", nil)
	if body["count"] != 1.0 {
		t.Fatalf("expected one recent report, got %v", body)
	}
	rec, body := env.do(t, http.MethodPost, "/admin/aggregate", "", nil)
	if rec.Code != http.StatusOK || body["patterns"] != 0.0 {
		t.Fatalf("aggregate: %d %v", rec.Code, body)
	}
	rec, body = env.do(t, http.MethodPost, "/admin/sweep", "", nil)
	if rec.Code != http.StatusOK || body["removed"] != 0.0 {
		t.Fatalf("sweep: %d %v", rec.Code, body)
	}
	if rec, _ := env.do(t, http.MethodPost, "/admin/clear", `{"target":"feed"}`, nil); rec.Code != http.StatusOK {
		t.Fatalf("clear: %d", rec.Code)
	}
	_, body = env.do(t, http.MethodGet, "/reports/recent", "", nil)
	if body["count"] != 0.0 {
		t.Fatalf("feed should be empty after clear, got %v", body)
	}
	if rec, _ := env.do(t, http.MethodGet, "/reports/recent?since=yesterday", "", nil); rec.Code != http.StatusBadRequest {
		t.Fatalf("bad since: expected 400, got %d", rec.Code)
	}
}

func TestStoreListPatternsAndLatest(t *testing.T) {
	env := newTestEnv(t, storage.NewMemory(), nil)
	_, body := env.do(t, http.MethodGet, "/stores", "", nil)
	if body["count"] != 3.0 {
		t.Fatalf("expected 3 stores, got %v", body)
	}
	if rec, _ := env.do(t, http.MethodGet, "/stores/colruyt-gent/latest-report", "", nil); rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404 before any report, got %d", rec.Code)
	}
	for i := 0; i < 5; i++ {
		env.do(t, http.MethodPost, "/crowd-reports", validReport, nil)
	}
	rec, body := env.do(t, http.MethodGet, "/stores/colruyt-gent/latest-report", "", nil)
	if rec.Code != http.StatusOK || body["storeId"] != "colruyt-gent" {
		t.Fatalf("latest report: %d %v", rec.Code, body)
	}
	env.do(t, http.MethodPost, "/admin/aggregate", "", nil)
	_, body = env.do(t, http.MethodGet, "/stores/colruyt-gent/patterns", "", nil)
	patterns, _ := body["patterns"].([]any)
	if len(patterns) != 1 {
		t.Fatalf("expected one pattern, got %v", body)
	}
	p := patterns[0].(map[string]any)
	if p["dayOfWeek"] != 3.0 || p["hourOfDay"] != 14.0 || p["reportCount"] != 5.0 || p["averageCrowdLevel"] != 0.5 {
		t.Fatalf("unexpected pattern %v", p)
	}
}

func TestHealthStatusMetrics(t *testing.T) {
	env := newTestEnv(t, storage.NewMemory(), nil)
	if rec, _ := env.do(t, http.MethodGet, "/health", "", nil); rec.Code != http.StatusOK {
		t.Fatalf("health: %d", rec.Code)
	}
	_, body := env.do(t, http.MethodGet, "/status", "", nil)
	if body["status"] != "ok" || body["stores"] != 3.0 || body["version"] != "test" {
		t.Fatalf("unexpected status %v", body)
	}
	env.do(t, http.MethodPost, "/crowd-reports", validReport, nil)
	_, body = env.do(t, http.MethodGet, "/metrics", "", nil)
	channels, _ := body["channels"].(map[string]any)
	rest, _ := channels["rest"].(map[string]any)
	if rest["accepted"] != 1.0 {
		t.Fatalf("expected one accepted rest report, got %v", body)
	}
	if rec, _ := env.do(t, http.MethodGet, "/metrics/colruyt-gent", "", nil); rec.Code != http.StatusOK {
		t.Fatalf("store metrics: %d", rec.Code)
	}
	if rec, _ := env.do(t, http.MethodGet, "/crowd-reports", "", nil); rec.Code != http.StatusMethodNotAllowed {
		t.Fatalf("expected 405, got %d", rec.Code)
	}
}
