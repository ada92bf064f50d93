package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"math"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/handlers"
	"github.com/gorilla/mux"

	"crowdease/internal/config"
	"crowdease/internal/directory"
	"crowdease/internal/feed"
	"crowdease/internal/geocode"
	"crowdease/internal/metrics"
	"crowdease/internal/model"
)

// Engine is the part of the crowd engine the API drives.
type Engine interface {
	Submit(ctx context.Context, sub model.Submission, ch model.Channel) (model.CrowdReport, error)
	Resolve(ctx context.Context, storeID string) (model.CrowdData, error)
	Aggregate(ctx context.Context) (int, error)
	Sweep(ctx context.Context) (int, error)
	Patterns(ctx context.Context, storeID string) ([]model.HistoricalPattern, error)
	LatestReport(ctx context.Context, storeID string) (model.CrowdReport, bool, error)
	Location() *time.Location
	Now() time.Time
	Started() time.Time
	Reset()
}

type Geocoder interface {
	Geocode(ctx context.Context, address string) (geocode.Result, error)
}

// Deps are the collaborators served over HTTP. Geocoder may be nil.
type Deps struct {
	Engine    Engine
	Directory *directory.Directory
	Geocoder  Geocoder
	Feed      *feed.Feed
	Metrics   *metrics.Store
}

type Server struct {
	cfg     *config.Manager
	deps    Deps
	logger  *slog.Logger
	version string
}

var restChannel = model.Channel{Name: "rest"}

type statusResponse struct {
	Status      string            `json:"status"`
	Time        string            `json:"time"`
	Version     string            `json:"version"`
	Uptime      string            `json:"uptime"`
	ConfigPath  string            `json:"config_path"`
	Timezone    string            `json:"timezone"`
	Storage     string            `json:"storage"`
	Stores      int               `json:"stores"`
	FeedSize    int               `json:"feed_size"`
	Ingest      ingestStatus      `json:"ingest"`
	API         apiStatus         `json:"api"`
	Maintenance maintenanceStatus `json:"maintenance"`
	Geocode     geocodeStatus     `json:"geocode"`
}

type ingestStatus struct {
	REST  bool `json:"rest"`
	Kafka bool `json:"kafka"`
	MQTT  bool `json:"mqtt"`
}

type apiStatus struct {
	Enabled bool   `json:"enabled"`
	Addr    string `json:"addr"`
}

type maintenanceStatus struct {
	Enabled  bool   `json:"enabled"`
	Interval string `json:"interval"`
}

type geocodeStatus struct {
	Enabled   bool `json:"enabled"`
	CacheSize int  `json:"cache_size"`
}

// storeView is a directory entry decorated with its live crowd state.
type storeView struct {
	model.Store
	DistanceKm *float64        `json:"distanceKm,omitempty"`
	CrowdData  model.CrowdData `json:"crowdData"`
	IsOpen     bool            `json:"isOpen"`
	TodayHours string          `json:"todayHours"`
}

func Start(ctx context.Context, cfg *config.Manager, deps Deps, logger *slog.Logger, version string) *http.Server {
	if cfg == nil {
		return nil
	}
	current := cfg.Get().API
	if !current.Enabled {
		if logger != nil {
			logger.Info("api disabled")
		}
		return nil
	}
	if logger != nil {
		logger.Info("api enabled", "addr", current.Addr)
	}
	httpServer := &http.Server{
		Addr:              current.Addr,
		Handler:           NewHandler(cfg, deps, logger, version, os.Stdout),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		<-ctx.Done()
		ctxShutdown, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = httpServer.Shutdown(ctxShutdown)
	}()
	go func() {
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			if logger != nil {
				logger.Error("api server error", "err", err)
			}
		}
	}()
	return httpServer
}

// NewHandler builds the routed API with CORS, body limits, panic recovery
// and access logging to accessLog.
func NewHandler(cfg *config.Manager, deps Deps, logger *slog.Logger, version string, accessLog io.Writer) http.Handler {
	s := &Server{cfg: cfg, deps: deps, logger: logger, version: version}
	r := mux.NewRouter()
	r.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	r.HandleFunc("/status", s.handleStatus).Methods(http.MethodGet)
	r.HandleFunc("/metrics", s.handleMetrics).Methods(http.MethodGet)
	r.HandleFunc("/metrics/{storeId}", s.handleMetrics).Methods(http.MethodGet)
	r.HandleFunc("/crowd-reports", s.handleSubmit).Methods(http.MethodPost)
	r.HandleFunc("/stores", s.handleStores).Methods(http.MethodGet)
	r.HandleFunc("/stores/nearby", s.handleNearby).Methods(http.MethodGet)
	r.HandleFunc("/stores/{id}", s.handleStore).Methods(http.MethodGet)
	r.HandleFunc("/stores/{id}/crowd", s.handleCrowd).Methods(http.MethodGet)
	r.HandleFunc("/stores/{id}/patterns", s.handlePatterns).Methods(http.MethodGet)
	r.HandleFunc("/stores/{id}/latest-report", s.handleLatestReport).Methods(http.MethodGet)
	r.HandleFunc("/geocode", s.handleGeocode).Methods(http.MethodGet)
	r.HandleFunc("/reports/recent", s.handleRecent).Methods(http.MethodGet)
	r.HandleFunc("/admin/aggregate", s.handleAggregate).Methods(http.MethodPost)
	r.HandleFunc("/admin/sweep", s.handleSweep).Methods(http.MethodPost)
	r.HandleFunc("/admin/clear", s.handleClear).Methods(http.MethodPost)
	r.HandleFunc("/admin/restart", s.handleRestart).Methods(http.MethodPost)
	r.NotFoundHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		WriteProblem(w, http.StatusNotFound, "not found", "no route for "+r.URL.Path, nil)
	})
	r.MethodNotAllowedHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		WriteProblem(w, http.StatusMethodNotAllowed, "method not allowed", r.Method+" is not supported on "+r.URL.Path, nil)
	})

	apiCfg := cfg.Get().API
	var h http.Handler = r
	h = BodyLimit(apiCfg.MaxBodyBytes)(h)
	if len(apiCfg.CORSOrigins) > 0 {
		h = handlers.CORS(
			handlers.AllowedOrigins(apiCfg.CORSOrigins),
			handlers.AllowedMethods([]string{http.MethodGet, http.MethodPost, http.MethodOptions}),
			handlers.AllowedHeaders([]string{"Content-Type"}),
		)(h)
	}
	recoveryOpts := []handlers.RecoveryOption{handlers.PrintRecoveryStack(true)}
	if logger != nil {
		recoveryOpts = append(recoveryOpts, handlers.RecoveryLogger(slog.NewLogLogger(logger.Handler(), slog.LevelError)))
	}
	h = handlers.RecoveryHandler(recoveryOpts...)(h)
	if accessLog != nil {
		h = handlers.CombinedLoggingHandler(accessLog, h)
	}
	return h
}

// BodyLimit limits request bodies to maxBytes.
func BodyLimit(maxBytes int64) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if maxBytes > 0 && r.Body != nil {
				r.Body = http.MaxBytesReader(w, r.Body, maxBytes)
			}
			next.ServeHTTP(w, r)
		})
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok"})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	cfg := s.cfg.Get()
	resp := statusResponse{
		Status:     "ok",
		Time:       time.Now().UTC().Format(time.RFC3339Nano),
		Version:    s.version,
		Uptime:     time.Since(s.deps.Engine.Started()).Round(time.Second).String(),
		ConfigPath: s.cfg.Path(),
		Timezone:   cfg.Timezone,
		Storage:    cfg.Storage.Driver,
		Ingest: ingestStatus{
			REST:  cfg.API.Enabled,
			Kafka: cfg.Ingest.Kafka.Enabled,
			MQTT:  cfg.Ingest.MQTT.Enabled,
		},
		API: apiStatus{Enabled: cfg.API.Enabled, Addr: cfg.API.Addr},
		Maintenance: maintenanceStatus{
			Enabled:  cfg.Maintenance.Enabled,
			Interval: cfg.Maintenance.Interval.String(),
		},
		Geocode: geocodeStatus{Enabled: s.deps.Geocoder != nil},
	}
	if s.deps.Directory != nil {
		resp.Stores = s.deps.Directory.Len()
	}
	if s.deps.Feed != nil {
		resp.FeedSize = s.deps.Feed.Len()
	}
	if sized, ok := s.deps.Geocoder.(interface{ CacheSize() int }); ok {
		resp.Geocode.CacheSize = sized.CacheSize()
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	if s.deps.Metrics == nil {
		WriteProblem(w, http.StatusServiceUnavailable, "metrics disabled", "", nil)
		return
	}
	if storeID := mux.Vars(r)["storeId"]; storeID != "" {
		activity, ok := s.deps.Metrics.Get(storeID)
		if !ok {
			WriteProblem(w, http.StatusNotFound, "not found", "no reports seen for "+storeID, nil)
			return
		}
		writeJSON(w, http.StatusOK, activity)
		return
	}
	writeJSON(w, http.StatusOK, s.deps.Metrics.Snapshot())
}

func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	var sub model.Submission
	dec := json.NewDecoder(r.Body)
	if err := dec.Decode(&sub); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, s.logger, err)
			return
		}
		WriteProblem(w, http.StatusBadRequest, "invalid json", err.Error(), nil)
		return
	}
	if sub.ClientID == "" {
		sub.ClientID = strings.TrimSpace(r.Header.Get("X-Client-ID"))
	}
	report, err := s.deps.Engine.Submit(r.Context(), sub, restChannel)
	if err != nil {
		writeError(w, s.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"success": true,
		"report":  report,
		"message": "Crowd report submitted",
	})
}

func (s *Server) handleStore(w http.ResponseWriter, r *http.Request) {
	store, err := s.lookupStore(mux.Vars(r)["id"])
	if err != nil {
		writeError(w, s.logger, err)
		return
	}
	view, err := s.view(r.Context(), store, nil)
	if err != nil {
		writeError(w, s.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

func (s *Server) handleStores(w http.ResponseWriter, r *http.Request) {
	stores := []model.Store{}
	if s.deps.Directory != nil {
		stores = s.deps.Directory.All()
	}
	writeJSON(w, http.StatusOK, map[string]any{"stores": stores, "count": len(stores)})
}

func (s *Server) handlePatterns(w http.ResponseWriter, r *http.Request) {
	store, err := s.lookupStore(mux.Vars(r)["id"])
	if err != nil {
		writeError(w, s.logger, err)
		return
	}
	patterns, err := s.deps.Engine.Patterns(r.Context(), store.ID)
	if err != nil {
		writeError(w, s.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"storeId": store.ID, "patterns": patterns, "count": len(patterns)})
}

func (s *Server) handleLatestReport(w http.ResponseWriter, r *http.Request) {
	store, err := s.lookupStore(mux.Vars(r)["id"])
	if err != nil {
		writeError(w, s.logger, err)
		return
	}
	report, ok, err := s.deps.Engine.LatestReport(r.Context(), store.ID)
	if err != nil {
		writeError(w, s.logger, err)
		return
	}
	if !ok {
		WriteProblem(w, http.StatusNotFound, "not found", "no recent report for "+store.ID, nil)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

func (s *Server) handleCrowd(w http.ResponseWriter, r *http.Request) {
	store, err := s.lookupStore(mux.Vars(r)["id"])
	if err != nil {
		writeError(w, s.logger, err)
		return
	}
	data, err := s.deps.Engine.Resolve(r.Context(), store.ID)
	if err != nil {
		writeError(w, s.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, data)
}

func (s *Server) handleNearby(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	lat, errLat := strconv.ParseFloat(strings.TrimSpace(q.Get("lat")), 64)
	lng, errLng := strconv.ParseFloat(strings.TrimSpace(q.Get("lng")), 64)
	errs := map[string][]string{}
	if errLat != nil || !finite(lat) || lat < -90 || lat > 90 {
		errs["lat"] = []string{"lat must be a number between -90 and 90"}
	}
	if errLng != nil || !finite(lng) || lng < -180 || lng > 180 {
		errs["lng"] = []string{"lng must be a number between -180 and 180"}
	}
	radius := s.cfg.Get().Directory.DefaultRadiusKm
	if v := strings.TrimSpace(q.Get("radius")); v != "" {
		n, err := strconv.ParseFloat(v, 64)
		if err != nil || !finite(n) || n <= 0 {
			errs["radius"] = []string{"radius must be a positive number of kilometres"}
		}
		radius = n
	}
	if len(errs) > 0 {
		WriteProblem(w, http.StatusBadRequest, "invalid parameters", "lat and lng are required", errs)
		return
	}
	if s.deps.Directory == nil {
		writeJSON(w, http.StatusOK, map[string]any{"stores": []storeView{}, "count": 0})
		return
	}
	found := s.deps.Directory.Nearby(lat, lng, radius)
	views := make([]storeView, 0, len(found))
	for _, n := range found {
		dist := n.DistanceKm
		view, err := s.view(r.Context(), n.Store, &dist)
		if err != nil {
			writeError(w, s.logger, err)
			return
		}
		views = append(views, view)
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"stores":   views,
		"count":    len(views),
		"radiusKm": radius,
	})
}

func finite(f float64) bool {
	return !math.IsNaN(f) && !math.IsInf(f, 0)
}

func (s *Server) handleGeocode(w http.ResponseWriter, r *http.Request) {
	address := strings.TrimSpace(r.URL.Query().Get("address"))
	if address == "" {
		WriteProblem(w, http.StatusBadRequest, "invalid parameters", "address is required", map[string][]string{"address": {"required"}})
		return
	}
	if s.deps.Geocoder == nil {
		WriteProblem(w, http.StatusServiceUnavailable, "geocoding disabled", "please retry later", nil)
		return
	}
	res, err := s.deps.Geocoder.Geocode(r.Context(), address)
	if err != nil {
		writeError(w, s.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleRecent(w http.ResponseWriter, r *http.Request) {
	limit := 0
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			limit = n
		}
	}
	var list []model.CrowdReport
	if sinceStr := r.URL.Query().Get("since"); sinceStr != "" {
		ts, err := time.Parse(time.RFC3339, sinceStr)
		if err != nil {
			WriteProblem(w, http.StatusBadRequest, "invalid parameters", "since must be RFC3339", nil)
			return
		}
		list = s.deps.Feed.Since(ts)
	} else {
		list = s.deps.Feed.List(limit)
	}
	if storeID := r.URL.Query().Get("storeId"); storeID != "" {
		filtered := list[:0]
		for _, rep := range list {
			if rep.StoreID == storeID {
				filtered = append(filtered, rep)
			}
		}
		list = filtered
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"reports": list,
		"count":   len(list),
	})
}

func (s *Server) handleAggregate(w http.ResponseWriter, r *http.Request) {
	n, err := s.deps.Engine.Aggregate(r.Context())
	if err != nil {
		writeError(w, s.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "patterns": n})
}

func (s *Server) handleSweep(w http.ResponseWriter, r *http.Request) {
	n, err := s.deps.Engine.Sweep(r.Context())
	if err != nil {
		writeError(w, s.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "removed": n})
}

func (s *Server) handleClear(w http.ResponseWriter, r *http.Request) {
	body, _ := io.ReadAll(r.Body)
	var req struct {
		Target string `json:"target"`
	}
	_ = json.Unmarshal(body, &req)
	target := strings.ToLower(strings.TrimSpace(req.Target))
	if target == "" {
		target = "all"
	}
	switch target {
	case "all":
		if s.deps.Metrics != nil {
			s.deps.Metrics.Clear()
		}
		if s.deps.Feed != nil {
			s.deps.Feed.Clear()
		}
	case "feed", "reports":
		if s.deps.Feed != nil {
			s.deps.Feed.Clear()
		}
	case "metrics":
		if s.deps.Metrics != nil {
			s.deps.Metrics.Clear()
		}
	default:
		WriteProblem(w, http.StatusBadRequest, "invalid target", "target must be all, feed or metrics", nil)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok"})
}

func (s *Server) handleRestart(w http.ResponseWriter, r *http.Request) {
	s.deps.Engine.Reset()
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok"})
}

func (s *Server) lookupStore(id string) (model.Store, error) {
	if s.deps.Directory == nil {
		return model.Store{}, model.ErrNotFound
	}
	return s.deps.Directory.ByID(id)
}

func (s *Server) view(ctx context.Context, store model.Store, dist *float64) (storeView, error) {
	data, err := s.deps.Engine.Resolve(ctx, store.ID)
	if err != nil {
		return storeView{}, err
	}
	local := s.deps.Engine.Now().In(s.deps.Engine.Location())
	return storeView{
		Store:      store,
		DistanceKm: dist,
		CrowdData:  data,
		IsOpen:     directory.IsOpen(store.OpeningHours, local),
		TodayHours: directory.TodayHours(store.OpeningHours, local),
	}, nil
}
