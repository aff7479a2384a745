package api

import (
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/goccy/go-json"
	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/aprovafacil/cachemon"
	"github.com/aprovafacil/cachemon/cache"
	"github.com/aprovafacil/cachemon/config"
	"github.com/aprovafacil/cachemon/graph"
	"github.com/aprovafacil/cachemon/metrics"
	"github.com/aprovafacil/cachemon/utils/array"
)

// CacheAPI provides REST API endpoints for inspecting and tuning cache monitoring
type CacheAPI struct {
	service *cachemon.Service
	logger  *zap.SugaredLogger
}

// NewCacheAPI creates a new cache API instance
func NewCacheAPI(service *cachemon.Service, logger *zap.SugaredLogger) *CacheAPI {
	return &CacheAPI{
		service: service,
		logger:  logger,
	}
}

// RegisterRoutes registers all cache API routes
func (api *CacheAPI) RegisterRoutes(router *mux.Router) {
	// Collected operations
	router.HandleFunc("/cache/metrics", api.GetMetrics).Methods("GET")
	router.HandleFunc("/cache/statistics", api.GetStatistics).Methods("GET")
	router.HandleFunc("/cache/status", api.GetStatus).Methods("GET")

	// Adaptive logging
	router.HandleFunc("/cache/performance", api.GetPerformance).Methods("GET")
	router.HandleFunc("/cache/performance/report", api.ReportProblems).Methods("POST")

	// Key relationships
	router.HandleFunc("/cache/graph", api.GetGraph).Methods("GET")

	// Configuration
	router.HandleFunc("/cache/config", api.GetConfig).Methods("GET")
	router.HandleFunc("/cache/config", api.UpdateConfig).Methods("PUT")

	// Interception
	router.HandleFunc("/cache/monitor/initialize", api.InitializeMonitor).Methods("POST")
	router.HandleFunc("/cache/monitor/restore", api.RestoreMonitor).Methods("POST")

	if exporter := api.service.Exporter(); exporter != nil {
		router.Handle("/metrics", exporter.Handler()).Methods("GET")
	}
}

// Handler returns a router serving every route.
func (api *CacheAPI) Handler() http.Handler {
	router := mux.NewRouter()
	api.RegisterRoutes(router)
	return router
}

// GetMetrics handles GET /cache/metrics
func (api *CacheAPI) GetMetrics(w http.ResponseWriter, r *http.Request) {
	filter, err := parseFilter(r)
	if err != nil {
		api.writeError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}

	records := api.service.Collector().Metrics(filter)
	api.writeJSON(w, http.StatusOK, map[string]interface{}{
		"count":   len(records),
		"records": records,
	})
}

// GetStatistics handles GET /cache/statistics
func (api *CacheAPI) GetStatistics(w http.ResponseWriter, r *http.Request) {
	filter, err := parseFilter(r)
	if err != nil {
		api.writeError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	api.writeJSON(w, http.StatusOK, api.service.Collector().Statistics(filter))
}

// GetStatus handles GET /cache/status
func (api *CacheAPI) GetStatus(w http.ResponseWriter, r *http.Request) {
	collector := api.service.Collector()
	api.writeJSON(w, http.StatusOK, map[string]interface{}{
		"initialized":       api.service.Monitor().Initialized(),
		"collecting":        collector.Running(),
		"buffered_records":  collector.Len(),
		"in_flight":         collector.InFlight(),
		"memory_bytes":      collector.MemoryUsage(),
		"sampling_rate":     collector.EffectiveSamplingRate(),
		"log_level":         api.service.AdaptiveLogger().Level().String(),
		"listener_failures": api.service.Monitor().ListenerErrors(),
	})
}

// GetPerformance handles GET /cache/performance
func (api *CacheAPI) GetPerformance(w http.ResponseWriter, r *http.Request) {
	api.writeJSON(w, http.StatusOK, api.service.AdaptiveLogger().PerformanceStatistics())
}

// ReportProblems handles POST /cache/performance/report
func (api *CacheAPI) ReportProblems(w http.ResponseWriter, r *http.Request) {
	summaries := api.service.AdaptiveLogger().LogProblematicOperations()
	api.writeJSON(w, http.StatusOK, map[string]interface{}{
		"count":      len(summaries),
		"operations": summaries,
	})
}

// GetGraph handles GET /cache/graph
func (api *CacheAPI) GetGraph(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	opts := graph.Options{RootKey: query.Get("root")}

	var err error
	if opts.MaxDepth, err = intParam(query.Get("depth")); err != nil {
		api.writeError(w, http.StatusBadRequest, "invalid_request", "depth must be an integer")
		return
	}
	if opts.MaxNodes, err = intParam(query.Get("max_nodes")); err != nil {
		api.writeError(w, http.StatusBadRequest, "invalid_request", "max_nodes must be an integer")
		return
	}
	if opts.IncludeExpired, err = boolParam(query.Get("include_expired")); err != nil {
		api.writeError(w, http.StatusBadRequest, "invalid_request", "include_expired must be a boolean")
		return
	}
	if opts.IncludeMetadata, err = boolParam(query.Get("include_metadata")); err != nil {
		api.writeError(w, http.StatusBadRequest, "invalid_request", "include_metadata must be a boolean")
		return
	}

	g := api.service.Graph(opts)
	format := query.Get("format")
	if format == "" || format == "json" {
		api.writeJSON(w, http.StatusOK, g)
		return
	}

	body, err := graph.Export(g, graph.Format(format))
	if err != nil {
		api.writeError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	contentType := "text/plain; charset=utf-8"
	if graph.Format(format) == graph.FormatNodeLink {
		contentType = "application/json"
	}
	w.Header().Set("Content-Type", contentType)
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write(body); err != nil {
		api.logger.Errorw("Failed to write graph export", "format", format, "error", err)
	}
}

// GetConfig handles GET /cache/config
func (api *CacheAPI) GetConfig(w http.ResponseWriter, r *http.Request) {
	api.writeJSON(w, http.StatusOK, api.service.Config())
}

// UpdateConfig handles PUT /cache/config
func (api *CacheAPI) UpdateConfig(w http.ResponseWriter, r *http.Request) {
	var partial config.Config
	if err := json.NewDecoder(r.Body).Decode(&partial); err != nil {
		api.writeError(w, http.StatusBadRequest, "invalid_request", "Invalid JSON payload")
		return
	}

	if err := api.service.Configure(partial); err != nil {
		api.logger.Warnw("Rejected cache monitoring configuration", "error", err)
		api.writeError(w, http.StatusBadRequest, "validation_error", err.Error())
		return
	}

	api.logger.Infow("Cache monitoring configuration updated via API")
	api.writeJSON(w, http.StatusOK, api.service.Config())
}

// InitializeMonitor handles POST /cache/monitor/initialize
func (api *CacheAPI) InitializeMonitor(w http.ResponseWriter, r *http.Request) {
	api.service.Initialize()
	api.writeJSON(w, http.StatusOK, map[string]interface{}{
		"initialized": true,
		"timestamp":   time.Now(),
	})
}

// RestoreMonitor handles POST /cache/monitor/restore
func (api *CacheAPI) RestoreMonitor(w http.ResponseWriter, r *http.Request) {
	api.service.Restore()
	api.writeJSON(w, http.StatusOK, map[string]interface{}{
		"initialized": false,
		"timestamp":   time.Now(),
	})
}

func parseFilter(r *http.Request) (metrics.Filter, error) {
	query := r.URL.Query()
	var filter metrics.Filter

	if backend := query.Get("backend"); backend != "" {
		if !array.Contains(cache.Backends, cache.BackendKind(backend)) {
			return filter, fmt.Errorf("unknown backend %q", backend)
		}
		filter.Backend = cache.BackendKind(backend)
	}
	if operation := query.Get("operation"); operation != "" {
		if !array.Contains(cache.Operations, cache.OperationKind(operation)) {
			return filter, fmt.Errorf("unknown operation %q", operation)
		}
		filter.Operation = cache.OperationKind(operation)
	}

	var err error
	if filter.Since, err = timeParam(query.Get("since")); err != nil {
		return filter, fmt.Errorf("since must be an RFC 3339 timestamp")
	}
	if filter.Until, err = timeParam(query.Get("until")); err != nil {
		return filter, fmt.Errorf("until must be an RFC 3339 timestamp")
	}
	if filter.Limit, err = intParam(query.Get("limit")); err != nil {
		return filter, fmt.Errorf("limit must be an integer")
	}
	return filter, nil
}

func intParam(value string) (int, error) {
	if value == "" {
		return 0, nil
	}
	return strconv.Atoi(value)
}

func boolParam(value string) (bool, error) {
	if value == "" {
		return false, nil
	}
	return strconv.ParseBool(value)
}

func timeParam(value string) (time.Time, error) {
	if value == "" {
		return time.Time{}, nil
	}
	return time.Parse(time.RFC3339, value)
}

func (api *CacheAPI) writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	if err := json.NewEncoder(w).Encode(data); err != nil {
		api.logger.Errorw("Failed to encode JSON response", "error", err)
	}
}

func (api *CacheAPI) writeError(w http.ResponseWriter, status int, errorType, message string) {
	errorResponse := map[string]interface{}{
		"error": map[string]interface{}{
			"type":    errorType,
			"message": message,
			"code":    status,
		},
	}

	api.writeJSON(w, status, errorResponse)
}
