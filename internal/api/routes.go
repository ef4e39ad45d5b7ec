package api

import (
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"knowhow/internal/event"
	"knowhow/internal/logging"
	"knowhow/internal/render"
	"knowhow/internal/watcher"
)

const assetsPrefix = "/_knowhow/"

type RouterConfig struct {
	Lifecycle      *watcher.Lifecycle
	Registry       *watcher.Registry
	ChangeBus      *event.Bus[watcher.ChangeEvent]
	Renderer       *render.Renderer
	Gatherer       prometheus.Gatherer
	Logger         *logging.Logger
	AllowedOrigins []string
	SendBuffer     int
	PongWait       time.Duration
	Started        time.Time
}

// NewRouter wires every HTTP and websocket route. Anything not matched by an
// explicit route is looked up below the document root.
func NewRouter(config RouterConfig) *mux.Router {
	logger := config.Logger
	gatherer := config.Gatherer
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	status := &StatusHandler{
		Registry: config.Registry,
		Changes:  config.ChangeBus,
		Logger:   logger,
		Started:  config.Started,
	}

	router := mux.NewRouter()
	router.Use(func(next http.Handler) http.Handler {
		return loggingMiddleware(logger, next)
	})

	router.Handle(watchRoute, securityHeadersMiddleware(cacheControlNoStore, &WatchHandler{
		Lifecycle:      config.Lifecycle,
		Logger:         logger,
		AllowedOrigins: config.AllowedOrigins,
		SendBuffer:     config.SendBuffer,
		PongWait:       config.PongWait,
	}))
	router.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	router.Handle("/healthz", restHandler(status.handleHealth))
	router.Handle("/api/logs", restHandler(status.handleLogs))
	router.Handle("/api/version", restHandler(status.handleVersion))
	router.PathPrefix("/api/").Handler(restHandler(func(http.ResponseWriter, *http.Request) *apiError {
		return &apiError{Status: http.StatusNotFound, Message: "not found"}
	}))
	router.PathPrefix(assetsPrefix).Handler(http.StripPrefix(assetsPrefix,
		securityHeadersMiddleware(cacheControlNoCache, http.FileServer(http.FS(render.Assets())))))

	if config.Renderer != nil {
		router.PathPrefix("/").Handler(NewDocumentHandler(config.Renderer, logger))
	}
	return router
}
