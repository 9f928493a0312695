package web

import (
	"embed"
	"encoding/json"
	"net/http"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/beamcast/beamcast/pkg/config"
	"github.com/beamcast/beamcast/pkg/hls"
	"github.com/beamcast/beamcast/pkg/logging"
	"github.com/beamcast/beamcast/pkg/metrics"
	"github.com/beamcast/beamcast/pkg/signal"
	"github.com/beamcast/beamcast/pkg/stream"
	"github.com/beamcast/beamcast/pkg/viewers"
)

//go:embed static/player.html
var playerHTML embed.FS

// Server is the HTTP surface: signaling and viewer websockets, the stream
// index, the static segment tree and the operational endpoints.
type Server struct {
	cfg      *config.Config
	log      logging.Logger
	relay    *signal.Relay
	viewerWS *viewers.WSServer
	registry *viewers.Registry
	store    stream.StateStore
	metrics  *metrics.Metrics
}

func NewServer(cfg *config.Config, log logging.Logger, relay *signal.Relay, registry *viewers.Registry, store stream.StateStore, m *metrics.Metrics) *Server {
	return &Server{
		cfg:      cfg,
		log:      log,
		relay:    relay,
		viewerWS: viewers.NewWSServer(registry, log),
		registry: registry,
		store:    store,
		metrics:  m,
	}
}

// Router assembles the route tree.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(s.requestLogger)
	r.Use(allowCORS)

	r.Get("/", func(w http.ResponseWriter, req *http.Request) {
		page, err := playerHTML.ReadFile("static/player.html")
		if err != nil {
			http.Error(w, "player unavailable", http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		w.Write(page)
	})
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})
	if s.metrics != nil {
		r.Handle("/metrics", s.metrics.Handler())
	}

	r.Get("/ws/{streamID}", func(w http.ResponseWriter, req *http.Request) {
		s.relay.ServeWS(w, req, chi.URLParam(req, "streamID"))
	})
	r.Get("/viewers/{streamID}", func(w http.ResponseWriter, req *http.Request) {
		s.viewerWS.ServeWS(w, req, chi.URLParam(req, "streamID"))
	})

	r.Get("/streams", s.listStreams)
	r.Get("/streams/{streamID}/status", s.streamStatus)
	r.Handle("/streams/*", http.StripPrefix("/streams/", http.FileServer(http.Dir(s.cfg.OutputDir))))

	return r
}

type apiResponse struct {
	Status string `json:"status"`
	Data   any    `json:"data"`
}

// listStreams enumerates every stream id with a master manifest on disk.
// A missing output directory means no streams yet, not an error.
func (s *Server) listStreams(w http.ResponseWriter, _ *http.Request) {
	streams := []string{}

	entries, err := os.ReadDir(s.cfg.OutputDir)
	if err != nil && !os.IsNotExist(err) {
		s.log.WithError(err).Error("output directory scan failed")
		writeJSON(w, http.StatusInternalServerError, apiResponse{Status: "error", Data: nil})
		return
	}
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		manifest := filepath.Join(s.cfg.OutputDir, entry.Name(), hls.MasterManifestName)
		if _, err := os.Stat(manifest); err != nil {
			continue
		}
		streams = append(streams, "/streams/"+entry.Name()+"/"+hls.MasterManifestName)
	}
	sort.Strings(streams)

	writeJSON(w, http.StatusOK, apiResponse{
		Status: "success",
		Data:   map[string]any{"streams": streams},
	})
}

// streamStatus reports liveness and viewer count for one stream id.
func (s *Server) streamStatus(w http.ResponseWriter, req *http.Request) {
	streamID := signal.NormalizeStreamID(chi.URLParam(req, "streamID"))
	if !signal.ValidateStreamID(streamID) {
		writeJSON(w, http.StatusBadRequest, apiResponse{Status: "error", Data: "invalid stream id"})
		return
	}

	writeJSON(w, http.StatusOK, apiResponse{
		Status: "success",
		Data: map[string]any{
			"stream":  streamID,
			"live":    s.store.IsLive(streamID),
			"viewers": s.registry.Count(streamID),
		},
	})
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}

// requestLogger logs one line per request in the structured format the
// rest of the server uses.
func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, req.ProtoMajor)
		next.ServeHTTP(ww, req)
		s.log.WithFields(logging.Fields{
			"method":   req.Method,
			"path":     req.URL.Path,
			"status":   ww.Status(),
			"bytes":    ww.BytesWritten(),
			"duration": time.Since(start).String(),
		}).Debug("http request")
	})
}

// allowCORS lets players on other origins fetch manifests and segments.
func allowCORS(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, OPTIONS")
		if req.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, req)
	})
}
