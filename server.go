package render

import (
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/rs/xid"
	"github.com/rs/zerolog"
)

// cachedRender is one result-cache entry: enough to re-serve a recent
// identical request without touching a browser.
type cachedRender struct {
	ID          string
	ContentType string
	Image       []byte
}

// Server is the thin HTTP façade over the rendering core.
type Server struct {
	cfg      Config
	log      zerolog.Logger
	renderer Renderer
	store    *ImageStore
	cache    *Cache[cachedRender]
	auth     AuthProvider
	recorder Recorder
	mux      *http.ServeMux
}

// NewServer wires the façade. auth and recorder may be nil; allow-all auth
// and a log-only recorder are used then.
func NewServer(cfg Config, renderer Renderer, store *ImageStore, auth AuthProvider, recorder Recorder, log zerolog.Logger) *Server {
	if auth == nil {
		auth = AllowAllAuth{}
	}
	if recorder == nil {
		recorder = NewLogRecorder(log)
	}
	s := &Server{
		cfg:      cfg,
		log:      log.With().Str("component", "server").Logger(),
		renderer: renderer,
		store:    store,
		cache:    NewCache[cachedRender](cfg.CacheMaxEntries, cfg.CacheMaxBytes, cfg.CacheTTL()),
		auth:     auth,
		recorder: recorder,
	}

	mux := http.NewServeMux()
	mux.HandleFunc("POST /render", s.handleRender)
	mux.HandleFunc("GET /images/{file}", s.handleImage)
	mux.HandleFunc("GET /healthz", s.handleHealthz)
	mux.HandleFunc("GET /readyz", s.handleReadyz)
	mux.HandleFunc("/", s.handleNotFound)
	s.mux = mux
	return s
}

// Handler returns the root handler with request logging attached.
func (s *Server) Handler() http.Handler {
	return s.withRequestLog(s.mux)
}

// statusRecorder captures the response status for the request log.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func (s *Server) withRequestLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		reqID := xid.New().String()
		logger := s.log.With().Str("request_id", reqID).Logger()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}

		next.ServeHTTP(rec, r.WithContext(logger.WithContext(r.Context())))

		logger.Info().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", rec.status).
			Dur("elapsed", time.Since(start)).
			Msg("request")
	})
}

func (s *Server) handleRender(w http.ResponseWriter, r *http.Request) {
	logger := zerolog.Ctx(r.Context())

	auth := s.auth.Check(r.Header.Get("Authorization"))
	if !auth.Authenticated {
		writeJSON(w, auth.Status, Error{Code: auth.Code, Message: auth.Message})
		return
	}

	// Admission control happens before any browser is requested: once the
	// wait queue is full, reject instead of enqueueing.
	if stats := s.renderer.Stats(); stats.QueueLength >= s.cfg.MaxQueueLength {
		writeJSON(w, http.StatusTooManyRequests,
			Error{Code: CodeQueueFull, Message: "render queue is full, retry later"})
		return
	}

	body, err := readBody(w, r, int64(s.cfg.MaxHTMLBytes+s.cfg.MaxCSSBytes)+64*1024)
	if err != nil {
		writeJSON(w, http.StatusBadRequest,
			Error{Code: CodeInvalidBody, Message: "request body unreadable or too large"})
		return
	}

	req, verr := ParseRequest(body, s.cfg.Limits())
	if verr != nil {
		writeJSON(w, http.StatusBadRequest, verr)
		return
	}

	fingerprint := req.Fingerprint()
	if cached, ok := s.cache.Get(fingerprint); ok {
		if served := s.serveCached(w, req, cached); served {
			logger.Debug().Str("image_id", cached.ID).Msg("render served from result cache")
			return
		}
	}

	result, rerr := s.renderer.Render(r.Context(), req)
	if rerr != nil {
		s.record(RenderRecord{
			APIKey:     auth.APIKey,
			Format:     req.Format,
			Width:      req.Width,
			Height:     req.Height,
			FullPage:   req.FullPage,
			ErrorCode:  rerr.Code,
			FinishedAt: time.Now(),
		})
		writeJSON(w, http.StatusInternalServerError, rerr)
		return
	}

	id := s.store.GenerateImageID()
	if err := s.store.Store(id, result.Image, result.ContentType); err != nil {
		logger.Error().Err(err).Msg("storing render result failed")
		writeJSON(w, http.StatusInternalServerError,
			Error{Code: CodeRenderError, Message: "failed to store rendered image"})
		return
	}

	s.cache.Set(fingerprint, cachedRender{
		ID:          id,
		ContentType: result.ContentType,
		Image:       result.Image,
	}, int64(len(result.Image)))

	s.record(RenderRecord{
		ImageID:    id,
		APIKey:     auth.APIKey,
		Format:     req.Format,
		Width:      req.Width,
		Height:     req.Height,
		FullPage:   req.FullPage,
		Succeeded:  true,
		Stats:      result.Stats,
		FinishedAt: time.Now(),
	})

	writeJSON(w, http.StatusOK, map[string]string{
		"id":  id,
		"url": s.imageURL(id, req.Format),
	})
}

// serveCached re-serves a cached render, refreshing the stored row when the
// retention window already expired it.
func (s *Server) serveCached(w http.ResponseWriter, req *Request, cached cachedRender) bool {
	rec, err := s.store.Get(cached.ID)
	if err != nil {
		return false
	}
	if rec == nil {
		if err := s.store.Store(cached.ID, cached.Image, cached.ContentType); err != nil {
			return false
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"id":  cached.ID,
		"url": s.imageURL(cached.ID, req.Format),
	})
	return true
}

func (s *Server) handleImage(w http.ResponseWriter, r *http.Request) {
	file := r.PathValue("file")
	// A trailing extension is cosmetic: /images/abc.png serves image abc.
	if dot := strings.LastIndex(file, "."); dot > 0 {
		file = file[:dot]
	}

	rec, err := s.store.Get(file)
	if err != nil {
		zerolog.Ctx(r.Context()).Error().Err(err).Msg("image lookup failed")
		writeJSON(w, http.StatusInternalServerError,
			Error{Code: CodeRenderError, Message: "image lookup failed"})
		return
	}
	if rec == nil {
		writeJSON(w, http.StatusNotFound,
			Error{Code: CodeNotFound, Message: "unknown or expired image id"})
		return
	}

	w.Header().Set("Content-Type", rec.ContentType)
	w.Header().Set("Cache-Control", "public, max-age=3600")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(rec.Bytes)
}

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleReadyz(w http.ResponseWriter, r *http.Request) {
	stats := s.renderer.Stats()
	if !s.renderer.Ready(r.Context()) {
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{
			"status": "unavailable",
			"pool":   stats,
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status": "ready",
		"pool":   stats,
	})
}

func (s *Server) handleNotFound(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusNotFound, Error{Code: CodeNotFound, Message: "unknown route"})
}

func (s *Server) imageURL(id, format string) string {
	ext := "." + format
	if format == "jpeg" {
		ext = ".jpg"
	}
	return strings.TrimRight(s.cfg.PublicBaseURL, "/") + "/images/" + id + ext
}

// record hands a render outcome to the analytics collaborator without ever
// blocking or failing the response.
func (s *Server) record(rec RenderRecord) {
	go func() {
		defer func() { _ = recover() }()
		s.recorder.Record(rec)
	}()
}

func readBody(w http.ResponseWriter, r *http.Request, limit int64) ([]byte, error) {
	r.Body = http.MaxBytesReader(w, r.Body, limit)
	defer r.Body.Close()
	return io.ReadAll(r.Body)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
