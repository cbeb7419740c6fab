package main

import (
	"crypto/subtle"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/studentstore/freshcache"
	"github.com/studentstore/freshcache/backend"
	"github.com/studentstore/freshcache/internal/events"
	"github.com/studentstore/freshcache/internal/logging"
	"github.com/studentstore/freshcache/internal/ratelimit"
)

// Cache status values sent in the X-Cache header.
const (
	cacheHit   = "HIT"
	cacheStale = "STALE"
	cacheMiss  = "MISS"
)

// routerConfig holds the edge server settings that are not part of the
// Loader configuration.
type routerConfig struct {
	// AdminToken guards /admin. Empty leaves it open.
	AdminToken      string
	CORSOrigins     []string
	InvalidateRate  float64
	InvalidateBurst float64
}

type server struct {
	loader     *freshcache.Loader
	bus        *events.Bus
	adminToken string
}

// newRouter builds the HTTP router.
func newRouter(loader *freshcache.Loader, bus *events.Bus, rc routerConfig) http.Handler {
	s := &server{loader: loader, bus: bus, adminToken: rc.AdminToken}
	limiter := ratelimit.NewStore(rc.InvalidateRate, rc.InvalidateBurst)

	r := chi.NewRouter()
	r.Use(logging.Middleware)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RealIP)
	r.Use(corsMiddleware(rc.CORSOrigins...))

	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/plain")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("OK"))
	})
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/api", func(r chi.Router) {
		r.Get("/products/{id}", s.product)
		r.Get("/products/{id}/reviews", s.reviews)
		r.Get("/categories/{id}/products", s.category)
		r.Get("/users/{id}/wishlist", s.wishlist)
		r.Get("/users/{id}/profile", s.profile)
		r.Get("/users/{id}/recent", s.recent)
		r.Post("/users/{id}/recent/{productID}", s.recordView)
	})

	r.Route("/admin", func(r chi.Router) {
		r.Use(s.adminAuth)
		r.With(ratelimit.Middleware(limiter, func(w http.ResponseWriter, _ *http.Request) {
			writeError(w, http.StatusTooManyRequests, "too many change events; slow down")
		})).Post("/invalidate", s.invalidate)
		r.Get("/cache", s.cacheEntries)
	})

	return r
}

func (s *server) product(w http.ResponseWriter, r *http.Request) {
	res, err := s.loader.Product(r.Context(), chi.URLParam(r, "id"))
	s.writeResult(w, r, res, err)
}

func (s *server) reviews(w http.ResponseWriter, r *http.Request) {
	page, sort := listParams(r)
	res, err := s.loader.Reviews(r.Context(), chi.URLParam(r, "id"), page, sort)
	s.writeResult(w, r, res, err)
}

func (s *server) category(w http.ResponseWriter, r *http.Request) {
	page, sort := listParams(r)
	res, err := s.loader.Category(r.Context(), chi.URLParam(r, "id"), page, sort)
	s.writeResult(w, r, res, err)
}

func (s *server) wishlist(w http.ResponseWriter, r *http.Request) {
	res, err := s.loader.Wishlist(r.Context(), chi.URLParam(r, "id"))
	s.writeResult(w, r, res, err)
}

func (s *server) profile(w http.ResponseWriter, r *http.Request) {
	res, err := s.loader.Profile(r.Context(), chi.URLParam(r, "id"))
	s.writeResult(w, r, res, err)
}

func (s *server) recent(w http.ResponseWriter, r *http.Request) {
	writeData(w, http.StatusOK, s.loader.Recent(r.Context(), chi.URLParam(r, "id")))
}

func (s *server) recordView(w http.ResponseWriter, r *http.Request) {
	list := s.loader.RecordView(r.Context(), chi.URLParam(r, "id"), chi.URLParam(r, "productID"))
	writeData(w, http.StatusOK, list)
}

type invalidateRequest struct {
	Subject string                 `json:"subject"`
	Family  string                 `json:"family"`
	Data    map[string]interface{} `json:"data,omitempty"`
}

func (s *server) invalidate(w http.ResponseWriter, r *http.Request) {
	var req invalidateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body: "+err.Error())
		return
	}
	req.Subject = strings.TrimSpace(req.Subject)
	req.Family = strings.TrimSpace(req.Family)
	if req.Subject == "" || req.Family == "" {
		writeError(w, http.StatusBadRequest, "subject and family are required")
		return
	}

	handlers := s.bus.Publish(r.Context(), events.Event{Subject: req.Subject, Family: req.Family, Data: req.Data})
	logging.FromContext(r.Context()).Info("change event published",
		"subject", req.Subject, "family", req.Family, "handlers", handlers)
	writeData(w, http.StatusAccepted, map[string]interface{}{
		"subject":  req.Subject,
		"family":   req.Family,
		"handlers": handlers,
	})
}

type entryView struct {
	Key      string    `json:"key"`
	Family   string    `json:"family"`
	StoredAt time.Time `json:"stored_at"`
	AgeMS    int64     `json:"age_ms"`
	Size     int       `json:"size"`
}

func (s *server) cacheEntries(w http.ResponseWriter, r *http.Request) {
	infos := s.loader.Entries(r.Context(), r.URL.Query().Get("prefix"))
	out := make([]entryView, 0, len(infos))
	for _, info := range infos {
		out = append(out, entryView{
			Key:      info.Key,
			Family:   info.Family,
			StoredAt: info.StoredAt.UTC(),
			AgeMS:    info.Age.Milliseconds(),
			Size:     info.Size,
		})
	}
	writeData(w, http.StatusOK, out)
}

func (s *server) adminAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.adminToken == "" {
			next.ServeHTTP(w, r)
			return
		}
		auth := r.Header.Get("Authorization")
		if !strings.HasPrefix(auth, "Bearer ") {
			writeError(w, http.StatusUnauthorized, "missing or invalid authorization header")
			return
		}
		token := strings.TrimPrefix(auth, "Bearer ")
		if subtle.ConstantTimeCompare([]byte(token), []byte(s.adminToken)) != 1 {
			writeError(w, http.StatusUnauthorized, "invalid admin token")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *server) writeResult(w http.ResponseWriter, r *http.Request, res *freshcache.Result, err error) {
	if err != nil {
		status, msg := errorStatus(err)
		logging.FromContext(r.Context()).Warn("resource load failed", "path", r.URL.Path, "status", status, "error", err)
		w.Header().Set("X-Cache", cacheMiss)
		writeError(w, status, msg)
		return
	}

	switch {
	case res.Source == freshcache.SourceNetwork:
		w.Header().Set("X-Cache", cacheMiss)
	case res.Stale:
		w.Header().Set("X-Cache", cacheStale)
	default:
		w.Header().Set("X-Cache", cacheHit)
	}
	if res.Source == freshcache.SourceCache {
		w.Header().Set("X-Cache-Age", strconv.FormatInt(res.Age.Milliseconds(), 10))
	}
	writeEnvelope(w, http.StatusOK, backend.Envelope{Status: backend.StatusSuccess, Data: res.Payload})
}

// errorStatus maps a load error to the status and message shown to the
// page. Backend errors keep their message so the page can render it next to
// its try-again action.
func errorStatus(err error) (int, string) {
	var apiErr *backend.APIError
	switch {
	case errors.As(err, &apiErr) && apiErr.NotFound():
		return http.StatusNotFound, apiErr.Message
	case errors.As(err, &apiErr):
		return http.StatusBadGateway, apiErr.Message
	case errors.Is(err, freshcache.ErrClosed):
		return http.StatusServiceUnavailable, "server is shutting down"
	default:
		return http.StatusBadGateway, "backend unavailable"
	}
}

func listParams(r *http.Request) (page int, sort string) {
	q := r.URL.Query()
	page, err := strconv.Atoi(q.Get("page"))
	if err != nil || page < 1 {
		page = 1
	}
	return page, q.Get("sort")
}

func writeData(w http.ResponseWriter, status int, data interface{}) {
	raw, err := json.Marshal(data)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeEnvelope(w, status, backend.Envelope{Status: backend.StatusSuccess, Data: raw})
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeEnvelope(w, status, backend.Envelope{Status: backend.StatusError, Message: message})
}

func writeEnvelope(w http.ResponseWriter, status int, env backend.Envelope) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(env)
}
