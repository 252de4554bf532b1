package serv

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-http-utils/headers"
	"github.com/linkhub/linkhub/core"
	"github.com/rs/cors"
	"go.uber.org/zap"
)

const (
	maxAnalyticsDays = 365
	maxBodyBytes     = 1 << 16
)

// apiResponse is the envelope of every JSON response
type apiResponse struct {
	Success bool   `json:"success"`
	Data    any    `json:"data,omitempty"`
	Message string `json:"message,omitempty"`
}

func render(w http.ResponseWriter, status int, res apiResponse) {
	w.Header().Set(headers.ContentType, "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(res) //nolint:errcheck
}

func renderData(w http.ResponseWriter, data any) {
	render(w, http.StatusOK, apiResponse{Success: true, Data: data})
}

func renderError(w http.ResponseWriter, status int, msg string) {
	render(w, status, apiResponse{Success: false, Message: msg})
}

// Router returns the service's HTTP handler
func (s *Service) Router() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(requestLogger(s.zlog))
	r.Use(s.corsHandler().Handler)

	if h := s.tel.handler(); h != nil {
		r.Method(http.MethodGet, "/metrics", h)
	}

	r.Route("/api", func(r chi.Router) {
		r.Get("/health", s.handleHealth)

		r.Group(func(r chi.Router) {
			r.Use(s.rateLimited)
			r.Get("/users/{username}", s.handlePublicProfile)
			r.Post("/links/{id}/click", s.handleLinkClick)
		})

		r.Group(func(r chi.Router) {
			r.Use(s.auth.requireUser)
			r.Get("/analytics", s.handleAnalytics)
			r.Get("/links/{id}/stats", s.handleLinkStats)
		})

		r.Group(func(r chi.Router) {
			r.Use(requireSecret(s.conf.Warmup.Secret))
			r.Get("/warmup", s.handleWarmup)
			r.Post("/warmup", s.handleWarmup)
			r.Post("/cache/invalidate", s.handleInvalidate)
		})
	})

	return r
}

func (s *Service) corsHandler() *cors.Cors {
	return cors.New(cors.Options{
		AllowedOrigins:   s.conf.CORS.AllowedOrigins,
		AllowedMethods:   []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders:   []string{headers.Accept, headers.Authorization, headers.ContentType},
		ExposedHeaders:   []string{headerRateLimit, headerRateRemaining, headerRateReset},
		AllowCredentials: true,
		MaxAge:           300,
	})
}

func requestLogger(log *zap.Logger) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

			next.ServeHTTP(ww, r)

			log.Debug("http request",
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", ww.Status()),
				zap.Int("bytes", ww.BytesWritten()),
				zap.Duration("duration", time.Since(start)),
				zap.String("request_id", middleware.GetReqID(r.Context())))
		})
	}
}

// Rate limit response headers
const (
	headerRateLimit     = "X-RateLimit-Limit"
	headerRateRemaining = "X-RateLimit-Remaining"
	headerRateReset     = "X-RateLimit-Reset"
)

// rateLimited applies the sliding window limiter per client IP
func (s *Service) rateLimited(next http.Handler) http.Handler {
	rl := s.conf.RateLimit
	if !rl.Enable {
		return next
	}

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		res := s.limiter.Check(r.Context(), clientIP(r), rl.Limit, rl.Window)
		reset := strconv.Itoa(int(res.Reset / time.Second))

		h := w.Header()
		h.Set(headerRateLimit, strconv.Itoa(rl.Limit))
		h.Set(headerRateRemaining, strconv.Itoa(res.Remaining))
		h.Set(headerRateReset, reset)

		if !res.Allowed {
			h.Set(headers.RetryAfter, reset)
			renderError(w, http.StatusTooManyRequests, "Too many requests")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// clientIP returns the caller's address with the port stripped. RealIP has
// already applied X-Forwarded-For and X-Real-IP.
func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func (s *Service) handleHealth(w http.ResponseWriter, r *http.Request) {
	m := s.cache.Metrics()

	data := map[string]any{
		"status":         "ok",
		"store":          s.storeKind,
		"warmup_running": s.warmer.Running(),
		"cache":          m.Snapshot(),
		"hit_rate":       m.HitRate(),
	}
	if b, ok := s.store.(*breakerStore); ok {
		data["breaker"] = b.State().String()
	}
	renderData(w, data)
}

func (s *Service) handlePublicProfile(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	username := chi.URLParam(r, "username")

	p, err := core.Fetch(ctx, s.cache, core.ProfileKey(username), s.cache.TTL(core.CategoryProfile),
		func(ctx context.Context) (*core.PublicProfile, error) {
			p, err := s.dir.PublicProfile(ctx, username)
			if err != nil {
				return nil, err
			}
			if p == nil {
				return nil, ErrNotFound
			}
			return p, nil
		})
	if errors.Is(err, ErrNotFound) {
		renderError(w, http.StatusNotFound, "User not found")
		return
	}
	if err != nil {
		s.log.Errorf("fetching public profile %s: %s", username, err)
		renderError(w, http.StatusInternalServerError, "Failed to fetch public profile")
		return
	}

	if err := s.dir.RecordProfileView(ctx, p.User.ID, r.Referer(), r.UserAgent()); err != nil {
		s.log.Warnf("recording profile view for %s: %s", username, err)
	}

	out := *p
	out.User.ID = ""
	renderData(w, out)
}

type clickRequest struct {
	Referrer  string `json:"referrer"`
	UserAgent string `json:"userAgent"`
}

func (s *Service) handleLinkClick(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	linkID := chi.URLParam(r, "id")

	req := clickRequest{Referrer: r.Referer(), UserAgent: r.UserAgent()}
	if err := decodeBody(r, &req); err != nil {
		renderError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	owner, err := s.dir.RecordLinkClick(ctx, linkID, req.Referrer, req.UserAgent)
	if errors.Is(err, ErrNotFound) {
		renderError(w, http.StatusNotFound, "Link not found")
		return
	}
	if err != nil {
		s.log.Errorf("recording click on link %s: %s", linkID, err)
		renderError(w, http.StatusInternalServerError, "Failed to record click")
		return
	}

	s.cache.InvalidateLinkStats(ctx, linkID)
	s.cache.InvalidateStats(ctx, owner)

	render(w, http.StatusOK, apiResponse{Success: true, Message: "Click recorded"})
}

func (s *Service) handleAnalytics(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	user, _ := userFromContext(ctx)

	days := queryInt(r, "days", defaultAnalyticsDays)
	if days <= 0 || days > maxAnalyticsDays {
		renderError(w, http.StatusBadRequest, fmt.Sprintf("days must be between 1 and %d", maxAnalyticsDays))
		return
	}

	stats, err := core.Fetch(ctx, s.cache, core.StatsKey(user.UserID, days), s.cache.TTL(core.CategoryStats),
		func(ctx context.Context) (*core.Stats, error) {
			return s.dir.UserStats(ctx, user.UserID, days)
		})
	if err != nil {
		s.log.Errorf("fetching analytics for %s: %s", user.UserID, err)
		renderError(w, http.StatusInternalServerError, "Failed to fetch analytics")
		return
	}
	renderData(w, stats)
}

func (s *Service) handleLinkStats(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	user, _ := userFromContext(ctx)
	linkID := chi.URLParam(r, "id")

	ls, err := core.Fetch(ctx, s.cache, core.LinkStatsKey(linkID), s.cache.TTL(core.CategoryLinkStats),
		func(ctx context.Context) (*core.LinkStats, error) {
			return s.dir.LinkStats(ctx, user.UserID, linkID)
		})
	// the cached entry is shared, so ownership is checked on every read
	if errors.Is(err, ErrNotFound) || (err == nil && ls.Link.UserID != user.UserID) {
		renderError(w, http.StatusNotFound, "Link not found")
		return
	}
	if err != nil {
		s.log.Errorf("fetching stats for link %s: %s", linkID, err)
		renderError(w, http.StatusInternalServerError, "Failed to fetch link stats")
		return
	}
	renderData(w, ls)
}

func (s *Service) handleWarmup(w http.ResponseWriter, r *http.Request) {
	limit := queryInt(r, "limit", s.warmer.Config().Limit)
	if limit <= 0 {
		renderError(w, http.StatusBadRequest, "limit must be positive")
		return
	}

	res, err := s.warmer.RunLimit(r.Context(), limit)
	if errors.Is(err, core.ErrWarmupInProgress) {
		renderError(w, http.StatusConflict, "Cache warmup already in progress")
		return
	}
	if err != nil {
		s.log.Errorf("cache warmup: %s", err)
		renderError(w, http.StatusInternalServerError, "Failed to warm up cache")
		return
	}

	render(w, http.StatusOK, apiResponse{
		Success: true,
		Data:    res,
		Message: fmt.Sprintf("Cache warmup completed for top %d profiles", limit),
	})
}

type invalidateRequest struct {
	Key     string      `json:"key"`
	Pattern string      `json:"pattern"`
	User    *userTarget `json:"user"`
}

// userTarget evicts what is cached for one user. LinksOnly keeps the user
// record and analytics.
type userTarget struct {
	ID        string `json:"userId"`
	Username  string `json:"username"`
	LinksOnly bool   `json:"linksOnly"`
}

func (req invalidateRequest) targets() int {
	n := 0
	if req.Key != "" {
		n++
	}
	if req.Pattern != "" {
		n++
	}
	if req.User != nil {
		n++
	}
	return n
}

func (s *Service) handleInvalidate(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req invalidateRequest
	if err := decodeBody(r, &req); err != nil {
		renderError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if req.targets() != 1 {
		renderError(w, http.StatusBadRequest, "Exactly one of key, pattern or user is required")
		return
	}

	switch {
	case req.Key != "":
		s.cache.Invalidate(ctx, req.Key)
		renderData(w, map[string]any{"key": req.Key})

	case req.Pattern != "":
		n := s.cache.InvalidatePattern(ctx, req.Pattern)
		renderData(w, map[string]any{"pattern": req.Pattern, "deleted": n})

	default:
		u := req.User
		if u.ID == "" {
			renderError(w, http.StatusBadRequest, "user.userId is required")
			return
		}
		if u.LinksOnly {
			s.cache.InvalidateLinks(ctx, u.ID, u.Username)
		} else {
			if u.Username == "" {
				renderError(w, http.StatusBadRequest, "user.username is required")
				return
			}
			s.cache.InvalidateProfile(ctx, u.ID, u.Username)
			s.cache.InvalidateStats(ctx, u.ID)
		}
		renderData(w, map[string]any{"userId": u.ID, "linksOnly": u.LinksOnly})
	}
}

// decodeBody decodes an optional JSON body into v. An empty body is not an
// error.
func decodeBody(r *http.Request, v any) error {
	if r.Body == nil {
		return nil
	}
	err := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes)).Decode(v)
	if errors.Is(err, io.EOF) {
		return nil
	}
	return err
}

func queryInt(r *http.Request, name string, def int) int {
	v := r.URL.Query().Get(name)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return -1
	}
	return n
}
