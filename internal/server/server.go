// Package server provides the HTTP API.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/bryan-buckman/showtracker/internal/database"
	"github.com/bryan-buckman/showtracker/internal/feed"
	"github.com/bryan-buckman/showtracker/internal/listing"
	"github.com/bryan-buckman/showtracker/internal/logx"
	"github.com/bryan-buckman/showtracker/internal/match"
	"github.com/bryan-buckman/showtracker/internal/model"
	"github.com/bryan-buckman/showtracker/internal/notify"
	"github.com/bryan-buckman/showtracker/internal/tracker"
)

// Options configures a Server.
type Options struct {
	Addr     string
	Tracker  *tracker.Tracker
	Store    database.Store
	Catalog  Catalog
	Matcher  *match.Matcher // nil uses match.DefaultThreshold
	BaseURL  string         // provider base URL for links
	Renderer *notify.Renderer
	Log      logx.Logger
}

// Server is the HTTP API server.
type Server struct {
	tracker  *tracker.Tracker
	store    database.Store
	catalog  Catalog
	matcher  match.Matcher
	baseURL  string
	renderer *notify.Renderer
	log      logx.Logger
	router   chi.Router
	http     *http.Server
}

// New creates a new server.
func New(opts Options) *Server {
	log := opts.Log
	if log.IsZero() {
		log = logx.Nop()
	}
	renderer := opts.Renderer
	if renderer == nil {
		renderer = notify.NewRenderer()
	}
	matcher := match.New(match.DefaultThreshold)
	if opts.Matcher != nil {
		matcher = *opts.Matcher
	}
	s := &Server{
		tracker:  opts.Tracker,
		store:    opts.Store,
		catalog:  opts.Catalog,
		matcher:  matcher,
		baseURL:  opts.BaseURL,
		renderer: renderer,
		log:      log.With(logx.String("comp", "http")),
	}
	s.setupRoutes()
	s.http = &http.Server{
		Addr:              opts.Addr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

func (s *Server) setupRoutes() {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.requestLogger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Compress(5))

	r.Get("/health", s.handleHealth)

	r.Route("/api/v1", func(r chi.Router) {
		r.Route("/subscriptions", func(r chi.Router) {
			r.Post("/", s.handleCreateSubscription)
			r.Get("/", s.handleListSubscriptions)
			r.Get("/{id}", s.handleGetSubscription)
			r.Delete("/{id}", s.handleCancelSubscription)
		})
		r.Post("/targets/parse", s.handleParseTarget)
		r.Post("/targets/test-fetch", s.handleTestFetch)
		r.Get("/targets/{code}/{date}/movies", s.handleTargetMovies)
		r.Get("/movies/search", s.handleSearchMovies)
		r.Get("/theaters/search", s.handleSearchTheaters)
		r.Route("/owners/{owner}", func(r chi.Router) {
			r.Get("/notifications", s.handleNotifications)
			r.Get("/feed.xml", s.handleFeed)
			r.Get("/subscriptions.opml", s.handleExportOPML)
			r.Post("/subscriptions.opml", s.handleImportOPML)
		})
	})

	s.router = r
}

// Handler returns the root handler.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start serves on Options.Addr until Shutdown is called.
func (s *Server) Start() error {
	s.log.Info("server starting", logx.String("addr", s.http.Addr))
	if err := s.http.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown stops accepting requests and waits for in-flight ones.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.http.Shutdown(ctx)
}

func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		s.log.Debug("request",
			logx.String("method", r.Method), logx.String("path", r.URL.Path),
			logx.Int("status", ww.Status()), logx.Int("bytes", ww.BytesWritten()),
			logx.Duration("took", time.Since(start)), logx.String("req_id", middleware.GetReqID(r.Context())))
	})
}

// --- Handlers ---

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":   "ok",
		"database": s.store.DatabaseType(),
	})
}

func (s *Server) handleCreateSubscription(w http.ResponseWriter, r *http.Request) {
	var req tracker.CreateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	id, err := s.tracker.Create(r.Context(), req)
	if err != nil {
		s.writeTrackerError(w, "create subscription", err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]interface{}{
		"id":     id,
		"status": model.StatusActive,
	})
}

func (s *Server) handleListSubscriptions(w http.ResponseWriter, r *http.Request) {
	owner := strings.TrimSpace(r.URL.Query().Get("owner"))
	if owner == "" {
		writeError(w, http.StatusBadRequest, "owner is required")
		return
	}
	subs, err := s.tracker.ListByOwner(r.Context(), owner)
	if err != nil {
		s.writeTrackerError(w, "list subscriptions", err)
		return
	}
	views := make([]subscriptionView, 0, len(subs))
	for _, sub := range subs {
		views = append(views, s.view(sub))
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"subscriptions": views,
		"total":         len(views),
	})
}

func (s *Server) handleGetSubscription(w http.ResponseWriter, r *http.Request) {
	sub, err := s.tracker.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeTrackerError(w, "get subscription", err)
		return
	}
	writeJSON(w, http.StatusOK, s.view(*sub))
}

func (s *Server) handleCancelSubscription(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := s.tracker.Cancel(r.Context(), id); err != nil {
		s.writeTrackerError(w, "cancel subscription", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"id":     id,
		"status": model.StatusCancelled,
	})
}

type urlRequest struct {
	URL string `json:"url"`
}

func (s *Server) handleParseTarget(w http.ResponseWriter, r *http.Request) {
	var req urlRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	p, err := s.tracker.Preview(req.URL)
	if err != nil {
		s.writeTrackerError(w, "parse target", err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

func (s *Server) handleTestFetch(w http.ResponseWriter, r *http.Request) {
	var req urlRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Minute)
	defer cancel()

	snap, err := s.tracker.TestFetch(ctx, req.URL)
	var fe *listing.FetchError
	switch {
	case err == nil:
	case errors.As(err, &fe), errors.Is(err, listing.ErrNoListing):
		s.log.Warn("test fetch failed", logx.String("url", req.URL), logx.Err(err))
		writeError(w, http.StatusBadGateway, err.Error())
		return
	default:
		s.writeTrackerError(w, "test fetch", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"target":     snap.Target.Key(),
		"movies":     snap.Movies,
		"count":      len(snap.Movies),
		"fetched_at": snap.FetchedAt,
	})
}

func (s *Server) handleNotifications(w http.ResponseWriter, r *http.Request) {
	owner, ok := ownerParam(w, r)
	if !ok {
		return
	}
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	ns, err := s.tracker.Notifications(r.Context(), owner, limit)
	if err != nil {
		s.writeTrackerError(w, "list notifications", err)
		return
	}
	views := make([]notificationView, 0, len(ns))
	for _, n := range ns {
		views = append(views, notificationView{
			ID:             n.ID,
			SubscriptionID: n.SubscriptionID,
			Kind:           n.Kind,
			Trigger:        n.Trigger,
			Status:         n.DeliveryStatus,
			LastError:      n.LastError,
			Payload:        n.Payload,
			CreatedAt:      n.CreatedAt,
			SentAt:         n.SentAt,
		})
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"notifications": views,
		"total":         len(views),
	})
}

func (s *Server) handleFeed(w http.ResponseWriter, r *http.Request) {
	owner, ok := ownerParam(w, r)
	if !ok {
		return
	}
	ns, err := s.tracker.Notifications(r.Context(), owner, 100)
	if err != nil {
		s.writeTrackerError(w, "feed", err)
		return
	}
	data, err := feed.Notifications(owner, s.baseURL, ns, s.renderer)
	if err != nil {
		s.log.Error("render feed", logx.String("owner", owner), logx.Err(err))
		writeError(w, http.StatusInternalServerError, "failed to render feed")
		return
	}
	w.Header().Set("Content-Type", "application/rss+xml; charset=utf-8")
	w.Write(data)
}

func (s *Server) handleExportOPML(w http.ResponseWriter, r *http.Request) {
	owner, ok := ownerParam(w, r)
	if !ok {
		return
	}
	subs, err := s.tracker.ListByOwner(r.Context(), owner)
	if err != nil {
		s.writeTrackerError(w, "export opml", err)
		return
	}
	data, err := feed.Subscriptions("Showtracker subscriptions for "+owner, s.baseURL, subs)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to export")
		return
	}
	w.Header().Set("Content-Type", "application/xml")
	w.Header().Set("Content-Disposition", "attachment; filename=showtracker-subscriptions.opml")
	w.Write(data)
}

// handleImportOPML re-creates the ACTIVE entries of an OPML export for the
// owner. Entries that fail (past dates, duplicates) are counted and skipped.
func (s *Server) handleImportOPML(w http.ResponseWriter, r *http.Request) {
	owner, ok := ownerParam(w, r)
	if !ok {
		return
	}
	file, _, err := r.FormFile("opml")
	if err != nil {
		writeError(w, http.StatusBadRequest, "no file provided")
		return
	}
	defer file.Close()

	entries, err := feed.Parse(file)
	if err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("failed to parse OPML: %v", err))
		return
	}

	imported, skipped := 0, 0
	for _, e := range entries {
		if e.Status != "" && e.Status != string(model.StatusActive) {
			skipped++
			continue
		}
		_, err := s.tracker.Create(r.Context(), tracker.CreateRequest{
			URL:                 e.URL,
			MovieName:           e.Movie,
			OwnerContact:        owner,
			NotifyOnNewMovie:    e.NotifyOnNewMovie,
			NotifyOnNewShowtime: e.NotifyOnNewShowtime,
		})
		if err != nil {
			s.log.Info("skip opml entry", logx.String("url", e.URL), logx.String("movie", e.Movie), logx.Err(err))
			skipped++
			continue
		}
		imported++
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":   "ok",
		"imported": imported,
		"skipped":  skipped,
		"total":    len(entries),
	})
}

// --- Helpers ---

type subscriptionView struct {
	ID                  string          `json:"id"`
	URL                 string          `json:"url"`
	City                string          `json:"city"`
	TheaterCode         string          `json:"theater_code"`
	TheaterName         string          `json:"theater_name"`
	Date                string          `json:"date"`
	FormattedDate       string          `json:"formatted_date"`
	MovieName           string          `json:"movie_name"`
	OwnerContact        string          `json:"owner_contact"`
	NotifyOnNewMovie    bool            `json:"notify_on_new_movie"`
	NotifyOnNewShowtime bool            `json:"notify_on_new_showtime"`
	Status              string          `json:"status"`
	LastKnownMatch      *model.MatchRef `json:"last_known_match,omitempty"`
	CreatedAt           time.Time       `json:"created_at"`
	DeactivatedAt       *time.Time      `json:"deactivated_at,omitempty"`
	DeactivatedReason   string          `json:"deactivated_reason,omitempty"`
}

func (s *Server) view(sub model.Subscription) subscriptionView {
	return subscriptionView{
		ID:                  sub.ID,
		URL:                 sub.Target.URL(s.baseURL),
		City:                sub.Target.City,
		TheaterCode:         sub.Target.TheaterCode,
		TheaterName:         sub.Target.DisplayName(),
		Date:                sub.Target.DateString(),
		FormattedDate:       sub.Target.FormattedDate(),
		MovieName:           sub.MovieName,
		OwnerContact:        sub.OwnerContact,
		NotifyOnNewMovie:    sub.NotifyOnNewMovie,
		NotifyOnNewShowtime: sub.NotifyOnNewShowtime,
		Status:              string(sub.Status),
		LastKnownMatch:      sub.LastKnownMatch,
		CreatedAt:           sub.CreatedAt,
		DeactivatedAt:       sub.DeactivatedAt,
		DeactivatedReason:   sub.DeactivatedReason,
	}
}

type notificationView struct {
	ID             string                 `json:"id"`
	SubscriptionID string                 `json:"subscription_id"`
	Kind           model.NotificationKind `json:"kind"`
	Trigger        model.Trigger          `json:"trigger"`
	Status         model.DeliveryStatus   `json:"status"`
	LastError      string                 `json:"last_error,omitempty"`
	Payload        model.Payload          `json:"payload"`
	CreatedAt      time.Time              `json:"created_at"`
	SentAt         *time.Time             `json:"sent_at,omitempty"`
}

// ownerParam reads the owner path segment, which may arrive escaped
// ("user%40example.com").
func ownerParam(w http.ResponseWriter, r *http.Request) (string, bool) {
	owner, err := url.PathUnescape(chi.URLParam(r, "owner"))
	if err != nil || strings.TrimSpace(owner) == "" {
		writeError(w, http.StatusBadRequest, "invalid owner")
		return "", false
	}
	return owner, true
}

func (s *Server) writeTrackerError(w http.ResponseWriter, op string, err error) {
	switch {
	case tracker.IsUserError(err):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, tracker.ErrNotFound):
		writeError(w, http.StatusNotFound, "subscription not found")
	case errors.Is(err, tracker.ErrDuplicate):
		writeError(w, http.StatusConflict, "an active subscription for this movie and listing already exists")
	case errors.Is(err, tracker.ErrNotActive):
		writeError(w, http.StatusConflict, "subscription is not active")
	default:
		s.log.Error(op, logx.Err(err))
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]interface{}{"error": msg})
}
