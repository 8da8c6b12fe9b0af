package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/mmcdole/gofeed"

	"github.com/bryan-buckman/showtracker/internal/database"
	"github.com/bryan-buckman/showtracker/internal/listing"
	"github.com/bryan-buckman/showtracker/internal/logx"
	"github.com/bryan-buckman/showtracker/internal/match"
	"github.com/bryan-buckman/showtracker/internal/model"
	"github.com/bryan-buckman/showtracker/internal/scheduler"
	"github.com/bryan-buckman/showtracker/internal/tracker"
)

type fakeFetcher struct {
	mu     sync.Mutex
	movies []model.Movie
	err    error
}

func (f *fakeFetcher) Fetch(ctx context.Context, t model.Target) (*model.Snapshot, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	return &model.Snapshot{Target: t, Movies: append([]model.Movie(nil), f.movies...), FetchedAt: time.Now().UTC()}, nil
}

type testEnv struct {
	srv     *httptest.Server
	tracker *tracker.Tracker
	fetcher *fakeFetcher
	cache   *scheduler.SnapshotCache
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	db, err := database.New(filepath.Join(t.TempDir(), "server.db"))
	if err != nil {
		t.Fatalf("database.New: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })

	f := &fakeFetcher{}
	cache := scheduler.NewSnapshotCache(db, logx.Nop())
	tr := tracker.New(tracker.Options{
		Store:   db,
		Fetcher: f,
		Cache:   cache,
		Locker:  scheduler.NewMemoryLocker(),
		Matcher: match.New(match.DefaultThreshold),
		BaseURL: "https://in.bookmyshow.com",
	})
	s := New(Options{Tracker: tr, Store: db, Catalog: cache, BaseURL: "https://in.bookmyshow.com"})
	srv := httptest.NewServer(s.Handler())
	t.Cleanup(srv.Close)
	return &testEnv{srv: srv, tracker: tr, fetcher: f, cache: cache}
}

func listingURL(days int) string {
	day := time.Now().UTC().AddDate(0, 0, days).Format(model.DateLayout)
	return "https://in.bookmyshow.com/cinemas/hyderabad/prasads-multiplex-hyderabad/buytickets/PRHN/" + day
}

func (e *testEnv) do(t *testing.T, method, path string, body interface{}) (int, map[string]interface{}) {
	t.Helper()
	var rd io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			t.Fatal(err)
		}
		rd = bytes.NewReader(b)
	}
	req, err := http.NewRequest(method, e.srv.URL+path, rd)
	if err != nil {
		t.Fatal(err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := e.srv.Client().Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	defer resp.Body.Close()
	var out map[string]interface{}
	_ = json.NewDecoder(resp.Body).Decode(&out)
	return resp.StatusCode, out
}

func (e *testEnv) create(t *testing.T, owner, movie string) string {
	t.Helper()
	code, out := e.do(t, http.MethodPost, "/api/v1/subscriptions", map[string]interface{}{
		"url": listingURL(2), "movie_name": movie, "owner_contact": owner,
		"notify_on_new_movie": true, "notify_on_new_showtime": true,
	})
	if code != http.StatusCreated {
		t.Fatalf("create status = %d, body %v", code, out)
	}
	return out["id"].(string)
}

func TestHealth(t *testing.T) {
	e := newTestEnv(t)
	code, out := e.do(t, http.MethodGet, "/health", nil)
	if code != http.StatusOK || out["status"] != "ok" || out["database"] != "SQLite" {
		t.Fatalf("health = %d %v", code, out)
	}
}

func TestSubscriptionEndpoints(t *testing.T) {
	e := newTestEnv(t)
	id := e.create(t, "user@example.com", "They Call Him OG")

	tests := []struct {
		name   string
		method string
		path   string
		body   interface{}
		want   int
	}{
		{"duplicate", http.MethodPost, "/api/v1/subscriptions", map[string]interface{}{
			"url": listingURL(2), "movie_name": "they call him og", "owner_contact": "user@example.com",
		}, http.StatusConflict},
		{"malformed url", http.MethodPost, "/api/v1/subscriptions", map[string]interface{}{
			"url": "https://in.bookmyshow.com/movies/og", "movie_name": "OG", "owner_contact": "user@example.com",
		}, http.StatusBadRequest},
		{"invalid date", http.MethodPost, "/api/v1/subscriptions", map[string]interface{}{
			"url": "https://in.bookmyshow.com/cinemas/hyderabad/x/buytickets/PRHN/20251399", "movie_name": "OG", "owner_contact": "user@example.com",
		}, http.StatusBadRequest},
		{"bad json", http.MethodPost, "/api/v1/subscriptions", "not an object", http.StatusBadRequest},
		{"list without owner", http.MethodGet, "/api/v1/subscriptions", nil, http.StatusBadRequest},
		{"get unknown", http.MethodGet, "/api/v1/subscriptions/missing", nil, http.StatusNotFound},
		{"get", http.MethodGet, "/api/v1/subscriptions/" + id, nil, http.StatusOK},
		{"cancel unknown", http.MethodDelete, "/api/v1/subscriptions/missing", nil, http.StatusNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if code, out := e.do(t, tt.method, tt.path, tt.body); code != tt.want {
				t.Fatalf("status = %d, want %d (%v)", code, tt.want, out)
			}
		})
	}

	code, out := e.do(t, http.MethodGet, "/api/v1/subscriptions?owner=user@example.com", nil)
	if code != http.StatusOK || out["total"].(float64) != 1 {
		t.Fatalf("list = %d %v", code, out)
	}
	first := out["subscriptions"].([]interface{})[0].(map[string]interface{})
	if first["theater_name"] != "Prasads Multiplex Hyderabad" || first["status"] != "ACTIVE" || first["url"] != listingURL(2) {
		t.Fatalf("subscription view = %v", first)
	}

	if code, out := e.do(t, http.MethodDelete, "/api/v1/subscriptions/"+id, nil); code != http.StatusOK || out["status"] != "CANCELLED" {
		t.Fatalf("cancel = %d %v", code, out)
	}
	if code, _ := e.do(t, http.MethodDelete, "/api/v1/subscriptions/"+id, nil); code != http.StatusConflict {
		t.Fatalf("second cancel = %d, want 409", code)
	}
}

func TestParseTarget(t *testing.T) {
	e := newTestEnv(t)
	code, out := e.do(t, http.MethodPost, "/api/v1/targets/parse", map[string]string{
		"url": "https://in.bookmyshow.com/cinemas/hyderabad/prasads-multiplex-hyderabad/buytickets/PRHN/20250924",
	})
	if code != http.StatusOK || out["key"] != "PRHN/20250924" || out["formatted_date"] != "September 24, 2025" {
		t.Fatalf("parse = %d %v", code, out)
	}
	if code, _ := e.do(t, http.MethodPost, "/api/v1/targets/parse", map[string]string{"url": "nope"}); code != http.StatusBadRequest {
		t.Fatalf("parse malformed = %d", code)
	}
}

func TestTestFetch(t *testing.T) {
	e := newTestEnv(t)
	e.fetcher.movies = []model.Movie{{Title: "OG", Showtimes: []model.Showtime{{Time: "09:20 AM"}}}}
	code, out := e.do(t, http.MethodPost, "/api/v1/targets/test-fetch", map[string]string{"url": listingURL(1)})
	if code != http.StatusOK || out["count"].(float64) != 1 {
		t.Fatalf("test-fetch = %d %v", code, out)
	}

	e.fetcher.err = &listing.FetchError{URL: listingURL(1), StatusCode: 503, Err: errors.New("unavailable")}
	if code, _ := e.do(t, http.MethodPost, "/api/v1/targets/test-fetch", map[string]string{"url": listingURL(1)}); code != http.StatusBadGateway {
		t.Fatalf("test-fetch failure = %d, want 502", code)
	}
	if code, _ := e.do(t, http.MethodPost, "/api/v1/targets/test-fetch", map[string]string{"url": "nope"}); code != http.StatusBadRequest {
		t.Fatalf("test-fetch malformed = %d, want 400", code)
	}
}

func TestNotificationFeed(t *testing.T) {
	e := newTestEnv(t)
	e.fetcher.movies = []model.Movie{{Title: "They Call Him OG", Showtimes: []model.Showtime{{Time: "09:20 AM"}}}}
	id := e.create(t, "user@example.com", "They Call Him OG")
	if err := e.tracker.EvaluateNew(context.Background(), id); err != nil {
		t.Fatalf("EvaluateNew: %v", err)
	}

	code, out := e.do(t, http.MethodGet, "/api/v1/owners/user%40example.com/notifications", nil)
	if code != http.StatusOK || out["total"].(float64) != 1 {
		t.Fatalf("notifications = %d %v", code, out)
	}

	resp, err := e.srv.Client().Get(e.srv.URL + "/api/v1/owners/user%40example.com/feed.xml")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if !strings.HasPrefix(resp.Header.Get("Content-Type"), "application/rss+xml") {
		t.Fatalf("content type = %q", resp.Header.Get("Content-Type"))
	}
	parsed, err := gofeed.NewParser().Parse(resp.Body)
	if err != nil {
		t.Fatalf("gofeed: %v", err)
	}
	if len(parsed.Items) != 1 || !strings.Contains(parsed.Items[0].Title, "They Call Him OG") {
		t.Fatalf("items = %+v", parsed.Items)
	}
}

func TestOPMLExportImport(t *testing.T) {
	e := newTestEnv(t)
	e.create(t, "a@example.com", "OG")
	cancelled := e.create(t, "a@example.com", "Mirai")
	if code, _ := e.do(t, http.MethodDelete, "/api/v1/subscriptions/"+cancelled, nil); code != http.StatusOK {
		t.Fatalf("cancel = %d", code)
	}

	resp, err := e.srv.Client().Get(e.srv.URL + "/api/v1/owners/a@example.com/subscriptions.opml")
	if err != nil {
		t.Fatal(err)
	}
	data, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK || !bytes.Contains(data, []byte("<opml")) {
		t.Fatalf("export = %d %s", resp.StatusCode, data)
	}

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	fw, _ := mw.CreateFormFile("opml", "subs.opml")
	fw.Write(data)
	mw.Close()
	resp, err = e.srv.Client().Post(e.srv.URL+"/api/v1/owners/b@example.com/subscriptions.opml", mw.FormDataContentType(), &buf)
	if err != nil {
		t.Fatal(err)
	}
	var out map[string]interface{}
	json.NewDecoder(resp.Body).Decode(&out)
	resp.Body.Close()
	if out["imported"].(float64) != 1 || out["skipped"].(float64) != 1 {
		t.Fatalf("import = %v", out)
	}

	subs, err := e.tracker.ListByOwner(context.Background(), "b@example.com")
	if err != nil || len(subs) != 1 || subs[0].MovieName != "OG" || !subs[0].NotifyOnNewShowtime {
		t.Fatalf("imported = %+v, %v", subs, err)
	}
}

func (e *testEnv) cached(t *testing.T, city, slug, code string, day time.Time, movies ...model.Movie) {
	t.Helper()
	snap := model.Snapshot{
		Target:    model.Target{City: city, TheaterSlug: slug, TheaterCode: code, Date: day},
		Movies:    movies,
		FetchedAt: time.Now().UTC(),
	}
	if err := e.cache.Put(context.Background(), snap); err != nil {
		t.Fatalf("cache.Put: %v", err)
	}
}

func TestTargetMovies(t *testing.T) {
	e := newTestEnv(t)
	day := time.Date(2025, 9, 24, 0, 0, 0, 0, time.UTC)
	e.cached(t, "hyderabad", "prasads-multiplex-hyderabad", "PRHN", day,
		model.Movie{Title: "They Call Him OG", Language: "Telugu", Showtimes: []model.Showtime{{Time: "09:20 AM"}}},
		model.Movie{Title: "Mirai", Showtimes: []model.Showtime{{Time: "10:00 AM"}}})

	code, out := e.do(t, http.MethodGet, "/api/v1/targets/prhn/20250924/movies", nil)
	if code != http.StatusOK {
		t.Fatalf("movies = %d %v", code, out)
	}
	if out["count"].(float64) != 2 || out["target"] != "PRHN/20250924" || out["theater"] != "Prasads Multiplex Hyderabad" {
		t.Fatalf("movies = %v", out)
	}
	if code, _ := e.do(t, http.MethodGet, "/api/v1/targets/PRHN/20250925/movies", nil); code != http.StatusNotFound {
		t.Fatalf("uncached target = %d, want 404", code)
	}
	if code, _ := e.do(t, http.MethodGet, "/api/v1/targets/PRHN/2025-09-24/movies", nil); code != http.StatusBadRequest {
		t.Fatalf("bad date = %d, want 400", code)
	}
}

func TestSearchMovies(t *testing.T) {
	e := newTestEnv(t)
	d1 := time.Date(2025, 9, 24, 0, 0, 0, 0, time.UTC)
	d2 := d1.AddDate(0, 0, 1)
	og := model.Movie{Title: "They Call Him OG", Language: "Telugu", Showtimes: []model.Showtime{{Time: "09:20 AM"}}}
	e.cached(t, "hyderabad", "prasads-multiplex-hyderabad", "PRHN", d1, og,
		model.Movie{Title: "Mirai", Language: "Telugu", Showtimes: []model.Showtime{{Time: "10:00 AM"}}})
	e.cached(t, "hyderabad", "amb-cinemas-gachibowli", "AMBH", d2, og)
	e.cached(t, "mumbai", "pvr-phoenix-lower-parel", "PVRP", d1,
		model.Movie{Title: "They Call Him OG", Language: "Hindi", Showtimes: []model.Showtime{{Time: "07:00 PM"}}})

	tests := []struct {
		name    string
		query   string
		targets []string
	}{
		{"fuzzy title across theaters", "title=they+call+him+og", []string{"PRHN/20250924", "PVRP/20250924", "AMBH/20250925"}},
		{"city filter", "title=OG+they+call+him&city=Hyderabad", []string{"PRHN/20250924", "AMBH/20250925"}},
		{"date filter", "title=they+call+him+og&date=20250925", []string{"AMBH/20250925"}},
		{"language filter", "title=they+call+him+og&language=hindi", []string{"PVRP/20250924"}},
		{"no title lists everything", "city=hyderabad&date=20250924", []string{"PRHN/20250924", "PRHN/20250924"}},
		{"unknown title", "title=kantara", nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			code, out := e.do(t, http.MethodGet, "/api/v1/movies/search?"+tt.query, nil)
			if code != http.StatusOK {
				t.Fatalf("search = %d %v", code, out)
			}
			results := out["results"].([]interface{})
			if len(results) != len(tt.targets) {
				t.Fatalf("got %d results, want %d: %v", len(results), len(tt.targets), results)
			}
			for i, want := range tt.targets {
				if got := results[i].(map[string]interface{})["target"]; got != want {
					t.Errorf("result %d target = %v, want %s", i, got, want)
				}
			}
		})
	}

	if code, _ := e.do(t, http.MethodGet, "/api/v1/movies/search?date=tomorrow", nil); code != http.StatusBadRequest {
		t.Fatalf("bad date = %d, want 400", code)
	}
}

func TestSearchTheaters(t *testing.T) {
	e := newTestEnv(t)
	d1 := time.Date(2025, 9, 24, 0, 0, 0, 0, time.UTC)
	e.cached(t, "hyderabad", "prasads-multiplex-hyderabad", "PRHN", d1)
	e.cached(t, "hyderabad", "prasads-multiplex-hyderabad", "PRHN", d1.AddDate(0, 0, 1))
	e.cached(t, "hyderabad", "amb-cinemas-gachibowli", "AMBH", d1)
	e.cached(t, "mumbai", "pvr-phoenix-lower-parel", "PVRP", d1)

	code, out := e.do(t, http.MethodGet, "/api/v1/theaters/search?city=hyderabad", nil)
	if code != http.StatusOK || out["count"].(float64) != 2 {
		t.Fatalf("search = %d %v", code, out)
	}
	results := out["results"].([]interface{})
	first := results[0].(map[string]interface{})
	if first["code"] != "AMBH" {
		t.Errorf("first theater = %v, want AMBH", first["code"])
	}
	second := results[1].(map[string]interface{})
	if dates := second["dates"].([]interface{}); len(dates) != 2 || dates[0] != "20250924" {
		t.Errorf("PRHN dates = %v", dates)
	}

	code, out = e.do(t, http.MethodGet, "/api/v1/theaters/search?name=prasads", nil)
	if code != http.StatusOK || out["count"].(float64) != 1 {
		t.Fatalf("name search = %d %v", code, out)
	}
}

func TestStartShutdown(t *testing.T) {
	s := New(Options{Addr: "127.0.0.1:0"})
	done := make(chan error, 1)
	go func() { done <- s.Start() }()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.Shutdown(ctx); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Start: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Start did not return after Shutdown")
	}
}
