package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"testing"

	"mealline/internal/app"
	"mealline/internal/archive"
	"mealline/internal/config"
	"mealline/internal/db"
	"mealline/internal/engine"
	"mealline/internal/migrate"
	"mealline/internal/repo"
)

type testServer struct {
	URL    string
	client *http.Client
	close  func()
}

func (s *testServer) Client() *http.Client { return s.client }
func (s *testServer) Close()               { s.close() }

func newTestServer(t *testing.T) (*testServer, func()) {
	t.Helper()
	workspace := t.TempDir()
	cfg := config.Default("sunrise-manor")
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	if err := app.EnsureFacility(context.Background(), cfg, "tester", repo.Repo{DB: conn}); err != nil {
		t.Fatalf("seed facility: %v", err)
	}
	e := engine.New(conn, cfg)
	sweeper := archive.New(e, nil)
	handler, err := New(Config{
		Engine:  e,
		Sweeper: sweeper,
		Auth: AuthConfig{
			JWTSecret:              "test-secret",
			AllowLegacyActorHeader: true,
		},
	})
	if err != nil {
		t.Fatalf("build handler: %v", err)
	}
	ln, err := net.Listen("tcp4", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	srv := &http.Server{Handler: handler}
	go srv.Serve(ln)
	testSrv := &testServer{
		URL:    "http://" + ln.Addr().String(),
		client: &http.Client{},
		close: func() {
			srv.Shutdown(context.Background())
			ln.Close()
			conn.Close()
		},
	}
	return testSrv, func() { testSrv.Close() }
}

func doJSON(t *testing.T, client *http.Client, method, url string, body any, headers map[string]string) (*http.Response, []byte) {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(b)
	} else {
		reader = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, url, reader)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if _, ok := headers["X-Actor-Id"]; !ok {
		if _, hasAuth := headers["Authorization"]; !hasAuth {
			req.Header.Set("X-Actor-Id", "tester")
		}
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	res, err := client.Do(req)
	if err != nil {
		t.Fatalf("do request: %v", err)
	}
	defer res.Body.Close()
	data, err := io.ReadAll(res.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	return res, data
}

func createTestOrder(t *testing.T, srv *testServer) OrderResponse {
	t.Helper()
	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/orders", map[string]any{
		"resident_id":   "resident-1",
		"meal_type":     "lunch",
		"items":         []map[string]any{{"name": "soup", "portion": "small"}},
		"scheduled_for": "2026-03-02T12:00:00Z",
	}, nil)
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create order status %d: %s", res.StatusCode, string(data))
	}
	var envelope OrderEnvelope
	if err := json.Unmarshal(data, &envelope); err != nil {
		t.Fatalf("unmarshal order: %v", err)
	}
	return envelope.Order
}

func TestHealthNeedsNoAuth(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	res, err := srv.Client().Get(srv.URL + "/v0/health")
	if err != nil {
		t.Fatal(err)
	}
	res.Body.Close()
	if res.StatusCode != http.StatusOK {
		t.Fatalf("health status %d", res.StatusCode)
	}
}

func TestCreateAndGetOrder(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	created := createTestOrder(t, srv)
	if created.Version != 1 || created.Status != "pending" {
		t.Fatalf("created = %+v", created)
	}
	res, data := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/orders/"+created.ID, nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("get status %d: %s", res.StatusCode, string(data))
	}
	var fetched OrderResponse
	if err := json.Unmarshal(data, &fetched); err != nil {
		t.Fatal(err)
	}
	if fetched.ID != created.ID || len(fetched.Items) != 1 || fetched.Items[0].Name != "soup" {
		t.Fatalf("fetched = %+v", fetched)
	}
}

func TestStaleUpdateReturnsConflictWithBothDocuments(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	created := createTestOrder(t, srv)

	res, data := doJSON(t, srv.Client(), http.MethodPatch, srv.URL+"/v0/orders/"+created.ID, map[string]any{
		"dietary_notes": "first writer",
		"version":       1,
	}, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("first update status %d: %s", res.StatusCode, string(data))
	}

	res, data = doJSON(t, srv.Client(), http.MethodPatch, srv.URL+"/v0/orders/"+created.ID, map[string]any{
		"dietary_notes": "second writer",
		"version":       1,
	}, nil)
	if res.StatusCode != http.StatusConflict {
		t.Fatalf("stale update status %d: %s", res.StatusCode, string(data))
	}
	var envelope struct {
		Error struct {
			Code    string `json:"code"`
			Details struct {
				CurrentVersion OrderResponse `json:"current_version"`
				YourVersion    OrderResponse `json:"your_version"`
			} `json:"details"`
		} `json:"error"`
	}
	if err := json.Unmarshal(data, &envelope); err != nil {
		t.Fatalf("unmarshal conflict envelope: %v: %s", err, string(data))
	}
	if envelope.Error.Code != "version_conflict" {
		t.Fatalf("code = %s", envelope.Error.Code)
	}
	if envelope.Error.Details.CurrentVersion.Version != 2 ||
		envelope.Error.Details.CurrentVersion.DietaryNotes != "first writer" {
		t.Fatalf("current_version = %+v", envelope.Error.Details.CurrentVersion)
	}
	if envelope.Error.Details.YourVersion.Version != 1 ||
		envelope.Error.Details.YourVersion.DietaryNotes != "second writer" {
		t.Fatalf("your_version = %+v", envelope.Error.Details.YourVersion)
	}
}

func TestResolveConflict(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	created := createTestOrder(t, srv)

	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/orders/"+created.ID+"/resolve", map[string]any{
		"merged_data": map[string]any{"dietary_notes": "merged"},
	}, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("resolve status %d: %s", res.StatusCode, string(data))
	}
	var resolved ResolveResponse
	if err := json.Unmarshal(data, &resolved); err != nil {
		t.Fatal(err)
	}
	if !resolved.Success || resolved.ResolvedOrder.Version != 2 || resolved.ResolvedOrder.DietaryNotes != "merged" {
		t.Fatalf("resolved = %+v", resolved)
	}

	res, data = doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/orders/"+created.ID+"/resolve", map[string]any{
		"merged_data": map[string]any{},
	}, nil)
	if res.StatusCode != http.StatusBadRequest {
		t.Fatalf("empty merged_data status %d: %s", res.StatusCode, string(data))
	}

	res, data = doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/orders/missing/resolve", map[string]any{
		"merged_data": map[string]any{"dietary_notes": "x"},
	}, nil)
	if res.StatusCode != http.StatusNotFound {
		t.Fatalf("missing order status %d: %s", res.StatusCode, string(data))
	}
}

func TestOrderHistoryEndpoint(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	created := createTestOrder(t, srv)
	for i, note := range []string{"a", "b"} {
		res, data := doJSON(t, srv.Client(), http.MethodPatch, srv.URL+"/v0/orders/"+created.ID, map[string]any{
			"dietary_notes": note,
			"version":       i + 1,
		}, nil)
		if res.StatusCode != http.StatusOK {
			t.Fatalf("update %d status %d: %s", i, res.StatusCode, string(data))
		}
	}
	res, data := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/orders/"+created.ID+"/history", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("history status %d: %s", res.StatusCode, string(data))
	}
	var page paginatedSnapshots
	if err := json.Unmarshal(data, &page); err != nil {
		t.Fatal(err)
	}
	if len(page.Items) != 3 {
		t.Fatalf("history items = %d, want 3", len(page.Items))
	}
	if page.Items[0].Version != 3 || page.Items[2].Version != 1 {
		t.Fatalf("history not newest first: %+v", page.Items)
	}
	if page.Items[2].ChangeType != "create" {
		t.Fatalf("oldest snapshot change_type = %s", page.Items[2].ChangeType)
	}
}

func TestEventsPaginationCoversEveryEvent(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	for i := 0; i < 5; i++ {
		createTestOrder(t, srv)
	}

	seen := map[int64]bool{}
	cursor := ""
	pages := 0
	for {
		url := srv.URL + "/v0/events?type=order.created&limit=2"
		if cursor != "" {
			url += "&cursor=" + cursor
		}
		res, data := doJSON(t, srv.Client(), http.MethodGet, url, nil, nil)
		if res.StatusCode != http.StatusOK {
			t.Fatalf("events status %d: %s", res.StatusCode, string(data))
		}
		var page paginatedEvents
		if err := json.Unmarshal(data, &page); err != nil {
			t.Fatal(err)
		}
		for _, evt := range page.Items {
			if seen[evt.ID] {
				t.Fatalf("event %d returned twice", evt.ID)
			}
			seen[evt.ID] = true
		}
		pages++
		if page.NextCursor == "" {
			break
		}
		cursor = page.NextCursor
		if pages > 5 {
			t.Fatal("cursor never terminated")
		}
	}
	if len(seen) != 5 {
		t.Fatalf("distinct events = %d, want 5", len(seen))
	}
	if pages != 3 {
		t.Fatalf("pages = %d, want 3", pages)
	}
}

func TestArchiveSweepRequiresPermission(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()

	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/archive/sweep", nil, map[string]string{
		"X-Actor-Id": "stranger",
	})
	if res.StatusCode != http.StatusForbidden {
		t.Fatalf("stranger sweep status %d: %s", res.StatusCode, string(data))
	}

	res, data = doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/archive/sweep", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("admin sweep status %d: %s", res.StatusCode, string(data))
	}
	var result archive.Result
	if err := json.Unmarshal(data, &result); err != nil {
		t.Fatal(err)
	}
}

func TestUnauthenticatedRequestRejected(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	req, _ := http.NewRequest(http.MethodGet, srv.URL+"/v0/orders", nil)
	res, err := srv.Client().Do(req)
	if err != nil {
		t.Fatal(err)
	}
	res.Body.Close()
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", res.StatusCode)
	}
}

func TestDevLoginTokenWorks(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/auth/dev/login", map[string]any{
		"actor_id":    "nurse-7",
		"roles":       []string{"caregiver"},
		"permissions": []string{"order.read"},
	}, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("dev login status %d: %s", res.StatusCode, string(data))
	}
	var login DevLoginResponse
	if err := json.Unmarshal(data, &login); err != nil {
		t.Fatal(err)
	}
	res, data = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/me", nil, map[string]string{
		"Authorization": "Bearer " + login.Token,
	})
	if res.StatusCode != http.StatusOK {
		t.Fatalf("me status %d: %s", res.StatusCode, string(data))
	}
	var who WhoAmIResponse
	if err := json.Unmarshal(data, &who); err != nil {
		t.Fatal(err)
	}
	if who.ActorID != "nurse-7" || who.Source != "jwt" {
		t.Fatalf("who = %+v", who)
	}
}
