package companion

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/tidwall/gjson"

	"github.com/confapp/companion-sync/connections"
	"github.com/confapp/companion-sync/coordinator"
	"github.com/confapp/companion-sync/internal"
	"github.com/confapp/companion-sync/local"
	"github.com/confapp/companion-sync/notifier"
	"github.com/confapp/companion-sync/pubsub"
	"github.com/confapp/companion-sync/state"
)

type testServer struct {
	*httptest.Server
	remote   *state.MemoryStore
	local    *local.MemoryStore
	notifier *notifier.Notifier
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	ls := local.NewMemoryStore()
	rs := state.NewMemoryStore()
	n := notifier.New(notifier.Options{Duration: time.Minute})
	api := &API{
		Coordinator: coordinator.New(ls, rs, coordinator.Options{}),
		Connections: connections.NewDeduplicator(ls, nil, false),
		Links:       connections.NewSocialLinks(ls),
		Notifier:    n,
		Remote:      rs,
		Now: func() time.Time {
			return time.Date(2026, 10, 19, 12, 0, 0, 0, time.UTC)
		},
	}
	srv := httptest.NewServer(NewServer(api, false))
	t.Cleanup(func() {
		srv.Close()
		n.Close()
	})
	return &testServer{Server: srv, remote: rs, local: ls, notifier: n}
}

func (s *testServer) do(t *testing.T, method, path string, body string) (int, []byte) {
	t.Helper()
	var r io.Reader
	if body != "" {
		r = bytes.NewBufferString(body)
	}
	req, err := http.NewRequest(method, s.URL+path, r)
	if err != nil {
		t.Fatalf("NewRequest: %s", err)
	}
	res, err := s.Client().Do(req)
	if err != nil {
		t.Fatalf("%s %s: %s", method, path, err)
	}
	defer res.Body.Close()
	b, err := io.ReadAll(res.Body)
	if err != nil {
		t.Fatalf("read body: %s", err)
	}
	return res.StatusCode, b
}

func TestSessionsEndpoint(t *testing.T) {
	s := newTestServer(t)
	code, body := s.do(t, "GET", "/v1/users/newUser/sessions", "")
	if code != 200 {
		t.Fatalf("got %d: %s", code, body)
	}
	for _, field := range []string{"sessions", "rooms", "speakers"} {
		if v := gjson.GetBytes(body, field); !v.IsArray() || len(v.Array()) != 0 {
			t.Errorf("%s: got %s want []", field, v.Raw)
		}
	}

	_, err := s.remote.Insert(context.Background(), state.TableSessions, state.Row(`{"id":"s1","title":"Keynote","room":"Main Hall","start_time":"2026-10-19T09:00:00Z"}`))
	if err != nil {
		t.Fatalf("Insert: %s", err)
	}
	_, err = s.remote.Insert(context.Background(), state.TableSessions, state.Row(`{"id":"s2","title":"Workshop","room":"Room B","start_time":"2026-10-20T09:00:00Z"}`))
	if err != nil {
		t.Fatalf("Insert: %s", err)
	}
	code, body = s.do(t, "POST", "/v1/users/newUser/sessions/resync", "")
	if code != 200 || len(gjson.GetBytes(body, "sessions").Array()) != 2 {
		t.Fatalf("resync got %d: %s", code, body)
	}

	code, body = s.do(t, "GET", "/v1/users/newUser/sessions?day=today", "")
	if code != 200 {
		t.Fatalf("got %d: %s", code, body)
	}
	if ids := gjson.GetBytes(body, "sessions.#.id").Array(); len(ids) != 1 || ids[0].Str != "s1" {
		t.Errorf("today got %s", body)
	}
	if rooms := gjson.GetBytes(body, "rooms").Array(); len(rooms) != 2 {
		t.Errorf("rooms index should cover every session, got %s", body)
	}

	code, _ = s.do(t, "GET", "/v1/users/newUser/sessions?day=yesterday", "")
	if code != 400 {
		t.Errorf("bad day got %d want 400", code)
	}
}

func TestFavoritesEndpoints(t *testing.T) {
	s := newTestServer(t)
	code, body := s.do(t, "POST", "/v1/users/alice/favorites/s1/toggle", "")
	if code != 200 || !gjson.GetBytes(body, "favorite").Bool() {
		t.Fatalf("toggle got %d: %s", code, body)
	}
	code, body = s.do(t, "GET", "/v1/users/alice/favorites", "")
	if code != 200 || gjson.GetBytes(body, "favorites.0").Str != "s1" || gjson.GetBytes(body, "stale").Bool() {
		t.Fatalf("favorites got %d: %s", code, body)
	}

	s.remote.SetOffline(true)
	code, body = s.do(t, "POST", "/v1/users/alice/favorites/s2/toggle", "")
	if code != http.StatusServiceUnavailable || !gjson.GetBytes(body, "retryable").Bool() {
		t.Fatalf("offline toggle got %d: %s", code, body)
	}
	code, body = s.do(t, "GET", "/v1/users/alice/favorites", "")
	if code != 200 || !gjson.GetBytes(body, "stale").Bool() || gjson.GetBytes(body, "favorites.#").Int() != 1 {
		t.Fatalf("offline favorites got %d: %s", code, body)
	}
	code, body = s.do(t, "GET", "/v1/users/alice/sessions?favorites=true", "")
	if code != 200 {
		t.Fatalf("favorites filter got %d: %s", code, body)
	}
}

func TestConnectionsEndpoints(t *testing.T) {
	s := newTestServer(t)
	payload := `{"type":"profile","id":"u1","name":"Ada"}`
	code, body := s.do(t, "POST", "/v1/users/me/connections/scan", payload)
	if code != 200 || gjson.GetBytes(body, "outcome").Str != string(connections.OutcomeAdded) {
		t.Fatalf("first scan got %d: %s", code, body)
	}
	code, body = s.do(t, "POST", "/v1/users/me/connections/scan", payload)
	if code != 200 || gjson.GetBytes(body, "outcome").Str != string(connections.OutcomeAlreadyConnected) {
		t.Fatalf("second scan got %d: %s", code, body)
	}
	code, body = s.do(t, "POST", "/v1/users/me/connections/scan", `garbage`)
	if code != 200 || gjson.GetBytes(body, "reason").Str != "unsupported code" {
		t.Fatalf("garbage scan got %d: %s", code, body)
	}
	code, body = s.do(t, "GET", "/v1/users/me/connections", "")
	if code != 200 || gjson.GetBytes(body, "connections.#").Int() != 1 {
		t.Fatalf("list got %d: %s", code, body)
	}
	code, body = s.do(t, "DELETE", "/v1/users/me/connections/u1", "")
	if code != 200 || !gjson.GetBytes(body, "removed").Bool() {
		t.Fatalf("remove got %d: %s", code, body)
	}

	s.local.Quota = 1
	code, body = s.do(t, "POST", "/v1/users/me/connections/scan", payload)
	if code != http.StatusInsufficientStorage || gjson.GetBytes(body, "retryable").Bool() {
		t.Fatalf("scan with full storage got %d: %s", code, body)
	}
}

func TestProfileCodeEndpoint(t *testing.T) {
	s := newTestServer(t)
	code, _ := s.do(t, "GET", "/v1/users/u9/profile-code", "")
	if code != 404 {
		t.Fatalf("unknown attendee got %d want 404", code)
	}
	_, err := s.remote.Insert(context.Background(), state.TableAttendees, state.Row(`{"id":"u9","name":"Katherine","role":"speaker","interests":["orbits"]}`))
	if err != nil {
		t.Fatalf("Insert: %s", err)
	}
	code, body := s.do(t, "POST", "/v1/users/u9/social-links", `{"url":"https://example.com/k"}`)
	if code != 200 || !gjson.GetBytes(body, "added").Bool() {
		t.Fatalf("add link got %d: %s", code, body)
	}
	code, _ = s.do(t, "POST", "/v1/users/u9/social-links", `{"url":"not a url"}`)
	if code != 400 {
		t.Fatalf("invalid link got %d want 400", code)
	}
	code, body = s.do(t, "GET", "/v1/users/u9/profile-code", "")
	if code != 200 {
		t.Fatalf("profile code got %d: %s", code, body)
	}
	if gjson.GetBytes(body, "type").Str != "profile" || gjson.GetBytes(body, "socials.0").Str != "https://example.com/k" {
		t.Errorf("profile code %s", body)
	}
	// a peer scanning the code connects to u9
	code, body = s.do(t, "POST", "/v1/users/peer/connections/scan", string(body))
	if code != 200 || gjson.GetBytes(body, "connection.id").Str != "u9" {
		t.Errorf("scan of exported code got %d: %s", code, body)
	}
	code, body = s.do(t, "DELETE", "/v1/users/u9/social-links", `{"url":"https://example.com/k"}`)
	if code != 200 || !gjson.GetBytes(body, "removed").Bool() {
		t.Errorf("remove link got %d: %s", code, body)
	}
}

func TestNotificationEndpoints(t *testing.T) {
	s := newTestServer(t)
	code, body := s.do(t, "GET", "/v1/notification", "")
	if code != 200 || gjson.GetBytes(body, "state").Str != "idle" {
		t.Fatalf("got %d: %s", code, body)
	}
	s.notifier.OnInsert(&pubsub.ChangeEvent{
		Kind:  pubsub.KindInsert,
		Table: state.TableSessions,
		New:   []byte(`{"id":"s1","title":"Keynote"}`),
	})
	code, body = s.do(t, "GET", "/v1/notification", "")
	if code != 200 || gjson.GetBytes(body, "record.message").Str != "new item added: Keynote" {
		t.Fatalf("got %d: %s", code, body)
	}
	id := gjson.GetBytes(body, "record.id").Str
	code, body = s.do(t, "POST", "/v1/notification/dismiss", `{"id":"`+id+`"}`)
	if code != 200 || !gjson.GetBytes(body, "dismissed").Bool() {
		t.Fatalf("dismiss got %d: %s", code, body)
	}
	code, body = s.do(t, "GET", "/v1/notification", "")
	if gjson.GetBytes(body, "state").Str != "idle" {
		t.Fatalf("after dismiss got %d: %s", code, body)
	}
}

func TestLogoutEndpoint(t *testing.T) {
	s := newTestServer(t)
	s.do(t, "POST", "/v1/users/bob/favorites/s1/toggle", "")
	code, _ := s.do(t, "DELETE", "/v1/users/bob/cache", "")
	if code != http.StatusNoContent {
		t.Fatalf("logout got %d", code)
	}
	if _, ok, _ := s.local.Get(context.Background(), local.FavoritesKey("bob")); ok {
		t.Errorf("favorites cache survived logout")
	}
}

func TestCORSAndRequestID(t *testing.T) {
	s := newTestServer(t)
	req, _ := http.NewRequest("OPTIONS", s.URL+"/v1/users/me/connections", nil)
	res, err := s.Client().Do(req)
	if err != nil {
		t.Fatalf("OPTIONS: %s", err)
	}
	res.Body.Close()
	if res.StatusCode != 200 || res.Header.Get("Access-Control-Allow-Origin") != "*" {
		t.Errorf("preflight got %d %v", res.StatusCode, res.Header)
	}
	res, err = s.Client().Get(s.URL + "/v1/notification")
	if err != nil {
		t.Fatalf("GET: %s", err)
	}
	res.Body.Close()
	if res.Header.Get("X-Request-Id") == "" {
		t.Errorf("no request id header")
	}
}

func TestHandlerErrorJSON(t *testing.T) {
	herr := internal.ExpectedFaultStatus(internal.NewRemoteFault("Query sessions", state.ErrOffline))
	if herr.StatusCode != 503 || !gjson.GetBytes(herr.JSON(), "retryable").Bool() {
		t.Errorf("got %d %s", herr.StatusCode, herr.JSON())
	}
}
