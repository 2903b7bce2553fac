package connections

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/tidwall/gjson"

	"github.com/confapp/companion-sync/internal"
	"github.com/confapp/companion-sync/local"
)

func assertNoError(t *testing.T, err error) {
	t.Helper()
	if err == nil {
		return
	}
	t.Fatalf("assertNoError: %v", err)
}

type routedRoom struct {
	userID string
	roomID string
}

type recordingRouter struct {
	routed []routedRoom
	err    error
}

func (r *recordingRouter) RouteRoom(ctx context.Context, userID, roomID string) error {
	r.routed = append(r.routed, routedRoom{userID, roomID})
	return r.err
}

func newTestDeduplicator(store local.Store, router RoomRouter) *Deduplicator {
	d := NewDeduplicator(store, router, false)
	d.now = func() time.Time { return time.Date(2026, 10, 19, 10, 0, 0, 0, time.UTC) }
	return d
}

func TestParsePayload(t *testing.T) {
	testCases := []struct {
		name      string
		raw       string
		wantType  string
		wantKey   string
		wantRoom  string
		rejection Rejection
	}{
		{name: "profile with id", raw: `{"type":"profile","id":"u1","name":"Ada"}`, wantType: TypeProfile, wantKey: "u1"},
		{name: "profile with email only", raw: `{"type":"profile","email":"ada@example.com"}`, wantType: TypeProfile, wantKey: "ada@example.com"},
		{name: "profile with blank id falls back to email", raw: `{"type":"profile","id":"  ","email":"ada@example.com"}`, wantType: TypeProfile, wantKey: "ada@example.com"},
		{name: "profile without identity", raw: `{"type":"profile","name":"Nobody"}`, wantType: TypeProfile, rejection: RejectMissingIdentity},
		{name: "room", raw: `{"type":"room","id":"main-hall"}`, wantType: TypeRoom, wantRoom: "main-hall"},
		{name: "room by name", raw: `{"type":"room","name":"Room B"}`, wantType: TypeRoom, wantRoom: "Room B"},
		{name: "room without id", raw: `{"type":"room"}`, rejection: RejectUnsupported},
		{name: "unknown type", raw: `{"type":"wifi","ssid":"x"}`, rejection: RejectUnsupported},
		{name: "missing type", raw: `{"id":"u1"}`, rejection: RejectUnsupported},
		{name: "type not a string", raw: `{"type":7}`, rejection: RejectUnsupported},
		{name: "malformed", raw: `{"type":"profile",`, rejection: RejectUnsupported},
		{name: "not an object", raw: `["profile"]`, rejection: RejectUnsupported},
		{name: "plain text", raw: `https://example.com`, rejection: RejectUnsupported},
		{name: "empty", raw: ``, rejection: RejectUnsupported},
	}
	for _, tc := range testCases {
		p, rejection := ParsePayload([]byte(tc.raw))
		if rejection != tc.rejection {
			t.Errorf("%s: got rejection %q want %q", tc.name, rejection, tc.rejection)
			continue
		}
		if rejection != "" && rejection != RejectMissingIdentity {
			continue
		}
		if p.Type != tc.wantType {
			t.Errorf("%s: got type %q want %q", tc.name, p.Type, tc.wantType)
		}
		if p.Profile.IdentityKey() != tc.wantKey {
			t.Errorf("%s: got identity %q want %q", tc.name, p.Profile.IdentityKey(), tc.wantKey)
		}
		if p.RoomID != tc.wantRoom {
			t.Errorf("%s: got room %q want %q", tc.name, p.RoomID, tc.wantRoom)
		}
	}
}

func TestMergeTwiceAddsOnce(t *testing.T) {
	ctx := context.Background()
	store := local.NewMemoryStore()
	d := newTestDeduplicator(store, nil)
	raw := []byte(`{"type":"profile","id":"u1","name":"Ada","socials":["https://example.com/ada", 3]}`)

	res, err := d.Merge(ctx, "me", raw)
	assertNoError(t, err)
	if res.Outcome != OutcomeAdded {
		t.Fatalf("first merge: got %s want added", res.Outcome)
	}
	if len(res.Connection.Socials) != 1 || !res.Connection.CapturedAt.Equal(d.now()) {
		t.Errorf("added connection: %+v", res.Connection)
	}
	for i := 0; i < 3; i++ {
		res, err = d.Merge(ctx, "me", raw)
		assertNoError(t, err)
		if res.Outcome != OutcomeAlreadyConnected {
			t.Fatalf("repeat merge %d: got %s want already_connected", i, res.Outcome)
		}
	}
	conns, err := d.List(ctx, "me")
	assertNoError(t, err)
	if len(conns) != 1 || conns[0].Name != "Ada" {
		t.Fatalf("got connections %+v want just Ada", conns)
	}
}

func TestMergeIdentityKey(t *testing.T) {
	ctx := context.Background()
	d := newTestDeduplicator(local.NewMemoryStore(), nil)
	merges := []struct {
		raw  string
		want Outcome
	}{
		{`{"type":"profile","email":"grace@example.com","name":"Grace"}`, OutcomeAdded},
		// same email but now carrying an id is a different identity key
		{`{"type":"profile","id":"u2","email":"grace@example.com"}`, OutcomeAdded},
		{`{"type":"profile","id":"u2","name":"Grace H"}`, OutcomeAlreadyConnected},
		{`{"type":"profile","email":"grace@example.com"}`, OutcomeAlreadyConnected},
		{`{"type":"profile","name":"anon"}`, OutcomeRejected},
	}
	for i, m := range merges {
		res, err := d.Merge(ctx, "me", []byte(m.raw))
		assertNoError(t, err)
		if res.Outcome != m.want {
			t.Errorf("merge %d: got %s want %s", i, res.Outcome, m.want)
		}
	}
	conns, err := d.List(ctx, "me")
	assertNoError(t, err)
	if len(conns) != 2 {
		t.Errorf("got %d connections want 2", len(conns))
	}
}

func TestMergeRejectsWithoutStoring(t *testing.T) {
	ctx := context.Background()
	store := local.NewMemoryStore()
	d := newTestDeduplicator(store, nil)
	for _, raw := range []string{`not json`, `{"type":"wifi"}`, `{"type":"profile"}`} {
		res, err := d.Merge(ctx, "me", []byte(raw))
		assertNoError(t, err)
		if res.Outcome != OutcomeRejected || res.Reason == "" {
			t.Errorf("%s: got %+v want rejection", raw, res)
		}
	}
	if store.Len() != 0 {
		t.Errorf("rejected codes wrote %d keys", store.Len())
	}
}

func TestMergeRoutesRooms(t *testing.T) {
	ctx := context.Background()
	router := &recordingRouter{}
	store := local.NewMemoryStore()
	d := newTestDeduplicator(store, router)
	res, err := d.Merge(ctx, "me", []byte(`{"type":"room","id":"main-hall"}`))
	assertNoError(t, err)
	if res.Outcome != OutcomeRoom || res.RoomID != "main-hall" {
		t.Errorf("got %+v", res)
	}
	if len(router.routed) != 1 || router.routed[0] != (routedRoom{"me", "main-hall"}) {
		t.Errorf("router got %+v", router.routed)
	}
	if store.Len() != 0 {
		t.Errorf("room code was stored")
	}
	router.err = errors.New("no such room")
	if _, err = d.Merge(ctx, "me", []byte(`{"type":"room","id":"attic"}`)); err == nil {
		t.Errorf("router failure was swallowed")
	}
}

func TestMergeStorageFault(t *testing.T) {
	ctx := context.Background()
	store := local.NewMemoryStore()
	store.Quota = 10
	d := newTestDeduplicator(store, nil)
	_, err := d.Merge(ctx, "me", []byte(`{"type":"profile","id":"u1","name":"Ada Lovelace"}`))
	if !internal.IsStorageFault(err) {
		t.Fatalf("got %v want storage fault", err)
	}
	store.Quota = 0
	res, err := d.Merge(ctx, "me", []byte(`{"type":"profile","id":"u1"}`))
	assertNoError(t, err)
	if res.Outcome != OutcomeAdded {
		t.Errorf("retry after fault: got %s want added", res.Outcome)
	}
}

func TestRemoveConnection(t *testing.T) {
	ctx := context.Background()
	d := newTestDeduplicator(local.NewMemoryStore(), nil)
	for _, raw := range []string{
		`{"type":"profile","id":"u1"}`,
		`{"type":"profile","email":"b@example.com"}`,
		`{"type":"profile","id":"u3"}`,
	} {
		_, err := d.Merge(ctx, "me", []byte(raw))
		assertNoError(t, err)
	}
	removed, err := d.Remove(ctx, "me", "b@example.com")
	assertNoError(t, err)
	if !removed {
		t.Fatalf("Remove returned false")
	}
	removed, err = d.Remove(ctx, "me", "b@example.com")
	assertNoError(t, err)
	if removed {
		t.Errorf("second Remove returned true")
	}
	conns, err := d.List(ctx, "me")
	assertNoError(t, err)
	if len(conns) != 2 || conns[0].ID != "u1" || conns[1].ID != "u3" {
		t.Errorf("got %+v", conns)
	}
	// a removed peer can be re-added
	res, err := d.Merge(ctx, "me", []byte(`{"type":"profile","email":"b@example.com"}`))
	assertNoError(t, err)
	if res.Outcome != OutcomeAdded {
		t.Errorf("re-add got %s", res.Outcome)
	}
}

func TestExportPayloadRoundTrips(t *testing.T) {
	ctx := context.Background()
	profile := internal.UserProfile{
		ID:         "u9",
		Name:       "Katherine",
		Role:       internal.RoleSpeaker,
		Occupation: "Mathematician",
		Company:    "NASA",
	}
	raw, err := ExportPayload(profile, []string{"https://example.com/k"})
	assertNoError(t, err)
	if gjson.GetBytes(raw, "type").Str != TypeProfile || gjson.GetBytes(raw, "email").Exists() {
		t.Errorf("exported %s", raw)
	}
	d := newTestDeduplicator(local.NewMemoryStore(), nil)
	res, err := d.Merge(ctx, "peer", raw)
	assertNoError(t, err)
	if res.Outcome != OutcomeAdded {
		t.Fatalf("merge of exported code: %+v", res)
	}
	c := res.Connection
	if c.ID != "u9" || c.Name != "Katherine" || c.Role != "speaker" || c.Company != "NASA" || len(c.Socials) != 1 {
		t.Errorf("merged connection %+v", c)
	}
}

func TestSocialLinks(t *testing.T) {
	ctx := context.Background()
	store := local.NewMemoryStore()
	links := NewSocialLinks(store)

	got, err := links.List(ctx, "me")
	assertNoError(t, err)
	if got == nil || len(got) != 0 {
		t.Errorf("empty list: got %v", got)
	}
	added, err := links.Add(ctx, "me", " https://example.com/me ")
	assertNoError(t, err)
	if !added {
		t.Errorf("first Add returned false")
	}
	added, err = links.Add(ctx, "me", "https://example.com/me")
	assertNoError(t, err)
	if added {
		t.Errorf("duplicate Add returned true")
	}
	for _, bad := range []string{"example.com/me", "ftp://example.com", "javascript:alert(1)", "http://"} {
		if _, err = links.Add(ctx, "me", bad); !errors.Is(err, ErrInvalidLink) {
			t.Errorf("Add %q: got %v want ErrInvalidLink", bad, err)
		}
	}
	_, err = links.Add(ctx, "me", "https://example.com/other")
	assertNoError(t, err)
	removed, err := links.Remove(ctx, "me", "https://example.com/me")
	assertNoError(t, err)
	if !removed {
		t.Errorf("Remove returned false")
	}
	got, err = links.List(ctx, "me")
	assertNoError(t, err)
	if len(got) != 1 || got[0] != "https://example.com/other" {
		t.Errorf("got %v", got)
	}

	store.Quota = 1
	if _, err = links.Add(ctx, "me", "https://example.com/third"); !internal.IsStorageFault(err) {
		t.Errorf("over quota: got %v want storage fault", err)
	}
}
