package pubsub

import (
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestDecodeChangeEvent(t *testing.T) {
	testCases := []struct {
		name      string
		raw       string
		wantErr   bool
		wantKind  string
		wantTable string
		wantNew   string
		wantOld   string
	}{
		{
			name:      "insert",
			raw:       `{"table":"sessions","eventType":"INSERT","new":{"title":"Keynote"},"old":null}`,
			wantKind:  KindInsert,
			wantTable: "sessions",
			wantNew:   `{"title":"Keynote"}`,
		},
		{
			name:      "update has both rows",
			raw:       `{"table":"sessions","eventType":"UPDATE","new":{"title":"B"},"old":{"title":"A"}}`,
			wantKind:  KindUpdate,
			wantTable: "sessions",
			wantNew:   `{"title":"B"}`,
			wantOld:   `{"title":"A"}`,
		},
		{
			name:      "delete",
			raw:       `{"table":"sessions","eventType":"DELETE","old":{"id":"s1"}}`,
			wantKind:  KindDelete,
			wantTable: "sessions",
			wantOld:   `{"id":"s1"}`,
		},
		{
			name:      "unknown kinds are kept lowercased",
			raw:       `{"table":"sessions","eventType":"TRUNCATE"}`,
			wantKind:  "truncate",
			wantTable: "sessions",
		},
		{
			name:    "missing eventType",
			raw:     `{"table":"sessions"}`,
			wantErr: true,
		},
		{
			name:    "not json",
			raw:     `INSERT sessions`,
			wantErr: true,
		},
	}
	for _, tc := range testCases {
		ev, err := DecodeChangeEvent([]byte(tc.raw))
		if tc.wantErr {
			if err == nil {
				t.Errorf("%s: expected error, got %+v", tc.name, ev)
			}
			continue
		}
		if err != nil {
			t.Errorf("%s: unexpected error: %s", tc.name, err)
			continue
		}
		if ev.Kind != tc.wantKind || ev.Table != tc.wantTable {
			t.Errorf("%s: got kind=%s table=%s want kind=%s table=%s", tc.name, ev.Kind, ev.Table, tc.wantKind, tc.wantTable)
		}
		if string(ev.New) != tc.wantNew {
			t.Errorf("%s: got new %s want %s", tc.name, ev.New, tc.wantNew)
		}
		if string(ev.Old) != tc.wantOld {
			t.Errorf("%s: got old %s want %s", tc.name, ev.Old, tc.wantOld)
		}
	}
}

func TestEncodeChangeEventRoundTrip(t *testing.T) {
	in := &ChangeEvent{Kind: KindUpdate, Table: "sessions", New: []byte(`{"title":"B"}`), Old: []byte(`{"title":"A"}`)}
	raw, err := EncodeChangeEvent(in)
	if err != nil {
		t.Fatalf("EncodeChangeEvent: %s", err)
	}
	out, err := DecodeChangeEvent(raw)
	if err != nil {
		t.Fatalf("DecodeChangeEvent: %s", err)
	}
	if out.Kind != in.Kind || out.Table != in.Table || string(out.New) != string(in.New) || string(out.Old) != string(in.Old) {
		t.Fatalf("round trip mismatch: got %+v want %+v", out, in)
	}
}

type recordingListener struct {
	mu    sync.Mutex
	kinds []string
}

func (r *recordingListener) record(ev *ChangeEvent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.kinds = append(r.kinds, ev.Kind)
}
func (r *recordingListener) OnInsert(ev *ChangeEvent) { r.record(ev) }
func (r *recordingListener) OnUpdate(ev *ChangeEvent) { r.record(ev) }
func (r *recordingListener) OnDelete(ev *ChangeEvent) { r.record(ev) }

func TestChangeSubDispatchesInOrder(t *testing.T) {
	ps := NewPubSub(10)
	recv := &recordingListener{}
	sub := NewChangeSub("sessions", ps, recv)
	done := make(chan struct{})
	go func() {
		sub.Listen()
		close(done)
	}()
	events := []*ChangeEvent{
		{Kind: KindInsert, Table: "sessions"},
		{Kind: "truncate", Table: "sessions"},
		{Kind: KindUpdate, Table: "sessions"},
		{Kind: KindInsert, Table: "attendees"},
		{Kind: KindDelete, Table: "sessions"},
	}
	for _, ev := range events {
		if err := ps.Notify("sessions", ev); err != nil {
			t.Fatalf("Notify: %s", err)
		}
	}
	waitFor(t, func() bool {
		recv.mu.Lock()
		defer recv.mu.Unlock()
		return len(recv.kinds) == 3
	})
	sub.Teardown()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatalf("Listen did not return after Teardown")
	}
	recv.mu.Lock()
	defer recv.mu.Unlock()
	want := []string{KindInsert, KindUpdate, KindDelete}
	if len(recv.kinds) != len(want) {
		t.Fatalf("got kinds %v want %v", recv.kinds, want)
	}
	for i := range want {
		if recv.kinds[i] != want[i] {
			t.Errorf("kind %d: got %s want %s", i, recv.kinds[i], want[i])
		}
	}
}

func TestPubSubClosed(t *testing.T) {
	ps := NewPubSub(1)
	released := 0
	l := WithCloseHook(ps, func() { released++ })
	l.Close()
	l.Close()
	if released != 1 {
		t.Fatalf("close hook ran %d times, want 1", released)
	}
	if err := ps.Notify("sessions", &ChangeEvent{Kind: KindInsert}); err != ErrClosed {
		t.Fatalf("Notify after close: got %v want ErrClosed", err)
	}
	if err := ps.Listen("sessions", func(p Payload) {}); err != ErrClosed {
		t.Fatalf("Listen after close: got %v want ErrClosed", err)
	}
}

func TestPubSubNotifyTimesOutWhenFull(t *testing.T) {
	ps := NewPubSub(1)
	ps.notifyTimeout = 10 * time.Millisecond
	if err := ps.Notify("sessions", &ChangeEvent{Kind: KindInsert}); err != nil {
		t.Fatalf("first Notify: %s", err)
	}
	if err := ps.Notify("sessions", &ChangeEvent{Kind: KindInsert}); err == nil {
		t.Fatalf("expected Notify on a full channel to time out")
	}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("condition not met before deadline")
}

func TestPromNotifierCountsByType(t *testing.T) {
	ps := NewPubSub(4)
	n := NewPromNotifier(ps, "test_changes")
	pn := n.(*PromNotifier)
	for _, kind := range []string{KindInsert, KindInsert, KindDelete} {
		if err := n.Notify("sessions", &ChangeEvent{Kind: kind}); err != nil {
			t.Fatalf("Notify: %s", err)
		}
	}
	if got := testutil.ToFloat64(pn.msgCounter.WithLabelValues(KindInsert)); got != 2 {
		t.Errorf("insert count got %v want 2", got)
	}
	if got := testutil.ToFloat64(pn.msgCounter.WithLabelValues(KindDelete)); got != 1 {
		t.Errorf("delete count got %v want 1", got)
	}
	n.Close()
	if err := ps.Notify("sessions", &ChangeEvent{Kind: KindInsert}); err != ErrClosed {
		t.Fatalf("closing the wrapper should close the PubSub, got %v", err)
	}
	// unregistered on close, so the same subsystem can be registered again
	NewPromNotifier(NewPubSub(1), "test_changes").Close()
}
