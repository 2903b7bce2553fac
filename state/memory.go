package state

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/tidwall/gjson"
	"golang.org/x/exp/slices"

	"github.com/confapp/companion-sync/internal"
	"github.com/confapp/companion-sync/pubsub"
)

// columns postgres fills in from a DEFAULT when an insert omits them
var memoryDefaults = map[string]map[string]func() interface{}{
	TableSessionFavorites: {
		"created_at": func() interface{} { return time.Now().UTC().Format(time.RFC3339Nano) },
	},
}

// MemoryStore is an in-process RemoteStore with the same table schema, constraints and change
// events as Storage. Used for tests and the daemon's -memory mode.
type MemoryStore struct {
	mu      sync.Mutex
	tables  map[string][]Row
	serials map[string]int64
	subs    map[string]*pubsub.PubSub
	offline bool
	// BufferSize bounds each subscription queue.
	BufferSize int
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		tables:     make(map[string][]Row),
		serials:    make(map[string]int64),
		subs:       make(map[string]*pubsub.PubSub),
		BufferSize: 64,
	}
}

// SetOffline makes every operation fail with a retryable remote fault until it is called again
// with false. Live subscriptions stay open but receive nothing while offline.
func (m *MemoryStore) SetOffline(offline bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.offline = offline
}

func (m *MemoryStore) offlineErr(op string) error {
	if m.offline {
		return internal.NewRemoteFault(op, ErrOffline)
	}
	return nil
}

func matches(row Row, filter Filter) bool {
	for col, want := range filter {
		got := gjson.GetBytes(row, col)
		if want == nil {
			if got.Exists() && got.Type != gjson.Null {
				return false
			}
			continue
		}
		if !got.Exists() || got.Type == gjson.Null || got.String() != fmt.Sprint(want) {
			return false
		}
	}
	return true
}

// conflictsLocked reports whether row collides with any row other than rows[skip] on a unique set.
func (m *MemoryStore) conflictsLocked(ts tableSchema, table string, row Row, skip int) bool {
	for _, set := range ts.unique {
		key := make(Filter, len(set))
		for _, col := range set {
			v := gjson.GetBytes(row, col)
			if !v.Exists() || v.Type == gjson.Null {
				key = nil // NULLs never collide
				break
			}
			key[col] = v.String()
		}
		if key == nil {
			continue
		}
		for i, other := range m.tables[table] {
			if i != skip && matches(other, key) {
				return true
			}
		}
	}
	return false
}

func compareByColumn(col string) func(a, b Row) int {
	return func(a, b Row) int {
		va, vb := gjson.GetBytes(a, col), gjson.GetBytes(b, col)
		if va.Type == gjson.Number && vb.Type == gjson.Number {
			switch {
			case va.Num < vb.Num:
				return -1
			case va.Num > vb.Num:
				return 1
			}
			return 0
		}
		switch {
		case va.String() < vb.String():
			return -1
		case va.String() > vb.String():
			return 1
		}
		return 0
	}
}

func (m *MemoryStore) Query(ctx context.Context, table string, filter Filter) ([]Row, error) {
	ts, err := lookupTable(table)
	if err != nil {
		return nil, err
	}
	if _, err = filterColumns(ts, table, filter); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if err = m.offlineErr("Query " + table); err != nil {
		return nil, err
	}
	var rows []Row
	for _, row := range m.tables[table] {
		if matches(row, filter) {
			rows = append(rows, slices.Clone(row))
		}
	}
	slices.SortStableFunc(rows, compareByColumn(ts.columns[0]))
	return rows, nil
}

func (m *MemoryStore) Insert(ctx context.Context, table string, row Row) (Row, error) {
	ts, err := lookupTable(table)
	if err != nil {
		return nil, err
	}
	cols, obj, err := rowColumns(ts, table, row)
	if err != nil {
		return nil, err
	}
	if len(cols) == 0 {
		return nil, fmt.Errorf("Insert %s: empty row", table)
	}
	m.mu.Lock()
	if err = m.offlineErr("Insert " + table); err != nil {
		m.mu.Unlock()
		return nil, err
	}
	values := make(map[string]interface{}, len(obj)+1)
	for k, v := range obj {
		values[k] = v
	}
	for col, def := range memoryDefaults[table] {
		if _, ok := values[col]; !ok {
			values[col] = def()
		}
	}
	if ts.generated != "" {
		if _, ok := values[ts.generated]; !ok {
			m.serials[table]++
			values[ts.generated] = m.serials[table]
		}
	}
	stored, err := json.Marshal(values)
	if err != nil {
		m.mu.Unlock()
		return nil, fmt.Errorf("Insert %s: %w", table, err)
	}
	if m.conflictsLocked(ts, table, stored, -1) {
		m.mu.Unlock()
		return nil, fmt.Errorf("Insert %s: %w", table, ErrConflict)
	}
	m.tables[table] = append(m.tables[table], stored)
	ps := m.subs[table]
	m.mu.Unlock()

	m.emit(ps, &pubsub.ChangeEvent{Kind: pubsub.KindInsert, Table: table, New: slices.Clone(stored)})
	return slices.Clone(stored), nil
}

func (m *MemoryStore) Update(ctx context.Context, table string, filter Filter, patch Row) error {
	ts, err := lookupTable(table)
	if err != nil {
		return err
	}
	if len(filter) == 0 {
		return ErrUnfiltered
	}
	if _, err = filterColumns(ts, table, filter); err != nil {
		return err
	}
	pcols, pobj, err := rowColumns(ts, table, patch)
	if err != nil {
		return err
	}
	if len(pcols) == 0 {
		return nil
	}
	m.mu.Lock()
	if err = m.offlineErr("Update " + table); err != nil {
		m.mu.Unlock()
		return err
	}
	rows := m.tables[table]
	updated := make([]Row, len(rows))
	copy(updated, rows)
	var events []*pubsub.ChangeEvent
	for i, row := range rows {
		if !matches(row, filter) {
			continue
		}
		var obj map[string]json.RawMessage
		if err = json.Unmarshal(row, &obj); err != nil {
			m.mu.Unlock()
			return internal.NewRemoteFault("Update "+table, err)
		}
		for k, v := range pobj {
			obj[k] = v
		}
		next, err := json.Marshal(obj)
		if err != nil {
			m.mu.Unlock()
			return fmt.Errorf("Update %s: %w", table, err)
		}
		updated[i] = next
		events = append(events, &pubsub.ChangeEvent{
			Kind: pubsub.KindUpdate, Table: table, Old: slices.Clone(row), New: slices.Clone(next),
		})
	}
	// constraints are checked against the table as it will be after the whole update
	m.tables[table] = updated
	for i := range updated {
		if m.conflictsLocked(ts, table, updated[i], i) {
			m.tables[table] = rows
			m.mu.Unlock()
			return fmt.Errorf("Update %s: %w", table, ErrConflict)
		}
	}
	ps := m.subs[table]
	m.mu.Unlock()

	for _, ev := range events {
		m.emit(ps, ev)
	}
	return nil
}

func (m *MemoryStore) Delete(ctx context.Context, table string, filter Filter) error {
	ts, err := lookupTable(table)
	if err != nil {
		return err
	}
	if len(filter) == 0 {
		return ErrUnfiltered
	}
	if _, err = filterColumns(ts, table, filter); err != nil {
		return err
	}
	m.mu.Lock()
	if err = m.offlineErr("Delete " + table); err != nil {
		m.mu.Unlock()
		return err
	}
	var kept []Row
	var events []*pubsub.ChangeEvent
	for _, row := range m.tables[table] {
		if matches(row, filter) {
			events = append(events, &pubsub.ChangeEvent{Kind: pubsub.KindDelete, Table: table, Old: slices.Clone(row)})
			continue
		}
		kept = append(kept, row)
	}
	m.tables[table] = kept
	ps := m.subs[table]
	m.mu.Unlock()

	for _, ev := range events {
		m.emit(ps, ev)
	}
	return nil
}

func (m *MemoryStore) emit(ps *pubsub.PubSub, ev *pubsub.ChangeEvent) {
	if ps == nil {
		return
	}
	if err := ps.Notify(ev.Table, ev); err != nil && err != pubsub.ErrClosed {
		logger.Warn().Err(err).Str("table", ev.Table).Str("kind", ev.Kind).Msg("MemoryStore: dropped change event")
	}
}

func (m *MemoryStore) Subscribe(table string) (pubsub.Listener, error) {
	if _, err := lookupTable(table); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.offlineErr("Subscribe " + table); err != nil {
		return nil, err
	}
	if m.subs[table] != nil {
		return nil, fmt.Errorf("Subscribe %s: %w", table, ErrAlreadySubscribed)
	}
	ps := pubsub.NewPubSub(m.BufferSize)
	m.subs[table] = ps
	return pubsub.WithCloseHook(ps, func() {
		m.mu.Lock()
		if m.subs[table] == ps {
			delete(m.subs, table)
		}
		m.mu.Unlock()
	}), nil
}

// Teardown closes every live subscription.
func (m *MemoryStore) Teardown() {
	m.mu.Lock()
	subs := m.subs
	m.subs = make(map[string]*pubsub.PubSub)
	m.mu.Unlock()
	for _, ps := range subs {
		ps.Close()
	}
}
