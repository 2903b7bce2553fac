package state

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"

	"github.com/confapp/companion-sync/pubsub"
	"github.com/rs/zerolog"
	"golang.org/x/exp/maps"
	"golang.org/x/exp/slices"
)

var logger = zerolog.New(os.Stdout).With().Timestamp().Logger().Output(zerolog.ConsoleWriter{
	Out:        os.Stderr,
	TimeFormat: "15:04:05",
})

// Remote table names.
const (
	TableSessions           = "sessions"
	TableSessionFavorites   = "session_favorites"
	TableAttendees          = "attendees"
	TablePresentationSlides = "presentation_slides"
)

var (
	ErrUnknownTable      = errors.New("state: unknown table")
	ErrUnknownColumn     = errors.New("state: unknown column")
	ErrUnfiltered        = errors.New("state: refusing to mutate every row of a table")
	ErrConflict          = errors.New("state: row conflicts with an existing row")
	ErrAlreadySubscribed = errors.New("state: table already has a live subscription")
	ErrOffline           = errors.New("state: remote store unreachable")
)

// Row is a single JSON object row.
type Row = json.RawMessage

// Filter is a set of column equality predicates combined with AND. An empty filter matches every row.
type Filter map[string]interface{}

// RemoteStore is the authoritative relational backend shared across devices.
type RemoteStore interface {
	Query(ctx context.Context, table string, filter Filter) ([]Row, error)
	// Insert returns the row as stored, including generated columns. Returns ErrConflict (wrapped)
	// if a unique constraint is violated.
	Insert(ctx context.Context, table string, row Row) (Row, error)
	Update(ctx context.Context, table string, filter Filter, patch Row) error
	Delete(ctx context.Context, table string, filter Filter) error
	// Subscribe returns a listener for row changes on table. Only one subscription per table may
	// be live at once; closing the listener releases it.
	Subscribe(table string) (pubsub.Listener, error)
}

type tableSchema struct {
	columns []string
	// each entry is a set of columns which must be unique across rows
	unique [][]string
	// generated is a serial column filled in on insert when absent
	generated string
}

var schema = map[string]tableSchema{
	TableSessions: {
		columns: []string{"id", "title", "start_time", "description", "room", "speaker"},
		unique:  [][]string{{"id"}},
	},
	TableSessionFavorites: {
		columns:   []string{"id", "user_id", "session_id", "created_at"},
		unique:    [][]string{{"id"}, {"user_id", "session_id"}},
		generated: "id",
	},
	TableAttendees: {
		columns: []string{"id", "name", "email", "role", "interests", "avatar", "occupation", "company"},
		unique:  [][]string{{"id"}},
	},
	TablePresentationSlides: {
		columns:   []string{"id", "session_id", "url", "page_count", "uploaded_by"},
		unique:    [][]string{{"id"}},
		generated: "id",
	},
}

func lookupTable(table string) (tableSchema, error) {
	ts, ok := schema[table]
	if !ok {
		return tableSchema{}, fmt.Errorf("%w: %q", ErrUnknownTable, table)
	}
	return ts, nil
}

func (ts tableSchema) hasColumn(col string) bool {
	return slices.Contains(ts.columns, col)
}

// checkColumns validates every column name and returns them sorted, so generated SQL and
// argument order are deterministic.
func (ts tableSchema) checkColumns(table string, cols []string) ([]string, error) {
	sorted := slices.Clone(cols)
	slices.Sort(sorted)
	for _, c := range sorted {
		if !ts.hasColumn(c) {
			return nil, fmt.Errorf("%w: %s.%s", ErrUnknownColumn, table, c)
		}
	}
	return sorted, nil
}

func filterColumns(ts tableSchema, table string, filter Filter) ([]string, error) {
	return ts.checkColumns(table, maps.Keys(filter))
}

// rowColumns returns the top-level keys of a JSON object row.
func rowColumns(ts tableSchema, table string, row Row) ([]string, map[string]json.RawMessage, error) {
	var obj map[string]json.RawMessage
	if err := json.Unmarshal(row, &obj); err != nil {
		return nil, nil, fmt.Errorf("row for %s is not a JSON object: %w", table, err)
	}
	cols, err := ts.checkColumns(table, maps.Keys(obj))
	if err != nil {
		return nil, nil, err
	}
	return cols, obj, nil
}

// DecodeRows unmarshals every row into a T.
func DecodeRows[T any](rows []Row) ([]T, error) {
	out := make([]T, 0, len(rows))
	for i := range rows {
		var v T
		if err := json.Unmarshal(rows[i], &v); err != nil {
			return nil, fmt.Errorf("DecodeRows: row %d: %w", i, err)
		}
		out = append(out, v)
	}
	return out, nil
}
