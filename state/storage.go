package state

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/getsentry/sentry-go"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"github.com/confapp/companion-sync/internal"
	"github.com/confapp/companion-sync/pubsub"
	"github.com/confapp/companion-sync/state/migrations"
)

// Storage is the postgres RemoteStore. Column values are moved in and out of postgres as JSON,
// so row types never need mapping by hand.
type Storage struct {
	DB          *sqlx.DB
	postgresURI string
	// size of the bounded queue between LISTEN and the subscriber
	bufferSize int
	// EnablePrometheus counts delivered change events per subscribed table.
	EnablePrometheus bool

	subsMu *sync.Mutex
	subs   map[string]bool
}

func NewStorage(postgresURI string) (*Storage, error) {
	db, err := sqlx.Open("postgres", postgresURI)
	if err != nil {
		sentry.CaptureException(err)
		return nil, fmt.Errorf("NewStorage: failed to open SQL DB: %w", err)
	}
	if err = migrations.Up(db.DB); err != nil {
		sentry.CaptureException(err)
		db.Close()
		return nil, fmt.Errorf("NewStorage: failed to migrate: %w", err)
	}
	return NewStorageWithDB(db, postgresURI), nil
}

// NewStorageWithDB wraps an already migrated database.
func NewStorageWithDB(db *sqlx.DB, postgresURI string) *Storage {
	return &Storage{
		DB:          db,
		postgresURI: postgresURI,
		bufferSize:  64,
		subsMu:      &sync.Mutex{},
		subs:        make(map[string]bool),
	}
}

func (s *Storage) Teardown() {
	err := s.DB.Close()
	if err != nil {
		panic("Storage.Teardown: " + err.Error())
	}
}

// whereClause renders `WHERE t.a = $n AND t.b = $n+1` for the sorted filter columns.
func whereClause(cols []string, filter Filter, firstArg int) (string, []interface{}) {
	if len(cols) == 0 {
		return "", nil
	}
	preds := make([]string, len(cols))
	args := make([]interface{}, len(cols))
	for i, c := range cols {
		preds[i] = fmt.Sprintf("t.%s = $%d", pq.QuoteIdentifier(c), firstArg+i)
		args[i] = filter[c]
	}
	return " WHERE " + strings.Join(preds, " AND "), args
}

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == "23505"
}

func quoteAll(cols []string, prefix string) string {
	quoted := make([]string, len(cols))
	for i, c := range cols {
		quoted[i] = prefix + pq.QuoteIdentifier(c)
	}
	return strings.Join(quoted, ", ")
}

func (s *Storage) Query(ctx context.Context, table string, filter Filter) ([]Row, error) {
	ctx, span := internal.StartSpan(ctx, "Storage.Query")
	defer span.End()
	ts, err := lookupTable(table)
	if err != nil {
		return nil, err
	}
	cols, err := filterColumns(ts, table, filter)
	if err != nil {
		return nil, err
	}
	where, args := whereClause(cols, filter, 1)
	query := fmt.Sprintf(`SELECT row_to_json(t)::text FROM %s AS t%s ORDER BY t.%s`,
		pq.QuoteIdentifier(table), where, pq.QuoteIdentifier(ts.columns[0]),
	)
	var raws []string
	if err = s.DB.SelectContext(ctx, &raws, query, args...); err != nil {
		span.SetError(err)
		return nil, internal.NewRemoteFault("Query "+table, err)
	}
	rows := make([]Row, len(raws))
	for i := range raws {
		rows[i] = Row(raws[i])
	}
	return rows, nil
}

func (s *Storage) Insert(ctx context.Context, table string, row Row) (Row, error) {
	ctx, span := internal.StartSpan(ctx, "Storage.Insert")
	defer span.End()
	ts, err := lookupTable(table)
	if err != nil {
		return nil, err
	}
	cols, _, err := rowColumns(ts, table, row)
	if err != nil {
		return nil, err
	}
	if len(cols) == 0 {
		return nil, fmt.Errorf("Insert %s: empty row", table)
	}
	query := fmt.Sprintf(
		`INSERT INTO %[1]s AS t (%[2]s) SELECT %[3]s FROM json_populate_record(NULL::%[1]s, $1::json) AS r RETURNING row_to_json(t)::text`,
		pq.QuoteIdentifier(table), quoteAll(cols, ""), quoteAll(cols, "r."),
	)
	var inserted string
	err = s.DB.GetContext(ctx, &inserted, query, string(row))
	if err != nil {
		if isUniqueViolation(err) {
			return nil, fmt.Errorf("Insert %s: %w", table, ErrConflict)
		}
		span.SetError(err)
		return nil, internal.NewRemoteFault("Insert "+table, err)
	}
	return Row(inserted), nil
}

func (s *Storage) Update(ctx context.Context, table string, filter Filter, patch Row) error {
	ctx, span := internal.StartSpan(ctx, "Storage.Update")
	defer span.End()
	ts, err := lookupTable(table)
	if err != nil {
		return err
	}
	if len(filter) == 0 {
		return ErrUnfiltered
	}
	fcols, err := filterColumns(ts, table, filter)
	if err != nil {
		return err
	}
	pcols, _, err := rowColumns(ts, table, patch)
	if err != nil {
		return err
	}
	if len(pcols) == 0 {
		return nil
	}
	sets := make([]string, len(pcols))
	for i, c := range pcols {
		sets[i] = fmt.Sprintf("%[1]s = r.%[1]s", pq.QuoteIdentifier(c))
	}
	where, args := whereClause(fcols, filter, 2)
	query := fmt.Sprintf(
		`UPDATE %[1]s AS t SET %[2]s FROM json_populate_record(NULL::%[1]s, $1::json) AS r%[3]s`,
		pq.QuoteIdentifier(table), strings.Join(sets, ", "), where,
	)
	_, err = s.DB.ExecContext(ctx, query, append([]interface{}{string(patch)}, args...)...)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("Update %s: %w", table, ErrConflict)
		}
		span.SetError(err)
		return internal.NewRemoteFault("Update "+table, err)
	}
	return nil
}

func (s *Storage) Delete(ctx context.Context, table string, filter Filter) error {
	ctx, span := internal.StartSpan(ctx, "Storage.Delete")
	defer span.End()
	ts, err := lookupTable(table)
	if err != nil {
		return err
	}
	if len(filter) == 0 {
		return ErrUnfiltered
	}
	cols, err := filterColumns(ts, table, filter)
	if err != nil {
		return err
	}
	where, args := whereClause(cols, filter, 1)
	_, err = s.DB.ExecContext(ctx, fmt.Sprintf(`DELETE FROM %s AS t%s`, pq.QuoteIdentifier(table), where), args...)
	if err != nil {
		span.SetError(err)
		return internal.NewRemoteFault("Delete "+table, err)
	}
	return nil
}

// Subscribe opens a dedicated LISTEN connection for changes on table.
func (s *Storage) Subscribe(table string) (pubsub.Listener, error) {
	if _, err := lookupTable(table); err != nil {
		return nil, err
	}
	s.subsMu.Lock()
	defer s.subsMu.Unlock()
	if s.subs[table] {
		return nil, fmt.Errorf("Subscribe %s: %w", table, ErrAlreadySubscribed)
	}
	var subsystem string
	if s.EnablePrometheus {
		subsystem = "remote_" + table
	}
	l, err := pubsub.NewPQListener(s.postgresURI, s.bufferSize, subsystem)
	if err != nil {
		return nil, internal.NewRemoteFault("Subscribe "+table, err)
	}
	s.subs[table] = true
	logger.Info().Str("table", table).Msg("subscribed to remote changes")
	return pubsub.WithCloseHook(l, func() {
		s.subsMu.Lock()
		delete(s.subs, table)
		s.subsMu.Unlock()
		logger.Info().Str("table", table).Msg("released remote change subscription")
	}), nil
}
