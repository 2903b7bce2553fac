package migrations

import (
	"context"
	"database/sql"

	"github.com/pressly/goose/v3"

	"github.com/confapp/companion-sync/sqlutil"
)

func init() {
	goose.AddMigrationContext(upFavoritesUnique, downFavoritesUnique)
}

// Older clients could race two inserts of the same favorite. Keep the earliest row per
// (user_id, session_id) then forbid duplicates going forward.
func upFavoritesUnique(ctx context.Context, tx *sql.Tx) error {
	exists, err := sqlutil.Exists(ctx, tx, `SELECT 1 FROM pg_constraint WHERE conname = $1`, "session_favorites_user_session_key")
	if err != nil {
		return err
	}
	if exists {
		return nil
	}
	res, err := tx.ExecContext(ctx, `DELETE FROM session_favorites f USING session_favorites g
		WHERE f.user_id = g.user_id AND f.session_id = g.session_id AND f.id > g.id`)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n > 0 {
		logger.Info().Int64("rows", n).Msg("removed duplicate favorites")
	}
	_, err = tx.ExecContext(ctx, `ALTER TABLE session_favorites
		ADD CONSTRAINT session_favorites_user_session_key UNIQUE (user_id, session_id)`)
	return err
}

func downFavoritesUnique(ctx context.Context, tx *sql.Tx) error {
	_, err := tx.ExecContext(ctx, `ALTER TABLE session_favorites DROP CONSTRAINT IF EXISTS session_favorites_user_session_key`)
	return err
}
