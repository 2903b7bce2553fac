package coordinator

import (
	"context"

	"github.com/tidwall/gjson"
	"golang.org/x/exp/slices"

	"github.com/confapp/companion-sync/internal"
	"github.com/confapp/companion-sync/pubsub"
)

// Users returns the ids of every user with in-memory state, sorted.
func (c *Coordinator) Users() []string {
	c.usersMu.Lock()
	ids := internal.Keys(c.users)
	c.usersMu.Unlock()
	slices.Sort(ids)
	return ids
}

// ResyncAll resyncs the sessions of every known user. Failures are logged and the first one is
// returned once every user has been tried.
func (c *Coordinator) ResyncAll(ctx context.Context) error {
	var firstErr error
	for _, userID := range c.Users() {
		if _, err := c.ResyncSessions(ctx, userID); err != nil {
			logger.Warn().Err(err).Str("user", userID).Msg("ResyncAll: failed to resync sessions")
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}

// FavoritesListener reloads a user's favorites whenever another device changes one of their
// session_favorites rows.
type FavoritesListener struct {
	c *Coordinator
}

var _ pubsub.ChangeListener = &FavoritesListener{}

func NewFavoritesListener(c *Coordinator) *FavoritesListener {
	return &FavoritesListener{c: c}
}

func (l *FavoritesListener) OnInsert(ev *pubsub.ChangeEvent) {
	l.reload(gjson.GetBytes(ev.New, "user_id").Str)
}

func (l *FavoritesListener) OnUpdate(ev *pubsub.ChangeEvent) {
	newUser := gjson.GetBytes(ev.New, "user_id").Str
	l.reload(newUser)
	if oldUser := gjson.GetBytes(ev.Old, "user_id").Str; oldUser != newUser {
		l.reload(oldUser)
	}
}

func (l *FavoritesListener) OnDelete(ev *pubsub.ChangeEvent) {
	l.reload(gjson.GetBytes(ev.Old, "user_id").Str)
}

func (l *FavoritesListener) reload(userID string) {
	if userID == "" {
		return
	}
	ids, err := l.c.LoadFavorites(context.Background(), userID)
	if err != nil {
		logger.Warn().Err(err).Str("user", userID).Msg("FavoritesListener: reload failed")
		return
	}
	logger.Trace().Str("user", userID).Int("favorites", len(ids)).Msg("FavoritesListener: reloaded")
}
