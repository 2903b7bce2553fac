package coordinator

import (
	"context"
	"errors"

	"github.com/tidwall/sjson"
	"golang.org/x/exp/maps"
	"golang.org/x/exp/slices"

	"github.com/confapp/companion-sync/internal"
	"github.com/confapp/companion-sync/local"
	"github.com/confapp/companion-sync/state"
)

func sortedSet(set map[string]struct{}) []string {
	ids := maps.Keys(set)
	slices.Sort(ids)
	return ids
}

// LoadFavorites reads the user's favorites from the remote store and overwrites the local cache
// with them. On a remote fault the previous cache is left untouched, see CachedFavorites.
func (c *Coordinator) LoadFavorites(ctx context.Context, userID string) ([]string, error) {
	ctx, span := internal.StartSpan(ctx, "Coordinator.LoadFavorites")
	defer span.End()
	us := c.lockUser(userID)
	defer us.mu.Unlock()

	rows, err := c.remote.Query(ctx, state.TableSessionFavorites, state.Filter{"user_id": userID})
	if err != nil {
		span.SetError(err)
		c.countLoad("favorites", "fault")
		internal.ReportFault(ctx, userID, "LoadFavorites", err)
		return nil, err
	}
	marks, err := state.DecodeRows[internal.FavoriteMark](rows)
	if err != nil {
		return nil, internal.NewRemoteFault("LoadFavorites", err)
	}
	set := make(map[string]struct{}, len(marks))
	for _, m := range marks {
		set[m.SessionID] = struct{}{}
	}
	us.favorites = set
	us.favoritesKnown = true
	ids := sortedSet(set)
	if err = local.SetJSON(ctx, c.local, local.FavoritesKey(userID), ids); err != nil {
		c.countLoad("favorites", "fault")
		return ids, err
	}
	c.countLoad("favorites", "ok")
	return ids, nil
}

// CachedFavorites returns the last-known-good favorites from the local cache, or an empty list if
// none were ever stored.
func (c *Coordinator) CachedFavorites(ctx context.Context, userID string) ([]string, error) {
	us := c.lockUser(userID)
	defer us.mu.Unlock()
	if err := c.ensureFavoritesLocked(ctx, userID, us); err != nil {
		return nil, err
	}
	return sortedSet(us.favorites), nil
}

// ensureFavoritesLocked fills in-memory favorites from the local cache if nothing has been
// loaded yet in this process.
func (c *Coordinator) ensureFavoritesLocked(ctx context.Context, userID string, us *userState) error {
	if us.favoritesKnown {
		return nil
	}
	var ids []string
	if _, err := local.GetJSON(ctx, c.local, local.FavoritesKey(userID), &ids); err != nil {
		return err
	}
	us.favorites = make(map[string]struct{}, len(ids))
	for _, id := range ids {
		us.favorites[id] = struct{}{}
	}
	us.favoritesKnown = true
	return nil
}

// ToggleFavorite adds or removes sessionID from the user's favorites and returns the membership
// after the call. The remote write happens first. If it fails nothing changes and the returned
// error is a retryable remote fault. If only the local cache rewrite fails, the new membership stands and
// a storage fault is returned with it.
func (c *Coordinator) ToggleFavorite(ctx context.Context, userID, sessionID string) (bool, error) {
	ctx, span := internal.StartSpan(ctx, "Coordinator.ToggleFavorite")
	defer span.End()
	us := c.lockUser(userID)
	defer us.mu.Unlock()
	if err := c.ensureFavoritesLocked(ctx, userID, us); err != nil {
		return false, err
	}
	_, isFavorite := us.favorites[sessionID]

	if isFavorite {
		err := c.remote.Delete(ctx, state.TableSessionFavorites, state.Filter{
			"user_id":    userID,
			"session_id": sessionID,
		})
		if err != nil {
			span.SetError(err)
			c.countToggle("fault")
			internal.ReportFault(ctx, userID, "ToggleFavorite", err)
			return true, err
		}
	} else {
		row, err := sjson.SetBytes([]byte(`{}`), "user_id", userID)
		if err == nil {
			row, err = sjson.SetBytes(row, "session_id", sessionID)
		}
		if err != nil {
			return false, err
		}
		_, err = c.remote.Insert(ctx, state.TableSessionFavorites, row)
		// another device got there first, which is the state we wanted
		if err != nil && !errors.Is(err, state.ErrConflict) {
			span.SetError(err)
			c.countToggle("fault")
			internal.ReportFault(ctx, userID, "ToggleFavorite", err)
			return false, err
		}
	}

	if isFavorite {
		delete(us.favorites, sessionID)
	} else {
		us.favorites[sessionID] = struct{}{}
	}
	if err := local.SetJSON(ctx, c.local, local.FavoritesKey(userID), sortedSet(us.favorites)); err != nil {
		c.countToggle("storage_fault")
		logger.Warn().Err(err).Str("user", userID).Msg("ToggleFavorite: remote updated but local cache was not")
		return !isFavorite, err
	}
	if isFavorite {
		c.countToggle("removed")
	} else {
		c.countToggle("added")
	}
	return !isFavorite, nil
}
