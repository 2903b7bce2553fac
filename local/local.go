// Package local is the durable per-user key/value cache private to the device.
//
// Values are JSON documents stored under namespaced string keys, e.g. the favorites of user U
// live under "favorites_U". Every failure is returned as an internal.StorageFault.
package local

import (
	"context"
	"encoding/json"
	"errors"
	"os"

	"github.com/confapp/companion-sync/internal"
	"github.com/rs/zerolog"
)

var logger = zerolog.New(os.Stdout).With().Timestamp().Logger().Output(zerolog.ConsoleWriter{
	Out:        os.Stderr,
	TimeFormat: "15:04:05",
})

// ErrQuotaExceeded is returned by stores with a size limit when a write would exceed it.
var ErrQuotaExceeded = errors.New("local: storage quota exceeded")

// DefaultSessionsKey holds the bundled fallback session snapshot. It has no user suffix and
// survives logout.
const DefaultSessionsKey = "default_sessions"

func SessionsKey(userID string) string    { return "sessions_" + userID }
func FavoritesKey(userID string) string   { return "favorites_" + userID }
func NetworkKey(userID string) string     { return "network-" + userID }
func SocialLinksKey(userID string) string { return "socialLinks_" + userID }

// UserKeys lists every key owned by a user.
func UserKeys(userID string) []string {
	return []string{
		SessionsKey(userID),
		FavoritesKey(userID),
		NetworkKey(userID),
		SocialLinksKey(userID),
	}
}

// Store is a single-process key/value store which persists across restarts.
type Store interface {
	// Get returns the value for key. ok is false if the key does not exist.
	Get(ctx context.Context, key string) (value []byte, ok bool, err error)
	Set(ctx context.Context, key string, value []byte) error
	// Remove deletes key. Removing a missing key is not an error.
	Remove(ctx context.Context, key string) error
}

// GetJSON decodes the value at key into out. ok is false if the key does not exist, in which case
// out is untouched.
func GetJSON(ctx context.Context, s Store, key string, out interface{}) (ok bool, err error) {
	raw, ok, err := s.Get(ctx, key)
	if err != nil {
		return false, internal.NewStorageFault("Get "+key, err)
	}
	if !ok {
		return false, nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return false, internal.NewStorageFault("decode "+key, err)
	}
	return true, nil
}

// SetJSON encodes v and writes it to key.
func SetJSON(ctx context.Context, s Store, key string, v interface{}) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return internal.NewStorageFault("encode "+key, err)
	}
	if err := s.Set(ctx, key, raw); err != nil {
		return internal.NewStorageFault("Set "+key, err)
	}
	return nil
}

// Remove deletes key, wrapping failures as a StorageFault.
func Remove(ctx context.Context, s Store, key string) error {
	return internal.NewStorageFault("Remove "+key, s.Remove(ctx, key))
}

// ClearUser removes every key owned by userID. It keeps going after a failure and returns the
// first error so that as much as possible is cleared on logout.
func ClearUser(ctx context.Context, s Store, userID string) error {
	var firstErr error
	for _, key := range UserKeys(userID) {
		if err := Remove(ctx, s, key); err != nil {
			logger.Err(err).Str("key", key).Msg("ClearUser: failed to remove key")
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}
