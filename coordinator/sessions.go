package coordinator

import (
	"context"
	"fmt"
	"os"

	"golang.org/x/exp/slices"
	"gopkg.in/yaml.v3"

	"github.com/confapp/companion-sync/internal"
	"github.com/confapp/companion-sync/local"
	"github.com/confapp/companion-sync/state"
)

// SessionSet is a loaded session list plus the indexes the filter UI offers. Rooms and Speakers
// are never nil.
type SessionSet struct {
	Sessions []internal.Session `json:"sessions"`
	Rooms    []string           `json:"rooms"`
	Speakers []string           `json:"speakers"`
}

func newSessionSet(sessions []internal.Session) SessionSet {
	if sessions == nil {
		sessions = []internal.Session{}
	}
	rooms := make([]string, 0, len(sessions))
	speakers := make([]string, 0, len(sessions))
	for _, s := range sessions {
		rooms = append(rooms, s.Room)
		speakers = append(speakers, s.Speaker)
	}
	return SessionSet{
		Sessions: sessions,
		Rooms:    internal.SortedUnique(rooms),
		Speakers: internal.SortedUnique(speakers),
	}
}

// LoadSessions returns the user's cached sessions, seeding the cache from the bundled defaults on
// first use. It never contacts the remote store.
func (c *Coordinator) LoadSessions(ctx context.Context, userID string) (SessionSet, error) {
	ctx, span := internal.StartSpan(ctx, "Coordinator.LoadSessions")
	defer span.End()
	us := c.lockUser(userID)
	defer us.mu.Unlock()

	var sessions []internal.Session
	ok, err := local.GetJSON(ctx, c.local, local.SessionsKey(userID), &sessions)
	if err != nil {
		span.SetError(err)
		c.countLoad("sessions", "fault")
		return SessionSet{}, err
	}
	if !ok {
		ok, err = local.GetJSON(ctx, c.local, local.DefaultSessionsKey, &sessions)
		if err != nil {
			// a corrupt default snapshot is treated as no snapshot
			logger.Warn().Err(err).Str("user", userID).Msg("LoadSessions: unreadable default sessions")
			sessions, ok = nil, false
		}
		if ok {
			if err = local.SetJSON(ctx, c.local, local.SessionsKey(userID), sessions); err != nil {
				logger.Warn().Err(err).Str("user", userID).Msg("LoadSessions: failed to seed user sessions from defaults")
			}
		}
	}
	us.sessions = sessions
	c.countLoad("sessions", "ok")
	return newSessionSet(sessions), nil
}

// ImportSessions replaces the user's cached session list wholesale.
func (c *Coordinator) ImportSessions(ctx context.Context, userID string, sessions []internal.Session) error {
	us := c.lockUser(userID)
	defer us.mu.Unlock()
	if sessions == nil {
		sessions = []internal.Session{}
	}
	if err := local.SetJSON(ctx, c.local, local.SessionsKey(userID), sessions); err != nil {
		return err
	}
	us.sessions = slices.Clone(sessions)
	return nil
}

// ResyncSessions replaces the user's cached sessions with the remote sessions table. A remote
// fault leaves the cache untouched.
func (c *Coordinator) ResyncSessions(ctx context.Context, userID string) (SessionSet, error) {
	ctx, span := internal.StartSpan(ctx, "Coordinator.ResyncSessions")
	defer span.End()
	rows, err := c.remote.Query(ctx, state.TableSessions, nil)
	if err != nil {
		span.SetError(err)
		c.countLoad("resync", "fault")
		internal.ReportFault(ctx, userID, "ResyncSessions", err)
		return SessionSet{}, err
	}
	sessions, err := state.DecodeRows[internal.Session](rows)
	if err != nil {
		return SessionSet{}, internal.NewRemoteFault("ResyncSessions", err)
	}
	if err = c.ImportSessions(ctx, userID, sessions); err != nil {
		c.countLoad("resync", "fault")
		return SessionSet{}, err
	}
	c.countLoad("resync", "ok")
	return newSessionSet(sessions), nil
}

// SeedDefaults overwrites the bundled fallback snapshot used for users with no cached sessions.
func (c *Coordinator) SeedDefaults(ctx context.Context, sessions []internal.Session) error {
	if sessions == nil {
		sessions = []internal.Session{}
	}
	return local.SetJSON(ctx, c.local, local.DefaultSessionsKey, sessions)
}

type defaultsFile struct {
	Sessions []internal.Session `yaml:"sessions"`
}

// LoadDefaultsFile reads a YAML snapshot of the form `sessions: [{id, title, start_time, ...}]`.
func LoadDefaultsFile(path string) ([]internal.Session, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("LoadDefaultsFile: %w", err)
	}
	var f defaultsFile
	if err = yaml.Unmarshal(raw, &f); err != nil {
		return nil, fmt.Errorf("LoadDefaultsFile %s: %w", path, err)
	}
	for i, s := range f.Sessions {
		if s.ID == "" {
			return nil, fmt.Errorf("LoadDefaultsFile %s: session %d has no id", path, i)
		}
	}
	return f.Sessions, nil
}

// Logout forgets the user's in-memory state and clears every cached key they own.
func (c *Coordinator) Logout(ctx context.Context, userID string) error {
	us := c.lockUser(userID)
	defer us.mu.Unlock()
	c.usersMu.Lock()
	delete(c.users, userID)
	c.usersMu.Unlock()
	us.sessions = nil
	us.favorites = make(map[string]struct{})
	us.favoritesKnown = false
	return local.ClearUser(ctx, c.local, userID)
}
