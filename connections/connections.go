// Package connections merges scanned peer codes into a user's local connection list without
// ever storing the same peer twice.
package connections

import (
	"context"
	"os"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"

	"github.com/confapp/companion-sync/internal"
	"github.com/confapp/companion-sync/local"
)

var logger = zerolog.New(os.Stdout).With().Timestamp().Logger().Output(zerolog.ConsoleWriter{
	Out:        os.Stderr,
	TimeFormat: "15:04:05",
})

type Outcome string

const (
	OutcomeAdded            Outcome = "added"
	OutcomeAlreadyConnected Outcome = "already_connected"
	OutcomeRejected         Outcome = "rejected"
	OutcomeRoom             Outcome = "room"
)

// Result of a Merge. Rejections and duplicates are outcomes, not errors.
type Result struct {
	Outcome    Outcome              `json:"outcome"`
	Reason     Rejection            `json:"reason,omitempty"`
	Connection *internal.Connection `json:"connection,omitempty"`
	RoomID     string               `json:"room_id,omitempty"`
}

// RoomRouter handles scanned room codes, e.g. by opening the room's schedule.
type RoomRouter interface {
	RouteRoom(ctx context.Context, userID, roomID string) error
}

type Deduplicator struct {
	store  local.Store
	router RoomRouter
	// serialises load-modify-store of connection lists
	mu  sync.Mutex
	now func() time.Time

	numMerges *prometheus.CounterVec
}

// NewDeduplicator returns a Deduplicator. router may be nil, in which case room codes are
// reported but not routed anywhere.
func NewDeduplicator(store local.Store, router RoomRouter, enablePrometheus bool) *Deduplicator {
	d := &Deduplicator{
		store:  store,
		router: router,
		now:    time.Now,
	}
	if enablePrometheus {
		d.numMerges = prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "companion",
			Subsystem: "connections",
			Name:      "num_merges",
			Help:      "Number of scanned codes processed by outcome",
		}, []string{"outcome"})
		prometheus.MustRegister(d.numMerges)
	}
	return d
}

func (d *Deduplicator) Teardown() {
	if d.numMerges != nil {
		prometheus.Unregister(d.numMerges)
	}
}

func (d *Deduplicator) count(res Result) Result {
	if d.numMerges != nil {
		d.numMerges.WithLabelValues(string(res.Outcome)).Inc()
	}
	return res
}

func (d *Deduplicator) load(ctx context.Context, userID string) ([]internal.Connection, error) {
	var conns []internal.Connection
	if _, err := local.GetJSON(ctx, d.store, local.NetworkKey(userID), &conns); err != nil {
		return nil, err
	}
	return conns, nil
}

func uniqueKeys(conns []internal.Connection) bool {
	seen := make(map[string]struct{}, len(conns))
	for _, c := range conns {
		if _, ok := seen[c.IdentityKey()]; ok {
			return false
		}
		seen[c.IdentityKey()] = struct{}{}
	}
	return true
}

// Merge parses a scanned code and adds the peer to userID's connections unless already present.
// Repeating a merge is a no-op reporting OutcomeAlreadyConnected. Only storage faults and room
// routing failures are returned as errors.
func (d *Deduplicator) Merge(ctx context.Context, userID string, raw []byte) (Result, error) {
	p, rejection := ParsePayload(raw)
	if rejection != "" {
		logger.Debug().Str("user", userID).Str("reason", string(rejection)).Msg("Merge: rejected code")
		return d.count(Result{Outcome: OutcomeRejected, Reason: rejection}), nil
	}
	if p.Type == TypeRoom {
		if d.router != nil {
			if err := d.router.RouteRoom(ctx, userID, p.RoomID); err != nil {
				return Result{}, err
			}
		}
		return d.count(Result{Outcome: OutcomeRoom, RoomID: p.RoomID}), nil
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	conns, err := d.load(ctx, userID)
	if err != nil {
		return Result{}, err
	}
	key := p.Profile.IdentityKey()
	for i := range conns {
		if conns[i].IdentityKey() == key {
			existing := conns[i]
			return d.count(Result{Outcome: OutcomeAlreadyConnected, Connection: &existing}), nil
		}
	}
	added := p.Profile
	added.CapturedAt = d.now().UTC()
	conns = append(conns, added)
	internal.Assert("connection identity keys are unique", uniqueKeys(conns))
	if err = local.SetJSON(ctx, d.store, local.NetworkKey(userID), conns); err != nil {
		return Result{}, err
	}
	return d.count(Result{Outcome: OutcomeAdded, Connection: &added}), nil
}

// Remove deletes the connection with identityKey. It reports whether one was removed.
func (d *Deduplicator) Remove(ctx context.Context, userID, identityKey string) (bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	conns, err := d.load(ctx, userID)
	if err != nil {
		return false, err
	}
	kept := conns[:0]
	for _, c := range conns {
		if c.IdentityKey() != identityKey {
			kept = append(kept, c)
		}
	}
	if len(kept) == len(conns) {
		return false, nil
	}
	return true, local.SetJSON(ctx, d.store, local.NetworkKey(userID), kept)
}

// List returns the user's connections in capture order. Never nil.
func (d *Deduplicator) List(ctx context.Context, userID string) ([]internal.Connection, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	conns, err := d.load(ctx, userID)
	if err != nil {
		return nil, err
	}
	if conns == nil {
		conns = []internal.Connection{}
	}
	return conns, nil
}
