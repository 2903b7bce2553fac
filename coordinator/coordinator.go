// Package coordinator keeps a user's cached sessions and favorites a best-effort mirror of the
// remote store.
//
// Sessions are read-through from the local cache only. Favorites are remote-authoritative and
// written through: local state only advances once the remote write has been confirmed.
package coordinator

import (
	"os"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"

	"github.com/confapp/companion-sync/internal"
	"github.com/confapp/companion-sync/local"
	"github.com/confapp/companion-sync/state"
)

var logger = zerolog.New(os.Stdout).With().Timestamp().Logger().Output(zerolog.ConsoleWriter{
	Out:        os.Stderr,
	TimeFormat: "15:04:05",
})

type Options struct {
	EnablePrometheus bool
}

// userState is the in-memory view of one user. Guarded by mu, which also serialises every
// coordinator operation for that user.
type userState struct {
	mu        sync.Mutex
	sessions  []internal.Session
	favorites map[string]struct{}
	// false until favorites have been read from remote or the local cache
	favoritesKnown bool
}

type Coordinator struct {
	local  local.Store
	remote state.RemoteStore

	usersMu sync.Mutex
	users   map[string]*userState

	numToggles *prometheus.CounterVec
	numLoads   *prometheus.CounterVec
}

func New(localStore local.Store, remote state.RemoteStore, opts Options) *Coordinator {
	c := &Coordinator{
		local:  localStore,
		remote: remote,
		users:  make(map[string]*userState),
	}
	if opts.EnablePrometheus {
		c.addPrometheusMetrics()
	}
	return c
}

func (c *Coordinator) addPrometheusMetrics() {
	c.numToggles = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "companion",
		Subsystem: "sync",
		Name:      "num_favorite_toggles",
		Help:      "Number of favorite toggles by outcome",
	}, []string{"outcome"})
	c.numLoads = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "companion",
		Subsystem: "sync",
		Name:      "num_loads",
		Help:      "Number of session and favorite loads by resource and outcome",
	}, []string{"resource", "outcome"})
	prometheus.MustRegister(c.numToggles)
	prometheus.MustRegister(c.numLoads)
}

func (c *Coordinator) Teardown() {
	if c.numToggles != nil {
		prometheus.Unregister(c.numToggles)
		prometheus.Unregister(c.numLoads)
	}
}

func (c *Coordinator) countToggle(outcome string) {
	if c.numToggles != nil {
		c.numToggles.WithLabelValues(outcome).Inc()
	}
}

func (c *Coordinator) countLoad(resource, outcome string) {
	if c.numLoads != nil {
		c.numLoads.WithLabelValues(resource, outcome).Inc()
	}
}

// lockUser returns the locked state for userID, creating it if needed. Callers must unlock.
func (c *Coordinator) lockUser(userID string) *userState {
	c.usersMu.Lock()
	us, ok := c.users[userID]
	if !ok {
		us = &userState{favorites: make(map[string]struct{})}
		c.users[userID] = us
	}
	c.usersMu.Unlock()
	us.mu.Lock()
	return us
}
