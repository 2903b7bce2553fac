// Package notifier turns remote row changes into a single time-limited alert.
//
// The alert slot is either Idle or Active. A change while Active replaces the alert and restarts
// its timer, so at most one alert is ever shown. Replaced alerts are counted, not queued.
package notifier

import (
	"context"
	"os"
	"sync"
	"time"

	"github.com/getsentry/sentry-go"
	"github.com/google/uuid"
	"github.com/jellydator/ttlcache/v3"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"github.com/tidwall/gjson"

	"github.com/confapp/companion-sync/internal"
	"github.com/confapp/companion-sync/pubsub"
)

var logger = zerolog.New(os.Stdout).With().Timestamp().Logger().Output(zerolog.ConsoleWriter{
	Out:        os.Stderr,
	TimeFormat: "15:04:05",
})

const (
	DefaultDuration = 3000 * time.Millisecond
	DefaultTable    = "sessions"

	slotKey = "active"
)

// Visual cues
const (
	CueAdded   = "added"
	CueUpdated = "updated"
	CueRemoved = "removed"
)

type State int

const (
	Idle State = iota
	Active
)

func (s State) String() string {
	if s == Active {
		return "active"
	}
	return "idle"
}

// Reasons for a transition
const (
	ReasonEvent     = "event"
	ReasonExpired   = "expired"
	ReasonDismissed = "dismissed"
	ReasonClosed    = "closed"
)

type NotificationRecord struct {
	ID        string    `json:"id"`
	Message   string    `json:"message"`
	Cue       string    `json:"cue"`
	Table     string    `json:"table"`
	CreatedAt time.Time `json:"created_at"`
	// number of earlier alerts this one replaced while they were still showing
	Coalesced int `json:"coalesced"`
}

// Transition is delivered to observers in the order transitions happened. Record is the record
// entering or leaving the slot.
type Transition struct {
	From   State
	To     State
	Reason string
	Record NotificationRecord
}

type Options struct {
	// How long an alert stays Active. Defaults to DefaultDuration.
	Duration time.Duration
	// Table whose changes raise alerts. Defaults to DefaultTable.
	Table            string
	EnablePrometheus bool
}

type Notifier struct {
	opts  Options
	cache *ttlcache.Cache[string, NotificationRecord]
	now   func() time.Time

	// mu orders slot changes with the transitions queued for them
	mu       sync.Mutex
	activeID string
	closed   bool
	queue    []Transition

	wake       chan struct{}
	dispatched chan struct{}

	obsMu     sync.Mutex
	observers map[int]func(Transition)
	nextObsID int

	sub          *pubsub.ChangeSub
	stopEviction func()
	closeOnce    sync.Once

	numAlerts    *prometheus.CounterVec
	numCoalesced prometheus.Counter
}

func New(opts Options) *Notifier {
	if opts.Duration <= 0 {
		opts.Duration = DefaultDuration
	}
	if opts.Table == "" {
		opts.Table = DefaultTable
	}
	n := &Notifier{
		opts: opts,
		cache: ttlcache.New[string, NotificationRecord](
			ttlcache.WithTTL[string, NotificationRecord](opts.Duration),
			ttlcache.WithDisableTouchOnHit[string, NotificationRecord](),
		),
		now:        time.Now,
		wake:       make(chan struct{}, 1),
		dispatched: make(chan struct{}),
		observers:  make(map[int]func(Transition)),
	}
	if opts.EnablePrometheus {
		n.addPrometheusMetrics()
	}
	n.stopEviction = n.cache.OnEviction(n.onEviction)
	go n.cache.Start()
	go n.dispatch()
	return n
}

func (n *Notifier) addPrometheusMetrics() {
	n.numAlerts = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "companion",
		Subsystem: "notifier",
		Name:      "num_alerts",
		Help:      "Number of alerts raised by cue",
	}, []string{"cue"})
	n.numCoalesced = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "companion",
		Subsystem: "notifier",
		Name:      "num_coalesced",
		Help:      "Number of alerts replaced before they expired or were dismissed",
	})
	prometheus.MustRegister(n.numAlerts)
	prometheus.MustRegister(n.numCoalesced)
}

// Attach consumes change events from l on a dedicated goroutine until Close. Only call once.
func (n *Notifier) Attach(l pubsub.Listener) {
	n.mu.Lock()
	n.sub = pubsub.NewChangeSub(n.opts.Table, l, n)
	sub := n.sub
	n.mu.Unlock()
	go func() {
		defer internal.ReportPanicsToSentry()
		if err := sub.Listen(); err != nil {
			logger.Err(err).Str("table", n.opts.Table).Msg("Notifier: change subscription ended")
			sentry.CaptureException(err)
		}
	}()
}

func (n *Notifier) OnInsert(ev *pubsub.ChangeEvent) {
	n.raise(ev.Table, "new item added: "+gjson.GetBytes(ev.New, "title").String(), CueAdded)
}

func (n *Notifier) OnUpdate(ev *pubsub.ChangeEvent) {
	n.raise(ev.Table, "item updated: "+gjson.GetBytes(ev.New, "title").String(), CueUpdated)
}

func (n *Notifier) OnDelete(ev *pubsub.ChangeEvent) {
	n.raise(ev.Table, "item removed", CueRemoved)
}

// raise fills the slot with a new record, replacing any record already showing.
func (n *Notifier) raise(table, message, cue string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.closed {
		return
	}
	if table == "" {
		table = n.opts.Table
	}
	rec := NotificationRecord{
		ID:        uuid.NewString(),
		Message:   message,
		Cue:       cue,
		Table:     table,
		CreatedAt: n.now(),
	}
	from := Idle
	if prev := n.cache.Get(slotKey); prev != nil {
		from = Active
		rec.Coalesced = prev.Value().Coalesced + 1
		if n.numCoalesced != nil {
			n.numCoalesced.Inc()
		}
	} else {
		// Set must not see an expired item the cleaner has not removed yet, or the cleaner
		// would later remove the new one with it.
		n.cache.DeleteExpired()
		if n.activeID != "" {
			// expired, but the eviction callback has not run yet
			n.sendLocked(Transition{From: Active, To: Idle, Reason: ReasonExpired, Record: NotificationRecord{ID: n.activeID}})
		}
	}
	n.cache.Set(slotKey, rec, ttlcache.DefaultTTL)
	n.activeID = rec.ID
	if n.numAlerts != nil {
		n.numAlerts.WithLabelValues(cue).Inc()
	}
	logger.Debug().Str("id", rec.ID).Str("cue", cue).Int("coalesced", rec.Coalesced).Msg(message)
	n.sendLocked(Transition{From: from, To: Active, Reason: ReasonEvent, Record: rec})
}

// onEviction runs on its own goroutine after the slot expired or was deleted.
func (n *Notifier) onEviction(_ context.Context, reason ttlcache.EvictionReason, item *ttlcache.Item[string, NotificationRecord]) {
	n.mu.Lock()
	defer n.mu.Unlock()
	rec := item.Value()
	if n.closed || n.activeID != rec.ID {
		// already replaced or dismissed
		return
	}
	n.activeID = ""
	r := ReasonExpired
	if reason == ttlcache.EvictionReasonDeleted {
		r = ReasonDismissed
	}
	n.sendLocked(Transition{From: Active, To: Idle, Reason: r, Record: rec})
}

// Dismiss clears the slot if id is the record currently showing. Dismissing a record which was
// already replaced or expired does nothing and returns false.
func (n *Notifier) Dismiss(id string) bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.closed || id == "" || n.activeID != id {
		return false
	}
	item := n.cache.Get(slotKey)
	n.activeID = ""
	n.cache.Delete(slotKey)
	if item == nil {
		// lost the race with expiry, which will not send since activeID moved on
		n.sendLocked(Transition{From: Active, To: Idle, Reason: ReasonExpired, Record: NotificationRecord{ID: id}})
		return false
	}
	n.sendLocked(Transition{From: Active, To: Idle, Reason: ReasonDismissed, Record: item.Value()})
	return true
}

// Current returns the showing record, if any.
func (n *Notifier) Current() (NotificationRecord, bool) {
	item := n.cache.Get(slotKey)
	if item == nil {
		return NotificationRecord{}, false
	}
	return item.Value(), true
}

func (n *Notifier) State() State {
	if _, ok := n.Current(); ok {
		return Active
	}
	return Idle
}

// Observe registers fn for every transition and returns a function which unregisters it.
// Observers run on a single goroutine and may call back into the Notifier.
func (n *Notifier) Observe(fn func(Transition)) (remove func()) {
	n.obsMu.Lock()
	defer n.obsMu.Unlock()
	id := n.nextObsID
	n.nextObsID++
	n.observers[id] = fn
	return func() {
		n.obsMu.Lock()
		delete(n.observers, id)
		n.obsMu.Unlock()
	}
}

// sendLocked queues t for observers without blocking, so observers may take mu.
func (n *Notifier) sendLocked(t Transition) {
	n.queue = append(n.queue, t)
	select {
	case n.wake <- struct{}{}:
	default:
	}
}

func (n *Notifier) deliver(t Transition) {
	n.obsMu.Lock()
	fns := make([]func(Transition), 0, len(n.observers))
	for _, fn := range n.observers {
		fns = append(fns, fn)
	}
	n.obsMu.Unlock()
	for _, fn := range fns {
		fn(t)
	}
}

func (n *Notifier) dispatch() {
	defer close(n.dispatched)
	defer internal.ReportPanicsToSentry()
	for {
		n.mu.Lock()
		batch := n.queue
		n.queue = nil
		closed := n.closed
		n.mu.Unlock()
		for _, t := range batch {
			n.deliver(t)
		}
		if closed {
			// nothing is queued once closed is set
			return
		}
		if len(batch) == 0 {
			<-n.wake
		}
	}
}

// Close stops consuming changes and stops the expiry timer. A showing record is cleared with
// ReasonClosed. No transitions are delivered after Close returns.
func (n *Notifier) Close() {
	n.closeOnce.Do(func() {
		n.mu.Lock()
		sub := n.sub
		n.mu.Unlock()
		if sub != nil {
			sub.Teardown()
		}
		n.stopEviction()

		n.mu.Lock()
		if n.activeID != "" {
			rec := NotificationRecord{ID: n.activeID}
			if item := n.cache.Get(slotKey); item != nil {
				rec = item.Value()
			}
			n.sendLocked(Transition{From: Active, To: Idle, Reason: ReasonClosed, Record: rec})
			n.activeID = ""
		}
		n.closed = true
		n.cache.DeleteAll()
		n.mu.Unlock()
		n.cache.Stop()
		select {
		case n.wake <- struct{}{}:
		default:
		}
		<-n.dispatched

		if n.numAlerts != nil {
			prometheus.Unregister(n.numAlerts)
			prometheus.Unregister(n.numCoalesced)
		}
	})
}
