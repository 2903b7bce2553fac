package pubsub

import (
	"fmt"
	"sync"
	"time"

	"github.com/getsentry/sentry-go"
	"github.com/lib/pq"
)

// ChanChanges is the postgres NOTIFY channel the change trigger publishes on.
const ChanChanges = "companion_changes"

// PQListener is a Listener fed by postgres LISTEN/NOTIFY. Notifications are decoded into
// ChangeEvents and pushed through a bounded PubSub, so a slow consumer applies backpressure to the
// pump goroutine rather than to the database connection. Events sent while the connection is
// being re-established are lost; consumers must tolerate missed events.
type PQListener struct {
	pq *pq.Listener
	ps *PubSub
	// ps, possibly wrapped with metrics
	pub  Notifier
	done chan struct{}
	once sync.Once
}

// NewPQListener starts listening for changes. If metricsSubsystem is not empty, delivered changes
// are counted under companion_<metricsSubsystem>_num_payloads.
func NewPQListener(postgresURI string, bufferSize int, metricsSubsystem string) (*PQListener, error) {
	l := pq.NewListener(postgresURI, 100*time.Millisecond, 30*time.Second, func(ev pq.ListenerEventType, err error) {
		switch ev {
		case pq.ListenerEventDisconnected:
			logger.Warn().Err(err).Msg("PQListener: disconnected, change events may be missed")
		case pq.ListenerEventReconnected:
			logger.Info().Msg("PQListener: reconnected")
		case pq.ListenerEventConnectionAttemptFailed:
			logger.Warn().Err(err).Msg("PQListener: reconnect attempt failed")
		}
	})
	if err := l.Listen(ChanChanges); err != nil {
		l.Close()
		return nil, fmt.Errorf("NewPQListener: LISTEN %s: %w", ChanChanges, err)
	}
	ps := NewPubSub(bufferSize)
	var pub Notifier = ps
	if metricsSubsystem != "" {
		pub = NewPromNotifier(ps, metricsSubsystem)
	}
	return &PQListener{
		pq:   l,
		ps:   ps,
		pub:  pub,
		done: make(chan struct{}),
	}, nil
}

// Listen starts the notification pump and blocks delivering events for the table chanName.
// Only call this once per PQListener.
func (l *PQListener) Listen(chanName string, fn func(p Payload)) error {
	go l.pump(chanName)
	return l.ps.Listen(chanName, fn)
}

func (l *PQListener) pump(table string) {
	for {
		select {
		case <-l.done:
			return
		case n, ok := <-l.pq.Notify:
			if !ok {
				return
			}
			if n == nil {
				// sent after a reconnect
				continue
			}
			ev, err := DecodeChangeEvent([]byte(n.Extra))
			if err != nil {
				logger.Err(err).Str("payload", n.Extra).Msg("PQListener: dropping undecodable notification")
				sentry.CaptureException(err)
				continue
			}
			if ev.Table != table {
				continue
			}
			if err = l.pub.Notify(table, ev); err != nil && err != ErrClosed {
				logger.Err(err).Str("table", table).Msg("PQListener: failed to enqueue change")
			}
		}
	}
}

func (l *PQListener) Close() error {
	var err error
	l.once.Do(func() {
		close(l.done)
		err = l.pq.Close()
		l.pub.Close()
	})
	return err
}
