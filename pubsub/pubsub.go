package pubsub

import (
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
)

var logger = zerolog.New(os.Stdout).With().Timestamp().Logger().Output(zerolog.ConsoleWriter{
	Out:        os.Stderr,
	TimeFormat: "15:04:05",
})

var ErrClosed = errors.New("pubsub: closed")

// Every payload needs a type to distinguish what kind of update it is.
type Payload interface {
	Type() string
}

// Listener represents the common functions required by all subscription listeners
type Listener interface {
	// Begin listening on this channel with this callback. Blocks until Close() is called.
	Listen(chanName string, fn func(p Payload)) error
	// Close the listener. No more callbacks should fire.
	Close() error
}

// Notifier represents the common functions required by all notifiers
type Notifier interface {
	// Notify chanName that there is a new payload p. Return an error if we failed to send the notification.
	Notify(chanName string, p Payload) error
	// Close is called when we should stop listening.
	Close() error
}

// PubSub is an in-process Notifier and Listener. Each channel is a bounded queue drained by a
// single Listen call, so callbacks for one channel never run concurrently.
type PubSub struct {
	chans         map[string]chan Payload
	mu            *sync.Mutex
	closed        bool
	bufferSize    int
	notifyTimeout time.Duration
}

func NewPubSub(bufferSize int) *PubSub {
	return &PubSub{
		chans:         make(map[string]chan Payload),
		mu:            &sync.Mutex{},
		bufferSize:    bufferSize,
		notifyTimeout: 5 * time.Second,
	}
}

func (ps *PubSub) getChanLocked(chanName string) chan Payload {
	ch := ps.chans[chanName]
	if ch == nil {
		ch = make(chan Payload, ps.bufferSize)
		ps.chans[chanName] = ch
	}
	return ch
}

// Notify blocks for up to 5s if the channel buffer is full, then gives up. The lock is held while
// sending so Close can never close a channel underneath a sender.
func (ps *PubSub) Notify(chanName string, p Payload) error {
	ps.mu.Lock()
	defer ps.mu.Unlock()
	if ps.closed {
		return ErrClosed
	}
	ch := ps.getChanLocked(chanName)
	select {
	case ch <- p:
		break
	case <-time.After(ps.notifyTimeout):
		return fmt.Errorf("notify with payload %v timed out", p.Type())
	}
	return nil
}

func (ps *PubSub) Close() error {
	ps.mu.Lock()
	defer ps.mu.Unlock()
	if ps.closed {
		return nil
	}
	ps.closed = true
	for _, ch := range ps.chans {
		close(ch)
	}
	return nil
}

func (ps *PubSub) Listen(chanName string, fn func(p Payload)) error {
	ps.mu.Lock()
	if ps.closed {
		ps.mu.Unlock()
		return ErrClosed
	}
	ch := ps.getChanLocked(chanName)
	ps.mu.Unlock()
	for payload := range ch {
		fn(payload)
	}
	return nil
}

// WithCloseHook returns a Listener which calls onClose once, after the wrapped listener is closed.
// Stores use it to release a per-table subscription slot.
func WithCloseHook(l Listener, onClose func()) Listener {
	return &hookedListener{Listener: l, onClose: onClose}
}

type hookedListener struct {
	Listener
	once    sync.Once
	onClose func()
}

func (h *hookedListener) Close() error {
	err := h.Listener.Close()
	h.once.Do(h.onClose)
	return err
}

// Wrapper around a Notifier which adds Prometheus metrics
type PromNotifier struct {
	Notifier
	msgCounter *prometheus.CounterVec
}

func (p *PromNotifier) Notify(chanName string, payload Payload) error {
	p.msgCounter.WithLabelValues(payload.Type()).Inc()
	return p.Notifier.Notify(chanName, payload)
}

func (p *PromNotifier) Close() error {
	prometheus.Unregister(p.msgCounter)
	return p.Notifier.Close()
}

// Wrap a notifier for prometheus metrics
func NewPromNotifier(n Notifier, subsystem string) Notifier {
	p := &PromNotifier{
		Notifier: n,
		msgCounter: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "companion",
			Subsystem: subsystem,
			Name:      "num_payloads",
			Help:      "Number of payloads published",
		}, []string{"payload_type"}),
	}
	prometheus.MustRegister(p.msgCounter)
	return p
}
