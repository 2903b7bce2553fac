package pubsub

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/tidwall/gjson"
)

// Kinds of row change. Anything else decodes to its lowercased eventType and is ignored by
// ChangeSub.
const (
	KindInsert = "insert"
	KindUpdate = "update"
	KindDelete = "delete"
)

// ChangeEvent is a single row change on a remote table. New is absent for deletes and Old is
// absent for inserts.
type ChangeEvent struct {
	Kind  string
	Table string
	Old   json.RawMessage
	New   json.RawMessage
}

func (c ChangeEvent) Type() string { return c.Kind }

// wire form of a change, as emitted by the companion_notify_change trigger
type changeWire struct {
	Table     string          `json:"table"`
	EventType string          `json:"eventType"`
	New       json.RawMessage `json:"new,omitempty"`
	Old       json.RawMessage `json:"old,omitempty"`
}

// DecodeChangeEvent parses a `{table, eventType, new?, old?}` payload. JSON nulls for new/old
// are treated as absent.
func DecodeChangeEvent(raw []byte) (*ChangeEvent, error) {
	if !gjson.ValidBytes(raw) {
		return nil, fmt.Errorf("DecodeChangeEvent: invalid JSON")
	}
	parsed := gjson.ParseBytes(raw)
	eventType := parsed.Get("eventType").Str
	if eventType == "" {
		return nil, fmt.Errorf("DecodeChangeEvent: missing eventType")
	}
	ev := &ChangeEvent{
		Kind:  strings.ToLower(eventType),
		Table: parsed.Get("table").Str,
	}
	if n := parsed.Get("new"); n.IsObject() {
		ev.New = json.RawMessage(n.Raw)
	}
	if o := parsed.Get("old"); o.IsObject() {
		ev.Old = json.RawMessage(o.Raw)
	}
	return ev, nil
}

// EncodeChangeEvent is the inverse of DecodeChangeEvent.
func EncodeChangeEvent(ev *ChangeEvent) ([]byte, error) {
	return json.Marshal(changeWire{
		Table:     ev.Table,
		EventType: strings.ToUpper(ev.Kind),
		New:       ev.New,
		Old:       ev.Old,
	})
}

type ChangeListener interface {
	OnInsert(ev *ChangeEvent)
	OnUpdate(ev *ChangeEvent)
	OnDelete(ev *ChangeEvent)
}

// ChangeSub dispatches change events for one table to a ChangeListener.
type ChangeSub struct {
	table    string
	listener Listener
	receiver ChangeListener
}

func NewChangeSub(table string, l Listener, recv ChangeListener) *ChangeSub {
	return &ChangeSub{
		table:    table,
		listener: l,
		receiver: recv,
	}
}

func (c *ChangeSub) Teardown() {
	c.listener.Close()
}

func (c *ChangeSub) onMessage(p Payload) {
	ev, ok := p.(*ChangeEvent)
	if !ok {
		logger.Warn().Str("type", p.Type()).Msg("ChangeSub: ignoring non-change payload")
		return
	}
	if ev.Table != "" && ev.Table != c.table {
		return
	}
	switch ev.Kind {
	case KindInsert:
		c.receiver.OnInsert(ev)
	case KindUpdate:
		c.receiver.OnUpdate(ev)
	case KindDelete:
		c.receiver.OnDelete(ev)
	default:
		logger.Debug().Str("table", c.table).Str("kind", ev.Kind).Msg("ChangeSub: ignoring unknown change kind")
	}
}

// Listen blocks until Teardown is called.
func (c *ChangeSub) Listen() error {
	return c.listener.Listen(c.table, c.onMessage)
}
