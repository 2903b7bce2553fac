package internal

import (
	"context"

	"github.com/rs/zerolog"
)

type ctx string

var (
	ctxData ctx = "companion_data"
)

// logging metadata for a single request
type data struct {
	userID    string
	requestID string
	op        string
	outcome   string
	numItems  int
}

// prepare a request context so it can contain companion info
func RequestContext(ctx context.Context, requestID string) context.Context {
	d := &data{
		requestID: requestID,
		numItems:  -1,
	}
	return context.WithValue(ctx, ctxData, d)
}

// add the acting user ID to this request context. Need to have called RequestContext first.
func SetRequestContextUserID(ctx context.Context, userID string) {
	d := ctx.Value(ctxData)
	if d == nil {
		return
	}
	da := d.(*data)
	da.userID = userID
}

// SetRequestContextResult records which sync operation ran and how it ended.
func SetRequestContextResult(ctx context.Context, op, outcome string, numItems int) {
	d := ctx.Value(ctxData)
	if d == nil {
		return
	}
	da := d.(*data)
	da.op = op
	da.outcome = outcome
	da.numItems = numItems
}

func DecorateLogger(ctx context.Context, l *zerolog.Event) *zerolog.Event {
	d := ctx.Value(ctxData)
	if d == nil {
		return l
	}
	da := d.(*data)
	if da.userID != "" {
		l = l.Str("u", da.userID)
	}
	if da.requestID != "" {
		l = l.Str("rid", da.requestID)
	}
	if da.op != "" {
		l = l.Str("op", da.op)
	}
	if da.outcome != "" {
		l = l.Str("o", da.outcome)
	}
	if da.numItems >= 0 {
		l = l.Int("n", da.numItems)
	}
	return l
}
