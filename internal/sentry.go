package internal

import (
	"context"
	"time"

	"github.com/getsentry/sentry-go"
)

// GetSentryHubFromContextOrDefault is a version of sentry.GetHubFromContext which
// automatically falls back to sentry.CurrentHub if the given context has not been
// attached a hub.
//
// The sentry HTTP integration attaches a hub to request contexts, but the change stream
// consumer and the startup warmup run outside of any request.
//
// The returned pointer is always nonnil.
func GetSentryHubFromContextOrDefault(ctx context.Context) *sentry.Hub {
	hub := sentry.GetHubFromContext(ctx)
	if hub == nil {
		hub = sentry.CurrentHub()
	}
	return hub
}

// ReportFault sends a fault to sentry, tagged with the user and operation. Nil errors are ignored.
func ReportFault(ctx context.Context, userID, op string, err error) {
	if err == nil {
		return
	}
	hub := GetSentryHubFromContextOrDefault(ctx)
	hub.WithScope(func(scope *sentry.Scope) {
		scope.SetTag("op", op)
		if userID != "" {
			scope.SetUser(sentry.User{ID: userID})
		}
		if IsRemoteFault(err) {
			scope.SetTag("fault", RemoteFault.String())
		} else if IsStorageFault(err) {
			scope.SetTag("fault", StorageFault.String())
		}
		hub.CaptureException(err)
	})
}

// ReportPanicsToSentry is deferred at the top of long-lived goroutines. It reports the panic,
// flushes, then re-panics so the process still crashes loudly.
func ReportPanicsToSentry() {
	panicData := recover()
	if panicData != nil {
		sentry.CurrentHub().Recover(panicData)
		sentry.Flush(time.Second * 5)
		panic(panicData)
	}
}
