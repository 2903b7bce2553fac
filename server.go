package companion

import (
	"net/http"
	"os"
	"time"

	sentryhttp "github.com/getsentry/sentry-go/http"
	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/hlog"

	"github.com/confapp/companion-sync/internal"
)

var logger = zerolog.New(os.Stdout).With().Timestamp().Logger().Output(zerolog.ConsoleWriter{
	Out:        os.Stderr,
	TimeFormat: "15:04:05",
})

type server struct {
	chain []func(next http.Handler) http.Handler
	final http.Handler
}

func (s *server) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	h := s.final
	for i := range s.chain {
		h = s.chain[len(s.chain)-1-i](h)
	}
	h.ServeHTTP(w, req)
}

func allowCORS(next http.Handler) http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Origin, X-Requested-With, Content-Type, Accept, Authorization")
		if req.Method == "OPTIONS" {
			w.WriteHeader(200)
			return
		}
		next.ServeHTTP(w, req)
	}
}

// withRequestContext gives every request an id and the logging fields filled in by handlers.
// It must wrap the access handler so the access log sees those fields.
func withRequestContext(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		rid := uuid.NewString()
		w.Header().Set("X-Request-Id", rid)
		next.ServeHTTP(w, req.WithContext(internal.RequestContext(req.Context(), rid)))
	})
}

// NewServer routes the API and wraps it in the logging, error reporting and CORS chain.
func NewServer(api *API, enablePrometheus bool) http.Handler {
	r := mux.NewRouter()
	api.register(r)
	if enablePrometheus {
		r.Handle("/metrics", promhttp.Handler())
	}
	// preflight requests have no matching method route
	r.Methods("OPTIONS").HandlerFunc(allowCORS(http.NotFoundHandler()))

	return &server{
		chain: []func(next http.Handler) http.Handler{
			hlog.NewHandler(logger),
			sentryhttp.New(sentryhttp.Options{Repanic: true}).Handle,
			withRequestContext,
			hlog.AccessHandler(func(r *http.Request, status, size int, duration time.Duration) {
				internal.DecorateLogger(r.Context(), hlog.FromRequest(r).Info()).
					Str("method", r.Method).
					Int("status", status).
					Int("size", size).
					Dur("duration", duration).
					Str("path", r.URL.Path).
					Msg("")
			}),
			hlog.RemoteAddrHandler("ip"),
		},
		final: r,
	}
}

// RunServer blocks until srv is shut down.
func RunServer(srv *http.Server) error {
	logger.Info().Msgf("listening on %s", srv.Addr)
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}
