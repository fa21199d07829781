// Package piishield selectively replicates sensitive records from a secure
// backend store into an isolated frontend store over a pub/sub bus, so
// frontend code never connects to the secure store and every replicated
// copy self-expires.
package piishield

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"os"
	"time"

	"github.com/gorilla/mux"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/hlog"

	"github.com/pii-shield/pii-shield/gate"
	"github.com/pii-shield/pii-shield/internal"
	"github.com/pii-shield/pii-shield/pii"
	"github.com/pii-shield/pii-shield/pubsub"
	"github.com/pii-shield/pii-shield/state"
	"github.com/pii-shield/pii-shield/syncer"
)

var logger = zerolog.New(os.Stdout).With().Timestamp().Logger().Output(zerolog.ConsoleWriter{
	Out:        os.Stderr,
	TimeFormat: "15:04:05",
})

var errNoSession = errors.New("missing session cookie")

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

// RunSinkServer runs the isolated-network side: the background consumer,
// the request gate in front of appHandler, and the waiting endpoint the
// gate defers stale sessions to. Blocks until the listener fails.
func RunSinkServer(cfg Config, registry *pii.Registry, appHandler http.Handler) {
	if cfg.Mode != ModeSink {
		logger.Fatal().Str("mode", cfg.Mode).Msg("RunSinkServer requires sink mode")
	}
	isolated := state.NewStorage(cfg.PostgresURI)

	consumerBus, err := pubsub.NewNATSBus(cfg.NATSURL, cfg.Advanced.AutoReconnect)
	if err != nil {
		logger.Fatal().Err(err).Str("url", cfg.NATSURL).Msg("failed to connect consumer to bus")
	}
	consumer := syncer.NewConsumer(consumerBus, registry, isolated, syncer.ConsumerOpts{
		Prefix:           cfg.Channels.Prefix,
		DefaultChannel:   cfg.Channels.Default,
		MaxRetries:       cfg.Sync.MaxRetries,
		RetryDelay:       cfg.Sync.RetryDelay,
		BackoffFactor:    cfg.Sync.BackoffFactor,
		Sink:             true,
		EnablePrometheus: true,
	})
	if cfg.Advanced.AutoReconnect {
		if !consumer.Start() {
			logger.Fatal().Msg("failed to start consumer")
		}
	}

	triggerBus, err := pubsub.NewNATSBus(cfg.NATSURL, cfg.Advanced.AutoReconnect)
	if err != nil {
		logger.Fatal().Err(err).Str("url", cfg.NATSURL).Msg("failed to connect trigger to bus")
	}
	g := gate.New(isolated, registry, &syncer.BusTrigger{Bus: triggerBus, Prefix: cfg.Channels.Prefix}, gate.Opts{
		RefreshThreshold: cfg.Session.RefreshThreshold,
		SessionTimeout:   cfg.Session.Timeout,
		ExcludedPaths:    cfg.Advanced.ExcludedPaths,
		WaitingPath:      cfg.Advanced.WaitingPath,
	})

	r := mux.NewRouter()
	if cfg.Advanced.WaitingPath != "" {
		r.Handle(cfg.Advanced.WaitingPath, WaitingHandler(g, cfg))
	}
	r.HandleFunc("/healthz", func(w http.ResponseWriter, req *http.Request) {
		w.WriteHeader(200)
		w.Write([]byte(`{}`))
	})
	if appHandler != nil {
		r.PathPrefix("/").Handler(appHandler)
	}

	srv := &server{
		chain: []func(next http.Handler) http.Handler{
			hlog.NewHandler(logger),
			hlog.AccessHandler(func(req *http.Request, status, size int, duration time.Duration) {
				hlog.FromRequest(req).Info().
					Str("method", req.Method).
					Int("status", status).
					Int("size", size).
					Dur("duration", duration).
					Str("path", req.URL.Path).
					Msg("")
			}),
			hlog.RemoteAddrHandler("ip"),
			g.Middleware,
		},
		final: r,
	}

	logger.Info().Str("addr", cfg.BindAddr).Msg("listening")
	if err := http.ListenAndServe(cfg.BindAddr, srv); err != nil {
		logger.Fatal().Err(err).Msg("failed to listen and serve")
	}
}

// RunSource runs the secure-network side: it answers sync requests from the
// sink by loading the session's records from the secure store and
// publishing them. Blocks forever.
func RunSource(cfg Config, registry *pii.Registry) {
	if cfg.Mode != ModeSource {
		logger.Fatal().Str("mode", cfg.Mode).Msg("RunSource requires source mode")
	}
	secure := state.NewStorage(cfg.PostgresURI)

	pubBus, err := pubsub.NewNATSBus(cfg.NATSURL, cfg.Advanced.AutoReconnect)
	if err != nil {
		logger.Fatal().Err(err).Str("url", cfg.NATSURL).Msg("failed to connect publisher to bus")
	}
	publisher := syncer.NewPublisher(
		pubsub.NewPromBus(pubBus, "publisher"),
		registry, secure, pii.NewPolicy(cfg.Session.Timeout),
		syncer.PublisherOpts{
			Prefix:         cfg.Channels.Prefix,
			DefaultChannel: cfg.Channels.Default,
			BatchSize:      cfg.Sync.BatchSize,
			Source:         true,
		},
	)

	listenBus, err := pubsub.NewNATSBus(cfg.NATSURL, cfg.Advanced.AutoReconnect)
	if err != nil {
		logger.Fatal().Err(err).Str("url", cfg.NATSURL).Msg("failed to connect listener to bus")
	}
	load := func(ctx context.Context, sessionID string) ([]pii.Entity, error) {
		return secure.LoadSession(sessionID, registry)
	}
	listener := syncer.NewSyncRequestListener(listenBus, publisher, load, cfg.Channels.Prefix)
	if !listener.Start() {
		logger.Fatal().Msg("failed to start sync request listener")
	}
	logger.Info().Msg("source role ready, waiting for sync requests")
	select {}
}

// WaitingHandler reports whether a session's data has arrived. The waiting
// view polls it and follows the redirect once ready.
func WaitingHandler(g *gate.Gate, cfg Config) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		sessionID := sessionFromRequest(req)
		w.Header().Set("Content-Type", "application/json")
		if sessionID == "" {
			herr := &internal.HandlerError{StatusCode: 400, Err: errNoSession}
			w.WriteHeader(herr.StatusCode)
			w.Write(herr.JSON())
			return
		}
		ready, redirect := g.Ready(sessionID)
		body := map[string]interface{}{
			"ready": ready,
		}
		if redirect != "" {
			body[cfg.Advanced.RedirectSessionKey] = redirect
		}
		b, _ := json.Marshal(body)
		w.WriteHeader(200)
		w.Write(b)
	})
}

func sessionFromRequest(req *http.Request) string {
	cookie, err := req.Cookie(gate.DefaultSessionCookie)
	if err != nil {
		return ""
	}
	return cookie.Value
}
