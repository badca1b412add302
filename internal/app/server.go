package app

import (
	"context"
	"encoding/json"
	"net"
	"net/http"

	"github.com/MrWong99/pianobridge/internal/health"
	"github.com/MrWong99/pianobridge/internal/observe"
	"github.com/MrWong99/pianobridge/internal/session"
	"github.com/MrWong99/pianobridge/internal/status"
)

// sessionView is the JSON body of GET /session.
type sessionView struct {
	SessionID string         `json:"session_id"`
	State     string         `json:"state"`
	Selected  string         `json:"selected,omitempty"`
	Channels  []string       `json:"channels,omitempty"`
	InputID   *int           `json:"input_id,omitempty"`
	Last      *status.Status `json:"last,omitempty"`
}

// Handler returns the HTTP routes: Prometheus metrics, health probes, the
// websocket status feed and a JSON session snapshot, all instrumented by
// [observe.Middleware].
func (a *App) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("GET /metrics", a.scrape)
	health.New(a.checkers()...).Register(mux)
	mux.Handle("GET /status", a.feed.Handler())
	mux.HandleFunc("GET /session", a.serveSession)
	return observe.Middleware(a.metrics)(mux)
}

// newServer derives request contexts from ctx so hijacked status
// websockets end with it.
func (a *App) newServer(ctx context.Context) *http.Server {
	return &http.Server{
		Addr:        a.cfg.Server.ListenAddr,
		Handler:     a.Handler(),
		BaseContext: func(net.Listener) context.Context { return ctx },
	}
}

// checkers reports the gateway ready once channels are discovered, and the
// engine unhealthy while its last primitive has failed.
func (a *App) checkers() []health.Checker {
	return []health.Checker{
		health.State("gateway", func() (bool, string) {
			switch k := a.ctrl.State().Kind(); k {
			case session.KindReady, session.KindRunning:
				return true, ""
			default:
				return false, "session is " + k.String()
			}
		}),
		{
			Name:  "engine",
			Check: func(context.Context) error { return a.ctrl.EngineErr() },
		},
	}
}

func (a *App) serveSession(w http.ResponseWriter, _ *http.Request) {
	v := sessionView{
		SessionID: a.ctrl.SessionID(),
		State:     a.ctrl.State().Kind().String(),
		Selected:  a.Selected(),
		Channels:  a.ctrl.Labels(),
	}
	if id, ok := a.ctrl.InputID(); ok {
		v.InputID = &id
	}
	if last, ok := a.feed.Last(); ok {
		v.Last = &last
	}
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	_ = json.NewEncoder(w).Encode(v)
}
