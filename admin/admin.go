// Package admin exposes a small read-only HTTP introspection surface
// over the subscription registry — GET /subscriptions and GET
// /healthz — recovered from sysrepocfg.c's operator-diagnostics intent
// (see SPEC_FULL.md §5) but reframed as in-scope ambient tooling rather
// than the excluded CLI, since it never mutates state. Routing follows
// the teacher's chimux module: a plain chi.Router, no framework
// lifecycle around it.
package admin

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/sysrepo-subs/subscore/conn"
	"github.com/sysrepo-subs/subscore/registry"
)

// ConnectionSource supplies the set of currently live connections and
// their subscription contexts; the admin server never owns this state
// itself.
type ConnectionSource interface {
	Connections() []*conn.Connection
	ContextFor(c *conn.Connection) *registry.SubscriptionContext
}

// NewRouter builds the introspection router over src.
func NewRouter(src ConnectionSource) chi.Router {
	r := chi.NewRouter()
	r.Get("/healthz", handleHealthz)
	r.Get("/subscriptions", handleSubscriptions(src))
	return r
}

func handleHealthz(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}

type connectionView struct {
	CID           uint64               `json:"cid"`
	Alive         bool                 `json:"alive"`
	Subscriptions []registry.SubSummary `json:"subscriptions"`
}

func handleSubscriptions(src ConnectionSource) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		conns := src.Connections()
		out := make([]connectionView, 0, len(conns))
		for _, c := range conns {
			ctx := src.ContextFor(c)
			var subs []registry.SubSummary
			if ctx != nil {
				subs = ctx.Snapshot()
			}
			out = append(out, connectionView{
				CID:           uint64(c.CID),
				Alive:         c.IsAlive(c.CID),
				Subscriptions: subs,
			})
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(out)
	}
}
