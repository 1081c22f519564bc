package guard

import (
	"context"
	"net/http"
	"net/url"

	"github.com/sakif/supply-chalao/internal/model"
	"github.com/sakif/supply-chalao/internal/session"
)

type contextKey struct{}

// IdentityFrom returns the viewer stored by Middleware, or nil outside a
// protected route.
func IdentityFrom(ctx context.Context) *model.Identity {
	id, _ := ctx.Value(contextKey{}).(*model.Identity)
	return id
}

// WithIdentity stores id in ctx.
func WithIdentity(ctx context.Context, id *model.Identity) context.Context {
	return context.WithValue(ctx, contextKey{}, id)
}

// Placeholder renders the non-content outcomes: Loading (also shown while a
// redirect is pending) and SetupRequired.
type Placeholder func(w http.ResponseWriter, r *http.Request, o Outcome)

// Middleware gates next behind the guard. Every request is one mount of the
// view: RedirectToLogin answers with a single 303 to loginPath carrying the
// original path in "next".
func Middleware(src session.Source, loginPath string, placeholder Placeholder) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			var g Guard
			snap := src.Snapshot()
			d := g.Evaluate(snap)

			switch d.Outcome {
			case Render:
				next.ServeHTTP(w, r.WithContext(WithIdentity(r.Context(), snap.User)))
			case RedirectToLogin:
				if d.Navigate {
					target := loginPath + "?next=" + url.QueryEscape(r.URL.RequestURI())
					http.Redirect(w, r, target, http.StatusSeeOther)
					return
				}
				placeholder(w, r, Loading)
			default:
				placeholder(w, r, d.Outcome)
			}
		})
	}
}
