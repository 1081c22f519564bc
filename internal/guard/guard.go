// Package guard is the Route Guard: it maps the session onto what a protected
// view may show.
//
//	loading | configured | user    → outcome
//	true    | any        | any     → Loading
//	false   | false      | any     → SetupRequired   (never redirects)
//	false   | true       | none    → RedirectToLogin (navigate once, show Loading meanwhile)
//	false   | true       | present → Render
package guard

import (
	"context"
	"sync"

	"github.com/sakif/supply-chalao/internal/session"
)

// Outcome is what a protected view renders.
type Outcome int

const (
	Loading Outcome = iota
	SetupRequired
	RedirectToLogin
	Render
)

func (o Outcome) String() string {
	switch o {
	case Loading:
		return "loading"
	case SetupRequired:
		return "setup_required"
	case RedirectToLogin:
		return "redirect_to_login"
	case Render:
		return "render"
	}
	return "unknown"
}

// Decide is the pure decision table.
func Decide(s session.Snapshot) Outcome {
	switch {
	case s.Loading:
		return Loading
	case !s.Configured:
		return SetupRequired
	case s.User == nil:
		return RedirectToLogin
	default:
		return Render
	}
}

// Decision is the result of evaluating one snapshot for a mounted view.
type Decision struct {
	Outcome Outcome
	// Navigate is true only on the first evaluation after entering
	// RedirectToLogin. The view must navigate to the sign-in page when set.
	Navigate bool
}

// Guard tracks one mounted view so that navigation to the sign-in page is
// triggered at most once per transition into RedirectToLogin.
// The zero value is ready to use.
type Guard struct {
	mu        sync.Mutex
	navigated bool
}

func (g *Guard) Evaluate(s session.Snapshot) Decision {
	o := Decide(s)

	g.mu.Lock()
	defer g.mu.Unlock()
	if o != RedirectToLogin {
		g.navigated = false
		return Decision{Outcome: o}
	}
	if g.navigated {
		return Decision{Outcome: o}
	}
	g.navigated = true
	return Decision{Outcome: o, Navigate: true}
}

// Watch evaluates src for one mounted view until ctx ends, calling fn with
// the first decision and then with every decision whose outcome differs from
// the last one delivered or that asks for navigation. fn runs on the calling
// goroutine.
func Watch(ctx context.Context, src session.Source, fn func(Decision)) {
	wake := make(chan struct{}, 1)
	unsubscribe := src.Subscribe(func(session.Snapshot) {
		select {
		case wake <- struct{}{}:
		default:
		}
	})
	defer unsubscribe()

	var g Guard
	last := Outcome(-1)
	for {
		d := g.Evaluate(src.Snapshot())
		if d.Outcome != last || d.Navigate {
			last = d.Outcome
			fn(d)
		}
		select {
		case <-wake:
		case <-ctx.Done():
			return
		}
	}
}
