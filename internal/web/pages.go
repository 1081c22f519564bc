package web

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/sakif/supply-chalao/internal/apperror"
	"github.com/sakif/supply-chalao/internal/session"
)

const afterSignIn = "/dashboard"

type loginForm struct {
	Email string
	Next  string
}

type registerForm struct {
	FullName string
	Email    string
}

func (s *Server) handleLanding(w http.ResponseWriter, r *http.Request) {
	s.render(w, r, http.StatusOK, pageLanding, view{Title: "Home"})
}

func (s *Server) handleLoginForm(w http.ResponseWriter, r *http.Request) {
	if s.sessions.Snapshot().Authenticated() {
		http.Redirect(w, r, safeNext(r.URL.Query().Get("next")), http.StatusSeeOther)
		return
	}
	s.render(w, r, http.StatusOK, pageLogin, view{
		Title: "Sign In",
		Data:  loginForm{Next: r.URL.Query().Get("next")},
	})
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	form := loginForm{
		Email: strings.TrimSpace(r.PostFormValue("email")),
		Next:  r.PostFormValue("next"),
	}
	err := s.sessions.SignIn(r.Context(), form.Email, r.PostFormValue("password"))
	if err != nil {
		s.render(w, r, formStatus(err), pageLogin, view{Title: "Sign In", Error: apperror.Message(err), Data: form})
		return
	}
	s.awaitSession(r.Context(), signedInAs(form.Email))
	http.Redirect(w, r, safeNext(form.Next), http.StatusSeeOther)
}

func (s *Server) handleRegisterForm(w http.ResponseWriter, r *http.Request) {
	s.render(w, r, http.StatusOK, pageRegister, view{Title: "Register", Data: registerForm{}})
}

func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	form := registerForm{
		FullName: strings.TrimSpace(r.PostFormValue("full_name")),
		Email:    strings.TrimSpace(r.PostFormValue("email")),
	}
	err := s.sessions.SignUp(r.Context(), form.Email, r.PostFormValue("password"), form.FullName)
	if err != nil {
		s.render(w, r, formStatus(err), pageRegister, view{Title: "Register", Error: apperror.Message(err), Data: form})
		return
	}
	s.awaitSession(r.Context(), signedInAs(form.Email))
	http.Redirect(w, r, afterSignIn, http.StatusSeeOther)
}

func (s *Server) handleLogout(w http.ResponseWriter, r *http.Request) {
	s.sessions.SignOut(r.Context())
	s.awaitSession(r.Context(), func(snap session.Snapshot) bool { return !snap.Authenticated() })
	http.Redirect(w, r, "/", http.StatusSeeOther)
}

// awaitSession waits, at most s.settle, for the auth event that follows a
// successful sign-in or sign-out to reach the session. On timeout the
// redirect goes ahead; the guard shows the loading page meanwhile.
func (s *Server) awaitSession(ctx context.Context, settled func(session.Snapshot) bool) {
	ctx, cancel := context.WithTimeout(ctx, s.settle)
	defer cancel()
	_, err := s.sessions.Await(ctx, func(snap session.Snapshot) bool {
		return !snap.Loading && settled(snap)
	})
	if err != nil {
		s.logger.Warn("session did not settle before redirect")
	}
}

// signedInAs matches a snapshot whose user is email. A viewer already signed
// in as someone else does not count: switching accounts waits for the new
// user's event.
func signedInAs(email string) func(session.Snapshot) bool {
	return func(snap session.Snapshot) bool {
		return snap.User != nil && strings.EqualFold(snap.User.Email, email)
	}
}

// safeNext keeps post-login redirects on this site.
func safeNext(next string) string {
	if !strings.HasPrefix(next, "/") || strings.HasPrefix(next, "//") || strings.HasPrefix(next, "/\\") {
		return afterSignIn
	}
	return next
}

// formStatus is the status a form re-rendered with err is served with.
func formStatus(err error) int {
	switch {
	case errors.Is(err, apperror.ErrValidation):
		return http.StatusBadRequest
	case errors.Is(err, apperror.ErrCredentials), errors.Is(err, apperror.ErrUnauthorized):
		return http.StatusUnauthorized
	case errors.Is(err, apperror.ErrForbidden):
		return http.StatusForbidden
	case errors.Is(err, apperror.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, apperror.ErrConflict):
		return http.StatusConflict
	case errors.Is(err, apperror.ErrConfiguration):
		return http.StatusServiceUnavailable
	case errors.Is(err, apperror.ErrNetwork):
		return http.StatusBadGateway
	}
	return http.StatusInternalServerError
}
