package web

import (
	"net/http"

	"github.com/sakif/supply-chalao/internal/apperror"
	"github.com/sakif/supply-chalao/internal/model"
	"github.com/sakif/supply-chalao/internal/supply"
)

func (s *Server) handleSettings(w http.ResponseWriter, r *http.Request) {
	me := viewer(r)
	st, err := s.settings.Get(r.Context(), me.ID)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	s.rememberTheme(me.ID, st.Theme)
	s.render(w, r, http.StatusOK, pageSettings, view{
		Title: "Settings",
		Theme: st.Theme,
		Live:  true,
		Data:  st,
	})
}

// renderSettingsError re-renders the settings page with err as a toast.
func (s *Server) renderSettingsError(w http.ResponseWriter, r *http.Request, err error) {
	me := viewer(r)
	st, getErr := s.settings.Get(r.Context(), me.ID)
	if getErr != nil {
		s.fail(w, r, getErr)
		return
	}
	s.render(w, r, formStatus(err), pageSettings, view{
		Title: "Settings",
		Theme: st.Theme,
		Error: apperror.Message(err),
		Live:  true,
		Data:  st,
	})
}

func (s *Server) handleUpdateProfile(w http.ResponseWriter, r *http.Request) {
	if _, err := s.settings.UpdateProfile(r.Context(), r.PostFormValue("full_name")); err != nil {
		s.renderSettingsError(w, r, err)
		return
	}
	redirectNotice(w, r, "/settings", "Profile updated")
}

func (s *Server) handleUpdatePreferences(w http.ResponseWriter, r *http.Request) {
	me := viewer(r)
	prefs := supply.Preferences{
		NotificationsEnabled: checked(r, "notifications_enabled"),
		EmailUpdates:         checked(r, "email_updates"),
		Theme:                r.PostFormValue("theme"),
	}
	if prefs.Theme == "" {
		prefs.Theme = string(model.ThemeLight)
	}
	st, err := s.settings.UpdatePreferences(r.Context(), me.ID, prefs)
	if err != nil {
		s.renderSettingsError(w, r, err)
		return
	}
	s.rememberTheme(me.ID, st.Theme)
	redirectNotice(w, r, "/settings", "Preferences saved")
}

// checked reads an HTML checkbox: present means on.
func checked(r *http.Request, name string) bool {
	switch r.PostFormValue(name) {
	case "", "off", "false":
		return false
	}
	return true
}
