package supply

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/sakif/supply-chalao/internal/apperror"
	"github.com/sakif/supply-chalao/internal/backend"
	"github.com/sakif/supply-chalao/internal/model"
)

const settingsTable = "settings"

// ProfileUpdater is the slice of backend.Auth the settings page needs.
type ProfileUpdater interface {
	UpdateUser(ctx context.Context, metadata map[string]any) (*model.Identity, error)
}

type Settings struct {
	rows    backend.Rows
	profile ProfileUpdater
}

func NewSettings(rows backend.Rows, profile ProfileUpdater) *Settings {
	return &Settings{rows: rows, profile: profile}
}

// Get returns the user's settings, creating the defaults on first use.
func (s *Settings) Get(ctx context.Context, userID string) (model.Settings, error) {
	st, found, err := s.find(ctx, userID)
	if err != nil || found {
		return st, err
	}

	def := model.DefaultSettings(userID)
	row := map[string]any{
		"notifications_enabled": def.NotificationsEnabled,
		"email_updates":         def.EmailUpdates,
		"theme":                 string(def.Theme),
	}
	var out []model.Settings
	err = s.rows.Insert(ctx, settingsTable, row, &out)
	switch {
	case errors.Is(err, apperror.ErrConflict):
		// Created concurrently by another tab.
		st, _, err = s.find(ctx, userID)
		return st, err
	case err != nil:
		return model.Settings{}, fmt.Errorf("creating default settings: %w", err)
	case len(out) == 0:
		return model.Settings{}, fmt.Errorf("creating default settings: backend returned no row")
	}
	return out[0], nil
}

func (s *Settings) find(ctx context.Context, userID string) (model.Settings, bool, error) {
	var out []model.Settings
	q := backend.From(settingsTable).Eq("user_id", userID).WithLimit(1)
	if err := s.rows.Select(ctx, q, &out); err != nil {
		return model.Settings{}, false, fmt.Errorf("loading settings: %w", err)
	}
	if len(out) == 0 {
		return model.Settings{}, false, nil
	}
	return out[0], true, nil
}

// Preferences is the toggles-and-theme form.
type Preferences struct {
	NotificationsEnabled bool
	EmailUpdates         bool
	Theme                string
}

func (s *Settings) UpdatePreferences(ctx context.Context, userID string, p Preferences) (model.Settings, error) {
	theme := model.Theme(strings.ToLower(strings.TrimSpace(p.Theme)))
	if theme != model.ThemeLight && theme != model.ThemeDark {
		return model.Settings{}, apperror.ValidationFailed("theme", fmt.Sprintf("unknown theme %q", p.Theme))
	}
	// Make sure the row exists before patching it.
	if _, err := s.Get(ctx, userID); err != nil {
		return model.Settings{}, err
	}

	patch := map[string]any{
		"notifications_enabled": p.NotificationsEnabled,
		"email_updates":         p.EmailUpdates,
		"theme":                 string(theme),
	}
	var out []model.Settings
	q := backend.From(settingsTable).Eq("user_id", userID)
	if err := s.rows.Update(ctx, q, patch, &out); err != nil {
		return model.Settings{}, fmt.Errorf("updating settings: %w", err)
	}
	if len(out) == 0 {
		return model.Settings{}, apperror.NotFound("settings", userID)
	}
	return out[0], nil
}

// UpdateProfile stores fullName as the viewer's display name. The session
// picks the change up from the USER_UPDATED event.
func (s *Settings) UpdateProfile(ctx context.Context, fullName string) (*model.Identity, error) {
	fullName = strings.TrimSpace(fullName)
	if fullName == "" {
		return nil, apperror.ValidationFailed("full_name", "full name is required")
	}
	id, err := s.profile.UpdateUser(ctx, map[string]any{model.MetaFullName: fullName})
	if err != nil {
		return nil, fmt.Errorf("updating profile: %w", err)
	}
	return id, nil
}
