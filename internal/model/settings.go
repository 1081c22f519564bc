package model

import "time"

// Theme is the dashboard colour scheme.
type Theme string

const (
	ThemeLight Theme = "light"
	ThemeDark  Theme = "dark"
)

// Settings are per-user preferences; exactly one row per user.
type Settings struct {
	ID                   string    `json:"id"`
	UserID               string    `json:"user_id"`
	NotificationsEnabled bool      `json:"notifications_enabled"`
	EmailUpdates         bool      `json:"email_updates"`
	Theme                Theme     `json:"theme"`
	CreatedAt            time.Time `json:"created_at"`
	UpdatedAt            time.Time `json:"updated_at"`
}

// DefaultSettings is what a user gets on first visit to the settings page.
func DefaultSettings(userID string) Settings {
	return Settings{
		UserID:               userID,
		NotificationsEnabled: true,
		EmailUpdates:         true,
		Theme:                ThemeLight,
	}
}
