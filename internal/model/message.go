package model

import (
	"strings"
	"time"
	"unicode"
)

// Message is a team chat message. Messages are readable by every signed-in
// user and writable only by their author.
type Message struct {
	ID        string    `json:"id"`
	UserID    string    `json:"user_id"`
	Message   string    `json:"message"`
	UserEmail string    `json:"user_email"`
	UserName  string    `json:"user_name"`
	CreatedAt time.Time `json:"created_at"`
}

func (m Message) Key() string { return m.ID }

// Initials returns up to two upper-cased initials of name.
func Initials(name string) string {
	var out []rune
	for _, word := range strings.Fields(name) {
		out = append(out, unicode.ToUpper([]rune(word)[0]))
		if len(out) == 2 {
			break
		}
	}
	return string(out)
}

// AuthorName is the user_name written with a new message.
func AuthorName(id Identity) string {
	if name := id.DisplayName(); name != "" {
		return name
	}
	if id.Email != "" {
		return id.Email
	}
	return "Anonymous"
}
