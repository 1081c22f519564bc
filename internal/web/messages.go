package web

import (
	"net/http"

	"github.com/sakif/supply-chalao/internal/apperror"
	"github.com/sakif/supply-chalao/internal/model"
	"github.com/sakif/supply-chalao/internal/supply"
)

type messageList struct {
	Viewer string
	Groups []supply.DayGroup
}

func (s *Server) messageList(viewerID string, msgs []model.Message) messageList {
	return messageList{
		Viewer: viewerID,
		Groups: supply.GroupByDate(msgs, s.now(), s.loc),
	}
}

func (s *Server) handleMessages(w http.ResponseWriter, r *http.Request) {
	me := viewer(r)
	msgs, err := s.messages.List(r.Context())
	if err != nil {
		s.fail(w, r, err)
		return
	}
	s.render(w, r, http.StatusOK, pageMessages, view{
		Title:  "Messages",
		Theme:  s.themeOf(me.ID),
		Live:   true,
		Stream: &stream{URL: "/messages/stream", Event: eventMessages, Target: "message-list"},
		Data:   s.messageList(me.ID, msgs),
	})
}

func (s *Server) handleSendMessage(w http.ResponseWriter, r *http.Request) {
	me := viewer(r)
	if _, err := s.messages.Send(r.Context(), me, r.PostFormValue("message")); err != nil {
		msgs, listErr := s.messages.List(r.Context())
		if listErr != nil {
			s.fail(w, r, listErr)
			return
		}
		s.render(w, r, formStatus(err), pageMessages, view{
			Title:  "Messages",
			Error:  apperror.Message(err),
			Live:   true,
			Stream: &stream{URL: "/messages/stream", Event: eventMessages, Target: "message-list"},
			Data:   s.messageList(me.ID, msgs),
		})
		return
	}
	http.Redirect(w, r, "/messages", http.StatusSeeOther)
}
