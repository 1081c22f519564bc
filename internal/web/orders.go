package web

import (
	"errors"
	"log/slog"
	"net/http"
	"net/url"

	"github.com/go-chi/chi/v5"

	"github.com/sakif/supply-chalao/internal/apperror"
	"github.com/sakif/supply-chalao/internal/model"
	"github.com/sakif/supply-chalao/internal/supply"
)

type orderForm struct {
	ID       string
	Input    supply.OrderInput
	Statuses []model.OrderStatus
}

func newOrderForm(id string, in supply.OrderInput) orderForm {
	return orderForm{ID: id, Input: in, Statuses: model.OrderStatuses}
}

func orderInput(r *http.Request) supply.OrderInput {
	return supply.OrderInput{
		Title:       r.PostFormValue("title"),
		Description: r.PostFormValue("description"),
		Status:      r.PostFormValue("status"),
	}
}

// redirectNotice sends the browser to path with a one-shot notice.
func redirectNotice(w http.ResponseWriter, r *http.Request, path, notice string) {
	http.Redirect(w, r, path+"?notice="+url.QueryEscape(notice), http.StatusSeeOther)
}

// fail renders the page for an error a protected handler cannot recover
// from.
func (s *Server) fail(w http.ResponseWriter, r *http.Request, err error) {
	if errors.Is(err, apperror.ErrNotFound) {
		s.handleNotFound(w, r)
		return
	}
	s.logger.Error("request failed",
		slog.String("path", r.URL.Path),
		slog.String("error", err.Error()),
	)
	s.render(w, r, formStatus(err), pageError, view{Title: "Error", Error: apperror.Message(err)})
}

func (s *Server) handleDashboard(w http.ResponseWriter, r *http.Request) {
	me := viewer(r)
	d, err := s.orders.LoadDashboard(r.Context(), me.ID)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	s.render(w, r, http.StatusOK, pageDashboard, view{
		Title:  "Dashboard",
		Theme:  s.themeOf(me.ID),
		Live:   true,
		Stream: &stream{URL: "/dashboard/stream", Event: eventOrders, Target: "orders-panel"},
		Data:   d,
	})
}

func (s *Server) handleNewOrderForm(w http.ResponseWriter, r *http.Request) {
	s.render(w, r, http.StatusOK, pageOrderForm, view{
		Title: "New Order",
		Theme: s.themeOf(viewer(r).ID),
		Live:  true,
		Data:  newOrderForm("", supply.OrderInput{Status: string(model.StatusPending)}),
	})
}

func (s *Server) handleCreateOrder(w http.ResponseWriter, r *http.Request) {
	in := orderInput(r)
	if _, err := s.orders.Create(r.Context(), in); err != nil {
		s.render(w, r, formStatus(err), pageOrderForm, view{
			Title: "New Order",
			Error: apperror.Message(err),
			Live:  true,
			Data:  newOrderForm("", in),
		})
		return
	}
	redirectNotice(w, r, "/dashboard", "Order created")
}

func (s *Server) handleEditOrderForm(w http.ResponseWriter, r *http.Request) {
	me := viewer(r)
	o, err := s.orders.Get(r.Context(), me.ID, chi.URLParam(r, "id"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	s.render(w, r, http.StatusOK, pageOrderForm, view{
		Title: "Edit Order",
		Theme: s.themeOf(me.ID),
		Live:  true,
		Data: newOrderForm(o.ID, supply.OrderInput{
			Title:       o.Title,
			Description: o.Description,
			Status:      string(o.Status),
		}),
	})
}

func (s *Server) handleUpdateOrder(w http.ResponseWriter, r *http.Request) {
	me := viewer(r)
	id := chi.URLParam(r, "id")
	in := orderInput(r)
	if _, err := s.orders.Update(r.Context(), me.ID, id, in); err != nil {
		if errors.Is(err, apperror.ErrNotFound) {
			s.fail(w, r, err)
			return
		}
		s.render(w, r, formStatus(err), pageOrderForm, view{
			Title: "Edit Order",
			Error: apperror.Message(err),
			Live:  true,
			Data:  newOrderForm(id, in),
		})
		return
	}
	redirectNotice(w, r, "/dashboard", "Order updated")
}

func (s *Server) handleDeleteOrder(w http.ResponseWriter, r *http.Request) {
	me := viewer(r)
	if err := s.orders.Delete(r.Context(), me.ID, chi.URLParam(r, "id")); err != nil {
		s.fail(w, r, err)
		return
	}
	redirectNotice(w, r, "/dashboard", "Order deleted")
}

// ordersPanel derives the dashboard panel from every order of the viewer,
// newest first.
func ordersPanel(all []model.Order) supply.Dashboard {
	recent := all
	if len(recent) > supply.RecentOrders {
		recent = recent[:supply.RecentOrders]
	}
	return supply.Dashboard{Recent: recent, Stats: model.CountOrders(all)}
}
