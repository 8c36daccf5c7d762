package httpapi

import (
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/mux"

	"github.com/example/dispatch-tracking/internal/authz"
	"github.com/example/dispatch-tracking/internal/models"
)

var errDriverInactive = fmt.Errorf("%w: driver inactive", models.ErrForbidden)

// driverFor loads the {id} driver and checks actor may perform action on it.
func (s *Server) driverFor(r *http.Request, action authz.Action) (models.Driver, error) {
	d, err := s.store.GetDriver(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		return d, err
	}
	return d, authz.Check(mustActor(r), action, authz.ForDriver(d))
}

type driverLive struct {
	DriverID        string              `json:"driver_id"`
	Status          models.DriverStatus `json:"status"`
	Active          bool                `json:"is_active"`
	Position        *models.Position    `json:"position"`
	Connected       bool                `json:"connected"`
	DeliveredToday  int                 `json:"delivered_today"`
	TotalDeliveries int                 `json:"total_deliveries"`
	TotalEarnings   float64             `json:"total_earnings"`
}

func (s *Server) handleDriverLive(w http.ResponseWriter, r *http.Request) {
	d, err := s.driverFor(r, authz.ActionViewDriver)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	now := time.Now()
	midnight := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, now.Location())
	today, err := s.store.DeliveredSince(r.Context(), d.ID, midnight)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, driverLive{
		DriverID:        d.ID,
		Status:          d.Status,
		Active:          d.Active,
		Position:        d.Position,
		Connected:       s.hub.Connected(d.ID),
		DeliveredToday:  today,
		TotalDeliveries: d.TotalDeliveries,
		TotalEarnings:   d.TotalEarnings,
	})
}

func (s *Server) handleDriverActiveOrders(w http.ResponseWriter, r *http.Request) {
	d, err := s.driverFor(r, authz.ActionViewDriver)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	orders, err := s.store.ActiveOrdersForDriver(r.Context(), d.ID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if orders == nil {
		orders = []models.Order{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"driver_id": d.ID, "orders": orders})
}

type pushTokenRequest struct {
	PushToken string `json:"push_token"`
}

func (s *Server) handlePushToken(w http.ResponseWriter, r *http.Request) {
	d, err := s.driverFor(r, authz.ActionRegisterDevice)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	var req pushTokenRequest
	if !decode(w, r, &req) {
		return
	}
	token := strings.TrimSpace(req.PushToken)
	if token == "" {
		s.writeError(w, r, fmt.Errorf("%w: push_token is required", models.ErrValidation))
		return
	}
	if err := s.store.SetPushToken(r.Context(), d.ID, token); err != nil {
		s.writeError(w, r, err)
		return
	}
	s.logger.Info("push_token_registered", "driver_id", d.ID)
	w.WriteHeader(http.StatusNoContent)
}
