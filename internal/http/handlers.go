package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/example/dispatch-tracking/internal/auth"
	"github.com/example/dispatch-tracking/internal/authz"
	"github.com/example/dispatch-tracking/internal/dispatch"
	"github.com/example/dispatch-tracking/internal/eta"
	"github.com/example/dispatch-tracking/internal/hub"
	"github.com/example/dispatch-tracking/internal/ingest"
	"github.com/example/dispatch-tracking/internal/matcher"
	"github.com/example/dispatch-tracking/internal/models"
	"github.com/example/dispatch-tracking/internal/storage"
)

// Deps are the collaborators the HTTP surface is a thin shell over.
type Deps struct {
	Store     storage.Store
	Hub       *hub.Hub
	Pipeline  *ingest.Pipeline
	Dispatch  *dispatch.Service
	Estimator *eta.Estimator
	Matcher   *matcher.Service
	Auth      auth.Resolver
	Logger    *slog.Logger

	ETABudget      time.Duration
	WSWriteTimeout time.Duration
	WSPongWait     time.Duration
}

type Server struct {
	store     storage.Store
	hub       *hub.Hub
	pipeline  *ingest.Pipeline
	dispatch  *dispatch.Service
	estimator *eta.Estimator
	matcher   *matcher.Service
	auth      auth.Resolver
	logger    *slog.Logger

	etaBudget      time.Duration
	wsWriteTimeout time.Duration
	wsPongWait     time.Duration

	mux *mux.Router
}

func NewServer(d Deps) *Server {
	if d.Logger == nil {
		d.Logger = slog.Default()
	}
	if d.ETABudget <= 0 {
		d.ETABudget = 2 * time.Second
	}
	s := &Server{
		store: d.Store, hub: d.Hub, pipeline: d.Pipeline, dispatch: d.Dispatch,
		estimator: d.Estimator, matcher: d.Matcher, auth: d.Auth, logger: d.Logger,
		etaBudget: d.ETABudget, wsWriteTimeout: d.WSWriteTimeout, wsPongWait: d.WSPongWait,
		mux: mux.NewRouter(),
	}
	s.registerMiddleware()
	s.routes()
	return s
}

func (s *Server) routes() {
	s.mux.HandleFunc("/ws/driver", s.authed(s.handleDriverWS)).Methods("GET")
	s.mux.HandleFunc("/ws/vendor/{vendor_id}", s.authed(s.handleVendorWS)).Methods("GET")
	s.mux.HandleFunc("/ws/tracking/{tracking_token}", s.handleTrackingWS).Methods("GET")

	api := s.mux.PathPrefix("/api/v1").Subrouter()
	api.HandleFunc("/drivers/{id}/location", s.authed(s.handleDriverLocation)).Methods("POST")
	api.HandleFunc("/drivers/{id}/live", s.authed(s.handleDriverLive)).Methods("GET")
	api.HandleFunc("/drivers/{id}/orders/active", s.authed(s.handleDriverActiveOrders)).Methods("GET")
	api.HandleFunc("/drivers/{id}/push-token", s.authed(s.handlePushToken)).Methods("POST")
	api.HandleFunc("/orders/{id}/assign", s.authed(s.handleAssign)).Methods("POST")
	api.HandleFunc("/orders/{id}/respond", s.authed(s.handleRespond)).Methods("POST")
	api.HandleFunc("/orders/{id}/status", s.authed(s.handleStatus)).Methods("POST")
	api.HandleFunc("/orders/{id}/candidates", s.authed(s.handleCandidates)).Methods("GET")
	api.HandleFunc("/routes/optimize", s.authed(s.handleOptimize)).Methods("POST")
	api.HandleFunc("/tracking/{token}", s.handleTracking).Methods("GET")
	api.HandleFunc("/tracking/{token}/customer-location", s.handleCustomerLocation).Methods("POST")

	s.mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(200); w.Write([]byte("ok")) }).Methods("GET")
	s.mux.Handle("/metrics", promhttp.Handler())
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) { s.mux.ServeHTTP(w, r) }

func (s *Server) handleDriverLocation(w http.ResponseWriter, r *http.Request) {
	actor := mustActor(r)
	id := mux.Vars(r)["id"]
	if err := authz.Check(actor, authz.ActionPublishLocation, authz.Resource{DriverID: id}); err != nil {
		s.writeError(w, r, err)
		return
	}
	var frame models.SampleFrame
	if !decode(w, r, &frame) {
		return
	}
	sample, err := frame.Sample()
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	driver, err := s.store.GetDriver(r.Context(), id)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if !driver.Active {
		s.writeError(w, r, errDriverInactive)
		return
	}
	res, err := s.pipeline.Ingest(r.Context(), id, sample)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{
		"event":       res.Event,
		"order_id":    res.OrderID,
		"eta_minutes": res.ETAMinutes,
	})
}

type assignRequest struct {
	DriverID string `json:"driver_id"`
}

func (s *Server) handleAssign(w http.ResponseWriter, r *http.Request) {
	var req assignRequest
	if !decode(w, r, &req) {
		return
	}
	a, err := s.dispatch.AssignDriver(r.Context(), dispatch.AssignCommand{
		Actor:    mustActor(r),
		OrderID:  mux.Vars(r)["id"],
		DriverID: req.DriverID,
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, a)
}

type respondRequest struct {
	Decision models.Decision `json:"decision"`
	Reason   string          `json:"reason,omitempty"`
}

func (s *Server) handleRespond(w http.ResponseWriter, r *http.Request) {
	var req respondRequest
	if !decode(w, r, &req) {
		return
	}
	a, err := s.dispatch.RespondToAssignment(r.Context(), dispatch.RespondCommand{
		Actor:    mustActor(r),
		OrderID:  mux.Vars(r)["id"],
		Decision: req.Decision,
		Reason:   req.Reason,
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, a)
}

type statusRequest struct {
	Status models.OrderStatus `json:"status"`
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	var req statusRequest
	if !decode(w, r, &req) {
		return
	}
	o, err := s.dispatch.AdvanceOrderStatus(r.Context(), dispatch.AdvanceCommand{
		Actor:   mustActor(r),
		OrderID: mux.Vars(r)["id"],
		Status:  req.Status,
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, o)
}

func (s *Server) handleCandidates(w http.ResponseWriter, r *http.Request) {
	order, err := s.store.GetOrder(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if err := authz.Check(mustActor(r), authz.ActionViewCandidates, authz.ForOrder(order)); err != nil {
		s.writeError(w, r, err)
		return
	}
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	out, err := s.matcher.Candidates(r.Context(), order, limit)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"order_id": order.ID, "candidates": out})
}

type optimizeRequest struct {
	Origin      models.Coord   `json:"origin"`
	Stops       []models.Coord `json:"stops"`
	Destination *models.Coord  `json:"destination,omitempty"`
}

func (s *Server) handleOptimize(w http.ResponseWriter, r *http.Request) {
	if err := authz.Check(mustActor(r), authz.ActionOptimize, authz.Resource{}); err != nil {
		s.writeError(w, r, err)
		return
	}
	var req optimizeRequest
	if !decode(w, r, &req) {
		return
	}
	dest := req.Origin
	if req.Destination != nil {
		dest = *req.Destination
	}
	if !req.Origin.Valid() || !dest.Valid() {
		s.writeError(w, r, models.ErrValidation)
		return
	}
	for _, c := range req.Stops {
		if !c.Valid() {
			s.writeError(w, r, models.ErrValidation)
			return
		}
	}
	plan, err := s.estimator.OptimizeOrder(r.Context(), req.Origin, req.Stops, dest)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, plan)
}

// trackingView is what a public tracking page may see of an order.
type trackingView struct {
	OrderID         string                   `json:"order_id"`
	OrderNumber     string                   `json:"order_number"`
	Status          models.OrderStatus       `json:"status"`
	DeliveryAddress string                   `json:"delivery_address"`
	Delivery        models.Coord             `json:"delivery"`
	Customer        *models.CustomerLocation `json:"customer_location,omitempty"`
	DriverLocation  *driverLocationView      `json:"driver_location"`
	ETAMinutes      *int                     `json:"eta_minutes"`
}

type driverLocationView struct {
	Latitude   float64   `json:"latitude"`
	Longitude  float64   `json:"longitude"`
	LastUpdate time.Time `json:"last_update"`
}

func (s *Server) trackingView(ctx context.Context, o models.Order) trackingView {
	v := trackingView{
		OrderID:         o.ID,
		OrderNumber:     o.OrderNumber,
		Status:          o.Status,
		DeliveryAddress: o.DeliveryAddress,
		Delivery:        o.Delivery,
		Customer:        o.Customer,
	}
	if o.DriverID == nil {
		return v
	}
	d, err := s.store.GetDriver(ctx, *o.DriverID)
	if err != nil || d.Position == nil {
		return v
	}
	v.DriverLocation = &driverLocationView{Latitude: d.Position.Lat, Longitude: d.Position.Lon, LastUpdate: d.Position.CapturedAt}
	if o.Status.InTransit() && s.estimator != nil {
		ectx, cancel := context.WithTimeout(ctx, s.etaBudget)
		defer cancel()
		if m, err := s.estimator.LiveETA(ectx, d.Position.Coord, o.Delivery); err == nil {
			n := int(math.Round(m))
			v.ETAMinutes = &n
		}
	}
	return v
}

func (s *Server) handleTracking(w http.ResponseWriter, r *http.Request) {
	o, err := s.store.GetOrderByTrackingToken(r.Context(), mux.Vars(r)["token"])
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, s.trackingView(r.Context(), o))
}

type customerLocationRequest struct {
	Latitude  *float64 `json:"latitude"`
	Longitude *float64 `json:"longitude"`
	Accuracy  float64  `json:"accuracy"`
	Heading   float64  `json:"heading"`
	Speed     float64  `json:"speed"`
}

func (s *Server) handleCustomerLocation(w http.ResponseWriter, r *http.Request) {
	var req customerLocationRequest
	if !decode(w, r, &req) {
		return
	}
	if req.Latitude == nil || req.Longitude == nil {
		s.writeError(w, r, fmt.Errorf("%w: latitude and longitude are required", models.ErrValidation))
		return
	}
	o, err := s.dispatch.UpdateCustomerLocation(r.Context(), dispatch.CustomerLocationCommand{
		TrackingToken: mux.Vars(r)["token"],
		Location: models.CustomerLocation{
			Coord:    models.Coord{Lat: *req.Latitude, Lon: *req.Longitude},
			Accuracy: req.Accuracy,
			Heading:  req.Heading,
			Speed:    req.Speed,
		},
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, o.Customer)
}

func decode(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body: " + err.Error()})
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// statusFor maps domain errors onto HTTP status codes. Transition errors wrap
// ErrValidation, so they are checked first.
func statusFor(err error) int {
	switch {
	case errors.Is(err, auth.ErrUnauthenticated):
		return http.StatusUnauthorized
	case errors.Is(err, models.ErrForbidden):
		return http.StatusForbidden
	case errors.Is(err, models.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, models.ErrInvalidTransition), errors.Is(err, models.ErrAssignmentConflict):
		return http.StatusConflict
	case errors.Is(err, models.ErrValidation):
		return http.StatusBadRequest
	case errors.Is(err, eta.ErrEstimationUnavailable):
		return http.StatusUnprocessableEntity
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	msg := err.Error()
	if status == http.StatusInternalServerError {
		s.logger.Error("request failed", "route", routeTemplate(r), "error", err, "request_id", requestIDFromContext(r.Context()))
		msg = "internal error"
	}
	writeJSON(w, status, map[string]string{"error": msg})
}
