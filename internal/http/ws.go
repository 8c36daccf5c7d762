package httpapi

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"

	"github.com/example/dispatch-tracking/internal/authz"
	"github.com/example/dispatch-tracking/internal/hub"
	"github.com/example/dispatch-tracking/internal/models"
)

var upgrader = websocket.Upgrader{}

// inbound is a frame sent by a driver device.
type inbound struct {
	Type string `json:"type"`
	models.SampleFrame
}

func (s *Server) handleDriverWS(w http.ResponseWriter, r *http.Request) {
	actor := mustActor(r)
	if actor.Role != authz.RoleDriver {
		s.writeError(w, r, models.ErrForbidden)
		return
	}
	driver, err := s.store.GetDriver(r.Context(), actor.DriverID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if err := authz.Check(actor, authz.ActionPublishLocation, authz.Resource{DriverID: driver.ID}); err != nil {
		s.writeError(w, r, err)
		return
	}
	if !driver.Active {
		s.writeError(w, r, models.ErrForbidden)
		return
	}

	c, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", "driver_id", driver.ID, "error", err)
		return
	}
	conn := hub.NewWSConn(c, s.wsWriteTimeout)
	s.hub.Connect(driver.ID, conn)
	defer s.hub.Release(driver.ID, conn)
	if driver.VendorID != "" {
		if err := s.hub.Join(hub.VendorRoom(driver.VendorID), driver.ID); err != nil {
			s.logger.Warn("vendor room join failed", "driver_id", driver.ID, "error", err)
		}
	}
	_ = conn.Send(hub.Msg(hub.TypeConnected, map[string]string{"driver_id": driver.ID}))
	s.logger.Info("driver_connected", "driver_id", driver.ID, "connections", s.hub.Len())

	ctx := r.Context()
	err = conn.ReadLoop(s.wsPongWait, func(data []byte) {
		var msg inbound
		if err := json.Unmarshal(data, &msg); err != nil {
			_ = conn.Send(hub.ErrorMsg("malformed message"))
			return
		}
		switch msg.Type {
		case "location":
			sample, err := msg.Sample()
			if err != nil {
				_ = conn.Send(hub.ErrorMsg(err.Error()))
				return
			}
			if _, err := s.pipeline.Ingest(ctx, driver.ID, sample); err != nil {
				_ = conn.Send(hub.ErrorMsg(err.Error()))
			}
		case "ping":
		default:
			_ = conn.Send(hub.ErrorMsg("unknown message type " + msg.Type))
		}
	})
	s.logger.Info("driver_disconnected", "driver_id", driver.ID, "reason", closeReason(err))
}

type vendorDriver struct {
	DriverID   string              `json:"driver_id"`
	DriverName string              `json:"driver_name"`
	Status     models.DriverStatus `json:"status"`
	Latitude   *float64            `json:"latitude"`
	Longitude  *float64            `json:"longitude"`
	LastUpdate *time.Time          `json:"last_update"`
}

func (s *Server) handleVendorWS(w http.ResponseWriter, r *http.Request) {
	actor := mustActor(r)
	vendorID := mux.Vars(r)["vendor_id"]
	if err := authz.Check(actor, authz.ActionTrackVendor, authz.Resource{VendorID: vendorID}); err != nil {
		s.writeError(w, r, err)
		return
	}

	c, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", "vendor_id", vendorID, "error", err)
		return
	}
	// one id per socket so several dashboards of the same user coexist
	id := "vendor_user:" + actor.SubjectID + ":" + uuid.NewString()
	conn := hub.NewWSConn(c, s.wsWriteTimeout)
	s.hub.Connect(id, conn)
	defer s.hub.Release(id, conn)
	_ = s.hub.Join(hub.VendorRoom(vendorID), id)

	// the snapshot is read after joining so it is never older than a live update
	// that reached this socket first
	drivers, err := s.store.DriversByVendor(r.Context(), vendorID)
	if err != nil {
		s.logger.Error("vendor snapshot failed", "vendor_id", vendorID, "error", err)
		_ = conn.Send(hub.ErrorMsg("snapshot unavailable"))
		return
	}
	snapshot := make([]vendorDriver, 0, len(drivers))
	for _, d := range drivers {
		v := vendorDriver{DriverID: d.ID, DriverName: d.FullName, Status: d.Status}
		if d.Position != nil {
			lat, lon, at := d.Position.Lat, d.Position.Lon, d.Position.CapturedAt
			v.Latitude, v.Longitude, v.LastUpdate = &lat, &lon, &at
		}
		snapshot = append(snapshot, v)
	}
	_ = conn.Send(hub.Msg(hub.TypeInitialState, map[string]any{"vendor_id": vendorID, "drivers": snapshot}))

	err = conn.ReadLoop(s.wsPongWait, func([]byte) {})
	s.logger.Info("vendor_disconnected", "vendor_id", vendorID, "subject", actor.SubjectID, "reason", closeReason(err))
}

func (s *Server) handleTrackingWS(w http.ResponseWriter, r *http.Request) {
	order, err := s.store.GetOrderByTrackingToken(r.Context(), mux.Vars(r)["tracking_token"])
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	c, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", "order_id", order.ID, "error", err)
		return
	}
	id := "tracking:" + order.ID + ":" + uuid.NewString()
	conn := hub.NewWSConn(c, s.wsWriteTimeout)
	s.hub.Connect(id, conn)
	defer s.hub.Release(id, conn)
	_ = s.hub.Join(hub.OrderRoom(order.ID), id)
	_ = conn.Send(hub.Msg(hub.TypeInitialState, s.trackingView(r.Context(), order)))

	err = conn.ReadLoop(s.wsPongWait, func([]byte) {})
	s.logger.Debug("tracking_disconnected", "order_id", order.ID, "reason", closeReason(err))
}

func closeReason(err error) string {
	if err == nil {
		return ""
	}
	if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
		return "closed"
	}
	return err.Error()
}
