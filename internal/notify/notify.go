package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/example/dispatch-tracking/internal/hub"
)

// Unicaster is the hub capability the notifier uses.
type Unicaster interface {
	SendTo(id string, msg any) bool
}

// Notifier tells a driver about a new assignment. It tries the driver's live
// socket first and falls back to an HTTP push endpoint.
type Notifier struct {
	WS       Unicaster
	Endpoint string
	Key      string
	Client   *http.Client
	Logger   *slog.Logger
}

func NewNotifier(ws Unicaster, endpoint, key string, logger *slog.Logger) *Notifier {
	if logger == nil {
		logger = slog.Default()
	}
	return &Notifier{WS: ws, Endpoint: endpoint, Key: key, Client: &http.Client{Timeout: 3 * time.Second}, Logger: logger}
}

// Channel reports how a notification went out.
type Channel string

const (
	ChannelWS   Channel = "ws"
	ChannelPush Channel = "push"
	ChannelNone Channel = "none"
)

// NotifyAssignment never fails the caller; the returned error is informational.
func (n *Notifier) NotifyAssignment(ctx context.Context, driverID, pushToken string, offer hub.AssignmentOffer) (Channel, error) {
	if n.WS != nil && n.WS.SendTo(driverID, hub.Msg(hub.TypeAssignmentOffer, offer)) {
		return ChannelWS, nil
	}
	if n.Endpoint == "" {
		return ChannelNone, nil
	}
	body := map[string]any{"message": map[string]any{
		"token": pushToken,
		"notification": map[string]string{
			"title": "New delivery assigned",
			"body":  fmt.Sprintf("Order %s is waiting for you", offer.OrderNumber),
		},
		"data": map[string]string{"type": hub.TypeAssignmentOffer, "order_id": offer.OrderID, "assignment_id": offer.AssignmentID},
	}}
	b, err := json.Marshal(body)
	if err != nil {
		return ChannelNone, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.Endpoint, bytes.NewReader(b))
	if err != nil {
		return ChannelNone, err
	}
	req.Header.Set("Content-Type", "application/json")
	if n.Key != "" {
		req.Header.Set("Authorization", "Bearer "+n.Key)
	}
	resp, err := n.Client.Do(req)
	if err != nil {
		n.Logger.Warn("push notification failed", "driver_id", driverID, "error", err)
		return ChannelNone, err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		n.Logger.Warn("push notification rejected", "driver_id", driverID, "status", resp.StatusCode)
		return ChannelNone, fmt.Errorf("push endpoint status %d", resp.StatusCode)
	}
	return ChannelPush, nil
}
