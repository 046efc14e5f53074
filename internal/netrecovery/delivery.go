package netrecovery

import (
	"context"
	"errors"
	"fmt"

	"genrelay/internal/logging"
	"genrelay/internal/messages"
)

var errNoRoute = errors.New("no routed delivery available")

// Delivery is the outcome for one destination.
type Delivery struct {
	Target  string `json:"target"`
	Success bool   `json:"success"`
	Error   string `json:"error,omitempty"`
}

// BroadcastResult reports a multi-destination delivery.
type BroadcastResult struct {
	Success         bool          `json:"success"`
	DeliveryResults []Delivery    `json:"deliveryResults"`
	TotalDelivered  int           `json:"totalDelivered"`
	Direct          *DirectResult `json:"direct,omitempty"`
}

// DirectResult reports a delivery that bypassed routing.
type DirectResult struct {
	RouterUsed             bool     `json:"routerUsed"`
	DirectNotificationSent bool     `json:"directNotificationSent"`
	NotificationTargets    []string `json:"notificationTargets"`
	FallbackMethod         string   `json:"fallbackMethod"`
	DeliveryConfirmed      bool     `json:"deliveryConfirmed"`
}

// Broadcast delivers msg to each target, defaulting to the configured
// destinations. When routing is unavailable or reaches no target the
// message goes out through NotifyDirectly.
func (h *Handler) Broadcast(ctx context.Context, msg messages.Message, targets []string) (BroadcastResult, error) {
	if err := messages.Validate(msg); err != nil {
		return BroadcastResult{}, err
	}
	if len(targets) == 0 {
		targets = h.opts.Destinations
	}
	res := BroadcastResult{DeliveryResults: make([]Delivery, 0, len(targets))}
	for _, target := range targets {
		d := Delivery{Target: target}
		err := errNoRoute
		if textErr := CheckText(target); textErr != nil {
			err = textErr
		} else if h.routes != nil {
			err = h.routes.EmitTo(ctx, target, msg)
		}
		if err != nil {
			d.Error = TruncateError(err.Error())
		} else {
			d.Success = true
			res.TotalDelivered++
		}
		res.DeliveryResults = append(res.DeliveryResults, d)
	}
	res.Success = res.TotalDelivered > 0
	if !res.Success {
		direct, err := h.NotifyDirectly(ctx, msg, targets)
		if err != nil {
			return res, err
		}
		res.Direct = &direct
		res.Success = direct.DeliveryConfirmed
	}
	h.logger.Debug("network broadcast",
		logging.MessageType(msg.Type),
		logging.Int("delivered", res.TotalDelivered),
		logging.Int("targets", len(targets)),
		logging.Bool("direct", res.Direct != nil),
	)
	return res, nil
}

// NotifyDirectly emits msg to every listener without routing.
func (h *Handler) NotifyDirectly(ctx context.Context, msg messages.Message, targets []string) (DirectResult, error) {
	if err := messages.Validate(msg); err != nil {
		return DirectResult{}, err
	}
	res := DirectResult{
		NotificationTargets: append([]string{}, targets...),
		FallbackMethod:      "direct_emit",
	}
	if h.emitter == nil {
		return res, nil
	}
	res.DirectNotificationSent = true
	if err := h.emitter.Emit(ctx, msg); err != nil {
		logging.WarnWithContext(h.logger, "direct notification not delivered", "network_direct_failed",
			logging.MessageType(msg.Type),
			logging.Error(fmt.Errorf("emit: %w", err)),
			logging.String(logging.FieldErrorHint, "connect a control client to receive network updates"),
		)
		return res, nil
	}
	res.DeliveryConfirmed = true
	return res, nil
}
