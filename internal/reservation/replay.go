package reservation

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/smartpick/engine/internal/core"
)

// CreatePayload is the queued form of a reservation create.
type CreatePayload struct {
	CustomerID string `json:"customer_id"`
	OfferID    string `json:"offer_id"`
	Quantity   int    `json:"quantity"`
}

// CancelPayload is the queued form of a reservation cancel.
type CancelPayload struct {
	CustomerID    string `json:"customer_id"`
	ReservationID string `json:"reservation_id"`
}

// Replay applies one queued mutation through the same entry points a live
// request would use, so every business rule is re-validated at replay time.
func (service *Service) Replay(ctx context.Context, mutation core.QueuedMutation) error {
	switch mutation.Type {
	case core.MutationCreateReservation:
		var payload CreatePayload
		if err := json.Unmarshal([]byte(mutation.PayloadJSON), &payload); err != nil {
			return fmt.Errorf("%w: %v", core.ErrInvalidAction, err)
		}
		_, err := service.Create(ctx, payload.CustomerID, payload.OfferID, payload.Quantity)
		return err
	case core.MutationCancelReservation:
		var payload CancelPayload
		if err := json.Unmarshal([]byte(mutation.PayloadJSON), &payload); err != nil {
			return fmt.Errorf("%w: %v", core.ErrInvalidAction, err)
		}
		_, err := service.Cancel(ctx, payload.CustomerID, payload.ReservationID)
		return err
	default:
		return fmt.Errorf("%w: unknown mutation type %q", core.ErrInvalidAction, mutation.Type)
	}
}
