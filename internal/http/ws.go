package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/example/ride-dispatch/internal/apperr"
	"github.com/example/ride-dispatch/internal/auth"
	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/presence"
)

const disconnectTimeout = 5 * time.Second

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	id, _ := auth.FromContext(r.Context())
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.WithError(err).Warn("websocket upgrade failed")
		return
	}
	sess := presence.NewSession(conn, s.logger.WithFields(logrus.Fields{"user_id": id.UserID, "role": id.Role}))
	if id.Role == auth.RoleDriver {
		// r.Context() is done by the time the last session closes.
		base := context.WithoutCancel(r.Context())
		sess.OwnedBy(models.DriverRoom(id.UserID), func(string) {
			ctx, cancel := context.WithTimeout(base, disconnectTimeout)
			defer cancel()
			if err := s.relay.Disconnect(ctx, id.UserID); err != nil {
				s.logger.WithError(err).WithField("driver_id", id.UserID).Warn("remove disconnected driver")
			}
		})
	}
	sess.Serve(r.Context(), s.presence, func(ctx context.Context, sess *presence.Session, msg presence.Message) {
		if err := s.handleEvent(ctx, id, sess, msg); err != nil {
			sess.Send(models.EventError, models.ErrorPayload{Code: apperr.CodeOf(err), Message: err.Error()})
		}
	})
}

type locationEvent struct {
	DriverID string   `json:"driverId"`
	RideID   string   `json:"rideId,omitempty"`
	Lat      *float64 `json:"lat"`
	Lng      *float64 `json:"lng"`
}

type rideRequestEvent struct {
	RideID  string `json:"rideId"`
	RiderID string `json:"riderId"`
}

var errUnknownEvent = &apperr.Error{Kind: apperr.KindValidation, Code: "unknown_event", Msg: "unknown event"}

// handleEvent is the single dispatch point for inbound events. Joins are
// limited to rooms that belong to the connection's verified identity.
func (s *Server) handleEvent(ctx context.Context, id auth.Identity, sess *presence.Session, msg presence.Message) error {
	switch msg.Event {
	case models.EventJoinDriver:
		if err := s.ownID(id, auth.RoleDriver, msg.Data, "driverId"); err != nil {
			return err
		}
		if err := s.presence.Join(sess.ID(), models.DriverRoom(id.UserID)); err != nil {
			return err
		}
		return s.presence.Join(sess.ID(), models.BroadcastRoom)

	case models.EventJoinDriverRoom:
		if id.Role != auth.RoleDriver {
			return apperr.With(apperr.ErrNotRideParticipant, "only drivers may join %s", models.BroadcastRoom)
		}
		return s.presence.Join(sess.ID(), models.BroadcastRoom)

	case models.EventJoinRider:
		if err := s.ownID(id, auth.RoleRider, msg.Data, "riderId"); err != nil {
			return err
		}
		return s.presence.Join(sess.ID(), models.RiderRoom(id.UserID))

	case models.EventLeaveRoom:
		var room string
		if err := json.Unmarshal(msg.Data, &room); err != nil || room == "" {
			return apperr.With(apperr.ErrMissingField, "leave-room needs a room name")
		}
		s.presence.Leave(sess.ID(), room)
		return nil

	case models.EventDriverLocationUpdate:
		if id.Role != auth.RoleDriver {
			return apperr.With(apperr.ErrNotRideParticipant, "only drivers report locations")
		}
		var ev locationEvent
		if err := json.Unmarshal(msg.Data, &ev); err != nil || ev.Lat == nil || ev.Lng == nil {
			return apperr.With(apperr.ErrMissingField, "lat and lng are required")
		}
		if ev.DriverID != "" && ev.DriverID != id.UserID {
			return apperr.With(apperr.ErrNotRideParticipant, "cannot report location for driver %s", ev.DriverID)
		}
		_, err := s.relay.ReportLocation(ctx, models.LocationSample{DriverID: id.UserID, RideID: ev.RideID, Lat: *ev.Lat, Lng: *ev.Lng})
		return err

	case models.EventRideRequest:
		if id.Role != auth.RoleRider {
			return apperr.With(apperr.ErrNotRideParticipant, "only riders may re-offer rides")
		}
		var ev rideRequestEvent
		if err := json.Unmarshal(msg.Data, &ev); err != nil || ev.RideID == "" {
			return apperr.With(apperr.ErrMissingField, "rideId is required")
		}
		_, err := s.dispatch.Reoffer(ctx, ev.RideID, id.UserID)
		return err

	default:
		return apperr.With(errUnknownEvent, "unknown event %q", msg.Event)
	}
}

// ownID checks that data names the connection's own identity. data may be a
// bare string or an object carrying field; an empty payload means "me".
func (s *Server) ownID(id auth.Identity, role auth.Role, data json.RawMessage, field string) error {
	if id.Role != role {
		return apperr.With(apperr.ErrNotRideParticipant, "connection is not a %s", role)
	}
	claimed := ""
	if len(data) > 0 && string(data) != "null" {
		if err := json.Unmarshal(data, &claimed); err != nil {
			var obj map[string]string
			if err := json.Unmarshal(data, &obj); err != nil {
				return apperr.With(apperr.ErrMissingField, "malformed %s", field)
			}
			claimed = obj[field]
		}
	}
	if claimed != "" && claimed != id.UserID {
		return apperr.With(apperr.ErrNotRideParticipant, "cannot join room of %s %s", role, claimed)
	}
	return nil
}
