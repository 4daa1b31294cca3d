package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/gorilla/handlers"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"

	"github.com/example/ride-dispatch/internal/apperr"
	"github.com/example/ride-dispatch/internal/auth"
	"github.com/example/ride-dispatch/internal/dispatch"
	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/presence"
	"github.com/example/ride-dispatch/internal/relay"
	"github.com/example/ride-dispatch/internal/ride"
)

// ReadyCheck reports whether a backing store is reachable.
type ReadyCheck func(ctx context.Context) error

type Deps struct {
	Dispatch *dispatch.Service
	Relay    *relay.Relay
	Presence *presence.Registry
	Verifier *auth.Verifier
	Ready    []ReadyCheck

	NearbyDefaultRadiusM float64
	NearbyLimit          int
	CORSAllowedOrigins   []string
	Logger               logrus.FieldLogger
}

type Server struct {
	dispatch *dispatch.Service
	relay    *relay.Relay
	presence *presence.Registry
	verifier *auth.Verifier
	ready    []ReadyCheck

	nearbyRadius float64
	nearbyLimit  int
	origins      []string

	logger   logrus.FieldLogger
	mux      *mux.Router
	upgrader websocket.Upgrader
	handler  http.Handler
}

func NewServer(d Deps) *Server {
	s := &Server{
		dispatch:     d.Dispatch,
		relay:        d.Relay,
		presence:     d.Presence,
		verifier:     d.Verifier,
		ready:        d.Ready,
		nearbyRadius: d.NearbyDefaultRadiusM,
		nearbyLimit:  d.NearbyLimit,
		origins:      d.CORSAllowedOrigins,
		logger:       d.Logger,
		mux:          mux.NewRouter(),
	}
	if s.nearbyRadius <= 0 {
		s.nearbyRadius = 3000
	}
	if s.nearbyLimit <= 0 {
		s.nearbyLimit = 50
	}
	if len(s.origins) == 0 {
		s.origins = []string{"*"}
	}
	s.upgrader = websocket.Upgrader{CheckOrigin: s.checkOrigin}
	s.registerMiddleware()
	s.routes()
	s.handler = handlers.CORS(
		handlers.AllowedOrigins(s.origins),
		handlers.AllowedMethods([]string{http.MethodGet, http.MethodPost, http.MethodOptions}),
		handlers.AllowedHeaders([]string{"Authorization", "Content-Type", "X-Request-ID"}),
	)(s.mux)
	return s
}

func (s *Server) routes() {
	s.mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(200); w.Write([]byte("ok")) }).Methods("GET")
	s.mux.HandleFunc("/ready", s.handleReady).Methods("GET")
	s.mux.Handle("/metrics", promhttp.Handler())

	api := s.mux.NewRoute().Subrouter()
	api.Use(s.authMiddleware)
	api.HandleFunc("/ride/request", s.handleRideRequest).Methods("POST")
	api.HandleFunc("/ride/respond", s.handleRideRespond).Methods("POST")
	api.HandleFunc("/ride/start", s.handleRideStart).Methods("POST")
	api.HandleFunc("/ride/complete", s.handleRideComplete).Methods("POST")
	api.HandleFunc("/ride/cancel", s.handleRideCancel).Methods("POST")
	api.HandleFunc("/ride/{id}", s.handleGetRide).Methods("GET")
	api.HandleFunc("/driver/update-location", s.handleUpdateLocation).Methods("POST")
	api.HandleFunc("/driver/toggle-availability", s.handleToggleAvailability).Methods("POST")
	api.HandleFunc("/driver/nearby", s.handleNearby).Methods("GET")
	api.HandleFunc("/ws", s.handleWS).Methods("GET")
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) { s.handler.ServeHTTP(w, r) }

func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	for _, check := range s.ready {
		if err := check(r.Context()); err != nil {
			s.logger.WithError(err).Warn("readiness check failed")
			http.Error(w, "not ready", http.StatusServiceUnavailable)
			return
		}
	}
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ready"))
}

type rideRequestBody struct {
	PickupLat  *float64 `json:"pickupLat"`
	PickupLng  *float64 `json:"pickupLng"`
	DropoffLat *float64 `json:"dropoffLat"`
	DropoffLng *float64 `json:"dropoffLng"`
}

func (s *Server) handleRideRequest(w http.ResponseWriter, r *http.Request) {
	id, ok := s.requireRole(w, r, auth.RoleRider)
	if !ok {
		return
	}
	var body rideRequestBody
	if !s.decode(w, r, &body) {
		return
	}
	if body.PickupLat == nil || body.PickupLng == nil || body.DropoffLat == nil || body.DropoffLng == nil {
		s.writeError(w, r, apperr.With(apperr.ErrMissingField, "pickupLat, pickupLng, dropoffLat and dropoffLng are required"))
		return
	}
	res, err := s.dispatch.RequestRide(r.Context(), id.UserID,
		models.Coord{Lat: *body.PickupLat, Lng: *body.PickupLng},
		models.Coord{Lat: *body.DropoffLat, Lng: *body.DropoffLng})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

type rideIDBody struct {
	RideID   string `json:"rideId"`
	Response string `json:"response,omitempty"`
}

type rideResponse struct {
	Ride *models.Ride `json:"ride"`
}

func (s *Server) handleRideRespond(w http.ResponseWriter, r *http.Request) {
	id, body, ok := s.driverRideBody(w, r)
	if !ok {
		return
	}
	rd, err := s.dispatch.DriverRespond(r.Context(), body.RideID, id.UserID, dispatch.Decision(body.Response))
	s.writeRide(w, r, rd, err)
}

func (s *Server) handleRideStart(w http.ResponseWriter, r *http.Request) {
	id, body, ok := s.driverRideBody(w, r)
	if !ok {
		return
	}
	rd, err := s.dispatch.Start(r.Context(), body.RideID, id.UserID)
	s.writeRide(w, r, rd, err)
}

func (s *Server) handleRideComplete(w http.ResponseWriter, r *http.Request) {
	id, body, ok := s.driverRideBody(w, r)
	if !ok {
		return
	}
	rd, err := s.dispatch.Complete(r.Context(), body.RideID, id.UserID)
	s.writeRide(w, r, rd, err)
}

func (s *Server) handleRideCancel(w http.ResponseWriter, r *http.Request) {
	id, _ := auth.FromContext(r.Context())
	var body rideIDBody
	if !s.decode(w, r, &body) {
		return
	}
	rd, err := s.dispatch.Cancel(r.Context(), body.RideID, actorOf(id))
	s.writeRide(w, r, rd, err)
}

func (s *Server) handleGetRide(w http.ResponseWriter, r *http.Request) {
	id, _ := auth.FromContext(r.Context())
	rd, err := s.dispatch.GetRide(r.Context(), mux.Vars(r)["id"], actorOf(id))
	s.writeRide(w, r, rd, err)
}

type locationBody struct {
	Lat    *float64 `json:"lat"`
	Lng    *float64 `json:"lng"`
	RideID string   `json:"rideId,omitempty"`
}

func (s *Server) handleUpdateLocation(w http.ResponseWriter, r *http.Request) {
	id, ok := s.requireRole(w, r, auth.RoleDriver)
	if !ok {
		return
	}
	var body locationBody
	if !s.decode(w, r, &body) {
		return
	}
	if body.Lat == nil || body.Lng == nil {
		s.writeError(w, r, apperr.With(apperr.ErrMissingField, "lat and lng are required"))
		return
	}
	relayed, err := s.relay.ReportLocation(r.Context(), models.LocationSample{
		DriverID: id.UserID, RideID: body.RideID, Lat: *body.Lat, Lng: *body.Lng,
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"relayed": relayed})
}

type availabilityBody struct {
	IsAvailable *bool `json:"isAvailable"`
}

func (s *Server) handleToggleAvailability(w http.ResponseWriter, r *http.Request) {
	id, ok := s.requireRole(w, r, auth.RoleDriver)
	if !ok {
		return
	}
	var body availabilityBody
	if !s.decode(w, r, &body) {
		return
	}
	if body.IsAvailable == nil {
		s.writeError(w, r, apperr.With(apperr.ErrMissingField, "isAvailable is required"))
		return
	}
	drv, err := s.relay.SetAvailability(r.Context(), id.UserID, *body.IsAvailable)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"driver": drv})
}

func (s *Server) handleNearby(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	if q.Get("lat") == "" || q.Get("lng") == "" {
		s.writeError(w, r, apperr.With(apperr.ErrMissingField, "lat and lng are required"))
		return
	}
	lat, errLat := strconv.ParseFloat(q.Get("lat"), 64)
	lng, errLng := strconv.ParseFloat(q.Get("lng"), 64)
	if errLat != nil || errLng != nil {
		s.writeError(w, r, apperr.With(apperr.ErrInvalidCoordinate, "lat and lng must be numbers"))
		return
	}
	radius := s.nearbyRadius
	if v := q.Get("radius"); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			s.writeError(w, r, apperr.With(apperr.ErrInvalidCoordinate, "radius must be a number"))
			return
		}
		radius = f
	}
	limit := s.nearbyLimit
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			s.writeError(w, r, apperr.With(apperr.ErrMissingField, "limit must be a positive integer"))
			return
		}
		if n < limit {
			limit = n
		}
	}
	drivers, err := s.dispatch.Nearby(r.Context(), lat, lng, radius, limit)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"count": len(drivers), "drivers": drivers})
}

func (s *Server) driverRideBody(w http.ResponseWriter, r *http.Request) (auth.Identity, rideIDBody, bool) {
	var body rideIDBody
	id, ok := s.requireRole(w, r, auth.RoleDriver)
	if !ok {
		return id, body, false
	}
	if !s.decode(w, r, &body) {
		return id, body, false
	}
	return id, body, true
}

func (s *Server) requireRole(w http.ResponseWriter, r *http.Request, role auth.Role) (auth.Identity, bool) {
	id, ok := auth.FromContext(r.Context())
	if !ok {
		s.writeError(w, r, apperr.ErrUnauthorized)
		return id, false
	}
	if id.Role != role {
		s.writeError(w, r, apperr.With(apperr.ErrNotRideParticipant, "this action requires the %s role", role))
		return id, false
	}
	return id, true
}

func (s *Server) decode(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		s.writeError(w, r, apperr.With(apperr.ErrMissingField, "invalid JSON body: %v", err))
		return false
	}
	return true
}

func (s *Server) writeRide(w http.ResponseWriter, r *http.Request, rd *models.Ride, err error) {
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, rideResponse{Ride: rd})
}

func actorOf(id auth.Identity) ride.Actor {
	return ride.Actor{ID: id.UserID, Role: ride.Role(id.Role)}
}

func (s *Server) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	for _, o := range s.origins {
		if o == "*" || o == origin {
			return true
		}
	}
	return false
}
