package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/example/ride-lifecycle/internal/auth"
	"github.com/example/ride-lifecycle/internal/dispatch"
	"github.com/example/ride-lifecycle/internal/events"
	"github.com/example/ride-lifecycle/internal/geo"
	"github.com/example/ride-lifecycle/internal/ingest"
	"github.com/example/ride-lifecycle/internal/lifecycle"
	"github.com/example/ride-lifecycle/internal/models"
	"github.com/example/ride-lifecycle/internal/observability"
	"github.com/example/ride-lifecycle/internal/payments"
	"github.com/example/ride-lifecycle/internal/ratings"
)

type Deps struct {
	Sessions  *lifecycle.Sessions
	Auth      auth.Provider
	Tokens    *auth.TokenManager
	Pool      geo.Pool
	Locations ingest.LocationPublisher // optional
	Payments  payments.Provider
	Ratings   *ratings.Service
	WS        *dispatch.WSRegistry
	Events    *events.Emitter // optional
	Logger    *slog.Logger

	WSPingInterval time.Duration
}

type Server struct {
	Deps
	mux    *mux.Router
	logger *slog.Logger
	ctx    context.Context
	cancel context.CancelFunc
}

func NewServer(d Deps) *Server {
	if d.Logger == nil {
		d.Logger = slog.Default()
	}
	if d.WS == nil {
		d.WS = dispatch.NewWSRegistry()
	}
	if d.Events == nil {
		d.Events = events.NewEmitter(events.Nop{}, d.Logger)
	}
	if d.WSPingInterval <= 0 {
		d.WSPingInterval = 30 * time.Second
	}
	ctx, cancel := context.WithCancel(context.Background())
	s := &Server{Deps: d, mux: mux.NewRouter(), logger: d.Logger, ctx: ctx, cancel: cancel}
	d.Sessions.OnCreate = s.onSession
	s.registerMiddleware()
	s.routes()
	return s
}

func (s *Server) routes() {
	s.mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	}).Methods(http.MethodGet)
	s.mux.Handle("/metrics", promhttp.Handler())
	s.mux.HandleFunc("/internal/driver/locations", s.handleDriverLocation).Methods(http.MethodPost)

	s.mux.HandleFunc("/api/v1/auth/signup", s.handleSignUp).Methods(http.MethodPost)
	s.mux.HandleFunc("/api/v1/auth/signin", s.handleSignIn).Methods(http.MethodPost)

	api := s.mux.PathPrefix("/api/v1").Subrouter()
	api.Use(s.authMiddleware)
	api.HandleFunc("/auth/signout", s.handleSignOut).Methods(http.MethodPost)
	api.HandleFunc("/estimate", s.handleEstimate).Methods(http.MethodGet)
	api.HandleFunc("/rides", s.handleRequestRide).Methods(http.MethodPost)
	api.HandleFunc("/rides/active", s.handleActiveRide).Methods(http.MethodGet)
	api.HandleFunc("/rides/{id}/transitions", s.handleTransition).Methods(http.MethodPost)
	api.HandleFunc("/rides/{id}/driver-location", s.handleRideDriverLocation).Methods(http.MethodPost)
	api.HandleFunc("/rides/{id}/payment", s.handlePayment).Methods(http.MethodPost)
	api.HandleFunc("/reviews", s.handleReview).Methods(http.MethodPost)
	api.HandleFunc("/history", s.handleHistory).Methods(http.MethodGet)

	ws := s.mux.PathPrefix("/ws").Subrouter()
	ws.Use(s.authMiddleware)
	ws.HandleFunc("/rides/active", s.handleWS).Methods(http.MethodGet)
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) { s.mux.ServeHTTP(w, r) }

// Shutdown ends every passenger session and open websocket.
func (s *Server) Shutdown() {
	s.cancel()
	s.Sessions.CloseAll()
}

func (s *Server) onSession(c *lifecycle.Controller) {
	go s.followAuth(c)
	go s.relayFinished(c)
}

// relayFinished pushes each finished ride of c to the passenger's sockets.
func (s *Server) relayFinished(c *lifecycle.Controller) {
	for r := range c.Finished() {
		r := r
		if err := s.WS.Notify(c.PassengerID(), dispatch.Message{Type: dispatch.RideFinished, Ride: &r}); err != nil && !errors.Is(err, dispatch.ErrNoSession) {
			s.logger.Warn("notify ride finished", "passenger_id", c.PassengerID(), "ride_id", r.ID, "error", err)
		}
	}
}

func (s *Server) handleDriverLocation(w http.ResponseWriter, r *http.Request) {
	var d models.Driver
	if err := json.NewDecoder(r.Body).Decode(&d); err != nil {
		writeError(w, fmt.Errorf("%w: %v", models.ErrInvalidArgument, err))
		return
	}
	if d.ID == "" {
		writeError(w, fmt.Errorf("%w: driver id is required", models.ErrInvalidArgument))
		return
	}
	d.Online = true
	if s.Locations != nil {
		if err := s.Locations.PublishLocation(r.Context(), d); err != nil {
			s.logger.Warn("publish driver location", "driver_id", d.ID, "error", err)
		}
	}
	if err := s.Pool.Upsert(r.Context(), d); err != nil {
		writeError(w, models.Remote("upsert driver", err))
		return
	}
	observability.LocationUpdates.Inc()
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleEstimate(w http.ResponseWriter, r *http.Request) {
	from, err := parseCoord(r.URL.Query().Get("from"))
	if err != nil {
		writeError(w, err)
		return
	}
	to, err := parseCoord(r.URL.Query().Get("to"))
	if err != nil {
		writeError(w, err)
		return
	}
	est, err := s.session(r).Estimate(r.Context(), from, to)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, est)
}

type rideRequestBody struct {
	Pickup           models.Coord `json:"pickup"`
	Destination      models.Coord `json:"destination"`
	DestinationTitle string       `json:"destination_title"`
}

func (s *Server) handleRequestRide(w http.ResponseWriter, r *http.Request) {
	var body rideRequestBody
	if err := decode(r, &body); err != nil {
		writeError(w, err)
		return
	}
	c := s.session(r)
	id, err := c.RequestRide(r.Context(), models.RideRequest{
		PassengerID:      c.PassengerID(),
		Pickup:           body.Pickup,
		Destination:      body.Destination,
		DestinationTitle: body.DestinationTitle,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	ride, err := c.Ride(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, ride)
}

func (s *Server) handleActiveRide(w http.ResponseWriter, r *http.Request) {
	c := s.session(r)
	ride := c.ActiveRide()
	if ride == nil {
		var err error
		if ride, err = c.RestoreActiveRide(r.Context(), c.PassengerID()); err != nil {
			writeError(w, err)
			return
		}
	}
	if ride == nil {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	writeJSON(w, http.StatusOK, ride)
}

type transitionBody struct {
	Status models.RideStatus  `json:"status"`
	Driver *models.DriverInfo `json:"driver,omitempty"`
}

func (s *Server) handleTransition(w http.ResponseWriter, r *http.Request) {
	var body transitionBody
	if err := decode(r, &body); err != nil {
		writeError(w, err)
		return
	}
	id := mux.Vars(r)["id"]
	c := s.session(r)
	var err error
	if body.Status == models.StatusDriverAssigned && body.Driver == nil {
		_, err = c.AssignDriver(r.Context(), id)
	} else {
		err = c.ApplyTransition(r.Context(), id, body.Status, body.Driver)
	}
	if err != nil {
		writeError(w, err)
		return
	}
	ride, err := c.Ride(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, ride)
}

func (s *Server) handleRideDriverLocation(w http.ResponseWriter, r *http.Request) {
	var at models.Coord
	if err := decode(r, &at); err != nil {
		writeError(w, err)
		return
	}
	if err := s.session(r).UpdateDriverLocation(r.Context(), mux.Vars(r)["id"], at); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type paymentBody struct {
	Method models.PaymentMethod `json:"payment_method"`
}

func (s *Server) handlePayment(w http.ResponseWriter, r *http.Request) {
	var body paymentBody
	if err := decode(r, &body); err != nil {
		writeError(w, err)
		return
	}
	if body.Method == "" {
		body.Method = models.PaymentRidePay
	}
	c := s.session(r)
	ride, err := c.Ride(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		writeError(w, err)
		return
	}
	if ride.Status != models.StatusCompleted {
		writeError(w, fmt.Errorf("%w: only completed rides can be paid", models.ErrInvalidTransition))
		return
	}
	tx, err := s.Payments.Charge(r.Context(), ride.ID, ride.EstimatedPrice, body.Method, c.PassengerID())
	if err != nil {
		writeError(w, err)
		return
	}
	s.Events.Emit(events.RideEvent{Type: events.PaymentCharged, RideID: ride.ID, PassengerID: c.PassengerID(), Amount: tx.Amount})
	writeJSON(w, http.StatusCreated, tx)
}

type reviewBody struct {
	RideID   string  `json:"ride_id"`
	DriverID string  `json:"driver_id,omitempty"`
	Rating   float64 `json:"rating"`
	Comment  string  `json:"comment"`
}

type ratingView struct {
	DriverID      string  `json:"driver_id"`
	AverageRating float64 `json:"average_rating"`
	TotalRatings  int     `json:"total_ratings"`
}

// handleReview rates the driver of one of the passenger's completed rides.
func (s *Server) handleReview(w http.ResponseWriter, r *http.Request) {
	var body reviewBody
	if err := decode(r, &body); err != nil {
		writeError(w, err)
		return
	}
	if body.RideID == "" {
		writeError(w, fmt.Errorf("%w: ride_id is required", models.ErrInvalidArgument))
		return
	}
	c := s.session(r)
	ride, err := c.Ride(r.Context(), body.RideID)
	if err != nil {
		writeError(w, err)
		return
	}
	agg, err := s.Ratings.SubmitForRide(r.Context(), ride, models.Review{
		ReviewerID: c.PassengerID(),
		DriverID:   body.DriverID,
		Rating:     body.Rating,
		Comment:    body.Comment,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	s.Events.Emit(events.RideEvent{Type: events.ReviewSubmitted, RideID: ride.ID, PassengerID: c.PassengerID(), DriverID: agg.DriverID})
	writeJSON(w, http.StatusCreated, ratingView{DriverID: agg.DriverID, AverageRating: agg.Average(), TotalRatings: agg.Count})
}

type historyView struct {
	models.TripHistoryEntry
	FormattedPrice string `json:"formatted_price"`
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	entries, err := s.session(r).History(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	out := make([]historyView, 0, len(entries))
	for _, e := range entries {
		out = append(out, historyView{TripHistoryEntry: e, FormattedPrice: e.FormattedPrice()})
	}
	writeJSON(w, http.StatusOK, out)
}

// session returns the authenticated passenger's controller.
func (s *Server) session(r *http.Request) *lifecycle.Controller {
	return s.Sessions.Get(userFromContext(r.Context()).ID)
}

// parseCoord parses "lat,lon".
func parseCoord(v string) (models.Coord, error) {
	parts := strings.Split(v, ",")
	if len(parts) != 2 {
		return models.Coord{}, fmt.Errorf("%w: coordinate must be lat,lon", models.ErrInvalidArgument)
	}
	lat, err1 := strconv.ParseFloat(strings.TrimSpace(parts[0]), 64)
	lon, err2 := strconv.ParseFloat(strings.TrimSpace(parts[1]), 64)
	if err1 != nil || err2 != nil || lat < -90 || lat > 90 || lon < -180 || lon > 180 {
		return models.Coord{}, fmt.Errorf("%w: invalid coordinate %q", models.ErrInvalidArgument, v)
	}
	return models.Coord{Lat: lat, Lon: lon}, nil
}

func decode(r *http.Request, v any) error {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return fmt.Errorf("%w: malformed body: %v", models.ErrInvalidArgument, err)
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

type errorBody struct {
	Error string `json:"error"`
}

func writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	msg := models.UserMessage(err)
	switch {
	case errors.Is(err, auth.ErrEmailTaken):
		status, msg = http.StatusConflict, err.Error()
	case errors.Is(err, models.ErrUnauthenticated):
		status = http.StatusUnauthorized
	case errors.Is(err, models.ErrInvalidArgument):
		status = http.StatusBadRequest
	case errors.Is(err, models.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, models.ErrInvalidTransition), errors.Is(err, models.ErrActiveRideExists),
		errors.Is(err, models.ErrAlreadyRecorded):
		status = http.StatusConflict
	case errors.Is(err, models.ErrNoRouteFound):
		status = http.StatusUnprocessableEntity
	case errors.Is(err, models.ErrNoDriverAvailable):
		status = http.StatusServiceUnavailable
	case errors.Is(err, models.ErrRemoteFailure):
		status = http.StatusBadGateway
	case errors.Is(err, lifecycle.ErrSessionClosed):
		status = http.StatusUnauthorized
	}
	writeJSON(w, status, errorBody{Error: msg})
}
