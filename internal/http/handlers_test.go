package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/ride-lifecycle/internal/auth"
	"github.com/example/ride-lifecycle/internal/dispatch"
	"github.com/example/ride-lifecycle/internal/geo"
	"github.com/example/ride-lifecycle/internal/lifecycle"
	"github.com/example/ride-lifecycle/internal/matcher"
	"github.com/example/ride-lifecycle/internal/models"
	"github.com/example/ride-lifecycle/internal/observability"
	"github.com/example/ride-lifecycle/internal/payments"
	"github.com/example/ride-lifecycle/internal/ratings"
	"github.com/example/ride-lifecycle/internal/retry"
	"github.com/example/ride-lifecycle/internal/storage"
)

type fixedRoute struct{}

func (fixedRoute) Route(context.Context, models.Coord, models.Coord) (models.Route, error) {
	return models.Route{DistanceMeters: 5000, DurationSeconds: 900}, nil
}

type testEnv struct {
	srv     *Server
	http    *httptest.Server
	authn   *auth.MemoryProvider
	rides   *storage.MemoryStore
	ratings *ratings.Service
	logger  *slog.Logger
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	store := storage.NewMemoryStore()
	pool := geo.NewIndex()
	ratingSvc := ratings.NewService(ratings.NewMemoryStore(), logger)
	sessions := lifecycle.NewSessions(lifecycle.Deps{
		Rides:      store,
		History:    store,
		Directions: fixedRoute{},
		Matcher:    &matcher.Service{Pool: pool, Ratings: ratingSvc, DefaultSpeedMps: 10},
		Retry:      retry.Policy{Attempts: 2, BaseDelay: time.Millisecond, MaxDelay: time.Millisecond},
		Logger:     logger,
	})
	authn := auth.NewMemoryProvider()
	srv := NewServer(Deps{
		Sessions:       sessions,
		Auth:           authn,
		Tokens:         auth.NewTokenManager("test-secret", time.Hour),
		Pool:           pool,
		Payments:       payments.NewService(nil, store, logger),
		Ratings:        ratingSvc,
		Logger:         logger,
		WSPingInterval: time.Second,
	})
	ts := httptest.NewServer(srv)
	t.Cleanup(func() {
		srv.Shutdown()
		ts.Close()
	})
	return &testEnv{srv: srv, http: ts, authn: authn, rides: store, ratings: ratingSvc, logger: logger}
}

func (e *testEnv) do(t *testing.T, method, path, token string, body any) *http.Response {
	t.Helper()
	var rd io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		require.NoError(t, err)
		rd = bytes.NewReader(b)
	}
	req, err := http.NewRequest(method, e.http.URL+path, rd)
	require.NoError(t, err)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { _ = resp.Body.Close() })
	return resp
}

func decodeBody[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	var v T
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&v))
	return v
}

func (e *testEnv) signUp(t *testing.T, email string) sessionView {
	t.Helper()
	resp := e.do(t, http.MethodPost, "/api/v1/auth/signup", "", signUpBody{Email: email, Password: "secret123", Fullname: "Jane Rider"})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	return decodeBody[sessionView](t, resp)
}

func (e *testEnv) addDriver(t *testing.T, id string, at models.Coord) {
	t.Helper()
	resp := e.do(t, http.MethodPost, "/internal/driver/locations", "", models.Driver{
		ID:      id,
		Loc:     at,
		Profile: models.DriverInfo{Name: "Alex R.", CarModel: "Tesla Model 3", LicensePlate: "ABC-123"},
	})
	require.Equal(t, http.StatusNoContent, resp.StatusCode)
}

var (
	pickup      = models.Coord{Lat: 37.7749, Lon: -122.4194}
	destination = models.Coord{Lat: 37.8049, Lon: -122.4100}
)

func (e *testEnv) requestRide(t *testing.T, token string) models.Ride {
	t.Helper()
	resp := e.do(t, http.MethodPost, "/api/v1/rides", token, rideRequestBody{Pickup: pickup, Destination: destination, DestinationTitle: "Fisherman's Wharf"})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	return decodeBody[models.Ride](t, resp)
}

func (e *testEnv) transition(t *testing.T, token, rideID string, body transitionBody) *http.Response {
	t.Helper()
	return e.do(t, http.MethodPost, "/api/v1/rides/"+rideID+"/transitions", token, body)
}

// completedRide requests a ride and drives it to completed with a matched driver.
func (e *testEnv) completedRide(t *testing.T, token string) models.Ride {
	t.Helper()
	ride := e.requestRide(t, token)
	for _, next := range []models.RideStatus{models.StatusDriverAssigned, models.StatusInProgress, models.StatusCompleted} {
		resp := e.transition(t, token, ride.ID, transitionBody{Status: next})
		require.Equal(t, http.StatusOK, resp.StatusCode, next)
		ride = decodeBody[models.Ride](t, resp)
	}
	return ride
}

func TestHealthz(t *testing.T) {
	e := newTestEnv(t)
	resp := e.do(t, http.MethodGet, "/healthz", "", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.NotEmpty(t, resp.Header.Get("X-Request-ID"))
}

func TestProtectedRoutesRequireToken(t *testing.T) {
	e := newTestEnv(t)
	for _, tok := range []string{"", "not-a-jwt"} {
		resp := e.do(t, http.MethodGet, "/api/v1/history", tok, nil)
		assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
		assert.Equal(t, "user is not authenticated", decodeBody[errorBody](t, resp).Error)
	}
}

func TestSignUpAndSignIn(t *testing.T) {
	e := newTestEnv(t)
	sess := e.signUp(t, "jane@example.com")
	assert.NotEmpty(t, sess.Token)
	assert.Equal(t, "jane@example.com", sess.User.Email)

	resp := e.do(t, http.MethodPost, "/api/v1/auth/signup", "", signUpBody{Email: "jane@example.com", Password: "secret123", Fullname: "Jane"})
	assert.Equal(t, http.StatusConflict, resp.StatusCode)

	resp = e.do(t, http.MethodPost, "/api/v1/auth/signin", "", signInBody{Email: "jane@example.com", Password: "wrong-pass"})
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	resp = e.do(t, http.MethodPost, "/api/v1/auth/signin", "", signInBody{Email: "JANE@example.com", Password: "secret123"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, sess.User.ID, decodeBody[sessionView](t, resp).User.ID)
}

func TestEstimate(t *testing.T) {
	e := newTestEnv(t)
	tok := e.signUp(t, "jane@example.com").Token

	resp := e.do(t, http.MethodGet, "/api/v1/estimate?from=37.7749,-122.4194&to=37.8049,-122.41", tok, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	est := decodeBody[lifecycle.Estimate](t, resp)
	assert.Equal(t, 5.0, est.DistanceKm)
	assert.Equal(t, "15m", est.Duration)
	assert.Equal(t, 13.0, est.Quote.Total)

	resp = e.do(t, http.MethodGet, "/api/v1/estimate?from=91,0&to=1,1", tok, nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestRideLifecycleOverHTTP(t *testing.T) {
	e := newTestEnv(t)
	sess := e.signUp(t, "jane@example.com")
	tok := sess.Token
	e.addDriver(t, "d1", models.Coord{Lat: 37.7750, Lon: -122.4190})

	ride := e.requestRide(t, tok)
	assert.Equal(t, models.StatusRequesting, ride.Status)
	assert.Equal(t, 13.0, ride.EstimatedPrice)
	assert.Equal(t, sess.User.ID, ride.PassengerID)

	resp := e.do(t, http.MethodPost, "/api/v1/rides", tok, rideRequestBody{Pickup: pickup, Destination: destination})
	assert.Equal(t, http.StatusConflict, resp.StatusCode)

	resp = e.do(t, http.MethodGet, "/api/v1/rides/active", tok, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, ride.ID, decodeBody[models.Ride](t, resp).ID)

	resp = e.do(t, http.MethodPost, "/api/v1/rides/"+ride.ID+"/payment", tok, paymentBody{Method: models.PaymentCash})
	assert.Equal(t, http.StatusConflict, resp.StatusCode, "unfinished rides cannot be paid")

	resp = e.transition(t, tok, ride.ID, transitionBody{Status: models.StatusCompleted})
	assert.Equal(t, http.StatusConflict, resp.StatusCode)

	resp = e.transition(t, tok, ride.ID, transitionBody{Status: models.StatusDriverAssigned})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assigned := decodeBody[models.Ride](t, resp)
	require.NotNil(t, assigned.Driver)
	assert.Equal(t, "d1", assigned.Driver.ID)
	assert.Equal(t, "Alex R.", assigned.Driver.Name)

	resp = e.do(t, http.MethodPost, "/api/v1/rides/"+ride.ID+"/driver-location", tok, models.Coord{Lat: 37.776, Lon: -122.418})
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)

	resp = e.transition(t, tok, ride.ID, transitionBody{Status: models.StatusInProgress})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	resp = e.transition(t, tok, ride.ID, transitionBody{Status: models.StatusCompleted})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, models.StatusCompleted, decodeBody[models.Ride](t, resp).Status)

	var hist []historyView
	require.Eventually(t, func() bool {
		resp := e.do(t, http.MethodGet, "/api/v1/history", tok, nil)
		if resp.StatusCode != http.StatusOK {
			return false
		}
		hist = decodeBody[[]historyView](t, resp)
		return len(hist) == 1
	}, 2*time.Second, 20*time.Millisecond)
	assert.Equal(t, ride.ID, hist[0].ID)
	assert.Equal(t, "13.00", hist[0].FormattedPrice)
	assert.Equal(t, "Alex R.", hist[0].DriverName)
	assert.Equal(t, "Fisherman's Wharf", hist[0].DestinationAddress)

	resp = e.do(t, http.MethodPost, "/api/v1/rides/"+ride.ID+"/payment", tok, paymentBody{Method: models.PaymentRidePay})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	tx := decodeBody[models.PaymentTransaction](t, resp)
	assert.Equal(t, models.PaymentSucceeded, tx.Status)
	assert.Equal(t, 13.0, tx.Amount)

	resp = e.do(t, http.MethodPost, "/api/v1/rides/"+ride.ID+"/payment", tok, paymentBody{Method: models.PaymentCash})
	assert.Equal(t, http.StatusConflict, resp.StatusCode, "a paid ride is not charged again")

	resp = e.do(t, http.MethodPost, "/api/v1/reviews", tok, reviewBody{RideID: ride.ID, Rating: 4, Comment: "smooth"})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	rv := decodeBody[ratingView](t, resp)
	assert.Equal(t, "d1", rv.DriverID)
	assert.Equal(t, 4.0, rv.AverageRating)
	assert.Equal(t, 1, rv.TotalRatings)

	resp = e.do(t, http.MethodPost, "/api/v1/reviews", tok, reviewBody{RideID: ride.ID, Rating: 1})
	assert.Equal(t, http.StatusConflict, resp.StatusCode, "a ride is reviewed once")

	require.Eventually(t, func() bool {
		return e.do(t, http.MethodGet, "/api/v1/rides/active", tok, nil).StatusCode == http.StatusNoContent
	}, 2*time.Second, 20*time.Millisecond)
}

func TestPaymentIsRecordedOncePerRide(t *testing.T) {
	e := newTestEnv(t)
	tok := e.signUp(t, "jane@example.com").Token
	e.addDriver(t, "d1", models.Coord{Lat: 37.7750, Lon: -122.4190})
	ride := e.completedRide(t, tok)

	codes := make([]int, 0, 3)
	for i := 0; i < 3; i++ {
		codes = append(codes, e.do(t, http.MethodPost, "/api/v1/rides/"+ride.ID+"/payment", tok, paymentBody{Method: models.PaymentCash}).StatusCode)
	}
	assert.Equal(t, []int{http.StatusCreated, http.StatusConflict, http.StatusConflict}, codes)

	txs, err := e.rides.RideTransactions(context.Background(), ride.ID)
	require.NoError(t, err)
	require.Len(t, txs, 1)
	assert.Equal(t, models.PaymentSucceeded, txs[0].Status)
}

func TestReviewRequiresOwnCompletedRide(t *testing.T) {
	e := newTestEnv(t)
	tok := e.signUp(t, "jane@example.com").Token
	other := e.signUp(t, "other@example.com").Token
	e.addDriver(t, "d1", models.Coord{Lat: 37.7750, Lon: -122.4190})

	resp := e.do(t, http.MethodPost, "/api/v1/reviews", tok, reviewBody{DriverID: "never-rode-with", Rating: 1})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode, "ride_id is required")

	ride := e.requestRide(t, tok)
	resp = e.do(t, http.MethodPost, "/api/v1/reviews", tok, reviewBody{RideID: ride.ID, Rating: 1})
	assert.Equal(t, http.StatusConflict, resp.StatusCode, "unfinished rides cannot be reviewed")

	resp = e.transition(t, tok, ride.ID, transitionBody{Status: models.StatusDriverAssigned})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	resp = e.transition(t, tok, ride.ID, transitionBody{Status: models.StatusInProgress})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	resp = e.transition(t, tok, ride.ID, transitionBody{Status: models.StatusCompleted})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp = e.do(t, http.MethodPost, "/api/v1/reviews", tok, reviewBody{RideID: ride.ID, DriverID: "never-rode-with", Rating: 1})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	resp = e.do(t, http.MethodPost, "/api/v1/reviews", other, reviewBody{RideID: ride.ID, Rating: 1})
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	for _, driverID := range []string{"never-rode-with", "d1"} {
		agg, err := e.ratings.Rating(context.Background(), driverID)
		require.NoError(t, err)
		assert.Zero(t, agg.Count, driverID)
	}
}

func TestAssignWithoutDriversIsUnavailable(t *testing.T) {
	e := newTestEnv(t)
	tok := e.signUp(t, "jane@example.com").Token
	ride := e.requestRide(t, tok)

	resp := e.transition(t, tok, ride.ID, transitionBody{Status: models.StatusDriverAssigned})
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
}

func TestOtherPassengersRideIsNotFound(t *testing.T) {
	e := newTestEnv(t)
	owner := e.signUp(t, "owner@example.com").Token
	other := e.signUp(t, "other@example.com").Token
	ride := e.requestRide(t, owner)

	resp := e.transition(t, other, ride.ID, transitionBody{Status: models.StatusCancelled})
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestSignOutEndsSession(t *testing.T) {
	e := newTestEnv(t)
	tok := e.signUp(t, "jane@example.com").Token
	e.requestRide(t, tok)
	require.Equal(t, 1, e.srv.Sessions.Len())

	resp := e.do(t, http.MethodPost, "/api/v1/auth/signout", tok, nil)
	require.Equal(t, http.StatusNoContent, resp.StatusCode)
	assert.Equal(t, 0, e.srv.Sessions.Len())

	resp = e.do(t, http.MethodGet, "/api/v1/rides/active", tok, nil)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestProviderSignOutClosesSession(t *testing.T) {
	e := newTestEnv(t)
	sess := e.signUp(t, "jane@example.com")
	require.Equal(t, 1, e.srv.Sessions.Len())

	require.NoError(t, e.authn.SignOut(context.Background(), sess.User.ID))
	assert.Eventually(t, func() bool { return e.srv.Sessions.Len() == 0 }, time.Second, 10*time.Millisecond)
}

func TestSignInRestoresActiveRide(t *testing.T) {
	e := newTestEnv(t)
	sess := e.signUp(t, "jane@example.com")
	ride := e.requestRide(t, sess.Token)
	require.Equal(t, http.StatusNoContent, e.do(t, http.MethodPost, "/api/v1/auth/signout", sess.Token, nil).StatusCode)

	resp := e.do(t, http.MethodPost, "/api/v1/auth/signin", "", signInBody{Email: "jane@example.com", Password: "secret123"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	again := decodeBody[sessionView](t, resp)
	require.NotNil(t, again.ActiveRide)
	assert.Equal(t, ride.ID, again.ActiveRide.ID)
}

func readWS(t *testing.T, conn *websocket.Conn) dispatch.Message {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	var msg dispatch.Message
	require.NoError(t, conn.ReadJSON(&msg))
	return msg
}

func TestWebsocketStreamsActiveRide(t *testing.T) {
	e := newTestEnv(t)
	tok := e.signUp(t, "jane@example.com").Token
	ride := e.requestRide(t, tok)

	url := "ws" + strings.TrimPrefix(e.http.URL, "http") + "/ws/rides/active?token=" + tok
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()

	first := readWS(t, conn)
	assert.Equal(t, dispatch.RideSnapshot, first.Type)
	require.NotNil(t, first.Ride)
	assert.Equal(t, models.StatusRequesting, first.Ride.Status)

	resp := e.transition(t, tok, ride.ID, transitionBody{Status: models.StatusCancelled})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var cancelled, closed, finished bool
	for !(cancelled && closed && finished) {
		msg := readWS(t, conn)
		switch msg.Type {
		case dispatch.RideSnapshot:
			cancelled = msg.Ride.Status == models.StatusCancelled
		case dispatch.StreamClosed:
			closed = true
		case dispatch.RideFinished:
			finished = true
			assert.Equal(t, ride.ID, msg.Ride.ID)
		}
	}
}

func TestWebsocketRejectsMissingToken(t *testing.T) {
	e := newTestEnv(t)
	url := "ws" + strings.TrimPrefix(e.http.URL, "http") + "/ws/rides/active"
	_, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestDriverLocationRequiresID(t *testing.T) {
	e := newTestEnv(t)
	resp := e.do(t, http.MethodPost, "/internal/driver/locations", "", models.Driver{Loc: pickup})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestDriverLocationCountsUpdates(t *testing.T) {
	e := newTestEnv(t)
	before := counterValue(t, observability.LocationUpdates)

	e.addDriver(t, "d1", pickup)
	e.addDriver(t, "d1", destination)
	e.addDriver(t, "d2", pickup)
	assert.Equal(t, before+3, counterValue(t, observability.LocationUpdates))

	near, err := e.srv.Pool.Nearby(context.Background(), pickup, 10)
	require.NoError(t, err)
	assert.Len(t, near, 2)
}

func counterValue(t *testing.T, c prometheus.Counter) float64 {
	t.Helper()
	var m dto.Metric
	require.NoError(t, c.Write(&m))
	return m.GetCounter().GetValue()
}
