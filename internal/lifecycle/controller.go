// Package lifecycle drives a passenger's rides through the status state machine
// on top of a RideStore and a directions provider.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/example/ride-lifecycle/internal/directions"
	"github.com/example/ride-lifecycle/internal/events"
	"github.com/example/ride-lifecycle/internal/models"
	"github.com/example/ride-lifecycle/internal/observability"
	"github.com/example/ride-lifecycle/internal/pricing"
	"github.com/example/ride-lifecycle/internal/retry"
	"github.com/example/ride-lifecycle/internal/storage"
)

var ErrSessionClosed = errors.New("session closed")

// Matcher picks the driver for a pickup point and reports where the driver is.
type Matcher interface {
	Match(ctx context.Context, pickup models.Coord) (models.DriverInfo, models.Coord, error)
}

// Deps are the collaborators shared by every controller of a process.
type Deps struct {
	Rides      storage.RideStore
	History    storage.HistoryStore
	Directions directions.Provider
	Pricing    pricing.Engine
	Matcher    Matcher         // optional
	Events     *events.Emitter // optional
	Locks      *KeyedMutex     // shared so transitions on one ride serialise across sessions
	Retry      retry.Policy
	Logger     *slog.Logger
}

func (d Deps) withDefaults() Deps {
	if d.Locks == nil {
		d.Locks = NewKeyedMutex()
	}
	if d.Logger == nil {
		d.Logger = slog.Default()
	}
	if d.Events == nil {
		d.Events = events.NewEmitter(events.Nop{}, d.Logger)
	}
	if d.Pricing == (pricing.Engine{}) {
		d.Pricing = pricing.DefaultEngine()
	}
	if d.Directions == nil {
		d.Directions = directions.StraightLine{}
	}
	if d.Retry.Attempts == 0 {
		d.Retry = retry.DefaultPolicy()
	}
	return d
}

// Estimate is the answer to a route + fare request.
type Estimate struct {
	Route      models.Route          `json:"route"`
	Estimation models.TripEstimation `json:"estimation"`
	DistanceKm float64               `json:"distance_km"`
	Duration   string                `json:"duration"`
	Quote      pricing.Quote         `json:"quote"`
}

// Controller is one passenger session. It owns the cached active ride and the
// single subscription that keeps it fresh.
type Controller struct {
	deps        Deps
	passengerID string
	logger      *slog.Logger
	now         func() time.Time

	ctx    context.Context
	cancel context.CancelFunc

	mu       sync.Mutex
	active   *models.Ride
	creating bool
	sub      *subscription
	finished chan models.Ride
	settled  map[string]bool
	recorded map[string]bool
	lastErr  string
	closed   bool
}

type subscription struct {
	rideID string
	cancel context.CancelFunc
	seen   []models.Ride
	boxes  []*mailbox
}

func New(deps Deps, passengerID string) *Controller {
	deps = deps.withDefaults()
	ctx, cancel := context.WithCancel(context.Background())
	return &Controller{
		deps:        deps,
		passengerID: passengerID,
		logger:      deps.Logger.With("passenger_id", passengerID),
		now:         time.Now,
		ctx:         ctx,
		cancel:      cancel,
		finished:    make(chan models.Ride, 16),
		settled:     make(map[string]bool),
		recorded:    make(map[string]bool),
	}
}

func (c *Controller) PassengerID() string { return c.passengerID }

// ErrorMessage is the user-facing text of the last failure, empty when none.
func (c *Controller) ErrorMessage() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastErr
}

// ActiveRide returns a copy of the cached active ride, or nil.
func (c *Controller) ActiveRide() *models.Ride {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.active == nil {
		return nil
	}
	r := c.active.Clone()
	return &r
}

// Finished delivers each ride of this session once, when it reaches completed or
// cancelled. Closed by Close.
func (c *Controller) Finished() <-chan models.Ride { return c.finished }

// ObserveActiveRide streams every persisted change of the active ride, starting
// from its first snapshot. Each call returns a new stream. The channel closes
// after the terminal snapshot, when another ride replaces it, when the session
// ends or when ctx is done. Without an active ride the channel is already closed.
func (c *Controller) ObserveActiveRide(ctx context.Context) <-chan models.Ride {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sub == nil || ctx.Err() != nil {
		ch := make(chan models.Ride)
		close(ch)
		return ch
	}
	box := newMailbox(ctx)
	for _, r := range c.sub.seen {
		box.put(r)
	}
	sub := c.sub
	sub.boxes = append(sub.boxes, box)
	stopSession := context.AfterFunc(c.ctx, box.cancel)
	context.AfterFunc(box.ctx, func() {
		stopSession()
		c.detach(sub, box)
	})
	return box.out
}

// detach drops box from sub so later snapshots are not queued for it.
func (c *Controller) detach(sub *subscription, box *mailbox) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i, b := range sub.boxes {
		if b == box {
			sub.boxes = append(sub.boxes[:i], sub.boxes[i+1:]...)
			return
		}
	}
}

func (c *Controller) fail(err error) error {
	if err == nil {
		return nil
	}
	c.mu.Lock()
	c.lastErr = models.UserMessage(err)
	c.mu.Unlock()
	return err
}

func (c *Controller) storePolicy() retry.Policy {
	p := c.deps.Retry
	p.Retryable = func(err error) bool { return errors.Is(err, models.ErrRemoteFailure) }
	p.OnRetry = func(attempt int, err error) {
		observability.StoreRetries.Inc()
		c.logger.Warn("store call failed, retrying", "attempt", attempt, "error", err)
	}
	return p
}

// Estimate resolves the route between two points and prices it.
func (c *Controller) Estimate(ctx context.Context, from, to models.Coord) (Estimate, error) {
	est, err := c.estimate(ctx, from, to)
	return est, c.fail(err)
}

func (c *Controller) estimate(ctx context.Context, from, to models.Coord) (Estimate, error) {
	route, err := c.deps.Directions.Route(ctx, from, to)
	if err != nil {
		return Estimate{}, err
	}
	te := models.EstimationFromRoute(route)
	return Estimate{
		Route:      route,
		Estimation: te,
		DistanceKm: te.DistanceKm(),
		Duration:   te.FormattedDuration(),
		Quote:      c.deps.Pricing.Quote(te),
	}, nil
}

// RequestRide creates a ride in requesting state and makes it the active ride.
// A passenger has at most one active ride; a second request is rejected with
// models.ErrActiveRideExists.
func (c *Controller) RequestRide(ctx context.Context, req models.RideRequest) (string, error) {
	if req.PassengerID == "" {
		req.PassengerID = c.passengerID
	}
	if req.PassengerID == "" || (c.passengerID != "" && req.PassengerID != c.passengerID) {
		return "", c.fail(models.ErrUnauthenticated)
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return "", ErrSessionClosed
	}
	if c.creating || c.active != nil {
		c.mu.Unlock()
		return "", c.fail(models.ErrActiveRideExists)
	}
	c.creating = true
	c.lastErr = ""
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		c.creating = false
		c.mu.Unlock()
	}()

	existing, err := c.findActive(ctx, req.PassengerID)
	if err != nil {
		return "", c.fail(err)
	}
	if existing != nil {
		return "", c.fail(models.ErrActiveRideExists)
	}

	est, err := c.estimate(ctx, req.Pickup, req.Destination)
	if err != nil {
		return "", c.fail(err)
	}

	draft := models.Ride{
		PassengerID:      req.PassengerID,
		Pickup:           req.Pickup,
		Destination:      req.Destination,
		DestinationTitle: req.DestinationTitle,
		Status:           models.StatusRequesting,
		EstimatedPrice:   est.Quote.Total,
		CreatedAt:        c.now().UTC(),
	}
	// Create is not idempotent, so it is never retried.
	id, err := c.deps.Rides.Create(ctx, draft)
	if err != nil {
		return "", c.fail(err)
	}
	draft.ID = id
	draft.UpdatedAt = draft.CreatedAt

	c.mu.Lock()
	c.active = &draft
	c.mu.Unlock()

	observability.RidesRequested.Inc()
	c.logger.Info("ride requested", "ride_id", id, "estimated_price", draft.EstimatedPrice, "duration", est.Duration)
	c.deps.Events.Emit(events.RideEvent{
		Type: events.RideRequested, RideID: id, PassengerID: req.PassengerID,
		To: models.StatusRequesting, Amount: draft.EstimatedPrice,
	})

	if err := c.watch(id); err != nil {
		c.logger.Error("subscribe to ride", "ride_id", id, "error", err)
		return id, c.fail(err)
	}
	return id, nil
}

// ApplyTransition moves the ride to target. driver is required for driverAssigned
// and ignored otherwise. Transitions of one ride are serialised.
func (c *Controller) ApplyTransition(ctx context.Context, rideID string, target models.RideStatus, driver *models.DriverInfo) error {
	return c.fail(c.applyTransition(ctx, rideID, target, driver, nil))
}

// AssignDriver matches a nearby driver and moves the ride to driverAssigned.
func (c *Controller) AssignDriver(ctx context.Context, rideID string) (models.DriverInfo, error) {
	if c.deps.Matcher == nil {
		return models.DriverInfo{}, c.fail(c.applyTransition(ctx, rideID, models.StatusDriverAssigned, nil, nil))
	}
	r, err := c.Ride(ctx, rideID)
	if err != nil {
		return models.DriverInfo{}, err
	}
	if !r.Status.CanTransitionTo(models.StatusDriverAssigned) {
		return models.DriverInfo{}, c.fail(&models.TransitionError{From: r.Status, To: models.StatusDriverAssigned})
	}
	driver, loc, err := c.deps.Matcher.Match(ctx, r.Pickup)
	if err != nil {
		return models.DriverInfo{}, c.fail(err)
	}
	if err := c.applyTransition(ctx, rideID, models.StatusDriverAssigned, &driver, &loc); err != nil {
		return models.DriverInfo{}, c.fail(err)
	}
	return driver, nil
}

func (c *Controller) applyTransition(ctx context.Context, rideID string, target models.RideStatus, driver *models.DriverInfo, loc *models.Coord) error {
	if !target.Valid() {
		return fmt.Errorf("%w: unknown status %q", models.ErrInvalidArgument, target)
	}
	unlock := c.deps.Locks.Lock(rideID)
	defer unlock()

	current, err := c.get(ctx, rideID)
	if err != nil {
		return err
	}
	upd, err := models.Transition(current, target, driver)
	if err != nil {
		observability.TransitionRejects.WithLabelValues(string(current.Status), string(target)).Inc()
		c.logger.Warn("transition rejected", "ride_id", rideID, "from", current.Status, "to", target, "error", err)
		return err
	}
	if loc != nil {
		upd.DriverLocation = loc
	}
	err = retry.Do(ctx, c.storePolicy(), func(ctx context.Context) error {
		return c.deps.Rides.Update(ctx, rideID, upd)
	})
	if err != nil {
		return err
	}

	updated := current.Clone()
	upd.Apply(&updated, c.now())
	observability.Transitions.WithLabelValues(string(current.Status), string(target)).Inc()
	c.logger.Info("ride transitioned", "ride_id", rideID, "from", current.Status, "to", target)
	ev := events.RideEvent{Type: events.RideTransition, RideID: rideID, PassengerID: updated.PassengerID, From: current.Status, To: target}
	if updated.Driver != nil {
		ev.DriverID = updated.Driver.ID
	}
	c.deps.Events.Emit(ev)

	if target.Terminal() {
		c.settle(ctx, updated)
	}
	return nil
}

// UpdateDriverLocation records where the assigned driver is.
func (c *Controller) UpdateDriverLocation(ctx context.Context, rideID string, at models.Coord) error {
	unlock := c.deps.Locks.Lock(rideID)
	defer unlock()

	current, err := c.get(ctx, rideID)
	if err != nil {
		return c.fail(err)
	}
	if current.Status == models.StatusRequesting || current.Status.Terminal() {
		return c.fail(fmt.Errorf("%w: no driver to locate while %s", models.ErrInvalidTransition, current.Status))
	}
	err = retry.Do(ctx, c.storePolicy(), func(ctx context.Context) error {
		return c.deps.Rides.Update(ctx, rideID, models.RideUpdate{DriverLocation: &at})
	})
	return c.fail(err)
}

// RestoreActiveRide adopts the passenger's newest non-terminal ride, if any,
// and re-subscribes to it.
func (c *Controller) RestoreActiveRide(ctx context.Context, passengerID string) (*models.Ride, error) {
	if passengerID == "" {
		passengerID = c.passengerID
	}
	if passengerID == "" || (c.passengerID != "" && passengerID != c.passengerID) {
		return nil, c.fail(models.ErrUnauthenticated)
	}
	r, err := c.findActive(ctx, passengerID)
	if err != nil {
		c.logger.Warn("restore active ride", "error", err)
		return nil, c.fail(err)
	}
	if r == nil {
		return nil, nil
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, ErrSessionClosed
	}
	cp := r.Clone()
	c.active = &cp
	watching := c.sub != nil && c.sub.rideID == r.ID
	c.mu.Unlock()

	if !watching {
		if err := c.watch(r.ID); err != nil {
			return r, c.fail(err)
		}
	}
	c.logger.Info("active ride restored", "ride_id", r.ID, "status", r.Status)
	return r, nil
}

// Ride returns one of the passenger's rides.
func (c *Controller) Ride(ctx context.Context, rideID string) (models.Ride, error) {
	r, err := c.get(ctx, rideID)
	return r, c.fail(err)
}

// History lists the passenger's completed trips, newest first.
func (c *Controller) History(ctx context.Context) ([]models.TripHistoryEntry, error) {
	if c.passengerID == "" {
		return nil, c.fail(models.ErrUnauthenticated)
	}
	entries, err := c.deps.History.List(ctx, c.passengerID)
	return entries, c.fail(models.Remote("list history", err))
}

// Close ends the session: the subscription is cancelled and Finished is closed.
func (c *Controller) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	c.stopLocked()
	close(c.finished)
	c.mu.Unlock()
	c.cancel()
}

func (c *Controller) get(ctx context.Context, rideID string) (models.Ride, error) {
	var r models.Ride
	err := retry.Do(ctx, c.storePolicy(), func(ctx context.Context) error {
		var err error
		r, err = c.deps.Rides.Get(ctx, rideID)
		return err
	})
	if err != nil {
		return models.Ride{}, err
	}
	if c.passengerID != "" && r.PassengerID != c.passengerID {
		return models.Ride{}, models.ErrNotFound
	}
	return r, nil
}

func (c *Controller) findActive(ctx context.Context, passengerID string) (*models.Ride, error) {
	var r *models.Ride
	err := retry.Do(ctx, c.storePolicy(), func(ctx context.Context) error {
		var err error
		r, err = c.deps.Rides.FindActive(ctx, passengerID, models.ActiveStatuses)
		return err
	})
	return r, err
}

// watch replaces the current subscription with one on rideID.
func (c *Controller) watch(rideID string) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrSessionClosed
	}
	c.stopLocked()
	c.mu.Unlock()

	subCtx, cancel := context.WithCancel(c.ctx)
	ch, err := c.deps.Rides.Subscribe(subCtx, rideID)
	if err != nil {
		cancel()
		return err
	}
	sub := &subscription{rideID: rideID, cancel: cancel}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		cancel()
		return ErrSessionClosed
	}
	c.stopLocked()
	c.sub = sub
	c.mu.Unlock()

	observability.ActiveRides.Inc()
	go c.forward(sub, ch)
	return nil
}

// stopLocked tears down the current subscription. c.mu must be held.
func (c *Controller) stopLocked() {
	if c.sub == nil {
		return
	}
	c.sub.cancel()
	for _, box := range c.sub.boxes {
		box.seal()
	}
	c.sub = nil
	observability.ActiveRides.Dec()
}

func (c *Controller) forward(sub *subscription, ch <-chan models.Ride) {
	for r := range ch {
		c.mu.Lock()
		if c.sub != sub {
			c.mu.Unlock()
			continue
		}
		sub.seen = append(sub.seen, r.Clone())
		for _, box := range sub.boxes {
			box.put(r)
		}
		if !r.Status.Terminal() {
			if !c.settled[r.ID] {
				cp := r.Clone()
				c.active = &cp
			}
			c.mu.Unlock()
			continue
		}
		c.stopLocked()
		c.mu.Unlock()

		ctx, cancel := context.WithTimeout(c.ctx, 10*time.Second)
		c.settle(ctx, r)
		cancel()
	}
}

// settle runs the terminal side effects of r once: the history entry for a
// completed ride, clearing the active ride and the finished notification.
func (c *Controller) settle(ctx context.Context, r models.Ride) {
	if r.Status == models.StatusCompleted {
		c.recordHistory(ctx, r)
	}

	c.mu.Lock()
	if c.active != nil && c.active.ID == r.ID {
		c.active = nil
	}
	first := !c.settled[r.ID]
	c.settled[r.ID] = true
	if first && !c.closed {
		select {
		case c.finished <- r.Clone():
		default:
			c.logger.Warn("finished notification dropped", "ride_id", r.ID)
		}
	}
	c.mu.Unlock()

	if first && r.Status == models.StatusCompleted {
		c.deps.Events.Emit(events.RideEvent{Type: events.RideCompleted, RideID: r.ID, PassengerID: r.PassengerID, Amount: r.EstimatedPrice})
	}
}

// recordHistory appends the trip once per ride. A failure is logged and
// surfaced through ErrorMessage; the completed status stands.
func (c *Controller) recordHistory(ctx context.Context, r models.Ride) {
	c.mu.Lock()
	done := c.recorded[r.ID]
	c.mu.Unlock()
	if done {
		return
	}

	entry := historyEntry(r, c.now())
	err := retry.Do(ctx, c.storePolicy(), func(ctx context.Context) error {
		return c.deps.History.Append(ctx, entry)
	})
	if err != nil {
		observability.HistoryWrites.WithLabelValues("error").Inc()
		c.logger.Error("write trip history", "ride_id", r.ID, "error", err)
		_ = c.fail(err)
		return
	}
	c.mu.Lock()
	c.recorded[r.ID] = true
	c.mu.Unlock()
	observability.HistoryWrites.WithLabelValues("ok").Inc()
}

func historyEntry(r models.Ride, at time.Time) models.TripHistoryEntry {
	e := models.TripHistoryEntry{
		ID:                 r.ID,
		PassengerID:        r.PassengerID,
		Date:               at.UTC(),
		PickupAddress:      fmt.Sprintf("%.5f, %.5f", r.Pickup.Lat, r.Pickup.Lon),
		DestinationAddress: r.DestinationTitle,
		FinalPrice:         r.EstimatedPrice,
	}
	if e.DestinationAddress == "" {
		e.DestinationAddress = fmt.Sprintf("%.5f, %.5f", r.Destination.Lat, r.Destination.Lon)
	}
	if r.Driver != nil {
		e.DriverName = r.Driver.Name
		e.CarModel = r.Driver.CarModel
	}
	return e
}
