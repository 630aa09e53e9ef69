package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/example/ride-lifecycle/internal/models"
)

// ChangeChannel is the LISTEN/NOTIFY channel fed by the rides trigger with the ride id.
const ChangeChannel = "ride_changes"

// PostgresStore implements RideStore, HistoryStore and TransactionStore on PostgreSQL.
// Change streams come from LISTEN/NOTIFY when a listener is attached; otherwise the
// store publishes its own writes.
type PostgresStore struct {
	db       *sql.DB
	hub      *hub
	listener *pq.Listener
	logger   *slog.Logger
	done     chan struct{}
}

func NewPostgresStore(dsn string, logger *slog.Logger) (*PostgresStore, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	p := NewPostgresStoreWithDB(db, logger)

	l := pq.NewListener(dsn, time.Second, time.Minute, func(ev pq.ListenerEventType, err error) {
		if err != nil {
			logger.Warn("ride listener event", "event", int(ev), "error", err)
		}
	})
	if err := l.Listen(ChangeChannel); err != nil {
		_ = l.Close()
		_ = db.Close()
		return nil, fmt.Errorf("listen %s: %w", ChangeChannel, err)
	}
	p.listener = l
	go p.listen()
	return p, nil
}

// NewPostgresStoreWithDB wraps an open handle without a change listener.
func NewPostgresStoreWithDB(db *sql.DB, logger *slog.Logger) *PostgresStore {
	if logger == nil {
		logger = slog.Default()
	}
	return &PostgresStore{db: db, hub: newHub(), logger: logger, done: make(chan struct{})}
}

func (p *PostgresStore) DB() *sql.DB { return p.db }

func (p *PostgresStore) Close() error {
	close(p.done)
	if p.listener != nil {
		_ = p.listener.Close()
	}
	return p.db.Close()
}

func (p *PostgresStore) listen() {
	ping := time.NewTicker(90 * time.Second)
	defer ping.Stop()
	for {
		select {
		case <-p.done:
			return
		case n, ok := <-p.listener.Notify:
			if !ok {
				return
			}
			if n == nil {
				// reconnected: notifications may have been lost, refresh every watched ride
				for _, id := range p.hub.watched() {
					p.refresh(id)
				}
				continue
			}
			p.refresh(n.Extra)
		case <-ping.C:
			go func() { _ = p.listener.Ping() }()
		}
	}
}

func (p *PostgresStore) refresh(rideID string) {
	if !p.hub.has(rideID) {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	r, err := p.Get(ctx, rideID)
	if err != nil {
		p.logger.Warn("refresh ride after notify", "ride_id", rideID, "error", err)
		return
	}
	p.hub.publish(r)
}

// afterWrite publishes the ride locally when there is no NOTIFY listener.
func (p *PostgresStore) afterWrite(ctx context.Context, rideID string) {
	if p.listener != nil || !p.hub.has(rideID) {
		return
	}
	if r, err := p.Get(ctx, rideID); err == nil {
		p.hub.publish(r)
	}
}

const rideColumns = `id, passenger_id, pickup_lat, pickup_lon, dest_lat, dest_lon, destination_title,
	status, driver_info, driver_lat, driver_lon, estimated_price, created_at, updated_at`

func (p *PostgresStore) Create(ctx context.Context, draft models.Ride) (string, error) {
	id := uuid.NewString()
	now := time.Now().UTC()
	created := draft.CreatedAt
	if created.IsZero() {
		created = now
	}
	driver, err := marshalDriver(draft.Driver)
	if err != nil {
		return "", err
	}
	_, err = p.db.ExecContext(ctx, `INSERT INTO rides(id, passenger_id, pickup_lat, pickup_lon, dest_lat, dest_lon, destination_title, status, driver_info, estimated_price, created_at, updated_at)
		VALUES($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)`,
		id, draft.PassengerID, draft.Pickup.Lat, draft.Pickup.Lon, draft.Destination.Lat, draft.Destination.Lon,
		draft.DestinationTitle, string(draft.Status), driver, draft.EstimatedPrice, created, now)
	if err != nil {
		return "", models.Remote("insert ride", err)
	}
	p.afterWrite(ctx, id)
	return id, nil
}

func (p *PostgresStore) Update(ctx context.Context, rideID string, u models.RideUpdate) error {
	var status sql.NullString
	if u.Status != nil {
		status = sql.NullString{String: string(*u.Status), Valid: true}
	}
	driver, err := marshalDriver(u.Driver)
	if err != nil {
		return err
	}
	var lat, lon sql.NullFloat64
	if u.DriverLocation != nil {
		lat = sql.NullFloat64{Float64: u.DriverLocation.Lat, Valid: true}
		lon = sql.NullFloat64{Float64: u.DriverLocation.Lon, Valid: true}
	}
	res, err := p.db.ExecContext(ctx, `UPDATE rides SET
		status = COALESCE($2, status),
		driver_info = COALESCE($3, driver_info),
		driver_lat = COALESCE($4, driver_lat),
		driver_lon = COALESCE($5, driver_lon),
		updated_at = $6
		WHERE id = $1`, rideID, status, driver, lat, lon, time.Now().UTC())
	if err != nil {
		return models.Remote("update ride", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return models.Remote("update ride", err)
	}
	if n == 0 {
		return models.ErrNotFound
	}
	p.afterWrite(ctx, rideID)
	return nil
}

func (p *PostgresStore) Get(ctx context.Context, rideID string) (models.Ride, error) {
	row := p.db.QueryRowContext(ctx, `SELECT `+rideColumns+` FROM rides WHERE id = $1`, rideID)
	r, err := scanRide(row)
	if errors.Is(err, sql.ErrNoRows) {
		return models.Ride{}, models.ErrNotFound
	}
	if err != nil {
		return models.Ride{}, models.Remote("get ride", err)
	}
	return r, nil
}

func (p *PostgresStore) FindActive(ctx context.Context, passengerID string, statuses []models.RideStatus) (*models.Ride, error) {
	ss := make([]string, len(statuses))
	for i, s := range statuses {
		ss[i] = string(s)
	}
	row := p.db.QueryRowContext(ctx, `SELECT `+rideColumns+` FROM rides
		WHERE passenger_id = $1 AND status = ANY($2)
		ORDER BY created_at DESC
		LIMIT 1`, passengerID, pq.Array(ss))
	r, err := scanRide(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, models.Remote("find active ride", err)
	}
	return &r, nil
}

func (p *PostgresStore) Subscribe(ctx context.Context, rideID string) (<-chan models.Ride, error) {
	r, err := p.Get(ctx, rideID)
	if err != nil {
		return nil, err
	}
	return p.hub.subscribe(ctx, rideID, r), nil
}

func (p *PostgresStore) Append(ctx context.Context, e models.TripHistoryEntry) error {
	_, err := p.db.ExecContext(ctx, `INSERT INTO trip_history(id, passenger_id, date, pickup_address, destination_address, driver_name, car_model, final_price)
		VALUES($1,$2,$3,$4,$5,$6,$7,$8) ON CONFLICT (id) DO NOTHING`,
		e.ID, e.PassengerID, e.Date, e.PickupAddress, e.DestinationAddress, e.DriverName, e.CarModel, e.FinalPrice)
	return models.Remote("append history", err)
}

func (p *PostgresStore) List(ctx context.Context, passengerID string) ([]models.TripHistoryEntry, error) {
	rows, err := p.db.QueryContext(ctx, `SELECT id, passenger_id, date, pickup_address, destination_address, driver_name, car_model, final_price
		FROM trip_history WHERE passenger_id = $1 ORDER BY date DESC`, passengerID)
	if err != nil {
		return nil, models.Remote("list history", err)
	}
	defer rows.Close()
	var out []models.TripHistoryEntry
	for rows.Next() {
		var e models.TripHistoryEntry
		if err := rows.Scan(&e.ID, &e.PassengerID, &e.Date, &e.PickupAddress, &e.DestinationAddress, &e.DriverName, &e.CarModel, &e.FinalPrice); err != nil {
			return nil, models.Remote("scan history", err)
		}
		out = append(out, e)
	}
	return out, models.Remote("list history", rows.Err())
}

func (p *PostgresStore) SaveTransaction(ctx context.Context, tx models.PaymentTransaction) error {
	_, err := p.db.ExecContext(ctx, `INSERT INTO payments(id, ride_id, payer_id, amount, method, status, reference, created_at)
		VALUES($1,$2,$3,$4,$5,$6,$7,$8)
		ON CONFLICT (id) DO UPDATE SET status = EXCLUDED.status, reference = EXCLUDED.reference`,
		tx.ID, tx.RideID, tx.PayerID, tx.Amount, string(tx.Method), string(tx.Status), tx.Reference, tx.Timestamp)
	var pqErr *pq.Error
	if errors.As(err, &pqErr) && pqErr.Code == uniqueViolation {
		return fmt.Errorf("%w: ride %s already has a live payment", models.ErrAlreadyRecorded, tx.RideID)
	}
	return models.Remote("save payment", err)
}

const uniqueViolation = "23505"

const paymentColumns = `id, ride_id, payer_id, amount, method, status, reference, created_at`

func (p *PostgresStore) Transactions(ctx context.Context, payerID string) ([]models.PaymentTransaction, error) {
	return p.queryTransactions(ctx, `SELECT `+paymentColumns+`
		FROM payments WHERE payer_id = $1 ORDER BY created_at DESC`, payerID)
}

func (p *PostgresStore) RideTransactions(ctx context.Context, rideID string) ([]models.PaymentTransaction, error) {
	return p.queryTransactions(ctx, `SELECT `+paymentColumns+`
		FROM payments WHERE ride_id = $1 ORDER BY created_at`, rideID)
}

func (p *PostgresStore) queryTransactions(ctx context.Context, query string, arg string) ([]models.PaymentTransaction, error) {
	rows, err := p.db.QueryContext(ctx, query, arg)
	if err != nil {
		return nil, models.Remote("list payments", err)
	}
	defer rows.Close()
	var out []models.PaymentTransaction
	for rows.Next() {
		var tx models.PaymentTransaction
		var method, status string
		if err := rows.Scan(&tx.ID, &tx.RideID, &tx.PayerID, &tx.Amount, &method, &status, &tx.Reference, &tx.Timestamp); err != nil {
			return nil, models.Remote("scan payment", err)
		}
		tx.Method, tx.Status = models.PaymentMethod(method), models.PaymentStatus(status)
		out = append(out, tx)
	}
	return out, models.Remote("list payments", rows.Err())
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRide(row rowScanner) (models.Ride, error) {
	var (
		r              models.Ride
		status         string
		driver         []byte
		dLat, dLon     sql.NullFloat64
		destinationTit sql.NullString
	)
	err := row.Scan(&r.ID, &r.PassengerID, &r.Pickup.Lat, &r.Pickup.Lon, &r.Destination.Lat, &r.Destination.Lon,
		&destinationTit, &status, &driver, &dLat, &dLon, &r.EstimatedPrice, &r.CreatedAt, &r.UpdatedAt)
	if err != nil {
		return models.Ride{}, err
	}
	r.Status = models.RideStatus(status)
	r.DestinationTitle = destinationTit.String
	if len(driver) > 0 {
		var d models.DriverInfo
		if err := json.Unmarshal(driver, &d); err != nil {
			return models.Ride{}, fmt.Errorf("decode driver_info: %w", err)
		}
		r.Driver = &d
	}
	if dLat.Valid && dLon.Valid {
		r.DriverLocation = &models.Coord{Lat: dLat.Float64, Lon: dLon.Float64}
	}
	return r, nil
}

func marshalDriver(d *models.DriverInfo) (any, error) {
	if d == nil {
		return nil, nil
	}
	b, err := json.Marshal(d)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}
