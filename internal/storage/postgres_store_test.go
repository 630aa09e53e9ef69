package storage

import (
	"context"
	"database/sql"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/ride-lifecycle/internal/models"
)

var rideCols = []string{"id", "passenger_id", "pickup_lat", "pickup_lon", "dest_lat", "dest_lon", "destination_title",
	"status", "driver_info", "driver_lat", "driver_lon", "estimated_price", "created_at", "updated_at"}

func newMockStore(t *testing.T) (*PostgresStore, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return NewPostgresStoreWithDB(db, nil), mock
}

func TestPostgresStore_Create(t *testing.T) {
	s, mock := newMockStore(t)
	mock.ExpectExec("INSERT INTO rides").
		WithArgs(sqlmock.AnyArg(), "p1", 37.7749, -122.4194, 37.8049, -122.41, "Fisherman's Wharf",
			"requesting", nil, 13.0, sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(1, 1))

	id, err := s.Create(context.Background(), draftRide("p1"))
	require.NoError(t, err)
	assert.Len(t, id, 36)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_CreateFailureIsRemote(t *testing.T) {
	s, mock := newMockStore(t)
	mock.ExpectExec("INSERT INTO rides").WillReturnError(errors.New("connection reset"))

	_, err := s.Create(context.Background(), draftRide("p1"))
	assert.ErrorIs(t, err, models.ErrRemoteFailure)
}

func TestPostgresStore_Update(t *testing.T) {
	testCases := []struct {
		name      string
		mockSetup func(mock sqlmock.Sqlmock)
		wantErr   error
	}{
		{
			name: "Success",
			mockSetup: func(mock sqlmock.Sqlmock) {
				mock.ExpectExec("UPDATE rides SET").
					WithArgs("r1", "driver_assigned", sqlmock.AnyArg(), nil, nil, sqlmock.AnyArg()).
					WillReturnResult(sqlmock.NewResult(0, 1))
			},
		},
		{
			name: "Not Found",
			mockSetup: func(mock sqlmock.Sqlmock) {
				mock.ExpectExec("UPDATE rides SET").WillReturnResult(sqlmock.NewResult(0, 0))
			},
			wantErr: models.ErrNotFound,
		},
		{
			name: "Database Error",
			mockSetup: func(mock sqlmock.Sqlmock) {
				mock.ExpectExec("UPDATE rides SET").WillReturnError(errors.New("deadlock"))
			},
			wantErr: models.ErrRemoteFailure,
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			s, mock := newMockStore(t)
			tc.mockSetup(mock)
			st := models.StatusDriverAssigned
			err := s.Update(context.Background(), "r1", models.RideUpdate{
				Status: &st,
				Driver: &models.DriverInfo{ID: "d1", Name: "Bob"},
			})
			if tc.wantErr != nil {
				assert.ErrorIs(t, err, tc.wantErr)
			} else {
				assert.NoError(t, err)
			}
			assert.NoError(t, mock.ExpectationsWereMet())
		})
	}
}

func TestPostgresStore_Get(t *testing.T) {
	s, mock := newMockStore(t)
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	rows := sqlmock.NewRows(rideCols).AddRow("r1", "p1", 1.0, 2.0, 3.0, 4.0, "Airport",
		"driver_assigned", `{"id":"d1","name":"Bob","car_model":"Prius","license_plate":"7ABC123","average_rating":4.5,"total_ratings":2}`,
		1.5, 2.5, 13.0, now, now)
	mock.ExpectQuery("SELECT (.+) FROM rides WHERE id").WithArgs("r1").WillReturnRows(rows)

	r, err := s.Get(context.Background(), "r1")
	require.NoError(t, err)
	assert.Equal(t, models.StatusDriverAssigned, r.Status)
	require.NotNil(t, r.Driver)
	assert.Equal(t, "Bob", r.Driver.Name)
	assert.Equal(t, 2, r.Driver.TotalRatings)
	require.NotNil(t, r.DriverLocation)
	assert.Equal(t, models.Coord{Lat: 1.5, Lon: 2.5}, *r.DriverLocation)
	assert.Equal(t, "Airport", r.DestinationTitle)

	mock.ExpectQuery("SELECT (.+) FROM rides WHERE id").WithArgs("missing").WillReturnError(sql.ErrNoRows)
	_, err = s.Get(context.Background(), "missing")
	assert.ErrorIs(t, err, models.ErrNotFound)
}

func TestPostgresStore_FindActive(t *testing.T) {
	s, mock := newMockStore(t)
	now := time.Now().UTC()
	mock.ExpectQuery("SELECT (.+) FROM rides\\s+WHERE passenger_id = \\$1 AND status = ANY").
		WithArgs("p1", sqlmock.AnyArg()).
		WillReturnRows(sqlmock.NewRows(rideCols).AddRow("r9", "p1", 1.0, 2.0, 3.0, 4.0, nil,
			"requesting", nil, nil, nil, 9.5, now, now))

	r, err := s.FindActive(context.Background(), "p1", models.ActiveStatuses)
	require.NoError(t, err)
	require.NotNil(t, r)
	assert.Equal(t, "r9", r.ID)
	assert.Nil(t, r.Driver)
	assert.Nil(t, r.DriverLocation)

	mock.ExpectQuery("SELECT (.+) FROM rides").WillReturnError(sql.ErrNoRows)
	r, err = s.FindActive(context.Background(), "p2", models.ActiveStatuses)
	require.NoError(t, err)
	assert.Nil(t, r)
}

func TestPostgresStore_SubscribeWithoutListenerPublishesWrites(t *testing.T) {
	s, mock := newMockStore(t)
	now := time.Now().UTC()
	mock.ExpectQuery("SELECT (.+) FROM rides WHERE id").WithArgs("r1").
		WillReturnRows(sqlmock.NewRows(rideCols).AddRow("r1", "p1", 1.0, 2.0, 3.0, 4.0, "", "requesting", nil, nil, nil, 9.5, now, now))
	mock.ExpectExec("UPDATE rides SET").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery("SELECT (.+) FROM rides WHERE id").WithArgs("r1").
		WillReturnRows(sqlmock.NewRows(rideCols).AddRow("r1", "p1", 1.0, 2.0, 3.0, 4.0, "", "cancelled", nil, nil, nil, 9.5, now, now))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	ch, err := s.Subscribe(ctx, "r1")
	require.NoError(t, err)
	assert.Equal(t, models.StatusRequesting, recv(t, ch).Status)

	st := models.StatusCancelled
	require.NoError(t, s.Update(ctx, "r1", models.RideUpdate{Status: &st}))
	assert.Equal(t, models.StatusCancelled, recv(t, ch).Status)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_HistoryAndPayments(t *testing.T) {
	s, mock := newMockStore(t)
	ctx := context.Background()
	date := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

	mock.ExpectExec("INSERT INTO trip_history(.+)ON CONFLICT \\(id\\) DO NOTHING").
		WithArgs("r1", "p1", date, "Market St", "Airport", "Bob", "Prius", 13.0).
		WillReturnResult(sqlmock.NewResult(1, 1))
	require.NoError(t, s.Append(ctx, models.TripHistoryEntry{
		ID: "r1", PassengerID: "p1", Date: date, PickupAddress: "Market St",
		DestinationAddress: "Airport", DriverName: "Bob", CarModel: "Prius", FinalPrice: 13,
	}))

	mock.ExpectQuery("SELECT (.+) FROM trip_history WHERE passenger_id").WithArgs("p1").
		WillReturnRows(sqlmock.NewRows([]string{"id", "passenger_id", "date", "pickup_address", "destination_address", "driver_name", "car_model", "final_price"}).
			AddRow("r1", "p1", date, "Market St", "Airport", "Bob", "Prius", 13.0))
	hist, err := s.List(ctx, "p1")
	require.NoError(t, err)
	require.Len(t, hist, 1)
	assert.Equal(t, "13.00", hist[0].FormattedPrice())

	mock.ExpectExec("INSERT INTO payments").
		WithArgs("t1", "r1", "p1", 13.0, "cash", "succeeded", "", date).
		WillReturnResult(sqlmock.NewResult(1, 1))
	require.NoError(t, s.SaveTransaction(ctx, models.PaymentTransaction{
		ID: "t1", RideID: "r1", PayerID: "p1", Amount: 13, Method: models.PaymentCash,
		Status: models.PaymentSucceeded, Timestamp: date,
	}))

	mock.ExpectQuery("SELECT (.+) FROM payments WHERE payer_id").WithArgs("p1").
		WillReturnRows(sqlmock.NewRows([]string{"id", "ride_id", "payer_id", "amount", "method", "status", "reference", "created_at"}).
			AddRow("t1", "r1", "p1", 13.0, "cash", "succeeded", "", date))
	txs, err := s.Transactions(ctx, "p1")
	require.NoError(t, err)
	require.Len(t, txs, 1)
	assert.Equal(t, models.PaymentCash, txs[0].Method)

	mock.ExpectQuery("SELECT (.+) FROM payments WHERE ride_id").WithArgs("r1").
		WillReturnRows(sqlmock.NewRows([]string{"id", "ride_id", "payer_id", "amount", "method", "status", "reference", "created_at"}).
			AddRow("t1", "r1", "p1", 13.0, "cash", "succeeded", "", date))
	txs, err = s.RideTransactions(ctx, "r1")
	require.NoError(t, err)
	require.Len(t, txs, 1)
	assert.Equal(t, models.PaymentSucceeded, txs[0].Status)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_SecondLivePaymentIsRejected(t *testing.T) {
	s, mock := newMockStore(t)
	mock.ExpectExec("INSERT INTO payments(.+)ON CONFLICT \\(id\\) DO UPDATE").
		WillReturnError(&pq.Error{Code: "23505", Message: "duplicate key value violates unique constraint"})

	err := s.SaveTransaction(context.Background(), models.PaymentTransaction{
		ID: "t2", RideID: "r1", PayerID: "p1", Amount: 13, Method: models.PaymentCash, Status: models.PaymentPending,
	})
	assert.ErrorIs(t, err, models.ErrAlreadyRecorded)
	assert.NotErrorIs(t, err, models.ErrRemoteFailure)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestMigrate(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	path := filepath.Join(t.TempDir(), "001.sql")
	require.NoError(t, os.WriteFile(path, []byte("CREATE TABLE IF NOT EXISTS rides (id TEXT PRIMARY KEY);"), 0o600))
	mock.ExpectExec("CREATE TABLE IF NOT EXISTS rides").WillReturnResult(sqlmock.NewResult(0, 0))
	require.NoError(t, Migrate(context.Background(), db, path))
	assert.NoError(t, mock.ExpectationsWereMet())

	err = Migrate(context.Background(), db, filepath.Join(t.TempDir(), "missing.sql"))
	assert.Error(t, err)
}
