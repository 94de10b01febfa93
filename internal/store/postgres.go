package store

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/rotisserie/eris"

	"github.com/sells-group/strategyd/internal/db"
	"github.com/sells-group/strategyd/internal/model"
)

// PostgresStore implements Store over a pgx pool.
type PostgresStore struct {
	pool db.Pool
}

// NewPostgres returns a store over pool. The pool is owned by db.Manager.
func NewPostgres(pool db.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// Pool returns the underlying pool.
func (s *PostgresStore) Pool() db.Pool {
	return s.pool
}

// Ping checks connectivity.
func (s *PostgresStore) Ping(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, "SELECT 1")
	return eris.Wrap(err, "postgres: ping")
}

func (s *PostgresStore) CreateSnapshot(ctx context.Context, snap *model.Snapshot) error {
	loc, err := snap.EncodeLocation()
	if err != nil {
		return err
	}
	if snap.CreatedAt.IsZero() {
		snap.CreatedAt = time.Now().UTC()
	}

	var localTime *time.Time
	if !snap.LocalTime.IsZero() {
		localTime = &snap.LocalTime
	}

	_, err = s.pool.Exec(ctx,
		`INSERT INTO snapshots (id, lat, lng, location, formatted_address, city, state, local_time, timezone, day_of_week, day_part, weather, airport_context, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)`,
		snap.ID, snap.Lat, snap.Lng, loc, snap.FormattedAddress, snap.City, snap.State,
		localTime, snap.Timezone, snap.DayOfWeek, snap.DayPart,
		nullJSON(snap.Weather), nullJSON(snap.AirportContext), snap.CreatedAt,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: insert snapshot %s", snap.ID)
	}
	return nil
}

// GetSnapshot returns the snapshot, or nil if it does not exist.
func (s *PostgresStore) GetSnapshot(ctx context.Context, id string) (*model.Snapshot, error) {
	var snap model.Snapshot
	var loc []byte
	var localTime *time.Time
	var weather, airport []byte

	err := s.pool.QueryRow(ctx,
		`SELECT id, location, formatted_address, city, state, local_time, timezone, day_of_week, day_part, weather, airport_context, created_at
		FROM snapshots WHERE id = $1`,
		id,
	).Scan(&snap.ID, &loc, &snap.FormattedAddress, &snap.City, &snap.State, &localTime,
		&snap.Timezone, &snap.DayOfWeek, &snap.DayPart, &weather, &airport, &snap.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, eris.Wrapf(err, "postgres: get snapshot %s", id)
	}

	if err := snap.DecodeLocation(loc); err != nil {
		return nil, err
	}
	if localTime != nil {
		snap.LocalTime = *localTime
	}
	snap.Weather = weather
	snap.AirportContext = airport
	return &snap, nil
}

// nullJSON maps an empty raw message to SQL NULL.
func nullJSON(b []byte) []byte {
	if len(b) == 0 {
		return nil
	}
	return b
}
