package telemetry

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	_ "github.com/lib/pq"
)

const (
	postgresMeasurementsTableName = "measurements"
	postgresSessionsTableName     = "session_stats"
	postgresOperationTimeout      = 5 * time.Second
	postgresMaxOpenConns          = 30
	postgresMaxIdleConns          = 10
)

type sqlOpenFunc func(driverName, dsn string) (*sql.DB, error)

type PostgresRepository struct {
	dsn               string
	measurementsTable string
	sessionsTable     string
	openDB            sqlOpenFunc

	initOnce sync.Once
	initErr  error
	db       *sql.DB
}

type MigrateOptions struct {
	// Recreate drops both tables before creating them again.
	Recreate bool
	// Truncate empties the measurements table after the schema is in place.
	Truncate bool
}

func NewPostgresRepository(dsn string) (*PostgresRepository, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, ErrInvalidInput
	}
	return &PostgresRepository{
		dsn:               dsn,
		measurementsTable: postgresMeasurementsTableName,
		sessionsTable:     postgresSessionsTableName,
		openDB:            sql.Open,
	}, nil
}

func (r *PostgresRepository) Start(ctx context.Context) error {
	if err := r.ensureReady(); err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, postgresOperationTimeout)
	defer cancel()
	return r.db.PingContext(ctx)
}

func (r *PostgresRepository) InsertMeasurementIfAbsent(ctx context.Context, m Measurement) (bool, error) {
	if err := r.ensureReady(); err != nil {
		return false, err
	}
	m.ID = strings.TrimSpace(m.ID)
	if m.ID == "" {
		return false, ErrInvalidInput
	}
	ctx, cancel := context.WithTimeout(ctx, postgresOperationTimeout)
	defer cancel()

	columns := measurementColumns()
	placeholders := make([]string, len(columns))
	for i := range columns {
		placeholders[i] = fmt.Sprintf("$%d", i+1)
	}
	query := fmt.Sprintf(
		"INSERT INTO %s (%s) VALUES (%s) ON CONFLICT (id) DO NOTHING",
		postgresQuoteIdentifier(r.measurementsTable),
		strings.Join(columns, ", "),
		strings.Join(placeholders, ", "),
	)
	res, err := r.db.ExecContext(ctx, query, measurementArgs(m)...)
	if err != nil {
		return false, fmt.Errorf("insert measurement %s: %w", m.ID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (r *PostgresRepository) PatchRTTIfUnset(ctx context.Context, id string, rttMs float64) (bool, error) {
	if err := r.ensureReady(); err != nil {
		return false, err
	}
	id = strings.TrimSpace(id)
	if id == "" {
		return false, ErrInvalidInput
	}
	ctx, cancel := context.WithTimeout(ctx, postgresOperationTimeout)
	defer cancel()

	query := fmt.Sprintf("UPDATE %s SET rtt_ms = $2 WHERE id = $1 AND rtt_ms IS NULL", postgresQuoteIdentifier(r.measurementsTable))
	res, err := r.db.ExecContext(ctx, query, id, rttMs)
	if err != nil {
		return false, fmt.Errorf("patch rtt %s: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (r *PostgresRepository) UpsertSessionStats(ctx context.Context, stats SessionStats) error {
	if err := r.ensureReady(); err != nil {
		return err
	}
	stats.SessionID = strings.TrimSpace(stats.SessionID)
	if stats.SessionID == "" {
		return ErrInvalidInput
	}
	ctx, cancel := context.WithTimeout(ctx, postgresOperationTimeout)
	defer cancel()

	query := fmt.Sprintf(`
		INSERT INTO %s AS t (session_id, started_at_ms, ended_at_ms, reconnect_count, total_downtime_ms, updated_at)
		VALUES ($1, $2, $3, $4, $5, NOW())
		ON CONFLICT (session_id)
		DO UPDATE SET
			started_at_ms = EXCLUDED.started_at_ms,
			ended_at_ms = EXCLUDED.ended_at_ms,
			reconnect_count = EXCLUDED.reconnect_count,
			total_downtime_ms = EXCLUDED.total_downtime_ms,
			updated_at = GREATEST(t.updated_at, NOW())`, postgresQuoteIdentifier(r.sessionsTable))
	_, err := r.db.ExecContext(ctx, query,
		stats.SessionID,
		sqlValue(stats.StartedAtMs),
		sqlValue(stats.EndedAtMs),
		stats.ReconnectCount,
		stats.TotalDowntimeMs,
	)
	if err != nil {
		return fmt.Errorf("upsert session stats %s: %w", stats.SessionID, err)
	}
	return nil
}

func (r *PostgresRepository) Measurement(ctx context.Context, id string) (Measurement, bool, error) {
	if err := r.ensureReady(); err != nil {
		return Measurement{}, false, err
	}
	ctx, cancel := context.WithTimeout(ctx, postgresOperationTimeout)
	defer cancel()

	columns := append(measurementColumns(), "rtt_ms")
	query := fmt.Sprintf("SELECT %s FROM %s WHERE id = $1", strings.Join(columns, ", "), postgresQuoteIdentifier(r.measurementsTable))
	var row measurementRow
	err := r.db.QueryRowContext(ctx, query, strings.TrimSpace(id)).Scan(row.dest()...)
	if errors.Is(err, sql.ErrNoRows) {
		return Measurement{}, false, nil
	}
	if err != nil {
		return Measurement{}, false, err
	}
	return row.measurement(), true, nil
}

func (r *PostgresRepository) SessionStats(ctx context.Context, sessionID string) (SessionStats, bool, error) {
	if err := r.ensureReady(); err != nil {
		return SessionStats{}, false, err
	}
	ctx, cancel := context.WithTimeout(ctx, postgresOperationTimeout)
	defer cancel()

	query := fmt.Sprintf(`
		SELECT session_id, started_at_ms, ended_at_ms, reconnect_count, total_downtime_ms, updated_at
		FROM %s WHERE session_id = $1`, postgresQuoteIdentifier(r.sessionsTable))
	var (
		stats   SessionStats
		started sql.Null[int64]
		ended   sql.Null[int64]
	)
	err := r.db.QueryRowContext(ctx, query, strings.TrimSpace(sessionID)).Scan(
		&stats.SessionID, &started, &ended, &stats.ReconnectCount, &stats.TotalDowntimeMs, &stats.UpdatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return SessionStats{}, false, nil
	}
	if err != nil {
		return SessionStats{}, false, err
	}
	stats.StartedAtMs = nullPtr(started)
	stats.EndedAtMs = nullPtr(ended)
	return stats, true, nil
}

// Migrate creates the schema, optionally dropping the tables first and
// optionally emptying the measurements table afterwards.
func (r *PostgresRepository) Migrate(ctx context.Context, opts MigrateOptions) error {
	if err := r.ensureReady(); err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, postgresOperationTimeout)
	defer cancel()

	if opts.Recreate {
		for _, table := range []string{r.measurementsTable, r.sessionsTable} {
			query := fmt.Sprintf("DROP TABLE IF EXISTS %s", postgresQuoteIdentifier(table))
			if _, err := r.db.ExecContext(ctx, query); err != nil {
				return fmt.Errorf("drop %s: %w", table, err)
			}
		}
	}
	if err := r.createSchema(ctx, r.db); err != nil {
		return err
	}
	if opts.Truncate {
		query := fmt.Sprintf("TRUNCATE TABLE %s", postgresQuoteIdentifier(r.measurementsTable))
		if _, err := r.db.ExecContext(ctx, query); err != nil {
			return fmt.Errorf("truncate %s: %w", r.measurementsTable, err)
		}
	}
	return nil
}

func (r *PostgresRepository) Close() error {
	if r == nil || r.db == nil {
		return nil
	}
	return r.db.Close()
}

func (r *PostgresRepository) ensureReady() error {
	if r == nil {
		return ErrInvalidInput
	}
	r.initOnce.Do(func() {
		db, err := r.openDB("postgres", r.dsn)
		if err != nil {
			r.initErr = err
			return
		}
		db.SetMaxOpenConns(postgresMaxOpenConns)
		db.SetMaxIdleConns(postgresMaxIdleConns)

		ctx, cancel := context.WithTimeout(context.Background(), postgresOperationTimeout)
		defer cancel()
		if err := r.createSchema(ctx, db); err != nil {
			_ = db.Close()
			r.initErr = err
			return
		}
		r.db = db
	})
	return r.initErr
}

func (r *PostgresRepository) createSchema(ctx context.Context, db *sql.DB) error {
	measurements := fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %s (
			id TEXT PRIMARY KEY,
			session_id TEXT,
			timestamp_ms BIGINT,
			latitude DOUBLE PRECISION,
			longitude DOUBLE PRECISION,
			speed_kmh DOUBLE PRECISION,
			level INTEGER,
			qual INTEGER,
			snr INTEGER,
			cell_id BIGINT,
			network_tech TEXT,
			network_mode TEXT,
			lte_rssi INTEGER,
			cgi TEXT,
			serving_time_ms BIGINT,
			band TEXT,
			bandwidth INTEGER,
			neighbor1_cell_id BIGINT,
			neighbor1_level INTEGER,
			neighbor1_qual INTEGER,
			neighbor2_cell_id BIGINT,
			neighbor2_level INTEGER,
			neighbor2_qual INTEGER,
			neighbor3_cell_id BIGINT,
			neighbor3_level INTEGER,
			neighbor3_qual INTEGER,
			outage BOOLEAN,
			rtt_ms DOUBLE PRECISION,
			received_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`, postgresQuoteIdentifier(r.measurementsTable))
	if _, err := db.ExecContext(ctx, measurements); err != nil {
		return fmt.Errorf("create %s: %w", r.measurementsTable, err)
	}
	index := fmt.Sprintf("CREATE INDEX IF NOT EXISTS %s ON %s (session_id)",
		postgresQuoteIdentifier(r.measurementsTable+"_session_id_idx"),
		postgresQuoteIdentifier(r.measurementsTable),
	)
	if _, err := db.ExecContext(ctx, index); err != nil {
		return fmt.Errorf("index %s: %w", r.measurementsTable, err)
	}
	sessions := fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %s (
			session_id TEXT PRIMARY KEY,
			started_at_ms BIGINT,
			ended_at_ms BIGINT,
			reconnect_count INTEGER NOT NULL DEFAULT 0,
			total_downtime_ms BIGINT NOT NULL DEFAULT 0,
			updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`, postgresQuoteIdentifier(r.sessionsTable))
	if _, err := db.ExecContext(ctx, sessions); err != nil {
		return fmt.Errorf("create %s: %w", r.sessionsTable, err)
	}
	return nil
}

func measurementColumns() []string {
	columns := []string{
		"id", "session_id", "timestamp_ms", "latitude", "longitude", "speed_kmh",
		"level", "qual", "snr", "cell_id", "network_tech", "network_mode",
		"lte_rssi", "cgi", "serving_time_ms", "band", "bandwidth",
	}
	for i := 1; i <= MaxNeighborCells; i++ {
		columns = append(columns,
			fmt.Sprintf("neighbor%d_cell_id", i),
			fmt.Sprintf("neighbor%d_level", i),
			fmt.Sprintf("neighbor%d_qual", i),
		)
	}
	return append(columns, "outage")
}

func measurementArgs(m Measurement) []any {
	args := []any{
		m.ID,
		sqlValue(m.SessionID),
		sqlValue(m.TimestampMs),
		sqlValue(m.Latitude),
		sqlValue(m.Longitude),
		sqlValue(m.SpeedKmh),
		sqlValue(m.Level),
		sqlValue(m.Qual),
		sqlValue(m.SNR),
		sqlValue(m.CellID),
		sqlValue(m.NetworkTech),
		sqlValue(m.NetworkMode),
		sqlValue(m.LTERSSI),
		sqlValue(m.CGI),
		sqlValue(m.ServingTimeMs),
		sqlValue(m.Band),
		sqlValue(m.Bandwidth),
	}
	for i := 0; i < MaxNeighborCells; i++ {
		var n NeighborCell
		if i < len(m.Neighbors) {
			n = m.Neighbors[i]
		}
		args = append(args, sqlValue(n.CellID), sqlValue(n.Level), sqlValue(n.Qual))
	}
	return append(args, sqlValue(m.Outage))
}

type measurementRow struct {
	id            string
	sessionID     sql.Null[string]
	timestampMs   sql.Null[int64]
	latitude      sql.Null[float64]
	longitude     sql.Null[float64]
	speedKmh      sql.Null[float64]
	level         sql.Null[int]
	qual          sql.Null[int]
	snr           sql.Null[int]
	cellID        sql.Null[int64]
	networkTech   sql.Null[string]
	networkMode   sql.Null[string]
	lteRSSI       sql.Null[int]
	cgi           sql.Null[string]
	servingTimeMs sql.Null[int64]
	band          sql.Null[string]
	bandwidth     sql.Null[int]
	neighbors     [MaxNeighborCells]struct {
		cellID sql.Null[int64]
		level  sql.Null[int]
		qual   sql.Null[int]
	}
	outage sql.Null[bool]
	rttMs  sql.Null[float64]
}

// dest matches the order of measurementColumns followed by rtt_ms.
func (row *measurementRow) dest() []any {
	dest := []any{
		&row.id, &row.sessionID, &row.timestampMs, &row.latitude, &row.longitude, &row.speedKmh,
		&row.level, &row.qual, &row.snr, &row.cellID, &row.networkTech, &row.networkMode,
		&row.lteRSSI, &row.cgi, &row.servingTimeMs, &row.band, &row.bandwidth,
	}
	for i := range row.neighbors {
		dest = append(dest, &row.neighbors[i].cellID, &row.neighbors[i].level, &row.neighbors[i].qual)
	}
	return append(dest, &row.outage, &row.rttMs)
}

func (row *measurementRow) measurement() Measurement {
	m := Measurement{
		ID:            row.id,
		SessionID:     nullPtr(row.sessionID),
		TimestampMs:   nullPtr(row.timestampMs),
		Latitude:      nullPtr(row.latitude),
		Longitude:     nullPtr(row.longitude),
		SpeedKmh:      nullPtr(row.speedKmh),
		Level:         nullPtr(row.level),
		Qual:          nullPtr(row.qual),
		SNR:           nullPtr(row.snr),
		CellID:        nullPtr(row.cellID),
		NetworkTech:   nullPtr(row.networkTech),
		NetworkMode:   nullPtr(row.networkMode),
		LTERSSI:       nullPtr(row.lteRSSI),
		CGI:           nullPtr(row.cgi),
		ServingTimeMs: nullPtr(row.servingTimeMs),
		Band:          nullPtr(row.band),
		Bandwidth:     nullPtr(row.bandwidth),
		Outage:        nullPtr(row.outage),
		RTTMs:         nullPtr(row.rttMs),
	}
	for _, n := range row.neighbors {
		if !n.cellID.Valid && !n.level.Valid && !n.qual.Valid {
			continue
		}
		m.Neighbors = append(m.Neighbors, NeighborCell{
			CellID: nullPtr(n.cellID),
			Level:  nullPtr(n.level),
			Qual:   nullPtr(n.qual),
		})
	}
	return m
}

func sqlValue[T any](v *T) any {
	if v == nil {
		return nil
	}
	return *v
}

func nullPtr[T any](v sql.Null[T]) *T {
	if !v.Valid {
		return nil
	}
	return ptr(v.V)
}

func postgresQuoteIdentifier(identifier string) string {
	identifier = strings.TrimSpace(identifier)
	if identifier == "" {
		return "\"\""
	}
	return `"` + strings.ReplaceAll(identifier, `"`, `""`) + `"`
}
