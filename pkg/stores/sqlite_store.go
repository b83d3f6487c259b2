package stores

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/rs/zerolog"

	"github.com/stackpilot/stackpilot/pkg/engine"

	// SQLite driver
	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// SQLiteStore implements engine.Store using SQLite.
type SQLiteStore struct {
	db     *sql.DB
	cfg    Config
	logger zerolog.Logger
}

var _ engine.Store = (*SQLiteStore)(nil)

// Config holds SQLite store configuration.
type Config struct {
	Path            string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	Logger          zerolog.Logger
}

// NewSQLiteStore creates a new SQLite store instance. Call Init before use.
func NewSQLiteStore(cfg Config) (*SQLiteStore, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("database path is required")
	}

	if cfg.MaxOpenConns == 0 {
		cfg.MaxOpenConns = 8
	}
	if cfg.MaxIdleConns == 0 {
		cfg.MaxIdleConns = 4
	}
	if cfg.ConnMaxLifetime == 0 {
		cfg.ConnMaxLifetime = 5 * time.Minute
	}
	// Every connection to :memory: is a separate database.
	if cfg.Path == ":memory:" {
		cfg.MaxOpenConns = 1
		cfg.MaxIdleConns = 1
		cfg.ConnMaxLifetime = 0
	}

	return &SQLiteStore{
		cfg:    cfg,
		logger: cfg.Logger.With().Str("component", "store").Logger(),
	}, nil
}

// Init opens the database with WAL mode and foreign keys enabled.
func (s *SQLiteStore) Init(ctx context.Context) error {
	dsn := s.cfg.Path + "?_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)&_pragma=synchronous(NORMAL)&_txlock=immediate"
	if s.cfg.Path != ":memory:" {
		dsn += "&_pragma=journal_mode(WAL)"
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(s.cfg.MaxOpenConns)
	db.SetMaxIdleConns(s.cfg.MaxIdleConns)
	db.SetConnMaxLifetime(s.cfg.ConnMaxLifetime)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return fmt.Errorf("failed to ping database: %w", err)
	}

	s.db = db
	s.logger.Debug().Str("path", s.cfg.Path).Msg("database opened")
	return nil
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

func (s *SQLiteStore) migrator() (*migrate.Migrate, error) {
	if s.db == nil {
		return nil, fmt.Errorf("database not initialized")
	}

	sourceDriver, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return nil, fmt.Errorf("failed to create migration source: %w", err)
	}

	driver, err := sqlite.WithInstance(s.db, &sqlite.Config{})
	if err != nil {
		return nil, fmt.Errorf("failed to create database driver: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", sourceDriver, "sqlite", driver)
	if err != nil {
		return nil, fmt.Errorf("failed to create migration instance: %w", err)
	}
	return m, nil
}

// Migrate applies every pending migration.
func (s *SQLiteStore) Migrate(_ context.Context) error {
	m, err := s.migrator()
	if err != nil {
		return err
	}
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("failed to run migrations: %w", err)
	}
	s.logger.Debug().Msg("migrations applied")
	return nil
}

// MigrateDown rolls back every migration. Used by `pilot migrate --down`.
func (s *SQLiteStore) MigrateDown(_ context.Context) error {
	m, err := s.migrator()
	if err != nil {
		return err
	}
	if err := m.Down(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("failed to roll back migrations: %w", err)
	}
	return nil
}

// SchemaVersion reports the applied migration version.
func (s *SQLiteStore) SchemaVersion() (uint, bool, error) {
	m, err := s.migrator()
	if err != nil {
		return 0, false, err
	}
	version, dirty, err := m.Version()
	if errors.Is(err, migrate.ErrNilVersion) {
		return 0, false, nil
	}
	return version, dirty, err
}

// HealthCheck verifies the database connection.
func (s *SQLiteStore) HealthCheck(ctx context.Context) error {
	if s.db == nil {
		return fmt.Errorf("database not initialized")
	}
	return s.db.PingContext(ctx)
}

// withTx runs fn in a transaction, rolling back on error.
func (s *SQLiteStore) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

const hostColumns = `id, name, address, port, login_user, bootstrap_user, architecture, os, facts, labels, created_at, updated_at`

// CreateHost inserts a new host.
func (s *SQLiteStore) CreateHost(ctx context.Context, host *engine.Host) error {
	labels, err := encodeJSON(host.Labels)
	if err != nil {
		return err
	}
	facts, err := encodeFacts(host.Facts)
	if err != nil {
		return err
	}

	_, err = s.db.ExecContext(ctx, `INSERT INTO hosts (`+hostColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		host.ID,
		host.Name,
		host.Address,
		host.Port,
		host.User,
		host.BootstrapUser,
		host.Architecture,
		host.OS,
		facts,
		labels,
		formatTime(host.CreatedAt),
		formatTime(host.UpdatedAt),
	)
	if isUniqueViolation(err) {
		return engine.NewValidationFault(fmt.Sprintf("host %s:%d already exists", host.Address, host.Port), err).
			WithCode(engine.ErrCodeAlreadyExists)
	}
	if err != nil {
		return fmt.Errorf("failed to create host: %w", err)
	}
	return nil
}

func encodeFacts(facts *engine.HostFacts) (sql.NullString, error) {
	if facts == nil {
		return sql.NullString{}, nil
	}
	raw, err := encodeJSON(facts)
	if err != nil {
		return sql.NullString{}, err
	}
	return sql.NullString{String: raw, Valid: true}, nil
}

func scanHost(row scanner) (*engine.Host, error) {
	host := &engine.Host{}
	var facts sql.NullString
	var labels, createdAt, updatedAt string
	err := row.Scan(
		&host.ID,
		&host.Name,
		&host.Address,
		&host.Port,
		&host.User,
		&host.BootstrapUser,
		&host.Architecture,
		&host.OS,
		&facts,
		&labels,
		&createdAt,
		&updatedAt,
	)
	if err != nil {
		return nil, err
	}

	if facts.Valid {
		host.Facts = &engine.HostFacts{}
		if err := decodeJSON(facts.String, host.Facts); err != nil {
			return nil, err
		}
	}
	if err := decodeJSON(labels, &host.Labels); err != nil {
		return nil, err
	}
	if host.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, err
	}
	if host.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return nil, err
	}
	return host, nil
}

// GetHost retrieves a host by ID.
func (s *SQLiteStore) GetHost(ctx context.Context, id string) (*engine.Host, error) {
	host, err := scanHost(s.db.QueryRowContext(ctx, `SELECT `+hostColumns+` FROM hosts WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("host %s: %w", id, engine.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get host: %w", err)
	}
	return host, nil
}

// UpdateHost replaces the mutable fields of a host.
func (s *SQLiteStore) UpdateHost(ctx context.Context, host *engine.Host) error {
	labels, err := encodeJSON(host.Labels)
	if err != nil {
		return err
	}
	facts, err := encodeFacts(host.Facts)
	if err != nil {
		return err
	}

	result, err := s.db.ExecContext(ctx, `
		UPDATE hosts
		SET name = ?, address = ?, port = ?, login_user = ?, bootstrap_user = ?,
			architecture = ?, os = ?, facts = ?, labels = ?, updated_at = ?
		WHERE id = ?
	`,
		host.Name, host.Address, host.Port, host.User, host.BootstrapUser,
		host.Architecture, host.OS, facts, labels, formatTime(host.UpdatedAt),
		host.ID,
	)
	if err != nil {
		return fmt.Errorf("failed to update host: %w", err)
	}
	return requireRow(result, "host", host.ID)
}

// ListHosts lists all hosts ordered by creation.
func (s *SQLiteStore) ListHosts(ctx context.Context) ([]*engine.Host, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+hostColumns+` FROM hosts ORDER BY created_at ASC, id ASC`)
	if err != nil {
		return nil, fmt.Errorf("failed to list hosts: %w", err)
	}
	defer rows.Close()

	hosts := []*engine.Host{}
	for rows.Next() {
		host, err := scanHost(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan host: %w", err)
		}
		hosts = append(hosts, host)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating hosts: %w", err)
	}
	return hosts, nil
}

func requireRow(result sql.Result, what, id string) error {
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 0 {
		return fmt.Errorf("%s %s: %w", what, id, engine.ErrNotFound)
	}
	return nil
}

const resourceColumns = `id, host_id, kind, resource_key, status, error_log, config, active_deployment_id, installed_at, uninstalled_at, created_at, updated_at`

// CreateResource inserts a resource. A live resource with the same key on the
// same host and kind violates the partial unique index.
func (s *SQLiteStore) CreateResource(ctx context.Context, res *engine.Resource) error {
	config, err := encodeJSON(res.Config)
	if err != nil {
		return err
	}

	_, err = s.db.ExecContext(ctx, `INSERT INTO resources (`+resourceColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		res.ID,
		res.HostID,
		res.Kind,
		res.Key,
		res.Status,
		res.ErrorLog,
		config,
		res.ActiveDeploymentID,
		formatNullTime(res.InstalledAt),
		formatNullTime(res.UninstalledAt),
		formatTime(res.CreatedAt),
		formatTime(res.UpdatedAt),
	)
	if isUniqueViolation(err) {
		return engine.NewValidationFault(fmt.Sprintf("%s %q already exists on host", res.Kind, res.Key), nil).
			WithCode(engine.ErrCodeAlreadyExists).WithHost(res.HostID)
	}
	if err != nil {
		return fmt.Errorf("failed to create resource: %w", err)
	}
	return nil
}

func scanResource(row scanner) (*engine.Resource, error) {
	res := &engine.Resource{}
	var config, createdAt, updatedAt string
	var installedAt, uninstalledAt sql.NullString
	err := row.Scan(
		&res.ID,
		&res.HostID,
		&res.Kind,
		&res.Key,
		&res.Status,
		&res.ErrorLog,
		&config,
		&res.ActiveDeploymentID,
		&installedAt,
		&uninstalledAt,
		&createdAt,
		&updatedAt,
	)
	if err != nil {
		return nil, err
	}

	if err := decodeJSON(config, &res.Config); err != nil {
		return nil, err
	}
	if res.InstalledAt, err = parseNullTime(installedAt); err != nil {
		return nil, err
	}
	if res.UninstalledAt, err = parseNullTime(uninstalledAt); err != nil {
		return nil, err
	}
	if res.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, err
	}
	if res.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return nil, err
	}
	return res, nil
}

// GetResource retrieves a resource by ID.
func (s *SQLiteStore) GetResource(ctx context.Context, id string) (*engine.Resource, error) {
	return getResource(ctx, s.db, id)
}

type queryRower interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func getResource(ctx context.Context, q queryRower, id string) (*engine.Resource, error) {
	res, err := scanResource(q.QueryRowContext(ctx, `SELECT `+resourceColumns+` FROM resources WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("resource %s: %w", id, engine.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get resource: %w", err)
	}
	return res, nil
}

// ListResources lists resources matching filter ordered by creation.
func (s *SQLiteStore) ListResources(ctx context.Context, filter engine.ResourceFilter) ([]*engine.Resource, error) {
	var where []string
	var args []any
	if filter.HostID != "" {
		where = append(where, "host_id = ?")
		args = append(args, filter.HostID)
	}
	if filter.Kind != "" {
		where = append(where, "kind = ?")
		args = append(args, filter.Kind)
	}
	if filter.Status != "" {
		where = append(where, "status = ?")
		args = append(args, filter.Status)
	}

	query := `SELECT ` + resourceColumns + ` FROM resources`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at ASC, id ASC"

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list resources: %w", err)
	}
	defer rows.Close()

	resources := []*engine.Resource{}
	for rows.Next() {
		res, err := scanResource(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan resource: %w", err)
		}
		resources = append(resources, res)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating resources: %w", err)
	}
	return resources, nil
}

// CountResources counts the live resources of a host per kind.
func (s *SQLiteStore) CountResources(ctx context.Context, hostID string) (map[engine.Kind]int, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT kind, COUNT(*) FROM resources
		WHERE host_id = ? AND status <> ?
		GROUP BY kind
	`, hostID, engine.StatusUninstalled)
	if err != nil {
		return nil, fmt.Errorf("failed to count resources: %w", err)
	}
	defer rows.Close()

	counts := make(map[engine.Kind]int)
	for rows.Next() {
		var kind engine.Kind
		var n int
		if err := rows.Scan(&kind, &n); err != nil {
			return nil, fmt.Errorf("failed to scan count: %w", err)
		}
		counts[kind] = n
	}
	return counts, rows.Err()
}

// TransitionResource applies t inside an immediate transaction so the guard
// and the write see the same row.
func (s *SQLiteStore) TransitionResource(ctx context.Context, id string, t engine.Transition) (*engine.Resource, error) {
	var updated *engine.Resource
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		res, err := getResource(ctx, tx, id)
		if err != nil {
			return err
		}
		if err := res.Apply(t); err != nil {
			return err
		}

		config, err := encodeJSON(res.Config)
		if err != nil {
			return err
		}
		_, err = tx.ExecContext(ctx, `
			UPDATE resources
			SET status = ?, error_log = ?, config = ?, installed_at = ?, uninstalled_at = ?, updated_at = ?
			WHERE id = ?
		`,
			res.Status, res.ErrorLog, config,
			formatNullTime(res.InstalledAt), formatNullTime(res.UninstalledAt), formatTime(res.UpdatedAt),
			res.ID,
		)
		if isUniqueViolation(err) {
			return engine.NewValidationFault(fmt.Sprintf("%s %q already exists on host", res.Kind, res.Key), nil).
				WithCode(engine.ErrCodeAlreadyExists).WithResource(res.ID)
		}
		if err != nil {
			return fmt.Errorf("failed to update resource: %w", err)
		}
		updated = res
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.logger.Debug().Str("resource_id", id).Str("status", string(updated.Status)).Msg("resource transitioned")
	return updated, nil
}
