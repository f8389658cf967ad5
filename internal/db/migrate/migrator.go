// Package migrate applies the embedded schema migrations and tracks them in schema_migrations
// with a content checksum. Versioned files are enumerated with golang-migrate's iofs source
// driver; application, tracking and drift detection are done here.
package migrate

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"time"

	"github.com/golang-migrate/migrate/v4/source"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/sirupsen/logrus"

	"credential-core/internal/db"
)

// ErrNothingToRollback is returned by RollbackLast when no migration is recorded as applied.
var ErrNothingToRollback = errors.New("no applied migrations to roll back")

const createTrackingTable = `CREATE TABLE IF NOT EXISTS schema_migrations (
    version     TEXT PRIMARY KEY,
    description TEXT NOT NULL,
    applied_at  TIMESTAMPTZ NOT NULL DEFAULT NOW(),
    checksum    TEXT NOT NULL
)`

// Migration is one versioned schema change.
type Migration struct {
	Version     uint
	Description string
	Up          string
	Down        string
	Checksum    string
}

// Key is the version as stored in schema_migrations (zero-padded so text order is version order).
func (m Migration) Key() string { return fmt.Sprintf("%04d", m.Version) }

// MigrationError reports which migration failed. Its transaction was rolled back;
// earlier migrations in the same run stay applied.
type MigrationError struct {
	Version     uint
	Description string
	Err         error
}

func (e *MigrationError) Error() string {
	return fmt.Sprintf("migration %04d (%s): %v", e.Version, e.Description, e.Err)
}

func (e *MigrationError) Unwrap() error { return e.Err }

// Result summarises a Run.
type Result struct {
	Applied  []uint
	Drifted  []uint
	UpToDate bool
}

// Status is the state of one known migration.
type Status struct {
	Version     uint
	Description string
	Applied     bool
	AppliedAt   *time.Time
	Drifted     bool
}

// Migrator applies migrations to a database.
type Migrator struct {
	db         *sql.DB
	migrations []Migration
	log        logrus.FieldLogger
}

// New returns a Migrator over the migrations embedded in internal/db.
func New(sqlDB *sql.DB, log logrus.FieldLogger) (*Migrator, error) {
	return NewFromFS(sqlDB, db.MigrationFS, "migrations", log)
}

// NewFromFS returns a Migrator over the NNNN_description.{up,down}.sql files under dir in fsys.
func NewFromFS(sqlDB *sql.DB, fsys fs.FS, dir string, log logrus.FieldLogger) (*Migrator, error) {
	src, err := iofs.New(fsys, dir)
	if err != nil {
		return nil, fmt.Errorf("migrate source: %w", err)
	}
	defer src.Close()
	migrations, err := load(src)
	if err != nil {
		return nil, err
	}
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Migrator{db: sqlDB, migrations: migrations, log: log.WithField("component", "migrator")}, nil
}

// Migrations returns the known migrations in version order.
func (m *Migrator) Migrations() []Migration {
	return append([]Migration(nil), m.migrations...)
}

func load(src source.Driver) ([]Migration, error) {
	var out []Migration
	v, err := src.First()
	for ; err == nil; v, err = src.Next(v) {
		mig := Migration{Version: v}
		up, ident, rerr := readAll(src.ReadUp(v))
		if rerr != nil {
			return nil, fmt.Errorf("read up %d: %w", v, rerr)
		}
		mig.Up, mig.Description = up, ident
		down, _, rerr := readAll(src.ReadDown(v))
		if rerr != nil && !errors.Is(rerr, fs.ErrNotExist) {
			return nil, fmt.Errorf("read down %d: %w", v, rerr)
		}
		mig.Down = down
		mig.Checksum = Checksum(mig.Up)
		out = append(out, mig)
	}
	if !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("enumerate migrations: %w", err)
	}
	return out, nil
}

func readAll(r io.ReadCloser, ident string, err error) (string, string, error) {
	if err != nil {
		return "", "", err
	}
	defer r.Close()
	b, err := io.ReadAll(r)
	if err != nil {
		return "", "", err
	}
	return string(b), ident, nil
}

// Checksum is the hex SHA-256 of a migration's up script.
func Checksum(script string) string {
	h := sha256.Sum256([]byte(script))
	return hex.EncodeToString(h[:])
}

type appliedRow struct {
	checksum  string
	appliedAt time.Time
}

func (m *Migrator) applied(ctx context.Context) (map[string]appliedRow, error) {
	if _, err := m.db.ExecContext(ctx, createTrackingTable); err != nil {
		return nil, fmt.Errorf("ensure schema_migrations: %w", err)
	}
	rows, err := m.db.QueryContext(ctx, `SELECT version, checksum, applied_at FROM schema_migrations`)
	if err != nil {
		return nil, fmt.Errorf("read schema_migrations: %w", err)
	}
	defer rows.Close()
	out := make(map[string]appliedRow)
	for rows.Next() {
		var version string
		var r appliedRow
		if err := rows.Scan(&version, &r.checksum, &r.appliedAt); err != nil {
			return nil, err
		}
		out[version] = r
	}
	return out, rows.Err()
}

// Run applies every unapplied migration in version order, each in its own transaction together
// with its tracking row. A failure rolls back that migration only and aborts the run.
// Applied migrations whose script changed since are reported as drift and logged, never re-run.
func (m *Migrator) Run(ctx context.Context) (*Result, error) {
	applied, err := m.applied(ctx)
	if err != nil {
		return nil, err
	}
	res := &Result{}
	for _, mig := range m.migrations {
		if row, ok := applied[mig.Key()]; ok {
			if row.checksum != mig.Checksum {
				res.Drifted = append(res.Drifted, mig.Version)
				m.log.WithFields(logrus.Fields{
					"version":     mig.Key(),
					"description": mig.Description,
					"stored":      row.checksum,
					"current":     mig.Checksum,
				}).Warn("migration checksum drift: applied script differs from current file")
			}
			continue
		}
		if err := m.apply(ctx, mig); err != nil {
			return res, err
		}
		res.Applied = append(res.Applied, mig.Version)
		m.log.WithFields(logrus.Fields{"version": mig.Key(), "description": mig.Description}).Info("migration applied")
	}
	if len(res.Applied) == 0 {
		res.UpToDate = true
		m.log.Info("database is up to date")
	}
	return res, nil
}

func (m *Migrator) apply(ctx context.Context, mig Migration) error {
	err := db.InTx(ctx, m.db, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, mig.Up); err != nil {
			return err
		}
		_, err := tx.ExecContext(ctx,
			`INSERT INTO schema_migrations (version, description, checksum) VALUES ($1, $2, $3)`,
			mig.Key(), mig.Description, mig.Checksum)
		return err
	})
	if err != nil {
		return &MigrationError{Version: mig.Version, Description: mig.Description, Err: err}
	}
	return nil
}

// RollbackLast runs the down script of the highest applied version and removes its tracking row,
// in one transaction. Returns the rolled back migration.
func (m *Migrator) RollbackLast(ctx context.Context) (*Migration, error) {
	if _, err := m.db.ExecContext(ctx, createTrackingTable); err != nil {
		return nil, fmt.Errorf("ensure schema_migrations: %w", err)
	}
	var version string
	err := m.db.QueryRowContext(ctx,
		`SELECT version FROM schema_migrations ORDER BY version DESC LIMIT 1`).Scan(&version)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNothingToRollback
	}
	if err != nil {
		return nil, err
	}
	var target *Migration
	for i := range m.migrations {
		if m.migrations[i].Key() == version {
			target = &m.migrations[i]
			break
		}
	}
	if target == nil {
		return nil, fmt.Errorf("applied version %s has no migration file", version)
	}
	if target.Down == "" {
		return nil, fmt.Errorf("migration %s has no down script", version)
	}
	err = db.InTx(ctx, m.db, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, target.Down); err != nil {
			return err
		}
		_, err := tx.ExecContext(ctx, `DELETE FROM schema_migrations WHERE version = $1`, version)
		return err
	})
	if err != nil {
		return nil, &MigrationError{Version: target.Version, Description: target.Description, Err: err}
	}
	m.log.WithFields(logrus.Fields{"version": version, "description": target.Description}).Info("migration rolled back")
	out := *target
	return &out, nil
}

// Status reports every known migration with whether it is applied and whether it drifted.
func (m *Migrator) Status(ctx context.Context) ([]Status, error) {
	applied, err := m.applied(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]Status, 0, len(m.migrations))
	for _, mig := range m.migrations {
		st := Status{Version: mig.Version, Description: mig.Description}
		if row, ok := applied[mig.Key()]; ok {
			at := row.appliedAt
			st.Applied = true
			st.AppliedAt = &at
			st.Drifted = row.checksum != mig.Checksum
		}
		out = append(out, st)
	}
	return out, nil
}
