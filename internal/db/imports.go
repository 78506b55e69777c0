package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/sirupsen/logrus"
)

// ResolveLatestImportDBName returns the db_name with the most recent imported_at
// from public.latest_successful_imports where db_name ILIKE '%city%'.
func ResolveLatestImportDBName(ctx context.Context, meta *sqlx.DB, city string) (string, error) {
	city = strings.TrimSpace(city)
	if city == "" {
		return "", fmt.Errorf("city is required")
	}
	q := `
SELECT db_name
FROM public.latest_successful_imports
WHERE db_name ILIKE '%' || $1 || '%'
ORDER BY imported_at DESC
LIMIT 1`
	var dbName sql.NullString
	if err := meta.GetContext(ctx, &dbName, q, city); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", fmt.Errorf("no database found for city like %q", city)
		}
		return "", err
	}
	if !dbName.Valid || dbName.String == "" {
		return "", fmt.Errorf("empty db_name for city like %q", city)
	}
	return dbName.String, nil
}

// ImportFollower keeps a Store pointed at the newest schedule import of a
// city. The schedule ETL writes each import to a fresh database.
type ImportFollower struct {
	BaseDSN  string
	City     string
	Interval time.Duration
	Store    *Store
	Current  string
	// Switched is called after a successful swap with the reason
	// ("update" or "ping_failure").
	Switched func(reason string)

	log *logrus.Entry
}

// OpenLatest resolves the newest import for city and opens it.
func OpenLatest(ctx context.Context, baseDSN, city string) (*sqlx.DB, string, error) {
	rootDSN, err := WithDBName(baseDSN, "postgres")
	if err != nil {
		return nil, "", fmt.Errorf("invalid base DSN: %w", err)
	}
	meta, err := Open(rootDSN)
	if err != nil {
		return nil, "", fmt.Errorf("open meta db: %w", err)
	}
	defer meta.Close()
	if err := Ping(ctx, meta); err != nil {
		return nil, "", fmt.Errorf("ping meta db: %w", err)
	}
	name, err := ResolveLatestImportDBName(ctx, meta, city)
	if err != nil {
		return nil, "", err
	}
	dsn, err := WithDBName(baseDSN, name)
	if err != nil {
		return nil, "", fmt.Errorf("compose DSN: %w", err)
	}
	conn, err := Open(dsn)
	if err != nil {
		return nil, "", fmt.Errorf("open %s: %w", name, err)
	}
	if err := Ping(ctx, conn); err != nil {
		conn.Close()
		return nil, "", fmt.Errorf("ping %s: %w", name, err)
	}
	return conn, name, nil
}

// Run checks for a newer import every Interval until ctx is done.
func (f *ImportFollower) Run(ctx context.Context) {
	f.log = logrus.WithFields(logrus.Fields{"component": "import_follower", "city": f.City})
	ticker := time.NewTicker(f.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		f.check(ctx)
	}
}

func (f *ImportFollower) check(ctx context.Context) {
	reason := ""
	if err := Ping(ctx, f.Store.db()); err != nil {
		f.log.WithError(err).Warn("schedule db ping failed, re-resolving")
		reason = "ping_failure"
	}

	conn, name, err := OpenLatest(ctx, f.BaseDSN, f.City)
	if err != nil {
		f.log.WithError(err).Error("resolve latest import")
		return
	}
	if name == f.Current && reason == "" {
		conn.Close()
		return
	}
	if reason == "" {
		reason = "update"
	}

	old := f.Store.Swap(conn)
	f.log.WithFields(logrus.Fields{"from": f.Current, "to": name, "reason": reason}).Info("switched schedule database")
	f.Current = name
	if old != nil {
		// let in-flight queries finish on the old pool
		time.AfterFunc(time.Minute, func() { old.Close() })
	}
	if f.Switched != nil {
		f.Switched(reason)
	}
}
