// Package catalog looks up track metadata in the music library database.
package catalog

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"regexp"
	"time"

	"github.com/dkeye/Party/internal/domain"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"
)

var (
	ErrTrackNotFound = errors.New("track not found")
	ErrUnknownDriver = errors.New("unknown catalog driver")
)

const (
	DriverPostgres = "postgres"
	DriverSQLite   = "sqlite"
)

// Catalog is read-only.
type Catalog interface {
	TrackByID(ctx context.Context, id domain.TrackID) (*domain.Track, error)
	TrackByPath(ctx context.Context, path string) (*domain.Track, error)
	Close() error
}

const trackSelect = `SELECT lrt.id,
	COALESCE(lrt.title, ''),
	COALESCE(lrt.duration, 0),
	COALESCE(lr.id, ''),
	COALESCE(lr.title, ''),
	COALESCE(lr.image, ''),
	COALESCE(a.name, ''),
	COALESCE(a.slug, '')
FROM "LocalReleaseTrack" lrt
LEFT JOIN "LocalRelease" lr ON lr.id = lrt."localReleaseId"
LEFT JOIN "Artist" a ON a.id = lr."artistId"
`

var (
	byIDQuery   = trackSelect + `WHERE lrt.id = $1`
	byPathQuery = trackSelect + `WHERE lrt."filePath" = $1`
)

var pgParam = regexp.MustCompile(`\$(\d+)`)

// SQLCatalog runs the same queries against Postgres or a SQLite export of it.
type SQLCatalog struct {
	db     *sql.DB
	byID   string
	byPath string
	logger zerolog.Logger
}

func Open(ctx context.Context, driver, dsn string) (*SQLCatalog, error) {
	if driver != DriverPostgres && driver != DriverSQLite {
		return nil, fmt.Errorf("%w: %q", ErrUnknownDriver, driver)
	}
	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("open catalog: %w", err)
	}
	if driver == DriverSQLite {
		// :memory: databases exist per connection
		db.SetMaxOpenConns(1)
	} else {
		db.SetMaxOpenConns(5)
		db.SetMaxIdleConns(2)
		db.SetConnMaxIdleTime(5 * time.Minute)
	}

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping catalog: %w", err)
	}
	return New(db, driver), nil
}

// New wraps an open database. SQLite gets numbered ?N parameters.
func New(db *sql.DB, driver string) *SQLCatalog {
	c := &SQLCatalog{
		db:     db,
		byID:   byIDQuery,
		byPath: byPathQuery,
		logger: log.With().Str("module", "catalog").Str("driver", driver).Logger(),
	}
	if driver == DriverSQLite {
		c.byID = pgParam.ReplaceAllString(c.byID, "?$1")
		c.byPath = pgParam.ReplaceAllString(c.byPath, "?$1")
	}
	return c
}

func (c *SQLCatalog) TrackByID(ctx context.Context, id domain.TrackID) (*domain.Track, error) {
	if id == "" {
		return nil, domain.ErrTrackIDEmpty
	}
	return c.one(ctx, c.byID, string(id))
}

func (c *SQLCatalog) TrackByPath(ctx context.Context, path string) (*domain.Track, error) {
	return c.one(ctx, c.byPath, path)
}

func (c *SQLCatalog) one(ctx context.Context, query, arg string) (*domain.Track, error) {
	var t domain.Track
	err := c.db.QueryRowContext(ctx, query, arg).Scan(
		&t.ID, &t.Title, &t.Duration,
		&t.ReleaseID, &t.ReleaseTitle, &t.Cover,
		&t.ArtistName, &t.ArtistSlug,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrTrackNotFound, arg)
	}
	if err != nil {
		return nil, fmt.Errorf("catalog lookup %s: %w", arg, err)
	}
	c.logger.Debug().Str("track", string(t.ID)).Str("title", t.Title).Msg("resolved")
	return &t, nil
}

func (c *SQLCatalog) Close() error {
	return c.db.Close()
}
