package viewcache

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	_ "github.com/go-sql-driver/mysql"
	_ "github.com/jackc/pgx/v5/stdlib"
	_ "modernc.org/sqlite"
)

var (
	sqlIdentPartRE = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)
	likeEscaper    = strings.NewReplacer("!", "!!", "%", "!%", "_", "!_")
)

type sqlStore struct {
	db         *sql.DB
	table      string
	driverName string
	prefix     string
	defaultTTL time.Duration
	getStmt    *sql.Stmt
	upsertStmt *sql.Stmt
	deleteStmt *sql.Stmt
	flushStmt  *sql.Stmt
	matchStmt  *sql.Stmt
}

func newSQLStore(ctx context.Context, cfg StoreConfig) (Store, error) {
	if cfg.SQLDriverName == "" || cfg.SQLDSN == "" {
		return nil, errors.New("sql driver requires driver name and dsn")
	}
	if err := validateSQLTableName(cfg.SQLTable); err != nil {
		return nil, err
	}
	db, err := sql.Open(cfg.SQLDriverName, cfg.SQLDSN)
	if err != nil {
		return nil, fmt.Errorf("open sql store: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping sql store: %w", err)
	}
	s := &sqlStore{
		db:         db,
		table:      cfg.SQLTable,
		driverName: cfg.SQLDriverName,
		prefix:     cfg.Prefix,
		defaultTTL: cfg.DefaultTTL,
	}
	if s.defaultTTL <= 0 {
		s.defaultTTL = defaultCacheTTL
	}
	if err := s.ensureSchema(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ensure sql schema: %w", err)
	}
	if err := s.prepare(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("prepare sql statements: %w", err)
	}
	return s, nil
}

func (s *sqlStore) Driver() Driver { return DriverSQL }

func (s *sqlStore) ensureSchema(ctx context.Context) error {
	var stmt string
	switch s.driverName {
	case "postgres", "pgx":
		stmt = `CREATE TABLE IF NOT EXISTS %s (k TEXT PRIMARY KEY, v BYTEA NOT NULL, ea BIGINT NOT NULL)`
	case "mysql":
		stmt = `CREATE TABLE IF NOT EXISTS %s (k VARBINARY(512) PRIMARY KEY, v LONGBLOB NOT NULL, ea BIGINT NOT NULL) ENGINE=InnoDB`
	default:
		stmt = `CREATE TABLE IF NOT EXISTS %s (k TEXT PRIMARY KEY, v BLOB NOT NULL, ea INTEGER NOT NULL)`
	}
	_, err := s.db.ExecContext(ctx, fmt.Sprintf(stmt, s.table))
	return err
}

func (s *sqlStore) prepare(ctx context.Context) error {
	var upsert string
	switch s.driverName {
	case "postgres", "pgx":
		upsert = "INSERT INTO %s (k, v, ea) VALUES ($1, $2, $3) ON CONFLICT (k) DO UPDATE SET v = EXCLUDED.v, ea = EXCLUDED.ea"
	case "mysql":
		upsert = "INSERT INTO %s (k, v, ea) VALUES (?, ?, ?) ON DUPLICATE KEY UPDATE v = VALUES(v), ea = VALUES(ea)"
	default:
		upsert = "INSERT INTO %s (k, v, ea) VALUES (?, ?, ?) ON CONFLICT(k) DO UPDATE SET v = excluded.v, ea = excluded.ea"
	}
	var err error
	if s.upsertStmt, err = s.db.PrepareContext(ctx, fmt.Sprintf(upsert, s.table)); err != nil {
		return err
	}
	if s.getStmt, err = s.db.PrepareContext(ctx, fmt.Sprintf("SELECT v, ea FROM %s WHERE k = %s", s.table, s.ph(1))); err != nil {
		return err
	}
	if s.deleteStmt, err = s.db.PrepareContext(ctx, fmt.Sprintf("DELETE FROM %s WHERE k = %s", s.table, s.ph(1))); err != nil {
		return err
	}
	if s.flushStmt, err = s.db.PrepareContext(ctx, fmt.Sprintf("DELETE FROM %s WHERE k LIKE %s", s.table, s.ph(1))); err != nil {
		return err
	}
	if s.matchStmt, err = s.db.PrepareContext(ctx, fmt.Sprintf("DELETE FROM %s WHERE k LIKE %s ESCAPE '!'", s.table, s.ph(1))); err != nil {
		return err
	}
	return nil
}

func (s *sqlStore) Get(ctx context.Context, key string) ([]byte, bool, error) {
	var (
		v   []byte
		exp int64
	)
	err := s.getStmt.QueryRowContext(ctx, s.cacheKey(key)).Scan(&v, &exp)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	if time.Now().UnixMilli() > exp {
		_ = s.Delete(ctx, key)
		return nil, false, nil
	}
	return cloneBytes(v), true, nil
}

func (s *sqlStore) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if ttl <= 0 {
		ttl = s.defaultTTL
	}
	_, err := s.upsertStmt.ExecContext(ctx, s.cacheKey(key), value, time.Now().Add(ttl).UnixMilli())
	return err
}

func (s *sqlStore) Delete(ctx context.Context, key string) error {
	_, err := s.deleteStmt.ExecContext(ctx, s.cacheKey(key))
	return err
}

func (s *sqlStore) DeleteMany(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	placeholders := make([]string, 0, len(keys))
	args := make([]any, 0, len(keys))
	for i, k := range keys {
		placeholders = append(placeholders, s.ph(i+1))
		args = append(args, s.cacheKey(k))
	}
	query := fmt.Sprintf("DELETE FROM %s WHERE k IN (%s)", s.table, strings.Join(placeholders, ","))
	_, err := s.db.ExecContext(ctx, query, args...)
	return err
}

// DeleteMatching escapes the pattern so '%' and '_' in signatures match
// literally.
func (s *sqlStore) DeleteMatching(ctx context.Context, pattern string) (int, error) {
	like := likeEscaper.Replace(s.cacheKey("")) + "%" + likeEscaper.Replace(pattern) + "%"
	res, err := s.matchStmt.ExecContext(ctx, like)
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, nil
	}
	return int(n), nil
}

func (s *sqlStore) Flush(ctx context.Context) error {
	_, err := s.flushStmt.ExecContext(ctx, s.cacheKey("%"))
	return err
}

// Close releases the underlying database handle.
func (s *sqlStore) Close() error {
	return s.db.Close()
}

func (s *sqlStore) cacheKey(key string) string {
	if s.prefix == "" {
		return key
	}
	return s.prefix + ":" + key
}

func (s *sqlStore) ph(i int) string {
	if s.driverName == "postgres" || s.driverName == "pgx" {
		return fmt.Sprintf("$%d", i)
	}
	return "?"
}

func validateSQLTableName(name string) error {
	if strings.TrimSpace(name) == "" {
		return errors.New("sql table name is required")
	}
	for _, part := range strings.Split(name, ".") {
		if !sqlIdentPartRE.MatchString(part) {
			return fmt.Errorf("invalid sql table name %q", name)
		}
	}
	return nil
}
