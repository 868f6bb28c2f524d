package callcache

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	_ "github.com/go-sql-driver/mysql"
	_ "github.com/jackc/pgx/v5/stdlib"
	_ "modernc.org/sqlite"
)

// sqlMaxKeyLen fits the narrowest key column (mysql VARBINARY(255)). Longer
// keys are stored under a digest.
const sqlMaxKeyLen = 255

type sqlStore struct {
	db         *sql.DB
	table      string
	listTable  string
	driverName string
	prefix     string

	getStmt        *sql.Stmt
	upsertStmt     *sql.Stmt
	appendStmt     *sql.Stmt
	countStmt      *sql.Stmt
	rangeStmt      *sql.Stmt
	flushStmt      *sql.Stmt
	flushListsStmt *sql.Stmt
}

var sqlIdentPartRE = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

func newSQLStore(ctx context.Context, cfg StoreConfig) (Store, error) {
	if cfg.SQLDriverName == "" || cfg.SQLDSN == "" {
		return nil, errors.New("sql driver requires driver name and dsn")
	}
	table := cfg.SQLTable
	if table == "" {
		table = defaultSQLTable
	}
	if err := validateSQLTableName(table); err != nil {
		return nil, err
	}
	db, err := sql.Open(cfg.SQLDriverName, cfg.SQLDSN)
	if err != nil {
		return nil, err
	}
	if cfg.SQLDriverName == "sqlite" {
		// A single connection keeps in-memory databases and write locks coherent.
		db.SetMaxOpenConns(1)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	s := &sqlStore{
		db:         db,
		table:      table,
		listTable:  table + "_lists",
		driverName: cfg.SQLDriverName,
		prefix:     cfg.Prefix,
	}
	if err := s.ensureSchema(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := s.prepareStatements(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *sqlStore) Driver() Driver { return DriverSQL }

func (s *sqlStore) ensureSchema(ctx context.Context) error {
	var stmts []string
	switch s.driverName {
	case "postgres", "pgx":
		stmts = []string{
			fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
				k TEXT COLLATE "C" PRIMARY KEY,
				v BYTEA NOT NULL,
				ea BIGINT NOT NULL
			)`, s.table),
			fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
				id BIGSERIAL PRIMARY KEY,
				k TEXT COLLATE "C" NOT NULL,
				v BYTEA NOT NULL
			)`, s.listTable),
			fmt.Sprintf(`CREATE INDEX IF NOT EXISTS %s_k_idx ON %s (k, id)`, strings.ReplaceAll(s.listTable, ".", "_"), s.listTable),
		}
	case "mysql":
		stmts = []string{
			fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
				k VARBINARY(255) PRIMARY KEY,
				v LONGBLOB NOT NULL,
				ea BIGINT NOT NULL
			) ENGINE=InnoDB`, s.table),
			fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
				id BIGINT AUTO_INCREMENT PRIMARY KEY,
				k VARBINARY(255) NOT NULL,
				v LONGBLOB NOT NULL,
				INDEX k_idx (k, id)
			) ENGINE=InnoDB`, s.listTable),
		}
	default: // sqlite
		stmts = []string{
			fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
				k TEXT PRIMARY KEY,
				v BLOB NOT NULL,
				ea INTEGER NOT NULL
			)`, s.table),
			fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
				id INTEGER PRIMARY KEY AUTOINCREMENT,
				k TEXT NOT NULL,
				v BLOB NOT NULL
			)`, s.listTable),
			fmt.Sprintf(`CREATE INDEX IF NOT EXISTS %s_k_idx ON %s (k, id)`, strings.ReplaceAll(s.listTable, ".", "_"), s.listTable),
		}
	}
	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("ensure sql schema: %w", err)
		}
	}
	return nil
}

func (s *sqlStore) Get(ctx context.Context, key string) ([]byte, bool, error) {
	var v []byte
	var ea int64
	err := s.getStmt.QueryRowContext(ctx, s.storeKey(key)).Scan(&v, &ea)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	if isExpired(ea) {
		return nil, false, nil
	}
	return cloneBytes(v), true, nil
}

func (s *sqlStore) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	ea := expiresAt(ttl)
	if value == nil {
		value = []byte{}
	}
	_, err := s.upsertStmt.ExecContext(ctx, s.storeKey(key), value, ea, value, ea)
	return err
}

func (s *sqlStore) Increment(ctx context.Context, key string, delta int64) (int64, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()

	// The locking read needs a row to lock even on the first increment.
	if _, err := tx.ExecContext(ctx, s.seedSQL(), s.storeKey(key), []byte("0")); err != nil {
		return 0, err
	}
	selectSQL := s.getSQL()
	if s.isPostgres() || s.driverName == "mysql" {
		selectSQL += " FOR UPDATE"
	}
	var v []byte
	var ea int64
	err = tx.QueryRowContext(ctx, selectSQL, s.storeKey(key)).Scan(&v, &ea)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return 0, err
	}

	current := int64(0)
	if err == nil {
		if isExpired(ea) {
			ea = 0
		} else {
			current, err = strconv.ParseInt(string(v), 10, 64)
			if err != nil {
				return 0, fmt.Errorf("sql key %q: %w", key, ErrNotNumeric)
			}
		}
	}

	next := current + delta
	body := []byte(strconv.FormatInt(next, 10))
	upsertStmt := tx.StmtContext(ctx, s.upsertStmt)
	defer upsertStmt.Close()
	if _, err := upsertStmt.ExecContext(ctx, s.storeKey(key), body, ea, body, ea); err != nil {
		return 0, err
	}
	if err := tx.Commit(); err != nil {
		return 0, err
	}
	return next, nil
}

func (s *sqlStore) Append(ctx context.Context, key string, value []byte) (int64, error) {
	if value == nil {
		value = []byte{}
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()

	if _, err := tx.StmtContext(ctx, s.appendStmt).ExecContext(ctx, s.storeKey(key), value); err != nil {
		return 0, err
	}
	var n int64
	if err := tx.StmtContext(ctx, s.countStmt).QueryRowContext(ctx, s.storeKey(key)).Scan(&n); err != nil {
		return 0, err
	}
	if err := tx.Commit(); err != nil {
		return 0, err
	}
	return n, nil
}

func (s *sqlStore) Range(ctx context.Context, key string, start, stop int64) ([][]byte, error) {
	rows, err := s.rangeStmt.QueryContext(ctx, s.storeKey(key))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var items [][]byte
	for rows.Next() {
		var v []byte
		if err := rows.Scan(&v); err != nil {
			return nil, err
		}
		items = append(items, v)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return sliceRange(items, start, stop), nil
}

// Flush removes every key in [prefix + ":", prefix + ";"), the prefix scope.
func (s *sqlStore) Flush(ctx context.Context) error {
	lo, hi := s.scopeBounds()
	if _, err := s.flushStmt.ExecContext(ctx, lo, hi); err != nil {
		return err
	}
	_, err := s.flushListsStmt.ExecContext(ctx, lo, hi)
	return err
}

func (s *sqlStore) Close() error {
	return s.db.Close()
}

func (s *sqlStore) storeKey(key string) string {
	full := s.prefix + ":" + key
	if len(full) <= sqlMaxKeyLen {
		return full
	}
	sum := sha256.Sum256([]byte(key))
	return s.prefix + ":#" + hex.EncodeToString(sum[:])
}

func (s *sqlStore) scopeBounds() (string, string) {
	return s.prefix + ":", s.prefix + ";"
}

func (s *sqlStore) upsertSQL() string {
	// Placeholders must be positional for postgres/pgx.
	p1, p2, p3, p4, p5 := s.ph(1), s.ph(2), s.ph(3), s.ph(4), s.ph(5)
	switch s.driverName {
	case "postgres", "pgx":
		return fmt.Sprintf("INSERT INTO %s (k, v, ea) VALUES (%s, %s, %s) ON CONFLICT (k) DO UPDATE SET v = %s, ea = %s", s.table, p1, p2, p3, p4, p5)
	case "mysql":
		return fmt.Sprintf("INSERT INTO %s (k, v, ea) VALUES (%s, %s, %s) ON DUPLICATE KEY UPDATE v = %s, ea = %s", s.table, p1, p2, p3, p4, p5)
	default: // sqlite
		return fmt.Sprintf("INSERT INTO %s (k, v, ea) VALUES (%s, %s, %s) ON CONFLICT(k) DO UPDATE SET v = %s, ea = %s", s.table, p1, p2, p3, p4, p5)
	}
}

// seedSQL inserts an unexpiring row unless the key already exists.
func (s *sqlStore) seedSQL() string {
	p1, p2 := s.ph(1), s.ph(2)
	switch s.driverName {
	case "postgres", "pgx":
		return fmt.Sprintf("INSERT INTO %s (k, v, ea) VALUES (%s, %s, 0) ON CONFLICT (k) DO NOTHING", s.table, p1, p2)
	case "mysql":
		return fmt.Sprintf("INSERT INTO %s (k, v, ea) VALUES (%s, %s, 0) ON DUPLICATE KEY UPDATE k = k", s.table, p1, p2)
	default: // sqlite
		return fmt.Sprintf("INSERT INTO %s (k, v, ea) VALUES (%s, %s, 0) ON CONFLICT(k) DO NOTHING", s.table, p1, p2)
	}
}

func (s *sqlStore) getSQL() string {
	return fmt.Sprintf("SELECT v, ea FROM %s WHERE k = %s", s.table, s.ph(1))
}

func (s *sqlStore) appendSQL() string {
	return fmt.Sprintf("INSERT INTO %s (k, v) VALUES (%s, %s)", s.listTable, s.ph(1), s.ph(2))
}

func (s *sqlStore) countSQL() string {
	return fmt.Sprintf("SELECT COUNT(*) FROM %s WHERE k = %s", s.listTable, s.ph(1))
}

func (s *sqlStore) rangeSQL() string {
	return fmt.Sprintf("SELECT v FROM %s WHERE k = %s ORDER BY id", s.listTable, s.ph(1))
}

// flushSQL compares keys bytewise; postgres tables created under a locale
// collation would otherwise order ':' and ';' unpredictably.
func (s *sqlStore) flushSQL(table string) string {
	col := "k"
	if s.isPostgres() {
		col = `k COLLATE "C"`
	}
	return fmt.Sprintf("DELETE FROM %s WHERE %s >= %s AND %s < %s", table, col, s.ph(1), col, s.ph(2))
}

func (s *sqlStore) prepareStatements(ctx context.Context) error {
	var err error
	if s.getStmt, err = s.db.PrepareContext(ctx, s.getSQL()); err != nil {
		return err
	}
	if s.upsertStmt, err = s.db.PrepareContext(ctx, s.upsertSQL()); err != nil {
		return err
	}
	if s.appendStmt, err = s.db.PrepareContext(ctx, s.appendSQL()); err != nil {
		return err
	}
	if s.countStmt, err = s.db.PrepareContext(ctx, s.countSQL()); err != nil {
		return err
	}
	if s.rangeStmt, err = s.db.PrepareContext(ctx, s.rangeSQL()); err != nil {
		return err
	}
	if s.flushStmt, err = s.db.PrepareContext(ctx, s.flushSQL(s.table)); err != nil {
		return err
	}
	if s.flushListsStmt, err = s.db.PrepareContext(ctx, s.flushSQL(s.listTable)); err != nil {
		return err
	}
	return nil
}

func (s *sqlStore) isPostgres() bool {
	return s.driverName == "postgres" || s.driverName == "pgx"
}

func (s *sqlStore) ph(i int) string {
	if s.isPostgres() {
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
