package registry

import (
	"context"
	"database/sql"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/lib/pq"
	"github.com/mattn/go-sqlite3"

	"github.com/c360/ctxfed/csr"
	"github.com/c360/ctxfed/errors"
)

// Supported SQL drivers
const (
	DriverPostgres = "postgres"
	DriverSQLite   = "sqlite3"
)

const defaultTable = "ctxfed_registrations"

// SQLStore persists registrations in a relational table. The registration document is kept
// as JSON; status counters live in their own columns so that increments are single atomic
// UPDATE statements.
type SQLStore struct {
	db      *sql.DB
	driver  string
	table   string
	matcher *csr.Matcher
	now     func() time.Time
}

// OpenSQLStore opens dsn with driver and creates the table when missing.
func OpenSQLStore(ctx context.Context, driver, dsn string, matcher *csr.Matcher) (*SQLStore, error) {
	if driver != DriverPostgres && driver != DriverSQLite {
		return nil, errors.WrapInvalid(fmt.Errorf("%w: unsupported sql driver %q", errors.ErrInvalidConfig, driver),
			"SQLStore", "OpenSQLStore", "select driver")
	}
	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, errors.WrapFatal(err, "SQLStore", "OpenSQLStore", "open database")
	}
	if driver == DriverSQLite {
		db.SetMaxOpenConns(1)
	}

	s := NewSQLStore(db, driver, matcher)
	if err := s.Migrate(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// NewSQLStore wraps an open database.
func NewSQLStore(db *sql.DB, driver string, matcher *csr.Matcher) *SQLStore {
	if matcher == nil {
		matcher = csr.NewMatcher(256)
	}
	return &SQLStore{db: db, driver: driver, table: defaultTable, matcher: matcher, now: time.Now}
}

// Close closes the database.
func (s *SQLStore) Close() error {
	return s.db.Close()
}

// Migrate creates the registration table.
func (s *SQLStore) Migrate(ctx context.Context) error {
	q := fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
  id           TEXT PRIMARY KEY,
  doc          TEXT NOT NULL,
  status       TEXT NOT NULL DEFAULT '',
  times_sent   BIGINT NOT NULL DEFAULT 0,
  times_failed BIGINT NOT NULL DEFAULT 0,
  last_success BIGINT,
  last_failure BIGINT
)`, s.table)
	if _, err := s.db.ExecContext(ctx, q); err != nil {
		return errors.WrapTransient(err, "SQLStore", "Migrate", "create table")
	}
	return nil
}

// rebind rewrites ? placeholders for drivers using numbered parameters.
func (s *SQLStore) rebind(q string) string {
	if s.driver != DriverPostgres {
		return q
	}
	var b strings.Builder
	n := 0
	for _, r := range q {
		if r == '?' {
			n++
			b.WriteString("$" + strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

// Create inserts reg unless its id is taken.
func (s *SQLStore) Create(ctx context.Context, reg *csr.Registration) (*csr.Registration, error) {
	if reg == nil {
		return nil, errors.WrapInvalid(errors.ErrInvalidRegistration, "SQLStore", "Create", "nil registration")
	}
	stored, err := prepare(reg, s.now())
	if err != nil {
		return nil, err
	}
	doc, err := json.Marshal(stored)
	if err != nil {
		return nil, errors.WrapFatal(err, "SQLStore", "Create", "marshal registration")
	}

	q := s.rebind(fmt.Sprintf(`INSERT INTO %s (id, doc) VALUES (?, ?)`, s.table))
	if _, err := s.db.ExecContext(ctx, q, stored.ID, string(doc)); err != nil {
		if isUniqueViolation(err) {
			return nil, errors.WrapInvalid(fmt.Errorf("%w: %s", errors.ErrAlreadyExists, stored.ID),
				"SQLStore", "Create", "insert registration")
		}
		return nil, errors.WrapTransient(err, "SQLStore", "Create", "insert registration")
	}
	return stored, nil
}

// Get loads the registration with id.
func (s *SQLStore) Get(ctx context.Context, id string) (*csr.Registration, error) {
	q := s.rebind(fmt.Sprintf(`SELECT %s FROM %s WHERE id = ?`, selectColumns, s.table))
	reg, err := scanRegistration(s.db.QueryRowContext(ctx, q, id))
	if stderrors.Is(err, sql.ErrNoRows) {
		return nil, notFound("SQLStore", "Get", id)
	}
	if err != nil {
		return nil, errors.WrapTransient(err, "SQLStore", "Get", "query registration")
	}
	return reg, nil
}

// Delete removes the registration with id.
func (s *SQLStore) Delete(ctx context.Context, id string) error {
	q := s.rebind(fmt.Sprintf(`DELETE FROM %s WHERE id = ?`, s.table))
	return s.execOne(ctx, "Delete", id, q, id)
}

// List loads every registration and keeps those applicable to f.
func (s *SQLStore) List(ctx context.Context, f csr.Filters) ([]*csr.Registration, error) {
	q := fmt.Sprintf(`SELECT %s FROM %s ORDER BY id`, selectColumns, s.table)
	rows, err := s.db.QueryContext(ctx, q)
	if err != nil {
		return nil, errors.WrapTransient(err, "SQLStore", "List", "query registrations")
	}
	defer rows.Close()

	var regs []*csr.Registration
	for rows.Next() {
		reg, err := scanRegistration(rows)
		if err != nil {
			return nil, errors.WrapTransient(err, "SQLStore", "List", "scan registration")
		}
		regs = append(regs, reg)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.WrapTransient(err, "SQLStore", "List", "iterate registrations")
	}
	return selectMatching(s.matcher, regs, f), nil
}

// Count returns the number of registrations applicable to f.
func (s *SQLStore) Count(ctx context.Context, f csr.Filters) (int, error) {
	regs, err := s.List(ctx, f)
	if err != nil {
		return 0, err
	}
	return len(regs), nil
}

// UpdateStatus records one call outcome with a single UPDATE, so concurrent callers never
// lose increments.
func (s *SQLStore) UpdateStatus(ctx context.Context, id string, success bool, at time.Time) error {
	var q string
	if success {
		q = `UPDATE %s SET status = ?, times_sent = times_sent + 1, last_success = ? WHERE id = ?`
	} else {
		q = `UPDATE %s SET status = ?, times_sent = times_sent + 1, times_failed = times_failed + 1, last_failure = ? WHERE id = ?`
	}
	status := csr.StatusFailed
	if success {
		status = csr.StatusOK
	}
	return s.execOne(ctx, "UpdateStatus", id, s.rebind(fmt.Sprintf(q, s.table)), string(status), at.UnixNano(), id)
}

func (s *SQLStore) execOne(ctx context.Context, method, id, q string, args ...any) error {
	res, err := s.db.ExecContext(ctx, q, args...)
	if err != nil {
		return errors.WrapTransient(err, "SQLStore", method, "execute statement")
	}
	n, err := res.RowsAffected()
	if err != nil {
		return errors.WrapTransient(err, "SQLStore", method, "read affected rows")
	}
	if n == 0 {
		return notFound("SQLStore", method, id)
	}
	return nil
}

const selectColumns = `doc, status, times_sent, times_failed, last_success, last_failure`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRegistration(row rowScanner) (*csr.Registration, error) {
	var (
		doc, status              string
		sent, failed             int64
		lastSuccess, lastFailure sql.NullInt64
	)
	if err := row.Scan(&doc, &status, &sent, &failed, &lastSuccess, &lastFailure); err != nil {
		return nil, err
	}

	var reg csr.Registration
	if err := json.Unmarshal([]byte(doc), &reg); err != nil {
		return nil, fmt.Errorf("decode registration document: %w", err)
	}
	reg.Status = csr.Status(status)
	reg.TimesSent = sent
	reg.TimesFailed = failed
	reg.LastSuccess = nanosToTime(lastSuccess)
	reg.LastFailure = nanosToTime(lastFailure)
	return &reg, nil
}

func nanosToTime(v sql.NullInt64) *time.Time {
	if !v.Valid {
		return nil
	}
	t := time.Unix(0, v.Int64).UTC()
	return &t
}

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	if stderrors.As(err, &pqErr) {
		return pqErr.Code == "23505"
	}
	var liteErr sqlite3.Error
	if stderrors.As(err, &liteErr) {
		return liteErr.Code == sqlite3.ErrConstraint
	}
	return false
}
