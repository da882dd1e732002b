package snapshots

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/lib/pq"

	"trafficdash/internal/catalog"
	"trafficdash/internal/records"
	"trafficdash/internal/timeframe"
)

// PostgresStore keeps snapshots in PostgreSQL through database/sql and lib/pq
type PostgresStore struct {
	db *sql.DB
}

// OpenPostgres opens a connection pool for the given DSN
func OpenPostgres(dsn string, maxOpen, maxIdle int) (*PostgresStore, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, unavailable("open", err)
	}
	db.SetMaxOpenConns(maxOpen)
	db.SetMaxIdleConns(maxIdle)
	return NewPostgresStore(db), nil
}

// NewPostgresStore creates a store on an existing pool
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// Close closes the pool
func (s *PostgresStore) Close() error {
	return s.db.Close()
}

// WithConn runs fn on a dedicated connection taken from the pool
func (s *PostgresStore) WithConn(ctx context.Context, fn func(Session) error) error {
	conn, err := s.db.Conn(ctx)
	if err != nil {
		return unavailable("acquire connection", err)
	}
	defer conn.Close()

	return fn(&pqSession{conn: conn})
}

// Migrate creates the family tables and their date indexes
func (s *PostgresStore) Migrate(ctx context.Context, families []catalog.Family) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return unavailable("migrate", err)
	}
	defer tx.Rollback()

	for _, f := range families {
		if err := checkFamily(f); err != nil {
			return err
		}
		for _, stmt := range tableDDL(f, pq.QuoteIdentifier, "BIGSERIAL PRIMARY KEY") {
			if _, err := tx.ExecContext(ctx, stmt); err != nil {
				return unavailable("migrate "+f.Table, err)
			}
		}
	}

	if err := tx.Commit(); err != nil {
		return unavailable("migrate", err)
	}
	return nil
}

// Ping checks the database is reachable
func (s *PostgresStore) Ping(ctx context.Context) error {
	if err := s.db.PingContext(ctx); err != nil {
		return unavailable("ping", err)
	}
	return nil
}

type pqSession struct {
	conn *sql.Conn
}

func pqDateClause(n int) string {
	return fmt.Sprintf("%s = $%d", pq.QuoteIdentifier(catalog.DateColumn), n)
}

func (s *pqSession) Lookup(ctx context.Context, family catalog.Family, date timeframe.DateKey) ([]records.FlatRecord, bool, error) {
	if err := checkFamily(family); err != nil {
		return nil, false, err
	}

	query := fmt.Sprintf("SELECT %s FROM %s WHERE %s ORDER BY %s",
		quoteColumns(family.Columns(), pq.QuoteIdentifier),
		pq.QuoteIdentifier(family.Table),
		pqDateClause(1),
		pq.QuoteIdentifier(catalog.IDColumn),
	)

	rows, err := s.conn.QueryContext(ctx, query, date.String())
	if err != nil {
		return nil, false, unavailable("lookup "+family.Table, err)
	}
	defer rows.Close()

	recs, err := scanRecords(rows, family)
	if err != nil {
		return nil, false, unavailable("lookup "+family.Table, err)
	}
	return recs, len(recs) > 0, nil
}

func (s *pqSession) Upsert(ctx context.Context, family catalog.Family, date timeframe.DateKey, recs []records.FlatRecord) (bool, error) {
	if err := checkFamily(family); err != nil {
		return false, err
	}
	if err := checkRecords(family, date, recs); err != nil {
		return false, err
	}
	if len(recs) == 0 {
		return false, nil
	}

	tx, err := s.conn.BeginTx(ctx, nil)
	if err != nil {
		return false, unavailable("upsert "+family.Table, err)
	}
	defer tx.Rollback()

	if err := lockDate(ctx, tx, family, date); err != nil {
		return false, unavailable("upsert "+family.Table, err)
	}

	var count int64
	countQuery := fmt.Sprintf("SELECT COUNT(*) FROM %s WHERE %s", pq.QuoteIdentifier(family.Table), pqDateClause(1))
	if err := tx.QueryRowContext(ctx, countQuery, date.String()).Scan(&count); err != nil {
		return false, unavailable("upsert "+family.Table, err)
	}
	if count > 0 {
		return false, nil
	}

	if err := pqInsert(ctx, tx, family, recs); err != nil {
		return false, unavailable("upsert "+family.Table, err)
	}
	if err := tx.Commit(); err != nil {
		return false, unavailable("upsert "+family.Table, err)
	}
	return true, nil
}

func (s *pqSession) Replace(ctx context.Context, family catalog.Family, date timeframe.DateKey, recs []records.FlatRecord) ([]records.FlatRecord, error) {
	if err := checkFamily(family); err != nil {
		return nil, err
	}
	if err := checkRecords(family, date, recs); err != nil {
		return nil, err
	}

	tx, err := s.conn.BeginTx(ctx, nil)
	if err != nil {
		return nil, unavailable("replace "+family.Table, err)
	}
	defer tx.Rollback()

	if err := lockDate(ctx, tx, family, date); err != nil {
		return nil, unavailable("replace "+family.Table, err)
	}

	descQuery := fmt.Sprintf("SELECT %s FROM %s WHERE %s AND %s <> '' ORDER BY %s LIMIT 1",
		pq.QuoteIdentifier(catalog.DescriptionColumn),
		pq.QuoteIdentifier(family.Table),
		pqDateClause(1),
		pq.QuoteIdentifier(catalog.DescriptionColumn),
		pq.QuoteIdentifier(catalog.IDColumn),
	)
	var description string
	err = tx.QueryRowContext(ctx, descQuery, date.String()).Scan(&description)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return nil, unavailable("replace "+family.Table, err)
	}
	stored := withDescription(recs, description)

	del := fmt.Sprintf("DELETE FROM %s WHERE %s", pq.QuoteIdentifier(family.Table), pqDateClause(1))
	if _, err := tx.ExecContext(ctx, del, date.String()); err != nil {
		return nil, unavailable("replace "+family.Table, err)
	}
	if err := pqInsert(ctx, tx, family, stored); err != nil {
		return nil, unavailable("replace "+family.Table, err)
	}
	if err := tx.Commit(); err != nil {
		return nil, unavailable("replace "+family.Table, err)
	}
	return stored, nil
}

func (s *pqSession) Annotate(ctx context.Context, family catalog.Family, date timeframe.DateKey, text string) (int64, error) {
	if err := checkFamily(family); err != nil {
		return 0, err
	}

	stmt := fmt.Sprintf("UPDATE %s SET %s = $1 WHERE %s",
		pq.QuoteIdentifier(family.Table),
		pq.QuoteIdentifier(catalog.DescriptionColumn),
		pqDateClause(2),
	)
	result, err := s.conn.ExecContext(ctx, stmt, text, date.String())
	if err != nil {
		return 0, unavailable("annotate "+family.Table, err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return 0, unavailable("annotate "+family.Table, err)
	}
	return n, nil
}

func (s *pqSession) Prune(ctx context.Context, family catalog.Family, before timeframe.DateKey) (int64, error) {
	if err := checkFamily(family); err != nil {
		return 0, err
	}

	stmt := fmt.Sprintf("DELETE FROM %s WHERE %s < $1",
		pq.QuoteIdentifier(family.Table), pq.QuoteIdentifier(catalog.DateColumn))
	result, err := s.conn.ExecContext(ctx, stmt, before.String())
	if err != nil {
		return 0, unavailable("prune "+family.Table, err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return 0, unavailable("prune "+family.Table, err)
	}
	return n, nil
}

// lockDate serializes writers of the same (table, date) across processes
// until the transaction ends
func lockDate(ctx context.Context, tx *sql.Tx, family catalog.Family, date timeframe.DateKey) error {
	_, err := tx.ExecContext(ctx, "SELECT pg_advisory_xact_lock(hashtext($1))", family.Table+":"+date.String())
	return err
}

func pqInsert(ctx context.Context, tx *sql.Tx, family catalog.Family, recs []records.FlatRecord) error {
	cols := family.Columns()
	placeholders := make([]string, len(cols))
	for i := range cols {
		placeholders[i] = fmt.Sprintf("$%d", i+1)
	}
	stmt := fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s)",
		pq.QuoteIdentifier(family.Table),
		quoteColumns(cols, pq.QuoteIdentifier),
		strings.Join(placeholders, ", "),
	)

	for _, r := range recs {
		if _, err := tx.ExecContext(ctx, stmt, rowValues(r)...); err != nil {
			return err
		}
	}
	return nil
}
