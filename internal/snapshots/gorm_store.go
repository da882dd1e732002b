package snapshots

import (
	"context"
	"fmt"

	"gorm.io/gorm"

	"trafficdash/internal/catalog"
	"trafficdash/internal/records"
	"trafficdash/internal/timeframe"
)

// GormStore keeps snapshots in SQLite through gorm
type GormStore struct {
	db *gorm.DB
}

// NewGormStore creates a store on an open gorm connection
func NewGormStore(db *gorm.DB) *GormStore {
	return &GormStore{db: db}
}

func sqliteQuote(name string) string {
	return `"` + name + `"`
}

// WithConn runs fn on a single pooled connection
func (s *GormStore) WithConn(ctx context.Context, fn func(Session) error) error {
	if s.db == nil {
		return unavailable("connect", gorm.ErrInvalidDB)
	}
	called := false
	err := s.db.WithContext(ctx).Connection(func(tx *gorm.DB) error {
		called = true
		return fn(&gormSession{db: tx})
	})
	if err != nil && !called {
		return unavailable("acquire connection", err)
	}
	return err
}

// Migrate creates the family tables and their date indexes
func (s *GormStore) Migrate(ctx context.Context, families []catalog.Family) error {
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		for _, f := range families {
			if err := checkFamily(f); err != nil {
				return err
			}
			for _, stmt := range tableDDL(f, sqliteQuote, "INTEGER PRIMARY KEY AUTOINCREMENT") {
				if err := tx.Exec(stmt).Error; err != nil {
					return fmt.Errorf("%s: %w", f.Table, err)
				}
			}
		}
		return nil
	})
	if err != nil {
		return unavailable("migrate", err)
	}
	return nil
}

// Ping checks the database is reachable
func (s *GormStore) Ping(ctx context.Context) error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return unavailable("ping", err)
	}
	if err := sqlDB.PingContext(ctx); err != nil {
		return unavailable("ping", err)
	}
	return nil
}

type gormSession struct {
	db *gorm.DB
}

func dateClause() string {
	return sqliteQuote(catalog.DateColumn) + " = ?"
}

func (s *gormSession) Lookup(ctx context.Context, family catalog.Family, date timeframe.DateKey) ([]records.FlatRecord, bool, error) {
	if err := checkFamily(family); err != nil {
		return nil, false, err
	}

	rows, err := s.db.WithContext(ctx).
		Table(family.Table).
		Select(family.Columns()).
		Where(dateClause(), date.String()).
		Order(sqliteQuote(catalog.IDColumn)).
		Rows()
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

func (s *gormSession) Upsert(ctx context.Context, family catalog.Family, date timeframe.DateKey, recs []records.FlatRecord) (bool, error) {
	if err := checkFamily(family); err != nil {
		return false, err
	}
	if err := checkRecords(family, date, recs); err != nil {
		return false, err
	}
	if len(recs) == 0 {
		return false, nil
	}

	inserted := false
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var count int64
		if err := tx.Table(family.Table).Where(dateClause(), date.String()).Count(&count).Error; err != nil {
			return err
		}
		if count > 0 {
			return nil
		}
		if err := insertRows(tx, family, recs); err != nil {
			return err
		}
		inserted = true
		return nil
	})
	if err != nil {
		return false, unavailable("upsert "+family.Table, err)
	}
	return inserted, nil
}

func (s *gormSession) Replace(ctx context.Context, family catalog.Family, date timeframe.DateKey, recs []records.FlatRecord) ([]records.FlatRecord, error) {
	if err := checkFamily(family); err != nil {
		return nil, err
	}
	if err := checkRecords(family, date, recs); err != nil {
		return nil, err
	}

	var stored []records.FlatRecord
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var descriptions []string
		err := tx.Table(family.Table).
			Where(dateClause(), date.String()).
			Where(sqliteQuote(catalog.DescriptionColumn)+" <> ''").
			Order(sqliteQuote(catalog.IDColumn)).
			Limit(1).
			Pluck(catalog.DescriptionColumn, &descriptions).Error
		if err != nil {
			return err
		}
		if len(descriptions) > 0 {
			stored = withDescription(recs, descriptions[0])
		} else {
			stored = recs
		}

		del := fmt.Sprintf("DELETE FROM %s WHERE %s", sqliteQuote(family.Table), dateClause())
		if err := tx.Exec(del, date.String()).Error; err != nil {
			return err
		}
		return insertRows(tx, family, stored)
	})
	if err != nil {
		return nil, unavailable("replace "+family.Table, err)
	}
	return stored, nil
}

func (s *gormSession) Annotate(ctx context.Context, family catalog.Family, date timeframe.DateKey, text string) (int64, error) {
	if err := checkFamily(family); err != nil {
		return 0, err
	}

	result := s.db.WithContext(ctx).
		Table(family.Table).
		Where(dateClause(), date.String()).
		Update(catalog.DescriptionColumn, text)
	if result.Error != nil {
		return 0, unavailable("annotate "+family.Table, result.Error)
	}
	return result.RowsAffected, nil
}

func (s *gormSession) Prune(ctx context.Context, family catalog.Family, before timeframe.DateKey) (int64, error) {
	if err := checkFamily(family); err != nil {
		return 0, err
	}

	stmt := fmt.Sprintf("DELETE FROM %s WHERE %s < ?", sqliteQuote(family.Table), sqliteQuote(catalog.DateColumn))
	result := s.db.WithContext(ctx).Exec(stmt, before.String())
	if result.Error != nil {
		return 0, unavailable("prune "+family.Table, result.Error)
	}
	return result.RowsAffected, nil
}

func insertRows(tx *gorm.DB, family catalog.Family, recs []records.FlatRecord) error {
	for _, r := range recs {
		row := make(map[string]interface{}, len(r.Fields))
		for _, f := range r.Fields {
			if f.Null {
				row[f.Name] = nil
			} else {
				row[f.Name] = f.Value
			}
		}
		if err := tx.Table(family.Table).Create(row).Error; err != nil {
			return err
		}
	}
	return nil
}
