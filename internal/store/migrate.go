package store

import "fmt"

// columnSpec is one column a table must have; addColumns ADD COLUMNs any
// that PRAGMA table_info reports missing. Migrations are additive only —
// never destructive.
type columnSpec struct {
	name string
	ddl  string // the column type/default clause following the name
}

// targetSchema lists, per table, every column introduced after the initial
// createSchema. New columns are appended here as the schema grows; existing
// deployments pick them up on their next Open.
var targetSchema = map[string][]columnSpec{
	// No columns have been added since the initial schema yet. This map
	// exists so a future column addition is a one-line change here instead
	// of a new migration function.
}

func (s *Store) migrate() error {
	for table, columns := range targetSchema {
		if len(columns) == 0 {
			continue
		}
		existing, err := s.existingColumns(table)
		if err != nil {
			return fmt.Errorf("migrate %s: %w", table, err)
		}
		for _, col := range columns {
			if existing[col.name] {
				continue
			}
			stmt := fmt.Sprintf("ALTER TABLE %s ADD COLUMN %s %s", table, col.name, col.ddl)
			if _, err := s.db.Exec(stmt); err != nil {
				return fmt.Errorf("migrate %s: add column %s: %w", table, col.name, err)
			}
		}
	}
	return nil
}

func (s *Store) existingColumns(table string) (map[string]bool, error) {
	rows, err := s.db.Query(fmt.Sprintf("PRAGMA table_info(%s)", table))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	cols := make(map[string]bool)
	for rows.Next() {
		var (
			cid        int
			name       string
			colType    string
			notNull    int
			defaultVal any
			pk         int
		)
		if err := rows.Scan(&cid, &name, &colType, &notNull, &defaultVal, &pk); err != nil {
			return nil, err
		}
		cols[name] = true
	}
	return cols, rows.Err()
}
