package store

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/tkleisas/forge/pkg/models"
)

// IndexFile atomically replaces a file's symbols and references with a
// freshly-scanned set, and upserts its file metadata row:
// delete-then-insert inside a
// single transaction so a reader never observes a half-updated file.
func (s *Store) IndexFile(ctx context.Context, path string, content []byte, language string, symbols []models.CodeSymbol, refs []models.Reference) error {
	checksum := sha256.Sum256(content)

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin index transaction: %w", err)
	}
	defer func() {
		if err := tx.Rollback(); err != nil && !errors.Is(err, sql.ErrTxDone) {
			_ = err
		}
	}()

	if _, err := tx.ExecContext(ctx, `DELETE FROM "references" WHERE file_path = ?`, path); err != nil {
		return fmt.Errorf("clear references for %s: %w", path, err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM symbols WHERE file_path = ?`, path); err != nil {
		return fmt.Errorf("clear symbols for %s: %w", path, err)
	}

	for i := range symbols {
		sym := &symbols[i]
		if sym.ID == "" {
			sym.ID = uuid.NewString()
		}
		sym.FilePath = path
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO symbols (id, file_path, name, kind, start_line, end_line, signature)
			VALUES (?, ?, ?, ?, ?, ?, ?)
		`, sym.ID, sym.FilePath, sym.Name, string(sym.Kind), sym.StartLine, sym.EndLine, sym.Signature); err != nil {
			return fmt.Errorf("insert symbol %s: %w", sym.Name, err)
		}
	}

	for i := range refs {
		ref := &refs[i]
		if ref.ID == "" {
			ref.ID = uuid.NewString()
		}
		ref.FilePath = path
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO "references" (id, symbol_id, file_path, line) VALUES (?, ?, ?, ?)
		`, ref.ID, ref.SymbolID, ref.FilePath, ref.Line); err != nil {
			return fmt.Errorf("insert reference in %s: %w", path, err)
		}
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO files (path, language, size, checksum, indexed_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(path) DO UPDATE SET language = excluded.language, size = excluded.size,
			checksum = excluded.checksum, indexed_at = excluded.indexed_at
	`, path, language, len(content), hex.EncodeToString(checksum[:]), time.Now()); err != nil {
		return fmt.Errorf("upsert file metadata for %s: %w", path, err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit index transaction: %w", err)
	}
	return nil
}

// FileChecksum returns the indexed checksum for path, or "" if it has never
// been indexed. Callers use this to skip re-indexing unchanged files.
func (s *Store) FileChecksum(ctx context.Context, path string) (string, error) {
	var checksum string
	err := s.db.QueryRowContext(ctx, `SELECT checksum FROM files WHERE path = ?`, path).Scan(&checksum)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("query file checksum: %w", err)
	}
	return checksum, nil
}

// DeleteFile removes a file's symbols, references, and metadata row, for
// when a file is deleted from the workspace.
func (s *Store) DeleteFile(ctx context.Context, path string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin delete-file transaction: %w", err)
	}
	defer func() {
		if err := tx.Rollback(); err != nil && !errors.Is(err, sql.ErrTxDone) {
			_ = err
		}
	}()

	if _, err := tx.ExecContext(ctx, `DELETE FROM "references" WHERE file_path = ?`, path); err != nil {
		return fmt.Errorf("delete references for %s: %w", path, err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM symbols WHERE file_path = ?`, path); err != nil {
		return fmt.Errorf("delete symbols for %s: %w", path, err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM files WHERE path = ?`, path); err != nil {
		return fmt.Errorf("delete file metadata for %s: %w", path, err)
	}

	return tx.Commit()
}

// SymbolsByName returns symbols whose name contains substr.
func (s *Store) SymbolsByName(ctx context.Context, substr string) ([]models.CodeSymbol, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, file_path, name, kind, start_line, end_line, signature
		FROM symbols WHERE name LIKE ? ORDER BY file_path, start_line
	`, "%"+substr+"%")
	if err != nil {
		return nil, fmt.Errorf("query symbols by name: %w", err)
	}
	defer rows.Close()
	return scanSymbols(rows)
}

// SymbolsByFile returns every symbol declared in path, in declaration order.
func (s *Store) SymbolsByFile(ctx context.Context, path string) ([]models.CodeSymbol, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, file_path, name, kind, start_line, end_line, signature
		FROM symbols WHERE file_path = ? ORDER BY start_line
	`, path)
	if err != nil {
		return nil, fmt.Errorf("query symbols by file: %w", err)
	}
	defer rows.Close()
	return scanSymbols(rows)
}

func scanSymbols(rows *sql.Rows) ([]models.CodeSymbol, error) {
	var out []models.CodeSymbol
	for rows.Next() {
		var sym models.CodeSymbol
		var kind, signature sql.NullString
		if err := rows.Scan(&sym.ID, &sym.FilePath, &sym.Name, &kind, &sym.StartLine, &sym.EndLine, &signature); err != nil {
			return nil, fmt.Errorf("scan symbol: %w", err)
		}
		sym.Kind = models.SymbolKind(kind.String)
		sym.Signature = signature.String
		out = append(out, sym)
	}
	return out, rows.Err()
}

// ReferencesTo returns every reference recorded against symbolID.
func (s *Store) ReferencesTo(ctx context.Context, symbolID string) ([]models.Reference, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, symbol_id, file_path, line FROM "references" WHERE symbol_id = ? ORDER BY file_path, line
	`, symbolID)
	if err != nil {
		return nil, fmt.Errorf("query references: %w", err)
	}
	defer rows.Close()

	var out []models.Reference
	for rows.Next() {
		var ref models.Reference
		if err := rows.Scan(&ref.ID, &ref.SymbolID, &ref.FilePath, &ref.Line); err != nil {
			return nil, fmt.Errorf("scan reference: %w", err)
		}
		out = append(out, ref)
	}
	return out, rows.Err()
}
