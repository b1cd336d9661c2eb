package store

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"os"
	"time"
)

// maxReindexBytes caps how large a file the background reindexer will scan.
// The line-oriented scanner degrades on generated megabyte blobs anyway.
const maxReindexBytes = 1 << 20

// reindexTimeout bounds one background reindex against a busy database.
const reindexTimeout = 30 * time.Second

// ReindexFile re-scans path and refreshes its symbol rows, skipping files
// whose extension is not indexable or whose content hash matches the
// recorded one. It satisfies the file tools' fire-and-forget indexer hook,
// so it is best-effort: any failure leaves the previous index intact and is
// not reported.
func (s *Store) ReindexFile(path string) {
	language := LanguageForPath(path)
	if language == "" {
		return
	}
	content, err := os.ReadFile(path)
	if err != nil || len(content) > maxReindexBytes {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), reindexTimeout)
	defer cancel()

	sum := sha256.Sum256(content)
	recorded, err := s.FileChecksum(ctx, path)
	if err != nil {
		return
	}
	if recorded != "" && recorded == hex.EncodeToString(sum[:]) {
		return
	}

	symbols := ScanDeclarations(path, content)
	_ = s.IndexFile(ctx, path, content, language, symbols, nil)
}
