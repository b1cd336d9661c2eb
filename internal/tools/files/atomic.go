package files

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/tkleisas/forge/pkg/models"
)

// atomicWriteOptions configures atomicWrite's behavior.
type atomicWriteOptions struct {
	ExpectedHash            string
	CreateIntermediateDirs  bool
	Backup                  bool
	MaxBytes                int64
	WarnBytes               int64
}

// atomicWriteResult reports what atomicWrite did.
type atomicWriteResult struct {
	NewHash      string
	PreviousHash string
	LineCount    int
	BackupPath   string
	SizeWarning  bool
}

// atomicWriteError carries a structured error code alongside a message, so
// callers can build the tool_exec retry-classification-friendly ErrorCode
// without string-sniffing.
type atomicWriteError struct {
	Code    models.ErrorCode
	Message string
	Extra   map[string]string
}

func (e *atomicWriteError) Error() string { return e.Message }

// atomicWrite performs checksum preflight, unique
// sibling temp file, read-back verification, timestamped backup, atomic
// rename, and restore-on-failure. Grounded on write.go's WriteTool shape,
// generalized from a direct os.OpenFile/WriteString into the full
// write-verify-swap sequence.
func atomicWrite(path string, content []byte, opts atomicWriteOptions) (*atomicWriteResult, error) {
	if opts.MaxBytes <= 0 {
		opts.MaxBytes = 10 << 20
	}
	if opts.WarnBytes <= 0 {
		opts.WarnBytes = 6 << 10
	}
	if int64(len(content)) > opts.MaxBytes {
		return nil, &atomicWriteError{
			Code:    models.ErrCodeSizeLimitExceeded,
			Message: fmt.Sprintf("content size %d exceeds maximum %d bytes", len(content), opts.MaxBytes),
		}
	}

	existing, readErr := os.ReadFile(path)
	exists := readErr == nil
	previousHash := ""
	if exists {
		previousHash = hashBytes(existing)
	}

	if opts.ExpectedHash != "" && exists && opts.ExpectedHash != previousHash {
		return nil, &atomicWriteError{
			Code:    models.ErrCodeChecksumMismatch,
			Message: "checksum_mismatch",
			Extra:   map[string]string{"expected_sha256": opts.ExpectedHash, "actual_sha256": previousHash},
		}
	}

	dir := filepath.Dir(path)
	if _, err := os.Stat(dir); err != nil {
		if !opts.CreateIntermediateDirs {
			return nil, &atomicWriteError{Code: models.ErrCodeDirectoryNotFound, Message: fmt.Sprintf("directory %s does not exist", dir)}
		}
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, &atomicWriteError{Code: models.ErrCodeInternal, Message: fmt.Sprintf("create directory: %v", err)}
		}
	}

	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".tmp-*")
	if err != nil {
		return nil, &atomicWriteError{Code: models.ErrCodeInternal, Message: fmt.Sprintf("create temp file: %v", err)}
	}
	tmpPath := tmp.Name()
	cleanupTmp := func() { _ = os.Remove(tmpPath) }

	if _, err := tmp.Write(content); err != nil {
		tmp.Close()
		cleanupTmp()
		return nil, &atomicWriteError{Code: models.ErrCodeInternal, Message: fmt.Sprintf("write temp file: %v", err)}
	}
	if err := tmp.Close(); err != nil {
		cleanupTmp()
		return nil, &atomicWriteError{Code: models.ErrCodeInternal, Message: fmt.Sprintf("close temp file: %v", err)}
	}

	readBack, err := os.ReadFile(tmpPath)
	if err != nil || !bytesEqual(readBack, content) {
		cleanupTmp()
		return nil, &atomicWriteError{Code: models.ErrCodeInternal, Message: "write verification failed"}
	}

	backupPath := ""
	if exists && opts.Backup {
		backupPath = fmt.Sprintf("%s.bak.%d", path, time.Now().UnixNano())
		if err := copyFile(path, backupPath); err != nil {
			cleanupTmp()
			return nil, &atomicWriteError{Code: models.ErrCodeInternal, Message: fmt.Sprintf("create backup: %v", err)}
		}
	}

	if err := os.Rename(tmpPath, path); err != nil {
		if backupPath != "" {
			if restoreErr := copyFile(backupPath, path); restoreErr != nil {
				cleanupTmp()
				return nil, &atomicWriteError{Code: models.ErrCodeInternal, Message: fmt.Sprintf("write_failed_restore_failed: rename: %v; restore: %v", err, restoreErr)}
			}
			cleanupTmp()
			return nil, &atomicWriteError{Code: models.ErrCodeInternal, Message: fmt.Sprintf("write_failed_restored: %v", err)}
		}
		cleanupTmp()
		return nil, &atomicWriteError{Code: models.ErrCodeInternal, Message: fmt.Sprintf("rename temp file: %v", err)}
	}

	return &atomicWriteResult{
		NewHash:      hashBytes(content),
		PreviousHash: previousHash,
		LineCount:    lineCount(content),
		BackupPath:   backupPath,
		SizeWarning:  int64(len(content)) > opts.WarnBytes,
	}, nil
}

func hashBytes(b []byte) string {
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}

func bytesEqual(a, b []byte) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// lineCount counts newline-separated segments, so content with a trailing
// newline still reports the final empty line ("HELLO WORLD\n" is 2 lines).
func lineCount(b []byte) int {
	if len(b) == 0 {
		return 0
	}
	return strings.Count(string(b), "\n") + 1
}

func copyFile(src, dst string) error {
	data, err := os.ReadFile(src)
	if err != nil {
		return err
	}
	return os.WriteFile(dst, data, 0o644)
}
