package store

import (
	"context"
	"os"
	"path/filepath"
	"testing"
)

func TestReindexFileScansIndexableSource(t *testing.T) {
	st := newTestStore(t)

	dir := t.TempDir()
	path := filepath.Join(dir, "greeter.go")
	source := "package greeter\n\nfunc Hello(name string) string {\n\treturn name\n}\n"
	if err := os.WriteFile(path, []byte(source), 0o644); err != nil {
		t.Fatalf("seed file: %v", err)
	}

	st.ReindexFile(path)

	symbols, err := st.SymbolsByFile(context.Background(), path)
	if err != nil {
		t.Fatalf("symbols by file: %v", err)
	}
	if len(symbols) == 0 {
		t.Fatal("expected at least one symbol after reindex")
	}

	checksum, err := st.FileChecksum(context.Background(), path)
	if err != nil {
		t.Fatalf("file checksum: %v", err)
	}
	if checksum == "" {
		t.Fatal("expected file metadata recorded after reindex")
	}

	// Unchanged content is a no-op: the recorded checksum stays put.
	st.ReindexFile(path)
	again, err := st.FileChecksum(context.Background(), path)
	if err != nil {
		t.Fatalf("file checksum: %v", err)
	}
	if again != checksum {
		t.Fatalf("checksum changed on unchanged reindex: %q vs %q", again, checksum)
	}
}

func TestReindexFileIgnoresNonIndexableExtensions(t *testing.T) {
	st := newTestStore(t)

	dir := t.TempDir()
	path := filepath.Join(dir, "notes.bin")
	if err := os.WriteFile(path, []byte{0x00, 0x01}, 0o644); err != nil {
		t.Fatalf("seed file: %v", err)
	}

	st.ReindexFile(path)

	checksum, err := st.FileChecksum(context.Background(), path)
	if err != nil {
		t.Fatalf("file checksum: %v", err)
	}
	if checksum != "" {
		t.Fatal("non-indexable file must not be recorded")
	}
}

func TestReindexFileMissingFileIsNoOp(t *testing.T) {
	st := newTestStore(t)
	st.ReindexFile(filepath.Join(t.TempDir(), "vanished.go"))
}
