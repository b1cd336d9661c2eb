package models

import "time"

// FileMetadata tracks the last-indexed state of a workspace file.
type FileMetadata struct {
	Path      string    `json:"path"`
	Language  string    `json:"language,omitempty"`
	Size      int64     `json:"size"`
	Checksum  string    `json:"checksum"`
	IndexedAt time.Time `json:"indexed_at"`
}

// SymbolKind classifies a CodeSymbol.
type SymbolKind string

const (
	SymbolFunction  SymbolKind = "function"
	SymbolMethod    SymbolKind = "method"
	SymbolType      SymbolKind = "type"
	SymbolConst     SymbolKind = "const"
	SymbolVar       SymbolKind = "var"
	SymbolInterface SymbolKind = "interface"
)

// CodeSymbol is a declaration extracted from a workspace file during
// indexing.
type CodeSymbol struct {
	ID        string     `json:"id"`
	FilePath  string     `json:"file_path"`
	Name      string     `json:"name"`
	Kind      SymbolKind `json:"kind"`
	StartLine int        `json:"start_line"`
	EndLine   int        `json:"end_line"`
	Signature string     `json:"signature,omitempty"`
}

// Reference links a symbol usage site back to the CodeSymbol it refers to.
type Reference struct {
	ID       string `json:"id"`
	SymbolID string `json:"symbol_id"`
	FilePath string `json:"file_path"`
	Line     int    `json:"line"`
}

// ContextEntryKind classifies a stored ContextEntry.
type ContextEntryKind string

const (
	ContextEntryNote      ContextEntryKind = "note"
	ContextEntrySummary   ContextEntryKind = "summary"
	ContextEntryDecision  ContextEntryKind = "decision"
)

// ContextEntry is a piece of durable, searchable context attached to a
// session or plan — distinct from the raw message transcript, used to carry
// forward distilled facts (summaries, decisions, notes) across agent runs.
type ContextEntry struct {
	ID        string           `json:"id"`
	SessionID string           `json:"session_id,omitempty"`
	PlanID    string           `json:"plan_id,omitempty"`
	Kind      ContextEntryKind `json:"kind"`
	Content   string           `json:"content"`
	CreatedAt time.Time        `json:"created_at"`
}
