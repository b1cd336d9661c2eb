package store

import (
	"bufio"
	"bytes"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/tkleisas/forge/pkg/models"
)

// Code indexing needs a symbol extractor, and this package deliberately has
// no code-intelligence package to ground one on: its rag/parser packages
// parse prose documents (markdown, frontmatter), not source declarations.
// A line-oriented regexp.Scanner, in the same style as
// rag/parser/markdown/parser.go's heading/frontmatter extraction, is the
// smallest thing that can recognize top-level declarations across the
// handful of languages a workspace is likely to contain; it is
// intentionally not a real parser and keeps no AST.
var declPatterns = []struct {
	kind models.SymbolKind
	re   *regexp.Regexp
}{
	{models.SymbolFunction, regexp.MustCompile(`^func\s+(?:\([^)]*\)\s+)?([A-Za-z_][A-Za-z0-9_]*)\s*\(`)},
	{models.SymbolType, regexp.MustCompile(`^type\s+([A-Za-z_][A-Za-z0-9_]*)\s+(?:struct|interface)\b`)},
	{models.SymbolType, regexp.MustCompile(`^(?:export\s+)?(?:default\s+)?class\s+([A-Za-z_][A-Za-z0-9_]*)`)},
	{models.SymbolFunction, regexp.MustCompile(`^(?:export\s+)?(?:async\s+)?function\s+([A-Za-z_][A-Za-z0-9_]*)\s*\(`)},
	{models.SymbolFunction, regexp.MustCompile(`^\s*def\s+([A-Za-z_][A-Za-z0-9_]*)\s*\(`)},
	{models.SymbolConst, regexp.MustCompile(`^const\s+([A-Za-z_][A-Za-z0-9_]*)\s*=`)},
	{models.SymbolVar, regexp.MustCompile(`^var\s+([A-Za-z_][A-Za-z0-9_]*)\s`)},
}

var languageByExt = map[string]string{
	".go":   "go",
	".ts":   "typescript",
	".tsx":  "typescript",
	".js":   "javascript",
	".jsx":  "javascript",
	".py":   "python",
	".rs":   "rust",
	".java": "java",
}

// LanguageForPath guesses a file's language from its extension, defaulting
// to "" for anything unrecognized (still indexed, just with no declarations
// extracted).
func LanguageForPath(path string) string {
	return languageByExt[strings.ToLower(filepath.Ext(path))]
}

// ScanDeclarations extracts top-level function, type, const, and var
// declarations from content using the matching language's pattern table.
// It is a best-effort line scanner, not a parser: nested, multi-line, or
// unusually formatted declarations are simply not seen. End line is
// approximated as the declaration's own line; callers needing precise
// bodies should not rely on it.
func ScanDeclarations(path string, content []byte) []models.CodeSymbol {
	var symbols []models.CodeSymbol

	scanner := bufio.NewScanner(bytes.NewReader(content))
	scanner.Buffer(make([]byte, 0, 64*1024), 1<<20)

	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := scanner.Text()
		for _, p := range declPatterns {
			m := p.re.FindStringSubmatch(line)
			if m == nil {
				continue
			}
			symbols = append(symbols, models.CodeSymbol{
				FilePath:  path,
				Name:      m[1],
				Kind:      p.kind,
				StartLine: lineNo,
				EndLine:   lineNo,
				Signature: strings.TrimSpace(line),
			})
			break
		}
	}
	return symbols
}
