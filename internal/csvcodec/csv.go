// Package csvcodec parses and serializes the delimited files the core
// exchanges with AutoPAC, Nestpick, and the material library. Unlike
// encoding/csv it tolerates a BOM, mixed CR/LF/CRLF line endings, and
// auto-detects the delimiter among comma, semicolon, and tab, which the
// artifacts this system reads are not guaranteed to use consistently.
//
// No library in the retrieved examples implements tolerant multi-delimiter
// CSV parsing (encoding/csv requires a single fixed delimiter and rejects
// ragged rows by default); this package is hand-rolled for that reason.
package csvcodec

import (
	"bytes"
	"strings"
	"unicode"
)

var candidateDelimiters = []rune{',', ';', '\t'}

// Table is a parsed CSV document.
type Table struct {
	Delimiter rune
	HasHeader bool
	Header    []string
	Rows      [][]string
}

// Parse parses raw bytes into a Table. It strips a UTF-8 BOM if present,
// normalizes CR/LF/CRLF, auto-detects the delimiter from the first
// non-empty line, and drops blank lines.
func Parse(data []byte) Table {
	data = bytes.TrimPrefix(data, []byte{0xEF, 0xBB, 0xBF})
	text := normalizeNewlines(string(data))
	lines := splitNonEmpty(text)

	var t Table
	if len(lines) == 0 {
		return t
	}
	t.Delimiter = detectDelimiter(lines[0])

	rows := make([][]string, 0, len(lines))
	for _, line := range lines {
		rows = append(rows, parseLine(line, t.Delimiter))
	}

	if len(rows) > 0 && rowLooksLikeHeader(rows[0]) {
		t.HasHeader = true
		t.Header = rows[0]
		t.Rows = rows[1:]
	} else {
		t.Rows = rows
	}
	return t
}

// Column returns the 0-based index of the first header cell matching any of
// names (case-insensitive), or -1 if the table has no header or no match.
func (t Table) Column(names ...string) int {
	if !t.HasHeader {
		return -1
	}
	for _, want := range names {
		for i, h := range t.Header {
			if strings.EqualFold(strings.TrimSpace(h), strings.TrimSpace(want)) {
				return i
			}
		}
	}
	return -1
}

// Cell safely returns row[col], or "" if out of range.
func Cell(row []string, col int) string {
	if col < 0 || col >= len(row) {
		return ""
	}
	return row[col]
}

func normalizeNewlines(s string) string {
	s = strings.ReplaceAll(s, "\r\n", "\n")
	s = strings.ReplaceAll(s, "\r", "\n")
	return s
}

func splitNonEmpty(s string) []string {
	raw := strings.Split(s, "\n")
	out := make([]string, 0, len(raw))
	for _, line := range raw {
		if strings.TrimSpace(line) == "" {
			continue
		}
		out = append(out, line)
	}
	return out
}

func detectDelimiter(line string) rune {
	best := candidateDelimiters[0]
	bestCount := -1
	for _, d := range candidateDelimiters {
		if c := strings.Count(line, string(d)); c > bestCount {
			bestCount = c
			best = d
		}
	}
	if bestCount <= 0 {
		return ','
	}
	return best
}

// parseLine splits one line on delim, honoring RFC-4180 double-quoted
// fields with "" escaping, and trims surrounding whitespace on each cell
// after quote removal.
func parseLine(line string, delim rune) []string {
	var fields []string
	var cur strings.Builder
	inQuotes := false
	runes := []rune(line)
	for i := 0; i < len(runes); i++ {
		r := runes[i]
		switch {
		case inQuotes:
			if r == '"' {
				if i+1 < len(runes) && runes[i+1] == '"' {
					cur.WriteRune('"')
					i++
				} else {
					inQuotes = false
				}
			} else {
				cur.WriteRune(r)
			}
		case r == '"' && cur.Len() == 0:
			inQuotes = true
		case r == delim:
			fields = append(fields, strings.TrimSpace(cur.String()))
			cur.Reset()
		default:
			cur.WriteRune(r)
		}
	}
	fields = append(fields, strings.TrimSpace(cur.String()))
	return fields
}

// rowLooksLikeHeader reports whether any cell contains a letter.
func rowLooksLikeHeader(row []string) bool {
	for _, cell := range row {
		for _, r := range cell {
			if unicode.IsLetter(r) {
				return true
			}
		}
	}
	return false
}

// Write serializes rows (with an optional header first) as comma-separated
// RFC-4180 text, quoting cells that contain the delimiter, a quote, or a
// newline, and terminates the document with a trailing newline.
func Write(header []string, rows [][]string) []byte {
	var buf bytes.Buffer
	if len(header) > 0 {
		writeRow(&buf, header)
	}
	for _, row := range rows {
		writeRow(&buf, row)
	}
	return buf.Bytes()
}

func writeRow(buf *bytes.Buffer, row []string) {
	for i, cell := range row {
		if i > 0 {
			buf.WriteByte(',')
		}
		buf.WriteString(quoteIfNeeded(cell))
	}
	buf.WriteByte('\n')
}

func quoteIfNeeded(cell string) string {
	if strings.ContainsAny(cell, ",\"\n\r") {
		return `"` + strings.ReplaceAll(cell, `"`, `""`) + `"`
	}
	return cell
}
