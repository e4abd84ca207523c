// Package sniffer inspects uploaded marketplace reports.
// It tells spreadsheets from delimited text, finds the delimiter and header row of
// text exports, and fingerprints header layouts so channels can be recognised.
package sniffer

import (
	"bytes"
	"crypto/sha256"
	"encoding/csv"
	"encoding/hex"
	"errors"
	"path/filepath"
	"strings"
	"unicode"
	"unicode/utf8"

	"golang.org/x/text/encoding/charmap"
)

// FileKind is the physical container of an uploaded report.
type FileKind string

const (
	KindUnknown       FileKind = ""
	KindDelimitedText FileKind = "delimited_text"
	KindSpreadsheet   FileKind = "spreadsheet"
)

// SpreadsheetFormat distinguishes the two spreadsheet containers we can read.
type SpreadsheetFormat string

const (
	FormatXLSX SpreadsheetFormat = "xlsx"
	FormatXLS  SpreadsheetFormat = "xls"
)

var (
	zipMagic = []byte("PK\x03\x04")
	oleMagic = []byte{0xD0, 0xCF, 0x11, 0xE0, 0xA1, 0xB1, 0x1A, 0xE1}
)

// Header keywords seen in marketplace exports (pt-BR and en).
var headerKeywords = []string{
	"data", "date", "pedido", "order", "venda", "sku", "produto", "product",
	"descrição", "descricao", "description", "valor", "amount", "total",
	"tarifa", "taxa", "comissão", "comissao", "fee", "commission",
	"imposto", "tax", "líquido", "liquido", "net", "bruto", "gross",
	"quantidade", "unidades", "quantity", "status", "estado", "tipo", "type",
	"settlement", "posted",
}

// FileConfig holds the detected configuration for a delimited text file
type FileConfig struct {
	Delimiter   rune       // The field delimiter (';', ',', '\t', '|')
	SkipLines   int        // Number of metadata lines before headers
	Headers     []string   // Detected header names
	Fingerprint string     // SHA256 hash of normalized headers
}

var (
	ErrEmptyFile        = errors.New("file is empty")
	ErrNoHeadersFound   = errors.New("could not find data headers")
	ErrInvalidDelimiter = errors.New("could not detect valid delimiter")
	ErrBinaryContent    = errors.New("file is neither a spreadsheet nor text")
)

// DetectKind classifies raw upload bytes by magic number, falling back to a
// text heuristic. The filename extension only disambiguates ZIP containers.
func DetectKind(filename string, data []byte) (FileKind, SpreadsheetFormat, error) {
	if len(bytes.TrimSpace(data)) == 0 {
		return KindUnknown, "", ErrEmptyFile
	}

	switch {
	case bytes.HasPrefix(data, oleMagic):
		return KindSpreadsheet, FormatXLS, nil
	case bytes.HasPrefix(data, zipMagic):
		ext := strings.ToLower(filepath.Ext(filename))
		if ext == "" || ext == ".xlsx" || ext == ".xlsm" {
			return KindSpreadsheet, FormatXLSX, nil
		}
		return KindUnknown, "", ErrBinaryContent
	}

	if looksLikeText(data) {
		return KindDelimitedText, "", nil
	}
	return KindUnknown, "", ErrBinaryContent
}

// looksLikeText rejects content with NUL bytes or a high share of control characters.
func looksLikeText(data []byte) bool {
	sample := data
	if len(sample) > 8192 {
		sample = sample[:8192]
	}
	if bytes.IndexByte(sample, 0) >= 0 {
		return false
	}
	control := 0
	for _, b := range sample {
		if b < 0x20 && b != '\n' && b != '\r' && b != '\t' {
			control++
		}
	}
	return control*100 <= len(sample)
}

// Normalize strips a UTF-8 BOM and decodes Windows-1252 exports to UTF-8.
func Normalize(data []byte) []byte {
	data = bytes.TrimPrefix(data, []byte("\xEF\xBB\xBF"))
	if utf8.Valid(data) {
		return data
	}
	decoded, err := charmap.Windows1252.NewDecoder().Bytes(data)
	if err != nil {
		return data
	}
	return decoded
}

// DetectConfig analyzes a delimited text file and returns its configuration
func DetectConfig(data []byte) (*FileConfig, error) {
	if len(bytes.TrimSpace(data)) == 0 {
		return nil, ErrEmptyFile
	}

	lines := strings.Split(string(data), "\n")
	delimiter, skipLines, err := findHeaderRow(lines)
	if err != nil {
		return nil, err
	}

	headerLine := cleanLine(lines[skipLines], skipLines == 0)
	reader := csv.NewReader(strings.NewReader(headerLine))
	reader.Comma = delimiter
	reader.LazyQuotes = true

	headers, err := reader.Read()
	if err != nil {
		return nil, err
	}

	for i, h := range headers {
		headers[i] = strings.TrimSpace(h)
	}

	return &FileConfig{
		Delimiter:   delimiter,
		SkipLines:   skipLines,
		Headers:     headers,
		Fingerprint: Fingerprint(headers),
	}, nil
}

// FindHeaderRow scans already-split spreadsheet rows for the most header-like row.
// It returns the row index or -1 when no row has at least two non-empty cells.
func FindHeaderRow(rows [][]string) int {
	best, bestScore := -1, 0
	for i, row := range rows {
		if i > 20 {
			break
		}
		filled, keywords := 0, 0
		for _, cell := range row {
			c := strings.ToLower(strings.TrimSpace(cell))
			if c == "" {
				continue
			}
			filled++
			for _, kw := range headerKeywords {
				if strings.Contains(c, kw) {
					keywords++
					break
				}
			}
		}
		if filled < 2 {
			continue
		}
		score := keywords*10 + filled
		if score > bestScore {
			best, bestScore = i, score
		}
	}
	return best
}

// findHeaderRow locates the header row and its delimiter
func findHeaderRow(lines []string) (rune, int, error) {
	// Best candidate among lines with no keywords (fallback)
	fallbackIndex := -1
	fallbackDelimiter := rune(0)
	fallbackCount := 0

	// Best candidate among lines WITH keywords (preferred)
	keywordIndex := -1
	keywordDelimiter := rune(0)
	keywordScore := 0
	keywordCount := 0

	for i, line := range lines {
		if i > 20 {
			break
		}

		line = cleanLine(line, i == 0)
		if line == "" {
			continue
		}
		lineLower := strings.ToLower(line)

		delimiter, count := detectDelimiter(line)
		if count < 1 {
			continue
		}

		keywordMatches := 0
		for _, kw := range headerKeywords {
			if strings.Contains(lineLower, kw) {
				keywordMatches++
			}
		}

		if keywordMatches > 0 {
			// Real headers have many columns; metadata preambles have few.
			score := count*10 + keywordMatches
			if keywordIndex == -1 || score > keywordScore {
				keywordScore = score
				keywordCount = count
				keywordDelimiter = delimiter
				keywordIndex = i
			}
		} else if count > fallbackCount {
			fallbackCount = count
			fallbackDelimiter = delimiter
			fallbackIndex = i
		}
	}

	if keywordIndex >= 0 && keywordCount >= 1 {
		return keywordDelimiter, keywordIndex, nil
	}

	if fallbackCount >= 2 {
		return fallbackDelimiter, fallbackIndex, nil
	}

	return 0, 0, ErrNoHeadersFound
}

func cleanLine(line string, firstLine bool) string {
	line = strings.TrimRight(line, "\r")
	if firstLine {
		line = strings.TrimPrefix(line, "\uFEFF")
	}
	return strings.TrimSpace(line)
}

func detectDelimiter(line string) (rune, int) {
	delimiters := []rune{';', '\t', ',', '|'}
	bestDelimiter := rune(0)
	bestCount := 0
	for _, d := range delimiters {
		count := strings.Count(line, string(d))
		if count > bestCount {
			bestCount = count
			bestDelimiter = d
		}
	}
	return bestDelimiter, bestCount
}

// Fingerprint creates a stable hash from header names, ignoring case and punctuation.
func Fingerprint(headers []string) string {
	var normalized []string
	for _, h := range headers {
		clean := strings.Map(func(r rune) rune {
			if unicode.IsLetter(r) || unicode.IsDigit(r) {
				return unicode.ToLower(r)
			}
			return -1
		}, h)
		if clean != "" {
			normalized = append(normalized, clean)
		}
	}

	hash := sha256.Sum256([]byte(strings.Join(normalized, "|")))
	return hex.EncodeToString(hash[:])
}
