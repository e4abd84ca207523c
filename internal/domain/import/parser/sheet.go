package parser

import (
	"bytes"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/extrame/xls"
	"github.com/gocarina/gocsv"
	"github.com/xuri/excelize/v2"

	"github.com/FACorreiaa/marketplace-ledger/internal/domain/import/sniffer"
)

// Sheet is a report reduced to a header row and its data rows.
type Sheet struct {
	Name      string
	Kind      sniffer.FileKind
	Headers   []string
	Rows      [][]string
	HeaderRow int // 0-based position of the header in the source
}

// RowNumber returns the 1-based source row of data row i.
func (s *Sheet) RowNumber(i int) int {
	return s.HeaderRow + i + 2
}

// ReadDelimited loads a delimited text export. Encoding, delimiter and
// preamble lines are detected by the sniffer.
func ReadDelimited(name string, data []byte) (*Sheet, error) {
	data = sniffer.Normalize(data)
	cfg, err := sniffer.DetectConfig(data)
	if err != nil {
		return nil, err
	}

	lines := strings.Split(string(data), "\n")
	r := csv.NewReader(strings.NewReader(strings.Join(lines[cfg.SkipLines+1:], "\n")))
	r.Comma = cfg.Delimiter
	r.LazyQuotes = true
	r.FieldsPerRecord = -1

	records, err := r.ReadAll()
	if err != nil {
		return nil, fmt.Errorf("failed to read delimited rows: %w", err)
	}

	return &Sheet{
		Name:      name,
		Kind:      sniffer.KindDelimitedText,
		Headers:   trimCells(cfg.Headers),
		Rows:      trimRows(records, len(cfg.Headers)),
		HeaderRow: cfg.SkipLines,
	}, nil
}

// ReadXLSX loads the report sheet of an Office Open XML workbook.
func ReadXLSX(name string, r io.Reader) (*Sheet, error) {
	f, err := excelize.OpenReader(r)
	if err != nil {
		return nil, fmt.Errorf("failed to open xlsx workbook: %w", err)
	}
	defer f.Close()

	sheetName := findReportSheet(f.GetSheetList())
	if sheetName == "" {
		return nil, errors.New("workbook has no sheets")
	}

	rows, err := f.GetRows(sheetName)
	if err != nil {
		return nil, fmt.Errorf("failed to read sheet %s: %w", sheetName, err)
	}
	return sheetFromRows(name, rows)
}

// ReadXLS loads the report sheet of a legacy BIFF workbook.
func ReadXLS(name string, data []byte) (*Sheet, error) {
	wb, err := xls.OpenReader(bytes.NewReader(data), "utf-8")
	if err != nil {
		return nil, fmt.Errorf("failed to open xls workbook: %w", err)
	}

	names := make([]string, 0, wb.NumSheets())
	for i := 0; i < wb.NumSheets(); i++ {
		if ws := wb.GetSheet(i); ws != nil {
			names = append(names, ws.Name)
		}
	}
	picked := findReportSheet(names)
	if picked == "" {
		return nil, errors.New("workbook has no sheets")
	}

	var ws *xls.WorkSheet
	for i := 0; i < wb.NumSheets(); i++ {
		if s := wb.GetSheet(i); s != nil && s.Name == picked {
			ws = s
			break
		}
	}

	rows := make([][]string, 0, int(ws.MaxRow)+1)
	for i := 0; i <= int(ws.MaxRow); i++ {
		row := ws.Row(i)
		if row == nil {
			rows = append(rows, nil)
			continue
		}
		cells := make([]string, 0, row.LastCol())
		for j := 0; j < row.LastCol(); j++ {
			cells = append(cells, row.Col(j))
		}
		rows = append(rows, cells)
	}
	return sheetFromRows(name, rows)
}

func sheetFromRows(name string, rows [][]string) (*Sheet, error) {
	header := sniffer.FindHeaderRow(rows)
	if header < 0 {
		return nil, sniffer.ErrNoHeadersFound
	}
	headers := trimCells(rows[header])
	return &Sheet{
		Name:      name,
		Kind:      sniffer.KindSpreadsheet,
		Headers:   headers,
		Rows:      trimRows(rows[header+1:], len(headers)),
		HeaderRow: header,
	}, nil
}

// findReportSheet prefers sheets named like a sales report and falls back to the first one.
func findReportSheet(sheets []string) string {
	if len(sheets) == 0 {
		return ""
	}

	preferredNames := []string{
		"vendas", "pedidos", "orders", "relatório", "relatorio",
		"transactions", "transações", "extrato", "sheet1", "planilha1",
	}
	for _, preferred := range preferredNames {
		for _, sheet := range sheets {
			if strings.EqualFold(strings.TrimSpace(sheet), preferred) {
				return sheet
			}
		}
	}
	return sheets[0]
}

func trimCells(cells []string) []string {
	out := make([]string, len(cells))
	for i, c := range cells {
		out[i] = strings.TrimSpace(c)
	}
	return out
}

// trimRows trims every cell and pads short rows to width.
func trimRows(rows [][]string, width int) [][]string {
	out := make([][]string, len(rows))
	for i, row := range rows {
		n := max(len(row), width)
		cells := make([]string, n)
		for j, c := range row {
			cells[j] = strings.TrimSpace(c)
		}
		out[i] = cells
	}
	return out
}

// fitRow returns row cut or padded to exactly n cells.
func fitRow(row []string, n int) []string {
	if len(row) >= n {
		return row[:n:n]
	}
	out := make([]string, n)
	copy(out, row)
	return out
}

// normalizeHeader lower-cases a header and collapses its whitespace.
func normalizeHeader(h string) string {
	return strings.ToLower(strings.Join(strings.Fields(h), " "))
}

// sheetReader feeds an in-memory sheet to gocsv as a CSVReader.
type sheetReader struct {
	records [][]string
	pos     int
}

func (r *sheetReader) Read() ([]string, error) {
	if r.pos >= len(r.records) {
		return nil, io.EOF
	}
	rec := r.records[r.pos]
	r.pos++
	return rec, nil
}

func (r *sheetReader) ReadAll() ([][]string, error) {
	rest := r.records[r.pos:]
	r.pos = len(r.records)
	return rest, nil
}

// unmarshalRows decodes every data row into T using its csv struct tags.
// Tags are matched against normalized headers; repeated headers get a
// numeric suffix so gocsv does not reject them.
func unmarshalRows[T any](s *Sheet) ([]T, error) {
	seen := make(map[string]int, len(s.Headers))
	headers := make([]string, len(s.Headers))
	for i, h := range s.Headers {
		n := normalizeHeader(h)
		seen[n]++
		if seen[n] > 1 {
			n = n + " #" + strconv.Itoa(seen[n])
		}
		headers[i] = n
	}

	records := make([][]string, 0, len(s.Rows)+1)
	records = append(records, headers)
	for _, row := range s.Rows {
		records = append(records, fitRow(row, len(headers)))
	}

	var out []T
	if err := gocsv.UnmarshalCSV(&sheetReader{records: records}, &out); err != nil {
		return nil, fmt.Errorf("failed to decode rows: %w", err)
	}
	return out, nil
}
