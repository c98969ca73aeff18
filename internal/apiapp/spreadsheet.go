package apiapp

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"net/http"
	"path/filepath"
	"strings"
	"time"

	"github.com/extrame/xls"
	"github.com/xuri/excelize/v2"

	"github.com/phillip-england/minedesk/internal/records"
)

const xlsxContentType = "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"

type importFailure struct {
	Row   int    `json:"row"`
	Error string `json:"error"`
}

func (s *server) exportRecords(w http.ResponseWriter, r *http.Request, c records.Collection) {
	t := tenantFromContext(r.Context())
	rows, err := s.store.ListRecords(r.Context(), c, t.ID)
	if err != nil {
		s.log.Error("export records failed", "collection", c.Name, "err", err)
		writeError(w, http.StatusInternalServerError, "unable to load "+c.Name)
		return
	}

	data, err := buildWorkbook(c, rows)
	if err != nil {
		s.log.Error("build workbook failed", "collection", c.Name, "err", err)
		writeError(w, http.StatusInternalServerError, "unable to build export")
		return
	}

	filename := fmt.Sprintf("%s-%s.xlsx", c.Name, time.Now().UTC().Format("20060102"))
	w.Header().Set("Content-Type", xlsxContentType)
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", filename))
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(data)
}

// buildWorkbook writes one sheet with a header row of field labels and one
// row per record, references shown by label.
func buildWorkbook(c records.Collection, rows []records.Row) ([]byte, error) {
	f := excelize.NewFile()
	defer func() { _ = f.Close() }()

	sheet := c.Title
	if err := f.SetSheetName(f.GetSheetName(0), sheet); err != nil {
		return nil, err
	}

	header := make([]any, len(c.Fields))
	for i, field := range c.Fields {
		header[i] = field.Label
	}
	if err := f.SetSheetRow(sheet, "A1", &header); err != nil {
		return nil, err
	}
	bold, err := f.NewStyle(&excelize.Style{Font: &excelize.Font{Bold: true}})
	if err != nil {
		return nil, err
	}
	lastCol, err := excelize.ColumnNumberToName(len(c.Fields))
	if err != nil {
		return nil, err
	}
	if err := f.SetCellStyle(sheet, "A1", lastCol+"1", bold); err != nil {
		return nil, err
	}

	for i, row := range rows {
		cells := make([]any, len(c.Fields))
		for j, field := range c.Fields {
			if v, ok := row.Values[field.Name].(float64); ok && field.Kind == records.KindNumber {
				cells[j] = v
				continue
			}
			cells[j] = row.Display(field)
		}
		cell, err := excelize.CoordinatesToCellName(1, i+2)
		if err != nil {
			return nil, err
		}
		if err := f.SetSheetRow(sheet, cell, &cells); err != nil {
			return nil, err
		}
	}

	buf, err := f.WriteToBuffer()
	if err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (s *server) importRecords(w http.ResponseWriter, r *http.Request, c records.Collection) {
	r.Body = http.MaxBytesReader(w, r.Body, maxImportBytes)
	file, header, err := r.FormFile("file")
	if err != nil {
		writeError(w, http.StatusBadRequest, "spreadsheet file is required")
		return
	}
	defer file.Close()

	rows, err := readRowsFromSpreadsheet(file, header.Filename)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	inputs, err := mapSpreadsheetRows(c, rows)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	t := tenantFromContext(r.Context())
	labels, err := s.referenceLabels(r, c, t.ID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "unable to load references")
		return
	}

	added := 0
	failures := []importFailure{}
	for i, input := range inputs {
		for name, byLabel := range labels {
			if id, ok := byLabel[strings.ToLower(strings.TrimSpace(input[name]))]; ok {
				input[name] = id
			}
		}
		values, err := records.Coerce(c, input)
		if err == nil {
			_, err = s.store.CreateRecord(r.Context(), c, t.ID, values)
		}
		if err != nil {
			if !errors.Is(err, records.ErrInvalidValue) {
				s.log.Error("import row failed", "collection", c.Name, "err", err)
			}
			failures = append(failures, importFailure{Row: i + 2, Error: err.Error()})
			continue
		}
		added++
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"message": c.Title + " imported",
		"added":   added,
		"failed":  failures,
	})
}

// referenceLabels maps, per reference field, lowercased labels of the
// referenced rows to their ids.
func (s *server) referenceLabels(r *http.Request, c records.Collection, companyID string) (map[string]map[string]string, error) {
	out := map[string]map[string]string{}
	for _, f := range c.Fields {
		if f.Kind != records.KindRef {
			continue
		}
		ref, err := records.Lookup(f.Ref)
		if err != nil {
			continue
		}
		rows, err := s.store.ListRecords(r.Context(), ref, companyID)
		if err != nil {
			return nil, err
		}
		byLabel := map[string]string{}
		for _, row := range rows {
			label, _ := row.Values[ref.LabelField].(string)
			if label != "" {
				byLabel[strings.ToLower(label)] = row.ID
			}
		}
		out[f.Name] = byLabel
	}
	return out, nil
}

// mapSpreadsheetRows matches header cells to fields by label or by column
// name and returns one input map per non-empty data row.
func mapSpreadsheetRows(c records.Collection, rows [][]string) ([]map[string]string, error) {
	headerIndex := map[string]int{}
	for i, h := range rows[0] {
		headerIndex[normalizeHeader(h)] = i
	}

	columns := map[string]int{}
	for _, f := range c.Fields {
		if idx, ok := headerIndex[normalizeHeader(f.Label)]; ok {
			columns[f.Name] = idx
		} else if idx, ok := headerIndex[normalizeHeader(f.Name)]; ok {
			columns[f.Name] = idx
		} else if f.Required {
			return nil, fmt.Errorf("missing required column: %s", strings.ToLower(f.Label))
		}
	}
	if len(columns) == 0 {
		return nil, errors.New("no recognizable columns in header row")
	}

	var out []map[string]string
	for _, row := range rows[1:] {
		input := map[string]string{}
		empty := true
		for name, idx := range columns {
			v := cellValue(row, idx)
			if v != "" {
				empty = false
			}
			input[name] = v
		}
		if !empty {
			out = append(out, input)
		}
	}
	return out, nil
}

func readRowsFromSpreadsheet(reader io.Reader, filename string) ([][]string, error) {
	data, err := io.ReadAll(reader)
	if err != nil {
		return nil, err
	}

	ext := strings.ToLower(filepath.Ext(filename))
	switch ext {
	case ".xls":
		workbook, err := xls.OpenReader(bytes.NewReader(data), "utf-8")
		if err != nil {
			return nil, err
		}
		if workbook.NumSheets() == 0 {
			return nil, errors.New("no worksheet found")
		}
		if workbook.NumSheets() > 1 {
			return nil, errors.New("multiple worksheets found; please upload a file with a single sheet")
		}
		rows := workbook.ReadAllCells(100000)
		if len(rows) == 0 {
			return nil, errors.New("worksheet is empty")
		}
		return rows, nil
	case ".xlsx":
		file, err := excelize.OpenReader(bytes.NewReader(data))
		if err != nil {
			return nil, err
		}
		defer func() { _ = file.Close() }()

		sheetName := file.GetSheetName(0)
		if sheetName == "" {
			return nil, errors.New("no worksheet found")
		}
		rows, err := file.GetRows(sheetName)
		if err != nil {
			return nil, err
		}
		if len(rows) == 0 {
			return nil, errors.New("worksheet is empty")
		}
		return rows, nil
	default:
		return nil, fmt.Errorf("unsupported file type %q; upload .xlsx or .xls", ext)
	}
}

func normalizeHeader(header string) string {
	return strings.ToLower(strings.Join(strings.Fields(strings.ReplaceAll(header, "_", " ")), " "))
}

func cellValue(row []string, idx int) string {
	if idx < 0 || idx >= len(row) {
		return ""
	}
	return strings.TrimSpace(row[idx])
}
