package sink

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/hashicorp/go-multierror"

	"docingest/internal/document"
)

// multiValueSep joins multi-valued fields into one CSV cell.
const multiValueSep = "|"

// CSVRow is the native form of a document for CSVSink.
type CSVRow struct {
	DocID  string
	File   string
	Values map[string]string
}

// csvFile wraps an opened CSV file with its writer and cached headers.
// All writes must respect the header order to keep column consistency.
type csvFile struct {
	file    *os.File
	writer  *csv.Writer
	headers []string
}

// CSVSink appends documents as CSV rows, one file per scanner (or
// "default.csv" when the document has none). The first row seen for a file
// fixes its header: every key of that row, sorted alphabetically. A later
// document carrying a column the header does not have is rejected as a
// document issue, so one odd document never costs the rest of its batch.
//
// It is meant for dry runs and audits, not as a search backend.
type CSVSink struct {
	outputDir string
	mu        sync.Mutex
	files     map[string]*csvFile
}

// NewCSVSink initialises a sink that writes CSV files under the given
// directory, creating the directory tree if it doesn't already exist.
func NewCSVSink(outputDir string) (*CSVSink, error) {
	if err := os.MkdirAll(outputDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create csv output directory: %w", err)
	}

	return &CSVSink{
		outputDir: outputDir,
		files:     make(map[string]*csvFile),
	}, nil
}

// Name returns "csv".
func (s *CSVSink) Name() string { return "csv" }

// Convert flattens the document into column values.
func (s *CSVSink) Convert(doc *document.Document) (*CSVRow, error) {
	if doc.ID == "" {
		return nil, NewDocumentError("", errors.New("document has no id"))
	}

	values := map[string]string{
		"id":        doc.ID,
		"operation": doc.Operation.String(),
	}
	for name, vals := range doc.Fields() {
		values[name] = strings.Join(vals, multiValueSep)
	}

	file := "default"
	if doc.ScannerName != "" {
		file = filepath.Base(doc.ScannerName)
	}
	return &CSVRow{DocID: doc.ID, File: file, Values: values}, nil
}

// BatchOperation writes every row or none: columns are checked for the whole
// batch before the first write.
func (s *CSVSink) BatchOperation(ctx context.Context, batch Batch[*CSVRow]) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rows := batch.Values()
	pending := make(map[string][]string)
	for _, row := range rows {
		headers := s.headersFor(row, pending)
		if err := checkColumns(headers, row); err != nil {
			return NewDocumentError(row.DocID, err)
		}
	}

	MarkAll(batch, document.StatusIndexing, "Writing batch of %d to %s", len(rows), s.outputDir)

	touched := make(map[*csvFile]struct{})
	for _, row := range rows {
		cf, err := s.write(row)
		if err != nil {
			return err
		}
		touched[cf] = struct{}{}
	}
	for cf := range touched {
		cf.writer.Flush()
		if err := cf.writer.Error(); err != nil {
			return fmt.Errorf("failed to flush %s: %w", cf.file.Name(), err)
		}
	}

	MarkAll(batch, document.StatusIndexed, "Written to %s", s.outputDir)
	return nil
}

// ExceptionIndicatesDocumentIssue is true only for column mismatches; file
// errors fail the whole batch.
func (s *CSVSink) ExceptionIndicatesDocumentIssue(err error) bool {
	return IsDocumentIssue(err)
}

// IndividualFallbackOperation writes the rows one by one.
func (s *CSVSink) IndividualFallbackOperation(ctx context.Context, batch Batch[*CSVRow], _ error) int {
	return ResendIndividually(ctx, s.Name(), batch, nil, func(ctx context.Context, doc *document.Document, row *CSVRow) error {
		s.mu.Lock()
		defer s.mu.Unlock()

		if err := checkColumns(s.headersFor(row, nil), row); err != nil {
			return NewDocumentError(row.DocID, err)
		}
		cf, err := s.write(row)
		if err != nil {
			return err
		}
		cf.writer.Flush()
		return cf.writer.Error()
	})
}

// PerDocFailLogging marks the document ERROR (or DEAD) and reports it.
func (s *CSVSink) PerDocFailLogging(ctx context.Context, err error, doc *document.Document) {
	FailDocument(ctx, s.Name(), err, doc)
}

// Close flushes and closes every open file.
func (s *CSVSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var result *multierror.Error
	for key, cf := range s.files {
		cf.writer.Flush()
		if err := cf.writer.Error(); err != nil {
			result = multierror.Append(result, err)
		}
		if err := cf.file.Close(); err != nil {
			result = multierror.Append(result, err)
		}
		delete(s.files, key)
	}
	return result.ErrorOrNil()
}

// headersFor returns the header a row will be written under. Files not yet
// opened take their header from an existing file on disk, then from rows seen
// earlier in the same batch (pending), then from this row.
func (s *CSVSink) headersFor(row *CSVRow, pending map[string][]string) []string {
	if cf, ok := s.files[row.File]; ok {
		return cf.headers
	}
	if h, ok := pending[row.File]; ok {
		return h
	}
	h, err := readHeaders(s.path(row.File))
	if err != nil || len(h) == 0 {
		h = extractHeaders(row.Values)
	}
	if pending != nil {
		pending[row.File] = h
	}
	return h
}

func (s *CSVSink) path(file string) string {
	return filepath.Join(s.outputDir, fmt.Sprintf("%s.csv", file))
}

// write appends the row, opening the file the first time it is seen.
func (s *CSVSink) write(row *CSVRow) (*csvFile, error) {
	cf, ok := s.files[row.File]
	if !ok {
		fp := s.path(row.File)

		// Determine whether file already exists (from a previous run).
		_, err := os.Stat(fp)
		exists := !os.IsNotExist(err)

		headers := extractHeaders(row.Values)
		if exists {
			if h, err := readHeaders(fp); err == nil && len(h) > 0 {
				headers = h
			}
		}

		f, err := os.OpenFile(fp, os.O_CREATE|os.O_RDWR|os.O_APPEND, 0o644)
		if err != nil {
			return nil, fmt.Errorf("failed to open csv file %s: %w", fp, err)
		}
		w := csv.NewWriter(f)

		if !exists {
			if err := w.Write(headers); err != nil {
				f.Close()
				return nil, fmt.Errorf("failed to write csv header for %s: %w", fp, err)
			}
		}

		cf = &csvFile{file: f, writer: w, headers: headers}
		s.files[row.File] = cf
	}

	record := make([]string, len(cf.headers))
	for i, key := range cf.headers {
		record[i] = row.Values[key]
	}
	if err := cf.writer.Write(record); err != nil {
		return nil, err
	}
	return cf, nil
}

func checkColumns(headers []string, row *CSVRow) error {
	known := make(map[string]struct{}, len(headers))
	for _, h := range headers {
		known[h] = struct{}{}
	}
	var extra []string
	for k := range row.Values {
		if _, ok := known[k]; !ok {
			extra = append(extra, k)
		}
	}
	if len(extra) > 0 {
		sort.Strings(extra)
		return fmt.Errorf("columns %v are not in the header of %s.csv", extra, row.File)
	}
	return nil
}

func readHeaders(fp string) ([]string, error) {
	f, err := os.Open(fp)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	h, err := csv.NewReader(f).Read()
	if err == io.EOF {
		return nil, nil
	}
	return h, err
}

// extractHeaders returns a deterministic, alphabetically-sorted slice of map
// keys which will be used as CSV columns.
func extractHeaders(values map[string]string) []string {
	headers := make([]string, 0, len(values))
	for k := range values {
		headers = append(headers, k)
	}
	sort.Strings(headers)
	return headers
}
