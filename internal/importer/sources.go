package importer

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"regexp"
	"strconv"
	"strings"

	"golang.org/x/text/encoding/unicode"
	"golang.org/x/text/transform"

	"github.com/JakeFAU/scopus-crawler/internal/crawler"
)

// Column headers of the upstream source list export.
const (
	ColumnSourceID       = "Sourcerecord ID"
	ColumnSourceName     = "Source Title (Medline-sourced journals are indicated in Green)"
	ColumnPrintISSN      = "Print-ISSN"
	ColumnElectronicISSN = "E-ISSN"
	ColumnClassification = "All Science Journal Classification Codes (ASJC)"
)

var codeSeparator = regexp.MustCompile(`[,;]`)

// SourceRow is one parsed row of the source list.
type SourceRow struct {
	Line   int
	Source crawler.Source
}

// RowError describes a row that could not be parsed.
type RowError struct {
	Line   int
	Reason string
}

func (e RowError) Error() string {
	return fmt.Sprintf("line %d: %s", e.Line, e.Reason)
}

// ReadSources parses the source list CSV. A leading UTF-8 byte order mark is
// tolerated. Rows without a usable source id are returned as RowErrors rather
// than failing the whole read.
func ReadSources(r io.Reader) ([]SourceRow, []RowError, error) {
	decoded := transform.NewReader(r, unicode.BOMOverride(unicode.UTF8.NewDecoder()))
	reader := csv.NewReader(decoded)
	reader.FieldsPerRecord = -1
	reader.LazyQuotes = true

	header, err := reader.Read()
	if errors.Is(err, io.EOF) {
		return nil, nil, fmt.Errorf("source list is empty")
	}
	if err != nil {
		return nil, nil, fmt.Errorf("read header: %w", err)
	}
	idx, err := columnIndexes(header)
	if err != nil {
		return nil, nil, err
	}

	var (
		rows    []SourceRow
		skipped []RowError
	)
	line := 1
	for {
		record, err := reader.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		line++
		if err != nil {
			return nil, nil, fmt.Errorf("read line %d: %w", line, err)
		}
		src, reason := parseRow(record, idx)
		if reason != "" {
			skipped = append(skipped, RowError{Line: line, Reason: reason})
			continue
		}
		rows = append(rows, SourceRow{Line: line, Source: src})
	}
	return rows, skipped, nil
}

// SplitCodes splits a classification cell on commas or semicolons.
func SplitCodes(cell string) []string {
	var out []string
	for _, code := range codeSeparator.Split(cell, -1) {
		if code = strings.TrimSpace(code); code != "" {
			out = append(out, code)
		}
	}
	return out
}

type columns struct {
	id, name, printISSN, eISSN, codes int
}

func columnIndexes(header []string) (columns, error) {
	find := func(name string) (int, error) {
		for i, h := range header {
			if strings.TrimSpace(h) == name {
				return i, nil
			}
		}
		return -1, fmt.Errorf("missing column %q", name)
	}
	var (
		c   columns
		err error
	)
	if c.id, err = find(ColumnSourceID); err != nil {
		return c, err
	}
	if c.name, err = find(ColumnSourceName); err != nil {
		return c, err
	}
	if c.printISSN, err = find(ColumnPrintISSN); err != nil {
		return c, err
	}
	if c.eISSN, err = find(ColumnElectronicISSN); err != nil {
		return c, err
	}
	if c.codes, err = find(ColumnClassification); err != nil {
		return c, err
	}
	return c, nil
}

func parseRow(record []string, c columns) (crawler.Source, string) {
	cell := func(i int) string {
		if i < len(record) {
			return strings.TrimSpace(record[i])
		}
		return ""
	}
	rawID := cell(c.id)
	if rawID == "" {
		return crawler.Source{}, "missing source id"
	}
	id, err := strconv.ParseInt(rawID, 10, 64)
	if err != nil {
		return crawler.Source{}, fmt.Sprintf("invalid source id %q", rawID)
	}
	return crawler.Source{
		SourceID:            id,
		Name:                cell(c.name),
		ISSNPrint:           optional(cell(c.printISSN)),
		ISSNElectronic:      optional(cell(c.eISSN)),
		ClassificationCodes: SplitCodes(cell(c.codes)),
	}, ""
}

func optional(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
