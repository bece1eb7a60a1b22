package extract

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"github.com/JakeFAU/consulta-orchestrator/internal/consulta"
)

// registraduriaColumns is the column order of the polling-station table.
var registraduriaColumns = []string{"nuip", "departamento", "municipio", "puesto", "direccion", "mesa"}

const votingPlaceHeading = "informacion del lugar de votacion"

var multiSpace = regexp.MustCompile(`\s{2,}`)

// Registraduria extracts the polling-station table from the census result page.
type Registraduria struct{}

// NewRegistraduria creates a Registraduria extractor.
func NewRegistraduria() *Registraduria {
	return &Registraduria{}
}

// Extract implements consulta.Extractor.
func (Registraduria) Extract(markup string) (consulta.Fields, error) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(markup))
	if err != nil {
		return nil, fmt.Errorf("parse registraduria markup: %w", err)
	}
	if fields := fromTable(doc); len(fields) > 0 {
		return fields, nil
	}
	return fromText(doc.Find("body").Text()), nil
}

// fromTable reads the first table row whose first cell is a NUIP or
// DEPARTAMENTO header and maps the following row by header name.
func fromTable(doc *goquery.Document) consulta.Fields {
	fields := consulta.Fields{}
	doc.Find("table").EachWithBreak(func(_ int, table *goquery.Selection) bool {
		rows := table.Find("tr")
		for i := 0; i < rows.Length()-1; i++ {
			headers := cellTexts(rows.Eq(i))
			if len(headers) < len(registraduriaColumns) || !isHeaderRow(headers[0]) {
				continue
			}
			values := cellTexts(rows.Eq(i + 1))
			for idx, header := range headers {
				if idx >= len(values) || values[idx] == "" {
					continue
				}
				if field := registraduriaField(header); field != "" {
					fields[field] = values[idx]
				}
			}
			return len(fields) == 0
		}
		return true
	})
	return fields
}

func cellTexts(row *goquery.Selection) []string {
	cells := row.Find("td, th")
	out := make([]string, 0, cells.Length())
	cells.Each(func(_ int, cell *goquery.Selection) {
		out = append(out, clean(cell.Text()))
	})
	return out
}

func isHeaderRow(first string) bool {
	folded := fold(first)
	return strings.Contains(folded, "nuip") || strings.Contains(folded, "departamento")
}

func registraduriaField(header string) string {
	folded := fold(header)
	switch {
	case strings.Contains(folded, "nuip"), strings.Contains(folded, "cedula"):
		return "nuip"
	case strings.Contains(folded, "departamento"):
		return "departamento"
	case strings.Contains(folded, "municipio"):
		return "municipio"
	case strings.Contains(folded, "puesto"):
		return "puesto"
	case strings.Contains(folded, "direccion"):
		return "direccion"
	case strings.Contains(folded, "mesa"):
		return "mesa"
	default:
		return ""
	}
}

// fromText handles pages that render the table as plain lines: the heading,
// a header line, then one data line with tab or multi-space separators.
func fromText(text string) consulta.Fields {
	lines := strings.Split(text, "\n")
	for i, line := range lines {
		if !strings.Contains(fold(line), votingPlaceHeading) {
			continue
		}
		data := nextNonEmpty(lines[i+1:], 2)
		if data == "" {
			return consulta.Fields{}
		}
		parts := strings.Split(data, "\t")
		if len(parts) < len(registraduriaColumns) {
			parts = multiSpace.Split(data, -1)
		}
		if len(parts) < len(registraduriaColumns) {
			return consulta.Fields{}
		}
		fields := consulta.Fields{}
		for idx, column := range registraduriaColumns {
			if value := clean(parts[idx]); value != "" {
				fields[column] = value
			}
		}
		return fields
	}
	return consulta.Fields{}
}

// nextNonEmpty returns the nth non-blank line of lines (1-based), untrimmed of
// inner separators.
func nextNonEmpty(lines []string, n int) string {
	seen := 0
	for _, line := range lines {
		trimmed := strings.TrimSpace(line)
		if trimmed == "" {
			continue
		}
		seen++
		if seen == n {
			return trimmed
		}
	}
	return ""
}
