package extract

import (
	"fmt"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"github.com/JakeFAU/consulta-orchestrator/internal/consulta"
)

// sisbenLabels maps folded page labels to field names. First match wins.
var sisbenLabels = []struct {
	label string
	field string
}{
	{"tipo de documento", "tipo_documento"},
	{"numero de documento", "numero_documento"},
	{"nombres", "nombres"},
	{"apellidos", "apellidos"},
	{"municipio", "municipio"},
	{"departamento", "departamento"},
}

// Sisben extracts the label/value rows of the SISBEN result page.
type Sisben struct{}

// NewSisben creates a Sisben extractor.
func NewSisben() *Sisben {
	return &Sisben{}
}

// Extract implements consulta.Extractor.
func (Sisben) Extract(markup string) (consulta.Fields, error) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(markup))
	if err != nil {
		return nil, fmt.Errorf("parse sisben markup: %w", err)
	}
	fields := consulta.Fields{}
	doc.Find("p.etiqueta1").Each(func(_ int, label *goquery.Selection) {
		field := sisbenField(label.Text())
		if field == "" {
			return
		}
		if _, seen := fields[field]; seen {
			return
		}
		if value := clean(sisbenValue(label)); value != "" {
			fields[field] = value
		}
	})
	return fields, nil
}

func sisbenField(label string) string {
	folded := strings.TrimSuffix(fold(label), ":")
	for _, candidate := range sisbenLabels {
		if strings.Contains(folded, candidate.label) {
			return candidate.field
		}
	}
	return ""
}

// sisbenValue finds the value paired with a label: first inside the label's
// row container, then the next value paragraph after it.
func sisbenValue(label *goquery.Selection) string {
	row := label.Closest("div.row.campo")
	if row.Length() > 0 {
		if value := row.Find("p.campo1").First(); value.Length() > 0 {
			return value.Text()
		}
	}
	if value := label.NextAllFiltered("p.campo1").First(); value.Length() > 0 {
		return value.Text()
	}
	return label.Parent().Find("p.campo1").First().Text()
}
