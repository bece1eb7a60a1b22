package extract

import (
	"strings"
)

// notFoundPhrases are page texts that mean the subject is absent from the source.
var notFoundPhrases = []string{
	"no se encontro",
	"no se encontró",
	"no existe",
	"no hay información",
	"no hay informacion",
	"no registra",
	"no se encuentra",
	"cédula no válida",
	"cedula no valida",
}

// IsNotFoundText reports whether page text carries a not-found message.
func IsNotFoundText(text string) bool {
	lower := strings.ToLower(text)
	for _, phrase := range notFoundPhrases {
		if strings.Contains(lower, phrase) {
			return true
		}
	}
	return false
}

// clean collapses runs of whitespace and trims the result.
func clean(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

// fold lowercases s and strips the Spanish accents that the sites use
// inconsistently in labels.
func fold(s string) string {
	return accentFolder.Replace(strings.ToLower(clean(s)))
}

var accentFolder = strings.NewReplacer(
	"á", "a", "é", "e", "í", "i", "ó", "o", "ú", "u", "ü", "u",
)
