package grade

import (
	"fmt"

	"github.com/TobiSchelling/schoolcheck/internal/textnorm"
)

// Subject is the canonical code of an evaluated area.
type Subject string

const (
	Portuguese        Subject = "LP"
	Mathematics       Subject = "MAT"
	Humanities        Subject = "CH"
	NaturalSciences   Subject = "CN"
	TextualProduction Subject = "PT"
)

// Subjects returns every canonical subject in report order.
func Subjects() []Subject {
	return []Subject{Portuguese, Mathematics, Humanities, NaturalSciences, TextualProduction}
}

// subjectAliases maps folded labels seen in imported data to canonical codes.
var subjectAliases = map[string]Subject{
	"lp":                   Portuguese,
	"lingua portuguesa":    Portuguese,
	"portugues":            Portuguese,
	"mat":                  Mathematics,
	"matematica":           Mathematics,
	"ch":                   Humanities,
	"ciencias humanas":     Humanities,
	"humanas":              Humanities,
	"cn":                   NaturalSciences,
	"ciencias da natureza": NaturalSciences,
	"ciencias":             NaturalSciences,
	"pt":                   TextualProduction,
	"producao textual":     TextualProduction,
	"producao":             TextualProduction,
	"redacao":              TextualProduction,
}

// ParseSubject resolves a free-text subject label to its canonical code.
func ParseSubject(label string) (Subject, error) {
	if s, ok := subjectAliases[textnorm.Fold(label)]; ok {
		return s, nil
	}
	return "", fmt.Errorf("unknown subject %q", label)
}

// Name returns the human-readable subject name.
func (s Subject) Name() string {
	switch s {
	case Portuguese:
		return "Língua Portuguesa"
	case Mathematics:
		return "Matemática"
	case Humanities:
		return "Ciências Humanas"
	case NaturalSciences:
		return "Ciências da Natureza"
	case TextualProduction:
		return "Produção Textual"
	default:
		return string(s)
	}
}
