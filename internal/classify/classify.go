// Package classify decides which columns of a batch carry PII and which carry
// clinical codes, using column-name heuristics first and a bounded content
// sample second.
package classify

import (
	"math/rand"
	"regexp"
	"strings"

	"cleanclinic/internal/batch"
	"cleanclinic/internal/patterns"
)

// Kind is the classification outcome for one concern.
type Kind string

const (
	KindPII  Kind = "pii"
	KindCode Kind = "clinical_code"
	KindNone Kind = "none"
)

// SampleSize bounds the number of non-null values inspected per column.
const SampleSize = 1000

const sampleSeed = 42

// PIIColumnTerms are substrings of column names that mark a column as PII.
var PIIColumnTerms = []string{
	"name", "first", "last", "middle", "full",
	"address", "street", "city", "state", "zip",
	"phone", "tel", "mobile", "fax",
	"email", "e-mail", "mail",
	"ssn", "social", "security",
	"mrn", "medical_record", "patient_id",
	"credit", "card", "cc_",
	"license", "drivers", "dl_",
	"ip", "device", "mac",
	"provider", "physician", "doctor",
	"npi", "national_provider",
}

// CodeColumnTerms are substrings of column names that mark a clinical code column.
var CodeColumnTerms = []string{
	"icd", "snomed", "cpt", "hcpcs", "loinc", "rxnorm",
	"diagnosis", "procedure", "code", "cui", "concept",
}

// Literal code shapes checked against sampled content.
var codeShapes = []struct {
	name string
	re   *regexp.Regexp
}{
	{"icd10", regexp.MustCompile(`\b[A-Z]\d{2}\.\d{1,2}\b`)},
	{"snomed", regexp.MustCompile(`\b\d{6,18}\b`)},
	{"cpt", regexp.MustCompile(`\b\d{5}\b`)},
}

// Classification is the per-column, per-concern verdict.
type Classification struct {
	Column   string
	Kind     Kind
	Evidence string
}

// Result separates PII columns from code columns. A column may appear in both.
type Result struct {
	PII      []string
	Codes    []string
	Evidence []Classification
}

// IsPII reports whether column was classified PII.
func (r Result) IsPII(column string) bool { return contains(r.PII, column) }

// IsCode reports whether column was classified as a clinical code column.
func (r Result) IsCode(column string) bool { return contains(r.Codes, column) }

// Classify evaluates every column of b. Each concern is decided independently.
// A zero-row batch is classified by name only.
func Classify(b *batch.Batch) Result {
	var res Result
	for _, col := range b.Columns() {
		lower := strings.ToLower(col.Name)

		if term := matchTerm(lower, PIIColumnTerms); term != "" {
			res.PII = append(res.PII, col.Name)
			res.Evidence = append(res.Evidence, Classification{col.Name, KindPII, "name:" + term})
		} else if detector := piiInContent(col); detector != "" {
			res.PII = append(res.PII, col.Name)
			res.Evidence = append(res.Evidence, Classification{col.Name, KindPII, "content:" + detector})
		}

		if term := matchTerm(lower, CodeColumnTerms); term != "" {
			res.Codes = append(res.Codes, col.Name)
			res.Evidence = append(res.Evidence, Classification{col.Name, KindCode, "name:" + term})
		} else if shape := codeInContent(col); shape != "" {
			res.Codes = append(res.Codes, col.Name)
			res.Evidence = append(res.Evidence, Classification{col.Name, KindCode, "content:" + shape})
		}
	}
	return res
}

// PIIColumns returns only the PII column names.
func PIIColumns(b *batch.Batch) []string { return Classify(b).PII }

// CodeColumns returns only the clinical code column names.
func CodeColumns(b *batch.Batch) []string { return Classify(b).Codes }

func matchTerm(name string, terms []string) string {
	for _, term := range terms {
		if strings.Contains(name, term) {
			return term
		}
	}
	return ""
}

func piiInContent(col *batch.Column) string {
	blob := SampleText(col.Values)
	if blob == "" {
		return ""
	}
	for _, d := range patterns.All() {
		if d.Regex.MatchString(blob) {
			return d.Name
		}
	}
	return ""
}

func codeInContent(col *batch.Column) string {
	blob := SampleText(col.Values)
	if blob == "" {
		return ""
	}
	for _, shape := range codeShapes {
		if shape.re.MatchString(blob) {
			return shape.name
		}
	}
	return ""
}

// SampleText draws up to SampleSize non-null values with a fixed seed and joins
// their text forms with spaces. Fractional numbers are left out: they cannot
// hold an identifier or a code and their digit runs would read as one.
func SampleText(values []batch.Value) string {
	candidates := make([]batch.Value, 0, len(values))
	for _, v := range values {
		if v.IsNull() {
			continue
		}
		if v.Kind() == batch.KindNumber && !v.IsIntegral() {
			continue
		}
		candidates = append(candidates, v)
	}
	if len(candidates) == 0 {
		return ""
	}

	sample := candidates
	if len(candidates) > SampleSize {
		rng := rand.New(rand.NewSource(sampleSeed))
		idx := rng.Perm(len(candidates))[:SampleSize]
		sample = make([]batch.Value, SampleSize)
		for i, j := range idx {
			sample[i] = candidates[j]
		}
	}

	parts := make([]string, 0, len(sample))
	for _, v := range sample {
		text, err := v.Text()
		if err != nil {
			continue
		}
		parts = append(parts, text)
	}
	return strings.Join(parts, " ")
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
