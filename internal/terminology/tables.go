package terminology

import (
	"sort"
)

// Source vocabulary abbreviations kept from the concept extract.
const (
	SourceSNOMED = "SNOMEDCT_US"
	SourceICD10  = "ICD10CM"
)

// Tables maps CUIs to their SNOMED CT and ICD-10-CM codes. Keys are unique and
// every code list is deduplicated. Tables are immutable once built or loaded.
type Tables struct {
	SNOMED map[string][]string
	ICD10  map[string][]string

	index map[string]string // code or CUI -> CUI
}

// NewTables wraps two mapping tables and indexes them for reverse lookup.
func NewTables(snomed, icd10 map[string][]string) *Tables {
	if snomed == nil {
		snomed = make(map[string][]string)
	}
	if icd10 == nil {
		icd10 = make(map[string][]string)
	}
	t := &Tables{SNOMED: snomed, ICD10: icd10}
	t.buildIndex()
	return t
}

// Has reports whether the CUI has an entry in either table.
func (t *Tables) Has(cui string) bool {
	if _, ok := t.SNOMED[cui]; ok {
		return true
	}
	_, ok := t.ICD10[cui]
	return ok
}

// CUIs returns every CUI in sorted order.
func (t *Tables) CUIs() []string {
	seen := make(map[string]struct{}, len(t.SNOMED)+len(t.ICD10))
	for cui := range t.SNOMED {
		seen[cui] = struct{}{}
	}
	for cui := range t.ICD10 {
		seen[cui] = struct{}{}
	}
	cuis := make([]string, 0, len(seen))
	for cui := range seen {
		cuis = append(cuis, cui)
	}
	sort.Strings(cuis)
	return cuis
}

// Len returns the number of distinct CUIs.
func (t *Tables) Len() int { return len(t.CUIs()) }

// Lookup resolves a CUI, SNOMED code or ICD-10 code to a CUI. When several
// concepts carry the same code the lexicographically smallest CUI wins.
func (t *Tables) Lookup(code string) (string, bool) {
	cui, ok := t.index[code]
	return cui, ok
}

func (t *Tables) buildIndex() {
	t.index = make(map[string]string)
	cuis := t.CUIs()
	for _, cui := range cuis {
		t.index[cui] = cui
	}
	for _, cui := range cuis {
		for _, codes := range [][]string{t.SNOMED[cui], t.ICD10[cui]} {
			for _, code := range codes {
				if _, ok := t.index[code]; !ok {
					t.index[code] = cui
				}
			}
		}
	}
}

func appendUnique(list []string, values ...string) []string {
	for _, v := range values {
		if !contains(list, v) {
			list = append(list, v)
		}
	}
	return list
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
