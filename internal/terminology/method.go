package terminology

import (
	"fmt"
	"strings"
)

// Method selects which relation type propagates codes between concepts.
type Method string

const (
	MethodExact  Method = "EXACT"
	MethodRO     Method = "RO"
	MethodParChd Method = "PAR_CHD"
)

// ParseMethod parses a closure method name. The empty string means EXACT.
func ParseMethod(s string) (Method, error) {
	switch m := Method(strings.ToUpper(strings.TrimSpace(s))); m {
	case "":
		return MethodExact, nil
	case MethodExact, MethodRO, MethodParChd:
		return m, nil
	}
	return "", fmt.Errorf("unknown closure method %q", s)
}

// propagates reports whether the method uses the relation extract at all.
func (m Method) propagates() bool {
	return m == MethodRO || m == MethodParChd
}

// matches reports whether a relation abbreviation is selected by the method.
func (m Method) matches(rel string) bool {
	switch m {
	case MethodRO:
		return rel == "RO"
	case MethodParChd:
		return rel == "PAR" || rel == "CHD"
	}
	return false
}
