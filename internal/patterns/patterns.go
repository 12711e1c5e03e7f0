// Package patterns is the fixed library of PII detectors used for column
// classification and cell scrubbing.
package patterns

import "regexp"

// Detector names with dedicated mask formats.
const (
	SSN            = "ssn"
	Phone          = "phone"
	Email          = "email"
	CreditCard     = "credit_card"
	MedicalLicense = "medical_license"
	NPI            = "npi"
	IPAddress      = "ip_address"
	MACAddress     = "mac_address"
	DateOfBirth    = "date_of_birth"
)

// Descriptor is an immutable PII detector.
type Descriptor struct {
	Name        string
	Pattern     string
	Description string
	Regex       *regexp.Regexp
}

func newDescriptor(name, pattern, description string) Descriptor {
	return Descriptor{
		Name:        name,
		Pattern:     pattern,
		Description: description,
		Regex:       regexp.MustCompile(`(?i)` + pattern),
	}
}

// Order matters: detectors are applied in this sequence when scrubbing.
var library = []Descriptor{
	newDescriptor(SSN, `\b\d{3}-?\d{2}-?\d{4}\b`, "Social Security Number"),
	newDescriptor(Phone, `(?:\+\d{1,3}[-.\s]?)?(?:\(\d{3}\)|\b\d{3})[-.\s]?\d{3}[-.\s]?\d{4}\b`, "Phone Number"),
	newDescriptor(Email, `\b[A-Za-z0-9._%+-]+@[A-Za-z0-9.-]+\.[A-Za-z]{2,}\b`, "Email Address"),
	newDescriptor(CreditCard, `\b\d{4}[-\s]?\d{4}[-\s]?\d{4}[-\s]?\d{4}\b`, "Credit Card Number"),
	newDescriptor(MedicalLicense, `\b[A-Z]{2}\d{6,10}\b`, "Medical License Number"),
	newDescriptor(NPI, `\b\d{10}\b`, "National Provider Identifier"),
	newDescriptor(IPAddress, `\b\d{1,3}\.\d{1,3}\.\d{1,3}\.\d{1,3}\b`, "IP Address"),
	newDescriptor(MACAddress, `\b([0-9A-Fa-f]{2}[:-]){5}([0-9A-Fa-f]{2})\b`, "MAC Address"),
	newDescriptor(DateOfBirth, `\b(0[1-9]|1[0-2])[/-](0[1-9]|[12]\d|3[01])[/-]\d{4}\b`, "Date of Birth"),
}

// All returns the detectors in application order.
func All() []Descriptor {
	out := make([]Descriptor, len(library))
	copy(out, library)
	return out
}

// Lookup returns the detector with the given name.
func Lookup(name string) (Descriptor, bool) {
	for _, d := range library {
		if d.Name == name {
			return d, true
		}
	}
	return Descriptor{}, false
}

// Match returns the names of every detector that matches text.
func Match(text string) []string {
	var names []string
	for _, d := range library {
		if d.Regex.MatchString(text) {
			names = append(names, d.Name)
		}
	}
	return names
}
