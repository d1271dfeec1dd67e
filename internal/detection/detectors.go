package detection

import (
	"strings"

	regexp "github.com/wasilibs/go-re2"

	"github.com/ahrav/datasentry/internal/domain/scanning"
)

// regexDetector is the shared shape of the pattern-family detectors: a
// compiled expression plus an optional validator that rejects matches the
// pattern alone cannot rule out.
type regexDetector struct {
	typ      scanning.DetectorType
	re       *regexp.Regexp
	validate func(match string) bool
}

func (d *regexDetector) Type() scanning.DetectorType { return d.typ }

func (d *regexDetector) Detect(content []byte) []Candidate {
	locs := d.re.FindAllIndex(content, -1)
	if locs == nil {
		return nil
	}

	candidates := make([]Candidate, 0, len(locs))
	for _, loc := range locs {
		match := string(content[loc[0]:loc[1]])
		if d.validate != nil && !d.validate(match) {
			continue
		}
		candidates = append(candidates, Candidate{Value: match, Offset: int64(loc[0])})
	}
	return candidates
}

// NewSSNDetector matches US social security numbers in dashed form. Area
// 000, 666 and 900-999, group 00, and serial 0000 are never issued and are
// rejected as false positives.
func NewSSNDetector() Detector {
	return &regexDetector{
		typ:      scanning.DetectorTypeSSN,
		re:       regexp.MustCompile(`\b\d{3}-\d{2}-\d{4}\b`),
		validate: validSSN,
	}
}

func validSSN(match string) bool {
	area, group, serial := match[0:3], match[4:6], match[7:11]
	if area == "000" || area == "666" || area[0] == '9' {
		return false
	}
	if group == "00" || serial == "0000" {
		return false
	}
	return true
}

// NewPaymentCardDetector matches candidate payment-card numbers (13-19
// digits, optionally separated by spaces or dashes) and validates each via
// the Luhn checksum before accepting.
func NewPaymentCardDetector() Detector {
	return &regexDetector{
		typ:      scanning.DetectorTypePaymentCard,
		re:       regexp.MustCompile(`\b(?:\d[ -]?){12,18}\d\b`),
		validate: validCardNumber,
	}
}

func validCardNumber(match string) bool {
	digits := stripSeparators(match)
	if len(digits) < 13 || len(digits) > 19 {
		return false
	}
	return luhnValid(digits)
}

func stripSeparators(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for i := 0; i < len(s); i++ {
		if s[i] >= '0' && s[i] <= '9' {
			b.WriteByte(s[i])
		}
	}
	return b.String()
}

// NewEmailDetector matches email addresses.
func NewEmailDetector() Detector {
	return &regexDetector{
		typ: scanning.DetectorTypeEmail,
		re:  regexp.MustCompile(`\b[A-Za-z0-9._%+-]+@[A-Za-z0-9.-]+\.[A-Za-z]{2,}\b`),
	}
}

// NewPhoneDetector matches North American phone numbers with common
// separator styles, e.g. (555) 867-5309 or 555-867-5309.
func NewPhoneDetector() Detector {
	return &regexDetector{
		typ: scanning.DetectorTypePhone,
		re:  regexp.MustCompile(`\b(?:\+?1[-. ])?\(?\d{3}\)?[-. ]\d{3}[-. ]\d{4}\b`),
	}
}
