// Package detection provides the pure pattern-matching engine that turns raw
// object content into masked finding candidates. The engine has no state and
// no I/O so it can be unit-tested in isolation.
package detection

import (
	"strings"

	"github.com/ahrav/datasentry/internal/domain/scanning"
)

// Candidate is a raw detector match before masking.
type Candidate struct {
	// Value is the matched text exactly as it appears in the content.
	Value string

	// Offset is the byte offset of the match within the content.
	Offset int64
}

// Detector is one pattern family applied by the engine.
type Detector interface {
	// Type identifies the pattern family for findings and dedup.
	Type() scanning.DetectorType

	// Detect returns all raw matches in the content. Implementations must
	// be deterministic and side-effect free.
	Detect(content []byte) []Candidate
}

// Match is one accepted, masked detection result.
type Match struct {
	DetectorType   scanning.DetectorType
	MaskedValue    string
	ContextSnippet string
	ByteOffset     int64
}

// Config bounds the engine's output on pathological inputs.
type Config struct {
	// MaxMatchesPerDetector caps how many matches a single detector may
	// report for one document.
	MaxMatchesPerDetector int

	// ContextWindowBytes is how many bytes of surrounding content to keep
	// on each side of a match.
	ContextWindowBytes int

	// UnmaskedSuffixLen is how many trailing characters of a match stay
	// visible after masking.
	UnmaskedSuffixLen int
}

// DefaultConfig returns the engine bounds used in production.
func DefaultConfig() Config {
	return Config{
		MaxMatchesPerDetector: 100,
		ContextWindowBytes:    30,
		UnmaskedSuffixLen:     4,
	}
}

// Engine applies a fixed set of detectors to byte content.
type Engine struct {
	detectors []Detector
	cfg       Config
}

// NewEngine creates an engine over the given detectors. A nil config field
// set falls back to DefaultConfig values.
func NewEngine(detectors []Detector, cfg Config) *Engine {
	def := DefaultConfig()
	if cfg.MaxMatchesPerDetector <= 0 {
		cfg.MaxMatchesPerDetector = def.MaxMatchesPerDetector
	}
	if cfg.ContextWindowBytes <= 0 {
		cfg.ContextWindowBytes = def.ContextWindowBytes
	}
	if cfg.UnmaskedSuffixLen <= 0 {
		cfg.UnmaskedSuffixLen = def.UnmaskedSuffixLen
	}
	return &Engine{detectors: detectors, cfg: cfg}
}

// NewDefaultEngine creates an engine with every built-in detector and
// production bounds. Credential detection is optional because it requires
// translating the embedded gitleaks ruleset at startup.
func NewDefaultEngine(withCredentials bool) (*Engine, error) {
	detectors := []Detector{
		NewSSNDetector(),
		NewPaymentCardDetector(),
		NewEmailDetector(),
		NewPhoneDetector(),
	}
	if withCredentials {
		cred, err := NewCredentialDetector()
		if err != nil {
			return nil, err
		}
		detectors = append(detectors, cred)
	}
	return NewEngine(detectors, DefaultConfig()), nil
}

// Detect runs every detector over the content and returns masked matches.
// Per-detector output is capped to bound pathological inputs.
func (e *Engine) Detect(content []byte) []Match {
	var matches []Match
	for _, d := range e.detectors {
		candidates := d.Detect(content)
		if len(candidates) > e.cfg.MaxMatchesPerDetector {
			candidates = candidates[:e.cfg.MaxMatchesPerDetector]
		}
		for _, c := range candidates {
			masked := MaskValue(c.Value, e.cfg.UnmaskedSuffixLen)
			matches = append(matches, Match{
				DetectorType:   d.Type(),
				MaskedValue:    masked,
				ContextSnippet: e.snippet(content, c, masked),
				ByteOffset:     c.Offset,
			})
		}
	}
	return matches
}

// snippet extracts a bounded context window around the match, clamped to
// the content and coerced to valid UTF-8 for storage. The matched value
// itself appears masked so the snippet never stores the raw sensitive data
// it was built to flag.
func (e *Engine) snippet(content []byte, c Candidate, masked string) string {
	start := int(c.Offset) - e.cfg.ContextWindowBytes
	if start < 0 {
		start = 0
	}
	end := int(c.Offset) + len(c.Value) + e.cfg.ContextWindowBytes
	if end > len(content) {
		end = len(content)
	}
	before := string(content[start:int(c.Offset)])
	after := string(content[int(c.Offset)+len(c.Value) : end])
	return strings.ToValidUTF8(before+masked+after, "")
}
