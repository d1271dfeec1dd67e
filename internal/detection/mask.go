package detection

import "unicode"

// MaskValue obscures a matched value while preserving its total length and
// separator positions. Alphanumeric runes become '*'; everything else
// (dashes, dots, spaces, '@') stays put so the format of the original match
// remains recognizable. Only the last keep characters remain unmasked.
func MaskValue(value string, keep int) string {
	runes := []rune(value)
	cutoff := len(runes) - keep
	// Values no longer than the visible suffix are masked in full.
	if cutoff <= 0 {
		cutoff = len(runes)
	}
	for i := 0; i < cutoff; i++ {
		if unicode.IsLetter(runes[i]) || unicode.IsDigit(runes[i]) {
			runes[i] = '*'
		}
	}
	return string(runes)
}
