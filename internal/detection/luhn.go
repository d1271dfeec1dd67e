package detection

// luhnValid reports whether the digit string passes the checksum, doubling
// every other digit starting from the rightmost. Non-digit input returns
// false. Payment-card candidates that merely look like card numbers are
// rejected here before they become findings.
func luhnValid(digits string) bool {
	if len(digits) == 0 {
		return false
	}

	sum := 0
	double := true
	for i := len(digits) - 1; i >= 0; i-- {
		c := digits[i]
		if c < '0' || c > '9' {
			return false
		}
		d := int(c - '0')
		if double {
			d *= 2
			if d > 9 {
				d -= 9
			}
		}
		sum += d
		double = !double
	}
	return sum%10 == 0
}
