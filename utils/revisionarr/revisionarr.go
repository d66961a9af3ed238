// Package revisionarr compares revision numbers represented as arbitrarily
// sized arrays of uint64's. Elements are ordered least significant first,
// so the arrays behave like big endian numbers read back to front.
package revisionarr

// Compare returns an integer comparing two revisions.  The result will
// be 0 if a == b, -1 if a < b, and +1 if a > b.  A nil argument is
// considered the same as an empty value, and missing elements are
// considered to be zero.
func Compare(a, b []uint64) int {
	lenA := len(a)
	lenB := len(b)

	// When the lengths differ, any non-zero element in the longer tail
	// decides the ordering outright, since the shorter revision reads as
	// zero there.
	if lenA > lenB {
		for elIdx := lenB; elIdx < lenA; elIdx++ {
			if a[elIdx] > 0 {
				return 1
			}
		}
	} else if lenB > lenA {
		for elIdx := lenA; elIdx < lenB; elIdx++ {
			if b[elIdx] > 0 {
				return -1
			}
		}
	}

	minLen := lenA
	if lenB < minLen {
		minLen = lenB
	}

	// Scan the shared elements most significant first.
	for elIdx := minLen - 1; elIdx >= 0; elIdx-- {
		if a[elIdx] > b[elIdx] {
			return +1
		} else if b[elIdx] > a[elIdx] {
			return -1
		}
	}

	return 0
}
