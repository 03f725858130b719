package flag

import (
	"errors"
	"fmt"
	"math/bits"
	"strconv"
)

var ErrSize = errors.New("bad size")

var sizeShifts = map[byte]uint{
	'k': 10, 'K': 10,
	'm': 20, 'M': 20,
	'g': 30, 'G': 30,
}

// ParseSize parses a memory size in bytes written as number[kKmMgG]. The
// number may use any base strconv accepts.
func ParseSize(s string) (uint64, error) {
	num := s

	var shift uint

	if n := len(s); n > 0 {
		if sh, ok := sizeShifts[s[n-1]]; ok {
			num, shift = s[:n-1], sh
		}
	}

	amt, err := strconv.ParseUint(num, 0, 64)
	if err != nil {
		return 0, fmt.Errorf("%q: %w: %w", s, ErrSize, err)
	}

	if bits.LeadingZeros64(amt) < int(shift) {
		return 0, fmt.Errorf("%q overflows: %w", s, ErrSize)
	}

	return amt << shift, nil
}
