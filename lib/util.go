package lib

import "encoding/json"

// Ispowerof2 return true if n is a positive power of two.
func Ispowerof2(n int64) bool {
	return n > 0 && (n&(n-1)) == 0
}

// Alignup round n up to the next multiple of align, align shall be a
// power of two.
func Alignup(n, align int64) int64 {
	return (n + align - 1) &^ (align - 1)
}

// Roundup round n up to the next multiple of unit, unit can be any
// positive number.
func Roundup(n, unit int64) int64 {
	if unit <= 1 {
		return n
	}
	if r := n % unit; r != 0 {
		return n + unit - r
	}
	return n
}

// Ceil integer division rounding up.
func Ceil(divident, divisor int64) int64 {
	if divident%divisor == 0 {
		return divident / divisor
	}
	return (divident / divisor) + 1
}

// Minint64 smaller of the two.
func Minint64(a, b int64) int64 {
	if a < b {
		return a
	}
	return b
}

// Maxint64 larger of the two.
func Maxint64(a, b int64) int64 {
	if a > b {
		return a
	}
	return b
}

// Prettystats uses json.MarshalIndent, if pretty is true, instead of
// json.Marshal. If Marshal return error Prettystats will panic.
func Prettystats(stats map[string]interface{}, pretty bool) string {
	if pretty {
		data, err := json.MarshalIndent(stats, "", "  ")
		if err != nil {
			panic(err)
		}
		return string(data)
	}
	data, err := json.Marshal(stats)
	if err != nil {
		panic(err)
	}
	return string(data)
}
