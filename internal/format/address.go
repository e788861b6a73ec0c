package format

// Default slice lengths used when shortening an address for display.
const (
	DefaultStartLength = 6
	DefaultEndLength   = 4
)

// TruncateAddress shortens an address to "0x1234...cdef".
func TruncateAddress(address string) string {
	return TruncateAddressN(address, DefaultStartLength, DefaultEndLength)
}

// TruncateAddressN keeps the first start and the last end bytes of address
// joined by "...". Lengths are clamped to the string, so inputs shorter than
// start+end produce overlapping slices rather than an error.
func TruncateAddressN(address string, start, end int) string {
	if address == "" {
		return ""
	}
	n := len(address)
	start = clamp(start, n)
	end = clamp(end, n)
	return address[:start] + "..." + address[n-end:]
}

func clamp(v, max int) int {
	if v < 0 {
		return 0
	}
	if v > max {
		return max
	}
	return v
}
