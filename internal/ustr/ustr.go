// Package ustr is a raw byte-string type used for program names,
// argv/envp vectors, and other kernel strings that never touch a
// filesystem path resolver.
package ustr

// Ustr is a raw byte string. Unlike Go's string it is mutable storage
// (a slice) so callers can build one incrementally without repeated
// allocation, matching how argv/envp are assembled from user memory.
type Ustr []uint8

// Eq compares two Ustr values for byte equality.
func (us Ustr) Eq(s Ustr) bool {
	if len(us) != len(s) {
		return false
	}
	for i, v := range us {
		if v != s[i] {
			return false
		}
	}
	return true
}

// String renders the Ustr for diagnostics.
func (us Ustr) String() string {
	return string(us)
}

// MkUstr creates an empty Ustr value.
func MkUstr() Ustr {
	return Ustr{}
}

// MkUstrSlice converts a NUL-terminated byte slice to a Ustr, truncating at
// the first NUL. Used when copying a C string out of user memory.
func MkUstrSlice(buf []uint8) Ustr {
	for i, c := range buf {
		if c == 0 {
			return Ustr(append([]uint8{}, buf[:i]...))
		}
	}
	return Ustr(append([]uint8{}, buf...))
}

// FromString wraps a Go string as a Ustr without copying semantics beyond
// the conversion Go itself performs.
func FromString(s string) Ustr {
	return Ustr(s)
}
