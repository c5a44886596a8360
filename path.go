package cfb

import (
	"fmt"
	"path"
	"strings"
	"unicode"
	"unicode/utf16"
)

const MAX_NAME_LEN int = 31

type Ordering int

const (
	OrderLess Ordering = iota
	OrderEqual
	OrderGreater
)

// ValidateName checks a single entry name against the format rules: at most
// 31 UTF-16 code units, none of / \ : !, no control code units.
func ValidateName(name string) error {
	if name == "" {
		return fmt.Errorf("%w: name is empty", ErrorInvalidName)
	}

	units := utf16.Encode([]rune(name))
	if len(units) > MAX_NAME_LEN {
		return fmt.Errorf("%w: name is %v code units long, max is %v", ErrorInvalidName, len(units), MAX_NAME_LEN)
	}

	if strings.ContainsAny(name, "/\\:!") {
		return fmt.Errorf("%w: name contains one of /\\:! characters: %v", ErrorInvalidName, name)
	}

	for _, u := range units {
		if u < 0x20 {
			return fmt.Errorf("%w: name contains control code unit 0x%04x", ErrorInvalidName, u)
		}
	}

	return nil
}

// upperCodeUnit applies the simple uppercase mapping to a single UTF-16 code
// unit. Surrogate halves pass through unchanged, as do characters whose
// uppercase form does not fit in one code unit.
func upperCodeUnit(u uint16) uint16 {
	if u >= 0xd800 && u <= 0xdfff {
		return u
	}
	r := unicode.ToUpper(rune(u))
	if r > 0xffff {
		return u
	}
	return uint16(r)
}

// CompareNames orders two entry names by the canonical CFB key: shorter
// UTF-16 names sort first, equal-length names by uppercased code units.
func CompareNames(nameLeft, nameRight string) Ordering {
	ul := utf16.Encode([]rune(nameLeft))
	ur := utf16.Encode([]rune(nameRight))

	if len(ul) < len(ur) {
		return OrderLess
	}
	if len(ul) > len(ur) {
		return OrderGreater
	}

	for i := range ul {
		cl := upperCodeUnit(ul[i])
		cr := upperCodeUnit(ur[i])
		if cl < cr {
			return OrderLess
		}
		if cl > cr {
			return OrderGreater
		}
	}

	return OrderEqual
}

// NameChainFromPath splits a /-delimited path into entry names. "." and
// empty components refer to the current storage and are dropped; paths
// escaping above the root resolve to the root itself.
func NameChainFromPath(s string) []string {
	s = path.Clean(s)
	if s[0] == '/' {
		s = s[1:]
	}

	if s == "" || s == "." {
		return []string{}
	}

	if strings.HasPrefix(s, "..") {
		return []string{}
	}

	return strings.Split(s, "/")
}

func PathFromNameChain(names []string) string {
	return "/" + strings.Join(names, "/")
}
