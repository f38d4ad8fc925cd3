package config

import (
	"strconv"
	"strings"

	"github.com/cuemby/vm/pkg/werrors"
)

// LimitKind distinguishes the four shapes a memory/CPU limit can take.
type LimitKind int

const (
	LimitNumber LimitKind = iota
	LimitBytes
	LimitPercentage
	LimitUnlimited
)

// ParsedLimit is the result of parsing a resources.memory/resources.cpus
// string into one of four concrete shapes.
type ParsedLimit struct {
	Kind       LimitKind
	Number     uint32 // LimitNumber: a raw count (e.g. CPU core count)
	Bytes      uint64 // LimitBytes: an absolute byte count
	Percentage uint8  // LimitPercentage: 1-100
}

// ParseLimitValue parses a memory/CPU grammar string. Accepted forms:
// an unsigned integer ("4"), a byte size with gb/mb/kb suffix (decimal
// allowed, e.g. "1.5gb"), a percentage suffixed with "%" in [1,100], or
// the literal "unlimited" (case-insensitive). Whitespace is trimmed.
// Anything else, including "0%", "101%", bare decimals, negative numbers,
// unsupported units, and the empty string, is rejected.
func ParseLimitValue(raw string) (ParsedLimit, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return ParsedLimit{}, werrors.New(werrors.CodeValidation, "limit value must not be empty")
	}

	if strings.EqualFold(s, "unlimited") {
		return ParsedLimit{Kind: LimitUnlimited}, nil
	}

	if strings.HasSuffix(s, "%") {
		numPart := strings.TrimSuffix(s, "%")
		if numPart == "" {
			return ParsedLimit{}, werrors.New(werrors.CodeValidation, "percentage value missing before '%'")
		}
		n, err := strconv.Atoi(numPart)
		if err != nil {
			return ParsedLimit{}, werrors.Wrapf(err, werrors.CodeValidation, "invalid percentage %q", s)
		}
		if n < 1 || n > 100 {
			return ParsedLimit{}, werrors.New(werrors.CodeValidation, "percentage must be between 1 and 100")
		}
		return ParsedLimit{Kind: LimitPercentage, Percentage: uint8(n)}, nil
	}

	if bytes, ok, err := parseByteSuffix(s); ok {
		if err != nil {
			return ParsedLimit{}, err
		}
		return ParsedLimit{Kind: LimitBytes, Bytes: bytes}, nil
	}

	n, err := strconv.ParseUint(s, 10, 32)
	if err != nil {
		return ParsedLimit{}, werrors.Wrapf(err, werrors.CodeValidation, "invalid limit value %q", raw)
	}
	return ParsedLimit{Kind: LimitNumber, Number: uint32(n)}, nil
}

var byteSuffixes = []struct {
	suffix     string
	multiplier float64
}{
	{"gb", 1024 * 1024 * 1024},
	{"mb", 1024 * 1024},
	{"kb", 1024},
}

// parseByteSuffix returns (bytes, true, nil) if s ends in gb/mb/kb
// (case-insensitive); (0, false, nil) if it carries no such suffix; or
// (0, true, err) if it has the suffix but the numeric part is invalid.
func parseByteSuffix(s string) (uint64, bool, error) {
	lower := strings.ToLower(s)
	for _, unit := range byteSuffixes {
		if strings.HasSuffix(lower, unit.suffix) {
			numPart := strings.TrimSpace(s[:len(s)-len(unit.suffix)])
			if numPart == "" {
				return 0, true, werrors.New(werrors.CodeValidation, "byte size missing numeric part")
			}
			f, err := strconv.ParseFloat(numPart, 64)
			if err != nil {
				return 0, true, werrors.Wrapf(err, werrors.CodeValidation, "invalid byte size %q", s)
			}
			if f < 0 {
				return 0, true, werrors.New(werrors.CodeValidation, "byte size must not be negative")
			}
			return uint64(f * unit.multiplier), true, nil
		}
	}
	return 0, false, nil
}
