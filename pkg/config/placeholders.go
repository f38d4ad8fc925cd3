package config

import (
	"regexp"
	"strconv"

	"github.com/cuemby/vm/pkg/log"
	"github.com/cuemby/vm/pkg/types"
)

// portPlaceholderRe matches ${port.N} where N is the zero-based offset
// into a workspace's reserved port range.
var portPlaceholderRe = regexp.MustCompile(`\$\{port\.(\d+)\}`)

// SubstitutePortPlaceholders replaces every ${port.N} occurrence in raw
// preset YAML text with the concrete host port at that offset in rng,
// before the text is parsed as YAML. Out-of-range indices are left as
// literal text and logged as a warning rather than rejected, since a
// preset author may reference an index meant for a larger range than
// this workspace happened to request.
func SubstitutePortPlaceholders(raw string, rng types.PortRange) string {
	matches := portPlaceholderRe.FindAllStringSubmatchIndex(raw, -1)
	if len(matches) == 0 {
		return raw
	}

	logger := log.WithComponent("config")
	out := raw
	// Replace from the end so earlier match byte offsets stay valid.
	for i := len(matches) - 1; i >= 0; i-- {
		m := matches[i]
		placeholder := raw[m[0]:m[1]]
		idxText := raw[m[2]:m[3]]

		idx, err := strconv.Atoi(idxText)
		if err != nil {
			continue
		}
		if idx < 0 || idx >= rng.Size {
			logger.Warn().
				Str("placeholder", placeholder).
				Int("range_size", rng.Size).
				Msg("port placeholder index out of range, leaving unreplaced")
			continue
		}
		out = out[:m[0]] + strconv.Itoa(rng.Start+idx) + out[m[1]:]
	}
	return out
}
