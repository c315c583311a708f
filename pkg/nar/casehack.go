package nar

import (
	"fmt"
	"strconv"
	"strings"
)

// CaseHackSuffix is appended to colliding entry names when archives are
// restored onto case-insensitive filesystems. It is a filesystem
// workaround, not part of the wire format.
const CaseHackSuffix = "~nix~case~hack~"

// StripCaseHack removes a case-hack suffix from an entry name, if
// present. Applying it to a name without the suffix returns the name
// unchanged.
func StripCaseHack(name string) string {
	i := strings.LastIndex(name, CaseHackSuffix)
	if i < 0 {
		return name
	}

	// Everything after the suffix must be a collision counter.
	if _, err := strconv.ParseUint(name[i+len(CaseHackSuffix):], 10, 32); err != nil {
		return name
	}

	return name[:i]
}

// applyCaseHack disambiguates entry names that collide when compared
// case-insensitively, by appending the suffix plus a counter. seen maps
// lower-cased names to the number of occurrences so far.
func applyCaseHack(seen map[string]uint32, name string) (string, error) {
	lower := strings.ToLower(name)

	n, collides := seen[lower]
	seen[lower] = n + 1

	if !collides {
		return name, nil
	}

	if strings.Contains(name, CaseHackSuffix) {
		return "", fmt.Errorf("nar: entry name %q already contains the case hack suffix", name)
	}

	return name + CaseHackSuffix + strconv.FormatUint(uint64(n), 10), nil
}
