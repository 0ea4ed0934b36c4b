package access

import (
	"sort"
	"strings"
	"time"
)

// normalizeCodes upper-cases and trims codes, dropping blanks and duplicates.
// The result is sorted, matching the order the settings store persists.
func normalizeCodes(codes []string) []string {
	if len(codes) == 0 {
		return nil
	}
	seen := make(map[string]struct{}, len(codes))
	out := make([]string, 0, len(codes))
	for _, c := range codes {
		c = strings.ToUpper(strings.TrimSpace(c))
		if c == "" {
			continue
		}
		if _, ok := seen[c]; ok {
			continue
		}
		seen[c] = struct{}{}
		out = append(out, c)
	}
	sort.Strings(out)
	return out
}

// validCountryCode reports whether code is exactly two ASCII letters.
func validCountryCode(code string) bool {
	if len(code) != 2 {
		return false
	}
	for i := 0; i < len(code); i++ {
		c := code[i]
		if !('a' <= c && c <= 'z' || 'A' <= c && c <= 'Z') {
			return false
		}
	}
	return true
}

// allowedForCodes applies the region list to the detected codes. In an
// allow-list every detected code must be listed; in a deny-list none may be.
func allowedForCodes(detected []string, list map[string]struct{}, allowedRegion bool) bool {
	for _, code := range detected {
		_, listed := list[strings.ToUpper(code)]
		if allowedRegion && !listed {
			return false
		}
		if !allowedRegion && listed {
			return false
		}
	}
	return true
}

// cachedCountryCodes picks the country evidence to use when no network codes
// are currently visible. A non-empty location-derived code wins when it is
// newer than every cached network record; otherwise all cached network codes
// are used.
func cachedCountryCodes(d CountryDetector) []string {
	locCode, locAt := d.CachedLocationCountry()

	var network []string
	locNewest := true
	for code, seenAt := range d.CachedNetworkCountries() {
		if code == "" {
			continue
		}
		network = append(network, code)
		if !locAt.After(seenAt) {
			locNewest = false
		}
	}
	if locCode != "" && locNewest {
		return []string{locCode}
	}
	if len(network) == 0 {
		return nil
	}
	sort.Strings(network)
	return network
}

func codeSet(codes []string) map[string]struct{} {
	set := make(map[string]struct{}, len(codes))
	for _, c := range codes {
		set[strings.ToUpper(c)] = struct{}{}
	}
	return set
}

// freshest returns the most recent location across providers whose age is
// within window, or nil.
func freshest(lp LocationProvider, now time.Time, window time.Duration) *Location {
	var best *Location
	for _, p := range lp.Providers() {
		loc := lp.LastKnownLocation(p)
		if loc == nil {
			continue
		}
		if now.Sub(loc.Time) > window {
			continue
		}
		if best == nil || loc.Time.After(best.Time) {
			best = loc
		}
	}
	return best
}
