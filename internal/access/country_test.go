package access

import (
	"reflect"
	"testing"
	"time"
)

func TestNormalizeCodes(t *testing.T) {
	got := normalizeCodes([]string{" us", "CA", "", "Us", "mx "})
	if want := []string{"CA", "MX", "US"}; !reflect.DeepEqual(got, want) {
		t.Fatalf("normalizeCodes = %v, want %v", got, want)
	}
	if normalizeCodes(nil) != nil {
		t.Fatalf("nil input should stay nil")
	}
}

func TestValidCountryCode(t *testing.T) {
	for code, want := range map[string]bool{
		"US": true, "jp": true, "Gb": true,
		"USA": false, "JAP": false, "U": false, "": false, "U1": false, "É": false,
	} {
		if got := validCountryCode(code); got != want {
			t.Fatalf("validCountryCode(%q) = %v, want %v", code, got, want)
		}
	}
}

func TestAllowedForCodes(t *testing.T) {
	list := codeSet([]string{"US", "CA"})
	cases := []struct {
		detected      []string
		allowedRegion bool
		want          bool
	}{
		{[]string{"us"}, true, true},
		{[]string{"US", "CA"}, true, true},
		{[]string{"US", "MX"}, true, false},
		{[]string{"MX"}, false, true},
		{[]string{"MX", "ca"}, false, false},
	}
	for _, tc := range cases {
		if got := allowedForCodes(tc.detected, list, tc.allowedRegion); got != tc.want {
			t.Fatalf("allowedForCodes(%v, allowedRegion=%v) = %v, want %v", tc.detected, tc.allowedRegion, got, tc.want)
		}
	}
}

func TestCachedCountryCodes(t *testing.T) {
	d := &fakeCountries{}
	if got := cachedCountryCodes(d); got != nil {
		t.Fatalf("empty detector returned %v", got)
	}

	d.locCode, d.locAt = "FR", testStart
	d.cached = map[string]time.Time{"DE": testStart.Add(-time.Second), "": testStart.Add(time.Hour)}
	if got := cachedCountryCodes(d); !reflect.DeepEqual(got, []string{"FR"}) {
		t.Fatalf("cachedCountryCodes = %v, want [FR]", got)
	}

	d.cached["DE"] = testStart.Add(time.Second)
	d.cached["AT"] = testStart.Add(-time.Hour)
	if got := cachedCountryCodes(d); !reflect.DeepEqual(got, []string{"AT", "DE"}) {
		t.Fatalf("cachedCountryCodes = %v, want [AT DE]", got)
	}

	// An empty location code never hides cached network codes, however recent.
	d.locCode, d.locAt = "", testStart.Add(2*time.Hour)
	if got := cachedCountryCodes(d); !reflect.DeepEqual(got, []string{"AT", "DE"}) {
		t.Fatalf("cachedCountryCodes = %v, want [AT DE]", got)
	}

	d.cached = nil
	d.locCode = "FR"
	if got := cachedCountryCodes(d); !reflect.DeepEqual(got, []string{"FR"}) {
		t.Fatalf("location code alone = %v, want [FR]", got)
	}
}

func TestFreshest(t *testing.T) {
	lp := newFakeLocations()
	now := testStart
	if freshest(lp, now, time.Minute) != nil {
		t.Fatalf("no providers should yield nil")
	}
	lp.setLast("gps", &Location{Latitude: 1, Time: now.Add(-2 * time.Minute)})
	if freshest(lp, now, time.Minute) != nil {
		t.Fatalf("stale fix accepted")
	}
	lp.setLast("fused", &Location{Latitude: 2, Time: now.Add(-time.Minute)})
	if loc := freshest(lp, now, time.Minute); loc == nil || loc.Latitude != 2 {
		t.Fatalf("freshest = %+v, want fix exactly at the window edge", loc)
	}
}
