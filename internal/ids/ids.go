// Package ids normalizes stop identifiers between VDV realtime data and
// DHID/IFOPT-style GTFS Schedule data.
package ids

import (
	"regexp"
	"strings"
)

var providerPrefix = regexp.MustCompile(`^[A-Z]+_`)

// StripProviderPrefix removes a data provider prefix such as "ODEG_" from a
// VDV HaltID. Only the part up to and including the first "_" is removed.
func StripProviderPrefix(haltID string) string {
	if !providerPrefix.MatchString(haltID) {
		return haltID
	}
	return haltID[strings.IndexByte(haltID, '_')+1:]
}

var likeEscaper = strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)

// EscapeForLikeOp escapes s so that it matches literally inside a SQL LIKE pattern.
func EscapeForLikeOp(s string) string {
	return likeEscaper.Replace(s)
}

// country:region:station[:area[:platform]], e.g. de:12063:900210771::1
var dhid = regexp.MustCompile(`(?i)^[a-z]{2}:\w+:(\w+)(::?\w+)*$`)

// LocalStationID returns the region-local station part of a DHID/IFOPT ID,
// e.g. "900210771" for "de:12063:900210771::1".
func LocalStationID(id string) (string, bool) {
	m := dhid.FindStringSubmatch(id)
	if m == nil {
		return "", false
	}
	return m[1], true
}

// MatchesDHID reports whether the flat local ID identifies the station of the DHID.
func MatchesDHID(localID, id string) bool {
	station, ok := LocalStationID(id)
	return ok && station == localID
}

// StopIDsEqual compares a realtime stop ID with a schedule stop ID, tolerating
// flat local IDs on either side.
func StopIDsEqual(a, b string) bool {
	if a == "" || b == "" {
		return false
	}
	return a == b || MatchesDHID(a, b) || MatchesDHID(b, a)
}
