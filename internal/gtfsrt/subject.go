package gtfsrt

import (
	"errors"
	"strings"
)

const (
	SubjectPrefix           = "gtfsrt."
	TripUpdateSubjectPrefix = SubjectPrefix + "tu."
)

// NATS reserves "." as token separator, "*" and ">" as wildcards and a
// leading "$" for system subjects.
var subjectEscaper = strings.NewReplacer(".", "__", "*", "__", ">", "__", "$", "__")

func EscapeSubjectToken(s string) string {
	return subjectEscaper.Replace(s)
}

var ErrNoTripID = errors.New("TripUpdate has no trip_id")

// TripUpdateSubject returns gtfsrt.tu.<trip_id>.
func TripUpdateSubject(u *TripUpdate) (string, error) {
	if u.Trip.TripID == "" {
		return "", ErrNoTripID
	}
	return TripUpdateSubjectPrefix + EscapeSubjectToken(u.Trip.TripID), nil
}
