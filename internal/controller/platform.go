package controller

import (
	"net/url"
	"regexp"
	"strings"

	"meetingbot/pkg/meeting"
)

var googleMeetIDPattern = regexp.MustCompile(`^[a-z]{3}-[a-z]{4}-[a-z]{3}$`)
var zoomIDPattern = regexp.MustCompile(`^[0-9]{9,11}$`)

// BuildMeetingURL constructs the join URL for (platform, nativeID, passcode)
// per spec.md §6.3's table. It returns ok=false when the combination cannot
// produce a valid URL, which the caller turns into a 422.
func BuildMeetingURL(platform meeting.Platform, nativeID, passcode string) (string, bool) {
	switch platform {
	case meeting.PlatformGoogleMeet:
		if !googleMeetIDPattern.MatchString(nativeID) {
			return "", false
		}
		return "https://meet.google.com/" + nativeID, true

	case meeting.PlatformZoom:
		if !zoomIDPattern.MatchString(nativeID) {
			return "", false
		}
		u := "https://zoom.us/j/" + nativeID
		if passcode != "" {
			u += "?pwd=" + url.QueryEscape(passcode)
		}
		return u, true

	case meeting.PlatformTeams:
		if nativeID == "" {
			return "", false
		}
		parsed, err := url.Parse(nativeID)
		if err != nil || parsed.Scheme == "" || parsed.Host == "" {
			return "", false
		}
		return nativeID, true

	default:
		return "", false
	}
}

// hasControlChars reports whether s contains a CR or LF, guarding against
// header/log injection via user-supplied fields per spec.md §4.5 step 4.
func hasControlChars(s string) bool {
	return strings.ContainsAny(s, "\r\n")
}
