package syn2mas

import (
	"strconv"
	"strings"
	"time"
)

// localpart extracts the local part of a full Matrix user id for the given
// homeserver. Returns false when the id is malformed or belongs to a
// different server.
func localpart(userID, homeserver string) (string, bool) {
	rest, ok := strings.CutPrefix(userID, "@")
	if !ok {
		return "", false
	}
	local, server, ok := strings.Cut(rest, ":")
	if !ok || local == "" || server != homeserver {
		return "", false
	}
	return local, true
}

// deviceKey encodes the composite (user, device) legacy primary key of a
// Synapse device as a single translation-table key. NUL cannot appear in
// either component, so the encoding is unambiguous.
func deviceKey(userID, deviceID string) string {
	return userID + "\x00" + deviceID
}

// tokenKey encodes an access/refresh token's integer primary key.
func tokenKey(id int64) string {
	return strconv.FormatInt(id, 10)
}

// accessTokenByRefreshKey is the auxiliary translation key recorded during
// the access-token pass, letting the refresh-token pass find the target id
// of its paired access token. Synapse stores the pairing on the access
// token side (access_tokens.refresh_token_id), so the refresh pass cannot
// resolve it from its own row alone.
func accessTokenByRefreshKey(refreshTokenID int64) string {
	return "by-refresh\x00" + strconv.FormatInt(refreshTokenID, 10)
}

// secondsTime converts a unix-seconds timestamp.
func secondsTime(ts int64) time.Time {
	return time.Unix(ts, 0).UTC()
}

// millisTime converts a unix-milliseconds timestamp.
func millisTime(ms int64) time.Time {
	return time.UnixMilli(ms).UTC()
}

// optMillisTime converts an optional unix-milliseconds timestamp.
func optMillisTime(ms *int64) *time.Time {
	if ms == nil {
		return nil
	}
	t := millisTime(*ms)
	return &t
}
