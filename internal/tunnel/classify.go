package tunnel

import "strings"

// networkPhrases classify as ErrNetwork. They are checked first, before any
// other phrase group, so that a bounced SSH connection is never
// misclassified as Auth or Permission (spec §4.1: "remote-closure phrases
// are checked before generic 'permission denied'").
var networkPhrases = []string{
	"closed by remote host",
	"connection reset by peer",
	"connection refused",
	"broken pipe",
	"no route to host",
	"network",
}

// remoteClosurePhrases is the narrower set that indicates the endpoint SSH
// server itself terminated the connection, as opposed to a generic "network"
// failure. Only these drive the §4.4 remote-closure override.
var remoteClosurePhrases = []string{
	"closed by remote host",
	"connection reset by peer",
	"connection refused",
	"broken pipe",
	"no route to host",
}

var authPhrases = []string{
	"authentication failed",
	"permission denied",
	"incorrect password",
}

var timeoutPhrases = []string{
	"etimedout",
	"timeout",
	"timed out",
}

var portConflictPhrases = []string{
	"bind: address already in use",
	"failed for listen port",
	"port forwarding failed",
}

var permissionPhrases = []string{
	"permission",
	"access denied",
}

// Classify maps a raw error string to an ErrorKind by case-insensitive
// substring search against fixed phrase groups, in the order fixed by spec
// §4.1. It is a pure, total, idempotent function.
func Classify(msg string) ErrorKind {
	lower := strings.ToLower(msg)

	if containsAny(lower, networkPhrases) {
		return ErrNetwork
	}
	if containsAny(lower, authPhrases) {
		return ErrAuth
	}
	if containsAny(lower, timeoutPhrases) {
		return ErrTimeout
	}
	if containsAny(lower, portConflictPhrases) {
		return ErrPortConflict
	}
	if containsAny(lower, permissionPhrases) {
		return ErrPermission
	}
	return ErrUnknown
}

// IsRemoteClosure reports whether msg matches one of the phrases that
// indicate the endpoint SSH server terminated the connection. This is
// narrower than Classify(msg) == ErrNetwork: a generic "network" failure
// that isn't one of the specific remote-closure phrases still classifies as
// ErrNetwork but does not trigger the remote-closure override in §4.4.
func IsRemoteClosure(msg string) bool {
	return containsAny(strings.ToLower(msg), remoteClosurePhrases)
}

func containsAny(haystack string, phrases []string) bool {
	for _, p := range phrases {
		if strings.Contains(haystack, p) {
			return true
		}
	}
	return false
}
