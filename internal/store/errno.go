package store

import "strings"

// isNoSpace reports whether err looks like a "no space left on device"
// failure. bbolt does not wrap ENOSPC in a typed error, so this matches on
// the message text the way the underlying os/syscall packages render it
// across platforms.
func isNoSpace(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "no space left") || strings.Contains(msg, "disk full") || strings.Contains(msg, "not enough space")
}
