package storage

import (
	"net/url"
	"regexp"
	"strings"
)

var passwordPair = regexp.MustCompile(`(password\s*=\s*)\S+`)

// SanitizeDSN hides the password of a Postgres DSN in either URL or
// key=value form so it can be logged.
func SanitizeDSN(dsn string) string {
	if strings.Contains(dsn, "://") {
		u, err := url.Parse(dsn)
		if err == nil && u.User != nil {
			if _, hasPassword := u.User.Password(); hasPassword {
				u.User = url.UserPassword(u.User.Username(), "[REDACTED]")
				return u.String()
			}
		}
	}
	return passwordPair.ReplaceAllString(dsn, "${1}[REDACTED]")
}
