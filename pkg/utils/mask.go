package utils

import "regexp"

var (
	urlPasswordRegex = regexp.MustCompile(`(://[^:/@]+:)([^@]+)(@)`)
	kvPasswordRegex  = regexp.MustCompile(`(?i)(password=)([^\s&]+)`)
)

// MaskDSN hides the password of a URL style or key=value Postgres DSN.
func MaskDSN(dsn string) string {
	dsn = urlPasswordRegex.ReplaceAllString(dsn, "${1}***${3}")
	return kvPasswordRegex.ReplaceAllString(dsn, "${1}***")
}
