package common

import "fmt"

// Truncate renders an untrusted value as a string bounded to maxLength runes.
// Handler-provided values end up in log lines and error messages; this keeps
// them from flooding either.
func Truncate(v any, maxLength int) string {
	s := fmt.Sprintf("%v", v)
	r := []rune(s)
	if len(r) <= maxLength {
		return s
	}
	if maxLength <= 3 {
		return string(r[:maxLength])
	}
	return string(r[:maxLength-3]) + "..."
}
