package model

import "unicode/utf8"

// Column widths of provider-controlled text on enhancement_jobs.
const (
	MaxStageLen        = 64
	MaxErrorCodeLen    = 64
	MaxErrorMessageLen = 1024
)

// Clip shortens s to at most n bytes without splitting a UTF-8 sequence.
func Clip(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n]
}
