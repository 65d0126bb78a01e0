package security

import (
	"fmt"
	"path/filepath"
	"strings"
	"unicode"
)

const maxFilenameLen = 128

var windowsReservedNames = map[string]bool{
	"con": true, "prn": true, "aux": true, "nul": true,
	"com1": true, "com2": true, "com3": true, "com4": true,
	"com5": true, "com6": true, "com7": true, "com8": true, "com9": true,
	"lpt1": true, "lpt2": true, "lpt3": true, "lpt4": true,
	"lpt5": true, "lpt6": true, "lpt7": true, "lpt8": true, "lpt9": true,
}

// SanitizeFilename cleans a client-supplied upload name so it can be echoed
// back in JSON and response headers.
func SanitizeFilename(name string) string {
	replacer := strings.NewReplacer(
		"/", "-", "\\", "-", ":", "-",
		"*", "", "?", "", "\"", "",
		"<", "", ">", "", "|", "", "\x00", "",
	)
	sanitized := replacer.Replace(name)
	sanitized = strings.Map(func(r rune) rune {
		if unicode.IsControl(r) {
			return -1
		}
		return r
	}, sanitized)
	sanitized = strings.TrimLeft(sanitized, ".- ")
	sanitized = strings.TrimRight(sanitized, ". ")

	if len(sanitized) > maxFilenameLen {
		ext := filepath.Ext(sanitized)
		if len(ext) > 16 {
			ext = ""
		}
		sanitized = strings.TrimRight(sanitized[:maxFilenameLen-len(ext)], ". ") + ext
	}

	nameWithoutExt := strings.TrimSuffix(strings.ToLower(sanitized), filepath.Ext(sanitized))
	if windowsReservedNames[nameWithoutExt] {
		sanitized = sanitized + "_"
	}

	if sanitized == "" {
		sanitized = "file"
	}

	return sanitized
}

// Attachment returns a Content-Disposition value that asks the browser to
// download the body under name.
func Attachment(name string) string {
	return fmt.Sprintf("attachment; filename=%q", SanitizeFilename(name))
}

// Inline is the Content-Disposition used for previews.
func Inline(name string) string {
	return fmt.Sprintf("inline; filename=%q", SanitizeFilename(name))
}
