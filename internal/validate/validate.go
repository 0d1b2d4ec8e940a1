package validate

import (
	"encoding/base64"
	"regexp"
	"strings"
)

var (
	reID         = regexp.MustCompile(`^[A-Za-z0-9_.-]{1,128}$`)
	reCertID     = regexp.MustCompile(`^[\x21-\x7E]{1,128}$`)
	reCollection = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]{0,62}$`)
)

// ProductID validates a caller-supplied product identifier. It ends up in
// blob paths, so separators and traversal sequences are rejected.
func ProductID(s string) (string, bool) {
	s = strings.TrimSpace(s)
	if s == "" || s == "." || strings.Contains(s, "..") {
		return "", false
	}
	return s, reID.MatchString(s)
}

// CertificateID validates a registry certificate identifier: printable ASCII,
// no spaces.
func CertificateID(s string) (string, bool) {
	s = strings.TrimSpace(s)
	return s, s != "" && reCertID.MatchString(s)
}

// RecordID validates a stored certificate record id.
func RecordID(s string) (string, bool) {
	s = strings.TrimSpace(s)
	return s, s != "" && reID.MatchString(s)
}

// File decodes a standard base64 payload. Empty or undecodable input fails.
func File(s string) ([]byte, bool) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, false
	}
	b, err := base64.StdEncoding.DecodeString(s)
	if err != nil || len(b) == 0 {
		return nil, false
	}
	return b, true
}

// Collection validates a SQL table name taken from configuration.
func Collection(s string) bool { return reCollection.MatchString(s) }
