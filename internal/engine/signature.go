package engine

import (
	"encoding/hex"
	"fmt"
	"strings"
	"unicode"

	"github.com/zeebo/blake3"

	"github.com/miradorstack/healloop/internal/models"
)

const maxSignatureLen = 200

var errorHints = []string{"error", "fail", "panic", "exception", "fatal", "cannot", "not found", "undefined"}

// Signature reduces a failing result to a stable, volatile-free string: counters,
// ports, line numbers and timestamps collapse to '#', so repeated occurrences of
// the same failure share one fingerprint.
func Signature(res models.ProbeResult) string {
	d := res.Diagnostic
	var prefix string
	switch {
	case d.TimedOut:
		return "timeout"
	case res.Kind == models.KindVCSStatus && d.Error == "":
		flags := make([]string, 0, 3)
		if d.Dirty {
			flags = append(flags, "dirty")
		}
		if d.Ahead > 0 {
			flags = append(flags, "ahead")
		}
		if d.Behind > 0 {
			flags = append(flags, "behind")
		}
		if len(flags) > 0 {
			return "vcs:" + strings.Join(flags, ",")
		}
		prefix = fmt.Sprintf("exit:%d", d.ExitCode)
	case d.HTTPStatus > 0:
		prefix = fmt.Sprintf("http:%d", d.HTTPStatus)
	case d.Error != "":
		prefix = "error"
	default:
		prefix = fmt.Sprintf("exit:%d", d.ExitCode)
	}

	detail := firstErrorLine(d.Excerpt)
	if detail == "" {
		detail = d.Error
	}
	detail = normalize(detail)
	sig := prefix
	if detail != "" {
		sig += " " + detail
	}
	if len(sig) > maxSignatureLen {
		sig = sig[:maxSignatureLen]
	}
	return sig
}

// Fingerprint hashes a target id and signature into 16 hex-encoded bytes.
func Fingerprint(targetID, signature string) string {
	sum := blake3.Sum256([]byte(targetID + "\x00" + signature))
	return hex.EncodeToString(sum[:16])
}

func firstErrorLine(text string) string {
	var first string
	for _, line := range strings.Split(text, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		if first == "" {
			first = line
		}
		lower := strings.ToLower(line)
		for _, hint := range errorHints {
			if strings.Contains(lower, hint) {
				return line
			}
		}
	}
	return first
}

func normalize(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	space := false
	for _, r := range strings.ToLower(s) {
		switch {
		case unicode.IsDigit(r):
			b.WriteRune('#')
			space = false
		case unicode.IsSpace(r):
			if !space && b.Len() > 0 {
				b.WriteByte(' ')
			}
			space = true
		default:
			b.WriteRune(r)
			space = false
		}
	}
	return strings.TrimSpace(b.String())
}
