// Package normalize turns raw remote entries into storable software records.
package normalize

import (
	"regexp"
	"strconv"
	"strings"
	"time"
	"unicode"
	"unicode/utf8"

	"github.com/go-tangra/go-tangra-swinventory/internal/remote"
)

const (
	MaxNameLen      = 90
	MaxPublisherLen = 90
	MaxVersionLen   = 50

	UnknownName    = "Unknown"
	DefaultVersion = "0.0.0"
)

// Record is one normalized installed-application row.
type Record struct {
	Name        string     `json:"name"`
	Publisher   string     `json:"publisher"`
	InstallDate *time.Time `json:"installDate,omitempty"`
	ProgramSize int64      `json:"programSize"`
	Version     string     `json:"version"`
	Hostname    string     `json:"hostname"`
	IsNew       bool       `json:"isNew"`
}

// publisherAliases is checked in order; a later match overrides an earlier
// one, so "Microsoft" wins over "Interflex" when both appear.
var publisherAliases = []struct {
	contains  string
	canonical string
}{
	{"Interflex", "Interflex Datensysteme GmbH & Co. KG"},
	{"Microsoft", "Microsoft Corporation"},
}

var dateLayouts = []string{"20060102", "2006-01-02", "02.01.2006"}

// Normalize cleans e. The result always has IsNew set.
func Normalize(e remote.Entry) Record {
	name := CleanName(e.Name)
	if name == "" {
		name = UnknownName
	}
	return Record{
		Name:        name,
		Publisher:   Publisher(e.Publisher),
		InstallDate: ParseDate(e.InstallDate),
		ProgramSize: ParseSize(e.Size),
		Version:     Version(e.Version),
		Hostname:    e.Hostname,
		IsNew:       true,
	}
}

// All normalizes every entry.
func All(entries []remote.Entry) []Record {
	out := make([]Record, 0, len(entries))
	for _, e := range entries {
		out = append(out, Normalize(e))
	}
	return out
}

func Publisher(raw string) string {
	out := strings.TrimSpace(raw)
	for _, alias := range publisherAliases {
		if strings.Contains(out, alias.contains) {
			out = alias.canonical
		}
	}
	return truncate(out, MaxPublisherLen)
}

func Version(raw string) string {
	v := strings.TrimSpace(raw)
	if v == "" {
		return DefaultVersion
	}
	return truncate(v, MaxVersionLen)
}

// ParseSize returns the size in KB, or 0 when raw is not an integer.
// Fractional values are truncated.
func ParseSize(raw string) int64 {
	raw = strings.TrimSpace(raw)
	if n, err := strconv.ParseInt(raw, 10, 64); err == nil && n > 0 {
		return n
	}
	if f, err := strconv.ParseFloat(raw, 64); err == nil && f > 0 {
		return int64(f)
	}
	return 0
}

// ParseDate tries the accepted layouts in order and returns nil when none
// matches.
func ParseDate(raw string) *time.Time {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil
	}
	for _, layout := range dateLayouts {
		if t, err := time.Parse(layout, raw); err == nil {
			return &t
		}
	}
	return nil
}

var (
	archInParens = regexp.MustCompile(`(?i)\(\s*[^)]*?(x64|x86|64-bit|32-bit|x86_64)[^)]*?\s*\)`)
	archToken    = regexp.MustCompile(`(?i)\b(x86_64|x64|x86|64-bit|32-bit)\b`)
	versionToken = regexp.MustCompile(`\bv?\d+(\.\d+)*\b`)
	emptyParens  = regexp.MustCompile(`\(\s*\)`)
	trailingSep  = regexp.MustCompile(`[\s\-]+$`)
	multiSpace   = regexp.MustCompile(`\s{2,}`)
)

// CleanName strips architecture qualifiers and version tokens from an
// application name and tidies the separators left behind. The pipeline is
// repeated until the name stops changing, so CleanName(CleanName(x)) equals
// CleanName(x). Every pass that changes the name shortens it.
func CleanName(raw string) string {
	s := raw
	for {
		next := cleanPass(s)
		if next == s {
			return s
		}
		s = next
	}
}

func cleanPass(raw string) string {
	s := archInParens.ReplaceAllString(raw, "")
	s = archToken.ReplaceAllString(s, "")
	s = versionToken.ReplaceAllString(s, "")
	s = emptyParens.ReplaceAllString(s, "")
	s = joinHyphens(s)
	s = trailingSep.ReplaceAllString(s, "")
	s = multiSpace.ReplaceAllString(s, " ")
	s = strings.TrimSpace(s)

	if utf8.RuneCountInString(s) > MaxNameLen {
		s = truncate(s, MaxNameLen)
		s = strings.TrimSpace(trailingSep.ReplaceAllString(s, ""))
	}
	return s
}

// joinHyphens removes the spaces around a hyphen that sits between two
// non-digits ("Foo - Bar" becomes "Foo-Bar") and leaves numeric ranges such
// as "2019 - 2021" alone.
func joinHyphens(s string) string {
	rs := []rune(s)
	var b strings.Builder
	b.Grow(len(s))
	for i := 0; i < len(rs); {
		if end, ok := hyphenAt(rs, i); ok {
			b.WriteByte('-')
			i = end
			continue
		}
		b.WriteRune(rs[i])
		i++
	}
	return b.String()
}

// hyphenAt matches optional spaces, a hyphen and optional spaces starting at
// i, preceded by a non-digit and followed by a non-digit. It returns the end
// of the match, backing off trailing spaces as needed.
func hyphenAt(rs []rune, i int) (int, bool) {
	if i == 0 || unicode.IsDigit(rs[i-1]) {
		return 0, false
	}
	k := i
	for k < len(rs) && unicode.IsSpace(rs[k]) {
		k++
	}
	if k >= len(rs) || rs[k] != '-' {
		return 0, false
	}
	m := k + 1
	for m < len(rs) && unicode.IsSpace(rs[m]) {
		m++
	}
	for e := m; e > k; e-- {
		if e < len(rs) && !unicode.IsDigit(rs[e]) {
			return e, true
		}
	}
	return 0, false
}

func truncate(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	return string([]rune(s)[:n])
}
