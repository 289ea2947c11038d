// Package hosts reads the list of machines to inventory.
package hosts

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
)

// Column is the header that names the host column.
const Column = "hostname"

// ErrNoHostColumn is returned when the header lacks Column.
var ErrNoHostColumn = errors.New("host list has no hostname column")

// Source yields the hosts for one run.
type Source interface {
	Hosts() ([]string, error)
}

// File is a CSV host list read on every call, so edits apply to the next run.
type File string

func (f File) Hosts() ([]string, error) {
	fh, err := os.Open(string(f))
	if err != nil {
		return nil, fmt.Errorf("open host list: %w", err)
	}
	defer fh.Close()
	return Read(fh)
}

// Static is a fixed host list.
type Static []string

func (s Static) Hosts() ([]string, error) { return dedupe(s), nil }

// Read parses CSV with a header row. Values are trimmed; blank and repeated
// hosts are dropped while keeping file order.
func Read(r io.Reader) ([]string, error) {
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = -1
	cr.TrimLeadingSpace = true
	cr.Comment = '#'

	header, err := cr.Read()
	if errors.Is(err, io.EOF) {
		return nil, ErrNoHostColumn
	}
	if err != nil {
		return nil, fmt.Errorf("read host list header: %w", err)
	}

	col := -1
	for i, h := range header {
		if strings.EqualFold(strings.TrimSpace(strings.TrimPrefix(h, "\ufeff")), Column) {
			col = i
			break
		}
	}
	if col < 0 {
		return nil, ErrNoHostColumn
	}

	var out []string
	for {
		row, err := cr.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("read host list: %w", err)
		}
		if col < len(row) {
			out = append(out, row[col])
		}
	}
	return dedupe(out), nil
}

func dedupe(in []string) []string {
	seen := make(map[string]struct{}, len(in))
	out := make([]string, 0, len(in))
	for _, h := range in {
		h = strings.TrimSpace(h)
		if h == "" {
			continue
		}
		key := strings.ToLower(h)
		if _, ok := seen[key]; ok {
			continue
		}
		seen[key] = struct{}{}
		out = append(out, h)
	}
	return out
}
