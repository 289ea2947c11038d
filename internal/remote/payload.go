package remote

import (
	"bufio"
	"bytes"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strings"
)

// Entry is one raw installed-software record as reported by a host. Empty
// strings mean the field was absent.
type Entry struct {
	Name        string `json:"Name"`
	Publisher   string `json:"Publisher"`
	InstallDate string `json:"InstallDate"`
	Size        string `json:"Size"`
	Version     string `json:"Version"`
	Hostname    string `json:"Hostname"`
}

// UnmarshalJSON accepts strings, numbers, booleans and nulls for every field;
// ConvertTo-Json emits EstimatedSize as a number and may emit versions or
// dates as numbers too.
func (e *Entry) UnmarshalJSON(data []byte) error {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(data, &fields); err != nil {
		return err
	}
	for k, raw := range fields {
		v, err := scalarString(raw)
		if err != nil {
			return fmt.Errorf("field %s: %w", k, err)
		}
		switch k {
		case "Name":
			e.Name = v
		case "Publisher":
			e.Publisher = v
		case "InstallDate":
			e.InstallDate = v
		case "Size":
			e.Size = v
		case "Version":
			e.Version = v
		case "Hostname":
			e.Hostname = v
		}
	}
	return nil
}

func scalarString(raw json.RawMessage) (string, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return "", nil
	}
	switch raw[0] {
	case '"':
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return "", err
		}
		return s, nil
	case '{', '[':
		var buf bytes.Buffer
		if err := json.Compact(&buf, raw); err != nil {
			return "", err
		}
		return buf.String(), nil
	default:
		// numbers and booleans keep their literal text
		return string(raw), nil
	}
}

// Format is the output strategy chosen by the OS probe.
type Format int

const (
	Structured Format = iota
	Delimited
)

func (f Format) String() string {
	if f == Delimited {
		return "delimited"
	}
	return "structured"
}

// Payload is the decoded script output tagged with the format the host was
// asked to produce.
type Payload struct {
	Format Format
	Text   string
}

// DecodePayload base64-decodes the script's stdout. A blank result yields
// ErrEmptyOutput; undecodable input yields a ParseError.
func DecodePayload(host string, format Format, stdout string) (Payload, error) {
	encoded := strings.Join(strings.Fields(stdout), "")
	decoded, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return Payload{}, &ParseError{Host: host, Format: format, Err: fmt.Errorf("base64: %w", err)}
	}

	text := strings.TrimPrefix(string(bytes.ToValidUTF8(decoded, nil)), "\ufeff")
	if strings.TrimSpace(text) == "" {
		return Payload{}, fmt.Errorf("%s: %w", host, ErrEmptyOutput)
	}
	return Payload{Format: format, Text: text}, nil
}

// ParseStructured parses a JSON array of entries, or a single entry object.
func ParseStructured(text string) ([]Entry, error) {
	trimmed := strings.TrimSpace(text)
	if trimmed == "" {
		return nil, errors.New("empty document")
	}

	if trimmed[0] == '{' {
		var single Entry
		if err := json.Unmarshal([]byte(trimmed), &single); err != nil {
			return nil, err
		}
		return []Entry{single}, nil
	}

	var entries []Entry
	if err := json.Unmarshal([]byte(trimmed), &entries); err != nil {
		return nil, err
	}
	return entries, nil
}

var sizeDigits = regexp.MustCompile(`(\d+)`)

// ParseDelimited parses the legacy text report: "Label : value" lines, one
// record per block, blocks terminated by a dashed separator line. A trailing
// block without separator is kept.
func ParseDelimited(text string) []Entry {
	var (
		entries []Entry
		current Entry
		dirty   bool
	)

	scanner := bufio.NewScanner(strings.NewReader(text))
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())

		switch {
		case strings.HasPrefix(line, labelName):
			current.Name = fieldValue(line)
			dirty = true
		case strings.HasPrefix(line, labelVersion):
			current.Version = fieldValue(line)
			dirty = true
		case strings.HasPrefix(line, labelPublisher):
			current.Publisher = fieldValue(line)
			dirty = true
		case strings.HasPrefix(line, labelInstallDate):
			current.InstallDate = fieldValue(line)
			dirty = true
		case strings.HasPrefix(line, labelSize):
			if m := sizeDigits.FindString(line); m != "" {
				current.Size = m
			} else {
				current.Size = "0"
			}
			dirty = true
		case strings.HasPrefix(line, recordSeparator):
			if dirty {
				entries = append(entries, current)
			}
			current, dirty = Entry{}, false
		}
	}
	if dirty {
		entries = append(entries, current)
	}
	return entries
}

func fieldValue(line string) string {
	_, v, ok := strings.Cut(line, ":")
	if !ok {
		return ""
	}
	return strings.TrimSpace(v)
}
