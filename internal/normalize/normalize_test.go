package normalize

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/go-tangra/go-tangra-swinventory/internal/remote"
)

func TestCleanName(t *testing.T) {
	cases := []struct {
		in   string
		want string
	}{
		{"Tool x64", "Tool"},
		{"Microsoft Visual C++ 2015 Redistributable (x86) - 14.0.23026", "Microsoft Visual C++ Redistributable"},
		{"WinRAR 6.02 (64-bit)", "WinRAR"},
		{"Notepad++ (64-bit x64)", "Notepad++"},
		{"Java 8 Update 351 (64-bit)", "Java Update"},
		{"Foo  -  Bar", "Foo-Bar"},
		{"Office 2019 - 2021", "Office"},
		{"App v2.1", "App"},
		{"Python x86_64 Edition", "Python Edition"},
		{"Adobe Reader -", "Adobe Reader"},
		{"   ", ""},
	}
	for _, tc := range cases {
		t.Run(tc.in, func(t *testing.T) {
			assert.Equal(t, tc.want, CleanName(tc.in))
		})
	}
}

func TestCleanNameIsIdempotent(t *testing.T) {
	for _, in := range []string{
		"Tool (x64) 1.2.3",
		"Microsoft Visual C++ 2015 Redistributable (x86) - 14.0.23026",
		"Foo  -  Bar",
		"Office 2019 - 2021",
		strings.Repeat("Long Name ", 30),
		strings.Repeat("a", 87) + " v2abc",
		"Foo ((1.0))",
	} {
		once := CleanName(in)
		assert.Equal(t, once, CleanName(once), in)
	}
}

func TestJoinHyphensPreservesNumericRanges(t *testing.T) {
	assert.Equal(t, "2019 - 2021", joinHyphens("2019 - 2021"))
	assert.Equal(t, "Foo-Bar", joinHyphens("Foo - Bar"))
	assert.Equal(t, "Foo- 2", joinHyphens("Foo - 2"))
	assert.Equal(t, "-x", joinHyphens("-x"))
}

func TestCleanNameTruncates(t *testing.T) {
	long := strings.Repeat("ä", 95)
	got := CleanName(long)
	assert.Equal(t, MaxNameLen, len([]rune(got)))
}

func TestCleanNameReachesFixedPoint(t *testing.T) {
	// Truncation exposes a version token that the next pass removes.
	assert.Equal(t, strings.Repeat("a", 87), CleanName(strings.Repeat("a", 87)+" v2abc"))
	// Nested parentheses empty out one level per pass.
	assert.Equal(t, "Foo", CleanName("Foo ((1.0))"))
}

func TestCleanNameLongInputStaysBounded(t *testing.T) {
	got := CleanName(strings.Repeat("Suite ", 40))
	assert.LessOrEqual(t, len([]rune(got)), MaxNameLen)
	assert.Equal(t, got, strings.TrimSpace(got))
}

func TestPublisher(t *testing.T) {
	assert.Equal(t, "Interflex Datensysteme GmbH & Co. KG", Publisher("Interflex GmbH"))
	assert.Equal(t, "Microsoft Corporation", Publisher("Microsoft Corp."))
	assert.Equal(t, "Microsoft Corporation", Publisher("Interflex for Microsoft"))
	assert.Equal(t, "", Publisher(""))
	assert.Equal(t, 90, len([]rune(Publisher(strings.Repeat("p", 120)))))
}

func TestParseDate(t *testing.T) {
	want := time.Date(2023, 1, 15, 0, 0, 0, 0, time.UTC)
	for _, in := range []string{"20230115", "2023-01-15", "15.01.2023"} {
		got := ParseDate(in)
		require.NotNil(t, got, in)
		assert.True(t, want.Equal(*got), in)
	}
	assert.Nil(t, ParseDate(""))
	assert.Nil(t, ParseDate("01/15/2023"))
	assert.Nil(t, ParseDate("20231315"))
	assert.Nil(t, ParseDate("not-a-date"))
}

func TestParseSizeAndVersion(t *testing.T) {
	assert.EqualValues(t, 1024, ParseSize("1024"))
	assert.EqualValues(t, 12, ParseSize("12.7"))
	assert.EqualValues(t, 0, ParseSize("n/a"))
	assert.EqualValues(t, 0, ParseSize(""))

	assert.Equal(t, DefaultVersion, Version(""))
	assert.Equal(t, 50, len(Version(strings.Repeat("9", 60))))
}

func TestNormalize(t *testing.T) {
	rec := Normalize(remote.Entry{
		Name:        "Tool x64",
		Publisher:   "Interflex GmbH",
		InstallDate: "20230115",
		Size:        "1024",
		Version:     "1.2.3",
		Hostname:    "pc-01",
	})

	assert.Equal(t, "Tool", rec.Name)
	assert.Equal(t, "Interflex Datensysteme GmbH & Co. KG", rec.Publisher)
	require.NotNil(t, rec.InstallDate)
	assert.Equal(t, "2023-01-15", rec.InstallDate.Format("2006-01-02"))
	assert.EqualValues(t, 1024, rec.ProgramSize)
	assert.Equal(t, "1.2.3", rec.Version)
	assert.Equal(t, "pc-01", rec.Hostname)
	assert.True(t, rec.IsNew)

	empty := Normalize(remote.Entry{Name: "x64", Hostname: "h"})
	assert.Equal(t, UnknownName, empty.Name)
	assert.Equal(t, DefaultVersion, empty.Version)
	assert.Nil(t, empty.InstallDate)
	assert.Len(t, All([]remote.Entry{{}, {}}), 2)
}
