package routes

import (
	"strings"
	"testing"
)

func TestParseLineBasic(t *testing.T) {
	r, err := ParseLine("example.com/api 127.0.0.1:8000,127.0.0.1:8001 over_http=yes", 0)
	if err != nil {
		t.Fatalf("ParseLine: %v", err)
	}
	if r.Host != "example.com" || r.Path != "/api" {
		t.Fatalf("host/path = %q/%q", r.Host, r.Path)
	}
	if len(r.Targets) != 2 || r.Targets[0] != "127.0.0.1:8000" {
		t.Fatalf("targets = %v", r.Targets)
	}
	if !r.BoolOption("over_http") {
		t.Fatal("expected over_http=yes to parse as true")
	}
}

func TestParseLineNoPath(t *testing.T) {
	r, err := ParseLine("example.com 127.0.0.1:8000", 0)
	if err != nil {
		t.Fatalf("ParseLine: %v", err)
	}
	if r.Host != "example.com" || r.Path != "" {
		t.Fatalf("host/path = %q/%q", r.Host, r.Path)
	}
}

func TestParseLineMalformed(t *testing.T) {
	if _, err := ParseLine("justahost", 0); err == nil {
		t.Fatal("expected error for missing target")
	}
	if _, err := ParseLine("example.com 127.0.0.1:8000 badoption", 0); err == nil {
		t.Fatal("expected error for option missing '='")
	}
}

func TestParseReaderSkipsCommentsAndBlankLines(t *testing.T) {
	text := "# a comment\n\nexample.com 127.0.0.1:8000\n  # indented comment\nother.com/x 127.0.0.1:9000\n"
	routes, err := ParseReader(strings.NewReader(text))
	if err != nil {
		t.Fatalf("ParseReader: %v", err)
	}
	if len(routes) != 2 {
		t.Fatalf("got %d routes, want 2", len(routes))
	}
}

func TestLookupExactHostLongestPrefixWins(t *testing.T) {
	routes, err := ParseLines([]string{
		"example.com/ 127.0.0.1:8000",
		"example.com/api 127.0.0.1:8001",
		"example.com/api/v2 127.0.0.1:8002",
	})
	if err != nil {
		t.Fatalf("ParseLines: %v", err)
	}
	table := NewTableFromRoutes(routes)

	r := table.Lookup("example.com", "/api/v2/widgets")
	if r == nil || r.Targets[0] != "127.0.0.1:8002" {
		t.Fatalf("expected longest-prefix match to /api/v2, got %+v", r)
	}

	r = table.Lookup("example.com", "/api/other")
	if r == nil || r.Targets[0] != "127.0.0.1:8001" {
		t.Fatalf("expected match to /api, got %+v", r)
	}

	r = table.Lookup("example.com", "/unrelated")
	if r == nil || r.Targets[0] != "127.0.0.1:8000" {
		t.Fatalf("expected fallback to /, got %+v", r)
	}
}

func TestLookupTieBrokenByInsertionOrder(t *testing.T) {
	routes, err := ParseLines([]string{
		"example.com/api 127.0.0.1:8000",
		"example.com/api 127.0.0.1:9000",
	})
	if err != nil {
		t.Fatalf("ParseLines: %v", err)
	}
	table := NewTableFromRoutes(routes)

	r := table.Lookup("example.com", "/api")
	if r == nil || r.Targets[0] != "127.0.0.1:8000" {
		t.Fatalf("expected first-inserted route to win tie, got %+v", r)
	}
}

func TestLookupExactHostBeatsWildcard(t *testing.T) {
	routes, err := ParseLines([]string{
		"*.example.com/ 127.0.0.1:7000",
		"foo.example.com/ 127.0.0.1:8000",
	})
	if err != nil {
		t.Fatalf("ParseLines: %v", err)
	}
	table := NewTableFromRoutes(routes)

	r := table.Lookup("foo.example.com", "/anything")
	if r == nil || r.Targets[0] != "127.0.0.1:8000" {
		t.Fatalf("expected exact host to beat wildcard, got %+v", r)
	}

	r = table.Lookup("bar.example.com", "/anything")
	if r == nil || r.Targets[0] != "127.0.0.1:7000" {
		t.Fatalf("expected wildcard fallback for bar.example.com, got %+v", r)
	}

	if table.Lookup("example.com", "/x") != nil {
		t.Fatal("bare suffix should not match *.example.com")
	}
}

func TestLookupNoMatch(t *testing.T) {
	table := NewTable()
	if r := table.Lookup("nowhere.test", "/"); r != nil {
		t.Fatalf("expected nil for empty table, got %+v", r)
	}
}

func TestAddRouteLineIsAtomicToInFlightReaders(t *testing.T) {
	table := NewTable()
	if err := table.AddRouteLine("example.com/ 127.0.0.1:8000"); err != nil {
		t.Fatalf("AddRouteLine: %v", err)
	}

	captured := table.Lookup("example.com", "/")
	if captured == nil {
		t.Fatal("expected a route after first AddRouteLine")
	}

	if err := table.AddRouteLine("example.com/api 127.0.0.1:9000"); err != nil {
		t.Fatalf("AddRouteLine: %v", err)
	}

	if captured.Targets[0] != "127.0.0.1:8000" {
		t.Fatal("previously captured Route must not mutate after a later reload")
	}

	updated := table.Lookup("example.com", "/api")
	if updated == nil || updated.Targets[0] != "127.0.0.1:9000" {
		t.Fatalf("expected new route to be visible to fresh lookups, got %+v", updated)
	}
}

func TestReloadFiresObservers(t *testing.T) {
	table := NewTable()
	hits := 0
	table.Observe(func() { hits++ })

	if err := table.AddRouteLine("example.com/ 127.0.0.1:8000"); err != nil {
		t.Fatalf("AddRouteLine: %v", err)
	}
	table.Reload(nil)

	if hits != 2 {
		t.Fatalf("observer hits = %d, want 2", hits)
	}
}
