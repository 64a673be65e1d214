package routes

import (
	"bufio"
	"fmt"
	"io"
	"strings"
)

// ParseLine parses one routes-file line of the form:
//
//	host[/path] target[,target…] [option=value…]
//
// Blank lines and lines beginning with '#' (after leading whitespace)
// are not routes; callers should skip them before calling ParseLine, or
// use ParseLines/ParseReader which already do.
func ParseLine(line string, seq int) (Route, error) {
	fields := strings.Fields(line)
	if len(fields) < 2 {
		return Route{}, fmt.Errorf("routes: malformed line %q: need at least host and target", line)
	}

	hostPath := fields[0]
	host := hostPath
	path := ""
	if idx := strings.IndexByte(hostPath, '/'); idx >= 0 {
		host = hostPath[:idx]
		path = hostPath[idx:]
	}
	if host == "" {
		return Route{}, fmt.Errorf("routes: malformed line %q: empty host", line)
	}

	targets := strings.Split(fields[1], ",")
	for i, t := range targets {
		targets[i] = strings.TrimSpace(t)
	}

	opts := make(map[string]string)
	for _, f := range fields[2:] {
		k, v, ok := strings.Cut(f, "=")
		if !ok {
			return Route{}, fmt.Errorf("routes: malformed option %q in line %q", f, line)
		}
		opts[k] = v
	}

	return Route{Host: host, Path: path, Targets: targets, Options: opts, seq: seq}, nil
}

// ParseReader reads routes-file text, skipping blank lines and '#'
// comments, and returns the parsed routes in file order.
func ParseReader(r io.Reader) ([]Route, error) {
	var out []Route
	scanner := bufio.NewScanner(r)
	seq := 0
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		route, err := ParseLine(line, seq)
		if err != nil {
			return nil, fmt.Errorf("routes: line %d: %w", lineNo, err)
		}
		out = append(out, route)
		seq++
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

// ParseLines is ParseReader over an in-memory list of lines, for the
// "construct from an in-memory list of route lines" operation in
// spec.md §4.E.
func ParseLines(lines []string) ([]Route, error) {
	return ParseReader(strings.NewReader(strings.Join(lines, "\n")))
}
