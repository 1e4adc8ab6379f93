package main

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/nevindra/conduit/internal/mount"
)

// loadAllowedRoots reads a plain-text allowlist of external mount roots,
// one path per line: "#" starts a comment, blank lines are skipped, and
// a path suffixed with ":rw" is writable (read-only otherwise).
func loadAllowedRoots(path string) ([]mount.AllowedRoot, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open allowlist: %w", err)
	}
	defer f.Close()

	var roots []mount.AllowedRoot
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		writable := false
		if p, ok := strings.CutSuffix(line, ":rw"); ok {
			line = p
			writable = true
		}
		roots = append(roots, mount.AllowedRoot{Path: line, Writable: writable})
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read allowlist: %w", err)
	}
	return roots, nil
}

// loadSecretsLoader reads a JSON file mapping each group's folder name to
// its environment secrets (e.g. {"team-a": {"API_KEY": "..."}}) and
// returns a loader closed over the parsed map. An empty path returns a
// nil loader, letting dispatch.New fall back to its own always-empty
// default.
func loadSecretsLoader(path string) (func(string) (map[string]string, error), error) {
	if path == "" {
		return nil, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read secrets file: %w", err)
	}
	var byFolder map[string]map[string]string
	if err := json.Unmarshal(data, &byFolder); err != nil {
		return nil, fmt.Errorf("decode secrets file: %w", err)
	}
	return func(groupFolder string) (map[string]string, error) {
		return byFolder[groupFolder], nil
	}, nil
}
