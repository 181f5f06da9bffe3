package main

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	json "github.com/goccy/go-json"
	"github.com/goccy/go-yaml"

	"github.com/agentstation/nodeguard"
)

// expandPath expands ~ to home directory.
func expandPath(path string) (string, error) {
	if path == "~" || strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}
		if path == "~" {
			return home, nil
		}
		return filepath.Join(home, path[2:]), nil
	}
	return path, nil
}

// readInput decodes the initial state from a JSON or YAML file. An empty
// path yields an empty state.
func readInput(path string) (nodeguard.State, error) {
	if path == "" {
		return nodeguard.State{}, nil
	}
	path, err := expandPath(path)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path) // #nosec G304 - user-provided input file
	if err != nil {
		return nil, fmt.Errorf("read input: %w", err)
	}

	state := nodeguard.State{}
	if strings.EqualFold(filepath.Ext(path), ".json") {
		err = json.Unmarshal(data, &state)
	} else {
		err = yaml.Unmarshal(data, &state)
	}
	if err != nil {
		return nil, fmt.Errorf("decode input %s: %w", path, err)
	}
	if state == nil {
		state = nodeguard.State{}
	}
	return state, nil
}

// firstNonEmpty returns the first non-empty value.
func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
