package config

import (
	"bufio"
	"fmt"
	"os"
	"strings"
)

// LoadDotEnv sets variables from a KEY=VALUE file for local development.
// Variables already present in the environment win, even when empty.
// Lines may carry an "export " prefix; blank lines and # comments are skipped.
func LoadDotEnv(path string) error {
	file, err := os.Open(path)
	if err != nil {
		return err // callers usually ignore a missing file
	}
	defer file.Close()

	scanner := bufio.NewScanner(file)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		line = strings.TrimPrefix(line, "export ")

		key, value, ok := strings.Cut(line, "=")
		if !ok {
			continue
		}
		key = strings.TrimSpace(key)
		if key == "" {
			return fmt.Errorf("%s:%d: empty key", path, lineNo)
		}
		value = unquote(strings.TrimSpace(value))

		if _, set := os.LookupEnv(key); set {
			continue
		}
		if err := os.Setenv(key, value); err != nil {
			return fmt.Errorf("%s:%d: %w", path, lineNo, err)
		}
	}

	return scanner.Err()
}

// unquote strips one pair of matching quotes. Unquoted values lose a
// trailing " # comment".
func unquote(v string) string {
	if len(v) >= 2 && (v[0] == '"' || v[0] == '\'') && v[len(v)-1] == v[0] {
		return v[1 : len(v)-1]
	}
	if i := strings.Index(v, " #"); i >= 0 {
		v = strings.TrimSpace(v[:i])
	}
	return v
}
