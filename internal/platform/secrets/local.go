package secrets

import (
	"bufio"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

// localSecrets lazily loads a KEY=VALUE fallback file. A missing file is an
// empty store; a present but unreadable file poisons every lookup.
type localSecrets struct {
	path string

	once   sync.Once
	values map[string]string
	err    error
}

func (l *localSecrets) lookup(canonical, version string) (string, bool, error) {
	l.once.Do(l.load)
	if l.err != nil {
		return "", false, l.err
	}
	if value, ok := l.values[cacheKey(canonical, version)]; ok {
		return value, true, nil
	}
	if value, ok := l.values[canonical]; ok {
		return value, true, nil
	}
	return "", false, nil
}

func (l *localSecrets) load() {
	l.values = map[string]string{}

	path := l.path
	if path == "" {
		return
	}
	if abs, err := filepath.Abs(path); err == nil {
		path = abs
	}

	file, err := os.Open(path)
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			l.err = fmt.Errorf("secrets: unable to open fallback file %s: %w", path, err)
		}
		return
	}
	defer file.Close()

	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		key, value, found := strings.Cut(line, "=")
		if !found {
			continue
		}
		key = normaliseFallbackKey(key)
		if key == "" {
			continue
		}
		value = strings.TrimSpace(value)

		ref, err := parseSecretRef(key)
		if err != nil {
			l.values[key] = value
			continue
		}
		version := ref.Version
		if version == "" {
			version = "latest"
		}
		l.values[ref.Canonical] = value
		l.values[cacheKey(ref.Canonical, version)] = value
	}
	if err := scanner.Err(); err != nil {
		l.err = fmt.Errorf("secrets: failed reading %s: %w", path, err)
	}
}

// normaliseFallbackKey maps the sm:// alias and bare secret names onto the
// secret:// scheme so file entries match parsed references.
func normaliseFallbackKey(key string) string {
	key = strings.TrimSpace(key)
	switch {
	case key == "":
		return ""
	case strings.HasPrefix(key, "sm://"):
		return "secret://" + strings.TrimPrefix(key, "sm://")
	case !strings.Contains(key, "://"):
		return "secret://" + key
	}
	return key
}
