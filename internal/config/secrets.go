package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// SecretReader читает секреты из файлов Docker Secrets.
// Для локального запуска допускается fallback на переменную окружения.
type SecretReader struct {
	Dir string
}

func (r SecretReader) Read(name, envFallback string) (string, error) {
	path := filepath.Join(r.Dir, name)
	raw, err := os.ReadFile(path)
	if err == nil {
		secret := strings.TrimSpace(string(raw))
		if secret == "" {
			return "", fmt.Errorf("secret file %s is empty", path)
		}
		return secret, nil
	}
	if envFallback != "" {
		if v := strings.TrimSpace(os.Getenv(envFallback)); v != "" {
			return v, nil
		}
	}
	return "", fmt.Errorf("failed to read secret %s (file %s, env %s): %w", name, path, envFallback, err)
}
