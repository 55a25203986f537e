package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
)

const (
	secretRefPrefix = "${FILE:"
	secretRefSuffix = "}"
)

// LoadSecretsFromFiles reads every regular file in dir as one secret keyed
// by file name. Dot files are skipped. A missing directory yields no secrets.
func LoadSecretsFromFiles(dir string) (map[string]string, error) {
	entries, err := os.ReadDir(dir)
	if errors.Is(err, fs.ErrNotExist) {
		return map[string]string{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read secrets directory: %w", err)
	}

	secrets := make(map[string]string, len(entries))
	for _, entry := range entries {
		if !entry.Type().IsRegular() || strings.HasPrefix(entry.Name(), ".") {
			continue
		}
		data, err := os.ReadFile(filepath.Join(dir, entry.Name()))
		if err != nil {
			return nil, fmt.Errorf("failed to read secret %s: %w", entry.Name(), err)
		}
		secrets[entry.Name()] = strings.TrimSpace(string(data))
	}
	return secrets, nil
}

// InjectSecretsIntoConfig resolves ${FILE:name} references in the API token
// and the engine agent token. A reference to an unknown secret is an error;
// sending the placeholder itself as a credential would only fail later.
func InjectSecretsIntoConfig(cfg *Config, secrets map[string]string) error {
	var err error
	if cfg.Server.APIToken, err = resolveSecret("server.api_token", cfg.Server.APIToken, secrets); err != nil {
		return err
	}
	if cfg.Engine.HTTP != nil {
		if cfg.Engine.HTTP.Token, err = resolveSecret("engine.http.token", cfg.Engine.HTTP.Token, secrets); err != nil {
			return err
		}
	}
	return nil
}

func resolveSecret(field, value string, secrets map[string]string) (string, error) {
	name, ok := strings.CutPrefix(value, secretRefPrefix)
	if !ok {
		return value, nil
	}
	name, ok = strings.CutSuffix(name, secretRefSuffix)
	if !ok {
		return value, nil
	}

	secret, found := secrets[name]
	if !found {
		return "", fmt.Errorf("%s references unknown secret %q", field, name)
	}
	return secret, nil
}
