package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"
)

const (
	secretService  = "cihq"
	apiTokenSecret = "api_token"
)

// SecretStore keeps secrets in a 0600 YAML file grouped by service.
type SecretStore struct {
	path string
}

// NewSecretStore returns the store at $XDG_DATA_HOME/cihq/secrets.yaml.
func NewSecretStore() SecretStore {
	return SecretStore{path: filepath.Join(defaultDataDir(), "secrets.yaml")}
}

// NewSecretStoreAt returns a store backed by the given file.
func NewSecretStoreAt(path string) SecretStore {
	return SecretStore{path: path}
}

func (s SecretStore) read() (map[string]map[string]string, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		return nil, err
	}
	var secrets map[string]map[string]string
	if err := yaml.Unmarshal(data, &secrets); err != nil {
		return nil, fmt.Errorf("parsing secrets file: %w", err)
	}
	return secrets, nil
}

func (s SecretStore) Get(service, account string) (string, error) {
	secrets, err := s.read()
	if err != nil {
		return "", fmt.Errorf("secret store not available: %w", err)
	}
	svc, ok := secrets[service]
	if !ok {
		return "", fmt.Errorf("service %q not found", service)
	}
	val, ok := svc[account]
	if !ok {
		return "", fmt.Errorf("account %q not found in service %q", account, service)
	}
	return val, nil
}

func (s SecretStore) Set(service, account, value string) error {
	secrets, err := s.read()
	if err != nil && !os.IsNotExist(err) {
		return err
	}
	if secrets == nil {
		secrets = make(map[string]map[string]string)
	}
	if secrets[service] == nil {
		secrets[service] = make(map[string]string)
	}
	secrets[service][account] = value

	if err := os.MkdirAll(filepath.Dir(s.path), 0o700); err != nil {
		return fmt.Errorf("creating secrets dir: %w", err)
	}
	out, err := yaml.Marshal(secrets)
	if err != nil {
		return err
	}
	return os.WriteFile(s.path, out, 0o600)
}

// GetAPIToken returns the bearer token protecting the local API, generating
// and storing one on first use.
func GetAPIToken(s SecretStore) (string, error) {
	if tok, err := s.Get(secretService, apiTokenSecret); err == nil && tok != "" {
		return tok, nil
	}
	tok := strings.ReplaceAll(uuid.NewString(), "-", "")
	if err := s.Set(secretService, apiTokenSecret, tok); err != nil {
		return "", fmt.Errorf("storing API token: %w", err)
	}
	return tok, nil
}

func secretAccount(key string) string {
	return strings.ReplaceAll(key, ".", "_")
}
