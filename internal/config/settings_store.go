package config

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
)

// Settings are the options remembered between runs. Tokens are never stored
// here; they live in the credential store.
type Settings struct {
	BaseURL         string `json:"base_url"`
	Namespace       string `json:"namespace,omitempty"`
	Profile         string `json:"profile,omitempty"`
	CredentialsFile string `json:"credentials_file,omitempty"`
	Debug           bool   `json:"debug"`
}

func SettingsPath() (string, error) {
	root, err := os.UserConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(root, "orderpulse", "settings.json"), nil
}

func LoadSettings() (Settings, error) {
	path, err := SettingsPath()
	if err != nil {
		return Settings{}, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return Settings{}, err
	}
	var settings Settings
	if err := json.Unmarshal(data, &settings); err != nil {
		return Settings{}, err
	}
	return settings, nil
}

func SaveSettings(settings Settings) error {
	path, err := SettingsPath()
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	payload, err := json.MarshalIndent(settings, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, payload, 0o600)
}

// MergeOptionsWithSettings fills options the command line left empty from
// saved settings. Namespace and profile carry go-flags defaults, so saved
// values only win when the CLI still holds the default.
func MergeOptionsWithSettings(cli Options, saved Settings) Options {
	if strings.TrimSpace(cli.BaseURL) == "" {
		cli.BaseURL = saved.BaseURL
	}
	if (cli.Namespace == "" || cli.Namespace == DefaultNamespace) && saved.Namespace != "" {
		cli.Namespace = saved.Namespace
	}
	if (cli.Profile == "" || cli.Profile == "customer") && saved.Profile != "" {
		cli.Profile = saved.Profile
	}
	if strings.TrimSpace(cli.CredentialsFile) == "" {
		cli.CredentialsFile = saved.CredentialsFile
	}
	if !cli.Debug {
		cli.Debug = saved.Debug
	}
	return cli
}

func SettingsFromOptions(opts Options) Settings {
	return Settings{
		BaseURL:         strings.TrimSpace(opts.BaseURL),
		Namespace:       strings.TrimSpace(opts.Namespace),
		Profile:         strings.TrimSpace(opts.Profile),
		CredentialsFile: strings.TrimSpace(opts.CredentialsFile),
		Debug:           opts.Debug,
	}
}
