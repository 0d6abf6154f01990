// Package config normalizes environment input into a fully-populated
// []domain.Account; everything past this layer consumes domain.Account
// only and never touches os.Getenv again.
package config

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"qqbotgw/internal/domain"
)

// Config is the process-wide configuration: where gateway state is kept
// and the set of bot accounts to run.
type Config struct {
	DataDir  string
	Accounts []domain.Account

	// ImageServerPort/ImageServerDir configure the optional local image
	// passthrough server; it is only started when at least one account has
	// a PublicImageServerBaseURL configured.
	ImageServerPort int
	ImageServerDir  string
}

// accountFile is the optional on-disk shape for multi-account setups; a
// single-account deployment can skip it entirely and rely on the
// QQBOT_APP_ID / QQBOT_CLIENT_SECRET fallback below.
type accountFile struct {
	Accounts []struct {
		ID                       string `json:"id"`
		Name                     string `json:"name"`
		Enabled                  *bool  `json:"enabled"`
		AppID                    string `json:"app_id"`
		ClientSecret             string `json:"client_secret"`
		ClientSecretFile         string `json:"client_secret_file"`
		SystemPrompt             string `json:"system_prompt"`
		PublicImageServerBaseURL string `json:"public_image_server_base_url"`
		MarkdownSupport          bool   `json:"markdown_support"`
		ProxyURL                 string `json:"proxy_url"`
	} `json:"accounts"`
}

// Load reads QQBOT_* environment variables (and, if present, the accounts
// file named by QQBOT_ACCOUNTS_FILE) and returns a normalized Config.
func Load() (Config, error) {
	dataDir := os.Getenv("QQBOT_DATA_DIR")
	if dataDir == "" {
		dataDir = ".data"
	}

	imageServerPort := 18080
	if raw := strings.TrimSpace(os.Getenv("QQBOT_IMAGE_SERVER_PORT")); raw != "" {
		if port, err := strconv.Atoi(raw); err == nil && port > 0 {
			imageServerPort = port
		}
	}
	imageServerDir := strings.TrimSpace(os.Getenv("QQBOT_IMAGE_SERVER_DIR"))
	if imageServerDir == "" {
		imageServerDir = filepath.Join(dataDir, "images")
	}

	cfg := Config{DataDir: dataDir, ImageServerPort: imageServerPort, ImageServerDir: imageServerDir}

	if path := strings.TrimSpace(os.Getenv("QQBOT_ACCOUNTS_FILE")); path != "" {
		accounts, err := loadAccountsFile(path)
		if err != nil {
			return Config{}, err
		}
		cfg.Accounts = accounts
	}

	if len(cfg.Accounts) == 0 {
		if acc, ok := defaultAccountFromEnv(); ok {
			cfg.Accounts = []domain.Account{acc}
		}
	}

	return cfg, nil
}

func loadAccountsFile(path string) ([]domain.Account, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var file accountFile
	if err := json.Unmarshal(raw, &file); err != nil {
		return nil, err
	}

	accounts := make([]domain.Account, 0, len(file.Accounts))
	for _, a := range file.Accounts {
		enabled := true
		if a.Enabled != nil {
			enabled = *a.Enabled
		}
		secret := strings.TrimSpace(a.ClientSecret)
		source := domain.SecretSourceConfig
		if secret == "" && a.ClientSecretFile != "" {
			b, err := os.ReadFile(a.ClientSecretFile)
			if err != nil {
				return nil, err
			}
			secret = strings.TrimSpace(string(b))
			source = domain.SecretSourceFile
		}
		if secret == "" {
			source = domain.SecretSourceNone
		}
		accounts = append(accounts, domain.Account{
			ID:                       strings.TrimSpace(a.ID),
			Name:                     strings.TrimSpace(a.Name),
			Enabled:                  enabled,
			AppID:                    strings.TrimSpace(a.AppID),
			ClientSecret:             secret,
			SecretSource:             source,
			SystemPrompt:             a.SystemPrompt,
			PublicImageServerBaseURL: strings.TrimRight(strings.TrimSpace(a.PublicImageServerBaseURL), "/"),
			MarkdownSupport:          a.MarkdownSupport,
			ProxyURL:                 strings.TrimSpace(a.ProxyURL),
		})
	}
	return accounts, nil
}

func defaultAccountFromEnv() (domain.Account, bool) {
	appID := strings.TrimSpace(os.Getenv("QQBOT_APP_ID"))
	secret := strings.TrimSpace(os.Getenv("QQBOT_CLIENT_SECRET"))
	if appID == "" || secret == "" {
		return domain.Account{}, false
	}
	return domain.Account{
		ID:                       "default",
		Name:                     "default",
		Enabled:                  true,
		AppID:                    appID,
		ClientSecret:             secret,
		SecretSource:             domain.SecretSourceEnv,
		PublicImageServerBaseURL: strings.TrimRight(strings.TrimSpace(os.Getenv("QQBOT_IMAGE_SERVER_PUBLIC_URL")), "/"),
		MarkdownSupport:          strings.EqualFold(strings.TrimSpace(os.Getenv("QQBOT_MARKDOWN_SUPPORT")), "true"),
		ProxyURL:                 firstNonEmpty(os.Getenv("HTTPS_PROXY"), os.Getenv("https_proxy"), os.Getenv("HTTP_PROXY"), os.Getenv("http_proxy")),
	}, true
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}
