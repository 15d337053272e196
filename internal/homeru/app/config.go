package app

import (
	"errors"
	"fmt"

	"github.com/bdobrica/Homeru/common/environment"
	homeruspec "github.com/bdobrica/Homeru/common/spec/homeru"
	"github.com/bdobrica/Homeru/internal/homeru/feishu"
	"github.com/bdobrica/Homeru/internal/homeru/llm"
	"github.com/bdobrica/Homeru/internal/homeru/matrix"
)

// Ledger backends.
const (
	LedgerSQLite = "sqlite"
	LedgerJSONL  = "jsonl"
)

// Chat transports.
const (
	TransportMatrix = "matrix"
	TransportFeishu = "feishu"
)

// Config holds process-level settings. Bot behaviour lives in the YAML file
// at ConfigPath.
type Config struct {
	// ConfigPath is the homeru/v1 YAML document.
	ConfigPath string
	// WatchConfig reapplies ConfigPath when it changes on disk.
	WatchConfig bool

	DatabasePath string

	// LedgerBackend is "sqlite" (check-ins in DatabasePath) or "jsonl"
	// (check-ins appended to LedgerPath).
	LedgerBackend string
	LedgerPath    string

	// HTTPAddr serves health, dashboard data, the check-in feed and the
	// Feishu callback. Empty (HTTP_ADDR=off) disables the server.
	HTTPAddr string

	// Transport selects the chat network: "matrix" or "feishu".
	Transport string
	Matrix    matrix.Config
	Feishu    feishu.Config

	LLM llm.OpenAIConfig

	LogLevel  string
	LogFormat string
}

// ConfigFromEnv reads Config from the environment. CHATGPT_* variables are
// accepted as aliases of the LLM_* ones.
func ConfigFromEnv() Config {
	return Config{
		ConfigPath:  environment.StringOr("HOMERU_CONFIG", "./homeru.yaml"),
		WatchConfig: environment.BoolOr("HOMERU_WATCH_CONFIG", false),

		DatabasePath:  environment.StringOr("HOMERU_DB_PATH", "./data/homeru.db"),
		LedgerBackend: environment.StringOr("LEDGER_BACKEND", LedgerSQLite),
		LedgerPath:    environment.StringOr("LEDGER_PATH", "./data/checkins.jsonl"),

		HTTPAddr:  httpAddrFromEnv(),
		Transport: environment.StringOr("CHAT_TRANSPORT", TransportMatrix),

		Matrix: matrix.Config{
			Homeserver:  environment.StringOr("MATRIX_HOMESERVER", ""),
			UserID:      environment.StringOr("MATRIX_USER_ID", ""),
			AccessToken: environment.StringOr("MATRIX_ACCESS_TOKEN", ""),
			Rooms:       environment.StringSliceOr("MATRIX_ROOMS", nil),
			AutoJoin:    environment.BoolOr("MATRIX_AUTO_JOIN", false),
		},
		Feishu: feishu.Config{
			AppID:             environment.StringOr("FEISHU_APP_ID", ""),
			AppSecret:         environment.StringOr("FEISHU_APP_SECRET", ""),
			BotOpenID:         environment.StringOr("FEISHU_BOT_OPEN_ID", ""),
			VerificationToken: environment.StringOr("FEISHU_VERIFICATION_TOKEN", ""),
			BaseURL:           environment.StringOr("FEISHU_BASE_URL", feishu.DefaultBaseURL),
		},

		LLM: llm.OpenAIConfig{
			APIKey:   environment.FirstOr("", "LLM_API_KEY", "CHATGPT_API_KEY"),
			BaseURL:  environment.FirstOr("", "LLM_BASE_URL", "CHATGPT_BASE_URL"),
			Model:    environment.FirstOr(homeruspec.DefaultModel, "LLM_MODEL", "CHATGPT_MODEL"),
			ProxyURL: environment.FirstOr("", "LLM_PROXY_URL", "CHATGPT_PROXY_URL"),
		},

		LogLevel:  environment.StringOr("LOG_LEVEL", "info"),
		LogFormat: environment.StringOr("LOG_FORMAT", "text"),
	}
}

// Validate reports missing settings for the selected transport and backend.
func (c Config) Validate() error {
	var errs []error
	if c.ConfigPath == "" {
		errs = append(errs, errors.New("HOMERU_CONFIG is required"))
	}
	if c.DatabasePath == "" {
		errs = append(errs, errors.New("HOMERU_DB_PATH is required"))
	}

	switch c.LedgerBackend {
	case LedgerSQLite:
	case LedgerJSONL:
		if c.LedgerPath == "" {
			errs = append(errs, errors.New("LEDGER_PATH is required for the jsonl ledger"))
		}
	default:
		errs = append(errs, fmt.Errorf("LEDGER_BACKEND %q: want %q or %q", c.LedgerBackend, LedgerSQLite, LedgerJSONL))
	}

	switch c.Transport {
	case TransportMatrix:
		if c.Matrix.Homeserver == "" {
			errs = append(errs, errors.New("MATRIX_HOMESERVER is required"))
		}
		if c.Matrix.UserID == "" {
			errs = append(errs, errors.New("MATRIX_USER_ID is required"))
		}
		if c.Matrix.AccessToken == "" {
			errs = append(errs, errors.New("MATRIX_ACCESS_TOKEN is required"))
		}
	case TransportFeishu:
		if c.Feishu.AppID == "" || c.Feishu.AppSecret == "" {
			errs = append(errs, errors.New("FEISHU_APP_ID and FEISHU_APP_SECRET are required"))
		}
		if c.HTTPAddr == "" {
			errs = append(errs, errors.New("HTTP_ADDR is required to receive Feishu events"))
		}
	default:
		errs = append(errs, fmt.Errorf("CHAT_TRANSPORT %q: want %q or %q", c.Transport, TransportMatrix, TransportFeishu))
	}

	if c.LLM.APIKey == "" {
		errs = append(errs, errors.New("LLM_API_KEY is required"))
	}
	return errors.Join(errs...)
}

func httpAddrFromEnv() string {
	addr := environment.StringOr("HTTP_ADDR", ":3000")
	if addr == "off" {
		return ""
	}
	return addr
}
