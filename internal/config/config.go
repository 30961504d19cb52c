package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all configuration required by the API process.
// All values must come from env (or env-file loaded by the process runner).
// No business logic should depend on raw environment variables.
type Config struct {
	App       AppConfig
	DB        DBConfig
	Redis     RedisConfig
	Dialer    DialerConfig
	Watchdog  WatchdogConfig
	Providers ProvidersConfig
}

type AppConfig struct {
	Env  string
	Port int

	// PublicBaseURL is the externally reachable base URL used to build
	// carrier status-callback URLs. Carrier webhooks cannot reach us
	// without it.
	PublicBaseURL string
}

type DBConfig struct {
	Host     string
	Port     int
	User     string
	Password string
	Name     string

	// SSLMode is kept explicit for AWS-ready posture.
	// Accepts: disable, require, verify-ca, verify-full
	SSLMode string
}

type RedisConfig struct {
	Host string
	Port int
}

type DialerConfig struct {
	// Workers is the bounded pool size for the outbound call queue.
	Workers int

	// GuardWindow rejects a second dial for the same
	// (org, agent, destination) triple within this window.
	GuardWindow time.Duration

	// MaxAttempts and BackoffBase drive queue-level retry.
	MaxAttempts int
	BackoffBase time.Duration

	// OrgConcurrencyCap bounds concurrent dials per organization.
	// Zero disables the cap.
	OrgConcurrencyCap int
}

type WatchdogConfig struct {
	Workers int

	// Delay is how long a call may stay without a connected signal
	// before it is force-failed.
	Delay time.Duration
}

type ProvidersConfig struct {
	// AIBackendURL is the conversational-AI telephony backend.
	AIBackendURL string

	// SignalingURL is the SIP signaling service front.
	SignalingURL string

	// SIPOriginateTimeout bounds the wait for ring/answer/SIP-error.
	SIPOriginateTimeout time.Duration

	// CallbackTokenSecret signs status-callback URL tokens so the
	// carrier webhook endpoint only accepts callbacks we issued.
	CallbackTokenSecret string

	// CredentialsKey decrypts stored provider credentials.
	// 32 bytes, hex or base64 encoded.
	CredentialsKey string

	// LLM settings are used by workflow AI-analysis nodes.
	LLMURL    string
	LLMAPIKey string
	LLMModel  string

	// Email-tool provider.
	EmailAPIURL string
	EmailAPIKey string

	// CRM access tokens for workflow CRM nodes. Optional: an absent
	// token only fails the workflows that use that provider.
	HubspotToken string
	ZohoToken    string
}

func Load() (Config, error) {
	c := Config{}
	var parseErrs []error

	c.App.Env = strings.TrimSpace(os.Getenv("APP_ENV"))
	{
		n, err := mustInt("APP_PORT")
		n, parseErrs = appendParseErr(parseErrs, n, err)
		c.App.Port = n
	}
	c.App.PublicBaseURL = strings.TrimRight(strings.TrimSpace(os.Getenv("APP_PUBLIC_BASE_URL")), "/")

	c.DB.Host = strings.TrimSpace(os.Getenv("DB_HOST"))
	{
		n, err := mustInt("DB_PORT")
		n, parseErrs = appendParseErr(parseErrs, n, err)
		c.DB.Port = n
	}
	c.DB.User = strings.TrimSpace(os.Getenv("DB_USER"))
	c.DB.Password = os.Getenv("DB_PASSWORD")
	c.DB.Name = strings.TrimSpace(os.Getenv("DB_NAME"))
	c.DB.SSLMode = strings.TrimSpace(os.Getenv("DB_SSLMODE"))

	c.Redis.Host = strings.TrimSpace(os.Getenv("REDIS_HOST"))
	{
		n, err := mustInt("REDIS_PORT")
		n, parseErrs = appendParseErr(parseErrs, n, err)
		c.Redis.Port = n
	}

	// Optional tunables; defaults applied in Validate().
	c.Dialer.Workers = optInt("DIALER_WORKERS")
	c.Dialer.GuardWindow = optDuration("DIAL_GUARD_WINDOW")
	c.Dialer.MaxAttempts = optInt("DIALER_MAX_ATTEMPTS")
	c.Dialer.BackoffBase = optDuration("DIALER_BACKOFF_BASE")
	c.Dialer.OrgConcurrencyCap = optInt("DIALER_ORG_CONCURRENCY_CAP")

	c.Watchdog.Workers = optInt("WATCHDOG_WORKERS")
	c.Watchdog.Delay = optDuration("WATCHDOG_DELAY")

	c.Providers.AIBackendURL = strings.TrimRight(strings.TrimSpace(os.Getenv("AI_BACKEND_URL")), "/")
	c.Providers.SignalingURL = strings.TrimRight(strings.TrimSpace(os.Getenv("SIGNALING_URL")), "/")
	c.Providers.SIPOriginateTimeout = optDuration("SIP_ORIGINATE_TIMEOUT")
	c.Providers.CallbackTokenSecret = os.Getenv("CALLBACK_TOKEN_SECRET")
	c.Providers.CredentialsKey = strings.TrimSpace(os.Getenv("CREDENTIALS_KEY"))
	c.Providers.LLMURL = strings.TrimRight(strings.TrimSpace(os.Getenv("LLM_URL")), "/")
	c.Providers.LLMAPIKey = os.Getenv("LLM_API_KEY")
	c.Providers.LLMModel = strings.TrimSpace(os.Getenv("LLM_MODEL"))
	c.Providers.EmailAPIURL = strings.TrimRight(strings.TrimSpace(os.Getenv("EMAIL_API_URL")), "/")
	c.Providers.EmailAPIKey = os.Getenv("EMAIL_API_KEY")
	c.Providers.HubspotToken = os.Getenv("HUBSPOT_ACCESS_TOKEN")
	c.Providers.ZohoToken = os.Getenv("ZOHO_ACCESS_TOKEN")

	if err := joinErrors(parseErrs); err != nil {
		return Config{}, err
	}
	if err := c.Validate(); err != nil {
		return Config{}, err
	}
	return c, nil
}

func (c *Config) Validate() error {
	var errs []error

	if c.App.Env == "" {
		errs = append(errs, errors.New("APP_ENV is required"))
	} else if !isValidEnv(c.App.Env) {
		errs = append(errs, fmt.Errorf("APP_ENV must be one of local, dev, staging, production, got %q", c.App.Env))
	}
	if c.App.Port <= 0 || c.App.Port > 65535 {
		errs = append(errs, fmt.Errorf("APP_PORT must be a valid port, got %d", c.App.Port))
	}
	if c.App.PublicBaseURL == "" {
		errs = append(errs, errors.New("APP_PUBLIC_BASE_URL is required"))
	}

	if c.DB.Host == "" {
		errs = append(errs, errors.New("DB_HOST is required"))
	}
	if c.DB.Port <= 0 || c.DB.Port > 65535 {
		errs = append(errs, fmt.Errorf("DB_PORT must be a valid port, got %d", c.DB.Port))
	}
	if c.DB.User == "" {
		errs = append(errs, errors.New("DB_USER is required"))
	}
	if c.DB.Name == "" {
		errs = append(errs, errors.New("DB_NAME is required"))
	}
	if strings.TrimSpace(c.DB.SSLMode) == "" {
		if c.IsProduction() {
			errs = append(errs, errors.New("DB_SSLMODE is required in production"))
		} else {
			// Local-friendly default; production must be explicit.
			c.DB.SSLMode = "disable"
		}
	}
	if c.DB.SSLMode != "" && !isValidSSLMode(c.DB.SSLMode) {
		errs = append(errs, fmt.Errorf("DB_SSLMODE must be one of disable, require, verify-ca, verify-full, got %q", c.DB.SSLMode))
	}

	if c.Redis.Host == "" {
		errs = append(errs, errors.New("REDIS_HOST is required"))
	}
	if c.Redis.Port <= 0 || c.Redis.Port > 65535 {
		errs = append(errs, fmt.Errorf("REDIS_PORT must be a valid port, got %d", c.Redis.Port))
	}

	if c.Providers.AIBackendURL == "" {
		errs = append(errs, errors.New("AI_BACKEND_URL is required"))
	}
	if c.Providers.CallbackTokenSecret == "" {
		errs = append(errs, errors.New("CALLBACK_TOKEN_SECRET is required"))
	}
	if c.Providers.CredentialsKey == "" {
		errs = append(errs, errors.New("CREDENTIALS_KEY is required"))
	}
	if c.IsProduction() && c.Providers.LLMAPIKey == "" {
		errs = append(errs, errors.New("LLM_API_KEY is required in production"))
	}

	// Defaults for optional tunables. The 60s guard window and the
	// 2 minute watchdog delay are configuration, not hardcoded law.
	if c.Dialer.Workers <= 0 {
		c.Dialer.Workers = 5
	}
	if c.Dialer.GuardWindow <= 0 {
		c.Dialer.GuardWindow = 60 * time.Second
	}
	if c.Dialer.MaxAttempts <= 0 {
		c.Dialer.MaxAttempts = 3
	}
	if c.Dialer.BackoffBase <= 0 {
		c.Dialer.BackoffBase = 2 * time.Second
	}
	if c.Watchdog.Workers <= 0 {
		c.Watchdog.Workers = 2
	}
	if c.Watchdog.Delay <= 0 {
		c.Watchdog.Delay = 2 * time.Minute
	}
	if c.Providers.SIPOriginateTimeout <= 0 {
		c.Providers.SIPOriginateTimeout = 90 * time.Second
	}
	if c.Providers.LLMModel == "" {
		c.Providers.LLMModel = "gpt-4"
	}

	return joinErrors(errs)
}

func (c Config) IsProduction() bool {
	return c.App.Env == "production"
}

func (c Config) HTTPAddr() string {
	return fmt.Sprintf(":%d", c.App.Port)
}

func (c Config) PostgresDSN() string {
	// Avoid logging this string; it contains secrets.
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.DB.Host,
		c.DB.Port,
		c.DB.User,
		c.DB.Password,
		c.DB.Name,
		c.DB.SSLMode,
	)
}

func (c Config) RedisAddr() string {
	return fmt.Sprintf("%s:%d", c.Redis.Host, c.Redis.Port)
}

func mustInt(key string) (int, error) {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return 0, fmt.Errorf("%s is required", key)
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%s must be an integer, got %q", key, v)
	}
	return n, nil
}

func optInt(key string) int {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return 0
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0
	}
	return n
}

func optDuration(key string) time.Duration {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return 0
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0
	}
	return d
}

func appendParseErr(errs []error, n int, err error) (int, []error) {
	if err != nil {
		errs = append(errs, err)
	}
	return n, errs
}

func isValidEnv(v string) bool {
	switch v {
	case "local", "dev", "staging", "production":
		return true
	default:
		return false
	}
}

func isValidSSLMode(v string) bool {
	switch v {
	case "disable", "require", "verify-ca", "verify-full":
		return true
	default:
		return false
	}
}

func joinErrors(errs []error) error {
	if len(errs) == 0 {
		return nil
	}
	if len(errs) == 1 {
		return errs[0]
	}
	var b strings.Builder
	b.WriteString("config errors:\n")
	for _, e := range errs {
		b.WriteString("- ")
		b.WriteString(e.Error())
		b.WriteString("\n")
	}
	return errors.New(strings.TrimSpace(b.String()))
}
