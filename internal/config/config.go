package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all configuration required by the API process.
// All values come from env (optionally seeded from a .env file by main).
// No business logic should depend on raw environment variables.
type Config struct {
	App      AppConfig
	Twilio   TwilioConfig
	Auth     AuthConfig
	Relay    RelayConfig
	Sessions SessionConfig
	HTTP     HTTPConfig
	Redis    RedisConfig
}

type AppConfig struct {
	Env      string
	Port     int
	LogLevel string

	// PublicBaseURL is the externally reachable https origin of this service.
	// The relay URL, status callback and signature checks derive from it.
	PublicBaseURL string
}

type TwilioConfig struct {
	AccountSID   string
	AuthToken    string
	APIKeySID    string
	APIKeySecret string
	TwiMLAppSID  string
	PhoneNumber  string
	APIBaseURL   string

	ValidateSignature bool
}

type AuthConfig struct {
	AccessTokenTTL time.Duration

	// OperatorAPIKey, when set, is required as a bearer token on operator routes.
	OperatorAPIKey string
}

type RelayConfig struct {
	Voice           string
	Language        string
	InitialTextMode string
}

type SessionConfig struct {
	IdleTimeout    time.Duration
	Retention      time.Duration
	SweepInterval  time.Duration
	QueueWarnDepth int
}

type HTTPConfig struct {
	CORSAllowedOrigins []string
}

type RedisConfig struct {
	Host     string
	Port     int
	Password string

	// MaxActiveCalls > 0 enables the cluster-wide active call cap.
	MaxActiveCalls int
}

const maxAccessTokenTTL = 24 * time.Hour

func Load() (Config, error) {
	c := Config{}
	var parseErrs []error

	c.App.Env = strings.TrimSpace(os.Getenv("APP_ENV"))
	c.App.Port, parseErrs = optionalInt(parseErrs, "APP_PORT", 5000)
	c.App.LogLevel = strings.ToLower(strings.TrimSpace(os.Getenv("LOG_LEVEL")))
	c.App.PublicBaseURL = strings.TrimRight(strings.TrimSpace(os.Getenv("PUBLIC_BASE_URL")), "/")

	c.Twilio.AccountSID = strings.TrimSpace(os.Getenv("TWILIO_ACCOUNT_SID"))
	c.Twilio.AuthToken = os.Getenv("TWILIO_AUTH_TOKEN")
	c.Twilio.APIKeySID = strings.TrimSpace(os.Getenv("TWILIO_API_KEY_SID"))
	c.Twilio.APIKeySecret = os.Getenv("TWILIO_API_KEY_SECRET")
	c.Twilio.TwiMLAppSID = strings.TrimSpace(os.Getenv("TWILIO_TWIML_APP_SID"))
	c.Twilio.PhoneNumber = strings.TrimSpace(os.Getenv("TWILIO_PHONE_NUMBER"))
	c.Twilio.APIBaseURL = strings.TrimSpace(os.Getenv("TWILIO_API_BASE_URL"))
	c.Twilio.ValidateSignature, parseErrs = optionalBool(parseErrs, "TWILIO_VALIDATE_SIGNATURE", c.App.Env == "production")

	c.Auth.AccessTokenTTL, parseErrs = optionalDuration(parseErrs, "ACCESS_TOKEN_TTL", 0)
	c.Auth.OperatorAPIKey = os.Getenv("OPERATOR_API_KEY")

	c.Relay.Voice = strings.TrimSpace(os.Getenv("RELAY_VOICE"))
	c.Relay.Language = strings.TrimSpace(os.Getenv("RELAY_LANGUAGE"))
	c.Relay.InitialTextMode = strings.ToLower(strings.TrimSpace(os.Getenv("INITIAL_TEXT_MODE")))

	c.Sessions.IdleTimeout, parseErrs = optionalDuration(parseErrs, "SESSION_IDLE_TIMEOUT", 0)
	c.Sessions.Retention, parseErrs = optionalDuration(parseErrs, "SESSION_RETENTION", -1)
	c.Sessions.SweepInterval, parseErrs = optionalDuration(parseErrs, "SWEEP_INTERVAL", 0)
	c.Sessions.QueueWarnDepth, parseErrs = optionalInt(parseErrs, "QUEUE_WARN_DEPTH", 100)

	c.HTTP.CORSAllowedOrigins = splitList(os.Getenv("CORS_ALLOWED_ORIGINS"))

	c.Redis.Host = strings.TrimSpace(os.Getenv("REDIS_HOST"))
	c.Redis.Port, parseErrs = optionalInt(parseErrs, "REDIS_PORT", 6379)
	c.Redis.Password = os.Getenv("REDIS_PASSWORD")
	c.Redis.MaxActiveCalls, parseErrs = optionalInt(parseErrs, "MAX_ACTIVE_CALLS", 0)

	if err := joinErrors(parseErrs); err != nil {
		return Config{}, err
	}
	c.ApplyDefaults()
	if err := c.Validate(); err != nil {
		return Config{}, err
	}
	return c, nil
}

// ApplyDefaults fills optional settings left at their zero value.
func (c *Config) ApplyDefaults() {
	if c.App.Port == 0 {
		c.App.Port = 5000
	}
	if c.Twilio.APIBaseURL == "" {
		c.Twilio.APIBaseURL = "https://api.twilio.com/2010-04-01"
	}
	if c.Auth.AccessTokenTTL == 0 {
		c.Auth.AccessTokenTTL = time.Hour
	}
	if c.Relay.Language == "" {
		c.Relay.Language = "en-US"
	}
	if c.Relay.InitialTextMode == "" {
		c.Relay.InitialTextMode = "queue"
	}
	if c.Sessions.IdleTimeout == 0 {
		c.Sessions.IdleTimeout = 10 * time.Minute
	}
	// Negative means unset; an explicit 0 removes terminal sessions at once.
	if c.Sessions.Retention < 0 {
		c.Sessions.Retention = 30 * time.Second
	}
	if c.Sessions.SweepInterval == 0 {
		c.Sessions.SweepInterval = 30 * time.Second
	}
	if len(c.HTTP.CORSAllowedOrigins) == 0 {
		c.HTTP.CORSAllowedOrigins = []string{"*"}
	}
	if c.Redis.Port == 0 {
		c.Redis.Port = 6379
	}
}

func (c Config) Validate() error {
	var errs []error

	if c.App.Env == "" {
		errs = append(errs, errors.New("APP_ENV is required"))
	} else if !isValidEnv(c.App.Env) {
		errs = append(errs, fmt.Errorf("APP_ENV must be one of local, dev, staging, production, got %q", c.App.Env))
	}
	if c.App.Port <= 0 || c.App.Port > 65535 {
		errs = append(errs, fmt.Errorf("APP_PORT must be a valid port, got %d", c.App.Port))
	}
	if c.App.LogLevel != "" && !isValidLogLevel(c.App.LogLevel) {
		errs = append(errs, fmt.Errorf("LOG_LEVEL must be one of debug, info, warn, error, got %q", c.App.LogLevel))
	}
	if c.App.PublicBaseURL == "" {
		errs = append(errs, errors.New("PUBLIC_BASE_URL is required"))
	} else if u, err := url.Parse(c.App.PublicBaseURL); err != nil || u.Host == "" || (u.Scheme != "https" && u.Scheme != "http") {
		errs = append(errs, fmt.Errorf("PUBLIC_BASE_URL must be an absolute http(s) URL, got %q", c.App.PublicBaseURL))
	} else if c.IsProduction() && u.Scheme != "https" {
		errs = append(errs, errors.New("PUBLIC_BASE_URL must be https in production"))
	}

	required := []struct{ key, val string }{
		{"TWILIO_ACCOUNT_SID", c.Twilio.AccountSID},
		{"TWILIO_AUTH_TOKEN", c.Twilio.AuthToken},
		{"TWILIO_API_KEY_SID", c.Twilio.APIKeySID},
		{"TWILIO_API_KEY_SECRET", c.Twilio.APIKeySecret},
		{"TWILIO_TWIML_APP_SID", c.Twilio.TwiMLAppSID},
		{"TWILIO_PHONE_NUMBER", c.Twilio.PhoneNumber},
	}
	for _, r := range required {
		if r.val == "" {
			errs = append(errs, fmt.Errorf("%s is required", r.key))
		}
	}
	if c.Twilio.PhoneNumber != "" && !strings.HasPrefix(c.Twilio.PhoneNumber, "+") {
		errs = append(errs, fmt.Errorf("TWILIO_PHONE_NUMBER must be in international format, got %q", c.Twilio.PhoneNumber))
	}
	if c.IsProduction() && !c.Twilio.ValidateSignature {
		errs = append(errs, errors.New("TWILIO_VALIDATE_SIGNATURE cannot be disabled in production"))
	}

	if c.Auth.AccessTokenTTL <= 0 || c.Auth.AccessTokenTTL > maxAccessTokenTTL {
		errs = append(errs, fmt.Errorf("ACCESS_TOKEN_TTL must be between 0 and 24h, got %s", c.Auth.AccessTokenTTL))
	}

	switch c.Relay.InitialTextMode {
	case "queue", "say":
	default:
		errs = append(errs, fmt.Errorf("INITIAL_TEXT_MODE must be queue or say, got %q", c.Relay.InitialTextMode))
	}

	if c.Sessions.IdleTimeout <= 0 {
		errs = append(errs, errors.New("SESSION_IDLE_TIMEOUT must be positive"))
	}
	if c.Sessions.Retention < 0 {
		errs = append(errs, errors.New("SESSION_RETENTION must not be negative"))
	}
	if c.Sessions.SweepInterval <= 0 {
		errs = append(errs, errors.New("SWEEP_INTERVAL must be positive"))
	}
	if c.Sessions.QueueWarnDepth < 0 {
		errs = append(errs, errors.New("QUEUE_WARN_DEPTH must not be negative"))
	}

	if c.Redis.MaxActiveCalls < 0 {
		errs = append(errs, errors.New("MAX_ACTIVE_CALLS must not be negative"))
	}
	if c.Redis.MaxActiveCalls > 0 && c.Redis.Host == "" {
		errs = append(errs, errors.New("REDIS_HOST is required when MAX_ACTIVE_CALLS is set"))
	}
	if c.Redis.Port <= 0 || c.Redis.Port > 65535 {
		errs = append(errs, fmt.Errorf("REDIS_PORT must be a valid port, got %d", c.Redis.Port))
	}

	return joinErrors(errs)
}

func (c Config) IsProduction() bool {
	return c.App.Env == "production"
}

func (c Config) HTTPAddr() string {
	return fmt.Sprintf(":%d", c.App.Port)
}

func (c Config) RedisAddr() string {
	return fmt.Sprintf("%s:%d", c.Redis.Host, c.Redis.Port)
}

// CallCapEnabled reports whether the Redis-backed active call cap is on.
func (c Config) CallCapEnabled() bool {
	return c.Redis.Host != "" && c.Redis.MaxActiveCalls > 0
}

func optionalInt(errs []error, key string, def int) (int, []error) {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def, errs
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def, append(errs, fmt.Errorf("%s must be an integer, got %q", key, v))
	}
	return n, errs
}

func optionalDuration(errs []error, key string, def time.Duration) (time.Duration, []error) {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def, errs
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return def, append(errs, fmt.Errorf("%s must be a duration like 30s or 10m, got %q", key, v))
	}
	return d, errs
}

func optionalBool(errs []error, key string, def bool) (bool, []error) {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def, errs
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def, append(errs, fmt.Errorf("%s must be a boolean, got %q", key, v))
	}
	return b, errs
}

func splitList(v string) []string {
	var out []string
	for _, p := range strings.Split(v, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func isValidEnv(v string) bool {
	switch v {
	case "local", "dev", "staging", "production":
		return true
	default:
		return false
	}
}

func isValidLogLevel(v string) bool {
	switch v {
	case "debug", "info", "warn", "error":
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
