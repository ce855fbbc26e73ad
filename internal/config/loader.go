package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/url"
	"os"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// ErrInvalid wraps every validation failure returned by [Validate].
var ErrInvalid = errors.New("config: invalid")

// LookupFunc resolves an environment variable. [os.LookupEnv] satisfies it.
type LookupFunc func(key string) (string, bool)

// envBinding maps one or more environment variable names (first match wins)
// onto a config field.
type envBinding struct {
	keys  []string
	apply func(cfg *Config, v string) error
}

func setString(dst func(*Config) *string) func(*Config, string) error {
	return func(cfg *Config, v string) error {
		*dst(cfg) = v
		return nil
	}
}

// envBindings lists the environment variables understood by vibecanvas.
// The NEXT_PUBLIC_ aliases keep existing .env files working.
var envBindings = []envBinding{
	{[]string{"AGORA_APP_ID", "NEXT_PUBLIC_AGORA_APP_ID"}, setString(func(c *Config) *string { return &c.Agent.AppID })},
	{[]string{"AGORA_APP_CERTIFICATE"}, setString(func(c *Config) *string { return &c.Agent.AppCertificate })},
	{[]string{"AGORA_CUSTOMER_ID"}, setString(func(c *Config) *string { return &c.Agent.CustomerID })},
	{[]string{"AGORA_CUSTOMER_SECRET"}, setString(func(c *Config) *string { return &c.Agent.CustomerSecret })},
	{[]string{"AGORA_BOT_UID", "NEXT_PUBLIC_AGORA_BOT_UID"}, setString(func(c *Config) *string { return &c.Agent.BotUID })},
	{[]string{"AGORA_TOKEN"}, setString(func(c *Config) *string { return &c.Agent.BotToken })},
	{[]string{"AGORA_RTM_URL"}, setString(func(c *Config) *string { return &c.Channel.URL })},
	{[]string{"LLM_URL"}, setString(func(c *Config) *string { return &c.Agent.LLM.URL })},
	{[]string{"LLM_API_KEY"}, setString(func(c *Config) *string { return &c.Agent.LLM.APIKey })},
	{[]string{"TTS_API_KEY"}, setString(func(c *Config) *string { return &c.Agent.TTS.APIKey })},
	{[]string{"TTS_REGION"}, setString(func(c *Config) *string { return &c.Agent.TTS.Region })},
	{[]string{"PUBLIC_BASE_URL", "NEXT_PUBLIC_BASE_URL"}, setString(func(c *Config) *string { return &c.Server.PublicBaseURL })},
	{[]string{"DATABASE_URL"}, setString(func(c *Config) *string { return &c.Share.PostgresDSN })},
	{[]string{"VIBECANVAS_LISTEN_ADDR"}, setString(func(c *Config) *string { return &c.Server.ListenAddr })},
	{[]string{"VIBECANVAS_LOG_LEVEL"}, func(c *Config, v string) error {
		c.Server.LogLevel = LogLevel(strings.ToLower(v))
		return nil
	}},
	{[]string{"VIBECANVAS_CHANNEL_BUFFER"}, func(c *Config, v string) error {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("VIBECANVAS_CHANNEL_BUFFER: %w", err)
		}
		c.Channel.Buffer = n
		return nil
	}},
}

// LoadDotEnv loads KEY=value pairs from the given files into the process
// environment without overriding variables that are already set. Missing
// files are skipped so a bare checkout starts without a .env.
func LoadDotEnv(paths ...string) error {
	for _, p := range paths {
		if _, err := os.Stat(p); errors.Is(err, os.ErrNotExist) {
			continue
		}
		if err := godotenv.Load(p); err != nil {
			return fmt.Errorf("config: load %q: %w", p, err)
		}
		slog.Debug("loaded environment file", "path", p)
	}
	return nil
}

// Load reads the YAML configuration file at path, applies environment
// overrides from the process environment, and validates the result. An
// empty path skips the file and yields defaults plus environment.
func Load(path string) (*Config, error) {
	if path == "" {
		return Decode(strings.NewReader(""), os.LookupEnv)
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r using the process environment
// for overrides.
func LoadFromReader(r io.Reader) (*Config, error) {
	return Decode(r, os.LookupEnv)
}

// Decode builds a [Config] from defaults, the YAML document in r, and the
// environment variables resolved by lookup, in that order of precedence
// (environment wins), then validates it. An empty document is allowed.
func Decode(r io.Reader, lookup LookupFunc) (*Config, error) {
	cfg := Default()
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	if lookup != nil {
		if err := ApplyEnv(cfg, lookup); err != nil {
			return nil, err
		}
	}
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyEnv overrides cfg fields from the environment. Empty values are
// ignored. The channel token falls back to the agent token when unset, as
// both usually come from the same AGORA_TOKEN.
func ApplyEnv(cfg *Config, lookup LookupFunc) error {
	var errs []error
	for _, b := range envBindings {
		for _, k := range b.keys {
			v, ok := lookup(k)
			if !ok || strings.TrimSpace(v) == "" {
				continue
			}
			if err := b.apply(cfg, strings.TrimSpace(v)); err != nil {
				errs = append(errs, err)
			}
			break
		}
	}
	if cfg.Channel.Token == "" {
		cfg.Channel.Token = cfg.Agent.BotToken
	}
	if cfg.Channel.UserID == "" && cfg.Agent.BotUID != "" {
		cfg.Channel.UserID = "web-" + cfg.Agent.BotUID
	}
	if len(errs) > 0 {
		return fmt.Errorf("config: environment: %w", errors.Join(errs...))
	}
	return nil
}

// Validate checks that cfg contains a coherent set of values. It returns an
// error wrapping [ErrInvalid] that lists every failure found.
func Validate(cfg *Config) error {
	var errs []error

	// Server
	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}
	if cfg.Server.ListenAddr == "" {
		errs = append(errs, errors.New("server.listen_addr is required"))
	}
	if cfg.Server.PublicBaseURL != "" {
		if err := checkURL(cfg.Server.PublicBaseURL, "http", "https"); err != nil {
			errs = append(errs, fmt.Errorf("server.public_base_url: %w", err))
		}
	}
	if tls := cfg.Server.TLS; tls != nil && (tls.CertFile == "" || tls.KeyFile == "") {
		errs = append(errs, errors.New("server.tls requires both cert_file and key_file"))
	}

	// Channel
	if cfg.Channel.URL == "" {
		errs = append(errs, errors.New("channel.url is required (or set AGORA_RTM_URL)"))
	} else if err := checkURL(cfg.Channel.URL, "ws", "wss"); err != nil {
		errs = append(errs, fmt.Errorf("channel.url: %w", err))
	}
	if cfg.Channel.Buffer <= 0 {
		errs = append(errs, fmt.Errorf("channel.buffer %d must be positive", cfg.Channel.Buffer))
	}
	if cfg.Channel.DialTimeout < 0 {
		errs = append(errs, errors.New("channel.dial_timeout must not be negative"))
	}

	// Session
	if cfg.Session.GeneratingTimeout < 0 {
		errs = append(errs, errors.New("session.generating_timeout must not be negative"))
	}
	for i, p := range cfg.Session.GreetingPhrases {
		if strings.TrimSpace(p) == "" {
			errs = append(errs, fmt.Errorf("session.greeting_phrases[%d] is empty", i))
		}
	}

	// Agent
	if cfg.Agent.Enabled() {
		if cfg.Agent.CustomerID == "" || cfg.Agent.CustomerSecret == "" {
			errs = append(errs, errors.New("agent: customer_id and customer_secret are required when app_id is set"))
		}
		if cfg.Agent.BotUID == "" {
			errs = append(errs, errors.New("agent.bot_uid is required when app_id is set"))
		}
		if err := checkURL(cfg.Agent.BaseURL, "http", "https"); err != nil {
			errs = append(errs, fmt.Errorf("agent.base_url: %w", err))
		}
		if cfg.Agent.LLM.URL == "" {
			errs = append(errs, errors.New("agent.llm.url is required when app_id is set"))
		}
		if cfg.Agent.LLM.MaxHistory < 0 {
			errs = append(errs, errors.New("agent.llm.max_history must not be negative"))
		}
		if cfg.Agent.TTS.APIKey == "" {
			slog.Warn("agent.tts.api_key is empty; the agent will not be able to speak")
		}
	}

	// Share
	if cfg.Share.PasteURL != "" {
		if err := checkURL(cfg.Share.PasteURL, "http", "https"); err != nil {
			errs = append(errs, fmt.Errorf("share.paste_url: %w", err))
		}
		if cfg.Share.ExpiryDays <= 0 {
			errs = append(errs, fmt.Errorf("share.expiry_days %d must be positive", cfg.Share.ExpiryDays))
		}
	}
	if cfg.Share.Breaker.MaxFailures < 0 || cfg.Share.Breaker.ResetTimeout < 0 {
		errs = append(errs, errors.New("share.breaker values must not be negative"))
	}
	if cfg.Share.PasteURL == "" && cfg.Share.PostgresDSN == "" {
		slog.Warn("share: neither paste_url nor postgres_dsn is set; sharing is disabled")
	}

	if len(errs) == 0 {
		return nil
	}
	return fmt.Errorf("%w: %w", ErrInvalid, errors.Join(errs...))
}

// checkURL reports whether raw is an absolute URL with one of the schemes.
func checkURL(raw string, schemes ...string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return err
	}
	if u.Host == "" {
		return fmt.Errorf("%q has no host", raw)
	}
	for _, s := range schemes {
		if strings.EqualFold(u.Scheme, s) {
			return nil
		}
	}
	return fmt.Errorf("%q must use scheme %s", raw, strings.Join(schemes, " or "))
}
