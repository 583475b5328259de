package config

import (
	"bytes"
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	UnknownKeysDrop   = "drop"
	UnknownKeysReject = "reject"
)

// Config models runrelay.yml.
type Config struct {
	Remote      Remote      `yaml:"remote"`
	Credential  Credential  `yaml:"credential"`
	Correlation Correlation `yaml:"correlation"`
	Parameters  Parameters  `yaml:"parameters"`
	Server      Server      `yaml:"server"`
	Store       struct {
		Path string `yaml:"path"`
	} `yaml:"store"`
	Notify Notify `yaml:"notify"`
}

type Remote struct {
	APIURL   string `yaml:"api_url"`
	Owner    string `yaml:"owner"`
	Repo     string `yaml:"repo"`
	Workflow string `yaml:"workflow"`
	Ref      string `yaml:"ref"`
	// Branch overrides Ref when set, typically from the BRANCH environment variable.
	Branch string `yaml:"branch"`
}

type Credential struct {
	Token string `yaml:"token"`
	App   struct {
		AppID          int64  `yaml:"app_id"`
		InstallationID int64  `yaml:"installation_id"`
		PrivateKeyPath string `yaml:"private_key_path"`
		PrivateKeyPEM  string `yaml:"private_key_pem"`
	} `yaml:"app"`
}

type Correlation struct {
	InitialDelay   Duration   `yaml:"initial_delay"`
	RetryDelays    []Duration `yaml:"retry_delays"`
	MaxAttempts    int        `yaml:"max_attempts"`
	MaxWait        Duration   `yaml:"max_wait"`
	PageSize       int        `yaml:"page_size"`
	FilterByBranch bool       `yaml:"filter_by_branch"`
	RequestTimeout Duration   `yaml:"request_timeout"`
	ClockSkew      Duration   `yaml:"clock_skew"`
}

type Parameters struct {
	Required     string   `yaml:"required"`
	Allowed      []string `yaml:"allowed"`
	MultiSelect  []string `yaml:"multi_select"`
	ContactField string   `yaml:"contact_field"`
	UnknownKeys  string   `yaml:"unknown_keys"`
}

type Server struct {
	Addr         string `yaml:"addr"`
	CORSOrigin   string `yaml:"cors_origin"`
	JWTSecret    string `yaml:"jwt_secret"`
	MaxBodyBytes int64  `yaml:"max_body_bytes"`
}

type Notify struct {
	WebhookURL string   `yaml:"webhook_url"`
	Secret     string   `yaml:"secret"`
	Interval   Duration `yaml:"interval"`
	Timeout    Duration `yaml:"timeout"`
}

// Duration is a time.Duration written as a Go duration string in YAML.
type Duration time.Duration

func (d Duration) Std() time.Duration { return time.Duration(d) }

func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	var raw string
	if err := node.Decode(&raw); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(strings.TrimSpace(raw))
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", raw, err)
	}
	*d = Duration(parsed)
	return nil
}

func (d Duration) MarshalYAML() (any, error) {
	return time.Duration(d).String(), nil
}

// Present reports whether any credential for the remote system is configured.
func (c Credential) Present() bool {
	return strings.TrimSpace(c.Token) != "" || c.App.AppID != 0
}

// EffectiveRef returns the branch override when set, else the configured ref.
func (r Remote) EffectiveRef() string {
	if b := strings.TrimSpace(r.Branch); b != "" {
		return b
	}
	return r.Ref
}

// Schedule returns the ordered correlation waits: the initial delay, then the retries.
func (c Correlation) Schedule() []time.Duration {
	out := make([]time.Duration, 0, len(c.RetryDelays)+1)
	out = append(out, c.InitialDelay.Std())
	for _, d := range c.RetryDelays {
		out = append(out, d.Std())
	}
	return out
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.Remote.APIURL) == "" {
		return fmt.Errorf("config.remote.api_url is required")
	}
	if strings.TrimSpace(c.Remote.Owner) == "" {
		return fmt.Errorf("config.remote.owner is required")
	}
	if strings.TrimSpace(c.Remote.Repo) == "" {
		return fmt.Errorf("config.remote.repo is required")
	}
	if strings.TrimSpace(c.Remote.Workflow) == "" {
		return fmt.Errorf("config.remote.workflow is required")
	}
	if strings.TrimSpace(c.Remote.EffectiveRef()) == "" {
		return fmt.Errorf("config.remote.ref is required")
	}
	app := c.Credential.App
	if app.AppID != 0 {
		if app.InstallationID == 0 {
			return fmt.Errorf("config.credential.app.installation_id is required with app_id")
		}
		if app.PrivateKeyPath == "" && app.PrivateKeyPEM == "" {
			return fmt.Errorf("config.credential.app requires private_key_path or private_key_pem")
		}
	}
	if c.Correlation.InitialDelay < 0 {
		return fmt.Errorf("config.correlation.initial_delay must not be negative")
	}
	for i, d := range c.Correlation.RetryDelays {
		if d < 0 {
			return fmt.Errorf("config.correlation.retry_delays[%d] must not be negative", i)
		}
	}
	if c.Correlation.MaxAttempts < 1 {
		return fmt.Errorf("config.correlation.max_attempts must be at least 1")
	}
	if c.Correlation.PageSize < 1 || c.Correlation.PageSize > 100 {
		return fmt.Errorf("config.correlation.page_size must be between 1 and 100")
	}
	if c.Correlation.MaxWait <= 0 {
		return fmt.Errorf("config.correlation.max_wait must be positive")
	}
	if c.Correlation.ClockSkew < 0 {
		return fmt.Errorf("config.correlation.clock_skew must not be negative")
	}
	p := c.Parameters
	if strings.TrimSpace(p.Required) == "" {
		return fmt.Errorf("config.parameters.required is required")
	}
	allowed := make(map[string]struct{}, len(p.Allowed))
	for _, k := range p.Allowed {
		if strings.TrimSpace(k) == "" {
			return fmt.Errorf("config.parameters.allowed contains an empty name")
		}
		allowed[k] = struct{}{}
	}
	if _, ok := allowed[p.Required]; !ok {
		return fmt.Errorf("required parameter %s is not in config.parameters.allowed", p.Required)
	}
	for _, k := range p.MultiSelect {
		if _, ok := allowed[k]; !ok {
			return fmt.Errorf("multi-select parameter %s is not in config.parameters.allowed", k)
		}
	}
	if _, ok := allowed[p.ContactField]; ok {
		return fmt.Errorf("contact field %s must not be a job parameter", p.ContactField)
	}
	switch p.UnknownKeys {
	case UnknownKeysDrop, UnknownKeysReject:
	default:
		return fmt.Errorf("config.parameters.unknown_keys must be %q or %q", UnknownKeysDrop, UnknownKeysReject)
	}
	if c.Notify.WebhookURL != "" && c.Store.Path == "" {
		return fmt.Errorf("config.notify.webhook_url requires config.store.path")
	}
	return nil
}

// Overrides carries values collected from flags and the environment at startup.
type Overrides struct {
	Token  string
	Branch string
	Addr   string
	Store  string
}

// Apply overlays non-empty override values.
func (c *Config) Apply(o Overrides) {
	if o.Token != "" {
		c.Credential.Token = o.Token
	}
	if o.Branch != "" {
		c.Remote.Branch = o.Branch
	}
	if o.Addr != "" {
		c.Server.Addr = o.Addr
	}
	if o.Store != "" {
		c.Store.Path = o.Store
	}
}

// Redacted returns a copy safe to print.
func (c Config) Redacted() Config {
	if c.Credential.Token != "" {
		c.Credential.Token = "***"
	}
	if c.Credential.App.PrivateKeyPEM != "" {
		c.Credential.App.PrivateKeyPEM = "***"
	}
	if c.Server.JWTSecret != "" {
		c.Server.JWTSecret = "***"
	}
	if c.Notify.Secret != "" {
		c.Notify.Secret = "***"
	}
	return c
}

// Load reads config from path; an empty path yields the defaults. The result is not
// validated so that overrides can be applied first.
func Load(path string) (*Config, error) {
	if path == "" {
		return Default(), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config %s not found; generate one with rr config init", path)
		}
		return nil, err
	}
	return decode(data)
}

// GenerateDefault returns default config YAML for a workflow.
func GenerateDefault(owner, repo, workflow string) string {
	return fmt.Sprintf(defaultTemplate, owner, repo, workflow)
}

// Default returns the default Config without a remote target.
func Default() *Config {
	var cfg Config
	_ = yaml.NewDecoder(bytes.NewBufferString(GenerateDefault("", "", ""))).Decode(&cfg)
	return &cfg
}

// FromYAML parses and validates config from raw YAML bytes.
func FromYAML(data []byte) (*Config, error) {
	cfg, err := decode(data)
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func decode(data []byte) (*Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("invalid config yaml: %w", err)
	}
	return cfg, nil
}

const defaultTemplate = `remote:
  api_url: https://api.github.com
  owner: "%s"
  repo: "%s"
  workflow: "%s"
  ref: main

correlation:
  initial_delay: 9s
  retry_delays: [3s, 3s, 5s, 5s]
  max_attempts: 5
  max_wait: 30s
  page_size: 10
  filter_by_branch: true
  request_timeout: 10s
  # runs created up to this long before the dispatch still match
  clock_skew: 1s

parameters:
  required: run_mode
  allowed: [run_mode, agg, proj, diag, pov, regions, shockSize]
  multi_select: [regions]
  contact_field: email
  unknown_keys: drop

server:
  addr: 127.0.0.1:8080
  cors_origin: "*"
  max_body_bytes: 1048576

notify:
  interval: 5s
  timeout: 5s
`
