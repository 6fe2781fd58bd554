package config

import (
	"fmt"
	"net/netip"
	"net/url"
	"strings"
	"time"

	"github.com/jessevdk/go-flags"

	"fw-ingest/internal/types"
)

// Config is read from the environment; every key can be overridden by a flag.
type Config struct {
	Role     string `long:"role" env:"ROLE" default:"api" description:"process role: api, oneshot or scheduler"`
	APIHost  string `long:"api-host" env:"API_HOST" default:"0.0.0.0" description:"listen host"`
	APIPort  int    `long:"api-port" env:"API_PORT" default:"8000" description:"listen port"`
	APIToken string `long:"api-token" env:"API_TOKEN" description:"bearer token required on /api/v1/policies routes"`
	LogLevel string `long:"log-level" env:"LOG_LEVEL" default:"info" description:"debug, info, warn or error"`

	DatabaseURL  string        `long:"database-url" env:"DATABASE_URL" description:"PostgreSQL URL; empty disables storage"`
	StoreTimeout time.Duration `long:"store-timeout" env:"STORE_TIMEOUT" default:"5s" description:"deadline for each store call"`

	RedisURL  string        `long:"redis-url" env:"REDIS_URL" description:"Redis URL; empty disables the lookup cache and ingest limiter"`
	CacheTTL  time.Duration `long:"cache-ttl" env:"CACHE_TTL" default:"1h" description:"lifetime of cached config records"`
	IngestRPM int           `long:"ingest-rpm" env:"INGEST_RPM" default:"6" description:"ingestions per device per minute; 0 disables"`

	FortigateIP         string   `long:"fortigate-ip" env:"FORTIGATE_IP" default:"192.168.1.99" description:"firewall management address"`
	FortigateToken      string   `long:"fortigate-token" env:"FGT_API_TOKEN" description:"firewall API token; empty disables the live source"`
	FortigateVerifySSL  bool     `long:"fortigate-verify-ssl" env:"FORTIGATE_VERIFY_SSL" description:"verify the firewall certificate"`
	FortigateTimeout    int      `long:"fortigate-timeout" env:"FORTIGATE_TIMEOUT" default:"30" description:"request timeout in seconds"`
	FortigateAPIVersion string   `long:"fortigate-api-version" env:"FORTIGATE_API_VERSION" default:"v2" description:"REST API version"`
	UseSampleData       bool     `long:"use-sample-data" env:"USE_SAMPLE_DATA" description:"never contact the configured firewall"`
	SourceAllowCIDRs    []string `long:"source-allow-cidr" env:"SOURCE_ALLOW_CIDRS" env-delim:"," description:"networks request-supplied firewalls must live in"`

	SampleDataDir string `long:"sample-data-dir" env:"SAMPLE_DATA_DIR" default:"sampledata" description:"directory of staged sample JSON"`
	OutputFile    string `long:"output-file" env:"OUTPUT_FILE" description:"oneshot: also write stored rows to this file"`

	ServiceURL       string        `long:"service-url" env:"SERVICE_URL" default:"http://localhost:8000" description:"scheduler: base URL of the api role"`
	ScheduleInterval time.Duration `long:"schedule-interval" env:"SCHEDULE_INTERVAL" default:"1h" description:"scheduler: time between ingestions"`
	RetentionDays    int           `long:"retention-days" env:"RETENTION_DAYS" default:"0" description:"scheduler: delete records older than this; 0 keeps everything"`
}

// Parse reads the environment and args into a validated Config.
func Parse(args []string) (*Config, error) {
	cfg := &Config{}
	parser := flags.NewParser(cfg, flags.HelpFlag|flags.PassDoubleDash)
	parser.Name = "runner"
	if _, err := parser.ParseArgs(args); err != nil {
		return nil, err
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// IsHelp reports whether err is the help message produced by -h.
func IsHelp(err error) bool {
	return flags.WroteHelp(err)
}

func (c *Config) validate() error {
	switch c.Role {
	case "api", "oneshot", "scheduler":
	default:
		return fmt.Errorf("invalid ROLE %q", c.Role)
	}
	if c.APIPort <= 0 || c.APIPort > 65535 {
		return fmt.Errorf("invalid API_PORT: %d", c.APIPort)
	}
	if c.DatabaseURL != "" {
		if _, err := url.Parse(c.DatabaseURL); err != nil {
			return fmt.Errorf("invalid DATABASE_URL: %w", err)
		}
	}
	if c.StoreTimeout <= 0 {
		return fmt.Errorf("invalid STORE_TIMEOUT: %s", c.StoreTimeout)
	}
	if c.IngestRPM < 0 {
		return fmt.Errorf("invalid INGEST_RPM: %d", c.IngestRPM)
	}
	if c.RetentionDays < 0 {
		return fmt.Errorf("invalid RETENTION_DAYS: %d", c.RetentionDays)
	}
	if _, err := c.AllowedNetworks(); err != nil {
		return err
	}
	if c.Role == "scheduler" && c.ScheduleInterval <= 0 {
		return fmt.Errorf("invalid SCHEDULE_INTERVAL: %s", c.ScheduleInterval)
	}
	return nil
}

// AllowedNetworks parses SOURCE_ALLOW_CIDRS.
func (c *Config) AllowedNetworks() ([]netip.Prefix, error) {
	var out []netip.Prefix
	for _, raw := range c.SourceAllowCIDRs {
		raw = strings.TrimSpace(raw)
		if raw == "" {
			continue
		}
		p, err := netip.ParsePrefix(raw)
		if err != nil {
			return nil, fmt.Errorf("invalid SOURCE_ALLOW_CIDRS entry %q: %w", raw, err)
		}
		out = append(out, p.Masked())
	}
	return out, nil
}

// AmbientSource returns the environment-resident firewall, or nil when none is configured.
func (c *Config) AmbientSource() *types.SourceSettings {
	if c.FortigateToken == "" || c.UseSampleData {
		return nil
	}
	s := types.SourceSettings{
		Address:        c.FortigateIP,
		Token:          c.FortigateToken,
		VerifyTLS:      c.FortigateVerifySSL,
		TimeoutSeconds: c.FortigateTimeout,
		APIVersion:     c.FortigateAPIVersion,
	}.WithDefaults()
	return &s
}

// ListenAddr is the api role's listen address.
func (c *Config) ListenAddr() string {
	return fmt.Sprintf("%s:%d", c.APIHost, c.APIPort)
}
