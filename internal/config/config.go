// Package config holds the service's typed configuration.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"invoice-approval/internal/correlator"
	"invoice-approval/internal/decision"
	"invoice-approval/pkg/config"
)

type LedgerConfig struct {
	// Driver is "file" or "postgres".
	Driver        string        `yaml:"driver"`
	Dir           string        `yaml:"dir"`
	Retention     time.Duration `yaml:"retention"`
	PurgeInterval time.Duration `yaml:"purge_interval"`
}

type MailConfig struct {
	IMAPAddr     string `yaml:"imap_addr"`
	IMAPMailbox  string `yaml:"imap_mailbox"`
	IMAPInsecure bool   `yaml:"imap_insecure"`
	SMTPHost     string `yaml:"smtp_host"`
	SMTPPort     int    `yaml:"smtp_port"`
	Username     string `yaml:"username"`
	Password     string `yaml:"password"`
	From         string `yaml:"from"`
}

type LLMConfig struct {
	BaseURL       string        `yaml:"base_url"`
	APIKey        string        `yaml:"api_key"`
	ClassifyModel string        `yaml:"classify_model"`
	ExtractModel  string        `yaml:"extract_model"`
	SummaryModel  string        `yaml:"summary_model"`
	Timeout       time.Duration `yaml:"timeout"`
}

type ArchiveConfig struct {
	Region   string        `yaml:"region"`
	Bucket   string        `yaml:"bucket"`
	Prefix   string        `yaml:"prefix"`
	LinkTTL  time.Duration `yaml:"link_ttl"`
	Endpoint string        `yaml:"endpoint"`
}

type PollConfig struct {
	Enabled         bool          `yaml:"enabled"`
	SubjectFilter   string        `yaml:"subject_filter"`
	Interval        time.Duration `yaml:"interval"`
	ErrorBackoff    time.Duration `yaml:"error_backoff"`
	FetchTimeout    time.Duration `yaml:"fetch_timeout"`
	ClassifyTimeout time.Duration `yaml:"classify_timeout"`
	ArchiveTimeout  time.Duration `yaml:"archive_timeout"`
}

type ApprovalConfig struct {
	ConfidenceThreshold   float64 `yaml:"confidence_threshold"`
	LowConfidenceFallback string  `yaml:"low_confidence_fallback"`
	UnmatchedPolicy       string  `yaml:"unmatched_policy"`
}

type OCRConfig struct {
	Enabled   bool     `yaml:"enabled"`
	Languages []string `yaml:"languages"`
}

type Config struct {
	Server   config.ServerConfig `yaml:"server"`
	DB       config.DBConfig     `yaml:"db"`
	Redis    config.RedisConfig  `yaml:"redis"`
	MQ       config.MQConfig     `yaml:"mq"`
	JWT      config.JWTConfig    `yaml:"jwt"`
	LogLevel string              `yaml:"log_level"`

	Ledger    LedgerConfig      `yaml:"ledger"`
	Mail      MailConfig        `yaml:"mail"`
	Approvers map[string]string `yaml:"approvers"`
	LLM       LLMConfig         `yaml:"llm"`
	Archive   ArchiveConfig     `yaml:"archive"`
	OCR       OCRConfig         `yaml:"ocr"`
	Poll      PollConfig        `yaml:"poll"`
	Approval  ApprovalConfig    `yaml:"approval"`

	// parsed by Validate
	policy    decision.Policy
	unmatched correlator.UnmatchedPolicy
}

// Load reads config/<env>.yaml over config/base.yaml, applies environment
// overrides and validates the result.
func Load(env, dir string) (*Config, error) {
	var cfg Config
	if err := config.Decode(env, dir, &cfg); err != nil {
		return nil, err
	}

	config.OverrideServerFromEnv(&cfg.Server)
	config.OverrideDBFromEnv(&cfg.DB)
	config.OverrideRedisFromEnv(&cfg.Redis)
	config.OverrideMQFromEnv(&cfg.MQ)
	config.OverrideJWTFromEnv(&cfg.JWT)
	overrideFromEnv(&cfg)

	cfg.setDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func overrideFromEnv(cfg *Config) {
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if v := os.Getenv("LEDGER_DRIVER"); v != "" {
		cfg.Ledger.Driver = v
	}
	if v := os.Getenv("LEDGER_DIR"); v != "" {
		cfg.Ledger.Dir = v
	}
	if v := os.Getenv("IMAP_ADDR"); v != "" {
		cfg.Mail.IMAPAddr = v
	}
	if v := os.Getenv("SMTP_HOST"); v != "" {
		cfg.Mail.SMTPHost = v
	}
	if v := os.Getenv("SMTP_PORT"); v != "" {
		if p, err := strconv.Atoi(v); err == nil {
			cfg.Mail.SMTPPort = p
		}
	}
	if v := os.Getenv("EMAIL_USER"); v != "" {
		cfg.Mail.Username = v
	}
	if v := os.Getenv("EMAIL_PASSWORD"); v != "" {
		cfg.Mail.Password = v
	}
	if v := os.Getenv("OPENAI_API_KEY"); v != "" {
		cfg.LLM.APIKey = v
	}
	if v := os.Getenv("LLM_BASE_URL"); v != "" {
		cfg.LLM.BaseURL = v
	}
	if v := os.Getenv("S3_BUCKET_NAME"); v != "" {
		cfg.Archive.Bucket = v
	}
	if v := os.Getenv("AWS_REGION"); v != "" {
		cfg.Archive.Region = v
	}
}

func (c *Config) setDefaults() {
	if c.Server.Port == "" {
		c.Server.Port = "8000"
	}
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
	if c.Ledger.Driver == "" {
		c.Ledger.Driver = "file"
	}
	if c.Ledger.Dir == "" {
		c.Ledger.Dir = "data/ledger"
	}
	if c.Ledger.Retention <= 0 {
		c.Ledger.Retention = 7 * 24 * time.Hour
	}
	if c.Ledger.PurgeInterval <= 0 {
		c.Ledger.PurgeInterval = time.Hour
	}
	if c.Mail.IMAPMailbox == "" {
		c.Mail.IMAPMailbox = "INBOX"
	}
	if c.Mail.SMTPPort == 0 {
		c.Mail.SMTPPort = 587
	}
	if c.Mail.From == "" {
		c.Mail.From = c.Mail.Username
	}
	if c.LLM.BaseURL == "" {
		c.LLM.BaseURL = "https://api.openai.com/v1"
	}
	if c.LLM.ClassifyModel == "" {
		c.LLM.ClassifyModel = "gpt-4o"
	}
	if c.LLM.ExtractModel == "" {
		c.LLM.ExtractModel = "gpt-3.5-turbo"
	}
	if c.LLM.SummaryModel == "" {
		c.LLM.SummaryModel = "gpt-4o"
	}
	if c.LLM.Timeout <= 0 {
		c.LLM.Timeout = 60 * time.Second
	}
	if c.Archive.Prefix == "" {
		c.Archive.Prefix = "approved"
	}
	if c.Archive.LinkTTL <= 0 {
		c.Archive.LinkTTL = 7 * 24 * time.Hour
	}
	if c.Poll.Interval <= 0 {
		c.Poll.Interval = 5 * time.Minute
	}
	if c.Poll.ErrorBackoff <= 0 {
		c.Poll.ErrorBackoff = time.Minute
	}
	if c.Poll.FetchTimeout <= 0 {
		c.Poll.FetchTimeout = 30 * time.Second
	}
	if c.Poll.ClassifyTimeout <= 0 {
		c.Poll.ClassifyTimeout = 60 * time.Second
	}
	if c.Poll.ArchiveTimeout <= 0 {
		c.Poll.ArchiveTimeout = 60 * time.Second
	}
	if c.Approval.ConfidenceThreshold == 0 {
		c.Approval.ConfidenceThreshold = decision.DefaultThreshold
	}
	if c.Approval.LowConfidenceFallback == "" {
		c.Approval.LowConfidenceFallback = string(decision.DefaultPolicy().LowConfidence)
	}
	// 未配置邮箱的审批人不可选
	for k, v := range c.Approvers {
		if strings.TrimSpace(v) == "" {
			delete(c.Approvers, k)
		}
	}
	if c.Approval.UnmatchedPolicy == "" {
		c.Approval.UnmatchedPolicy = string(correlator.ConsumeUnmatched)
	}
}

// Validate checks enumerations and ranges. Load calls it.
func (c *Config) Validate() error {
	switch c.Ledger.Driver {
	case "file", "postgres":
	default:
		return fmt.Errorf("ledger.driver: unknown driver %q", c.Ledger.Driver)
	}
	if t := c.Approval.ConfidenceThreshold; t <= 0 || t >= 1 {
		return fmt.Errorf("approval.confidence_threshold must be in (0,1), got %v", t)
	}
	low, err := decision.ParseLowConfidence(c.Approval.LowConfidenceFallback)
	if err != nil {
		return err
	}
	unmatched, err := correlator.ParsePolicy(c.Approval.UnmatchedPolicy)
	if err != nil {
		return err
	}
	c.policy = decision.Policy{Threshold: c.Approval.ConfidenceThreshold, LowConfidence: low}
	c.unmatched = unmatched
	return nil
}

// DecisionPolicy is valid after Load or Validate.
func (c *Config) DecisionPolicy() decision.Policy { return c.policy }

func (c *Config) Unmatched() correlator.UnmatchedPolicy { return c.unmatched }
