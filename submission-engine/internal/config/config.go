package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

const prefix = "SUBMISSION_ENGINE_"

type Config struct {
	Addr        string
	DatabaseURL string
	AutoMigrate bool
	LogLevel    string
	LogFormat   string

	PlagiarismThreshold   float64
	AIContentThreshold    float64
	MaxValidationAttempts int
	ValidationTimeout     time.Duration
	ValidationStale       time.Duration
	RunnerConcurrency     int
	RunnerPoll            time.Duration

	SchedulerInterval time.Duration
	ClaimLease        time.Duration
	WorkerID          string

	PaymentSessionTTL time.Duration
	SubmissionFee     int64
	Currency          string
	WebhookSecret     string

	KafkaBrokers []string
	KafkaTopic   string
	S3Bucket     string
	S3Prefix     string

	SMTPHost          string
	SMTPPort          int
	SMTPUser          string
	SMTPPass          string
	SMTPFrom          string
	SMTPSkipTLSVerify bool
	PublicBaseURL     string

	AuthHS256Secret    string
	AuthPublicKeysFile string
	AuthIssuer         string
	AuthDevAllowLocal  bool

	IntegrationsFile string
	Integrations     Integrations
}

const (
	defaultAddr                  = ":8070"
	defaultPlagiarismThreshold   = 20
	defaultAIContentThreshold    = 30
	defaultMaxValidationAttempts = 3
	defaultValidationTimeout     = 30
	defaultValidationStale       = 300
	defaultRunnerConcurrency     = 4
	defaultRunnerPoll            = 5
	defaultSchedulerInterval     = 60
	defaultClaimLease            = 120
	defaultPaymentSessionTTL     = 3600
	defaultSubmissionFee         = 5000
	defaultCurrency              = "USD"
	defaultKafkaTopic            = "submission-transitions"
)

func Load() (Config, error) {
	cfg := Config{
		Addr:        getEnv(prefix+"ADDR", defaultAddr),
		DatabaseURL: firstNonEmpty(os.Getenv(prefix+"DATABASE_URL"), os.Getenv("DATABASE_URL")),
		AutoMigrate: getBool(prefix+"AUTO_MIGRATE", false),
		LogLevel:    getEnv(prefix+"LOG_LEVEL", "info"),
		LogFormat:   getEnv(prefix+"LOG_FORMAT", "json"),

		PlagiarismThreshold:   getFloat(prefix+"PLAGIARISM_THRESHOLD", defaultPlagiarismThreshold),
		AIContentThreshold:    getFloat(prefix+"AI_CONTENT_THRESHOLD", defaultAIContentThreshold),
		MaxValidationAttempts: getInt(prefix+"MAX_VALIDATION_ATTEMPTS", defaultMaxValidationAttempts),
		ValidationTimeout:     getSeconds(prefix+"VALIDATION_TIMEOUT_SECONDS", defaultValidationTimeout),
		ValidationStale:       getSeconds(prefix+"VALIDATION_STALE_SECONDS", defaultValidationStale),
		RunnerConcurrency:     getInt(prefix+"RUNNER_CONCURRENCY", defaultRunnerConcurrency),
		RunnerPoll:            getSeconds(prefix+"RUNNER_POLL_SECONDS", defaultRunnerPoll),

		SchedulerInterval: getSeconds(prefix+"SCHEDULER_INTERVAL_SECONDS", defaultSchedulerInterval),
		ClaimLease:        getSeconds(prefix+"CLAIM_LEASE_SECONDS", defaultClaimLease),
		WorkerID:          os.Getenv(prefix + "WORKER_ID"),

		PaymentSessionTTL: getSeconds(prefix+"PAYMENT_SESSION_TTL_SECONDS", defaultPaymentSessionTTL),
		SubmissionFee:     int64(getInt(prefix+"SUBMISSION_FEE", defaultSubmissionFee)),
		Currency:          strings.ToUpper(getEnv(prefix+"SUBMISSION_CURRENCY", defaultCurrency)),
		WebhookSecret:     os.Getenv(prefix + "WEBHOOK_SECRET"),

		KafkaBrokers: splitList(os.Getenv(prefix + "KAFKA_BROKERS")),
		KafkaTopic:   getEnv(prefix+"KAFKA_TOPIC", defaultKafkaTopic),
		S3Bucket:     os.Getenv(prefix + "S3_BUCKET"),
		S3Prefix:     getEnv(prefix+"S3_PREFIX", "submission-engine"),

		SMTPHost:          firstNonEmpty(os.Getenv(prefix+"SMTP_HOST"), os.Getenv("SMTP_HOST")),
		SMTPPort:          getInt(prefix+"SMTP_PORT", getInt("SMTP_PORT", 587)),
		SMTPUser:          firstNonEmpty(os.Getenv(prefix+"SMTP_USER"), os.Getenv("SMTP_USER")),
		SMTPPass:          firstNonEmpty(os.Getenv(prefix+"SMTP_PASS"), os.Getenv("SMTP_PASS")),
		SMTPFrom:          firstNonEmpty(os.Getenv(prefix+"SMTP_FROM"), os.Getenv("SMTP_FROM")),
		SMTPSkipTLSVerify: getBool(prefix+"SMTP_SKIP_TLS_VERIFY", false),
		PublicBaseURL:     os.Getenv(prefix + "PUBLIC_BASE_URL"),

		AuthHS256Secret:    os.Getenv(prefix + "AUTH_HS256_SECRET"),
		AuthPublicKeysFile: os.Getenv(prefix + "AUTH_PUBLIC_KEYS_FILE"),
		AuthIssuer:         os.Getenv(prefix + "AUTH_ISSUER"),
		AuthDevAllowLocal:  getBool(prefix+"AUTH_DEV_ALLOW_LOCAL", false),

		IntegrationsFile: os.Getenv(prefix + "INTEGRATIONS_FILE"),
	}

	if cfg.IntegrationsFile != "" {
		in, err := LoadIntegrations(cfg.IntegrationsFile)
		if err != nil {
			return Config{}, err
		}
		cfg.Integrations = in
	} else {
		cfg.Integrations = integrationsFromEnv(cfg.ValidationTimeout)
	}

	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) validate() error {
	if c.PlagiarismThreshold < 0 || c.PlagiarismThreshold > 100 {
		return fmt.Errorf("%sPLAGIARISM_THRESHOLD must be within 0-100", prefix)
	}
	if c.AIContentThreshold < 0 || c.AIContentThreshold > 100 {
		return fmt.Errorf("%sAI_CONTENT_THRESHOLD must be within 0-100", prefix)
	}
	if c.MaxValidationAttempts < 1 {
		return fmt.Errorf("%sMAX_VALIDATION_ATTEMPTS must be positive", prefix)
	}
	for name, d := range map[string]time.Duration{
		"VALIDATION_TIMEOUT_SECONDS":  c.ValidationTimeout,
		"VALIDATION_STALE_SECONDS":    c.ValidationStale,
		"RUNNER_POLL_SECONDS":         c.RunnerPoll,
		"SCHEDULER_INTERVAL_SECONDS":  c.SchedulerInterval,
		"CLAIM_LEASE_SECONDS":         c.ClaimLease,
		"PAYMENT_SESSION_TTL_SECONDS": c.PaymentSessionTTL,
	} {
		if d <= 0 {
			return fmt.Errorf("%s%s must be positive", prefix, name)
		}
	}
	if c.RunnerConcurrency < 1 {
		return fmt.Errorf("%sRUNNER_CONCURRENCY must be positive", prefix)
	}
	if c.SubmissionFee <= 0 {
		return fmt.Errorf("%sSUBMISSION_FEE must be positive", prefix)
	}
	if err := c.Integrations.Validate(); err != nil {
		return err
	}
	// Unsigned callbacks would let any caller mark a payment as succeeded.
	if c.PaymentWebhookSecret() == "" && !c.AuthDevAllowLocal {
		return fmt.Errorf("%sWEBHOOK_SECRET or payment_gateway webhook_secret required unless %sAUTH_DEV_ALLOW_LOCAL is set", prefix, prefix)
	}
	return nil
}

// PaymentWebhookSecret is the key payment callbacks are signed with. The secret of the
// payment gateway integration wins over WEBHOOK_SECRET.
func (c Config) PaymentWebhookSecret() string {
	if gw := c.Integrations.PaymentGateway; gw != nil && gw.WebhookSecret != "" {
		return gw.WebhookSecret
	}
	return c.WebhookSecret
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

func getFloat(key string, fallback float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return fallback
}

func getInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return fallback
}

func getSeconds(key string, fallback int) time.Duration {
	return time.Duration(getInt(key, fallback)) * time.Second
}

func getBool(key string, fallback bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return fallback
}

func splitList(v string) []string {
	var out []string
	for _, part := range strings.Split(v, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
