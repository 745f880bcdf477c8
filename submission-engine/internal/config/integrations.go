package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

type IntegrationKind string

const (
	KindPlagiarism     IntegrationKind = "plagiarism"
	KindAIContent      IntegrationKind = "ai_content"
	KindPaymentGateway IntegrationKind = "payment_gateway"
)

// ValidationService configures a plagiarism or AI-content scoring endpoint.
type ValidationService struct {
	BaseURL     string        `yaml:"base_url"`
	Path        string        `yaml:"path"`
	APIKey      string        `yaml:"api_key"`
	Timeout     time.Duration `yaml:"timeout"`
	MaxAttempts int           `yaml:"max_attempts"`
	Backoff     time.Duration `yaml:"backoff"`
}

// PaymentGatewayService configures the hosted checkout provider.
type PaymentGatewayService struct {
	BaseURL       string        `yaml:"base_url"`
	APIKey        string        `yaml:"api_key"`
	WebhookSecret string        `yaml:"webhook_secret"`
	Timeout       time.Duration `yaml:"timeout"`
	Retries       int           `yaml:"retries"`
}

// Integration is one entry of the integrations file. Exactly one of the typed
// fields is set, selected by Kind.
type Integration struct {
	Kind       IntegrationKind
	Validation *ValidationService
	Gateway    *PaymentGatewayService
}

func (i *Integration) UnmarshalYAML(node *yaml.Node) error {
	var head struct {
		Kind IntegrationKind `yaml:"kind"`
	}
	if err := node.Decode(&head); err != nil {
		return err
	}
	i.Kind = head.Kind
	switch head.Kind {
	case KindPlagiarism, KindAIContent:
		var svc struct {
			Kind              IntegrationKind `yaml:"kind"`
			ValidationService `yaml:",inline"`
		}
		if err := node.Decode(&svc); err != nil {
			return fmt.Errorf("line %d: %w", node.Line, err)
		}
		i.Validation = &svc.ValidationService
	case KindPaymentGateway:
		var svc struct {
			Kind                  IntegrationKind `yaml:"kind"`
			PaymentGatewayService `yaml:",inline"`
		}
		if err := node.Decode(&svc); err != nil {
			return fmt.Errorf("line %d: %w", node.Line, err)
		}
		i.Gateway = &svc.PaymentGatewayService
	case "":
		return fmt.Errorf("line %d: integration kind required", node.Line)
	default:
		return fmt.Errorf("line %d: unknown integration kind %q", node.Line, head.Kind)
	}
	return nil
}

// Integrations is the validated set of external services, at most one per kind.
type Integrations struct {
	Plagiarism     *ValidationService
	AIContent      *ValidationService
	PaymentGateway *PaymentGatewayService
}

type integrationsFile struct {
	Integrations []Integration `yaml:"integrations"`
}

// LoadIntegrations reads the YAML integrations file. ${VAR} references are expanded
// from the environment so secrets can stay out of the file.
func LoadIntegrations(path string) (Integrations, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return Integrations{}, fmt.Errorf("read integrations file: %w", err)
	}
	return ParseIntegrations([]byte(os.ExpandEnv(string(raw))))
}

func ParseIntegrations(data []byte) (Integrations, error) {
	var file integrationsFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return Integrations{}, fmt.Errorf("parse integrations file: %w", err)
	}
	var out Integrations
	for _, in := range file.Integrations {
		switch in.Kind {
		case KindPlagiarism:
			if out.Plagiarism != nil {
				return Integrations{}, fmt.Errorf("duplicate %s integration", in.Kind)
			}
			out.Plagiarism = in.Validation
		case KindAIContent:
			if out.AIContent != nil {
				return Integrations{}, fmt.Errorf("duplicate %s integration", in.Kind)
			}
			out.AIContent = in.Validation
		case KindPaymentGateway:
			if out.PaymentGateway != nil {
				return Integrations{}, fmt.Errorf("duplicate %s integration", in.Kind)
			}
			out.PaymentGateway = in.Gateway
		}
	}
	if err := out.Validate(); err != nil {
		return Integrations{}, err
	}
	return out, nil
}

// Validate requires both scoring services. The payment gateway is optional; without it
// the engine runs against a local gateway that never settles.
func (in Integrations) Validate() error {
	for kind, svc := range map[IntegrationKind]*ValidationService{KindPlagiarism: in.Plagiarism, KindAIContent: in.AIContent} {
		if svc == nil {
			return fmt.Errorf("%s integration required", kind)
		}
		if svc.BaseURL == "" {
			return fmt.Errorf("%s integration: base_url required", kind)
		}
		if svc.Timeout < 0 || svc.Backoff < 0 || svc.MaxAttempts < 0 {
			return fmt.Errorf("%s integration: timeout, backoff and max_attempts must not be negative", kind)
		}
	}
	if gw := in.PaymentGateway; gw != nil {
		if gw.BaseURL == "" {
			return fmt.Errorf("%s integration: base_url required", KindPaymentGateway)
		}
		if gw.Timeout < 0 || gw.Retries < 0 {
			return fmt.Errorf("%s integration: timeout and retries must not be negative", KindPaymentGateway)
		}
	}
	return nil
}

func integrationsFromEnv(timeout time.Duration) Integrations {
	var in Integrations
	if url := os.Getenv(prefix + "PLAGIARISM_URL"); url != "" {
		in.Plagiarism = &ValidationService{BaseURL: url, Path: getEnv(prefix+"PLAGIARISM_PATH", "/check"), APIKey: os.Getenv(prefix + "PLAGIARISM_API_KEY"), Timeout: timeout}
	}
	if url := os.Getenv(prefix + "AI_CONTENT_URL"); url != "" {
		in.AIContent = &ValidationService{BaseURL: url, Path: getEnv(prefix+"AI_CONTENT_PATH", "/check"), APIKey: os.Getenv(prefix + "AI_CONTENT_API_KEY"), Timeout: timeout}
	}
	if url := os.Getenv(prefix + "PAYMENT_GATEWAY_URL"); url != "" {
		in.PaymentGateway = &PaymentGatewayService{BaseURL: url, APIKey: os.Getenv(prefix + "PAYMENT_GATEWAY_API_KEY")}
	}
	return in
}
