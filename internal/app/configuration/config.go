package configuration

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/sethvargo/go-envconfig"

	"github.com/zhammer/faaspact-verifier/internal/app/pact"
)

type Config struct {
	BrokerHost          string        `env:"PACT_BROKER_HOST"`
	BrokerUsername      string        `env:"PACT_BROKER_USERNAME"`
	BrokerPassword      string        `env:"PACT_BROKER_PASSWORD"`
	BrokerFetchTags     []string      `env:"BROKER_FETCH_TAGS,default=master"`
	BrokerRetryAttempts uint          `env:"BROKER_RETRY_ATTEMPTS,default=3"`
	BrokerRetryDelay    time.Duration `env:"BROKER_RETRY_DELAY,default=500ms"`
	Provider            string        `env:"PACT_PROVIDER"`
	ProviderVersion     string        `env:"PROVIDER_VERSION"`
	FaasportURL         string        `env:"FAASPORT_URL"`
	ProviderStatesFile  string        `env:"PROVIDER_STATES_FILE"`
	FailOn              []string      `env:"FAILON,default=master"`
	PublishResults      bool          `env:"PUBLISH_RESULTS"`
	Concurrency         int           `env:"CONCURRENCY,default=1"`
	HTTPTimeout         time.Duration `env:"HTTP_TIMEOUT,default=30s"`
	HistoryDB           string        `env:"HISTORY_DB"`
	ServerAddress       url.URL       `env:"SERVER_ADDRESS,default=http://:8080"` // Address the webhook API listens on
	TLSCertFile         string        `env:"TLS_CERT_FILE"`
	TLSKeyFile          string        `env:"TLS_KEY_FILE"`
	TLSCAFile           string        `env:"TLS_CA_FILE"` // Enables mTLS when set
	GithubAPIURL        string        `env:"GITHUB_API_URL,default=https://api.github.com"`
	GithubToken         string        `env:"GITHUB_TOKEN"`
	OTelEndpoint        string        `env:"OTEL_ENDPOINT"`
}

func NewFromEnv(ctx context.Context) (Config, error) {
	return NewFromLookuper(ctx, envconfig.OsLookuper())
}

func NewFromLookuper(ctx context.Context, lookuper envconfig.Lookuper) (Config, error) {
	var config Config
	if err := envconfig.ProcessWith(ctx, &config, lookuper); err != nil {
		return config, errors.Wrap(err, "process env config")
	}
	return config, nil
}

// ValidationError is a missing or inconsistent setting.
type ValidationError struct {
	Message string
}

func (e *ValidationError) Error() string {
	return e.Message
}

func invalidf(format string, args ...interface{}) error {
	return &ValidationError{Message: fmt.Sprintf(format, args...)}
}

// Validate reports the first setting a verification run cannot do without as
// a *ValidationError.
func (c Config) Validate() error {
	for _, required := range []struct {
		value, name string
	}{
		{c.BrokerHost, "host"},
		{c.BrokerUsername, "username"},
		{c.BrokerPassword, "password"},
		{c.Provider, "provider"},
		{c.FaasportURL, "faasport url"},
	} {
		if strings.TrimSpace(required.value) == "" {
			return invalidf("missing %s", required.name)
		}
	}
	if c.Concurrency < 1 {
		return invalidf("concurrency must be at least 1, got %d", c.Concurrency)
	}
	if c.TLSCAFile != "" && (c.TLSCertFile == "" || c.TLSKeyFile == "") {
		return invalidf("cannot run in mTLS mode without TLS cert and key")
	}
	return nil
}

func (c Config) FailOnTags() pact.Tags {
	return pact.NewTags(c.FailOn...)
}
