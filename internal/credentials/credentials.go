// Package credentials resolves Buildkite API tokens. Lookup order is the
// environment, then the OS keychain, then the config file.
package credentials

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/zalando/go-keyring"
	"github.com/zulandar/kite/internal/config"
	"github.com/zulandar/kite/internal/logging"
	"go.uber.org/zap"
)

const (
	// KeychainService is the service name tokens are stored under.
	KeychainService = "kite"
	// EnvToken applies to whichever organization is requested.
	EnvToken = "BUILDKITE_API_TOKEN"
	// envOrgPrefix + upper-cased org slug names a per-organization token.
	envOrgPrefix = "KITE_TOKEN_"
)

// ErrNoToken is returned when no source holds a token for the organization.
var ErrNoToken = errors.New("no API token configured")

// Source identifies where a token was found.
type Source string

const (
	SourceEnv      Source = "env"
	SourceKeychain Source = "keychain"
	SourceConfig   Source = "config"
)

// Token is a resolved credential and where it came from.
type Token struct {
	Value  string
	Source Source
}

// Keychain abstracts the OS secret store.
type Keychain interface {
	Get(service, user string) (string, error)
	Set(service, user, secret string) error
	Delete(service, user string) error
}

type systemKeychain struct{}

func (systemKeychain) Get(service, user string) (string, error) { return keyring.Get(service, user) }
func (systemKeychain) Set(service, user, secret string) error {
	return keyring.Set(service, user, secret)
}
func (systemKeychain) Delete(service, user string) error { return keyring.Delete(service, user) }

// Resolver looks up tokens across all sources.
type Resolver struct {
	Config   *config.Config
	Keychain Keychain
	Getenv   func(string) string
	Logger   *zap.Logger
}

// NewResolver returns a Resolver backed by the process environment and the
// OS keychain.
func NewResolver(cfg *config.Config, logger *zap.Logger) *Resolver {
	return &Resolver{
		Config:   cfg,
		Keychain: systemKeychain{},
		Getenv:   os.Getenv,
		Logger:   logging.OrNop(logger),
	}
}

// EnvName returns the per-organization environment variable for org,
// e.g. "my-org" -> "KITE_TOKEN_MY_ORG".
func EnvName(org string) string {
	return envOrgPrefix + strings.ToUpper(strings.ReplaceAll(org, "-", "_"))
}

// Resolve returns the token for org from the highest-precedence source.
func (r *Resolver) Resolve(org string) (Token, error) {
	if org == "" {
		return Token{}, fmt.Errorf("credentials: organization is required")
	}

	getenv := r.Getenv
	if getenv == nil {
		getenv = os.Getenv
	}
	for _, name := range []string{EnvToken, EnvName(org)} {
		if v := strings.TrimSpace(getenv(name)); v != "" {
			r.logger().Debug("token from environment", zap.String("org", org), zap.String("var", name))
			return Token{Value: v, Source: SourceEnv}, nil
		}
	}

	if r.Keychain != nil {
		v, err := r.Keychain.Get(KeychainService, org)
		switch {
		case err == nil && v != "":
			r.logger().Debug("token from keychain", zap.String("org", org))
			return Token{Value: v, Source: SourceKeychain}, nil
		case err != nil && !errors.Is(err, keyring.ErrNotFound):
			r.logger().Debug("keychain lookup failed", zap.String("org", org), zap.Error(err))
		}
	}

	if r.Config != nil {
		if oc, ok := r.Config.Organizations[org]; ok && oc.Token != "" {
			r.logger().Debug("token from config", zap.String("org", org))
			return Token{Value: oc.Token, Source: SourceConfig}, nil
		}
	}

	return Token{}, fmt.Errorf("credentials: %s: %w", org, ErrNoToken)
}

// Store saves token for org in dest. Storing in the keychain also registers
// the organization in the config without a plaintext token. The caller is
// responsible for saving the config.
func (r *Resolver) Store(org, token string, dest Source) error {
	if token == "" {
		return fmt.Errorf("credentials: token is required")
	}
	if r.Config == nil {
		return fmt.Errorf("credentials: config is required")
	}

	switch dest {
	case SourceKeychain:
		if r.Keychain == nil {
			return fmt.Errorf("credentials: no keychain available")
		}
		if err := r.Config.SetOrganization(org, ""); err != nil {
			return err
		}
		if err := r.Keychain.Set(KeychainService, org, token); err != nil {
			return fmt.Errorf("credentials: keychain store %s: %w", org, err)
		}
		return nil
	case SourceConfig:
		return r.Config.SetOrganization(org, token)
	default:
		return fmt.Errorf("credentials: cannot store to %q", dest)
	}
}

// Forget removes any stored token for org from the keychain and config.
func (r *Resolver) Forget(org string) error {
	if r.Keychain != nil {
		if err := r.Keychain.Delete(KeychainService, org); err != nil && !errors.Is(err, keyring.ErrNotFound) {
			return fmt.Errorf("credentials: keychain delete %s: %w", org, err)
		}
	}
	if r.Config != nil {
		if oc, ok := r.Config.Organizations[org]; ok {
			oc.Token = ""
			r.Config.Organizations[org] = oc
		}
	}
	return nil
}

func (r *Resolver) logger() *zap.Logger {
	return logging.OrNop(r.Logger)
}
