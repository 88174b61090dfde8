package credentials

import (
	"fmt"
	"os"

	"rsched/internal/config"
	"rsched/internal/sched"
)

// Setter is implemented by credential sources that can store a new password.
type Setter interface {
	SetPassword(password string) error
}

// NewCredentialsFromConfig creates a password source based on the configuration type.
func NewCredentialsFromConfig(cfg config.CredentialsConfig) (sched.Credentials, error) {
	switch cfg.Type {
	case "age", "":
		if cfg.IdentityPath == "" || cfg.PasswordPath == "" {
			return nil, fmt.Errorf("identity_path and password_path required for age credentials")
		}
		return NewAgeStore(cfg), nil
	case "env":
		name := cfg.EnvVar
		if name == "" {
			name = "RESTIC_PASSWORD"
		}
		return &EnvSource{Var: name, lookup: os.LookupEnv}, nil
	default:
		return nil, fmt.Errorf("unknown credentials type: %q", cfg.Type)
	}
}

// EnvSource reads the password from an environment variable. It cannot store one.
type EnvSource struct {
	Var    string
	lookup func(string) (string, bool)
}

var _ sched.Credentials = (*EnvSource)(nil)

func (e *EnvSource) Password() (string, bool, error) {
	lookup := e.lookup
	if lookup == nil {
		lookup = os.LookupEnv
	}
	v, ok := lookup(e.Var)
	if !ok || v == "" {
		return "", false, nil
	}
	return v, true, nil
}
