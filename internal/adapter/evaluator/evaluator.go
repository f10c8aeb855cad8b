package evaluator

import (
	"context"
	"fmt"
	"strings"

	domaintask "github.com/alanyang/delegate-broker/internal/domain/task"
)

// SecretPrefix marks a string parameter as a reference into the secret store.
const SecretPrefix = "secret:"

// SecretSource resolves a secret reference to its value.
type SecretSource interface {
	Lookup(ctx context.Context, accountID, name string) (string, bool)
}

// StaticSecrets is a SecretSource backed by configuration.
type StaticSecrets map[string]map[string]string

func (s StaticSecrets) Lookup(_ context.Context, accountID, name string) (string, bool) {
	v, ok := s[accountID][name]
	return v, ok
}

// Evaluator materializes parameters by resolving "secret:<name>" string values,
// moving them out of the parameter map and into the package's secret list.
type Evaluator struct {
	secrets SecretSource
}

func New(secrets SecretSource) *Evaluator {
	return &Evaluator{secrets: secrets}
}

func (e *Evaluator) Evaluate(ctx context.Context, accountID string, params map[string]any) (map[string]any, []domaintask.Secret, error) {
	out := make(map[string]any, len(params))
	var secrets []domaintask.Secret
	for k, v := range params {
		s, ok := v.(string)
		if !ok || !strings.HasPrefix(s, SecretPrefix) {
			out[k] = v
			continue
		}
		name := strings.TrimPrefix(s, SecretPrefix)
		val, found := e.secrets.Lookup(ctx, accountID, name)
		if !found {
			return nil, nil, fmt.Errorf("resolving parameter %q: secret %q not found", k, name)
		}
		secrets = append(secrets, domaintask.Secret{Name: name, Value: val})
		out[k] = "${secrets." + name + "}"
	}
	return out, secrets, nil
}
