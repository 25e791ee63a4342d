package core

import (
	"context"
	"fmt"
	"os"
	"strings"
)

// SecretResolver turns a secret reference into its value.
type SecretResolver interface {
	Resolve(ctx context.Context, ref string) (string, error)
}

// EnvSecretResolver reads secrets from the process environment. A reference
// "db-password" with prefix "CRONFLOW_SECRET_" reads CRONFLOW_SECRET_DB_PASSWORD.
type EnvSecretResolver struct {
	Prefix string
}

func (r EnvSecretResolver) Resolve(_ context.Context, ref string) (string, error) {
	key := r.Prefix + strings.ToUpper(strings.NewReplacer("-", "_", ".", "_").Replace(ref))
	val, ok := os.LookupEnv(key)
	if !ok {
		return "", fmt.Errorf("secret %q not found", ref)
	}
	return val, nil
}

// resolveSecrets injects the task's secrets into env. Values never leave the
// descriptor.
func resolveSecrets(ctx context.Context, resolver SecretResolver, task *TaskDefinition, env map[string]string) error {
	if len(task.Secrets) == 0 {
		return nil
	}
	if resolver == nil {
		return fmt.Errorf("task %s declares secrets but no resolver is configured", task.ID)
	}
	for name, ref := range task.Secrets {
		val, err := resolver.Resolve(ctx, ref)
		if err != nil {
			return fmt.Errorf("resolve secret for %s: %w", name, err)
		}
		env[name] = val
	}
	return nil
}
