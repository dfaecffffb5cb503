package steps

import (
	"context"
	"fmt"
	"os"
	"strings"
)

// EnvSecrets resolves secrets from environment variables, namespaced per
// tenant: <PREFIX>_<TENANT>_<NAME>. Deployments with a real vault plug their
// own SecretAccessor into the engine instead.
type EnvSecrets struct {
	Prefix string
}

// Secret implements SecretAccessor.
func (e EnvSecrets) Secret(ctx context.Context, tenantID, name string) (string, error) {
	key := strings.ToUpper(fmt.Sprintf("%s_%s_%s", e.Prefix, tenantID, name))
	key = strings.NewReplacer("-", "_", ".", "_").Replace(key)
	value, ok := os.LookupEnv(key)
	if !ok {
		return "", fmt.Errorf("secret %q is not configured for tenant %s", name, tenantID)
	}
	return value, nil
}
