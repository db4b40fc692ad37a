package manifest

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/andywolf/habitat/internal/atomicfile"
)

// Field is one typed entry in the flat env projection.
type Field struct {
	Key   string
	Value string
}

// SecretResolver resolves secret references (projects/.../secrets/...)
// into their plaintext values. Plain values pass through untouched.
type SecretResolver interface {
	Resolve(ctx context.Context, ref string) (string, error)
}

// IsSecretRef reports whether a manifest value is a secret reference
// rather than a literal secret.
func IsSecretRef(v string) bool {
	return strings.HasPrefix(v, "projects/") && strings.Contains(v, "/secrets/")
}

// ResolveSecrets replaces secret references in provider keys and the API
// secret with resolved values. A nil resolver leaves references untouched
// and records a warning per reference.
func (m *Manifest) ResolveSecrets(ctx context.Context, resolver SecretResolver) ([]string, error) {
	var warnings []string

	resolve := func(label, v string) (string, error) {
		if !IsSecretRef(v) {
			return v, nil
		}
		if resolver == nil {
			warnings = append(warnings, fmt.Sprintf("%s is a secret reference but no resolver is available", label))
			return v, nil
		}
		resolved, err := resolver.Resolve(ctx, v)
		if err != nil {
			return "", fmt.Errorf("failed to resolve %s: %w", label, err)
		}
		return resolved, nil
	}

	var err error
	if m.APISecret, err = resolve("api_secret", m.APISecret); err != nil {
		return warnings, err
	}
	for k, v := range m.ProviderKeys {
		if m.ProviderKeys[k], err = resolve("provider_keys."+k, v); err != nil {
			return warnings, err
		}
	}
	for i := range m.Agents {
		a := &m.Agents[i]
		for k, v := range a.ProviderKeys {
			label := fmt.Sprintf("agents[%s].provider_keys.%s", a.ID, k)
			if a.ProviderKeys[k], err = resolve(label, v); err != nil {
				return warnings, err
			}
		}
	}
	return warnings, nil
}

// EnvRecord projects the manifest into a flat, ordered set of typed fields.
// Field order is deterministic: manifest-level fields first, then per-agent
// fields in declaration order with provider keys sorted by label.
func (m *Manifest) EnvRecord() []Field {
	fields := []Field{
		{Key: "HABITAT_NAME", Value: m.Name},
		{Key: "HABITAT_PLATFORM", Value: m.Platform},
		{Key: "HABITAT_ISOLATION", Value: m.Isolation},
		{Key: "HABITAT_AGENT_COUNT", Value: strconv.Itoa(len(m.Agents))},
	}
	if m.APIBindAddress != "" {
		fields = append(fields, Field{Key: "HABITAT_API_BIND", Value: m.APIBindAddress})
	}
	if m.DestructMinutes > 0 {
		fields = append(fields, Field{Key: "HABITAT_DESTRUCT_MINUTES", Value: strconv.Itoa(m.DestructMinutes)})
	}
	if len(m.SharedPaths) > 0 {
		fields = append(fields, Field{Key: "HABITAT_SHARED_PATHS", Value: strings.Join(m.SharedPaths, ":")})
	}
	if m.Platforms.Telegram.OwnerID != "" {
		fields = append(fields, Field{Key: "HABITAT_TELEGRAM_OWNER", Value: m.Platforms.Telegram.OwnerID})
	}
	if m.Platforms.Discord.OwnerID != "" {
		fields = append(fields, Field{Key: "HABITAT_DISCORD_OWNER", Value: m.Platforms.Discord.OwnerID})
	}

	for i, a := range m.Agents {
		prefix := fmt.Sprintf("HABITAT_AGENT_%d_", i)
		fields = append(fields,
			Field{Key: prefix + "ID", Value: a.ID},
			Field{Key: prefix + "GROUP", Value: a.IsolationGroup},
			Field{Key: prefix + "ISOLATION", Value: a.Isolation},
		)
		if a.Model != "" {
			fields = append(fields, Field{Key: prefix + "MODEL", Value: a.Model})
		}
		for _, p := range []string{PlatformTelegram, PlatformDiscord} {
			if tok := a.Tokens[p]; tok != "" {
				fields = append(fields, Field{Key: prefix + "TOKEN_" + strings.ToUpper(p), Value: tok})
			}
		}
		providers := make([]string, 0, len(a.ProviderKeys))
		for k := range a.ProviderKeys {
			providers = append(providers, k)
		}
		sort.Strings(providers)
		for _, p := range providers {
			key := prefix + "KEY_" + strings.ToUpper(strings.ReplaceAll(p, "-", "_"))
			fields = append(fields, Field{Key: key, Value: a.ProviderKeys[p]})
		}
	}
	return fields
}

// WriteEnvFile writes the env projection atomically in EnvironmentFile
// syntax. Values are quoted so special characters survive.
func (m *Manifest) WriteEnvFile(path string) error {
	var sb strings.Builder
	for _, f := range m.EnvRecord() {
		sb.WriteString(f.Key)
		sb.WriteByte('=')
		sb.WriteString(strconv.Quote(f.Value))
		sb.WriteByte('\n')
	}
	if err := atomicfile.WriteFile(path, []byte(sb.String()), 0o600); err != nil {
		return fmt.Errorf("failed to write env file: %w", err)
	}
	return nil
}
