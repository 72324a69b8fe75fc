package stack

import (
	"fmt"
	"sort"
)

// =============================================================================
// Configuration Validation
// =============================================================================

// Validate checks the configuration invariants. It returns the first
// violation found as a *ValidationError, or nil when the configuration is
// well formed. Fields are visited in deterministic order so repeated runs
// report the same violation.
func Validate(c Config) error {
	if c.StackName == "" {
		return NewValidationError("stack_name", "stack name is empty", ErrEmptyStackName)
	}
	if !c.SSL.Strategy.Valid() {
		return NewValidationError("ssl.strategy", fmt.Sprintf("unknown strategy %q", c.SSL.Strategy), ErrUnknownStrategy)
	}

	// Hosts: every strategy except none must cover at least one host.
	if c.SSL.Strategy != StrategyNone && len(c.Hosts) == 0 {
		return NewValidationError("hosts", "at least one host is required", ErrNoHosts)
	}

	if err := validatePorts(c); err != nil {
		return err
	}
	if err := validateSSLPayload(c.SSL); err != nil {
		return err
	}
	if err := validateInstances(c); err != nil {
		return err
	}
	return nil
}

// validatePorts enforces range and uniqueness of every externally-visible
// port: external, http, and each database instance port.
func validatePorts(c Config) error {
	claimed := map[int]string{}

	claim := func(field string, port int) error {
		if port < 1 || port > 65535 {
			return NewValidationError(field, fmt.Sprintf("port %d out of range", port), ErrInvalidPort)
		}
		if prior, ok := claimed[port]; ok {
			return NewValidationError(field, fmt.Sprintf("port %d already used by %s", port, prior), ErrPortConflict)
		}
		claimed[port] = field
		return nil
	}

	if err := claim("external_port", c.ExternalPort); err != nil {
		return err
	}
	if err := claim("http_port", c.HTTPPort); err != nil {
		return err
	}
	for _, name := range sortedKeys(c.Databases) {
		if err := claim("databases."+name+".port", c.Databases[name].Port); err != nil {
			return err
		}
	}
	return nil
}

// validateSSLPayload checks that the certificate payload matches the
// strategy tag.
func validateSSLPayload(ssl SSLConfig) error {
	switch ssl.Strategy {
	case StrategyManual:
		if ssl.CertPath == "" || ssl.KeyPath == "" {
			return NewValidationError("ssl", "manual strategy requires cert_path and key_path", ErrStrategyPayload)
		}
	case StrategyLetsEncrypt:
		if ssl.ContactEmail == "" {
			return NewValidationError("ssl.contact_email", "letsencrypt strategy requires a contact email", ErrStrategyPayload)
		}
	case StrategyNone:
		if ssl.CertPath != "" || ssl.KeyPath != "" || ssl.ContactEmail != "" {
			return NewValidationError("ssl", "none strategy must not carry certificate fields", ErrStrategyPayload)
		}
	}
	return nil
}

// validateInstances enforces engine validity, the single metadata instance,
// profile completeness, and case/separator-insensitive name uniqueness
// across databases, profiles, and the reserved role names.
func validateInstances(c Config) error {
	seen := map[string]string{}
	for _, r := range ReservedNames {
		seen[NormalizeName(r)] = r
	}

	metaCount := 0
	for _, name := range sortedKeys(c.Databases) {
		db := c.Databases[name]
		field := "databases." + name
		if !db.Engine.Valid() {
			return NewValidationError(field+".engine", fmt.Sprintf("unknown engine %q", db.Engine), ErrUnknownEngine)
		}
		if db.Engine == EngineMongoDB {
			metaCount++
		}
		if err := claimName(seen, field, name); err != nil {
			return err
		}
	}
	if metaCount != 1 {
		return NewValidationError("databases", fmt.Sprintf("found %d mongodb instances, want exactly 1", metaCount), ErrMissingMeta)
	}

	for _, name := range sortedKeys(c.Profiles) {
		if c.Profiles[name].Image == "" {
			return NewValidationError("profiles."+name+".image", "image is empty", ErrEmptyProfileImage)
		}
		if err := claimName(seen, "profiles."+name, name); err != nil {
			return err
		}
	}
	return nil
}

func claimName(seen map[string]string, field, name string) error {
	// A name that does not start with a letter derives an env prefix like
	// "1WH_", which is not a legal POSIX environment variable name.
	if len(name) == 0 || !isLetter(rune(name[0])) {
		return NewValidationError(field, fmt.Sprintf("%q must start with a letter", name), ErrInvalidName)
	}
	key := NormalizeName(name)
	if prior, ok := seen[key]; ok {
		if isReserved(prior) {
			return NewValidationError(field, fmt.Sprintf("%q is reserved", prior), ErrReservedName)
		}
		return NewValidationError(field, fmt.Sprintf("%q collides with %q", name, prior), ErrNameCollision)
	}
	seen[key] = name
	return nil
}

func isLetter(r rune) bool {
	return (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z')
}

func isReserved(name string) bool {
	for _, r := range ReservedNames {
		if r == name {
			return true
		}
	}
	return false
}

// ClaimedPorts returns the set of ports the configuration already uses.
// The allocator consults this when suggesting ports for new instances.
func ClaimedPorts(c Config) map[int]bool {
	out := map[int]bool{
		c.ExternalPort: true,
		c.HTTPPort:     true,
	}
	for _, db := range c.Databases {
		out[db.Port] = true
	}
	return out
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
