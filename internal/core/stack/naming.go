package stack

import "strings"

// =============================================================================
// Resource Naming Functions
// =============================================================================

// Reserved role names that always exist in a compiled topology. Database and
// profile instance names must not collide with these.
const (
	RoleApp     = "app"
	RoleEdge    = "edge"
	RoleCertbot = "certbot"
)

// ReservedNames lists the service roles the compiler always emits.
var ReservedNames = []string{RoleApp, RoleEdge, RoleCertbot}

// ServiceName generates the container/service name for an instance.
// Pattern: {stackName}-{instance}
//
// Example:
//
//	ServiceName("easy", "app") // returns "easy-app"
func ServiceName(stackName, instance string) string {
	return stackName + "-" + instance
}

// VolumeName generates the persistent volume name owned by an instance.
// Pattern: {stackName}-{instance}-data
func VolumeName(stackName, instance string) string {
	return stackName + "-" + instance + "-data"
}

// NetworkName generates the private network name for the stack.
// Pattern: {stackName}-network
func NetworkName(stackName string) string {
	return stackName + "-network"
}

// EnvPrefix derives the environment variable group prefix for an instance
// name: upper-cased, every run of non-alphanumeric characters replaced with
// a single underscore, with a trailing underscore.
//
// Example:
//
//	EnvPrefix("warehouse-1") // returns "WAREHOUSE_1_"
func EnvPrefix(instance string) string {
	var b strings.Builder
	lastUnderscore := false
	for _, r := range instance {
		switch {
		case r >= 'a' && r <= 'z':
			b.WriteRune(r - 32)
			lastUnderscore = false
		case (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9'):
			b.WriteRune(r)
			lastUnderscore = false
		default:
			if !lastUnderscore {
				b.WriteRune('_')
			}
			lastUnderscore = true
		}
	}
	out := b.String()
	if !strings.HasSuffix(out, "_") {
		out += "_"
	}
	return out
}

// NormalizeName maps an instance name to its collision-detection key: the
// env prefix without the trailing underscore. Two names that normalize to
// the same key would alias in environment-variable space and are rejected.
func NormalizeName(instance string) string {
	return strings.TrimSuffix(EnvPrefix(instance), "_")
}
