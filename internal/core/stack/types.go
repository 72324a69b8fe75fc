// Package stack defines the stack configuration data model.
// This is part of the Functional Core - all functions are pure with no I/O.
package stack

// =============================================================================
// SSL Strategies
// =============================================================================

// SSLStrategy selects how certificate material for the edge is obtained.
type SSLStrategy string

const (
	// StrategySelfSigned issues a locally-trusted certificate from a
	// tool-managed CA.
	StrategySelfSigned SSLStrategy = "self-signed"
	// StrategyLetsEncrypt obtains a publicly-validated certificate through
	// the HTTP-01 challenge bootstrap.
	StrategyLetsEncrypt SSLStrategy = "letsencrypt"
	// StrategyManual uses operator-provided certificate and key files.
	StrategyManual SSLStrategy = "manual"
	// StrategyNone disables TLS termination entirely; an external proxy
	// in front of the stack is expected to terminate TLS.
	StrategyNone SSLStrategy = "none"
)

// Strategies lists all valid SSL strategies.
var Strategies = []SSLStrategy{StrategySelfSigned, StrategyLetsEncrypt, StrategyManual, StrategyNone}

// Valid reports whether s is a known strategy.
func (s SSLStrategy) Valid() bool {
	switch s {
	case StrategySelfSigned, StrategyLetsEncrypt, StrategyManual, StrategyNone:
		return true
	}
	return false
}

// =============================================================================
// Database Engines
// =============================================================================

// Engine identifies a database container flavour.
type Engine string

const (
	EngineMongoDB  Engine = "mongodb"
	EnginePostgres Engine = "postgres"
	EngineMySQL    Engine = "mysql"
	EngineMariaDB  Engine = "mariadb"
)

// Valid reports whether e is a known engine.
func (e Engine) Valid() bool {
	switch e {
	case EngineMongoDB, EnginePostgres, EngineMySQL, EngineMariaDB:
		return true
	}
	return false
}

// DefaultPort returns the conventional listen port for the engine.
func (e Engine) DefaultPort() int {
	switch e {
	case EngineMongoDB:
		return 27017
	case EnginePostgres:
		return 5432
	case EngineMySQL, EngineMariaDB:
		return 3306
	default:
		return 0
	}
}

// Image returns the upstream image reference for the engine.
func (e Engine) Image() string {
	switch e {
	case EngineMongoDB:
		return "mongo:6.0"
	case EnginePostgres:
		return "postgres:16"
	case EngineMySQL:
		return "mysql:8.0"
	case EngineMariaDB:
		return "mariadb:11"
	default:
		return ""
	}
}

// =============================================================================
// Configuration Types
// =============================================================================

// SSLConfig is the strategy-dependent certificate payload.
// Which fields are required depends on the strategy tag; see Validate.
type SSLConfig struct {
	Strategy SSLStrategy `yaml:"strategy"`
	CertPath string      `yaml:"cert_path,omitempty"`
	KeyPath  string      `yaml:"key_path,omitempty"`
	// ContactEmail receives renewal notices under the letsencrypt strategy.
	ContactEmail string `yaml:"contact_email,omitempty"`
}

// Database describes one database instance in the stack.
type Database struct {
	Engine   Engine `yaml:"engine"`
	Port     int    `yaml:"port"`
	Username string `yaml:"username,omitempty"`
	Password string `yaml:"password,omitempty"`
}

// Profile describes one computation worker service.
type Profile struct {
	Repository string `yaml:"repository"`
	Image      string `yaml:"image"`
	Tag        string `yaml:"tag"`
}

// Ref returns the full image reference for the profile.
func (p Profile) Ref() string {
	repo := p.Repository
	if repo != "" {
		repo += "/"
	}
	tag := p.Tag
	if tag == "" {
		tag = "latest"
	}
	return repo + p.Image + ":" + tag
}

// Config is the root configuration aggregate: one instance per installation.
// It is persisted as a single yaml document and passed by value through the
// pure compiler and allocators; only the store performs I/O on it.
type Config struct {
	// StackName namespaces every derived resource name. Changing it once
	// containers exist requires a full teardown.
	StackName string `yaml:"stack_name"`

	// Hosts are the DNS names and IP literals the edge answers to and the
	// certificate must cover. Empty only under the none strategy.
	Hosts []string `yaml:"hosts"`

	// ExternalPort serves secure traffic; under the none strategy it is
	// unused and HTTPPort serves plaintext instead.
	ExternalPort int `yaml:"external_port"`
	HTTPPort     int `yaml:"http_port"`

	// AdminPassword is the application administrator secret. It is never
	// written into the topology artifact; compile emits it only into the
	// secrets artifact.
	AdminPassword string `yaml:"admin_password,omitempty"`

	SSL SSLConfig `yaml:"ssl"`

	// Databases maps instance name to its definition. Exactly one mongodb
	// instance (the metadata store) must be present.
	Databases map[string]Database `yaml:"databases"`

	// Profiles maps worker service name to its image coordinates.
	Profiles map[string]Profile `yaml:"profiles"`

	// NetworkSubnet is the CIDR of the private stack network. Chosen once
	// by the allocator and stable thereafter. Empty means the runtime picks.
	NetworkSubnet string `yaml:"network_subnet,omitempty"`
}

// Clone returns a deep copy of the configuration.
func (c Config) Clone() Config {
	out := c
	out.Hosts = append([]string(nil), c.Hosts...)
	if c.Databases != nil {
		out.Databases = make(map[string]Database, len(c.Databases))
		for k, v := range c.Databases {
			out.Databases[k] = v
		}
	}
	if c.Profiles != nil {
		out.Profiles = make(map[string]Profile, len(c.Profiles))
		for k, v := range c.Profiles {
			out.Profiles[k] = v
		}
	}
	return out
}

// MetaInstanceName is the conventional name of the metadata database
// instance created by setup. Nothing requires the name; the engine does.
const MetaInstanceName = "meta"

// MetaInstance returns the name and definition of the mongodb metadata
// instance. The boolean is false when the config is invalid and has none.
func (c Config) MetaInstance() (string, Database, bool) {
	for name, db := range c.Databases {
		if db.Engine == EngineMongoDB {
			return name, db, true
		}
	}
	return "", Database{}, false
}

// Default returns the baseline configuration used by setup before any
// operator-supplied values are merged in.
func Default() Config {
	return Config{
		StackName:    "stackpilot",
		Hosts:        []string{"localhost", "127.0.0.1"},
		ExternalPort: 443,
		HTTPPort:     8080,
		SSL:          SSLConfig{Strategy: StrategySelfSigned},
		Databases: map[string]Database{
			MetaInstanceName: {Engine: EngineMongoDB, Port: 27017, Username: "root"},
		},
		Profiles: map[string]Profile{
			"rock": {Repository: "datashield", Image: "rock-base", Tag: "latest"},
		},
	}
}
