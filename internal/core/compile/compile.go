package compile

import (
	"fmt"
	"path"
	"sort"
	"strings"

	composetypes "github.com/compose-spec/compose-go/v2/types"

	"github.com/artpar/stackpilot/internal/core/stack"
)

// =============================================================================
// Images and Fixed Ports
// =============================================================================

const (
	appImage     = "obiba/opal:latest"
	edgeImage    = "nginx:1.27"
	certbotImage = "certbot/certbot:latest"

	// Container-side ports. Host-side ports come from the configuration.
	appPort      = 8080
	workerPort   = 8085
	edgeTLSPort  = 443
	edgeHTTPPort = 80
)

// Container-side mount points for edge material.
const (
	edgeConfTarget = "/etc/nginx/conf.d/default.conf"
	certsTarget    = "/etc/nginx/certs"

	// WebrootTarget is where the edge and the validation client both see
	// the shared challenge webroot.
	WebrootTarget = "/var/www/certbot"

	// AcmeStateTarget is the validation client's state directory inside
	// its container.
	AcmeStateTarget = "/etc/letsencrypt"
)

// =============================================================================
// Options and Artifacts
// =============================================================================

// Options tunes a compile run. The zero value compiles the full topology
// with artifact paths rooted at "data".
type Options struct {
	// DataDir is the host directory holding generated artifacts that get
	// bind-mounted into containers (edge config, certificates, webroot).
	DataDir string

	// Bootstrap compiles the minimal challenge-serving topology instead of
	// the full stack: a plaintext edge exposing only the validation route,
	// plus the validation client. Used while obtaining a publicly-validated
	// certificate, before the secure edge can exist.
	Bootstrap bool
}

func (o Options) dataDir() string {
	if o.DataDir == "" {
		return "data"
	}
	return o.DataDir
}

// Host-side artifact paths derived from DataDir.
func (o Options) edgeConfPath() string { return path.Join(o.dataDir(), "nginx", "conf", "nginx.conf") }
func (o Options) certsDir() string     { return path.Join(o.dataDir(), "nginx", "certs") }
func (o Options) webrootDir() string   { return path.Join(o.dataDir(), "certbot", "www") }
func (o Options) acmeStateDir() string { return path.Join(o.dataDir(), "certbot", "conf") }

// RoutingPath exposes where the edge configuration document lives on the
// host for a given data dir; the topology bind-mounts this file.
func RoutingPath(dataDir string) string { return Options{DataDir: dataDir}.edgeConfPath() }

// CertsDir exposes the managed certificate directory for a given data dir,
// so the certificate manager writes where the compiled topology mounts.
func CertsDir(dataDir string) string { return Options{DataDir: dataDir}.certsDir() }

// WebrootDir exposes the shared challenge webroot for a given data dir.
func WebrootDir(dataDir string) string { return Options{DataDir: dataDir}.webrootDir() }

// AcmeStateDir exposes the validation client's state directory.
func AcmeStateDir(dataDir string) string { return Options{DataDir: dataDir}.acmeStateDir() }

// CertFileNames returns the managed certificate and key file names for a
// stack. Every strategy converges on these two paths.
func CertFileNames(stackName string) (cert, key string) {
	return stackName + ".crt", stackName + ".key"
}

// Artifacts is the compiler output: everything needed to run the stack.
type Artifacts struct {
	// Topology declares every service, image, environment, volume, and the
	// private network. Secret-bearing values appear only as ${VAR}
	// references into Secrets.
	Topology *composetypes.Project

	// TopologyYAML is the serialized topology. Byte-identical across
	// compiles of the same configuration.
	TopologyYAML []byte

	// Routing is the edge (nginx) configuration document. Bind-mounted
	// into the edge service by the topology.
	Routing string

	// Secrets carries the secret environment resolved by the deployment
	// driver at apply time. Never embedded in TopologyYAML.
	Secrets map[string]string

	// DataDir is the host artifact root the topology's bind mounts point
	// into, resolved from the compile options.
	DataDir string
}

// =============================================================================
// Compile
// =============================================================================

// Compile renders the configuration into artifacts. It is pure: no I/O, no
// clock, no randomness. An invalid configuration surfaces its
// *stack.ValidationError; an internal inconsistency in the produced
// artifacts surfaces a *CompileError.
func Compile(cfg stack.Config, opts Options) (*Artifacts, error) {
	if err := stack.Validate(cfg); err != nil {
		return nil, err
	}

	project := &composetypes.Project{
		Name:     cfg.StackName,
		Services: composetypes.Services{},
		Networks: composetypes.Networks{},
		Volumes:  composetypes.Volumes{},
	}

	netName := stack.NetworkName(cfg.StackName)
	netConfig := composetypes.NetworkConfig{Name: netName, Driver: "bridge"}
	if cfg.NetworkSubnet != "" {
		netConfig.Ipam = composetypes.IPAMConfig{
			Config: []*composetypes.IPAMPool{{Subnet: cfg.NetworkSubnet}},
		}
	}
	project.Networks[netName] = netConfig

	secrets := buildSecrets(cfg)

	if opts.Bootstrap {
		addEdgeService(project, cfg, opts, true)
		addCertbotService(project, cfg, opts)
	} else {
		for _, name := range sortedKeys(cfg.Databases) {
			addDatabaseService(project, cfg, name, cfg.Databases[name])
		}
		addAppService(project, cfg)
		for _, name := range sortedKeys(cfg.Profiles) {
			addProfileService(project, cfg, name, cfg.Profiles[name])
		}
		addEdgeService(project, cfg, opts, false)
		if cfg.SSL.Strategy == stack.StrategyLetsEncrypt {
			addCertbotService(project, cfg, opts)
		}
	}

	yamlBytes, err := project.MarshalYAML()
	if err != nil {
		return nil, newCompileError("", fmt.Sprintf("marshal topology: %v", err), err)
	}

	artifacts := &Artifacts{
		Topology:     project,
		TopologyYAML: yamlBytes,
		Routing:      renderRouting(cfg, opts.Bootstrap),
		Secrets:      secrets,
		DataDir:      opts.dataDir(),
	}

	if err := checkIntegrity(artifacts); err != nil {
		return nil, err
	}
	return artifacts, nil
}

// =============================================================================
// Service Builders
// =============================================================================

func addDatabaseService(project *composetypes.Project, cfg stack.Config, name string, db stack.Database) {
	svcName := stack.ServiceName(cfg.StackName, name)
	volName := stack.VolumeName(cfg.StackName, name)
	prefix := stack.EnvPrefix(name)

	env := map[string]string{}
	passwordRef := "${" + prefix + "PASSWORD}"
	switch db.Engine {
	case stack.EngineMongoDB:
		if db.Username != "" {
			env["MONGO_INITDB_ROOT_USERNAME"] = db.Username
		}
		if db.Password != "" {
			env["MONGO_INITDB_ROOT_PASSWORD"] = passwordRef
		}
	case stack.EnginePostgres:
		if db.Username != "" {
			env["POSTGRES_USER"] = db.Username
		}
		if db.Password != "" {
			env["POSTGRES_PASSWORD"] = passwordRef
		}
		env["POSTGRES_DB"] = name
	case stack.EngineMySQL, stack.EngineMariaDB:
		if db.Password != "" {
			env["MYSQL_ROOT_PASSWORD"] = passwordRef
		}
		env["MYSQL_DATABASE"] = name
	}

	project.Services[svcName] = composetypes.ServiceConfig{
		Name:          svcName,
		ContainerName: svcName,
		Image:         db.Engine.Image(),
		Restart:       "always",
		Environment:   envMapping(env),
		Ports: []composetypes.ServicePortConfig{{
			Target:    uint32(db.Engine.DefaultPort()),
			Published: fmt.Sprintf("%d", db.Port),
			Protocol:  "tcp",
		}},
		Volumes: []composetypes.ServiceVolumeConfig{{
			Type:   composetypes.VolumeTypeVolume,
			Source: volName,
			Target: dataTarget(db.Engine),
		}},
		Networks: networkRef(cfg),
	}
	project.Volumes[volName] = composetypes.VolumeConfig{Name: volName}
}

func dataTarget(engine stack.Engine) string {
	switch engine {
	case stack.EngineMongoDB:
		return "/data/db"
	case stack.EnginePostgres:
		return "/var/lib/postgresql/data"
	default:
		return "/var/lib/mysql"
	}
}

func addAppService(project *composetypes.Project, cfg stack.Config) {
	svcName := stack.ServiceName(cfg.StackName, stack.RoleApp)

	env := map[string]string{
		"ADMINISTRATOR_PASSWORD": "${ADMIN_PASSWORD}",
	}
	if cfg.SSL.Strategy == stack.StrategyNone {
		env["PUBLIC_SCHEME"] = "http"
		env["PUBLIC_HOST"] = "localhost"
		env["PUBLIC_PORT"] = fmt.Sprintf("%d", cfg.HTTPPort)
	} else {
		env["PUBLIC_SCHEME"] = "https"
		env["PUBLIC_HOST"] = cfg.Hosts[0]
		env["PUBLIC_PORT"] = fmt.Sprintf("%d", cfg.ExternalPort)
	}

	// One environment group per database instance, prefixed by the
	// normalized instance name.
	for _, name := range sortedKeys(cfg.Databases) {
		db := cfg.Databases[name]
		prefix := stack.EnvPrefix(name)
		env[prefix+"HOST"] = stack.ServiceName(cfg.StackName, name)
		env[prefix+"PORT"] = fmt.Sprintf("%d", db.Engine.DefaultPort())
		env[prefix+"DB"] = name
		if db.Username != "" {
			env[prefix+"USER"] = db.Username
		}
		if db.Password != "" {
			env[prefix+"PASSWORD"] = "${" + prefix + "PASSWORD}"
		}
	}

	var workers []string
	for _, name := range sortedKeys(cfg.Profiles) {
		workers = append(workers, fmt.Sprintf("http://%s:%d", stack.ServiceName(cfg.StackName, name), workerPort))
	}
	env["WORKER_HOSTS"] = strings.Join(workers, ",")

	deps := composetypes.DependsOnConfig{}
	for _, name := range sortedKeys(cfg.Databases) {
		deps[stack.ServiceName(cfg.StackName, name)] = composetypes.ServiceDependency{
			Condition: composetypes.ServiceConditionStarted,
			Required:  true,
		}
	}

	volName := stack.VolumeName(cfg.StackName, stack.RoleApp)
	project.Services[svcName] = composetypes.ServiceConfig{
		Name:          svcName,
		ContainerName: svcName,
		Image:         appImage,
		Restart:       "always",
		Environment:   envMapping(env),
		DependsOn:     deps,
		Volumes: []composetypes.ServiceVolumeConfig{{
			Type:   composetypes.VolumeTypeVolume,
			Source: volName,
			Target: "/srv",
		}},
		Networks: networkRef(cfg),
	}
	project.Volumes[volName] = composetypes.VolumeConfig{Name: volName}
}

func addProfileService(project *composetypes.Project, cfg stack.Config, name string, profile stack.Profile) {
	svcName := stack.ServiceName(cfg.StackName, name)
	volName := stack.VolumeName(cfg.StackName, name)

	cluster := name
	if name == "rock" {
		cluster = "default"
	}
	env := map[string]string{
		"WORKER_CLUSTER": cluster,
		"WORKER_ID":      svcName,
		"WORKER_APP_URL": fmt.Sprintf("http://%s:%d", stack.ServiceName(cfg.StackName, stack.RoleApp), appPort),
	}

	project.Services[svcName] = composetypes.ServiceConfig{
		Name:          svcName,
		ContainerName: svcName,
		Image:         profile.Ref(),
		Restart:       "always",
		Environment:   envMapping(env),
		DependsOn: composetypes.DependsOnConfig{
			stack.ServiceName(cfg.StackName, stack.RoleApp): composetypes.ServiceDependency{
				Condition: composetypes.ServiceConditionStarted,
				Required:  true,
			},
		},
		Volumes: []composetypes.ServiceVolumeConfig{{
			Type:   composetypes.VolumeTypeVolume,
			Source: volName,
			Target: "/srv",
		}},
		Networks: networkRef(cfg),
	}
	project.Volumes[volName] = composetypes.VolumeConfig{Name: volName}
}

func addEdgeService(project *composetypes.Project, cfg stack.Config, opts Options, bootstrap bool) {
	svcName := stack.ServiceName(cfg.StackName, stack.RoleEdge)

	volumes := []composetypes.ServiceVolumeConfig{{
		Type:     composetypes.VolumeTypeBind,
		Source:   opts.edgeConfPath(),
		Target:   edgeConfTarget,
		ReadOnly: true,
	}}

	var ports []composetypes.ServicePortConfig
	switch {
	case bootstrap:
		// Plaintext challenge serving only; the secure edge does not have
		// to exist before the certificate does.
		ports = append(ports, publishedPort(cfg.HTTPPort, edgeHTTPPort))
		volumes = append(volumes, webrootMount(opts))
	case cfg.SSL.Strategy == stack.StrategyNone:
		// External terminator in front of us: plaintext only, no
		// certificate material mounted.
		ports = append(ports, publishedPort(cfg.HTTPPort, edgeHTTPPort))
	default:
		ports = append(ports, publishedPort(cfg.ExternalPort, edgeTLSPort))
		volumes = append(volumes, composetypes.ServiceVolumeConfig{
			Type:     composetypes.VolumeTypeBind,
			Source:   opts.certsDir(),
			Target:   certsTarget,
			ReadOnly: true,
		})
	}

	svc := composetypes.ServiceConfig{
		Name:          svcName,
		ContainerName: svcName,
		Image:         edgeImage,
		Restart:       "always",
		Ports:         ports,
		Volumes:       volumes,
		Networks:      networkRef(cfg),
	}
	if !bootstrap {
		svc.DependsOn = composetypes.DependsOnConfig{
			stack.ServiceName(cfg.StackName, stack.RoleApp): composetypes.ServiceDependency{
				Condition: composetypes.ServiceConditionStarted,
				Required:  true,
			},
		}
	}
	project.Services[svcName] = svc
}

func addCertbotService(project *composetypes.Project, cfg stack.Config, opts Options) {
	svcName := stack.ServiceName(cfg.StackName, stack.RoleCertbot)
	project.Services[svcName] = composetypes.ServiceConfig{
		Name:          svcName,
		ContainerName: svcName,
		Image:         certbotImage,
		// The issuance run itself is driven as a one-shot container; this
		// service only keeps the renewal loop alive alongside the stack.
		Entrypoint: composetypes.ShellCommand{
			"sh", "-c",
			"trap exit TERM; while :; do certbot renew --webroot -w " + WebrootTarget + "; sleep 12h & wait $!; done",
		},
		Restart: "unless-stopped",
		Volumes: []composetypes.ServiceVolumeConfig{
			{Type: composetypes.VolumeTypeBind, Source: opts.acmeStateDir(), Target: AcmeStateTarget},
			webrootMount(opts),
		},
		Networks: networkRef(cfg),
	}
}

// =============================================================================
// Secrets
// =============================================================================

// buildSecrets collects every secret-bearing field into the secrets
// artifact. The topology refers to these only as ${VAR} placeholders.
func buildSecrets(cfg stack.Config) map[string]string {
	secrets := map[string]string{}
	if cfg.AdminPassword != "" {
		secrets["ADMIN_PASSWORD"] = cfg.AdminPassword
	}
	for _, name := range sortedKeys(cfg.Databases) {
		if pw := cfg.Databases[name].Password; pw != "" {
			secrets[stack.EnvPrefix(name)+"PASSWORD"] = pw
		}
	}
	return secrets
}

// =============================================================================
// Integrity Check Pass
// =============================================================================

// checkIntegrity verifies referential consistency of the produced
// artifacts. A failure here is a compiler defect, never operator input.
func checkIntegrity(a *Artifacts) error {
	for name, svc := range a.Topology.Services {
		for dep := range svc.DependsOn {
			if _, ok := a.Topology.Services[dep]; !ok {
				return newCompileError(name, fmt.Sprintf("depends on undeclared service %q", dep), ErrDanglingReference)
			}
		}
		for netName := range svc.Networks {
			if _, ok := a.Topology.Networks[netName]; !ok {
				return newCompileError(name, fmt.Sprintf("joins undeclared network %q", netName), ErrDanglingReference)
			}
		}
		for _, vol := range svc.Volumes {
			if vol.Type != composetypes.VolumeTypeVolume {
				continue
			}
			if _, ok := a.Topology.Volumes[vol.Source]; !ok {
				return newCompileError(name, fmt.Sprintf("mounts undeclared volume %q", vol.Source), ErrDanglingReference)
			}
		}
		for _, p := range svc.Ports {
			if p.Target < 1 || p.Target > 65535 {
				return newCompileError(name, fmt.Sprintf("target port %d out of range", p.Target), ErrPortOutOfRange)
			}
		}
	}

	// Secrets may only reach the topology as ${VAR} placeholders. The check
	// is structural, value-by-value: a raw document scan would misfire on a
	// password that happens to equal an unrelated token the compiler emits
	// ("always", "tcp", an instance name).
	for name, svc := range a.Topology.Services {
		for envKey, envVal := range svc.Environment {
			if envVal == nil {
				continue
			}
			for key, value := range a.Secrets {
				if value != "" && *envVal == value {
					return newCompileError(name, fmt.Sprintf("secret %s embedded in %s", key, envKey), ErrSecretLeak)
				}
			}
		}
	}
	return nil
}

// =============================================================================
// Helpers
// =============================================================================

func publishedPort(host, container int) composetypes.ServicePortConfig {
	return composetypes.ServicePortConfig{
		Target:    uint32(container),
		Published: fmt.Sprintf("%d", host),
		Protocol:  "tcp",
	}
}

func webrootMount(opts Options) composetypes.ServiceVolumeConfig {
	return composetypes.ServiceVolumeConfig{
		Type:   composetypes.VolumeTypeBind,
		Source: opts.webrootDir(),
		Target: WebrootTarget,
	}
}

func networkRef(cfg stack.Config) map[string]*composetypes.ServiceNetworkConfig {
	return map[string]*composetypes.ServiceNetworkConfig{
		stack.NetworkName(cfg.StackName): nil,
	}
}

func envMapping(env map[string]string) composetypes.MappingWithEquals {
	out := composetypes.MappingWithEquals{}
	for _, k := range sortedKeys(env) {
		v := env[k]
		out[k] = &v
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
