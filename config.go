package boxlite

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"time"

	"gopkg.in/yaml.v3"
)

// NetworkMode selects the Network Backend a box's network config resolves to.
type NetworkMode string

const (
	NetworkIsolated NetworkMode = "isolated"
	NetworkDefault  NetworkMode = "default-backend"
)

// Protocol is a port mapping's transport.
type Protocol string

const (
	ProtoTCP Protocol = "tcp"
	ProtoUDP Protocol = "udp"
)

// EnvPair is one (key, value) entry in an ordered environment. Duplicates are
// permitted; later entries override earlier ones (POSIX semantics), resolved
// by Resolve.
type EnvPair struct {
	Key   string `json:"key"`
	Value string `json:"value"`
}

// Resolve collapses an ordered EnvPair sequence into a key->value map with
// later entries winning.
func Resolve(pairs []EnvPair) map[string]string {
	out := make(map[string]string, len(pairs))
	for _, p := range pairs {
		out[p.Key] = p.Value
	}
	return out
}

// VolumeSpec is a host->guest bind mount.
type VolumeSpec struct {
	HostPath  string `json:"hostPath"`
	GuestPath string `json:"guestPath"`
	ReadOnly  bool   `json:"readOnly"`
}

// PortMapping is a host->guest port forward. HostPort == 0 means auto-assign.
type PortMapping struct {
	HostPort      int      `json:"hostPort"`
	GuestPort     int      `json:"guestPort"`
	Protocol      Protocol `json:"protocol"`
	HostBindAddr  string   `json:"hostBindAddr,omitempty"`
}

// BoxConfig is the caller-facing configuration snapshot taken at create().
type BoxConfig struct {
	Name        string        `json:"name,omitempty"`
	Image       string        `json:"image,omitempty"`
	RootfsPath  string        `json:"rootfsPath,omitempty"`
	Cpus        int           `json:"cpus"`
	MemoryMib   int           `json:"memoryMib"`
	DiskSizeGb  int           `json:"diskSizeGb,omitempty"`
	WorkingDir  string        `json:"workingDir,omitempty"`
	Env         []EnvPair     `json:"env,omitempty"`
	Volumes     []VolumeSpec  `json:"volumes,omitempty"`
	Network     NetworkMode   `json:"network"`
	Ports       []PortMapping `json:"ports,omitempty"`
	AutoRemove  bool          `json:"autoRemove"`
	Detach      bool          `json:"detach"`
	Command     []string      `json:"command,omitempty"`

	// RetainDiskOnRemove keeps the persistent disk image on disk across
	// Remove, so a later box can be created against the same image. Only
	// meaningful when DiskSizeGb > 0.
	RetainDiskOnRemove bool `json:"retainDiskOnRemove,omitempty"`
}

// diskRetained reports whether this config's persistent disk should
// survive Remove.
func (c BoxConfig) diskRetained() bool {
	return c.DiskSizeGb > 0 && c.RetainDiskOnRemove
}

const (
	defaultCpus      = 1
	defaultMemoryMib = 512
	minMemoryMib     = 128
	maxMemoryMib     = 65536
)

// withDefaults fills zero-valued optional fields and returns a copy.
func (c BoxConfig) withDefaults() BoxConfig {
	if c.Cpus == 0 {
		c.Cpus = defaultCpus
	}
	if c.MemoryMib == 0 {
		c.MemoryMib = defaultMemoryMib
	}
	if c.Network == "" {
		c.Network = NetworkDefault
	}
	return c
}

// validate enforces BoxConfig's boundary rules before a box is created.
func (c BoxConfig) validate(registries []string) error {
	const op = "BoxConfig.validate"

	if c.Image == "" && c.RootfsPath == "" {
		return errf(CategoryInvalidArgument, op, "exactly one of image or rootfsPath is required")
	}
	if c.Image != "" && c.RootfsPath != "" {
		return errf(CategoryInvalidArgument, op, "image and rootfsPath are mutually exclusive")
	}
	if c.MemoryMib < minMemoryMib || c.MemoryMib > maxMemoryMib {
		return errf(CategoryInvalidArgument, op, "memoryMib %d out of range [%d, %d]", c.MemoryMib, minMemoryMib, maxMemoryMib)
	}
	if c.Cpus > runtime.NumCPU() {
		return errf(CategoryInvalidArgument, op, "cpus %d exceeds host cpu count %d", c.Cpus, runtime.NumCPU())
	}
	if c.Cpus < 1 {
		return errf(CategoryInvalidArgument, op, "cpus must be >= 1")
	}
	if isUnqualifiedReference(c.Image) && len(registries) == 0 {
		return errf(CategoryInvalidArgument, op, "unqualified image reference %q requires at least one configured registry", c.Image)
	}
	for _, p := range c.Ports {
		if p.GuestPort == 0 {
			return errf(CategoryInvalidArgument, op, "port mapping guestPort is required")
		}
	}
	for _, v := range c.Volumes {
		if !filepath.IsAbs(v.HostPath) {
			return errf(CategoryInvalidArgument, op, "volume hostPath %q must be absolute", v.HostPath)
		}
	}
	return nil
}

// isUnqualifiedReference reports whether ref has no registry component.
func isUnqualifiedReference(ref string) bool {
	if ref == "" {
		return false
	}
	// A qualified reference's first path segment contains a dot, colon, or
	// is "localhost" -- the same heuristic go-containerregistry's name
	// package applies when splitting registry from repository.
	slash := -1
	for i, r := range ref {
		if r == '/' {
			slash = i
			break
		}
	}
	if slash < 0 {
		return true
	}
	host := ref[:slash]
	for _, r := range host {
		if r == '.' || r == ':' {
			return false
		}
	}
	return host != "localhost"
}

// RuntimeConfig configures a Runtime at construction, via functional options
// over a plain struct so the library has no CLI-framework dependency of its
// own.
type RuntimeConfig struct {
	HomeDir    string   `yaml:"homeDir"`
	Registries []string `yaml:"registries"`
	LogLevel   string   `yaml:"logLevel"`
	LogFile    string   `yaml:"logFile"`
	VMMBinary  string   `yaml:"vmmBinary"`
	ShimBinary string   `yaml:"shimBinary"`

	// GuestReadyTimeout and ShimGraceStop override the package's default
	// timeouts.
	GuestReadyTimeout time.Duration `yaml:"guestReadyTimeout"`
	ShimGraceStop     time.Duration `yaml:"shimGraceStop"`

	// SkipBinaryChecks lets tests construct a Runtime on a host with no real
	// VMM/shim binaries installed, exercising everything up through the
	// point those binaries would be invoked.
	SkipBinaryChecks bool `yaml:"-"`

	// TraceEndpoint, if set, points New's tracer provider at an OTLP/gRPC
	// collector. Empty disables tracing.
	TraceEndpoint string `yaml:"traceEndpoint"`
}

const (
	defaultVMMBinary  = "boxlite-vmm"
	defaultShimBinary = "boxlite-shim"
)

// Option mutates a RuntimeConfig during New.
type Option func(*RuntimeConfig)

// WithHomeDir overrides the default runtime home (~/.boxlite).
func WithHomeDir(dir string) Option {
	return func(c *RuntimeConfig) { c.HomeDir = dir }
}

// WithRegistries sets the ordered registry list consulted for unqualified
// image references.
func WithRegistries(registries ...string) Option {
	return func(c *RuntimeConfig) { c.Registries = append([]string{}, registries...) }
}

// WithLogLevel sets the slog level name (debug, info, warn, error).
func WithLogLevel(level string) Option {
	return func(c *RuntimeConfig) { c.LogLevel = level }
}

// WithLogFile overrides the runtime-wide log file path.
func WithLogFile(path string) Option {
	return func(c *RuntimeConfig) { c.LogFile = path }
}

// WithBinaries overrides the VMM and shim binary names/paths looked up on
// PATH. Empty strings leave the corresponding default in place.
func WithBinaries(vmmBinary, shimBinary string) Option {
	return func(c *RuntimeConfig) {
		if vmmBinary != "" {
			c.VMMBinary = vmmBinary
		}
		if shimBinary != "" {
			c.ShimBinary = shimBinary
		}
	}
}

// WithSkipBinaryChecks disables the VMM/shim PATH probe performed during
// New, for embedding contexts (tests, CI) that exercise everything short of
// an actual guest boot.
func WithSkipBinaryChecks() Option {
	return func(c *RuntimeConfig) { c.SkipBinaryChecks = true }
}

// WithTraceEndpoint points the runtime's tracer provider at an OTLP/gRPC
// collector. Unset (the default) leaves tracing disabled.
func WithTraceEndpoint(endpoint string) Option {
	return func(c *RuntimeConfig) { c.TraceEndpoint = endpoint }
}

func defaultRuntimeConfig() (RuntimeConfig, error) {
	home, err := defaultHomeDir()
	if err != nil {
		return RuntimeConfig{}, err
	}
	return RuntimeConfig{
		HomeDir:           home,
		LogLevel:          "info",
		LogFile:           filepath.Join(home, "logs", "boxlite.log"),
		VMMBinary:         defaultVMMBinary,
		ShimBinary:        defaultShimBinary,
		GuestReadyTimeout: 30 * time.Second,
		ShimGraceStop:     10 * time.Second,
	}, nil
}

// LoadConfigFile reads a YAML RuntimeConfig from path, for the common case
// of a boxlite.yaml sitting next to the embedding application's own config.
// Fields left unset in the file keep the package defaults. Pass the result
// to FromConfig as the first Option so later Options still win.
func LoadConfigFile(path string) (RuntimeConfig, error) {
	cfg, err := defaultRuntimeConfig()
	if err != nil {
		return RuntimeConfig{}, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return RuntimeConfig{}, fmt.Errorf("boxlite: read config file %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return RuntimeConfig{}, fmt.Errorf("boxlite: parse config file %s: %w", path, err)
	}
	return cfg, nil
}

// FromConfig replaces the whole RuntimeConfig, typically with the result of
// LoadConfigFile. Apply it before any later Option so explicit Options can
// still override individual fields.
func FromConfig(cfg RuntimeConfig) Option {
	return func(c *RuntimeConfig) { *c = cfg }
}

func defaultHomeDir() (string, error) {
	home, err := userHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolve home directory: %w", err)
	}
	return filepath.Join(home, ".boxlite"), nil
}
