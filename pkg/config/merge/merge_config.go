package merge

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/omnistat/omnistat/pkg/util"
	"gopkg.in/yaml.v3"
	"k8s.io/apimachinery/pkg/util/sets"
	"k8s.io/klog/v2"
)

// Mode selects how candidate databases are found under the source root.
type Mode string

const (
	// ModeSingle merges the source root itself as one database.
	ModeSingle Mode = "single"
	// ModeMulti merges every immediate subdirectory of the source root.
	ModeMulti Mode = "multi"
)

// MarkerPlacement selects where completion markers are written.
type MarkerPlacement string

const (
	// MarkerInTarget writes <target>/.<source name>.
	MarkerInTarget MarkerPlacement = "target"
	// MarkerInSource writes <source>/<marker name>.
	MarkerInSource MarkerPlacement = "source"
)

var markerPlacements = sets.New(MarkerInTarget, MarkerInSource)

// Config drives one merge session.
type Config struct {
	SourceRoot       string
	Mode             Mode
	TargetDir        string
	ForceReload      bool
	StartupTimeout   time.Duration
	StartupInterval  time.Duration
	ShutdownTimeout  time.Duration
	ShutdownInterval time.Duration
	TargetAddress    string
	SourceAddress    string
	Retention        string
	TransferFile     string
	ExportFilter     string
	MarkerPlacement  MarkerPlacement
	MarkerName       string
	MergedDirName    string
	ServerBinary     string
	ServerArgs       []string
	ServerLogFile    string
	MinServerVersion string
	MetricsTextfile  string
}

// ConfigFile is the YAML overlay accepted by --config. Unset fields keep
// their current value.
type ConfigFile struct {
	SourceRoot       *string          `yaml:"sourceRoot,omitempty"`
	Mode             *Mode            `yaml:"mode,omitempty"`
	TargetDir        *string          `yaml:"targetDir,omitempty"`
	ForceReload      *bool            `yaml:"forceReload,omitempty"`
	StartupTimeout   *time.Duration   `yaml:"startupTimeout,omitempty"`
	StartupInterval  *time.Duration   `yaml:"startupInterval,omitempty"`
	ShutdownTimeout  *time.Duration   `yaml:"shutdownTimeout,omitempty"`
	ShutdownInterval *time.Duration   `yaml:"shutdownInterval,omitempty"`
	TargetAddress    *string          `yaml:"targetAddress,omitempty"`
	SourceAddress    *string          `yaml:"sourceAddress,omitempty"`
	Retention        *string          `yaml:"retention,omitempty"`
	TransferFile     *string          `yaml:"transferFile,omitempty"`
	ExportFilter     *string          `yaml:"exportFilter,omitempty"`
	MarkerPlacement  *MarkerPlacement `yaml:"markerPlacement,omitempty"`
	MarkerName       *string          `yaml:"markerName,omitempty"`
	MergedDirName    *string          `yaml:"mergedDirName,omitempty"`
	ServerBinary     *string          `yaml:"serverBinary,omitempty"`
	ServerArgs       []string         `yaml:"serverArgs,omitempty"`
	ServerLogFile    *string          `yaml:"serverLogFile,omitempty"`
	MinServerVersion *string          `yaml:"minServerVersion,omitempty"`
	MetricsTextfile  *string          `yaml:"metricsTextfile,omitempty"`
}

// Default returns a Config with every tunable at its default. Source root,
// mode and target are left for the caller.
func Default() Config {
	return Config{
		StartupTimeout:   30 * time.Second,
		StartupInterval:  time.Second,
		ShutdownTimeout:  30 * time.Second,
		ShutdownInterval: time.Second,
		TargetAddress:    util.DefaultTargetAddress,
		SourceAddress:    util.DefaultSourceAddress,
		Retention:        util.DefaultRetention,
		TransferFile:     util.DefaultTransferFile,
		ExportFilter:     util.DefaultExportFilter,
		MarkerName:       util.DefaultMarkerName,
		MergedDirName:    util.DefaultMergedDirName,
		ServerBinary:     util.DefaultServerBinary,
		MinServerVersion: util.MinimumServerVersion,
	}
}

// EffectiveMarkerPlacement resolves an unset placement from the mode:
// target markers for multi-directory merges, in-source markers otherwise.
func (c Config) EffectiveMarkerPlacement() MarkerPlacement {
	if len(c.MarkerPlacement) > 0 {
		return c.MarkerPlacement
	}
	if c.Mode == ModeSingle {
		return MarkerInSource
	}
	return MarkerInTarget
}

func (c Config) String() string {
	return fmt.Sprintf("mode: %s, sourceRoot: %s, targetDir: %s, forceReload: %t, target: %s, source: %s, startup: %v/%v, shutdown: %v/%v, markers: %s",
		c.Mode, c.SourceRoot, c.TargetDir, c.ForceReload, c.TargetAddress, c.SourceAddress,
		c.StartupInterval, c.StartupTimeout, c.ShutdownInterval, c.ShutdownTimeout, c.EffectiveMarkerPlacement())
}

// Validate reports the first configuration conflict found.
func (c Config) Validate() error {
	switch c.Mode {
	case ModeSingle, ModeMulti:
	case "":
		return fmt.Errorf("Config.Mode is empty: one of single-directory or multi-directory mode is required")
	default:
		return fmt.Errorf("Config.Mode %q is unknown", c.Mode)
	}
	if len(c.SourceRoot) == 0 {
		return fmt.Errorf("Config.SourceRoot is empty")
	}
	if len(c.TargetDir) == 0 {
		return fmt.Errorf("Config.TargetDir is empty")
	}
	if err := c.validateStorageOwnership(); err != nil {
		return err
	}
	if c.StartupTimeout <= 0 || c.StartupInterval <= 0 {
		return fmt.Errorf("Config.StartupTimeout and Config.StartupInterval must be greater than 0")
	}
	if c.ShutdownTimeout <= 0 || c.ShutdownInterval <= 0 {
		return fmt.Errorf("Config.ShutdownTimeout and Config.ShutdownInterval must be greater than 0")
	}
	if len(c.TargetAddress) == 0 || len(c.SourceAddress) == 0 {
		return fmt.Errorf("Config.TargetAddress and Config.SourceAddress must be set")
	}
	if c.TargetAddress == c.SourceAddress {
		return fmt.Errorf("Config.TargetAddress and Config.SourceAddress must differ, both are %s", c.TargetAddress)
	}
	if len(c.MarkerPlacement) > 0 && !markerPlacements.Has(c.MarkerPlacement) {
		return fmt.Errorf("Config.MarkerPlacement %q is unknown, expected %q or %q",
			c.MarkerPlacement, MarkerInTarget, MarkerInSource)
	}
	if c.EffectiveMarkerPlacement() == MarkerInSource && len(c.MarkerName) == 0 {
		return fmt.Errorf("Config.MarkerName is empty")
	}
	if len(c.TransferFile) == 0 {
		return fmt.Errorf("Config.TransferFile is empty")
	}
	if len(c.ServerBinary) == 0 {
		return fmt.Errorf("Config.ServerBinary is empty")
	}
	return nil
}

// validateStorageOwnership rejects targets that would share storage with a
// source database. In multi mode the target may only sit directly under the
// source root, where discovery skips it.
func (c Config) validateStorageOwnership() error {
	root, err := filepath.Abs(c.SourceRoot)
	if err != nil {
		return fmt.Errorf("Config.SourceRoot %q: %w", c.SourceRoot, err)
	}
	target, err := filepath.Abs(c.TargetDir)
	if err != nil {
		return fmt.Errorf("Config.TargetDir %q: %w", c.TargetDir, err)
	}
	if root == target {
		return fmt.Errorf("Config.TargetDir %s is the source root", target)
	}
	if isWithin(target, root) {
		return fmt.Errorf("Config.SourceRoot %s is inside Config.TargetDir %s", root, target)
	}
	if !isWithin(root, target) {
		return nil
	}
	if c.Mode == ModeSingle {
		return fmt.Errorf("Config.TargetDir %s is inside the source database %s", target, root)
	}
	if filepath.Dir(target) != root {
		return fmt.Errorf("Config.TargetDir %s is inside a source database under %s", target, root)
	}
	return nil
}

// isWithin reports whether path lies strictly below dir. Both are absolute
// and clean.
func isWithin(dir, path string) bool {
	rel, err := filepath.Rel(dir, path)
	if err != nil {
		return false
	}
	return rel != "." && rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator))
}

// Apply overlays the fields set in f onto c.
func (f ConfigFile) Apply(c *Config) {
	setIf(&c.SourceRoot, f.SourceRoot)
	setIf(&c.Mode, f.Mode)
	setIf(&c.TargetDir, f.TargetDir)
	setIf(&c.ForceReload, f.ForceReload)
	setIf(&c.StartupTimeout, f.StartupTimeout)
	setIf(&c.StartupInterval, f.StartupInterval)
	setIf(&c.ShutdownTimeout, f.ShutdownTimeout)
	setIf(&c.ShutdownInterval, f.ShutdownInterval)
	setIf(&c.TargetAddress, f.TargetAddress)
	setIf(&c.SourceAddress, f.SourceAddress)
	setIf(&c.Retention, f.Retention)
	setIf(&c.TransferFile, f.TransferFile)
	setIf(&c.ExportFilter, f.ExportFilter)
	setIf(&c.MarkerPlacement, f.MarkerPlacement)
	setIf(&c.MarkerName, f.MarkerName)
	setIf(&c.MergedDirName, f.MergedDirName)
	setIf(&c.ServerBinary, f.ServerBinary)
	setIf(&c.ServerLogFile, f.ServerLogFile)
	setIf(&c.MinServerVersion, f.MinServerVersion)
	setIf(&c.MetricsTextfile, f.MetricsTextfile)
	if f.ServerArgs != nil {
		c.ServerArgs = f.ServerArgs
	}
}

func setIf[T any](dst *T, src *T) {
	if src != nil {
		*dst = *src
	}
}

// LoadFile reads a YAML overlay. Unknown keys are rejected.
func LoadFile(path string) (*ConfigFile, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer file.Close()
	decoder := yaml.NewDecoder(file)
	decoder.KnownFields(true)
	configFile := &ConfigFile{}
	if err = decoder.Decode(configFile); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	return configFile, nil
}

// NewConfig builds a validated Config: defaults, then the YAML file at
// configPath when given, then mutations. Mutations run last so explicitly
// set flags win over the file.
func NewConfig(configPath string, mutations ...func(*Config)) (*Config, error) {
	config := Default()
	if len(configPath) > 0 {
		configFile, err := LoadFile(configPath)
		if err != nil {
			return nil, err
		}
		klog.V(4).Infof("Loaded merge config file %s", configPath)
		configFile.Apply(&config)
	}
	for _, mutation := range mutations {
		mutation(&config)
	}
	if err := config.Validate(); err != nil {
		return nil, err
	}
	return &config, nil
}

// ResolveMode picks the mode from the two mutually exclusive directory
// options and returns the source root they name.
func ResolveMode(dataDir, multiDir string) (Mode, string, error) {
	switch {
	case len(dataDir) > 0 && len(multiDir) > 0:
		return "", "", fmt.Errorf("single-directory (%s) and multi-directory (%s) modes are mutually exclusive", dataDir, multiDir)
	case len(dataDir) > 0:
		return ModeSingle, dataDir, nil
	case len(multiDir) > 0:
		return ModeMulti, multiDir, nil
	default:
		return "", "", fmt.Errorf("one of single-directory or multi-directory mode is required")
	}
}
