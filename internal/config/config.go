// Package config loads the locsyncd configuration from a YAML file and
// LOCSYNC_* environment variables.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/ChuLiYu/locsync/pkg/types"
)

const EnvPrefix = "LOCSYNC"

// Config is the root configuration. It is not modified after Load.
type Config struct {
	Machine      MachineConfig      `mapstructure:"machine" yaml:"machine"`
	Logging      LoggingConfig      `mapstructure:"logging" yaml:"logging"`
	SharedState  SharedStateConfig  `mapstructure:"sharedState" yaml:"sharedState"`
	Checkpoint   CheckpointConfig   `mapstructure:"checkpoint" yaml:"checkpoint"`
	CentralStore CentralStoreConfig `mapstructure:"centralStore" yaml:"centralStore"`
	Distributed  DistributedConfig  `mapstructure:"distributed" yaml:"distributed"`
	Copy         CopyConfig         `mapstructure:"copy" yaml:"copy"`
	Content      ContentConfig      `mapstructure:"content" yaml:"content"`
	Admin        AdminConfig        `mapstructure:"admin" yaml:"admin"`
}

type MachineConfig struct {
	ID      string `mapstructure:"id" yaml:"id"`
	DataDir string `mapstructure:"dataDir" yaml:"dataDir"`
}

type LoggingConfig struct {
	Level  string `mapstructure:"level" yaml:"level"`
	Format string `mapstructure:"format" yaml:"format"`
}

// SharedStateConfig selects where leases, pointers and events live.
type SharedStateConfig struct {
	Kind string `mapstructure:"kind" yaml:"kind"` // memory | sqlite
	Path string `mapstructure:"path" yaml:"path"`
}

type CheckpointConfig struct {
	WorkingDirectory         string        `mapstructure:"workingDirectory" yaml:"workingDirectory"`
	KeyBase                  string        `mapstructure:"keyBase" yaml:"keyBase"`
	Epoch                    string        `mapstructure:"epoch" yaml:"epoch"`
	MasterLeaseExpiry        time.Duration `mapstructure:"masterLeaseExpiry" yaml:"masterLeaseExpiry"`
	HeartbeatInterval        time.Duration `mapstructure:"heartbeatInterval" yaml:"heartbeatInterval"`
	CreateInterval           time.Duration `mapstructure:"createInterval" yaml:"createInterval"`
	RestoreInterval          time.Duration `mapstructure:"restoreInterval" yaml:"restoreInterval"`
	EventDrainInterval       time.Duration `mapstructure:"eventDrainInterval" yaml:"eventDrainInterval"`
	Incremental              bool          `mapstructure:"incremental" yaml:"incremental"`
	Reconciliation           bool          `mapstructure:"reconciliation" yaml:"reconciliation"`
	InlinePostInitialization bool          `mapstructure:"inlinePostInitialization" yaml:"inlinePostInitialization"`
	Election                 string        `mapstructure:"election" yaml:"election"`
	LocationEntryExpiry      time.Duration `mapstructure:"locationEntryExpiry" yaml:"locationEntryExpiry"`
	ReplicaPenaltyMinutes    int           `mapstructure:"replicaPenaltyMinutes" yaml:"replicaPenaltyMinutes"`
}

// Prefix is the lineage key of the configured epoch.
func (c CheckpointConfig) Prefix() string {
	return types.CheckpointPrefix(c.KeyBase, c.Epoch)
}

type CentralStoreConfig struct {
	Kind  string           `mapstructure:"kind" yaml:"kind"` // none | local | blob
	Local LocalStoreConfig `mapstructure:"local" yaml:"local"`
	Blob  BlobStoreConfig  `mapstructure:"blob" yaml:"blob"`
}

type LocalStoreConfig struct {
	Directory string        `mapstructure:"directory" yaml:"directory"`
	Retention time.Duration `mapstructure:"retention" yaml:"retention"`
}

type BlobStoreConfig struct {
	ConnectionStrings []string      `mapstructure:"connectionStrings" yaml:"connectionStrings"`
	Container         string        `mapstructure:"container" yaml:"container"`
	Retention         time.Duration `mapstructure:"retention" yaml:"retention"`
	OperationTimeout  time.Duration `mapstructure:"operationTimeout" yaml:"operationTimeout"`
}

type DistributedConfig struct {
	Enabled               bool          `mapstructure:"enabled" yaml:"enabled"`
	CacheRoot             string        `mapstructure:"cacheRoot" yaml:"cacheRoot"`
	PropagationDelay      time.Duration `mapstructure:"propagationDelay" yaml:"propagationDelay"`
	PropagationIterations int           `mapstructure:"propagationIterations" yaml:"propagationIterations"`
	MaxRetentionGB        float64       `mapstructure:"maxRetentionGB" yaml:"maxRetentionGB"`
	MaxSimultaneousCopies int           `mapstructure:"maxSimultaneousCopies" yaml:"maxSimultaneousCopies"`
}

// MaxRetentionBytes converts MaxRetentionGB.
func (d DistributedConfig) MaxRetentionBytes() int64 {
	return int64(d.MaxRetentionGB * (1 << 30))
}

type CopyConfig struct {
	Port      int           `mapstructure:"port" yaml:"port"`
	Listen    string        `mapstructure:"listen" yaml:"listen"`
	ChunkSize int           `mapstructure:"chunkSize" yaml:"chunkSize"`
	Timeout   time.Duration `mapstructure:"timeout" yaml:"timeout"`
}

type ContentConfig struct {
	Root string `mapstructure:"root" yaml:"root"`
}

type AdminConfig struct {
	Listen string `mapstructure:"listen" yaml:"listen"` // "" disables
}

// ============================================================================
// Checkpointing variants
// ============================================================================

// Checkpointing is either CheckpointDisabled or CheckpointEnabled.
type Checkpointing interface {
	checkpointing()
}

// CheckpointDisabled means no working directory was configured: the machine
// neither creates nor restores checkpoints.
type CheckpointDisabled struct{}

// CheckpointEnabled carries everything the checkpoint layer needs.
type CheckpointEnabled struct {
	Prefix     string
	Checkpoint CheckpointConfig
	Central    CentralStoreConfig
}

func (CheckpointDisabled) checkpointing() {}
func (CheckpointEnabled) checkpointing()  {}

// Checkpointing reports which variant this configuration selects.
func (c *Config) Checkpointing() Checkpointing {
	if c.Checkpoint.WorkingDirectory == "" {
		return CheckpointDisabled{}
	}
	return CheckpointEnabled{
		Prefix:     c.Checkpoint.Prefix(),
		Checkpoint: c.Checkpoint,
		Central:    c.CentralStore,
	}
}

// ============================================================================
// Loading
// ============================================================================

func setDefaults(v *viper.Viper) {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "localhost"
	}
	v.SetDefault("machine.id", host)
	v.SetDefault("machine.dataDir", "./data")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")

	v.SetDefault("sharedState.kind", "memory")
	v.SetDefault("sharedState.path", "")

	v.SetDefault("checkpoint.workingDirectory", "")
	v.SetDefault("checkpoint.keyBase", "checkpoints-")
	v.SetDefault("checkpoint.epoch", "1")
	v.SetDefault("checkpoint.masterLeaseExpiry", 5*time.Minute)
	v.SetDefault("checkpoint.heartbeatInterval", time.Minute)
	v.SetDefault("checkpoint.createInterval", 5*time.Minute)
	v.SetDefault("checkpoint.restoreInterval", 10*time.Minute)
	v.SetDefault("checkpoint.eventDrainInterval", 5*time.Second)
	v.SetDefault("checkpoint.incremental", false)
	v.SetDefault("checkpoint.reconciliation", true)
	v.SetDefault("checkpoint.inlinePostInitialization", false)
	v.SetDefault("checkpoint.election", "auto")
	v.SetDefault("checkpoint.locationEntryExpiry", 2*time.Hour)
	v.SetDefault("checkpoint.replicaPenaltyMinutes", 10)

	v.SetDefault("centralStore.kind", "none")
	v.SetDefault("centralStore.local.directory", "")
	v.SetDefault("centralStore.local.retention", 5*time.Hour)
	v.SetDefault("centralStore.blob.connectionStrings", []string{})
	v.SetDefault("centralStore.blob.container", "")
	v.SetDefault("centralStore.blob.retention", 5*time.Hour)
	v.SetDefault("centralStore.blob.operationTimeout", 10*time.Minute)

	v.SetDefault("distributed.enabled", false)
	v.SetDefault("distributed.cacheRoot", "")
	v.SetDefault("distributed.propagationDelay", 5*time.Second)
	v.SetDefault("distributed.propagationIterations", 3)
	v.SetDefault("distributed.maxRetentionGB", 1.0)
	v.SetDefault("distributed.maxSimultaneousCopies", 10)

	v.SetDefault("copy.port", 7089)
	v.SetDefault("copy.listen", ":7089")
	v.SetDefault("copy.chunkSize", 64*1024)
	v.SetDefault("copy.timeout", 10*time.Minute)

	v.SetDefault("content.root", "")
	v.SetDefault("admin.listen", ":9090")
}

// Load reads cfgFile (optional) and the environment, fills derived
// paths and validates the result.
func Load(cfgFile string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	if cfgFile != "" {
		v.SetConfigFile(cfgFile)
	} else {
		v.SetConfigName("locsync")
		v.SetConfigType("yaml")
		v.AddConfigPath("./configs")
		v.AddConfigPath(".")
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if cfgFile != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	cfg.fillDerived()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) fillDerived() {
	if c.Content.Root == "" {
		c.Content.Root = filepath.Join(c.Machine.DataDir, "content")
	}
	if c.SharedState.Kind == "sqlite" && c.SharedState.Path == "" {
		c.SharedState.Path = filepath.Join(c.Machine.DataDir, "shared.db")
	}
	if c.Distributed.Enabled && c.Distributed.CacheRoot == "" {
		c.Distributed.CacheRoot = filepath.Join(c.Machine.DataDir, "propagation")
	}
}

// Validate reports every problem at once.
func (c *Config) Validate() error {
	var errs []error
	bad := func(format string, args ...any) {
		errs = append(errs, fmt.Errorf(format, args...))
	}

	if c.Machine.ID == "" {
		bad("machine.id is required")
	}
	switch c.SharedState.Kind {
	case "memory":
	case "sqlite":
		if c.SharedState.Path == "" {
			bad("sharedState.path is required for sqlite")
		}
	default:
		bad("sharedState.kind must be memory or sqlite, got %q", c.SharedState.Kind)
	}

	switch c.CentralStore.Kind {
	case "none":
	case "local":
		if c.CentralStore.Local.Directory == "" {
			bad("centralStore.local.directory is required")
		}
		if c.CentralStore.Local.Retention <= 0 {
			bad("centralStore.local.retention must be positive")
		}
	case "blob":
		if len(c.CentralStore.Blob.ConnectionStrings) == 0 {
			bad("centralStore.blob.connectionStrings needs at least one entry")
		}
		if c.CentralStore.Blob.Container == "" {
			bad("centralStore.blob.container is required")
		}
		if c.CentralStore.Blob.Retention <= 0 || c.CentralStore.Blob.OperationTimeout <= 0 {
			bad("centralStore.blob retention and operationTimeout must be positive")
		}
	default:
		bad("centralStore.kind must be none, local or blob, got %q", c.CentralStore.Kind)
	}

	if _, ok := c.Checkpointing().(CheckpointEnabled); ok {
		cp := c.Checkpoint
		if c.CentralStore.Kind == "none" {
			bad("checkpointing needs centralStore.kind local or blob")
		}
		for name, d := range map[string]time.Duration{
			"masterLeaseExpiry":  cp.MasterLeaseExpiry,
			"heartbeatInterval":  cp.HeartbeatInterval,
			"createInterval":     cp.CreateInterval,
			"restoreInterval":    cp.RestoreInterval,
			"eventDrainInterval": cp.EventDrainInterval,
		} {
			if d <= 0 {
				bad("checkpoint.%s must be positive", name)
			}
		}
		if cp.Election != "auto" && cp.Election != "worker" {
			bad("checkpoint.election must be auto or worker, got %q", cp.Election)
		}
		if cp.Epoch == "" {
			bad("checkpoint.epoch is required")
		}
	}

	if c.Distributed.Enabled {
		d := c.Distributed
		if d.CacheRoot == "" {
			bad("distributed.cacheRoot is required")
		}
		if d.PropagationIterations <= 0 || d.MaxSimultaneousCopies <= 0 {
			bad("distributed propagationIterations and maxSimultaneousCopies must be positive")
		}
		if d.PropagationDelay < 0 || d.MaxRetentionGB < 0 {
			bad("distributed propagationDelay and maxRetentionGB must not be negative")
		}
	}

	if c.Copy.Port <= 0 || c.Copy.Port > 65535 {
		bad("copy.port out of range: %d", c.Copy.Port)
	}
	if c.Copy.ChunkSize <= 0 {
		bad("copy.chunkSize must be positive")
	}

	return errors.Join(errs...)
}

// YAML renders the effective configuration.
func (c *Config) YAML() ([]byte, error) {
	return yaml.Marshal(c)
}
