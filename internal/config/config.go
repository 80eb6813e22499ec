package config

import (
	"log"
	"os"
	"time"

	"github.com/kelseyhightower/envconfig"
	"gopkg.in/yaml.v3"
)

type Settings struct {
	ListenPort int    `envconfig:"LISTEN_PORT" default:"8100" yaml:"listen_port"`
	LogPath    string `envconfig:"LOG_PATH" default:"" yaml:"log_path"`
	ConfigFile string `envconfig:"CONFIG_FILE" default:"" yaml:"-"`

	// Command execution settings
	CommandTimeout  string `envconfig:"COMMAND_TIMEOUT" default:"15s" yaml:"command_timeout"`
	ConnectTimeout  string `envconfig:"CONNECT_TIMEOUT" default:"10s" yaml:"connect_timeout"`
	QueueCapacity   int    `envconfig:"QUEUE_CAPACITY" default:"100" yaml:"queue_capacity"`
	QueueStaleAfter string `envconfig:"QUEUE_STALE_AFTER" default:"15s" yaml:"queue_stale_after"`

	// RecoveryTimeout bounds total command residency. When a command has been
	// in flight longer than this, the session is forcibly reset. Empty means
	// resets are manual only.
	RecoveryTimeout string `envconfig:"RECOVERY_TIMEOUT" default:"" yaml:"recovery_timeout"`

	// Buffer sizes
	TranscriptEntries int `envconfig:"TRANSCRIPT_ENTRIES" default:"1000" yaml:"transcript_entries"`
	LedgerEntries     int `envconfig:"LEDGER_ENTRIES" default:"500" yaml:"ledger_entries"`
}

var Cfg Settings

func Load() {
	if err := envconfig.Process("SSHBRIDGE", &Cfg); err != nil {
		log.Fatalf("failed to load config: %v", err)
	}
	if Cfg.ConfigFile != "" {
		if err := applyOverlay(Cfg.ConfigFile, &Cfg); err != nil {
			log.Fatalf("failed to load config file %s: %v", Cfg.ConfigFile, err)
		}
	}
}

// applyOverlay merges a YAML settings file over the current values. File
// values win over environment values; absent keys leave the struct untouched.
func applyOverlay(path string, s *Settings) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	return yaml.Unmarshal(data, s)
}

// ParseTimeout parses a duration setting, falling back to def when the value
// is empty or malformed.
func ParseTimeout(value string, def time.Duration) time.Duration {
	if value == "" {
		return def
	}
	d, err := time.ParseDuration(value)
	if err != nil || d <= 0 {
		return def
	}
	return d
}
