package shuffle

import (
	"flag"
	"runtime"
	"time"

	"github.com/pkg/errors"
)

// TLSConfig enables transport encryption on the shuffle port. When enabled,
// transfers go through the buffered path instead of sendfile.
type TLSConfig struct {
	Enabled  bool   `yaml:"enabled"`
	CertFile string `yaml:"cert_file"`
	KeyFile  string `yaml:"key_file"`
}

// Config for the shuffle pull server.
type Config struct {
	ListenPort      int    `yaml:"listen_port"`
	AdminListenPort int    `yaml:"admin_listen_port"`
	BaseDir         string `yaml:"base_dir"`

	ManageOSCache         bool          `yaml:"manage_os_cache"`
	ReadaheadBytes        int64         `yaml:"readahead_bytes"`
	MaxConcurrentRequests int           `yaml:"max_concurrent_requests"`
	SSLFileBufferSize     int           `yaml:"ssl_file_buffer_size"`
	MaxHeaderBytes        int           `yaml:"max_header_bytes"`
	ShutdownGrace         time.Duration `yaml:"shutdown_grace"`

	TLS TLSConfig `yaml:"tls"`
}

// RegisterFlagsAndApplyDefaults registers flags.
func (cfg *Config) RegisterFlagsAndApplyDefaults(prefix string, f *flag.FlagSet) {
	cfg.ManageOSCache = true
	cfg.ReadaheadBytes = 4 * 1024 * 1024
	cfg.MaxConcurrentRequests = runtime.NumCPU() * 2
	cfg.SSLFileBufferSize = 60 * 1024
	cfg.MaxHeaderBytes = 8 * 1024
	cfg.ShutdownGrace = 10 * time.Second

	f.IntVar(&cfg.ListenPort, prefix+".listen-port", 0, "Shuffle listen port. 0 binds an ephemeral port.")
	f.IntVar(&cfg.AdminListenPort, prefix+".admin-listen-port", 0, "Admin (metrics/status) listen port. 0 disables the admin endpoint.")
	f.StringVar(&cfg.BaseDir, prefix+".base-dir", "/tmp/pullserver", "Base directory containing per-query task output directories.")
}

// Validate checks for config values the server cannot run with.
func (cfg *Config) Validate() error {
	if cfg.BaseDir == "" {
		return errors.New("shuffle base dir is required")
	}
	if cfg.MaxConcurrentRequests <= 0 {
		return errors.Errorf("max concurrent requests must be positive, got %d", cfg.MaxConcurrentRequests)
	}
	if cfg.MaxHeaderBytes <= 0 {
		return errors.Errorf("max header bytes must be positive, got %d", cfg.MaxHeaderBytes)
	}
	if cfg.TLS.Enabled && (cfg.TLS.CertFile == "" || cfg.TLS.KeyFile == "") {
		return errors.New("tls requires both cert_file and key_file")
	}
	return nil
}
