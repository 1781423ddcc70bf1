package launcher

import "time"

// Config is the YAML configuration shared by the CLI and the launchers.
type Config struct {
	WorkDir string `yaml:"workdir"`
	Image   string `yaml:"image"`
	Mode    string `yaml:"mode"`
	// EnvFile holds KEY=VALUE lines passed to the node, e.g. BOOT_NODES.
	EnvFile string `yaml:"env_file"`

	Readiness struct {
		Probe      string        `yaml:"probe"` // http, tcp or log
		LogPattern string        `yaml:"log_pattern"`
		Timeout    time.Duration `yaml:"timeout"`
	} `yaml:"readiness"`

	Local struct {
		Binary    string        `yaml:"binary"`
		SourceDir string        `yaml:"source_dir"`
		Cargo     string        `yaml:"cargo"`
		Package   string        `yaml:"package"`
		StopGrace time.Duration `yaml:"stop_grace"`
	} `yaml:"local"`

	Container struct {
		Name    string `yaml:"name"`
		Binary  string `yaml:"binary"`
		Home    string `yaml:"home"`
		User    string `yaml:"user"`
		Restart string `yaml:"restart"`
	} `yaml:"container"`

	Remote struct {
		Host       string `yaml:"host"`
		User       string `yaml:"user"`
		Port       int    `yaml:"port"`
		KeyPath    string `yaml:"key_path"`
		KnownHosts string `yaml:"known_hosts"`
		// Binary is the neard path on the remote host. With PushBinary the
		// local binary is uploaded there first.
		Binary     string        `yaml:"binary"`
		PushBinary bool          `yaml:"push_binary"`
		Timeout    time.Duration `yaml:"timeout"`
		Retries    int           `yaml:"retries"`
		StopGrace  time.Duration `yaml:"stop_grace"`
	} `yaml:"remote"`

	Store struct {
		Path string `yaml:"path"`
	} `yaml:"store"`

	Telemetry struct {
		Enabled bool `yaml:"enabled"`
	} `yaml:"telemetry"`
}

// Defaults fills every unset field with the value the unittest preset uses.
func (c *Config) Defaults() {
	if c.WorkDir == "" {
		c.WorkDir = "testdir"
	}
	if c.Image == "" {
		c.Image = "nearprotocol/nearcore"
	}
	if c.Readiness.Probe == "" {
		c.Readiness.Probe = "http"
	}
	if c.Readiness.LogPattern == "" {
		c.Readiness.LogPattern = `INFO stats: #\d+`
	}
	if c.Readiness.Timeout == 0 {
		c.Readiness.Timeout = 60 * time.Second
	}
	if c.Local.Cargo == "" {
		c.Local.Cargo = "cargo"
	}
	if c.Local.Package == "" {
		c.Local.Package = "neard"
	}
	if c.Local.StopGrace == 0 {
		c.Local.StopGrace = 5 * time.Second
	}
	if c.Container.Name == "" {
		c.Container.Name = "nearcore"
	}
	if c.Container.Binary == "" {
		c.Container.Binary = "neard"
	}
	if c.Container.Home == "" {
		c.Container.Home = "/srv/near"
	}
	if c.Container.Restart == "" {
		c.Container.Restart = "unless-stopped"
	}
	if c.Remote.Port == 0 {
		c.Remote.Port = 22
	}
	if c.Remote.Binary == "" {
		c.Remote.Binary = "neard"
	}
	if c.Remote.Timeout == 0 {
		c.Remote.Timeout = 15 * time.Second
	}
	if c.Remote.StopGrace == 0 {
		c.Remote.StopGrace = 5 * time.Second
	}
}
