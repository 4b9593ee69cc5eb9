package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/mattn/go-shellwords"
	"github.com/spf13/viper"

	"github.com/michaelbrown/fcsandbox/internal/client"
	"github.com/michaelbrown/fcsandbox/internal/vmm"
	"github.com/michaelbrown/fcsandbox/internal/wire"
)

type ServerConfig struct {
	Port int `mapstructure:"port" validate:"min=1,max=65535"`
}

type VMMConfig struct {
	JailerBin       string        `mapstructure:"jailer_bin" validate:"required"`
	FirecrackerBin  string        `mapstructure:"firecracker_bin" validate:"required"`
	JailerRootDir   string        `mapstructure:"jailer_root_dir" validate:"required"`
	ResourcesDir    string        `mapstructure:"resources_dir" validate:"required"`
	UID             int           `mapstructure:"uid" validate:"min=1"`
	GID             int           `mapstructure:"gid" validate:"min=1"`
	GuestCID        uint32        `mapstructure:"guest_cid" validate:"min=3"`
	VsockPort       uint32        `mapstructure:"vsock_port" validate:"min=1"`
	ConnectRetries  int           `mapstructure:"connect_retries" validate:"min=1"`
	ConnectBackoff  time.Duration `mapstructure:"connect_backoff" validate:"gt=0"`
	StopGrace       time.Duration `mapstructure:"stop_grace" validate:"gt=0"`
	JailerExtraArgs string        `mapstructure:"jailer_extra_args"`
}

type PoolConfig struct {
	MaxSandboxes int `mapstructure:"max_sandboxes" validate:"min=1"`
}

type ClientConfig struct {
	Timeout      time.Duration `mapstructure:"timeout" validate:"min=0"`
	MaxFrameSize uint32        `mapstructure:"max_frame_size" validate:"min=1024"`
}

type StorageConfig struct {
	DBPath string `mapstructure:"db_path"`
}

type LoggingConfig struct {
	Level  string `mapstructure:"level" validate:"oneof=trace debug info warn warning error"`
	Format string `mapstructure:"format" validate:"oneof=text json"`
}

type Config struct {
	Server  ServerConfig  `mapstructure:"server"`
	VMM     VMMConfig     `mapstructure:"vmm"`
	Pool    PoolConfig    `mapstructure:"pool"`
	Client  ClientConfig  `mapstructure:"client"`
	Storage StorageConfig `mapstructure:"storage"`
	Logging LoggingConfig `mapstructure:"logging"`

	extraArgs []string
}

// Load reads fcsandbox.yaml from path, or from the working directory and
// $HOME/.fcsandbox when path is empty. A missing default file is fine;
// FCSANDBOX_* environment variables override either.
func Load(path string) (*Config, error) {
	v := viper.New()
	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("fcsandbox")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("$HOME/.fcsandbox")
	}

	v.SetEnvPrefix("FCSANDBOX")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	// The short form matches the variable operators already export.
	v.BindEnv("vmm.jailer_root_dir", "FCSANDBOX_VMM_JAILER_ROOT_DIR", "FCSANDBOX_JAILER_ROOT_DIR")

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("reading config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)

	v.SetDefault("vmm.jailer_bin", vmm.DefaultJailerBin)
	v.SetDefault("vmm.firecracker_bin", vmm.DefaultFirecrackerBin)
	v.SetDefault("vmm.jailer_root_dir", vmm.DefaultJailerRootDir)
	v.SetDefault("vmm.resources_dir", "/var/lib/fcsandbox/resources")
	v.SetDefault("vmm.uid", vmm.DefaultUID)
	v.SetDefault("vmm.gid", vmm.DefaultGID)
	v.SetDefault("vmm.guest_cid", vmm.DefaultGuestCID)
	v.SetDefault("vmm.vsock_port", client.DefaultGuestPort)
	v.SetDefault("vmm.connect_retries", vmm.DefaultConnectRetries)
	v.SetDefault("vmm.connect_backoff", vmm.DefaultConnectBackoff)
	v.SetDefault("vmm.stop_grace", vmm.DefaultStopGrace)
	v.SetDefault("vmm.jailer_extra_args", "")

	v.SetDefault("pool.max_sandboxes", 64)

	v.SetDefault("client.timeout", time.Duration(0))
	v.SetDefault("client.max_frame_size", wire.DefaultMaxFrameSize)

	v.SetDefault("storage.db_path", filepath.Join(os.Getenv("HOME"), ".fcsandbox", "fcsandbox.db"))

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "text")
}

var validate = validator.New()

// Validate checks field constraints and parses the jailer extra arguments.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	// The jailer puts each chroot under <base>/<basename of exec file>/<id>.
	if root, bin := filepath.Base(c.VMM.JailerRootDir), filepath.Base(c.VMM.FirecrackerBin); root != bin {
		return fmt.Errorf("invalid config: vmm.jailer_root_dir must end in %q to match vmm.firecracker_bin, got %q", bin, root)
	}
	args, err := shellwords.Parse(c.VMM.JailerExtraArgs)
	if err != nil {
		return fmt.Errorf("invalid config: vmm.jailer_extra_args: %w", err)
	}
	c.extraArgs = args
	return nil
}

// VMMConfig translates the vmm section for vmm.New.
func (c *Config) VMMConfig() vmm.Config {
	return vmm.Config{
		RootDir:      c.VMM.JailerRootDir,
		ResourcesDir: c.VMM.ResourcesDir,
		Jailer: vmm.JailerConfig{
			JailerBin:      c.VMM.JailerBin,
			FirecrackerBin: c.VMM.FirecrackerBin,
			UID:            c.VMM.UID,
			GID:            c.VMM.GID,
			ExtraArgs:      c.extraArgs,
		},
		GuestCID:       c.VMM.GuestCID,
		ConnectRetries: c.VMM.ConnectRetries,
		ConnectBackoff: c.VMM.ConnectBackoff,
		StopGrace:      c.VMM.StopGrace,
	}
}

// ClientConfig translates the client section for client.New.
func (c *Config) ClientConfig() client.Config {
	return client.Config{
		RootDir:      c.VMM.JailerRootDir,
		GuestPort:    c.VMM.VsockPort,
		MaxFrameSize: c.Client.MaxFrameSize,
		Timeout:      c.Client.Timeout,
	}
}
