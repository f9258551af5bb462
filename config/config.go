// Package config loads cpipe settings from defaults, an optional config
// file, CPIPE_* environment variables and bound command-line flags, in
// increasing order of precedence.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/bskracic/cpipe/runner"
)

const EnvPrefix = "CPIPE"

// Keys
const (
	KeyConfigFile     = "config"
	KeyToolPath       = "tool.path"
	KeyToolTimeout    = "tool.timeout"
	KeyCompilerPath   = "compiler.path"
	KeyCompilerArgs   = "compiler.args"
	KeyCompileTimeout = "compiler.timeout"
	KeyExecTimeout    = "exec.timeout"
	KeyWorkdir        = "workdir"
	KeyToolchainImage = "toolchain.image"
	KeyHTTPAddr       = "http.addr"
	KeySessionSecret  = "http.session_secret"
	KeyAllowOrigins   = "http.allow_origins"
	KeySecureCookie   = "http.secure_cookie"
	KeyGRPCAddr       = "grpc.addr"
	KeyLogLevel       = "log_level"
)

type Config struct {
	Tool      ToolConfig      `mapstructure:"tool"`
	Compiler  CompilerConfig  `mapstructure:"compiler"`
	Exec      ExecConfig      `mapstructure:"exec"`
	Workdir   string          `mapstructure:"workdir"`
	Toolchain ToolchainConfig `mapstructure:"toolchain"`
	HTTP      HTTPConfig      `mapstructure:"http"`
	GRPC      GRPCConfig      `mapstructure:"grpc"`
	LogLevel  string          `mapstructure:"log_level"`
}

// ToolConfig is the lexer/parser executable.
type ToolConfig struct {
	Path    string        `mapstructure:"path"`
	Timeout time.Duration `mapstructure:"timeout"`
}

type CompilerConfig struct {
	Path    string        `mapstructure:"path"`
	Args    []string      `mapstructure:"args"`
	Timeout time.Duration `mapstructure:"timeout"`
}

// ExecConfig bounds the compiled program.
type ExecConfig struct {
	Timeout time.Duration `mapstructure:"timeout"`
}

// ToolchainConfig selects a container image to compile in. Empty means the
// host compiler.
type ToolchainConfig struct {
	Image string `mapstructure:"image"`
}

type HTTPConfig struct {
	Addr          string   `mapstructure:"addr"`
	SessionSecret string   `mapstructure:"session_secret"`
	AllowOrigins  []string `mapstructure:"allow_origins"`
	SecureCookie  bool     `mapstructure:"secure_cookie"`
}

type GRPCConfig struct {
	Addr string `mapstructure:"addr"`
}

func SetDefaults(v *viper.Viper) {
	d := runner.DefaultConfig()
	v.SetDefault(KeyToolPath, d.ToolPath)
	v.SetDefault(KeyToolTimeout, d.ToolTimeout)
	v.SetDefault(KeyCompilerPath, d.CompilerPath)
	v.SetDefault(KeyCompilerArgs, []string{})
	v.SetDefault(KeyCompileTimeout, d.CompileTimeout)
	v.SetDefault(KeyExecTimeout, d.ExecTimeout)
	v.SetDefault(KeyWorkdir, filepath.Join(os.TempDir(), "cpipe"))
	v.SetDefault(KeyToolchainImage, "")
	v.SetDefault(KeyHTTPAddr, ":1337")
	v.SetDefault(KeySessionSecret, "")
	v.SetDefault(KeyAllowOrigins, []string{"*"})
	v.SetDefault(KeySecureCookie, false)
	v.SetDefault(KeyGRPCAddr, "")
	v.SetDefault(KeyLogLevel, "info")
}

// Load reads the configuration visible through v.
func Load(v *viper.Viper) (*Config, error) {
	SetDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	if file := v.GetString(KeyConfigFile); file != "" {
		v.SetConfigFile(file)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("config: read %s: %w", file, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("config: decode: %w", err)
	}
	if err := cfg.normalize(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// normalize makes path-like tool locations absolute so they do not depend
// on the working directory a process is started in. Bare names are left
// for PATH lookup.
func (c *Config) normalize() error {
	for _, p := range []*string{&c.Tool.Path, &c.Compiler.Path} {
		if strings.ContainsRune(*p, filepath.Separator) {
			if err := absolute(p); err != nil {
				return err
			}
		}
	}
	if c.Workdir != "" {
		return absolute(&c.Workdir)
	}
	return nil
}

func absolute(p *string) error {
	if filepath.IsAbs(*p) {
		return nil
	}
	abs, err := filepath.Abs(*p)
	if err != nil {
		return fmt.Errorf("config: resolve %q: %w", *p, err)
	}
	*p = abs
	return nil
}

func (c *Config) Validate() error {
	var errs []error
	if c.Tool.Path == "" {
		errs = append(errs, errors.New("tool.path must not be empty"))
	}
	if c.Compiler.Path == "" {
		errs = append(errs, errors.New("compiler.path must not be empty"))
	}
	if c.Workdir == "" {
		errs = append(errs, errors.New("workdir must not be empty"))
	}
	if c.Tool.Timeout < 0 {
		errs = append(errs, fmt.Errorf("tool.timeout must not be negative, got %s", c.Tool.Timeout))
	}
	if c.Compiler.Timeout < 0 {
		errs = append(errs, fmt.Errorf("compiler.timeout must not be negative, got %s", c.Compiler.Timeout))
	}
	if c.Exec.Timeout <= 0 {
		errs = append(errs, fmt.Errorf("exec.timeout must be positive, got %s", c.Exec.Timeout))
	}
	if len(errs) > 0 {
		return fmt.Errorf("config: %w", errors.Join(errs...))
	}
	return nil
}

// Runner returns the settings the stage runner needs.
func (c *Config) Runner() runner.Config {
	return runner.Config{
		ToolPath:       c.Tool.Path,
		ToolTimeout:    c.Tool.Timeout,
		CompilerPath:   c.Compiler.Path,
		CompilerArgs:   c.Compiler.Args,
		CompileTimeout: c.Compiler.Timeout,
		ExecTimeout:    c.Exec.Timeout,
	}
}
