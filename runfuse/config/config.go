// Copyright 2024 The gVisor Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package config provides basic infrastructure to set configuration settings
// for runfuse. Each setting has a flag, and most can also come from a TOML or
// YAML configuration file.
package config

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/mohae/deepcopy"
	"gopkg.in/yaml.v3"
	"gvisor.dev/fusebridge/pkg/fuse"
	"gvisor.dev/fusebridge/pkg/log"
)

// Config holds configuration that is not part of the daemon's handshake.
//
// Follow these steps to add a new flag:
//  1. Create a new field in Config.
//  2. Add a field tag with the flag name.
//  3. Register a new flag in flags.go, with same name and add a description.
//  4. Add toml and yaml tags if the setting may come from a file.
//
// Fields without a toml tag can only be set with flags.
type Config struct {
	// ConfigFile is a TOML or YAML file read before explicit flags are
	// applied.
	ConfigFile string `flag:"config" toml:"-" yaml:"-"`

	// LogFilename is the filename to log to, if not empty.
	LogFilename string `flag:"log" toml:"log" yaml:"log"`

	// LogFormat is the log format.
	LogFormat string `flag:"log-format" toml:"log-format" yaml:"log-format"`

	// Debug indicates that debug logging should be enabled.
	Debug bool `flag:"debug" toml:"debug" yaml:"debug"`

	// DebugLog is the path to log debug information to, if not empty. It
	// may contain %COMMAND%, %VOLUME% and %TIMESTAMP%.
	DebugLog string `flag:"debug-log" toml:"debug-log" yaml:"debug-log"`

	// DebugLogFormat is the log format for debug.
	DebugLogFormat string `flag:"debug-log-format" toml:"debug-log-format" yaml:"debug-log-format"`

	// AlsoLogToStderr allows to send log messages to stderr.
	AlsoLogToStderr bool `flag:"alsologtostderr" toml:"alsologtostderr" yaml:"alsologtostderr"`

	// Socket is the unix socket daemons connect to.
	Socket string `flag:"socket" toml:"socket" yaml:"socket"`

	// Once stops serving after the first session ends.
	Once bool `flag:"once" toml:"once" yaml:"once"`

	// Volume names the mount in logs, metrics and timeout prompts.
	Volume string `flag:"volume" toml:"volume" yaml:"volume"`

	// IOSize is the largest chunk moved by one read, write or readdir.
	IOSize uint `flag:"iosize" toml:"iosize" yaml:"iosize"`

	// BlockSize is the block size reported to the host.
	BlockSize uint `flag:"blocksize" toml:"blocksize" yaml:"blocksize"`

	// DaemonTimeout is how long a request waits before the timeout policy
	// is consulted. Zero disables it.
	DaemonTimeout time.Duration `flag:"daemon-timeout" toml:"daemon-timeout" yaml:"daemon-timeout"`

	// InitTimeout bounds the handshake. Zero disables it.
	InitTimeout time.Duration `flag:"init-timeout" toml:"init-timeout" yaml:"init-timeout"`

	// MaxTickets is the number of live requests beyond which a session is
	// declared dead. Zero means no limit.
	MaxTickets int `flag:"max-tickets" toml:"max-tickets" yaml:"max-tickets"`

	// MaxFreeTickets is the size of the ticket free list.
	MaxFreeTickets int `flag:"max-free-tickets" toml:"max-free-tickets" yaml:"max-free-tickets"`

	// TimeoutPolicy is what happens when the daemon stops answering.
	TimeoutPolicy string `flag:"timeout-policy" toml:"timeout-policy" yaml:"timeout-policy"`

	// RetryInitial is the first grace period of the retry policy.
	RetryInitial time.Duration `flag:"retry-initial" toml:"retry-initial" yaml:"retry-initial"`

	// RetryMaxElapsed is how long the retry policy tolerates an
	// unresponsive daemon.
	RetryMaxElapsed time.Duration `flag:"retry-max-elapsed" toml:"retry-max-elapsed" yaml:"retry-max-elapsed"`

	AllowOther         bool `flag:"allow-other" toml:"allow-other" yaml:"allow-other"`
	DefaultPermissions bool `flag:"default-permissions" toml:"default-permissions" yaml:"default-permissions"`
	DeferPermissions   bool `flag:"defer-permissions" toml:"defer-permissions" yaml:"defer-permissions"`
	NoAppleDouble      bool `flag:"noappledouble" toml:"noappledouble" yaml:"noappledouble"`
	NoAlerts           bool `flag:"noalerts" toml:"noalerts" yaml:"noalerts"`
	ReadOnly           bool `flag:"read-only" toml:"read-only" yaml:"read-only"`
	KillOnUnmount      bool `flag:"kill-on-unmount" toml:"kill-on-unmount" yaml:"kill-on-unmount"`

	// MetricsAddr is the address of the Prometheus endpoint. Empty
	// disables it.
	MetricsAddr string `flag:"metrics-addr" toml:"metrics-addr" yaml:"metrics-addr"`

	// StatsInterval is how often session statistics are written to the
	// debug log. Zero disables it.
	StatsInterval time.Duration `flag:"stats-interval" toml:"stats-interval" yaml:"stats-interval"`
}

var (
	logFormats      = []string{"text", "json", "logrus", "logrus-json"}
	timeoutPolicies = []string{"disconnect", "retry", "prompt"}
)

func oneOf(name, value string, allowed []string) error {
	for _, a := range allowed {
		if value == a {
			return nil
		}
	}
	return fmt.Errorf("invalid %s %q, must be one of: %s", name, value, strings.Join(allowed, ", "))
}

// Validate checks the configuration for consistency.
func (c *Config) Validate() error {
	if err := oneOf("log format", c.LogFormat, logFormats); err != nil {
		return err
	}
	if err := oneOf("debug log format", c.DebugLogFormat, logFormats); err != nil {
		return err
	}
	if err := oneOf("timeout policy", c.TimeoutPolicy, timeoutPolicies); err != nil {
		return err
	}
	if c.IOSize == 0 || c.IOSize%4096 != 0 || c.IOSize > 1<<20 {
		return fmt.Errorf("iosize %d must be a non-zero multiple of 4096 no larger than 1MiB", c.IOSize)
	}
	if c.BlockSize == 0 || c.BlockSize&(c.BlockSize-1) != 0 {
		return fmt.Errorf("blocksize %d must be a power of two", c.BlockSize)
	}
	if c.DaemonTimeout < 0 || c.InitTimeout < 0 {
		return fmt.Errorf("timeouts must not be negative")
	}
	if c.MaxTickets < 0 {
		return fmt.Errorf("max-tickets %d must not be negative", c.MaxTickets)
	}
	if c.TimeoutPolicy == "retry" && (c.RetryInitial <= 0 || c.RetryMaxElapsed <= 0) {
		return fmt.Errorf("the retry policy needs positive retry-initial and retry-max-elapsed")
	}
	if c.DefaultPermissions && c.DeferPermissions {
		return fmt.Errorf("default-permissions and defer-permissions are mutually exclusive")
	}
	return nil
}

// Load reads the configuration file at path over c. The format is picked by
// extension: .toml, .yaml or .yml. Keys missing from the file keep their
// current value; unknown keys are an error.
func (c *Config) Load(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("reading config file: %w", err)
	}
	switch ext := filepath.Ext(path); ext {
	case ".toml":
		md, err := toml.Decode(string(data), c)
		if err != nil {
			return fmt.Errorf("parsing %q: %w", path, err)
		}
		if undecoded := md.Undecoded(); len(undecoded) > 0 {
			return fmt.Errorf("unknown keys in %q: %v", path, undecoded)
		}
	case ".yaml", ".yml":
		dec := yaml.NewDecoder(bytes.NewReader(data))
		dec.KnownFields(true)
		if err := dec.Decode(c); err != nil && err != io.EOF {
			return fmt.Errorf("parsing %q: %w", path, err)
		}
	default:
		return fmt.Errorf("unsupported config file extension %q", ext)
	}
	return nil
}

// Clone returns a deep copy of c.
func (c *Config) Clone() *Config {
	return deepcopy.Copy(c).(*Config)
}

// WriteTOML writes the settings that can come from a file to w.
func (c *Config) WriteTOML(w io.Writer) error {
	return toml.NewEncoder(w).Encode(c)
}

// Log logs every setting at info level.
func (c *Config) Log() {
	log.Infof("Config:")
	obj := reflect.ValueOf(c).Elem()
	st := obj.Type()
	for i := 0; i < st.NumField(); i++ {
		name, ok := st.Field(i).Tag.Lookup("flag")
		if !ok {
			continue
		}
		log.Infof("\t%s: %v", name, obj.Field(i).Interface())
	}
}

// MountFlags returns the session mount flags.
func (c *Config) MountFlags() fuse.MountFlags {
	var flags fuse.MountFlags
	for _, f := range []struct {
		set  bool
		flag fuse.MountFlags
	}{
		{c.AllowOther, fuse.MountAllowOther},
		{c.DefaultPermissions, fuse.MountDefaultPermissions},
		{c.DeferPermissions, fuse.MountDeferPermissions},
		{c.NoAppleDouble, fuse.MountNoAppleDouble},
		{c.NoAlerts, fuse.MountNoAlerts},
		{c.ReadOnly, fuse.MountReadOnly},
		{c.KillOnUnmount, fuse.MountKillOnUnmount},
	} {
		if f.set {
			flags |= f.flag
		}
	}
	return flags
}

// PromptFunc asks what to do about an unresponsive daemon.
type PromptFunc func(ctx context.Context, volume string) (fuse.TimeoutDecision, error)

// SessionOptions returns the session options described by c. prompt backs the
// "prompt" timeout policy and may be nil otherwise.
func (c *Config) SessionOptions(prompt PromptFunc) (fuse.Options, error) {
	opts := fuse.DefaultOptions()
	opts.VolumeName = c.Volume
	opts.IOSize = uint32(c.IOSize)
	opts.BlockSize = uint32(c.BlockSize)
	opts.DaemonTimeout = c.DaemonTimeout
	opts.InitTimeout = c.InitTimeout
	opts.MaxTickets = c.MaxTickets
	opts.MaxFreeTickets = c.MaxFreeTickets
	opts.Flags = c.MountFlags()
	switch c.TimeoutPolicy {
	case "disconnect":
		opts.TimeoutPolicy = fuse.DisconnectPolicy{}
	case "retry":
		opts.TimeoutPolicy = fuse.NewRetryPolicy(c.RetryInitial, c.RetryMaxElapsed)
	case "prompt":
		if prompt == nil {
			return fuse.Options{}, fmt.Errorf("the prompt timeout policy needs a terminal")
		}
		opts.TimeoutPolicy = fuse.PromptPolicy{Prompt: prompt}
	default:
		return fuse.Options{}, fmt.Errorf("unknown timeout policy %q", c.TimeoutPolicy)
	}
	return opts, nil
}
