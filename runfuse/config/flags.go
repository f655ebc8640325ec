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

package config

import (
	"flag"
	"fmt"
	"reflect"
	"strconv"
	"time"

	"gvisor.dev/fusebridge/pkg/fuse"
)

// RegisterFlags registers flags used to populate Config.
func RegisterFlags(flagSet *flag.FlagSet) {
	flagSet.String("config", "", "TOML (.toml) or YAML (.yaml, .yml) file with settings. Flags given explicitly take precedence over it.")

	// Debugging flags.
	flagSet.String("log", "", "file path where internal debug information is written, default is stdout.")
	flagSet.String("log-format", "text", "log format: text (default), json, logrus, or logrus-json.")
	flagSet.Bool("debug", false, "enable debug logging.")
	flagSet.String("debug-log", "", "additional location for logs. The following variables are available: %COMMAND%, %VOLUME%, %TIMESTAMP%.")
	flagSet.String("debug-log-format", "text", "log format: text (default), json, logrus, or logrus-json.")
	flagSet.Bool("alsologtostderr", false, "send log messages to stderr.")
	flagSet.Duration("stats-interval", 0, "write session statistics to the debug log this often. Zero disables it.")
	flagSet.String("metrics-addr", "", "address to serve Prometheus metrics on, e.g. localhost:9464. Empty disables it.")

	// Flags that control the transport.
	flagSet.String("socket", "", "unix socket path daemons connect to.")
	flagSet.Bool("once", false, "exit once the first session ends.")

	// Flags that control session behavior.
	flagSet.String("volume", "fuse", "volume name used in logs, metrics and prompts.")
	flagSet.Uint("iosize", fuse.DefaultIOSize, "largest chunk moved by one read, write or readdir request.")
	flagSet.Uint("blocksize", fuse.DefaultBlockSize, "block size reported to the host.")
	flagSet.Duration("daemon-timeout", fuse.DefaultDaemonTimeout, "how long a request waits for the daemon before the timeout policy is consulted. Zero disables it.")
	flagSet.Duration("init-timeout", fuse.DefaultInitTimeout, "how long the daemon has to answer the handshake. Zero disables it.")
	flagSet.Int("max-tickets", 0, "number of live requests beyond which a session is declared dead. Zero means no limit.")
	flagSet.Int("max-free-tickets", fuse.DefaultMaxFreeTickets, "number of idle requests kept for reuse. Negative keeps all of them.")
	flagSet.String("timeout-policy", "disconnect", "what to do with an unresponsive daemon: disconnect (default), retry, or prompt.")
	flagSet.Duration("retry-initial", time.Second, "first grace period of the retry timeout policy.")
	flagSet.Duration("retry-max-elapsed", 5*time.Minute, "how long the retry timeout policy tolerates an unresponsive daemon.")

	// Mount flags.
	flagSet.Bool("allow-other", false, "let users other than the daemon's owner use the mount.")
	flagSet.Bool("default-permissions", false, "leave permission checks to the host instead of asking the daemon.")
	flagSet.Bool("defer-permissions", false, "skip access checks entirely.")
	flagSet.Bool("noappledouble", false, "hide AppleDouble files.")
	flagSet.Bool("noalerts", false, "disconnect on the first daemon timeout without consulting the timeout policy.")
	flagSet.Bool("read-only", false, "refuse write access.")
	flagSet.Bool("kill-on-unmount", false, "signal the daemon when its session is unmounted.")
}

// NewFromFlags creates a new Config. Values come from the flag defaults, then
// from the configuration file named by --config, then from flags set
// explicitly on the command line.
func NewFromFlags(flagSet *flag.FlagSet) (*Config, error) {
	conf := &Config{}

	obj := reflect.ValueOf(conf).Elem()
	st := obj.Type()
	for i := 0; i < st.NumField(); i++ {
		name, ok := st.Field(i).Tag.Lookup("flag")
		if !ok {
			// No flag set for this field.
			continue
		}
		if flagSet.Lookup(name) == nil {
			panic(fmt.Sprintf("Flag %q not found", name))
		}
	}

	flagSet.VisitAll(conf.setFromFlag)
	if conf.ConfigFile != "" {
		if err := conf.Load(conf.ConfigFile); err != nil {
			return nil, err
		}
		// Explicit flags win over the file.
		flagSet.Visit(conf.setFromFlag)
	}

	if err := conf.Validate(); err != nil {
		return nil, err
	}
	return conf, nil
}

// setFromFlag copies the value of fl to the field tagged with its name.
func (c *Config) setFromFlag(fl *flag.Flag) {
	obj := reflect.ValueOf(c).Elem()
	st := obj.Type()
	for i := 0; i < st.NumField(); i++ {
		if name, ok := st.Field(i).Tag.Lookup("flag"); ok && name == fl.Name {
			obj.Field(i).Set(reflect.ValueOf(fl.Value.(flag.Getter).Get()))
			return
		}
	}
}

// ToFlags returns a slice of flags that correspond to the given Config.
// Settings equal to their flag default are left out.
func (c *Config) ToFlags() []string {
	var rv []string

	// Construct a temporary set for default plumbing.
	flagSet := flag.NewFlagSet("tmp", flag.ContinueOnError)
	RegisterFlags(flagSet)

	obj := reflect.ValueOf(c).Elem()
	st := obj.Type()
	for i := 0; i < st.NumField(); i++ {
		f := st.Field(i)
		name, ok := f.Tag.Lookup("flag")
		if !ok {
			// No flag set for this field.
			continue
		}
		val := getVal(obj.Field(i))

		flag := flagSet.Lookup(name)
		if flag == nil {
			panic(fmt.Sprintf("Flag %q not found", name))
		}
		if val == flag.DefValue {
			continue
		}
		rv = append(rv, fmt.Sprintf("--%s=%s", flag.Name, val))
	}
	return rv
}

func getVal(field reflect.Value) string {
	if str, ok := field.Addr().Interface().(fmt.Stringer); ok {
		return str.String()
	}
	switch field.Kind() {
	case reflect.Bool:
		return strconv.FormatBool(field.Bool())
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return strconv.FormatInt(field.Int(), 10)
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64, reflect.Uintptr:
		return strconv.FormatUint(field.Uint(), 10)
	case reflect.String:
		return field.String()
	default:
		panic("unknown type " + field.Kind().String())
	}
}
