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

package cmd

import (
	"context"
	"flag"
	"fmt"
	"os"
	"strings"

	"github.com/google/subcommands"
	"gvisor.dev/fusebridge/runfuse/cmd/util"
	"gvisor.dev/fusebridge/runfuse/config"
)

// PrintConfig implements subcommands.Command for the "print-config" command.
type PrintConfig struct {
	format string
}

// Name implements subcommands.Command.Name.
func (*PrintConfig) Name() string {
	return "print-config"
}

// Synopsis implements subcommands.Command.Synopsis.
func (*PrintConfig) Synopsis() string {
	return "print the effective configuration"
}

// Usage implements subcommands.Command.Usage.
func (*PrintConfig) Usage() string {
	return `print-config [-format=toml|flags] - prints the configuration after defaults, the config file and flags are applied.
`
}

// SetFlags implements subcommands.Command.SetFlags.
func (p *PrintConfig) SetFlags(f *flag.FlagSet) {
	f.StringVar(&p.format, "format", "toml", "output format: toml (default), or flags.")
}

// Execute implements subcommands.Command.Execute.
func (p *PrintConfig) Execute(_ context.Context, f *flag.FlagSet, args ...any) subcommands.ExitStatus {
	if f.NArg() != 0 {
		f.Usage()
		return subcommands.ExitUsageError
	}
	conf := args[0].(*config.Config)
	switch p.format {
	case "toml":
		if err := conf.WriteTOML(os.Stdout); err != nil {
			return util.Errorf("writing configuration: %v", err)
		}
	case "flags":
		fmt.Println(strings.Join(conf.ToFlags(), " "))
	default:
		return util.Errorf("invalid format %q, must be 'toml' or 'flags'", p.format)
	}
	return subcommands.ExitSuccess
}
