package config

import "github.com/hurricanefpga/hurricane/internal/cmd"

// CLI is the root command line of hurricane.
type CLI struct {
	Config string `help:"Path to a JSON, YAML or TOML config file" type:"path" env:"HURRICANE_CONFIG"`

	Log struct {
		Level   string `help:"Log level" enum:"trace,debug,info,warn,error" default:"info" env:"HURRICANE_LOG_LEVEL"`
		File    string `help:"Also write logs to this file" type:"path" env:"HURRICANE_LOG_FILE"`
		RawFile string `help:"Write one line per captured packet to this file" type:"path" env:"HURRICANE_LOG_RAW_FILE"`
	} `embed:"" prefix:"log."`

	Simulate cmd.Simulate      `cmd:"" help:"Run the host engine against a simulated keyboard or mouse"`
	HW       cmd.HW            `cmd:"" name:"hw" help:"Control a Cynthion running the host gateware"`
	Configs  cmd.ConfigCommand `cmd:"" name:"config" help:"Configuration file helpers"`
}
