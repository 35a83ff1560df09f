package cmd

import (
	"encoding/json"
	"fmt"
	"os"
	"reflect"
	"slices"
	"strconv"
	"strings"
	"time"
	"unicode"

	"github.com/hurricanefpga/hurricane/internal/configpaths"

	toml "github.com/pelletier/go-toml"
	yaml "gopkg.in/yaml.v3"
)

// ConfigCommand groups config-related subcommands.
type ConfigCommand struct {
	Init ConfigInit `cmd:"" help:"Generate a configuration template"`
}

// ConfigInit scaffolds a configuration file for a specific command.
type ConfigInit struct {
	Command string `arg:"" name:"command" help:"Command to generate config for" enum:"simulate,hw"`
	Format  string `help:"Output format" enum:"json,yaml,toml" default:"json"`
	Output  string `help:"Destination file path (defaults to current directory)"`
	Force   bool   `help:"Overwrite if the file already exists"`
}

// templateFlag is one flag of a generated template.
type templateFlag struct {
	command []string // e.g. [hw monitor]
	name    string   // full kong flag name, e.g. host.buffer-size
	value   any
}

// Run writes every visible flag of the command with its default, keyed the
// way the loader for the chosen format resolves it.
func (c *ConfigInit) Run() error {
	format, ok := templateFormat(c.Format)
	if !ok {
		return fmt.Errorf("unsupported format: %s", c.Format)
	}

	var flags []templateFlag
	switch c.Command {
	case "simulate":
		flags = collectFlags([]string{"simulate"}, "", reflect.TypeOf(Simulate{}))
	case "hw":
		flags = collectFlags([]string{"hw"}, "", reflect.TypeOf(HW{}))
	default:
		return fmt.Errorf("unknown command %q; expected simulate or hw", c.Command)
	}

	dest := c.Output
	if dest == "" {
		dest = c.Command + "." + configpaths.Ext(format)
	}
	if !c.Force {
		if _, err := os.Stat(dest); err == nil {
			return fmt.Errorf("%s exists; use --force to overwrite", dest)
		}
	}
	if err := configpaths.EnsureDir(dest); err != nil {
		return err
	}

	data, err := renderTemplate(format, flags)
	if err != nil {
		return fmt.Errorf("failed to encode %s template: %w", format, err)
	}
	return os.WriteFile(dest, data, 0o644)
}

func templateFormat(f string) (string, bool) {
	switch f = strings.ToLower(f); f {
	case "json", "yaml", "toml":
		return f, true
	case "yml":
		return "yaml", true
	}
	return "", false
}

// renderTemplate lays the flags out for the matching resolver. kong.JSON
// nests on dots with snake_case leaves, kong-yaml nests under the command
// path and kong-toml matches the whole flag name.
func renderTemplate(format string, flags []templateFlag) ([]byte, error) {
	root := map[string]any{}
	switch format {
	case "json":
		for _, f := range flags {
			parts := strings.Split(strings.ReplaceAll(f.name, "-", "_"), ".")
			m := root
			for _, p := range parts[:len(parts)-1] {
				m = subMap(m, p)
			}
			m[parts[len(parts)-1]] = f.value
		}
		return json.MarshalIndent(root, "", "  ")
	case "yaml":
		for _, f := range flags {
			m := root
			for _, p := range f.command {
				m = subMap(m, p)
			}
			m[f.name] = f.value
		}
		return yaml.Marshal(root)
	default:
		for _, f := range flags {
			root[f.name] = f.value
		}
		return toml.Marshal(root)
	}
}

func subMap(m map[string]any, key string) map[string]any {
	sub, ok := m[key].(map[string]any)
	if !ok {
		sub = map[string]any{}
		m[key] = sub
	}
	return sub
}

// collectFlags walks a kong command struct. Names follow kong: a name tag
// wins, otherwise the field name in kebab case, behind any embed prefix.
// Hidden flags are fault switches and stay out of templates, as do empty
// strings: kong expands an empty path to the working directory.
func collectFlags(command []string, prefix string, t reflect.Type) []templateFlag {
	var flags []templateFlag
	for i := 0; i < t.NumField(); i++ {
		f := t.Field(i)
		if !f.IsExported() || f.Tag.Get("kong") == "-" || hasTag(f, "hidden") || hasTag(f, "arg") {
			continue
		}
		name := f.Tag.Get("name")
		if name == "" {
			name = kebab(f.Name)
		}
		switch {
		case hasTag(f, "cmd"):
			flags = append(flags, collectFlags(append(slices.Clone(command), name), "", f.Type)...)
		case hasTag(f, "embed"):
			flags = append(flags, collectFlags(command, prefix+f.Tag.Get("prefix"), f.Type)...)
		default:
			if v := defaultValue(f.Type, f.Tag.Get("default")); v != nil && v != "" {
				flags = append(flags, templateFlag{command: command, name: prefix + name, value: v})
			}
		}
	}
	return flags
}

func hasTag(f reflect.StructField, key string) bool {
	_, ok := f.Tag.Lookup(key)
	return ok
}

// kebab splits like kong does: "HostMode" is host-mode, "VID" is vid.
func kebab(s string) string {
	r := []rune(s)
	var b strings.Builder
	for i, c := range r {
		if i > 0 && unicode.IsUpper(c) {
			nextLower := i+1 < len(r) && unicode.IsLower(r[i+1])
			if unicode.IsLower(r[i-1]) || nextLower {
				b.WriteByte('-')
			}
		}
		b.WriteRune(unicode.ToLower(c))
	}
	return b.String()
}

func defaultValue(t reflect.Type, def string) any {
	if t == reflect.TypeOf(time.Duration(0)) {
		if def == "" {
			return "0s"
		}
		return def
	}
	switch t.Kind() {
	case reflect.String:
		return def
	case reflect.Bool:
		b, _ := strconv.ParseBool(def)
		return b
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		n, _ := strconv.ParseInt(def, 10, 64)
		return n
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		n, _ := strconv.ParseUint(def, 10, 64)
		return n
	case reflect.Slice:
		if def == "" {
			return []string{}
		}
		return strings.Split(def, ",")
	}
	return nil
}
