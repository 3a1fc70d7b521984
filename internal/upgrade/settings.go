// Copyright (C) 2025 CardinalHQ, Inc
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as
// published by the Free Software Foundation, version 3.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program. If not, see <http://www.gnu.org/licenses/>.


// Package upgrade brings the stored configuration up to a target version
// by running registered scripts, or waits for another node to do it.
package upgrade

import (
	"bytes"
	"fmt"
	"os"
	"strings"

	"github.com/go-viper/mapstructure/v2"
	"gopkg.in/yaml.v3"
)

// Settings describe one upgrade. Top-level keys other than the known
// ones are per-script property bags keyed by script name.
type Settings struct {
	UpgradeToVersion              string            `mapstructure:"upgradeToVersion"`
	UpgradeScriptsToRun           []string          `mapstructure:"upgradeScriptsToRun"`
	ActiveUpgradeRunnerDeployment string            `mapstructure:"activeUpgradeRunnerDeployment"`
	IgnoreMissingUpgradeScripts   bool              `mapstructure:"ignoreMissingUpgradeScripts"`
	DeprecatedVersions            map[string]string `mapstructure:"deprecatedVersions"`
	Properties                    map[string]string `mapstructure:"properties"`
	ScriptConfig                  map[string]any    `mapstructure:",remain"`
}

// LoadSettings reads settings from a YAML or JSON file. A location of
// the form "env:NAME" reads the document from environment variable NAME.
func LoadSettings(location string) (*Settings, error) {
	var contents []byte
	if name, ok := strings.CutPrefix(location, "env:"); ok {
		v := os.Getenv(name)
		if v == "" {
			return nil, fmt.Errorf("environment variable %s is not set", name)
		}
		contents = []byte(v)
	} else {
		b, err := os.ReadFile(location)
		if err != nil {
			return nil, fmt.Errorf("failed to read upgrade settings %s: %w", location, err)
		}
		contents = b
	}
	return ParseSettings(contents)
}

func ParseSettings(contents []byte) (*Settings, error) {
	var raw map[string]any
	if err := yaml.NewDecoder(bytes.NewReader(contents)).Decode(&raw); err != nil {
		return nil, fmt.Errorf("failed to parse upgrade settings: %w", err)
	}
	var s Settings
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:           &s,
		WeaklyTypedInput: true,
	})
	if err != nil {
		return nil, err
	}
	if err := dec.Decode(raw); err != nil {
		return nil, fmt.Errorf("invalid upgrade settings: %w", err)
	}
	return &s, nil
}

// scriptConfig returns the property bag for the named script.
func (s *Settings) scriptConfig(name string) map[string]any {
	m, _ := s.ScriptConfig[name].(map[string]any)
	return m
}

// resolve maps a deprecated version string to its replacement.
func (s *Settings) resolve(v string) string {
	if r, ok := s.DeprecatedVersions[v]; ok {
		return r
	}
	return v
}
