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


package config

import (
	"os"
	"reflect"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/cardinalhq/confkeeper/internal/confstore"
	"github.com/cardinalhq/confkeeper/internal/dcache"
	"github.com/cardinalhq/confkeeper/internal/fly"
	"github.com/cardinalhq/confkeeper/internal/healthcheck"
	"github.com/cardinalhq/confkeeper/internal/upgrade"
)

// Config aggregates configuration for the application.
// Each field is owned by its respective package.
type Config struct {
	Node     NodeConfig         `mapstructure:"node"`
	Store    confstore.Config   `mapstructure:"store"`
	Features confstore.Features `mapstructure:"features"`
	Cache    dcache.Config      `mapstructure:"cache"`
	Fly      fly.Config         `mapstructure:"fly"`
	Upgrade  UpgradeConfig      `mapstructure:"upgrade"`
	Health   healthcheck.Config `mapstructure:"health"`
}

// NodeConfig identifies this process within the cluster.
type NodeConfig struct {
	// Name must be unique per node; change events from this name are
	// ignored on receipt.
	Name string `mapstructure:"name"`
	// Deployment is matched against the upgrade settings to elect the node
	// that runs upgrades.
	Deployment string `mapstructure:"deployment"`
}

type UpgradeConfig struct {
	// Settings locates the upgrade settings document: a file path or
	// "env:NAME". Empty disables upgrades.
	Settings string          `mapstructure:"settings"`
	Runner   upgrade.Options `mapstructure:"runner"`
}

// Load reads configuration from files and environment variables.
// Environment variables use the prefix "CONFKEEPER" and the dot character
// in keys is replaced by an underscore. For example, "fly.brokers" becomes
// "CONFKEEPER_FLY_BROKERS".
func Load() (*Config, error) {
	cfg := &Config{
		Node:     NodeConfig{Name: defaultNodeName()},
		Store:    confstore.DefaultConfig(),
		Features: confstore.DefaultFeatures(),
		Cache:    dcache.DefaultConfig(),
		Fly:      *fly.DefaultConfig(),
		Upgrade:  UpgradeConfig{Runner: upgrade.DefaultOptions()},
		Health:   healthcheck.DefaultConfig(),
	}

	v := viper.New()
	v.SetConfigName("config")
	v.AddConfigPath(".")
	v.SetEnvPrefix("CONFKEEPER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	bindEnvs(v, cfg)
	_ = v.ReadInConfig()

	if err := v.Unmarshal(cfg); err != nil {
		return nil, err
	}
	if b := v.GetString("fly.brokers"); b != "" {
		cfg.Fly.Brokers = strings.Split(b, ",")
	}
	cfg.Fly.Enabled = v.GetBool("fly.enabled")
	if cfg.Upgrade.Runner.Deployment == "" {
		cfg.Upgrade.Runner.Deployment = cfg.Node.Deployment
	}
	return cfg, nil
}

func defaultNodeName() string {
	if h, err := os.Hostname(); err == nil && h != "" {
		return h
	}
	return "confkeeper"
}

var durationType = reflect.TypeOf(time.Duration(0))

// bindEnvs registers all keys within cfg so that viper will look up
// corresponding environment variables when unmarshalling.
func bindEnvs(v *viper.Viper, cfg any, parts ...string) {
	val := reflect.ValueOf(cfg)
	typ := reflect.TypeOf(cfg)
	if typ.Kind() == reflect.Ptr {
		val = val.Elem()
		typ = typ.Elem()
	}
	for i := 0; i < typ.NumField(); i++ {
		f := typ.Field(i)
		tag := f.Tag.Get("mapstructure")
		if tag == "" {
			tag = strings.ToLower(f.Name)
		}
		if tag == "-" || strings.Contains(tag, ",remain") {
			continue
		}
		key := append(append([]string(nil), parts...), tag)
		if f.Type.Kind() == reflect.Struct && f.Type != durationType {
			bindEnvs(v, val.Field(i).Interface(), key...)
			continue
		}
		_ = v.BindEnv(strings.Join(key, "."))
	}
}
