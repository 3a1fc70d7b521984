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


package upgrade

import (
	"context"
	"fmt"
	"maps"
	"slices"

	"github.com/cardinalhq/confkeeper/internal/nodes"
	"github.com/cardinalhq/confkeeper/internal/schema"
)

const (
	ArchiveDeviceScript     = "ArchiveDevice"
	ConnectionNamesScript   = "ConnectionNames"
	defaultArchiveDevice    = "dcm4chee-arc"
	archiveDeviceProperty   = "archiveDeviceName"
	defaultArchiveAETitle   = "DCM4CHEE"
	defaultArchiveDicomPort = int64(11112)
)

// Builtin returns the scripts shipped with confkeeper.
func Builtin() *Registry {
	return NewRegistry(
		&Definition{
			ScriptName:    ArchiveDeviceScript,
			ScriptVersion: "1.1",
			Run:           createArchiveDevice,
			Steps: []FixUp{
				{Version: "1.1", Apply: describeArchiveDevice},
			},
		},
		&Definition{
			ScriptName:    ConnectionNamesScript,
			ScriptVersion: "1.0",
			Run:           nameConnections,
		},
	)
}

// archiveDeviceName picks the device name from the script section, then
// the global properties.
func archiveDeviceName(env *Env) string {
	if name, ok := env.ScriptConfig["deviceName"].(string); ok && name != "" {
		return name
	}
	if name := env.Properties[archiveDeviceProperty]; name != "" {
		return name
	}
	return defaultArchiveDevice
}

func createArchiveDevice(ctx context.Context, env *Env) error {
	name := archiveDeviceName(env)
	device := schema.DevicesRoot.Append(name)
	exists, err := env.Store.NodeExists(ctx, device)
	if err != nil {
		return err
	}
	if exists {
		return nil
	}

	attrs := map[string]any{
		"dicomDeviceName":   name,
		"dicomManufacturer": "dcm4che.org",
		"dicomDescription":  "Archive device",
		"dicomConnection": []any{map[string]any{
			"_.uuid":        "conn-" + name,
			"cn":            "dicom",
			"dicomHostname": "localhost",
			"dicomPort":     defaultArchiveDicomPort,
		}},
		"dicomNetworkAE": map[string]any{
			defaultArchiveAETitle: map[string]any{
				"_.uuid":       "ae-" + name,
				"dicomAETitle": defaultArchiveAETitle,
				"dicomNetworkConnectionReference": []any{
					map[string]any{"_.ref": "conn-" + name},
				},
			},
		},
	}
	for _, k := range slices.Sorted(maps.Keys(attrs)) {
		if err := env.Store.PersistNode(ctx, device.Append(k), attrs[k]); err != nil {
			return err
		}
	}
	return nil
}

func describeArchiveDevice(ctx context.Context, env *Env) error {
	p := schema.DevicesRoot.Append(archiveDeviceName(env), "dicomDescription")
	cur, err := env.Store.GetConfigurationNode(ctx, p)
	if err != nil || cur != nil {
		return err
	}
	return env.Store.PersistNode(ctx, p, "Archive device")
}

// nameConnections gives every unnamed connection a common name derived
// from its position.
func nameConnections(ctx context.Context, env *Env) error {
	devices, err := env.Store.GetConfigurationNode(ctx, schema.DevicesRoot)
	if err != nil {
		return err
	}
	m, _ := devices.(map[string]any)
	for _, name := range slices.Sorted(maps.Keys(m)) {
		dev, _ := m[name].(map[string]any)
		conns, _ := dev["dicomConnection"].([]any)
		changed := false
		for i, c := range conns {
			cm, ok := c.(map[string]any)
			if !ok {
				continue
			}
			if cn, _ := cm["cn"].(string); cn == "" {
				cm["cn"] = fmt.Sprintf("dicom-%d", i)
				changed = true
			}
		}
		if !changed {
			continue
		}
		if err := env.Store.PersistNode(ctx, schema.DevicesRoot.Append(name, "dicomConnection"), nodes.DeepCopy(conns)); err != nil {
			return err
		}
	}
	return nil
}
