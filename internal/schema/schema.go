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

// Package schema declares the entities stored in the configuration tree,
// how to decode them into typed values and how to validate them.
package schema

import (
	"context"
	"fmt"

	"github.com/go-viper/mapstructure/v2"

	"github.com/cardinalhq/confkeeper/internal/nodes"
)

var (
	ConfigurationRoot = nodes.NewPath("dicomConfigurationRoot")
	DevicesRoot       = ConfigurationRoot.Append("dicomDevicesRoot")
	MetadataRoot      = ConfigurationRoot.Append("metadataRoot")
)

// Resolver looks up the path of the node carrying a UUID.
type Resolver interface {
	Lookup(ctx context.Context, uuid string) (nodes.Path, bool, error)
}

// Violation is one integrity problem found at Path.
type Violation struct {
	Path   nodes.Path
	Reason string
}

func (v *Violation) Error() string {
	return fmt.Sprintf("%s: %s", v.Path, v.Reason)
}

func violationf(p nodes.Path, format string, args ...any) error {
	return &Violation{Path: p, Reason: fmt.Sprintf(format, args...)}
}

// Entity is a statically declared kind of top-level node.
type Entity struct {
	Name string
	// Pattern selects the nodes of this kind; "*" matches any key.
	Pattern nodes.Path
	// Check decodes the node found at path and returns every problem.
	Check func(path nodes.Path, node any) []error
}

// Entities is every entity checked by the integrity checker.
var Entities = []Entity{
	{
		Name:    "device",
		Pattern: DevicesRoot.Append(nodes.Wildcard),
		Check:   checkDevice,
	},
}

// Decode decodes a node into out, a pointer to one of the entity structs.
// Keys without a matching field are ignored.
func Decode(node any, out any) error {
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:  out,
		TagName: "mapstructure",
	})
	if err != nil {
		return err
	}
	return dec.Decode(node)
}

// DefaultRule fills Values into every map node matching Pattern.
type DefaultRule struct {
	Pattern nodes.Path
	Values  map[string]any
}

// Defaults is the table used by the defaults layer.
var Defaults = []DefaultRule{
	{
		Pattern: DevicesRoot.Append(nodes.Wildcard),
		Values: map[string]any{
			"dicomInstalled": true,
		},
	},
	{
		Pattern: DevicesRoot.Append(nodes.Wildcard, "dicomNetworkAE", nodes.Wildcard),
		Values: map[string]any{
			"dicomAssociationInitiator": false,
			"dicomAssociationAcceptor":  true,
		},
	},
	{
		Pattern: DevicesRoot.Append(nodes.Wildcard, "hl7Application", nodes.Wildcard),
		Values: map[string]any{
			"hl7DefaultCharacterSet": "ASCII",
		},
	},
}
