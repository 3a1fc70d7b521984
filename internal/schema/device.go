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

package schema

import (
	"strconv"

	"github.com/cardinalhq/confkeeper/internal/nodes"
)

// Extension keys hold service-specific configuration attached to a device,
// an application entity or an HL7 application.
const (
	DeviceExtensionsKey = "deviceExtensions"
	AEExtensionsKey     = "aeExtensions"
	HL7ExtensionsKey    = "hl7AppExtensions"
)

type Reference struct {
	UUID string `mapstructure:"_.ref"`
}

type Connection struct {
	UUID       string `mapstructure:"_.uuid"`
	CommonName string `mapstructure:"cn"`
	Hostname   string `mapstructure:"dicomHostname"`
	Port       int    `mapstructure:"dicomPort"`
	Installed  *bool  `mapstructure:"dicomInstalled"`
}

type ApplicationEntity struct {
	UUID        string         `mapstructure:"_.uuid"`
	AETitle     string         `mapstructure:"dicomAETitle"`
	Initiator   bool           `mapstructure:"dicomAssociationInitiator"`
	Acceptor    bool           `mapstructure:"dicomAssociationAcceptor"`
	Connections []Reference    `mapstructure:"dicomNetworkConnectionReference"`
	Installed   *bool          `mapstructure:"dicomInstalled"`
	Extensions  map[string]any `mapstructure:"aeExtensions"`
}

type HL7Application struct {
	UUID             string         `mapstructure:"_.uuid"`
	Name             string         `mapstructure:"hl7ApplicationName"`
	DefaultCharset   string         `mapstructure:"hl7DefaultCharacterSet"`
	Connections      []Reference    `mapstructure:"dicomNetworkConnectionReference"`
	Installed        *bool          `mapstructure:"dicomInstalled"`
	Extensions       map[string]any `mapstructure:"hl7AppExtensions"`
	AcceptedSenders  []string       `mapstructure:"hl7AcceptedSendingApplication"`
	AcceptedMessages []string       `mapstructure:"hl7AcceptedMessageType"`
}

type Device struct {
	UUID            string                       `mapstructure:"_.uuid"`
	Name            string                       `mapstructure:"dicomDeviceName"`
	Description     string                       `mapstructure:"dicomDescription"`
	Manufacturer    string                       `mapstructure:"dicomManufacturer"`
	Installed       bool                         `mapstructure:"dicomInstalled"`
	Connections     []Connection                 `mapstructure:"dicomConnection"`
	AEs             map[string]ApplicationEntity `mapstructure:"dicomNetworkAE"`
	HL7Applications map[string]HL7Application    `mapstructure:"hl7Application"`
	Extensions      map[string]any               `mapstructure:"deviceExtensions"`
}

// checkDevice decodes the device at path and validates names, ports and
// the connection references of its application entities.
func checkDevice(path nodes.Path, node any) []error {
	var d Device
	if err := Decode(node, &d); err != nil {
		return []error{violationf(path, "cannot decode device: %v", err)}
	}

	var errs []error
	if d.Name == "" {
		errs = append(errs, violationf(path, "dicomDeviceName is required"))
	} else if d.Name != path.Last() {
		errs = append(errs, violationf(path, "dicomDeviceName %q does not match its key", d.Name))
	}

	conns := make(map[string]bool, len(d.Connections))
	for i, c := range d.Connections {
		cp := path.Append("dicomConnection", strconv.Itoa(i))
		if c.Port < 0 || c.Port > 65535 {
			errs = append(errs, violationf(cp, "dicomPort %d out of range", c.Port))
		}
		if c.UUID != "" {
			conns[c.UUID] = true
		}
	}

	for key, ae := range d.AEs {
		ap := path.Append("dicomNetworkAE", key)
		if ae.AETitle != "" && ae.AETitle != key {
			errs = append(errs, violationf(ap, "dicomAETitle %q does not match its key", ae.AETitle))
		}
		errs = append(errs, checkConnectionRefs(ap, ae.Connections, conns)...)
	}
	for key, app := range d.HL7Applications {
		hp := path.Append("hl7Application", key)
		if app.Name != "" && app.Name != key {
			errs = append(errs, violationf(hp, "hl7ApplicationName %q does not match its key", app.Name))
		}
		errs = append(errs, checkConnectionRefs(hp, app.Connections, conns)...)
	}
	return errs
}

// checkConnectionRefs requires every connection reference to point at a
// connection of the same device.
func checkConnectionRefs(path nodes.Path, refs []Reference, conns map[string]bool) []error {
	var errs []error
	for i, ref := range refs {
		if ref.UUID == "" || !conns[ref.UUID] {
			errs = append(errs, violationf(path.Append("dicomNetworkConnectionReference", strconv.Itoa(i)),
				"connection %q is not a connection of this device", ref.UUID))
		}
	}
	return errs
}
