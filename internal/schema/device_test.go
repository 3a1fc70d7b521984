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
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sampleDevice() map[string]any {
	return map[string]any{
		"_.uuid":          "dev-uuid",
		"dicomDeviceName": "archive",
		"dicomInstalled":  true,
		"dicomConnection": []any{
			map[string]any{"_.uuid": "conn-1", "cn": "dicom", "dicomHostname": "localhost", "dicomPort": int64(11112)},
		},
		"dicomNetworkAE": map[string]any{
			"ARCHIVE": map[string]any{
				"_.uuid":       "ae-1",
				"dicomAETitle": "ARCHIVE",
				"dicomNetworkConnectionReference": []any{
					map[string]any{"_.ref": "conn-1"},
				},
				"aeExtensions": map[string]any{"storage": map[string]any{"id": "fs1"}},
			},
		},
	}
}

func TestDecodeDevice(t *testing.T) {
	var d Device
	require.NoError(t, Decode(sampleDevice(), &d))
	assert.Equal(t, "archive", d.Name)
	require.Len(t, d.Connections, 1)
	assert.Equal(t, 11112, d.Connections[0].Port)
	require.Contains(t, d.AEs, "ARCHIVE")
	assert.Equal(t, "conn-1", d.AEs["ARCHIVE"].Connections[0].UUID)
	assert.Contains(t, d.AEs["ARCHIVE"].Extensions, "storage")
}

func TestCheckDevice(t *testing.T) {
	path := DevicesRoot.Append("archive")
	assert.Empty(t, checkDevice(path, sampleDevice()))

	tests := []struct {
		name   string
		mutate func(map[string]any)
	}{
		{"name mismatch", func(d map[string]any) { d["dicomDeviceName"] = "other" }},
		{"missing name", func(d map[string]any) { delete(d, "dicomDeviceName") }},
		{"bad port", func(d map[string]any) {
			d["dicomConnection"].([]any)[0].(map[string]any)["dicomPort"] = int64(70000)
		}},
		{"foreign connection", func(d map[string]any) {
			ae := d["dicomNetworkAE"].(map[string]any)["ARCHIVE"].(map[string]any)
			ae["dicomNetworkConnectionReference"] = []any{map[string]any{"_.ref": "elsewhere"}}
		}},
		{"shape mismatch", func(d map[string]any) { d["dicomConnection"] = "not a list" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := sampleDevice()
			tt.mutate(d)
			assert.NotEmpty(t, checkDevice(path, d))
		})
	}
}
