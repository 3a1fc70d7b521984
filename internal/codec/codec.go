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

// Package codec serializes configuration subtrees into opaque blobs.
//
// Decoded values are always normalized: integers come back as int64,
// floats as float64, maps as map[string]any and lists as []any, so a
// subtree survives an encode/decode cycle unchanged.
package codec

import (
	"bytes"
	"fmt"
	"reflect"
	"strings"

	"github.com/fxamacker/cbor/v2"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/cardinalhq/confkeeper/internal/nodes"
)

// Codec turns a normalized node into bytes and back.
type Codec interface {
	Name() string
	Marshal(node any) ([]byte, error)
	Unmarshal(data []byte) (any, error)
}

// New returns the codec registered under name ("cbor" or "msgpack").
func New(name string) (Codec, error) {
	switch strings.ToLower(name) {
	case "", "cbor":
		return NewCBOR()
	case "msgpack":
		return NewMsgpack(), nil
	default:
		return nil, fmt.Errorf("unsupported codec: %s", name)
	}
}

// CBOR encodes with deterministic (canonical) key order so equal trees
// produce equal bytes.
type CBOR struct {
	encMode cbor.EncMode
	decMode cbor.DecMode
}

var _ Codec = (*CBOR)(nil)

func NewCBOR() (*CBOR, error) {
	encMode, err := cbor.EncOptions{
		Sort:          cbor.SortCanonical,
		ShortestFloat: cbor.ShortestFloatNone,
		BigIntConvert: cbor.BigIntConvertNone,
	}.EncMode()
	if err != nil {
		return nil, fmt.Errorf("failed to create CBOR encoder: %w", err)
	}

	decMode, err := cbor.DecOptions{
		IntDec:         cbor.IntDecConvertSigned,
		DefaultMapType: reflect.TypeOf(map[string]any{}),
		UTF8:           cbor.UTF8DecodeInvalid,
	}.DecMode()
	if err != nil {
		return nil, fmt.Errorf("failed to create CBOR decoder: %w", err)
	}

	return &CBOR{encMode: encMode, decMode: decMode}, nil
}

func (c *CBOR) Name() string { return "cbor" }

func (c *CBOR) Marshal(node any) ([]byte, error) {
	return c.encMode.Marshal(node)
}

func (c *CBOR) Unmarshal(data []byte) (any, error) {
	var raw any
	if err := c.decMode.Unmarshal(data, &raw); err != nil {
		return nil, err
	}
	return nodes.Normalize(raw), nil
}

// Msgpack matches the encoding the embedded bolt store uses elsewhere.
type Msgpack struct{}

var _ Codec = Msgpack{}

func NewMsgpack() Msgpack { return Msgpack{} }

func (Msgpack) Name() string { return "msgpack" }

func (Msgpack) Marshal(node any) ([]byte, error) {
	var buf bytes.Buffer
	enc := msgpack.GetEncoder()
	defer msgpack.PutEncoder(enc)
	enc.Reset(&buf)
	enc.SetSortMapKeys(true)
	if err := enc.Encode(node); err != nil {
		return nil, fmt.Errorf("failed to encode msgpack: %w", err)
	}
	return buf.Bytes(), nil
}

func (Msgpack) Unmarshal(data []byte) (any, error) {
	dec := msgpack.GetDecoder()
	defer msgpack.PutDecoder(dec)
	dec.Reset(bytes.NewReader(data))
	dec.UseLooseInterfaceDecoding(true)
	raw, err := dec.DecodeInterface()
	if err != nil {
		return nil, fmt.Errorf("failed to decode msgpack: %w", err)
	}
	return nodes.Normalize(raw), nil
}
