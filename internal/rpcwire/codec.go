// Copyright (C) 2026 The Dagmaster Authors
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU General Public License for more details.
//
// You should have received a copy of the GNU General Public License
// along with this program. If not, see <https://www.gnu.org/licenses/>.

// Package rpcwire makes the task-attempt listener (spec §4.8) reachable
// over plain google.golang.org/grpc without running protoc: proto/tez/v1's
// request/response types are ordinary Go structs, not generated protobuf
// messages, so grpc's stock "proto" wire codec cannot marshal them. Codec
// implements encoding.Codec over encoding/gob and registers itself under
// the name "proto", the content-subtype grpc's client and server
// transports already negotiate by default — so a server built with
// grpc.NewServer() and a client built with grpc.Dial() need no further
// configuration to exchange these messages.
package rpcwire

import (
	"bytes"
	"encoding/gob"
	"fmt"

	"google.golang.org/grpc/encoding"
)

// codecName is the content-subtype grpc's generated stubs request by
// default ("application/grpc+proto"); registering under this name, rather
// than a new one, means proto/tez/v1's hand-written client/server stubs
// need no CallContentSubtype option of their own.
const codecName = "proto"

// Codec implements encoding.Codec using encoding/gob. Registered once, at
// package init, for every process that imports this package — mirroring
// how a generated *.pb.go file's codec registration has no per-call
// configuration either.
type Codec struct{}

func (Codec) Name() string { return codecName }

func (Codec) Marshal(v any) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(v); err != nil {
		return nil, fmt.Errorf("rpcwire: gob encode %T: %w", v, err)
	}
	return buf.Bytes(), nil
}

func (Codec) Unmarshal(data []byte, v any) error {
	if err := gob.NewDecoder(bytes.NewReader(data)).Decode(v); err != nil {
		return fmt.Errorf("rpcwire: gob decode into %T: %w", v, err)
	}
	return nil
}

func init() {
	encoding.RegisterCodec(Codec{})
}
