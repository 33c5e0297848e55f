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

package rpcwire

import (
	"bytes"
	"encoding/gob"
	"fmt"

	v1 "github.com/dagflow/dagmaster/proto/tez/v1"
)

// EncodeEvents serialises a TezEvent slice with the same gob encoding
// Codec uses on the wire. Only tests call it: internal/listener answers a
// replayed requestId (spec §8's heartbeat idempotence property: "sending
// the same requestId twice produces byte-identical responses") by
// returning the response it stored for that requestId.
func EncodeEvents(events []v1.TezEvent) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(events); err != nil {
		return nil, fmt.Errorf("rpcwire: encode events: %w", err)
	}
	return buf.Bytes(), nil
}

// DecodeEvents reverses EncodeEvents.
func DecodeEvents(data []byte) ([]v1.TezEvent, error) {
	var events []v1.TezEvent
	if err := gob.NewDecoder(bytes.NewReader(data)).Decode(&events); err != nil {
		return nil, fmt.Errorf("rpcwire: decode events: %w", err)
	}
	return events, nil
}
