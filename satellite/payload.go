/*
Copyright (c) 2024 DESY and the Constellation authors.
This software is distributed under the terms of the EUPL-1.2 License, copied verbatim in the file "LICENSE.md".
SPDX-License-Identifier: EUPL-1.2
*/

package satellite

import (
	"fmt"

	"github.com/vmihailenco/msgpack/v5"

	"github.com/constellation-daq/constellation/config"
)

// encodeValue serializes v as the opaque CSCP payload frame carrying a
// single value, per spec §4.3's "payload encodes the verb's result".
func encodeValue(v config.Value) ([]byte, error) {
	return msgpack.Marshal(v)
}

// decodeValue parses a CSCP payload frame holding a single value.
func decodeValue(b []byte) (config.Value, error) {
	var v config.Value
	if err := msgpack.Unmarshal(b, &v); err != nil {
		return config.Value{}, fmt.Errorf("decoding value payload: %w", err)
	}
	return v, nil
}

// decodeDictionary parses a CSCP payload frame holding a configuration
// dictionary, as sent with initialize/reconfigure.
func decodeDictionary(b []byte) (*config.Dictionary, error) {
	d := config.NewDictionary()
	if err := msgpack.Unmarshal(b, d); err != nil {
		return nil, fmt.Errorf("decoding configuration payload: %w", err)
	}
	return d, nil
}

// decodeValueArray parses a CSCP payload frame holding the positional
// argument list for a user-defined command.
func decodeValueArray(b []byte) ([]config.Value, error) {
	var args []config.Value
	if err := msgpack.Unmarshal(b, &args); err != nil {
		return nil, fmt.Errorf("decoding command arguments: %w", err)
	}
	return args, nil
}
