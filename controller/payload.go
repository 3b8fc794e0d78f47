/*
Copyright (c) 2024 DESY and the Constellation authors.
This software is distributed under the terms of the EUPL-1.2 License, copied verbatim in the file "LICENSE.md".
SPDX-License-Identifier: EUPL-1.2
*/

package controller

import (
	"fmt"

	"github.com/vmihailenco/msgpack/v5"

	"github.com/constellation-daq/constellation/config"
)

func encodeValue(v config.Value) ([]byte, error) {
	return msgpack.Marshal(v)
}

func decodeValue(b []byte) (config.Value, error) {
	var v config.Value
	if err := msgpack.Unmarshal(b, &v); err != nil {
		return config.Value{}, fmt.Errorf("decoding value payload: %w", err)
	}
	return v, nil
}

// encodeDict marshals d as a raw Dictionary, matching the satellite
// responder's decodeDictionary for the initialize/reconfigure payload
// (unlike other transition payloads, this one is not Value-wrapped).
func encodeDict(d *config.Dictionary) ([]byte, error) {
	return msgpack.Marshal(d)
}

func encodeArgs(args []config.Value) ([]byte, error) {
	return msgpack.Marshal(args)
}
