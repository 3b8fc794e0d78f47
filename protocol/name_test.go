/*
Copyright (c) 2024 DESY and the Constellation authors.
This software is distributed under the terms of the EUPL-1.2 License, copied verbatim in the file "LICENSE.md".
SPDX-License-Identifier: EUPL-1.2
*/

package protocol

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestParseCanonicalName(t *testing.T) {
	cn, err := ParseCanonicalName("Sputnik.A")
	require.NoError(t, err)
	require.Equal(t, "Sputnik", cn.Type)
	require.Equal(t, "A", cn.Name)
	require.Equal(t, "Sputnik.A", cn.String())

	_, err = ParseCanonicalName("nodot")
	require.Error(t, err)

	_, err = ParseCanonicalName("bad name.x")
	require.Error(t, err)
}

func TestCanonicalNameEqualFold(t *testing.T) {
	a, _ := ParseCanonicalName("Sputnik.A")
	b, _ := ParseCanonicalName("sputnik.a")
	require.True(t, a.EqualFold(b))
}

func TestHashesAreSixteenBytes(t *testing.T) {
	h := HashGroup("constellation")
	require.Len(t, h, 16)
	require.Len(t, h.String(), 32)
}
