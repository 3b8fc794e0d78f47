/*
Copyright (c) 2024 DESY and the Constellation authors.
This software is distributed under the terms of the EUPL-1.2 License, copied verbatim in the file "LICENSE.md".
SPDX-License-Identifier: EUPL-1.2
*/

package controller

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestValidateStartOrderAcyclic(t *testing.T) {
	deps := map[string][]string{
		"b": {"a"},
		"c": {"b"},
		"a": nil,
	}
	order, err := validateStartOrder(deps)
	require.NoError(t, err)
	require.Equal(t, []string{"a", "b", "c"}, order)
}

func TestValidateStartOrderDetectsCycle(t *testing.T) {
	deps := map[string][]string{
		"x": {"y"},
		"y": {"x"},
	}
	_, err := validateStartOrder(deps)
	require.Error(t, err)
	require.Contains(t, err.Error(), "Cyclic dependency")
}
