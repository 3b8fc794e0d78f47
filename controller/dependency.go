/*
Copyright (c) 2024 DESY and the Constellation authors.
This software is distributed under the terms of the EUPL-1.2 License, copied verbatim in the file "LICENSE.md".
SPDX-License-Identifier: EUPL-1.2
*/

package controller

import "fmt"

// validateStartOrder checks the "starting-after" dependency graph
// (satellite name -> names it must start after) for cycles, per spec §8
// scenario 6. It returns a topological start order on success.
func validateStartOrder(dependsOn map[string][]string) ([]string, error) {
	const (
		white = 0
		gray  = 1
		black = 2
	)
	color := make(map[string]int, len(dependsOn))
	var order []string

	var visit func(name string, stack []string) error
	visit = func(name string, stack []string) error {
		switch color[name] {
		case black:
			return nil
		case gray:
			return fmt.Errorf("Cyclic dependency detected involving satellite %q (%v)", name, append(stack, name))
		}
		color[name] = gray
		for _, dep := range dependsOn[name] {
			if err := visit(dep, append(stack, name)); err != nil {
				return err
			}
		}
		color[name] = black
		order = append(order, name)
		return nil
	}

	for name := range dependsOn {
		if color[name] == white {
			if err := visit(name, nil); err != nil {
				return nil, err
			}
		}
	}
	return order, nil
}
