/*
Copyright © 2020 NAME HERE <EMAIL ADDRESS>

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

	http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/
package cmd

import (
	"testing"

	"github.com/magiconair/properties/assert"

	"github.com/mgtools/mgtransfer/InputParameters"
)

func TestRunCycle(t *testing.T) {
	var (
		err error
	)
	fileInput := []byte(`
Title: Test Cycle
Dim: 2
KCoarse: [2, 2]
PolynomialOrder: 2
Continuous: true
NRanks: 2
NLevels: 3
TransferType: geometric # Can be geometric, polynomial or nonnested
Extent:
  x: 1.0
  y: 1.0
`)
	var input InputParameters.TransferParameters
	if err = input.Parse(fileInput); err != nil {
		panic(err)
	}
	assert.Equal(t, input.Dim, 2)
	assert.Equal(t, input.Extent["x"], 1.)
	input.Print()
	RunCycle(&input)

	// one polynomial and one non-nested sweep on the same deck
	input.TransferType = "polynomial"
	input.CoarseningStrategy = "bisect"
	RunCycle(&input)
	input.TransferType = "nonnested"
	RunCycle(&input)
}
