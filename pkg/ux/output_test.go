// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package ux

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestReport_PlainOffTerminal(t *testing.T) {
	var buf bytes.Buffer
	r := NewReport(&buf)
	r.Title("Run abc")
	r.Fields([][2]string{{"iteration", "12"}, {"log likelihood", "-301.2"}})
	r.Table([]string{"block", "rate"}, [][]string{{"tau", "0.350"}})
	r.Warn("3 numerical rejections")

	assert.Equal(t,
		"== Run abc ==\n"+
			"iteration       12\n"+
			"log likelihood  -301.2\n"+
			"block\trate\n"+
			"tau\t0.350\n"+
			"WARN: 3 numerical rejections\n",
		buf.String())
}

func TestReport_Styled(t *testing.T) {
	var buf bytes.Buffer
	r := &Report{w: &buf}
	r.Table([]string{"block", "rate"}, [][]string{{"scale_0", "0.41"}})
	r.Fields([][2]string{{"k", "v"}})
	out := buf.String()
	assert.Contains(t, out, "scale_0")
	assert.Contains(t, out, "0.41")
	assert.Contains(t, out, "╭")
}
