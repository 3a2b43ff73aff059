// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package main

import (
	"fmt"
	"slices"
	"strconv"

	"github.com/AleutianAI/scalemix/pkg/ux"
	"github.com/AleutianAI/scalemix/services/sampler/state"
	"github.com/spf13/cobra"
)

func printSummary(cmd *cobra.Command, last *state.SamplerState) {
	r := ux.NewReport(cmd.OutOrStdout())
	r.Title("Run " + last.RunID)
	r.Fields([][2]string{
		{"iteration", strconv.Itoa(last.Iteration)},
		{"log likelihood", fmtFloat(last.LogLik)},
		{"tau", fmtFloat(last.Shared.Tau)},
	})
	writeTallies(r, last.CombinedTallies())
}

// writeTallies prints per-block acceptance and flags blocks with rejected
// evaluations.
func writeTallies(r *ux.Report, tallies state.Tallies) {
	ids := make([]string, 0, len(tallies))
	for id := range tallies {
		ids = append(ids, id)
	}
	slices.Sort(ids)

	rows := make([][]string, 0, len(ids))
	var numerical, domain int64
	for _, id := range ids {
		t := tallies[id]
		rows = append(rows, []string{
			id,
			strconv.FormatInt(t.Proposed, 10),
			fmt.Sprintf("%.3f", t.Rate()),
			strconv.FormatInt(t.Numerical, 10),
			strconv.FormatInt(t.Domain, 10),
		})
		numerical += t.Numerical
		domain += t.Domain
	}
	r.Table([]string{"block", "proposed", "accept", "numerical", "domain"}, rows)
	if numerical > 0 {
		r.Warn(fmt.Sprintf("%d proposals rejected for numerical failure", numerical))
	}
	if domain > 0 {
		r.Warn(fmt.Sprintf("%d proposals rejected outside the parameter domain", domain))
	}
}

func fmtFloat(v float64) string {
	return strconv.FormatFloat(v, 'g', 6, 64)
}
