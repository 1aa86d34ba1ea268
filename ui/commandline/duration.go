// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package commandline

import (
	"time"

	"github.com/dustin/go-humanize"
)

// durationUnits are tried from the largest down, for durations under a minute.
var durationUnits = []struct {
	unit   time.Duration
	suffix string
}{
	{time.Second, "s"},
	{time.Millisecond, "ms"},
	{time.Microsecond, "µs"},
}

// FormatDuration pretty prints durations under a minute with at most 2 decimal places in their largest
// unit. Longer durations are rounded to the second.
func FormatDuration(d time.Duration) string {
	if d >= time.Minute || d <= -time.Minute {
		return d.Round(time.Second).String()
	}
	magnitude := d.Abs()
	for _, u := range durationUnits {
		if magnitude >= u.unit {
			return humanize.FtoaWithDigits(float64(d)/float64(u.unit), 2) + u.suffix
		}
	}
	return d.String()
}
