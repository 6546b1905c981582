// Package interval implements the forgetting-curve schedule of RemindPipe.
//
// The schedule is a fixed lookup table indexed by step. Step 1 is the wait
// after an item is created (or restarted); every successful delivery advances
// the step by one.
package interval

import "time"

const (
	day   = 24 * time.Hour
	week  = 7 * day
	month = 30 * day
	year  = 365 * day
)

// FirstStep is the step a new or restarted schedule starts at.
const FirstStep = 1

// Default is returned for steps past the end of the table.
const Default = 5 * year

// table[i] is the wait for step i+1.
var table = [...]time.Duration{
	30 * time.Minute,
	8 * time.Hour,
	day,
	week,
	month,
	3 * month,
	6 * month,
	year,
	2 * year,
	5 * year,
}

// Len returns the number of tabulated steps.
func Len() int { return len(table) }

// Next returns the wait before the reminder for the given step fires.
// Steps below 1 are treated as the first step.
func Next(step int) time.Duration {
	if step < FirstStep {
		step = FirstStep
	}
	if step > len(table) {
		return Default
	}
	return table[step-1]
}

// NextFireAt returns the fire time for step measured from now.
func NextFireAt(now time.Time, step int) time.Time {
	return now.Add(Next(step))
}
