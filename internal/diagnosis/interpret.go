// Package diagnosis turns a raw per-stage probability vector into formatted
// percentages and a fibrosis stage label.
package diagnosis

import (
	"strconv"
)

// Stage is an ordinal fibrosis severity class.
type Stage int

const (
	F0 Stage = iota
	F1
	F2
	F3
	F4
)

// StageCount is the number of stages a vector is expected to carry.
const StageCount = 5

var labels = [StageCount]string{
	"F0 - Sin fibrosis",
	"F1 - Fibrosis portal sin septos",
	"F2 - Fibrosis portal con septos escasos",
	"F3 - Numerosos septos fibrosos, pero sin cirrosis",
	"F4 - Fibrosis avanzada con nódulos de regeneración (Cirrosis)",
}

// String returns the short stage code, e.g. "F2".
func (s Stage) String() string {
	return "F" + strconv.Itoa(int(s))
}

// Label returns the clinical title of the stage, or "" when out of range.
func (s Stage) Label() string {
	if s < F0 || s > F4 {
		return ""
	}
	return labels[s]
}

// Finding is the formatted score of one stage.
type Finding struct {
	Stage   Stage  `json:"stage"`
	Title   string `json:"title"`
	Percent string `json:"percent"`
}

// Report is the interpreted form of a vector.
type Report struct {
	Findings  []Finding `json:"findings"`
	Stage     Stage     `json:"stage"`
	Diagnosis string    `json:"diagnosis"`
}

// FormatPercent renders e*100 with two decimals and a trailing percent sign.
// Malformed entries render as "0.00%".
func FormatPercent(e Entry) string {
	v := e.Float() * 100
	if v == 0 {
		// avoid "-0.00%"
		v = 0
	}
	return strconv.FormatFloat(v, 'f', 2, 64) + "%"
}

// Select returns the index of the largest coerced value. On an exact tie the
// lowest index wins. An empty vector yields -1.
func Select(v Vector) int {
	if len(v) == 0 {
		return -1
	}
	best, bestValue := 0, v[0].Float()
	for i := 1; i < len(v); i++ {
		if value := v[i].Float(); value > bestValue {
			best, bestValue = i, value
		}
	}
	return best
}

// Interpret formats all five stages and selects the diagnosis. Entries past
// the fifth are ignored; missing entries read as 0.
func Interpret(v Vector) Report {
	padded := make(Vector, StageCount)
	copy(padded, v)

	findings := make([]Finding, StageCount)
	for i, e := range padded {
		stage := Stage(i)
		findings[i] = Finding{Stage: stage, Title: stage.Label(), Percent: FormatPercent(e)}
	}

	stage := Stage(Select(padded))
	return Report{
		Findings:  findings,
		Stage:     stage,
		Diagnosis: stage.Label(),
	}
}
