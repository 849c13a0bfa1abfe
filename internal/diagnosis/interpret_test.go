package diagnosis

import (
	"encoding/json"
	"testing"
)

func TestInterpretScenario(t *testing.T) {
	report := Interpret(NewVector(0.05, 0.10, 0.15, 0.30, 0.40))

	want := []string{"5.00%", "10.00%", "15.00%", "30.00%", "40.00%"}
	if len(report.Findings) != len(want) {
		t.Fatalf("expected %d findings, got %d", len(want), len(report.Findings))
	}
	for i, finding := range report.Findings {
		if finding.Percent != want[i] {
			t.Fatalf("finding %d: expected %s, got %s", i, want[i], finding.Percent)
		}
		if finding.Title != labels[i] {
			t.Fatalf("finding %d: unexpected title %q", i, finding.Title)
		}
	}
	if report.Diagnosis != "F4 - Fibrosis avanzada con nódulos de regeneración (Cirrosis)" {
		t.Fatalf("unexpected diagnosis %q", report.Diagnosis)
	}
	if report.Stage != F4 {
		t.Fatalf("expected stage F4, got %s", report.Stage)
	}
}

func TestInterpretTieGoesToLowestIndex(t *testing.T) {
	report := Interpret(NewVector(0.50, 0.50, 0, 0, 0))
	if report.Diagnosis != "F0 - Sin fibrosis" {
		t.Fatalf("unexpected diagnosis %q", report.Diagnosis)
	}
}

func TestSelectLowestIndexAmongMaxima(t *testing.T) {
	cases := []struct {
		name   string
		vector Vector
		want   int
	}{
		{"single max", NewVector(0.1, 0.7, 0.1, 0.05, 0.05), 1},
		{"tie middle", NewVector(0.1, 0.2, 0.3, 0.3, 0.1), 2},
		{"tie non adjacent", NewVector(0.4, 0.1, 0.0, 0.1, 0.4), 0},
		{"all equal", NewVector(0.2, 0.2, 0.2, 0.2, 0.2), 0},
		{"last wins when strictly larger", NewVector(0, 0, 0, 0, 0.01), 4},
		{"malformed coerced before compare", Vector{"abc", "", "0.2", "0.2", "-1"}, 2},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := Select(tc.vector); got != tc.want {
				t.Fatalf("expected %d, got %d", tc.want, got)
			}
		})
	}
}

func TestSelectEmpty(t *testing.T) {
	if got := Select(nil); got != -1 {
		t.Fatalf("expected -1, got %d", got)
	}
}

func TestFormatPercent(t *testing.T) {
	cases := map[Entry]string{
		"0.5":     "50.00%",
		"":        "0.00%",
		"abc":     "0.00%",
		" 0.25":   "25.00%",
		"1":       "100.00%",
		"NaN":     "0.00%",
		"-0":      "0.00%",
		"0.123":   "12.30%",
		"0x1p-1":  "0.00%",
		"-0X1P-1": "0.00%",
		"Inf":     "0.00%",
	}
	for in, want := range cases {
		if got := FormatPercent(in); got != want {
			t.Fatalf("FormatPercent(%q) = %s, want %s", in, got, want)
		}
	}
}

func TestInterpretPadsShortVector(t *testing.T) {
	report := Interpret(NewVector(0.2, 0.8))
	if len(report.Findings) != StageCount {
		t.Fatalf("expected %d findings, got %d", StageCount, len(report.Findings))
	}
	if report.Findings[4].Percent != "0.00%" {
		t.Fatalf("expected padded finding to be 0.00%%, got %s", report.Findings[4].Percent)
	}
	if report.Stage != F1 {
		t.Fatalf("expected F1, got %s", report.Stage)
	}
}

func TestVectorDecodesMixedEntries(t *testing.T) {
	var v Vector
	if err := json.Unmarshal([]byte(`[0.1, "0.3", null, "oops", 0.2]`), &v); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	got := v.Floats()
	want := []float64{0.1, 0.3, 0, 0, 0.2}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("entry %d: expected %v, got %v", i, want[i], got[i])
		}
	}
	if v[3].Valid() {
		t.Fatal("expected malformed entry to be invalid")
	}
	if Select(v) != 1 {
		t.Fatalf("expected index 1, got %d", Select(v))
	}
}
