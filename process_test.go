package pipeworker

import "testing"

func TestToCamelCase(t *testing.T) {
	cases := map[string]string{
		"spike_sorting":    "SpikeSorting",
		"__spike_sorting":  "SpikeSorting",
		"_ephys_session":   "EphysSession",
		"#session_lookup":  "SessionLookup",
		"~jobs":            "Jobs",
		"clustering":       "Clustering",
		"curated_unit_qc":  "CuratedUnitQc",
		"":                 "",
	}
	for in, want := range cases {
		if got := toCamelCase(in); got != want {
			t.Errorf("toCamelCase(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestStripPrefixes(t *testing.T) {
	t.Run("first matching prefix wins", func(t *testing.T) {
		got := stripPrefixes("lab_ephys", []string{"lab_", "main_"})
		if got != "ephys" {
			t.Errorf("got %q", got)
		}
	})
	t.Run("no match leaves the schema alone", func(t *testing.T) {
		got := stripPrefixes("ephys", []string{"lab_"})
		if got != "ephys" {
			t.Errorf("got %q", got)
		}
	})
	t.Run("empty prefix is ignored", func(t *testing.T) {
		got := stripPrefixes("ephys", []string{""})
		if got != "ephys" {
			t.Errorf("got %q", got)
		}
	})
}

func TestProcessDisplayName(t *testing.T) {
	got := processDisplayName("lab_ephys", "__spike_sorting", []string{"lab_"})
	if got != "ephys.SpikeSorting" {
		t.Errorf("got %q", got)
	}
}

func TestStaleActionValid(t *testing.T) {
	for _, a := range []StaleAction{StaleMarkError, StaleRemove, StaleReportOnly} {
		if !a.Valid() {
			t.Errorf("%q should be valid", a)
		}
	}
	if StaleAction("purge").Valid() {
		t.Error("unknown action accepted")
	}
}
