package catalog

import (
	"testing"

	"github.com/pavelanni/prognosis/internal/model"
)

func TestLoad(t *testing.T) {
	cases, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(cases) != 11 {
		t.Fatalf("expected 11 predefined cases, got %d", len(cases))
	}

	keys := make(map[string]bool)
	for _, c := range cases {
		if c.Key == "" {
			t.Errorf("case %q has no key", c.PatientName)
		}
		if keys[c.Key] {
			t.Errorf("duplicate key %q", c.Key)
		}
		keys[c.Key] = true

		if c.CaseType != model.CaseTypePredefined {
			t.Errorf("case %q: expected predefined, got %q", c.Key, c.CaseType)
		}
		if c.PatientName == "" || c.ChiefComplaint == "" || c.SystemInstruction == "" {
			t.Errorf("case %q: missing presentation fields", c.Key)
		}
		if c.CorrectDiagnosis == "" || c.CorrectTreatment == "" {
			t.Errorf("case %q: missing answer key", c.Key)
		}
		if c.Vitals.BloodPressure == "" || c.Vitals.HeartRate == 0 || c.Vitals.OxygenSaturation == 0 {
			t.Errorf("case %q: incomplete vitals %+v", c.Key, c.Vitals)
		}
	}
}

func TestHashStable(t *testing.T) {
	if Hash() != Hash() {
		t.Fatal("hash should be deterministic")
	}
	if len(Hash()) != 64 {
		t.Errorf("expected hex sha256, got %q", Hash())
	}
}

func TestFallback(t *testing.T) {
	fb := Fallback()
	if fb.ChiefComplaint != "General malaise" {
		t.Errorf("unexpected chief complaint %q", fb.ChiefComplaint)
	}
	if fb.CaseType != model.CaseTypeAIGenerated {
		t.Errorf("expected ai_generated, got %q", fb.CaseType)
	}
}
