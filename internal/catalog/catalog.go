// Package catalog holds the canonical set of predefined practice cases.
package catalog

import (
	"crypto/sha256"
	_ "embed"
	"encoding/hex"
	"encoding/json"
	"fmt"

	"github.com/pavelanni/prognosis/internal/model"
)

//go:embed cases.json
var casesJSON []byte

// Load parses the embedded catalog. Every returned case is tagged predefined.
func Load() ([]model.Case, error) {
	var cases []model.Case
	if err := json.Unmarshal(casesJSON, &cases); err != nil {
		return nil, fmt.Errorf("parse catalog: %w", err)
	}
	for i := range cases {
		cases[i].CaseType = model.CaseTypePredefined
	}
	return cases, nil
}

// Hash identifies the catalog revision so seeding can skip an unchanged catalog.
func Hash() string {
	h := sha256.Sum256(casesJSON)
	return hex.EncodeToString(h[:])
}

// Fallback is the degenerate case used when AI case synthesis fails.
func Fallback() model.Case {
	return model.Case{
		PatientName:    "Generated Patient",
		Age:            45,
		Gender:         "Male",
		ChiefComplaint: "General malaise",
		Vitals: model.Vitals{
			BloodPressure:    "120/80",
			HeartRate:        80,
			Temperature:      98.6,
			RespiratoryRate:  16,
			OxygenSaturation: 98,
		},
		History:           "No significant medical history",
		SystemInstruction: "You are a patient with general symptoms. Answer questions about feeling unwell.",
		CorrectDiagnosis:  "Further evaluation needed",
		CorrectTreatment:  "Comprehensive history and physical examination",
		CaseType:          model.CaseTypeAIGenerated,
	}
}
