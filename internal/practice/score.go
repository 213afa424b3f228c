package practice

import (
	"strings"

	"github.com/pavelanni/prognosis/internal/model"
)

const (
	diagnosisHit  = 70
	diagnosisMiss = 30
	treatmentHit  = 20
	treatmentMiss = 10
	maxScore      = 100
)

// DiagnosisScore is 70 when the submission contains the correct diagnosis,
// ignoring case, and 30 otherwise.
func DiagnosisScore(submitted, correct string) int {
	if strings.Contains(strings.ToLower(submitted), strings.ToLower(correct)) {
		return diagnosisHit
	}
	return diagnosisMiss
}

// TreatmentScore is 20 when any whitespace-separated word of the correct
// treatment occurs anywhere in the submission, ignoring case, and 10
// otherwise. Common words such as "and" match too.
func TreatmentScore(submitted, correct string) int {
	submitted = strings.ToLower(submitted)
	for _, word := range strings.Fields(strings.ToLower(correct)) {
		if strings.Contains(submitted, word) {
			return treatmentHit
		}
	}
	return treatmentMiss
}

// Score grades a submission against the case's answer key. The result is
// always one of 40, 50, 80 or 90.
func Score(c model.Case, diagnosis, treatment string) int {
	return min(maxScore, DiagnosisScore(diagnosis, c.CorrectDiagnosis)+TreatmentScore(treatment, c.CorrectTreatment))
}
