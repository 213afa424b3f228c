// Package prompts renders the patient role-play, feedback and case synthesis
// prompts and parses synthesized cases out of free-form model output.
package prompts

import (
	"bytes"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"text/template"
	"unicode/utf8"

	"github.com/pavelanni/prognosis/internal/model"
)

//go:embed templates/*.tmpl
var templateFS embed.FS

var templates = template.Must(template.ParseFS(templateFS, "templates/*.tmpl"))

const maxInputRunes = 10000

var (
	delimiterTagRegex = regexp.MustCompile(`(?i)</?\s*(student|patient|system-instructions)\b[^>]*>`)
	jsonObjectRegex   = regexp.MustCompile(`\{[\s\S]*\}`)
)

// ErrNoJSON is returned when model output contains no JSON object.
var ErrNoJSON = errors.New("no JSON object in model output")

// PatientData holds template data for the patient role-play prompt.
type PatientData struct {
	Case       model.Case
	Transcript string
	Question   string
}

// FeedbackData holds template data for the feedback prompt.
type FeedbackData struct {
	Case      model.Case
	Diagnosis string
	Treatment string
}

// SynthesisData holds template data for the case synthesis prompt.
type SynthesisData struct {
	Exclude []string
}

func render(name string, data any) (string, error) {
	var buf bytes.Buffer
	if err := templates.ExecuteTemplate(&buf, name, data); err != nil {
		return "", fmt.Errorf("render %s: %w", name, err)
	}
	return buf.String(), nil
}

// BuildPatientPrompt builds the prompt that makes the model answer the new
// question in character as the case's patient.
func BuildPatientPrompt(c model.Case, transcript []model.Turn, question string) (string, error) {
	return render("patient.tmpl", PatientData{
		Case:       c,
		Transcript: FlattenTranscript(transcript),
		Question:   Sanitize(question),
	})
}

// BuildFeedbackPrompt builds the educator feedback prompt for a submission.
func BuildFeedbackPrompt(c model.Case, diagnosis, treatment string) (string, error) {
	return render("feedback.tmpl", FeedbackData{
		Case:      c,
		Diagnosis: Sanitize(diagnosis),
		Treatment: Sanitize(treatment),
	})
}

// BuildSynthesisPrompt builds the prompt asking for a new case whose diagnosis
// differs from every entry in exclude.
func BuildSynthesisPrompt(exclude []string) (string, error) {
	return render("synthesis.tmpl", SynthesisData{Exclude: exclude})
}

// FlattenTranscript renders prior turns as alternating Student/Patient lines.
func FlattenTranscript(turns []model.Turn) string {
	var sb strings.Builder
	for _, t := range turns {
		sb.WriteString("Student: " + Sanitize(t.Question) + "\n")
		sb.WriteString("Patient: " + t.Answer + "\n\n")
	}
	return sb.String()
}

// ExtractJSON returns the outermost {...} span of text.
func ExtractJSON(text string) (string, error) {
	m := jsonObjectRegex.FindString(text)
	if m == "" {
		return "", ErrNoJSON
	}
	return m, nil
}

// ParseCase extracts a synthesized case from model output. The result is
// always tagged ai_generated.
func ParseCase(text string) (model.Case, error) {
	var c model.Case
	raw, err := ExtractJSON(text)
	if err != nil {
		return c, err
	}
	if err := json.Unmarshal([]byte(raw), &c); err != nil {
		return c, fmt.Errorf("parse synthesized case: %w", err)
	}
	if c.PatientName == "" || c.CorrectDiagnosis == "" || c.CorrectTreatment == "" {
		return c, errors.New("synthesized case is missing required fields")
	}
	c.ID = ""
	c.Key = ""
	c.CaseType = model.CaseTypeAIGenerated
	return c, nil
}

// Sanitize strips prompt delimiter tags from student input and truncates it.
func Sanitize(input string) string {
	input = delimiterTagRegex.ReplaceAllString(input, "")
	input = strings.TrimSpace(input)

	if input == "" {
		return "[No answer provided]"
	}

	if utf8.RuneCountInString(input) > maxInputRunes {
		runes := []rune(input)
		input = string(runes[:maxInputRunes]) + "\n\n[Input truncated due to length]"
	}

	return input
}
