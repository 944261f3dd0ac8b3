package agent

import (
	"slices"
	"strings"
)

// Genders accepted in PatientCriteria.Gender.
var Genders = []string{"male", "female", "all"}

// PatientCriteria is the task input for one matching run.
type PatientCriteria struct {
	PatientID  string   `json:"patient_id"`
	Age        int      `json:"age"`
	Gender     string   `json:"gender"`
	Conditions []string `json:"conditions"`
	Location   string   `json:"location"`
}

// Validate reports the first problem that makes c unusable as a run
// input. An empty gender is accepted and left for the model to treat
// as unrestricted.
func (c PatientCriteria) Validate() error {
	if strings.TrimSpace(c.PatientID) == "" {
		return &TaskInputError{Field: "patient_id", Reason: "is required"}
	}
	hasCondition := slices.ContainsFunc(c.Conditions, func(s string) bool {
		return strings.TrimSpace(s) != ""
	})
	if !hasCondition {
		return &TaskInputError{Field: "conditions", Reason: "must list at least one condition"}
	}
	if c.Age < 0 || c.Age > 150 {
		return &TaskInputError{Field: "age", Reason: "must be between 0 and 150"}
	}
	if c.Gender != "" && !slices.Contains(Genders, c.Gender) {
		return &TaskInputError{Field: "gender", Reason: "must be one of male, female, all"}
	}
	return nil
}
