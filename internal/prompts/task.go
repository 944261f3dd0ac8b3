package prompts

import (
	"encoding/json"
	"fmt"
)

const taskTemplate = `Find clinical trials for a patient with the following criteria:

%s

Please autonomously search, filter, and rank trials. Show me your step-by-step reasoning.`

// TaskPrompt renders the opening user message for a run. criteria is
// any JSON-encodable record of the patient's search criteria.
func TaskPrompt(criteria any) (string, error) {
	b, err := json.MarshalIndent(criteria, "", "  ")
	if err != nil {
		return "", fmt.Errorf("encode patient criteria: %w", err)
	}
	return fmt.Sprintf(taskTemplate, b), nil
}
