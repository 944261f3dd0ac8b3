package matching

import "github.com/nugget/trialmatch/internal/tools"

// Tool names as the model sees them.
const (
	ToolSearch      = "search_clinical_trials"
	ToolEligibility = "check_eligibility"
	ToolRank        = "rank_trials"
	ToolSave        = "save_search_results"
	ToolDetails     = "get_trial_details"
)

// RecruitingStatuses are the values search_clinical_trials accepts.
var RecruitingStatuses = []string{"recruiting", "not_yet_recruiting", "active", "all"}

// Definitions returns the five tool definitions in the order they are
// offered to the model.
func Definitions() []tools.ToolDefinition {
	return []tools.ToolDefinition{
		{
			Name:        ToolSearch,
			Description: "Search ClinicalTrials.gov for trials matching patient condition and location. Use this first to find potential trials.",
			Params: []tools.Param{
				{Name: "condition", Type: tools.TypeString, Required: true,
					Description: "Medical condition (e.g., 'NAFLD', 'Type 2 Diabetes', 'Breast Cancer')"},
				{Name: "location", Type: tools.TypeString, Required: true,
					Description: "Patient location (city, state or zip code)"},
				{Name: "recruiting_status", Type: tools.TypeString, Enum: RecruitingStatuses,
					Description: "Trial recruitment status filter"},
				{Name: "max_results", Type: tools.TypeInteger,
					Description: "Maximum number of trials to return (default 20)"},
			},
		},
		{
			Name:        ToolEligibility,
			Description: "Check if patient meets basic eligibility criteria for specific trials. Use after search to filter trials.",
			Params: []tools.Param{
				{Name: "trial_ids", Type: tools.TypeArray, Items: tools.TypeString, Required: true,
					Description: "List of NCT IDs to check"},
				{Name: "patient_age", Type: tools.TypeInteger, Required: true,
					Description: "Patient age in years"},
				{Name: "patient_gender", Type: tools.TypeString, Required: true,
					Enum: []string{"male", "female", "all"}, Description: "Patient gender"},
				{Name: "conditions", Type: tools.TypeArray, Items: tools.TypeString,
					Description: "Patient's medical conditions"},
			},
		},
		{
			Name:        ToolRank,
			Description: "Rank eligible trials by relevance to patient. Consider distance, phase, enrollment status. Use after eligibility filtering.",
			Params: []tools.Param{
				{Name: "eligible_trial_ids", Type: tools.TypeArray, Items: tools.TypeString, Required: true,
					Description: "List of NCT IDs that patient is eligible for"},
				{Name: "patient_location", Type: tools.TypeString,
					Description: "Patient location for distance calculation"},
				{Name: "preference_weights", Type: tools.TypeObject,
					Description: "Optional weights for ranking factors",
					Properties: []tools.Param{
						{Name: "distance", Type: tools.TypeNumber},
						{Name: "phase", Type: tools.TypeNumber},
						{Name: "enrollment", Type: tools.TypeNumber},
					}},
			},
		},
		{
			Name:        ToolSave,
			Description: "Save search results to database for future monitoring. Use at end of successful search.",
			Params: []tools.Param{
				{Name: "patient_id", Type: tools.TypeString, Required: true,
					Description: "Unique patient identifier"},
				{Name: "search_criteria", Type: tools.TypeObject, Required: true,
					Description: "Original search parameters"},
				{Name: "matched_trials", Type: tools.TypeArray, Items: tools.TypeString, Required: true,
					Description: "List of NCT IDs that matched"},
			},
		},
		{
			Name:        ToolDetails,
			Description: "Get detailed information about specific trials. Use when user wants to learn more about a specific trial.",
			Params: []tools.Param{
				{Name: "nct_id", Type: tools.TypeString, Required: true,
					Description: "NCT identifier for the trial"},
			},
		},
	}
}
