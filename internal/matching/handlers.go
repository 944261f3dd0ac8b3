package matching

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/mitchellh/mapstructure"

	"github.com/nugget/trialmatch/internal/tools"
	"github.com/nugget/trialmatch/internal/trials"
)

// Eligibility age window used by the screening stand-in.
const (
	MinEligibleAge = 18
	MaxEligibleAge = 75
)

// TrialSource looks studies up. *trials.Client satisfies it.
type TrialSource interface {
	SearchStudies(ctx context.Context, p trials.SearchParams) (*trials.SearchResult, error)
	StudyDetails(ctx context.Context, nctID string) (*trials.StudyDetails, error)
}

// Deps are the collaborators the handlers need.
type Deps struct {
	Trials TrialSource
	Saved  *SavedSearches
	Logger *slog.Logger

	// Now defaults to time.Now.
	Now func() time.Time
}

// Register adds all five tools to reg.
func Register(reg *tools.Registry, deps Deps) error {
	if deps.Trials == nil {
		return errors.New("matching: trial source is required")
	}
	if deps.Saved == nil {
		deps.Saved = NewSavedSearches()
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if deps.Now == nil {
		deps.Now = time.Now
	}
	h := &handlers{deps: deps, logger: deps.Logger.With("component", "matching")}

	byName := map[string]tools.HandlerFunc{
		ToolSearch:      h.search,
		ToolEligibility: h.eligibility,
		ToolRank:        h.rank,
		ToolSave:        h.save,
		ToolDetails:     h.details,
	}
	for _, def := range Definitions() {
		if err := reg.Register(def, byName[def.Name]); err != nil {
			return fmt.Errorf("matching: register %s: %w", def.Name, err)
		}
	}
	return nil
}

type handlers struct {
	deps   Deps
	logger *slog.Logger
}

// decode copies validated tool input into a typed argument struct.
func decode(input map[string]any, into any) error {
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:           into,
		WeaklyTypedInput: true,
	})
	if err != nil {
		return err
	}
	if err := dec.Decode(input); err != nil {
		return fmt.Errorf("decode arguments: %w", err)
	}
	return nil
}

type searchArgs struct {
	Condition        string `mapstructure:"condition"`
	Location         string `mapstructure:"location"`
	RecruitingStatus string `mapstructure:"recruiting_status"`
	MaxResults       int    `mapstructure:"max_results"`
}

func (h *handlers) search(ctx context.Context, input map[string]any) (any, error) {
	args := searchArgs{RecruitingStatus: "recruiting", MaxResults: 20}
	if err := decode(input, &args); err != nil {
		return nil, err
	}
	return h.deps.Trials.SearchStudies(ctx, trials.SearchParams{
		Condition:  args.Condition,
		Location:   args.Location,
		Status:     args.RecruitingStatus,
		MaxResults: args.MaxResults,
	})
}

type eligibilityArgs struct {
	TrialIDs   []string `mapstructure:"trial_ids"`
	Age        int      `mapstructure:"patient_age"`
	Gender     string   `mapstructure:"patient_gender"`
	Conditions []string `mapstructure:"conditions"`
}

// EligibilityVerdict is the screening result for one trial.
type EligibilityVerdict struct {
	NCTID    string `json:"nct_id"`
	Eligible bool   `json:"eligible"`
	Reason   string `json:"reason"`
}

// EligibilityResult is check_eligibility's payload.
type EligibilityResult struct {
	EligibleCount int                  `json:"eligible_count"`
	Eligible      []EligibilityVerdict `json:"eligible_trials"`
	Ineligible    []EligibilityVerdict `json:"ineligible_trials"`
}

func (h *handlers) eligibility(_ context.Context, input map[string]any) (any, error) {
	var args eligibilityArgs
	if err := decode(input, &args); err != nil {
		return nil, err
	}
	return screen(args.TrialIDs, args.Age), nil
}

// screen applies the age window to every trial.
func screen(ids []string, age int) EligibilityResult {
	res := EligibilityResult{
		Eligible:   []EligibilityVerdict{},
		Ineligible: []EligibilityVerdict{},
	}
	for _, id := range ids {
		if age >= MinEligibleAge && age <= MaxEligibleAge {
			res.Eligible = append(res.Eligible, EligibilityVerdict{
				NCTID:    id,
				Eligible: true,
				Reason:   fmt.Sprintf("Meets age criteria (%d-%d)", MinEligibleAge, MaxEligibleAge),
			})
			continue
		}
		res.Ineligible = append(res.Ineligible, EligibilityVerdict{
			NCTID:  id,
			Reason: fmt.Sprintf("Age %d outside range (%d-%d)", age, MinEligibleAge, MaxEligibleAge),
		})
	}
	res.EligibleCount = len(res.Eligible)
	return res
}

type rankArgs struct {
	TrialIDs []string           `mapstructure:"eligible_trial_ids"`
	Location string             `mapstructure:"patient_location"`
	Weights  map[string]float64 `mapstructure:"preference_weights"`
}

// RankedTrial is one entry of rank_trials' payload.
type RankedTrial struct {
	NCTID          string  `json:"nct_id"`
	Rank           int     `json:"rank"`
	RelevanceScore float64 `json:"relevance_score"`
	DistanceMiles  int     `json:"distance_miles"`
	Reason         string  `json:"reason"`
}

// RankResult is rank_trials' payload.
type RankResult struct {
	Ranked []RankedTrial `json:"ranked_trials"`
}

func (h *handlers) rank(_ context.Context, input map[string]any) (any, error) {
	var args rankArgs
	if err := decode(input, &args); err != nil {
		return nil, err
	}
	return rankInOrder(args.TrialIDs), nil
}

// rankInOrder keeps the given order and assigns descending scores.
func rankInOrder(ids []string) RankResult {
	res := RankResult{Ranked: make([]RankedTrial, 0, len(ids))}
	for i, id := range ids {
		score := math.Round((0.95-float64(i)*0.1)*100) / 100
		res.Ranked = append(res.Ranked, RankedTrial{
			NCTID:          id,
			Rank:           i + 1,
			RelevanceScore: max(score, 0),
			DistanceMiles:  5 + i*3,
			Reason:         "High relevance, close proximity",
		})
	}
	return res
}

type saveArgs struct {
	PatientID string         `mapstructure:"patient_id"`
	Criteria  map[string]any `mapstructure:"search_criteria"`
	Trials    []string       `mapstructure:"matched_trials"`
}

// SaveResult is save_search_results' payload.
type SaveResult struct {
	Saved       bool   `json:"saved"`
	ID          string `json:"id"`
	PatientID   string `json:"patient_id"`
	Timestamp   string `json:"timestamp"`
	TrialsSaved int    `json:"trials_saved"`
}

func (h *handlers) save(_ context.Context, input map[string]any) (any, error) {
	var args saveArgs
	if err := decode(input, &args); err != nil {
		return nil, err
	}
	rec := h.deps.Saved.Add(SavedSearch{
		PatientID: args.PatientID,
		Criteria:  args.Criteria,
		Trials:    args.Trials,
		SavedAt:   h.deps.Now().UTC(),
	})
	h.logger.Info("search results saved",
		"patient_id", rec.PatientID,
		"trials", len(rec.Trials),
	)
	return SaveResult{
		Saved:       true,
		ID:          rec.ID,
		PatientID:   rec.PatientID,
		Timestamp:   rec.SavedAt.Format(time.RFC3339),
		TrialsSaved: len(rec.Trials),
	}, nil
}

type detailsArgs struct {
	NCTID string `mapstructure:"nct_id"`
}

func (h *handlers) details(ctx context.Context, input map[string]any) (any, error) {
	var args detailsArgs
	if err := decode(input, &args); err != nil {
		return nil, err
	}
	return h.deps.Trials.StudyDetails(ctx, args.NCTID)
}
