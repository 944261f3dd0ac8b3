package matching

import (
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
)

// SavedSearch is one save_search_results call.
type SavedSearch struct {
	ID        string         `json:"id"`
	PatientID string         `json:"patient_id"`
	Criteria  map[string]any `json:"search_criteria"`
	Trials    []string       `json:"matched_trials"`
	SavedAt   time.Time      `json:"saved_at"`
}

// SavedSearches holds saved results in memory for the life of the
// process. Safe for concurrent use.
type SavedSearches struct {
	mu      sync.Mutex
	entries []SavedSearch
}

// NewSavedSearches returns an empty set.
func NewSavedSearches() *SavedSearches {
	return &SavedSearches{}
}

// Add records s, assigning an ID when it has none.
func (s *SavedSearches) Add(rec SavedSearch) SavedSearch {
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	rec.Trials = slices.Clone(rec.Trials)

	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries = append(s.entries, rec)
	return rec
}

// ByPatient returns the searches saved for patientID, oldest first.
func (s *SavedSearches) ByPatient(patientID string) []SavedSearch {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []SavedSearch
	for _, e := range s.entries {
		if e.PatientID == patientID {
			out = append(out, e)
		}
	}
	return out
}

// Len reports how many searches have been saved.
func (s *SavedSearches) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}
