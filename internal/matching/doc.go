// Package matching provides the clinical-trial matching tools the
// agent plans with: search, eligibility screening, ranking, saving and
// detail lookup. Eligibility, ranking and saving are simple stand-ins;
// search and details query ClinicalTrials.gov.
package matching
