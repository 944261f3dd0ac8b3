// Package trials is a client for the ClinicalTrials.gov v2 studies API.
package trials

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/nugget/trialmatch/internal/httpkit"
)

// DefaultBaseURL is the public studies endpoint.
const DefaultBaseURL = "https://clinicaltrials.gov/api/v2/studies"

// maxPageSize is the largest page the API serves.
const maxPageSize = 100

// searchFields limits search responses to what Trial needs.
const searchFields = "NCTId,BriefTitle,OverallStatus,Phase,LocationCity,LocationState,LocationFacility"

// ErrStudyNotFound is returned by StudyDetails when no study matches.
var ErrStudyNotFound = errors.New("study not found")

// Config configures a Client.
type Config struct {
	BaseURL    string
	Timeout    time.Duration
	Retries    int
	RetryDelay time.Duration
}

// Client queries ClinicalTrials.gov. Transient dial failures are
// retried by the HTTP layer; every other failure is returned as is.
type Client struct {
	baseURL    string
	httpClient *http.Client
	logger     *slog.Logger
}

// NewClient creates a client.
func NewClient(cfg Config, logger *slog.Logger) *Client {
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultBaseURL
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "trials")

	opts := []httpkit.ClientOption{
		httpkit.WithTimeout(cfg.Timeout),
		httpkit.WithLogger(logger),
	}
	if cfg.Retries > 0 {
		opts = append(opts, httpkit.WithRetry(cfg.Retries, cfg.RetryDelay))
	}

	return &Client{
		baseURL:    strings.TrimRight(cfg.BaseURL, "/"),
		httpClient: httpkit.NewClient(opts...),
		logger:     logger,
	}
}

// SearchParams narrows a study search. Status is one of recruiting,
// not_yet_recruiting, active or all; anything else means recruiting.
type SearchParams struct {
	Condition  string
	Location   string
	Status     string
	MaxResults int
}

// Trial is the summary of one study in a search result.
type Trial struct {
	NCTID    string `json:"nct_id"`
	Title    string `json:"title"`
	Status   string `json:"status"`
	Phase    string `json:"phase"`
	Location string `json:"location"`
}

// SearchResult is one page of matching studies.
type SearchResult struct {
	TrialsFound    int     `json:"trials_found"`
	Trials         []Trial `json:"trials"`
	TotalAvailable int     `json:"total_available"`
}

// Location is a study site.
type Location struct {
	Facility string `json:"facility,omitempty"`
	Status   string `json:"status,omitempty"`
	City     string `json:"city,omitempty"`
	State    string `json:"state,omitempty"`
	Zip      string `json:"zip,omitempty"`
	Country  string `json:"country,omitempty"`
}

// Contact is a central study contact.
type Contact struct {
	Name  string `json:"name,omitempty"`
	Role  string `json:"role,omitempty"`
	Phone string `json:"phone,omitempty"`
	Email string `json:"email,omitempty"`
}

// StudyDetails is the full record of one study.
type StudyDetails struct {
	NCTID               string     `json:"nct_id"`
	Title               string     `json:"title"`
	Description         string     `json:"description"`
	DetailedDescription string     `json:"detailed_description"`
	EligibilityCriteria string     `json:"eligibility_criteria"`
	MinAge              string     `json:"min_age"`
	MaxAge              string     `json:"max_age"`
	Gender              string     `json:"gender"`
	Locations           []Location `json:"locations"`
	Contacts            []Contact  `json:"contacts"`
}

// API wire types. Only the fields we read are declared.

type studiesResponse struct {
	Studies    []study `json:"studies"`
	TotalCount int     `json:"totalCount"`
}

type study struct {
	ProtocolSection struct {
		IdentificationModule struct {
			NCTID      string `json:"nctId"`
			BriefTitle string `json:"briefTitle"`
		} `json:"identificationModule"`
		StatusModule struct {
			OverallStatus string `json:"overallStatus"`
		} `json:"statusModule"`
		DesignModule struct {
			Phases []string `json:"phases"`
		} `json:"designModule"`
		DescriptionModule struct {
			BriefSummary        string `json:"briefSummary"`
			DetailedDescription string `json:"detailedDescription"`
		} `json:"descriptionModule"`
		EligibilityModule struct {
			EligibilityCriteria string `json:"eligibilityCriteria"`
			MinimumAge          string `json:"minimumAge"`
			MaximumAge          string `json:"maximumAge"`
			Sex                 string `json:"sex"`
		} `json:"eligibilityModule"`
		ContactsLocationsModule struct {
			Locations       []Location `json:"locations"`
			CentralContacts []Contact  `json:"centralContacts"`
		} `json:"contactsLocationsModule"`
	} `json:"protocolSection"`
}

// apiStatus maps a tool-level status to the API's OverallStatus value.
// An empty return means no status filter.
func apiStatus(s string) string {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "not_yet_recruiting":
		return "NOT_YET_RECRUITING"
	case "active":
		return "ACTIVE_NOT_RECRUITING"
	case "all":
		return ""
	default:
		return "RECRUITING"
	}
}

func searchTerm(p SearchParams) string {
	parts := []string{"AREA[ConditionSearch]" + p.Condition}
	if p.Location != "" {
		parts = append(parts, "AREA[LocationSearch]"+p.Location)
	}
	if status := apiStatus(p.Status); status != "" {
		parts = append(parts, "AREA[OverallStatus]"+status)
	}
	return strings.Join(parts, " AND ")
}

// SearchStudies returns studies matching p.
func (c *Client) SearchStudies(ctx context.Context, p SearchParams) (*SearchResult, error) {
	if strings.TrimSpace(p.Condition) == "" {
		return nil, errors.New("trials: condition is required")
	}
	size := p.MaxResults
	if size <= 0 {
		size = 20
	}
	size = min(size, maxPageSize)

	params := url.Values{
		"query.term": {searchTerm(p)},
		"pageSize":   {strconv.Itoa(size)},
		"format":     {"json"},
		"fields":     {searchFields},
	}

	var sr studiesResponse
	if err := c.get(ctx, params, &sr); err != nil {
		return nil, err
	}

	trials := make([]Trial, 0, len(sr.Studies))
	for _, s := range sr.Studies {
		ps := s.ProtocolSection
		phase := "N/A"
		if len(ps.DesignModule.Phases) > 0 {
			phase = strings.Join(ps.DesignModule.Phases, ", ")
		}
		trials = append(trials, Trial{
			NCTID:    ps.IdentificationModule.NCTID,
			Title:    ps.IdentificationModule.BriefTitle,
			Status:   ps.StatusModule.OverallStatus,
			Phase:    phase,
			Location: firstLocation(ps.ContactsLocationsModule.Locations),
		})
	}

	c.logger.Debug("search complete",
		"condition", p.Condition,
		"location", p.Location,
		"found", len(trials),
		"total", sr.TotalCount,
	)
	return &SearchResult{
		TrialsFound:    len(trials),
		Trials:         trials,
		TotalAvailable: sr.TotalCount,
	}, nil
}

func firstLocation(locs []Location) string {
	if len(locs) == 0 {
		return "Location not specified"
	}
	l := locs[0]
	switch {
	case l.City != "" && l.State != "":
		return l.City + ", " + l.State
	case l.State != "":
		return l.State
	default:
		return "Location not specified"
	}
}

// Ping asks for a single study identifier to confirm the registry is
// answering.
func (c *Client) Ping(ctx context.Context) error {
	params := url.Values{
		"pageSize": {"1"},
		"fields":   {"NCTId"},
		"format":   {"json"},
	}
	var sr studiesResponse
	return c.get(ctx, params, &sr)
}

// StudyDetails returns the full record for nctID. A study that does
// not exist yields an error wrapping ErrStudyNotFound.
func (c *Client) StudyDetails(ctx context.Context, nctID string) (*StudyDetails, error) {
	nctID = strings.TrimSpace(nctID)
	if nctID == "" {
		return nil, errors.New("trials: nct_id is required")
	}

	params := url.Values{
		"query.term": {"AREA[NCTId]" + nctID},
		"format":     {"json"},
	}

	var sr studiesResponse
	if err := c.get(ctx, params, &sr); err != nil {
		return nil, err
	}
	if len(sr.Studies) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrStudyNotFound, nctID)
	}

	ps := sr.Studies[0].ProtocolSection
	gender := ps.EligibilityModule.Sex
	if gender == "" {
		gender = "ALL"
	}
	return &StudyDetails{
		NCTID:               nctID,
		Title:               ps.IdentificationModule.BriefTitle,
		Description:         ps.DescriptionModule.BriefSummary,
		DetailedDescription: ps.DescriptionModule.DetailedDescription,
		EligibilityCriteria: ps.EligibilityModule.EligibilityCriteria,
		MinAge:              ps.EligibilityModule.MinimumAge,
		MaxAge:              ps.EligibilityModule.MaximumAge,
		Gender:              gender,
		Locations:           ps.ContactsLocationsModule.Locations,
		Contacts:            ps.ContactsLocationsModule.CentralContacts,
	}, nil
}

func (c *Client) get(ctx context.Context, params url.Values, into any) error {
	reqURL := c.baseURL + "?" + params.Encode()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return fmt.Errorf("trials: build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("trials: request failed: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		body := httpkit.ReadErrorBody(resp.Body, 512)
		return fmt.Errorf("trials: HTTP %d: %s", resp.StatusCode, body)
	}
	defer httpkit.DrainAndClose(resp.Body, 4096)

	if err := json.NewDecoder(resp.Body).Decode(into); err != nil {
		return fmt.Errorf("trials: decode response: %w", err)
	}
	return nil
}
