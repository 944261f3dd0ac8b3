package trials

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const searchBody = `{
  "totalCount": 42,
  "studies": [
    {"protocolSection": {
      "identificationModule": {"nctId": "NCT05000001", "briefTitle": "Semaglutide in NAFLD"},
      "statusModule": {"overallStatus": "RECRUITING"},
      "designModule": {"phases": ["PHASE2", "PHASE3"]},
      "contactsLocationsModule": {"locations": [
        {"facility": "UCHealth", "city": "Aurora", "state": "Colorado"},
        {"city": "Boston", "state": "Massachusetts"}
      ]}
    }},
    {"protocolSection": {
      "identificationModule": {"nctId": "NCT05000002", "briefTitle": "Diet and NASH"},
      "statusModule": {"overallStatus": "RECRUITING"},
      "contactsLocationsModule": {"locations": [{"state": "Colorado"}]}
    }},
    {"protocolSection": {
      "identificationModule": {"nctId": "NCT05000003", "briefTitle": "Registry study"}
    }}
  ]
}`

func newTestClient(t *testing.T, h http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	return NewClient(Config{BaseURL: srv.URL + "/api/v2/studies"}, nil)
}

func TestSearchStudies(t *testing.T) {
	var got url.Values
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/v2/studies", r.URL.Path)
		got = r.URL.Query()
		w.Write([]byte(searchBody))
	})

	res, err := c.SearchStudies(context.Background(), SearchParams{
		Condition:  "NAFLD",
		Location:   "Denver, CO",
		Status:     "recruiting",
		MaxResults: 250,
	})
	require.NoError(t, err)

	assert.Equal(t, "AREA[ConditionSearch]NAFLD AND AREA[LocationSearch]Denver, CO AND AREA[OverallStatus]RECRUITING", got.Get("query.term"))
	assert.Equal(t, "100", got.Get("pageSize"), "page size is capped")
	assert.Equal(t, "json", got.Get("format"))
	assert.Equal(t, searchFields, got.Get("fields"))

	assert.Equal(t, 3, res.TrialsFound)
	assert.Equal(t, 42, res.TotalAvailable)
	require.Len(t, res.Trials, 3)
	assert.Equal(t, Trial{
		NCTID:    "NCT05000001",
		Title:    "Semaglutide in NAFLD",
		Status:   "RECRUITING",
		Phase:    "PHASE2, PHASE3",
		Location: "Aurora, Colorado",
	}, res.Trials[0])
	assert.Equal(t, "Colorado", res.Trials[1].Location)
	assert.Equal(t, "N/A", res.Trials[1].Phase)
	assert.Equal(t, "Location not specified", res.Trials[2].Location)
}

func TestSearchTerm_StatusMapping(t *testing.T) {
	tests := []struct {
		status string
		want   string
	}{
		{"recruiting", " AND AREA[OverallStatus]RECRUITING"},
		{"not_yet_recruiting", " AND AREA[OverallStatus]NOT_YET_RECRUITING"},
		{"active", " AND AREA[OverallStatus]ACTIVE_NOT_RECRUITING"},
		{"ALL", ""},
		{"", " AND AREA[OverallStatus]RECRUITING"},
		{"withdrawn", " AND AREA[OverallStatus]RECRUITING"},
	}
	for _, tt := range tests {
		got := searchTerm(SearchParams{Condition: "NAFLD", Status: tt.status})
		assert.Equal(t, "AREA[ConditionSearch]NAFLD"+tt.want, got, "status %q", tt.status)
	}
}

func TestSearchStudies_DefaultPageSize(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "20", r.URL.Query().Get("pageSize"))
		w.Write([]byte(`{"studies": [], "totalCount": 0}`))
	})

	res, err := c.SearchStudies(context.Background(), SearchParams{Condition: "NAFLD"})
	require.NoError(t, err)
	assert.Zero(t, res.TrialsFound)
	assert.NotNil(t, res.Trials)
}

func TestSearchStudies_HTTPError(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "rate limited", http.StatusTooManyRequests)
	})

	_, err := c.SearchStudies(context.Background(), SearchParams{Condition: "NAFLD"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "HTTP 429")
	assert.Contains(t, err.Error(), "rate limited")
}

func TestSearchStudies_RequiresCondition(t *testing.T) {
	c := NewClient(Config{BaseURL: "http://127.0.0.1:1"}, nil)
	_, err := c.SearchStudies(context.Background(), SearchParams{Condition: " "})
	assert.Error(t, err)
}

func TestStudyDetails(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "AREA[NCTId]NCT05000001", r.URL.Query().Get("query.term"))
		w.Write([]byte(`{"studies": [{"protocolSection": {
			"identificationModule": {"nctId": "NCT05000001", "briefTitle": "Semaglutide in NAFLD"},
			"descriptionModule": {"briefSummary": "Short.", "detailedDescription": "Long."},
			"eligibilityModule": {"eligibilityCriteria": "Adults with NAFLD", "minimumAge": "18 Years", "maximumAge": "75 Years"},
			"contactsLocationsModule": {
				"locations": [{"facility": "UCHealth", "city": "Aurora", "state": "Colorado", "country": "United States"}],
				"centralContacts": [{"name": "Study Desk", "phone": "555-0100"}]
			}
		}}]}`))
	})

	d, err := c.StudyDetails(context.Background(), "NCT05000001")
	require.NoError(t, err)

	assert.Equal(t, "Semaglutide in NAFLD", d.Title)
	assert.Equal(t, "Short.", d.Description)
	assert.Equal(t, "Long.", d.DetailedDescription)
	assert.Equal(t, "18 Years", d.MinAge)
	assert.Equal(t, "ALL", d.Gender, "missing sex defaults to ALL")
	require.Len(t, d.Locations, 1)
	assert.Equal(t, "UCHealth", d.Locations[0].Facility)
	require.Len(t, d.Contacts, 1)
	assert.Equal(t, "Study Desk", d.Contacts[0].Name)
}

func TestStudyDetails_NotFound(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"studies": []}`))
	})

	_, err := c.StudyDetails(context.Background(), "NCT00000000")
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrStudyNotFound))
	assert.True(t, strings.Contains(err.Error(), "NCT00000000"))
}

func TestPing(t *testing.T) {
	var got url.Values
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		got = r.URL.Query()
		w.Write([]byte(`{"totalCount": 1, "studies": [{"protocolSection": {"identificationModule": {"nctId": "NCT00000001"}}}]}`))
	})
	require.NoError(t, c.Ping(context.Background()))
	assert.Equal(t, "1", got.Get("pageSize"))
	assert.Equal(t, "NCTId", got.Get("fields"))

	down := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "maintenance", http.StatusServiceUnavailable)
	})
	err := down.Ping(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "HTTP 503")
}
