package api

import (
	"bytes"
	"fmt"
	"html"
	"net/http"
	"strings"
	"time"

	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/extension"

	"github.com/nugget/trialmatch/internal/agent"
)

// reportMarkdown renders GFM so tables in model answers survive. Raw
// HTML in the answer is omitted.
var reportMarkdown = goldmark.New(goldmark.WithExtensions(extension.GFM))

func (s *Server) handleSearchReport(w http.ResponseWriter, r *http.Request) {
	out, ok := s.lookup(w, r)
	if !ok {
		return
	}
	page, err := renderReport(out)
	if err != nil {
		s.logger.Error("render report failed", "run_id", out.RunID, "error", err)
		s.errorResponse(w, http.StatusInternalServerError, "failed to render report")
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	if _, err := w.Write([]byte(page)); err != nil {
		s.logger.Debug("failed to write report", "error", err)
	}
}

// reportSource builds the markdown source of a run report.
func reportSource(o *agent.Outcome) string {
	var b strings.Builder
	fmt.Fprintf(&b, "# Trial search for patient %s\n\n", o.PatientID)
	fmt.Fprintf(&b, "- **Run:** `%s`\n", o.RunID)
	fmt.Fprintf(&b, "- **Status:** %s\n", o.Status)
	fmt.Fprintf(&b, "- **Conditions:** %s\n", strings.Join(o.Criteria.Conditions, ", "))
	if o.Criteria.Location != "" {
		fmt.Fprintf(&b, "- **Location:** %s\n", o.Criteria.Location)
	}
	fmt.Fprintf(&b, "- **Iterations:** %d\n", o.Iterations)
	fmt.Fprintf(&b, "- **Started:** %s\n", o.StartedAt.UTC().Format(time.RFC1123))
	fmt.Fprintf(&b, "- **Duration:** %s\n\n", o.Duration().Round(time.Millisecond))

	if o.Success {
		b.WriteString("## Results\n\n")
		b.WriteString(o.FinalResponse)
		b.WriteString("\n")
	} else {
		b.WriteString("## Search did not complete\n\n")
		fmt.Fprintf(&b, "    %s\n", o.Error)
	}
	return b.String()
}

// renderReport converts a run report to a standalone HTML page.
func renderReport(o *agent.Outcome) (string, error) {
	var buf bytes.Buffer
	if err := reportMarkdown.Convert([]byte(reportSource(o)), &buf); err != nil {
		return "", err
	}

	return fmt.Sprintf(`<!DOCTYPE html>
<html><head><meta charset="utf-8"><title>Trial search %s</title></head>
<body style="font-family: sans-serif; font-size: 14px; line-height: 1.5; max-width: 960px; margin: auto;">
%s
</body></html>`, html.EscapeString(o.RunID), buf.String()), nil
}
