// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/ManuGH/voxtrack/internal/api"
	"github.com/ManuGH/voxtrack/internal/classify"
)

func runStatusCLI(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("status", flag.ContinueOnError)
	fs.SetOutput(stderr)
	addr := fs.String("addr", "http://localhost:8089", "daemon base URL")
	filter := fs.String("filter", "all", "submission filter: all, processing, approved, rejected, quarantined")
	timeout := fs.Duration("timeout", 5*time.Second, "request timeout")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if _, ok := classify.ParseFilter(*filter); !ok {
		_, _ = fmt.Fprintf(stderr, "invalid filter %q\n", *filter)
		return 2
	}

	client := &http.Client{Timeout: *timeout}
	base := strings.TrimRight(*addr, "/")

	var status api.StatusResponse
	if err := getJSON(client, base+"/api/v1/status", &status); err != nil {
		_, _ = fmt.Fprintf(stderr, "status: %v\n", err)
		return 1
	}
	var list api.SubmissionList
	if err := getJSON(client, base+"/api/v1/submissions?filter="+url.QueryEscape(*filter), &list); err != nil {
		_, _ = fmt.Fprintf(stderr, "submissions: %v\n", err)
		return 1
	}

	_, _ = io.WriteString(stdout, formatStatus(status, list))
	return 0
}

func getJSON(client *http.Client, rawURL string, v any) error {
	resp, err := client.Get(rawURL)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unexpected response %s", resp.Status)
	}
	return json.NewDecoder(resp.Body).Decode(v)
}

func formatStatus(status api.StatusResponse, list api.SubmissionList) string {
	var b strings.Builder

	fmt.Fprintf(&b, "Connection: %s", status.Connection)
	if status.Polling {
		b.WriteString(" (polling)")
	}
	b.WriteString("\n")
	if status.AuthRequired {
		b.WriteString("Auth:       token required\n")
	}
	if status.LastSync != nil {
		fmt.Fprintf(&b, "Last sync:  %s\n", status.LastSync.Local().Format(time.DateTime))
	}
	if status.LastEvent != nil {
		fmt.Fprintf(&b, "Last event: %s\n", status.LastEvent.Local().Format(time.DateTime))
	}
	if status.SyncError != "" {
		fmt.Fprintf(&b, "Sync error: %s\n", status.SyncError)
	}
	switch {
	case status.Health != nil:
		fmt.Fprintf(&b, "Backend:    %s\n", backendSummary(status))
	case status.HealthError != "":
		fmt.Fprintf(&b, "Backend:    unavailable (%s)\n", status.HealthError)
	}
	b.WriteString("\n")

	countRows := make([][]string, 0, len(classify.Kinds()))
	for _, k := range classify.Kinds() {
		if n := list.Counts[k]; n > 0 {
			countRows = append(countRows, []string{string(k), strconv.Itoa(n)})
		}
	}
	if len(countRows) > 0 {
		b.WriteString(renderTable([]string{"Category", "Count"}, countRows, []columnAlignment{alignLeft, alignRight}))
		b.WriteString("\n\n")
	}

	if len(list.Submissions) == 0 {
		fmt.Fprintf(&b, "No submissions (filter: %s)\n", list.Filter)
		return b.String()
	}
	rows := make([][]string, 0, len(list.Submissions))
	for _, s := range list.Submissions {
		step := s.Category.StepLabel
		if step == "" {
			step = "-"
		}
		rows = append(rows, []string{s.ID, s.Title, string(s.Category.Kind), step})
	}
	b.WriteString(renderTable([]string{"ID", "Title", "Category", "Step"}, rows, nil))
	b.WriteString("\n")
	return b.String()
}

func backendSummary(status api.StatusResponse) string {
	h := status.Health
	var down []string
	for _, c := range []struct {
		name  string
		ready bool
	}{{"db", h.DBReady}, {"storage", h.StorageReady}, {"queue", h.QueueReady}, {"llm", h.LLMReady}} {
		if !c.ready {
			down = append(down, c.name)
		}
	}
	if len(down) == 0 {
		return "all subsystems ready"
	}
	return "not ready: " + strings.Join(down, ", ")
}
