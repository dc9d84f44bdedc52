package main

import (
	"fmt"
	"io"
	"sort"
	"time"

	"github.com/fatih/color"
	"gitlab.com/tozd/go/errors"
	"gopkg.in/yaml.v3"

	"github.com/franksops/filehub/adapter"
	"github.com/franksops/filehub/flow"
)

type stageSummary struct {
	Succeeded int   `yaml:"succeeded"`
	Failed    int   `yaml:"failed"`
	Skipped   int   `yaml:"skipped"`
	Bytes     int64 `yaml:"bytes"`
}

type runSummary struct {
	Flow         string         `yaml:"flow"`
	RunID        string         `yaml:"runId"`
	Started      time.Time      `yaml:"started"`
	Duration     string         `yaml:"duration"`
	OK           bool           `yaml:"ok"`
	Error        string         `yaml:"error,omitempty"`
	Sender       *stageSummary  `yaml:"sender,omitempty"`
	Receiver     *stageSummary  `yaml:"receiver,omitempty"`
	Dispositions map[string]int `yaml:"dispositions,omitempty"`
	Failures     []string       `yaml:"failures,omitempty"`
}

func summarizeStage(r *adapter.Result) *stageSummary {
	if r == nil {
		return nil
	}
	return &stageSummary{Succeeded: r.Succeeded, Failed: r.Failed, Skipped: r.Skipped, Bytes: r.Bytes}
}

func summarize(r *flow.Report) runSummary {
	s := runSummary{
		Flow:     r.Flow,
		RunID:    r.RunID.String(),
		Started:  r.Started.UTC(),
		Duration: r.Duration.Round(time.Millisecond).String(),
		OK:       r.OK(),
		Sender:   summarizeStage(r.Sender),
		Receiver: summarizeStage(r.Receiver),
	}
	if r.Err != nil {
		s.Error = r.Err.Error()
	}
	for _, o := range r.Dispositions {
		if s.Dispositions == nil {
			s.Dispositions = make(map[string]int)
		}
		s.Dispositions[string(o.Disposition)]++
	}
	for _, res := range []*adapter.Result{r.Sender, r.Receiver} {
		if res == nil {
			continue
		}
		for _, o := range res.Files {
			if o.Status.Failed() {
				s.Failures = append(s.Failures, fmt.Sprintf("%s: %s %s", o.Name, o.Status, o.Message))
			}
		}
	}
	return s
}

// writeSummary prints one entry per report, oldest run first.
func writeSummary(w io.Writer, reports []*flow.Report, format string) error {
	sorted := append([]*flow.Report(nil), reports...)
	sort.SliceStable(sorted, func(i, j int) bool {
		if sorted[i].Started.Equal(sorted[j].Started) {
			return sorted[i].Flow < sorted[j].Flow
		}
		return sorted[i].Started.Before(sorted[j].Started)
	})

	summaries := make([]runSummary, 0, len(sorted))
	for _, r := range sorted {
		summaries = append(summaries, summarize(r))
	}

	if format == "yaml" {
		enc := yaml.NewEncoder(w)
		enc.SetIndent(2)
		if err := enc.Encode(map[string]any{"runs": summaries}); err != nil {
			return errors.Errorf("encoding summary: %w", err)
		}
		return enc.Close()
	}

	if len(summaries) == 0 {
		fmt.Fprintln(w, color.YellowString("no flow runs"))
		return nil
	}
	bold := color.New(color.Bold).SprintFunc()
	for _, s := range summaries {
		status := color.GreenString("OK")
		if !s.OK {
			status = color.RedString("FAILED")
		}
		fmt.Fprintf(w, "%s %s (%s)\n", status, bold(s.Flow), s.Duration)
		if s.Error != "" {
			fmt.Fprintf(w, "  error:     %s\n", s.Error)
		}
		if s.Sender != nil {
			fmt.Fprintf(w, "  sent:      %d ok, %d failed, %d skipped, %d bytes\n",
				s.Sender.Succeeded, s.Sender.Failed, s.Sender.Skipped, s.Sender.Bytes)
		}
		if s.Receiver != nil {
			fmt.Fprintf(w, "  delivered: %d ok, %d failed, %d skipped, %d bytes\n",
				s.Receiver.Succeeded, s.Receiver.Failed, s.Receiver.Skipped, s.Receiver.Bytes)
		}
		for _, f := range s.Failures {
			fmt.Fprintf(w, "  %s %s\n", color.RedString("x"), f)
		}
	}
	return nil
}
