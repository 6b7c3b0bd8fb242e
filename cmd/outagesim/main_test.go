package main

import (
	"bytes"
	"context"
	"encoding/json"
	"testing"

	"github.com/signalsfoundry/spectrum-kriging/internal/sim"
)

func TestRunPrintsSummary(t *testing.T) {
	t.Setenv("LOG_LEVEL", "error")
	var out bytes.Buffer
	err := run(context.Background(), []string{"-trials", "20", "-samples", "25", "-seed", "11", "-workers", "2"}, &out)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	var sum sim.Summary
	if err := json.Unmarshal(out.Bytes(), &sum); err != nil {
		t.Fatalf("decode summary: %v\n%s", err, out.String())
	}
	if sum.Trials+sum.Failed != 20 || sum.Trials == 0 {
		t.Fatalf("unexpected summary %+v", sum)
	}
}

func TestRunRejectsBadFlags(t *testing.T) {
	t.Setenv("LOG_LEVEL", "error")
	var out bytes.Buffer
	for _, args := range [][]string{
		{"-family", "cubic"},
		{"-outage", "1.5"},
		{"-trials", "0"},
	} {
		if err := run(context.Background(), args, &out); err == nil {
			t.Errorf("run(%v) succeeded, want error", args)
		}
	}
}
