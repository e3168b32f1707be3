package batch

import (
	"bytes"
	"context"
	"errors"
	"path/filepath"
	"strings"
	"testing"

	"github.com/gofrs/flock"

	"github.com/menta2k/image-enricher/pkg/enrich"
)

type scriptedPolicy struct {
	outcomes map[int64]enrich.Outcome
	errs     map[int64]error
	calls    []int64
}

func (p *scriptedPolicy) Run(_ context.Context, _ enrich.Mode, id int64) (enrich.Outcome, error) {
	p.calls = append(p.calls, id)
	return p.outcomes[id], p.errs[id]
}

type textRecords map[int64]string

func (r textRecords) Image(_ context.Context, id int64) (enrich.Record, error) {
	return enrich.Record{ID: id, AltText: r[id], Enriched: true}, nil
}

func TestModeFromFlags(t *testing.T) {
	tests := []struct {
		refresh, force bool
		want           enrich.Mode
		err            error
	}{
		{false, false, enrich.ModeIfNoneExists, nil},
		{true, false, enrich.ModeRefresh, nil},
		{false, true, enrich.ModeForce, nil},
		{true, true, "", ErrConflictingFlags},
	}
	for _, test := range tests {
		got, err := ModeFromFlags(test.refresh, test.force)
		if got != test.want || !errors.Is(err, test.err) {
			t.Errorf("ModeFromFlags(%v, %v) = (%q, %v), want (%q, %v)", test.refresh, test.force, got, err, test.want, test.err)
		}
	}
}

func TestRunTalliesAndContinuesAfterFailure(t *testing.T) {
	policy := &scriptedPolicy{
		outcomes: map[int64]enrich.Outcome{1: enrich.Enriched, 2: enrich.Failed, 3: enrich.Skipped, 4: enrich.Enriched},
		errs:     map[int64]error{2: errors.New("HTTP 403")},
	}
	var out bytes.Buffer
	runner := NewRunner(policy, textRecords{1: "cat", 4: "Eiffel Tower"}, Options{Out: &out})

	report, err := runner.Run(context.Background(), enrich.ModeIfNoneExists, []int64{1, 2, 3, 4})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if report.Total != 4 || report.Successes != 2 || report.Errors != 1 || report.Skips != 1 {
		t.Fatalf("unexpected tally %+v", report)
	}
	if len(policy.calls) != 4 {
		t.Fatalf("policy called for %v, want all four images", policy.calls)
	}

	log := out.String()
	for _, want := range []string{
		"Generated alt text for image #1: cat",
		"Warning: Error generating alt text for image #2: HTTP 403",
		"Warning: Skipping image #3 because it already has alt text.",
		"Generated alt text for image #4: Eiffel Tower",
	} {
		if !strings.Contains(log, want) {
			t.Errorf("output missing %q:\n%s", want, log)
		}
	}
	if got := report.Summary(); got != "Warning: Enriched 2 of 4 images (1 skipped, 1 failed)." {
		t.Errorf("Summary = %q", got)
	}

	table := report.Table(false)
	for _, want := range []string{"#2", "HTTP 403", "Eiffel Tower", "2 enriched, 1 skipped, 1 failed"} {
		if !strings.Contains(table, want) {
			t.Errorf("table missing %q:\n%s", want, table)
		}
	}
}

func TestRunRefreshSkipMessage(t *testing.T) {
	policy := &scriptedPolicy{outcomes: map[int64]enrich.Outcome{5: enrich.Skipped}}
	var out bytes.Buffer
	report, err := NewRunner(policy, textRecords{}, Options{Out: &out}).Run(context.Background(), enrich.ModeRefresh, []int64{5})
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(out.String(), "Skipping image #5 because it is unenriched.") {
		t.Errorf("unexpected output %q", out.String())
	}
	if report.Summary() != "Success: Enriched 0 of 1 images (1 skipped)." {
		t.Errorf("Summary = %q", report.Summary())
	}
}

func TestRunWithoutImages(t *testing.T) {
	_, err := NewRunner(&scriptedPolicy{}, textRecords{}, Options{}).Run(context.Background(), enrich.ModeForce, nil)
	if !errors.Is(err, ErrNoImages) {
		t.Fatalf("expected ErrNoImages, got %v", err)
	}
}

func TestRunHonorsLock(t *testing.T) {
	lockPath := filepath.Join(t.TempDir(), "locks", "batch.lock")
	policy := &scriptedPolicy{outcomes: map[int64]enrich.Outcome{1: enrich.Enriched}}
	runner := NewRunner(policy, textRecords{}, Options{LockPath: lockPath})

	if _, err := runner.Run(context.Background(), enrich.ModeForce, []int64{1}); err != nil {
		t.Fatalf("first run: %v", err)
	}

	held := flock.New(lockPath)
	ok, err := held.TryLock()
	if err != nil || !ok {
		t.Fatalf("lock not released after run: ok=%v err=%v", ok, err)
	}
	defer held.Unlock()

	if _, err := runner.Run(context.Background(), enrich.ModeForce, []int64{1}); !errors.Is(err, ErrLocked) {
		t.Fatalf("expected ErrLocked while held, got %v", err)
	}
}

func TestAllFailedSummary(t *testing.T) {
	r := Report{Total: 2, Errors: 2}
	if got := r.Summary(); got != "Error: Failed to enrich 2 of 2 images." {
		t.Errorf("Summary = %q", got)
	}
}
