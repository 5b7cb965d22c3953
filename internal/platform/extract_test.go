package platform_test

import (
	"context"
	"reflect"
	"testing"

	"github.com/fall-development-rob/cto-flow-sub000/internal/domain"
	"github.com/fall-development-rob/cto-flow-sub000/internal/platform"
)

func TestLabelExtractorPrefixes(t *testing.T) {
	labels := []string{
		"lang:go", "fw:chi", "domain:auth", "type:feature",
		"priority:high", "complexity:3", "estimate:90",
		"needs:sql", "depends-on:org/repo#7", "security",
	}
	ex, err := platform.LabelExtractor{}.Extract(context.Background(), "t", "b", labels)
	if err != nil {
		t.Fatalf("extract: %v", err)
	}
	want := domain.Requirements{
		Capabilities:     []string{"sql", "security"},
		Languages:        []string{"go"},
		Frameworks:       []string{"chi"},
		Domains:          []string{"auth"},
		IssueType:        "feature",
		Complexity:       3,
		EstimatedMinutes: 90,
	}
	if !reflect.DeepEqual(ex.Requirements, want) {
		t.Fatalf("requirements:\n got %+v\nwant %+v", ex.Requirements, want)
	}
	if ex.Priority != "high" {
		t.Fatalf("priority = %s, want high", ex.Priority)
	}
	if !reflect.DeepEqual(ex.Dependencies, []string{"org/repo#7"}) {
		t.Fatalf("dependencies = %v", ex.Dependencies)
	}
}

func TestLabelExtractorDefaultsPriority(t *testing.T) {
	ex, err := platform.LabelExtractor{}.Extract(context.Background(), "t", "b", nil)
	if err != nil {
		t.Fatal(err)
	}
	if ex.Priority != domain.PriorityMedium {
		t.Fatalf("priority = %s, want medium default", ex.Priority)
	}
}

func TestLabelExtractorNormalizes(t *testing.T) {
	ex, err := platform.LabelExtractor{}.Extract(context.Background(), "t", "b", []string{" Lang:Go ", "SECURITY"})
	if err != nil {
		t.Fatal(err)
	}
	if !reflect.DeepEqual(ex.Requirements.Languages, []string{"go"}) {
		t.Fatalf("languages = %v, want [go]", ex.Requirements.Languages)
	}
	if !reflect.DeepEqual(ex.Requirements.Capabilities, []string{"security"}) {
		t.Fatalf("capabilities = %v, want [security]", ex.Requirements.Capabilities)
	}
}

func TestRetryPolicyGivesUp(t *testing.T) {
	p := platform.RetryPolicy{MaxRetries: 3, BaseDelay: 1}
	calls := 0
	err := p.Do(context.Background(), func() error {
		calls++
		return context.DeadlineExceeded
	})
	if err == nil {
		t.Fatal("expected terminal error")
	}
	if calls != 3 {
		t.Fatalf("fn called %d times, want 3", calls)
	}
}

func TestRetryPolicySucceedsMidway(t *testing.T) {
	p := platform.RetryPolicy{MaxRetries: 5, BaseDelay: 1}
	calls := 0
	err := p.Do(context.Background(), func() error {
		calls++
		if calls < 3 {
			return context.DeadlineExceeded
		}
		return nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if calls != 3 {
		t.Fatalf("fn called %d times, want 3", calls)
	}
}
