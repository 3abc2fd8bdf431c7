package scans

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCanTransition(t *testing.T) {
	t.Parallel()
	all := []Status{StatusPending, StatusRunning, StatusCompleted, StatusFailed}
	want := map[[2]Status]bool{
		{StatusPending, StatusRunning}:   true,
		{StatusPending, StatusFailed}:    true,
		{StatusRunning, StatusCompleted}: true,
		{StatusRunning, StatusFailed}:    true,
	}
	for _, from := range all {
		for _, to := range all {
			assert.Equalf(t, want[[2]Status{from, to}], CanTransition(from, to), "%s -> %s", from, to)
		}
	}
}

func TestStatusTerminal(t *testing.T) {
	t.Parallel()
	assert.False(t, StatusPending.Terminal())
	assert.False(t, StatusRunning.Terminal())
	assert.True(t, StatusCompleted.Terminal())
	assert.True(t, StatusFailed.Terminal())

	_, ok := ParseStatus("done")
	assert.False(t, ok)
	st, ok := ParseStatus("running")
	assert.True(t, ok)
	assert.Equal(t, StatusRunning, st)
}

func TestSortBySeverity(t *testing.T) {
	t.Parallel()
	fs := []Finding{
		{Title: "a", Severity: SeverityLow},
		{Title: "b", Severity: SeverityUnknown},
		{Title: "c", Severity: SeverityCritical},
		{Title: "d", Severity: SeverityHigh},
		{Title: "e", Severity: SeverityCritical},
	}
	SortBySeverity(fs)
	var got []string
	for _, f := range fs {
		got = append(got, f.Title)
	}
	assert.Equal(t, []string{"c", "e", "d", "a", "b"}, got)
}
