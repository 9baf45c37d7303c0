package main

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	cmd := newRootCmd()
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

func TestBuckets(t *testing.T) {
	out, err := run(t, "buckets", "--start", "2025-09-01T00:00:00Z", "--end", "2025-09-03T00:00:00Z")
	require.NoError(t, err)
	assert.Equal(t, "2025-09-01\n2025-09-02\n", out)

	out, err = run(t, "buckets", "--start", "2025-09-01T10:30:00Z", "--end", "2025-09-01T12:00:00Z", "--granularity", "hour")
	require.NoError(t, err)
	assert.Equal(t, "2025-09-01T10\n2025-09-01T11\n", out)

	_, err = run(t, "buckets", "--start", "2025-09-01T00:00:00Z", "--end", "2025-09-03T00:00:00Z", "--granularity", "week")
	assert.Error(t, err)
}

func TestReleaseNeedsOneTarget(t *testing.T) {
	_, err := run(t, "release")
	assert.Error(t, err)

	_, err = run(t, "release", "--payment-handle", "ph_1", "--reservation", "x")
	assert.Error(t, err)

	_, err = run(t, "release", "--reservation", "not-a-uuid")
	assert.Error(t, err)
}
