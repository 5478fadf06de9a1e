package result

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/droverhq/drover/pkg/types"
)

func TestParseDocument(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		want    *types.Result
		wantErr bool
	}{
		{
			name:  "well formed",
			input: `{"outcome":"done","decision":"approve","comment":"lgtm"}`,
			want:  &types.Result{Outcome: types.OutcomeDone, Decision: types.DecisionApprove, Comment: "lgtm"},
		},
		{
			name:  "trailing comma repaired",
			input: `{"outcome":"done",}`,
			want:  &types.Result{Outcome: types.OutcomeDone},
		},
		{
			name:  "single quotes repaired",
			input: `{'outcome': 'failed', 'reason': 'tests broke'}`,
			want:  &types.Result{Outcome: types.OutcomeFailed, Reason: "tests broke"},
		},
		{
			name:    "unknown outcome rejected",
			input:   `{"outcome":"maybe"}`,
			wantErr: true,
		},
		{
			name:    "unknown decision rejected",
			input:   `{"outcome":"done","decision":"shrug"}`,
			wantErr: true,
		},
		{
			name:    "empty document",
			input:   `{}`,
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseDocument([]byte(tt.input))
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestReadDocumentMissingInfersFromCommits(t *testing.T) {
	missing := filepath.Join(t.TempDir(), "result.json")

	res := ReadDocument(missing, true)
	assert.Equal(t, types.OutcomeNeedsContinuation, res.Outcome)

	res = ReadDocument(missing, false)
	assert.Equal(t, types.OutcomeFailed, res.Outcome)
}

func TestReadDocumentMalformedFails(t *testing.T) {
	path := filepath.Join(t.TempDir(), "result.json")
	require.NoError(t, os.WriteFile(path, []byte("I did the thing, it went great"), 0o644))

	res := ReadDocument(path, true)
	assert.Equal(t, types.OutcomeFailed, res.Outcome)
	assert.NotEmpty(t, res.Reason)
}
