package forge

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeGH struct {
	calls [][]string
	out   map[string]string
	fail  map[string]error
}

func (f *fakeGH) run(_ context.Context, dir string, args ...string) (string, error) {
	f.calls = append(f.calls, args)
	key := strings.Join(args[:2], " ")
	if err, ok := f.fail[key]; ok {
		return "", err
	}
	return f.out[key], nil
}

func TestGetPR(t *testing.T) {
	f := &fakeGH{out: map[string]string{
		"pr view": `{"number":88,"url":"https://example.test/pr/88","state":"OPEN","mergeable":"CONFLICTING","headRefName":"drover/task-3","baseRefName":"main"}`,
	}}
	c := NewGHClient("/repo", f.run)

	pr, err := c.GetPR(context.Background(), 88)
	require.NoError(t, err)
	assert.Equal(t, 88, pr.Number)
	assert.True(t, pr.Conflicting())
}

func TestFindPRByBranch(t *testing.T) {
	t.Run("found", func(t *testing.T) {
		f := &fakeGH{out: map[string]string{
			"pr list": `[{"number":42,"url":"https://example.test/pr/42","state":"OPEN","mergeable":"MERGEABLE","headRefName":"drover/task-1","baseRefName":"main"}]`,
		}}
		c := NewGHClient("/repo", f.run)

		pr, err := c.FindPRByBranch(context.Background(), "drover/task-1")
		require.NoError(t, err)
		require.NotNil(t, pr)
		assert.Equal(t, 42, pr.Number)
		assert.False(t, pr.Conflicting())
	})

	t.Run("none open", func(t *testing.T) {
		f := &fakeGH{out: map[string]string{"pr list": `[]`}}
		c := NewGHClient("/repo", f.run)

		pr, err := c.FindPRByBranch(context.Background(), "drover/task-1")
		require.NoError(t, err)
		assert.Nil(t, pr)
	})
}

func TestMergePRPropagatesFailure(t *testing.T) {
	f := &fakeGH{fail: map[string]error{"pr merge": errors.New("pull request is not mergeable")}}
	c := NewGHClient("/repo", f.run)

	err := c.MergePR(context.Background(), 88)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "merge of pr 88 failed")
}
