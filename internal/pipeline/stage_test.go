package pipeline

import (
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestStage_Enum(t *testing.T) {
	t.Parallel()

	all := []Stage{
		StageFeedFetch, StageFeedParse, StageContentFetch,
		StageLLMRequest, StageLLMParse, StageDBWrite, StageUnknown,
	}
	for _, s := range all {
		require.True(t, s.Valid())
		require.Equal(t, s, ParseStage(string(s)))
	}
	require.Equal(t, StageUnknown, ParseStage("network_glitch"))
	require.Equal(t, StageUnknown, ParseStage(""))
}

func TestStage_DefaultRetryable(t *testing.T) {
	t.Parallel()

	require.True(t, StageFeedFetch.DefaultRetryable())
	require.True(t, StageContentFetch.DefaultRetryable())
	require.True(t, StageLLMRequest.DefaultRetryable())
	require.True(t, StageDBWrite.DefaultRetryable())
	require.False(t, StageFeedParse.DefaultRetryable())
	require.False(t, StageLLMParse.DefaultRetryable())
	require.False(t, StageUnknown.DefaultRetryable())
}

func TestFailure_ClassifiesStageErrors(t *testing.T) {
	t.Parallel()

	now := time.Unix(1000, 0).UTC()
	err := fmt.Errorf("analyze item: %w",
		NewStageError(StageLLMParse, "SchemaError", false, errors.New("missing summary")))

	rec := Failure(err, 1500*time.Millisecond, now)
	require.Equal(t, StageLLMParse, rec.Stage)
	require.Equal(t, "SchemaError", rec.ErrorClass)
	require.False(t, rec.Retryable)
	require.Equal(t, int64(1500), rec.ElapsedMs)
	require.Equal(t, now, rec.CreatedAt)
	require.Contains(t, rec.ErrorMessage, "missing summary")
}

func TestFailure_UnclassifiedErrorIsUnknownAndNotRetryable(t *testing.T) {
	t.Parallel()

	rec := Failure(errors.New("boom"), 0, time.Unix(5, 0))
	require.Equal(t, StageUnknown, rec.Stage)
	require.False(t, rec.Retryable)
	require.Equal(t, "boom", rec.ErrorMessage)
}

func TestFailure_TruncatesLongMessages(t *testing.T) {
	t.Parallel()

	long := strings.Repeat("x", 600)
	rec := Failure(errors.New(long), 0, time.Unix(5, 0))
	require.Len(t, rec.ErrorMessage, 500)

	stageErr := NewStageError(StageDBWrite, strings.Repeat("c", 200), true, errors.New("dup"))
	require.Len(t, stageErr.Class, 96)
}

func TestStagef_UsesStageDefaultRetryability(t *testing.T) {
	t.Parallel()

	err := Stagef(StageContentFetch, "Timeout", "fetch %s: timed out", "https://example.com/a")
	require.True(t, err.Retryable)
	require.Equal(t, StageContentFetch, err.Stage)
	require.Contains(t, err.Error(), "content_fetch")
}
