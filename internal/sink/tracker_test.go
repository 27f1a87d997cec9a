package sink

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ceedaragents/cyrus/internal/common/logger"
	"github.com/ceedaragents/cyrus/internal/tracker"
)

func testSinkLogger(t *testing.T) *logger.Logger {
	t.Helper()
	log, err := logger.New(logger.Config{Level: "error", Format: "console"})
	require.NoError(t, err)
	return log
}

func TestTrackerSinkEphemeralReplacement(t *testing.T) {
	svc := tracker.NewMockService()
	s := NewTrackerSink(svc, "issue-1", testSinkLogger(t))
	ctx := context.Background()

	require.NoError(t, s.Post(ctx, &Activity{Activity: tracker.Activity{
		Kind: tracker.ActivityAction, Body: "Running command: `ls`", Ephemeral: true,
	}}))
	require.NoError(t, s.Post(ctx, &Activity{Activity: tracker.Activity{
		Kind: tracker.ActivityAction, Body: "Running command: `ls -la`", Ephemeral: true,
	}}))

	// Both ephemeral posts share one comment.
	comments, err := svc.ListComments(ctx, "issue-1")
	require.NoError(t, err)
	require.Len(t, comments, 1)
	assert.Contains(t, comments[0].Body, "ls -la")

	// The next non-ephemeral activity takes the comment over.
	require.NoError(t, s.Post(ctx, &Activity{Activity: tracker.Activity{
		Kind: tracker.ActivityResponse, Body: "Done.",
	}}))
	comments, err = svc.ListComments(ctx, "issue-1")
	require.NoError(t, err)
	require.Len(t, comments, 1)
	assert.Contains(t, comments[0].Body, "Done.")

	// A later non-ephemeral activity appends normally.
	require.NoError(t, s.Post(ctx, &Activity{Activity: tracker.Activity{
		Kind: tracker.ActivityResponse, Body: "Follow-up.",
	}}))
	comments, err = svc.ListComments(ctx, "issue-1")
	require.NoError(t, err)
	assert.Len(t, comments, 2)
}

func TestTrackerSinkUploadsAttachmentsFirst(t *testing.T) {
	svc := tracker.NewMockService()
	s := NewTrackerSink(svc, "issue-2", testSinkLogger(t))
	ctx := context.Background()

	require.NoError(t, s.Post(ctx, &Activity{
		Activity: tracker.Activity{Kind: tracker.ActivityResponse, Body: "See the diff."},
		Attachments: []Upload{
			{Filename: "change.patch", ContentType: "text/x-diff", Data: []byte("--- a\n+++ b\n")},
		},
	}))

	comments, err := svc.ListComments(ctx, "issue-2")
	require.NoError(t, err)
	require.Len(t, comments, 1)
	assert.Contains(t, comments[0].Body, "[change.patch](mock://uploads/change.patch)")
}

func TestTrackerSinkThreadsUnderSourceComment(t *testing.T) {
	svc := tracker.NewMockService()
	s := NewTrackerSink(svc, "issue-3", testSinkLogger(t))
	ctx := context.Background()

	require.NoError(t, s.Post(ctx, &Activity{Activity: tracker.Activity{
		Kind:            tracker.ActivityResponse,
		Body:            "On it.",
		SourceCommentID: "comment-trigger",
	}}))

	comments, err := svc.ListComments(ctx, "issue-3")
	require.NoError(t, err)
	require.Len(t, comments, 1)
	assert.Equal(t, "comment-trigger", comments[0].ParentID)
}
