// Package sink delivers translated agent activities to the surface that
// started the session: the issue tracker thread, a Slack thread, or a
// Discord channel.
package sink

import (
	"context"

	"github.com/ceedaragents/cyrus/internal/tracker"
)

// Upload is a file posted alongside an activity.
type Upload struct {
	Filename    string
	ContentType string
	Data        []byte
}

// Activity is one unit of delivery. OrderSeq is assigned by the pump at
// submission time, not when the runner emitted the underlying message.
type Activity struct {
	tracker.Activity

	Attachments []Upload
	OrderSeq    uint64
}

// ActivitySink pushes activities onto one surface. Implementations replace
// an ephemeral activity with the next activity in the same session instead
// of appending.
type ActivitySink interface {
	// Name identifies the sink kind for logs and metrics.
	Name() string

	// Post delivers one activity. Errors are retryable; the pump owns the
	// retry budget.
	Post(ctx context.Context, activity *Activity) error
}
