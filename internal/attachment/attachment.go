// Package attachment validates and caps file-like payloads attached to a
// user turn before they're packed into a prompt by promptbuilder.
package attachment

import (
	"fmt"

	"github.com/sacenox-fork/agentcore/internal/session"
)

// Limits bound how much attachment payload a single turn can carry, so one
// oversized paste or image doesn't blow the context budget before the
// conversation history is even considered.
const (
	MaxCount         = 8
	MaxImageBytes    = 5 << 20  // 5 MiB
	MaxTextBytes     = 512 << 10 // 512 KiB
	MaxDocumentBytes = 10 << 20 // 10 MiB
)

// ErrTooMany is returned when a turn exceeds MaxCount attachments.
var ErrTooMany = fmt.Errorf("too many attachments")

// ErrTooLarge is returned when one attachment exceeds its kind's size cap.
var ErrTooLarge = fmt.Errorf("attachment too large")

// Validate checks a batch of attachments against the package limits before
// they are accepted onto a user message.
func Validate(atts []session.Attachment) error {
	if len(atts) > MaxCount {
		return fmt.Errorf("%w: %d attachments, max %d", ErrTooMany, len(atts), MaxCount)
	}
	for _, a := range atts {
		size := len(a.Bytes)
		if size == 0 {
			size = len(a.Content)
		}
		var limit int
		switch a.Kind {
		case session.AttachmentImage:
			limit = MaxImageBytes
		case session.AttachmentText:
			limit = MaxTextBytes
		case session.AttachmentDocument:
			limit = MaxDocumentBytes
		default:
			limit = MaxTextBytes
		}
		if size > limit {
			return fmt.Errorf("%w: %s %q is %d bytes, max %d", ErrTooLarge, a.Kind, a.Name, size, limit)
		}
	}
	return nil
}
