package attachment

import (
	"errors"
	"testing"

	"github.com/sacenox-fork/agentcore/internal/session"
)

func TestValidate_OK(t *testing.T) {
	atts := []session.Attachment{
		{Kind: session.AttachmentText, Name: "notes.txt", Content: "small"},
	}
	if err := Validate(atts); err != nil {
		t.Fatalf("Validate: %v", err)
	}
}

func TestValidate_TooMany(t *testing.T) {
	atts := make([]session.Attachment, MaxCount+1)
	for i := range atts {
		atts[i] = session.Attachment{Kind: session.AttachmentText, Content: "x"}
	}
	err := Validate(atts)
	if !errors.Is(err, ErrTooMany) {
		t.Fatalf("Validate: got %v, want ErrTooMany", err)
	}
}

func TestValidate_TooLarge(t *testing.T) {
	tests := []struct {
		name string
		att  session.Attachment
	}{
		{"text", session.Attachment{Kind: session.AttachmentText, Bytes: make([]byte, MaxTextBytes+1)}},
		{"image", session.Attachment{Kind: session.AttachmentImage, Bytes: make([]byte, MaxImageBytes+1)}},
		{"document", session.Attachment{Kind: session.AttachmentDocument, Bytes: make([]byte, MaxDocumentBytes+1)}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := Validate([]session.Attachment{tt.att}); !errors.Is(err, ErrTooLarge) {
				t.Errorf("Validate(%s): got %v, want ErrTooLarge", tt.name, err)
			}
		})
	}
}

func TestValidate_AtLimitIsOK(t *testing.T) {
	att := session.Attachment{Kind: session.AttachmentText, Bytes: make([]byte, MaxTextBytes)}
	if err := Validate([]session.Attachment{att}); err != nil {
		t.Errorf("Validate at exact limit: %v", err)
	}
}

func TestValidate_PrefersBytesOverContentForSizing(t *testing.T) {
	att := session.Attachment{
		Kind:    session.AttachmentText,
		Content: "short",
		Bytes:   make([]byte, MaxTextBytes+1),
	}
	if err := Validate([]session.Attachment{att}); !errors.Is(err, ErrTooLarge) {
		t.Errorf("expected Bytes length to drive the size check, got %v", err)
	}
}
