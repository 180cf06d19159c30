package uploads

import (
	"context"
	"net/url"
	"strings"

	"github.com/MarcoPoloResearchLab/lectern/internal/capture"
)

// SpeechSink routes finalized page segments to the relay's speech endpoint.
type SpeechSink struct {
	Queue   *Queue
	BaseURL string
	Token   string
}

// SpeechURL returns the upload endpoint for pageID.
func SpeechURL(baseURL, pageID string) string {
	return strings.TrimRight(baseURL, "/") + "/class/speech/" + url.PathEscape(pageID) + "/"
}

// Enqueue implements capture.SegmentSink.
func (s SpeechSink) Enqueue(segment capture.Segment) <-chan error {
	return s.Queue.Enqueue(context.Background(), SegmentUpload{
		URL:       SpeechURL(s.BaseURL, segment.PageID),
		Token:     s.Token,
		Timestamp: segment.Timestamp,
		Audio:     segment.Blob.Data,
		MimeType:  segment.Blob.MimeType,
	})
}
