package segments

import (
	"errors"
	"fmt"
	"strings"

	"github.com/MarcoPoloResearchLab/lectern/internal/timecode"
)

const maxIdentifierLength = 190

var (
	// ErrInvalidPageID indicates that a page identifier is empty or exceeds storage bounds.
	ErrInvalidPageID = errors.New("segments: invalid page id")
	// ErrInvalidTimestamp indicates that a segment timestamp is not HH:MM:SS.
	ErrInvalidTimestamp = errors.New("segments: invalid timestamp")
	// ErrEmptyAudio indicates that a segment carried no audio bytes.
	ErrEmptyAudio = errors.New("segments: empty audio")
)

// PageID represents a validated page identifier.
type PageID string

// NewPageID validates raw input and returns a PageID.
func NewPageID(rawInput string) (PageID, error) {
	trimmed := strings.TrimSpace(rawInput)
	if trimmed == "" {
		return "", fmt.Errorf("%w: empty", ErrInvalidPageID)
	}
	if len(trimmed) > maxIdentifierLength {
		return "", fmt.Errorf("%w: exceeds %d characters", ErrInvalidPageID, maxIdentifierLength)
	}
	return PageID(trimmed), nil
}

// String returns the underlying string identifier.
func (id PageID) String() string {
	return string(id)
}

// DocumentID extracts the document of a "<documentId>-<page>" identifier.
// It reports false when the identifier does not follow that form.
func (id PageID) DocumentID() (string, bool) {
	separator := strings.LastIndex(string(id), "-")
	if separator <= 0 || separator == len(id)-1 {
		return "", false
	}
	for _, r := range string(id[separator+1:]) {
		if r < '0' || r > '9' {
			return "", false
		}
	}
	return string(id[:separator]), true
}

// Timestamp is the logical end time of a segment in HH:MM:SS form.
type Timestamp string

// NewTimestamp validates raw input and returns a canonical Timestamp.
func NewTimestamp(rawInput string) (Timestamp, error) {
	seconds, err := timecode.Parse(rawInput)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidTimestamp, err)
	}
	return Timestamp(timecode.Format(seconds)), nil
}

// String returns the HH:MM:SS representation.
func (ts Timestamp) String() string {
	return string(ts)
}

// SpeechSegment is one uploaded page of classroom audio. A page id and
// timestamp pair identifies a segment; repeated deliveries of the same pair
// are collapsed onto the first stored row.
type SpeechSegment struct {
	SegmentID         string `gorm:"column:segment_id;primaryKey;size:190;not null"`
	PageID            string `gorm:"column:page_id;size:190;not null;uniqueIndex:idx_speech_segment_dedupe,priority:1"`
	Timestamp         string `gorm:"column:timestamp;size:32;not null;uniqueIndex:idx_speech_segment_dedupe,priority:2"`
	Subject           string `gorm:"column:subject;size:190;not null;default:''"`
	MimeType          string `gorm:"column:mime_type;size:190;not null;default:''"`
	Filename          string `gorm:"column:filename;size:190;not null;default:''"`
	Audio             []byte `gorm:"column:audio;not null"`
	SizeBytes         int64  `gorm:"column:size_bytes;not null;default:0"`
	ViaBeacon         bool   `gorm:"column:via_beacon;not null;default:false"`
	ReceivedAtSeconds int64  `gorm:"column:received_at_s;not null;index"`
}

// TableName provides the explicit table binding for GORM.
func (SpeechSegment) TableName() string {
	return "speech_segments"
}

// IngestRequest describes one delivery received by the relay.
type IngestRequest struct {
	PageID    PageID
	Timestamp Timestamp
	Subject   string
	MimeType  string
	Filename  string
	Audio     []byte
	ViaBeacon bool
}

// IngestOutcome reports the stored segment and whether the delivery repeated
// an already stored one.
type IngestOutcome struct {
	Segment   SpeechSegment
	Duplicate bool
}
