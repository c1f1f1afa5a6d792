package capture

import (
	"fmt"
	"regexp"
	"time"
)

// AudioFormat is the fixed container format for persisted recordings.
const AudioFormat = "m4a"

var unsafeLang = regexp.MustCompile(`[^a-zA-Z-]`)

// BuildFilename produces the deterministic recording name:
// call_<date>_<time>[_seg<N>]_<language>.m4a
func BuildFilename(t time.Time, language string, isSegment bool, segmentIndex int) string {
	lang := unsafeLang.ReplaceAllString(language, "")
	if lang == "" {
		lang = "en"
	}
	dateStr := t.Format("2006-01-02")
	timeStr := t.Format("15-04-05")
	if isSegment {
		return fmt.Sprintf("call_%s_%s_seg%d_%s.%s", dateStr, timeStr, segmentIndex, lang, AudioFormat)
	}
	return fmt.Sprintf("call_%s_%s_%s.%s", dateStr, timeStr, lang, AudioFormat)
}

// RecordingID derives the opaque recording id from the creation timestamp,
// with the segment index appended for segments so two segments cut within
// the same millisecond cannot collide.
func RecordingID(t time.Time, isSegment bool, segmentIndex int) string {
	id := fmt.Sprintf("%d", t.UnixMilli())
	if isSegment {
		id = fmt.Sprintf("%s-%d", id, segmentIndex)
	}
	return id
}
