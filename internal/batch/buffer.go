// Package batch buffers application-generated records per uploader identifier,
// archives them into a bounded FIFO queue and drains that queue to a remote
// backend.
package batch

import "time"

// Buffer is an ordered batch of records. ID is empty for the current buffer
// and set when the buffer is archived.
type Buffer[R any] struct {
	ID      string `json:"id,omitempty"`
	Records []R    `json:"records"`
}

// Len returns the number of records in the buffer.
func (b Buffer[R]) Len() int {
	return len(b.Records)
}

// DateType names a per-uploader timestamp.
type DateType string

const (
	DateNextBufferUpload      DateType = "next_buffer_upload"
	DateNextBufferUploadRetry DateType = "next_buffer_upload_retry"
	DateNextBufferRecord      DateType = "next_buffer_record"
	DateLastUploadSuccess     DateType = "last_upload_success"
)

// DateTypes lists every known date type.
var DateTypes = []DateType{
	DateNextBufferUpload,
	DateNextBufferUploadRetry,
	DateNextBufferRecord,
	DateLastUploadSuccess,
}

// Key suffixes appended to the uploader identifier.
const (
	currentBufferSuffix   = "_current_buffer"
	archivedBuffersSuffix = "_archived_buffers"
	dateSuffix            = "_date_"
	recordIntervalSuffix  = "_record_interval"
)

func currentBufferKey(identifier string) string {
	return identifier + currentBufferSuffix
}

func archivedBuffersKey(identifier string) string {
	return identifier + archivedBuffersSuffix
}

func dateKey(identifier string, dateType DateType) string {
	return identifier + dateSuffix + string(dateType)
}

func recordIntervalKey(identifier string) string {
	return identifier + recordIntervalSuffix
}

// storedDate is the persisted form of a date marker.
type storedDate struct {
	At time.Time `json:"at"`
}

// storedInterval is the persisted form of a record interval.
type storedInterval struct {
	Nanoseconds int64 `json:"ns"`
}

func (i storedInterval) duration() time.Duration {
	return time.Duration(i.Nanoseconds)
}
