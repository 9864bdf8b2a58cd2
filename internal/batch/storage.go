package batch

import (
	"errors"
	"log/slog"
	"time"

	"github.com/BTreeMap/StudyPipe/internal/store"
	"github.com/google/uuid"
)

// Storage keeps the current buffer, the archived buffer queue, the date
// markers and the record interval of every uploader identifier in a
// key-value store.
//
// Undecodable values read as absent (or empty) and are logged. Accessors are
// best-effort and also treat backend read failures as absent; operations that
// rewrite a buffer fail instead, so a failed read is never written back.
// Storage does no locking of its own; one uploader owns one identifier.
type Storage[R any] struct {
	store store.Store
	newID func() string
}

// NewStorage creates a Storage over st.
func NewStorage[R any](st store.Store) *Storage[R] {
	return &Storage[R]{store: st, newID: uuid.NewString}
}

func (s *Storage[R]) loadCurrent(identifier string) (Buffer[R], error) {
	buf, ok, err := store.GetJSON[Buffer[R]](s.store, currentBufferKey(identifier))
	if errors.Is(err, store.ErrDecode) {
		slog.Warn("Storage.loadCurrent: discarding undecodable current buffer", "identifier", identifier, "error", err)
		return Buffer[R]{}, nil
	}
	if err != nil {
		return Buffer[R]{}, err
	}
	if !ok {
		return Buffer[R]{}, nil
	}
	return buf, nil
}

func (s *Storage[R]) loadArchive(identifier string) ([]Buffer[R], error) {
	archive, ok, err := store.GetJSON[[]Buffer[R]](s.store, archivedBuffersKey(identifier))
	if errors.Is(err, store.ErrDecode) {
		slog.Warn("Storage.loadArchive: discarding undecodable archived buffers", "identifier", identifier, "error", err)
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, nil
	}
	return archive, nil
}

func (s *Storage[R]) archiveOp(identifier string, archive []Buffer[R]) (store.Op, error) {
	if len(archive) == 0 {
		return store.DeleteOp(archivedBuffersKey(identifier)), nil
	}
	return store.JSONOp(archivedBuffersKey(identifier), archive)
}

// AppendRecord appends record to the current buffer, creating it if needed.
func (s *Storage[R]) AppendRecord(identifier string, record R) error {
	current, err := s.loadCurrent(identifier)
	if err != nil {
		return err
	}
	current.Records = append(current.Records, record)
	if err := store.SetJSON(s.store, currentBufferKey(identifier), current); err != nil {
		return err
	}
	slog.Debug("Storage.AppendRecord: record appended", "identifier", identifier, "current_records", len(current.Records))
	return nil
}

// CurrentBuffer returns the records collected since the last archive.
func (s *Storage[R]) CurrentBuffer(identifier string) Buffer[R] {
	current, err := s.loadCurrent(identifier)
	if err != nil {
		slog.Warn("Storage.CurrentBuffer: treating current buffer as empty", "identifier", identifier, "error", err)
	}
	return current
}

// ArchiveCurrentBuffer moves the current buffer, even when empty, to the tail
// of the archived queue and starts a new empty current buffer. The oldest
// archived buffers are then evicted until at most bufferLimit remain. The
// queue and the current buffer are rewritten in one atomic write.
func (s *Storage[R]) ArchiveCurrentBuffer(identifier string, bufferLimit int) error {
	if bufferLimit < 0 {
		bufferLimit = 0
	}
	current, err := s.loadCurrent(identifier)
	if err != nil {
		return err
	}
	archive, err := s.loadArchive(identifier)
	if err != nil {
		return err
	}
	current.ID = s.newID()

	archive = append(archive, current)
	evicted := 0
	if len(archive) > bufferLimit {
		evicted = len(archive) - bufferLimit
		archive = archive[evicted:]
	}

	op, err := s.archiveOp(identifier, archive)
	if err != nil {
		return err
	}
	if err := s.store.Apply(op, store.DeleteOp(currentBufferKey(identifier))); err != nil {
		return err
	}
	if evicted > 0 {
		slog.Warn("Storage.ArchiveCurrentBuffer: buffer limit exceeded, oldest buffers dropped",
			"identifier", identifier, "evicted", evicted, "buffer_limit", bufferLimit)
	}
	slog.Debug("Storage.ArchiveCurrentBuffer: buffer archived", "identifier", identifier,
		"buffer_id", current.ID, "records", len(current.Records), "archived", len(archive))
	return nil
}

func (s *Storage[R]) peekArchive(identifier string) []Buffer[R] {
	archive, err := s.loadArchive(identifier)
	if err != nil {
		slog.Warn("Storage: treating archived buffers as empty", "identifier", identifier, "error", err)
	}
	return archive
}

// OldestArchivedBuffer returns the head of the archived queue without removing it.
func (s *Storage[R]) OldestArchivedBuffer(identifier string) (Buffer[R], bool) {
	archive := s.peekArchive(identifier)
	if len(archive) == 0 {
		return Buffer[R]{}, false
	}
	return archive[0], true
}

// RemoveOldestArchivedBuffer drops the head of the archived queue, if any.
func (s *Storage[R]) RemoveOldestArchivedBuffer(identifier string) error {
	archive, err := s.loadArchive(identifier)
	if err != nil {
		return err
	}
	if len(archive) == 0 {
		return nil
	}
	op, err := s.archiveOp(identifier, archive[1:])
	if err != nil {
		return err
	}
	if err := s.store.Apply(op); err != nil {
		return err
	}
	slog.Debug("Storage.RemoveOldestArchivedBuffer: buffer removed", "identifier", identifier,
		"buffer_id", archive[0].ID, "remaining", len(archive)-1)
	return nil
}

// ArchivedBufferCount returns the number of archived buffers waiting for upload.
func (s *Storage[R]) ArchivedBufferCount(identifier string) int {
	return len(s.peekArchive(identifier))
}

// ResetAllBuffers clears both the current buffer and the archived queue.
func (s *Storage[R]) ResetAllBuffers(identifier string) error {
	if err := s.store.Apply(store.DeleteOp(currentBufferKey(identifier)), store.DeleteOp(archivedBuffersKey(identifier))); err != nil {
		return err
	}
	slog.Debug("Storage.ResetAllBuffers: buffers cleared", "identifier", identifier)
	return nil
}

// Date returns the stored date of the given type.
func (s *Storage[R]) Date(identifier string, dateType DateType) (time.Time, bool) {
	d, ok, err := store.GetJSON[storedDate](s.store, dateKey(identifier, dateType))
	if err != nil {
		slog.Warn("Storage.Date: treating date as absent", "identifier", identifier, "date_type", dateType, "error", err)
		return time.Time{}, false
	}
	return d.At, ok
}

// SaveDate stores date under the given type.
func (s *Storage[R]) SaveDate(identifier string, dateType DateType, date time.Time) error {
	return store.SetJSON(s.store, dateKey(identifier, dateType), storedDate{At: date})
}

// ResetDate removes the date of the given type.
func (s *Storage[R]) ResetDate(identifier string, dateType DateType) error {
	return s.store.Delete(dateKey(identifier, dateType))
}

// RecordInterval returns the stored record interval override.
func (s *Storage[R]) RecordInterval(identifier string) (time.Duration, bool) {
	i, ok, err := store.GetJSON[storedInterval](s.store, recordIntervalKey(identifier))
	if err != nil {
		slog.Warn("Storage.RecordInterval: treating record interval as absent", "identifier", identifier, "error", err)
		return 0, false
	}
	return i.duration(), ok
}

// SaveRecordInterval stores the record interval override.
func (s *Storage[R]) SaveRecordInterval(identifier string, interval time.Duration) error {
	return store.SetJSON(s.store, recordIntervalKey(identifier), storedInterval{Nanoseconds: int64(interval)})
}
