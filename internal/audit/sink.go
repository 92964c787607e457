// Package audit provides the append-only structured log every update attempt
// flows through, whether the attempt succeeded or not. The sink is write-only
// from the core's perspective; external tooling replays the file.
package audit

import (
	"io"
	"sync"
	"time"

	json "github.com/json-iterator/go"
	"go.uber.org/zap"
	"gopkg.in/natefinch/lumberjack.v2"
)

// Entry is one immutable audit record, serialized as a single JSON line.
// NewVersion holds the version a successful commit would have produced, even
// when Success is false.
type Entry struct {
	Timestamp    string      `json:"timestamp"`
	ManagerType  string      `json:"manager_type"`
	ItemID       string      `json:"item_id"`
	OldVersion   int         `json:"old_version"`
	NewVersion   int         `json:"new_version"`
	ChangeInfo   interface{} `json:"change_info"`
	Success      bool        `json:"success"`
	ErrorMessage string      `json:"error_message,omitempty"`
}

// Sink appends audit entries to a durable byte sink, one JSON object per line.
// A broken sink must never break the update operation that triggered it, so
// Record reports I/O and serialization faults through the diagnostics logger
// and returns nothing.
type Sink struct {
	mu     sync.Mutex
	w      io.Writer
	closer io.Closer
	logger *zap.Logger
	now    func() time.Time
}

// NewSink opens an audit sink backed by a rotating file at path. The file and
// any containing directory are created on first write.
func NewSink(path string, logger *zap.Logger, maxSizeMB, maxBackups, maxAgeDays int) *Sink {
	lj := &lumberjack.Logger{
		Filename:   path,
		MaxSize:    maxSizeMB,
		MaxBackups: maxBackups,
		MaxAge:     maxAgeDays,
	}
	s := NewSinkWithWriter(lj, logger)
	s.closer = lj
	return s
}

// NewSinkWithWriter builds a sink over an arbitrary writer. Used by tests and
// by callers that manage their own destination.
func NewSinkWithWriter(w io.Writer, logger *zap.Logger) *Sink {
	return &Sink{
		w:      w,
		logger: logger.Named("audit"),
		now:    time.Now,
	}
}

// Record appends one entry describing an update attempt. oldVersion is the
// version before the attempt and newVersion the version the attempt intended
// to produce. changeInfo carries the serialized proposal or a description of
// the change; errMsg is empty on success.
func (s *Sink) Record(managerType, itemID string, oldVersion, newVersion int, changeInfo interface{}, success bool, errMsg string) {
	entry := Entry{
		Timestamp:    s.now().UTC().Format(time.RFC3339Nano),
		ManagerType:  managerType,
		ItemID:       itemID,
		OldVersion:   oldVersion,
		NewVersion:   newVersion,
		ChangeInfo:   changeInfo,
		Success:      success,
		ErrorMessage: errMsg,
	}

	line, err := json.Marshal(entry)
	if err != nil {
		// ChangeInfo contained something unserializable. Log and drop the
		// payload rather than the whole record.
		s.logger.Error("Failed to serialize audit entry; recording without change_info",
			zap.String("manager_type", managerType),
			zap.String("item_id", itemID),
			zap.Error(err),
		)
		entry.ChangeInfo = nil
		line, err = json.Marshal(entry)
		if err != nil {
			s.logger.Error("Failed to serialize stripped audit entry", zap.Error(err))
			return
		}
	}
	line = append(line, '\n')

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := s.w.Write(line); err != nil {
		s.logger.Error("Failed to append audit entry",
			zap.String("manager_type", managerType),
			zap.String("item_id", itemID),
			zap.Error(err),
		)
	}
}

// Close releases the underlying file, if the sink owns one.
func (s *Sink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closer != nil {
		return s.closer.Close()
	}
	return nil
}
