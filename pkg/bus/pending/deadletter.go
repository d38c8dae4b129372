package pending

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sync"

	"github.com/nodefleet/minibus/pkg/bus/types"
)

// deadLetterLine is the newline-delimited JSON record shape from
// spec.md §6: {ts, message_id, receiver, attempts, reason}.
type deadLetterLine struct {
	Timestamp int64  `json:"ts"`
	MessageID int64  `json:"message_id"`
	Receiver  string `json:"receiver"`
	Attempts  int    `json:"attempts"`
	Reason    string `json:"reason"`
}

// FileSink appends each dead letter as one ndjson line to a file,
// grounded on original_source/transport/ack_manager.cpp::appendDeadLetter.
// Writes are best effort and unsynchronized across processes, per
// spec.md §5.
type FileSink struct {
	mu   sync.Mutex
	file *os.File
}

// NewFileSink opens (creating parent directories as needed) path for
// append.
func NewFileSink(path string) (*FileSink, error) {
	if dir := filepath.Dir(path); dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, err
		}
	}
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, err
	}
	return &FileSink{file: f}, nil
}

// Append implements DeadLetterSink.
func (s *FileSink) Append(d types.DeadLetter) error {
	line := deadLetterLine{
		Timestamp: d.FailedAtMs,
		MessageID: d.MessageID,
		Receiver:  d.ReceiverNodeID,
		Attempts:  d.Attempts,
		Reason:    d.Reason,
	}
	encoded, err := json.Marshal(line)
	if err != nil {
		return err
	}
	encoded = append(encoded, '\n')

	s.mu.Lock()
	defer s.mu.Unlock()
	_, err = s.file.Write(encoded)
	return err
}

// Close releases the underlying file handle.
func (s *FileSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.file.Close()
}
