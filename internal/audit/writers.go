package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sync"

	"calotrack/backend/internal/audit/domain"
	"calotrack/backend/internal/logging"
)

// JSONWriter writes one JSON object per line. It is the console form of the audit trail and is
// meant for development and tests, not as the durable record.
type JSONWriter struct {
	mu sync.Mutex
	w  io.Writer
}

func NewJSONWriter(w io.Writer) *JSONWriter {
	return &JSONWriter{w: w}
}

func (j *JSONWriter) Write(_ context.Context, e *domain.AuditEvent) error {
	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("marshal audit event: %w", err)
	}
	data = append(data, '\n')

	j.mu.Lock()
	defer j.mu.Unlock()
	_, err = j.w.Write(data)
	return err
}

// Tee writes to primary and then forwards to each secondary. Only the primary's error is
// returned; secondaries (streaming, telemetry) are best-effort and their failures are logged.
func Tee(log logging.Logger, primary Writer, secondaries ...Writer) Writer {
	if log == nil {
		log = logging.Discard()
	}
	return WriterFunc(func(ctx context.Context, e *domain.AuditEvent) error {
		if err := primary.Write(ctx, e); err != nil {
			return err
		}
		for _, s := range secondaries {
			if err := s.Write(ctx, e); err != nil {
				log.Warn(ctx, "audit: secondary writer failed", "id", e.ID, "action", e.Action, "error", err)
			}
		}
		return nil
	})
}
