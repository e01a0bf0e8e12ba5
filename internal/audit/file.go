package audit

import (
	"bufio"
	"context"
	"fmt"
	"os"

	"github.com/openai-hub/openai-hub/internal/utils"
)

// FileBackend appends records as JSON lines to a log file.
type FileBackend struct {
	f *os.File
	w *bufio.Writer
}

func NewFileBackend(path string) (*FileBackend, error) {
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o600)
	if err != nil {
		return nil, fmt.Errorf("open audit file: %w", err)
	}
	return &FileBackend{f: f, w: bufio.NewWriter(f)}, nil
}

func (b *FileBackend) WriteBatch(ctx context.Context, records []Record) error {
	for _, rec := range records {
		line, err := utils.MarshalNoEscape(rec)
		if err != nil {
			return fmt.Errorf("encode audit record: %w", err)
		}
		if _, err := b.w.Write(line); err != nil {
			return fmt.Errorf("write audit record: %w", err)
		}
		if err := b.w.WriteByte('\n'); err != nil {
			return fmt.Errorf("write audit record: %w", err)
		}
	}
	if err := b.w.Flush(); err != nil {
		return fmt.Errorf("flush audit file: %w", err)
	}
	return nil
}

func (b *FileBackend) Close() error {
	if err := b.w.Flush(); err != nil {
		b.f.Close()
		return err
	}
	return b.f.Close()
}
