package wal

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"os"
	"path/filepath"
	"sync"
)

const fileName = "oplog.wal"

// Entry is one journaled record.
type Entry struct {
	SeqNum uint64
	Key    []byte
	Value  []byte
	Meta   uint64
}

// header: seq(8) + meta(8) + keyLen(4) + valueLen(4)
const headerSize = 24

func (e Entry) size() int64 {
	return headerSize + int64(len(e.Key)) + int64(len(e.Value))
}

// WAL is an append-only journal. Append returns after the record is synced.
type WAL struct {
	mu       sync.Mutex
	file     *os.File
	writer   *bufio.Writer
	filePath string
	seqNum   uint64
}

// New opens (or creates) the journal in dir.
func New(dir string) (*WAL, error) {
	if dir == "" {
		return nil, fmt.Errorf("empty WAL dir")
	}
	dir = filepath.Clean(dir)
	if err := os.MkdirAll(dir, 0750); err != nil {
		return nil, fmt.Errorf("failed to create WAL directory: %w", err)
	}

	filePath := filepath.Join(dir, fileName)
	file, err := os.OpenFile(filePath, os.O_CREATE|os.O_RDWR|os.O_APPEND, 0600)
	if err != nil {
		return nil, fmt.Errorf("failed to open WAL file: %w", err)
	}

	w := &WAL{
		file:     file,
		writer:   bufio.NewWriter(file),
		filePath: filePath,
	}

	// восстанавливаем последний seqNum
	var validSize int64
	if err := w.replayLocked(0, func(e Entry) error {
		w.seqNum = max(w.seqNum, e.SeqNum)
		validSize += e.size()
		return nil
	}); err != nil {
		_ = file.Close()
		return nil, fmt.Errorf("failed to scan WAL: %w", err)
	}

	// torn tail must go before new records are appended after it
	stat, err := file.Stat()
	if err != nil {
		_ = file.Close()
		return nil, fmt.Errorf("failed to stat WAL: %w", err)
	}
	if stat.Size() > validSize {
		if err := file.Truncate(validSize); err != nil {
			_ = file.Close()
			return nil, fmt.Errorf("failed to truncate WAL tail: %w", err)
		}
	}

	return w, nil
}

// Append writes key/value under the next sequence number and syncs it.
func (w *WAL) Append(key, value []byte, meta uint64) (uint64, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.writer == nil {
		return 0, fmt.Errorf("WAL is closed")
	}

	entry := Entry{
		SeqNum: w.seqNum + 1,
		Key:    key,
		Value:  value,
		Meta:   meta,
	}
	if err := w.writeEntry(entry); err != nil {
		return 0, fmt.Errorf("failed to write WAL entry: %w", err)
	}
	if err := w.writer.Flush(); err != nil {
		return 0, fmt.Errorf("failed to flush WAL: %w", err)
	}
	if err := w.file.Sync(); err != nil {
		return 0, fmt.Errorf("failed to sync WAL: %w", err)
	}

	w.seqNum = entry.SeqNum
	return entry.SeqNum, nil
}

// Replay calls callback for every record with SeqNum >= start, in order.
func (w *WAL) Replay(start uint64, callback func(Entry) error) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.writer != nil {
		if err := w.writer.Flush(); err != nil {
			return fmt.Errorf("failed to flush WAL before replay: %w", err)
		}
	}
	return w.replayLocked(start, callback)
}

func (w *WAL) replayLocked(start uint64, callback func(Entry) error) error {
	file, err := os.Open(w.filePath)
	if err != nil {
		return fmt.Errorf("failed to open WAL for reading: %w", err)
	}
	defer func() {
		if cerr := file.Close(); cerr != nil {
			slog.Warn("failed to close WAL read file", "error", cerr)
		}
	}()

	reader := bufio.NewReader(file)

	for {
		entry, err := readEntry(reader)
		if err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			if errors.Is(err, io.ErrUnexpectedEOF) {
				// хвост, записанный не до конца (crash во время Append)
				slog.Warn("truncated WAL tail ignored", "path", w.filePath)
				break
			}
			return fmt.Errorf("failed to read WAL entry: %w", err)
		}
		if entry.SeqNum < start {
			continue
		}

		if err := callback(entry); err != nil {
			return fmt.Errorf("WAL replay callback failed: %w", err)
		}
	}

	return nil
}

// SeqNum returns the last written sequence number.
func (w *WAL) SeqNum() uint64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.seqNum
}

func (w *WAL) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.writer != nil {
		if err := w.writer.Flush(); err != nil {
			return fmt.Errorf("failed to flush WAL on close: %w", err)
		}
		w.writer = nil
	}

	if w.file != nil {
		if err := w.file.Close(); err != nil {
			return fmt.Errorf("failed to close WAL file: %w", err)
		}
		w.file = nil
	}

	return nil
}

// writeEntry writes a single entry to the WAL
func (w *WAL) writeEntry(entry Entry) error {
	// Write sequence number (8 bytes)
	if err := binary.Write(w.writer, binary.LittleEndian, entry.SeqNum); err != nil {
		return err
	}

	// Write metadata (8 bytes)
	if err := binary.Write(w.writer, binary.LittleEndian, entry.Meta); err != nil {
		return err
	}

	if len(entry.Key) > math.MaxUint32 {
		return fmt.Errorf("key too large: %d", len(entry.Key))
	}
	if err := binary.Write(w.writer, binary.LittleEndian, uint32(len(entry.Key))); err != nil {
		return err
	}
	if _, err := w.writer.Write(entry.Key); err != nil {
		return err
	}

	if len(entry.Value) > math.MaxUint32 {
		return fmt.Errorf("value too large: %d", len(entry.Value))
	}
	if err := binary.Write(w.writer, binary.LittleEndian, uint32(len(entry.Value))); err != nil {
		return err
	}
	if _, err := w.writer.Write(entry.Value); err != nil {
		return err
	}

	return nil
}

// readEntry reads a single entry from the WAL
func readEntry(reader *bufio.Reader) (Entry, error) {
	var entry Entry

	// Read sequence number (8 bytes); a clean EOF here is the end of the log
	if err := binary.Read(reader, binary.LittleEndian, &entry.SeqNum); err != nil {
		return entry, err
	}

	if err := binary.Read(reader, binary.LittleEndian, &entry.Meta); err != nil {
		return entry, unexpected(err)
	}

	var keyLen uint32
	if err := binary.Read(reader, binary.LittleEndian, &keyLen); err != nil {
		return entry, unexpected(err)
	}
	entry.Key = make([]byte, keyLen)
	if _, err := io.ReadFull(reader, entry.Key); err != nil {
		return entry, unexpected(err)
	}

	var valueLen uint32
	if err := binary.Read(reader, binary.LittleEndian, &valueLen); err != nil {
		return entry, unexpected(err)
	}
	entry.Value = make([]byte, valueLen)
	if _, err := io.ReadFull(reader, entry.Value); err != nil {
		return entry, unexpected(err)
	}

	return entry, nil
}

// a record cut short in the middle is a torn write, not the end of the log
func unexpected(err error) error {
	if errors.Is(err, io.EOF) {
		return io.ErrUnexpectedEOF
	}
	return err
}
