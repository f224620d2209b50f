// Package chatlog is the append-only store of sealed messages, one flat
// file per chat session.
//
// Every entry is written as a 4-byte big-endian length followed by the
// entry bytes, so entries may contain any byte values. A Cursor is the byte
// offset of an entry boundary; the committed length of a session is always
// a valid cursor.
package chatlog

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"sync"

	"pq_chat/internal/utils/log"

	"go.uber.org/zap"
)

const (
	HeaderSize          = 4
	DefaultMaxEntrySize = 1 << 20
	fileExt             = ".log"
)

var (
	ErrInvalidCursor  = errors.New("cursor is not an entry boundary")
	ErrInvalidSession = errors.New("invalid chat code")
	ErrEntryTooLarge  = errors.New("entry too large")
	ErrCorrupt        = errors.New("chat log corrupt")
	ErrClosed         = errors.New("chat log closed")

	sessionPattern = regexp.MustCompile(`^[A-Za-z0-9_-]{1,64}$`)
)

type (
	Cursor int64

	Options struct {
		MaxEntrySize int
		// Sync fsyncs after every append.
		Sync bool
	}

	Store struct {
		dir  string
		opts Options

		mu     sync.Mutex
		logs   map[string]*sessionLog
		closed bool
	}

	sessionLog struct {
		path string

		// appendMu serializes writers; mu guards the committed view that
		// readers snapshot.
		appendMu sync.Mutex
		mu       sync.RWMutex
		file     *os.File
		offsets  []int64
		length   int64
	}
)

func ValidSession(id string) error {
	if !sessionPattern.MatchString(id) {
		return fmt.Errorf("%w: %q", ErrInvalidSession, id)
	}
	return nil
}

func New(dir string, opts Options) (*Store, error) {
	if opts.MaxEntrySize <= 0 {
		opts.MaxEntrySize = DefaultMaxEntrySize
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create chat dir: %w", err)
	}
	return &Store{
		dir:  dir,
		opts: opts,
		logs: make(map[string]*sessionLog),
	}, nil
}

func (s *Store) Path(session string) string {
	return filepath.Join(s.dir, session+fileExt)
}

// open returns the session log, loading it from disk on first use. With
// create unset a missing file yields a nil log and no error.
func (s *Store) open(session string, create bool) (*sessionLog, error) {
	if err := ValidSession(session); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil, ErrClosed
	}
	if l, ok := s.logs[session]; ok {
		return l, nil
	}

	path := s.Path(session)
	flags := os.O_RDWR | os.O_APPEND
	if create {
		flags |= os.O_CREATE
	}
	f, err := os.OpenFile(path, flags, 0o600)
	if errors.Is(err, os.ErrNotExist) && !create {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("open chat log: %w", err)
	}

	l := &sessionLog{path: path, file: f}
	if err := l.recover(s.opts.MaxEntrySize); err != nil {
		f.Close()
		return nil, err
	}

	s.logs[session] = l
	return l, nil
}

// recover rebuilds the entry index. Bytes after the last complete frame
// were never committed and are cut off.
func (l *sessionLog) recover(maxEntry int) error {
	if _, err := l.file.Seek(0, io.SeekStart); err != nil {
		return err
	}

	r := bufio.NewReader(l.file)
	var (
		offset int64
		hdr    [HeaderSize]byte
	)
	for {
		_, err := io.ReadFull(r, hdr[:])
		if err == io.EOF {
			break
		}
		if errors.Is(err, io.ErrUnexpectedEOF) {
			return l.cutTail(offset)
		}
		if err != nil {
			return err
		}

		n := binary.BigEndian.Uint32(hdr[:])
		if int64(n) > int64(maxEntry) {
			return fmt.Errorf("%w: %s: entry at %d claims %d bytes", ErrCorrupt, l.path, offset, n)
		}

		skipped, err := r.Discard(int(n))
		if skipped < int(n) {
			if err != nil && !errors.Is(err, io.EOF) {
				return err
			}
			return l.cutTail(offset)
		}

		l.offsets = append(l.offsets, offset)
		offset += HeaderSize + int64(n)
	}

	l.length = offset
	return nil
}

func (l *sessionLog) cutTail(offset int64) error {
	log.Warn("dropping incomplete chat log tail", zap.String("path", l.path), zap.Int64("offset", offset))
	if err := l.file.Truncate(offset); err != nil {
		return fmt.Errorf("cut torn tail: %w", err)
	}
	l.length = offset
	return nil
}

// Append writes entry as one frame. Concurrent appends to the same session
// never interleave.
func (s *Store) Append(session string, entry []byte) error {
	if len(entry) > s.opts.MaxEntrySize {
		return fmt.Errorf("%w: %d bytes, limit %d", ErrEntryTooLarge, len(entry), s.opts.MaxEntrySize)
	}
	l, err := s.open(session, true)
	if err != nil {
		return err
	}

	frame := make([]byte, HeaderSize+len(entry))
	binary.BigEndian.PutUint32(frame, uint32(len(entry)))
	copy(frame[HeaderSize:], entry)

	l.appendMu.Lock()
	defer l.appendMu.Unlock()

	l.mu.RLock()
	start := l.length
	l.mu.RUnlock()

	if _, err := l.file.Write(frame); err != nil {
		// drop whatever part of the frame made it to disk
		if terr := l.file.Truncate(start); terr != nil {
			log.Error("rollback of partial append failed", zap.String("path", l.path), zap.Error(terr))
		}
		return fmt.Errorf("append chat log: %w", err)
	}
	if s.opts.Sync {
		if err := l.file.Sync(); err != nil {
			return fmt.Errorf("sync chat log: %w", err)
		}
	}

	l.mu.Lock()
	l.offsets = append(l.offsets, start)
	l.length = start + int64(len(frame))
	l.mu.Unlock()
	return nil
}

// ReadSince returns every entry committed after cursor, in append order,
// together with the committed length. A session with no file yet reads as
// empty.
func (s *Store) ReadSince(session string, cursor Cursor) ([][]byte, Cursor, error) {
	l, err := s.open(session, false)
	if err != nil {
		return nil, 0, err
	}
	if l == nil {
		if cursor != 0 {
			return nil, 0, fmt.Errorf("%w: %d past end 0", ErrInvalidCursor, cursor)
		}
		return nil, 0, nil
	}

	l.mu.RLock()
	length := l.length
	offsets := l.offsets
	l.mu.RUnlock()

	from := int64(cursor)
	if from < 0 || from > length {
		return nil, Cursor(length), fmt.Errorf("%w: %d outside [0, %d]", ErrInvalidCursor, from, length)
	}
	if from == length {
		return nil, Cursor(length), nil
	}

	first := sort.Search(len(offsets), func(i int) bool { return offsets[i] >= from })
	if first == len(offsets) || offsets[first] != from {
		return nil, Cursor(length), fmt.Errorf("%w: %d", ErrInvalidCursor, from)
	}

	buf := make([]byte, length-from)
	if _, err := l.file.ReadAt(buf, from); err != nil {
		return nil, Cursor(length), fmt.Errorf("read chat log: %w", err)
	}

	entries := make([][]byte, 0, len(offsets)-first)
	for pos := 0; pos < len(buf); {
		if len(buf)-pos < HeaderSize {
			return nil, Cursor(length), fmt.Errorf("%w: short header at %d", ErrCorrupt, from+int64(pos))
		}
		n := int(binary.BigEndian.Uint32(buf[pos:]))
		pos += HeaderSize
		if len(buf)-pos < n {
			return nil, Cursor(length), fmt.Errorf("%w: short entry at %d", ErrCorrupt, from+int64(pos))
		}
		entries = append(entries, buf[pos:pos+n])
		pos += n
	}
	return entries, Cursor(length), nil
}

// Length is the committed size of the session log, usable as the starting
// cursor of a reader that skips history.
func (s *Store) Length(session string) (Cursor, error) {
	l, err := s.open(session, false)
	if err != nil || l == nil {
		return 0, err
	}
	l.mu.RLock()
	defer l.mu.RUnlock()
	return Cursor(l.length), nil
}

func (s *Store) Count(session string) (int, error) {
	l, err := s.open(session, false)
	if err != nil || l == nil {
		return 0, err
	}
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.offsets), nil
}

func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	s.closed = true

	var errs []error
	for id, l := range s.logs {
		l.appendMu.Lock()
		if err := l.file.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close %s: %w", id, err))
		}
		l.appendMu.Unlock()
	}
	return errors.Join(errs...)
}
