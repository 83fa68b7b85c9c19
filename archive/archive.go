// Package archive writes converted messages into per-directory mbox files.
package archive

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// ErrSkipped is returned by Open when the policy chose to leave an existing archive alone.
var ErrSkipped = errors.New("archive exists, skipped")

// Mode tells Open what to do with an archive that already exists.
type Mode int

const (
	ModeSkip Mode = iota
	ModeAppend
	ModeOverwrite
)

func (m Mode) String() string {
	switch m {
	case ModeAppend:
		return "append"
	case ModeOverwrite:
		return "overwrite"
	default:
		return "skip"
	}
}

// ParseMode maps an operator answer to a Mode. Anything other than an
// explicit append or overwrite choice means skip.
func ParseMode(answer string) Mode {
	switch strings.ToLower(strings.TrimSpace(answer)) {
	case "a", "append":
		return ModeAppend
	case "o", "overwrite":
		return ModeOverwrite
	default:
		return ModeSkip
	}
}

// Policy decides how to open an archive that already exists at path.
type Policy func(path string) (Mode, error)

// Fixed returns a Policy that always answers mode.
func Fixed(mode Mode) Policy {
	return func(string) (Mode, error) { return mode, nil }
}

// Extensions lists the message file extensions picked up by Discover.
var Extensions = []string{".eml", ".mai"}

// Discover returns the message files directly inside dir, sorted by name.
func Discover(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("read dir: %w", err)
	}
	var files []string
	for _, entry := range entries {
		if !entry.Type().IsRegular() || !IsCandidate(entry.Name()) {
			continue
		}
		files = append(files, filepath.Join(dir, entry.Name()))
	}
	sort.Strings(files)
	return files, nil
}

// IsCandidate reports whether name carries a message file extension, ignoring case.
func IsCandidate(name string) bool {
	ext := filepath.Ext(name)
	for _, want := range Extensions {
		if strings.EqualFold(ext, want) {
			return true
		}
	}
	return false
}

// Name returns the slash-separated name of dir used for its archive and
// its IMAP folder: the base name of root for root itself, otherwise dir
// relative to root.
func Name(root, dir string) (string, error) {
	rel, err := filepath.Rel(root, dir)
	if err != nil {
		return "", fmt.Errorf("relative path: %w", err)
	}
	if rel == "." {
		rel = filepath.Base(filepath.Clean(root))
	}
	if rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("directory %s is outside %s", dir, root)
	}
	return filepath.ToSlash(rel), nil
}

// Path returns the archive path for dir, <saveRoot>/<Name(root, dir)>.mbox.
func Path(saveRoot, root, dir string) (string, error) {
	name, err := Name(root, dir)
	if err != nil {
		return "", err
	}
	return filepath.Join(saveRoot, filepath.FromSlash(name)+".mbox"), nil
}

// Writer appends message lines to one open archive.
type Writer struct {
	path     string
	mode     Mode
	file     *os.File
	buf      *bufio.Writer
	messages int
}

// Open prepares the archive at path. A missing archive is created together
// with its parent directories. An existing archive is handed to policy; when
// the answer is skip, Open returns ErrSkipped.
func Open(path string, policy Policy) (*Writer, error) {
	mode := ModeOverwrite
	if _, err := os.Stat(path); err == nil {
		if policy == nil {
			policy = Fixed(ModeSkip)
		}
		mode, err = policy(path)
		if err != nil {
			return nil, fmt.Errorf("resolve %s: %w", path, err)
		}
		if mode == ModeSkip {
			return nil, ErrSkipped
		}
	} else if !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("stat archive: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create archive directory: %w", err)
	}

	flags := os.O_CREATE | os.O_WRONLY
	if mode == ModeAppend {
		flags |= os.O_APPEND
	} else {
		flags |= os.O_TRUNC
	}
	file, err := os.OpenFile(path, flags, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open archive: %w", err)
	}

	return &Writer{
		path: path,
		mode: mode,
		file: file,
		buf:  bufio.NewWriterSize(file, 64*1024),
	}, nil
}

// Path returns the archive file path.
func (w *Writer) Path() string { return w.path }

// Mode returns the mode the archive was opened with.
func (w *Writer) Mode() Mode { return w.mode }

// Messages returns how many messages were written through w.
func (w *Writer) Messages() int { return w.messages }

// Write appends the lines of one message, each terminated by a newline.
func (w *Writer) Write(lines []string) error {
	for _, line := range lines {
		if _, err := w.buf.WriteString(line); err != nil {
			return fmt.Errorf("write archive: %w", err)
		}
		if err := w.buf.WriteByte('\n'); err != nil {
			return fmt.Errorf("write archive: %w", err)
		}
	}
	w.messages++
	return nil
}

// Close flushes buffered lines and closes the archive.
func (w *Writer) Close() error {
	var firstErr error
	if err := w.buf.Flush(); err != nil {
		firstErr = fmt.Errorf("flush archive: %w", err)
	}
	if err := w.file.Close(); err != nil && firstErr == nil {
		firstErr = fmt.Errorf("close archive: %w", err)
	}
	return firstErr
}

// Quarantine copies src into dir, keeping its path relative to root, and
// returns the destination path.
func Quarantine(src, root, dir string) (string, error) {
	rel, err := filepath.Rel(root, src)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		rel = filepath.Base(src)
	}
	dst := filepath.Join(dir, rel)
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return "", fmt.Errorf("create quarantine directory: %w", err)
	}

	in, err := os.Open(src)
	if err != nil {
		return "", fmt.Errorf("open source: %w", err)
	}
	defer in.Close()

	out, err := os.OpenFile(dst, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return "", fmt.Errorf("create quarantine copy: %w", err)
	}
	if _, err := io.Copy(out, in); err != nil {
		_ = out.Close()
		return "", fmt.Errorf("copy to quarantine: %w", err)
	}
	if err := out.Close(); err != nil {
		return "", fmt.Errorf("close quarantine copy: %w", err)
	}
	return dst, nil
}
