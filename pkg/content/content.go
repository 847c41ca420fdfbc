// Package content abstracts a unit of deployable content: a file on disk,
// an in-memory byte buffer, or a string, each with change-detection
// semantics and byte-producing accessors.
package content

import (
	"bytes"
	"compress/gzip"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// Content is a logical file destined for the device.
type Content interface {
	// IsModified reports whether the content changed since the last call.
	IsModified() bool
	// IsModifiedAfter reports whether the content changed after t.
	IsModifiedAfter(t time.Time) bool
	// Size returns the byte length of the content.
	Size() int64
	// Bytes returns the complete content.
	Bytes() ([]byte, error)
	// Reader returns the content as a stream.
	Reader() (io.ReadCloser, error)
	// GzipReader returns the content as a gzip(level 1) compressed stream.
	GzipReader() (io.ReadCloser, error)
}

// FileContent is content backed by a file on disk.
//
// Symbolic links are resolved on stat. When TrustSymlinks is set the
// resolved target is cached; if the cached target disappears the link is
// re-resolved on the next stat.
type FileContent struct {
	Path string

	// TrustSymlinks caches the resolved symlink target after the first
	// resolution. Only safe when link targets are stable for the life of
	// the session.
	TrustSymlinks bool

	mu         sync.Mutex
	linkTarget string
	haveStat   bool
	modTime    time.Time
	size       int64
}

// NewFileContent creates file-backed content for path.
func NewFileContent(path string) *FileContent {
	return &FileContent{Path: path}
}

// target returns the effective file path, resolving symlinks.
// Caller holds mu.
func (c *FileContent) target() (string, error) {
	if c.linkTarget != "" {
		if _, err := os.Stat(c.linkTarget); err == nil {
			return c.linkTarget, nil
		}
		// Cached target vanished; re-resolve from the original path.
		c.linkTarget = ""
	}

	fi, err := os.Lstat(c.Path)
	if err != nil {
		return "", err
	}
	if fi.Mode()&os.ModeSymlink == 0 {
		return c.Path, nil
	}

	resolved, err := filepath.EvalSymlinks(c.Path)
	if err != nil {
		return "", err
	}
	if c.TrustSymlinks {
		c.linkTarget = resolved
	}
	return resolved, nil
}

// stat refreshes the cached file metadata and returns the previous
// modification time along with whether a previous stat existed.
// Caller holds mu.
func (c *FileContent) stat() (prev time.Time, hadPrev bool, err error) {
	prev, hadPrev = c.modTime, c.haveStat

	path, err := c.target()
	if err != nil {
		c.haveStat = false
		return prev, hadPrev, err
	}
	fi, err := os.Stat(path)
	if err != nil {
		c.haveStat = false
		return prev, hadPrev, err
	}
	c.haveStat = true
	c.modTime = fi.ModTime()
	c.size = fi.Size()
	return prev, hadPrev, nil
}

// IsModified reports true when the file's modification time advanced since
// the previous query, or when the file cannot currently be statted.
func (c *FileContent) IsModified() bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	prev, hadPrev, err := c.stat()
	if err != nil || !hadPrev {
		return true
	}
	return c.modTime.After(prev)
}

// IsModifiedAfter reports true when the file was modified after t, or when
// the file cannot currently be statted.
func (c *FileContent) IsModifiedAfter(t time.Time) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, _, err := c.stat(); err != nil {
		return true
	}
	return c.modTime.After(t)
}

// Size returns the size from the most recent stat.
func (c *FileContent) Size() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.haveStat {
		c.stat()
	}
	return c.size
}

// Bytes reads the complete file content.
func (c *FileContent) Bytes() ([]byte, error) {
	c.mu.Lock()
	path, err := c.target()
	c.mu.Unlock()
	if err != nil {
		return nil, err
	}
	return os.ReadFile(path)
}

// Reader opens the file for streaming.
func (c *FileContent) Reader() (io.ReadCloser, error) {
	c.mu.Lock()
	path, err := c.target()
	c.mu.Unlock()
	if err != nil {
		return nil, err
	}
	return os.Open(path)
}

// GzipReader streams the file through gzip level 1.
func (c *FileContent) GzipReader() (io.ReadCloser, error) {
	r, err := c.Reader()
	if err != nil {
		return nil, err
	}
	return gzipPipe(r), nil
}

// BytesContent is content backed by an in-memory buffer. Every write marks
// the content modified and stamps the write time; the modified flag is
// consumed by IsModified.
type BytesContent struct {
	mu       sync.Mutex
	data     []byte
	modified bool
	modTime  time.Time
}

// NewBytesContent creates memory-backed content holding data.
func NewBytesContent(data []byte) *BytesContent {
	return &BytesContent{
		data:     data,
		modified: true,
		modTime:  time.Now(),
	}
}

// Write replaces the buffer contents.
func (c *BytesContent) Write(data []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.data = data
	c.modified = true
	c.modTime = time.Now()
}

// IsModified reports true at most once per write: the flag is reset by
// reading it.
func (c *BytesContent) IsModified() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	modified := c.modified
	c.modified = false
	return modified
}

// IsModifiedAfter reports whether the last write happened after t. It does
// not consume the modified flag.
func (c *BytesContent) IsModifiedAfter(t time.Time) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.modTime.After(t)
}

// Size returns the buffer length.
func (c *BytesContent) Size() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return int64(len(c.data))
}

// Bytes returns the buffer contents.
func (c *BytesContent) Bytes() ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.data, nil
}

// Reader returns the buffer as a stream.
func (c *BytesContent) Reader() (io.ReadCloser, error) {
	data, _ := c.Bytes()
	return io.NopCloser(bytes.NewReader(data)), nil
}

// GzipReader streams the buffer through gzip level 1.
func (c *BytesContent) GzipReader() (io.ReadCloser, error) {
	r, _ := c.Reader()
	return gzipPipe(r), nil
}

// StringContent is a UTF-8 string wrapper over BytesContent.
type StringContent struct {
	BytesContent
}

// NewStringContent creates string-backed content holding s.
func NewStringContent(s string) *StringContent {
	c := &StringContent{}
	c.BytesContent.Write([]byte(s))
	return c
}

// String returns the content as a string.
func (c *StringContent) String() string {
	data, _ := c.Bytes()
	return string(data)
}

// SetString replaces the content.
func (c *StringContent) SetString(s string) {
	c.BytesContent.Write([]byte(s))
}

// gzipPipe compresses r with gzip level 1 as it is read.
func gzipPipe(r io.ReadCloser) io.ReadCloser {
	pr, pw := io.Pipe()
	go func() {
		gz, err := gzip.NewWriterLevel(pw, gzip.BestSpeed)
		if err != nil {
			r.Close()
			pw.CloseWithError(err)
			return
		}
		_, err = io.Copy(gz, r)
		if cerr := gz.Close(); err == nil {
			err = cerr
		}
		r.Close()
		pw.CloseWithError(err)
	}()
	return pr
}
