package ssh

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/sftp"
	"github.com/rs/zerolog/log"
	"golang.org/x/crypto/ssh"
)

// SftpSession is the SFTP subsystem of a Session. The subsystem channel is
// opened on first use and re-opened after a reconnect; the working directory
// belongs to the SftpSession and is re-applied each time.
type SftpSession struct {
	session *Session

	// open serializes subsystem (re-)opens.
	open protoLock

	mu   sync.Mutex
	cwd  string
	conn *sftpConn
}

// sftpConn is one opened subsystem channel, registered as a child of the
// connection it was opened on.
type sftpConn struct {
	owner  *SftpSession
	link   *link
	id     uint64
	ch     ssh.Channel
	client *sftp.Client

	// broken is set once the subsystem channel has gone away.
	broken atomic.Bool

	mu       sync.Mutex
	files    map[uint64]*sftp.File
	nextFile uint64
	closing  bool
}

// Sftp returns the session's SFTP handle. No I/O happens until the first
// operation.
func (s *Session) Sftp() *SftpSession {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sftp == nil {
		s.sftp = &SftpSession{session: s}
	}
	return s.sftp
}

// acquire returns a usable subsystem handle on the current connection,
// opening one if needed.
func (f *SftpSession) acquire(op string, deadline time.Time) (*sftpConn, error) {
	l, err := f.session.live(op)
	if err != nil {
		return nil, err
	}
	if c := f.current(l); c != nil {
		return c, nil
	}

	if err := f.open.acquire(&l.fuse, deadline); err != nil {
		return nil, newTimeoutError(op, errBusy)
	}
	defer f.open.unlock()

	if c := f.current(l); c != nil {
		return c, nil
	}

	f.mu.Lock()
	stale := f.conn
	f.conn = nil
	f.mu.Unlock()
	if stale != nil {
		_ = stale.closeChild(deadline)
	}

	c, err := f.dial(l, deadline)
	if err != nil {
		return nil, err
	}
	if err := f.replayCwd(c, deadline); err != nil {
		_ = c.closeChild(deadline)
		return nil, err
	}

	f.mu.Lock()
	f.conn = c
	f.mu.Unlock()
	return c, nil
}

// current returns the open subsystem handle on l, or nil.
func (f *SftpSession) current(l *link) *sftpConn {
	f.mu.Lock()
	defer f.mu.Unlock()
	if c := f.conn; c != nil && c.link == l && !c.broken.Load() {
		return c
	}
	return nil
}

func (f *SftpSession) dial(l *link, deadline time.Time) (*sftpConn, error) {
	const op = "sftp.open"
	s := f.session

	c, err := invokeWithCleanup(s, l, op, deadline, func() (*sftpConn, error) {
		ch, reqs, err := l.client.OpenChannel("session", nil)
		if err != nil {
			return nil, err
		}
		conn := &sftpConn{owner: f, link: l, ch: ch, files: make(map[uint64]*sftp.File)}
		go func() {
			ssh.DiscardRequests(reqs)
			conn.broken.Store(true)
		}()
		go func() {
			_, _ = io.Copy(io.Discard, ch.Stderr())
		}()

		ok, err := ch.SendRequest("subsystem", true, ssh.Marshal(&subsystemRequest{Name: "sftp"}))
		if err == nil && !ok {
			err = newProtocolError(op, CodeOpUnsupported, fmt.Errorf("server refused the sftp subsystem"))
		}
		if err != nil {
			_ = ch.Close()
			return nil, err
		}

		client, err := sftp.NewClientPipe(ch, ch)
		if err != nil {
			_ = ch.Close()
			return nil, err
		}
		conn.client = client
		return conn, nil
	}, func(c *sftpConn) {
		_ = c.client.Close()
	})
	if err != nil {
		return nil, sftpError(op, err)
	}

	id, err := l.children.register(c)
	if err != nil {
		_ = c.client.Close()
		return nil, newStateError(op, err)
	}
	c.id = id

	log.Debug().Str("session", s.id).Uint64("generation", l.gen).Msg("SFTP subsystem opened")
	return c, nil
}

// replayCwd resolves the initial working directory, or re-applies the saved
// one on a fresh handle.
func (f *SftpSession) replayCwd(c *sftpConn, deadline time.Time) error {
	f.mu.Lock()
	cwd := f.cwd
	f.mu.Unlock()

	if cwd == "" {
		wd, err := invoke(f.session, c.link, "sftp.getwd", deadline, func() (string, error) {
			return c.client.Getwd()
		})
		if err != nil {
			return sftpError("sftp.getwd", err)
		}
		f.mu.Lock()
		if f.cwd == "" {
			f.cwd = wd
		}
		f.mu.Unlock()
		return nil
	}

	_, err := f.chdirOn(c, "sftp.chdir", cwd, deadline)
	if err != nil {
		log.Warn().Err(err).Str("cwd", cwd).Msg("could not restore SFTP working directory")
	}
	return err
}

// sftpDo runs one SFTP call within timeout on a usable handle.
func sftpDo[T any](f *SftpSession, op string, timeout time.Duration, fn func(c *sftpConn) (T, error)) (T, error) {
	deadline := f.session.defaultDeadline(timeout)
	var zero T
	c, err := f.acquire(op, deadline)
	if err != nil {
		return zero, err
	}
	v, err := invoke(f.session, c.link, op, deadline, func() (T, error) {
		return fn(c)
	})
	if err != nil {
		return v, c.classify(op, err)
	}
	return v, nil
}

func (c *sftpConn) classify(op string, err error) error {
	err = sftpError(op, err)
	if c.broken.Load() {
		log.Debug().Err(err).Str("op", op).Msg("SFTP subsystem channel lost, will reopen")
	}
	return err
}

// sftpError maps client errors onto ProtocolError codes.
func sftpError(op string, err error) error {
	var te *TransportError
	if errors.As(err, &te) {
		return err
	}

	var se *sftp.StatusError
	switch {
	case errors.Is(err, os.ErrNotExist):
		return newProtocolError(op, CodeNoSuchFile, err)
	case errors.Is(err, os.ErrPermission):
		return newProtocolError(op, CodePermissionDenied, err)
	case errors.As(err, &se):
		return newProtocolError(op, se.Code, err)
	case errors.Is(err, sftp.ErrSSHFxConnectionLost), errors.Is(err, io.ErrUnexpectedEOF), errors.Is(err, io.EOF):
		return newStateError(op, fmt.Errorf("sftp subsystem closed: %w", err))
	}
	return newProtocolError(op, CodeFailure, err)
}

// abs resolves p against the working directory.
func (f *SftpSession) abs(p string) string {
	if path.IsAbs(p) {
		return path.Clean(p)
	}
	f.mu.Lock()
	cwd := f.cwd
	f.mu.Unlock()
	if cwd == "" {
		return p
	}
	return path.Join(cwd, p)
}

// Getwd returns the working directory. It is empty until the first
// operation resolved it.
func (f *SftpSession) Getwd() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.cwd
}

// Chdir changes the working directory and returns its absolute form.
func (f *SftpSession) Chdir(p string, timeout time.Duration) (string, error) {
	const op = "sftp.chdir"
	deadline := f.session.defaultDeadline(timeout)
	c, err := f.acquire(op, deadline)
	if err != nil {
		return "", err
	}
	return f.chdirOn(c, op, f.abs(p), deadline)
}

func (f *SftpSession) chdirOn(c *sftpConn, op, target string, deadline time.Time) (string, error) {
	resolved, err := invoke(f.session, c.link, op, deadline, func() (string, error) {
		rp, err := c.client.RealPath(target)
		if err != nil {
			return "", err
		}
		fi, err := c.client.Stat(rp)
		if err != nil {
			return "", err
		}
		if !fi.IsDir() {
			return "", newProtocolError(op, CodeFailure, fmt.Errorf("%s is not a directory", rp))
		}
		return rp, nil
	})
	if err != nil {
		return "", c.classify(op, err)
	}

	f.mu.Lock()
	f.cwd = resolved
	f.mu.Unlock()
	return resolved, nil
}

// Stat returns the attributes of p, or nil without error if p does not exist.
func (f *SftpSession) Stat(p string, timeout time.Duration) (*FileStat, error) {
	st, err := sftpDo(f, "sftp.stat", timeout, func(c *sftpConn) (*FileStat, error) {
		target := f.abs(p)
		fi, err := c.client.Stat(target)
		if err != nil {
			return nil, err
		}
		return newFileStat(target, fi), nil
	})
	if IsNotExist(err) {
		return nil, nil
	}
	return st, err
}

// List returns the entry names of directory p in server order.
func (f *SftpSession) List(p string, timeout time.Duration) ([]string, error) {
	entries, err := f.ListFull(p, timeout)
	if err != nil {
		return nil, err
	}
	names := make([]string, len(entries))
	for i, e := range entries {
		names[i] = e.Name
	}
	return names, nil
}

// ListFull returns the entries of directory p in server order.
func (f *SftpSession) ListFull(p string, timeout time.Duration) ([]*FileStat, error) {
	return sftpDo(f, "sftp.list", timeout, func(c *sftpConn) ([]*FileStat, error) {
		dir := f.abs(p)
		infos, err := c.client.ReadDir(dir)
		if err != nil {
			return nil, err
		}
		entries := make([]*FileStat, len(infos))
		for i, fi := range infos {
			entries[i] = newFileStat(path.Join(dir, fi.Name()), fi)
		}
		return entries, nil
	})
}

// Rename moves oldPath to newPath.
func (f *SftpSession) Rename(oldPath, newPath string, timeout time.Duration) error {
	_, err := sftpDo(f, "sftp.rename", timeout, func(c *sftpConn) (struct{}, error) {
		return struct{}{}, c.client.Rename(f.abs(oldPath), f.abs(newPath))
	})
	return err
}

// Remove deletes the file p.
func (f *SftpSession) Remove(p string, timeout time.Duration) error {
	_, err := sftpDo(f, "sftp.remove", timeout, func(c *sftpConn) (struct{}, error) {
		return struct{}{}, c.client.Remove(f.abs(p))
	})
	return err
}

// Mkdir creates directory p.
func (f *SftpSession) Mkdir(p string, timeout time.Duration) error {
	_, err := sftpDo(f, "sftp.mkdir", timeout, func(c *sftpConn) (struct{}, error) {
		return struct{}{}, c.client.Mkdir(f.abs(p))
	})
	return err
}

// Rmdir removes the empty directory p.
func (f *SftpSession) Rmdir(p string, timeout time.Duration) error {
	_, err := sftpDo(f, "sftp.rmdir", timeout, func(c *sftpConn) (struct{}, error) {
		return struct{}{}, c.client.RemoveDirectory(f.abs(p))
	})
	return err
}

// Chmod sets the permission bits of p.
func (f *SftpSession) Chmod(p string, mode os.FileMode, timeout time.Duration) error {
	_, err := sftpDo(f, "sftp.chmod", timeout, func(c *sftpConn) (struct{}, error) {
		return struct{}{}, c.client.Chmod(f.abs(p), mode)
	})
	return err
}

// Get streams the content of p into sink in bounded chunks. Each chunk is
// subject to timeout. It returns the number of bytes written to sink.
func (f *SftpSession) Get(p string, sink io.Writer, timeout time.Duration) (int64, error) {
	const op = "sftp.get"
	start := time.Now()

	h, err := sftpDo(f, op, timeout, func(c *sftpConn) (*fileHandle, error) {
		return c.openFile(f.abs(p), os.O_RDONLY)
	})
	if err != nil {
		return 0, err
	}
	defer h.close(f.session.defaultDeadline(timeout))

	var total int64
	buf := make([]byte, chunkSize)
	for {
		n, err := invoke(f.session, h.conn.link, op, f.session.defaultDeadline(timeout), func() (int, error) {
			return h.file.Read(buf)
		})
		if n > 0 {
			if _, werr := sink.Write(buf[:n]); werr != nil {
				return total, fmt.Errorf("write to sink: %w", werr)
			}
			total += int64(n)
		}
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return total, h.conn.classify(op, err)
		}
	}

	f.session.metrics.RecordBytes("download", total)
	log.Debug().
		Str("path", p).
		Int64("bytes", total).
		Dur("duration", time.Since(start)).
		Msg("SFTP download complete")
	return total, nil
}

// Put streams source into p, creating or truncating it, and sets mode. Each
// chunk is subject to timeout. It returns the number of bytes written.
func (f *SftpSession) Put(source io.Reader, p string, mode os.FileMode, timeout time.Duration) (int64, error) {
	const op = "sftp.put"
	start := time.Now()

	h, err := sftpDo(f, op, timeout, func(c *sftpConn) (*fileHandle, error) {
		return c.openFile(f.abs(p), os.O_WRONLY|os.O_CREATE|os.O_TRUNC)
	})
	if err != nil {
		return 0, err
	}

	var total int64
	buf := make([]byte, chunkSize)
	for {
		n, rerr := source.Read(buf)
		if n > 0 {
			chunk := buf[:n]
			if _, err := invoke(f.session, h.conn.link, op, f.session.defaultDeadline(timeout), func() (int, error) {
				return h.file.Write(chunk)
			}); err != nil {
				h.close(f.session.defaultDeadline(timeout))
				return total, h.conn.classify(op, err)
			}
			total += int64(n)
		}
		if errors.Is(rerr, io.EOF) {
			break
		}
		if rerr != nil {
			h.close(f.session.defaultDeadline(timeout))
			return total, fmt.Errorf("read from source: %w", rerr)
		}
	}

	if _, err := invoke(f.session, h.conn.link, "sftp.chmod", f.session.defaultDeadline(timeout), func() (struct{}, error) {
		return struct{}{}, h.file.Chmod(mode)
	}); err != nil {
		h.close(f.session.defaultDeadline(timeout))
		return total, h.conn.classify("sftp.chmod", err)
	}
	if err := h.close(f.session.defaultDeadline(timeout)); err != nil {
		return total, err
	}

	f.session.metrics.RecordBytes("upload", total)
	log.Debug().
		Str("path", p).
		Int64("bytes", total).
		Dur("duration", time.Since(start)).
		Msg("SFTP upload complete")
	return total, nil
}

// Close closes open remote files and the subsystem channel. The working
// directory is kept; the next operation re-opens the subsystem.
func (f *SftpSession) Close() error {
	f.mu.Lock()
	c := f.conn
	f.conn = nil
	f.mu.Unlock()
	if c == nil {
		return nil
	}
	return c.closeChild(f.session.defaultDeadline(0))
}

// fileHandle is an open remote file tracked by its sftpConn.
type fileHandle struct {
	conn *sftpConn
	id   uint64
	file *sftp.File
	once sync.Once
	err  error
}

// openFile opens and registers a remote file. It runs under the protocol
// lock.
func (c *sftpConn) openFile(p string, flags int) (*fileHandle, error) {
	c.mu.Lock()
	closing := c.closing
	c.mu.Unlock()
	if closing {
		return nil, newStateError("sftp.open_file", errHandleClosed)
	}

	file, err := c.client.OpenFile(p, flags)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	c.nextFile++
	id := c.nextFile
	c.files[id] = file
	c.mu.Unlock()
	return &fileHandle{conn: c, id: id, file: file}, nil
}

// close closes the remote file under the protocol lock and forgets it.
func (h *fileHandle) close(deadline time.Time) error {
	h.once.Do(func() {
		c := h.conn
		c.mu.Lock()
		_, tracked := c.files[h.id]
		delete(c.files, h.id)
		c.mu.Unlock()
		if !tracked || c.link.fuse.Blown() {
			return
		}
		_, err := invoke(c.owner.session, c.link, "sftp.close_file", deadline, func() (struct{}, error) {
			return struct{}{}, h.file.Close()
		})
		if err != nil {
			h.err = c.classify("sftp.close_file", err)
		}
	})
	return h.err
}

func (c *sftpConn) kind() string { return kindSftp }

// closeChild closes every tracked remote file, then the subsystem.
func (c *sftpConn) closeChild(deadline time.Time) error {
	c.mu.Lock()
	if c.closing {
		c.mu.Unlock()
		return nil
	}
	c.closing = true
	files := c.files
	c.files = make(map[uint64]*sftp.File)
	c.mu.Unlock()

	var firstErr error
	if !c.link.fuse.Blown() {
		s := c.owner.session
		for _, file := range files {
			file := file
			if _, err := invoke(s, c.link, "sftp.close_file", deadline, func() (struct{}, error) {
				return struct{}{}, file.Close()
			}); err != nil && firstErr == nil {
				firstErr = err
			}
		}
		if _, err := invoke(s, c.link, "sftp.close", deadline, func() (struct{}, error) {
			return struct{}{}, c.client.Close()
		}); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	c.broken.Store(true)
	c.link.children.unregister(c.id)

	log.Debug().Str("session", c.owner.session.id).Int("open_files", len(files)).Msg("SFTP subsystem closed")
	return firstErr
}
