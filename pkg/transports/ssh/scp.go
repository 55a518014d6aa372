package ssh

import (
	"fmt"
	"os"
	"path"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// ScpMetadata describes the file announced by the remote scp source.
type ScpMetadata struct {
	Name  string
	Size  int64
	Mode  os.FileMode
	Atime time.Time
	Mtime time.Time
}

// scpState carries the SCP framing that wraps a channel's data phase.
type scpState struct {
	mu       sync.Mutex
	upload   bool
	size     int64
	sent     int64
	finished bool
}

func (s *scpState) admit(op string, n int) error {
	if !s.upload {
		return newStateError(op, fmt.Errorf("channel is an scp download"))
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sent+int64(n) > s.size {
		return newStateError(op, fmt.Errorf("write of %d bytes exceeds announced size %d (sent %d)", n, s.size, s.sent))
	}
	return nil
}

func (s *scpState) commit(n int) {
	s.mu.Lock()
	s.sent += int64(n)
	s.mu.Unlock()
}

// finishPut ends the data phase of an upload: a zero byte, then the sink's
// acknowledgement.
func (s *scpState) finishPut(c *Channel, deadline time.Time) error {
	const op = "scp.put"
	if !s.upload {
		return nil
	}
	s.mu.Lock()
	if s.finished {
		s.mu.Unlock()
		return nil
	}
	sent, size := s.sent, s.size
	s.finished = true
	s.mu.Unlock()

	if sent != size {
		return newStateError(op, fmt.Errorf("short upload: sent %d of %d bytes", sent, size))
	}
	if _, err := c.write(op, []byte{0}, deadline); err != nil {
		return err
	}
	return c.scpAck(op, deadline)
}

// finishGet acknowledges a fully read download so the source can exit
// cleanly. Partially read downloads are simply abandoned.
func (s *scpState) finishGet(c *Channel, deadline time.Time) {
	const op = "scp.get"
	if s.upload || c.stdout.remaining() != 0 {
		return
	}
	s.mu.Lock()
	if s.finished {
		s.mu.Unlock()
		return
	}
	s.finished = true
	s.mu.Unlock()

	c.stdout.setLimit(-1)
	if err := c.scpAck(op, deadline); err != nil {
		log.Debug().Err(err).Msg("scp source did not confirm transfer")
		return
	}
	if _, err := c.write(op, []byte{0}, deadline); err != nil {
		log.Debug().Err(err).Msg("acknowledging scp transfer")
	}
}

// ScpPut starts an upload of size bytes to remotePath with the given mode.
// Non-zero times are preserved on the remote file. The caller writes exactly
// size bytes to the returned channel, then calls SendEOF and Close.
func (s *Session) ScpPut(remotePath string, size int64, mode os.FileMode, atime, mtime time.Time, timeout time.Duration) (*Channel, error) {
	const op = "scp.put"
	deadline := s.defaultDeadline(timeout)
	preserve := !mtime.IsZero() || !atime.IsZero()

	cmd := "scp -t " + shellQuote(remotePath)
	if preserve {
		cmd = "scp -p -t " + shellQuote(remotePath)
	}

	c, err := s.openChannel(deadline)
	if err != nil {
		return nil, err
	}
	fail := func(err error) (*Channel, error) {
		_ = c.closeChild(time.Now().Add(closeGrace))
		return nil, err
	}

	if err := c.exec(cmd, deadline); err != nil {
		return fail(err)
	}
	if err := c.scpAck(op, deadline); err != nil {
		return fail(err)
	}

	if preserve {
		if atime.IsZero() {
			atime = mtime
		}
		if mtime.IsZero() {
			mtime = atime
		}
		header := fmt.Sprintf("T%d 0 %d 0\n", mtime.Unix(), atime.Unix())
		if _, err := c.write(op, []byte(header), deadline); err != nil {
			return fail(err)
		}
		if err := c.scpAck(op, deadline); err != nil {
			return fail(err)
		}
	}

	header := fmt.Sprintf("C%04o %d %s\n", uint32(mode.Perm()), size, path.Base(remotePath))
	if _, err := c.write(op, []byte(header), deadline); err != nil {
		return fail(err)
	}
	if err := c.scpAck(op, deadline); err != nil {
		return fail(err)
	}

	c.scp = &scpState{upload: true, size: size}

	log.Debug().Str("path", remotePath).Int64("size", size).Msg("scp upload started")
	return c, nil
}

// ScpGet starts a download of remotePath. Reads on the returned channel
// yield exactly the file content and then io.EOF.
func (s *Session) ScpGet(remotePath string, timeout time.Duration) (*Channel, *ScpMetadata, error) {
	const op = "scp.get"
	deadline := s.defaultDeadline(timeout)

	c, err := s.openChannel(deadline)
	if err != nil {
		return nil, nil, err
	}
	fail := func(err error) (*Channel, *ScpMetadata, error) {
		_ = c.closeChild(time.Now().Add(closeGrace))
		return nil, nil, err
	}

	if err := c.exec("scp -p -f "+shellQuote(remotePath), deadline); err != nil {
		return fail(err)
	}
	if _, err := c.write(op, []byte{0}, deadline); err != nil {
		return fail(err)
	}

	meta := &ScpMetadata{}
	for {
		line, err := c.readLine(op, deadline)
		if err != nil {
			return fail(err)
		}
		switch line[0] {
		case 1, 2:
			return fail(newProtocolError(op, CodeFailure, fmt.Errorf("%s", strings.TrimSpace(string(line[1:])))))
		case 'T':
			if err := parseScpTimes(line, meta); err != nil {
				return fail(newProtocolError(op, CodeBadMessage, err))
			}
			if _, err := c.write(op, []byte{0}, deadline); err != nil {
				return fail(err)
			}
			continue
		case 'C':
			if err := parseScpCopy(line, meta); err != nil {
				return fail(newProtocolError(op, CodeBadMessage, err))
			}
		default:
			return fail(newProtocolError(op, CodeBadMessage, fmt.Errorf("unexpected scp record %q", line)))
		}
		break
	}

	c.stdout.setLimit(meta.Size)
	c.scp = &scpState{size: meta.Size}
	if _, err := c.write(op, []byte{0}, deadline); err != nil {
		return fail(err)
	}

	log.Debug().Str("path", remotePath).Int64("size", meta.Size).Msg("scp download started")
	return c, meta, nil
}

// scpAck reads one acknowledgement: 0 is success, 1 and 2 carry a message.
func (c *Channel) scpAck(op string, deadline time.Time) error {
	b, err := c.readAckByte(op, deadline)
	if err != nil {
		return err
	}
	if b == 0 {
		return nil
	}
	msg, err := c.readLine(op, deadline)
	if err != nil {
		return newProtocolError(op, CodeFailure, fmt.Errorf("scp error %d", b))
	}
	return newProtocolError(op, CodeFailure, fmt.Errorf("%s", strings.TrimSpace(string(msg))))
}

func (c *Channel) readAckByte(op string, deadline time.Time) (byte, error) {
	limit := c.stdout.remaining()
	if limit >= 0 {
		c.stdout.setLimit(-1)
		defer c.stdout.setLimit(limit)
	}
	b, err := c.ReadBlock(1, time.Until(deadline))
	if err != nil {
		if IsTimeout(err) || IsState(err) {
			return 0, err
		}
		return 0, newProtocolError(op, CodeFailure, fmt.Errorf("reading scp acknowledgement: %w", err))
	}
	return b[0], nil
}

// parseScpTimes parses "T<mtime> 0 <atime> 0".
func parseScpTimes(line []byte, meta *ScpMetadata) error {
	fields := strings.Fields(strings.TrimSpace(string(line[1:])))
	if len(fields) != 4 {
		return fmt.Errorf("malformed scp time record %q", line)
	}
	mtime, err := strconv.ParseInt(fields[0], 10, 64)
	if err != nil {
		return fmt.Errorf("malformed scp mtime: %w", err)
	}
	atime, err := strconv.ParseInt(fields[2], 10, 64)
	if err != nil {
		return fmt.Errorf("malformed scp atime: %w", err)
	}
	meta.Mtime = time.Unix(mtime, 0)
	meta.Atime = time.Unix(atime, 0)
	return nil
}

// parseScpCopy parses "C<mode> <size> <name>".
func parseScpCopy(line []byte, meta *ScpMetadata) error {
	parts := strings.SplitN(strings.TrimRight(string(line[1:]), "\n"), " ", 3)
	if len(parts) != 3 {
		return fmt.Errorf("malformed scp copy record %q", line)
	}
	mode, err := strconv.ParseUint(parts[0], 8, 32)
	if err != nil {
		return fmt.Errorf("malformed scp mode: %w", err)
	}
	size, err := strconv.ParseInt(parts[1], 10, 64)
	if err != nil || size < 0 {
		return fmt.Errorf("malformed scp size %q", parts[1])
	}
	meta.Mode = os.FileMode(mode).Perm()
	meta.Size = size
	meta.Name = parts[2]
	return nil
}

// shellQuote wraps s in single quotes for a POSIX shell.
func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}
