package ssh

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog/log"
)

// GetFile returns the whole content of remote file p.
func (f *SftpSession) GetFile(p string, timeout time.Duration) ([]byte, error) {
	var buf bytes.Buffer
	if _, err := f.Get(p, &buf, timeout); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// GetTextFile returns the content of remote file p as a string.
func (f *SftpSession) GetTextFile(p string, timeout time.Duration) (string, error) {
	data, err := f.GetFile(p, timeout)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

// PutFile writes data to remote file p with the given mode.
func (f *SftpSession) PutFile(data []byte, p string, mode os.FileMode, timeout time.Duration) error {
	_, err := f.Put(bytes.NewReader(data), p, mode, timeout)
	return err
}

// RetrieveFile downloads remote file remotePath into localPath. The local
// file is written next to its destination and renamed into place once the
// download succeeded.
func (f *SftpSession) RetrieveFile(remotePath, localPath string, timeout time.Duration) (*FileTransferResult, error) {
	startTime := time.Now()

	log.Debug().
		Str("remote", remotePath).
		Str("local", localPath).
		Msg("retrieving file")

	tmp, err := os.CreateTemp(filepath.Dir(localPath), "."+filepath.Base(localPath)+".*")
	if err != nil {
		return nil, fmt.Errorf("failed to create local file: %w", err)
	}
	defer os.Remove(tmp.Name())

	hasher := sha256.New()
	n, err := f.Get(remotePath, io.MultiWriter(tmp, hasher), timeout)
	if cerr := tmp.Close(); err == nil && cerr != nil {
		err = fmt.Errorf("failed to close local file: %w", cerr)
	}
	if err != nil {
		return nil, err
	}
	if err := os.Rename(tmp.Name(), localPath); err != nil {
		return nil, fmt.Errorf("failed to move local file into place: %w", err)
	}

	finishTime := time.Now()
	result := &FileTransferResult{
		BytesTransferred: n,
		Duration:         finishTime.Sub(startTime),
		StartedAt:        startTime,
		FinishedAt:       finishTime,
		Checksum:         hex.EncodeToString(hasher.Sum(nil)),
	}

	log.Info().
		Str("remote", remotePath).
		Str("local", localPath).
		Int64("bytes", n).
		Dur("duration", result.Duration).
		Msg("file retrieved")
	_ = f.session.events.PublishFileTransferred(f.session.id, remotePath, "download", n, result.Checksum)

	return result, nil
}

// TransferFile uploads local file localPath to remotePath with the given
// mode.
func (f *SftpSession) TransferFile(localPath, remotePath string, mode os.FileMode, timeout time.Duration) (*FileTransferResult, error) {
	startTime := time.Now()

	log.Debug().
		Str("local", localPath).
		Str("remote", remotePath).
		Str("mode", fmt.Sprintf("%04o", mode.Perm())).
		Msg("transferring file")

	localFile, err := os.Open(localPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open local file: %w", err)
	}
	defer localFile.Close()

	hasher := sha256.New()
	n, err := f.Put(io.TeeReader(localFile, hasher), remotePath, mode, timeout)
	if err != nil {
		return nil, err
	}

	finishTime := time.Now()
	result := &FileTransferResult{
		BytesTransferred: n,
		Duration:         finishTime.Sub(startTime),
		StartedAt:        startTime,
		FinishedAt:       finishTime,
		Checksum:         hex.EncodeToString(hasher.Sum(nil)),
	}

	log.Info().
		Str("local", localPath).
		Str("remote", remotePath).
		Int64("bytes", n).
		Dur("duration", result.Duration).
		Msg("file transferred")
	_ = f.session.events.PublishFileTransferred(f.session.id, remotePath, "upload", n, result.Checksum)

	return result, nil
}
