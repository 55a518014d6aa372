package poller

import (
	"time"

	"github.com/openfroyo/sshlink/pkg/registry"
	"github.com/openfroyo/sshlink/pkg/transports/ssh"
)

// Remote is the set of SFTP operations a poller needs.
type Remote interface {
	ListFull(p string, timeout time.Duration) ([]*ssh.FileStat, error)
	GetFile(p string, timeout time.Duration) ([]byte, error)
	RetrieveFile(remotePath, localPath string, timeout time.Duration) (*ssh.FileTransferResult, error)
	Remove(p string, timeout time.Duration) error
	Rename(oldPath, newPath string, timeout time.Duration) error
}

var _ Remote = (*ssh.SftpSession)(nil)

// Source hands out a usable Remote at the start of every cycle.
type Source func(timeout time.Duration) (Remote, error)

// RegistrySource reads through the session of a registry profile. The
// registry reconnects the session when its link died between cycles.
func RegistrySource(r *registry.Registry, profile string) Source {
	return func(timeout time.Duration) (Remote, error) {
		s, err := r.Get(profile, timeout)
		if err != nil {
			return nil, err
		}
		return s.Sftp(), nil
	}
}

// SessionSource reads through s, connecting it when it is not alive.
func SessionSource(s *ssh.Session) Source {
	return func(timeout time.Duration) (Remote, error) {
		if !s.IsAlive() {
			if err := s.Connect(timeout); err != nil {
				return nil, err
			}
		}
		return s.Sftp(), nil
	}
}
