package ssh

import (
	"os"
	"time"

	"github.com/pkg/sftp"
)

// FileType is the kind of filesystem object a FileStat describes.
type FileType int

const (
	FileTypeUnknown FileType = iota
	FileTypeRegular
	FileTypeDirectory
	FileTypeSymbolicLink
	FileTypeBlockDevice
	FileTypeCharacterDevice
	FileTypeFifo
	FileTypeSocket
)

func (t FileType) String() string {
	switch t {
	case FileTypeRegular:
		return "regular"
	case FileTypeDirectory:
		return "directory"
	case FileTypeSymbolicLink:
		return "symlink"
	case FileTypeBlockDevice:
		return "block-device"
	case FileTypeCharacterDevice:
		return "char-device"
	case FileTypeFifo:
		return "fifo"
	case FileTypeSocket:
		return "socket"
	default:
		return "unknown"
	}
}

// FileStat describes a remote file.
type FileStat struct {
	// Path is the absolute remote path
	Path string

	// Name is the final path element
	Name string

	Size  int64
	UID   uint32
	GID   uint32
	Mode  os.FileMode
	Atime time.Time
	Mtime time.Time
	Type  FileType

	// Perm is the ls-style permission string, e.g. "-rwxr-xr-x"
	Perm string
}

// IsDir reports whether the file is a directory.
func (f *FileStat) IsDir() bool {
	return f.Type == FileTypeDirectory
}

// IsRegular reports whether the file is a regular file.
func (f *FileStat) IsRegular() bool {
	return f.Type == FileTypeRegular
}

func newFileStat(p string, fi os.FileInfo) *FileStat {
	st := &FileStat{
		Path:  p,
		Name:  fi.Name(),
		Size:  fi.Size(),
		Mode:  fi.Mode(),
		Mtime: fi.ModTime(),
		Type:  fileTypeOf(fi.Mode()),
	}
	if raw, ok := fi.Sys().(*sftp.FileStat); ok {
		st.UID = raw.UID
		st.GID = raw.GID
		st.Atime = raw.AccessTime()
	}
	st.Perm = permString(st.Type, st.Mode)
	return st
}

func fileTypeOf(mode os.FileMode) FileType {
	switch {
	case mode.IsRegular():
		return FileTypeRegular
	case mode&os.ModeDir != 0:
		return FileTypeDirectory
	case mode&os.ModeSymlink != 0:
		return FileTypeSymbolicLink
	case mode&os.ModeCharDevice != 0:
		return FileTypeCharacterDevice
	case mode&os.ModeDevice != 0:
		return FileTypeBlockDevice
	case mode&os.ModeNamedPipe != 0:
		return FileTypeFifo
	case mode&os.ModeSocket != 0:
		return FileTypeSocket
	default:
		return FileTypeUnknown
	}
}

// permString renders mode the way ls -l does.
func permString(t FileType, mode os.FileMode) string {
	b := []byte("----------")
	switch t {
	case FileTypeDirectory:
		b[0] = 'd'
	case FileTypeSymbolicLink:
		b[0] = 'l'
	case FileTypeBlockDevice:
		b[0] = 'b'
	case FileTypeCharacterDevice:
		b[0] = 'c'
	case FileTypeFifo:
		b[0] = 'p'
	case FileTypeSocket:
		b[0] = 's'
	case FileTypeUnknown:
		b[0] = '?'
	}

	const rwx = "rwxrwxrwx"
	perm := mode.Perm()
	for i := 0; i < 9; i++ {
		if perm&(1<<uint(8-i)) != 0 {
			b[i+1] = rwx[i]
		}
	}

	special := func(pos int, set bool, exec, noexec byte) {
		if !set {
			return
		}
		if b[pos] == 'x' {
			b[pos] = exec
		} else {
			b[pos] = noexec
		}
	}
	special(3, mode&os.ModeSetuid != 0, 's', 'S')
	special(6, mode&os.ModeSetgid != 0, 's', 'S')
	special(9, mode&os.ModeSticky != 0, 't', 'T')

	return string(b)
}
