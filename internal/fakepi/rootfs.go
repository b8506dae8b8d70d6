package fakepi

import (
	"io"
	"os"
	"path"
	"path/filepath"

	"github.com/pkg/sftp"
)

// rootFS serves SFTP requests from a directory. Client paths are resolved
// below root and can never escape it.
type rootFS struct {
	root string
}

func (fs rootFS) handlers() sftp.Handlers {
	return sftp.Handlers{FileGet: fs, FilePut: fs, FileCmd: fs, FileList: fs}
}

func (fs rootFS) resolve(p string) string {
	return filepath.Join(fs.root, filepath.FromSlash(path.Clean("/"+p)))
}

func (fs rootFS) Fileread(r *sftp.Request) (io.ReaderAt, error) {
	return os.Open(fs.resolve(r.Filepath))
}

func (fs rootFS) Filewrite(r *sftp.Request) (io.WriterAt, error) {
	target := fs.resolve(r.Filepath)
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return nil, err
	}
	flags := os.O_WRONLY
	pflags := r.Pflags()
	if pflags.Creat {
		flags |= os.O_CREATE
	}
	if pflags.Trunc {
		flags |= os.O_TRUNC
	}
	if pflags.Excl {
		flags |= os.O_EXCL
	}
	return os.OpenFile(target, flags, 0o600)
}

func (fs rootFS) Filecmd(r *sftp.Request) error {
	switch r.Method {
	case "Setstat":
		return nil
	case "Remove":
		return os.Remove(fs.resolve(r.Filepath))
	case "Rename":
		return os.Rename(fs.resolve(r.Filepath), fs.resolve(r.Target))
	case "Mkdir":
		return os.MkdirAll(fs.resolve(r.Filepath), 0o755)
	case "Rmdir":
		return os.Remove(fs.resolve(r.Filepath))
	}
	return sftp.ErrSSHFxOpUnsupported
}

func (fs rootFS) Filelist(r *sftp.Request) (sftp.ListerAt, error) {
	target := fs.resolve(r.Filepath)
	switch r.Method {
	case "List":
		entries, err := os.ReadDir(target)
		if err != nil {
			return nil, err
		}
		infos := make([]os.FileInfo, 0, len(entries))
		for _, entry := range entries {
			info, err := entry.Info()
			if err != nil {
				continue
			}
			infos = append(infos, info)
		}
		return listerAt(infos), nil
	case "Stat", "Lstat":
		info, err := os.Stat(target)
		if err != nil {
			return nil, err
		}
		return listerAt{info}, nil
	}
	return nil, sftp.ErrSSHFxOpUnsupported
}

type listerAt []os.FileInfo

func (l listerAt) ListAt(out []os.FileInfo, offset int64) (int, error) {
	if offset >= int64(len(l)) {
		return 0, io.EOF
	}
	n := copy(out, l[offset:])
	if offset+int64(n) >= int64(len(l)) {
		return n, io.EOF
	}
	return n, nil
}

