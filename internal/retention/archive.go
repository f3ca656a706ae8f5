package retention

import (
	"archive/zip"
	"io"
	"os"
	"path/filepath"

	"github.com/keelworks/casevault/internal/domain"
)

// AppendToArchive adds the file at srcPath to the zip archive at
// archivePath, creating the archive when absent. Entries already present are
// carried over untouched, so the archive only ever grows. The archive is
// rebuilt into a temp file and swapped in with a rename, so a crash mid
// append never corrupts prior entries.
func AppendToArchive(archivePath, srcPath string) error {
	data, err := os.ReadFile(srcPath)
	if err != nil {
		return &domain.IOError{Op: "read", Path: srcPath, Err: err}
	}
	entryName := filepath.Base(srcPath)

	tmp := archivePath + ".tmp"
	out, err := os.OpenFile(tmp, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o600)
	if err != nil {
		return &domain.IOError{Op: "create", Path: tmp, Err: err}
	}
	zw := zip.NewWriter(out)

	exists := false
	if prior, zerr := zip.OpenReader(archivePath); zerr == nil {
		for _, f := range prior.File {
			if f.Name == entryName {
				exists = true
			}
			if cerr := copyEntry(zw, f); cerr != nil {
				prior.Close()
				zw.Close()
				out.Close()
				os.Remove(tmp)
				return cerr
			}
		}
		prior.Close()
	} else if !os.IsNotExist(zerr) {
		zw.Close()
		out.Close()
		os.Remove(tmp)
		return &domain.IOError{Op: "open", Path: archivePath, Err: zerr}
	}

	if !exists {
		w, werr := zw.CreateHeader(&zip.FileHeader{Name: entryName, Method: zip.Deflate})
		if werr == nil {
			_, werr = w.Write(data)
		}
		if werr != nil {
			zw.Close()
			out.Close()
			os.Remove(tmp)
			return &domain.IOError{Op: "archive", Path: archivePath, Err: werr}
		}
	}

	if err := zw.Close(); err != nil {
		out.Close()
		os.Remove(tmp)
		return &domain.IOError{Op: "archive", Path: archivePath, Err: err}
	}
	if err := out.Close(); err != nil {
		os.Remove(tmp)
		return &domain.IOError{Op: "close", Path: tmp, Err: err}
	}
	if err := os.Rename(tmp, archivePath); err != nil {
		os.Remove(tmp)
		return &domain.IOError{Op: "rename", Path: archivePath, Err: err}
	}
	return nil
}

func copyEntry(zw *zip.Writer, f *zip.File) error {
	rc, err := f.Open()
	if err != nil {
		return &domain.IOError{Op: "archive", Path: f.Name, Err: err}
	}
	defer rc.Close()
	hdr := f.FileHeader
	w, err := zw.CreateHeader(&hdr)
	if err != nil {
		return &domain.IOError{Op: "archive", Path: f.Name, Err: err}
	}
	_, err = io.Copy(w, rc)
	if err != nil {
		return &domain.IOError{Op: "archive", Path: f.Name, Err: err}
	}
	return nil
}

// ArchiveEntries lists the entry names in an archive, for audit and tests.
func ArchiveEntries(archivePath string) ([]string, error) {
	r, err := zip.OpenReader(archivePath)
	if err != nil {
		return nil, &domain.IOError{Op: "open", Path: archivePath, Err: err}
	}
	defer r.Close()
	names := make([]string, 0, len(r.File))
	for _, f := range r.File {
		names = append(names, f.Name)
	}
	return names, nil
}
