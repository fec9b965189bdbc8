package upload

import (
	"fmt"
	"io"
	"mime"
	"net/http"
	"os"
	"path/filepath"
)

// OpenFile opens a local file for upload, detecting its MIME type from the
// extension or, failing that, from its first bytes. The caller closes the
// returned closer.
func OpenFile(path string) (File, io.Closer, error) {
	fh, err := os.Open(path)
	if err != nil {
		return File{}, nil, err
	}
	st, err := fh.Stat()
	if err != nil {
		fh.Close()
		return File{}, nil, err
	}
	if st.IsDir() {
		fh.Close()
		return File{}, nil, fmt.Errorf("%s is a directory", path)
	}

	ct := mime.TypeByExtension(filepath.Ext(path))
	if ct == "" {
		head := make([]byte, 512)
		n, _ := io.ReadFull(fh, head)
		ct = http.DetectContentType(head[:n])
		if _, err := fh.Seek(0, io.SeekStart); err != nil {
			fh.Close()
			return File{}, nil, err
		}
	}
	return File{
		Name:        filepath.Base(path),
		Size:        st.Size(),
		ContentType: ct,
		Body:        fh,
	}, fh, nil
}
