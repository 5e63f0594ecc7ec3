package u

import (
	"archive/zip"
	"bytes"
	"compress/gzip"
	"io"
	"strings"

	"github.com/andybalholm/brotli"
	"github.com/klauspost/compress/zstd"
)

// extensions of compressed files we can transparently decompress
var compressedExts = []string{".gz", ".br", ".zst", ".zstd"}

// TrimCompressedExt removes .gz, .br, .zst or .zstd extension from name.
// Returns the extension that was removed or "" if name isn't compressed
func TrimCompressedExt(name string) (string, string) {
	lower := strings.ToLower(name)
	for _, ext := range compressedExts {
		if strings.HasSuffix(lower, ext) {
			return name[:len(name)-len(ext)], ext
		}
	}
	return name, ""
}

// DecompressByExt decompresses d based on extension of name.
// Data of uncompressed files is returned as-is
func DecompressByExt(name string, d []byte) ([]byte, error) {
	_, ext := TrimCompressedExt(name)
	switch ext {
	case ".gz":
		r, err := gzip.NewReader(bytes.NewReader(d))
		if err != nil {
			return nil, err
		}
		defer r.Close()
		return io.ReadAll(r)
	case ".br":
		return io.ReadAll(brotli.NewReader(bytes.NewReader(d)))
	case ".zst", ".zstd":
		return ZstdDecompressData(d)
	}
	return d, nil
}

func getErr(errs ...error) error {
	for _, err := range errs {
		if err != nil {
			return err
		}
	}
	return nil
}

func GzipData(d []byte) ([]byte, error) {
	var dst bytes.Buffer
	w, err := gzip.NewWriterLevel(&dst, gzip.BestCompression)
	if err != nil {
		return nil, err
	}
	_, err = w.Write(d)
	err2 := w.Close()
	if err = getErr(err, err2); err != nil {
		return nil, err
	}
	return dst.Bytes(), nil
}

func BrCompressData(d []byte, level int) ([]byte, error) {
	var dst bytes.Buffer
	w := brotli.NewWriterLevel(&dst, level)
	_, err := w.Write(d)
	err2 := w.Close()
	if err = getErr(err, err2); err != nil {
		return nil, err
	}
	return dst.Bytes(), nil
}

func BrCompressDataDefault(d []byte) ([]byte, error) {
	return BrCompressData(d, brotli.DefaultCompression)
}

func ZstdCompressData(d []byte) ([]byte, error) {
	var dst bytes.Buffer
	// SpeedBestCompression is much slower and not much better
	w, err := zstd.NewWriter(&dst, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		return nil, err
	}
	_, err = w.Write(d)
	err2 := w.Close()
	if err = getErr(err, err2); err != nil {
		return nil, err
	}
	return dst.Bytes(), nil
}

func ZstdDecompressData(d []byte) ([]byte, error) {
	zr, err := zstd.NewReader(bytes.NewReader(d))
	if err != nil {
		return nil, err
	}
	defer zr.Close()
	return io.ReadAll(zr)
}

func IterZipReader(r *zip.Reader, cb func(f *zip.File, data []byte) error) error {
	for _, f := range r.File {
		if f.FileInfo().IsDir() {
			continue
		}
		rc, err := f.Open()
		if err != nil {
			return err
		}
		d, err := io.ReadAll(rc)
		err2 := rc.Close()
		if err = getErr(err, err2); err != nil {
			return err
		}
		if err = cb(f, d); err != nil {
			return err
		}
	}
	return nil
}

// ReadZipData returns content of all files in zip data, keyed by name
func ReadZipData(zipData []byte) (map[string][]byte, error) {
	r, err := zip.NewReader(bytes.NewReader(zipData), int64(len(zipData)))
	if err != nil {
		return nil, err
	}
	res := map[string][]byte{}
	err = IterZipReader(r, func(f *zip.File, data []byte) error {
		res[ToSlashPath(f.Name)] = data
		return nil
	})
	if err != nil {
		return nil, err
	}
	return res, nil
}

// ReadZipFile is ReadZipData for a file on disk
func ReadZipFile(path string) (map[string][]byte, error) {
	r, err := zip.OpenReader(path)
	if err != nil {
		return nil, err
	}
	defer CloseNoError(r)
	res := map[string][]byte{}
	err = IterZipReader(&r.Reader, func(f *zip.File, data []byte) error {
		res[ToSlashPath(f.Name)] = data
		return nil
	})
	if err != nil {
		return nil, err
	}
	return res, nil
}
