package ingest

import (
	"bytes"
	"crypto/rand"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"image"
	_ "image/jpeg"
	_ "image/png"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
)

// Messages double as the HTTP response detail, so they keep the wording the
// API has always returned.
var (
	ErrUnsupportedFormat = errors.New("Unsupported image format. Please upload JPG, JPEG, or PNG images.")
	ErrInvalidEncoding   = errors.New("Invalid base64 image format.")
)

// Ingestor persists probe images into a scratch directory and hands back
// references to them. Filenames carry 8 bytes of random hex so concurrent
// requests never collide; there is no shared state beyond the directory.
type Ingestor struct {
	dir string
}

func New(dir string) *Ingestor {
	return &Ingestor{dir: dir}
}

// Reference is an opaque handle to a saved probe image. It belongs to the
// request that created it and must not be reused across requests.
type Reference struct {
	path   string
	format string
}

// Path returns the on-disk location of the saved image.
func (r Reference) Path() string { return r.path }

// Format returns the image format the reference was saved as.
func (r Reference) Format() string { return r.format }

// Remove deletes the scratch file. It is safe to call on every exit path,
// including when the file was already removed.
func (r Reference) Remove() error {
	if r.path == "" {
		return nil
	}
	err := os.Remove(r.path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	return err
}

// SaveUpload writes an uploaded image verbatim. The declared content type
// must end in jpg, jpeg, or png, compared case-insensitively.
func (i *Ingestor) SaveUpload(label, contentType string, src io.Reader) (Reference, error) {
	ct := strings.ToLower(contentType)
	if !hasImageSuffix(ct) {
		return Reference{}, ErrUnsupportedFormat
	}
	format := ct[strings.LastIndex(ct, "/")+1:]

	path, err := i.scratchPath(label, format)
	if err != nil {
		return Reference{}, err
	}

	dst, err := os.Create(path)
	if err != nil {
		return Reference{}, fmt.Errorf("create scratch file: %w", err)
	}
	if _, err := io.Copy(dst, src); err != nil {
		dst.Close()
		os.Remove(path)
		return Reference{}, fmt.Errorf("write scratch file: %w", err)
	}
	if err := dst.Close(); err != nil {
		os.Remove(path)
		return Reference{}, fmt.Errorf("close scratch file: %w", err)
	}
	return Reference{path: path, format: format}, nil
}

// SaveBase64 decodes a base64 payload, stripping an optional data-URI prefix
// at the first comma, and verifies that the decoded bytes have a readable
// image header before handing the reference out.
func (i *Ingestor) SaveBase64(label, encoded string) (Reference, error) {
	if idx := strings.Index(encoded, ","); idx >= 0 {
		encoded = encoded[idx+1:]
	}
	data, err := base64.StdEncoding.DecodeString(strings.TrimSpace(encoded))
	if err != nil {
		return Reference{}, fmt.Errorf("%w %v", ErrInvalidEncoding, err)
	}

	_, format, err := image.DecodeConfig(bytes.NewReader(data))
	if err != nil {
		return Reference{}, fmt.Errorf("%w %v", ErrInvalidEncoding, err)
	}

	path, err := i.scratchPath(label, "jpg")
	if err != nil {
		return Reference{}, err
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return Reference{}, fmt.Errorf("write scratch file: %w", err)
	}
	return Reference{path: path, format: format}, nil
}

func (i *Ingestor) scratchPath(label, ext string) (string, error) {
	if err := os.MkdirAll(i.dir, 0o755); err != nil {
		return "", fmt.Errorf("create scratch dir: %w", err)
	}

	suffix := make([]byte, 8)
	if _, err := rand.Read(suffix); err != nil {
		return "", fmt.Errorf("generate filename entropy: %w", err)
	}

	name := hex.EncodeToString(suffix) + "." + ext
	if label = sanitizeLabel(label); label != "" {
		name = label + "_" + name
	}
	return filepath.Join(i.dir, name), nil
}

// sanitizeLabel keeps caller-supplied labels (person names) from escaping the
// scratch directory or producing unusable filenames.
func sanitizeLabel(label string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			return r
		case r == '-' || r == '_':
			return r
		case r == ' ':
			return '_'
		default:
			return -1
		}
	}, label)
}

func hasImageSuffix(contentType string) bool {
	for _, suffix := range []string{"jpg", "jpeg", "png"} {
		if strings.HasSuffix(contentType, suffix) {
			return true
		}
	}
	return false
}
