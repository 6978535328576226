// Package capture turns camera snapshots, picked files and dropped files into CandidateFiles.
package capture

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/gabriel-vasile/mimetype"

	"github.com/joseph-ayodele/receipts-reconcile/constants"
)

// Source records which capture path produced a CandidateFile.
type Source string

const (
	SourceCamera Source = "camera"
	SourceFile   Source = "file"
	SourceWatch  Source = "watch"
)

// CandidateFile is a captured payload waiting for validation and submission.
// Data is nil when the payload was not read because it already exceeds the read limit;
// Size still carries the real (or at least limit+1) size in that case.
type CandidateFile struct {
	Name       string
	MediaType  string
	Size       int64
	Data       []byte
	Source     Source
	CapturedAt time.Time
}

// Reader returns a fresh reader over the payload.
func (f CandidateFile) Reader() io.Reader { return bytes.NewReader(f.Data) }

// Truncated reports whether the payload was left unread because of its size.
func (f CandidateFile) Truncated() bool { return f.Data == nil && f.Size > 0 }

// FromFile reads one file from disk. When limit > 0 and the file is larger, the content
// is not loaded and the validator will classify it as too_large.
func FromFile(path string, limit int64) (CandidateFile, error) {
	info, err := os.Stat(path)
	if err != nil {
		return CandidateFile{}, fmt.Errorf("stat %s: %w", path, err)
	}
	if info.IsDir() {
		return CandidateFile{}, fmt.Errorf("%s is a directory", path)
	}

	cf := CandidateFile{
		Name:       filepath.Base(path),
		Size:       info.Size(),
		Source:     SourceFile,
		CapturedAt: time.Now().UTC(),
	}
	declared := constants.MediaTypeByExtension[constants.NormalizeExt(filepath.Ext(path))]

	if limit > 0 && info.Size() > limit {
		mt, err := mimetype.DetectFile(path)
		if err != nil {
			return CandidateFile{}, fmt.Errorf("detect %s: %w", path, err)
		}
		cf.MediaType = resolveMediaType(declared, mt.String())
		return cf, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return CandidateFile{}, fmt.Errorf("read %s: %w", path, err)
	}
	cf.Data = data
	cf.Size = int64(len(data))
	cf.MediaType = resolveMediaType(declared, mimetype.Detect(data).String())
	return cf, nil
}

// FromReader reads a picked or dropped stream. declared may be empty, in which case the
// content is sniffed. At most limit+1 bytes are read when limit > 0.
func FromReader(name, declared string, r io.Reader, limit int64) (CandidateFile, error) {
	src := r
	if limit > 0 {
		src = io.LimitReader(r, limit+1)
	}
	data, err := io.ReadAll(src)
	if err != nil {
		return CandidateFile{}, fmt.Errorf("read %s: %w", name, err)
	}
	cf := CandidateFile{
		Name:       name,
		Size:       int64(len(data)),
		Source:     SourceFile,
		CapturedAt: time.Now().UTC(),
	}
	if declared == "" {
		declared = constants.MediaTypeByExtension[constants.NormalizeExt(filepath.Ext(name))]
	}
	cf.MediaType = resolveMediaType(constants.NormalizeMediaType(declared), mimetype.Detect(data).String())
	if limit > 0 && cf.Size > limit {
		return cf, nil
	}
	cf.Data = data
	return cf, nil
}

// FromSelection reads every picked path. The single-file contract is enforced by the
// upload validator, not here.
func FromSelection(paths []string, limit int64) ([]CandidateFile, error) {
	if len(paths) == 0 {
		return nil, errors.New("no files selected")
	}
	out := make([]CandidateFile, 0, len(paths))
	for _, p := range paths {
		cf, err := FromFile(p, limit)
		if err != nil {
			return nil, err
		}
		out = append(out, cf)
	}
	return out, nil
}

// resolveMediaType prefers sniffed content over the declared type when the sniffed type is
// one we accept; a mislabelled PDF saved as .jpg is still a PDF.
func resolveMediaType(declared, sniffed string) string {
	sniffed = constants.NormalizeMediaType(sniffed)
	if constants.IsAllowedMediaType(sniffed) {
		return sniffed
	}
	if declared != "" {
		return constants.NormalizeMediaType(declared)
	}
	return sniffed
}
