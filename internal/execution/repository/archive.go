package repository

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"sync"
	"unicode/utf8"

	"codex/internal/common/storage"
	"codex/internal/execution/model"
	appErr "codex/pkg/errors"

	"github.com/bytedance/sonic"
	"github.com/klauspost/compress/zstd"
)

const (
	DefaultArchiveBucket      = "submission-results"
	DefaultInlineOutputLimit  = 64 * 1024
	archiveContentType        = "application/zstd"
	truncatedMarker           = "\n[truncated, full output archived]"
	maxArchiveDecompressBytes = 64 << 20
)

// ArchivedOutput is the full captured output of one submission.
type ArchivedOutput struct {
	Stdout string `json:"stdout"`
	Stderr string `json:"stderr"`
}

// OutputArchiver moves oversized output out of the result row.
type OutputArchiver interface {
	// Offload archives the full output when it exceeds the inline limit and
	// truncates the result in place. It reports whether anything was archived.
	Offload(ctx context.Context, result *model.SubmissionResult) (bool, error)
	Load(ctx context.Context, archiveKey string) (*ArchivedOutput, error)
}

// ObjectOutputArchive stores zstd-compressed output in object storage.
type ObjectOutputArchive struct {
	storage     storage.ObjectStorage
	bucket      string
	inlineLimit int

	once    sync.Once
	encoder *zstd.Encoder
	decoder *zstd.Decoder
	initErr error
}

func NewObjectOutputArchive(store storage.ObjectStorage, bucket string, inlineLimit int) *ObjectOutputArchive {
	if bucket == "" {
		bucket = DefaultArchiveBucket
	}
	if inlineLimit <= 0 {
		inlineLimit = DefaultInlineOutputLimit
	}
	return &ObjectOutputArchive{storage: store, bucket: bucket, inlineLimit: inlineLimit}
}

// ArchiveKey is the object key of a submission's archived output.
func ArchiveKey(submissionID string) string {
	return fmt.Sprintf("results/%s/output.zst", submissionID)
}

func (a *ObjectOutputArchive) codecs() error {
	a.once.Do(func() {
		a.encoder, a.initErr = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
		if a.initErr != nil {
			return
		}
		a.decoder, a.initErr = zstd.NewReader(nil, zstd.WithDecoderMaxMemory(maxArchiveDecompressBytes))
	})
	return a.initErr
}

func (a *ObjectOutputArchive) Offload(ctx context.Context, result *model.SubmissionResult) (bool, error) {
	if result == nil || len(result.Stdout)+len(result.Stderr) <= a.inlineLimit {
		return false, nil
	}
	if a.storage == nil {
		return false, appErr.New(appErr.ServiceUnavailable).WithMessage("object storage is not configured")
	}
	if err := a.codecs(); err != nil {
		return false, appErr.Wrapf(err, appErr.ArchiveFailed, "init zstd codec failed")
	}
	payload, err := sonic.Marshal(ArchivedOutput{Stdout: result.Stdout, Stderr: result.Stderr})
	if err != nil {
		return false, appErr.Wrapf(err, appErr.ArchiveFailed, "encode output failed")
	}
	compressed := a.encoder.EncodeAll(payload, nil)
	key := ArchiveKey(result.SubmissionID)
	if err := a.storage.PutObject(ctx, a.bucket, key, bytes.NewReader(compressed), int64(len(compressed)), archiveContentType); err != nil {
		return false, appErr.Wrapf(err, appErr.ArchiveFailed, "upload output archive failed")
	}

	half := a.inlineLimit / 2
	result.Stdout = truncateUTF8(result.Stdout, half)
	result.Stderr = truncateUTF8(result.Stderr, half)
	result.ArchiveKey = key
	return true, nil
}

func (a *ObjectOutputArchive) Load(ctx context.Context, archiveKey string) (*ArchivedOutput, error) {
	if a.storage == nil {
		return nil, appErr.New(appErr.ServiceUnavailable).WithMessage("object storage is not configured")
	}
	if err := a.codecs(); err != nil {
		return nil, appErr.Wrapf(err, appErr.ArchiveFailed, "init zstd codec failed")
	}
	rc, err := a.storage.GetObject(ctx, a.bucket, archiveKey)
	if err != nil {
		return nil, appErr.Wrapf(err, appErr.ArchiveFailed, "open output archive failed")
	}
	defer rc.Close()
	compressed, err := io.ReadAll(rc)
	if err != nil {
		return nil, appErr.Wrapf(err, appErr.ArchiveFailed, "read output archive failed")
	}
	raw, err := a.decoder.DecodeAll(compressed, nil)
	if err != nil {
		return nil, appErr.Wrapf(err, appErr.ArchiveFailed, "decompress output archive failed")
	}
	var out ArchivedOutput
	if err := sonic.Unmarshal(raw, &out); err != nil {
		return nil, appErr.Wrapf(err, appErr.ArchiveFailed, "decode output archive failed")
	}
	return &out, nil
}

// truncateUTF8 cuts s to at most limit bytes on a rune boundary and marks
// the cut when there is room for the marker.
func truncateUTF8(s string, limit int) string {
	if len(s) <= limit {
		return s
	}
	marker := truncatedMarker
	if limit <= len(marker) {
		marker = ""
	}
	cut := limit - len(marker)
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut] + marker
}

var _ OutputArchiver = (*ObjectOutputArchive)(nil)
