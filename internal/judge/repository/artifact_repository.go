package repository

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"

	"sandboxjudge/internal/common/storage"
	"sandboxjudge/internal/judge/model"
	appErr "sandboxjudge/pkg/errors"

	"github.com/klauspost/compress/zstd"
)

const (
	artifactContentType = "application/zstd"
	artifactKeyPrefix   = "results/"
	maxArtifactSize     = 64 << 20
)

// ArtifactRepository archives judge results as zstd-compressed JSON objects.
type ArtifactRepository struct {
	storage storage.ObjectStorage
	bucket  string
}

// NewArtifactRepository creates a repository writing to bucket.
func NewArtifactRepository(objectStorage storage.ObjectStorage, bucket string) (*ArtifactRepository, error) {
	if objectStorage == nil {
		return nil, fmt.Errorf("object storage is required")
	}
	if bucket == "" {
		return nil, fmt.Errorf("bucket is required")
	}
	return &ArtifactRepository{storage: objectStorage, bucket: bucket}, nil
}

// ArtifactKey returns the object key of a submission's archived result.
func ArtifactKey(submissionID string) string {
	return artifactKeyPrefix + submissionID + ".json.zst"
}

// Archive stores result under the submission's key, replacing any earlier copy.
func (r *ArtifactRepository) Archive(ctx context.Context, submissionID string, result *model.JudgeResult) error {
	if submissionID == "" {
		return appErr.ValidationError("submissionId", "required")
	}
	if result == nil {
		return appErr.ValidationError("result", "required")
	}
	payload, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("marshal result failed: %w", err)
	}
	enc, err := zstd.NewWriter(nil)
	if err != nil {
		return fmt.Errorf("create zstd encoder failed: %w", err)
	}
	compressed := enc.EncodeAll(payload, nil)
	_ = enc.Close()

	if err := r.storage.PutObject(ctx, r.bucket, ArtifactKey(submissionID), bytes.NewReader(compressed), int64(len(compressed)), artifactContentType); err != nil {
		return appErr.Wrapf(err, appErr.StorageError, "archive result of %s", submissionID)
	}
	return nil
}

// Load reads back an archived result.
func (r *ArtifactRepository) Load(ctx context.Context, submissionID string) (*model.JudgeResult, error) {
	body, err := r.storage.GetObject(ctx, r.bucket, ArtifactKey(submissionID))
	if err != nil {
		return nil, appErr.Wrapf(err, appErr.StorageError, "load result of %s", submissionID)
	}
	defer body.Close()

	dec, err := zstd.NewReader(body)
	if err != nil {
		return nil, fmt.Errorf("create zstd decoder failed: %w", err)
	}
	defer dec.Close()

	data, err := io.ReadAll(io.LimitReader(dec, maxArtifactSize))
	if err != nil {
		return nil, appErr.Wrapf(err, appErr.StorageError, "decode result of %s", submissionID)
	}
	var result model.JudgeResult
	if err := json.Unmarshal(data, &result); err != nil {
		return nil, appErr.Wrapf(err, appErr.InvalidFormat, "decode result of %s", submissionID)
	}
	return &result, nil
}
