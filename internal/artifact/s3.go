// Package artifact pins the artifact version each module deploys.
package artifact

import (
	"context"
	"fmt"
	"strings"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/service/s3"
	"github.com/aws/aws-sdk-go/service/s3/s3iface"

	"github.com/apptrail-sh/bluegreen/internal/model"
)

// CommitMetadataKey is the object metadata entry holding the source commit.
const CommitMetadataKey = "commit-id"

type S3Store struct {
	api s3iface.S3API
}

func NewS3Store(api s3iface.S3API) *S3Store {
	return &S3Store{api: api}
}

// LatestVersion returns the current version id of bucket/key and, when the
// uploader recorded one, its commit id.
func (s *S3Store) LatestVersion(ctx context.Context, bucket, key string) (versionID, commitID string, err error) {
	out, err := s.api.HeadObjectWithContext(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return "", "", fmt.Errorf("head s3://%s/%s: %w", bucket, key, err)
	}
	for k, v := range out.Metadata {
		if strings.EqualFold(k, CommitMetadataKey) {
			commitID = aws.StringValue(v)
		}
	}
	return aws.StringValue(out.VersionId), commitID, nil
}

// Versions resolves the latest artifact of every module of app.
func (s *S3Store) Versions(ctx context.Context, app model.Application) ([]model.ArtifactVersion, error) {
	out := make([]model.ArtifactVersion, 0, len(app.Modules))
	for _, m := range app.Modules {
		key := m.ArchiveName
		if key == "" {
			key = m.Name + ".tgz"
		}
		versionID, commitID, err := s.LatestVersion(ctx, app.ArtifactBucket, key)
		if err != nil {
			return nil, err
		}
		out = append(out, model.ArtifactVersion{
			Module:    m.Name,
			Key:       key,
			VersionID: versionID,
			CommitID:  commitID,
		})
	}
	return out, nil
}
