package artifact

import (
	"context"
	"errors"
	"testing"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/request"
	"github.com/aws/aws-sdk-go/service/s3"
	"github.com/aws/aws-sdk-go/service/s3/s3iface"

	"github.com/apptrail-sh/bluegreen/internal/model"
)

type mockS3 struct {
	s3iface.S3API

	objects map[string]*s3.HeadObjectOutput
	keys    []string
}

func (m *mockS3) HeadObjectWithContext(_ aws.Context, in *s3.HeadObjectInput, _ ...request.Option) (*s3.HeadObjectOutput, error) {
	m.keys = append(m.keys, aws.StringValue(in.Key))
	out, ok := m.objects[aws.StringValue(in.Key)]
	if !ok {
		return nil, errors.New("NotFound")
	}
	return out, nil
}

func TestVersions(t *testing.T) {
	mock := &mockS3{objects: map[string]*s3.HeadObjectOutput{
		"ui.tgz": {
			VersionId: aws.String("v-ui"),
			Metadata:  map[string]*string{"Commit-Id": aws.String("abc123")},
		},
		"backend.tgz": {VersionId: aws.String("v-be")},
	}}
	s := NewS3Store(mock)

	app := model.Application{
		ArtifactBucket: "artifacts",
		Modules:        []model.Module{{Name: "frontend", ArchiveName: "ui.tgz"}, {Name: "backend"}},
	}
	versions, err := s.Versions(context.Background(), app)
	if err != nil {
		t.Fatalf("Versions: %v", err)
	}
	if len(versions) != 2 {
		t.Fatalf("expected 2 versions, got %d", len(versions))
	}
	if versions[0].VersionID != "v-ui" || versions[0].CommitID != "abc123" {
		t.Errorf("frontend = %+v", versions[0])
	}
	if versions[1].Key != "backend.tgz" || versions[1].CommitID != "" {
		t.Errorf("backend = %+v", versions[1])
	}
}

func TestVersions_MissingObject(t *testing.T) {
	s := NewS3Store(&mockS3{})
	_, err := s.Versions(context.Background(), model.Application{
		ArtifactBucket: "artifacts",
		Modules:        []model.Module{{Name: "frontend"}},
	})
	if err == nil {
		t.Fatal("expected error for a missing artifact")
	}
}
