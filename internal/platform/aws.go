package platform

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/ec2metadata"
	"github.com/aws/aws-sdk-go/aws/session"
)

type metadataClient interface {
	AvailableWithContext(ctx aws.Context) bool
	GetInstanceIdentityDocumentWithContext(ctx aws.Context) (ec2metadata.EC2InstanceIdentityDocument, error)
}

// AWSProvider reads the EC2 instance metadata service
type AWSProvider struct {
	client metadataClient
}

// NewAWSProvider creates an EC2 provider. The metadata client does not retry
// so that detection off EC2 fails within timeout.
func NewAWSProvider(timeout time.Duration) *AWSProvider {
	sess := session.Must(session.NewSession(aws.NewConfig().
		WithHTTPClient(&http.Client{Timeout: timeout}).
		WithMaxRetries(0)))
	return &AWSProvider{client: ec2metadata.New(sess)}
}

// Name returns the provider name
func (p *AWSProvider) Name() CloudProvider {
	return ProviderAWS
}

// Detect checks if the instance metadata service answers
func (p *AWSProvider) Detect(ctx context.Context) bool {
	return p.client.AvailableWithContext(ctx)
}

// Resolve reads the instance identity document
func (p *AWSProvider) Resolve(ctx context.Context) (*Info, error) {
	doc, err := p.client.GetInstanceIdentityDocumentWithContext(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to get instance identity document: %w", err)
	}
	return &Info{
		ID:        fmt.Sprintf("aws/%s/%s/%s", doc.AccountID, doc.Region, doc.InstanceID),
		Provider:  ProviderAWS,
		Region:    doc.Region,
		ProjectID: doc.AccountID,
		Instance:  doc.InstanceID,
	}, nil
}
