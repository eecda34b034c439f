package platform

import (
	"context"
	"fmt"
	"net/http"
	"path"
	"strings"
	"time"

	"resty.dev/v3"
)

const (
	gcpMetadataBase   = "http://metadata.google.internal/computeMetadata/v1"
	gcpMetadataFlavor = "Google"
)

// GCPProvider reads the GCE/GKE metadata server
type GCPProvider struct {
	client      *resty.Client
	metadataURL string
}

// NewGCPProvider creates a new GCP provider
func NewGCPProvider(timeout time.Duration) *GCPProvider {
	return NewGCPProviderWithURL(timeout, gcpMetadataBase)
}

// NewGCPProviderWithURL creates a GCP provider with a custom metadata URL (for testing)
func NewGCPProviderWithURL(timeout time.Duration, metadataURL string) *GCPProvider {
	client := resty.New().
		SetTimeout(timeout).
		SetHeader("Metadata-Flavor", gcpMetadataFlavor)
	return &GCPProvider{
		client:      client,
		metadataURL: metadataURL,
	}
}

// Name returns the provider name
func (p *GCPProvider) Name() CloudProvider {
	return ProviderGCP
}

// Detect checks if running on GCP by querying the metadata server
func (p *GCPProvider) Detect(ctx context.Context) bool {
	resp, err := p.client.R().SetContext(ctx).Get(p.metadataURL + "/")
	if err != nil {
		return false
	}
	// GCP metadata server returns 200 and Metadata-Flavor: Google header
	return resp.StatusCode() == http.StatusOK &&
		resp.Header().Get("Metadata-Flavor") == gcpMetadataFlavor
}

// Resolve retrieves project, region and cluster from GCP metadata. Outside
// GKE the cluster-name attribute is absent and Instance stays empty.
func (p *GCPProvider) Resolve(ctx context.Context) (*Info, error) {
	projectID, err := p.getMetadata(ctx, "/project/project-id")
	if err != nil {
		return nil, fmt.Errorf("failed to get project-id: %w", err)
	}

	// Zone format: projects/<project-number>/zones/<zone>
	zone, err := p.getMetadata(ctx, "/instance/zone")
	if err != nil {
		return nil, fmt.Errorf("failed to get zone: %w", err)
	}
	region := extractRegionFromZone(path.Base(zone))

	clusterName, _ := p.getMetadata(ctx, "/instance/attributes/cluster-name")

	return &Info{
		ID:        fmt.Sprintf("gcp/%s/%s/%s", projectID, region, clusterName),
		Provider:  ProviderGCP,
		Region:    region,
		ProjectID: projectID,
		Instance:  clusterName,
	}, nil
}

func (p *GCPProvider) getMetadata(ctx context.Context, path string) (string, error) {
	resp, err := p.client.R().SetContext(ctx).Get(p.metadataURL + path)
	if err != nil {
		return "", err
	}
	if resp.StatusCode() != http.StatusOK {
		return "", fmt.Errorf("metadata request failed with status %d", resp.StatusCode())
	}
	return strings.TrimSpace(resp.String()), nil
}

// Close releases idle connections
func (p *GCPProvider) Close() error {
	return p.client.Close()
}

// extractRegionFromZone extracts region from zone (e.g., us-central1-a -> us-central1)
func extractRegionFromZone(zone string) string {
	lastDash := strings.LastIndex(zone, "-")
	if lastDash == -1 {
		return zone
	}
	return zone[:lastDash]
}
