// Package platform detects the cloud a runner is deployed on and reads the
// settings its metadata server can answer.
package platform

import (
	"context"
	"errors"
	"time"
)

// CloudProvider represents the detected cloud provider
type CloudProvider string

const (
	ProviderUnknown CloudProvider = "unknown"
	ProviderGCP     CloudProvider = "gcp"
	ProviderAWS     CloudProvider = "aws"
)

// Info identifies where the runner is running.
type Info struct {
	// ID is "<provider>/<project or account>/<region>/<instance or cluster>".
	ID       string
	Provider CloudProvider
	Region   string
	// ProjectID is the GCP project or the AWS account.
	ProjectID string
	// Instance is the GKE cluster name or the EC2 instance id.
	Instance string
}

// ErrNoProviderDetected is returned when no cloud provider can be detected
var ErrNoProviderDetected = errors.New("no cloud provider detected")

// Provider defines the interface for cloud-specific metadata resolution
type Provider interface {
	// Name returns the provider identifier
	Name() CloudProvider
	// Detect checks if running on this cloud provider
	Detect(ctx context.Context) bool
	// Resolve retrieves runner information from the cloud metadata service
	Resolve(ctx context.Context) (*Info, error)
}

// Config holds configuration for the resolver
type Config struct {
	// Timeout for metadata requests
	Timeout time.Duration
	// EnableGCP enables GCP/GKE detection
	EnableGCP bool
	// EnableAWS enables EC2 detection
	EnableAWS bool
}

// DefaultConfig returns the default resolver configuration
func DefaultConfig() Config {
	return Config{
		Timeout:   3 * time.Second,
		EnableGCP: true,
		EnableAWS: true,
	}
}

// Resolver orchestrates cloud provider detection and metadata resolution
type Resolver struct {
	config    Config
	providers []Provider
}

// NewResolver creates a resolver probing the enabled providers in order,
// GCP first.
func NewResolver(cfg Config) *Resolver {
	var providers []Provider

	if cfg.EnableGCP {
		providers = append(providers, NewGCPProvider(cfg.Timeout))
	}
	if cfg.EnableAWS {
		providers = append(providers, NewAWSProvider(cfg.Timeout))
	}

	return &Resolver{
		config:    cfg,
		providers: providers,
	}
}

// Resolve detects the cloud provider and resolves the runner information
func (r *Resolver) Resolve(ctx context.Context) (*Info, error) {
	for _, provider := range r.providers {
		if provider.Detect(ctx) {
			return provider.Resolve(ctx)
		}
	}
	return nil, ErrNoProviderDetected
}

// DetectProvider returns the detected cloud provider without resolving metadata
func (r *Resolver) DetectProvider(ctx context.Context) CloudProvider {
	for _, provider := range r.providers {
		if provider.Detect(ctx) {
			return provider.Name()
		}
	}
	return ProviderUnknown
}
