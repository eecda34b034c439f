package topology

import (
	"context"
	"fmt"
	"net"
	"net/url"
	"strconv"
	"strings"
	"time"

	"resty.dev/v3"
	"sigs.k8s.io/controller-runtime/pkg/log"

	"github.com/apptrail-sh/bluegreen/internal/model"
)

const defaultUpstreamPath = "/upstream"

// UpstreamClient reads the production server list from a load balancer's
// upstream status endpoint.
type UpstreamClient struct {
	client *resty.Client
}

type upstreamResponse struct {
	Production struct {
		Servers []string `json:"servers"`
	} `json:"production"`
}

// NewUpstreamClient creates a client with the given request timeout
func NewUpstreamClient(timeout time.Duration) *UpstreamClient {
	client := resty.New().
		SetTimeout(timeout).
		SetRetryCount(3).
		SetRetryWaitTime(1 * time.Second).
		SetRetryMaxWaitTime(5 * time.Second)

	return &UpstreamClient{client: client}
}

// ProductionServers returns the hosts currently serving production traffic,
// with ports stripped.
func (c *UpstreamClient) ProductionServers(ctx context.Context, lb model.LoadBalancer) ([]string, error) {
	logger := log.FromContext(ctx)
	endpoint := upstreamURL(lb)

	var body upstreamResponse
	req := c.client.R().
		SetContext(ctx).
		SetHeader("Accept", "application/json").
		SetResult(&body)
	if lb.User != "" {
		req.SetBasicAuth(lb.User, lb.Password)
	}

	resp, err := req.Get(endpoint)
	if err != nil {
		return nil, fmt.Errorf("failed to query load balancer upstream %s: %w", lb.Host, err)
	}
	if !resp.IsSuccess() {
		logger.Error(nil, "Load balancer returned error",
			"statusCode", resp.StatusCode(),
			"host", lb.Host,
		)
		return nil, fmt.Errorf("load balancer upstream %s returned status %d", lb.Host, resp.StatusCode())
	}

	servers := make([]string, 0, len(body.Production.Servers))
	for _, s := range body.Production.Servers {
		if h := stripPort(s); h != "" {
			servers = append(servers, h)
		}
	}
	logger.V(1).Info("Fetched production upstream", "host", lb.Host, "servers", servers)
	return servers, nil
}

// Close releases idle connections
func (c *UpstreamClient) Close() error {
	return c.client.Close()
}

func upstreamURL(lb model.LoadBalancer) string {
	scheme := lb.Scheme
	if scheme == "" {
		scheme = "http"
	}
	path := lb.Path
	if path == "" {
		path = defaultUpstreamPath
	}
	host := lb.Host
	if lb.Port > 0 {
		host = net.JoinHostPort(lb.Host, strconv.Itoa(lb.Port))
	}
	u := url.URL{Scheme: scheme, Host: host, Path: path}
	return u.String()
}

func stripPort(server string) string {
	server = strings.TrimSpace(server)
	if host, _, err := net.SplitHostPort(server); err == nil {
		return host
	}
	return server
}
