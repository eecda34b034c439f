package model

// Color identifies one of the two environment sets.
type Color string

const (
	ColorBlue  Color = "blue"
	ColorGreen Color = "green"
)

// Opposite returns the inverse color, or false for an unknown color.
func (c Color) Opposite() (Color, bool) {
	switch c {
	case ColorBlue:
		return ColorGreen, true
	case ColorGreen:
		return ColorBlue, true
	}
	return "", false
}

// Instance is a server managed by the infrastructure-automation service.
// Any of its addresses may appear in the load balancer's upstream list.
type Instance struct {
	ID             string
	Hostname       string
	PublicDNS      string
	PublicAddress  string
	PrivateAddress string
	LayerIDs       []string
}

// Layer is a named group of instances performing one role.
type Layer struct {
	ID          string
	ShortName   string
	DisplayName string
}

// Addresses returns the non-empty names the instance is reachable by.
func (i Instance) Addresses() []string {
	var out []string
	for _, a := range []string{i.PublicDNS, i.PublicAddress, i.PrivateAddress, i.Hostname} {
		if a != "" {
			out = append(out, a)
		}
	}
	return out
}

// Module is a deployable component of an application with its own artifact.
type Module struct {
	Name        string `json:"name"`
	ArchiveName string `json:"archiveName"`
}

// LoadBalancer locates the upstream endpoint that lists production servers.
type LoadBalancer struct {
	Host     string `json:"host"`
	Port     int    `json:"port"`
	Scheme   string `json:"scheme,omitempty"`
	Path     string `json:"path,omitempty"`
	User     string `json:"user,omitempty"`
	Password string `json:"password,omitempty"`
}

// Application binds a pipeline to a stack in the infrastructure service.
type Application struct {
	Name           string       `json:"name"`
	StackID        string       `json:"stackId"`
	AppID          string       `json:"appId"`
	ArtifactBucket string       `json:"artifactBucket"`
	LoadBalancer   LoadBalancer `json:"loadBalancer"`
	Modules        []Module     `json:"modules"`
}

// ArtifactVersion pins the artifact a module should deploy.
type ArtifactVersion struct {
	Module    string `json:"module"`
	Key       string `json:"key"`
	VersionID string `json:"versionId"`
	CommitID  string `json:"commitId,omitempty"`
}

// TargetEnvironmentConfig is computed for a single stage and never persisted.
type TargetEnvironmentConfig struct {
	ProductionColor   Color
	TargetColor       Color
	TargetLayers      []string
	TargetInstanceIDs []string
	CustomPayload     map[string]any
	CommandSpec       CommandSpec
}

// ExecutionStatus is the state of an external deployment.
type ExecutionStatus string

const (
	ExecutionPending    ExecutionStatus = "pending"
	ExecutionSuccessful ExecutionStatus = "successful"
	ExecutionFailed     ExecutionStatus = "failed"
)

// ExecutionRequest is what the orchestrator asks the infrastructure service to run.
type ExecutionRequest struct {
	StackID       string
	AppID         string
	Command       string
	Recipes       []string
	InstanceIDs   []string
	CustomPayload map[string]any
}
