// Package opsworks talks to the infrastructure-automation service: it lists
// instances and layers, starts deployments and reports their status.
package opsworks

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/service/opsworks"
	"github.com/aws/aws-sdk-go/service/opsworks/opsworksiface"
	"sigs.k8s.io/controller-runtime/pkg/log"

	"github.com/apptrail-sh/bluegreen/internal/model"
)

const (
	commandDeploy         = "deploy"
	commandExecuteRecipes = "execute_recipes"
)

type Client struct {
	api opsworksiface.OpsWorksAPI
}

func New(api opsworksiface.OpsWorksAPI) *Client {
	return &Client{api: api}
}

func (c *Client) ListInstances(ctx context.Context, stackID string) ([]model.Instance, error) {
	out, err := c.api.DescribeInstancesWithContext(ctx, &opsworks.DescribeInstancesInput{
		StackId: aws.String(stackID),
	})
	if err != nil {
		return nil, fmt.Errorf("describe instances of stack %s: %w", stackID, err)
	}
	instances := make([]model.Instance, 0, len(out.Instances))
	for _, i := range out.Instances {
		instances = append(instances, model.Instance{
			ID:             aws.StringValue(i.InstanceId),
			Hostname:       aws.StringValue(i.Hostname),
			PublicDNS:      aws.StringValue(i.PublicDns),
			PublicAddress:  aws.StringValue(i.PublicIp),
			PrivateAddress: aws.StringValue(i.PrivateIp),
			LayerIDs:       aws.StringValueSlice(i.LayerIds),
		})
	}
	return instances, nil
}

func (c *Client) ListLayers(ctx context.Context, stackID string) ([]model.Layer, error) {
	out, err := c.api.DescribeLayersWithContext(ctx, &opsworks.DescribeLayersInput{
		StackId: aws.String(stackID),
	})
	if err != nil {
		return nil, fmt.Errorf("describe layers of stack %s: %w", stackID, err)
	}
	layers := make([]model.Layer, 0, len(out.Layers))
	for _, l := range out.Layers {
		layers = append(layers, model.Layer{
			ID:          aws.StringValue(l.LayerId),
			ShortName:   aws.StringValue(l.Shortname),
			DisplayName: aws.StringValue(l.Name),
		})
	}
	return layers, nil
}

// TriggerExecution starts a deployment and returns its id. A request without
// recipes runs the service's deploy command for the application; otherwise
// the recipes are executed on the target instances.
func (c *Client) TriggerExecution(ctx context.Context, req model.ExecutionRequest) (string, error) {
	logger := log.FromContext(ctx)

	in := &opsworks.CreateDeploymentInput{
		StackId:     aws.String(req.StackID),
		InstanceIds: aws.StringSlice(req.InstanceIDs),
		Comment:     aws.String("bluegreen " + req.Command),
	}
	if len(req.Recipes) == 0 {
		in.AppId = aws.String(req.AppID)
		in.Command = &opsworks.DeploymentCommand{Name: aws.String(commandDeploy)}
	} else {
		in.Command = &opsworks.DeploymentCommand{
			Name: aws.String(commandExecuteRecipes),
			Args: map[string][]*string{"recipes": aws.StringSlice(req.Recipes)},
		}
	}
	if len(req.CustomPayload) > 0 {
		raw, err := json.Marshal(req.CustomPayload)
		if err != nil {
			return "", fmt.Errorf("encode custom payload: %w", err)
		}
		in.CustomJson = aws.String(string(raw))
	}

	out, err := c.api.CreateDeploymentWithContext(ctx, in)
	if err != nil {
		return "", fmt.Errorf("create deployment %s on stack %s: %w", req.Command, req.StackID, err)
	}
	id := aws.StringValue(out.DeploymentId)
	logger.Info("Deployment triggered",
		"stack", req.StackID,
		"command", req.Command,
		"deploymentID", id,
		"instances", len(req.InstanceIDs),
	)
	return id, nil
}

// PollExecutionStatus maps the service status onto pending, successful or failed.
func (c *Client) PollExecutionStatus(ctx context.Context, deploymentID string) (model.ExecutionStatus, error) {
	out, err := c.api.DescribeDeploymentsWithContext(ctx, &opsworks.DescribeDeploymentsInput{
		DeploymentIds: aws.StringSlice([]string{deploymentID}),
	})
	if err != nil {
		return "", fmt.Errorf("describe deployment %s: %w", deploymentID, err)
	}
	if len(out.Deployments) != 1 {
		return "", fmt.Errorf("describe deployment %s: %d deployments returned", deploymentID, len(out.Deployments))
	}
	switch aws.StringValue(out.Deployments[0].Status) {
	case "successful":
		return model.ExecutionSuccessful, nil
	case "failed":
		return model.ExecutionFailed, nil
	default:
		return model.ExecutionPending, nil
	}
}
