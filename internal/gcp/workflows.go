package gcp

import (
	"context"
	"encoding/json"
	"fmt"

	executions "cloud.google.com/go/workflows/executions/apiv1"
	"cloud.google.com/go/workflows/executions/apiv1/executionspb"
)

// WorkflowLauncher starts executions of one Cloud Workflow.
type WorkflowLauncher struct {
	client    *executions.Client
	ProjectID string
	Location  string
	Workflow  string
}

func NewWorkflowLauncher(ctx context.Context, projectID, location, workflow string) (*WorkflowLauncher, error) {
	client, err := executions.NewClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to create Workflows Executions client: %w", err)
	}
	return &WorkflowLauncher{client: client, ProjectID: projectID, Location: location, Workflow: workflow}, nil
}

// Parent is the workflow resource name executions are created under.
func (l *WorkflowLauncher) Parent() string {
	return fmt.Sprintf("projects/%s/locations/%s/workflows/%s", l.ProjectID, l.Location, l.Workflow)
}

// Launch starts an execution with argument as its JSON input and returns
// the execution resource name.
func (l *WorkflowLauncher) Launch(ctx context.Context, argument any) (string, error) {
	payload, err := json.Marshal(argument)
	if err != nil {
		return "", fmt.Errorf("failed to marshal workflow payload: %w", err)
	}
	req := &executionspb.CreateExecutionRequest{
		Parent: l.Parent(),
		Execution: &executionspb.Execution{
			Argument: string(payload),
		},
	}
	exec, err := l.client.CreateExecution(ctx, req)
	if err != nil {
		return "", fmt.Errorf("failed to trigger workflow execution: %w", err)
	}
	return exec.GetName(), nil
}

func (l *WorkflowLauncher) Close() error {
	return l.client.Close()
}
