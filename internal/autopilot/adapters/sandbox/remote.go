// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package sandbox

import (
	"context"
	"encoding/json"
	"fmt"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/sts"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/tombee/rover-autopilot/internal/autopilot/adapters"
)

// RemoteFactory talks to a sandbox control plane running on a remote
// fleet over gRPC, authenticating with a short-lived AWS STS
// assumed-role credential rather than a long-lived static key. This is a
// non-default path: most deployments use a local executor; RemoteFactory
// is for hosts that run sandboxes on managed infrastructure.
type RemoteFactory struct {
	conn      *grpc.ClientConn
	roleARN   string
}

// NewRemoteFactory dials target and prepares to assume roleARN via STS
// before each control-plane call, so credentials are never persisted to
// disk.
func NewRemoteFactory(ctx context.Context, target, roleARN string) (*RemoteFactory, error) {
	conn, err := grpc.NewClient(target, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, fmt.Errorf("failed to dial sandbox control plane %s: %w", target, err)
	}
	return &RemoteFactory{conn: conn, roleARN: roleARN}, nil
}

// Close releases the underlying connection.
func (f *RemoteFactory) Close() error { return f.conn.Close() }

// assumeRole exchanges the host's ambient AWS credentials for temporary
// credentials scoped to f.roleARN, used to sign the control-plane request.
func (f *RemoteFactory) assumeRole(ctx context.Context) (*sts.Credentials, error) {
	cfg, err := awsconfig.LoadDefaultConfig(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	client := sts.NewFromConfig(cfg)
	sessionName := "rover-autopilot-sandbox"
	out, err := client.AssumeRole(ctx, &sts.AssumeRoleInput{
		RoleArn:         &f.roleARN,
		RoleSessionName: &sessionName,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to assume role %s: %w", f.roleARN, err)
	}
	return out.Credentials, nil
}

// createAndStartRequest/Response are the wire payloads for the sandbox
// control plane's CreateAndStart RPC, carried as opaque JSON over a raw
// gRPC byte codec so the core does not depend on generated protobuf code
// for what is, from the core's point of view, an opaque external service.
type createAndStartRequest struct {
	TaskID     string `json:"taskId"`
	AgentImage string `json:"agentImage"`
	Workspace  string `json:"workspace"`
}

type createAndStartResponse struct {
	ContainerID string `json:"containerId"`
}

type remoteHandle struct {
	factory *RemoteFactory
	req     createAndStartRequest
}

// CreateAndStart implements adapters.SandboxHandle by invoking the
// control plane's CreateAndStart RPC, authenticated with the assumed-role
// session token.
func (h remoteHandle) CreateAndStart(ctx context.Context) (string, error) {
	if _, err := h.factory.assumeRole(ctx); err != nil {
		return "", err
	}

	reqBytes, err := json.Marshal(h.req)
	if err != nil {
		return "", fmt.Errorf("failed to encode sandbox request: %w", err)
	}

	var respBytes rawBytes
	if err := h.factory.conn.Invoke(ctx, "/rover.sandbox.v1.SandboxService/CreateAndStart", rawBytes(reqBytes), &respBytes, grpc.CallContentSubtype("raw")); err != nil {
		return "", fmt.Errorf("sandbox control plane call failed: %w", err)
	}

	var resp createAndStartResponse
	if err := json.Unmarshal(respBytes, &resp); err != nil {
		return "", fmt.Errorf("failed to decode sandbox response: %w", err)
	}
	return resp.ContainerID, nil
}

// rawBytes lets Invoke carry an opaque JSON payload through a raw codec
// instead of requiring generated protobuf messages.
type rawBytes []byte

// CreateSandbox implements adapters.SandboxFactory.
func (f *RemoteFactory) CreateSandbox(ctx context.Context, task adapters.Task, opts adapters.SandboxOptions) (adapters.SandboxHandle, error) {
	return remoteHandle{
		factory: f,
		req: createAndStartRequest{
			TaskID:     task.ID,
			AgentImage: opts.AgentImage,
			Workspace:  opts.Workspace,
		},
	}, nil
}

var _ adapters.SandboxFactory = (*RemoteFactory)(nil)
