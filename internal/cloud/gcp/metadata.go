package gcp

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	compute "google.golang.org/api/compute/v1"
	"google.golang.org/api/option"
)

// StatusKey is the instance metadata key the external provisioner polls.
const StatusKey = "habitat-status"

// HostStatus is the JSON structure published to instance metadata.
type HostStatus struct {
	Stage        string   `json:"stage"`
	BootComplete bool     `json:"boot_complete"`
	BuildFailed  string   `json:"build_failed,omitempty"`
	Groups       []string `json:"groups,omitempty"`
}

// MetadataAPI is the slice of the Compute API needed for status publication.
// Injected in tests.
type MetadataAPI interface {
	GetInstance(ctx context.Context, project, zone, instance string) (*compute.Instance, error)
	SetMetadata(ctx context.Context, project, zone, instance string, metadata *compute.Metadata) error
}

type computeMetadataAPI struct {
	service *compute.Service
}

func (a *computeMetadataAPI) GetInstance(ctx context.Context, project, zone, instance string) (*compute.Instance, error) {
	return a.service.Instances.Get(project, zone, instance).Context(ctx).Do()
}

func (a *computeMetadataAPI) SetMetadata(ctx context.Context, project, zone, instance string, metadata *compute.Metadata) error {
	_, err := a.service.Instances.SetMetadata(project, zone, instance, metadata).Context(ctx).Do()
	return err
}

// StatusPublisher writes host status to the instance's metadata.
type StatusPublisher struct {
	api      MetadataAPI
	project  string
	zone     string
	instance string
}

// NewStatusPublisher discovers the instance identity from the metadata
// server and creates a publisher.
func NewStatusPublisher(ctx context.Context, opts ...option.ClientOption) (*StatusPublisher, error) {
	service, err := compute.NewService(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create compute service: %w", err)
	}

	project, err := metadataField(ctx, "project/project-id")
	if err != nil {
		return nil, fmt.Errorf("failed to get project id: %w", err)
	}
	zoneRaw, err := metadataField(ctx, "instance/zone")
	if err != nil {
		return nil, fmt.Errorf("failed to get zone: %w", err)
	}
	// Zone comes as "projects/PROJECT/zones/ZONE".
	parts := strings.Split(zoneRaw, "/")
	zone := parts[len(parts)-1]
	instance, err := metadataField(ctx, "instance/name")
	if err != nil {
		return nil, fmt.Errorf("failed to get instance name: %w", err)
	}

	return &StatusPublisher{
		api:      &computeMetadataAPI{service: service},
		project:  project,
		zone:     zone,
		instance: instance,
	}, nil
}

// NewStatusPublisherWithAPI creates a publisher with an injected API.
func NewStatusPublisherWithAPI(api MetadataAPI, project, zone, instance string) *StatusPublisher {
	return &StatusPublisher{api: api, project: project, zone: zone, instance: instance}
}

// Publish upserts the status key. The current metadata is fetched first for
// its fingerprint, which the API requires for atomic updates.
func (p *StatusPublisher) Publish(ctx context.Context, status HostStatus) error {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	inst, err := p.api.GetInstance(ctx, p.project, p.zone, p.instance)
	if err != nil {
		return fmt.Errorf("failed to get instance metadata: %w", err)
	}

	data, err := json.Marshal(status)
	if err != nil {
		return fmt.Errorf("failed to marshal status: %w", err)
	}
	value := string(data)

	metadata := inst.Metadata
	found := false
	for _, item := range metadata.Items {
		if item.Key == StatusKey {
			item.Value = &value
			found = true
			break
		}
	}
	if !found {
		metadata.Items = append(metadata.Items, &compute.MetadataItems{Key: StatusKey, Value: &value})
	}

	if err := p.api.SetMetadata(ctx, p.project, p.zone, p.instance, metadata); err != nil {
		return fmt.Errorf("failed to set instance metadata: %w", err)
	}
	return nil
}
