// Package gcp holds the host's cloud integrations: Secret Manager
// resolution for manifest secret references and instance-metadata status
// publication for the external provisioner.
package gcp

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"path"
	"strings"
	"time"

	secretmanager "cloud.google.com/go/secretmanager/apiv1"
	"cloud.google.com/go/secretmanager/apiv1/secretmanagerpb"
	"google.golang.org/api/option"
)

// SecretResolver resolves manifest secret references against Secret Manager.
// It satisfies the manifest package's resolver interface.
type SecretResolver struct {
	client    *secretmanager.Client
	projectID string
}

// NewSecretResolver creates a resolver. The project id comes from the
// environment or the metadata server; it is only needed for bare secret
// names, so discovery failure is deferred to first use.
func NewSecretResolver(ctx context.Context, opts ...option.ClientOption) (*SecretResolver, error) {
	client, err := secretmanager.NewClient(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create secret manager client: %w", err)
	}
	projectID, _ := getProjectID(ctx)
	return &SecretResolver{client: client, projectID: projectID}, nil
}

// Resolve fetches a secret value. ref accepts:
//   - projects/PROJECT/secrets/NAME/versions/VERSION
//   - projects/PROJECT/secrets/NAME (latest)
//   - NAME (latest, in the discovered project)
func (r *SecretResolver) Resolve(ctx context.Context, ref string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	name, err := r.normalizeRef(ref)
	if err != nil {
		return "", err
	}
	result, err := r.client.AccessSecretVersion(ctx, &secretmanagerpb.AccessSecretVersionRequest{Name: name})
	if err != nil {
		return "", fmt.Errorf("failed to access secret version: %w", err)
	}
	return string(result.Payload.Data), nil
}

// Close releases the underlying client.
func (r *SecretResolver) Close() error {
	if r.client != nil {
		return r.client.Close()
	}
	return nil
}

func (r *SecretResolver) normalizeRef(ref string) (string, error) {
	if strings.HasPrefix(ref, "projects/") && strings.Contains(ref, "/versions/") {
		return ref, nil
	}
	if strings.HasPrefix(ref, "projects/") && strings.Contains(ref, "/secrets/") {
		return ref + "/versions/latest", nil
	}
	if r.projectID == "" {
		return "", fmt.Errorf("secret reference %q needs a project id and none was discovered", ref)
	}
	return fmt.Sprintf("projects/%s/secrets/%s/versions/latest", r.projectID, path.Base(ref)), nil
}

// getProjectID resolves the project from the environment, then the metadata
// server.
func getProjectID(ctx context.Context) (string, error) {
	for _, env := range []string{"GOOGLE_CLOUD_PROJECT", "GCP_PROJECT", "GCLOUD_PROJECT"} {
		if id := os.Getenv(env); id != "" {
			return id, nil
		}
	}
	return metadataField(ctx, "project/project-id")
}

// metadataField fetches one field from the GCP metadata server.
func metadataField(ctx context.Context, field string) (string, error) {
	url := "http://metadata.google.internal/computeMetadata/v1/" + field
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return "", fmt.Errorf("failed to create metadata request: %w", err)
	}
	req.Header.Set("Metadata-Flavor", "Google")

	client := &http.Client{Timeout: 2 * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		return "", fmt.Errorf("failed to fetch metadata field %s: %w", field, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("metadata server returned status %d for field %s", resp.StatusCode, field)
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("failed to read metadata response: %w", err)
	}
	value := strings.TrimSpace(string(body))
	if value == "" {
		return "", fmt.Errorf("empty value for metadata field %s", field)
	}
	return value, nil
}

// IsRunningOnGCP reports whether the metadata server is reachable. Short
// timeout so non-GCP startup is not delayed.
func IsRunningOnGCP() bool {
	client := &http.Client{Timeout: 200 * time.Millisecond}
	req, err := http.NewRequest(http.MethodGet, "http://metadata.google.internal/computeMetadata/v1/", nil)
	if err != nil {
		return false
	}
	req.Header.Set("Metadata-Flavor", "Google")
	resp, err := client.Do(req)
	if err != nil {
		return false
	}
	resp.Body.Close()
	return resp.StatusCode == http.StatusOK
}
