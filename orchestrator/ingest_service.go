package orchestrator

import (
	"context"

	"github.com/vaultflow/vaultflow/vault"
	"github.com/vaultflow/vaultflow/workflow"
)

// IngestService adapts the inbox watcher to the managed service
// contract.
type IngestService struct {
	layout *vault.Layout
	in     *workflow.Ingester
}

// NewIngestService wraps an ingester.
func NewIngestService(layout *vault.Layout, in *workflow.Ingester) *IngestService {
	return &IngestService{layout: layout, in: in}
}

func (s *IngestService) Name() string { return "inbox-watcher" }

func (s *IngestService) Start(ctx context.Context) error {
	return s.in.Start(context.Background())
}

func (s *IngestService) Stop(ctx context.Context) error {
	s.in.Stop()
	return nil
}

func (s *IngestService) HealthCheck(ctx context.Context) Health {
	// The watcher is healthy while its folder is listable.
	_, err := s.layout.Files(vault.FolderInbox)
	if err != nil {
		return Health{Healthy: false, Details: map[string]any{"error": err.Error()}}
	}
	return Health{Healthy: true}
}
