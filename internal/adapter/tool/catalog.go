package tool

import (
	"fmt"
	"log/slog"

	"crm-copilot/internal/domain"
)

// CatalogConfig configures the CRM tool catalog.
type CatalogConfig struct {
	Email       EmailConfig
	SearchLimit int
}

// NewCatalog registers every CRM tool backed by store.
func NewCatalog(store domain.RecordStore, cfg CatalogConfig, logger *slog.Logger) (*Registry, error) {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	reg := NewRegistry(logger)
	tools := []Tool{
		NewSendEmailTool(store, store, cfg.Email, logger),
		NewScheduleMeetingTool(store, store, logger),
		NewCreateRecordTool(store, logger),
		NewUpdateRecordTool(store, logger),
		NewDeleteRecordTool(store, logger),
		NewAnalyzePipelineTool(store, logger),
		NewSearchRecordsTool(store, cfg.SearchLimit, logger),
	}
	for _, t := range tools {
		if err := reg.Register(t); err != nil {
			return nil, fmt.Errorf("register %s: %w", t.Name(), err)
		}
	}
	logger.Info("tool catalog ready", "tools", len(tools))
	return reg, nil
}
