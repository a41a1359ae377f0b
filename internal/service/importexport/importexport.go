// Package importexport implements the bulk import of downstream server
// configs from an mcpServers JSON document (spec §6.2): additive, with a
// per-entry error reported rather than aborting the whole document.
package importexport

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/vivekrp/metamcp-sub002/internal/adapter/outbound/controlplane"
	"github.com/vivekrp/metamcp-sub002/internal/domain/gwid"
	"github.com/vivekrp/metamcp-sub002/internal/domain/upstream"
	"github.com/vivekrp/metamcp-sub002/internal/domain/validation"
)

// Entry is one server config as it appears in the import document.
type Entry struct {
	Type        string            `json:"type"`
	Command     string            `json:"command,omitempty"`
	Args        []string          `json:"args,omitempty"`
	Env         map[string]string `json:"env,omitempty"`
	URL         string            `json:"url,omitempty"`
	BearerToken string            `json:"bearerToken,omitempty"`
	Description string            `json:"description,omitempty"`
}

// Document is the top-level shape of an import/export JSON payload.
type Document struct {
	McpServers map[string]Entry `json:"mcpServers"`
}

// EntryError reports why one named entry failed to import.
type EntryError struct {
	Name    string `json:"name"`
	Message string `json:"message"`
}

// Result is the outcome of one Import call.
type Result struct {
	Imported int          `json:"imported"`
	Errors   []EntryError `json:"errors"`
}

// Importer applies a Document to a control-plane Facade.
type Importer struct {
	Facade    *controlplane.Facade
	Sanitizer *validation.Sanitizer
	Logger    *slog.Logger
}

// NewImporter constructs an Importer over facade.
func NewImporter(facade *controlplane.Facade, logger *slog.Logger) *Importer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Importer{Facade: facade, Sanitizer: validation.NewSanitizer(), Logger: logger}
}

// Import applies every entry in doc, additively: a name collision with an
// existing ServerConfig fails that entry and the rest proceed (spec §6.2).
func (im *Importer) Import(ctx context.Context, doc Document) (*Result, error) {
	existing, err := im.Facade.Store.ListServerConfigs(ctx)
	if err != nil {
		return nil, fmt.Errorf("list existing server configs: %w", err)
	}
	taken := make(map[string]bool, len(existing))
	for _, cfg := range existing {
		taken[cfg.Name] = true
	}

	res := &Result{}
	for name, entry := range doc.McpServers {
		if taken[name] {
			res.Errors = append(res.Errors, EntryError{Name: name, Message: "name already exists"})
			continue
		}

		cfg, err := entry.toConfig(name)
		if err != nil {
			res.Errors = append(res.Errors, EntryError{Name: name, Message: err.Error()})
			continue
		}
		im.Sanitizer.SanitizeConfig(cfg)
		if err := cfg.Validate(); err != nil {
			res.Errors = append(res.Errors, EntryError{Name: name, Message: err.Error()})
			continue
		}

		if err := im.Facade.PutServerConfig(ctx, cfg); err != nil {
			im.Logger.Warn("import: failed to store server config", "name", name, "error", err)
			res.Errors = append(res.Errors, EntryError{Name: name, Message: "failed to store config"})
			continue
		}

		taken[name] = true
		res.Imported++
	}
	return res, nil
}

func (e Entry) toConfig(name string) (*upstream.Config, error) {
	kind := upstream.TransportKind(e.Type)
	switch kind {
	case upstream.TransportStdio, upstream.TransportSSE, upstream.TransportStreamableHTTP:
	default:
		return nil, fmt.Errorf("unknown type %q", e.Type)
	}
	return &upstream.Config{
		ID:          gwid.NewConfigID(),
		Name:        name,
		Transport:   kind,
		Command:     e.Command,
		Args:        e.Args,
		Env:         e.Env,
		URL:         e.URL,
		BearerToken: e.BearerToken,
		Description: e.Description,
	}, nil
}

// Export produces a Document from every ServerConfig the control plane
// currently stores, the inverse of Import.
func Export(ctx context.Context, facade *controlplane.Facade) (Document, error) {
	configs, err := facade.Store.ListServerConfigs(ctx)
	if err != nil {
		return Document{}, fmt.Errorf("list server configs: %w", err)
	}
	doc := Document{McpServers: make(map[string]Entry, len(configs))}
	for _, cfg := range configs {
		doc.McpServers[cfg.Name] = Entry{
			Type:        string(cfg.Transport),
			Command:     cfg.Command,
			Args:        cfg.Args,
			Env:         cfg.Env,
			URL:         cfg.URL,
			BearerToken: cfg.BearerToken,
			Description: cfg.Description,
		}
	}
	return doc, nil
}
