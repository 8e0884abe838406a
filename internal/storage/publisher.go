package storage

import (
	"context"
	"fmt"
	"log/slog"
	"mime"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
	"github.com/tendant/simple-content/pkg/simplecontent"

	"github.com/tendant/deepmath-pipeline/pkg/pipeline"
)

// Publisher uploads a prepared dataset to a simple-content service: the
// persisted archive as content and every extracted file as derived content.
type Publisher struct {
	service  simplecontent.Service
	ownerID  uuid.UUID
	tenantID uuid.UUID
	logger   *slog.Logger
}

// PublishResult identifies the uploaded content
type PublishResult struct {
	ContentID  string            `json:"content_id"`
	DerivedIDs map[string]string `json:"derived_ids"` // relative path -> derived content ID
}

// NewPublisher creates a publisher for the given simple-content service
func NewPublisher(service simplecontent.Service, ownerID, tenantID uuid.UUID, logger *slog.Logger) *Publisher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Publisher{
		service:  service,
		ownerID:  ownerID,
		tenantID: tenantID,
		logger:   logger,
	}
}

// Publish uploads archivePath and files, all of which must live inside workdir.
func (p *Publisher) Publish(ctx context.Context, workdir *Workdir, mode string, archivePath string, files []string) (*PublishResult, error) {
	archiveRel, err := relTo(workdir, archivePath)
	if err != nil {
		return nil, pipeline.NewError("publish", pipeline.ErrIO, err).WithPath(archivePath)
	}

	r, err := workdir.GetReader(ctx, archiveRel)
	if err != nil {
		return nil, err
	}
	defer r.Close()

	content, err := p.service.UploadContent(ctx, simplecontent.UploadContentRequest{
		OwnerID:      p.ownerID,
		TenantID:     p.tenantID,
		Name:         filepath.Base(archiveRel),
		DocumentType: documentType(archiveRel),
		Reader:       r,
		FileName:     filepath.Base(archiveRel),
		Tags:         []string{"dataset", mode},
	})
	if err != nil {
		return nil, pipeline.NewError("publish", pipeline.ErrRemote, fmt.Errorf("failed to upload archive: %w", err)).WithPath(archivePath)
	}
	p.logger.Info("archive published", "path", archivePath, "content_id", content.ID.String())

	result := &PublishResult{
		ContentID:  content.ID.String(),
		DerivedIDs: make(map[string]string, len(files)),
	}

	for _, file := range files {
		rel, err := relTo(workdir, file)
		if err != nil {
			return result, pipeline.NewError("publish", pipeline.ErrIO, err).WithPath(file)
		}
		id, err := p.publishDerived(ctx, workdir, content.ID, rel)
		if err != nil {
			return result, err
		}
		result.DerivedIDs[filepath.ToSlash(rel)] = id
	}

	p.logger.Info("extracted files published", "content_id", result.ContentID, "files", len(result.DerivedIDs))
	return result, nil
}

func (p *Publisher) publishDerived(ctx context.Context, workdir *Workdir, parentID uuid.UUID, rel string) (string, error) {
	r, err := workdir.GetReader(ctx, rel)
	if err != nil {
		return "", err
	}
	defer r.Close()

	derived, err := p.service.UploadDerivedContent(ctx, simplecontent.UploadDerivedContentRequest{
		ParentID:       parentID,
		DerivationType: pipeline.DerivationTypeExtracted,
		Variant:        filepath.ToSlash(rel),
		Reader:         r,
		FileName:       filepath.Base(rel),
		Tags:           []string{pipeline.DerivationTypeExtracted},
	})
	if err != nil {
		return "", pipeline.NewError("publish", pipeline.ErrRemote, fmt.Errorf("failed to upload derived content: %w", err)).WithPath(rel)
	}
	return derived.ID.String(), nil
}

// relTo maps an absolute path inside workdir to a path relative to its root.
func relTo(workdir *Workdir, path string) (string, error) {
	if !filepath.IsAbs(path) {
		return workdir.Resolve(path)
	}
	rel, err := filepath.Rel(workdir.Root(), path)
	if err != nil {
		return "", err
	}
	return workdir.Resolve(rel)
}

func documentType(name string) string {
	switch {
	case strings.HasSuffix(name, ".gz"), strings.HasSuffix(name, ".tgz"):
		return "application/gzip"
	case strings.HasSuffix(name, ".zst"), strings.HasSuffix(name, ".tzst"):
		return "application/zstd"
	case strings.HasSuffix(name, ".tar"):
		return "application/x-tar"
	}
	if t := mime.TypeByExtension(filepath.Ext(name)); t != "" {
		return t
	}
	return "application/octet-stream"
}
