package services

import (
	"bytes"
	"context"
	"fmt"
	"oriel-api/internal/models"
	"oriel-api/internal/pkg/errors"
	"time"

	"github.com/google/uuid"
)

// RenderService is the download-manager collaborator: it produces the actual
// media artifact once the tracker has authorized the operation, and reports
// success or failure back so the consumption can be finalized.
type RenderService interface {
	Render(ctx context.Context, format models.DownloadFormat) (*RenderResult, error)
}

type RenderResult struct {
	Filename    string
	ContentType string
	Data        []byte
}

var contentTypes = map[models.DownloadFormat]string{
	models.FormatMP4:  "video/mp4",
	models.FormatMOV:  "video/quicktime",
	models.FormatGIF:  "image/gif",
	models.FormatWEBM: "video/webm",
}

type renderService struct{}

func NewRenderService() RenderService {
	return &renderService{}
}

func (s *renderService) Render(ctx context.Context, format models.DownloadFormat) (*RenderResult, error) {
	contentType, ok := contentTypes[format]
	if !ok {
		return nil, errors.Wrap(errors.ErrInvalidInput, fmt.Sprintf("unsupported download format: %s", format))
	}

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	// Placeholder renderer: emits a stub artifact until the audio
	// visualizer pipeline lands. TODO: wire the WebGL frame capture
	// export once the renderer service is deployed.
	var buf bytes.Buffer
	fmt.Fprintf(&buf, "ORIELFX %s %s\n", format, uuid.NewString())

	filename := fmt.Sprintf("oriel-fx-%s.%s", time.Now().UTC().Format("20060102-150405"), format)

	return &RenderResult{
		Filename:    filename,
		ContentType: contentType,
		Data:        buf.Bytes(),
	}, nil
}
