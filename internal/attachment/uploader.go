// Package attachment turns a local file into the descriptor carried by an
// attachment message.
package attachment

import (
	"context"
	"errors"
	"fmt"
	"mime"
	"net/http"
	"path/filepath"
	"strings"

	"github.com/park285/cheese-chat/internal/backend"
	"github.com/park285/cheese-chat/internal/chat"
	"github.com/park285/cheese-chat/internal/obslog"
	"go.uber.org/zap"
)

// ErrUploadFailed wraps every upload error so the owning message is marked
// failed.
var ErrUploadFailed = errors.New("attachment upload failed")

// MaxSize caps a single upload.
const MaxSize = 25 << 20

// File is a local file ready for upload.
type File struct {
	Name        string
	ContentType string
	Data        []byte
}

type Uploader interface {
	Upload(ctx context.Context, ch chat.ChannelID, f File) (chat.Attachment, error)
}

// Poster is the part of the backend client the HTTP uploader needs.
type Poster interface {
	Upload(ctx context.Context, ch chat.ChannelID, f backend.File) (chat.Attachment, error)
}

type HTTPUploader struct {
	poster Poster
	logger *zap.Logger
}

func NewHTTPUploader(p Poster, logger *zap.Logger) *HTTPUploader {
	return &HTTPUploader{poster: p, logger: obslog.Or(logger, "attachment")}
}

func (u *HTTPUploader) Upload(ctx context.Context, ch chat.ChannelID, f File) (chat.Attachment, error) {
	name := strings.TrimSpace(filepath.Base(f.Name))
	if name == "" || name == "." || name == "/" {
		return chat.Attachment{}, fmt.Errorf("%w: missing file name", ErrUploadFailed)
	}
	if len(f.Data) == 0 {
		return chat.Attachment{}, fmt.Errorf("%w: %s is empty", ErrUploadFailed, name)
	}
	if len(f.Data) > MaxSize {
		return chat.Attachment{}, fmt.Errorf("%w: %s exceeds %d bytes", ErrUploadFailed, name, MaxSize)
	}
	ct := DetectType(name, f.ContentType, f.Data)
	att, err := u.poster.Upload(ctx, ch, backend.File{Name: name, ContentType: ct, Data: f.Data})
	if err != nil {
		u.logger.Warn("attachment_upload_failed", zap.Int64("channel_id", int64(ch)), zap.String("file", name), zap.Error(err))
		return chat.Attachment{}, fmt.Errorf("%w: %w", ErrUploadFailed, err)
	}
	u.logger.Info("attachment_uploaded", zap.Int64("channel_id", int64(ch)), zap.String("file", name),
		zap.String("path", att.FilePath), zap.Int("bytes", len(f.Data)))
	return att, nil
}

// DetectType prefers the declared type, then the extension, then sniffing.
func DetectType(name, declared string, data []byte) string {
	if declared = strings.TrimSpace(declared); declared != "" {
		return declared
	}
	if ct := mime.TypeByExtension(strings.ToLower(filepath.Ext(name))); ct != "" {
		return ct
	}
	return http.DetectContentType(data)
}

// IsImage reports whether a descriptor can carry a thumbnail.
func IsImage(a chat.Attachment) bool {
	return strings.HasPrefix(a.FileType, "image/")
}
