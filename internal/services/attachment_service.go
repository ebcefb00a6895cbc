package services

import (
	"context"
	"fmt"
	"strings"
	"time"

	sealed_errors "sealed-relay/pkg/errors"

	"github.com/google/uuid"
)

const (
	maxAttachmentBytes = 100 << 20
	attachmentPrefix   = "attachments/"
)

// Presigner issues time-limited object URLs.
type Presigner interface {
	PresignPut(ctx context.Context, key, contentType string, sizeBytes int64) (string, map[string]string, error)
	PresignGet(ctx context.Context, key string) (string, error)
	TTL() time.Duration
}

type UploadTicket struct {
	Key       string            `json:"key"`
	URL       string            `json:"url"`
	Headers   map[string]string `json:"headers"`
	ExpiresAt time.Time         `json:"expires_at"`
}

// AttachmentService hands out upload and download URLs for encrypted blobs.
// Keys to decrypt them travel inside message ciphertext.
type AttachmentService struct {
	presigner Presigner
	clock     func() time.Time
}

func NewAttachmentService(presigner Presigner) *AttachmentService {
	return &AttachmentService{presigner: presigner, clock: time.Now}
}

func (s *AttachmentService) PresignUpload(ctx context.Context, userID uuid.UUID, contentType string, sizeBytes int64) (UploadTicket, error) {
	if s.presigner == nil {
		return UploadTicket{}, fmt.Errorf("%w: attachment storage is not configured", sealed_errors.ErrServiceUnavailable)
	}
	if sizeBytes <= 0 {
		return UploadTicket{}, fmt.Errorf("%w: size is required", sealed_errors.ErrInvalidInput)
	}
	if sizeBytes > maxAttachmentBytes {
		return UploadTicket{}, fmt.Errorf("%w: attachments are limited to %d bytes", sealed_errors.ErrTooLarge, maxAttachmentBytes)
	}
	if contentType == "" {
		contentType = "application/octet-stream"
	}

	key := attachmentPrefix + userID.String() + "/" + uuid.NewString()
	url, headers, err := s.presigner.PresignPut(ctx, key, contentType, sizeBytes)
	if err != nil {
		return UploadTicket{}, err
	}
	return UploadTicket{
		Key:       key,
		URL:       url,
		Headers:   headers,
		ExpiresAt: s.clock().Add(s.presigner.TTL()),
	}, nil
}

func (s *AttachmentService) PresignDownload(ctx context.Context, key string) (string, error) {
	if s.presigner == nil {
		return "", fmt.Errorf("%w: attachment storage is not configured", sealed_errors.ErrServiceUnavailable)
	}
	if !strings.HasPrefix(key, attachmentPrefix) || strings.Contains(key, "..") {
		return "", fmt.Errorf("%w: invalid attachment key", sealed_errors.ErrInvalidInput)
	}
	return s.presigner.PresignGet(ctx, key)
}
