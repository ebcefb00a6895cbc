package httpdto

// PresignUploadRequest is used for POST /v1/attachments/uploads. The blob is
// encrypted on the client; content type is advisory.
type PresignUploadRequest struct {
	ContentType string `json:"content_type"`
	SizeBytes   int64  `json:"size_bytes" binding:"required"`
}

type PresignDownloadResponse struct {
	Key string `json:"key"`
	URL string `json:"url"`
}
