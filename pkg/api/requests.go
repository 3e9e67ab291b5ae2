package api

// PresignedUploadRequest is the HTTP request body for POST /api/presigned-upload.
// The client chooses the destination key and declares what it will PUT.
type PresignedUploadRequest struct {
	Key         string `json:"key"`
	ContentType string `json:"contentType"`
}

// SubmitJobRequest is the HTTP request body for POST /api/submit-job.
// FilePath accepts either a bare object key or a legacy s3:// URI.
type SubmitJobRequest struct {
	FilePath     string `json:"file_path"`
	CodeLanguage string `json:"code_language"`
	ConnectionID string `json:"connection_id,omitempty"`
}
