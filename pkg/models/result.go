package models

import "github.com/google/uuid"

const (
	ResultStatusSuccess = "success"
	ResultStatusError   = "error"
	ResultStatusPending = "pending"
)

// ExtractionResult is the text-extraction outcome. CoreFiles maps a canonical
// key (e.g. "middle.json") to a presigned URL.
type ExtractionResult struct {
	Status    string            `json:"status"`
	CoreFiles map[string]string `json:"core_files,omitempty"`
	Device    string            `json:"device,omitempty"`
	Error     string            `json:"error,omitempty"`
}

// ImageDescriptionResult is the image-description outcome.
type ImageDescriptionResult struct {
	Status          string             `json:"status"`
	ImageCount      int                `json:"image_count"`
	Descriptions    []ImageDescription `json:"descriptions"`
	DescriptionsURL string             `json:"descriptions_url,omitempty"`
	Message         string             `json:"message,omitempty"`
	Error           string             `json:"error,omitempty"`
}

// CombinedOutput points at the merged artifacts of a combined job.
type CombinedOutput struct {
	CombinedResultURL string `json:"combined_result_url"`
	CombinedMDURL     string `json:"combined_md_url,omitempty"`
}

// TaskResult is the envelope pushed to the result channel. Status is the tag:
// a job-level failure is always reported here rather than as a Go error.
type TaskResult struct {
	Status              string                  `json:"status"`
	RequestID           uuid.UUID               `json:"request_id"`
	Error               string                  `json:"error,omitempty"`
	Message             string                  `json:"message,omitempty"`
	CoreFiles           map[string]string       `json:"core_files,omitempty"`
	TextExtraction      *ExtractionResult       `json:"text_extraction,omitempty"`
	ImageDescription    *ImageDescriptionResult `json:"image_description,omitempty"`
	CombinedResults     *CombinedOutput         `json:"combined_results,omitempty"`
	PDFURL              string                  `json:"pdf_url,omitempty"`
	Device              string                  `json:"device,omitempty"`
	ConvertedFromOffice bool                    `json:"converted_from_office,omitempty"`
}

// Failed builds an error envelope for requestID.
func Failed(requestID uuid.UUID, msg string) TaskResult {
	return TaskResult{Status: ResultStatusError, RequestID: requestID, Error: msg}
}

// Pending is what pollers see until a terminal result is published.
func Pending(requestID uuid.UUID) TaskResult {
	return TaskResult{
		Status:    ResultStatusPending,
		RequestID: requestID,
		Message:   "task is still processing, retry later",
	}
}
