package network

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/bitrise-io/go-utils/v2/log"
)

const (
	uploadPath   = "/media/upload"
	metadataPath = "/media/metadata"

	commandInit     = "INIT"
	commandAppend   = "APPEND"
	commandFinalize = "FINALIZE"
	commandStatus   = "STATUS"

	// Longest error body excerpt carried into error details.
	maxErrorBodyBytes = 1024
)

// Processing states reported by the ingest service.
const (
	ProcessingPending     = "pending"
	ProcessingInProgress  = "in_progress"
	ProcessingSucceeded   = "succeeded"
	ProcessingFailed      = "failed"
	ProcessingNotRequired = "not_required"
)

const defaultCheckAfter = 5 * time.Second

// InitResult is the server's answer to an INIT command.
type InitResult struct {
	MediaID          string `json:"media_id"`
	ExpiresAfterSecs int64  `json:"expires_after_secs"`
}

// ImageInfo carries the dimensions the service detected for image media.
type ImageInfo struct {
	Width     int    `json:"w"`
	Height    int    `json:"h"`
	ImageType string `json:"image_type"`
}

// ProcessingError describes why server-side processing rejected the media.
type ProcessingError struct {
	Code    int    `json:"code"`
	Name    string `json:"name"`
	Message string `json:"message"`
}

// ProcessingInfo is the server-side processing state attached to FINALIZE and
// STATUS responses.
type ProcessingInfo struct {
	State           string           `json:"state"`
	CheckAfterSecs  int              `json:"check_after_secs"`
	ProgressPercent int              `json:"progress_percent"`
	Error           *ProcessingError `json:"error"`
}

// CheckAfter returns how long to wait before the next STATUS check. Servers
// that send no hint get the default interval.
func (i *ProcessingInfo) CheckAfter() time.Duration {
	if i == nil || i.CheckAfterSecs <= 0 {
		return defaultCheckAfter
	}
	return time.Duration(i.CheckAfterSecs) * time.Second
}

// FinalizeResult is the server's answer to a FINALIZE command. ProcessingInfo
// is nil when the media is usable right away.
type FinalizeResult struct {
	MediaID        string          `json:"media_id"`
	Size           int64           `json:"size"`
	Image          *ImageInfo      `json:"image"`
	ProcessingInfo *ProcessingInfo `json:"processing_info"`
}

// StatusResult is the server's answer to a STATUS command.
type StatusResult struct {
	MediaID        string          `json:"media_id"`
	ProcessingInfo *ProcessingInfo `json:"processing_info"`
}

type altTextRequest struct {
	MediaID string  `json:"media_id"`
	AltText altText `json:"alt_text"`
}

type altText struct {
	Text string `json:"text"`
}

// Client speaks the command protocol of the media ingest service on top of a
// TransportClient.
type Client struct {
	transport TransportClient
	baseURL   string
	logger    log.Logger
}

// NewClient ...
func NewClient(transport TransportClient, baseURL string, logger log.Logger) Client {
	return Client{
		transport: transport,
		baseURL:   baseURL,
		logger:    logger,
	}
}

// Init opens an upload session for a payload of totalBytes and returns the
// session's media id.
func (c Client) Init(ctx context.Context, totalBytes int64, mediaType, mediaCategory string) (InitResult, error) {
	fields := map[string]string{
		"command":     commandInit,
		"total_bytes": strconv.FormatInt(totalBytes, 10),
		"media_type":  mediaType,
	}
	if mediaCategory != "" {
		fields["media_category"] = mediaCategory
	}

	resp, err := c.transport.PostForm(ctx, c.baseURL+uploadPath, fields)
	if err != nil {
		return InitResult{}, transportError(PhaseInit, err)
	}
	if !successStatus(resp.StatusCode) {
		return InitResult{}, statusError(PhaseInit, resp)
	}

	var result InitResult
	if err := json.Unmarshal(resp.Body, &result); err != nil {
		return InitResult{}, WrapError(KindUnknownServer, PhaseInit, "decode INIT response", err)
	}
	if result.MediaID == "" {
		return InitResult{}, NewError(KindUnknownServer, PhaseInit, "INIT response carries no media_id")
	}

	return result, nil
}

// Append uploads one chunk as the given segment of the session's payload.
func (c Client) Append(ctx context.Context, mediaID string, segmentIndex int, chunk []byte) error {
	fields := map[string]string{
		"command":       commandAppend,
		"media_id":      mediaID,
		"segment_index": strconv.Itoa(segmentIndex),
		"media_data":    base64.StdEncoding.EncodeToString(chunk),
	}

	resp, err := c.transport.PostForm(ctx, c.baseURL+uploadPath, fields)
	if err != nil {
		return transportError(PhaseAppend, err)
	}
	if !successStatus(resp.StatusCode) {
		return statusError(PhaseAppend, resp)
	}

	return nil
}

// Finalize closes the append phase. The response tells whether the media is
// ready or needs asynchronous processing first.
func (c Client) Finalize(ctx context.Context, mediaID string) (FinalizeResult, error) {
	fields := map[string]string{
		"command":  commandFinalize,
		"media_id": mediaID,
	}

	resp, err := c.transport.PostForm(ctx, c.baseURL+uploadPath, fields)
	if err != nil {
		return FinalizeResult{}, transportError(PhaseFinalize, err)
	}
	if !successStatus(resp.StatusCode) {
		return FinalizeResult{}, statusError(PhaseFinalize, resp)
	}

	var result FinalizeResult
	if err := json.Unmarshal(resp.Body, &result); err != nil {
		return FinalizeResult{}, WrapError(KindUnknownServer, PhaseFinalize, "decode FINALIZE response", err)
	}

	return result, nil
}

// Status fetches the current processing state of finalized media.
func (c Client) Status(ctx context.Context, mediaID string) (StatusResult, error) {
	query := map[string]string{
		"command":  commandStatus,
		"media_id": mediaID,
	}

	resp, err := c.transport.GetJSON(ctx, c.baseURL+uploadPath, query)
	if err != nil {
		return StatusResult{}, transportError(PhaseStatus, err)
	}
	if !successStatus(resp.StatusCode) {
		return StatusResult{}, statusError(PhaseStatus, resp)
	}

	var result StatusResult
	if err := json.Unmarshal(resp.Body, &result); err != nil {
		return StatusResult{}, WrapError(KindUnknownServer, PhaseStatus, "decode STATUS response", err)
	}

	return result, nil
}

// SetAltText attaches accessibility text to uploaded media.
func (c Client) SetAltText(ctx context.Context, mediaID, text string) error {
	body := altTextRequest{
		MediaID: mediaID,
		AltText: altText{Text: text},
	}

	resp, err := c.transport.PostJSON(ctx, c.baseURL+metadataPath, body)
	if err != nil {
		return transportError(PhaseMetadata, err)
	}
	if !successStatus(resp.StatusCode) {
		return statusError(PhaseMetadata, resp)
	}

	return nil
}

func successStatus(statusCode int) bool {
	return statusCode >= 200 && statusCode < 300
}

func transportError(phase Phase, err error) *Error {
	if KindOf(err) == KindCancelled {
		return ContextError(phase, err)
	}
	return WrapError(KindTransientTransport, phase, "request failed", err)
}

func statusError(phase Phase, resp Response) *Error {
	body := resp.Body
	if len(body) > maxErrorBodyBytes {
		body = body[:maxErrorBodyBytes]
	}
	return NewError(ClassifyStatus(resp.StatusCode), phase, fmt.Sprintf("HTTP %d: %s", resp.StatusCode, body))
}
