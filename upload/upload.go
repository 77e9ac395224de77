package upload

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/bitrise-io/go-utils/retry"
	"github.com/bitrise-io/go-utils/v2/env"
	"github.com/bitrise-io/go-utils/v2/log"
	"github.com/docker/go-units"
	"github.com/google/uuid"

	"github.com/openfeed-io/go-mediakit/upload/network"
	"github.com/openfeed-io/go-mediakit/upload/network/chunker"
)

const (
	apiURLEnvKey = "MEDIAKIT_INGEST_API_URL"
	tokenEnvKey  = "MEDIAKIT_INGEST_ACCESS_TOKEN"

	altTextRetries   = 2
	altTextRetryWait = 500 * time.Millisecond
)

// Secret is a string whose value must not appear in logs.
type Secret string

// String implements fmt.Stringer. The underlying value is masked.
func (s Secret) String() string {
	return "*****"
}

// UploadMediaInput is the parameter set for uploading a single asset.
type UploadMediaInput struct {
	Asset   Asset
	Verbose bool
	// Concurrency caps parallel chunk transfers. Zero means serial upload.
	Concurrency int
	// Progress receives transfer and processing events. Optional.
	Progress network.ProgressReporter
}

// UploadAllInput is the parameter set for uploading the media set of a single
// post.
type UploadAllInput struct {
	Assets      []Asset
	Verbose     bool
	Concurrency int
	Progress    network.ProgressReporter
}

// UploadResult identifies an uploaded media item.
type UploadResult struct {
	// UploadID correlates log lines and analytics events of one upload.
	UploadID string
	// MediaID is the server-assigned id to reference the media with.
	MediaID string
	Size    int64
	Width   int
	Height  int
}

// Uploader is the high level entry point for media uploads.
type Uploader interface {
	Upload(ctx context.Context, input UploadMediaInput) (UploadResult, error)
	UploadAll(ctx context.Context, input UploadAllInput) ([]UploadResult, error)
}

type uploader struct {
	envRepo   env.Repository
	logger    log.Logger
	transport network.TransportClient
}

// NewUploader creates a new media uploader instance. Use the transport
// parameter for dependency injection in tests, otherwise pass nil.
func NewUploader(envRepo env.Repository, logger log.Logger, transport network.TransportClient) Uploader {
	return &uploader{
		envRepo:   envRepo,
		logger:    logger,
		transport: transport,
	}
}

type uploadConfig struct {
	APIBaseURL  string
	AccessToken Secret
}

func (u *uploader) createConfig() (uploadConfig, error) {
	apiBaseURL := u.envRepo.Get(apiURLEnvKey)
	if apiBaseURL == "" {
		return uploadConfig{}, fmt.Errorf("the secret '%s' is not defined", apiURLEnvKey)
	}

	token := u.envRepo.Get(tokenEnvKey)
	if token == "" {
		return uploadConfig{}, network.NewError(network.KindAuthRequired, network.PhaseValidate,
			fmt.Sprintf("the secret '%s' is not defined", tokenEnvKey))
	}

	return uploadConfig{
		APIBaseURL:  apiBaseURL,
		AccessToken: Secret(token),
	}, nil
}

// Upload validates the asset and drives it through a chunked upload session.
// Accessibility text, when present, is attached after the media reaches its
// terminal state.
func (u *uploader) Upload(ctx context.Context, input UploadMediaInput) (UploadResult, error) {
	if input.Verbose {
		u.logger.EnableDebugLog(true)
	}

	config, err := u.createConfig()
	if err != nil {
		return UploadResult{}, fmt.Errorf("failed to read configuration: %w", err)
	}

	if result := Validate(input.Asset); !result.OK() {
		return UploadResult{}, network.NewError(network.KindValidation, network.PhaseValidate,
			strings.Join(result.Violations, "; "))
	}
	if int64(len(input.Asset.Data)) != input.Asset.Size {
		return UploadResult{}, network.NewError(network.KindValidation, network.PhaseValidate,
			fmt.Sprintf("payload is %d bytes, the declared size is %d", len(input.Asset.Data), input.Asset.Size))
	}

	uploadID := uuid.New().String()
	tracker := newUploadTracker(uploadID, u.envRepo, u.logger)
	defer tracker.wait()

	u.logger.Println()
	u.logger.Infof("Uploading %s (%s)...",
		input.Asset.Category,
		units.HumanSizeWithPrecision(float64(input.Asset.Size), 3))
	u.logger.Debugf("Upload ID: %s", uploadID)

	transport := u.transport
	if transport == nil {
		transport = network.NewHTTPTransport(string(config.AccessToken), u.logger)
	}
	client := network.NewClient(transport, config.APIBaseURL, u.logger)

	session, err := network.NewSession(network.SessionParams{
		Client:        client,
		Payload:       input.Asset.Data,
		ContentType:   input.Asset.ContentType,
		MediaCategory: input.Asset.ServerCategory(),
		Policy:        network.DefaultRetryPolicy(),
		Reporter:      input.Progress,
		Logger:        u.logger,
		Concurrency:   input.Concurrency,
	})
	if err != nil {
		return UploadResult{}, fmt.Errorf("media upload failed: %w", err)
	}

	chunkCount := chunker.Count(input.Asset.Size, chunker.ChunkSize(input.Asset.Size))
	tracker.logUploadStarted(input.Asset.Category, input.Asset.Size, chunkCount)

	uploadStartTime := time.Now()
	result, err := session.Run(ctx)
	if err != nil {
		tracker.logUploadFailed(err, time.Since(uploadStartTime))
		return UploadResult{}, fmt.Errorf("media upload failed: %w", err)
	}

	if input.Asset.AltText != "" {
		if err := u.attachAltText(ctx, client, result.MediaID, input.Asset.AltText); err != nil {
			// The media is already usable, a missing description should not
			// undo the upload.
			u.logger.Warnf("Failed to attach accessibility text to %s: %s", result.MediaID, err)
		}
	}

	tracker.logUploaded(time.Since(uploadStartTime), result.Size, chunkCount, result.Processing != nil)
	u.logger.Donef("Media %s uploaded in %s", result.MediaID, time.Since(uploadStartTime).Round(time.Second))

	return UploadResult{
		UploadID: uploadID,
		MediaID:  result.MediaID,
		Size:     result.Size,
		Width:    result.Width,
		Height:   result.Height,
	}, nil
}

// UploadAll checks the composition rules for the set, then uploads the assets
// one by one over a shared transport. It stops at the first failure and
// returns the results collected so far.
func (u *uploader) UploadAll(ctx context.Context, input UploadAllInput) ([]UploadResult, error) {
	if result := ValidateSet(input.Assets); !result.OK() {
		return nil, network.NewError(network.KindValidation, network.PhaseValidate,
			strings.Join(result.Violations, "; "))
	}

	runner := u
	if u.transport == nil {
		config, err := u.createConfig()
		if err != nil {
			return nil, fmt.Errorf("failed to read configuration: %w", err)
		}
		runner = &uploader{
			envRepo:   u.envRepo,
			logger:    u.logger,
			transport: network.NewHTTPTransport(string(config.AccessToken), u.logger),
		}
	}

	results := make([]UploadResult, 0, len(input.Assets))
	for i, asset := range input.Assets {
		result, err := runner.Upload(ctx, UploadMediaInput{
			Asset:       asset,
			Verbose:     input.Verbose,
			Concurrency: input.Concurrency,
			Progress:    input.Progress,
		})
		if err != nil {
			return results, fmt.Errorf("uploading media %d of %d: %w", i+1, len(input.Assets), err)
		}
		results = append(results, result)
	}

	return results, nil
}

func (u *uploader) attachAltText(ctx context.Context, client network.Client, mediaID, text string) error {
	return retry.Times(altTextRetries).Wait(altTextRetryWait).TryWithAbort(func(attempt uint) (error, bool) {
		if attempt > 0 {
			u.logger.Debugf("Retrying metadata attach... (attempt %d)", attempt+1)
		}

		err := client.SetAltText(ctx, mediaID, text)
		if err == nil {
			return nil, false
		}
		if network.KindOf(err) != network.KindTransientTransport {
			return err, true
		}
		return err, false
	})
}
