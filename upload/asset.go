package upload

import (
	"strings"
)

// Category groups media by the rules that apply to it: size ceilings, how
// many fit into one post and whether server-side processing is expected.
type Category string

const (
	CategoryImage         Category = "image"
	CategoryAnimatedImage Category = "animated_image"
	CategoryVideo         Category = "video"
)

// UsageContext says where the media will be attached. The ingest service
// applies different processing pipelines per context.
type UsageContext string

const (
	UsagePost          UsageContext = "post"
	UsageDirectMessage UsageContext = "direct_message"
)

var categoryByContentType = map[string]Category{
	"image/jpeg":      CategoryImage,
	"image/png":       CategoryImage,
	"image/webp":      CategoryImage,
	"image/gif":       CategoryAnimatedImage,
	"video/mp4":       CategoryVideo,
	"video/quicktime": CategoryVideo,
}

// Asset is one media payload prepared for upload. Fields must not be mutated
// after the asset has been handed to an Uploader.
type Asset struct {
	// Data is the full payload. Reading media from disk or elsewhere is the
	// caller's job.
	Data []byte

	// Size is the payload size in bytes and what validation and chunk
	// planning operate on.
	Size int64

	// ContentType is the declared MIME type, e.g. "image/png".
	ContentType string

	// Category is derived from ContentType and empty for unsupported types.
	Category Category

	// AltText is optional accessibility text attached after upload.
	AltText string

	// Usage selects the processing context, post by default.
	Usage UsageContext
}

// NewAsset builds an asset around an in-memory payload.
func NewAsset(data []byte, contentType string) Asset {
	return Asset{
		Data:        data,
		Size:        int64(len(data)),
		ContentType: contentType,
		Category:    CategoryForContentType(contentType),
		Usage:       UsagePost,
	}
}

// CategoryForContentType maps a MIME type to its media category. Unsupported
// types map to the empty category.
func CategoryForContentType(contentType string) Category {
	normalized := contentType
	if idx := strings.Index(normalized, ";"); idx >= 0 {
		normalized = normalized[:idx]
	}
	normalized = strings.ToLower(strings.TrimSpace(normalized))

	return categoryByContentType[normalized]
}

// ServerCategory returns the category token the ingest service expects in
// INIT, e.g. "post_video" or "dm_image". Unsupported categories yield an
// empty token.
func (a Asset) ServerCategory() string {
	var suffix string
	switch a.Category {
	case CategoryImage:
		suffix = "image"
	case CategoryAnimatedImage:
		suffix = "gif"
	case CategoryVideo:
		suffix = "video"
	default:
		return ""
	}

	if a.Usage == UsageDirectMessage {
		return "dm_" + suffix
	}
	return "post_" + suffix
}
