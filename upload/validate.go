package upload

import (
	"fmt"
	"net/http"
	"unicode/utf8"

	"github.com/docker/go-units"
)

const (
	maxImageBytes         = 5 * 1024 * 1024
	maxAnimatedImageBytes = 15 * 1024 * 1024
	maxVideoBytes         = 512 * 1024 * 1024

	// Alt text limit is in Unicode code points, not bytes.
	maxAltTextLength = 1000

	maxImagesPerSet = 4

	// http.DetectContentType never reads more than this.
	sniffLength = 512
)

var maxBytesByCategory = map[Category]int64{
	CategoryImage:         maxImageBytes,
	CategoryAnimatedImage: maxAnimatedImageBytes,
	CategoryVideo:         maxVideoBytes,
}

// ValidationResult collects everything wrong with an asset or a set. All
// rules are checked, a single pass reports every violation at once.
type ValidationResult struct {
	Violations []string
}

// OK reports whether validation passed.
func (r ValidationResult) OK() bool {
	return len(r.Violations) == 0
}

// Validate checks a single asset against the upload rules: supported content
// type, category size ceiling, payload consistency and alt text length. No
// network is involved.
func Validate(asset Asset) ValidationResult {
	var violations []string

	if asset.Size <= 0 {
		violations = append(violations, "media payload is empty")
	}

	if asset.Category == "" {
		violations = append(violations, fmt.Sprintf("unsupported content type %q", asset.ContentType))
	} else {
		if CategoryForContentType(asset.ContentType) != asset.Category {
			violations = append(violations, fmt.Sprintf("content type %q is not valid for %s media", asset.ContentType, asset.Category))
		}

		if limit, ok := maxBytesByCategory[asset.Category]; ok && asset.Size > limit {
			violations = append(violations, fmt.Sprintf("%s payload is %s, the limit is %s",
				asset.Category,
				units.HumanSizeWithPrecision(float64(asset.Size), 3),
				units.BytesSize(float64(limit))))
		}
	}

	if violation := sniffMismatch(asset); violation != "" {
		violations = append(violations, violation)
	}

	if length := utf8.RuneCountInString(asset.AltText); length > maxAltTextLength {
		violations = append(violations, fmt.Sprintf("accessibility text is %d characters long, the limit is %d", length, maxAltTextLength))
	}

	if asset.Usage != "" && asset.Usage != UsagePost && asset.Usage != UsageDirectMessage {
		violations = append(violations, fmt.Sprintf("unknown usage context %q", asset.Usage))
	}

	return ValidationResult{Violations: violations}
}

// sniffMismatch compares the payload's magic bytes against the declared
// category. The check is skipped when the payload is absent or the sniffer
// cannot tell what the bytes are.
func sniffMismatch(asset Asset) string {
	if len(asset.Data) == 0 || asset.Category == "" {
		return ""
	}

	head := asset.Data
	if len(head) > sniffLength {
		head = head[:sniffLength]
	}

	detected := http.DetectContentType(head)
	detectedCategory := CategoryForContentType(detected)
	if detectedCategory == "" {
		return ""
	}

	if detectedCategory != asset.Category {
		return fmt.Sprintf("payload looks like %s (%s), not %s", detectedCategory, detected, asset.Category)
	}
	return ""
}

// ValidateSet checks the composition rules for media attached to a single
// post: up to 4 images, or exactly one video, or exactly one animated image,
// and no mixing of categories.
func ValidateSet(assets []Asset) ValidationResult {
	var violations []string

	if len(assets) == 0 {
		return ValidationResult{Violations: []string{"media set is empty"}}
	}

	var images, animated, videos int
	for _, asset := range assets {
		switch asset.Category {
		case CategoryImage:
			images++
		case CategoryAnimatedImage:
			animated++
		case CategoryVideo:
			videos++
		}
	}

	mixed := 0
	for _, count := range []int{images, animated, videos} {
		if count > 0 {
			mixed++
		}
	}
	if mixed > 1 {
		violations = append(violations, "images, animated images and videos cannot be mixed in one set")
	}

	if images > maxImagesPerSet {
		violations = append(violations, fmt.Sprintf("a set can contain at most %d images, got %d", maxImagesPerSet, images))
	}
	if videos > 1 {
		violations = append(violations, fmt.Sprintf("a set can contain only one video, got %d", videos))
	}
	if animated > 1 {
		violations = append(violations, fmt.Sprintf("a set can contain only one animated image, got %d", animated))
	}

	return ValidationResult{Violations: violations}
}
