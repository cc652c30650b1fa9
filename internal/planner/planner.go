// Package planner maps remote metadata to deterministic on-disk
// destinations. Given identical metadata and tag mappings it always
// produces identical paths; nothing here depends on time or ordering.
package planner

import (
	"fmt"
	"net/url"
	"path"
	"path/filepath"
	"sort"
	"strings"

	"github.com/civitai-downloader/civitai-go/internal/civitai"
)

// miscCategory is the fallback when no tag matches any category.
const miscCategory = "MISC"

// maxSegmentLen caps each path segment; the extension is preserved when
// truncating file names.
const maxSegmentLen = 200

// Planner computes destination paths under a fixed root using the tag
// category table.
type Planner struct {
	root        string
	tagMappings map[string][]string

	// categories is the deterministic iteration order for classification.
	categories []string
}

// New creates a planner rooted at root with the given category→keywords
// table.
func New(root string, tagMappings map[string][]string) *Planner {
	categories := make([]string, 0, len(tagMappings))
	for c := range tagMappings {
		categories = append(categories, c)
	}

	// Map iteration order is random; classification must not be.
	sort.Strings(categories)

	return &Planner{
		root:        root,
		tagMappings: tagMappings,
		categories:  categories,
	}
}

// Root returns the destination root.
func (p *Planner) Root() string {
	return p.root
}

// StateDir returns the directory holding the task store and sentinels.
func (p *Planner) StateDir() string {
	return filepath.Join(p.root, ".state")
}

// QuarantineDir returns the corruption quarantine directory for a task.
func (p *Planner) QuarantineDir(taskID string) string {
	return filepath.Join(p.root, "corrupted", taskID)
}

// ModelDir returns the destination directory for a (model, version) pair:
// <root>/models/<base_model>/<tag_category>/<creator>_<model>_<version>/.
func (p *Planner) ModelDir(m *civitai.Model, v *civitai.Version) string {
	baseModel := v.BaseModel
	if baseModel == "" {
		baseModel = "Unknown"
	}

	folder := fmt.Sprintf("%s_%s_%s",
		Sanitize(orUnknown(m.Creator.Username)),
		Sanitize(orUnknown(m.Name)),
		Sanitize(orUnknown(v.Name)),
	)

	return filepath.Join(p.root, "models",
		Sanitize(baseModel), p.Classify(m.Tags), folder)
}

// UserImagesDir returns the destination for images unattached to a model:
// <root>/images/<creator>/.
func (p *Planner) UserImagesDir(username string) string {
	return filepath.Join(p.root, "images", Sanitize(orUnknown(username)))
}

// Classify maps a model's tag set to a canonical category. Exact tag
// match on the category name wins; otherwise the first substring match of
// any keyword within any tag; otherwise MISC. Matching is
// case-insensitive.
func (p *Planner) Classify(tags []string) string {
	if len(tags) == 0 {
		return miscCategory
	}

	normalized := make([]string, len(tags))
	for i, t := range tags {
		normalized[i] = strings.ToLower(strings.TrimSpace(t))
	}

	for _, category := range p.categories {
		lower := strings.ToLower(category)
		for _, tag := range normalized {
			if tag == lower {
				return category
			}
		}
	}

	for _, category := range p.categories {
		for _, keyword := range p.tagMappings[category] {
			lower := strings.ToLower(keyword)
			for _, tag := range normalized {
				if strings.Contains(tag, lower) {
					return category
				}
			}
		}
	}

	return miscCategory
}

// FileName returns the sanitized destination name for the primary binary.
func FileName(remoteName string) string {
	return Sanitize(remoteName)
}

// InfoFileName returns the raw metadata sidecar name for a binary:
// <stem>.civitai.info.
func InfoFileName(remoteName string) string {
	return Stem(Sanitize(remoteName)) + ".civitai.info"
}

// DescriptionFileName is the human summary sidecar.
const DescriptionFileName = "description.md"

// GalleryDirName holds per-model gallery images.
const GalleryDirName = "Gallery"

// UserImagesMetadataName is the per-user image metadata snapshot.
const UserImagesMetadataName = "images_metadata.json"

// PreviewFileName returns the destination name for the idx-th preview
// image (0-based): <stem>.preview<.N>.<ext>, where N is empty for the
// first and 2-indexed afterwards.
func PreviewFileName(remoteName, imageURL string, idx int) string {
	stem := Stem(Sanitize(remoteName))
	ext := ImageExt(imageURL)

	if idx == 0 {
		return stem + ".preview" + ext
	}

	return fmt.Sprintf("%s.preview.%d%s", stem, idx+1, ext)
}

// GalleryFileName returns the destination name for a gallery image:
// <image-id>.<ext> under the Gallery directory.
func GalleryFileName(imageID int64, imageURL string) string {
	return fmt.Sprintf("%d%s", imageID, ImageExt(imageURL))
}

// Stem strips the extension from a file name.
func Stem(name string) string {
	return strings.TrimSuffix(name, path.Ext(name))
}

// ImageExt guesses a file extension from an image URL, defaulting to
// .jpeg. Query parameters are ignored.
func ImageExt(imageURL string) string {
	u, err := url.Parse(imageURL)
	p := imageURL

	if err == nil {
		p = u.Path
	}

	ext := strings.ToLower(path.Ext(path.Base(p)))
	switch ext {
	case ".jpg", ".jpeg", ".png", ".gif", ".webp", ".mp4", ".webm":
		return ext
	default:
		return ".jpeg"
	}
}

// invalidPathChars are replaced with '_' in every path segment.
const invalidPathChars = `<>:"/\|?*`

// Sanitize makes a string safe as a single path segment: invalid and
// control characters become '_', leading/trailing whitespace and dots are
// stripped, and the segment is truncated to 200 characters preserving any
// file extension.
func Sanitize(segment string) string {
	var b strings.Builder
	b.Grow(len(segment))

	for _, r := range segment {
		if r < 0x20 || strings.ContainsRune(invalidPathChars, r) {
			b.WriteRune('_')
			continue
		}

		b.WriteRune(r)
	}

	out := strings.Trim(b.String(), " .")
	out = strings.TrimSpace(out)

	if out == "" {
		return "_"
	}

	return truncateSegment(out, maxSegmentLen)
}

// truncateSegment shortens a segment to max runes, keeping the extension.
func truncateSegment(segment string, max int) string {
	runes := []rune(segment)
	if len(runes) <= max {
		return segment
	}

	ext := path.Ext(segment)
	if ext != "" && len([]rune(ext)) < max {
		keep := max - len([]rune(ext))
		stem := []rune(Stem(segment))

		if keep > len(stem) {
			keep = len(stem)
		}

		return string(stem[:keep]) + ext
	}

	return string(runes[:max])
}

func orUnknown(s string) string {
	if strings.TrimSpace(s) == "" {
		return "Unknown"
	}

	return s
}
