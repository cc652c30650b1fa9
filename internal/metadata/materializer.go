// Package metadata produces the sidecar artifacts written next to each
// downloaded model: the human summary (description.md) and the verbatim
// API snapshot (<stem>.civitai.info).
package metadata

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/civitai-downloader/civitai-go/internal/civitai"
	"github.com/civitai-downloader/civitai-go/internal/planner"
)

// htmlTagRe strips markup from the API's HTML description bodies.
var htmlTagRe = regexp.MustCompile(`<[^>]+>`)

// Materializer writes sidecar files. nowFunc is injectable for
// deterministic tests.
type Materializer struct {
	nowFunc func() time.Time
}

// New returns a Materializer using the wall clock.
func New() *Materializer {
	return &Materializer{nowFunc: time.Now}
}

// WriteSidecars writes description.md and the raw metadata snapshot into
// dir for the given (model, version). Both writes are atomic.
func (m *Materializer) WriteSidecars(dir string, model *civitai.Model, version *civitai.Version) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("creating sidecar dir %s: %w", dir, err)
	}

	summary := m.RenderSummary(model, version)
	if err := WriteFileAtomic(filepath.Join(dir, planner.DescriptionFileName), []byte(summary)); err != nil {
		return fmt.Errorf("writing description.md: %w", err)
	}

	if file := version.PrimaryFile(); file != nil {
		infoPath := filepath.Join(dir, planner.InfoFileName(file.Name))
		if err := WriteFileAtomic(infoPath, rawSnapshot(model, version)); err != nil {
			return fmt.Errorf("writing civitai.info: %w", err)
		}
	}

	return nil
}

// rawSnapshot returns the verbatim version payload, falling back to the
// model payload when the version was only seen embedded.
func rawSnapshot(model *civitai.Model, version *civitai.Version) []byte {
	if len(version.Raw) > 0 {
		return indentJSON(version.Raw)
	}

	return indentJSON(model.Raw)
}

// indentJSON pretty-prints a raw payload, returning it unchanged when it
// does not re-marshal cleanly.
func indentJSON(raw json.RawMessage) []byte {
	var buf strings.Builder

	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return raw
	}

	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	enc.SetIndent("", "    ")

	if err := enc.Encode(v); err != nil {
		return raw
	}

	return []byte(buf.String())
}

// RenderSummary builds the description.md body.
func (m *Materializer) RenderSummary(model *civitai.Model, version *civitai.Version) string {
	var b strings.Builder

	file := version.PrimaryFile()

	fmt.Fprintf(&b, "# %s\n\n", orUnknown(model.Name))
	fmt.Fprintf(&b, "**Creator**: %s\n", orUnknown(model.Creator.Username))
	fmt.Fprintf(&b, "**Type**: %s\n", orUnknown(model.Type))
	fmt.Fprintf(&b, "**Base model**: %s\n\n", orUnknown(version.BaseModel))

	b.WriteString("## Details\n\n")

	triggers := "none"
	if len(version.TrainedWords) > 0 {
		triggers = strings.Join(version.TrainedWords, ", ")
	}

	fmt.Fprintf(&b, "- **Trigger words**: %s\n", triggers)
	fmt.Fprintf(&b, "- **Version**: %s\n", orUnknown(version.Name))

	if file != nil {
		fmt.Fprintf(&b, "- **File size**: %s\n", humanize.IBytes(uint64(file.SizeBytes())))

		if file.Metadata.Format != "" {
			fmt.Fprintf(&b, "- **File format**: %s\n", file.Metadata.Format)
		}

		if _, digest := file.SelectDigest(); digest != "" {
			fmt.Fprintf(&b, "- **Model hash**: %s\n", digest)
		}
	}

	fmt.Fprintf(&b, "- **Downloads**: %s\n", humanize.Comma(version.Stats.DownloadCount))
	fmt.Fprintf(&b, "- **Rating**: %.2f\n", version.Stats.Rating)
	fmt.Fprintf(&b, "- **Thumbs up**: %s\n", humanize.Comma(version.Stats.ThumbsUpCount))
	fmt.Fprintf(&b, "- **NSFW level**: %d\n\n", model.NSFWLevel)

	b.WriteString("## Description\n\n")
	b.WriteString(plainDescription(model.Description))
	b.WriteString("\n\n")

	b.WriteString("## Download\n\n")
	fmt.Fprintf(&b, "- **Fetched at**: %s\n", m.nowFunc().Format("2006-01-02 15:04:05"))
	fmt.Fprintf(&b, "- **Download URL**: %s\n", orUnknown(version.DownloadURL))
	fmt.Fprintf(&b, "- **Web URL**: https://civitai.com/models/%d?modelVersionId=%d\n", model.ID, version.ID)

	if file != nil {
		if sha := file.SHA256(); sha != "" {
			fmt.Fprintf(&b, "- **SHA256**: %s\n", sha)
		}
	}

	return b.String()
}

// plainDescription strips HTML markup from the description body.
func plainDescription(description string) string {
	text := strings.TrimSpace(htmlTagRe.ReplaceAllString(description, ""))
	if text == "" {
		return "No description available"
	}

	return text
}

// WriteUserImagesMetadata writes the images_metadata.json snapshot for a
// user-image batch.
func WriteUserImagesMetadata(dir string, images []civitai.Image) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("creating image dir %s: %w", dir, err)
	}

	data, err := json.MarshalIndent(images, "", "    ")
	if err != nil {
		return fmt.Errorf("marshaling image metadata: %w", err)
	}

	target := filepath.Join(dir, planner.UserImagesMetadataName)
	if err := WriteFileAtomic(target, data); err != nil {
		return fmt.Errorf("writing image metadata: %w", err)
	}

	return nil
}

// WriteFileAtomic writes data to path via a .tmp sibling and rename, so
// consumers never observe a half-written file.
func WriteFileAtomic(path string, data []byte) error {
	tmp := path + ".tmp"

	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}

	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return err
	}

	return nil
}

func orUnknown(s string) string {
	if strings.TrimSpace(s) == "" {
		return "Unknown"
	}

	return s
}
