package civitai

import (
	"encoding/json"
	"strings"
)

// Model is a Civitai model with its version tree. Raw preserves the
// verbatim API payload for the .civitai.info sidecar; decoders tolerate
// unknown fields and type drift by only binding the fields the engine
// needs.
type Model struct {
	ID          int64    `json:"id"`
	Name        string   `json:"name"`
	Type        string   `json:"type"`
	NSFW        bool     `json:"nsfw"`
	NSFWLevel   int      `json:"nsfwLevel"`
	Tags        []string `json:"tags"`
	Mode        string   `json:"mode"`
	Description string   `json:"description"`
	Creator     Creator  `json:"creator"`

	Versions []Version `json:"modelVersions"`

	Raw json.RawMessage `json:"-"`
}

// Creator identifies the publishing user.
type Creator struct {
	Username string `json:"username"`
}

// Version is one published revision of a model.
type Version struct {
	ID           int64    `json:"id"`
	ModelID      int64    `json:"modelId"`
	Name         string   `json:"name"`
	BaseModel    string   `json:"baseModel"`
	TrainedWords []string `json:"trainedWords"`
	DownloadURL  string   `json:"downloadUrl"`

	Files  []File       `json:"files"`
	Images []Image      `json:"images"`
	Stats  VersionStats `json:"stats"`

	Raw json.RawMessage `json:"-"`
}

// VersionStats carries the declared popularity counters used in the
// human summary sidecar.
type VersionStats struct {
	DownloadCount int64   `json:"downloadCount"`
	Rating        float64 `json:"rating"`
	ThumbsUpCount int64   `json:"thumbsUpCount"`
}

// File is one downloadable artifact of a version. Hashes is the server's
// algorithm→digest map; keys are matched case-insensitively via
// SelectDigest.
type File struct {
	Name        string            `json:"name"`
	SizeKB      float64           `json:"sizeKB"`
	Primary     bool              `json:"primary"`
	Metadata    FileMetadata      `json:"metadata"`
	Hashes      map[string]string `json:"hashes"`
	DownloadURL string            `json:"downloadUrl"`
}

// FileMetadata is the nested per-file attribute object.
type FileMetadata struct {
	Format string `json:"format"`
	Size   string `json:"size"`
	FP     string `json:"fp"`
}

// SizeBytes converts the declared KiB size to bytes.
func (f *File) SizeBytes() int64 {
	return int64(f.SizeKB * 1024)
}

// digestPreference is the comparison fallback order. SHA-256 is the
// verification digest; BLAKE3 and AutoV2 are accepted when the server
// omits it.
var digestPreference = []string{"SHA256", "BLAKE3", "AUTOV2"}

// SelectDigest picks the strongest available digest from the hash map.
// Keys are uppercased and whitespace-stripped before comparison. Returns
// empty strings when no known algorithm is present.
func (f *File) SelectDigest() (algo, digest string) {
	if len(f.Hashes) == 0 {
		return "", ""
	}

	normalized := make(map[string]string, len(f.Hashes))
	for k, v := range f.Hashes {
		normalized[strings.ToUpper(strings.TrimSpace(k))] = strings.TrimSpace(v)
	}

	for _, algo := range digestPreference {
		if d, ok := normalized[algo]; ok && d != "" {
			return algo, d
		}
	}

	return "", ""
}

// SHA256 returns the declared SHA-256 digest, lowercased, or empty when
// the server did not publish one.
func (f *File) SHA256() string {
	for k, v := range f.Hashes {
		if strings.ToUpper(strings.TrimSpace(k)) == "SHA256" {
			return strings.ToLower(strings.TrimSpace(v))
		}
	}

	return ""
}

// PrimaryFile returns the file flagged primary, falling back to the first
// file. Returns nil for versions with no files.
func (v *Version) PrimaryFile() *File {
	for i := range v.Files {
		if v.Files[i].Primary {
			return &v.Files[i]
		}
	}

	if len(v.Files) > 0 {
		return &v.Files[0]
	}

	return nil
}

// Image is a preview or gallery image.
type Image struct {
	ID        int64           `json:"id"`
	URL       string          `json:"url"`
	Width     int             `json:"width"`
	Height    int             `json:"height"`
	NSFWLevel int             `json:"nsfwLevel"`
	Blurhash  string          `json:"hash"`
	Username  string          `json:"username"`
	Meta      json.RawMessage `json:"meta"`
}

// PageMetadata is the pagination envelope returned by list endpoints.
// NextPage, when present, is a fully-qualified URL and takes precedence
// over page arithmetic.
type PageMetadata struct {
	TotalItems  int    `json:"totalItems"`
	CurrentPage int    `json:"currentPage"`
	PageSize    int    `json:"pageSize"`
	TotalPages  int    `json:"totalPages"`
	NextPage    string `json:"nextPage"`
	NextCursor  string `json:"nextCursor"`
}

// HasMore reports whether another page follows this one.
func (m *PageMetadata) HasMore() bool {
	if m.NextPage != "" || m.NextCursor != "" {
		return true
	}

	return m.TotalPages > 0 && m.CurrentPage < m.TotalPages
}

// listPage is the raw page envelope. Items stay raw so one malformed item
// is skipped without losing the rest of the page.
type listPage struct {
	Items    []json.RawMessage `json:"items"`
	Metadata PageMetadata      `json:"metadata"`
}
