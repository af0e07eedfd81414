package domain

// MediaType identifies the kind of payload a capability token authorizes.
type MediaType string

const (
	MediaTypeVideo MediaType = "video"
	MediaTypeAudio MediaType = "mp3"
	MediaTypeImage MediaType = "image"
)

// ContentType returns the response content type and file extension for the
// media type. Unknown types fall back to a generic binary stream.
func (t MediaType) ContentType() (mime, ext string) {
	switch t {
	case MediaTypeAudio:
		return "audio/mpeg", "mp3"
	case MediaTypeVideo:
		return "video/mp4", "mp4"
	case MediaTypeImage:
		return "image/jpeg", "jpg"
	default:
		return "application/octet-stream", "bin"
	}
}

// Valid reports whether the media type is one the gateway can deliver.
func (t MediaType) Valid() bool {
	switch t {
	case MediaTypeVideo, MediaTypeAudio, MediaTypeImage:
		return true
	}
	return false
}

// Format is one downloadable rendition reported by the extraction engine.
// JSON tags match the engine's own output so its dump unmarshals directly.
type Format struct {
	FormatID    string            `json:"format_id"`
	URL         string            `json:"url"`
	Ext         string            `json:"ext,omitempty"`
	VCodec      string            `json:"vcodec,omitempty"`
	ACodec      string            `json:"acodec,omitempty"`
	Width       int               `json:"width,omitempty"`
	Height      int               `json:"height,omitempty"`
	Filesize    int64             `json:"filesize,omitempty"`
	HTTPHeaders map[string]string `json:"http_headers,omitempty"`
}

// HasVideo reports whether the format carries a video track.
func (f Format) HasVideo() bool {
	return f.VCodec != "" && f.VCodec != "none"
}

// HasAudio reports whether the format carries an audio track.
func (f Format) HasAudio() bool {
	return f.ACodec != "" && f.ACodec != "none"
}

type Thumbnail struct {
	URL    string `json:"url"`
	Width  int    `json:"width,omitempty"`
	Height int    `json:"height,omitempty"`
}

// Metadata is the structured extraction result for one source URL.
type Metadata struct {
	ID           string      `json:"id"`
	Title        string      `json:"title,omitempty"`
	FullTitle    string      `json:"fulltitle,omitempty"`
	Description  string      `json:"description,omitempty"`
	Uploader     string      `json:"uploader,omitempty"`
	UploaderID   string      `json:"uploader_id,omitempty"`
	Channel      string      `json:"channel,omitempty"`
	Artist       string      `json:"artist,omitempty"`
	Duration     float64     `json:"duration,omitempty"`
	Thumbnail    string      `json:"thumbnail,omitempty"`
	Thumbnails   []Thumbnail `json:"thumbnails,omitempty"`
	ViewCount    int64       `json:"view_count,omitempty"`
	LikeCount    int64       `json:"like_count,omitempty"`
	CommentCount int64       `json:"comment_count,omitempty"`
	RepostCount  int64       `json:"repost_count,omitempty"`
	Formats      []Format    `json:"formats,omitempty"`
}

// AuthorName resolves the display name used for delivered filenames.
func (m *Metadata) AuthorName() string {
	switch {
	case m.Uploader != "":
		return m.Uploader
	case m.Channel != "":
		return m.Channel
	default:
		return "unknown"
	}
}

// IsImagePost reports whether the source is an image gallery rather than a
// single video. The engine marks gallery renditions with an "image-" format
// id prefix; that prefix is the only identity it provides.
func (m *Metadata) IsImagePost() bool {
	for _, f := range m.Formats {
		if len(f.FormatID) >= 6 && f.FormatID[:6] == "image-" {
			return true
		}
	}
	return false
}

// ImageFormats returns the gallery renditions in engine order.
func (m *Metadata) ImageFormats() []Format {
	var out []Format
	for _, f := range m.Formats {
		if len(f.FormatID) >= 6 && f.FormatID[:6] == "image-" {
			out = append(out, f)
		}
	}
	return out
}

// AudioFormat returns the dedicated audio rendition, preferring the engine's
// explicit "audio" format id, then any audio-only track, then a combined one.
func (m *Metadata) AudioFormat() (Format, bool) {
	for _, f := range m.Formats {
		if f.FormatID == "audio" {
			return f, true
		}
	}
	for _, f := range m.Formats {
		if f.HasAudio() && !f.HasVideo() {
			return f, true
		}
	}
	for _, f := range m.Formats {
		if f.HasAudio() {
			return f, true
		}
	}
	return Format{}, false
}

// FindFormat returns the format with the given id.
func (m *Metadata) FindFormat(id string) (Format, bool) {
	for _, f := range m.Formats {
		if f.FormatID == id {
			return f, true
		}
	}
	return Format{}, false
}

// TokenPayload is the content of one capability token. A token is
// self-contained: everything needed to perform the delivery it authorizes
// travels inside it, nothing is kept server-side.
type TokenPayload struct {
	URL         string            `json:"url"`
	FormatID    string            `json:"format_id,omitempty"`
	Author      string            `json:"author"`
	Type        MediaType         `json:"type,omitempty"`
	Filesize    int64             `json:"filesize,omitempty"`
	HTTPHeaders map[string]string `json:"http_headers,omitempty"`
}
