package http

import (
	"encoding/json"
	"fmt"
	"sort"

	"mediagate/internal/domain"
)

// AuthorInfo mirrors the author block clients already consume.
type AuthorInfo struct {
	Nickname     string `json:"nickname"`
	UniqueID     string `json:"uniqueId"`
	Signature    string `json:"signature"`
	Avatar       string `json:"avatar"`
	AvatarThumb  string `json:"avatarThumb"`
	AvatarMedium string `json:"avatarMedium"`
	AvatarLarger string `json:"avatarLarger"`
}

type Statistics struct {
	PlayCount    int64 `json:"play_count"`
	DiggCount    int64 `json:"digg_count"`
	CommentCount int64 `json:"comment_count"`
	ShareCount   int64 `json:"share_count"`
}

// buildResponse renders the metadata payload for one source URL: status
// "picker" with a photo list for image posts, status "tunnel" for videos.
// Every delivery link carries a freshly minted capability token.
func (h *Handler) buildResponse(md *domain.Metadata, sourceURL string) (map[string]any, error) {
	nickname := md.AuthorName()
	uniqueID := md.UploaderID
	if uniqueID == "" {
		uniqueID = nickname
	}
	avatar := ""
	if len(md.Thumbnails) > 0 {
		avatar = md.Thumbnails[0].URL
	}

	title := md.Title
	if title == "" {
		title = md.FullTitle
	}
	description := md.Description
	if description == "" {
		description = title
	}
	artist := md.Artist
	if artist == "" {
		artist = nickname
	}
	durationMS := int64(md.Duration * 1000)

	resp := map[string]any{
		"title":       title,
		"description": description,
		"statistics": Statistics{
			PlayCount:    md.ViewCount,
			DiggCount:    md.LikeCount,
			CommentCount: md.CommentCount,
			ShareCount:   md.RepostCount,
		},
		"artist":         artist,
		"cover":          md.Thumbnail,
		"duration":       durationMS,
		"audio":          "",
		"download_link":  map[string]any{},
		"music_duration": durationMS,
		"author": AuthorInfo{
			Nickname:     nickname,
			UniqueID:     uniqueID,
			Signature:    md.Description,
			Avatar:       avatar,
			AvatarThumb:  avatar,
			AvatarMedium: avatar,
			AvatarLarger: avatar,
		},
	}

	if md.IsImagePost() {
		return h.buildImageResponse(resp, md, sourceURL, nickname)
	}
	return h.buildVideoResponse(resp, md, nickname)
}

func (h *Handler) buildVideoResponse(resp map[string]any, md *domain.Metadata, nickname string) (map[string]any, error) {
	resp["status"] = "tunnel"

	var combined []domain.Format
	for _, f := range md.Formats {
		if f.HasVideo() && f.HasAudio() {
			combined = append(combined, f)
		}
	}
	// Best quality first.
	sort.SliceStable(combined, func(i, j int) bool {
		return combined[i].Width*combined[i].Height > combined[j].Width*combined[j].Height
	})

	var hd, sd []domain.Format
	for _, f := range combined {
		if f.Height >= 720 {
			hd = append(hd, f)
		} else {
			sd = append(sd, f)
		}
	}

	audioFormat, hasAudio := md.AudioFormat()
	if hasAudio {
		resp["audio"] = audioFormat.URL
	}

	links := map[string]any{}
	if f, ok := md.FindFormat("download"); ok {
		if link, err := h.streamLink(f, nickname, domain.MediaTypeVideo); err == nil {
			links["watermark"] = link
		}
	}
	if len(sd) > 0 {
		if link, err := h.streamLink(sd[0], nickname, domain.MediaTypeVideo); err == nil {
			links["no_watermark"] = link
		}
	}
	if len(hd) > 0 {
		if link, err := h.streamLink(hd[0], nickname, domain.MediaTypeVideo); err == nil {
			links["no_watermark_hd"] = link
		}
		if len(hd) > 1 {
			if link, err := h.streamLink(hd[1], nickname, domain.MediaTypeVideo); err == nil {
				links["watermark_hd"] = link
			}
		}
	}
	if hasAudio {
		if link, err := h.streamLink(audioFormat, nickname, domain.MediaTypeAudio); err == nil {
			links["mp3"] = link
		}
	}

	resp["download_link"] = links
	return resp, nil
}

func (h *Handler) buildImageResponse(resp map[string]any, md *domain.Metadata, sourceURL, nickname string) (map[string]any, error) {
	resp["status"] = "picker"

	images := md.ImageFormats()
	photos := make([]map[string]string, 0, len(images))
	imageLinks := make([]string, 0, len(images))
	for _, img := range images {
		photos = append(photos, map[string]string{"type": "photo", "url": img.URL})

		tok, err := h.mintToken(domain.TokenPayload{
			URL:    img.URL,
			Author: nickname,
			Type:   domain.MediaTypeImage,
		})
		if err != nil {
			return nil, err
		}
		imageLinks = append(imageLinks, fmt.Sprintf("%s/download?data=%s", h.cfg.BaseURL, tok))
	}
	resp["photos"] = photos

	links := map[string]any{"no_watermark": imageLinks}
	if audioFormat, ok := md.AudioFormat(); ok {
		resp["audio"] = audioFormat.URL
		if link, err := h.streamLink(audioFormat, nickname, domain.MediaTypeAudio); err == nil {
			links["mp3"] = link
		}
	}
	resp["download_link"] = links

	// The slideshow link tokenizes the source URL itself; the slideshow
	// endpoint re-extracts to get fresh CDN URLs at assembly time.
	urlToken := h.codec.Encode(sourceURL, h.cfg.TokenTTL)
	resp["download_slideshow_link"] = fmt.Sprintf("%s/download-slideshow?url=%s", h.cfg.BaseURL, urlToken)

	return resp, nil
}

// streamLink mints a self-contained delivery token for one format and
// wraps it into a /stream URL. Upstream auth headers travel inside the
// token so the delivery request needs no server-side state.
func (h *Handler) streamLink(f domain.Format, author string, mediaType domain.MediaType) (string, error) {
	tok, err := h.mintToken(domain.TokenPayload{
		URL:         f.URL,
		Author:      author,
		Type:        mediaType,
		Filesize:    f.Filesize,
		HTTPHeaders: f.HTTPHeaders,
	})
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%s/stream?data=%s", h.cfg.BaseURL, tok), nil
}

func (h *Handler) mintToken(payload domain.TokenPayload) (string, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("encode token payload: %w", err)
	}
	return h.codec.Encode(string(raw), h.cfg.TokenTTL), nil
}
