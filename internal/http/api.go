// Package http exposes the gateway's public surface: metadata extraction
// with tokenized delivery links, the token-gated download/stream/slideshow
// endpoints, health, and a JWT-guarded admin group.
package http

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"mediagate/internal/cache"
	"mediagate/internal/domain"
	"mediagate/internal/extractor"
	"mediagate/internal/reaper"
	"mediagate/internal/slideshow"
	"mediagate/internal/stream"
	"mediagate/internal/token"
	"mediagate/internal/vpn"
)

// Config carries the handler's request-independent settings.
type Config struct {
	BaseURL         string
	TokenTTL        time.Duration
	AllowedDomains  []string
	ExtractTimeout  time.Duration
	DownloadTimeout time.Duration
	TempDir         string
	CleanupMaxAge   time.Duration
	InstanceID      string
	InstanceRegion  string

	AdminPasswordHash string
	AdminJWTSecret    string
	AdminTokenTTL     time.Duration
}

// Handler wires HTTP routes to the gateway's collaborators.
type Handler struct {
	cfg       Config
	codec     *token.Codec
	engine    extractor.Engine
	pool      *extractor.Pool
	cache     *cache.MetadataCache
	vpnCtl    *vpn.Controller
	assembler *slideshow.Assembler
	client    *http.Client
	logger    *logrus.Logger
}

func NewHandler(
	cfg Config,
	codec *token.Codec,
	engine extractor.Engine,
	pool *extractor.Pool,
	metaCache *cache.MetadataCache,
	vpnCtl *vpn.Controller,
	assembler *slideshow.Assembler,
	client *http.Client,
	logger *logrus.Logger,
) *Handler {
	if client == nil {
		client = http.DefaultClient
	}
	if logger == nil {
		logger = logrus.New()
	}
	return &Handler{
		cfg:       cfg,
		codec:     codec,
		engine:    engine,
		pool:      pool,
		cache:     metaCache,
		vpnCtl:    vpnCtl,
		assembler: assembler,
		client:    client,
		logger:    logger,
	}
}

func (h *Handler) RegisterRoutes(router *gin.Engine) {
	router.Use(corsMiddleware())

	router.POST("/tiktok", h.extract)
	router.GET("/download", h.download)
	router.GET("/stream", h.streamMedia)
	router.GET("/download-slideshow", h.downloadSlideshow)
	router.GET("/health", h.health)

	h.registerAdminRoutes(router)

	router.NoRoute(func(c *gin.Context) {
		c.JSON(http.StatusNotFound, gin.H{"error": "Route not found"})
	})
}

func corsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Writer.Header().Set("Access-Control-Allow-Origin", "*")
		c.Writer.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, PATCH, DELETE, OPTIONS")
		c.Writer.Header().Set("Access-Control-Allow-Headers", "Origin, Content-Type, Accept, Authorization")
		c.Writer.Header().Set("Access-Control-Expose-Headers", "Content-Disposition, X-Filename, Content-Length")
		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}

		c.Next()
	}
}

type extractRequest struct {
	URL string `json:"url"`
}

// extract handles POST /tiktok: resolve metadata (through the cache) and
// answer with tokenized delivery links.
func (h *Handler) extract(c *gin.Context) {
	var req extractRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "URL parameter is required"})
		return
	}

	url := strings.TrimSpace(req.URL)
	if url == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "URL parameter is required"})
		return
	}
	if !h.domainAllowed(url) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Only TikTok and Douyin URLs are supported"})
		return
	}

	md, err := h.fetchMetadata(c.Request.Context(), url)
	if err != nil {
		h.renderError(c, err)
		return
	}

	resp, err := h.buildResponse(md, url)
	if err != nil {
		h.logger.WithError(err).Error("response build failed")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to build response"})
		return
	}
	c.JSON(http.StatusOK, resp)
}

// download handles GET /download: decode the capability token and relay
// the upstream object with attachment headers.
func (h *Handler) download(c *gin.Context) {
	payload, ok := h.tokenFromQuery(c, "data")
	if !ok {
		return
	}
	if !payload.Type.Valid() {
		h.renderError(c, domain.NewError(domain.ErrTokenInvalid, "Invalid decrypted data: missing type", nil))
		return
	}

	mime, ext := payload.Type.ContentType()
	filename := safeFilename(payload.Author, ext)
	h.setDeliveryHeaders(c, filename, mime, payload.Filesize)

	h.relay(c, payload.URL, nil)
}

// streamMedia handles GET /stream. Tokens minted for a pre-extracted CDN
// URL are relayed directly with their embedded auth headers; tokens that
// name an engine format run the engine's own download routine through the
// producer/consumer bridge.
func (h *Handler) streamMedia(c *gin.Context) {
	payload, ok := h.tokenFromQuery(c, "data")
	if !ok {
		return
	}

	mime, ext := "video/mp4", "mp4"
	if payload.Type == domain.MediaTypeAudio {
		mime, ext = "audio/mpeg", "mp3"
	}
	filename := safeFilename(payload.Author, ext)
	h.setDeliveryHeaders(c, filename, mime, payload.Filesize)

	if payload.FormatID != "" {
		h.serveBridge(c, payload)
		return
	}
	h.relay(c, payload.URL, payload.HTTPHeaders)
}

// relay proxies one upstream object into the response. Failures before the
// first byte become a 502; mid-stream failures can only be logged.
func (h *Handler) relay(c *gin.Context, url string, headers map[string]string) {
	written, err := stream.Relay(c.Request.Context(), h.client, url, headers, c.Writer)
	if err != nil {
		if written == 0 && !c.Writer.Written() {
			h.logger.WithError(err).Error("upstream relay failed")
			c.JSON(http.StatusBadGateway, gin.H{"error": "CDN request failed"})
			return
		}
		h.logger.WithError(err).Warnf("relay interrupted after %d bytes", written)
	}
}

// serveBridge runs the engine's download routine as the producer and
// drains the bridge into the response. The consumer polls client
// disconnect every iteration and cancels the producer on any exit path.
func (h *Handler) serveBridge(c *gin.Context, payload domain.TokenPayload) {
	ctx := c.Request.Context()
	if err := h.pool.Acquire(ctx); err != nil {
		h.renderError(c, err)
		return
	}

	b := stream.NewBridge(stream.DefaultCapacity, stream.DefaultEnqueueTimeout)
	w := stream.NewChunkWriter(b, stream.DefaultChunkSize)

	go func() {
		defer h.pool.Release()
		if err := h.engine.Download(ctx, payload.URL, payload.FormatID, w); err != nil {
			h.logger.WithError(err).WithField("format", payload.FormatID).Warn("engine download failed")
		}
	}()

	defer b.Cancel()
	for {
		if ctx.Err() != nil {
			return
		}

		chunk, open, err := b.Next(stream.DefaultPollTimeout)
		if !open {
			if err != nil && !errors.Is(err, stream.ErrCancelled) {
				h.logger.WithError(err).Warn("stream ended with producer error")
			}
			return
		}
		if _, err := c.Writer.Write(chunk); err != nil {
			return
		}
		c.Writer.Flush()
	}
}

// downloadSlideshow handles GET /download-slideshow: re-extract the image
// post named by the URL token, fetch its photos and soundtrack into a work
// directory, assemble the video and serve it. The work directory is
// removed on every exit path.
func (h *Handler) downloadSlideshow(c *gin.Context) {
	encoded := c.Query("url")
	if encoded == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "URL parameter is required"})
		return
	}
	sourceURL, err := h.codec.Decode(encoded)
	if err != nil {
		h.renderError(c, tokenError(err))
		return
	}

	md, err := h.fetchMetadata(c.Request.Context(), sourceURL)
	if err != nil {
		h.renderError(c, err)
		return
	}

	if !md.IsImagePost() {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Only image posts are supported"})
		return
	}
	images := md.ImageFormats()
	if len(images) == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "No images found"})
		return
	}
	audioFormat, ok := md.AudioFormat()
	if !ok || audioFormat.URL == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Could not find audio URL"})
		return
	}

	workDir, err := h.assembler.NewWorkDir(orUnknown(md.ID), orUnknown(md.UploaderID))
	if err != nil {
		h.logger.WithError(err).Error("work dir creation failed")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to create work dir"})
		return
	}
	defer reaper.Remove(workDir, h.logger)

	audioPath := filepath.Join(workDir, "audio.mp3")
	if err := h.fetchIntoWorkDir(c.Request.Context(), audioFormat.URL, audioPath); err != nil {
		h.logger.WithError(err).Error("audio fetch failed")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to download audio"})
		return
	}

	imagePaths := make([]string, 0, len(images))
	for i, img := range images {
		path := filepath.Join(workDir, fmt.Sprintf("image_%d.jpg", i))
		if err := h.fetchIntoWorkDir(c.Request.Context(), img.URL, path); err != nil {
			h.logger.WithError(err).Errorf("image %d fetch failed", i)
			c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to download image"})
			return
		}
		imagePaths = append(imagePaths, path)
	}

	outputPath := filepath.Join(workDir, "slideshow.mp4")
	if err := h.assembler.Assemble(c.Request.Context(), imagePaths, audioPath, outputPath); err != nil {
		h.logger.WithError(err).Error("slideshow assembly failed")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Slideshow creation failed"})
		return
	}

	filename := fmt.Sprintf("%s_%d.mp4", sanitizeName(md.AuthorName()), time.Now().UnixMilli())
	c.Header("Content-Type", "video/mp4")
	c.FileAttachment(outputPath, filename)
}

func (h *Handler) fetchIntoWorkDir(ctx context.Context, url, path string) error {
	ctx, cancel := context.WithTimeout(ctx, h.cfg.DownloadTimeout)
	defer cancel()
	return slideshow.FetchFile(ctx, h.client, url, path)
}

// health handles GET /health with a liveness/diagnostics payload.
func (h *Handler) health(c *gin.Context) {
	resp := gin.H{
		"status":          "ok",
		"instance_id":     h.cfg.InstanceID,
		"instance_region": h.cfg.InstanceRegion,
		"timestamp":       time.Now().Unix(),
		"workers": gin.H{
			"active":   h.pool.Active(),
			"capacity": h.pool.Capacity(),
		},
		"cache": gin.H{
			"connected": h.cache.Ping(c.Request.Context()),
		},
		"open_fds": openFDCount(),
	}

	if h.vpnCtl != nil {
		ctx, cancel := context.WithTimeout(c.Request.Context(), 5*time.Second)
		defer cancel()
		if st, err := h.vpnCtl.Status(ctx, h.cfg.InstanceID); err == nil {
			resp["vpn"] = st
		}
	}

	c.JSON(http.StatusOK, resp)
}

// fetchMetadata resolves metadata for url through the cache, falling back
// to a worker-pool slot and the engine on a miss.
func (h *Handler) fetchMetadata(ctx context.Context, url string) (*domain.Metadata, error) {
	if md, ok := h.cache.Get(ctx, url); ok {
		return md, nil
	}

	if err := h.pool.Acquire(ctx); err != nil {
		return nil, err
	}
	defer h.pool.Release()

	extractCtx, cancel := context.WithTimeout(ctx, h.cfg.ExtractTimeout)
	defer cancel()

	md, err := h.engine.Extract(extractCtx, url)
	if err != nil {
		return nil, err
	}
	h.cache.Set(ctx, url, md)
	return md, nil
}

// tokenFromQuery decodes and validates the capability token in the named
// query parameter, rendering the error response itself on failure.
func (h *Handler) tokenFromQuery(c *gin.Context, param string) (domain.TokenPayload, bool) {
	encoded := c.Query(param)
	if encoded == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Encrypted data parameter is required"})
		return domain.TokenPayload{}, false
	}

	text, err := h.codec.Decode(encoded)
	if err != nil {
		h.renderError(c, tokenError(err))
		return domain.TokenPayload{}, false
	}

	var payload domain.TokenPayload
	if err := json.Unmarshal([]byte(text), &payload); err != nil {
		h.renderError(c, domain.NewError(domain.ErrTokenInvalid, "Invalid decrypted data", err))
		return domain.TokenPayload{}, false
	}
	if payload.URL == "" {
		h.renderError(c, domain.NewError(domain.ErrTokenInvalid, "Invalid decrypted data: missing url", nil))
		return domain.TokenPayload{}, false
	}
	if payload.Author == "" {
		h.renderError(c, domain.NewError(domain.ErrTokenInvalid, "Invalid decrypted data: missing author", nil))
		return domain.TokenPayload{}, false
	}
	return payload, true
}

func tokenError(err error) error {
	if errors.Is(err, token.ErrExpired) {
		return domain.NewError(domain.ErrTokenExpired, "Download link has expired", err)
	}
	return domain.NewError(domain.ErrTokenInvalid, "Decryption failed", err)
}

// renderError maps a classified failure onto the HTTP status contract. A
// blocked upstream additionally kicks off egress failover and answers 503
// with Retry-After so clients retry elsewhere instead of reading it as a
// permission problem.
func (h *Handler) renderError(c *gin.Context, err error) {
	switch domain.KindOf(err) {
	case domain.ErrInvalidInput:
		c.JSON(http.StatusBadRequest, gin.H{"error": "Unsupported or invalid URL"})
	case domain.ErrTokenInvalid, domain.ErrTokenExpired:
		c.JSON(http.StatusBadRequest, gin.H{"error": errorMessage(err, "Invalid token")})
	case domain.ErrAuthRequired:
		c.JSON(http.StatusUnauthorized, gin.H{"error": "This content requires login/authentication"})
	case domain.ErrRestricted:
		c.JSON(http.StatusForbidden, gin.H{"error": "This content is restricted"})
	case domain.ErrNotFound:
		c.JSON(http.StatusNotFound, gin.H{"error": "Video not found. Please check the URL and make sure the video exists."})
	case domain.ErrTimeout:
		c.JSON(http.StatusRequestTimeout, gin.H{"error": "Request timeout after extraction took too long"})
	case domain.ErrBlocked:
		h.triggerFailover()
		c.Header("Retry-After", "30")
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"error": "Service temporarily unavailable due to IP block, retrying with different endpoint",
		})
	default:
		h.logger.WithError(err).Error("unclassified failure")
		c.JSON(http.StatusInternalServerError, gin.H{"error": upstreamMessage(err)})
	}
}

// triggerFailover starts a reconnect for this instance off the request
// path; the backoff before later attempts can take tens of seconds and the
// client already has its 503.
func (h *Handler) triggerFailover() {
	if h.vpnCtl == nil {
		return
	}
	h.logger.WithField("instance", h.cfg.InstanceID).Warn("upstream block detected, triggering vpn reconnect")
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
		defer cancel()
		if _, err := h.vpnCtl.TriggerReconnect(ctx, h.cfg.InstanceID); err != nil {
			h.logger.WithError(err).Warn("vpn reconnect trigger failed")
		}
	}()
}

func errorMessage(err error, fallback string) string {
	var ce *domain.ClassifiedError
	if errors.As(err, &ce) && ce.Message != "" {
		return ce.Message
	}
	return fallback
}

// upstreamMessage keeps unclassified failures generic, except that an
// engine message carrying its own "ERROR:" prefix passes through trimmed;
// those are already user-facing.
func upstreamMessage(err error) string {
	cause := err
	for {
		next := errors.Unwrap(cause)
		if next == nil {
			break
		}
		cause = next
	}
	if msg := cause.Error(); strings.HasPrefix(msg, "ERROR:") {
		return strings.TrimSpace(strings.TrimPrefix(msg, "ERROR:"))
	}
	return "Extraction failed"
}

func (h *Handler) setDeliveryHeaders(c *gin.Context, filename, mime string, filesize int64) {
	c.Header("Content-Type", mime)
	c.Header("Content-Disposition", fmt.Sprintf("attachment; filename=%q", filename))
	c.Header("X-Filename", filename)
	c.Header("Cache-Control", "no-cache")
	if filesize > 0 {
		c.Header("Content-Length", strconv.FormatInt(filesize, 10))
	}
}

func (h *Handler) domainAllowed(url string) bool {
	lower := strings.ToLower(url)
	for _, d := range h.cfg.AllowedDomains {
		if strings.Contains(lower, d) {
			return true
		}
	}
	return false
}

// safeFilename maps the author name onto an ASCII-safe attachment name.
func safeFilename(author, ext string) string {
	return sanitizeName(author) + "." + ext
}

func sanitizeName(name string) string {
	out := []byte(name)
	for i, c := range out {
		isSafe := c == '_' ||
			(c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z') || (c >= '0' && c <= '9')
		if !isSafe {
			out[i] = '_'
		}
	}
	return string(out)
}

func orUnknown(s string) string {
	if s == "" {
		return "unknown"
	}
	return s
}

func openFDCount() int {
	entries, err := os.ReadDir("/proc/self/fd")
	if err != nil {
		return -1
	}
	return len(entries)
}
