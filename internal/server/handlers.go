package server

import (
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/menta2k/image-enricher/internal/logging"
	"github.com/menta2k/image-enricher/internal/store"
	"github.com/menta2k/image-enricher/internal/utils"
	"github.com/menta2k/image-enricher/pkg/crophint"
	"github.com/menta2k/image-enricher/pkg/cropper"
	"github.com/menta2k/image-enricher/pkg/enrich"
	"github.com/menta2k/image-enricher/pkg/imageref"
)

// UploadResult is returned for an accepted upload
type UploadResult struct {
	Image   *store.Image `json:"image,omitempty"`
	Path    string       `json:"path"`
	Outcome string       `json:"outcome,omitempty"`
}

// EnrichResult is returned by the enrich endpoint
type EnrichResult struct {
	Image   *store.Image `json:"image"`
	Mode    enrich.Mode  `json:"mode"`
	Outcome string       `json:"outcome"`
}

// CropHintResult pairs the hint with the thumbnail plans it produces
type CropHintResult struct {
	Hint  crophint.Hint  `json:"hint"`
	Plans []cropper.Plan `json:"plans,omitempty"`
}

type altTextRequest struct {
	AltText *string `json:"alt_text" binding:"required"`
}

func (s *Server) handleUpload(c *gin.Context) {
	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, s.opts.MaxUploadBytes)
	header, err := c.FormFile("file")
	if err != nil {
		respondError(c, http.StatusBadRequest, "multipart field \"file\" is required")
		return
	}

	tmpPath, contentType, err := s.saveTemp(header)
	if err != nil {
		respondError(c, http.StatusInternalServerError, err.Error())
		return
	}
	defer os.Remove(tmpPath)

	ctx := c.Request.Context()
	log := s.logger.With(logging.String(logging.FieldPath, header.Filename))

	if !imageref.IsImageContentType(contentType) {
		final, err := s.keep(tmpPath, header.Filename)
		if err != nil {
			respondError(c, http.StatusInternalServerError, err.Error())
			return
		}
		respondSuccess(c, http.StatusCreated, UploadResult{Path: final})
		return
	}

	if s.opts.PrefetchOnUpload && s.opts.Prefetcher != nil {
		s.opts.Prefetcher.Prefetch(ctx, tmpPath)
	}

	violations, err := s.opts.Enricher.SafeSearchViolations(ctx, tmpPath)
	if err != nil {
		log.Warn("safe search check failed, accepting upload", logging.Error(err))
	}
	if len(violations) > 0 {
		log.Info("upload rejected", logging.Strings("violations", violations))
		respond(c, http.StatusUnprocessableEntity, false, enrich.UploadViolationMessage(violations), gin.H{"violations": violations})
		return
	}

	final, err := s.keep(tmpPath, header.Filename)
	if err != nil {
		respondError(c, http.StatusInternalServerError, err.Error())
		return
	}
	img, err := s.opts.Store.Add(ctx, final, contentType)
	if err != nil {
		respondErr(c, err)
		return
	}

	outcome, err := s.opts.Enricher.Run(ctx, enrich.ModeIfNoneExists, img.ID)
	if err != nil {
		log.Warn("upload not enriched", logging.Int64(logging.FieldImageID, img.ID), logging.Error(err))
	}
	if fresh, err := s.opts.Store.Get(ctx, img.ID); err == nil {
		img = fresh
	}
	respondSuccess(c, http.StatusCreated, UploadResult{Image: img, Path: final, Outcome: outcome.String()})
}

// saveTemp writes the upload to a temp file in the upload dir and sniffs
// its content type when the client sent none.
func (s *Server) saveTemp(header *multipart.FileHeader) (string, string, error) {
	if err := utils.EnsureDir(s.opts.UploadDir); err != nil {
		return "", "", fmt.Errorf("create upload dir: %w", err)
	}
	src, err := header.Open()
	if err != nil {
		return "", "", fmt.Errorf("open upload: %w", err)
	}
	defer src.Close()

	tmp, err := os.CreateTemp(s.opts.UploadDir, ".upload-*"+filepath.Ext(header.Filename))
	if err != nil {
		return "", "", fmt.Errorf("create temp file: %w", err)
	}
	defer tmp.Close()

	sniff := make([]byte, 512)
	n, _ := io.ReadFull(src, sniff)
	sniff = sniff[:n]
	if _, err := tmp.Write(sniff); err != nil {
		return "", "", fmt.Errorf("write upload: %w", err)
	}
	if _, err := io.Copy(tmp, src); err != nil {
		return "", "", fmt.Errorf("write upload: %w", err)
	}

	contentType := header.Header.Get("Content-Type")
	if contentType == "" || contentType == "application/octet-stream" {
		contentType = http.DetectContentType(sniff)
	}
	return tmp.Name(), contentType, nil
}

// keep copies the temp upload to its permanent, collision-free name
func (s *Server) keep(tmpPath, name string) (string, error) {
	final := utils.UniqueFilename(s.opts.UploadDir, filepath.Base(name))
	if err := os.Link(tmpPath, final); err != nil {
		return "", fmt.Errorf("store upload: %w", err)
	}
	return final, nil
}

func (s *Server) imageID(c *gin.Context) (int64, bool) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil || id <= 0 {
		respondError(c, http.StatusBadRequest, "image id must be a positive integer")
		return 0, false
	}
	return id, true
}

func (s *Server) handleGetImage(c *gin.Context) {
	id, ok := s.imageID(c)
	if !ok {
		return
	}
	img, err := s.opts.Store.Get(c.Request.Context(), id)
	if err != nil {
		respondErr(c, err)
		return
	}
	respondSuccess(c, http.StatusOK, img)
}

func (s *Server) handleSetAlt(c *gin.Context) {
	id, ok := s.imageID(c)
	if !ok {
		return
	}
	var req altTextRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, http.StatusBadRequest, "body must be {\"alt_text\": \"...\"}")
		return
	}
	ctx := c.Request.Context()
	if err := s.opts.Store.SetAltText(ctx, id, *req.AltText); err != nil {
		respondErr(c, err)
		return
	}
	img, err := s.opts.Store.Get(ctx, id)
	if err != nil {
		respondErr(c, err)
		return
	}
	respondSuccess(c, http.StatusOK, img)
}

func (s *Server) handleEnrich(c *gin.Context) {
	id, ok := s.imageID(c)
	if !ok {
		return
	}
	mode, err := enrich.ParseMode(c.Query("mode"))
	if err != nil {
		respondError(c, http.StatusBadRequest, err.Error())
		return
	}

	ctx := c.Request.Context()
	outcome, err := s.opts.Enricher.Run(ctx, mode, id)
	if err != nil {
		respondErr(c, err)
		return
	}
	img, err := s.opts.Store.Get(ctx, id)
	if err != nil {
		respondErr(c, err)
		return
	}
	respondSuccess(c, http.StatusOK, EnrichResult{Image: img, Mode: mode, Outcome: outcome.String()})
}

func (s *Server) handleCropHint(c *gin.Context) {
	id, ok := s.imageID(c)
	if !ok {
		return
	}
	ctx := c.Request.Context()
	img, err := s.opts.Store.Get(ctx, id)
	if err != nil {
		respondErr(c, err)
		return
	}
	hint, err := s.opts.Hints.ForImage(ctx, img.Ref())
	if err != nil {
		respondErr(c, err)
		return
	}
	respondSuccess(c, http.StatusOK, CropHintResult{Hint: hint, Plans: cropper.ApplyHint(s.opts.Sizes, hint)})
}
