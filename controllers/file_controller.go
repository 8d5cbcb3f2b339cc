package controllers

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/cppla/imgconv/config"
	"github.com/cppla/imgconv/converter"
	"github.com/cppla/imgconv/models"
	"github.com/cppla/imgconv/storage"
	"github.com/cppla/imgconv/utils"
)

// multipartOverhead is the slack allowed on top of the file bound for
// boundaries and part headers.
const multipartOverhead = 1 << 20

// Services bundles the collaborators shared by the file handlers.
type Services struct {
	Areas     storage.Areas
	Names     *storage.NameGenerator
	Locks     *storage.LockTable
	Scheduler *storage.Scheduler
	Ledger    *Ledger
	Stats     *utils.Stats
	Logger    *zap.Logger
}

// FileController implements upload, conversion and download of images.
type FileController struct {
	cfg config.AppConfig
	svc Services
}

// NewFileController creates a FileController; nil services get working defaults.
func NewFileController(cfg config.AppConfig, svc Services) *FileController {
	if svc.Names == nil {
		svc.Names = storage.NewNameGenerator()
	}
	if svc.Locks == nil {
		svc.Locks = storage.NewLockTable()
	}
	if svc.Scheduler == nil {
		svc.Scheduler = storage.NewScheduler()
	}
	if svc.Logger == nil {
		svc.Logger = zap.NewNop()
	}
	if svc.Ledger == nil {
		svc.Ledger = NewLedger(nil, svc.Logger)
	}
	if svc.Stats == nil {
		svc.Stats = utils.NewStats(nil)
	}
	return &FileController{cfg: cfg, svc: svc}
}

// Upload stores the multipart field "file" in the intake area.
func (f *FileController) Upload(ctx *gin.Context) {
	maxSize := f.cfg.MaxUploadBytes()
	ctx.Request.Body = http.MaxBytesReader(ctx.Writer, ctx.Request.Body, maxSize+multipartOverhead)

	header, err := ctx.FormFile("file")
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			utils.Fail(ctx, http.StatusRequestEntityTooLarge, fmt.Sprintf("file size exceeds %dMB", f.cfg.MaxUploadMB))
			return
		}
		utils.Fail(ctx, http.StatusBadRequest, "no file uploaded")
		return
	}
	if header.Size > maxSize {
		utils.Fail(ctx, http.StatusRequestEntityTooLarge, fmt.Sprintf("file size exceeds %dMB", f.cfg.MaxUploadMB))
		return
	}

	fileID := storage.NewFileID(header.Filename)
	dstPath, err := f.svc.Areas.IntakePath(fileID)
	if err != nil {
		utils.Fail(ctx, http.StatusInternalServerError, err.Error())
		return
	}
	release := f.svc.Locks.Acquire(dstPath)
	defer release()

	src, err := header.Open()
	if err != nil {
		utils.Fail(ctx, http.StatusInternalServerError, "failed to read upload: "+err.Error())
		return
	}
	defer src.Close()

	written, err := saveUpload(dstPath, src, maxSize)
	if err != nil {
		if errors.Is(err, errUploadTooLarge) {
			utils.Fail(ctx, http.StatusRequestEntityTooLarge, fmt.Sprintf("file size exceeds %dMB", f.cfg.MaxUploadMB))
			return
		}
		f.svc.Logger.Error("upload save failed", zap.String("file_id", fileID), zap.Error(err))
		utils.Fail(ctx, http.StatusInternalServerError, "failed to save file: "+err.Error())
		return
	}

	contentType := header.Header.Get("Content-Type")
	record := &models.UploadedFile{
		FileID:       fileID,
		OriginalName: utils.SanitizeFileName(header.Filename),
		Size:         written,
		FileType:     utils.DetectFileType(contentType, header.Filename),
		ContentType:  contentType,
	}
	f.svc.Ledger.RecordUpload(record)
	f.svc.Stats.Incr(utils.StatUploads)
	f.svc.Logger.Info("file uploaded", zap.String("file_id", fileID), zap.Int64("size", written), zap.String("type", record.FileType))

	utils.OK(ctx, gin.H{
		"fileId":   record.FileID,
		"fileName": record.OriginalName,
		"fileSize": record.Size,
		"fileType": record.FileType,
	})
}

var errUploadTooLarge = errors.New("upload too large")

// saveUpload copies at most limit bytes into a new file at path. The file is
// removed again on any failure.
func saveUpload(path string, src io.Reader, limit int64) (int64, error) {
	out, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		return 0, err
	}
	written, err := io.Copy(out, &io.LimitedReader{R: src, N: limit + 1})
	if cerr := out.Close(); err == nil {
		err = cerr
	}
	if err == nil && written > limit {
		err = errUploadTooLarge
	}
	if err != nil {
		_ = os.Remove(path)
		return 0, err
	}
	return written, nil
}

// Convert transcodes an uploaded file and consumes the upload on success.
func (f *FileController) Convert(ctx *gin.Context) {
	var req models.ConversionRequest
	if err := ctx.ShouldBindJSON(&req); err != nil {
		utils.Fail(ctx, http.StatusBadRequest, "invalid request payload")
		return
	}
	req.FileID = strings.TrimSpace(req.FileID)
	req.Format = strings.TrimSpace(req.Format)
	if req.FileID == "" || req.Format == "" {
		utils.Fail(ctx, http.StatusBadRequest, "fileId and format are required")
		return
	}

	inPath, err := f.svc.Areas.IntakePath(req.FileID)
	if err != nil {
		utils.Fail(ctx, http.StatusNotFound, "file not found")
		return
	}
	// One conversion per upload at a time; the winner consumes it
	releaseIn, claimed := f.svc.Locks.TryClaim(inPath)
	if !claimed {
		utils.Fail(ctx, http.StatusNotFound, "file not found")
		return
	}
	defer releaseIn()

	if fi, err := os.Stat(inPath); err != nil || fi.IsDir() {
		if err == nil || errors.Is(err, os.ErrNotExist) {
			utils.Fail(ctx, http.StatusNotFound, "file not found")
			return
		}
		utils.Fail(ctx, http.StatusInternalServerError, "conversion failed: "+err.Error())
		return
	}

	format, err := converter.ParseFormat(req.Format)
	if err != nil {
		f.conversionFailed(ctx, req.FileID, err)
		return
	}
	opts := converter.Options{
		Quality: req.Quality.Int(),
		Width:   req.Width.Int(),
		Height:  req.Height.Int(),
	}.Normalize(f.cfg.DefaultQuality)
	if err := opts.Validate(); err != nil {
		f.conversionFailed(ctx, req.FileID, err)
		return
	}

	outName := f.svc.Names.Next(string(format))
	outPath, err := f.svc.Areas.OutputPath(outName)
	if err != nil {
		f.conversionFailed(ctx, req.FileID, err)
		return
	}
	releaseOut := f.svc.Locks.Acquire(outPath)
	defer releaseOut()

	res, err := converter.Convert(inPath, outPath, format, opts)
	if err != nil {
		f.conversionFailed(ctx, req.FileID, err)
		return
	}

	// Single use: an upload is gone once converted. If it vanished meanwhile
	// someone else consumed it and this output must not be handed out.
	if err := os.Remove(inPath); err != nil {
		_ = os.Remove(outPath)
		if errors.Is(err, os.ErrNotExist) {
			utils.Fail(ctx, http.StatusNotFound, "file not found")
			return
		}
		f.conversionFailed(ctx, req.FileID, err)
		return
	}

	f.svc.Ledger.RecordConversion(&models.ConvertedFile{
		FileName:     outName,
		SourceFileID: req.FileID,
		Format:       string(format),
		Quality:      opts.Quality,
		Width:        res.Width,
		Height:       res.Height,
		Size:         res.Bytes,
	})
	f.svc.Stats.Incr(utils.StatConversions)
	f.svc.Logger.Info("file converted",
		zap.String("file_id", req.FileID),
		zap.String("output", outName),
		zap.Int("width", res.Width),
		zap.Int("height", res.Height),
	)

	utils.OK(ctx, gin.H{
		"downloadUrl": "/api/download/" + outName,
		"fileName":    outName,
	})
}

func (f *FileController) conversionFailed(ctx *gin.Context, fileID string, err error) {
	f.svc.Stats.Incr(utils.StatConversionFailures)
	f.svc.Logger.Error("conversion failed", zap.String("file_id", fileID), zap.Error(err))
	utils.Fail(ctx, http.StatusInternalServerError, "conversion failed: "+err.Error())
}

// Download streams a converted file and schedules its removal shortly after.
func (f *FileController) Download(ctx *gin.Context) {
	name := ctx.Param("filename")
	path, err := f.svc.Areas.OutputPath(name)
	if err != nil {
		utils.Fail(ctx, http.StatusNotFound, "file not found")
		return
	}
	release := f.svc.Locks.Acquire(path)
	defer release()

	fi, err := os.Stat(path)
	if err != nil || fi.IsDir() {
		if err == nil || errors.Is(err, os.ErrNotExist) {
			utils.Fail(ctx, http.StatusNotFound, "file not found")
			return
		}
		utils.Fail(ctx, http.StatusInternalServerError, err.Error())
		return
	}

	ctx.FileAttachment(path, name)

	status := ctx.Writer.Status()
	if ctx.Request.Context().Err() != nil || status < 200 || status >= 300 {
		return
	}
	f.svc.Ledger.MarkDownloaded(name)
	f.svc.Stats.Incr(utils.StatDownloads)
	f.scheduleRemoval(path, name)
}

// scheduleRemoval deletes a delivered file after the configured delay,
// leaving time for retried or slow-finishing transfers.
func (f *FileController) scheduleRemoval(path, name string) {
	logger := f.svc.Logger
	scheduled := f.svc.Scheduler.After(f.cfg.DownloadDeleteDelay(), func() {
		if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
			logger.Warn("delayed delete failed", zap.String("file", name), zap.Error(err))
			return
		}
		logger.Debug("downloaded file removed", zap.String("file", name))
	})
	if !scheduled {
		logger.Warn("delayed delete not scheduled, shutting down", zap.String("file", name))
	}
}
