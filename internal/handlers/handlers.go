package handlers

import (
	"errors"
	"mime/multipart"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/example/gesture-api/internal/apperr"
	"github.com/example/gesture-api/internal/logging"
	"github.com/example/gesture-api/internal/usecase"
)

// multipartSlack is the room left for boundaries, part headers and other
// fields on top of the largest accepted file.
const multipartSlack = 64 << 10

// RegisterRoutes wires the HTTP handlers to the Gin router. guards run before
// POST /predict only.
func RegisterRoutes(router *gin.Engine, uc *usecase.RecognitionUseCase, logger *zap.Logger, guards ...gin.HandlerFunc) {
	logger = logger.Named("handlers")

	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	predict := append(append([]gin.HandlerFunc{}, guards...), func(c *gin.Context) {
		requestID := GetRequestID(c)

		file, err := formFile(c, uc.Policy(), logger)
		if err != nil {
			respondError(c, logger, err)
			return
		}
		prediction, err := uc.Predict(c.Request.Context(), requestID, file)
		if err != nil {
			respondError(c, logger, err)
			return
		}
		c.JSON(http.StatusOK, prediction)
	})
	router.POST("/predict", predict...)
}

// formFile returns the uploaded image header, nil when no file could be
// extracted from the body, or an empty header when the field was sent without
// a filename. The body is capped before parsing so an oversized upload is
// rejected with 413 instead of being spooled to disk.
func formFile(c *gin.Context, policy usecase.UploadPolicy, logger *zap.Logger) (*multipart.FileHeader, error) {
	if policy.MaxBytes > 0 {
		limit := policy.MaxBytes + multipartSlack
		if c.Request.ContentLength > limit {
			return nil, policy.TooLarge()
		}
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, limit)
	}

	file, err := c.FormFile(usecase.FormField)
	if err == nil {
		return file, nil
	}
	var tooLarge *http.MaxBytesError
	if errors.As(err, &tooLarge) {
		return nil, policy.TooLarge()
	}
	if !errors.Is(err, http.ErrMissingFile) {
		logger.Debug("unreadable multipart body", zap.Error(err), zap.String("request_id", GetRequestID(c)))
	}
	// mime/multipart keeps a part with filename="" as a plain value.
	if form := c.Request.MultipartForm; form != nil {
		if _, ok := form.Value[usecase.FormField]; ok {
			return &multipart.FileHeader{}, nil
		}
	}
	return nil, nil
}

func respondError(c *gin.Context, logger *zap.Logger, err error) {
	status, message := apperr.StatusAndMessage(err)
	if status >= http.StatusInternalServerError {
		logger.Error("request failed",
			zap.Error(err),
			zap.String("operation", logging.OperationOf(err)),
			zap.String("request_id", GetRequestID(c)),
		)
	}
	c.AbortWithStatusJSON(status, gin.H{"error": message})
}
