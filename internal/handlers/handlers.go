package handlers

import (
	"context"
	"errors"
	"io"
	"mime"
	"net/http"
	"strings"

	"github.com/gabriel-vasile/mimetype"
	"github.com/gin-gonic/gin"

	"github.com/example/lesion-check/internal/assets"
	"github.com/example/lesion-check/internal/imageprocessor"
	"github.com/example/lesion-check/internal/lesion"
	"github.com/example/lesion-check/internal/predictor"
	"github.com/example/lesion-check/internal/usecase"
)

// MaxUploadSize bounds the accepted image payload.
const MaxUploadSize = 10 << 20

// multipartOverhead leaves room for boundaries and form fields around the image part.
const multipartOverhead = 1 << 20

var errUploadTooLarge = errors.New("image exceeds upload limit")

// Classifier is the pipeline the handlers drive.
type Classifier interface {
	Classify(ctx context.Context, source string, imageBytes []byte) (*usecase.Classification, error)
	GetResult(ctx context.Context, requestID string) (*usecase.Classification, error)
	Classes() []lesion.Class
}

// Options carries the optional collaborators of the router.
type Options struct {
	// Auth guards the prediction endpoints; nil leaves them open.
	Auth gin.HandlerFunc
	// RateLimit throttles POST /predict; nil disables throttling.
	RateLimit gin.HandlerFunc
	// Metrics is mounted at /metrics when set.
	Metrics http.Handler
	// Sample is served at /sample when set.
	Sample    *assets.SampleImage
	ModelPath string
}

// RegisterRoutes wires the HTTP handlers to the Gin router.
func RegisterRoutes(router *gin.Engine, classifier Classifier, opts Options) {
	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok", "model": opts.ModelPath})
	})

	router.GET("/classes", func(c *gin.Context) {
		classes := classifier.Classes()
		out := make([]gin.H, 0, len(classes))
		for _, class := range classes {
			out = append(out, gin.H{"index": int(class), "label": class.Label()})
		}
		c.JSON(http.StatusOK, gin.H{"classes": out})
	})

	if opts.Sample != nil {
		router.GET("/sample", func(c *gin.Context) {
			data, contentType, err := opts.Sample.Load()
			if err != nil {
				c.JSON(http.StatusNotFound, gin.H{"error": "sample image unavailable"})
				return
			}
			c.Data(http.StatusOK, contentType, data)
		})
	}

	if opts.Metrics != nil {
		router.GET("/metrics", gin.WrapH(opts.Metrics))
	}

	guarded := []gin.HandlerFunc{}
	if opts.Auth != nil {
		guarded = append(guarded, opts.Auth)
	}

	predictChain := append([]gin.HandlerFunc{}, guarded...)
	if opts.RateLimit != nil {
		predictChain = append(predictChain, opts.RateLimit)
	}
	predictChain = append(predictChain, predictHandler(classifier))
	router.POST("/predict", predictChain...)

	router.GET("/result/:id", append(guarded, func(c *gin.Context) {
		requestID := c.Param("id")
		if requestID == "" {
			c.JSON(http.StatusBadRequest, gin.H{"error": "id is required"})
			return
		}

		result, err := classifier.GetResult(c.Request.Context(), requestID)
		if err != nil {
			if errors.Is(err, usecase.ErrResultNotFound) {
				c.JSON(http.StatusNotFound, gin.H{"error": "result not found"})
				return
			}
			c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load result"})
			return
		}
		c.JSON(http.StatusOK, classificationResponse(result))
	})...)
}

func predictHandler(classifier Classifier) gin.HandlerFunc {
	return func(c *gin.Context) {
		source := c.DefaultQuery("source", "")
		data, formSource, status, err := readImage(c)
		if err != nil {
			c.JSON(status, gin.H{"error": err.Error()})
			return
		}
		if source == "" {
			source = formSource
		}
		if source == "" {
			source = "upload"
		}
		if source != "upload" && source != "camera" {
			c.JSON(http.StatusBadRequest, gin.H{"error": "source must be camera or upload"})
			return
		}

		sniffed := mimetype.Detect(data)
		if !sniffed.Is("image/jpeg") && !sniffed.Is("image/png") {
			c.JSON(http.StatusUnsupportedMediaType, gin.H{"error": "only JPEG and PNG images are supported"})
			return
		}

		result, err := classifier.Classify(c.Request.Context(), source, data)
		if err != nil {
			c.JSON(statusFor(err), gin.H{"error": errorMessage(err)})
			return
		}
		c.JSON(http.StatusOK, classificationResponse(result))
	}
}

// readImage extracts the image either from the multipart field "image" or
// from a raw image/jpeg or image/png body (camera capture clients).
func readImage(c *gin.Context) ([]byte, string, int, error) {
	mediaType, _, err := mime.ParseMediaType(c.GetHeader("Content-Type"))
	if err != nil {
		return nil, "", http.StatusUnsupportedMediaType, errors.New("missing or invalid content type")
	}

	switch {
	case mediaType == "multipart/form-data":
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, MaxUploadSize+multipartOverhead)
		file, err := c.FormFile("image")
		if err != nil {
			if isTooLarge(err) {
				return nil, "", http.StatusRequestEntityTooLarge, errUploadTooLarge
			}
			return nil, "", http.StatusBadRequest, errors.New("image file is required")
		}
		if file.Size > MaxUploadSize {
			return nil, "", http.StatusRequestEntityTooLarge, errUploadTooLarge
		}

		src, err := file.Open()
		if err != nil {
			return nil, "", http.StatusBadRequest, errors.New("unable to open image")
		}
		defer src.Close()

		data, err := io.ReadAll(src)
		if err != nil {
			return nil, "", http.StatusInternalServerError, errors.New("failed to read image")
		}
		return data, strings.TrimSpace(c.PostForm("source")), http.StatusOK, nil

	case mediaType == "image/jpeg" || mediaType == "image/png":
		data, err := io.ReadAll(http.MaxBytesReader(c.Writer, c.Request.Body, MaxUploadSize))
		if err != nil {
			if isTooLarge(err) {
				return nil, "", http.StatusRequestEntityTooLarge, errUploadTooLarge
			}
			return nil, "", http.StatusBadRequest, errors.New("failed to read image")
		}
		if len(data) == 0 {
			return nil, "", http.StatusBadRequest, errors.New("image body is empty")
		}
		return data, "", http.StatusOK, nil

	default:
		return nil, "", http.StatusUnsupportedMediaType, errors.New("send multipart/form-data, image/jpeg or image/png")
	}
}

func isTooLarge(err error) bool {
	var maxErr *http.MaxBytesError
	return errors.As(err, &maxErr) || errors.Is(err, errUploadTooLarge)
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, imageprocessor.ErrInvalidImage):
		return http.StatusBadRequest
	case errors.Is(err, imageprocessor.ErrDegenerateImage):
		return http.StatusUnprocessableEntity
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func errorMessage(err error) string {
	switch {
	case errors.Is(err, imageprocessor.ErrInvalidImage):
		return "image could not be decoded"
	case errors.Is(err, imageprocessor.ErrDegenerateImage):
		return "image has no variation; upload a photograph of the lesion"
	case errors.Is(err, predictor.ErrInference):
		return "model could not classify the image"
	default:
		return "classification failed"
	}
}

func classificationResponse(result *usecase.Classification) gin.H {
	return gin.H{
		"request_id":  result.RequestID,
		"sha1_hash":   result.ImageHash,
		"source":      result.Source,
		"class":       int(result.Class),
		"label":       result.Label,
		"probability": result.Table[result.Class].Probability,
		"table":       result.Table,
		"chart":       result.Chart,
		"cached":      result.Cached,
		"latency_ms":  result.Latency.Milliseconds(),
		"created_at":  result.CreatedAt,
	}
}
