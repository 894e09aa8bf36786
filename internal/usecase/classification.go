package usecase

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/example/lesion-check/internal/imageprocessor"
	"github.com/example/lesion-check/internal/lesion"
	"github.com/example/lesion-check/internal/logging"
	"github.com/example/lesion-check/internal/metrics"
	"github.com/example/lesion-check/internal/predictor"
)

// ErrResultNotFound is returned when a request id is unknown or its result expired.
var ErrResultNotFound = errors.New("result not found")

// Preprocessor turns raw image bytes into a model input tensor.
type Preprocessor interface {
	Preprocess(data []byte) (*imageprocessor.Tensor, error)
}

// Classification is the outcome of one pipeline run.
type Classification struct {
	RequestID string        `json:"request_id"`
	ImageHash string        `json:"sha1_hash"`
	Source    string        `json:"source,omitempty"`
	Class     lesion.Class  `json:"class"`
	Label     string        `json:"label"`
	Table     lesion.Table  `json:"table"`
	Chart     lesion.Chart  `json:"chart"`
	Cached    bool          `json:"cached"`
	Latency   time.Duration `json:"-"`
	CreatedAt time.Time     `json:"created_at"`
}

// Options tunes the use case.
type Options struct {
	// ResultTTL bounds how long results stay retrievable and memoized.
	ResultTTL time.Duration
}

// ClassificationUseCase runs preprocess → predict → format for uploaded images.
type ClassificationUseCase struct {
	preprocessor   Preprocessor
	model          predictor.Model
	cache          Cache
	metrics        *metrics.PipelineMetrics
	logger         *zap.Logger
	resultTTL      time.Duration
	retryAttempts  int
	initialBackoff time.Duration
	maxBackoff     time.Duration
	now            func() time.Time
}

type cachedClassification struct {
	RequestID   string                     `json:"request_id"`
	Hash        string                     `json:"sha1_hash"`
	Source      string                     `json:"source"`
	Class       lesion.Class               `json:"class"`
	Percentages [lesion.NumClasses]float64 `json:"percentages"`
	Cached      bool                       `json:"cached,omitempty"`
	Latency     time.Duration              `json:"latency_ns,omitempty"`
	CreatedAt   time.Time                  `json:"created_at"`
}

// NewClassificationUseCase constructs a new use case instance. pm may be nil.
func NewClassificationUseCase(pre Preprocessor, model predictor.Model, cache Cache, pm *metrics.PipelineMetrics, logger *zap.Logger, opts Options) *ClassificationUseCase {
	ttl := opts.ResultTTL
	if ttl <= 0 {
		ttl = 10 * time.Minute
	}
	return &ClassificationUseCase{
		preprocessor:   pre,
		model:          model,
		cache:          cache,
		metrics:        pm,
		logger:         logger.Named("classification_usecase"),
		resultTTL:      ttl,
		retryAttempts:  3,
		initialBackoff: 50 * time.Millisecond,
		maxBackoff:     time.Second,
		now:            time.Now,
	}
}

// Classes lists the lesion classes the model distinguishes.
func (uc *ClassificationUseCase) Classes() []lesion.Class {
	return lesion.All()
}

// Classify runs the full pipeline for one image. Identical bytes seen within
// the result TTL are answered from the cache without running the model.
func (uc *ClassificationUseCase) Classify(ctx context.Context, source string, imageBytes []byte) (*Classification, error) {
	requestID := uuid.NewString()
	opLogger := logging.WithOperation(uc.logger, "usecase.classify", requestID)
	start := uc.now()

	sum := sha1.Sum(imageBytes)
	hash := hex.EncodeToString(sum[:])

	if memo, ok := uc.lookupMemo(ctx, requestID, hash); ok {
		result := memo.toClassification(requestID, source)
		result.Cached = true
		result.Latency = uc.now().Sub(start)
		uc.storeResult(ctx, requestID, result)
		uc.metrics.ObserveSuccess(result.Class, result.Latency, true)
		opLogger.Info("classification served from cache", zap.String("sha1_hash", hash))
		return result, nil
	}

	tensor, err := uc.preprocessor.Preprocess(imageBytes)
	if err != nil {
		wrapped := logging.NewOperationError("usecase.preprocess", requestID, err)
		opLogger.Warn("image rejected", zap.Error(wrapped))
		uc.reportFailure(ctx, wrapped)
		return nil, wrapped
	}

	prediction, err := predictor.Predict(ctx, uc.model, tensor)
	if err != nil {
		wrapped := logging.NewOperationError("usecase.predict", requestID, err)
		opLogger.Error("prediction failed", zap.Error(wrapped))
		uc.reportFailure(ctx, wrapped)
		return nil, wrapped
	}

	entry := cachedClassification{
		RequestID:   requestID,
		Hash:        hash,
		Source:      source,
		Class:       prediction.Class,
		Percentages: prediction.Percentages,
		CreatedAt:   uc.now().UTC(),
	}
	result := entry.toClassification(requestID, source)
	result.Latency = uc.now().Sub(start)

	uc.storeMemo(ctx, requestID, entry)
	uc.storeResult(ctx, requestID, result)
	uc.metrics.ObserveSuccess(result.Class, result.Latency, false)

	opLogger.Info("classification complete",
		zap.String("class", result.Label),
		zap.Float64("probability", result.Table[result.Class].Probability),
		zap.Duration("latency", result.Latency),
	)
	return result, nil
}

// GetResult retrieves a recent classification by request id.
func (uc *ClassificationUseCase) GetResult(ctx context.Context, requestID string) (*Classification, error) {
	value, err := uc.withCacheGet(ctx, requestID, "cache.get.result", requestKey(requestID))
	if err != nil {
		if errors.Is(err, ErrCacheMiss) {
			return nil, logging.NewOperationError("usecase.get_result", requestID, ErrResultNotFound)
		}
		return nil, err
	}

	var entry cachedClassification
	if err := json.Unmarshal([]byte(value), &entry); err != nil {
		logging.WithOperation(uc.logger, "usecase.get_result", requestID).Warn("failed to decode cached result", zap.Error(err))
		return nil, logging.NewOperationError("usecase.get_result", requestID, ErrResultNotFound)
	}
	if !entry.Class.Valid() {
		return nil, logging.NewOperationError("usecase.get_result", requestID, ErrResultNotFound)
	}
	return entry.toClassification(entry.RequestID, entry.Source), nil
}

func (e cachedClassification) toClassification(requestID, source string) *Classification {
	table := lesion.Format(e.Percentages)
	return &Classification{
		RequestID: requestID,
		ImageHash: e.Hash,
		Source:    source,
		Class:     e.Class,
		Label:     e.Class.Label(),
		Table:     table,
		Chart:     table.Chart(),
		Cached:    e.Cached,
		Latency:   e.Latency,
		CreatedAt: e.CreatedAt,
	}
}

func (uc *ClassificationUseCase) lookupMemo(ctx context.Context, requestID, hash string) (cachedClassification, bool) {
	var entry cachedClassification
	value, err := uc.withCacheGet(ctx, requestID, "cache.get.memo", memoKey(hash))
	if err != nil {
		if !errors.Is(err, ErrCacheMiss) {
			logging.WithOperation(uc.logger, "usecase.lookup_memo", requestID).Warn("failed to read cache", zap.Error(err))
		}
		return entry, false
	}
	if err := json.Unmarshal([]byte(value), &entry); err != nil || !entry.Class.Valid() {
		logging.WithOperation(uc.logger, "usecase.lookup_memo", requestID).Warn("ignoring undecodable cache entry", zap.Error(err))
		return entry, false
	}
	return entry, true
}

func (uc *ClassificationUseCase) storeMemo(ctx context.Context, requestID string, entry cachedClassification) {
	serialized, err := json.Marshal(entry)
	if err != nil {
		logging.WithOperation(uc.logger, "usecase.store_memo", requestID).Error("failed to serialize classification", zap.Error(err))
		return
	}
	if err := uc.withCacheRetry(ctx, requestID, "cache.set.memo", func() error {
		return uc.cache.Set(ctx, memoKey(entry.Hash), string(serialized), uc.resultTTL)
	}); err != nil {
		logging.WithOperation(uc.logger, "usecase.store_memo", requestID).Warn("failed to memoize classification", zap.Error(err))
	}
}

func (uc *ClassificationUseCase) storeResult(ctx context.Context, requestID string, result *Classification) {
	entry := cachedClassification{
		RequestID: requestID,
		Hash:      result.ImageHash,
		Source:    result.Source,
		Class:     result.Class,
		Cached:    result.Cached,
		Latency:   result.Latency,
		CreatedAt: result.CreatedAt,
	}
	for i, row := range result.Table {
		entry.Percentages[i] = row.Probability
	}

	serialized, err := json.Marshal(entry)
	if err != nil {
		logging.WithOperation(uc.logger, "usecase.store_result", requestID).Error("failed to serialize classification", zap.Error(err))
		return
	}
	if err := uc.withCacheRetry(ctx, requestID, "cache.set.result", func() error {
		return uc.cache.Set(ctx, requestKey(requestID), string(serialized), uc.resultTTL)
	}); err != nil {
		logging.WithOperation(uc.logger, "usecase.store_result", requestID).Warn("failed to cache classification", zap.Error(err))
	}
}

func memoKey(hash string) string {
	return fmt.Sprintf("classification:hash:%s", hash)
}

func requestKey(requestID string) string {
	return fmt.Sprintf("classification:request:%s", requestID)
}

func (uc *ClassificationUseCase) withCacheRetry(ctx context.Context, requestID, operation string, fn func() error) error {
	if uc.retryAttempts <= 1 {
		err := fn()
		return logging.NewOperationError(operation, requestID, err)
	}

	backoff := uc.initialBackoff
	opLogger := logging.WithOperation(uc.logger, operation, requestID)
	var err error
	for attempt := 0; attempt < uc.retryAttempts; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return logging.NewOperationError(operation, requestID, ctx.Err())
			case <-time.After(backoff):
			}
			if next := backoff * 2; next <= uc.maxBackoff {
				backoff = next
			}
		}

		err = fn()
		if err == nil {
			if attempt > 0 {
				opLogger.Info("cache operation succeeded after retry", zap.Int("attempt", attempt+1))
			}
			return nil
		}

		if !isTransientError(err) || attempt == uc.retryAttempts-1 {
			if !errors.Is(err, ErrCacheMiss) {
				opLogger.Error("cache operation failed", zap.Error(err), zap.Int("attempt", attempt+1))
			}
			return logging.NewOperationError(operation, requestID, err)
		}

		opLogger.Warn("transient cache error", zap.Error(err), zap.Int("attempt", attempt+1))
	}
	return logging.NewOperationError(operation, requestID, err)
}

func (uc *ClassificationUseCase) withCacheGet(ctx context.Context, requestID, operation, cacheKey string) (string, error) {
	var result string
	err := uc.withCacheRetry(ctx, requestID, operation, func() error {
		value, err := uc.cache.Get(ctx, cacheKey)
		if err != nil {
			return err
		}
		result = value
		return nil
	})
	if err != nil {
		return "", err
	}
	return result, nil
}

func isTransientError(err error) bool {
	if err == nil {
		return false
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}

	var netErr interface{ Timeout() bool }
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}

	var temporary interface{ Temporary() bool }
	if errors.As(err, &temporary) && temporary.Temporary() {
		return true
	}

	return false
}
