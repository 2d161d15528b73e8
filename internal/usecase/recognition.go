package usecase

import (
	"context"
	"mime/multipart"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/example/gesture-api/internal/apperr"
	"github.com/example/gesture-api/internal/logging"
	"github.com/example/gesture-api/internal/recognizer"
	"github.com/example/gesture-api/internal/tempstore"
)

// Prediction is the public answer of POST /predict.
type Prediction struct {
	Handedness string `json:"handedness"`
	Gesture    string `json:"gesture"`
}

// RecognitionUseCase runs one upload through validation, temporary storage
// and the gesture model. It holds no per-request state and is safe for
// concurrent use when its recognizer is.
type RecognitionUseCase struct {
	store      *tempstore.Store
	recognizer recognizer.Recognizer
	policy     UploadPolicy
	logger     *zap.Logger
}

// NewRecognitionUseCase constructs a new use case instance.
func NewRecognitionUseCase(store *tempstore.Store, rec recognizer.Recognizer, policy UploadPolicy, logger *zap.Logger) *RecognitionUseCase {
	return &RecognitionUseCase{
		store:      store,
		recognizer: rec,
		policy:     policy,
		logger:     logger.Named("recognition_usecase"),
	}
}

// Policy returns the upload policy the use case enforces.
func (uc *RecognitionUseCase) Policy() UploadPolicy {
	return uc.policy
}

// Predict validates file, stores it for the duration of the call and asks the
// model for handedness and gesture. Client-caused failures are returned as
// *apperr.ValidationError; everything else is an internal error. The stored
// file is removed on every return path.
func (uc *RecognitionUseCase) Predict(ctx context.Context, requestID string, file *multipart.FileHeader) (*Prediction, error) {
	opLogger := logging.WithOperation(uc.logger, "usecase.predict", requestID)

	if err := uc.policy.ValidateUpload(file); err != nil {
		return nil, err
	}

	src, err := file.Open()
	if err != nil {
		return nil, logging.NewOperationError("usecase.open_upload", requestID, err)
	}
	defer src.Close()

	// The prefix keeps concurrent uploads of the same filename apart.
	stored, err := uc.store.Save(uuid.NewString(), file.Filename, src, uc.policy.MaxBytes)
	if err != nil {
		return nil, logging.NewOperationError("tempstore.save", requestID, err)
	}
	defer func() {
		if err := stored.Remove(); err != nil {
			opLogger.Warn("failed to remove temp file", zap.String("path", stored.Path), zap.Error(err))
		}
	}()

	if err := uc.policy.CheckSize(stored.Size); err != nil {
		if rmErr := stored.Remove(); rmErr != nil {
			return nil, logging.NewOperationError("tempstore.remove", requestID, rmErr)
		}
		return nil, err
	}

	started := time.Now()
	result, err := uc.recognizer.Recognize(ctx, stored.Path)
	if err != nil {
		return nil, logging.NewOperationError("usecase.recognize", requestID, err)
	}
	if result.Empty() {
		opLogger.Info("no gesture recognized", zap.Duration("latency", time.Since(started)))
		return nil, apperr.NewNotFound(msgNoGesture)
	}

	prediction := &Prediction{
		Handedness: result.TopHandedness(),
		Gesture:    result.TopGesture(),
	}
	opLogger.Info("gesture recognized",
		zap.String("handedness", prediction.Handedness),
		zap.String("gesture", prediction.Gesture),
		zap.Float32("score", result.Gestures[0].Score),
		zap.Duration("latency", time.Since(started)),
	)
	return prediction, nil
}
