package grpcclient

import (
	"context"
	"os"
	"time"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"github.com/example/gesture-api/internal/logging"
	"github.com/example/gesture-api/internal/recognizer"
)

const (
	// ServiceName is the fully qualified gRPC service exposed by the model.
	ServiceName = "gesture.v1.GestureRecognizer"
	// RecognizeMethod takes a google.protobuf.BytesValue holding the image and
	// answers with a google.protobuf.Struct carrying "handedness" and
	// "gestures" rankings.
	RecognizeMethod = "/" + ServiceName + "/Recognize"
)

// DialRecognizer connects to the gesture model service and returns a ready
// recognizer together with the connection the caller must close.
func DialRecognizer(ctx context.Context, addr string, dialTimeout, callTimeout time.Duration, logger *zap.Logger, opts ...grpc.DialOption) (*Client, *grpc.ClientConn, error) {
	dialCtx, cancel := context.WithTimeout(ctx, dialTimeout)
	defer cancel()

	dialOpts := append([]grpc.DialOption{
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithBlock(),
	}, opts...)

	conn, err := grpc.DialContext(dialCtx, addr, dialOpts...)
	if err != nil {
		wrapped := logging.NewOperationError("grpcclient.dial_recognizer", "", err)
		logger.Error("failed to dial gesture recognizer", zap.Error(wrapped), zap.String("addr", addr))
		return nil, nil, wrapped
	}
	return NewClient(conn, callTimeout, logger), conn, nil
}

// Client implements recognizer.Recognizer over a gRPC connection.
type Client struct {
	conn    grpc.ClientConnInterface
	timeout time.Duration
	logger  *zap.Logger
}

// NewClient wraps an existing connection. A zero timeout leaves the call
// bounded only by the caller's context.
func NewClient(conn grpc.ClientConnInterface, timeout time.Duration, logger *zap.Logger) *Client {
	return &Client{conn: conn, timeout: timeout, logger: logger.Named("grpc_recognizer")}
}

var _ recognizer.Recognizer = (*Client)(nil)

// Recognize sends the image at path to the model. A NotFound status or empty
// rankings mean nothing was recognized.
func (c *Client) Recognize(ctx context.Context, path string) (*recognizer.Result, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, logging.NewOperationError("grpcclient.read_image", "", err)
	}

	if c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}

	resp := &structpb.Struct{}
	if err := c.conn.Invoke(ctx, RecognizeMethod, wrapperspb.Bytes(data), resp); err != nil {
		if status.Code(err) == codes.NotFound {
			return nil, nil
		}
		wrapped := logging.NewOperationError("grpcclient.recognize", "", err)
		c.logger.Error("gesture recognizer call failed", zap.Error(wrapped), zap.Int("image_bytes", len(data)))
		return nil, wrapped
	}

	result := &recognizer.Result{
		Handedness: decodeRanking(resp.GetFields()["handedness"]),
		Gestures:   decodeRanking(resp.GetFields()["gestures"]),
	}
	if result.Empty() {
		return nil, nil
	}
	return result, nil
}

func decodeRanking(v *structpb.Value) []recognizer.Category {
	values := v.GetListValue().GetValues()
	if len(values) == 0 {
		return nil
	}
	ranking := make([]recognizer.Category, 0, len(values))
	for _, item := range values {
		fields := item.GetStructValue().GetFields()
		name := fields["category_name"].GetStringValue()
		if name == "" {
			continue
		}
		ranking = append(ranking, recognizer.Category{
			Index:        int(fields["index"].GetNumberValue()),
			Score:        float32(fields["score"].GetNumberValue()),
			CategoryName: name,
			DisplayName:  fields["display_name"].GetStringValue(),
		})
	}
	return ranking
}
