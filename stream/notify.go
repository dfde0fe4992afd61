// Package stream provides DynamoDB Streams handlers that wake history
// subscribers as soon as a record is appended.
package stream

import (
	"context"
	"fmt"
	"strconv"

	"github.com/aws/aws-lambda-go/events"
	"go.uber.org/zap"
)

// Notifier polls a state type's history now. *history.Engine implements it.
type Notifier interface {
	Notify(ctx context.Context, stateType string) error
}

// Handler processes DynamoDB stream events of history tables.
type Handler struct {
	notifier Notifier
	logger   *zap.Logger
}

// NewHandler creates a new stream handler.
func NewHandler(n Notifier, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{
		notifier: n,
		logger:   logger,
	}
}

// HandleHistoryInsert notifies each state type that received a new history
// record in event, once per type, in the order the types first appear.
// It is designed to be used as an AWS Lambda handler on the stream of the
// history tables.
func (h *Handler) HandleHistoryInsert(ctx context.Context, event events.DynamoDBEvent) error {
	pending := stateTypes(event)
	for _, stateType := range pending {
		if err := h.notifier.Notify(ctx, stateType); err != nil {
			h.logger.Error("notify failed",
				zap.String("state_type", stateType),
				zap.Error(err),
			)
			// Lambda retries the batch; a second poll is idempotent.
			return fmt.Errorf("notify %s: %w", stateType, err)
		}
	}
	if len(pending) > 0 {
		h.logger.Debug("history notified",
			zap.Strings("state_types", pending),
			zap.Int("records", len(event.Records)),
		)
	}
	return nil
}

// stateTypes returns the distinct state types of the INSERT records that
// carry a history entry. The head item (seq 0) is skipped. state_type and
// seq form the history table's key, so they are read from the record keys
// and only fall back to the new image when the keys are missing.
func stateTypes(event events.DynamoDBEvent) []string {
	var out []string
	seen := make(map[string]struct{})
	for _, record := range event.Records {
		if record.EventName != "INSERT" {
			continue
		}
		attrs := record.Change.Keys
		if getStringAttr(attrs, "state_type") == "" {
			attrs = record.Change.NewImage
		}
		if getNumberAttr(attrs, "seq") <= 0 {
			continue
		}
		stateType := getStringAttr(attrs, "state_type")
		if stateType == "" {
			continue
		}
		if _, ok := seen[stateType]; ok {
			continue
		}
		seen[stateType] = struct{}{}
		out = append(out, stateType)
	}
	return out
}

// getStringAttr extracts a string attribute from a DynamoDB stream image.
func getStringAttr(image map[string]events.DynamoDBAttributeValue, key string) string {
	if v, ok := image[key]; ok && v.DataType() == events.DataTypeString {
		return v.String()
	}
	return ""
}

// getNumberAttr extracts a number attribute from a DynamoDB stream image.
func getNumberAttr(image map[string]events.DynamoDBAttributeValue, key string) int64 {
	if v, ok := image[key]; ok {
		if v.DataType() == events.DataTypeNumber {
			n, _ := strconv.ParseInt(v.Number(), 10, 64)
			return n
		}
	}
	return 0
}
