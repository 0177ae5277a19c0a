package events

import (
	"context"
	"errors"
	"strconv"
	"time"

	redis "github.com/redis/go-redis/v9"
	"github.com/smallbiznis/iapsync/internal/appstore/domain"
	"github.com/smallbiznis/iapsync/pkg/telemetry/correlation"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/types/known/structpb"
)

// ChannelReconciled receives one message per committed reconciliation.
const ChannelReconciled = "appstore.reconciled"

type Params struct {
	fx.In

	Client *redis.Client `optional:"true"`
	Log    *zap.Logger
}

// Publisher fans reconciliation outcomes out over Redis pub/sub.
type Publisher struct {
	client *redis.Client
	log    *zap.Logger
}

func NewPublisher(p Params) *Publisher {
	return &Publisher{client: p.Client, log: p.Log.Named("appstore.events")}
}

// OnReconciled publishes r. Ignored events and disabled Redis publish nothing.
func (p *Publisher) OnReconciled(ctx context.Context, r domain.Reconciled) error {
	if p == nil || p.client == nil {
		return nil
	}
	if r.Result.Action == domain.ActionIgnored {
		return nil
	}

	body, err := Encode(ctx, r)
	if err != nil {
		return err
	}
	return p.client.Publish(ctx, ChannelReconciled, body).Err()
}

// Encode renders r as protojson of a structpb.Struct with a metadata block
// carrying correlation and trace ids.
func Encode(ctx context.Context, r domain.Reconciled) ([]byte, error) {
	if r.Event == nil {
		return nil, errors.New("reconciled event is required")
	}
	ref := r.Event.Ref()

	payload, err := structpb.NewStruct(map[string]any{
		"kind":                    string(r.Event.Kind()),
		"notification_type":       ref.NotificationType,
		"original_transaction_id": ref.OriginalTransactionID,
		"transaction_id":          ref.TransactionID,
		"product_id":              ref.ProductID,
		"environment":             ref.Environment,
		"payment_id":              strconv.FormatInt(r.Result.PaymentID.Int64(), 10),
		"user_id":                 strconv.FormatInt(r.UserID.Int64(), 10),
		"status":                  r.Status,
		"action":                  string(r.Result.Action),
		"idempotent_duplicate":    r.Result.IdempotentDuplicate,
		"committed_at":            r.Committed.UTC().Format(time.RFC3339Nano),
	})
	if err != nil {
		return nil, err
	}

	md := correlation.InjectTraceIntoMetadata(ctx, nil)
	payload.Fields["metadata"] = structpb.NewStructValue(md)

	return protojson.Marshal(payload)
}
