package consumer

import (
	"context"
	"encoding/json"
	"io"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/pkg/errors"
	"github.com/segmentio/kafka-go"
	"github.com/sirupsen/logrus"

	"github.com/rl1809/inventory-ledger/internal/core/domain"
	"github.com/rl1809/inventory-ledger/internal/core/service"
	"github.com/rl1809/inventory-ledger/internal/retry"
)

// MessageReader is the part of *kafka.Reader the consumer uses.
type MessageReader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
}

// SaleMessage is published by the marketplace adapters.
type SaleMessage struct {
	EventID    string    `json:"event_id"`
	Channel    string    `json:"channel"`
	OrderID    string    `json:"order_id"`
	ItemID     string    `json:"item_id"`
	Quantity   int       `json:"quantity"`
	Type       string    `json:"type"`
	OccurredAt time.Time `json:"occurred_at"`
}

var errMalformed = errors.New("malformed sale message")

func NewKafkaReader(brokers []string, topic, groupID string) *kafka.Reader {
	return kafka.NewReader(kafka.ReaderConfig{
		Brokers:  brokers,
		Topic:    topic,
		GroupID:  groupID,
		MinBytes: 1,
		MaxBytes: 10e6,
	})
}

// SaleConsumer turns marketplace sale and return messages into ledger
// adjustments. The message event id becomes the idempotency key, so
// redelivered messages are applied once.
type SaleConsumer struct {
	reader MessageReader
	ledger *service.LedgerService
	policy retry.Policy
	log    logrus.FieldLogger
	// redelivery paces attempts at a message whose retries ran out.
	redelivery func() backoff.BackOff
}

func NewSaleConsumer(reader MessageReader, ledger *service.LedgerService, policy retry.Policy, log logrus.FieldLogger) *SaleConsumer {
	return &SaleConsumer{reader: reader, ledger: ledger, policy: policy, log: log, redelivery: redeliveryBackOff}
}

func redeliveryBackOff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 500 * time.Millisecond
	b.MaxInterval = 30 * time.Second
	b.MaxElapsedTime = 0
	b.Reset()
	return b
}

func (c *SaleConsumer) Start(ctx context.Context) error {
	c.log.Info("sale consumer started")

	for {
		msg, err := c.reader.FetchMessage(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) || errors.Is(err, io.EOF) {
				break
			}
			c.log.WithError(err).Error("fetch sale message")
			continue
		}

		// Commits are offset based, so nothing past msg is committed until
		// msg itself is applied.
		if err := c.applyUntilDone(ctx, msg); err != nil {
			c.log.WithError(err).WithField("offset", msg.Offset).Warn("sale message left uncommitted")
			break
		}

		if err := c.reader.CommitMessages(ctx, msg); err != nil {
			c.log.WithError(err).WithField("offset", msg.Offset).Warn("commit sale message")
		}
	}

	c.log.Info("sale consumer stopped")
	return nil
}

// applyUntilDone keeps handling msg until it is applied or rejected. It only
// fails when ctx ends first.
func (c *SaleConsumer) applyUntilDone(ctx context.Context, msg kafka.Message) error {
	b := backoff.WithContext(c.redelivery(), ctx)
	return backoff.RetryNotify(func() error {
		return c.Handle(ctx, msg)
	}, b, func(err error, wait time.Duration) {
		c.log.WithError(err).WithFields(logrus.Fields{
			"offset": msg.Offset,
			"wait":   wait,
		}).Error("sale message not applied")
	})
}

// Handle applies one message. It returns an error only when the message
// should be delivered again; rejected and malformed messages are logged.
func (c *SaleConsumer) Handle(ctx context.Context, msg kafka.Message) error {
	req, err := decodeSale(msg.Value)
	if err != nil {
		c.log.WithError(err).WithField("offset", msg.Offset).Warn("dropping sale message")
		return nil
	}

	logger := c.log.WithFields(logrus.Fields{
		"item_id":  req.ItemID,
		"channel":  req.SourceChannel,
		"order_id": req.SourceOrderID,
	})

	var res *service.MutationResult
	err = c.policy.Do(ctx, func(ctx context.Context) error {
		var err error
		res, err = c.ledger.AdjustQuantity(ctx, req)
		return err
	})
	switch {
	case err == nil:
		logger.WithField("replayed", res.Replayed).Debug("sale message applied")
		return nil
	case domain.IsValidation(err), errors.Is(err, domain.ErrInvalidArgument):
		logger.WithError(err).Error("sale message rejected by ledger")
		return nil
	default:
		return err
	}
}

func decodeSale(payload []byte) (service.AdjustRequest, error) {
	var m SaleMessage
	if err := json.Unmarshal(payload, &m); err != nil {
		return service.AdjustRequest{}, errors.Wrap(errMalformed, err.Error())
	}
	if m.EventID == "" || m.Channel == "" || m.ItemID == "" || m.Quantity <= 0 {
		return service.AdjustRequest{}, errors.Wrap(errMalformed, "missing required fields")
	}

	req := service.AdjustRequest{
		ItemID:          m.ItemID,
		Reason:          "marketplace " + m.Type,
		IdempotencyKey:  domain.ChannelKey(m.Channel, m.EventID),
		SourceChannel:   m.Channel,
		SourceOrderID:   m.OrderID,
		SourceReference: m.EventID,
		CreatedBy:       "channel-sync",
	}
	switch m.Type {
	case string(domain.EventSale):
		req.Type = domain.EventSale
		req.Change = -m.Quantity
	case string(domain.EventReturn):
		req.Type = domain.EventReturn
		req.Change = m.Quantity
	default:
		return service.AdjustRequest{}, errors.Wrapf(errMalformed, "unknown type %q", m.Type)
	}
	return req, nil
}
