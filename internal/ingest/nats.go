// Package ingest feeds the pipeline from a NATS JetStream subject.
// HTTP ingestion works without it; the subscriber is enabled only when
// a NATS URL is configured.
package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync/atomic"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/khipu-io/khipu/pkg/config"
	"github.com/khipu-io/khipu/pkg/domain"
	"github.com/khipu-io/khipu/pkg/pipeline"
)

// Subscriber consumes events from JetStream and submits them to the
// pipeline with explicit acks: malformed messages are terminated,
// backpressured messages are nacked for redelivery.
type Subscriber struct {
	logger *zap.Logger
	cfg    config.NATSConfig
	pipe   *pipeline.Pipeline

	nc  *nats.Conn
	js  nats.JetStreamContext
	sub *nats.Subscription

	messagesReceived int64
	messagesAcked    int64
	messagesNacked   int64
	messagesDropped  int64
}

func NewSubscriber(logger *zap.Logger, cfg config.NATSConfig, pipe *pipeline.Pipeline) *Subscriber {
	return &Subscriber{
		logger: logger,
		cfg:    cfg,
		pipe:   pipe,
	}
}

// Start connects, ensures the stream and durable consumer exist, and
// begins consuming.
func (s *Subscriber) Start(ctx context.Context) error {
	if err := s.connect(); err != nil {
		return err
	}
	if err := s.setupJetStream(); err != nil {
		s.nc.Close()
		return err
	}

	sub, err := s.js.Subscribe(s.cfg.Subject, func(msg *nats.Msg) {
		s.handleMessage(ctx, msg)
	},
		nats.Durable(s.cfg.Consumer),
		nats.ManualAck(),
		nats.AckExplicit(),
	)
	if err != nil {
		s.nc.Close()
		return fmt.Errorf("failed to subscribe to %s: %w", s.cfg.Subject, err)
	}
	s.sub = sub

	s.logger.Info("nats subscriber started",
		zap.String("url", s.cfg.URL),
		zap.String("stream", s.cfg.Stream),
		zap.String("subject", s.cfg.Subject),
		zap.String("consumer", s.cfg.Consumer))
	return nil
}

// Stop drains the subscription and closes the connection.
func (s *Subscriber) Stop() {
	if s.sub != nil {
		if err := s.sub.Drain(); err != nil {
			s.logger.Warn("failed to drain subscription", zap.Error(err))
		}
	}
	if s.nc != nil {
		s.nc.Close()
	}
	s.logger.Info("nats subscriber stopped",
		zap.Int64("messages_received", atomic.LoadInt64(&s.messagesReceived)),
		zap.Int64("messages_acked", atomic.LoadInt64(&s.messagesAcked)),
		zap.Int64("messages_nacked", atomic.LoadInt64(&s.messagesNacked)),
		zap.Int64("messages_dropped", atomic.LoadInt64(&s.messagesDropped)))
}

func (s *Subscriber) connect() error {
	opts := []nats.Option{
		nats.Name("khipu-ingest"),
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(s.cfg.MaxReconnects),
		nats.ReconnectWait(s.cfg.ReconnectWait),
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			s.logger.Error("nats disconnected", zap.Error(err))
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			s.logger.Info("nats reconnected", zap.String("url", nc.ConnectedUrl()))
		}),
		nats.ErrorHandler(func(nc *nats.Conn, sub *nats.Subscription, err error) {
			s.logger.Error("nats error", zap.Error(err))
		}),
	}

	nc, err := nats.Connect(s.cfg.URL, opts...)
	if err != nil {
		return fmt.Errorf("failed to connect to NATS: %w", err)
	}
	s.nc = nc
	return nil
}

func (s *Subscriber) setupJetStream() error {
	js, err := s.nc.JetStream()
	if err != nil {
		return fmt.Errorf("failed to get JetStream context: %w", err)
	}
	s.js = js

	_, err = js.StreamInfo(s.cfg.Stream)
	if errors.Is(err, nats.ErrStreamNotFound) {
		_, err = js.AddStream(&nats.StreamConfig{
			Name:      s.cfg.Stream,
			Subjects:  []string{s.cfg.Subject},
			Storage:   nats.FileStorage,
			Retention: nats.LimitsPolicy,
		})
		if err != nil {
			return fmt.Errorf("failed to create stream %s: %w", s.cfg.Stream, err)
		}
		s.logger.Info("created jetstream stream", zap.String("name", s.cfg.Stream))
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to get stream info: %w", err)
	}
	return nil
}

func (s *Subscriber) handleMessage(ctx context.Context, msg *nats.Msg) {
	atomic.AddInt64(&s.messagesReceived, 1)

	var event domain.Event
	if err := json.Unmarshal(msg.Data, &event); err != nil {
		// Malformed payloads never become deliverable; terminate so
		// JetStream stops redelivering.
		atomic.AddInt64(&s.messagesDropped, 1)
		s.logger.Warn("dropping malformed event message", zap.Error(err))
		if termErr := msg.Term(); termErr != nil {
			s.logger.Error("failed to terminate message", zap.Error(termErr))
		}
		return
	}

	if err := s.pipe.Submit(ctx, event); err != nil {
		var verr *domain.ValidationError
		var qerr *domain.QueueTimeoutError
		switch {
		case errors.As(err, &verr):
			atomic.AddInt64(&s.messagesDropped, 1)
			s.logger.Warn("dropping invalid event",
				zap.String("event_id", event.EventID),
				zap.Error(err))
			if termErr := msg.Term(); termErr != nil {
				s.logger.Error("failed to terminate message", zap.Error(termErr))
			}
		case errors.As(err, &qerr):
			// Queue full: redeliver later rather than lose the event.
			atomic.AddInt64(&s.messagesNacked, 1)
			if nakErr := msg.Nak(); nakErr != nil {
				s.logger.Error("failed to nack message", zap.Error(nakErr))
			}
		default:
			atomic.AddInt64(&s.messagesNacked, 1)
			s.logger.Error("failed to submit event",
				zap.String("event_id", event.EventID),
				zap.Error(err))
			if nakErr := msg.Nak(); nakErr != nil {
				s.logger.Error("failed to nack message", zap.Error(nakErr))
			}
		}
		return
	}

	atomic.AddInt64(&s.messagesAcked, 1)
	if err := msg.Ack(); err != nil {
		s.logger.Error("failed to ack message", zap.Error(err))
	}
}
