// Package audit hands the changed pages of a finished crawl to the
// downstream audit stage.
package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/sirupsen/logrus"

	"github.com/noname-app/site-crawler/pkg/config"
	"github.com/noname-app/site-crawler/pkg/log"
	"github.com/noname-app/site-crawler/pkg/models"
	"github.com/noname-app/site-crawler/pkg/utils"
)

// Dispatcher accepts one audit request per successful crawl
type Dispatcher interface {
	Dispatch(ctx context.Context, req models.AuditRequest) error
	Close() error
}

// NewDispatcher builds the dispatcher selected by cfg.Backend. cfg must be validated.
func NewDispatcher(cfg config.AuditConfig, logger *logrus.Entry) (Dispatcher, error) {
	switch cfg.Backend {
	case config.AuditKafka:
		return NewKafkaDispatcher(cfg.Brokers, cfg.Topic, logger), nil
	case config.AuditLog, "":
		return NewLogDispatcher(logger), nil
	case config.AuditNone:
		return NoopDispatcher{}, nil
	}
	return nil, fmt.Errorf("%w: unknown audit backend %q", utils.ErrConfigValidation, cfg.Backend)
}

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaDispatcher publishes audit requests keyed by tenant, so requests of
// one tenant stay ordered on a partition.
type KafkaDispatcher struct {
	writer messageWriter
	log    *logrus.Entry
}

// NewKafkaDispatcher creates a dispatcher writing to topic on brokers
func NewKafkaDispatcher(brokers []string, topic string, logger *logrus.Entry) *KafkaDispatcher {
	kafkaLog := logger.WithField("component", "kafka_writer")
	infoLog, errorLog := log.KafkaLoggers(kafkaLog)
	return &KafkaDispatcher{
		writer: &kafka.Writer{
			Addr:                   kafka.TCP(brokers...),
			Topic:                  topic,
			Balancer:               &kafka.Hash{},
			RequiredAcks:           kafka.RequireAll,
			AllowAutoTopicCreation: false,
			Logger:                 infoLog,
			ErrorLogger:            errorLog,
		},
		log: logger.WithField("component", "audit_dispatcher"),
	}
}

// NewKafkaDispatcherWithWriter builds a dispatcher using a custom writer (tests).
func NewKafkaDispatcherWithWriter(writer messageWriter, logger *logrus.Entry) *KafkaDispatcher {
	return &KafkaDispatcher{writer: writer, log: logger.WithField("component", "audit_dispatcher")}
}

// Dispatch implements Dispatcher
func (d *KafkaDispatcher) Dispatch(ctx context.Context, req models.AuditRequest) error {
	payload, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("%w: encoding audit request for job %s: %w", utils.ErrDispatch, req.JobID, err)
	}
	msg := kafka.Message{
		Key:   []byte(req.TenantID),
		Value: payload,
		Time:  time.Now().UTC(),
	}
	if err := d.writer.WriteMessages(ctx, msg); err != nil {
		return fmt.Errorf("%w: publishing audit request for job %s: %w", utils.ErrDispatch, req.JobID, err)
	}
	d.log.WithFields(logrus.Fields{
		"tenant_id": req.TenantID,
		"job_id":    req.JobID,
		"changed":   len(req.ChangedURLs),
	}).Info("Audit request published")
	return nil
}

// Close flushes and closes the writer
func (d *KafkaDispatcher) Close() error {
	return d.writer.Close()
}

// LogDispatcher only logs the request. It is the default when no broker is configured.
type LogDispatcher struct {
	log *logrus.Entry
}

// NewLogDispatcher creates a LogDispatcher
func NewLogDispatcher(logger *logrus.Entry) *LogDispatcher {
	return &LogDispatcher{log: logger.WithField("component", "audit_dispatcher")}
}

// Dispatch implements Dispatcher
func (d *LogDispatcher) Dispatch(_ context.Context, req models.AuditRequest) error {
	d.log.WithFields(logrus.Fields{
		"tenant_id": req.TenantID,
		"job_id":    req.JobID,
		"changed":   len(req.ChangedURLs),
	}).Infof("Audit requested for %d changed page(s)", len(req.ChangedURLs))
	for _, u := range req.ChangedURLs {
		d.log.WithField("job_id", req.JobID).Debugf("  changed: %s", u)
	}
	return nil
}

// Close implements Dispatcher
func (d *LogDispatcher) Close() error { return nil }

// NoopDispatcher drops every request
type NoopDispatcher struct{}

// Dispatch implements Dispatcher
func (NoopDispatcher) Dispatch(context.Context, models.AuditRequest) error { return nil }

// Close implements Dispatcher
func (NoopDispatcher) Close() error { return nil }
