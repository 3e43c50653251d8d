package audit

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/am6737/packetguard/api"
	"github.com/am6737/packetguard/api/interfaces"
	"github.com/sirupsen/logrus"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

const UserAgent = "packetguard-audit/1.0"

var (
	_ interfaces.AuditSink = &LogSink{}
	_ interfaces.AuditSink = &WebhookSink{}
	_ interfaces.AuditSink = &MongoSink{}
	_ interfaces.AuditSink = MultiSink{}
)

// LogSink writes events to the local log.
type LogSink struct {
	logger *logrus.Entry
}

func NewLogSink(logger *logrus.Logger) *LogSink {
	return &LogSink{logger: logger.WithField("sink", "log")}
}

func (s *LogSink) Write(_ context.Context, e *api.AuditEvent) error {
	fields := logrus.Fields{
		"conn":        e.ConnectionID,
		"direction":   e.Direction.String(),
		"type":        e.TypeID.String(),
		"verdict":     e.Verdict,
		"disposition": e.Disposition.String(),
	}
	if e.RuleID != nil {
		fields["rule"] = *e.RuleID
	}
	entry := s.logger.WithFields(fields)
	if e.ErrorCause != nil {
		entry.WithField("cause", *e.ErrorCause).Warn("Filter decision")
		return nil
	}
	entry.Debug("Filter decision")
	return nil
}

func (s *LogSink) Close() error { return nil }

// WebhookSink POSTs each event as JSON.
type WebhookSink struct {
	url    string
	client *http.Client
}

func NewWebhookSink(url string, timeout time.Duration) *WebhookSink {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &WebhookSink{
		url:    url,
		client: &http.Client{Timeout: timeout},
	}
}

func (s *WebhookSink) Write(ctx context.Context, e *api.AuditEvent) error {
	body, err := json.Marshal(e)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", UserAgent)

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("webhook: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("webhook: unexpected status %s", resp.Status)
	}
	return nil
}

func (s *WebhookSink) Close() error {
	s.client.CloseIdleConnections()
	return nil
}

// MongoSink inserts events into a MongoDB collection.
type MongoSink struct {
	client *mongo.Client
	coll   *mongo.Collection
}

func NewMongoSink(ctx context.Context, url, db, collection string) (*MongoSink, error) {
	client, err := mongo.Connect(ctx, options.Client().ApplyURI(url))
	if err != nil {
		return nil, fmt.Errorf("failed to connect to mongodb: %w", err)
	}
	if err := client.Ping(ctx, nil); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, fmt.Errorf("failed to ping mongodb: %w", err)
	}
	return &MongoSink{
		client: client,
		coll:   client.Database(db).Collection(collection),
	}, nil
}

func (s *MongoSink) Write(ctx context.Context, e *api.AuditEvent) error {
	_, err := s.coll.InsertOne(ctx, e)
	return err
}

func (s *MongoSink) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return s.client.Disconnect(ctx)
}

// MultiSink fans an event out to every sink.
type MultiSink []interfaces.AuditSink

func (m MultiSink) Write(ctx context.Context, e *api.AuditEvent) error {
	var errs []error
	for _, s := range m {
		if err := s.Write(ctx, e); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (m MultiSink) Close() error {
	var errs []error
	for _, s := range m {
		if err := s.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
