// Package events publishes pipeline events to Kafka: final transcripts and
// completed analysis reports. With Kafka disabled the publisher degrades to
// log-only mode so the rest of the pipeline is unaffected.
package events

import (
	"context"
	"encoding/json"
	"time"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"

	"github.com/wingman-interview/pipeline/internal/models"
	"github.com/wingman-interview/pipeline/internal/observability"
)

// Config holds Kafka publisher configuration.
type Config struct {
	Brokers         []string
	TopicTranscript string
	TopicAnalysis   string
	Enabled         bool
}

// TranscriptEvent is published when a session's transcript is finalized.
type TranscriptEvent struct {
	SessionID            string  `json:"session_id"`
	Text                 string  `json:"text"`
	Confidence           float64 `json:"confidence"`
	FromFallback         bool    `json:"from_fallback"`
	RecoveredFromStorage bool    `json:"recovered_from_storage"`
}

// AnalysisEvent is published when a session's report is produced.
type AnalysisEvent struct {
	SessionID      string  `json:"session_id"`
	Status         string  `json:"status"`
	OverallScore   float64 `json:"overall_score"`
	Grade          string  `json:"grade"`
	SegmentsMerged int     `json:"segments_merged"`
	Partial        bool    `json:"partial"`
}

// Publisher publishes pipeline events to separate Kafka topics.
type Publisher struct {
	writerTranscript *kafka.Writer
	writerAnalysis   *kafka.Writer
	topicTranscript  string
	topicAnalysis    string
	enabled          bool
	metrics          *observability.Metrics
	logger           *zap.Logger
}

// New creates a Kafka event publisher. With Enabled false or no brokers it
// runs in log-only mode.
func New(cfg Config, logger *zap.Logger) *Publisher {
	if logger == nil {
		logger = zap.NewNop()
	}
	m := observability.DefaultMetrics

	if !cfg.Enabled || len(cfg.Brokers) == 0 {
		logger.Info("kafka disabled, using log-only mode")
		return &Publisher{
			topicTranscript: cfg.TopicTranscript,
			topicAnalysis:   cfg.TopicAnalysis,
			enabled:         false,
			metrics:         m,
			logger:          logger,
		}
	}

	dialer := &kafka.Dialer{
		Timeout:   10 * time.Second,
		DualStack: true,
	}
	transport := &kafka.Transport{
		Dial: dialer.DialFunc,
	}

	newWriter := func(topic string) *kafka.Writer {
		return &kafka.Writer{
			Addr:         kafka.TCP(cfg.Brokers...),
			Topic:        topic,
			Balancer:     &kafka.LeastBytes{},
			BatchTimeout: 10 * time.Millisecond,
			WriteTimeout: 10 * time.Second,
			RequiredAcks: kafka.RequireOne,
			Transport:    transport,
		}
	}

	logger.Info("kafka publisher initialized",
		zap.Strings("brokers", cfg.Brokers),
		zap.String("topic_transcript", cfg.TopicTranscript),
		zap.String("topic_analysis", cfg.TopicAnalysis))

	return &Publisher{
		writerTranscript: newWriter(cfg.TopicTranscript),
		writerAnalysis:   newWriter(cfg.TopicAnalysis),
		topicTranscript:  cfg.TopicTranscript,
		topicAnalysis:    cfg.TopicAnalysis,
		enabled:          true,
		metrics:          m,
		logger:           logger,
	}
}

// PublishTranscript publishes a final transcript event keyed by session ID.
func (p *Publisher) PublishTranscript(ctx context.Context, sessionID string, res models.FinalTranscriptionResult) error {
	return p.publish(ctx, p.writerTranscript, p.topicTranscript, "transcript_final", sessionID, TranscriptEvent{
		SessionID:            sessionID,
		Text:                 res.Text,
		Confidence:           res.Confidence,
		FromFallback:         res.FromFallback,
		RecoveredFromStorage: res.RecoveredFromStorage,
	})
}

// PublishAnalysis publishes a completed analysis event keyed by session ID.
func (p *Publisher) PublishAnalysis(ctx context.Context, sessionID, status string, report models.AggregatedAnalysis) error {
	return p.publish(ctx, p.writerAnalysis, p.topicAnalysis, "analysis_completed", sessionID, AnalysisEvent{
		SessionID:      sessionID,
		Status:         status,
		OverallScore:   report.OverallScore,
		Grade:          report.Grade,
		SegmentsMerged: report.SegmentsMerged,
		Partial:        report.Partial,
	})
}

func (p *Publisher) publish(ctx context.Context, writer *kafka.Writer, topic, eventType, key string, event any) error {
	payload, err := json.Marshal(event)
	if err != nil {
		p.logger.Error("failed to marshal event", zap.String("topic", topic), zap.Error(err))
		return err
	}

	p.logger.Debug("publishing event",
		zap.String("topic", topic), zap.String("key", key), zap.ByteString("payload", payload))

	if !p.enabled || writer == nil {
		p.metrics.RecordKafkaPublish(topic, eventType, nil)
		return nil
	}

	msg := kafka.Message{
		Key:   []byte(key),
		Value: payload,
		Headers: []kafka.Header{
			{Key: "eventType", Value: []byte(eventType)},
		},
	}
	if err := writer.WriteMessages(ctx, msg); err != nil {
		p.logger.Error("failed to write to kafka",
			zap.String("topic", topic), zap.String("key", key), zap.Error(err))
		p.metrics.RecordKafkaPublish(topic, eventType, err)
		return err
	}

	p.metrics.RecordKafkaPublish(topic, eventType, nil)
	return nil
}

// Close closes both Kafka writers.
func (p *Publisher) Close() error {
	var err error
	if p.writerTranscript != nil {
		if e := p.writerTranscript.Close(); e != nil {
			p.logger.Error("error closing transcript writer", zap.Error(e))
			err = e
		}
	}
	if p.writerAnalysis != nil {
		if e := p.writerAnalysis.Close(); e != nil {
			p.logger.Error("error closing analysis writer", zap.Error(e))
			err = e
		}
	}
	return err
}
