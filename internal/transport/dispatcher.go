// Package transport delivers inbound trigger messages to the pipeline engine
// and translates the outcome into the ack, nack or retry semantics of each
// message source.
package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"sigs.k8s.io/controller-runtime/pkg/log"

	"github.com/apptrail-sh/bluegreen/internal/model"
	"github.com/apptrail-sh/bluegreen/internal/pipeline"
)

// ArtifactUploadedEvent is the object-store notification configuration id
// that starts a pipeline run.
const ArtifactUploadedEvent = "ArtifactUploaded"

// ErrMalformedMessage is returned for payloads that cannot be decoded into a
// trigger message.
var ErrMalformedMessage = errors.New("malformed message")

// Engine is the part of the pipeline engine the transports drive.
type Engine interface {
	Handle(ctx context.Context, msg model.TriggerMessage) error
	Pipeline() model.Pipeline
	ApplicationForBucket(bucket string) (model.Application, error)
}

// Dispatcher decodes payloads and hands them to the engine.
type Dispatcher struct {
	engine Engine
}

func NewDispatcher(engine Engine) *Dispatcher {
	return &Dispatcher{engine: engine}
}

// Result is the outcome of one delivery.
type Result struct {
	Class pipeline.Class
	Err   error
}

// Dispatch decodes payload and delivers every message it carries. An object
// store event may carry several records; the worst class wins.
func (d *Dispatcher) Dispatch(ctx context.Context, payload []byte) Result {
	logger := log.FromContext(ctx)

	msgs, err := d.Decode(payload)
	if err != nil {
		logger.Error(err, "Dropping undecodable message", "bytes", len(payload))
		return Result{Class: pipeline.ClassFatal, Err: err}
	}

	var worst Result
	for _, msg := range msgs {
		res := d.Deliver(ctx, msg)
		if res.Class > worst.Class {
			worst = res
		}
	}
	return worst
}

// Deliver hands one decoded message to the engine and logs the outcome.
func (d *Dispatcher) Deliver(ctx context.Context, msg model.TriggerMessage) Result {
	logger := log.FromContext(ctx).WithValues("app", msg.App, "action", msg.Action, "command", msg.Command)

	err := d.engine.Handle(ctx, msg)
	class := pipeline.Classify(err)
	switch class {
	case pipeline.ClassOK:
		logger.V(1).Info("Message handled")
	case pipeline.ClassSkip, pipeline.ClassWait:
		logger.V(1).Info("Message not acted on", "class", class.String(), "reason", err.Error())
	default:
		logger.Error(err, "Message handling failed", "class", class.String())
	}
	return Result{Class: class, Err: err}
}

// Decode turns a payload into trigger messages. Object-store events are
// translated into first-stage triggers for the application owning the bucket.
func (d *Dispatcher) Decode(payload []byte) ([]model.TriggerMessage, error) {
	var event s3Event
	if err := json.Unmarshal(payload, &event); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedMessage, err)
	}
	if len(event.Records) > 0 {
		return d.fromS3Event(event)
	}

	var msg model.TriggerMessage
	if err := json.Unmarshal(payload, &msg); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedMessage, err)
	}
	if msg.App == "" {
		return nil, fmt.Errorf("%w: missing stackAppId", ErrMalformedMessage)
	}
	if msg.Action == "" {
		msg.Action = model.ActionHandleDeployment
	}
	return []model.TriggerMessage{msg}, nil
}

type s3Event struct {
	Records []s3EventRecord `json:"Records"`
}

type s3EventRecord struct {
	EventSource string `json:"eventSource"`
	EventTime   string `json:"eventTime"`
	S3          struct {
		ConfigurationID string `json:"configurationId"`
		Bucket          struct {
			Name string `json:"name"`
		} `json:"bucket"`
		Object struct {
			Key       string `json:"key"`
			VersionID string `json:"versionId"`
		} `json:"object"`
	} `json:"s3"`
}

func (d *Dispatcher) fromS3Event(event s3Event) ([]model.TriggerMessage, error) {
	var msgs []model.TriggerMessage
	for _, rec := range event.Records {
		if rec.S3.ConfigurationID != ArtifactUploadedEvent {
			continue
		}
		app, err := d.engine.ApplicationForBucket(rec.S3.Bucket.Name)
		if err != nil {
			return nil, err
		}
		msg := model.TriggerMessage{
			Action:  model.ActionHandleDeployment,
			Command: d.engine.Pipeline().First(),
			App:     app.Name,
			Source:  "s3:" + rec.S3.Bucket.Name + "/" + rec.S3.Object.Key,
		}
		// A redelivered event must not look newer than the run it started.
		if t, err := time.Parse(time.RFC3339Nano, rec.EventTime); err == nil {
			msg.TimestampSent = t.UTC()
		}
		msgs = append(msgs, msg)
	}
	if len(msgs) == 0 {
		return nil, fmt.Errorf("%w: no %s records in object store event", ErrMalformedMessage, ArtifactUploadedEvent)
	}
	return msgs, nil
}
