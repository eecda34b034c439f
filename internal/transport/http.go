package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/go-logr/logr"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"resty.dev/v3"
	"sigs.k8s.io/controller-runtime/pkg/healthz"
	"sigs.k8s.io/controller-runtime/pkg/log"
	"sigs.k8s.io/controller-runtime/pkg/metrics"

	"github.com/apptrail-sh/bluegreen/internal/pipeline"
)

const maxPayloadBytes = 1 << 20

// HTTPConfig configures the push endpoints.
type HTTPConfig struct {
	// RetryAfter is advertised to push senders while a deployment is running.
	RetryAfter time.Duration
	// ReadyChecks are served under /readyz.
	ReadyChecks map[string]healthz.Checker
}

// HTTPServer accepts trigger messages pushed over HTTP: plain JSON, Pub/Sub
// push envelopes and SNS notifications. It also serves metrics and health.
type HTTPServer struct {
	dispatcher *Dispatcher
	config     HTTPConfig
	confirm    *resty.Client
	router     *gin.Engine
	logger     logr.Logger
}

func NewHTTPServer(dispatcher *Dispatcher, cfg HTTPConfig) *HTTPServer {
	if cfg.RetryAfter <= 0 {
		cfg.RetryAfter = 30 * time.Second
	}
	s := &HTTPServer{
		dispatcher: dispatcher,
		config:     cfg,
		confirm: resty.New().
			SetTimeout(10 * time.Second).
			SetRetryCount(3),
		logger: log.Log.WithName("http-transport"),
	}
	s.router = s.routes()
	return s
}

// Handler exposes the router for tests and embedding.
func (s *HTTPServer) Handler() http.Handler {
	return s.router
}

func (s *HTTPServer) routes() *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery(), s.requestLogger())

	v1 := r.Group("/v1")
	v1.POST("/messages", s.handleMessage)
	v1.POST("/pubsub/push", s.handlePubSubPush)
	v1.POST("/sns", s.handleSNS)

	readyChecks := map[string]healthz.Checker{"ping": healthz.Ping}
	for name, check := range s.config.ReadyChecks {
		readyChecks[name] = check
	}
	r.GET("/metrics", gin.WrapH(promhttp.HandlerFor(metrics.Registry, promhttp.HandlerOpts{})))
	r.GET("/healthz", gin.WrapH(http.StripPrefix("/healthz",
		&healthz.Handler{Checks: map[string]healthz.Checker{"ping": healthz.Ping}})))
	r.GET("/readyz", gin.WrapH(http.StripPrefix("/readyz", &healthz.Handler{Checks: readyChecks})))
	return r
}

// Start serves on addr until ctx is cancelled.
func (s *HTTPServer) Start(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("Starting HTTP transport", "addr", addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *HTTPServer) Close() {
	s.confirm.Close()
}

func (s *HTTPServer) requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		ctx := log.IntoContext(c.Request.Context(), s.logger.WithValues("path", c.FullPath()))
		c.Request = c.Request.WithContext(ctx)
		c.Next()
		s.logger.V(1).Info("Request served",
			"method", c.Request.Method,
			"path", c.FullPath(),
			"status", c.Writer.Status(),
			"duration", time.Since(start),
		)
	}
}

func readBody(c *gin.Context) ([]byte, bool) {
	body, err := io.ReadAll(io.LimitReader(c.Request.Body, maxPayloadBytes))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return nil, false
	}
	return body, true
}

// handleMessage accepts a bare trigger message or object store event.
// Undecodable or unroutable messages are rejected with 422.
func (s *HTTPServer) handleMessage(c *gin.Context) {
	body, ok := readBody(c)
	if !ok {
		return
	}
	s.respond(c, s.dispatcher.Dispatch(c.Request.Context(), body), http.StatusUnprocessableEntity)
}

type pubSubPushEnvelope struct {
	Message struct {
		Data        []byte            `json:"data"`
		Attributes  map[string]string `json:"attributes"`
		MessageID   string            `json:"messageId"`
		PublishTime time.Time         `json:"publishTime"`
	} `json:"message"`
	Subscription string `json:"subscription"`
}

// handlePubSubPush unwraps a Pub/Sub push request. Any non-2xx answer makes
// Pub/Sub redeliver, so dropped messages are acknowledged with 200.
func (s *HTTPServer) handlePubSubPush(c *gin.Context) {
	var envelope pubSubPushEnvelope
	if err := c.ShouldBindJSON(&envelope); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	ctx := log.IntoContext(c.Request.Context(), log.FromContext(c.Request.Context()).WithValues(
		"messageId", envelope.Message.MessageID, "subscription", envelope.Subscription))
	s.respond(c, s.dispatcher.Dispatch(ctx, envelope.Message.Data), http.StatusOK)
}

type snsEnvelope struct {
	Type         string `json:"Type"`
	MessageID    string `json:"MessageId"`
	TopicArn     string `json:"TopicArn"`
	Message      string `json:"Message"`
	SubscribeURL string `json:"SubscribeURL"`
}

// handleSNS accepts SNS HTTP(S) deliveries and confirms new subscriptions.
func (s *HTTPServer) handleSNS(c *gin.Context) {
	body, ok := readBody(c)
	if !ok {
		return
	}
	var envelope snsEnvelope
	if err := json.Unmarshal(body, &envelope); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	ctx := log.IntoContext(c.Request.Context(), log.FromContext(c.Request.Context()).WithValues(
		"messageId", envelope.MessageID, "topicArn", envelope.TopicArn))

	switch envelope.Type {
	case "SubscriptionConfirmation":
		if err := s.confirmSubscription(ctx, envelope.SubscribeURL); err != nil {
			log.FromContext(ctx).Error(err, "Failed to confirm SNS subscription")
			c.JSON(http.StatusBadGateway, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "confirmed"})
	case "Notification":
		s.respond(c, s.dispatcher.Dispatch(ctx, []byte(envelope.Message)), http.StatusOK)
	case "UnsubscribeConfirmation":
		c.JSON(http.StatusOK, gin.H{"status": "ignored"})
	default:
		c.JSON(http.StatusBadRequest, gin.H{"error": fmt.Sprintf("unsupported SNS message type %q", envelope.Type)})
	}
}

func (s *HTTPServer) confirmSubscription(ctx context.Context, subscribeURL string) error {
	u, err := url.Parse(subscribeURL)
	if err != nil {
		return fmt.Errorf("invalid SubscribeURL: %w", err)
	}
	if u.Scheme != "https" || !strings.HasSuffix(u.Hostname(), ".amazonaws.com") {
		return fmt.Errorf("refusing to confirm subscription at %q", u.Host)
	}
	resp, err := s.confirm.R().SetContext(ctx).Get(subscribeURL)
	if err != nil {
		return err
	}
	if !resp.IsSuccess() {
		return fmt.Errorf("subscription confirmation returned status %d", resp.StatusCode())
	}
	log.FromContext(ctx).Info("Confirmed SNS subscription")
	return nil
}

func (s *HTTPServer) respond(c *gin.Context, res Result, dropStatus int) {
	switch res.Class {
	case pipeline.ClassOK:
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	case pipeline.ClassSkip:
		c.JSON(http.StatusOK, gin.H{"status": "skipped", "reason": res.Err.Error()})
	case pipeline.ClassWait:
		c.Header("Retry-After", strconv.Itoa(int(s.config.RetryAfter.Seconds())))
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "waiting", "reason": res.Err.Error()})
	case pipeline.ClassRetry:
		c.JSON(http.StatusInternalServerError, gin.H{"status": "retry", "error": res.Err.Error()})
	default:
		c.JSON(dropStatus, gin.H{"status": "dropped", "error": res.Err.Error()})
	}
}
