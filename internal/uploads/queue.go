// Package uploads delivers recorded segments at least once. Attempts that
// fail for any reason are persisted and replayed when connectivity returns.
package uploads

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"net/url"
	"sync"
	"time"

	"github.com/MarcoPoloResearchLab/lectern/internal/announce"
	"github.com/MarcoPoloResearchLab/lectern/internal/lane"
	"github.com/MarcoPoloResearchLab/lectern/internal/store"
	"go.uber.org/zap"
)

const (
	// PendingKey stores the process-wide list of undelivered segments.
	PendingKey = "pending-uploads"

	defaultTimeout       = 5 * time.Minute
	defaultBeaconTimeout = 5 * time.Second
	defaultReplayPeriod  = 30 * time.Second
	defaultMimeType      = "audio/webm"
	defaultFilename      = "segment.webm"
	maxDiagnosticBody    = 4 << 10
)

// ErrInvalidUpload indicates an upload missing its target or payload.
var ErrInvalidUpload = errors.New("uploads: invalid upload")

// PendingItem is one persisted delivery attempt.
type PendingItem struct {
	ID              string `json:"id"`
	URL             string `json:"url"`
	Token           string `json:"token,omitempty"`
	Timestamp       string `json:"timestamp"`
	AudioBuffer     []byte `json:"audioBuffer"`
	MimeType        string `json:"mimeType"`
	Filename        string `json:"filename"`
	QueuedAtSeconds int64  `json:"queuedAt"`
}

// SegmentUpload describes one segment delivery.
type SegmentUpload struct {
	URL       string
	Token     string
	Timestamp string
	Audio     []byte
	MimeType  string
	Filename  string
	// Timeout overrides the queue's hard timeout when positive.
	Timeout time.Duration
}

// Delivery reports how UploadSegment disposed of a segment.
type Delivery string

const (
	DeliverySent   Delivery = "sent"
	DeliveryQueued Delivery = "queued"
)

// DrainResult summarizes one replay pass.
type DrainResult struct {
	Delivered int
	Retained  int
}

// Config describes a Queue.
type Config struct {
	Store         *store.Store
	HTTPClient    *http.Client
	Connectivity  Connectivity
	Timeout       time.Duration
	BeaconTimeout time.Duration
	IDProvider    IDProvider
	Announcer     announce.Announcer
	Clock         func() time.Time
	Logger        *zap.Logger
}

// Queue sends segments and persists every failed attempt. Sends, persistence
// and replay share one lane so the persisted list is never rewritten
// concurrently.
type Queue struct {
	store         *store.Store
	client        *http.Client
	connectivity  Connectivity
	timeout       time.Duration
	beaconTimeout time.Duration
	ids           IDProvider
	announcer     announce.Announcer
	clock         func() time.Time
	logger        *zap.Logger
	lane          *lane.Lane
}

// NewQueue validates dependencies and constructs the queue.
func NewQueue(cfg Config) (*Queue, error) {
	if cfg.Store == nil {
		return nil, errors.New("uploads: store is required")
	}
	client := cfg.HTTPClient
	if client == nil {
		client = http.DefaultClient
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	beaconTimeout := cfg.BeaconTimeout
	if beaconTimeout <= 0 {
		beaconTimeout = defaultBeaconTimeout
	}
	ids := cfg.IDProvider
	if ids == nil {
		ids = NewUUIDProvider()
	}
	var announcer announce.Announcer = announce.Nop{}
	if cfg.Announcer != nil {
		announcer = cfg.Announcer
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Queue{
		store:         cfg.Store,
		client:        client,
		connectivity:  cfg.Connectivity,
		timeout:       timeout,
		beaconTimeout: beaconTimeout,
		ids:           ids,
		announcer:     announcer,
		clock:         clock,
		logger:        logger,
		lane:          lane.New(),
	}, nil
}

// UploadSegment delivers upload now or persists it for replay. The returned
// error is non-nil only when the segment could be neither sent nor persisted.
func (q *Queue) UploadSegment(ctx context.Context, upload SegmentUpload) (Delivery, error) {
	var delivery Delivery
	err := q.lane.Do(ctx, func(ctx context.Context) error {
		var err error
		delivery, err = q.uploadSegment(ctx, upload)
		return err
	})
	return delivery, err
}

// Enqueue schedules upload on the queue's lane without waiting for it.
func (q *Queue) Enqueue(ctx context.Context, upload SegmentUpload) <-chan error {
	return q.lane.Submit(ctx, func(ctx context.Context) error {
		_, err := q.uploadSegment(ctx, upload)
		return err
	})
}

func (q *Queue) uploadSegment(ctx context.Context, upload SegmentUpload) (Delivery, error) {
	item, err := q.newItem(upload)
	if err != nil {
		return "", err
	}
	logger := q.logger.With(zap.String("url", item.URL), zap.String("timestamp", item.Timestamp))

	if !q.online() {
		logger.Info("offline; segment queued for replay")
		return DeliveryQueued, q.persist(ctx, item)
	}

	timeout := q.timeout
	if upload.Timeout > 0 {
		timeout = upload.Timeout
	}
	if err := q.send(ctx, item, timeout); err != nil {
		logger.Warn("segment upload failed; queued for replay", zap.Error(err))
		if perr := q.persist(ctx, item); perr != nil {
			return "", perr
		}
		return DeliveryQueued, nil
	}
	logger.Debug("segment uploaded", zap.Int("size_bytes", len(item.AudioBuffer)))
	return DeliverySent, nil
}

// Drain replays every persisted item. Items are retained while offline or
// while delivery keeps failing and dropped once delivered.
func (q *Queue) Drain(ctx context.Context) (DrainResult, error) {
	var result DrainResult
	err := q.lane.Do(ctx, func(ctx context.Context) error {
		var err error
		result, err = q.drain(ctx)
		return err
	})
	return result, err
}

func (q *Queue) drain(ctx context.Context) (DrainResult, error) {
	items, _, err := store.LoadJSON[[]PendingItem](ctx, q.store, PendingKey)
	if err != nil {
		return DrainResult{}, err
	}
	if len(items) == 0 {
		return DrainResult{}, nil
	}

	delivered := make(map[string]struct{}, len(items))
	for _, item := range items {
		if !q.online() {
			continue
		}
		if err := q.send(ctx, item, q.timeout); err != nil {
			q.logger.Warn("queued segment replay failed",
				zap.String("id", item.ID),
				zap.String("url", item.URL),
				zap.Error(err))
			continue
		}
		delivered[item.ID] = struct{}{}
	}

	var result DrainResult
	err = store.ModifyJSON(ctx, q.store, PendingKey, func(current []PendingItem, _ bool) ([]PendingItem, bool, error) {
		retained := current[:0]
		for _, item := range current {
			if _, ok := delivered[item.ID]; ok {
				continue
			}
			retained = append(retained, item)
		}
		result = DrainResult{Delivered: len(delivered), Retained: len(retained)}
		return retained, len(retained) > 0, nil
	})
	if err != nil {
		return DrainResult{}, err
	}
	if result.Delivered > 0 {
		q.logger.Info("queued segments replayed",
			zap.Int("delivered", result.Delivered),
			zap.Int("retained", result.Retained))
		q.announcer.Announce(announce.Info(fmt.Sprintf("Uploaded %d saved recording segments", result.Delivered)))
	}
	return result, nil
}

// Pending returns the persisted items in queue order.
func (q *Queue) Pending(ctx context.Context) ([]PendingItem, error) {
	items, _, err := store.LoadJSON[[]PendingItem](ctx, q.store, PendingKey)
	return items, err
}

// DrainOnReconnect replays the queue whenever monitor reports connectivity
// returning. The returned function stops watching.
func (q *Queue) DrainOnReconnect(monitor *Monitor) func() {
	return monitor.OnOnline(func() {
		q.lane.Submit(context.Background(), func(ctx context.Context) error {
			_, err := q.drain(ctx)
			if err != nil {
				q.logger.Error("queue replay after reconnect failed", zap.Error(err))
			}
			return err
		})
	})
}

// ReplayPending drains the queue once and then every interval while items
// remain and the client is online. It returns when ctx ends.
func (q *Queue) ReplayPending(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = defaultReplayPeriod
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		q.replayIfPending(ctx)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (q *Queue) replayIfPending(ctx context.Context) {
	if ctx.Err() != nil || !q.online() {
		return
	}
	items, err := q.Pending(ctx)
	if err != nil {
		q.logger.Warn("queue replay could not read queue", zap.Error(err))
		return
	}
	if len(items) == 0 {
		return
	}
	if _, err := q.Drain(ctx); err != nil && ctx.Err() == nil {
		q.logger.Warn("queue replay failed", zap.Error(err))
	}
}

// FlushBeacons makes one last unconfirmed attempt for every persisted item
// using token query authentication. Items stay persisted.
func (q *Queue) FlushBeacons(ctx context.Context) int {
	items, err := q.Pending(ctx)
	if err != nil {
		q.logger.Warn("beacon flush could not read queue", zap.Error(err))
		return 0
	}
	var wg sync.WaitGroup
	for _, item := range items {
		target, err := beaconURL(item.URL, item.Token)
		if err != nil {
			q.logger.Warn("beacon url rejected", zap.String("url", item.URL), zap.Error(err))
			continue
		}
		wg.Add(1)
		go func(item PendingItem) {
			defer wg.Done()
			beaconCtx, cancel := context.WithTimeout(ctx, q.beaconTimeout)
			defer cancel()
			item.URL = target
			item.Token = ""
			if err := q.post(beaconCtx, item); err != nil {
				q.logger.Debug("beacon not confirmed", zap.String("id", item.ID), zap.Error(err))
			}
		}(item)
	}
	wg.Wait()
	return len(items)
}

// Close waits for queued sends to finish.
func (q *Queue) Close() {
	q.lane.Close()
}

func (q *Queue) online() bool {
	return q.connectivity == nil || q.connectivity.Online()
}

func (q *Queue) newItem(upload SegmentUpload) (PendingItem, error) {
	if upload.URL == "" {
		return PendingItem{}, fmt.Errorf("%w: missing url", ErrInvalidUpload)
	}
	if len(upload.Audio) == 0 {
		return PendingItem{}, fmt.Errorf("%w: empty audio", ErrInvalidUpload)
	}
	id, err := q.ids.NewID()
	if err != nil {
		return PendingItem{}, fmt.Errorf("uploads: item id: %w", err)
	}
	mimeType := upload.MimeType
	if mimeType == "" {
		mimeType = defaultMimeType
	}
	filename := upload.Filename
	if filename == "" {
		filename = defaultFilename
	}
	return PendingItem{
		ID:              id,
		URL:             upload.URL,
		Token:           upload.Token,
		Timestamp:       upload.Timestamp,
		AudioBuffer:     upload.Audio,
		MimeType:        mimeType,
		Filename:        filename,
		QueuedAtSeconds: q.clock().UTC().Unix(),
	}, nil
}

func (q *Queue) persist(ctx context.Context, item PendingItem) error {
	err := store.ModifyJSON(ctx, q.store, PendingKey, func(current []PendingItem, _ bool) ([]PendingItem, bool, error) {
		return append(current, item), true, nil
	})
	if err != nil {
		q.logger.Error("segment could not be persisted", zap.String("id", item.ID), zap.Error(err))
		return fmt.Errorf("uploads: persist: %w", err)
	}
	return nil
}

func (q *Queue) send(ctx context.Context, item PendingItem, timeout time.Duration) error {
	sendCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	err := q.post(sendCtx, item)
	if err != nil && errors.Is(sendCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
		return fmt.Errorf("uploads: timed out after %s: %w", timeout, err)
	}
	return err
}

func (q *Queue) post(ctx context.Context, item PendingItem) error {
	body, contentType, err := encodeForm(item)
	if err != nil {
		return err
	}
	request, err := http.NewRequestWithContext(ctx, http.MethodPost, item.URL, body)
	if err != nil {
		return err
	}
	request.Header.Set("Content-Type", contentType)
	if item.Token != "" {
		request.Header.Set("Authorization", "Bearer "+item.Token)
	}
	response, err := q.client.Do(request)
	if err != nil {
		return err
	}
	defer response.Body.Close()
	if response.StatusCode < 200 || response.StatusCode > 299 {
		diagnostic, _ := io.ReadAll(io.LimitReader(response.Body, maxDiagnosticBody))
		return &StatusError{StatusCode: response.StatusCode, Body: string(diagnostic)}
	}
	_, _ = io.Copy(io.Discard, response.Body)
	return nil
}

// StatusError reports a non-success response.
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("uploads: server responded %d", e.StatusCode)
}

func encodeForm(item PendingItem) (*bytes.Buffer, string, error) {
	var body bytes.Buffer
	writer := multipart.NewWriter(&body)
	header := make(textproto.MIMEHeader)
	header.Set("Content-Disposition", fmt.Sprintf(`form-data; name="audio"; filename=%q`, item.Filename))
	header.Set("Content-Type", item.MimeType)
	part, err := writer.CreatePart(header)
	if err != nil {
		return nil, "", err
	}
	if _, err := part.Write(item.AudioBuffer); err != nil {
		return nil, "", err
	}
	if err := writer.WriteField("timestamp", item.Timestamp); err != nil {
		return nil, "", err
	}
	if err := writer.Close(); err != nil {
		return nil, "", err
	}
	return &body, writer.FormDataContentType(), nil
}

func beaconURL(raw, token string) (string, error) {
	parsed, err := url.Parse(raw)
	if err != nil {
		return "", err
	}
	query := parsed.Query()
	query.Set("beacon", "1")
	if token != "" {
		query.Set("token", token)
	}
	parsed.RawQuery = query.Encode()
	return parsed.String(), nil
}
