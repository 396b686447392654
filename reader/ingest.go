package reader

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"fraudflow/internal/channel"
	"fraudflow/logger"
	"fraudflow/models"
)

// Config holds the ingest feed settings.
type Config struct {
	URL               string
	Source            string
	RequestsPerSecond float64
	BurstSize         int
	ReconnectDelay    time.Duration
}

// Ingest consumes transaction JSON payloads from a websocket feed and forwards
// them into the raw channel. A dropped connection is re-established
// automatically until the context is cancelled; malformed payloads are skipped
// and counted, never propagated.
type Ingest struct {
	cfg      Config
	channels *channel.Channels
	limiter  *rate.Limiter
	ctx      context.Context
	wg       *sync.WaitGroup
	mu       sync.RWMutex
	running  bool
	log      *logger.Log

	// Metrics
	messagesRead  int64
	malformedSeen int64
	reconnects    int64
}

// NewIngest creates the ingest reader.
func NewIngest(cfg Config, ch *channel.Channels) *Ingest {
	if cfg.Source == "" {
		cfg.Source = "websocket"
	}
	if cfg.ReconnectDelay <= 0 {
		cfg.ReconnectDelay = 5 * time.Second
	}

	rps := cfg.RequestsPerSecond
	if rps <= 0 {
		rps = 100
	}
	burst := cfg.BurstSize
	if burst <= 0 {
		burst = 1
	}

	return &Ingest{
		cfg:      cfg,
		channels: ch,
		limiter:  rate.NewLimiter(rate.Limit(rps), burst),
		wg:       &sync.WaitGroup{},
		log:      logger.GetLogger(),
	}
}

// Start launches the stream loop.
func (r *Ingest) Start(ctx context.Context) error {
	r.mu.Lock()
	if r.running {
		r.mu.Unlock()
		return fmt.Errorf("ingest reader already running")
	}
	r.running = true
	r.ctx = ctx
	r.mu.Unlock()

	log := r.log.WithComponent("ingest_reader").WithFields(logger.Fields{"operation": "start"})

	if r.cfg.URL == "" {
		log.Warn("no ingest url configured")
		return fmt.Errorf("ingest url is required")
	}

	log.WithFields(logger.Fields{"url": r.cfg.URL, "source": r.cfg.Source}).Info("starting ingest reader")

	r.wg.Add(1)
	go r.stream()

	log.Info("ingest reader started successfully")
	return nil
}

// Stop waits for the stream loop to exit.
func (r *Ingest) Stop() {
	r.mu.Lock()
	r.running = false
	r.mu.Unlock()

	r.log.WithComponent("ingest_reader").Info("stopping ingest reader")
	r.wg.Wait()
	r.log.WithComponent("ingest_reader").Info("ingest reader stopped")
}

// stream handles the websocket lifecycle, reconnection and forwarding.
func (r *Ingest) stream() {
	defer r.wg.Done()

	log := r.log.WithComponent("ingest_reader").WithFields(logger.Fields{
		"url":    r.cfg.URL,
		"worker": "ingest_stream",
	})

	for {
		if r.ctx.Err() != nil {
			return
		}

		dialer := websocket.Dialer{}
		conn, _, err := dialer.Dial(r.cfg.URL, nil)
		if err != nil {
			r.mu.Lock()
			r.reconnects++
			r.mu.Unlock()
			log.WithError(err).Warn("failed to connect websocket, retrying")
			select {
			case <-time.After(r.cfg.ReconnectDelay):
				continue
			case <-r.ctx.Done():
				return
			}
		}

		r.readLoop(conn, log)
		conn.Close()

		if r.ctx.Err() != nil {
			return
		}
		r.mu.Lock()
		r.reconnects++
		r.mu.Unlock()
		select {
		case <-time.After(r.cfg.ReconnectDelay):
		case <-r.ctx.Done():
			return
		}
	}
}

func (r *Ingest) readLoop(conn *websocket.Conn, log *logger.Entry) {
	// Unblock ReadMessage when the context is cancelled.
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-r.ctx.Done():
			conn.Close()
		case <-done:
		}
	}()

	for {
		if err := r.limiter.Wait(r.ctx); err != nil {
			return
		}

		_, msg, err := conn.ReadMessage()
		if err != nil {
			if r.ctx.Err() == nil {
				log.WithError(err).Warn("websocket read error, reconnecting")
			}
			return
		}
		r.handlePayload(msg)
	}
}

// handlePayload validates the payload decodes as a transaction before
// forwarding the raw bytes. Full validation happens in the pipeline; the
// reader only rejects payloads that cannot be a transaction at all.
func (r *Ingest) handlePayload(payload []byte) {
	log := r.log.WithComponent("ingest_reader")

	var tx models.Transaction
	if err := json.Unmarshal(payload, &tx); err != nil || tx.ID == "" {
		r.mu.Lock()
		r.malformedSeen++
		r.mu.Unlock()
		log.WithError(err).WithFields(logger.Fields{
			"payload_size": len(payload),
		}).Warn("malformed payload, skipping")
		return
	}

	msg := models.RawTransactionMessage{
		Source:    r.cfg.Source,
		Data:      payload,
		Timestamp: time.Now(),
	}
	if r.channels.SendRaw(r.ctx, msg) {
		r.mu.Lock()
		r.messagesRead++
		r.mu.Unlock()
		logger.IncrementIngestRead(len(payload))
	} else if r.ctx.Err() == nil {
		log.WithFields(logger.Fields{"transaction_id": tx.ID}).Warn("raw channel full, dropping message")
	}
}

// Stats reports the reader's counters.
func (r *Ingest) Stats() (read, malformed, reconnects int64) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.messagesRead, r.malformedSeen, r.reconnects
}
