package channel

import (
	"context"
	"sync"
	"time"

	"fraudflow/logger"
	"fraudflow/models"
)

// ChannelStats tracks flow through the pipeline channels.
type ChannelStats struct {
	RawSent        int64
	RawDropped     int64
	ResultsSent    int64
	ResultsDropped int64
}

// Channels carries transactions from the ingest reader into the pipeline and
// results from the pipeline to the archive writer.
type Channels struct {
	Raw     chan models.RawTransactionMessage
	Results chan models.PipelineResult

	stats      ChannelStats
	statsMutex sync.RWMutex
	log        *logger.Log
}

// NewChannels allocates the buffered channels.
func NewChannels(rawBufferSize, resultBufferSize int) *Channels {
	log := logger.GetLogger()
	c := &Channels{
		Raw:     make(chan models.RawTransactionMessage, rawBufferSize),
		Results: make(chan models.PipelineResult, resultBufferSize),
		log:     log,
	}

	log.WithComponent("channels").WithFields(logger.Fields{
		"raw_buffer_size":    rawBufferSize,
		"result_buffer_size": resultBufferSize,
	}).Info("pipeline channels initialized")

	return c
}

// CloseRaw closes the raw channel. The ingest side must have stopped first.
func (c *Channels) CloseRaw() {
	close(c.Raw)
	c.log.WithComponent("channels").Info("raw channel closed")
}

// CloseResults closes the result channel. The pipeline must have stopped
// first.
func (c *Channels) CloseResults() {
	close(c.Results)
	c.log.WithComponent("channels").Info("result channel closed")
}

// Close closes both channels. Senders must have stopped first.
func (c *Channels) Close() {
	c.CloseRaw()
	c.CloseResults()
}

// SendRaw delivers a raw transaction payload without blocking; a full buffer
// drops the message and counts it.
func (c *Channels) SendRaw(ctx context.Context, msg models.RawTransactionMessage) bool {
	select {
	case c.Raw <- msg:
		c.increment(func(s *ChannelStats) { s.RawSent++ })
		logger.RecordChannelMessage("raw", len(msg.Data))
		return true
	case <-ctx.Done():
		return false
	default:
		c.increment(func(s *ChannelStats) { s.RawDropped++ })
		return false
	}
}

// SendResult delivers a pipeline result without blocking; a full buffer
// drops the result and counts it.
func (c *Channels) SendResult(ctx context.Context, res models.PipelineResult) bool {
	select {
	case c.Results <- res:
		c.increment(func(s *ChannelStats) { s.ResultsSent++ })
		logger.RecordChannelMessage("results", 0)
		return true
	case <-ctx.Done():
		return false
	default:
		c.increment(func(s *ChannelStats) { s.ResultsDropped++ })
		return false
	}
}

func (c *Channels) increment(apply func(*ChannelStats)) {
	c.statsMutex.Lock()
	apply(&c.stats)
	c.statsMutex.Unlock()
}

// GetStats returns a copy of the current counters.
func (c *Channels) GetStats() ChannelStats {
	c.statsMutex.RLock()
	defer c.statsMutex.RUnlock()
	return c.stats
}

// StartMetricsReporting logs channel depth and counters every 30 seconds
// until the context is cancelled.
func (c *Channels) StartMetricsReporting(ctx context.Context) {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			stats := c.GetStats()
			c.log.WithComponent("channels").WithFields(logger.Fields{
				"raw_len":         len(c.Raw),
				"raw_cap":         cap(c.Raw),
				"results_len":     len(c.Results),
				"results_cap":     cap(c.Results),
				"raw_sent":        stats.RawSent,
				"raw_dropped":     stats.RawDropped,
				"results_sent":    stats.ResultsSent,
				"results_dropped": stats.ResultsDropped,
			}).Info("channel metrics")
		}
	}
}
