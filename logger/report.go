package logger

import (
	"context"
	"runtime"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/disk"
	"github.com/shirou/gopsutil/v3/mem"
	gnet "github.com/shirou/gopsutil/v3/net"
)

type channelStat struct {
	messages int64
	bytes    int64
}

var (
	errorsIngest    int64
	errorsPipeline  int64
	errorsArchive   int64
	warnsIngest     int64
	warnsPipeline   int64
	warnsArchive    int64
	ingestReads     int64
	archiveWrites   int64
	channels        sync.Map // map[string]*channelStat
)

func recordWarn(component string) {
	switch {
	case strings.Contains(component, "ingest"):
		atomic.AddInt64(&warnsIngest, 1)
	case strings.Contains(component, "archive"):
		atomic.AddInt64(&warnsArchive, 1)
	case strings.Contains(component, "orchestrator"):
		atomic.AddInt64(&warnsPipeline, 1)
	}
}

func recordError(component string) {
	switch {
	case strings.Contains(component, "ingest"):
		atomic.AddInt64(&errorsIngest, 1)
	case strings.Contains(component, "archive"):
		atomic.AddInt64(&errorsArchive, 1)
	case strings.Contains(component, "orchestrator"):
		atomic.AddInt64(&errorsPipeline, 1)
	}
}

// IncrementIngestRead counts a consumed ingest payload.
func IncrementIngestRead(size int) {
	atomic.AddInt64(&ingestReads, 1)
	recordChannel("ingest_ws", size)
}

// IncrementArchiveWrite counts an uploaded archive object.
func IncrementArchiveWrite(size int64) {
	atomic.AddInt64(&archiveWrites, 1)
	recordChannel("s3_archive_write", int(size))
}

func RecordChannelMessage(name string, size int) {
	recordChannel(name, size)
}

func recordChannel(name string, size int) {
	v, _ := channels.LoadOrStore(name, &channelStat{})
	cs := v.(*channelStat)
	atomic.AddInt64(&cs.messages, 1)
	atomic.AddInt64(&cs.bytes, int64(size))
}

func startReport(ctx context.Context, log *Log, interval time.Duration) {
	ticker := time.NewTicker(interval)
	go func() {
		for {
			select {
			case <-ctx.Done():
				ticker.Stop()
				return
			case <-ticker.C:
				logReport(log)
			}
		}
	}()
}

// StartReport begins periodic logging of system and channel statistics.
// It exposes the internal startReport function for use by other packages.
func StartReport(ctx context.Context, log *Log, interval time.Duration) {
	startReport(ctx, log, interval)
}

func logReport(log *Log) {
	cpuPercent, _ := cpu.Percent(0, false)
	memStats, _ := mem.VirtualMemory()
	diskStats, _ := disk.Usage("/")
	netStats, _ := gnet.IOCounters(false)
	channelData := map[string]map[string]int64{}
	channels.Range(func(k, v any) bool {
		name := k.(string)
		cs := v.(*channelStat)
		channelData[name] = map[string]int64{
			"messages": atomic.LoadInt64(&cs.messages),
			"bytes":    atomic.LoadInt64(&cs.bytes),
		}
		return true
	})

	cpuPct := 0.0
	if len(cpuPercent) > 0 {
		cpuPct = cpuPercent[0]
	}

	bytesSent := uint64(0)
	bytesRecv := uint64(0)
	if len(netStats) > 0 {
		bytesSent = netStats[0].BytesSent
		bytesRecv = netStats[0].BytesRecv
	}

	fields := Fields{
		"errors_ingest":   atomic.LoadInt64(&errorsIngest),
		"errors_pipeline": atomic.LoadInt64(&errorsPipeline),
		"errors_archive":  atomic.LoadInt64(&errorsArchive),
		"warns_ingest":    atomic.LoadInt64(&warnsIngest),
		"warns_pipeline":  atomic.LoadInt64(&warnsPipeline),
		"warns_archive":   atomic.LoadInt64(&warnsArchive),
		"ingest_reads":    atomic.LoadInt64(&ingestReads),
		"archive_writes":  atomic.LoadInt64(&archiveWrites),
		"goroutines":      runtime.NumGoroutine(),
		"cpu_percent":     cpuPct,
		"memory_mb":       int64(memStats.Used) / 1024 / 1024,
		"disk_mb":         int64(diskStats.Used) / 1024 / 1024,
		"channels":        channelData,
		"net_bytes_sent":  int64(bytesSent),
		"net_bytes_recv":  int64(bytesRecv),
	}

	log.WithComponent("report").WithFields(fields).Info("runtime report")
}
