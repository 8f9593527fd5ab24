package logger

import (
	"context"
	"runtime"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"
	gnet "github.com/shirou/gopsutil/v3/net"

	"github.com/aws/aws-sdk-go-v2/aws"
	cwtypes "github.com/aws/aws-sdk-go-v2/service/cloudwatch/types"
)

type channelStat struct {
	messages int64
	bytes    int64
}

var (
	warnsByComponent  sync.Map // component -> *int64
	errorsByComponent sync.Map
	counters          sync.Map // counter name -> *int64
	channels          sync.Map // channel name -> *channelStat
)

// Counter names reported to CloudWatch by the runtime report.
const (
	CounterFramesReceived = "frames_received"
	CounterQueueDropped   = "queue_dropped"
	CounterReconnects     = "reconnects"
	CounterRateLimited    = "rate_limited"
	CounterPolls          = "polls"
)

var cloudwatchCounterNames = map[string]string{
	CounterFramesReceived: "Feed-FramesReceived",
	CounterQueueDropped:   "Feed-QueueDropped",
	CounterReconnects:     "Feed-Reconnects",
	CounterRateLimited:    "Feed-RateLimited",
	CounterPolls:          "Feed-Polls",
}

func bump(m *sync.Map, key string, delta int64) {
	if key == "" {
		return
	}
	v, _ := m.LoadOrStore(key, new(int64))
	atomic.AddInt64(v.(*int64), delta)
}

func recordWarn(component string)  { bump(&warnsByComponent, component, 1) }
func recordError(component string) { bump(&errorsByComponent, component, 1) }

// IncrementCounter adds delta to a named process-wide counter.
func IncrementCounter(name string, delta int64) {
	bump(&counters, name, delta)
}

// CounterValue returns the current value of a named counter.
func CounterValue(name string) int64 {
	v, ok := counters.Load(name)
	if !ok {
		return 0
	}
	return atomic.LoadInt64(v.(*int64))
}

// RecordChannelMessage accounts one message of size bytes on a named stream.
func RecordChannelMessage(name string, size int) {
	v, _ := channels.LoadOrStore(name, &channelStat{})
	cs := v.(*channelStat)
	atomic.AddInt64(&cs.messages, 1)
	atomic.AddInt64(&cs.bytes, int64(size))
}

func snapshotMap(m *sync.Map) map[string]int64 {
	out := map[string]int64{}
	m.Range(func(k, v any) bool {
		out[k.(string)] = atomic.LoadInt64(v.(*int64))
		return true
	})
	return out
}

// StartReport logs a runtime report every interval until ctx is done.
func StartReport(ctx context.Context, log *Log, interval time.Duration) {
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				logReport(ctx, log)
			}
		}
	}()
}

func logReport(ctx context.Context, log *Log) {
	cpuPercent, _ := cpu.Percent(0, false)
	memStats, _ := mem.VirtualMemory()
	netStats, _ := gnet.IOCounters(false)

	channelData := map[string]map[string]int64{}
	channels.Range(func(k, v any) bool {
		cs := v.(*channelStat)
		channelData[k.(string)] = map[string]int64{
			"messages": atomic.LoadInt64(&cs.messages),
			"bytes":    atomic.LoadInt64(&cs.bytes),
		}
		return true
	})

	cpuPct := 0.0
	if len(cpuPercent) > 0 {
		cpuPct = cpuPercent[0]
	}
	memMB := 0.0
	if memStats != nil {
		memMB = float64(memStats.Used) / 1024 / 1024
	}
	var bytesSent, bytesRecv uint64
	if len(netStats) > 0 {
		bytesSent = netStats[0].BytesSent
		bytesRecv = netStats[0].BytesRecv
	}

	counterData := snapshotMap(&counters)
	log.WithComponent("report").WithFields(Fields{
		"warns":          snapshotMap(&warnsByComponent),
		"errors":         snapshotMap(&errorsByComponent),
		"counters":       counterData,
		"channels":       channelData,
		"goroutines":     runtime.NumGoroutine(),
		"cpu_percent":    cpuPct,
		"memory_mb":      int64(memMB),
		"net_bytes_sent": int64(bytesSent),
		"net_bytes_recv": int64(bytesRecv),
	}).Info("runtime report")

	data := []cwtypes.MetricDatum{
		{MetricName: aws.String("Feed-CPUPercent"), Unit: cwtypes.StandardUnitPercent, Value: aws.Float64(cpuPct)},
		{MetricName: aws.String("Feed-MemoryMB"), Unit: cwtypes.StandardUnitMegabytes, Value: aws.Float64(memMB)},
		{MetricName: aws.String("Feed-NetBytesSent"), Unit: cwtypes.StandardUnitBytes, Value: aws.Float64(float64(bytesSent))},
		{MetricName: aws.String("Feed-NetBytesRecv"), Unit: cwtypes.StandardUnitBytes, Value: aws.Float64(float64(bytesRecv))},
	}

	names := make([]string, 0, len(counterData))
	for name := range counterData {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		metric, ok := cloudwatchCounterNames[name]
		if !ok {
			continue
		}
		data = append(data, cwtypes.MetricDatum{
			MetricName: aws.String(metric),
			Unit:       cwtypes.StandardUnitCount,
			Value:      aws.Float64(float64(counterData[name])),
		})
	}

	for name, stats := range channelData {
		data = append(data, cwtypes.MetricDatum{
			MetricName: aws.String("Feed-ChannelMessages"),
			Unit:       cwtypes.StandardUnitCount,
			Dimensions: []cwtypes.Dimension{{Name: aws.String("Channel"), Value: aws.String(name)}},
			Value:      aws.Float64(float64(stats["messages"])),
		})
	}

	publishMetrics(ctx, data)
}
