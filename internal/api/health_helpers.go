package api

import (
	"context"
	"net/http"
	"os"
	"runtime"
)

type componentStatus struct {
	Component string `json:"component"`
	Status    string `json:"status"`
	Error     string `json:"error,omitempty"`
}

func (h *Handler) componentHealth(ctx context.Context) ([]componentStatus, string, int) {
	overallStatus := "ok"
	statusCode := http.StatusOK
	recordComponent := func(component string, err error) componentStatus {
		status := "ok"
		message := ""
		if err != nil {
			status = "degraded"
			message = err.Error()
			overallStatus = "degraded"
			statusCode = http.StatusServiceUnavailable
		}
		return componentStatus{Component: component, Status: status, Error: message}
	}

	ctx, cancel := context.WithTimeout(ctx, dependencyTimeout)
	defer cancel()

	components := make([]componentStatus, 0, 5)
	if h.Resolver != nil {
		components = append(components, recordComponent("resolver", h.Resolver.Ping(ctx)))
	}
	if h.Transcoder != nil {
		components = append(components, recordComponent("ffmpeg", h.Transcoder.Check(ctx)))
	}
	if h.Scratch != nil {
		components = append(components, recordComponent("scratch", h.Scratch.CheckWritable()))
	}
	if h.RateLimiter != nil {
		components = append(components, recordComponent("rate_limiter", h.RateLimiter.Ping(ctx)))
	}
	if h.History != nil {
		components = append(components, recordComponent("history", h.History.Ping(ctx)))
	}

	return components, overallStatus, statusCode
}

type memoryStats struct {
	AllocMB     uint64 `json:"allocMB"`
	HeapInUseMB uint64 `json:"heapInUseMB"`
	SysMB       uint64 `json:"sysMB"`
	NumGC       uint32 `json:"numGC"`
}

type runtimeStats struct {
	GoVersion  string      `json:"goVersion"`
	Goroutines int         `json:"goroutines"`
	CPUs       int         `json:"cpus"`
	PID        int         `json:"pid"`
	Memory     memoryStats `json:"memory"`
}

func readRuntimeStats() runtimeStats {
	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)
	const mb = 1 << 20
	return runtimeStats{
		GoVersion:  runtime.Version(),
		Goroutines: runtime.NumGoroutine(),
		CPUs:       runtime.NumCPU(),
		PID:        os.Getpid(),
		Memory: memoryStats{
			AllocMB:     ms.Alloc / mb,
			HeapInUseMB: ms.HeapInuse / mb,
			SysMB:       ms.Sys / mb,
			NumGC:       ms.NumGC,
		},
	}
}

type scratchDirStats struct {
	Dir     string `json:"dir"`
	Exists  bool   `json:"exists"`
	Files   int    `json:"files"`
	Bytes   int64  `json:"bytes"`
	TotalMB int64  `json:"totalMB"`
}

// scratchDirectory inspects the directory itself, so files left behind by
// anything other than the manager are counted too.
func (h *Handler) scratchDirectory() scratchDirStats {
	if h.Scratch == nil {
		return scratchDirStats{}
	}
	stats := scratchDirStats{Dir: h.Scratch.Dir()}
	entries, err := os.ReadDir(stats.Dir)
	if err != nil {
		return stats
	}
	stats.Exists = true
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		stats.Files++
		stats.Bytes += info.Size()
	}
	stats.TotalMB = stats.Bytes >> 20
	return stats
}
