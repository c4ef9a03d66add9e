package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	EndpointResponses = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "endpoint_responses_total",
		Help: "The total number of status endpoint responses",
	}, []string{"endpoint", "status_code"})

	EndpointDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "endpoint_request_duration_seconds",
		Help:    "Time spent serving status endpoint requests",
		Buckets: prometheus.DefBuckets,
	}, []string{"endpoint"})

	// Device memory metrics
	DeviceMemoryBytes = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "device_memory_allocated_bytes",
		Help: "Bytes currently allocated by a device, by placement (device or host)",
	}, []string{"device", "placement"})

	DeviceAllocations = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "device_allocations_total",
		Help: "Total number of allocations by placement (device, host or failed)",
	}, []string{"device", "placement"})

	DeviceEvictions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "device_evictions_total",
		Help: "Total number of allocations relocated from device to host memory",
	}, []string{"device"})

	DeviceEvictedBytes = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "device_evicted_bytes_total",
		Help: "Total bytes relocated from device to host memory",
	}, []string{"device"})

	DeviceTextureSlots = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "device_texture_slots",
		Help: "Size of the texture metadata table of a device",
	}, []string{"device"})

	// Kernel metrics
	KernelResolutions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "kernel_resolutions_total",
		Help: "Total number of kernel artifact resolutions by source",
	}, []string{"source"})

	KernelCompileDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "kernel_compile_duration_seconds",
		Help:    "Duration of local kernel compilations in seconds",
		Buckets: prometheus.ExponentialBuckets(1, 2, 12), // 1s to ~34min
	})
)
