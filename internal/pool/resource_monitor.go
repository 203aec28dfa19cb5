package pool

import (
	"context"
	"fmt"
	"runtime"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"
)

const mb = 1024 * 1024

// ResourceMonitor 系统资源监控器
// 职责: 采样系统内存和CPU,计算可同时存活的驱动上限
type ResourceMonitor struct {
	config ResourceMonitorConfig

	// 最近一次采样的系统可用内存(字节)
	availableMemory uint64
	totalMemory     uint64
	lastCPUUsage    float64

	mu sync.RWMutex

	cancelFunc context.CancelFunc
	done       chan struct{}
}

// ResourceMonitorConfig 资源监控器配置
type ResourceMonitorConfig struct {
	SafetyReserveMemory int64 // 安全保留内存(字节)
	DriverMemoryUsage   int64 // 单个驱动(浏览器进程)平均内存消耗(字节)
	CPULoadThreshold    int   // CPU负载阈值(%),>=200视为禁用
	MaxDriversLimit     int   // 绝对最大驱动数
}

// MemoryStatus 内存状态信息
type MemoryStatus struct {
	TotalMemory     uint64 // 系统总内存(字节)
	AvailableMemory int64  // 扣除安全保留后的可用内存(字节)
	SafetyReserve   int64  // 安全保留内存(字节)
	MemoryPressure  string // 内存压力等级
}

// NewResourceMonitor 创建资源监控器实例
func NewResourceMonitor(config ResourceMonitorConfig) *ResourceMonitor {
	if config.DriverMemoryUsage <= 0 {
		config.DriverMemoryUsage = 300 * mb
	}
	if config.CPULoadThreshold == 0 {
		config.CPULoadThreshold = 90
	}

	rm := &ResourceMonitor{config: config}
	rm.sampleMemory()

	rm.mu.RLock()
	total := rm.totalMemory
	rm.mu.RUnlock()
	log.Info().Msgf("系统总内存: %.2f GB", float64(total)/(1024*mb))

	return rm
}

// sampleMemory 使用gopsutil读取系统内存,失败时保留上一次的值
func (rm *ResourceMonitor) sampleMemory() {
	vmStat, err := mem.VirtualMemory()
	if err != nil {
		log.Warn().Err(err).Msg("获取系统内存失败")
		rm.mu.Lock()
		if rm.totalMemory == 0 {
			rm.totalMemory = 4 * 1024 * mb // 默认4GB
			rm.availableMemory = rm.totalMemory / 2
		}
		rm.mu.Unlock()
		return
	}

	rm.mu.Lock()
	rm.totalMemory = vmStat.Total
	rm.availableMemory = vmStat.Available
	rm.mu.Unlock()
}

// StartMonitoring 启动后台采样,重复调用无副作用
func (rm *ResourceMonitor) StartMonitoring(interval time.Duration) {
	rm.mu.Lock()
	defer rm.mu.Unlock()

	if rm.cancelFunc != nil {
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	rm.cancelFunc = cancel
	rm.done = make(chan struct{})

	go rm.monitoringLoop(ctx, interval, rm.done)
}

func (rm *ResourceMonitor) monitoringLoop(ctx context.Context, interval time.Duration, done chan struct{}) {
	defer close(done)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			rm.sampleMemory()

			cpuUsage := rm.getCPUUsage(ctx)
			rm.mu.Lock()
			rm.lastCPUUsage = cpuUsage
			rm.mu.Unlock()
		}
	}
}

// getCPUUsage 所有核心的平均CPU使用率(百分比)
func (rm *ResourceMonitor) getCPUUsage(ctx context.Context) float64 {
	percentages, err := cpu.PercentWithContext(ctx, 100*time.Millisecond, false)
	if err != nil {
		if ctx.Err() == nil {
			log.Warn().Err(err).Msg("获取CPU使用率失败")
		}
		return 0
	}
	if len(percentages) == 0 {
		return 0
	}
	return percentages[0]
}

// StopMonitoring 停止后台采样并等待采样goroutine退出
func (rm *ResourceMonitor) StopMonitoring() {
	rm.mu.Lock()
	cancel, done := rm.cancelFunc, rm.done
	rm.cancelFunc, rm.done = nil, nil
	rm.mu.Unlock()

	if cancel != nil {
		cancel()
		<-done
	}
}

// available 扣除安全保留后的可用内存
func (rm *ResourceMonitor) available() int64 {
	rm.mu.RLock()
	defer rm.mu.RUnlock()
	return int64(rm.availableMemory) - rm.config.SafetyReserveMemory
}

// CalculateMaxDrivers 根据可用内存和CPU核数计算驱动上限
// requested为配置的上限,结果不超过它且至少为1
func (rm *ResourceMonitor) CalculateMaxDrivers(requested int) int {
	result := requested

	byMemory := int(rm.available() / rm.config.DriverMemoryUsage)
	if byMemory < result {
		result = byMemory
	}

	// 每个浏览器进程至少占用一个核心
	if byCPU := runtime.NumCPU(); byCPU < result {
		result = byCPU
	}
	if rm.config.MaxDriversLimit > 0 && rm.config.MaxDriversLimit < result {
		result = rm.config.MaxDriversLimit
	}

	if result < 1 {
		result = 1
	}
	return result
}

// CheckResourceAvailability 检查当前资源是否适合再启动一个浏览器
func (rm *ResourceMonitor) CheckResourceAvailability() (canCreate bool, reason string) {
	available := rm.available()
	if available < rm.config.DriverMemoryUsage {
		return false, fmt.Sprintf("内存不足(当前%dMB)", available/mb)
	}

	if rm.config.CPULoadThreshold < 200 {
		rm.mu.RLock()
		cpuUsage := rm.lastCPUUsage
		rm.mu.RUnlock()

		if cpuUsage > float64(rm.config.CPULoadThreshold) {
			return false, fmt.Sprintf("CPU负载过高(当前%.1f%%)", cpuUsage)
		}
	}

	return true, ""
}

// GetMemoryStatus 获取当前内存状态
func (rm *ResourceMonitor) GetMemoryStatus() MemoryStatus {
	available := rm.available()

	var pressure string
	switch availableMB := available / mb; {
	case availableMB < 200:
		pressure = "emergency"
	case availableMB < 300:
		pressure = "critical"
	case availableMB < 500:
		pressure = "warning"
	default:
		pressure = "normal"
	}

	rm.mu.RLock()
	total := rm.totalMemory
	rm.mu.RUnlock()

	return MemoryStatus{
		TotalMemory:     total,
		AvailableMemory: available,
		SafetyReserve:   rm.config.SafetyReserveMemory,
		MemoryPressure:  pressure,
	}
}
