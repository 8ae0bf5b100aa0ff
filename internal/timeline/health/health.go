// Package health reports process and store health for the /healthz endpoint.
package health

import (
	"context"
	"database/sql"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/disk"
	"github.com/shirou/gopsutil/v3/mem"
)

// Report is the JSON shape served at /healthz.
type Report struct {
	Status      string  `json:"status"`
	UptimeHours float64 `json:"uptime_hours"`
	CPUPercent  float64 `json:"cpu_percent"`
	RAMPercent  float64 `json:"ram_percent"`
	DiskPercent float64 `json:"disk_percent,omitempty"`
	Store       string  `json:"store"`
	StoreError  string  `json:"store_error,omitempty"`
}

// Checker computes Reports against a running store and process.
type Checker struct {
	db        *sql.DB
	dataDir   string
	startedAt time.Time
}

// New returns a Checker for the given store connection and data directory.
func New(db *sql.DB, dataDir string) *Checker {
	return &Checker{db: db, dataDir: dataDir, startedAt: time.Now()}
}

// Check runs PRAGMA integrity_check against the store and gathers host stats.
// A failed integrity check or ping is reported as "unhealthy" rather than
// returned as an error, since health endpoints must always produce a body.
func (c *Checker) Check(ctx context.Context) Report {
	report := Report{
		Status:      "healthy",
		UptimeHours: time.Since(c.startedAt).Hours(),
		Store:       "ok",
	}

	if err := c.db.PingContext(ctx); err != nil {
		report.Status = "unhealthy"
		report.Store = "unreachable"
		report.StoreError = err.Error()
	} else {
		var result string
		if err := c.db.QueryRowContext(ctx, "PRAGMA integrity_check").Scan(&result); err != nil {
			report.Status = "unhealthy"
			report.Store = "integrity_check_failed"
			report.StoreError = err.Error()
		} else if result != "ok" {
			report.Status = "unhealthy"
			report.Store = "corrupt"
			report.StoreError = result
		}
	}

	if cpuPercent, err := cpu.PercentWithContext(ctx, 100*time.Millisecond, false); err == nil && len(cpuPercent) > 0 {
		report.CPUPercent = cpuPercent[0]
	}
	if memStat, err := mem.VirtualMemoryWithContext(ctx); err == nil {
		report.RAMPercent = memStat.UsedPercent
	}
	if c.dataDir != "" {
		if diskStat, err := disk.UsageWithContext(ctx, c.dataDir); err == nil {
			report.DiskPercent = diskStat.UsedPercent
		}
	}

	return report
}
