package db

import (
	"context"
	"net/http"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/labstack/echo/v4"
)

// PoolStats represents database connection pool statistics.
type PoolStats struct {
	TotalConns      int32  `json:"total_conns"`
	IdleConns       int32  `json:"idle_conns"`
	AcquiredConns   int32  `json:"acquired_conns"`
	MaxConns        int32  `json:"max_conns"`
	AcquireCount    int64  `json:"acquire_count"`
	AcquireDuration string `json:"acquire_duration"`
}

func GetPoolStats(pool *pgxpool.Pool) *PoolStats {
	stat := pool.Stat()
	return &PoolStats{
		TotalConns:      stat.TotalConns(),
		IdleConns:       stat.IdleConns(),
		AcquiredConns:   stat.AcquiredConns(),
		MaxConns:        stat.MaxConns(),
		AcquireCount:    stat.AcquireCount(),
		AcquireDuration: stat.AcquireDuration().String(),
	}
}

// Check is one named dependency probe reported by HealthHandler.
type Check struct {
	Name string
	Ping func(ctx context.Context) error
	// Details, when set, is attached to the component's report.
	Details func() interface{}
}

// PoolCheck probes the Postgres pool and reports its statistics.
func PoolCheck(pool *pgxpool.Pool) Check {
	return Check{
		Name:    "postgres",
		Ping:    pool.Ping,
		Details: func() interface{} { return GetPoolStats(pool) },
	}
}

type componentHealth struct {
	Status  string      `json:"status"`
	Error   string      `json:"error,omitempty"`
	Details interface{} `json:"details,omitempty"`
}

// HealthHandler pings every check with a 5s budget and answers 503 when any fails.
func HealthHandler(checks ...Check) echo.HandlerFunc {
	return func(c echo.Context) error {
		ctx, cancel := context.WithTimeout(c.Request().Context(), 5*time.Second)
		defer cancel()

		status := http.StatusOK
		components := make(map[string]componentHealth, len(checks))
		for _, chk := range checks {
			h := componentHealth{Status: "healthy"}
			if err := chk.Ping(ctx); err != nil {
				h.Status = "unhealthy"
				h.Error = err.Error()
				status = http.StatusServiceUnavailable
			}
			if chk.Details != nil {
				h.Details = chk.Details()
			}
			components[chk.Name] = h
		}

		overall := "healthy"
		if status != http.StatusOK {
			overall = "unhealthy"
		}
		return c.JSON(status, map[string]interface{}{
			"status":     overall,
			"components": components,
		})
	}
}
