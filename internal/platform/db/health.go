package db

import (
	"context"
	"net/http"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/labstack/echo/v4"
)

const healthPingTimeout = 5 * time.Second

type poolStatus struct {
	TotalConns    int32  `json:"total_conns"`
	IdleConns     int32  `json:"idle_conns"`
	AcquiredConns int32  `json:"acquired_conns"`
	MaxConns      int32  `json:"max_conns"`
	AcquireWait   string `json:"acquire_wait"`
}

type healthResponse struct {
	Status string     `json:"status"`
	Error  string     `json:"error,omitempty"`
	Pool   poolStatus `json:"pool"`
}

func currentPoolStatus(pool *pgxpool.Pool) poolStatus {
	stat := pool.Stat()
	return poolStatus{
		TotalConns:    stat.TotalConns(),
		IdleConns:     stat.IdleConns(),
		AcquiredConns: stat.AcquiredConns(),
		MaxConns:      stat.MaxConns(),
		AcquireWait:   stat.AcquireDuration().String(),
	}
}

// HealthHandler reports database reachability and pool occupancy. Wired
// outside the auth middleware so probes need no token.
func HealthHandler(pool *pgxpool.Pool) echo.HandlerFunc {
	return func(c echo.Context) error {
		ctx, cancel := context.WithTimeout(c.Request().Context(), healthPingTimeout)
		defer cancel()

		if err := pool.Ping(ctx); err != nil {
			return c.JSON(http.StatusServiceUnavailable, healthResponse{
				Status: "unhealthy",
				Error:  err.Error(),
				Pool:   currentPoolStatus(pool),
			})
		}
		return c.JSON(http.StatusOK, healthResponse{
			Status: "healthy",
			Pool:   currentPoolStatus(pool),
		})
	}
}
