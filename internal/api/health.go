package api

import (
	"net/http"
	"time"
)

type HealthOptions struct {
	Version     string
	StartedAt   time.Time
	CacheDriver string
}

type healthResponse struct {
	Status      string `json:"status"`
	Version     string `json:"version"`
	UptimeSec   int64  `json:"uptime_sec"`
	CacheDriver string `json:"cache_driver"`
}

func HealthHandler(options HealthOptions) http.Handler {
	cacheDriver := options.CacheDriver
	if cacheDriver == "" {
		cacheDriver = "none"
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !requireMethod(w, r, http.MethodGet) {
			return
		}
		writeJSON(w, http.StatusOK, healthResponse{
			Status:      "ok",
			Version:     options.Version,
			UptimeSec:   int64(time.Since(options.StartedAt).Seconds()),
			CacheDriver: cacheDriver,
		})
	})
}
