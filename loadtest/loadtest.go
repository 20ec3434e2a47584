package main

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ssuji15/orca/internal/cli"
	"github.com/ssuji15/orca/internal/service/logger"
	"github.com/ssuji15/orca/model"
)

const (
	totalRequests = 100
	ratePerSecond = 5
)

func main() {
	logger.Init("orca-loadtest")
	log := logger.Log

	url := os.Getenv("ORCA_URL")
	if url == "" {
		url = "http://localhost:8080"
	}
	client := cli.NewClient(url)

	timeout := 5
	ticker := time.NewTicker(time.Second / time.Duration(ratePerSecond))
	defer ticker.Stop()

	var wg sync.WaitGroup
	var created, rejected atomic.Int32
	start := time.Now()

	for i := 1; i <= totalRequests; i++ {
		<-ticker.C

		wg.Add(1)
		go func(n int) {
			defer wg.Done()

			req := model.JobRequest{
				JobProfileRef: "profiles/echo",
				JobInput:      map[string]any{"request": n, "message": "load test"},
				Tracker:       &model.Tracker{ID: "loadtest", Label: "loadtest"},
				Timeout:       &timeout,
			}
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()

			body, err := client.CreateJob(ctx, req)
			var apiErr *cli.APIError
			if errors.As(err, &apiErr) {
				rejected.Add(1)
				log.Warn().Int("request", n).Int("status", apiErr.StatusCode).Msg(apiErr.Message)
				return
			}
			if err != nil {
				log.Error().Err(err).Int("request", n).Msg("request failed")
				return
			}

			var job model.Job
			if err := json.Unmarshal(body, &job); err != nil {
				log.Error().Err(err).Int("request", n).Msg("invalid response")
				return
			}
			created.Add(1)
			log.Info().Int("request", n).Str("job_id", job.ID).Str("status", string(job.Status)).Msg("job created")
		}(i)
	}

	wg.Wait()
	log.Info().
		Int32("created", created.Load()).
		Int32("rejected", rejected.Load()).
		Dur("elapsed", time.Since(start)).
		Msg("all requests completed")
}
