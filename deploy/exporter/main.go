// Command exporter publishes docker compose container metadata as a
// Prometheus gauge so dashboards can join compose service names onto
// cAdvisor series. It runs as a sidecar next to the compose stack.
package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/client"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const (
	listenAddr     = ":8000"
	scrapeInterval = 15 * time.Second
)

var containerMeta = prometheus.NewGaugeVec(
	prometheus.GaugeOpts{
		Name: "container_meta_info",
		Help: "Compose container metadata, one series per container.",
	},
	[]string{"id", "name", "image", "com_docker_compose_service", "state", "full_id"},
)

func main() {
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stdout, nil)))
	prometheus.MustRegister(containerMeta)

	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		slog.Error("docker client init failed", slog.Any("error", err))
		os.Exit(1)
	}
	defer cli.Close()

	go func() {
		for {
			refresh(cli)
			time.Sleep(scrapeInterval)
		}
	}()

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{
		Addr:              listenAddr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	slog.Info("compose metadata exporter listening", slog.String("addr", listenAddr))
	if err := srv.ListenAndServe(); err != nil {
		slog.Error("exporter server stopped", slog.Any("error", err))
		os.Exit(1)
	}
}

// refresh replaces the whole gauge with the current container set so
// series for removed containers disappear instead of going stale.
func refresh(cli *client.Client) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	containers, err := cli.ContainerList(ctx, container.ListOptions{All: true})
	if err != nil {
		slog.Warn("container list failed", slog.Any("error", err))
		return
	}

	containerMeta.Reset()
	for _, c := range containers {
		shortID := c.ID
		if len(shortID) > 12 {
			shortID = shortID[:12]
		}
		name := ""
		if len(c.Names) > 0 {
			name = strings.TrimPrefix(c.Names[0], "/")
		}
		service := c.Labels["com.docker.compose.service"]
		if service == "" {
			service = name
		}
		containerMeta.WithLabelValues(shortID, name, c.Image, service, c.State, c.ID).Set(1)
	}
}
