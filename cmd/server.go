/*
Copyright 2025 Gare Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

	http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"time"

	"github.com/caddyserver/certmagic"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/posthog/posthog-go"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/garehq/gare"
	"github.com/garehq/gare/api"
	"github.com/garehq/gare/central"
	"github.com/garehq/gare/config"
	"github.com/garehq/gare/internal/notification"
	pg_listener "github.com/garehq/gare/internal/pg-listener"
	trace "github.com/garehq/gare/internal/traces"
	"github.com/garehq/gare/realtime"
)

/*
serveTLS starts an HTTPS server with TLS enabled using CertMagic for automatic certificate management.
It accepts a gin.Engine instance as the router and a ServerConfig struct for server configurations.
If no domain is specified, the server will default to running on localhost.
*/
func serveTLS(r *gin.Engine, conf config.ServerConfig) error {
	certmagic.DefaultACME.Agreed = true
	certmagic.DefaultACME.Email = conf.Email
	cfg := certmagic.NewDefault()
	cfg.Storage = &certmagic.FileStorage{Path: "path/to/certmagic/storage"}

	domains := []string{conf.Domain}
	if conf.Domain == "" {
		log.Println("No domain specified, defaulting to localhost")
		domains = []string{"localhost"}
	}

	if err := cfg.ManageSync(context.Background(), domains); err != nil {
		return err
	}

	server := &http.Server{
		Addr:      ":" + conf.Port,
		Handler:   r,
		TLSConfig: cfg.TLSConfig(),
	}

	log.Printf("Starting HTTPS server on %s\n", conf.Port)
	if err := server.ListenAndServeTLS("", ""); err != nil && err != http.ErrServerClosed {
		log.Fatalf("Failed to start HTTPS server: %v", err)
	}

	return nil
}

// sendHeartbeat initializes and maintains a periodic heartbeat to PostHog
func sendHeartbeat(client posthog.Client, heartbeatID string) {
	ticker := time.NewTicker(5 * time.Minute)
	go func() {
		for range ticker.C {
			if err := client.Enqueue(posthog.Capture{
				DistinctId: heartbeatID,
				Event:      "station_heartbeat",
				Properties: map[string]interface{}{
					"timestamp": time.Now().UTC(),
				},
			}); err != nil {
				log.Printf("Failed to send heartbeat: %v", err)
			}
		}
	}()
}

func initializeTracing(ctx context.Context) (func(context.Context) error, error) {
	shutdown, err := trace.SetupOTelSDK(ctx, "GARE")
	if err != nil {
		return nil, fmt.Errorf("error setting up OTel SDK: %v", err)
	}
	return shutdown, nil
}

func initializePostHog() (posthog.Client, string) {
	client, _ := posthog.NewWithConfig("phc_VZMuC9MYtcXEnsyVSRIxTfcMJRviDYtAbXO1pVTjiBp",
		posthog.Config{Endpoint: "https://us.i.posthog.com"})
	heartbeatID := uuid.New().String()
	sendHeartbeat(client, heartbeatID)
	return client, heartbeatID
}

func startServer(router *gin.Engine, cfg config.ServerConfig) error {
	if cfg.SSL {
		return serveTLS(router, cfg)
	}
	log.Printf("Starting server on http://localhost:%s", cfg.Port)
	return router.Run(":" + cfg.Port)
}

func initializeObservability(ctx context.Context, cfg *config.Configuration) (posthog.Client, func(context.Context) error, error) {
	if !cfg.EnableTelemetry {
		return nil, func(context.Context) error { return nil }, nil
	}

	shutdown, err := initializeTracing(ctx)
	if err != nil {
		return nil, nil, err
	}

	phClient, _ := initializePostHog()
	return phClient, shutdown, nil
}

// buildCentralLink wires the upstream link into the station service: inbound
// sync messages land through ApplyCentralSync, the journal flushes after
// every authentication, and the sync workers deliver through SendSync.
// Operator webhooks fire when an authenticated session is gained or lost.
func buildCentralLink(cfg *config.Configuration, service *gare.Gare) *central.Link {
	link := central.NewLink(cfg)
	link.OnSync(service.ApplyCentralSync)
	link.OnAuthenticated(func() {
		if _, err := service.FlushPendingSync(context.Background()); err != nil {
			logrus.Errorf("failed to flush sync journal after authentication: %v", err)
		}
	})
	// State callbacks run on the link's own goroutine, so lastState needs
	// no lock.
	var lastState central.LinkState
	link.OnStateChange(func(state central.LinkState) {
		service.Events().Publish(gare.LinkStateChanged{State: string(state)})
		switch {
		case state == central.StateAuthenticated:
			notification.SystemEvent("central.link_up", map[string]interface{}{"station_id": cfg.Station.ID})
		case state == central.StateDisconnected && lastState == central.StateAuthenticated:
			notification.SystemEvent("central.link_down", map[string]interface{}{"station_id": cfg.Station.ID})
		}
		lastState = state
	})
	gare.RegisterSyncDispatcher(link.SendSync)
	return link
}

// startListener tails the database change channel so writes that bypass the
// API still refresh snapshots and reach realtime subscribers.
func startListener(cfg *config.Configuration, service *gare.Gare) {
	if cfg.DataSource.Dns == "" {
		return
	}
	listener := pg_listener.NewDBListener(pg_listener.ListenerConfig{
		PgConnStr: cfg.DataSource.Dns,
		Interval:  10 * time.Second,
		Timeout:   time.Minute,
	}, service)
	go listener.Start()
}

/*
serverCommands returns the Cobra command responsible for starting the station node.
It wires the realtime gateway, the central link and the background sweeps
before launching the HTTP server.
*/
func serverCommands(b *gareInstance) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "start",
		Short: "start station node",
		Run: func(cmd *cobra.Command, args []string) {
			ctx, cancel := context.WithCancel(context.Background())
			defer cancel()

			cfg, err := config.Fetch()
			if err != nil {
				log.Fatal(err)
			}

			phClient, shutdown, err := initializeObservability(ctx, cfg)
			if err != nil {
				log.Fatal(err)
			}
			if shutdown != nil {
				defer func() {
					if err := shutdown(ctx); err != nil {
						log.Printf("Error during shutdown: %v", err)
					}
				}()
			}
			if phClient != nil {
				defer phClient.Close()
			}

			service := b.gare
			service.Start(ctx)

			// System events ride the station's own webhook pipeline.
			notification.RegisterWebhookSender(func(event string, payload interface{}) error {
				return gare.SendWebhook(gare.NewWebhook{Event: event, Payload: payload})
			})

			gateway := realtime.NewGateway(service, realtime.NewManager(cfg, service.Events()), cfg)
			gateway.Start(ctx)

			link := buildCentralLink(cfg, service)
			go link.Run(ctx)

			// Journal entries left over from the previous run go back on the
			// queue before traffic starts.
			if flushed, err := service.FlushPendingSync(ctx); err != nil {
				logrus.Errorf("failed to flush sync journal at startup: %v", err)
			} else if flushed > 0 {
				logrus.Infof("requeued %d sync operations from the journal", flushed)
			}

			startListener(cfg, service)

			router := api.NewAPI(service, gateway, link).Router()
			if err := startServer(router, cfg.Server); err != nil {
				log.Fatal(err)
			}
		},
	}

	return cmd
}
