// Entry point for the fleet autoscaler.
//
// Runs the control loop on a fixed interval and exposes a small HTTP
// surface for out-of-band triggers:
//
//	POST /invoke        run one scaling evaluation now
//	POST /interruption  handle a spot interruption notice
//	GET  /healthz       liveness probe
package main

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/nodefleet/fleet-autoscaler/pkg/audit"
	"github.com/nodefleet/fleet-autoscaler/pkg/cloud"
	"github.com/nodefleet/fleet-autoscaler/pkg/config"
	"github.com/nodefleet/fleet-autoscaler/pkg/controller"
	"github.com/nodefleet/fleet-autoscaler/pkg/decision"
	"github.com/nodefleet/fleet-autoscaler/pkg/forecast"
	"github.com/nodefleet/fleet-autoscaler/pkg/kube"
	"github.com/nodefleet/fleet-autoscaler/pkg/lifecycle"
	"github.com/nodefleet/fleet-autoscaler/pkg/logger"
	"github.com/nodefleet/fleet-autoscaler/pkg/metrics"
	"github.com/nodefleet/fleet-autoscaler/pkg/notify"
	"github.com/nodefleet/fleet-autoscaler/pkg/state"
)

const shutdownTimeout = 10 * time.Second

func main() {
	cfg := config.Load()
	log := logger.New("autoscaler", cfg.LogLevel)
	defer log.Sync()

	if err := cfg.Validate(); err != nil {
		log.Errorf("invalid configuration: %v", err)
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ctrl, cleanup, err := buildController(ctx, cfg, log)
	if err != nil {
		log.Errorf("startup failed: %v", err)
		os.Exit(1)
	}
	defer cleanup()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	server := &http.Server{
		Addr:    cfg.ListenAddr,
		Handler: newMux(ctrl, log),
	}
	go func() {
		log.Infof("listening on %s", cfg.ListenAddr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Errorf("http server: %v", err)
		}
	}()

	log.Infof("control loop running every %v for cluster %s", cfg.RunInterval, cfg.ClusterID)
	ticker := time.NewTicker(cfg.RunInterval)
	defer ticker.Stop()

	runOnce(ctx, ctrl, log)

loop:
	for {
		select {
		case <-ticker.C:
			runOnce(ctx, ctrl, log)
		case <-sigChan:
			log.Infof("received shutdown signal, stopping")
			break loop
		}
	}

	cancel()
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Warnf("http shutdown: %v", err)
	}
	log.Infof("stopped gracefully")
}

func runOnce(ctx context.Context, ctrl *controller.Controller, log logger.Logger) {
	result, err := ctrl.Invoke(ctx, controller.Event{})
	if err != nil {
		log.Errorf("invocation failed: %v", err)
		return
	}
	log.Infof("invocation done: %s", result.Body)
}

// buildController wires every collaborator from configuration. The returned
// cleanup closes all held connections.
func buildController(ctx context.Context, cfg *config.Config, log *logger.ZapLogger) (*controller.Controller, func(), error) {
	collector, err := metrics.NewCollector(cfg.PrometheusURL, cfg.PrometheusUser, cfg.PrometheusPassword, cfg.MetricsCacheTTL, log.Named("metrics"))
	if err != nil {
		return nil, nil, err
	}

	var signalSource controller.SignalSource
	if cfg.EnableCustomSignal {
		signalSource = metrics.NewSignalCollector(collector.Querier(), metrics.DefaultSignalThresholds(), log.Named("signal"))
	}

	kv, err := state.NewRedisKV(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB, log.Named("redis"))
	if err != nil {
		return nil, nil, err
	}
	store := state.NewStore(kv, cfg.ClusterID, cfg.LockStalenessWindow, cfg.HistorySize, log.Named("state"))

	ec2Client, err := cloud.NewClient(ctx, cfg.AWSRegion, cfg.ClusterID, cfg.RoleTag, log.Named("cloud"))
	if err != nil {
		kv.Close()
		return nil, nil, err
	}

	kubeClient, err := kube.NewClient(cfg.KubeConfigPath, log.Named("kube"))
	if err != nil {
		kv.Close()
		return nil, nil, err
	}

	manager := lifecycle.NewManager(ec2Client, kubeClient, lifecycle.Options{
		WorkerTemplateID:         cfg.WorkerTemplateID,
		SpotTemplateID:           cfg.SpotTemplateID,
		SubnetIDs:                cfg.SubnetIDs,
		SubnetZones:              cfg.SubnetZones,
		SpotInstanceType:         cfg.SpotInstanceType,
		SpotTargetPct:            cfg.SpotTargetPercent,
		NodeReadyTimeout:         cfg.NodeReadyTimeout,
		DrainTimeout:             cfg.DrainTimeout,
		InterruptionDrainTimeout: cfg.InterruptionDrainTimeout,
		PollInterval:             cfg.PollInterval,
		EvictionGraceSeconds:     int64(cfg.EvictionGracePeriod / time.Second),
	}, log.Named("lifecycle"))

	var recorder audit.Recorder = audit.NopRecorder{}
	if len(cfg.EtcdEndpoints) > 0 {
		etcdRecorder, err := audit.NewEtcdRecorder(cfg.EtcdEndpoints, cfg.EtcdDialTimeout, log.Named("audit"))
		if err != nil {
			// Scaling keeps working without its audit trail.
			log.Warnf("audit trail disabled: %v", err)
		} else {
			recorder = etcdRecorder
		}
	}

	var notifier notify.Notifier = notify.NopNotifier{}
	if cfg.SlackWebhookURL != "" {
		notifier = notify.NewSlackNotifier(cfg.SlackWebhookURL, log.Named("notify"))
	}

	ctrl := controller.New(controller.Options{
		ClusterID:      cfg.ClusterID,
		MinNodes:       cfg.MinNodes,
		MaxNodes:       cfg.MaxNodes,
		EnableForecast: cfg.EnableForecast,
		EnableSignal:   cfg.EnableCustomSignal,
	},
		collector, signalSource, store,
		decision.NewEngine(log.Named("decision")),
		forecast.New(store, log.Named("forecast")),
		manager, recorder, notifier, log.Named("controller"))

	cleanup := func() {
		if err := recorder.Close(); err != nil {
			log.Warnf("close audit recorder: %v", err)
		}
		if err := kv.Close(); err != nil {
			log.Warnf("close state store: %v", err)
		}
	}
	return ctrl, cleanup, nil
}

func newMux(ctrl *controller.Controller, log logger.Logger) *http.ServeMux {
	mux := http.NewServeMux()

	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})

	mux.HandleFunc("/invoke", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		result, err := ctrl.Invoke(r.Context(), controller.Event{})
		writeResult(w, result, err)
	})

	mux.HandleFunc("/interruption", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		var payload struct {
			InstanceID string `json:"instance_id"`
		}
		if err := json.NewDecoder(r.Body).Decode(&payload); err != nil || payload.InstanceID == "" {
			http.Error(w, "instance_id required", http.StatusBadRequest)
			return
		}
		result, err := ctrl.Invoke(r.Context(), controller.Event{InterruptedInstanceID: payload.InstanceID})
		writeResult(w, result, err)
	})

	return mux
}

func writeResult(w http.ResponseWriter, result controller.Result, err error) {
	w.Header().Set("Content-Type", "application/json")
	status := result.StatusCode
	if status == 0 {
		status = http.StatusInternalServerError
	}
	w.WriteHeader(status)

	body := result.Body
	if err != nil && body == "" {
		body = err.Error()
	}
	json.NewEncoder(w).Encode(map[string]string{"message": body})
}
