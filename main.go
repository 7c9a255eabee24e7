package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/robertof/go-blescan-api/api"
	"github.com/robertof/go-blescan-api/ble"
	"github.com/robertof/go-blescan-api/companyid"
	"github.com/robertof/go-blescan-api/device"
	"github.com/robertof/go-blescan-api/metrics"
	"github.com/robertof/go-blescan-api/scan"
	"github.com/robertof/go-blescan-api/utils"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
)

func main() {
	zerolog.DurationFieldUnit = time.Second
	zerolog.TimeFieldFormat = time.RFC3339Nano

	log.Logger = log.Output(zerolog.ConsoleWriter{
		Out:        os.Stderr,
		TimeFormat: "15:04:05.000",
	})

	cfg := ParseArgs()

	if cfg.Trace || os.Getenv("TRACE") != "" {
		zerolog.SetGlobalLevel(zerolog.TraceLevel)
	} else if cfg.Debug || os.Getenv("DEBUG") != "" {
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	} else {
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
	}

	resolver := companyid.NewResolver(cfg.CompanyIDs)

	if cfg.RefreshCompanyIDs {
		refreshCompanyIDs(resolver)
		return
	}

	if cfg.DiscoverDevices {
		doDeviceDiscovery(cfg, resolver)
		return
	}

	log.Info().
		Str("BindAddr", cfg.BindAddress).
		Array("AllowList", utils.ToZeroLogArray(cfg.AllowList)).
		Int("BluetoothDeviceID", cfg.BluetoothDeviceId).
		Bool("ActiveScan", cfg.ActiveScan).
		Str("CompanyIDsCache", resolver.CachePath()).
		Msg("Starting with the specified configuration")

	registry := prometheus.NewRegistry()

	if cfg.EnableMetamonitoring {
		registry.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
	}

	ble.RegisterMetrics(registry)
	scan.RegisterMetrics(registry)
	companyid.RegisterMetrics(registry)
	api.RegisterMetrics(registry)

	bleHandle := initBle(cfg)
	session := scan.NewSession(ble.NewScanner(bleHandle.ScanAll), device.NewDecoder(resolver))

	metrics.RegisterCollector(metrics.SessionSnapshot(session), registry)

	go warmUpCompanyIDs(resolver)

	mux := http.NewServeMux()
	api.NewHandler(session, cfg.ControlRate).RegisterRoutes(mux)
	mux.Handle("GET /metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))

	server := &http.Server{
		Addr:              cfg.BindAddress,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		log.Info().
			Str("ListenAddress", cfg.BindAddress).
			Msg("Starting API server")

		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}

		return nil
	})

	g.Go(func() error {
		<-gctx.Done()

		log.Info().Msg("Shutting down")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer cancel()

		err := server.Shutdown(shutdownCtx)

		if err := session.Stop(); err != nil && !errors.Is(err, scan.ErrNotRunning) {
			log.Error().Err(err).Msg("Failed to stop the scanner")
		}

		if err := session.Wait(shutdownCtx); err != nil {
			log.Error().Err(err).Msg("Scanner did not stop in time")
		}

		bleHandle.Stop()

		return err
	})

	if err := g.Wait(); err != nil {
		log.Fatal().Err(err).Msg("API server failed")
	}
}

func initBle(cfg config) *ble.Handle {
	var bleFlags ble.Flags

	if cfg.ActiveScan {
		bleFlags |= ble.FlagScanTypeActive
	}

	if len(cfg.AllowList) > 0 {
		bleFlags |= ble.FlagEnableDeviceAllowList
	}

	bleHandle, err := ble.Init(cfg.BluetoothDeviceId, bleFlags)

	if err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize Bluetooth device")
	}

	if len(cfg.AllowList) > 0 {
		if err := bleHandle.SetAllowListedAddresses(cfg.AllowList); err != nil {
			log.Error().Err(err).Msg("Failed to set device allow list")
		}
	}

	return bleHandle
}

// warmUpCompanyIDs loads the company identifiers ahead of the first device listing.
func warmUpCompanyIDs(resolver *companyid.Resolver) {
	ctx, cancel := context.WithTimeout(context.Background(), companyid.DefaultFetchTimeout)
	defer cancel()

	table, err := resolver.Load(ctx)

	if err != nil {
		log.Error().Err(err).Msg("Failed to load company identifiers, manufacturer names will be unavailable")
		return
	}

	log.Info().
		Int("Entries", table.Len()).
		Time("FetchedAt", table.FetchedAt).
		Msg("Company identifiers loaded")
}

func refreshCompanyIDs(resolver *companyid.Resolver) {
	ctx, cancel := context.WithTimeout(context.Background(), companyid.DefaultFetchTimeout)
	defer cancel()

	table, err := resolver.ForceReload(ctx)

	if err != nil {
		log.Fatal().Err(err).Msg("Failed to refresh company identifiers")
	}

	log.Info().
		Int("Entries", table.Len()).
		Str("Cache", resolver.CachePath()).
		Msg("Company identifiers refreshed")
}
