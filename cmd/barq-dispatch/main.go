// README: Entry point; loads config, wires services, starts HTTP ingress and the engine loops.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/sony/gobreaker"

	"barq/internal/config"
	"barq/internal/engine"
	"barq/internal/events"
	httptransport "barq/internal/http"
	"barq/internal/infra"
	"barq/internal/maps"
	"barq/internal/metrics"
	"barq/internal/modules/batching"
	"barq/internal/modules/dispatch"
	"barq/internal/modules/driver"
	"barq/internal/modules/escalation"
	"barq/internal/modules/order"
	"barq/internal/modules/route"
	"barq/internal/modules/traffic"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		panic(err)
	}
	log := infra.NewLogger(cfg.Log.Level)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	dbPool, err := infra.NewDB(ctx, cfg.DB.DSN)
	if err != nil {
		log.WithError(err).Fatal("database init failed")
	}
	defer dbPool.Close()

	redisClient := infra.NewRedis(cfg.Redis.Addr)
	defer redisClient.Close()

	breaker := infra.NewBreaker("persistence", func(from, to gobreaker.State) {
		if to == gobreaker.StateOpen {
			metrics.DegradedMode.Set(1)
			log.Error("persistence breaker opened, entering degraded mode")
		} else if from == gobreaker.StateOpen {
			metrics.DegradedMode.Set(0)
			log.Info("persistence breaker recovered")
		}
	})

	hub := events.NewHub()
	defer hub.Close()

	var provider maps.Provider
	fallback := maps.NewHaversineProvider(cfg.Route.RoadFactor, map[string]float64{
		"BARQ":   cfg.Route.SpeedBarqKmh,
		"BULLET": cfg.Route.SpeedBulletKmh,
	})
	provider = fallback
	if cfg.Maps.APIKey != "" {
		gp, err := maps.NewGoogleProvider(cfg.Maps.APIKey, fallback)
		if err != nil {
			log.WithError(err).Warn("maps provider init failed, using haversine estimates")
		} else {
			provider = gp
		}
	}

	dispatchStore := dispatch.NewStore(redisClient)
	dispatchPG := dispatch.NewPGStore(dbPool)

	driverStore := driver.NewStore(dbPool)
	driverSvc := driver.NewService(driverStore, dispatchStore, hub, cfg.Driver, log)

	orderStore := order.NewStore(dbPool)
	orderSvc := order.NewService(orderStore, driverSvc, hub, log)

	trafficStore := traffic.NewStore(dbPool)
	trafficSvc := traffic.NewService(trafficStore, log)
	if err := trafficSvc.Warm(ctx); err != nil {
		log.WithError(err).Warn("traffic incident warm-up failed")
	}

	routeStore := route.NewStore(dbPool)
	routeSvc := route.NewService(routeStore, orderStore, driverStore, provider, trafficSvc, hub, cfg.Route, log)

	dispatchSvc := dispatch.NewService(orderStore, driverSvc, dispatchStore, dispatchPG, breaker, hub, cfg.Dispatch, log)

	batchStore := batching.NewStore(dbPool)
	batchSvc := batching.NewService(batchStore, orderStore, provider, hub, cfg.Batching, log)

	escalationStore := escalation.NewStore(dbPool, redisClient)
	escalationSvc := escalation.NewService(escalationStore, orderStore, dispatchSvc, driverSvc, routeSvc, hub, cfg.Escalation, log)

	// Late wiring breaks the construction cycles between the engines.
	orderSvc.SetBatchTracker(batchSvc)
	orderSvc.SetRouteTrigger(routeSvc)
	orderSvc.SetFailureRecovery(escalationSvc)
	orderSvc.SetZoneRecorder(dispatchStore)
	dispatchSvc.SetRouteTrigger(routeSvc)
	dispatchSvc.SetBatchSource(batchSvc)
	dispatchSvc.SetOrderParker(orderSvc)
	trafficSvc.SetRouteNotifier(routeSvc)

	eng := &engine.Engine{
		Dispatch:   dispatchSvc,
		Batching:   batchSvc,
		Routes:     routeSvc,
		Escalation: escalationSvc,
		Drivers:    driverSvc,
	}
	go func() {
		if err := eng.Run(ctx); err != nil {
			log.WithError(err).Error("engine stopped")
		}
	}()

	server := httptransport.NewServer(cfg.HTTP.Addr, httptransport.ServerDeps{
		Orders:   orderSvc,
		Drivers:  driverSvc,
		Dispatch: dispatchSvc,
		Routes:   routeSvc,
		Traffic:  trafficSvc,
		Breaker:  breaker,
	}, log)
	if err := server.Run(ctx); err != nil {
		log.WithError(err).Fatal("http server failed")
	}
}
