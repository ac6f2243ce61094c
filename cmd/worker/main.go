// Worker relays fan-out events mirrored to Kafka into Loki, for deployments that keep the Loki push
// out of the ingest process. Set KAFKA_BROKERS, FANOUT_KAFKA_TOPIC, KAFKA_GROUP_ID and LOKI_URL.
// The store settings are validated by config but unused here.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"iot-platform/monitoring-service/internal/config"
	"iot-platform/monitoring-service/internal/fanout"
	"iot-platform/monitoring-service/internal/logging"
	"iot-platform/monitoring-service/internal/telemetry/loki"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintln(os.Stderr, "config:", err)
		os.Exit(1)
	}
	log := logging.Component(logging.New(cfg.LogLevel, cfg.LogFormat), "worker")

	brokers := cfg.KafkaBrokersList()
	if len(brokers) == 0 {
		log.Fatal().Msg("KAFKA_BROKERS is required")
	}
	client, err := loki.NewClient(cfg.LokiURL, cfg.ServiceName, nil)
	if err != nil {
		log.Fatal().Err(err).Msg("LOKI_URL is required")
	}

	relay, err := fanout.NewKafkaRelay(brokers, cfg.FanoutKafkaTopic, cfg.KafkaGroupID, loki.NewSink(client), log)
	if err != nil {
		log.Fatal().Err(err).Msg("relay")
	}
	defer func() {
		if err := relay.Close(); err != nil {
			log.Warn().Err(err).Msg("relay close")
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	log.Info().Str("topic", cfg.FanoutKafkaTopic).Str("group", cfg.KafkaGroupID).Str("loki", cfg.LokiURL).Msg("relaying")
	if err := relay.Run(ctx); err != nil {
		log.Error().Err(err).Msg("relay stopped")
		return
	}
	log.Info().Msg("worker stopped")
}
