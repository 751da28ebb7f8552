package config

import (
	"errors"
	"testing"
	"time"

	"github.com/caesar-terminal/depthbook/internal/engine"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.Env != "development" {
		t.Errorf("expected env=development, got %s", cfg.Env)
	}

	if cfg.Instrument != "ES" {
		t.Errorf("expected instrument ES, got %s", cfg.Instrument)
	}

	if cfg.Ingest.QueueCapacity != 4096 || cfg.Ingest.BatchSize != 1024 {
		t.Errorf("unexpected ingest config: %+v", cfg.Ingest)
	}

	if cfg.Ingest.Throttle != 10*time.Millisecond {
		t.Errorf("expected throttle 10ms, got %s", cfg.Ingest.Throttle)
	}

	if cfg.Publish.MinInterval != 100*time.Millisecond {
		t.Errorf("expected min interval 100ms, got %s", cfg.Publish.MinInterval)
	}

	if cfg.Redis.Addr != "localhost:6379" || cfg.Redis.Enabled {
		t.Errorf("unexpected redis config: %+v", cfg.Redis)
	}

	if len(cfg.Kafka.Brokers) != 1 || cfg.Kafka.Brokers[0] != "localhost:9092" {
		t.Errorf("unexpected kafka brokers: %v", cfg.Kafka.Brokers)
	}
}

func TestLoadFromEnv(t *testing.T) {
	t.Setenv("DEPTHBOOK_ENV", "production")
	t.Setenv("DEPTHBOOK_INSTRUMENT", "NQ")
	t.Setenv("DEPTHBOOK_INGEST_THROTTLE", "25ms")
	t.Setenv("DEPTHBOOK_PROFILE_VALUE_AREA_FRACTION", "0.68")
	t.Setenv("DEPTHBOOK_KAFKA_BROKERS", "k1:9092, k2:9092,")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.Env != "production" {
		t.Errorf("expected env=production, got %s", cfg.Env)
	}

	if cfg.Instrument != "NQ" {
		t.Errorf("expected instrument NQ, got %s", cfg.Instrument)
	}

	if cfg.Ingest.Throttle != 25*time.Millisecond {
		t.Errorf("expected throttle 25ms, got %s", cfg.Ingest.Throttle)
	}

	if cfg.Profile.ValueAreaFraction != 0.68 {
		t.Errorf("expected fraction 0.68, got %v", cfg.Profile.ValueAreaFraction)
	}

	if len(cfg.Kafka.Brokers) != 2 || cfg.Kafka.Brokers[1] != "k2:9092" {
		t.Errorf("unexpected brokers: %v", cfg.Kafka.Brokers)
	}
}

func TestLoadRejectsInvalid(t *testing.T) {
	t.Setenv("DEPTHBOOK_PROFILE_TICK_SIZE", "-1")

	if _, err := Load(); !errors.Is(err, ErrInvalid) {
		t.Fatalf("expected ErrInvalid, got %v", err)
	}
}

func TestEngineMapping(t *testing.T) {
	cfg, err := Load()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	ec, err := cfg.Engine()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	def := engine.DefaultConfig()
	if ec.QueueCapacity != def.QueueCapacity || ec.MinInterval != def.MinInterval {
		t.Errorf("engine config differs from defaults: %+v", ec)
	}

	if ec.TickSize.String() != "0.25" {
		t.Errorf("expected tick 0.25, got %s", ec.TickSize)
	}

	if ec.StackRatioPct != 300 || ec.StackMinVolume != 30 || ec.ImbalanceLevels != 5 {
		t.Errorf("unexpected imbalance mapping: %+v", ec)
	}
}

func TestValidateEngineBounds(t *testing.T) {
	cfg, err := Load()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	cfg.Ingest.QueueCapacity = 0
	err = cfg.Validate()
	if !errors.Is(err, ErrInvalid) || !errors.Is(err, engine.ErrQueueCapacity) {
		t.Fatalf("expected ErrInvalid wrapping ErrQueueCapacity, got %v", err)
	}
}
