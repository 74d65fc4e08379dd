package config

import (
	"os"
	"testing"
)

func TestLoad(t *testing.T) {
	cleanup := setEnvs(t, map[string]string{
		"MQTT_BROKER_URL": "tcp://localhost:1883",
	})
	defer cleanup()

	t.Run("defaults", func(t *testing.T) {
		cfg, err := Load(Overrides{EnvFile: "nonexistent.env"})
		if err != nil {
			t.Fatalf("Load: %v", err)
		}
		if cfg.DiagnosticsAddr != ":8080" {
			t.Errorf("DiagnosticsAddr = %q, want :8080", cfg.DiagnosticsAddr)
		}
		if cfg.LogLevel != "info" {
			t.Errorf("LogLevel = %q, want info", cfg.LogLevel)
		}
		if cfg.InspectionMaxTickMs != 1000 {
			t.Errorf("InspectionMaxTickMs = %d, want 1000", cfg.InspectionMaxTickMs)
		}
		if cfg.PayloadStoreQuotaBytes != 104857600 {
			t.Errorf("PayloadStoreQuotaBytes = %d, want 104857600", cfg.PayloadStoreQuotaBytes)
		}
		if cfg.MaxSendSizeBytes != 131072 {
			t.Errorf("MaxSendSizeBytes = %d, want 131072", cfg.MaxSendSizeBytes)
		}
	})

	t.Run("cli_overrides_take_priority", func(t *testing.T) {
		cfg, err := Load(Overrides{
			EnvFile:         "nonexistent.env",
			DiagnosticsAddr: ":9090",
			LogLevel:        "debug",
			MQTTBrokerURL:   "tcp://override:1883",
			PersistencyPath: "/tmp/state",
		})
		if err != nil {
			t.Fatalf("Load: %v", err)
		}
		if cfg.DiagnosticsAddr != ":9090" {
			t.Errorf("DiagnosticsAddr = %q, want :9090", cfg.DiagnosticsAddr)
		}
		if cfg.LogLevel != "debug" {
			t.Errorf("LogLevel = %q, want debug", cfg.LogLevel)
		}
		if cfg.MQTTBrokerURL != "tcp://override:1883" {
			t.Errorf("MQTTBrokerURL = %q, want override", cfg.MQTTBrokerURL)
		}
		if cfg.PersistencyPath != "/tmp/state" {
			t.Errorf("PersistencyPath = %q, want /tmp/state", cfg.PersistencyPath)
		}
	})

	t.Run("env_vars_read", func(t *testing.T) {
		cfg, err := Load(Overrides{EnvFile: "nonexistent.env"})
		if err != nil {
			t.Fatalf("Load: %v", err)
		}
		if cfg.MQTTBrokerURL != "tcp://localhost:1883" {
			t.Errorf("MQTTBrokerURL = %q, want tcp://localhost:1883", cfg.MQTTBrokerURL)
		}
	})
}

func TestLoadMissingRequired(t *testing.T) {
	cleanup := setEnvs(t, map[string]string{"MQTT_BROKER_URL": ""})
	defer cleanup()
	os.Unsetenv("MQTT_BROKER_URL")

	_, err := Load(Overrides{EnvFile: "nonexistent.env"})
	if err == nil {
		t.Error("expected error when required env vars are missing")
	}
}

// setEnvs sets environment variables and returns a cleanup function.
func setEnvs(t *testing.T, envs map[string]string) func() {
	t.Helper()
	originals := make(map[string]string)
	unset := make([]string, 0)

	for k, v := range envs {
		if orig, ok := os.LookupEnv(k); ok {
			originals[k] = orig
		} else {
			unset = append(unset, k)
		}
		os.Setenv(k, v)
	}

	return func() {
		for k, v := range originals {
			os.Setenv(k, v)
		}
		for _, k := range unset {
			os.Unsetenv(k)
		}
	}
}
