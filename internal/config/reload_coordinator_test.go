package config

import "testing"

func TestReloadAppliesValidConfig(t *testing.T) {
	c := NewReloadCoordinator(validConfig(), nil)
	next := validConfig()
	next.App.Debug = true

	if err := c.Reload(next); err != nil {
		t.Fatalf("reload: %v", err)
	}
	if !c.Current().App.Debug {
		t.Fatalf("expected reload to apply the new value")
	}
	_, version := c.LastReload()
	if version != 1 {
		t.Fatalf("expected reload version 1, got %d", version)
	}
}

func TestReloadRejectsInvalidConfig(t *testing.T) {
	c := NewReloadCoordinator(validConfig(), nil)
	next := validConfig()
	next.Filesystem.Root = ""

	if err := c.Reload(next); err == nil {
		t.Fatalf("expected reload to reject an invalid config")
	}
	if c.Current().Filesystem.Root == "" {
		t.Fatalf("expected current config to be unchanged after a rejected reload")
	}
}

func TestReloadRejectsImmutableStoreBackendChange(t *testing.T) {
	c := NewReloadCoordinator(validConfig(), nil)
	next := validConfig()
	next.Store.Backend = StoreBackendPostgres
	next.Store.PostgresDSN = "postgres://x"

	if err := c.Reload(next); err == nil {
		t.Fatalf("expected reload to reject a store.backend change")
	}
}

func TestReloadRejectsImmutableScanThreadsChange(t *testing.T) {
	c := NewReloadCoordinator(validConfig(), nil)
	next := validConfig()
	next.Scan.NbThreads = 8

	if err := c.Reload(next); err == nil {
		t.Fatalf("expected reload to reject an nb_threads change")
	}
}
