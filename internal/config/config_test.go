package config

import "testing"

func validConfig() *Config {
	return &Config{
		Store:      StoreConfig{Backend: StoreBackendSQLite, SQLitePath: "rbhd.db"},
		Filesystem: FilesystemConfig{FSName: "lustre0", Root: "/mnt/lustre0", MountType: "posix"},
		Scan:       ScanConfig{NbThreads: 4, QueueSize: 1024},
		Changelog:  ChangelogConfig{Source: "fsnotify"},
	}
}

func TestValidateAcceptsWellFormedConfig(t *testing.T) {
	if err := validConfig().Validate(); err != nil {
		t.Fatalf("expected valid config, got %v", err)
	}
}

func TestValidateRejectsMissingSQLitePath(t *testing.T) {
	cfg := validConfig()
	cfg.Store.SQLitePath = ""
	if err := cfg.Validate(); err == nil {
		t.Fatalf("expected an error for missing sqlite_path")
	}
}

func TestValidateRejectsMissingPostgresDSNForPostgresBackend(t *testing.T) {
	cfg := validConfig()
	cfg.Store.Backend = StoreBackendPostgres
	cfg.Store.PostgresDSN = ""
	if err := cfg.Validate(); err == nil {
		t.Fatalf("expected an error for missing postgres_dsn")
	}
}

func TestValidateAcceptsMemoryBackendWithoutDSN(t *testing.T) {
	cfg := validConfig()
	cfg.Store.Backend = StoreBackendMemory
	if err := cfg.Validate(); err != nil {
		t.Fatalf("expected memory backend to need no DSN, got %v", err)
	}
}

func TestValidateRejectsUnknownStoreBackend(t *testing.T) {
	cfg := validConfig()
	cfg.Store.Backend = "oracle"
	if err := cfg.Validate(); err == nil {
		t.Fatalf("expected an error for unknown store backend")
	}
}

func TestValidateRejectsMissingFilesystemRoot(t *testing.T) {
	cfg := validConfig()
	cfg.Filesystem.Root = ""
	if err := cfg.Validate(); err == nil {
		t.Fatalf("expected an error for missing filesystem root")
	}
}

func TestValidateRejectsInvalidMountType(t *testing.T) {
	cfg := validConfig()
	cfg.Filesystem.MountType = "zfs"
	if err := cfg.Validate(); err == nil {
		t.Fatalf("expected an error for an unsupported mount type")
	}
}

func TestValidateRejectsNonPositiveScanSettings(t *testing.T) {
	cfg := validConfig()
	cfg.Scan.NbThreads = 0
	if err := cfg.Validate(); err == nil {
		t.Fatalf("expected an error for nb_threads=0")
	}
}

func TestValidateRejectsDuplicatePolicyNames(t *testing.T) {
	cfg := validConfig()
	cfg.Policies = []PolicyConfig{{Name: "purge_old"}, {Name: "purge_old"}}
	if err := cfg.Validate(); err == nil {
		t.Fatalf("expected an error for duplicate policy names")
	}
}
