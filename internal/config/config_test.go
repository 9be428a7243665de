package config

import (
	"os"
	"path/filepath"
	"testing"
)

func writeTempConfigs(t *testing.T, routerYAML, bucketsYAML string) (string, string) {
	t.Helper()
	dir := t.TempDir()

	routerPath := filepath.Join(dir, "router.yaml")
	if err := os.WriteFile(routerPath, []byte(routerYAML), 0o644); err != nil {
		t.Fatal(err)
	}
	bucketsPath := filepath.Join(dir, "buckets.yaml")
	if err := os.WriteFile(bucketsPath, []byte(bucketsYAML), 0o644); err != nil {
		t.Fatal(err)
	}
	return routerPath, bucketsPath
}

const validRouterYAML = `
router:
  listen_port: 8080
  session_idle_timeout: 10m
  worker_idle_timeout: 100s
`

const validBucketsYAML = `
buckets:
  - id: "bucket-0"
    start_port: 8081
    socket_count: 2
    slots_per_socket: 5
`

func TestLoadValidConfig(t *testing.T) {
	routerPath, bucketsPath := writeTempConfigs(t, validRouterYAML, validBucketsYAML)

	cfg, err := Load(routerPath, bucketsPath)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Router.ListenPort != 8080 {
		t.Fatalf("unexpected listen port: %d", cfg.Router.ListenPort)
	}
	if len(cfg.Buckets) != 1 {
		t.Fatalf("expected 1 bucket, got %d", len(cfg.Buckets))
	}
	if cfg.Router.ReadBufferSize != 1024 {
		t.Fatalf("expected default read_buffer_size 1024, got %d", cfg.Router.ReadBufferSize)
	}
}

func TestLoadRejectsOverlappingBuckets(t *testing.T) {
	overlapping := `
buckets:
  - id: "bucket-0"
    start_port: 8081
    socket_count: 4
    slots_per_socket: 5
  - id: "bucket-1"
    start_port: 8083
    socket_count: 2
    slots_per_socket: 5
`
	routerPath, bucketsPath := writeTempConfigs(t, validRouterYAML, overlapping)

	_, err := Load(routerPath, bucketsPath)
	if err == nil {
		t.Fatal("expected overlap validation error")
	}
}

func TestLoadRejectsPortBelowListenPort(t *testing.T) {
	buckets := `
buckets:
  - id: "bucket-0"
    start_port: 8000
    socket_count: 2
    slots_per_socket: 5
`
	routerPath, bucketsPath := writeTempConfigs(t, validRouterYAML, buckets)

	_, err := Load(routerPath, bucketsPath)
	if err == nil {
		t.Fatal("expected an error for a bucket port below the router's listen port")
	}
}

func TestLoadRejectsInsufficientCapacity(t *testing.T) {
	router := `
router:
  listen_port: 8080
  session_idle_timeout: 10m
  worker_idle_timeout: 100s
  capacity:
    number_of_users: 100
    users_per_socket: 5
    sockets_per_bucket: 2
`
	routerPath, bucketsPath := writeTempConfigs(t, router, validBucketsYAML)

	_, err := Load(routerPath, bucketsPath)
	if err == nil {
		t.Fatal("expected headroom validation error")
	}
}

func TestLoadRejectsUsernameBoundsBelowOne(t *testing.T) {
	router := `
router:
  listen_port: 8080
  session_idle_timeout: 10m
  worker_idle_timeout: 100s
  credentials:
    min_username_len: -1
    max_username_len: 31
    min_password_len: 1
    max_password_len: 63
`
	routerPath, bucketsPath := writeTempConfigs(t, router, validBucketsYAML)

	_, err := Load(routerPath, bucketsPath)
	if err == nil {
		t.Fatal("expected a username bounds validation error")
	}
}

func TestLoadRejectsPasswordBoundsAboveCeiling(t *testing.T) {
	router := `
router:
  listen_port: 8080
  session_idle_timeout: 10m
  worker_idle_timeout: 100s
  credentials:
    min_username_len: 1
    max_username_len: 31
    min_password_len: 1
    max_password_len: 256
`
	routerPath, bucketsPath := writeTempConfigs(t, router, validBucketsYAML)

	_, err := Load(routerPath, bucketsPath)
	if err == nil {
		t.Fatal("expected a password bounds validation error")
	}
}

func TestLoadRejectsBackoffMultiplierNotGreaterThanOne(t *testing.T) {
	router := `
router:
  listen_port: 8080
  session_idle_timeout: 10m
  worker_idle_timeout: 100s
  rate_limit:
    backoff_multiplier: 1
    block_duration: 300s
`
	routerPath, bucketsPath := writeTempConfigs(t, router, validBucketsYAML)

	_, err := Load(routerPath, bucketsPath)
	if err == nil {
		t.Fatal("expected a backoff multiplier validation error")
	}
}

func TestLoadRejectsNonPositiveBlockDuration(t *testing.T) {
	router := `
router:
  listen_port: 8080
  session_idle_timeout: 10m
  worker_idle_timeout: 100s
  rate_limit:
    backoff_multiplier: 2
    block_duration: -1s
`
	routerPath, bucketsPath := writeTempConfigs(t, router, validBucketsYAML)

	_, err := Load(routerPath, bucketsPath)
	if err == nil {
		t.Fatal("expected a block duration validation error")
	}
}

func TestBucketCountFormula(t *testing.T) {
	capCfg := CapacityConfig{NumberOfUsers: 10, UsersPerSocket: 5, SocketsPerBucket: 2}
	if got := capCfg.BucketCount(); got != 1 {
		t.Fatalf("expected bucket_count=1, got %d", got)
	}

	capCfg2 := CapacityConfig{NumberOfUsers: 11, UsersPerSocket: 5, SocketsPerBucket: 2}
	if got := capCfg2.BucketCount(); got != 2 {
		t.Fatalf("expected bucket_count=2 for 11 users, got %d", got)
	}
}
