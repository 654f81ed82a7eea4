package repocore

import (
	"flag"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"

	"github.com/nimbus-pm/repocore/internal/fetch"
)

// Options is the enumerated configuration surface spec.md §6 names:
// the small set of flags that change the core's behavior rather than
// just its inputs. Assembled from flags and .env values using
// godotenv.Overload layered over environment lookups, generalized here
// into a struct so library callers don't have to depend on the flag
// package themselves.
type Options struct {
	Offline       bool
	UseIndexCache bool

	// LocalRepodataTTL: 0 = always stale, exactly 1s = use upstream
	// max-age, >1s = the TTL itself (spec.md §4.2 Stale).
	LocalRepodataTTL time.Duration

	UseOnlyTarBz2            bool
	AddPipAsPythonDependency bool

	// RepodataThreads bounds query.go's QueryAll worker pool; <=1 (or
	// SingleThreaded) forces a deterministic single-worker executor
	// (spec.md §5).
	RepodataThreads int
	SingleThreaded  bool

	RemoteConnectTimeout time.Duration
	RemoteReadTimeout    time.Duration

	// DisableJLAP skips the incremental-patch path entirely, falling
	// straight to the zst/full negotiation ladder (spec.md §6).
	DisableJLAP bool

	CacheDir string

	// S3 configures the object-store backend for channels whose URL
	// scheme is "s3://" (spec.md §5 open question). Left nil, such
	// channels fail fast with an unsupported-scheme error rather than
	// silently falling back to HTTP.
	S3 *fetch.S3Config
}

// DefaultOptions mirrors the original client's out-of-the-box
// defaults: JLAP and zst both tried, a one-hour local TTL, four
// fetch workers.
func DefaultOptions() Options {
	return Options{
		LocalRepodataTTL:     time.Hour,
		RepodataThreads:      4,
		RemoteConnectTimeout: 9500 * time.Millisecond,
		RemoteReadTimeout:    60 * time.Second,
		CacheDir:             defaultCacheDir(),
	}
}

// LoadOptions layers .env values and flags parsed from args (on its
// own flag set, not flag.CommandLine) over DefaultOptions: godotenv.Overload(".env", "../.env", "../../.env")
// followed by environment-variable reads, then explicit flags. Every
// option here is optional — unlike the Firestore/S3 credentials used
// elsewhere, nothing in Options is required for the core to run in
// offline/local mode.
func LoadOptions(args []string) Options {
	_ = godotenv.Overload(".env", "../.env", "../../.env")
	opts := DefaultOptions()

	fs := flag.NewFlagSet("repocore", flag.ContinueOnError)
	offline := fs.Bool("offline", envBool("REPOCORE_OFFLINE", opts.Offline), "skip all non-file:// network fetches")
	useIndexCache := fs.Bool("use-index-cache", envBool("REPOCORE_USE_INDEX_CACHE", opts.UseIndexCache), "always serve from on-disk cache without revalidation")
	localTTL := fs.Duration("local-repodata-ttl", envDuration("REPOCORE_LOCAL_REPODATA_TTL", opts.LocalRepodataTTL), "local repodata TTL (0 = always stale, 1s = use upstream max-age)")
	tarBz2Only := fs.Bool("use-only-tar-bz2", envBool("REPOCORE_USE_ONLY_TAR_BZ2", opts.UseOnlyTarBz2), "ignore packages.conda entirely")
	pipAsDep := fs.Bool("add-pip-as-python-dependency", envBool("REPOCORE_ADD_PIP_AS_PYTHON_DEPENDENCY", opts.AddPipAsPythonDependency), "append pip to python 2.x/3.x depends")
	threads := fs.Int("repodata-threads", envInt("REPOCORE_REPODATA_THREADS", opts.RepodataThreads), "QueryAll worker-pool upper bound")
	singleThreaded := fs.Bool("single-threaded", envBool("REPOCORE_SINGLE_THREADED", opts.SingleThreaded), "force deterministic single-worker query_all ordering")
	connectTimeout := fs.Duration("remote-connect-timeout", envDuration("REPOCORE_REMOTE_CONNECT_TIMEOUT", opts.RemoteConnectTimeout), "HTTP connect timeout")
	readTimeout := fs.Duration("remote-read-timeout", envDuration("REPOCORE_REMOTE_READ_TIMEOUT", opts.RemoteReadTimeout), "HTTP read timeout")
	disableJLAP := fs.Bool("disable-jlap", envBool("REPOCORE_DISABLE_JLAP", opts.DisableJLAP), "skip the JLAP incremental-patch path entirely")
	cacheDir := fs.String("cache-dir", os.Getenv("REPOCORE_CACHE_DIR"), "repodata cache directory")

	_ = fs.Parse(args)

	opts.Offline = *offline
	opts.UseIndexCache = *useIndexCache
	opts.LocalRepodataTTL = *localTTL
	opts.UseOnlyTarBz2 = *tarBz2Only
	opts.AddPipAsPythonDependency = *pipAsDep
	opts.RepodataThreads = *threads
	opts.SingleThreaded = *singleThreaded
	opts.RemoteConnectTimeout = *connectTimeout
	opts.RemoteReadTimeout = *readTimeout
	opts.DisableJLAP = *disableJLAP
	if *cacheDir != "" {
		opts.CacheDir = *cacheDir
	}
	return opts
}

func defaultCacheDir() string {
	if dir, err := os.UserCacheDir(); err == nil {
		return dir + "/repocore"
	}
	return ".repocore-cache"
}

func envBool(key string, def bool) bool {
	v, ok := os.LookupEnv(key)
	if !ok {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def
	}
	return b
}

func envInt(key string, def int) int {
	v, ok := os.LookupEnv(key)
	if !ok {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

func envDuration(key string, def time.Duration) time.Duration {
	v, ok := os.LookupEnv(key)
	if !ok {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return def
	}
	return d
}
