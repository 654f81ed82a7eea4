// Command repofetch is repocore's CLI entrypoint: acquire, cache, and
// query channel repodata from the command line, using a flag-driven
// mode switch (-mode=fetch|query|queryall|clean).
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"os"
	"strings"

	"github.com/joho/godotenv"

	"github.com/nimbus-pm/repocore"
	"github.com/nimbus-pm/repocore/internal/fetch"
	"github.com/nimbus-pm/repocore/internal/hash"
	"github.com/nimbus-pm/repocore/internal/matchspec"
)

func main() {
	_ = godotenv.Overload(".env", "../.env", "../../.env")

	var (
		mode        = flag.String("mode", "fetch", "fetch | query | queryall | clean")
		channelURL  = flag.String("channel", "", "channel URL, e.g. https://repo.anaconda.com/pkgs/main")
		channels    = flag.String("channels", "", "comma-separated channel URLs (queryall)")
		subdir      = flag.String("subdir", "linux-64", "subdir (platform tag)")
		subdirs     = flag.String("subdirs", "", "comma-separated subdirs (queryall); defaults to -subdir")
		name        = flag.String("name", "", "exact package name to query")
		cacheDir    = flag.String("cache-dir", "", "repodata cache directory (defaults to the OS cache dir)")
		offline     = flag.Bool("offline", false, "skip all non-file:// network fetches")
		useIndex    = flag.Bool("use-index-cache", false, "always serve from on-disk cache without revalidation")
		disableJLAP = flag.Bool("disable-jlap", false, "skip the JLAP incremental-patch path entirely")
		threads     = flag.Int("repodata-threads", 4, "queryall worker-pool upper bound")
		jsonOut     = flag.Bool("json", false, "emit JSON")
	)
	flag.Parse()

	opts := repocore.DefaultOptions()
	opts.Offline = *offline
	opts.UseIndexCache = *useIndex
	opts.DisableJLAP = *disableJLAP
	opts.RepodataThreads = *threads
	if *cacheDir != "" {
		opts.CacheDir = *cacheDir
	}

	httpClient := fetch.NewClient(opts.RemoteConnectTimeout, opts.RemoteReadTimeout)
	hasher := hash.New(hash.DefaultAlgorithm)
	registry := repocore.NewRegistry(opts, httpClient, hasher, nil, repocore.NoopSink{})

	ctx := context.Background()

	switch *mode {
	case "fetch":
		if *channelURL == "" {
			fmt.Println(`usage: -mode=fetch -channel "<url>" [-subdir linux-64]`)
			return
		}
		ch := repocore.Channel{URL: *channelURL, CanonicalName: canonicalName(*channelURL), Subdir: *subdir}
		sd := registry.Get(ch)
		parsed, err := sd.Load(ctx)
		if err != nil {
			log.Fatalf("fetch: %v", err)
		}
		if *jsonOut {
			_ = json.NewEncoder(os.Stdout).Encode(map[string]any{
				"channel": *channelURL,
				"subdir":  *subdir,
				"records": len(parsed.Records),
			})
			return
		}
		fmt.Printf("✓ %s/%s: %d records indexed\n", *channelURL, *subdir, len(parsed.Records))

	case "query":
		if *channelURL == "" || *name == "" {
			fmt.Println(`usage: -mode=query -channel "<url>" -name "<pkg>" [-subdir linux-64]`)
			return
		}
		ch := repocore.Channel{URL: *channelURL, CanonicalName: canonicalName(*channelURL), Subdir: *subdir}
		sd := registry.Get(ch)
		records, err := sd.Query(ctx, matchspec.NameSpec{Name: *name})
		if err != nil {
			log.Fatalf("query: %v", err)
		}
		if *jsonOut {
			_ = json.NewEncoder(os.Stdout).Encode(records)
			return
		}
		for _, r := range records {
			fmt.Printf("%s  %s-%s-%s\n", r.URL, r.Name, r.Version, r.Build)
		}

	case "queryall":
		if *channels == "" || *name == "" {
			fmt.Println(`usage: -mode=queryall -channels "<url1>,<url2>" -name "<pkg>" [-subdirs "linux-64,noarch"]`)
			return
		}
		specs := make([]repocore.ChannelSpec, 0)
		for _, u := range strings.Split(*channels, ",") {
			u = strings.TrimSpace(u)
			if u == "" {
				continue
			}
			specs = append(specs, repocore.ChannelSpec{URL: u, CanonicalName: canonicalName(u)})
		}
		subdirList := []string{*subdir}
		if *subdirs != "" {
			subdirList = strings.Split(*subdirs, ",")
		}
		expanded := repocore.ExpandChannels(specs, subdirList)

		results, err := repocore.QueryAll(ctx, registry, matchspec.NameSpec{Name: *name}, expanded, nil, opts)
		if err != nil {
			log.Fatalf("queryall: %v", err)
		}
		if *jsonOut {
			_ = json.NewEncoder(os.Stdout).Encode(results)
			return
		}
		for _, res := range results {
			if res.Err != nil {
				fmt.Printf("! %s/%s: %v\n", res.Channel.URL, res.Channel.Subdir, res.Err)
				continue
			}
			for _, r := range res.Records {
				fmt.Printf("%s  %s-%s-%s\n", r.URL, r.Name, r.Version, r.Build)
			}
		}

	case "clean":
		registry.ForgetLocal()
		fmt.Println("✓ forgot local (file://) cache entries")

	default:
		log.Fatalf("unknown mode: %s", *mode)
	}
}

// canonicalName derives a credential-free display name from a channel
// URL for Record.Channel/CanonicalName (spec.md §3: "its canonical
// name is credential-free"). A real client would strip basic-auth
// userinfo and known token query parameters; this CLI just trims the
// scheme, which is enough for local testing and scripting.
func canonicalName(url string) string {
	name := url
	for _, prefix := range []string{"https://", "http://", "file://", "s3://"} {
		name = strings.TrimPrefix(name, prefix)
	}
	return strings.TrimSuffix(name, "/")
}
