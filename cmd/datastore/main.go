package main

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/docopt/docopt-go"
	"github.com/kjk/datastore/bundle"
	"github.com/kjk/datastore/datastore"
	"github.com/kjk/datastore/doc"
	"github.com/kjk/datastore/ident"
	"github.com/kjk/datastore/log"
	"github.com/kjk/datastore/peersync"
	"github.com/kjk/datastore/u"
)

const Version = "0.1.0"

const usage = `Hot-reloadable data stores.

Usage:
    datastore serve [--addr=<addr>] [--dirs=<dirs>] [--logdir=<logdir>] [--redis=<addr>] [--advertise] <layer>...
    datastore peer [--dirs=<dirs>] [--logdir=<logdir>] (--hub=<url> | --discover)
    datastore dump [--dirs=<dirs>] <layer>...
    datastore pack [--br] <dir> <bundle>
    datastore -h | --help
    datastore --version

Layers are listed from lowest to highest precedence. A layer is a directory,
a .zip or .bundle file, an http(s):// url of a bundle or s3://bucket/root.

Options:
    -h --help            Show this screen.
    --version            Show version.
    --addr=<addr>        Address the hub listens on [default: :8790].
    --dirs=<dirs>        Comma-separated data directories [default: items].
    --logdir=<logdir>    Directory for log files [default: logs].
    --redis=<addr>       Share broadcasts with other hubs through redis at <addr>.
    --advertise          Advertise the hub on the local network.
    --hub=<url>          Sync url of the hub e.g. ws://localhost:8790/sync.
    --discover           Find the hub on the local network.
    --br                 Compress documents with brotli.`

func main() {
	opts, err := docopt.ParseArgs(usage, os.Args[1:], Version)
	if err != nil {
		panic(err)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if x, _ := opts.Bool("serve"); x {
		err = serve(ctx, opts)
	} else if x, _ := opts.Bool("peer"); x {
		err = peer(ctx, opts)
	} else if x, _ := opts.Bool("dump"); x {
		err = dump(ctx, opts)
	} else if x, _ := opts.Bool("pack"); x {
		err = pack(opts)
	}
	if err != nil && !errors.Is(err, context.Canceled) {
		fmt.Fprintf(os.Stderr, "%s\n", err)
		os.Exit(1)
	}
}

// records are kept as generic JSON values
var anyDecoder = doc.DecoderFunc[any](func(id ident.ID, d doc.Document) (any, error) {
	return d.Value()
})

func splitDirs(opts docopt.Opts) []string {
	s, _ := opts.String("--dirs")
	var res []string
	for _, dir := range strings.Split(s, ",") {
		dir = strings.TrimSpace(dir)
		if dir != "" {
			res = append(res, dir)
		}
	}
	return res
}

func newRegistry(opts docopt.Opts, storeOpts ...datastore.Option) (*datastore.Registry, error) {
	r := datastore.NewRegistry(storeOpts...)
	for _, dir := range splitDirs(opts) {
		s := datastore.New[any](dir, anyDecoder, storeOpts...)
		if err := r.Register(s); err != nil {
			return nil, err
		}
	}
	if len(r.Stores()) == 0 {
		return nil, errors.New("no data directories given")
	}
	return r, nil
}

func initLog(opts docopt.Opts) {
	dir, _ := opts.String("--logdir")
	log.Init(&log.Config{Dir: dir})
}

func logReports(reports []datastore.Report) {
	for _, rep := range reports {
		log.Logf("%s\n", rep)
		for _, err := range rep.Errors {
			log.Logf("  %s\n", err)
		}
	}
}

func portOf(addr string) (int, error) {
	_, port, err := net.SplitHostPort(addr)
	if err != nil {
		return 0, err
	}
	return strconv.Atoi(port)
}

func serve(ctx context.Context, opts docopt.Opts) error {
	initLog(opts)
	defer log.Close()

	specs := opts["<layer>"].([]string)
	stack, err := newStack(ctx, specs)
	if err != nil {
		return err
	}

	var registry *datastore.Registry
	hubConfig := &peersync.HubConfig{
		OnConnect: func(p peersync.Peer) {
			log.IfErrf(registry.SendAllTo(p))
		},
		Snapshot: func(dir string) (map[ident.ID]doc.Document, bool) {
			return registry.Raw(dir)
		},
	}
	if addr, _ := opts.String("--redis"); addr != "" {
		relay, err := peersync.NewRedisRelay(ctx, addr, peersync.DefaultRelayChannel)
		if err != nil {
			return err
		}
		defer relay.Close()
		hubConfig.Relay = relay
	}
	hub := peersync.NewHub(hubConfig)
	registry, err = newRegistry(opts, datastore.WithAuthoritative(hub))
	if err != nil {
		return err
	}

	go hub.Run(ctx)

	reports, err := registry.Reload(ctx, stack)
	if err != nil {
		return err
	}
	logReports(reports)

	addr, _ := opts.String("--addr")
	srv := &http.Server{
		Addr:              addr,
		Handler:           hub.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	if x, _ := opts.Bool("--advertise"); x {
		port, err := portOf(addr)
		if err != nil {
			return fmt.Errorf("--addr '%s': %w", addr, err)
		}
		zc, err := peersync.Advertise(port)
		if err != nil {
			return err
		}
		defer zc.Shutdown()
	}

	// SIGHUP re-reads all layers
	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	defer signal.Stop(hup)
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case <-hup:
				log.Logf("SIGHUP, scheduling reload\n")
				registry.ScheduleReload(ctx, stack)
			}
		}
	}()

	go func() {
		<-ctx.Done()
		registry.StopScheduled()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	log.Logf("serving %d data stores on %s\n", len(registry.Stores()), addr)
	err = srv.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

func peer(ctx context.Context, opts docopt.Opts) error {
	initLog(opts)
	defer log.Close()

	registry, err := newRegistry(opts)
	if err != nil {
		return err
	}
	uri, _ := opts.String("--hub")
	if x, _ := opts.Bool("--discover"); x {
		discoverCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
		uri, err = peersync.Discover(discoverCtx)
		cancel()
		if err != nil {
			return err
		}
	}
	c := peersync.NewClient(&peersync.ClientConfig{
		URL: uri,
		OnPacket: func(p *peersync.Packet) {
			rep, err := registry.HandlePacket(p)
			if errors.Is(err, datastore.ErrStalePacket) {
				log.Logf("%s\n", err)
				return
			}
			if log.IfErrf(err) {
				return
			}
			logReports([]datastore.Report{rep})
		},
		OnConnected: func() {
			log.Logf("connected to %s\n", uri)
		},
	})
	return c.Run(ctx)
}

func dump(ctx context.Context, opts docopt.Opts) error {
	log.Output = os.Stderr
	specs := opts["<layer>"].([]string)
	stack, err := newStack(ctx, specs)
	if err != nil {
		return err
	}
	registry, err := newRegistry(opts)
	if err != nil {
		return err
	}
	reports, err := registry.Reload(ctx, stack)
	if err != nil {
		return err
	}
	logReports(reports)
	for _, s := range registry.Stores() {
		d, err := peersync.MarshalSnapshot(s.Raw())
		if err != nil {
			return err
		}
		fmt.Printf("%s:\n%s", s.Directory(), d)
	}
	return nil
}

func pack(opts docopt.Opts) error {
	dir, _ := opts.String("<dir>")
	path, _ := opts.String("<bundle>")
	w := bundle.NewWriter()
	if x, _ := opts.Bool("--br"); x {
		err := addDirCompressed(w, dir)
		if err != nil {
			return err
		}
	} else {
		if _, err := w.AddDir(dir); err != nil {
			return err
		}
	}
	w.SortByPath()
	if err := w.WriteToFile(path); err != nil {
		return err
	}
	log.Logf("wrote %d files to %s\n", len(w.Entries), path)
	return nil
}

// addDirCompressed adds .json files brotli-compressed as .json.br,
// other files as they are
func addDirCompressed(w *bundle.Writer, dir string) error {
	fsys := os.DirFS(dir)
	return fs.WalkDir(fsys, ".", func(path string, de fs.DirEntry, err error) error {
		if err != nil || de.IsDir() {
			return err
		}
		d, err := fs.ReadFile(fsys, path)
		if err != nil {
			return err
		}
		if strings.EqualFold(filepath.Ext(path), ".json") {
			d, err = u.BrCompressDataDefault(d)
			u.Must(err)
			path += ".br"
		}
		return w.AddData(d, path)
	})
}
