// Command socks5d runs the SOCKS5 proxy and its management channel, per
// spec.md §6's CLI surface, wired together from internal/'s collaborators
// the way the teacher's main.go wires its own config/proxy/signal
// handling, but rebuilt on cobra/pflag and errgroup-coordinated shutdown
// (see SPEC_FULL.md's AMBIENT STACK).
package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/ealireza/socks5d/internal/conn"
	"github.com/ealireza/socks5d/internal/dissector"
	"github.com/ealireza/socks5d/internal/listener"
	"github.com/ealireza/socks5d/internal/logging"
	"github.com/ealireza/socks5d/internal/mgmt"
	"github.com/ealireza/socks5d/internal/metrics"
	"github.com/ealireza/socks5d/internal/reactor"
	"github.com/ealireza/socks5d/internal/resolver"
	"github.com/ealireza/socks5d/internal/users"
)

// version is stamped by -v/--version; socks5d has no build-time injection
// setup, so this is a fixed string like the teacher's untagged releases.
const version = "socks5d 0.1.0"

// resolverWorkers sizes the background DNS pool; unrelated to MaxUsers,
// just a fixed small number since lookups are I/O bound.
const resolverWorkers = 4

func main() {
	os.Exit(run())
}

func run() int {
	opts := newOptions()
	root := buildCommand(opts)

	if err := root.Execute(); err != nil {
		if errors.Is(err, errBadArgs) {
			return 1
		}
		fmt.Fprintln(os.Stderr, err)
		return 2
	}
	return 0
}

// errBadArgs distinguishes flag/validation failures (exit 1) from runtime
// failures (exit 2), per spec.md §6.
var errBadArgs = errors.New("socks5d: bad arguments")

type options struct {
	socksAddr string
	socksPort int
	mgmtAddr  string
	mgmtPort  int
	users     []string
	noDissect bool
	showVer   bool
	usersFile string
	testOnly  bool
}

func newOptions() *options {
	return &options{
		socksAddr: "0.0.0.0",
		socksPort: 1080,
		mgmtAddr:  "127.0.0.1",
		mgmtPort:  8080,
	}
}

func buildCommand(o *options) *cobra.Command {
	cmd := &cobra.Command{
		Use:           "socks5d",
		Short:         "SOCKS5 proxy server with a management channel",
		SilenceUsage:  true,
		SilenceErrors: false,
		RunE: func(cmd *cobra.Command, args []string) error {
			return mainE(o)
		},
	}
	// pflag's own parse failures (unknown flag, non-numeric -p, ...) would
	// otherwise surface as bare errors and exit 2; spec.md §6 wants every
	// bad-arguments case, hand-validated or not, to exit 1.
	cmd.SetFlagErrorFunc(func(c *cobra.Command, err error) error {
		return fmt.Errorf("%w: %v", errBadArgs, err)
	})
	flags := cmd.Flags()
	flags.StringVarP(&o.socksAddr, "listen", "l", o.socksAddr, "SOCKS5 bind address")
	flags.IntVarP(&o.socksPort, "port", "p", o.socksPort, "SOCKS5 bind port")
	flags.StringVarP(&o.mgmtAddr, "mgmt-listen", "L", o.mgmtAddr, "management channel bind address")
	flags.IntVarP(&o.mgmtPort, "mgmt-port", "P", o.mgmtPort, "management channel bind port")
	flags.StringArrayVarP(&o.users, "user", "u", nil, "name:pass credential (repeatable, up to 10)")
	flags.BoolVarP(&o.noDissect, "no-dissector", "N", false, "disable the credential dissector")
	flags.BoolVarP(&o.showVer, "version", "v", false, "print version and exit")
	flags.StringVarP(&o.usersFile, "users-file", "c", "", "optional YAML file to persist/load the user table")
	flags.BoolVarP(&o.testOnly, "test-config", "t", false, "validate flags and listener bindability, then exit")
	return cmd
}

func mainE(o *options) error {
	if o.showVer {
		fmt.Println(version)
		return nil
	}
	if len(o.users) > users.MaxUsers {
		return fmt.Errorf("%w: at most %d -u entries are supported", errBadArgs, users.MaxUsers)
	}

	store, err := loadUsers(o)
	if err != nil {
		return fmt.Errorf("%w: %v", errBadArgs, err)
	}

	logger, err := logging.New("log")
	if err != nil {
		return fmt.Errorf("socks5d: logging: %w", err)
	}
	defer logger.Close()

	met := metrics.New()
	diss := dissector.New(findingLogger{logger})
	if o.noDissect {
		diss.SetEnabled(false)
	}

	socksAddr := net.JoinHostPort(o.socksAddr, strconv.Itoa(o.socksPort))
	mgmtAddr := net.JoinHostPort(o.mgmtAddr, strconv.Itoa(o.mgmtPort))

	if o.testOnly {
		return testConfig(socksAddr, mgmtAddr, logger)
	}

	r, err := reactor.New()
	if err != nil {
		return fmt.Errorf("socks5d: %w", err)
	}
	defer r.Close()

	pool := resolver.NewPool(r, resolverWorkers)
	defer pool.Close()

	deps := conn.Deps{
		Users:     store,
		Dissector: diss,
		Metrics:   met,
		Log:       logger,
		Resolver:  pool,
		Reactor:   r,
	}
	sp := &spawner{deps: deps}

	ln, err := listener.New(socksAddr, 128, r, sp, logger)
	if err != nil {
		return fmt.Errorf("socks5d: %w", err)
	}
	defer ln.Close()

	mgmtSrv, err := mgmt.New(mgmtAddr, store, diss, met, logger)
	if err != nil {
		return fmt.Errorf("socks5d: %w", err)
	}
	defer mgmtSrv.Close()

	metricsHTTP := &http.Server{
		Addr:    net.JoinHostPort(o.mgmtAddr, strconv.Itoa(o.mgmtPort+1)),
		Handler: promhttp.HandlerFor(met.Registry(), promhttp.HandlerOpts{}),
	}

	logger.Emit(fmt.Sprintf("socks5 listening on %s", ln.Addr()))
	logger.Emit(fmt.Sprintf("management listening on %s", mgmtSrv.Addr()))
	logger.Emit(fmt.Sprintf("metrics listening on %s", metricsHTTP.Addr))

	return serve(r, ln, mgmtSrv, metricsHTTP, store, o.usersFile, logger)
}

func serve(r *reactor.Reactor, ln *listener.Listener, mgmtSrv *mgmt.Server, metricsHTTP *http.Server, store *users.Store, usersFile string, logger *logging.Logger) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error { return runReactor(gctx, r, logger) })
	g.Go(mgmtSrv.Serve)
	g.Go(func() error {
		err := metricsHTTP.ListenAndServe()
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	})
	g.Go(func() error {
		<-gctx.Done()
		return metricsHTTP.Shutdown(context.Background())
	})

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	select {
	case sig := <-sigCh:
		logger.Emit(fmt.Sprintf("received signal %s, shutting down", sig))
	case <-gctx.Done():
	}
	cancel()
	_ = ln.Close()
	_ = mgmtSrv.Close()

	err := g.Wait()
	if usersFile != "" {
		if serr := store.SaveYAML(usersFile); serr != nil {
			logger.Errorf("saving users file: %v", serr)
		}
	}
	return err
}

// runReactor drives the reactor's tick loop until ctx is cancelled.
func runReactor(ctx context.Context, r *reactor.Reactor, logger *logging.Logger) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}
		if err := r.Run(200 * time.Millisecond); err != nil {
			logger.Errorf("reactor: %v", err)
			return err
		}
	}
}

func loadUsers(o *options) (*users.Store, error) {
	var store *users.Store
	if o.usersFile != "" {
		s, err := users.LoadYAML(o.usersFile)
		if err != nil {
			return nil, err
		}
		store = s
	} else {
		store = users.New()
	}
	for _, spec := range o.users {
		name, pass, ok := strings.Cut(spec, ":")
		if !ok {
			return nil, fmt.Errorf("invalid -u value %q, want name:pass", spec)
		}
		if err := store.Add(name, pass, users.RoleUser); err != nil && !errors.Is(err, users.ErrAlreadyExists) {
			return nil, fmt.Errorf("-u %q: %w", name, err)
		}
	}
	return store, nil
}

func testConfig(socksAddr, mgmtAddr string, logger *logging.Logger) error {
	for _, addr := range []string{socksAddr, mgmtAddr} {
		l, err := net.Listen("tcp", addr)
		if err != nil {
			return fmt.Errorf("%w: bind %s: %v", errBadArgs, addr, err)
		}
		_ = l.Close()
	}
	fmt.Printf("configuration test OK\n  socks5: %s\n  mgmt:   %s\n", socksAddr, mgmtAddr)
	return nil
}

// spawner adapts conn.New to listener.Spawner, handing out monotonically
// increasing connection ids.
type spawner struct {
	deps   conn.Deps
	nextID atomic.Uint64
}

func (s *spawner) Spawn(fd int) error {
	id := s.nextID.Add(1)
	_, err := conn.New(id, fd, s.deps)
	return err
}

// findingLogger adapts logging.Logger to dissector.Sink, reporting
// recognized credentials to the log per spec.md's dissector description.
type findingLogger struct {
	log *logging.Logger
}

func (f findingLogger) Report(fd dissector.Finding) {
	f.log.Emit(fmt.Sprintf("dissector: user=%s source=%s dir=%d value=%s", fd.Username, fd.Source, fd.Dir, fd.Value))
}
