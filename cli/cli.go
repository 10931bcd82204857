package cli

import (
	"context"
	"fmt"
	"net"
	"net/http"
	_ "net/http/pprof"
	"os"
	"os/signal"
	"text/tabwriter"

	"github.com/hashicorp/go-hclog"
	"github.com/lab47/cleo"
	"github.com/lab47/vblk"
	"github.com/lab47/vblk/pkg/nbd"
	"github.com/mitchellh/cli"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sys/unix"
)

type CLI struct {
	log hclog.Logger

	lc *cli.CLI
}

type Global struct {
	Config string `short:"c" long:"config" description:"device configuration" required:"true"`
	Debug  bool   `short:"D" long:"debug" description:"enable debug mode"`
}

func NewCLI(log hclog.Logger, args []string) (*CLI, error) {
	c := &CLI{
		log: log,
		lc:  cli.NewCLI("vblk", "alpha"),
	}

	c.lc.Args = args

	err := c.setupCommands()
	if err != nil {
		return nil, err
	}

	return c, nil
}

func (c *CLI) Run() (int, error) {
	return c.lc.Run()
}

func (c *CLI) setupCommands() error {
	c.lc.Commands = map[string]cli.CommandFactory{
		"mount": func() (cli.Command, error) {
			return cleo.Infer("mount", "attach the backend to a kernel nbd device", c.mount), nil
		},
		"serve": func() (cli.Command, error) {
			return cleo.Infer("serve", "serve the backend to nbd clients over the network", c.serve), nil
		},
		"inspect": func() (cli.Command, error) {
			return cleo.Infer("inspect", "show the backend geometry and capabilities", c.inspect), nil
		},
	}

	return nil
}

func (c *CLI) setup(opts Global, readOnly bool) (*vblk.Config, nbd.Backend, hclog.Logger, error) {
	log := c.log

	if opts.Debug {
		log.SetLevel(hclog.Trace)
	}

	cfg, err := vblk.LoadConfig(opts.Config)
	if err != nil {
		return nil, nil, nil, errors.Wrapf(err, "loading configuration")
	}

	cfg.ReadOnly = cfg.ReadOnly || readOnly

	be, err := vblk.OpenBackend(log, &cfg.Backend, cfg.ReadOnly)
	if err != nil {
		return nil, nil, nil, errors.Wrapf(err, "opening backend")
	}

	return cfg, be, log, nil
}

func serveMetrics(log hclog.Logger, addr string) {
	if addr == "" {
		return
	}

	http.Handle("/metrics", promhttp.Handler())

	// Will also include pprof via the init() in net/http/pprof
	go func() {
		err := http.ListenAndServe(addr, nil)
		if err != nil {
			log.Error("error serving metrics", "error", err, "addr", addr)
		}
	}()
}

func (c *CLI) mount(ctx context.Context, opts struct {
	Global
	Device   string `short:"d" long:"device" description:"nbd device node to attach to"`
	ReadOnly bool   `short:"r" long:"read-only" description:"refuse writes"`
}) error {
	cfg, be, log, err := c.setup(opts.Global, opts.ReadOnly)
	if err != nil {
		return err
	}

	defer vblk.CloseBackend(be)

	device := cfg.Device
	if opts.Device != "" {
		device = opts.Device
	}

	serveMetrics(log, cfg.MetricsAddr)

	ctx, cancel := signal.NotifyContext(ctx, os.Interrupt, unix.SIGTERM)
	defer cancel()

	err = nbd.Mount(log, device, be, func(d *nbd.Device) error {
		log.Info("device attached", "device", d.Path(), "size", d.Geometry().Size())

		go func() {
			<-ctx.Done()
			log.Info("detaching device", "device", d.Path())

			if err := d.Unmount(); err != nil && !errors.Is(err, nbd.ErrNotMounted) {
				log.Error("error detaching device", "error", err)
			}
		}()

		return nil
	}, &nbd.MountOptions{
		ReadOnly: cfg.ReadOnly,
		Timeout:  cfg.TimeoutDuration(),
	})
	if err != nil {
		return errors.Wrapf(err, "mounting %s", device)
	}

	log.Info("device detached", "device", device)

	return nil
}

func (c *CLI) serve(ctx context.Context, opts struct {
	Global
	Name     string `short:"n" long:"name" default:"vblk" description:"name of the export"`
	Addr     string `short:"a" long:"addr" description:"address to listen on"`
	ReadOnly bool   `short:"r" long:"read-only" description:"refuse writes"`
}) error {
	cfg, be, log, err := c.setup(opts.Global, opts.ReadOnly)
	if err != nil {
		return err
	}

	defer vblk.CloseBackend(be)

	addr := cfg.Listen
	if opts.Addr != "" {
		addr = opts.Addr
	}

	l, err := net.Listen("tcp", addr)
	if err != nil {
		return errors.Wrapf(err, "listening on %s", addr)
	}

	ctx, cancel := signal.NotifyContext(ctx, os.Interrupt, unix.SIGTERM)
	defer cancel()

	go func() {
		<-ctx.Done()
		log.Info("shutting down")
		l.Close()
	}()

	serveMetrics(log, cfg.MetricsAddr)

	serveOpts := &nbd.ServeOptions{
		Name:        opts.Name,
		Description: cfg.Backend.Type,
		ReadOnly:    cfg.ReadOnly,
	}

	log.Info("listening for connections", "addr", addr, "export", opts.Name)

	// Connections are served one at a time; backends expect one client.
	for {
		conn, err := l.Accept()
		if err != nil {
			break
		}

		log.Info("connection to nbd server", "remote", conn.RemoteAddr().String())

		err = nbd.Serve(log, conn, be, serveOpts)
		if err != nil {
			log.Error("error handling nbd client", "error", err)
		}

		conn.Close()
	}

	return nil
}

func (c *CLI) inspect(ctx context.Context, opts struct {
	Global
}) error {
	cfg, be, _, err := c.setup(opts.Global, true)
	if err != nil {
		return err
	}

	defer vblk.CloseBackend(be)

	geo := nbd.GeometryOf(be)
	info := nbd.NewExportInfo(geo, be, cfg.ReadOnly)

	tr := tabwriter.NewWriter(os.Stdout, 2, 2, 1, ' ', 0)
	defer tr.Flush()

	fmt.Fprintf(tr, "backend\t%s\n", cfg.Backend.Type)
	fmt.Fprintf(tr, "block size\t%d\n", geo.BlockSize)
	fmt.Fprintf(tr, "blocks\t%d\n", geo.Blocks)
	fmt.Fprintf(tr, "size\t%s\n", niceSize(int64(geo.Size())))
	fmt.Fprintf(tr, "flush\t%t\n", info.Has(nbd.NEGO_FLAG_SEND_FLUSH))
	fmt.Fprintf(tr, "trim\t%t\n", info.Has(nbd.NEGO_FLAG_SEND_TRIM))

	if err := geo.Validate(); err != nil {
		fmt.Fprintf(tr, "mountable\tno (%s)\n", err)
	} else {
		fmt.Fprintf(tr, "mountable\tyes\n")
	}

	inner := be
	if u, ok := be.(interface{ Unwrap() nbd.Backend }); ok {
		inner = u.Unwrap()
		fmt.Fprintf(tr, "cache blocks\t%d\n", cfg.Backend.CacheBlocks)
	}

	if bb, ok := inner.(*vblk.BoltBackend); ok {
		vol := bb.Volume()

		stored, err := bb.StoredBlocks()
		if err != nil {
			return err
		}

		fmt.Fprintf(tr, "volume\t%s\n", vol.ID)
		fmt.Fprintf(tr, "created\t%s\n", vol.Created)
		fmt.Fprintf(tr, "stored blocks\t%d\n", stored)
	}

	return nil
}

const (
	kilo = 1000
	mega = kilo * 1000
	giga = mega * 1000
	tera = giga * 1000
	peta = tera * 1000
)

func niceSize(sz int64) string {
	cases := []struct {
		f float64
		s string
	}{
		{peta, "PB"},
		{tera, "TB"},
		{giga, "GB"},
		{mega, "MB"},
		{kilo, "KB"},
	}

	x := float64(sz)

	for _, c := range cases {
		sub := x / c.f
		if sub >= 1.0 {
			return fmt.Sprintf("%.3f%s", sub, c.s)
		}
	}

	return fmt.Sprintf("%db", sz)
}
