package nbd

import (
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hashicorp/go-hclog"
	"github.com/pkg/errors"
)

type State int32

const (
	StateNegotiating State = iota
	StateBound
	StateServing
	StateDisconnecting
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateNegotiating:
		return "negotiating"
	case StateBound:
		return "bound"
	case StateServing:
		return "serving"
	case StateDisconnecting:
		return "disconnecting"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

type MountOptions struct {
	ReadOnly bool

	// Timeout is the kernel's per-request timeout. Zero keeps the driver
	// default.
	Timeout time.Duration

	open func(path string) (driver, error)
}

// Device is the handle of a mounted block device. It is handed to the setup
// callback of Mount and is only valid until Mount returns.
type Device struct {
	log  hclog.Logger
	path string
	geo  Geometry

	drv  driver
	conn channel

	state atomic.Int32

	closeConn sync.Once

	loopDone    chan struct{}
	binderDone  chan struct{}
	unmountDone chan struct{}
	binderErr   error
}

func (d *Device) Path() string {
	return d.path
}

func (d *Device) Geometry() Geometry {
	return d.geo
}

func (d *Device) State() State {
	return State(d.state.Load())
}

func (d *Device) transition(from, to State) bool {
	return d.state.CompareAndSwap(int32(from), int32(to))
}

// SetTimeout changes the kernel's per-request timeout. The driver counts in
// whole seconds, so partial seconds round up.
func (d *Device) SetTimeout(timeout time.Duration) error {
	switch d.State() {
	case StateBound, StateServing:
	default:
		return ErrNotMounted
	}

	return errors.Wrapf(d.drv.SetTimeout(timeoutSeconds(timeout)), "setting timeout on %s", d.path)
}

// Unmount disconnects the device and returns once the kernel has released
// it. It may only be called once; later calls return ErrNotMounted. It must
// not be called from inside a backend method.
func (d *Device) Unmount() error {
	serving := d.transition(StateServing, StateDisconnecting)
	if !serving && !d.transition(StateBound, StateDisconnecting) {
		return ErrNotMounted
	}

	defer close(d.unmountDone)

	d.log.Info("unmounting device", "path", d.path)

	var result error

	if err := d.drv.Disconnect(); err != nil {
		d.log.Warn("disconnect failed", "path", d.path, "error", err)
		result = errors.Wrapf(err, "disconnecting %s", d.path)
	}

	if serving {
		// Requests already on the channel are still answered; the loop
		// stops once it has drained them.
		if err := d.conn.CloseRead(); err != nil {
			d.log.Debug("closing read side of channel", "error", err)
		}

		<-d.loopDone
	}

	d.closeChannel()

	<-d.binderDone

	if result == nil && d.binderErr != nil {
		result = d.binderErr
	}

	return result
}

func (d *Device) closeChannel() {
	d.closeConn.Do(func() {
		d.conn.Close()
	})
}

// run executes NBD_DO_IT on a dedicated OS thread for the life of the mount.
func (d *Device) run() {
	defer close(d.binderDone)

	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	d.log.Debug("entering driver", "path", d.path)

	err := d.drv.DoIt()
	if err != nil {
		d.binderErr = errors.Wrapf(err, "running %s", d.path)
	}

	// Nothing meaningful can be done if cleanup fails.
	if err := d.drv.ClearQueue(); err != nil {
		d.log.Trace("clearing queue", "error", err)
	}

	if err := d.drv.ClearSock(); err != nil {
		d.log.Trace("clearing socket", "error", err)
	}

	d.log.Debug("driver released", "path", d.path, "error", err)
}

// Mount attaches backend to the NBD device node at path and serves it until
// the device is disconnected. setup is called with the device handle once the
// kernel has been bound and before any request is read; it must not block.
//
// If the process exits without the device being unmounted the kernel keeps
// the node bound with nothing serving it.
func Mount(log hclog.Logger, path string, backend Backend, setup func(*Device) error, opts *MountOptions) error {
	if opts == nil {
		opts = &MountOptions{}
	}

	log = log.Named("nbd")

	geo := GeometryOf(backend)
	if err := geo.Validate(); err != nil {
		return err
	}

	info := NewExportInfo(geo, backend, opts.ReadOnly)

	log.Debug("negotiated export", "path", path, "size", info.Size, "block-size", info.BlockSize, "flags", info.Flags)

	open := opts.open
	if open == nil {
		open = openKernelDriver
	}

	drv, err := open(path)
	if err != nil {
		return err
	}

	conn, kernel, err := newChannel()
	if err != nil {
		drv.Close()
		return err
	}

	d := &Device{
		log:         log,
		path:        path,
		geo:         geo,
		drv:         drv,
		conn:        conn,
		loopDone:    make(chan struct{}),
		binderDone:  make(chan struct{}),
		unmountDone: make(chan struct{}),
	}

	err = bind(drv, info, kernel, timeoutSeconds(opts.Timeout))

	// The driver holds its own reference to the socket once it is bound, so
	// the channel ends as soon as the kernel lets go of it.
	kernel.Close()

	if err != nil {
		conn.Close()
		drv.Close()

		return err
	}

	// Older kernels do not know NBD_SET_FLAGS; the loop still refuses
	// commands the backend cannot serve.
	if err := drv.SetFlags(uint64(info.Flags)); err != nil {
		log.Debug("unable to set transmission flags", "error", err)
	}

	d.state.Store(int32(StateBound))

	go d.run()

	defer d.release()

	if setup != nil {
		if err := setup(d); err != nil {
			close(d.loopDone)

			if d.transition(StateBound, StateDisconnecting) {
				d.abort()
			} else {
				<-d.unmountDone
			}

			return errors.Wrapf(err, "setup of %s", path)
		}
	}

	if !d.transition(StateBound, StateServing) {
		// Unmounted from inside setup.
		close(d.loopDone)
		<-d.unmountDone
		return nil
	}

	log.Info("serving device", "path", path, "size", info.Size)

	serveErr := newSession(log, conn, backend, info).serve()

	close(d.loopDone)

	if d.transition(StateServing, StateDisconnecting) {
		if serveErr != nil {
			log.Error("session failed, forcing disconnect", "path", path, "error", serveErr)
		}

		d.abort()
	} else {
		<-d.unmountDone
	}

	return serveErr
}

// abort tears the mount down when the session ended without Unmount.
func (d *Device) abort() {
	if err := d.drv.Disconnect(); err != nil {
		d.log.Debug("forced disconnect", "path", d.path, "error", err)
	}

	d.closeChannel()

	<-d.binderDone
}

func (d *Device) release() {
	d.closeChannel()
	d.drv.Close()

	d.state.Store(int32(StateClosed))

	d.log.Info("device released", "path", d.path)
}
