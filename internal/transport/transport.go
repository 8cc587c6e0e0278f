// Package transport implements the reader goroutine: one owned goroutine
// per Session that pulls raw bytes from either a USB bulk endpoint
// (github.com/google/gousb) or a TCP socket (net), timestamps each
// read, and pushes it into the packet ring. Cancellation is cooperative
// via context.Context: the reader polls ctx.Done() between reads and
// returns promptly rather than being torn down forcibly.
package transport

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/google/gousb"
	"github.com/sirupsen/logrus"

	"swotrace/internal/packetring"
	"swotrace/internal/statuslog"
)

// readRetryDelay is how long the reader backs off after a transient
// (short read or timeout) error before retrying the same endpoint.
const readRetryDelay = 50 * time.Millisecond

// Status reports the outcome of opening a transport.
type Status int

const (
	StatusOK Status = iota
	StatusNoInterface
	StatusNoDevpath
	StatusNoAccess
	StatusNoPipe
	StatusNoThread
	StatusInitFailed
)

func (s Status) String() string {
	switch s {
	case StatusOK:
		return "ok"
	case StatusNoInterface:
		return "no interface"
	case StatusNoDevpath:
		return "no device path"
	case StatusNoAccess:
		return "no access"
	case StatusNoPipe:
		return "no pipe"
	case StatusNoThread:
		return "no thread"
	case StatusInitFailed:
		return "init failed"
	default:
		return "unknown"
	}
}

// Acquisition step locations, returned in OpenError.Location so a
// caller can report which step of opening the transport failed rather
// than only the resulting Status.
const (
	LocOpenDevice = iota + 1
	LocDeviceNotFound
	LocConfig
	LocInterface
	LocEndpoint
	LocStream
	LocDial
)

// OpenError wraps a transport open failure with the acquisition step
// that failed.
type OpenError struct {
	Status   Status
	Location int
	Err      error
}

func (e *OpenError) Error() string {
	return fmt.Sprintf("%s (step %d): %v", e.Status, e.Location, e.Err)
}

func (e *OpenError) Unwrap() error { return e.Err }

// Notifier models the GUI collaborator hooks a reader calls out to:
// Wake nudges the UI to redraw once new frames have landed, and Clock
// returns the wall time used to timestamp frames. The CLI supplies a
// no-op Wake and a time.Now-backed Clock.
type Notifier interface {
	Wake()
	Clock() float64
}

// NoopNotifier is a Notifier that does nothing and reports wall-clock
// time via time.Now, suitable for headless callers.
type NoopNotifier struct{}

func (NoopNotifier) Wake() {}

func (NoopNotifier) Clock() float64 {
	return float64(time.Now().UnixNano()) / 1e9
}

// endpoint is the narrow byte-source interface both USB and TCP readers
// satisfy, letting Reader stay transport-agnostic. retryable classifies
// a non-nil Read error: true means the condition is transient (a short
// read or timeout) and the reader should back off and retry; false
// means the transport itself is no longer usable and the reader
// goroutine should exit.
type endpoint interface {
	Read(buf []byte) (int, error)
	Close() error
	retryable(err error) bool
}

// Reader owns the single background goroutine that drains an endpoint
// into a packetring.Ring: exactly one writer goroutine per Session.
type Reader struct {
	ring     *packetring.Ring
	notifier Notifier
	status   *statuslog.Log
	logger   *logrus.Logger

	ep     endpoint
	cancel context.CancelFunc
	done   chan struct{}
}

// NewReader wraps an already-opened endpoint. Use OpenUSB or OpenTCP to
// obtain one. status may be nil, in which case a fatal transport error
// is only logged, never surfaced as a status message.
func NewReader(ep endpoint, ring *packetring.Ring, notifier Notifier, status *statuslog.Log, logger *logrus.Logger) *Reader {
	if notifier == nil {
		notifier = NoopNotifier{}
	}
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Reader{ring: ring, notifier: notifier, status: status, logger: logger, ep: ep}
}

// Start launches the reader goroutine. It returns immediately; the
// goroutine runs until ctx is cancelled or Stop is called.
func (r *Reader) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	r.cancel = cancel
	r.done = make(chan struct{})
	go r.run(ctx)
}

func (r *Reader) run(ctx context.Context) {
	defer close(r.done)
	buf := make([]byte, packetring.FrameSize)
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		n, err := r.ep.Read(buf)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			if r.ep.retryable(err) {
				r.logger.WithError(err).Debug("transport read timeout, retrying")
				select {
				case <-ctx.Done():
					return
				case <-time.After(readRetryDelay):
				}
				continue
			}
			r.reportFatal(err)
			return
		}
		if n <= 0 {
			select {
			case <-ctx.Done():
				return
			case <-time.After(readRetryDelay):
			}
			continue
		}

		ts := r.notifier.Clock()
		if !r.ring.Enqueue(buf[:n], ts) {
			r.logger.Warn("packet ring overflow, dropping frame")
		}
		r.notifier.Wake()
	}
}

// reportFatal logs and, if a status log was supplied, pushes an
// OriginProbe message before the reader goroutine exits, so a runtime
// transport failure is visible to the UI/CLI rather than the capture
// just going silent.
func (r *Reader) reportFatal(err error) {
	r.logger.WithError(err).Warn("transport reader exiting: transport error")
	if r.status != nil {
		r.status.Add(statuslog.OriginProbe, fmt.Sprintf("trace transport failed: %v", err), -1)
	}
}

// Stop signals cooperative cancellation and waits up to budget for the
// goroutine to exit. The endpoint is closed unconditionally afterward,
// whether or not the goroutine exited in time, so no descriptor is ever
// leaked past Stop.
func (r *Reader) Stop(budget time.Duration) {
	if r.cancel == nil {
		return
	}
	r.cancel()

	select {
	case <-r.done:
	case <-time.After(budget):
		r.logger.Warn("transport goroutine did not exit within budget, abandoning")
	}
	if err := r.ep.Close(); err != nil {
		r.logger.WithError(err).Debug("error closing transport endpoint")
	}
}

// usbEndpoint adapts a gousb bulk IN endpoint to the endpoint interface.
type usbEndpoint struct {
	ctx    *gousb.Context
	dev    *gousb.Device
	cfg    *gousb.Config
	iface  *gousb.Interface
	stream *gousb.ReadStream
	in     *gousb.InEndpoint
}

func (u *usbEndpoint) Read(buf []byte) (int, error) {
	return u.stream.Read(buf)
}

// retryable treats only a read timeout as transient: any other error
// (device unplugged, pipe halted) means the USB handle is no longer
// usable and the reader should exit.
func (u *usbEndpoint) retryable(err error) bool {
	return isTimeout(err)
}

func isTimeout(err error) bool {
	te, ok := err.(interface{ Timeout() bool })
	return ok && te.Timeout()
}

func (u *usbEndpoint) Close() error {
	if u.stream != nil {
		u.stream.Close()
	}
	if u.iface != nil {
		u.iface.Close()
	}
	if u.cfg != nil {
		u.cfg.Close()
	}
	if u.dev != nil {
		u.dev.Close()
	}
	if u.ctx != nil {
		u.ctx.Close()
	}
	return nil
}

// USBConfig identifies the Black Magic Probe's trace bulk endpoint.
type USBConfig struct {
	VendorID    gousb.ID
	ProductID   gousb.ID
	Interface   int
	AltSetting  int
	EndpointNum int
}

// OpenUSB claims the trace interface on the first matching USB device
// and returns a Reader ready to Start.
func OpenUSB(cfg USBConfig, ring *packetring.Ring, notifier Notifier, status *statuslog.Log, logger *logrus.Logger) (*Reader, Status, error) {
	ctx := gousb.NewContext()

	dev, err := ctx.OpenDeviceWithVIDPID(cfg.VendorID, cfg.ProductID)
	if err != nil {
		ctx.Close()
		return nil, StatusInitFailed, &OpenError{Status: StatusInitFailed, Location: LocOpenDevice, Err: fmt.Errorf("open usb device: %w", err)}
	}
	if dev == nil {
		ctx.Close()
		return nil, StatusNoDevpath, &OpenError{Status: StatusNoDevpath, Location: LocDeviceNotFound, Err: errors.New("no matching Black Magic Probe found")}
	}

	if err := dev.SetAutoDetach(true); err != nil {
		logger.WithError(err).Debug("could not enable usb auto-detach")
	}

	usbCfg, err := dev.Config(1)
	if err != nil {
		dev.Close()
		ctx.Close()
		return nil, StatusNoAccess, &OpenError{Status: StatusNoAccess, Location: LocConfig, Err: fmt.Errorf("select usb configuration: %w", err)}
	}

	iface, err := usbCfg.Interface(cfg.Interface, cfg.AltSetting)
	if err != nil {
		usbCfg.Close()
		dev.Close()
		ctx.Close()
		return nil, StatusNoInterface, &OpenError{Status: StatusNoInterface, Location: LocInterface, Err: fmt.Errorf("claim trace interface: %w", err)}
	}

	in, err := iface.InEndpoint(cfg.EndpointNum)
	if err != nil {
		iface.Close()
		usbCfg.Close()
		dev.Close()
		ctx.Close()
		return nil, StatusNoInterface, &OpenError{Status: StatusNoInterface, Location: LocEndpoint, Err: fmt.Errorf("open trace endpoint: %w", err)}
	}

	stream, err := in.NewStream(packetring.FrameSize, 4)
	if err != nil {
		iface.Close()
		usbCfg.Close()
		dev.Close()
		ctx.Close()
		return nil, StatusInitFailed, &OpenError{Status: StatusInitFailed, Location: LocStream, Err: fmt.Errorf("open trace read stream: %w", err)}
	}

	ep := &usbEndpoint{ctx: ctx, dev: dev, cfg: usbCfg, iface: iface, stream: stream, in: in}
	return NewReader(ep, ring, notifier, status, logger), StatusOK, nil
}

// tcpEndpoint adapts a net.Conn to the endpoint interface.
type tcpEndpoint struct {
	conn net.Conn
}

func (t *tcpEndpoint) Read(buf []byte) (int, error) { return t.conn.Read(buf) }
func (t *tcpEndpoint) Close() error                 { return t.conn.Close() }

// retryable is always false: per the transport reader's TCP policy,
// EOF or any other read error ends the connection and exits the loop.
func (t *tcpEndpoint) retryable(error) bool { return false }

// OpenTCP dials host:port, used when a host address is supplied instead
// of selecting the USB trace endpoint.
func OpenTCP(host string, port uint16, ring *packetring.Ring, notifier Notifier, status *statuslog.Log, logger *logrus.Logger) (*Reader, Status, error) {
	addr := fmt.Sprintf("%s:%d", host, port)
	conn, err := net.DialTimeout("tcp", addr, 5*time.Second)
	if err != nil {
		return nil, StatusNoPipe, &OpenError{Status: StatusNoPipe, Location: LocDial, Err: fmt.Errorf("dial trace endpoint %s: %w", addr, err)}
	}
	ep := &tcpEndpoint{conn: conn}
	return NewReader(ep, ring, notifier, status, logger), StatusOK, nil
}
