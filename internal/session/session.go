// Package session implements the single owned context object for one
// capture run: a Session groups a channel registry, packet ring,
// transport reader, ITM decoder, trace store, timeline index, and
// status log behind Init/Close lifecycle methods, in place of
// process-wide singletons.
package session

import (
	"context"
	"errors"
	"time"

	"github.com/google/gousb"
	"github.com/sirupsen/logrus"

	"swotrace/internal/chanreg"
	"swotrace/internal/itmdecode"
	"swotrace/internal/packetring"
	"swotrace/internal/statuslog"
	"swotrace/internal/timeline"
	"swotrace/internal/tracestore"
	"swotrace/internal/transport"
)

// closeBudget bounds how long Close waits for the transport goroutine to
// exit cooperatively before abandoning it.
const closeBudget = 1 * time.Second

// blackMagicProbeVID/PID identify the trace interface of a Black Magic
// Probe.
const (
	blackMagicProbeVID = gousb.ID(0x1d50)
	blackMagicProbePID = gousb.ID(0x6018)
	traceInterfaceNum  = 5
	traceEndpointNum   = 5
)

// Config selects how a Session's transport connects: either a USB bulk
// endpoint (Host empty) or a TCP endpoint (Host set), matching
// trace_init(endpoint, ipaddress)'s single-parameter dispatch.
type Config struct {
	Host string // empty selects USB; non-empty selects TCP
	Port uint16
}

// Session is the single owned context for one capture run.
type Session struct {
	Registry *chanreg.Registry
	Ring     *packetring.Ring
	Decoder  *itmdecode.Decoder
	Store    *tracestore.Store
	Timeline *timeline.Timeline
	Status   *statuslog.Log

	logger   *logrus.Logger
	notifier transport.Notifier
	reader   *transport.Reader

	lastError uint32
	lastAt    int
}

// New assembles a Session's components without opening any transport.
// Call Init to start capture.
func New(logger *logrus.Logger, notifier transport.Notifier, ctf itmdecode.CTFStream) *Session {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	if notifier == nil {
		notifier = transport.NoopNotifier{}
	}

	registry := chanreg.New()
	ring := packetring.New()
	status := statuslog.New(logger)
	store := tracestore.New(registry)
	tl := timeline.New(registry)
	decoder := itmdecode.New(ring, registry, ctf, store, status)

	return &Session{
		Registry: registry,
		Ring:     ring,
		Decoder:  decoder,
		Store:    store,
		Timeline: tl,
		Status:   status,
		logger:   logger,
		notifier: notifier,
	}
}

// Init opens the configured transport and starts its reader goroutine.
// Calling Init while already initialized is a no-op returning
// transport.StatusOK.
func (s *Session) Init(cfg Config) (transport.Status, error) {
	if s.reader != nil {
		return transport.StatusOK, nil
	}

	var reader *transport.Reader
	var status transport.Status
	var err error

	if cfg.Host != "" {
		reader, status, err = transport.OpenTCP(cfg.Host, cfg.Port, s.Ring, s.notifier, s.Status, s.logger)
	} else {
		usbCfg := transport.USBConfig{
			VendorID:    blackMagicProbeVID,
			ProductID:   blackMagicProbePID,
			Interface:   traceInterfaceNum,
			AltSetting:  0,
			EndpointNum: traceEndpointNum,
		}
		reader, status, err = transport.OpenUSB(usbCfg, s.Ring, s.notifier, s.Status, s.logger)
	}

	if err != nil {
		s.recordError(status, err)
		return status, err
	}

	s.reader = reader
	s.reader.Start(context.Background())
	return transport.StatusOK, nil
}

// Close signals cooperative cancellation of the reader goroutine, joins
// it with a bounded wait, and releases the transport handle. It also
// resets the packet ring's cursors and the decoder's carry state, so a
// subsequent Init on the same Session never decodes frames or a carry
// left over from the closed transport. Decoded trace history in Store
// is preserved — the caller decides when to clear it. Close on an
// uninitialized Session is a no-op that returns ErrNotInitialized.
func (s *Session) Close() error {
	if s.reader == nil {
		return ErrNotInitialized
	}
	s.reader.Stop(closeBudget)
	s.reader = nil
	s.Ring.Reset()
	s.Decoder.Reset()
	return nil
}

// LastError returns the last transport error code recorded by Init, and
// a location tag identifying which acquisition step failed: one of the
// transport.Loc* constants (open device, device not found, config,
// interface, endpoint, stream, dial), or 0 if the error carries no step
// information.
func (s *Session) LastError() (code uint32, location int) {
	return s.lastError, s.lastAt
}

func (s *Session) recordError(status transport.Status, err error) {
	s.lastError = uint32(status)
	s.lastAt = 0
	var openErr *transport.OpenError
	if errors.As(err, &openErr) {
		s.lastAt = openErr.Location
	}
	if s.Status != nil {
		s.Status.Add(statuslog.OriginProbe, errorText(status, err), -int(status)-1)
	}
}

func errorText(status transport.Status, err error) string {
	if err == nil {
		return status.String()
	}
	return status.String() + ": " + err.Error()
}

// ErrNotInitialized is returned by operations that require an open
// transport when none is present.
var ErrNotInitialized = errors.New("session: transport not initialized")
