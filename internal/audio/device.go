package audio

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/gen2brain/malgo"
	"github.com/rootmos/audiojournal/pkg/channels"
	"github.com/rootmos/audiojournal/pkg/collections"
)

// Device is the capture source, wrapping malgo's capture device. Instead of
// a pollable fd, frames arrive non-blockingly on a channel, and a full
// channel is the overrun condition: there is no free region left to absorb
// the next packet.
type Device interface {
	// EnumerateDevices lists capture devices malgo can see.
	EnumerateDevices(ctx context.Context) ([]Info, error)

	// Capture allocates the underlying device and a bounded data channel.
	// Frames delivered by the capture callback are sent to the channel with
	// channels.SendNonBlock: a full channel triggers the overrun reported
	// through Overruns().
	Capture(ctx context.Context) (<-chan DataPacket, error)

	Start(ctx context.Context) error
	Stop(ctx context.Context) error
	IsStarted() bool

	// Overruns reports capture packets that were dropped because the data
	// channel was full: the Go-channel equivalent of a free region running
	// out before the consumer drains it.
	Overruns() <-chan struct{}

	// Dealloc releases the underlying device and context. Safe to call more
	// than once.
	Dealloc(ctx context.Context)
}

// DeviceConfig pins down the capture format and, optionally, which physical
// device to open.
type DeviceConfig struct {
	Format          malgo.FormatType
	CaptureChannels int
	SampleRate      int

	// DeviceID is the opaque identifier produced by the device-selector
	// helper or supplied directly via -d. "" and "default" both
	// mean: let malgo pick the system default.
	DeviceID string
}

type device struct {
	conf *DeviceConfig

	mgCtx    *malgo.AllocatedContext
	mgDevice *malgo.Device
	dataC    chan DataPacket
	overrunC chan struct{}
}

// NewDevice constructs a Device that has not yet been allocated.
func NewDevice(conf *DeviceConfig) Device {
	return &device{conf: conf}
}

func (d *device) EnumerateDevices(ctx context.Context) ([]Info, error) {
	devCtx, err := malgo.InitContext(nil, malgo.ContextConfig{}, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize malgo context: %w", err)
	}
	defer uninitializeContext(devCtx)

	captureDevices, err := devCtx.Devices(malgo.Capture)
	if err != nil {
		return nil, fmt.Errorf("failed to get capture devices: %w", err)
	}

	return collections.Apply(captureDevices, malgoDeviceInfoToDeviceInfo), nil
}

func (d *device) Capture(ctx context.Context) (<-chan DataPacket, error) {
	d.dataC = make(chan DataPacket, 64)
	d.overrunC = make(chan struct{}, 1)

	var err error
	d.mgCtx, d.mgDevice, err = d.allocMGDevice(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to create malgo capture device: %w", err)
	}

	return d.dataC, nil
}

func (d *device) Overruns() <-chan struct{} { return d.overrunC }

func (d *device) Start(ctx context.Context) error {
	if d.mgDevice == nil {
		return fmt.Errorf("device not allocated, call Capture() first")
	}

	if d.mgDevice.IsStarted() {
		return nil
	}

	if err := d.mgDevice.Start(); err != nil {
		return fmt.Errorf("failed to start malgo device: %w", err)
	}

	return nil
}

func (d *device) Stop(ctx context.Context) error {
	if d.mgDevice == nil {
		return nil
	}

	if err := d.mgDevice.Stop(); err != nil {
		return fmt.Errorf("failed to stop malgo device: %w", err)
	}

	return nil
}

func (d *device) IsStarted() bool {
	if d.mgDevice == nil {
		return false
	}
	return d.mgDevice.IsStarted()
}

func (d *device) Dealloc(ctx context.Context) {
	if d.mgDevice == nil {
		return
	}

	d.mgDevice.Uninit()
	d.mgCtx.Free()
	d.mgDevice = nil
	d.mgCtx = nil
}

func (d *device) allocMGDevice(ctx context.Context) (*malgo.AllocatedContext, *malgo.Device, error) {
	mgCtx, err := malgo.InitContext(nil, malgo.ContextConfig{}, func(msg string) {
		slog.Debug("malgo log", "msg", msg)
	})
	if err != nil {
		return nil, nil, fmt.Errorf("failed to initialize malgo context: %w", err)
	}

	deviceID, err := d.resolveDeviceID(mgCtx)
	if err != nil {
		uninitializeContext(mgCtx)
		return nil, nil, err
	}

	devCnf := malgo.DefaultDeviceConfig(malgo.Capture)
	devCnf.Capture.Format = d.conf.Format
	devCnf.Capture.Channels = uint32(d.conf.CaptureChannels)
	devCnf.SampleRate = uint32(d.conf.SampleRate)
	if deviceID != nil {
		devCnf.Capture.DeviceID = deviceID
	}

	callbacks := malgo.DeviceCallbacks{
		Data: func(_, samples []byte, _ uint32) {
			if err := channels.SendNonBlock(d.dataC, DataPacket(samples)); err != nil {
				_ = channels.SendNonBlock(d.overrunC, struct{}{})
			}
		},
	}

	mgDevice, err := malgo.InitDevice(mgCtx.Context, devCnf, callbacks)
	if err != nil {
		uninitializeContext(mgCtx)
		return nil, nil, fmt.Errorf("failed to initialize malgo device: %w", err)
	}

	return mgCtx, mgDevice, nil
}

// resolveDeviceID turns the opaque -d identifier into a malgo.DeviceID by
// matching it (case-insensitively, substring) against enumerated capture
// device names. "" and "default" mean: use whatever malgo defaults to.
func (d *device) resolveDeviceID(mgCtx *malgo.AllocatedContext) (*malgo.DeviceID, error) {
	id := strings.TrimSpace(d.conf.DeviceID)
	if id == "" || strings.EqualFold(id, "default") {
		return nil, nil
	}

	infos, err := mgCtx.Devices(malgo.Capture)
	if err != nil {
		return nil, fmt.Errorf("failed to enumerate capture devices while resolving %q: %w", id, err)
	}

	for i := range infos {
		if strings.Contains(strings.ToLower(infos[i].Name()), strings.ToLower(id)) {
			return &infos[i].ID, nil
		}
	}

	return nil, fmt.Errorf("no capture device matching %q", id)
}

// Info is the human-facing summary of a capture device, used by -D.
type Info struct {
	Name        string
	IsDefault   bool
	FormatCount int
	Formats     []string
}

func malgoDeviceInfoToDeviceInfo(mdi malgo.DeviceInfo) Info {
	formats := make([]string, len(mdi.Formats))
	for i, mf := range mdi.Formats {
		formats[i] = fmt.Sprintf("(SampleSizeBytes: %d, Channels: %d, SampleRate: %d)",
			malgo.SampleSizeInBytes(mf.Format), mf.Channels, mf.SampleRate)
	}
	return Info{
		Name:        mdi.Name(),
		IsDefault:   mdi.IsDefault != 0,
		FormatCount: int(mdi.FormatCount),
		Formats:     formats,
	}
}

type DataPacket = []byte

func uninitializeContext(deviceCtx *malgo.AllocatedContext) {
	if deviceCtx == nil {
		return
	}

	if err := deviceCtx.Uninit(); err != nil {
		slog.Error("failed to uninitialize malgo context", "error", err)
	}
	deviceCtx.Free()
}
