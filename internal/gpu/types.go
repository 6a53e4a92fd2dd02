// Package gpu implements the GPU-backed presentation and copy pipeline:
// physical/logical device setup, DMA-buf import classification, and the
// submission lifecycle that moves pixels between client- and
// compositor-owned buffers without CPU-side blocking.
package gpu

import "github.com/pkg/errors"

// Plane is one memory plane of a DMA-buf-backed image.
type Plane struct {
	FD     int
	Offset uint32
	Stride uint32
}

// DmaBuf describes a client- or compositor-owned buffer backed by one or
// more dma-buf file descriptors.
type DmaBuf struct {
	Width        int32
	Height       int32
	FormatDRMID  uint32
	BytesPerPixel uint32
	Modifier     uint64
	Planes       []Plane
}

func (d *DmaBuf) isOneFile() bool {
	for _, p := range d.Planes[1:] {
		if p.FD != d.Planes[0].FD {
			return false
		}
	}
	return true
}

// GPUError is a typed sentinel for the presentation core's recoverable
// failure modes.
type GPUError string

func (e GPUError) Error() string { return string(e) }

const (
	ErrNonPositiveSize     GPUError = "gpu: dma-buf has non-positive width or height"
	ErrUnsupportedFormat   GPUError = "gpu: format/modifier combination is not supported"
	ErrTooLarge            GPUError = "gpu: dma-buf exceeds the supported max width/height"
	ErrWrongPlaneCount     GPUError = "gpu: dma-buf plane count does not match the format"
	ErrNotSameSize         GPUError = "gpu: source and destination dimensions differ"
	ErrBlitNotSupported    GPUError = "gpu: format conversion requested but blit is unsupported on one side"
	ErrBothOffDevice       GPUError = "gpu: neither side of the copy is device-local"
	ErrBusy                GPUError = "gpu: a previous submission on this copy object has not yet completed"
	ErrNoGfxQueueFamily    GPUError = "gpu: device has no graphics queue family"
	ErrNoMemoryTypeForImport GPUError = "gpu: no memory type intersects the dma-buf's reported types"
)

// wrap is a small helper so call sites can errors.Wrapf at every
// boundary without repeating the import.
func wrap(err error, format string, args ...any) error {
	return errors.Wrapf(err, format, args...)
}
