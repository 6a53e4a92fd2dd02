package gpu

// Direction is which side of a copy a dma-buf plays: source (read) or
// destination (written).
type Direction int

const (
	DirSrc Direction = iota
	DirDst
)

// LinearModifier is the DRM modifier value meaning "no tiling", the only
// modifier eligible for the buffer-import fast path.
const LinearModifier uint64 = 0 // DRM_FORMAT_MOD_LINEAR

// Support describes one (format, modifier) pair's import capabilities
// for a given direction, as enumerated at physical-device probe time.
type Support struct {
	Modifier   uint64
	Planes     int
	MaxWidth   uint32
	MaxHeight  uint32
	Blit       bool
	ColorAttachment bool
}

// FormatSupportTable maps a DRM format id to its per-direction Support
// list, one entry per modifier the device accepts.
type FormatSupportTable map[uint32][2][]Support // [DirSrc]/[DirDst]

func (t FormatSupportTable) find(format uint32, dir Direction, modifier uint64) (Support, bool) {
	list := t[format][dir]
	for _, s := range list {
		if s.Modifier == modifier {
			return s, true
		}
	}
	return Support{}, false
}

// MemoryType is one Vulkan memory type's reported properties, indexed by
// position within the device's memory type array.
type MemoryType struct {
	DeviceLocal bool
}

// Classified is the result of classifying a dma-buf against a device's
// format support table and memory types.
type Classified struct {
	FDMemoryTypeBits []uint32
	OnDevice         bool
	BufferPossible   bool
	Format           Support
}

// ClassifyDmaBuf validates buf against table for dir, and determines
// whether every plane's memory lives in a DEVICE_LOCAL heap and whether
// the buffer-import fast path (as opposed to image-import) applies.
// fdMemoryTypeBits[i] is the memory_type_bits MemoryFdPropertiesKHR
// reported for buf.Planes[i]'s fd (queried by the caller, since that is
// a Vulkan call this package's pure logic does not make directly).
func ClassifyDmaBuf(buf *DmaBuf, dir Direction, table FormatSupportTable, memoryTypes []MemoryType, fdMemoryTypeBits []uint32) (Classified, error) {
	if buf.Width <= 0 || buf.Height <= 0 {
		return Classified{}, ErrNonPositiveSize
	}
	width, height := uint32(buf.Width), uint32(buf.Height)

	format, ok := table.find(buf.FormatDRMID, dir, buf.Modifier)
	if !ok {
		return Classified{}, ErrUnsupportedFormat
	}
	if width > format.MaxWidth || height > format.MaxHeight {
		return Classified{}, ErrTooLarge
	}
	if len(buf.Planes) != format.Planes {
		return Classified{}, ErrWrongPlaneCount
	}

	onDevice := true
	for _, bits := range fdMemoryTypeBits {
		planeOnDevice := false
		for idx, mt := range memoryTypes {
			if bits&(1<<uint(idx)) != 0 && mt.DeviceLocal {
				planeOnDevice = true
				break
			}
		}
		if !planeOnDevice {
			onDevice = false
			break
		}
	}

	bufferPossible := buf.Modifier == LinearModifier &&
		len(buf.Planes) == 1 &&
		buf.BytesPerPixel != 0 &&
		buf.Planes[0].Stride%buf.BytesPerPixel == 0 &&
		width <= buf.Planes[0].Stride/buf.BytesPerPixel

	return Classified{
		FDMemoryTypeBits: fdMemoryTypeBits,
		OnDevice:         onDevice,
		BufferPossible:   bufferPossible,
		Format:           format,
	}, nil
}

// ImportStrategy is which Vulkan resource shape a copy's source and
// destination are imported as.
type ImportStrategy int

const (
	StrategyImageToImage ImportStrategy = iota
	StrategyBufferToBuffer
	StrategyBufferToImage
	StrategyImageToBuffer
	StrategyBlit
)

func (s ImportStrategy) String() string {
	switch s {
	case StrategyImageToImage:
		return "image-to-image"
	case StrategyBufferToBuffer:
		return "buffer-to-buffer"
	case StrategyBufferToImage:
		return "buffer-to-image"
	case StrategyImageToBuffer:
		return "image-to-buffer"
	case StrategyBlit:
		return "blit"
	default:
		return "unknown"
	}
}

// ChooseTransferType decides which of the four logical transfer types a
// copy belongs to (and therefore which queue/command pool it runs on),
// from whether either side of the copy is device-local and whether a
// format conversion is required.
func ChooseTransferType(src, dst Classified, needsBlit bool) (TransferType, error) {
	switch {
	case !src.OnDevice && !dst.OnDevice:
		return 0, ErrBothOffDevice
	case needsBlit:
		return TransferBlit, nil
	case !src.OnDevice && dst.OnDevice:
		return TransferUpload, nil
	case src.OnDevice && !dst.OnDevice:
		return TransferDownload, nil
	default:
		return TransferIntra, nil
	}
}

// ChooseImportStrategy picks the Vulkan resource shape for a copy given
// the two sides' classification, whether src/dst formats differ (which
// forces a blit and therefore image resources on both sides), and the
// two sides' strides (only consulted when both are buffer-possible).
func ChooseImportStrategy(src, dst Classified, srcFormat, dstFormat uint32, srcStride, dstStride uint32) (ImportStrategy, error) {
	needsBlit := srcFormat != dstFormat
	if needsBlit {
		if !src.Format.Blit || !dst.Format.Blit {
			return 0, ErrBlitNotSupported
		}
		return StrategyBlit, nil
	}
	switch {
	case src.BufferPossible && dst.BufferPossible && srcStride == dstStride:
		return StrategyBufferToBuffer, nil
	case src.BufferPossible && !dst.BufferPossible:
		return StrategyBufferToImage, nil
	case dst.BufferPossible && !src.BufferPossible:
		return StrategyImageToBuffer, nil
	default:
		return StrategyImageToImage, nil
	}
}
