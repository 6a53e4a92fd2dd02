package gpu

import (
	"github.com/pkg/errors"
	vk "github.com/vulkan-go/vulkan"
)

// LinearStrideAlign is the byte alignment compositor-allocated linear
// framebuffers round their stride up to. The retrieval pack's filtered
// original source references this constant (copy_device.rs) but its
// defining file was not part of the filtered set; 256 matches common
// GPU tiling/DMA alignment and is used consistently by this package's
// tests.
const LinearStrideAlign = 256

// alignStride rounds byteWidth up to the next multiple of LinearStrideAlign.
func alignStride(byteWidth uint32) (uint32, error) {
	if byteWidth == 0 {
		return 0, ErrNonPositiveSize
	}
	rem := byteWidth % LinearStrideAlign
	if rem == 0 {
		return byteWidth, nil
	}
	aligned := byteWidth + (LinearStrideAlign - rem)
	if aligned < byteWidth {
		return 0, errors.New("gpu: stride overflow")
	}
	return aligned, nil
}

// pickMemoryTypeIndex returns the index of the first memory type among
// typeBits whose properties satisfy required, falling back to a type
// that satisfies fallback (typically DEVICE_LOCAL alone) when no type
// offers both, matching spec.md's "when available" qualifier on
// HOST_VISIBLE.
func pickMemoryTypeIndex(memProps *vk.PhysicalDeviceMemoryProperties, typeBits uint32, required, fallback vk.MemoryPropertyFlags) (uint32, error) {
	for idx := uint32(0); idx < memProps.MemoryTypeCount; idx++ {
		if typeBits&(1<<idx) == 0 {
			continue
		}
		flags := vk.MemoryPropertyFlags(memProps.MemoryTypes[idx].PropertyFlags)
		if flags&required == required {
			return idx, nil
		}
	}
	for idx := uint32(0); idx < memProps.MemoryTypeCount; idx++ {
		if typeBits&(1<<idx) == 0 {
			continue
		}
		flags := vk.MemoryPropertyFlags(memProps.MemoryTypes[idx].PropertyFlags)
		if flags&fallback == fallback {
			return idx, nil
		}
	}
	return 0, ErrNoMemoryTypeForImport
}

// Framebuffer is a compositor-owned, dmabuf-exportable render target:
// the Vulkan buffer and memory backing it, and the DmaBuf description a
// client or another copy can import it by.
type Framebuffer struct {
	Buffer vk.Buffer
	Memory vk.DeviceMemory
	DmaBuf DmaBuf
}

// AllocateFramebuffer creates a TRANSFER_SRC|TRANSFER_DST buffer sized
// for a width x height image at bpp bytes per pixel, backs it with
// dmabuf-exportable memory (DEVICE_LOCAL and, when available,
// HOST_VISIBLE), and exports it as a single-plane DmaBuf with the
// linear modifier and an aligned stride.
func AllocateFramebuffer(dev vk.Device, memProps *vk.PhysicalDeviceMemoryProperties, width, height int32, formatDRMID uint32, bpp uint32) (*Framebuffer, error) {
	if width <= 0 || height <= 0 {
		return nil, ErrNonPositiveSize
	}
	stride, err := alignStride(uint32(width) * bpp)
	if err != nil {
		return nil, err
	}
	size := vk.DeviceSize(stride) * vk.DeviceSize(height)

	externalInfo := vk.ExternalMemoryBufferCreateInfo{
		SType:       vk.StructureTypeExternalMemoryBufferCreateInfo,
		HandleTypes: vk.ExternalMemoryHandleTypeFlags(vk.ExternalMemoryHandleTypeDmaBufBitEXT),
	}
	bufferInfo := vk.BufferCreateInfo{
		SType:       vk.StructureTypeBufferCreateInfo,
		PNext:       vk.NextPointer(&externalInfo),
		Size:        size,
		Usage:       vk.BufferUsageFlags(vk.BufferUsageTransferSrcBit) | vk.BufferUsageFlags(vk.BufferUsageTransferDstBit),
		SharingMode: vk.SharingModeExclusive,
	}
	var buffer vk.Buffer
	if rv := vk.CreateBuffer(dev, &bufferInfo, nil, &buffer); rv != vk.Success {
		return nil, errors.Errorf("gpu: create framebuffer buffer: %v", rv)
	}

	var memReq vk.MemoryRequirements
	vk.GetBufferMemoryRequirements(dev, buffer, &memReq)
	memReq.Deref()

	required := vk.MemoryPropertyFlags(vk.MemoryPropertyDeviceLocalBit) | vk.MemoryPropertyFlags(vk.MemoryPropertyHostVisibleBit)
	fallback := vk.MemoryPropertyFlags(vk.MemoryPropertyDeviceLocalBit)
	typeIndex, err := pickMemoryTypeIndex(memProps, memReq.MemoryTypeBits, required, fallback)
	if err != nil {
		vk.DestroyBuffer(dev, buffer, nil)
		return nil, err
	}

	dedicated := vk.MemoryDedicatedAllocateInfo{
		SType:  vk.StructureTypeMemoryDedicatedAllocateInfo,
		Buffer: buffer,
	}
	exportInfo := vk.ExportMemoryAllocateInfo{
		SType:       vk.StructureTypeExportMemoryAllocateInfo,
		PNext:       vk.NextPointer(&dedicated),
		HandleTypes: vk.ExternalMemoryHandleTypeFlags(vk.ExternalMemoryHandleTypeDmaBufBitEXT),
	}
	allocInfo := vk.MemoryAllocateInfo{
		SType:           vk.StructureTypeMemoryAllocateInfo,
		PNext:           vk.NextPointer(&exportInfo),
		AllocationSize:  memReq.Size,
		MemoryTypeIndex: typeIndex,
	}
	var memory vk.DeviceMemory
	if rv := vk.AllocateMemory(dev, &allocInfo, nil, &memory); rv != vk.Success {
		vk.DestroyBuffer(dev, buffer, nil)
		return nil, errors.Errorf("gpu: allocate framebuffer memory: %v", rv)
	}
	if rv := vk.BindBufferMemory(dev, buffer, memory, 0); rv != vk.Success {
		vk.FreeMemory(dev, memory, nil)
		vk.DestroyBuffer(dev, buffer, nil)
		return nil, errors.Errorf("gpu: bind framebuffer memory: %v", rv)
	}

	getFdInfo := vk.MemoryGetFdInfoKHR{
		SType:      vk.StructureTypeMemoryGetFdInfoKHR,
		Memory:     memory,
		HandleType: vk.ExternalMemoryHandleTypeFlags(vk.ExternalMemoryHandleTypeDmaBufBitEXT),
	}
	var fd int32
	if rv := vk.GetMemoryFdKHR(dev, &getFdInfo, &fd); rv != vk.Success {
		vk.FreeMemory(dev, memory, nil)
		vk.DestroyBuffer(dev, buffer, nil)
		return nil, errors.Errorf("gpu: export framebuffer memory as dmabuf fd: %v", rv)
	}

	return &Framebuffer{
		Buffer: buffer,
		Memory: memory,
		DmaBuf: DmaBuf{
			Width:         width,
			Height:        height,
			FormatDRMID:   formatDRMID,
			BytesPerPixel: bpp,
			Modifier:      LinearModifier,
			Planes:        []Plane{{FD: int(fd), Offset: 0, Stride: stride}},
		},
	}, nil
}

// Destroy frees the buffer and memory this framebuffer owns. It does
// not close DmaBuf.Planes[0].FD, which has been handed off to whoever
// imported it.
func (f *Framebuffer) Destroy(dev vk.Device) {
	vk.FreeMemory(dev, f.Memory, nil)
	vk.DestroyBuffer(dev, f.Buffer, nil)
}
