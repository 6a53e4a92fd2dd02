package gpu

import (
	"github.com/pkg/errors"
	vk "github.com/vulkan-go/vulkan"

	"github.com/wlcore/wlcore/internal/logging"
)

// requiredDeviceExtensions mirrors spec.md's required extension list for
// a usable physical device.
var requiredDeviceExtensions = []string{
	"VK_KHR_external_memory_fd",
	"VK_EXT_external_memory_dma_buf",
	"VK_KHR_external_semaphore_fd",
	"VK_KHR_external_fence_fd",
	"VK_EXT_image_drm_format_modifier",
	"VK_EXT_queue_family_foreign",
	"VK_KHR_push_descriptor",
}

// PhysicalDevice is a probed Vulkan physical device: its handle, its
// queue family groups, its memory types, and a per-format import
// support table. probePhysicalDevice leaves Support empty: no
// format/modifier enumeration is performed.
type PhysicalDevice struct {
	Handle       vk.PhysicalDevice
	Gfx          QueueInfo
	ComputeOnly  *QueueInfo
	TransferOnly *QueueInfo
	MemoryTypes  []MemoryType
	Support      FormatSupportTable
}

// FindPhysicalDeviceForDRM enumerates instance's physical devices and
// returns the one whose PhysicalDeviceDrmPropertiesEXT primary or
// render major/minor matches devMajor/devMinor and that passes
// probePhysicalDevice: API >= 1.3, the synchronization2 feature, and
// every extension in requiredDeviceExtensions. Dynamic rendering,
// SYNC_FD semaphore import / fence export, and dma-buf buffer/image
// importability are not checked.
func FindPhysicalDeviceForDRM(instance vk.Instance, devMajor, devMinor int64) (*PhysicalDevice, error) {
	log := logging.Default()

	var count uint32
	if rv := vk.EnumeratePhysicalDevices(instance, &count, nil); rv != vk.Success {
		return nil, errors.Errorf("gpu: enumerate physical devices: %v", rv)
	}
	handles := make([]vk.PhysicalDevice, count)
	if rv := vk.EnumeratePhysicalDevices(instance, &count, handles); rv != vk.Success {
		return nil, errors.Errorf("gpu: enumerate physical devices: %v", rv)
	}

	for _, h := range handles {
		drm, ok := queryDrmProperties(h)
		if !ok {
			continue
		}
		if !drmMatches(drm, devMajor, devMinor) {
			continue
		}

		pd, err := probePhysicalDevice(h)
		if err != nil {
			log.Warnf("gpu: candidate device rejected: %v", err)
			continue
		}
		return pd, nil
	}
	return nil, errors.New("gpu: no vulkan physical device matches the requested DRM device")
}

type drmProps struct {
	HasPrimary   bool
	PrimaryMajor int64
	PrimaryMinor int64
	HasRender    bool
	RenderMajor  int64
	RenderMinor  int64
}

func drmMatches(d drmProps, major, minor int64) bool {
	if d.HasPrimary && d.PrimaryMajor == major && d.PrimaryMinor == minor {
		return true
	}
	if d.HasRender && d.RenderMajor == major && d.RenderMinor == minor {
		return true
	}
	return false
}

// queryDrmProperties fills in drmProps via vkGetPhysicalDeviceProperties2
// with a PhysicalDeviceDrmPropertiesEXT in the pNext chain.
func queryDrmProperties(h vk.PhysicalDevice) (drmProps, bool) {
	var drm vk.PhysicalDeviceDrmPropertiesEXT
	drm.SType = vk.StructureTypePhysicalDeviceDrmPropertiesEXT
	var props2 vk.PhysicalDeviceProperties2
	props2.SType = vk.StructureTypePhysicalDeviceProperties2
	props2.PNext = vk.NextPointer(&drm)

	vk.GetPhysicalDeviceProperties2(h, &props2)

	return drmProps{
		HasPrimary:   drm.HasPrimary.B(),
		PrimaryMajor: drm.PrimaryMajor,
		PrimaryMinor: drm.PrimaryMinor,
		HasRender:    drm.HasRender.B(),
		RenderMajor:  drm.RenderMajor,
		RenderMinor:  drm.RenderMinor,
	}, true
}

// probePhysicalDevice validates capability requirements and collects the
// queue family groups and memory types a logical device built from h
// would expose.
func probePhysicalDevice(h vk.PhysicalDevice) (*PhysicalDevice, error) {
	if err := checkCoreRequirements(h); err != nil {
		return nil, err
	}
	if err := checkExtensions(h); err != nil {
		return nil, err
	}

	gfx, compute, transfer, err := classifyQueueFamilies(h)
	if err != nil {
		return nil, err
	}

	var memProps vk.PhysicalDeviceMemoryProperties
	vk.GetPhysicalDeviceMemoryProperties(h, &memProps)
	memTypes := make([]MemoryType, memProps.MemoryTypeCount)
	for i := uint32(0); i < memProps.MemoryTypeCount; i++ {
		memTypes[i] = MemoryType{
			DeviceLocal: memProps.MemoryTypes[i].PropertyFlags&vk.MemoryPropertyFlags(vk.MemoryPropertyDeviceLocalBit) != 0,
		}
	}

	return &PhysicalDevice{
		Handle:       h,
		Gfx:          gfx,
		ComputeOnly:  compute,
		TransferOnly: transfer,
		MemoryTypes:  memTypes,
		Support:      make(FormatSupportTable),
	}, nil
}

func checkCoreRequirements(h vk.PhysicalDevice) error {
	var props vk.PhysicalDeviceProperties
	vk.GetPhysicalDeviceProperties(h, &props)
	if props.APIVersion < vk.MakeVersion(1, 3, 0) {
		return errors.New("gpu: device does not support vulkan 1.3")
	}

	var sync2 vk.PhysicalDeviceSynchronization2Features
	sync2.SType = vk.StructureTypePhysicalDeviceSynchronization2Features
	var features2 vk.PhysicalDeviceFeatures2
	features2.SType = vk.StructureTypePhysicalDeviceFeatures2
	features2.PNext = vk.NextPointer(&sync2)
	vk.GetPhysicalDeviceFeatures2(h, &features2)
	if sync2.Synchronization2 == vk.False {
		return errors.New("gpu: device does not support synchronization2")
	}
	return nil
}

func checkExtensions(h vk.PhysicalDevice) error {
	var count uint32
	if rv := vk.EnumerateDeviceExtensionProperties(h, "", &count, nil); rv != vk.Success {
		return errors.Errorf("gpu: enumerate device extensions: %v", rv)
	}
	props := make([]vk.ExtensionProperties, count)
	if rv := vk.EnumerateDeviceExtensionProperties(h, "", &count, props); rv != vk.Success {
		return errors.Errorf("gpu: enumerate device extensions: %v", rv)
	}

	have := make(map[string]bool, len(props))
	for _, p := range props {
		have[vk.ToString(p.ExtensionName[:])] = true
	}
	for _, want := range requiredDeviceExtensions {
		if !have[want] {
			return errors.Errorf("gpu: missing required device extension %s", want)
		}
	}
	return nil
}

// classifyQueueFamilies scans h's queue families and buckets them into
// the graphics family (required) and, if present, dedicated
// compute-only and transfer-only families.
func classifyQueueFamilies(h vk.PhysicalDevice) (gfx QueueInfo, compute, transfer *QueueInfo, err error) {
	var count uint32
	vk.GetPhysicalDeviceQueueFamilyProperties(h, &count, nil)
	families := make([]vk.QueueFamilyProperties, count)
	vk.GetPhysicalDeviceQueueFamilyProperties(h, &count, families)

	haveGfx := false
	for i, f := range families {
		granularity := TransferGranularity{
			WidthMask:  f.MinImageTransferGranularity.Width - 1,
			HeightMask: f.MinImageTransferGranularity.Height - 1,
		}
		info := QueueInfo{Family: uint32(i), Granularity: granularity, Count: f.QueueCount}

		isGfx := f.QueueFlags&vk.QueueFlags(vk.QueueGraphicsBit) != 0
		isCompute := f.QueueFlags&vk.QueueFlags(vk.QueueComputeBit) != 0
		isTransfer := f.QueueFlags&vk.QueueFlags(vk.QueueTransferBit) != 0

		switch {
		case isGfx && !haveGfx:
			gfx = info
			haveGfx = true
		case isCompute && !isGfx:
			c := info
			compute = &c
		case isTransfer && !isGfx && !isCompute:
			t := info
			transfer = &t
		}
	}
	if !haveGfx {
		return QueueInfo{}, nil, nil, ErrNoGfxQueueFamily
	}
	return gfx, compute, transfer, nil
}
