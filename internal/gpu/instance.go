package gpu

import (
	"github.com/pkg/errors"
	vk "github.com/vulkan-go/vulkan"
	"golang.org/x/sys/unix"
)

var requiredInstanceExtensions = []string{
	"VK_KHR_get_physical_device_properties2",
	"VK_KHR_external_memory_capabilities",
	"VK_KHR_external_semaphore_capabilities",
	"VK_KHR_external_fence_capabilities",
}

// NewInstance creates a headless Vulkan instance with the extensions
// FindPhysicalDeviceForDRM and AllocateFramebuffer depend on. appName is
// reported to the validation layer and driver logs only.
func NewInstance(appName string) (vk.Instance, error) {
	if err := vk.Init(); err != nil {
		return nil, errors.Wrap(err, "gpu: vk.Init")
	}

	appInfo := &vk.ApplicationInfo{
		SType:         vk.StructureTypeApplicationInfo,
		PApplicationName: appName + "\x00",
		ApplicationVersion: vk.MakeVersion(1, 0, 0),
		PEngineName:        "wlcore\x00",
		EngineVersion:      vk.MakeVersion(1, 0, 0),
		ApiVersion:         vk.MakeVersion(1, 3, 0),
	}
	createInfo := &vk.InstanceCreateInfo{
		SType:                   vk.StructureTypeInstanceCreateInfo,
		PApplicationInfo:        appInfo,
		EnabledExtensionCount:   uint32(len(requiredInstanceExtensions)),
		PpEnabledExtensionNames: requiredInstanceExtensions,
	}

	var instance vk.Instance
	if rv := vk.CreateInstance(createInfo, nil, &instance); rv != vk.Success {
		return nil, errors.Errorf("gpu: vkCreateInstance: %v", rv)
	}
	vk.InitInstance(instance)
	return instance, nil
}

// DRMDeviceNumbers stats path (a DRM render node, e.g. /dev/dri/renderD128)
// and returns its major/minor device numbers for matching against
// PhysicalDeviceDrmPropertiesEXT.
func DRMDeviceNumbers(path string) (major, minor int64, err error) {
	var st unix.Stat_t
	if err := unix.Stat(path, &st); err != nil {
		return 0, 0, errors.Wrapf(err, "gpu: stat %s", path)
	}
	return int64(unix.Major(uint64(st.Rdev))), int64(unix.Minor(uint64(st.Rdev))), nil
}
