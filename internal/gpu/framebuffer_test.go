package gpu

import (
	"testing"

	vk "github.com/vulkan-go/vulkan"
)

func TestAlignStride(t *testing.T) {
	cases := []struct {
		in, want uint32
	}{
		{1, LinearStrideAlign},
		{LinearStrideAlign, LinearStrideAlign},
		{LinearStrideAlign + 1, 2 * LinearStrideAlign},
		{256 * 4, 1024},
	}
	for _, c := range cases {
		got, err := alignStride(c.in)
		if err != nil {
			t.Fatalf("alignStride(%d): unexpected error: %v", c.in, err)
		}
		if got != c.want {
			t.Errorf("alignStride(%d) = %d, want %d", c.in, got, c.want)
		}
	}
}

func TestAlignStrideRejectsZero(t *testing.T) {
	if _, err := alignStride(0); err != ErrNonPositiveSize {
		t.Fatalf("err = %v, want ErrNonPositiveSize", err)
	}
}

func memProps(flags ...vk.MemoryPropertyFlagBits) *vk.PhysicalDeviceMemoryProperties {
	var p vk.PhysicalDeviceMemoryProperties
	p.MemoryTypeCount = uint32(len(flags))
	for i, f := range flags {
		p.MemoryTypes[i] = vk.MemoryType{PropertyFlags: vk.MemoryPropertyFlags(f)}
	}
	return &p
}

func TestPickMemoryTypeIndexPrefersDeviceLocalAndHostVisible(t *testing.T) {
	props := memProps(
		vk.MemoryPropertyDeviceLocalBit,
		vk.MemoryPropertyDeviceLocalBit|vk.MemoryPropertyHostVisibleBit,
	)
	required := vk.MemoryPropertyFlags(vk.MemoryPropertyDeviceLocalBit) | vk.MemoryPropertyFlags(vk.MemoryPropertyHostVisibleBit)
	fallback := vk.MemoryPropertyFlags(vk.MemoryPropertyDeviceLocalBit)

	idx, err := pickMemoryTypeIndex(props, 0b11, required, fallback)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if idx != 1 {
		t.Errorf("idx = %d, want 1 (the device-local+host-visible type)", idx)
	}
}

func TestPickMemoryTypeIndexFallsBackWhenHostVisibleUnavailable(t *testing.T) {
	props := memProps(vk.MemoryPropertyDeviceLocalBit)
	required := vk.MemoryPropertyFlags(vk.MemoryPropertyDeviceLocalBit) | vk.MemoryPropertyFlags(vk.MemoryPropertyHostVisibleBit)
	fallback := vk.MemoryPropertyFlags(vk.MemoryPropertyDeviceLocalBit)

	idx, err := pickMemoryTypeIndex(props, 0b1, required, fallback)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if idx != 0 {
		t.Errorf("idx = %d, want 0", idx)
	}
}

func TestPickMemoryTypeIndexRespectsTypeBitsMask(t *testing.T) {
	props := memProps(vk.MemoryPropertyDeviceLocalBit, vk.MemoryPropertyDeviceLocalBit)
	required := vk.MemoryPropertyFlags(vk.MemoryPropertyDeviceLocalBit)

	if _, err := pickMemoryTypeIndex(props, 0b00, required, required); err != ErrNoMemoryTypeForImport {
		t.Fatalf("err = %v, want ErrNoMemoryTypeForImport when typeBits excludes every type", err)
	}
}

func TestPickMemoryTypeIndexNoneMatch(t *testing.T) {
	props := memProps(vk.MemoryPropertyHostCachedBit)
	required := vk.MemoryPropertyFlags(vk.MemoryPropertyDeviceLocalBit)

	if _, err := pickMemoryTypeIndex(props, 0b1, required, required); err != ErrNoMemoryTypeForImport {
		t.Fatalf("err = %v, want ErrNoMemoryTypeForImport", err)
	}
}
