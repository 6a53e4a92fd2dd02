package gpu

import "testing"

func TestAllocateQueuesThreeDistinctFamilies(t *testing.T) {
	gfx := QueueInfo{Family: 0, Count: 1}
	compute := QueueInfo{Family: 1, Count: 1}
	xfer := QueueInfo{Family: 2, Count: 2}

	a := AllocateQueues(gfx, &compute, &xfer)

	if a.ByType[TransferBlit].Family != 0 {
		t.Errorf("blit family = %d, want 0", a.ByType[TransferBlit].Family)
	}
	if a.ByType[TransferIntra].Family != 1 {
		t.Errorf("intra family = %d, want 1", a.ByType[TransferIntra].Family)
	}
	if a.ByType[TransferDownload].Family != 2 || a.ByType[TransferDownload].IdxWithin != 0 {
		t.Errorf("download = %+v, want family 2 idx 0", a.ByType[TransferDownload])
	}
	if a.ByType[TransferUpload].Family != 2 || a.ByType[TransferUpload].IdxWithin != 1 {
		t.Errorf("upload = %+v, want family 2 idx 1", a.ByType[TransferUpload])
	}
	if len(a.ToAllocate) != 3 {
		t.Errorf("got %d families to allocate, want 3", len(a.ToAllocate))
	}
}

func TestAllocateQueuesSingleFamilyFourQueues(t *testing.T) {
	gfx := QueueInfo{Family: 0, Count: 4}
	a := AllocateQueues(gfx, nil, nil)

	want := map[TransferType]uint32{
		TransferBlit:     0,
		TransferIntra:    1,
		TransferDownload: 2,
		TransferUpload:   3,
	}
	for tt, idx := range want {
		if got := a.ByType[tt].IdxWithin; got != idx {
			t.Errorf("%s idx = %d, want %d", tt, got, idx)
		}
	}
	if len(a.ToAllocate) != 1 || a.ToAllocate[0].Num != 4 {
		t.Errorf("ToAllocate = %+v, want one family with 4 queues", a.ToAllocate)
	}
}

func TestAllocateQueuesSingleFamilyOneQueue(t *testing.T) {
	gfx := QueueInfo{Family: 0, Count: 1}
	a := AllocateQueues(gfx, nil, nil)

	for tt := TransferBlit; tt < numTransferTypes; tt++ {
		if a.ByType[tt].IdxWithin != 0 {
			t.Errorf("%s idx = %d, want 0 (all share the one queue)", tt, a.ByType[tt].IdxWithin)
		}
	}
}

func TestAllocateQueuesTwoFamiliesGfxEqualsIntra(t *testing.T) {
	gfx := QueueInfo{Family: 0, Count: 2}
	xfer := QueueInfo{Family: 1, Count: 2}
	a := AllocateQueues(gfx, nil, &xfer)

	if a.ByType[TransferBlit].Family != 0 || a.ByType[TransferIntra].Family != 0 {
		t.Errorf("blit/intra should both be on family 0: %+v", a.ByType)
	}
	if a.ByType[TransferIntra].IdxWithin != 1 {
		t.Errorf("intra idx = %d, want 1 (second gfx queue)", a.ByType[TransferIntra].IdxWithin)
	}
	if a.ByType[TransferDownload].Family != 1 || a.ByType[TransferUpload].Family != 1 {
		t.Errorf("download/upload should both be on family 1: %+v", a.ByType)
	}
}

func TestAllocateQueuesTwoFamiliesIntraEqualsCross(t *testing.T) {
	gfx := QueueInfo{Family: 0, Count: 1}
	compute := QueueInfo{Family: 1, Count: 3}
	a := AllocateQueues(gfx, &compute, nil)

	if a.ByType[TransferBlit].Family != 0 {
		t.Errorf("blit family = %d, want 0", a.ByType[TransferBlit].Family)
	}
	if a.ByType[TransferIntra].Family != 1 || a.ByType[TransferIntra].IdxWithin != 0 {
		t.Errorf("intra = %+v, want family 1 idx 0", a.ByType[TransferIntra])
	}
	if a.ByType[TransferDownload].IdxWithin != 1 || a.ByType[TransferUpload].IdxWithin != 2 {
		t.Errorf("download/upload idx = %d/%d, want 1/2",
			a.ByType[TransferDownload].IdxWithin, a.ByType[TransferUpload].IdxWithin)
	}
}
