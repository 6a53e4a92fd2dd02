package gpu

// TransferType is one of the four logical copy operations the
// presentation core can perform, each bound to a queue at device-open
// time.
type TransferType int

const (
	TransferBlit TransferType = iota
	TransferIntra
	TransferDownload
	TransferUpload
	numTransferTypes
)

func (t TransferType) String() string {
	switch t {
	case TransferBlit:
		return "blit"
	case TransferIntra:
		return "intra"
	case TransferDownload:
		return "download"
	case TransferUpload:
		return "upload"
	default:
		return "unknown"
	}
}

// TransferGranularity is a queue family's min_image_transfer_granularity,
// expressed as alignment masks for damage-rect clipping.
type TransferGranularity struct {
	WidthMask  uint32
	HeightMask uint32
}

// QueueInfo describes one candidate queue family: its index, its
// transfer granularity, and how many queues it exposes.
type QueueInfo struct {
	Family      uint32
	Granularity TransferGranularity
	Count       uint32
}

func (q QueueInfo) familyKey() uint32 { return q.Family }

// QueueIndex names one queue within a family by its position, carrying
// the allocation bookkeeping needed to find it again once the logical
// device has created the family's queues.
type QueueIndex struct {
	AllocateIdx  int
	Family       uint32
	IdxWithin    uint32
	Granularity  TransferGranularity
}

// QueueToAllocate is one line of the logical-device creation request:
// "give me num queues from family".
type QueueToAllocate struct {
	Family uint32
	Num    int
}

// QueueAllocation is the result of AllocateQueues: the families/counts
// to request from the logical device, plus where each transfer type's
// queue lands once those queues exist.
type QueueAllocation struct {
	ToAllocate []QueueToAllocate
	ByType     [numTransferTypes]QueueIndex
}

// AllocateQueues implements the queue-allocation decision table: given
// the graphics family (always present) and optional dedicated
// compute-only and transfer-only families, decide which family and
// which queue index within that family backs each of the four transfer
// types, and how many queues to request per family.
//
// intra defaults to gfx when there is no compute-only family; cross
// (used for Download/Upload) defaults to intra when there is no
// transfer-only family. This mirrors hardware where a single family
// often serves more than one role.
func AllocateQueues(gfx QueueInfo, computeOnly, transferOnly *QueueInfo) QueueAllocation {
	intra := gfx
	if computeOnly != nil {
		intra = *computeOnly
	}
	cross := intra
	if transferOnly != nil {
		cross = *transferOnly
	}

	distinct := map[uint32]struct{}{
		gfx.familyKey():   {},
		intra.familyKey(): {},
		cross.familyKey(): {},
	}

	var toAllocate []QueueToAllocate
	var blit, intraIdx, download, upload QueueIndex

	index := func(qi QueueInfo, within uint32) QueueIndex {
		return QueueIndex{
			AllocateIdx: len(toAllocate),
			Family:      qi.Family,
			IdxWithin:   within,
			Granularity: qi.Granularity,
		}
	}
	alloc := func(qi QueueInfo, num int) {
		toAllocate = append(toAllocate, QueueToAllocate{Family: qi.Family, Num: num})
	}
	min := func(a, b uint32) uint32 {
		if a < b {
			return a
		}
		return b
	}

	switch len(distinct) {
	case 3:
		numCross := min(cross.Count, 2)
		blit = index(gfx, 0)
		alloc(gfx, 1)
		intraIdx = index(intra, 0)
		alloc(intra, 1)
		download = index(cross, 0)
		upload = index(cross, numCross-1)
		alloc(cross, int(numCross))

	case 1:
		qi := cross
		num := min(qi.Count, 4)
		switch num {
		case 1:
			blit, intraIdx, download, upload = index(qi, 0), index(qi, 0), index(qi, 0), index(qi, 0)
		case 2:
			blit, intraIdx, download, upload = index(qi, 0), index(qi, 0), index(qi, 0), index(qi, 1)
		case 3:
			blit, intraIdx, download, upload = index(qi, 0), index(qi, 0), index(qi, 1), index(qi, 2)
		case 4:
			blit, intraIdx, download, upload = index(qi, 0), index(qi, 1), index(qi, 2), index(qi, 3)
		}
		alloc(qi, int(num))

	default: // 2 distinct families
		if gfx.familyKey() == intra.familyKey() {
			numGfx := min(gfx.Count, 2)
			blit = index(gfx, 0)
			intraIdx = index(gfx, numGfx-1)
			alloc(gfx, int(numGfx))
			numCross := min(cross.Count, 2)
			download = index(cross, 0)
			upload = index(cross, numCross-1)
			alloc(cross, int(numCross))
		} else {
			// The only other two-distinct-family shape is intra ==
			// cross with gfx on its own; gfx == cross with intra
			// distinct is not a topology this allocator handles.
			if intra.familyKey() != cross.familyKey() {
				panic("gpu: unsupported queue family topology (gfx == cross but intra distinct)")
			}
			blit = index(gfx, 0)
			alloc(gfx, 1)
			numIntra := min(intra.Count, 3)
			switch numIntra {
			case 1:
				intraIdx, download, upload = index(intra, 0), index(intra, 0), index(intra, 0)
			case 2:
				intraIdx, download, upload = index(intra, 0), index(intra, 0), index(intra, 1)
			case 3:
				intraIdx, download, upload = index(intra, 0), index(intra, 1), index(intra, 2)
			}
			alloc(intra, int(numIntra))
		}
	}

	return QueueAllocation{
		ToAllocate: toAllocate,
		ByType: [numTransferTypes]QueueIndex{
			TransferBlit:     blit,
			TransferIntra:    intraIdx,
			TransferDownload: download,
			TransferUpload:   upload,
		},
	}
}
