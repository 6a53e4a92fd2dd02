package gpu

import "testing"

func tableWith(format uint32, dir Direction, s Support) FormatSupportTable {
	t := make(FormatSupportTable)
	e := t[format]
	e[dir] = []Support{s}
	t[format] = e
	return t
}

func TestClassifyDmaBufRejectsNonPositiveSize(t *testing.T) {
	buf := &DmaBuf{Width: 0, Height: 10}
	_, err := ClassifyDmaBuf(buf, DirSrc, nil, nil, nil)
	if err != ErrNonPositiveSize {
		t.Fatalf("err = %v, want ErrNonPositiveSize", err)
	}
}

func TestClassifyDmaBufRejectsUnsupportedFormat(t *testing.T) {
	buf := &DmaBuf{Width: 10, Height: 10, FormatDRMID: 1, Modifier: 99}
	_, err := ClassifyDmaBuf(buf, DirSrc, make(FormatSupportTable), nil, nil)
	if err != ErrUnsupportedFormat {
		t.Fatalf("err = %v, want ErrUnsupportedFormat", err)
	}
}

func TestClassifyDmaBufBufferPossible(t *testing.T) {
	table := tableWith(1, DirSrc, Support{Modifier: LinearModifier, Planes: 1, MaxWidth: 4096, MaxHeight: 4096})
	buf := &DmaBuf{
		Width: 64, Height: 64, FormatDRMID: 1, Modifier: LinearModifier, BytesPerPixel: 4,
		Planes: []Plane{{FD: 3, Stride: 256}},
	}
	c, err := ClassifyDmaBuf(buf, DirSrc, table, nil, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !c.BufferPossible {
		t.Error("expected buffer-possible for single-plane linear buffer with aligned stride")
	}
}

func TestClassifyDmaBufBufferImpossibleWhenStrideMisaligned(t *testing.T) {
	table := tableWith(1, DirSrc, Support{Modifier: LinearModifier, Planes: 1, MaxWidth: 4096, MaxHeight: 4096})
	buf := &DmaBuf{
		Width: 64, Height: 64, FormatDRMID: 1, Modifier: LinearModifier, BytesPerPixel: 4,
		Planes: []Plane{{FD: 3, Stride: 257}},
	}
	c, err := ClassifyDmaBuf(buf, DirSrc, table, nil, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if c.BufferPossible {
		t.Error("expected buffer-impossible when stride is not a multiple of bpp")
	}
}

func TestClassifyDmaBufOnDeviceRequiresEveryPlane(t *testing.T) {
	table := tableWith(1, DirSrc, Support{Modifier: 5, Planes: 2, MaxWidth: 4096, MaxHeight: 4096})
	buf := &DmaBuf{
		Width: 64, Height: 64, FormatDRMID: 1, Modifier: 5, BytesPerPixel: 4,
		Planes: []Plane{{FD: 3}, {FD: 4}},
	}
	memTypes := []MemoryType{{DeviceLocal: true}, {DeviceLocal: false}}

	c, err := ClassifyDmaBuf(buf, DirSrc, table, memTypes, []uint32{0b01, 0b01})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !c.OnDevice {
		t.Error("both planes intersect the device-local type, expected OnDevice")
	}

	c, err = ClassifyDmaBuf(buf, DirSrc, table, memTypes, []uint32{0b01, 0b10})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if c.OnDevice {
		t.Error("second plane only intersects the non-device-local type, expected !OnDevice")
	}
}

func TestChooseTransferType(t *testing.T) {
	cases := []struct {
		name       string
		src, dst   Classified
		needsBlit  bool
		want       TransferType
		wantErr    error
	}{
		{"both off device", Classified{OnDevice: false}, Classified{OnDevice: false}, false, 0, ErrBothOffDevice},
		{"both off device even when blit needed", Classified{OnDevice: false}, Classified{OnDevice: false}, true, 0, ErrBothOffDevice},
		{"upload", Classified{OnDevice: false}, Classified{OnDevice: true}, false, TransferUpload, nil},
		{"download", Classified{OnDevice: true}, Classified{OnDevice: false}, false, TransferDownload, nil},
		{"intra", Classified{OnDevice: true}, Classified{OnDevice: true}, false, TransferIntra, nil},
		{"blit", Classified{OnDevice: true}, Classified{OnDevice: true}, true, TransferBlit, nil},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			got, err := ChooseTransferType(c.src, c.dst, c.needsBlit)
			if c.wantErr != nil {
				if err != c.wantErr {
					t.Fatalf("err = %v, want %v", err, c.wantErr)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if got != c.want {
				t.Errorf("got %s, want %s", got, c.want)
			}
		})
	}
}

func TestChooseImportStrategy(t *testing.T) {
	blitSupported := Classified{Format: Support{Blit: true}}
	notBufferPossible := Classified{}
	bufferPossible := Classified{BufferPossible: true}

	s, err := ChooseImportStrategy(blitSupported, blitSupported, 1, 2, 0, 0)
	if err != nil || s != StrategyBlit {
		t.Fatalf("format mismatch with blit support: got %v/%v, want Blit/nil", s, err)
	}

	_, err = ChooseImportStrategy(Classified{}, Classified{}, 1, 2, 0, 0)
	if err != ErrBlitNotSupported {
		t.Fatalf("format mismatch without blit support: got %v, want ErrBlitNotSupported", err)
	}

	s, err = ChooseImportStrategy(bufferPossible, bufferPossible, 1, 1, 256, 256)
	if err != nil || s != StrategyBufferToBuffer {
		t.Fatalf("matching strides: got %v/%v, want BufferToBuffer/nil", s, err)
	}

	s, err = ChooseImportStrategy(bufferPossible, bufferPossible, 1, 1, 256, 512)
	if err != nil || s != StrategyImageToImage {
		t.Fatalf("mismatched strides falls back to image-to-image: got %v/%v", s, err)
	}

	s, err = ChooseImportStrategy(bufferPossible, notBufferPossible, 1, 1, 256, 0)
	if err != nil || s != StrategyBufferToImage {
		t.Fatalf("src only buffer-possible: got %v/%v, want BufferToImage/nil", s, err)
	}

	s, err = ChooseImportStrategy(notBufferPossible, bufferPossible, 1, 1, 0, 256)
	if err != nil || s != StrategyImageToBuffer {
		t.Fatalf("dst only buffer-possible: got %v/%v, want ImageToBuffer/nil", s, err)
	}
}
