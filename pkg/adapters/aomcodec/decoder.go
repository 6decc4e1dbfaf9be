//go:build cgo && aom

package aomcodec

/*
#cgo !windows pkg-config: aom
#include <aom/aom_decoder.h>
#include <aom/aomdx.h>
#include <stdlib.h>
#include <string.h>

static aom_codec_err_t init_decoder(aom_codec_ctx_t *ctx) {
    return aom_codec_dec_init(ctx, aom_codec_av1_dx(), NULL, 0);
}

static int img_is_i420(aom_image_t *img) {
    return img->fmt == AOM_IMG_FMT_I420;
}

static unsigned int img_width(aom_image_t *img) { return img->d_w; }
static unsigned int img_height(aom_image_t *img) { return img->d_h; }

// read_plane copies a plane out of the image into a tightly packed buffer.
static void read_plane(aom_image_t *img, int plane, unsigned char *dst, int w, int h) {
    for (int y = 0; y < h; y++) {
        memcpy(dst + y * w, img->planes[plane] + y * img->stride[plane], w);
    }
}
*/
import "C"

import (
	"context"
	"fmt"
	"io"
	"sync"
	"unsafe"

	"github.com/user/avflow/pkg/pipeline"
	"github.com/user/avflow/pkg/ports"
)

// Decoder implements ports.Decoder producing yuv420p pictures.
type Decoder struct {
	mu sync.Mutex

	desc  pipeline.StreamDescriptor
	codec *C.aom_codec_ctx_t
	iter  C.aom_codec_iter_t

	pts []timing
	eof bool
}

// NewDecoder opens a libaom decoder for desc.
func NewDecoder(desc pipeline.StreamDescriptor) (ports.Decoder, error) {
	if desc.Type != pipeline.MediaVideo || desc.Codec != Codec {
		return nil, fmt.Errorf("%w: av1 decoder cannot read %s %s", pipeline.ErrIncompatibleFormat, desc.Type, desc.Codec)
	}
	d := &Decoder{desc: desc}
	d.codec = (*C.aom_codec_ctx_t)(C.calloc(1, C.sizeof_aom_codec_ctx_t))
	if d.codec == nil {
		return nil, fmt.Errorf("%w: allocate av1 decoder", pipeline.ErrFatalDecode)
	}
	if res := C.init_decoder(d.codec); res != C.AOM_CODEC_OK {
		C.free(unsafe.Pointer(d.codec))
		return nil, fmt.Errorf("%w: av1 decoder init: %d", pipeline.ErrFatalDecode, res)
	}
	return d, nil
}

func (d *Decoder) SendPacket(ctx context.Context, pkt *pipeline.Packet) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.codec == nil {
		return fmt.Errorf("%w: av1 decoder is closed", pipeline.ErrInvalidState)
	}
	if pkt == nil {
		if !d.eof {
			C.aom_codec_decode(d.codec, nil, 0, nil)
			d.iter = nil
			d.eof = true
		}
		return nil
	}

	data := pkt.Data()
	if len(data) == 0 {
		return fmt.Errorf("%w: empty av1 packet at %d", pipeline.ErrDecode, pkt.PTS)
	}
	res := C.aom_codec_decode(d.codec, (*C.uint8_t)(unsafe.Pointer(&data[0])), C.size_t(len(data)), nil)
	if res != C.AOM_CODEC_OK {
		return fmt.Errorf("%w: av1 packet at %d: %s", pipeline.ErrDecode, pkt.PTS, C.GoString(C.aom_codec_error_detail(d.codec)))
	}
	d.iter = nil
	d.pts = append(d.pts, timing{pts: pkt.PTS, dur: pkt.Duration})
	return nil
}

func (d *Decoder) ReceiveFrame(ctx context.Context, alloc pipeline.Allocator) (*pipeline.Frame, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	img := C.aom_codec_get_frame(d.codec, &d.iter)
	if img == nil {
		if d.eof {
			return nil, io.EOF
		}
		return nil, ports.ErrAgain
	}
	if C.img_is_i420(img) == 0 {
		return nil, fmt.Errorf("%w: av1 stream %d is not 8-bit 4:2:0", pipeline.ErrUnsupportedFormat, d.desc.Index)
	}
	w, h := int(C.img_width(img)), int(C.img_height(img))
	if w != d.desc.Width || h != d.desc.Height {
		return nil, fmt.Errorf("%w: av1 stream %d changed size to %dx%d", pipeline.ErrFatalDecode, d.desc.Index, w, h)
	}

	f, err := pipeline.NewVideoFrame(ctx, alloc, pipeline.PixYUV420P, w, h)
	if err != nil {
		return nil, err
	}
	cw, ch := w/2, h/2
	base := unsafe.Pointer(&f.Data()[0])
	C.read_plane(img, 0, (*C.uchar)(base), C.int(w), C.int(h))
	C.read_plane(img, 1, (*C.uchar)(unsafe.Add(base, w*h)), C.int(cw), C.int(ch))
	C.read_plane(img, 2, (*C.uchar)(unsafe.Add(base, w*h+cw*ch)), C.int(cw), C.int(ch))

	f.StreamIndex = d.desc.Index
	f.TimeBase = d.desc.TimeBase
	if len(d.pts) > 0 {
		t := d.pts[0]
		d.pts = d.pts[1:]
		f.PTS, f.DTS, f.Duration = t.pts, t.pts, t.dur
	}
	return f, nil
}

// ReorderDepth is zero: libaom emits shown frames in presentation order.
func (d *Decoder) ReorderDepth() int {
	return 0
}

func (d *Decoder) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.codec != nil {
		C.aom_codec_destroy(d.codec)
		C.free(unsafe.Pointer(d.codec))
		d.codec = nil
	}
	return nil
}

var _ ports.Decoder = (*Decoder)(nil)
