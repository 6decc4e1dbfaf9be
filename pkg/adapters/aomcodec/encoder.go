//go:build cgo && aom

package aomcodec

/*
#cgo !windows pkg-config: aom
#cgo windows CFLAGS: -IC:/vcpkg/installed/x64-windows-static/include
#cgo windows LDFLAGS: -LC:/vcpkg/installed/x64-windows-static/lib -laom -static -lpthread
#include <aom/aom_encoder.h>
#include <aom/aomcx.h>
#include <stdlib.h>
#include <string.h>

static aom_codec_err_t init_encoder(aom_codec_ctx_t *ctx, aom_codec_enc_cfg_t *cfg) {
    return aom_codec_enc_init_ver(ctx, aom_codec_av1_cx(), cfg, 0, AOM_ENCODER_ABI_VERSION);
}

static aom_codec_err_t enc_config_default(aom_codec_enc_cfg_t *cfg) {
    return aom_codec_enc_config_default(aom_codec_av1_cx(), cfg, AOM_USAGE_REALTIME);
}

static aom_codec_err_t set_cpu_used(aom_codec_ctx_t *ctx, int value) {
    return aom_codec_control(ctx, AOME_SET_CPUUSED, value);
}

static int is_frame_packet(const aom_codec_cx_pkt_t *pkt) {
    return pkt->kind == AOM_CODEC_CX_FRAME_PKT;
}

static void* frame_buf(const aom_codec_cx_pkt_t *pkt) { return pkt->data.frame.buf; }
static size_t frame_sz(const aom_codec_cx_pkt_t *pkt) { return pkt->data.frame.sz; }
static aom_codec_pts_t frame_pts(const aom_codec_cx_pkt_t *pkt) { return pkt->data.frame.pts; }
static unsigned long frame_duration(const aom_codec_cx_pkt_t *pkt) { return pkt->data.frame.duration; }
static int frame_is_key(const aom_codec_cx_pkt_t *pkt) {
    return (pkt->data.frame.flags & AOM_FRAME_IS_KEY) != 0;
}

// write_plane copies a tightly packed plane into the image honouring its stride.
static void write_plane(aom_image_t *img, int plane, const unsigned char *src, int w, int h) {
    for (int y = 0; y < h; y++) {
        memcpy(img->planes[plane] + y * img->stride[plane], src + y * w, w);
    }
}

static void free_fixed_buf(aom_fixed_buf_t *b) {
    if (b) {
        free(b->buf);
        free(b);
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

// Available reports whether libaom was linked in.
func Available() bool {
	return true
}

// Encoder implements ports.Encoder on yuv420p pictures.
type Encoder struct {
	mu sync.Mutex

	in pipeline.StreamDescriptor
	rc rateControl

	codec *C.aom_codec_ctx_t
	cfg   *C.aom_codec_enc_cfg_t
	raw   *C.aom_image_t

	frames  int
	pending []*pipeline.Packet
	flushed bool
}

// NewEncoder opens a realtime libaom encoder for pictures shaped like in.
// The returned descriptor carries an av1C configuration record.
func NewEncoder(in pipeline.StreamDescriptor, opts ports.EncoderOptions) (ports.Encoder, pipeline.StreamDescriptor, error) {
	var out pipeline.StreamDescriptor
	if err := checkInput(in); err != nil {
		return nil, out, err
	}
	rc, err := parseRate(in, opts)
	if err != nil {
		return nil, out, err
	}

	e := &Encoder{in: in, rc: rc}
	if err := e.open(); err != nil {
		e.Close()
		return nil, out, err
	}

	hdr := C.aom_codec_get_global_headers(e.codec)
	if hdr == nil {
		e.Close()
		return nil, out, fmt.Errorf("%w: av1 encoder has no global headers", pipeline.ErrFatalEncode)
	}
	obus := C.GoBytes(hdr.buf, C.int(hdr.sz))
	C.free_fixed_buf(hdr)

	extradata, err := configRecord(sequenceHeader(obus))
	if err != nil {
		e.Close()
		return nil, out, err
	}

	out = in.Clone()
	out.Codec = Codec
	out.Extradata = extradata
	out.Bitrate = opts.TargetBitrate
	out.ReorderDepth = 0
	return e, out, nil
}

func (e *Encoder) open() error {
	e.codec = (*C.aom_codec_ctx_t)(C.calloc(1, C.sizeof_aom_codec_ctx_t))
	e.cfg = (*C.aom_codec_enc_cfg_t)(C.calloc(1, C.sizeof_aom_codec_enc_cfg_t))
	if e.codec == nil || e.cfg == nil {
		return fmt.Errorf("%w: allocate av1 encoder", pipeline.ErrFatalEncode)
	}
	if res := C.enc_config_default(e.cfg); res != C.AOM_CODEC_OK {
		return fmt.Errorf("%w: av1 default config: %d", pipeline.ErrFatalEncode, res)
	}

	e.cfg.g_w = C.uint(e.in.Width)
	e.cfg.g_h = C.uint(e.in.Height)
	e.cfg.g_timebase.num = C.int(e.in.TimeBase.Num)
	e.cfg.g_timebase.den = C.int(e.in.TimeBase.Den)
	e.cfg.g_threads = C.uint(e.rc.threads)
	e.cfg.g_lag_in_frames = 0
	e.cfg.g_usage = C.AOM_USAGE_REALTIME
	e.cfg.rc_target_bitrate = C.uint(e.rc.targetKbps)
	e.cfg.kf_max_dist = C.uint(e.rc.keyInterval)
	if e.rc.cbr {
		e.cfg.rc_end_usage = C.AOM_CBR
	} else {
		e.cfg.rc_end_usage = C.AOM_VBR
	}

	if res := C.init_encoder(e.codec, e.cfg); res != C.AOM_CODEC_OK {
		C.free(unsafe.Pointer(e.codec))
		e.codec = nil
		return fmt.Errorf("%w: av1 encoder init: %d", pipeline.ErrFatalEncode, res)
	}
	C.set_cpu_used(e.codec, C.int(e.rc.cpuUsed))

	e.raw = (*C.aom_image_t)(C.calloc(1, C.sizeof_aom_image_t))
	if e.raw == nil || C.aom_img_alloc(e.raw, C.AOM_IMG_FMT_I420, C.uint(e.in.Width), C.uint(e.in.Height), 32) == nil {
		return fmt.Errorf("%w: allocate av1 picture", pipeline.ErrFatalEncode)
	}
	return nil
}

func (e *Encoder) SendFrame(ctx context.Context, f *pipeline.Frame) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.codec == nil {
		return fmt.Errorf("%w: av1 encoder is closed", pipeline.ErrInvalidState)
	}
	if f == nil {
		return e.flush()
	}
	if f.Format != pipeline.PixYUV420P || f.Width != e.in.Width || f.Height != e.in.Height {
		return fmt.Errorf("%w: frame %s %dx%d does not match the encoder input", pipeline.ErrEncode, f.Format, f.Width, f.Height)
	}

	data := f.Data()
	w, h := e.in.Width, e.in.Height
	cw, ch := w/2, h/2
	if len(data) < w*h+2*cw*ch {
		return fmt.Errorf("%w: frame holds %d bytes", pipeline.ErrEncode, len(data))
	}
	base := (*C.uchar)(unsafe.Pointer(&data[0]))
	C.write_plane(e.raw, 0, base, C.int(w), C.int(h))
	C.write_plane(e.raw, 1, (*C.uchar)(unsafe.Add(unsafe.Pointer(base), w*h)), C.int(cw), C.int(ch))
	C.write_plane(e.raw, 2, (*C.uchar)(unsafe.Add(unsafe.Pointer(base), w*h+cw*ch)), C.int(cw), C.int(ch))

	dur := f.Duration
	if dur <= 0 {
		dur = 1
	}
	var flags C.aom_enc_frame_flags_t
	if e.frames == 0 {
		flags = C.AOM_EFLAG_FORCE_KF
	}
	if res := C.aom_codec_encode(e.codec, e.raw, C.aom_codec_pts_t(f.PTS), C.ulong(dur), flags); res != C.AOM_CODEC_OK {
		return fmt.Errorf("%w: av1 frame at %d: %s", pipeline.ErrEncode, f.PTS, C.GoString(C.aom_codec_error_detail(e.codec)))
	}
	e.frames++
	e.collect()
	return nil
}

func (e *Encoder) flush() error {
	if e.flushed {
		return nil
	}
	for {
		before := len(e.pending)
		if res := C.aom_codec_encode(e.codec, nil, 0, 1, 0); res != C.AOM_CODEC_OK {
			return fmt.Errorf("%w: av1 flush: %d", pipeline.ErrFatalEncode, res)
		}
		e.collect()
		if len(e.pending) == before {
			break
		}
	}
	e.flushed = true
	return nil
}

// collect moves every finished packet out of libaom.
func (e *Encoder) collect() {
	var iter C.aom_codec_iter_t
	for {
		pkt := C.aom_codec_get_cx_data(e.codec, &iter)
		if pkt == nil {
			return
		}
		if C.is_frame_packet(pkt) == 0 {
			continue
		}
		data := stripTemporalDelimiters(C.GoBytes(C.frame_buf(pkt), C.int(C.frame_sz(pkt))))
		p := pipeline.NewPacket(data)
		p.StreamIndex = e.in.Index
		p.TimeBase = e.in.TimeBase
		p.PTS = int64(C.frame_pts(pkt))
		p.DTS = p.PTS
		p.Duration = int64(C.frame_duration(pkt))
		p.KeyFrame = C.frame_is_key(pkt) != 0
		e.pending = append(e.pending, p)
	}
}

func (e *Encoder) ReceivePacket(ctx context.Context) (*pipeline.Packet, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if len(e.pending) > 0 {
		p := e.pending[0]
		e.pending = e.pending[1:]
		return p, nil
	}
	if e.flushed {
		return nil, io.EOF
	}
	return nil, ports.ErrAgain
}

func (e *Encoder) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.raw != nil {
		C.aom_img_free(e.raw)
		C.free(unsafe.Pointer(e.raw))
		e.raw = nil
	}
	if e.codec != nil {
		C.aom_codec_destroy(e.codec)
		C.free(unsafe.Pointer(e.codec))
		e.codec = nil
	}
	if e.cfg != nil {
		C.free(unsafe.Pointer(e.cfg))
		e.cfg = nil
	}
	for _, p := range e.pending {
		p.Release()
	}
	e.pending = nil
	return nil
}

var _ ports.Encoder = (*Encoder)(nil)
